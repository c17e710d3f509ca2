package fields

import (
	"strings"
	"testing"
)

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		defs    []Definition
		wantErr string
	}{
		{
			name: "valid schema",
			defs: []Definition{
				{Name: "username", Type: TypeText, Required: true, Min: 3, Max: 200},
				{Name: "email", Type: TypeEmail, Required: true, Min: 4, Max: 255},
				{Name: "age", Type: TypeInt, Min: 18, Max: 120},
			},
		},
		{
			name: "duplicate name",
			defs: []Definition{
				{Name: "email", Type: TypeEmail},
				{Name: "email", Type: TypeText},
			},
			wantErr: "duplicate field definition",
		},
		{
			name:    "unknown type",
			defs:    []Definition{{Name: "dni", Type: "document"}},
			wantErr: "unknown type",
		},
		{
			name:    "empty name",
			defs:    []Definition{{Name: "  ", Type: TypeText}},
			wantErr: "empty name",
		},
		{
			name:    "max below min",
			defs:    []Definition{{Name: "code", Type: TypeText, Min: 10, Max: 4}},
			wantErr: "below min",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchema(tc.defs)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateValue(t *testing.T) {
	tests := []struct {
		name  string
		def   Definition
		value any
		want  int // expected number of messages
	}{
		{"text in bounds", Definition{Name: "u", Type: TypeText, Min: 3, Max: 10}, "hello", 0},
		{"text too short", Definition{Name: "u", Type: TypeText, Min: 3, Max: 10}, "hi", 1},
		{"text too long", Definition{Name: "u", Type: TypeText, Min: 0, Max: 4}, "toolong", 1},
		{"password in bounds", Definition{Name: "p", Type: TypePassword, Min: 3, Max: 200}, "secret", 0},
		{"int valid", Definition{Name: "n", Type: TypeInt, Min: 1, Max: 10}, 5, 0},
		{"int string valid", Definition{Name: "n", Type: TypeInt, Min: 1, Max: 10}, "7", 0},
		{"int not numeric", Definition{Name: "n", Type: TypeInt}, "abc", 1},
		{"int above max", Definition{Name: "n", Type: TypeInt, Min: 1, Max: 10}, 42, 1},
		{"email valid", Definition{Name: "e", Type: TypeEmail, Min: 4, Max: 255}, "voter@example.com", 0},
		{"email invalid shape", Definition{Name: "e", Type: TypeEmail, Min: 4, Max: 255}, "not-an-email", 1},
		{"email too short and invalid", Definition{Name: "e", Type: TypeEmail, Min: 20, Max: 255}, "a@b", 2},
		{"tlf valid", Definition{Name: "tlf", Type: TypeTlf}, "+34666777888", 0},
		{"tlf invalid", Definition{Name: "tlf", Type: TypeTlf}, "phone", 1},
		{"missing required", Definition{Name: "dni", Type: TypeText, Required: true}, nil, 1},
		{"missing optional", Definition{Name: "dni", Type: TypeText}, nil, 0},
		{"wrong value type", Definition{Name: "u", Type: TypeText}, 12, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msgs := ValidateValue(tc.def, tc.value)
			if len(msgs) != tc.want {
				t.Fatalf("expected %d messages, got %v", tc.want, msgs)
			}
			for _, m := range msgs {
				if !strings.Contains(m, tc.def.Name) {
					t.Fatalf("message %q does not name field %q", m, tc.def.Name)
				}
			}
		})
	}
}

func TestValidateRequestStages(t *testing.T) {
	defs := []Definition{
		{Name: "username", Type: TypeText, Required: true, Min: 3, Max: 200, RequiredOnAuthentication: true},
		{Name: "dni", Type: TypeText, Required: true, Min: 9, Max: 9},
	}

	// dni required on register, not on authenticate
	payload := map[string]any{"username": "voter1"}
	if msgs := ValidateRequest(defs, payload, "register"); len(msgs) != 1 || !strings.Contains(msgs[0], "dni") {
		t.Fatalf("register stage should require dni, got %v", msgs)
	}
	if msgs := ValidateRequest(defs, payload, "authenticate"); len(msgs) != 0 {
		t.Fatalf("authenticate stage should not require dni, got %v", msgs)
	}

	// errors accumulate rather than failing fast
	bad := map[string]any{"username": "ab", "dni": "short"}
	msgs := ValidateRequest(defs, bad, "register")
	if len(msgs) != 2 {
		t.Fatalf("expected accumulated errors for both fields, got %v", msgs)
	}
	if Join(msgs) == "" {
		t.Fatal("joined message should be non-empty on failure")
	}
}
