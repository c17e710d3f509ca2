// Package fields validates the per-event extra-field schema and the values
// submitted against it. Each auth event declares a list of field definitions
// (name, type, bounds); registration and authentication payloads are checked
// against that list with all errors accumulated, never fail-fast.
package fields

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Field types accepted in a definition.
const (
	TypeText     = "text"
	TypeInt      = "int"
	TypeEmail    = "email"
	TypePassword = "password"
	TypeTlf      = "tlf"
	TypeCaptcha  = "captcha"
	TypeCustom   = "custom"
)

var knownTypes = map[string]struct{}{
	TypeText:     {},
	TypeInt:      {},
	TypeEmail:    {},
	TypePassword: {},
	TypeTlf:      {},
	TypeCaptcha:  {},
	TypeCustom:   {},
}

var (
	emailRE = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	tlfRE   = regexp.MustCompile(`^\+?[0-9 ]{6,20}$`)
)

// Definition declares one extra field of an auth event.
type Definition struct {
	Name                     string `json:"name"`
	Type                     string `json:"type"`
	Required                 bool   `json:"required"`
	Min                      int    `json:"min"`
	Max                      int    `json:"max"`
	RequiredOnAuthentication bool   `json:"required_on_authentication"`
}

// ValidateSchema checks a definition list at event-setup time. Duplicate or
// empty names and unknown types reject the whole schema; these are
// configuration errors, not per-request policy rejections.
func ValidateSchema(defs []Definition) error {
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return fmt.Errorf("field definition with empty name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate field definition %q", name)
		}
		seen[name] = struct{}{}
		if _, ok := knownTypes[def.Type]; !ok {
			return fmt.Errorf("field %q has unknown type %q", name, def.Type)
		}
		if def.Max != 0 && def.Max < def.Min {
			return fmt.Errorf("field %q has max %d below min %d", name, def.Max, def.Min)
		}
	}
	return nil
}

// ValidateValue checks a single submitted value against its definition and
// returns every violation found. An empty slice means the value is valid.
func ValidateValue(def Definition, value any) []string {
	var msgs []string

	if value == nil {
		if def.Required {
			msgs = append(msgs, fmt.Sprintf("Field %s is required.", def.Name))
		}
		return msgs
	}

	switch def.Type {
	case TypeInt:
		n, ok := asInt(value)
		if !ok {
			msgs = append(msgs, fmt.Sprintf("Field %s must be an integer.", def.Name))
			return msgs
		}
		if n < def.Min {
			msgs = append(msgs, fmt.Sprintf("Field %s is below minimum %d.", def.Name, def.Min))
		}
		if def.Max != 0 && n > def.Max {
			msgs = append(msgs, fmt.Sprintf("Field %s exceeds maximum %d.", def.Name, def.Max))
		}
	case TypeEmail:
		s, ok := value.(string)
		if !ok {
			msgs = append(msgs, fmt.Sprintf("Field %s must be a string.", def.Name))
			return msgs
		}
		if !emailRE.MatchString(s) {
			msgs = append(msgs, fmt.Sprintf("Field %s is not a valid email address.", def.Name))
		}
		msgs = append(msgs, checkLength(def, s)...)
	case TypeTlf:
		s, ok := value.(string)
		if !ok {
			msgs = append(msgs, fmt.Sprintf("Field %s must be a string.", def.Name))
			return msgs
		}
		if !tlfRE.MatchString(s) {
			msgs = append(msgs, fmt.Sprintf("Field %s is not a valid phone number.", def.Name))
		}
	default:
		// text, password, captcha, custom: string with length bounds
		s, ok := value.(string)
		if !ok {
			msgs = append(msgs, fmt.Sprintf("Field %s must be a string.", def.Name))
			return msgs
		}
		msgs = append(msgs, checkLength(def, s)...)
	}
	return msgs
}

// ValidateRequest validates a whole submitted payload against a definition
// list for the given stage ("register", "authenticate" or "census").
// Fields not present in the schema are ignored; missing required fields
// produce an error naming the field.
func ValidateRequest(defs []Definition, payload map[string]any, stage string) []string {
	var msgs []string
	for _, def := range defs {
		required := def.Required
		if stage == "authenticate" {
			required = def.RequiredOnAuthentication
		}
		value, present := payload[def.Name]
		if !present {
			if required {
				msgs = append(msgs, fmt.Sprintf("Field %s is required.", def.Name))
			}
			continue
		}
		msgs = append(msgs, ValidateValue(def, value)...)
	}
	return msgs
}

// Join concatenates accumulated messages into the single message reported to
// the caller. Empty input means validation passed.
func Join(msgs []string) string {
	return strings.Join(msgs, " ")
}

func checkLength(def Definition, s string) []string {
	var msgs []string
	if len(s) < def.Min {
		msgs = append(msgs, fmt.Sprintf("Field %s is shorter than %d characters.", def.Name, def.Min))
	}
	if def.Max != 0 && len(s) > def.Max {
		msgs = append(msgs, fmt.Sprintf("Field %s is longer than %d characters.", def.Name, def.Max))
	}
	return msgs
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
