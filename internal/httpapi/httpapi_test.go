package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voteauth.org/internal/authmethods"
	"voteauth.org/internal/khmac"
	"voteauth.org/internal/messenger"
	"voteauth.org/internal/model"
	"voteauth.org/internal/pipeline"
)

type apiFixture struct {
	store    *model.InMemory
	recorder *messenger.Recorder
	signer   *khmac.Signer
	handler  http.Handler
	now      time.Time
}

func newAPIFixture(t *testing.T, mutate func(*Options)) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store:    model.NewInMemory(),
		recorder: &messenger.Recorder{},
		now:      time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.signer = khmac.New("test-secret").WithClock(clock)
	deps := &authmethods.Deps{
		Store:    f.store,
		Pipeline: pipeline.NewEngine(f.store.Lists(), f.store.Attempts()).WithClock(clock),
		Signer:   f.signer,
		Sender:   f.recorder,
		LinkBase: "https://vote.example.org",
		Now:      clock,
	}
	opts := Options{
		Store:    f.store,
		Registry: authmethods.NewRegistry(deps),
		Signer:   f.signer,
		Version:  "test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.handler = New(opts).Handler()
	return f
}

func (f *apiFixture) event(t *testing.T, method string, mutate func(*model.AuthEvent)) *model.AuthEvent {
	t.Helper()
	ae := &model.AuthEvent{
		AuthMethod: method,
		Census:     model.CensusOpen,
		Status:     "started",
	}
	if mutate != nil {
		mutate(ae)
	}
	if err := f.store.Events().Create(context.Background(), ae); err != nil {
		t.Fatalf("create event: %v", err)
	}
	return ae
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (f *apiFixture) censusAuth(ae *model.AuthEvent) http.Header {
	return http.Header{"Authorization": []string{
		f.signer.Sign(fmt.Sprintf("admin:AuthEvent:%d:census", ae.ID)),
	}}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, body := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body["status"] != "ok" || body["service"] != "voteauth-api" {
		t.Fatalf("body %v", body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id missing")
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, _ := f.do(t, http.MethodGet, "/healthz", nil, http.Header{
		"X-Request-Id": []string{"req-42"},
	})
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("request id %q", got)
	}
}

func TestPasswordFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	ae := f.event(t, authmethods.MethodPassword, nil)
	base := fmt.Sprintf("/v1/events/%d", ae.ID)

	rec, body := f.do(t, http.MethodPost, base+"/census", map[string]any{
		"census": []map[string]any{
			{"username": "alice", "password": "alice-password"},
		},
	}, f.censusAuth(ae))
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("census: %d %v", rec.Code, body)
	}

	rec, body = f.do(t, http.MethodPost, base+"/authenticate", map[string]any{
		"username": "alice", "password": "alice-password",
	}, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("authenticate: %d %v", rec.Code, body)
	}
	tok, _ := body["auth-token"].(string)
	if !strings.HasPrefix(tok, "khmac:///sha-256;") {
		t.Fatalf("auth-token %q", tok)
	}

	rec, body = f.do(t, http.MethodPost, base+"/authenticate", map[string]any{
		"username": "alice", "password": "wrong",
	}, nil)
	if rec.Code != http.StatusBadRequest || body["status"] != "nok" {
		t.Fatalf("bad password: %d %v", rec.Code, body)
	}
	if _, has := body["msg"]; has {
		t.Fatalf("auth failure must stay opaque, got %v", body)
	}
}

func TestEventResolution(t *testing.T) {
	f := newAPIFixture(t, nil)
	stopped := f.event(t, authmethods.MethodPassword, func(ae *model.AuthEvent) {
		ae.Status = "stopped"
	})

	cases := []struct {
		name string
		path string
		want int
	}{
		{"invalid id", "/v1/events/zero/authenticate", http.StatusBadRequest},
		{"negative id", "/v1/events/-3/authenticate", http.StatusBadRequest},
		{"unknown event", "/v1/events/9999/authenticate", http.StatusNotFound},
		{"not started", fmt.Sprintf("/v1/events/%d/authenticate", stopped.ID), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := f.do(t, http.MethodPost, tc.path, map[string]any{}, nil)
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestInvalidJSONBody(t *testing.T) {
	f := newAPIFixture(t, nil)
	ae := f.event(t, authmethods.MethodPassword, nil)
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/v1/events/%d/authenticate", ae.ID),
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCensusAuthorization(t *testing.T) {
	f := newAPIFixture(t, nil)
	ae := f.event(t, authmethods.MethodPassword, nil)
	path := fmt.Sprintf("/v1/events/%d/census", ae.ID)
	payload := map[string]any{"census": []map[string]any{
		{"username": "bob", "password": "bob-password"},
	}}

	rec, _ := f.do(t, http.MethodPost, path, payload, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}

	// a token over the wrong message must not pass, even when fresh
	wrong := http.Header{"Authorization": []string{
		f.signer.Sign(fmt.Sprintf("admin:AuthEvent:%d:tally", ae.ID)),
	}}
	rec, _ = f.do(t, http.MethodPost, path, payload, wrong)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong message: %d", rec.Code)
	}

	rec, body := f.do(t, http.MethodPost, path, payload, f.censusAuth(ae))
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("valid token: %d %v", rec.Code, body)
	}
	if _, _, err := f.store.Users().FindByUsername(context.Background(), ae.ID, "bob"); err != nil {
		t.Fatalf("census row missing: %v", err)
	}
}

func TestCensusAuthTokenExpiry(t *testing.T) {
	f := newAPIFixture(t, func(o *Options) { o.TokenMaxAge = time.Minute })
	ae := f.event(t, authmethods.MethodPassword, nil)
	header := f.censusAuth(ae)

	f.now = f.now.Add(2 * time.Minute)
	rec, _ := f.do(t, http.MethodPost,
		fmt.Sprintf("/v1/events/%d/census", ae.ID),
		map[string]any{"census": []map[string]any{}}, header)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale token: %d", rec.Code)
	}
}

func TestPublicCensusQueryGate(t *testing.T) {
	f := newAPIFixture(t, nil)
	closed := f.event(t, authmethods.MethodPassword, nil)
	open := f.event(t, authmethods.MethodPassword, func(ae *model.AuthEvent) {
		ae.AllowPublicCensusQuery = true
	})
	payload := map[string]any{"census": []map[string]any{
		{"username": "carol", "password": "carol-password"},
	}}
	if rec, _ := f.do(t, http.MethodPost,
		fmt.Sprintf("/v1/events/%d/census", open.ID), payload, f.censusAuth(open)); rec.Code != http.StatusOK {
		t.Fatalf("seed census: %d", rec.Code)
	}

	rec, _ := f.do(t, http.MethodPost,
		fmt.Sprintf("/v1/events/%d/census/public-query", closed.ID),
		map[string]any{"username": "carol", "password": "carol-password"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disabled event: %d", rec.Code)
	}

	rec, body := f.do(t, http.MethodPost,
		fmt.Sprintf("/v1/events/%d/census/public-query", open.ID),
		map[string]any{"username": "carol", "password": "carol-password"}, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("enabled event: %d %v", rec.Code, body)
	}
	if _, has := body["auth-token"]; has {
		t.Fatalf("census query must not mint a token: %v", body)
	}
}

func TestEmailValidateOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	ae := f.event(t, authmethods.MethodEmail, nil)
	base := fmt.Sprintf("/v1/events/%d", ae.ID)

	rec, body := f.do(t, http.MethodPost, base+"/register", map[string]any{
		"email": "dora@example.com", "password": "dora-password",
	}, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("register: %d %v", rec.Code, body)
	}
	sent := f.recorder.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(sent))
	}
	words := strings.Fields(sent[0].Body)
	link := words[len(words)-1]
	if !strings.HasPrefix(link, "https://vote.example.org/v1/events/") {
		t.Fatalf("link %q", link)
	}

	// the mailed path is served verbatim by the validate route
	rec, body = f.do(t, http.MethodGet, strings.TrimPrefix(link, "https://vote.example.org"), nil, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("validate: %d %v", rec.Code, body)
	}

	rec, body = f.do(t, http.MethodPost, base+"/authenticate", map[string]any{
		"email": "dora@example.com", "password": "dora-password",
	}, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("post-validation auth: %d %v", rec.Code, body)
	}
}

func TestValidateOnPasswordEvent(t *testing.T) {
	f := newAPIFixture(t, nil)
	ae := f.event(t, authmethods.MethodPassword, nil)
	rec, body := f.do(t, http.MethodGet,
		fmt.Sprintf("/v1/events/%d/validate/someone/somecode", ae.ID), nil, nil)
	if rec.Code != http.StatusBadRequest || body["status"] != "nok" {
		t.Fatalf("got %d %v", rec.Code, body)
	}
}

func TestRateLimit(t *testing.T) {
	f := newAPIFixture(t, func(o *Options) {
		o.RateBurst = 2
		o.RatePerSec = 1
	})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := f.do(t, http.MethodGet, "/healthz", nil, nil)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests throttled: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third request not throttled: %v", codes)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, _ := f.do(t, http.MethodGet, "/v2/nothing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}
