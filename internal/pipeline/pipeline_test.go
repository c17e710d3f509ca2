package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"voteauth.org/internal/model"
)

func newEngine(t *testing.T, at time.Time) (*Engine, *model.InMemory) {
	t.Helper()
	store := model.NewInMemory()
	eng := NewEngine(store.Lists(), store.Attempts()).WithClock(func() time.Time { return at })
	return eng, store
}

func TestValidate(t *testing.T) {
	good := []model.PipeEntry{
		{Name: CheckWhitelisted, Params: map[string]any{"field": "ip"}},
		{Name: CheckTotalMax, Params: map[string]any{"field": "tlf", "max": 5}},
	}
	if err := Validate(good); err != nil {
		t.Fatalf("valid pipeline rejected: %v", err)
	}
	bad := []model.PipeEntry{{Name: "check_quota", Params: map[string]any{}}}
	if err := Validate(bad); !errors.Is(err, ErrBadPipeline) {
		t.Fatalf("expected ErrBadPipeline, got %v", err)
	}
}

func TestBlacklistRejects(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	eng, store := newEngine(t, now)
	ctx := context.Background()

	if err := store.Lists().Add(ctx, model.ListEntry{EventID: 1, Kind: model.ListBlacklist, Field: "ip", Value: "10.0.0.9"}); err != nil {
		t.Fatal(err)
	}

	entries := []model.PipeEntry{{Name: CheckBlacklisted, Params: map[string]any{"field": "ip"}}}
	err := eng.Run(ctx, StageRegister, &Context{EventID: 1, IP: "10.0.0.9"}, entries)
	rej, ok := IsRejection(err)
	if !ok {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rej.Cause != "Blacklisted" {
		t.Fatalf("unexpected cause %q", rej.Cause)
	}

	if err := eng.Run(ctx, StageRegister, &Context{EventID: 1, IP: "10.0.0.10"}, entries); err != nil {
		t.Fatalf("clean ip rejected: %v", err)
	}
	// same value, different event: lists are event-scoped
	if err := eng.Run(ctx, StageRegister, &Context{EventID: 2, IP: "10.0.0.9"}, entries); err != nil {
		t.Fatalf("blacklist leaked across events: %v", err)
	}
}

func TestWhitelistOverridesBlacklistAndMax(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	eng, store := newEngine(t, now)
	ctx := context.Background()

	if err := store.Lists().Add(ctx, model.ListEntry{EventID: 1, Kind: model.ListWhitelist, Field: "tlf", Value: "+34666000001"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Lists().Add(ctx, model.ListEntry{EventID: 1, Kind: model.ListBlacklist, Field: "tlf", Value: "+34666000001"}); err != nil {
		t.Fatal(err)
	}

	entries := []model.PipeEntry{
		{Name: CheckWhitelisted, Params: map[string]any{"field": "tlf"}},
		{Name: CheckBlacklisted, Params: map[string]any{"field": "tlf"}},
		{Name: CheckTotalMax, Params: map[string]any{"field": "tlf", "max": 0}},
	}
	if err := eng.Run(ctx, StageRegister, &Context{EventID: 1, Tlf: "+34666000001"}, entries); err != nil {
		t.Fatalf("whitelisted value must pass the whole stage: %v", err)
	}
	// a non-whitelisted value still hits the blacklist/max checks
	if err := eng.Run(ctx, StageRegister, &Context{EventID: 1, Tlf: "+34666000002"}, entries); err == nil {
		t.Fatal("expected max=0 to reject non-whitelisted value")
	}
}

func TestTotalMaxSlidingWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	eng, _ := newEngine(t, now)
	ctx := context.Background()

	const period = 3600
	entries := []model.PipeEntry{
		{Name: CheckTotalMax, Params: map[string]any{"field": "tlf", "max": 2, "period": period}},
	}
	reqctx := func(at time.Time) *Context {
		return &Context{EventID: 7, Tlf: "+34666777888", Now: at}
	}

	if err := eng.Run(ctx, StageRegister, reqctx(now), entries); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if err := eng.Run(ctx, StageRegister, reqctx(now.Add(time.Minute)), entries); err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	err := eng.Run(ctx, StageRegister, reqctx(now.Add(2*time.Minute)), entries)
	if rej, ok := IsRejection(err); !ok || !strings.Contains(rej.Cause, "Blacklisted") {
		t.Fatalf("attempt 3 within window must reject with Blacklisted, got %v", err)
	}

	// after the window has elapsed the same value is accepted again
	later := now.Add(time.Duration(period+120) * time.Second)
	if err := eng.Run(ctx, StageRegister, reqctx(later), entries); err != nil {
		t.Fatalf("attempt after window: %v", err)
	}
}

func TestTotalMaxLifetimeWithoutPeriod(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	eng, _ := newEngine(t, now)
	ctx := context.Background()

	entries := []model.PipeEntry{
		{Name: CheckTotalMax, Params: map[string]any{"field": "ip", "max": 1}},
	}
	if err := eng.Run(ctx, StageRegister, &Context{EventID: 7, IP: "10.1.1.1", Now: now}, entries); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	// no period: bound holds forever
	farFuture := now.Add(365 * 24 * time.Hour)
	if err := eng.Run(ctx, StageRegister, &Context{EventID: 7, IP: "10.1.1.1", Now: farFuture}, entries); err == nil {
		t.Fatal("lifetime max must reject regardless of elapsed time")
	}
}

func TestSMSCodeCheck(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	eng, _ := newEngine(t, now)
	ctx := context.Background()

	entries := []model.PipeEntry{
		{Name: CheckSMSCode, Params: map[string]any{"timestamp": 300}},
	}
	code := &model.Code{UserDataID: 1, Code: "12345678", Created: now.Add(-time.Minute)}

	if err := eng.Run(ctx, StageAuthenticate, &Context{EventID: 1, Code: "12345678", CodeRef: code, Now: now}, entries); err != nil {
		t.Fatalf("valid recent code rejected: %v", err)
	}

	err := eng.Run(ctx, StageAuthenticate, &Context{EventID: 1, Code: "87654321", CodeRef: code, Now: now}, entries)
	if rej, ok := IsRejection(err); !ok || rej.Cause != "Invalid code." {
		t.Fatalf("wrong code: got %v", err)
	}

	stale := &model.Code{UserDataID: 1, Code: "12345678", Created: now.Add(-time.Hour)}
	err = eng.Run(ctx, StageAuthenticate, &Context{EventID: 1, Code: "12345678", CodeRef: stale, Now: now}, entries)
	if rej, ok := IsRejection(err); !ok || rej.Cause != "Code expired." {
		t.Fatalf("expired code: got %v", err)
	}
}

func TestUnknownCheckIsConfigError(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	eng, _ := newEngine(t, now)
	err := eng.Run(context.Background(), StageRegister, &Context{EventID: 1},
		[]model.PipeEntry{{Name: "check_bogus"}})
	if !errors.Is(err, ErrBadPipeline) {
		t.Fatalf("expected ErrBadPipeline, got %v", err)
	}
	if _, ok := IsRejection(err); ok {
		t.Fatal("config error must not look like a policy rejection")
	}
}
