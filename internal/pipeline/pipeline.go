// Package pipeline evaluates the data-driven check lists gating registration
// and authentication per auth event. A pipeline is an ordered list of
// (check name, params) entries stored on the event; checks execute in
// declared order and short-circuit on the first rejection. Whitelisting a
// field value short-circuits the other way: the remaining checks of the
// stage are skipped and the request is accepted.
package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"voteauth.org/internal/model"
)

// Stages a pipeline can run in.
const (
	StageRegister     = "register"
	StageAuthenticate = "authenticate"
)

// Check names accepted in a pipeline definition.
const (
	CheckWhitelisted = "check_whitelisted"
	CheckBlacklisted = "check_blacklisted"
	CheckTotalMax    = "check_total_max"
	CheckSMSCode     = "check_sms_code"
)

// ErrBadPipeline marks configuration errors: unknown check names, malformed
// params. These abort the operation as fatal, never as a policy rejection.
var ErrBadPipeline = errors.New("pipeline: bad pipeline configuration")

// Rejection is the expected policy outcome of a failed check, reported to
// the caller as a user-visible cause rather than a system error.
type Rejection struct {
	Check string
	Cause string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("pipeline: %s rejected: %s", r.Check, r.Cause)
}

// IsRejection reports whether err is a policy rejection and returns it.
func IsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Context carries the request-derived values checks evaluate against.
type Context struct {
	EventID  int64
	IP       string
	Tlf      string
	Email    string
	Code     string // submitted one-time code
	CodeRef  *model.Code
	UserData *model.UserData
	Now      time.Time
}

// Field returns the context value for a configured field name.
func (c *Context) Field(name string) string {
	switch name {
	case "ip":
		return c.IP
	case "tlf":
		return c.Tlf
	case "email":
		return c.Email
	default:
		return ""
	}
}

// Engine runs pipelines against durable list and attempt stores. Rate-limit
// counters come from stored attempt rows, so correctness under concurrent
// bursts rests on the storage layer, not in-process locks.
type Engine struct {
	lists    model.ListStore
	attempts model.AttemptStore
	now      func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(lists model.ListStore, attempts model.AttemptStore) *Engine {
	return &Engine{lists: lists, attempts: attempts, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(fn func() time.Time) *Engine {
	if fn != nil {
		e.now = fn
	}
	return e
}

// Validate checks a pipeline definition at event-setup time.
func Validate(entries []model.PipeEntry) error {
	for _, entry := range entries {
		switch entry.Name {
		case CheckWhitelisted, CheckBlacklisted, CheckTotalMax, CheckSMSCode:
		default:
			return fmt.Errorf("%w: unknown check %q", ErrBadPipeline, entry.Name)
		}
	}
	return nil
}

// Run executes the stage's checks in declared order. nil means accepted; a
// *Rejection means the request is refused with a user-visible cause; any
// other error is a configuration or storage fault.
func (e *Engine) Run(ctx context.Context, stage string, reqctx *Context, entries []model.PipeEntry) error {
	if reqctx.Now.IsZero() {
		reqctx.Now = e.now()
	}
	for _, entry := range entries {
		switch entry.Name {
		case CheckWhitelisted:
			accepted, err := e.checkWhitelisted(ctx, reqctx, entry.Params)
			if err != nil {
				return err
			}
			if accepted {
				// whitelist overrides every remaining check of this stage
				return nil
			}
		case CheckBlacklisted:
			if err := e.checkBlacklisted(ctx, reqctx, entry.Params); err != nil {
				return err
			}
		case CheckTotalMax:
			if err := e.checkTotalMax(ctx, stage, reqctx, entry.Params); err != nil {
				return err
			}
		case CheckSMSCode:
			if err := e.checkSMSCode(reqctx, entry.Params); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown check %q", ErrBadPipeline, entry.Name)
		}
	}
	return nil
}

func (e *Engine) checkWhitelisted(ctx context.Context, reqctx *Context, params map[string]any) (bool, error) {
	field, err := paramString(params, "field")
	if err != nil {
		return false, err
	}
	value := reqctx.Field(field)
	if value == "" {
		return false, nil
	}
	return e.lists.Contains(ctx, reqctx.EventID, model.ListWhitelist, field, value)
}

func (e *Engine) checkBlacklisted(ctx context.Context, reqctx *Context, params map[string]any) error {
	field, err := paramString(params, "field")
	if err != nil {
		return err
	}
	value := reqctx.Field(field)
	if value == "" {
		return nil
	}
	listed, err := e.lists.Contains(ctx, reqctx.EventID, model.ListBlacklist, field, value)
	if err != nil {
		return err
	}
	if listed {
		return &Rejection{Check: CheckBlacklisted, Cause: "Blacklisted"}
	}
	return nil
}

func (e *Engine) checkTotalMax(ctx context.Context, stage string, reqctx *Context, params map[string]any) error {
	field, err := paramString(params, "field")
	if err != nil {
		return err
	}
	max, err := paramInt(params, "max")
	if err != nil {
		return err
	}
	period, hasPeriod, err := paramOptionalInt(params, "period")
	if err != nil {
		return err
	}
	value := reqctx.Field(field)
	if value == "" {
		return nil
	}

	var since time.Time
	if hasPeriod {
		since = reqctx.Now.Add(-time.Duration(period) * time.Second)
	}
	count, err := e.attempts.Count(ctx, reqctx.EventID, CheckTotalMax, field, value, since)
	if err != nil {
		return err
	}
	if count >= max {
		return &Rejection{Check: CheckTotalMax, Cause: "Blacklisted"}
	}
	if stage == StageRegister {
		if err := e.attempts.Record(ctx, reqctx.EventID, CheckTotalMax, field, value, reqctx.Now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkSMSCode(reqctx *Context, params map[string]any) error {
	window, err := paramInt(params, "timestamp")
	if err != nil {
		return err
	}
	if reqctx.CodeRef == nil {
		return &Rejection{Check: CheckSMSCode, Cause: "Invalid code."}
	}
	if reqctx.Now.Sub(reqctx.CodeRef.Created) > time.Duration(window)*time.Second {
		return &Rejection{Check: CheckSMSCode, Cause: "Code expired."}
	}
	if !ConstantTimeEquals(reqctx.Code, reqctx.CodeRef.Code) {
		return &Rejection{Check: CheckSMSCode, Cause: "Invalid code."}
	}
	return nil
}

// ConstantTimeEquals compares two strings without leaking their contents
// through timing. Required for codes, nonces and audience claims.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func paramString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing %q param", ErrBadPipeline, key)
	}
	return v, nil
}

func paramInt(params map[string]any, key string) (int, error) {
	n, ok, err := paramOptionalInt(params, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: missing %q param", ErrBadPipeline, key)
	}
	return n, nil
}

func paramOptionalInt(params map[string]any, key string) (int, bool, error) {
	v, present := params[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		return int(n), true, nil
	default:
		return 0, false, fmt.Errorf("%w: %q param must be a number", ErrBadPipeline, key)
	}
}
