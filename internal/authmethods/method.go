// Package authmethods implements the pluggable authentication methods and
// their shared contract. The method set is closed and security sensitive, so
// the registry is a fixed table built at construction, never a runtime
// plugin mechanism.
package authmethods

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voteauth.org/internal/config"
	"voteauth.org/internal/fields"
	"voteauth.org/internal/khmac"
	"voteauth.org/internal/messenger"
	"voteauth.org/internal/model"
	"voteauth.org/internal/pipeline"
)

// Registered method names. These are the values accepted in
// AuthEvent.AuthMethod.
const (
	MethodPassword = "user-and-password"
	MethodEmail    = "email"
	MethodSMS      = "sms"
	MethodOpenID   = "openid-connect"
)

// Authenticate modes.
const (
	ModeAuthenticate = "authenticate"
	ModeCensusQuery  = "census-query"
)

var (
	// ErrUnknownMethod is a configuration error: the event names a method
	// that is not registered.
	ErrUnknownMethod = errors.New("authmethods: unknown auth method")
)

// Request carries the request-derived inputs a method operates on.
type Request struct {
	Payload map[string]any
	IP      string
}

// String returns a trimmed string payload field or "".
func (r *Request) String(key string) string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return s
}

// Result is the outcome reported to the caller. Status "nok" with a message
// is a policy rejection (400-class); system faults travel as Go errors.
type Result struct {
	Status    string `json:"status"`
	Username  string `json:"username,omitempty"`
	AuthToken string `json:"auth-token,omitempty"`
	Message   string `json:"msg,omitempty"`
}

func ok() Result            { return Result{Status: "ok"} }
func nok(msg string) Result { return Result{Status: "nok", Message: msg} }
func okToken(u, t string) Result {
	return Result{Status: "ok", Username: u, AuthToken: t}
}

// Method is the capability set every auth method implements. Dispatch is
// polymorphic over this interface, selected by the event's auth_method.
type Method interface {
	Name() string
	CheckConfig(cfg *model.MethodConfig) error
	Census(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error)
	Register(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error)
	Authenticate(ctx context.Context, ae *model.AuthEvent, req *Request, mode string) (Result, error)
	PublicCensusQuery(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error)
	ResendAuthCode(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error)
}

// Deps bundles the collaborators injected into every method.
type Deps struct {
	Store    model.Store
	Pipeline *pipeline.Engine
	Signer   *khmac.Signer
	Sender   messenger.Sender
	MailFrom string
	// LinkBase is the public base URL used in email validation links.
	LinkBase string
	// Providers configures the OpenID Connect method.
	Providers []config.OIDCProvider
	Now       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Registry maps method names to implementations. The table is fixed at
// construction.
type Registry struct {
	methods map[string]Method
}

// NewRegistry builds the closed method set.
func NewRegistry(deps *Deps) *Registry {
	r := &Registry{methods: make(map[string]Method, 4)}
	for _, m := range []Method{
		newPassword(deps),
		newEmailCode(deps),
		newSMSCode(deps),
		newOpenID(deps),
	} {
		r.methods[m.Name()] = m
	}
	return r
}

// Lookup resolves a method by name.
func (r *Registry) Lookup(name string) (Method, error) {
	m, ok := r.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return m, nil
}

// CheckEvent validates an event's method, pipelines and extra-field schema
// at setup time. Any failure here is a configuration error.
func (r *Registry) CheckEvent(ae *model.AuthEvent) error {
	m, err := r.Lookup(ae.AuthMethod)
	if err != nil {
		return err
	}
	if err := fields.ValidateSchema(ae.Config.ExtraFields); err != nil {
		return fmt.Errorf("event %d extra fields: %w", ae.ID, err)
	}
	if err := pipeline.Validate(ae.Config.Pipelines.Register); err != nil {
		return fmt.Errorf("event %d register pipeline: %w", ae.ID, err)
	}
	if err := pipeline.Validate(ae.Config.Pipelines.Authenticate); err != nil {
		return fmt.Errorf("event %d authenticate pipeline: %w", ae.ID, err)
	}
	return m.CheckConfig(&ae.Config)
}
