package authmethods

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"voteauth.org/internal/config"
	"voteauth.org/internal/model"
	"voteauth.org/internal/obs"
	"voteauth.org/internal/pipeline"
)

const metaSubject = "sub"

// openidMethod authenticates voters with an OpenID Connect ID token issued
// by a configured provider. Verification failures are logged in detail but
// reported to the client as a bare nok, so probing reveals nothing about
// which claim failed.
type openidMethod struct {
	deps *Deps
	jwks *jwksCache
}

func newOpenID(deps *Deps) *openidMethod {
	return &openidMethod{deps: deps, jwks: newJWKSCache(deps.now)}
}

func (m *openidMethod) Name() string { return MethodOpenID }

// CheckConfig requires that a provider referenced by the event config is
// actually configured.
func (m *openidMethod) CheckConfig(cfg *model.MethodConfig) error {
	if cfg.Config == nil {
		return nil
	}
	id, _ := cfg.Config["provider"].(string)
	if id == "" {
		return nil
	}
	if _, err := m.provider(id); err != nil {
		return err
	}
	return nil
}

// Census pre-provisions voters by their provider subject identifier.
func (m *openidMethod) Census(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	rawRows, rok := req.Payload["census"].([]any)
	if !rok {
		return nok("Invalid census data."), nil
	}
	for _, raw := range rawRows {
		row, rowOK := raw.(map[string]any)
		if !rowOK {
			return nok("Malformed census row."), nil
		}
		sub, _ := row["sub"].(string)
		if sub == "" {
			return nok("Census row without subject."), nil
		}
		if _, _, err := m.deps.Store.Users().FindBySubject(ctx, ae.ID, sub); err == nil {
			continue
		} else if !errors.Is(err, model.ErrNotFound) {
			return Result{}, err
		}
		email, _ := row["email"].(string)
		if err := m.createSubject(ctx, ae, sub, email, row); err != nil {
			return Result{}, err
		}
	}
	return ok(), nil
}

// Register is implicit: the first verified ID token creates the account.
func (m *openidMethod) Register(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	return nok("Registration happens on first authentication."), nil
}

// Authenticate verifies the submitted ID token against the provider's
// published keys, then binds or creates the local user by subject.
func (m *openidMethod) Authenticate(ctx context.Context, ae *model.AuthEvent, req *Request, mode string) (Result, error) {
	idToken := req.String("id_token")
	nonce := req.String("nonce")
	providerID := req.String("provider")
	if providerID == "" {
		providerID, _ = ae.Config.Config["provider"].(string)
	}
	if idToken == "" {
		return m.authError(ae, providerID, "missing-id-token", nil), nil
	}
	p, err := m.provider(providerID)
	if err != nil {
		return m.authError(ae, providerID, "unknown-provider", err), nil
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(idToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return m.jwks.Key(ctx, p.JWKSURI, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(m.deps.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return m.authError(ae, p.ID, "invalid-signature", err), nil
	}

	iss, _ := claims["iss"].(string)
	if !pipeline.ConstantTimeEquals(iss, p.Issuer) {
		return m.authError(ae, p.ID, "issuer-mismatch", nil), nil
	}
	if !audienceMatches(claims["aud"], p.ClientID) {
		return m.authError(ae, p.ID, "audience-mismatch", nil), nil
	}
	tokenNonce, _ := claims["nonce"].(string)
	if nonce != "" || tokenNonce != "" {
		if !pipeline.ConstantTimeEquals(tokenNonce, nonce) {
			return m.authError(ae, p.ID, "nonce-mismatch", nil), nil
		}
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return m.authError(ae, p.ID, "missing-subject", nil), nil
	}

	reqctx := &pipeline.Context{EventID: ae.ID, IP: req.IP, Now: m.deps.now()}
	if res, passed, perr := runPipeline(ctx, m.deps, pipeline.StageAuthenticate, reqctx, ae.Config.Pipelines.Authenticate); perr != nil {
		return Result{}, perr
	} else if !passed {
		obs.ObserveAuthAttempt(MethodOpenID, "rejected")
		return res, nil
	}

	u, _, err := m.deps.Store.Users().FindBySubject(ctx, ae.ID, sub)
	if errors.Is(err, model.ErrNotFound) {
		if ae.Census != model.CensusOpen {
			return m.authError(ae, p.ID, "not-in-census", nil), nil
		}
		email, _ := claims["email"].(string)
		if err := m.createSubject(ctx, ae, sub, email, map[string]any{}); err != nil {
			return Result{}, err
		}
		u, _, err = m.deps.Store.Users().FindBySubject(ctx, ae.ID, sub)
	}
	if err != nil {
		return Result{}, err
	}

	if mode != ModeAuthenticate {
		return Result{Status: "ok", Username: u.Username}, nil
	}

	allowed, err := loginAllowed(ctx, m.deps, ae, u)
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		return m.authError(ae, p.ID, "too-many-successful-logins", nil), nil
	}
	if err := recordLogin(ctx, m.deps, ae, u); err != nil {
		return Result{}, err
	}
	obs.ObserveAuthAttempt(MethodOpenID, "ok")
	return okToken(u.Username, m.deps.Signer.Sign(u.Username)), nil
}

func (m *openidMethod) PublicCensusQuery(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	return m.Authenticate(ctx, ae, req, ModeCensusQuery)
}

func (m *openidMethod) ResendAuthCode(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	// no out-of-band code in this method
	return ok(), nil
}

func (m *openidMethod) createSubject(ctx context.Context, ae *model.AuthEvent, sub, email string, payload map[string]any) error {
	metadata := extraMetadata(ae, payload)
	metadata[metaSubject] = sub
	_, d, err := createUser(ctx, m.deps, ae, uuid.NewString(), "", email, "", metadata, true)
	if err != nil {
		return err
	}
	obs.ObserveRegistration(MethodOpenID, "ok")
	return givePerms(ctx, m.deps, ae, d)
}

func (m *openidMethod) provider(id string) (*config.OIDCProvider, error) {
	for i := range m.deps.Providers {
		if m.deps.Providers[i].ID == id {
			return &m.deps.Providers[i], nil
		}
	}
	return nil, fmt.Errorf("openid provider %q is not configured", id)
}

// authError logs the precise failure for operators and hands the client an
// opaque rejection.
func (m *openidMethod) authError(ae *model.AuthEvent, provider, kind string, err error) Result {
	obs.ObserveAuthAttempt(MethodOpenID, "rejected")
	f := map[string]any{"event": ae.ID, "provider": provider, "kind": kind}
	if err != nil {
		f["error"] = err.Error()
	}
	obs.Error("openid authenticate failed", f)
	return Result{Status: "nok"}
}

// audienceMatches accepts the aud claim as a single string or a list.
func audienceMatches(aud any, clientID string) bool {
	switch v := aud.(type) {
	case string:
		return pipeline.ConstantTimeEquals(v, clientID)
	case []any:
		matched := false
		for _, item := range v {
			s, _ := item.(string)
			if pipeline.ConstantTimeEquals(s, clientID) {
				matched = true
			}
		}
		return matched
	default:
		return false
	}
}
