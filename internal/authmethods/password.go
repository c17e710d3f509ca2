package authmethods

import (
	"context"
	"errors"
	"fmt"

	"voteauth.org/internal/fields"
	"voteauth.org/internal/model"
	"voteauth.org/internal/obs"
	"voteauth.org/internal/pipeline"
)

// passwordMethod registers voters from an uploaded census of
// username/password rows and authenticates them against stored bcrypt
// hashes.
type passwordMethod struct {
	deps *Deps
}

func newPassword(deps *Deps) *passwordMethod { return &passwordMethod{deps: deps} }

var (
	usernameDef = fields.Definition{Name: "username", Type: fields.TypeText, Required: true, Min: 3, Max: 200, RequiredOnAuthentication: true}
	passwordDef = fields.Definition{Name: "password", Type: fields.TypePassword, Required: true, Min: 3, Max: 200, RequiredOnAuthentication: true}
)

func (m *passwordMethod) Name() string { return MethodPassword }

func (m *passwordMethod) CheckConfig(cfg *model.MethodConfig) error { return nil }

// Census bulk-creates users from the submitted row list. With field
// validation enabled a single bad row rejects the whole batch; with it
// disabled, bad rows are skipped silently and the rest proceed. Each created
// user binds the values of its own row.
func (m *passwordMethod) Census(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	validation := req.String("field-validation") != "disabled"

	rawRows, rok := req.Payload["census"].([]any)
	if !rok {
		return nok("Invalid census data."), nil
	}

	type censusRow struct {
		username string
		password string
		payload  map[string]any
	}
	var toCreate []censusRow
	var msgs []string
	seen := make(map[string]struct{}, len(rawRows))

	for _, raw := range rawRows {
		row, rowOK := raw.(map[string]any)
		if !rowOK {
			if validation {
				msgs = append(msgs, "Malformed census row.")
			}
			continue
		}
		username, _ := row["username"].(string)
		password, _ := row["password"].(string)

		rowMsgs := fields.ValidateValue(usernameDef, row["username"])
		rowMsgs = append(rowMsgs, fields.ValidateValue(passwordDef, row["password"])...)
		rowMsgs = append(rowMsgs, fields.ValidateRequest(ae.Config.ExtraFields, row, "census")...)

		exists := false
		if _, _, err := m.deps.Store.Users().FindByUsername(ctx, ae.ID, username); err == nil {
			exists = true
		} else if !errors.Is(err, model.ErrNotFound) {
			return Result{}, err
		}

		if validation {
			msgs = append(msgs, rowMsgs...)
			if exists {
				msgs = append(msgs, fmt.Sprintf("Username %s already exists.", username))
			}
			if _, dup := seen[username]; dup {
				msgs = append(msgs, fmt.Sprintf("Username %s repeated in this census.", username))
			}
			seen[username] = struct{}{}
			toCreate = append(toCreate, censusRow{username, password, row})
			continue
		}

		// validation disabled: skip malformed or existing rows instead of
		// aborting the batch
		if len(rowMsgs) > 0 {
			obs.Info("password census row skipped", map[string]any{
				"event": ae.ID, "error": fields.Join(rowMsgs),
			})
			continue
		}
		if exists {
			continue
		}
		if err := m.createRow(ctx, ae, username, password, row); err != nil {
			return Result{}, err
		}
	}

	if validation {
		if len(msgs) > 0 {
			obs.Error("password census rejected", map[string]any{
				"event": ae.ID, "error": fields.Join(msgs),
			})
			return nok("Incorrect data"), nil
		}
		for _, row := range toCreate {
			if err := m.createRow(ctx, ae, row.username, row.password, row.payload); err != nil {
				return Result{}, err
			}
		}
	}
	return ok(), nil
}

func (m *passwordMethod) createRow(ctx context.Context, ae *model.AuthEvent, username, password string, payload map[string]any) error {
	metadata := extraMetadata(ae, payload)
	// census-provisioned users are active immediately, no pipeline involved
	_, d, err := createUser(ctx, m.deps, ae, username, password, "", "", metadata, true)
	if err != nil {
		return err
	}
	obs.ObserveRegistration(MethodPassword, "ok")
	return givePerms(ctx, m.deps, ae, d)
}

// Register self-registers a voter when the census is open.
func (m *passwordMethod) Register(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	if ae.Census != model.CensusOpen {
		return nok("Census is closed."), nil
	}
	username := req.String("username")
	password := req.String("password")

	msgs := fields.ValidateValue(usernameDef, req.Payload["username"])
	msgs = append(msgs, fields.ValidateValue(passwordDef, req.Payload["password"])...)
	msgs = append(msgs, fields.ValidateRequest(ae.Config.ExtraFields, req.Payload, "register")...)
	if len(msgs) > 0 {
		obs.ObserveRegistration(MethodPassword, "rejected")
		return nok(fields.Join(msgs)), nil
	}

	reqctx := &pipeline.Context{EventID: ae.ID, IP: req.IP, Now: m.deps.now()}
	if res, passed, err := runPipeline(ctx, m.deps, pipeline.StageRegister, reqctx, ae.Config.Pipelines.Register); err != nil {
		return Result{}, err
	} else if !passed {
		obs.ObserveRegistration(MethodPassword, "rejected")
		return res, nil
	}

	if _, _, err := m.deps.Store.Users().FindByUsername(ctx, ae.ID, username); err == nil {
		return nok("Username already exists."), nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return Result{}, err
	}

	if err := m.createRow(ctx, ae, username, password, req.Payload); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

// Authenticate checks username and password, runs the authenticate pipeline
// and on success issues a signed khmac token.
func (m *passwordMethod) Authenticate(ctx context.Context, ae *model.AuthEvent, req *Request, mode string) (Result, error) {
	username := req.String("username")
	password := req.String("password")

	msgs := fields.ValidateRequest(ae.Config.ExtraFields, req.Payload, "authenticate")
	if username == "" || len(msgs) > 0 {
		return m.authError(ae, "invalid-fields-check"), nil
	}

	u, d, err := m.deps.Store.Users().FindByUsername(ctx, ae.ID, username)
	if errors.Is(err, model.ErrNotFound) {
		return m.authError(ae, "user-not-found"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !u.Active {
		return m.authError(ae, "user-inactive"), nil
	}

	reqctx := &pipeline.Context{
		EventID:  ae.ID,
		IP:       req.IP,
		Email:    u.Email,
		Tlf:      d.Tlf,
		UserData: d,
		Now:      m.deps.now(),
	}
	if res, passed, err := runPipeline(ctx, m.deps, pipeline.StageAuthenticate, reqctx, ae.Config.Pipelines.Authenticate); err != nil {
		return Result{}, err
	} else if !passed {
		obs.ObserveAuthAttempt(MethodPassword, "rejected")
		return res, nil
	}

	if mode != ModeAuthenticate {
		return Result{Status: "ok", Username: u.Username}, nil
	}

	if !verifyPassword(u.Password, password) {
		return m.authError(ae, "invalid-password"), nil
	}
	allowed, err := loginAllowed(ctx, m.deps, ae, u)
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		return m.authError(ae, "too-many-successful-logins"), nil
	}
	if err := recordLogin(ctx, m.deps, ae, u); err != nil {
		return Result{}, err
	}
	obs.ObserveAuthAttempt(MethodPassword, "ok")
	return okToken(u.Username, m.deps.Signer.Sign(u.Username)), nil
}

func (m *passwordMethod) PublicCensusQuery(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	return m.Authenticate(ctx, ae, req, ModeCensusQuery)
}

func (m *passwordMethod) ResendAuthCode(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	// password voters have no out-of-band code to resend
	return ok(), nil
}

func (m *passwordMethod) authError(ae *model.AuthEvent, kind string) Result {
	obs.ObserveAuthAttempt(MethodPassword, "rejected")
	obs.Error("password authenticate failed", map[string]any{
		"event": ae.ID, "kind": kind,
	})
	return Result{Status: "nok"}
}

// extraMetadata captures the schema-declared extra fields of a payload into
// the userdata metadata map.
func extraMetadata(ae *model.AuthEvent, payload map[string]any) map[string]any {
	metadata := map[string]any{}
	for _, def := range ae.Config.ExtraFields {
		if v, present := payload[def.Name]; present {
			metadata[def.Name] = v
		}
	}
	return metadata
}
