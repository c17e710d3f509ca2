package authmethods

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voteauth.org/internal/fields"
	"voteauth.org/internal/messenger"
	"voteauth.org/internal/model"
	"voteauth.org/internal/obs"
	"voteauth.org/internal/pipeline"
)

const (
	emailCodeLength   = 64
	metaEmailVerified = "email_verified"

	// minimum spacing between validation emails for one user
	emailResendInterval = time.Minute
)

// emailMethod registers voters by email address. Registration creates an
// inactive user and mails a validation link; the link activates the account
// and grants voting permissions.
type emailMethod struct {
	deps *Deps
}

func newEmailCode(deps *Deps) *emailMethod { return &emailMethod{deps: deps} }

var emailDef = fields.Definition{Name: "email", Type: fields.TypeEmail, Required: true, Max: 254, RequiredOnAuthentication: true}

func (m *emailMethod) Name() string { return MethodEmail }

func (m *emailMethod) CheckConfig(cfg *model.MethodConfig) error { return nil }

// Census bulk-creates already-verified voters from admin-supplied rows.
func (m *emailMethod) Census(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	validation := req.String("field-validation") != "disabled"

	rawRows, rok := req.Payload["census"].([]any)
	if !rok {
		return nok("Invalid census data."), nil
	}

	type censusRow struct {
		email    string
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
		email, _ := row["email"].(string)
		password, _ := row["password"].(string)

		rowMsgs := fields.ValidateValue(emailDef, row["email"])
		rowMsgs = append(rowMsgs, fields.ValidateRequest(ae.Config.ExtraFields, row, "census")...)

		exists, err := m.emailExists(ctx, ae, email)
		if err != nil {
			return Result{}, err
		}

		if validation {
			msgs = append(msgs, rowMsgs...)
			if exists {
				msgs = append(msgs, fmt.Sprintf("Email %s already exists.", email))
			}
			if _, dup := seen[email]; dup {
				msgs = append(msgs, fmt.Sprintf("Email %s repeated in this census.", email))
			}
			seen[email] = struct{}{}
			toCreate = append(toCreate, censusRow{email, password, row})
			continue
		}

		if len(rowMsgs) > 0 {
			obs.Info("email census row skipped", map[string]any{
				"event": ae.ID, "error": fields.Join(rowMsgs),
			})
			continue
		}
		if exists {
			continue
		}
		if err := m.createVerified(ctx, ae, email, password, row); err != nil {
			return Result{}, err
		}
	}

	if validation {
		if len(msgs) > 0 {
			obs.Error("email census rejected", map[string]any{
				"event": ae.ID, "error": fields.Join(msgs),
			})
			return nok("Incorrect data"), nil
		}
		for _, row := range toCreate {
			if err := m.createVerified(ctx, ae, row.email, row.password, row.payload); err != nil {
				return Result{}, err
			}
		}
	}
	return ok(), nil
}

func (m *emailMethod) createVerified(ctx context.Context, ae *model.AuthEvent, email, password string, payload map[string]any) error {
	metadata := extraMetadata(ae, payload)
	metadata[metaEmailVerified] = true
	_, d, err := createUser(ctx, m.deps, ae, uuid.NewString(), password, email, "", metadata, true)
	if err != nil {
		return err
	}
	obs.ObserveRegistration(MethodEmail, "ok")
	return givePerms(ctx, m.deps, ae, d)
}

// Register creates an inactive user and mails a validation link. The account
// stays inactive and unprivileged until the link is followed.
func (m *emailMethod) Register(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	if ae.Census != model.CensusOpen {
		return nok("Census is closed."), nil
	}
	email := req.String("email")
	password := req.String("password")

	msgs := fields.ValidateValue(emailDef, req.Payload["email"])
	msgs = append(msgs, fields.ValidateValue(passwordDef, req.Payload["password"])...)
	msgs = append(msgs, fields.ValidateRequest(ae.Config.ExtraFields, req.Payload, "register")...)
	if len(msgs) > 0 {
		obs.ObserveRegistration(MethodEmail, "rejected")
		return nok(fields.Join(msgs)), nil
	}

	reqctx := &pipeline.Context{EventID: ae.ID, IP: req.IP, Email: email, Now: m.deps.now()}
	if res, passed, err := runPipeline(ctx, m.deps, pipeline.StageRegister, reqctx, ae.Config.Pipelines.Register); err != nil {
		return Result{}, err
	} else if !passed {
		obs.ObserveRegistration(MethodEmail, "rejected")
		return res, nil
	}

	if exists, err := m.emailExists(ctx, ae, email); err != nil {
		return Result{}, err
	} else if exists {
		return nok("Email already registered."), nil
	}

	metadata := extraMetadata(ae, req.Payload)
	metadata[metaEmailVerified] = false
	u, d, err := createUser(ctx, m.deps, ae, uuid.NewString(), password, email, "", metadata, false)
	if err != nil {
		return Result{}, err
	}
	if err := m.sendValidation(ctx, ae, u, d); err != nil {
		return Result{}, err
	}
	obs.ObserveRegistration(MethodEmail, "ok")
	return ok(), nil
}

// ValidateCode activates the account behind a validation link. The submitted
// code is compared in constant time against the latest issued code.
func (m *emailMethod) ValidateCode(ctx context.Context, ae *model.AuthEvent, username, code string) (Result, error) {
	u, d, err := m.deps.Store.Users().FindByUsername(ctx, ae.ID, username)
	if errors.Is(err, model.ErrNotFound) {
		return nok("Invalid code."), nil
	}
	if err != nil {
		return Result{}, err
	}
	stored, err := m.deps.Store.Codes().Latest(ctx, d.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nok("Invalid code."), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !pipeline.ConstantTimeEquals(stored.Code, code) {
		obs.ObserveAuthAttempt(MethodEmail, "rejected")
		return nok("Invalid code."), nil
	}

	meta := d.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta[metaEmailVerified] = true
	if err := m.deps.Store.Users().UpdateMetadata(ctx, d.ID, meta); err != nil {
		return Result{}, err
	}
	if err := m.deps.Store.Users().SetActive(ctx, u.ID, true); err != nil {
		return Result{}, err
	}
	if err := givePerms(ctx, m.deps, ae, d); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

// Authenticate requires a verified email address and the account password.
func (m *emailMethod) Authenticate(ctx context.Context, ae *model.AuthEvent, req *Request, mode string) (Result, error) {
	email := req.String("email")
	password := req.String("password")

	msgs := fields.ValidateRequest(ae.Config.ExtraFields, req.Payload, "authenticate")
	if email == "" || len(msgs) > 0 {
		return m.authError(ae, "invalid-fields-check"), nil
	}

	u, d, err := m.deps.Store.Users().FindByEmail(ctx, ae.ID, email)
	if errors.Is(err, model.ErrNotFound) {
		return m.authError(ae, "user-not-found"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !u.Active || !d.MetadataBool(metaEmailVerified) {
		return m.authError(ae, "email-not-verified"), nil
	}

	reqctx := &pipeline.Context{
		EventID:  ae.ID,
		IP:       req.IP,
		Email:    email,
		UserData: d,
		Now:      m.deps.now(),
	}
	if res, passed, err := runPipeline(ctx, m.deps, pipeline.StageAuthenticate, reqctx, ae.Config.Pipelines.Authenticate); err != nil {
		return Result{}, err
	} else if !passed {
		obs.ObserveAuthAttempt(MethodEmail, "rejected")
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
	obs.ObserveAuthAttempt(MethodEmail, "ok")
	return okToken(u.Username, m.deps.Signer.Sign(u.Username)), nil
}

func (m *emailMethod) PublicCensusQuery(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	return m.Authenticate(ctx, ae, req, ModeCensusQuery)
}

// ResendAuthCode mails a fresh validation link to an unverified account,
// spaced at least emailResendInterval apart.
func (m *emailMethod) ResendAuthCode(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	email := req.String("email")
	if len(fields.ValidateValue(emailDef, req.Payload["email"])) > 0 {
		return nok("Invalid email."), nil
	}
	u, d, err := m.deps.Store.Users().FindByEmail(ctx, ae.ID, email)
	if errors.Is(err, model.ErrNotFound) {
		// do not leak census membership
		return ok(), nil
	}
	if err != nil {
		return Result{}, err
	}
	if d.MetadataBool(metaEmailVerified) {
		return nok("Email is already verified."), nil
	}

	last, err := m.deps.Store.Codes().Latest(ctx, d.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return Result{}, err
	}
	if err == nil && m.deps.now().Sub(last.Created) < emailResendInterval {
		return nok("Wait before requesting a new code."), nil
	}
	if err := m.sendValidation(ctx, ae, u, d); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

func (m *emailMethod) sendValidation(ctx context.Context, ae *model.AuthEvent, u *model.User, d *model.UserData) error {
	code, err := randomCode(emailCodeLength, codeAlphabet)
	if err != nil {
		return err
	}
	if err := m.deps.Store.Codes().Create(ctx, &model.Code{
		UserDataID: d.ID,
		Code:       code,
		Created:    m.deps.now(),
	}); err != nil {
		return err
	}
	link := fmt.Sprintf("%s/v1/events/%d/validate/%s/%s", m.deps.LinkBase, ae.ID, u.Username, code)
	return m.deps.Sender.Send(ctx, messenger.Message{
		Recipient: u.Email,
		From:      m.deps.MailFrom,
		Channel:   messenger.ChannelEmail,
		Subject:   "Confirm your email address",
		Body:      fmt.Sprintf("Follow this link to confirm your email address and activate your account:\n\n%s\n", link),
	})
}

func (m *emailMethod) emailExists(ctx context.Context, ae *model.AuthEvent, email string) (bool, error) {
	if _, _, err := m.deps.Store.Users().FindByEmail(ctx, ae.ID, email); err == nil {
		return true, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return false, err
	}
	return false, nil
}

func (m *emailMethod) authError(ae *model.AuthEvent, kind string) Result {
	obs.ObserveAuthAttempt(MethodEmail, "rejected")
	obs.Error("email authenticate failed", map[string]any{
		"event": ae.ID, "kind": kind,
	})
	return Result{Status: "nok"}
}
