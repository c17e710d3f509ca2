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
	smsCodeLength   = 8
	metaTlfVerified = "tlf_verified"

	smsResendInterval = 2 * time.Minute
)

// smsMethod registers voters by phone number with a numeric one-time code
// delivered over SMS. The register pipeline runs on phone and source IP; the
// authenticate pipeline is expected to carry check_sms_code.
type smsMethod struct {
	deps *Deps
}

func newSMSCode(deps *Deps) *smsMethod { return &smsMethod{deps: deps} }

var tlfDef = fields.Definition{Name: "tlf", Type: fields.TypeTlf, Required: true, RequiredOnAuthentication: true}

func (m *smsMethod) Name() string { return MethodSMS }

func (m *smsMethod) CheckConfig(cfg *model.MethodConfig) error { return nil }

// Census bulk-creates verified voters from admin-supplied phone rows.
func (m *smsMethod) Census(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	rawRows, rok := req.Payload["census"].([]any)
	if !rok {
		return nok("Invalid census data."), nil
	}
	for _, raw := range rawRows {
		row, rowOK := raw.(map[string]any)
		if !rowOK {
			return nok("Malformed census row."), nil
		}
		tlf, _ := row["tlf"].(string)
		msgs := fields.ValidateValue(tlfDef, row["tlf"])
		msgs = append(msgs, fields.ValidateRequest(ae.Config.ExtraFields, row, "census")...)
		if len(msgs) > 0 {
			return nok(fields.Join(msgs)), nil
		}
		if _, _, err := m.deps.Store.Users().FindByPhone(ctx, ae.ID, tlf); err == nil {
			continue
		} else if !errors.Is(err, model.ErrNotFound) {
			return Result{}, err
		}
		metadata := extraMetadata(ae, row)
		metadata[metaTlfVerified] = true
		_, d, err := createUser(ctx, m.deps, ae, uuid.NewString(), "", "", tlf, metadata, true)
		if err != nil {
			return Result{}, err
		}
		obs.ObserveRegistration(MethodSMS, "ok")
		if err := givePerms(ctx, m.deps, ae, d); err != nil {
			return Result{}, err
		}
	}
	return ok(), nil
}

// Register creates an inactive user and texts a numeric code to the phone.
// A repeated register for an unverified phone re-sends a fresh code instead
// of failing.
func (m *smsMethod) Register(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	if ae.Census != model.CensusOpen {
		return nok("Census is closed."), nil
	}
	tlf := req.String("tlf")

	msgs := fields.ValidateValue(tlfDef, req.Payload["tlf"])
	msgs = append(msgs, fields.ValidateRequest(ae.Config.ExtraFields, req.Payload, "register")...)
	if len(msgs) > 0 {
		obs.ObserveRegistration(MethodSMS, "rejected")
		return nok(fields.Join(msgs)), nil
	}

	reqctx := &pipeline.Context{EventID: ae.ID, IP: req.IP, Tlf: tlf, Now: m.deps.now()}
	if res, passed, err := runPipeline(ctx, m.deps, pipeline.StageRegister, reqctx, ae.Config.Pipelines.Register); err != nil {
		return Result{}, err
	} else if !passed {
		obs.ObserveRegistration(MethodSMS, "rejected")
		return res, nil
	}

	u, d, err := m.deps.Store.Users().FindByPhone(ctx, ae.ID, tlf)
	switch {
	case err == nil:
		if d.MetadataBool(metaTlfVerified) {
			return nok("Phone already registered."), nil
		}
		// unverified retry: re-send instead of rejecting
		if res, rerr := m.resendTo(ctx, u, d); rerr != nil {
			return Result{}, rerr
		} else if res.Status != "ok" {
			return res, nil
		}
		return ok(), nil
	case errors.Is(err, model.ErrNotFound):
	default:
		return Result{}, err
	}

	metadata := extraMetadata(ae, req.Payload)
	metadata[metaTlfVerified] = false
	u, d, err = createUser(ctx, m.deps, ae, uuid.NewString(), "", "", tlf, metadata, false)
	if err != nil {
		return Result{}, err
	}
	if err := m.sendCode(ctx, u, d); err != nil {
		return Result{}, err
	}
	obs.ObserveRegistration(MethodSMS, "ok")
	return ok(), nil
}

// Authenticate verifies the texted code. The authenticate pipeline receives
// the stored code so check_sms_code can enforce the issue window; when the
// event pipeline omits that check the comparison still happens here.
func (m *smsMethod) Authenticate(ctx context.Context, ae *model.AuthEvent, req *Request, mode string) (Result, error) {
	tlf := req.String("tlf")
	code := req.String("code")

	msgs := fields.ValidateRequest(ae.Config.ExtraFields, req.Payload, "authenticate")
	if tlf == "" || len(msgs) > 0 {
		return m.authError(ae, "invalid-fields-check"), nil
	}

	u, d, err := m.deps.Store.Users().FindByPhone(ctx, ae.ID, tlf)
	if errors.Is(err, model.ErrNotFound) {
		return m.authError(ae, "user-not-found"), nil
	}
	if err != nil {
		return Result{}, err
	}

	stored, err := m.deps.Store.Codes().Latest(ctx, d.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return Result{}, err
	}

	reqctx := &pipeline.Context{
		EventID:  ae.ID,
		IP:       req.IP,
		Tlf:      tlf,
		Code:     code,
		CodeRef:  stored,
		UserData: d,
		Now:      m.deps.now(),
	}
	entries := ae.Config.Pipelines.Authenticate
	if res, passed, perr := runPipeline(ctx, m.deps, pipeline.StageAuthenticate, reqctx, entries); perr != nil {
		return Result{}, perr
	} else if !passed {
		obs.ObserveAuthAttempt(MethodSMS, "rejected")
		return res, nil
	}

	if mode != ModeAuthenticate {
		return Result{Status: "ok", Username: u.Username}, nil
	}

	if !hasCheck(entries, pipeline.CheckSMSCode) {
		if stored == nil || !pipeline.ConstantTimeEquals(stored.Code, code) {
			return m.authError(ae, "invalid-code"), nil
		}
	}

	if !d.MetadataBool(metaTlfVerified) {
		meta := d.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta[metaTlfVerified] = true
		if err := m.deps.Store.Users().UpdateMetadata(ctx, d.ID, meta); err != nil {
			return Result{}, err
		}
		if err := m.deps.Store.Users().SetActive(ctx, u.ID, true); err != nil {
			return Result{}, err
		}
		if err := givePerms(ctx, m.deps, ae, d); err != nil {
			return Result{}, err
		}
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
	obs.ObserveAuthAttempt(MethodSMS, "ok")
	return okToken(u.Username, m.deps.Signer.Sign(u.Username)), nil
}

// PublicCensusQuery answers membership by phone number without touching the
// one-time code.
func (m *smsMethod) PublicCensusQuery(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	tlf := req.String("tlf")
	if len(fields.ValidateValue(tlfDef, req.Payload["tlf"])) > 0 {
		return m.authError(ae, "invalid-fields-check"), nil
	}
	u, _, err := m.deps.Store.Users().FindByPhone(ctx, ae.ID, tlf)
	if errors.Is(err, model.ErrNotFound) {
		return m.authError(ae, "user-not-found"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !u.Active {
		return m.authError(ae, "user-inactive"), nil
	}
	return Result{Status: "ok", Username: u.Username}, nil
}

// ResendAuthCode texts a fresh code to an unverified phone.
func (m *smsMethod) ResendAuthCode(ctx context.Context, ae *model.AuthEvent, req *Request) (Result, error) {
	tlf := req.String("tlf")
	if len(fields.ValidateValue(tlfDef, req.Payload["tlf"])) > 0 {
		return nok("Invalid phone number."), nil
	}
	u, d, err := m.deps.Store.Users().FindByPhone(ctx, ae.ID, tlf)
	if errors.Is(err, model.ErrNotFound) {
		// do not leak census membership
		return ok(), nil
	}
	if err != nil {
		return Result{}, err
	}
	if d.MetadataBool(metaTlfVerified) {
		return nok("Phone is already verified."), nil
	}
	return m.resendTo(ctx, u, d)
}

func (m *smsMethod) resendTo(ctx context.Context, u *model.User, d *model.UserData) (Result, error) {
	last, err := m.deps.Store.Codes().Latest(ctx, d.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return Result{}, err
	}
	if err == nil && m.deps.now().Sub(last.Created) < smsResendInterval {
		return nok("Wait before requesting a new code."), nil
	}
	if err := m.sendCode(ctx, u, d); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

func (m *smsMethod) sendCode(ctx context.Context, u *model.User, d *model.UserData) error {
	code, err := randomCode(smsCodeLength, digits)
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
	return m.deps.Sender.Send(ctx, messenger.Message{
		Recipient: d.Tlf,
		Channel:   messenger.ChannelSMS,
		Body:      fmt.Sprintf("Your confirmation code is %s", code),
	})
}

func (m *smsMethod) authError(ae *model.AuthEvent, kind string) Result {
	obs.ObserveAuthAttempt(MethodSMS, "rejected")
	obs.Error("sms authenticate failed", map[string]any{
		"event": ae.ID, "kind": kind,
	})
	return Result{Status: "nok"}
}

// hasCheck reports whether a pipeline entry list names the given check.
func hasCheck(entries []model.PipeEntry, name string) bool {
	for _, e := range entries {
		if e.Name == name {
			return true
		}
	}
	return false
}
