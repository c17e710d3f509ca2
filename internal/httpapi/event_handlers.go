package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"voteauth.org/internal/audit"
	"voteauth.org/internal/authmethods"
	"voteauth.org/internal/model"
	"voteauth.org/internal/obs"
)

// eventStatusStarted is the only event status accepting voter traffic.
const eventStatusStarted = "started"

// validator is the optional capability behind the validation-link endpoint;
// only methods that mail codes implement it.
type validator interface {
	ValidateCode(ctx context.Context, ae *model.AuthEvent, username, code string) (authmethods.Result, error)
}

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	a.dispatch(w, r, true, func(ae *model.AuthEvent, m authmethods.Method, req *authmethods.Request) (authmethods.Result, error) {
		return m.Register(r.Context(), ae, req)
	})
}

func (a *API) Authenticate(w http.ResponseWriter, r *http.Request) {
	a.dispatch(w, r, true, func(ae *model.AuthEvent, m authmethods.Method, req *authmethods.Request) (authmethods.Result, error) {
		return m.Authenticate(r.Context(), ae, req, authmethods.ModeAuthenticate)
	})
}

// Census is the privileged bulk upload endpoint. The caller proves admin
// rights with a signed authorization token scoped to the event.
func (a *API) Census(w http.ResponseWriter, r *http.Request) {
	ae, m, req, done := a.prepare(w, r, false)
	if done {
		return
	}
	if !a.requireCensusAuth(w, r, ae) {
		return
	}
	res, err := m.Census(r.Context(), ae, req)
	if err != nil {
		a.internalError(w, r, "census", ae.ID, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "census.upload", map[string]any{
		"event": ae.ID, "status": res.Status,
	})
	writeResult(w, res)
}

func (a *API) PublicCensusQuery(w http.ResponseWriter, r *http.Request) {
	ae, m, req, done := a.prepare(w, r, false)
	if done {
		return
	}
	if !ae.AllowPublicCensusQuery {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"status": "nok", "msg": "Public census queries are disabled for this event.",
		})
		return
	}
	res, err := m.PublicCensusQuery(r.Context(), ae, req)
	if err != nil {
		a.internalError(w, r, "census-query", ae.ID, err)
		return
	}
	writeResult(w, res)
}

func (a *API) ResendAuthCode(w http.ResponseWriter, r *http.Request) {
	a.dispatch(w, r, true, func(ae *model.AuthEvent, m authmethods.Method, req *authmethods.Request) (authmethods.Result, error) {
		return m.ResendAuthCode(r.Context(), ae, req)
	})
}

// Validate is the target of mailed validation links.
func (a *API) Validate(w http.ResponseWriter, r *http.Request) {
	ae, m, found := a.resolve(w, r)
	if !found {
		return
	}
	vc, ok := m.(validator)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "nok", "msg": fmt.Sprintf("Method %s has no validation codes.", ae.AuthMethod),
		})
		return
	}
	res, err := vc.ValidateCode(r.Context(), ae, r.PathValue("user"), r.PathValue("code"))
	if err != nil {
		a.internalError(w, r, "validate", ae.ID, err)
		return
	}
	writeResult(w, res)
}

// dispatch runs the common resolve / decode / execute / respond cycle.
func (a *API) dispatch(w http.ResponseWriter, r *http.Request, requireStarted bool,
	op func(*model.AuthEvent, authmethods.Method, *authmethods.Request) (authmethods.Result, error)) {
	ae, m, req, done := a.prepare(w, r, requireStarted)
	if done {
		return
	}
	res, err := op(ae, m, req)
	if err != nil {
		a.internalError(w, r, r.URL.Path, ae.ID, err)
		return
	}
	writeResult(w, res)
}

// prepare resolves the event and method and decodes the JSON payload.
// done is true when a response was already written.
func (a *API) prepare(w http.ResponseWriter, r *http.Request, requireStarted bool) (*model.AuthEvent, authmethods.Method, *authmethods.Request, bool) {
	ae, m, found := a.resolve(w, r)
	if !found {
		return nil, nil, nil, true
	}
	if requireStarted && ae.Status != eventStatusStarted {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "nok", "msg": "Authentication event is not open.",
		})
		return nil, nil, nil, true
	}
	payload := map[string]any{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"status": "nok", "msg": "Invalid JSON body.",
			})
			return nil, nil, nil, true
		}
	}
	return ae, m, &authmethods.Request{Payload: payload, IP: clientIP(r)}, false
}

func (a *API) resolve(w http.ResponseWriter, r *http.Request) (*model.AuthEvent, authmethods.Method, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "nok", "msg": "Invalid event id.",
		})
		return nil, nil, false
	}
	ae, err := a.store.Events().Find(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status": "nok", "msg": "Authentication event not found.",
		})
		return nil, nil, false
	}
	if err != nil {
		a.internalError(w, r, "resolve", id, err)
		return nil, nil, false
	}
	m, err := a.registry.Lookup(ae.AuthMethod)
	if err != nil {
		a.internalError(w, r, "resolve", id, err)
		return nil, nil, false
	}
	return ae, m, true
}

// requireCensusAuth checks the Authorization header: a khmac token over
// "admin:AuthEvent:<id>:census" within the configured age.
func (a *API) requireCensusAuth(w http.ResponseWriter, r *http.Request, ae *model.AuthEvent) bool {
	msg, err := a.signer.Verify(r.Header.Get("Authorization"), a.tokenAge)
	want := fmt.Sprintf("admin:AuthEvent:%d:census", ae.ID)
	if err != nil || msg != want {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"status": "nok", "msg": "Not authorized.",
		})
		return false
	}
	return true
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, op string, eventID int64, err error) {
	obs.Error("request failed", map[string]any{
		"op": op, "event": eventID, "error": err.Error(),
	})
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"status": "nok", "msg": "Internal error.",
	})
}

func writeResult(w http.ResponseWriter, res authmethods.Result) {
	code := http.StatusOK
	if res.Status != "ok" {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, res)
}
