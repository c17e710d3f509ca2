// Package httpapi is the HTTP surface of the service: voter-facing
// registration and authentication endpoints per auth event, the
// khmac-protected census administration endpoint, and health checks.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"voteauth.org/internal/authmethods"
	"voteauth.org/internal/khmac"
	"voteauth.org/internal/model"
	"voteauth.org/internal/obs"
)

// ReadyProbe is a readiness check, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type API struct {
	mux        *http.ServeMux
	store      model.Store
	registry   *authmethods.Registry
	signer     *khmac.Signer
	tokenAge   time.Duration
	readyProbe ReadyProbe
	version    string

	// middleware knobs
	maxBodyBytes int64
	rateBurst    int
	ratePerSec   int
}

type Options struct {
	Store        model.Store
	Registry     *authmethods.Registry
	Signer       *khmac.Signer
	TokenMaxAge  time.Duration
	ReadyProbe   ReadyProbe
	Version      string
	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   int
}

func New(opts Options) *API {
	a := &API{
		mux:          http.NewServeMux(),
		store:        opts.Store,
		registry:     opts.Registry,
		signer:       opts.Signer,
		tokenAge:     opts.TokenMaxAge,
		readyProbe:   opts.ReadyProbe,
		version:      opts.Version,
		maxBodyBytes: opts.MaxBodyBytes,
		rateBurst:    opts.RateBurst,
		ratePerSec:   opts.RatePerSec,
	}
	if a.tokenAge <= 0 {
		a.tokenAge = 5 * time.Minute
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 25
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/events/{id}/register", a.Register)
	a.mux.HandleFunc("POST /v1/events/{id}/authenticate", a.Authenticate)
	a.mux.HandleFunc("POST /v1/events/{id}/census", a.Census)
	a.mux.HandleFunc("POST /v1/events/{id}/census/public-query", a.PublicCensusQuery)
	a.mux.HandleFunc("POST /v1/events/{id}/resend-auth-code", a.ResendAuthCode)
	a.mux.HandleFunc("GET /v1/events/{id}/validate/{user}/{code}", a.Validate)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler wraps the mux in the standard middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "voteauth-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "voteauth-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
