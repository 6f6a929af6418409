package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aarna.eco/internal/auth"
	"aarna.eco/internal/host"
	"aarna.eco/internal/ledger"
	"aarna.eco/internal/obs"
	"aarna.eco/internal/registry"
	"aarna.eco/internal/stream"
)

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the HTTP layer.
type Options struct {
	Version      string
	Ready        ReadyProbe
	Host         *host.Host
	Signer       *auth.Signer
	Stream       *stream.Stream
	IssueTokens  bool
	TokenTTL     time.Duration
	Faucet       bool
	FaucetMax    uint64
	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   float64
	CORSOrigins  []string
}

// API is the HTTP surface of the registry.
type API struct {
	mux     *http.ServeMux
	opts    Options
	host    *host.Host
	signer  *auth.Signer
	stream  *stream.Stream
	version string
}

func New(opts Options) *API {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 50
	}
	a := &API{
		mux:     http.NewServeMux(),
		opts:    opts,
		host:    opts.Host,
		signer:  opts.Signer,
		stream:  opts.Stream,
		version: opts.Version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleIssueToken)

	a.mux.HandleFunc("/v1/contract", a.handleContract)
	a.mux.HandleFunc("/v1/contract/deploy", a.handleDeploy)
	a.mux.HandleFunc("/v1/admin/validator", a.handleSetValidator)
	a.mux.HandleFunc("/v1/admin/transfer", a.handleTransferAdmin)
	a.mux.HandleFunc("/v1/admin/token", a.handleEnsureToken)

	a.mux.HandleFunc("/v1/projects", a.handleProjects)
	a.mux.HandleFunc("/v1/projects/{id}", a.handleProject)
	a.mux.HandleFunc("/v1/projects/{id}/{action}", a.handleProjectAction)

	a.mux.HandleFunc("/v1/listings", a.handleListings)
	a.mux.HandleFunc("/v1/listings/{id}", a.handleListing)
	a.mux.HandleFunc("/v1/listings/{id}/{action}", a.handleListingAction)

	a.mux.HandleFunc("/v1/accounts/{address}/balance", a.handleBalance)
	a.mux.HandleFunc("/v1/ledger/transactions", a.handleTransactions)
	a.mux.Handle("/v1/faucet", RequireRole("operator")(http.HandlerFunc(a.handleFaucet)))
	a.mux.HandleFunc("/v1/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = CORS(a.opts.CORSOrigins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "aarnad",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.opts.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"deployed": a.host != nil && a.host.Deployed(),
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "aarnad",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.host != nil {
		info["contract"] = a.host.Self()
		info["deployed"] = a.host.Deployed()
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorCode(w, r, code, "", msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, code int, class, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if class != "" {
		payload["code"] = class
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleContractError maps contract and ledger failures onto HTTP statuses.
func handleContractError(w http.ResponseWriter, r *http.Request, err error) {
	class := host.ErrorClass(err)
	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		writeErrorCode(w, r, http.StatusForbidden, class, err.Error())
	case errors.Is(err, registry.ErrInvalidArgument),
		errors.Is(err, registry.ErrInvalidRecipient),
		errors.Is(err, registry.ErrOverflow),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrUnknownAsset),
		errors.Is(err, ledger.ErrBalanceOverflow):
		writeErrorCode(w, r, http.StatusBadRequest, class, err.Error())
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		writeErrorCode(w, r, http.StatusNotFound, class, err.Error())
	case errors.Is(err, registry.ErrInvalidState),
		errors.Is(err, registry.ErrCapacityExceeded),
		errors.Is(err, registry.ErrPreconditionFailed),
		errors.Is(err, registry.ErrInsufficientPayment),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, host.ErrNotDeployed),
		errors.Is(err, host.ErrAlreadyDeployed):
		writeErrorCode(w, r, http.StatusConflict, class, err.Error())
	default:
		obs.Error("contract_call_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func pathIndex(r *http.Request) (uint64, error) {
	raw := r.PathValue("id")
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("id must be a non-negative integer")
	}
	return v, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func itoa(v uint64) string { return strconv.FormatUint(v, 10) }
