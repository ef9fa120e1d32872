package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/op/go-logging"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/notify"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store"
)

var log = logging.MustGetLogger("httpapi")

type API struct {
	service       *service.Service
	auth          *AuthManager
	feed          notify.Feed
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

// New builds the API. feed backs GET /api/notifications and may be nil.
func New(svc *service.Service, auth *AuthManager, feed notify.Feed, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		feed:          feed,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type actorKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

var (
	anyStaff    = []string{domain.RoleCashier, domain.RoleManager, domain.RoleAdmin}
	supervisors = []string{domain.RoleManager, domain.RoleAdmin}
	adminsOnly  = []string{domain.RoleAdmin}
)

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(anyStaff...))

			r.Get("/notifications", a.handleNotifications)

			r.Get("/products", a.handleListProducts)
			r.Get("/products/{id}", a.handleGetProduct)

			r.Get("/transactions", a.handleListTransactions)
			r.Post("/transactions", a.handleCreateDraft)
			r.Post("/transactions/saved", a.handleSaveOrder)
			r.Get("/transactions/saved", a.handleListSaved)
			r.Get("/transactions/{id}", a.handleGetTransaction)
			r.Get("/transactions/{id}/resume", a.handleResume)
			r.Put("/transactions/{id}/saved", a.handleUpdateSaved)
			r.Post("/transactions/{id}/promote", a.handlePromote)
			r.Post("/transactions/{id}/cancel", a.handleCancel)
			r.Post("/transactions/{id}/payments", a.handlePayment)
			r.Post("/checkout", a.handleCheckout)

			r.Post("/shifts", a.handleOpenShift)
			r.Get("/shifts/active", a.handleActiveShift)
			r.Get("/shifts/{id}", a.handleGetShift)
			r.Post("/shifts/{id}/close", a.handleCloseShift)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(supervisors...))

			r.Post("/stock/adjustments", a.handleAdjustStock)
			r.Post("/stock/waste", a.handleWaste)
			r.Post("/stock/opname", a.handleOpname)

			r.Post("/invoices", a.handleCreateInvoice)
			r.Get("/invoices/{id}", a.handleGetInvoice)
			r.Post("/invoices/{id}/payments", a.handlePayInvoice)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(adminsOnly...))

			r.Post("/admin/reconcile", a.handleReconcile)
			r.Get("/admin/users", a.handleListUsers)
			r.Post("/admin/users", a.handleCreateUser)
		})
	})
	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, actor.Role) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		log.Infof("%s %s %d %s req=%s", r.Method, r.URL.Path, ww.Status(), time.Since(startedAt), middleware.GetReqID(r.Context()))
	})
}

// actor returns the authenticated caller; requireAuth guarantees it is set.
func actor(r *http.Request) domain.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return store.Validation("invalid request body: %v", err)
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// statusFor maps the ledger error categories onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientPayment):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		log.Errorf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	payload := map[string]any{"error": msg}
	if kind := store.Kind(err); kind != "internal_error" {
		payload["kind"] = kind
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
