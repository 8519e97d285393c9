package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/scheduler"
	"konveksi/backend/internal/service"
	"konveksi/backend/internal/store"
)

type Options struct {
	AllowedOrigin string
	Logger        *zap.Logger
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	metrics       http.Handler
	logger        *zap.Logger
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		metrics:       opts.Metrics,
		logger:        opts.Logger.Named("http"),
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
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

// Allow records an attempt for key and reports whether it is within the
// sliding window budget.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
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

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}

	mux.HandleFunc("/api/v1/work-orders", a.requireAuth(a.handleWorkOrders, RoleOperator, RoleAdmin))
	mux.HandleFunc("/api/v1/work-orders/{id}", a.requireAuth(a.handleWorkOrder, RoleOperator, RoleAdmin))
	mux.HandleFunc("/api/v1/work-orders/{id}/{action}", a.requireAuth(a.handleWorkOrderAction, RoleOperator, RoleAdmin))
	mux.HandleFunc("/api/v1/factory/settings", a.requireAuth(a.handleSettings, RoleOperator, RoleAdmin))

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, RoleOperator, RoleAdmin))
	mux.HandleFunc("/api/v1/skus", a.requireAuth(a.handleSKUs, RoleOperator, RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/logs", a.requireAuth(a.handleInventoryLogs, RoleOperator, RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/adjustments", a.requireAuth(a.handleStockAdjustment, RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/stock-changed", a.requireAuth(a.handleStockChanged, RoleAdmin))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleWorkOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter, err := parseWorkOrderFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		list, err := a.service.ListOrders(r.Context(), filter)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req domain.WorkOrderCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		wo, err := a.service.CreateWorkOrder(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"order": wo})
	default:
		writeMethodNotAllowed(w)
	}
}

func parseWorkOrderFilter(r *http.Request) (domain.WorkOrderFilter, error) {
	q := r.URL.Query()
	filter := domain.WorkOrderFilter{
		Status:   domain.WorkOrderStatus(strings.TrimSpace(q.Get("status"))),
		Source:   domain.WorkOrderSource(strings.TrimSpace(q.Get("source"))),
		Keyword:  strings.TrimSpace(q.Get("keyword")),
		Page:     parsePositiveLimit(q.Get("page"), 1, 0),
		PageSize: parsePositiveLimit(q.Get("page_size"), 20, 100),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.WorkOrderFilter{}, errors.New("unknown status filter")
	}
	if raw := strings.TrimSpace(q.Get("expedite")); raw != "" {
		expedite, err := strconv.ParseBool(raw)
		if err != nil {
			return domain.WorkOrderFilter{}, errors.New("expedite must be true or false")
		}
		filter.Expedite = &expedite
	}
	return filter, nil
}

func (a *API) handleWorkOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	wo, err := a.service.GetWorkOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": wo})
}

func (a *API) handleWorkOrderAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	id := r.PathValue("id")
	var (
		resp domain.TransitionResponse
		err  error
	)
	switch r.PathValue("action") {
	case "approve":
		resp, err = a.service.Approve(r.Context(), id)
	case "start":
		resp, err = a.service.Start(r.Context(), id)
	case "complete":
		resp, err = a.service.Complete(r.Context(), id)
	case "ship":
		resp, err = a.service.ShipWithInbound(r.Context(), id)
	case "cancel":
		resp, err = a.service.Cancel(r.Context(), id)
	case "move":
		var req domain.MoveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err = a.service.Move(r.Context(), id, req.Direction)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown work order action"))
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := a.service.GetThroughputSettings(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		actor, ok := service.ActorFromContext(r.Context())
		if !ok || actor.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req domain.ThroughputSettings
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		settings, err := a.service.SetThroughputSettings(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleSKUs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	skus, err := a.service.ListSKUs(r.Context(), r.URL.Query().Get("product_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skus": skus})
}

func (a *API) handleInventoryLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListInventoryLogs(r.Context(), r.URL.Query().Get("sku_id"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleStockAdjustment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.StockAdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sku, err := a.service.AdjustStock(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sku": sku})
}

func (a *API) handleStockChanged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.StockChangedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	event, err := a.service.ReportStockChanged(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": event})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), strings.TrimSpace(r.URL.Query().Get("entity_id")), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
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

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
	})
}

// fail maps a service error onto its HTTP status. Unexpected errors are
// logged and answered with a generic body.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrActorRequired):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrStateConflict), errors.Is(err, store.ErrContention):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
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

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry internal details
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
