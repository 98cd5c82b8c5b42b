package authapi

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"secureapi/cmd/identity"
	"secureapi/cmd/internal/auth/session"
)

// Handler wires HTTP auth and account endpoints to the identity and session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Service
	accounts *identity.Service

	metrics  *Metrics
	limiter  *loginLimiter
	validate *validator.Validate
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithMetrics records auth outcomes on m.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Service, accounts *identity.Service, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil || accounts == nil {
		return nil, errors.New("authapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		accounts: accounts,
		limiter:  newLoginLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.HandleFunc("POST /auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("GET /users/me", h.handleMe)
	mux.HandleFunc("GET /auth/users/me", h.handleMe)

	mux.HandleFunc("POST /users", h.handleCreateUser)
	mux.HandleFunc("GET /users", h.admin(h.handleListUsers))
	mux.HandleFunc("GET /users/{id}", h.admin(h.handleGetUser))
	mux.HandleFunc("DELETE /users/{id}", h.admin(h.handleDeleteUser))
	mux.HandleFunc("PATCH /users/{id}/role", h.admin(h.handleSetRole))
	mux.HandleFunc("PATCH /users/{id}", h.admin(h.handleUpdateUser))
	mux.HandleFunc("GET /roles", h.admin(h.handleRoles))
}

// ---- auth handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ident, password, ok := h.readLogin(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	key := ipKey(ip)

	if blocked, retryAfter := h.limiter.Blocked(key, now); blocked {
		h.metrics.observeThrottled()
		h.audit(ctx, "auth.login", ip, "", errThrottled)
		writeRateLimited(w, retryAfter)
		return
	}

	pair, err := h.sessions.Login(ctx, now, ident, password)
	if err != nil {
		if session.IsUnauthorized(err) {
			h.limiter.RecordFailure(key, now)
		}
		h.audit(ctx, "auth.login", ip, "", err)
		h.writeFailure(w, err)
		return
	}

	h.audit(ctx, "auth.login", ip, pair.AccountID, nil)
	writeJSON(w, http.StatusOK, toTokenResponse(pair))
}

// readLogin accepts a JSON body {email|username, password} or an urlencoded form
// with username and password fields.
func (h *Handler) readLogin(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/x-www-form-urlencoded" {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return "", "", false
		}
		user := strings.TrimSpace(r.PostForm.Get("username"))
		pw := r.PostForm.Get("password")
		return user, pw, user != "" && pw != ""
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		return "", "", false
	}
	user := strings.TrimSpace(req.Email)
	if user == "" {
		user = strings.TrimSpace(req.Username)
	}
	return user, req.Password, user != "" && req.Password != ""
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readRefreshToken(w, r)
	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	if !ok {
		h.audit(ctx, "auth.refresh", ip, "", errMissingToken)
		writeUnauthorized(w)
		return
	}

	pair, err := h.sessions.Refresh(ctx, h.now(), raw)
	if err != nil {
		h.audit(ctx, "auth.refresh", ip, "", err)
		h.writeFailure(w, err)
		return
	}

	h.audit(ctx, "auth.refresh", ip, pair.AccountID, nil)
	writeJSON(w, http.StatusOK, toTokenResponse(pair))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readRefreshToken(w, r)
	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	if !ok {
		h.audit(ctx, "auth.logout", ip, "", errMissingToken)
		writeUnauthorized(w)
		return
	}

	if err := h.sessions.Logout(ctx, h.now(), raw); err != nil {
		h.audit(ctx, "auth.logout", ip, "", err)
		h.writeFailure(w, err)
		return
	}

	h.audit(ctx, "auth.logout", ip, "", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAccess(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	n, err := h.sessions.LogoutAll(ctx, h.now(), claims)
	if err != nil {
		h.audit(ctx, "auth.logout_all", clientIP(r, h.cfg.TrustProxy), "", err)
		h.writeFailure(w, err)
		return
	}

	h.audit(ctx, "auth.logout_all", clientIP(r, h.cfg.TrustProxy), "", nil)
	writeJSON(w, http.StatusOK, logoutAllResponse{Revoked: n})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAccess(w, r)
	if !ok {
		return
	}

	a, err := h.accounts.GetByDigest(r.Context(), claims.Subject)
	switch {
	case err == nil && a.Active:
		writeJSON(w, http.StatusOK, toAccountResponse(a))
	case err == nil, identity.IsNotFound(err):
		// Token outlived its account.
		writeUnauthorized(w)
	default:
		h.log.ErrorContext(r.Context(), "auth.me.fail", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// ---- auth helpers ----

// readRefreshToken takes the token from the Authorization header or, failing
// that, from a JSON body {refresh_token}.
func (h *Handler) readRefreshToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	if tok := bearerToken(r); tok != "" {
		return tok, true
	}
	if r.ContentLength == 0 {
		return "", false
	}
	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		return "", false
	}
	tok := strings.TrimSpace(req.RefreshToken)
	return tok, tok != ""
}

func (h *Handler) requireAccess(w http.ResponseWriter, r *http.Request) (session.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		h.audit(r.Context(), "auth.authorize", clientIP(r, h.cfg.TrustProxy), "", errMissingToken)
		writeUnauthorized(w)
		return session.Claims{}, false
	}
	claims, err := h.sessions.Authorize(token, h.now())
	if err != nil {
		h.audit(r.Context(), "auth.authorize", clientIP(r, h.cfg.TrustProxy), "", err)
		writeUnauthorized(w)
		return session.Claims{}, false
	}
	return claims, true
}

// admin guards next with a valid access token carrying the admin role.
func (h *Handler) admin(next func(http.ResponseWriter, *http.Request, session.Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := h.requireAccess(w, r)
		if !ok {
			return
		}
		if err := session.RequireRole(claims, identity.RoleAdmin); err != nil {
			h.audit(r.Context(), "auth.authorize", clientIP(r, h.cfg.TrustProxy), "", err)
			h.writeFailure(w, err)
			return
		}
		next(w, r, claims)
	}
}

// writeFailure maps a classified error to its response. Credential and token
// failures all collapse to one 401.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var opErr identity.OpError
	switch {
	case session.IsUnauthorized(err):
		writeUnauthorized(w)
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "insufficient privileges")
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "account already exists")
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "account not found")
	case identity.IsUnknownRole(err):
		writeError(w, http.StatusBadRequest, "unknown_role", "unknown role")
	case identity.IsInvalidInput(err) && errors.As(err, &opErr) && opErr.Msg != "":
		writeError(w, http.StatusBadRequest, "invalid_request", opErr.Msg)
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

// parseForwardedIP returns the left-most valid address of an X-Forwarded-For list.
func parseForwardedIP(raw string) net.IP {
	for _, part := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
