package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tars/cmd/identity"
	"tars/cmd/internal/presence"
)

// Presence reports which identities currently hold a live session.
type Presence interface {
	IsOnline(identityID string) bool
	Online() []presence.Identity
}

// OnlineDirectory resolves identity ids to their current usernames.
type OnlineDirectory interface {
	ListOnline(ctx context.Context, ids []string) ([]presence.Identity, error)
}

type ctxKey struct{}

// Handler serves the account HTTP API.
type Handler struct {
	log *slog.Logger
	cfg Config

	users    identity.Store
	tokens   *TokenManager
	verifier *Verifier
	presence Presence
	dir      OnlineDirectory

	logins *loginLimiter
	now    func() time.Time
}

// NewHandler constructs a Handler. online and dir may be nil, in which case
// every user reports offline.
func NewHandler(log *slog.Logger, cfg Config, users identity.Store, tokens *TokenManager, online Presence, dir OnlineDirectory) (*Handler, error) {
	if users == nil {
		return nil, errors.New("auth: nil user store")
	}
	if tokens == nil {
		return nil, errors.New("auth: nil token manager")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	return &Handler{
		log:      log,
		cfg:      cfg,
		users:    users,
		tokens:   tokens,
		verifier: NewVerifier(tokens, users),
		presence: online,
		dir:      dir,
		logins:   newLoginLimiter(cfg.LoginIPMax, cfg.LoginIPWindow),
		now:      time.Now,
	}, nil
}

// Verifier returns the token verifier shared with the websocket gateway.
func (h *Handler) Verifier() *Verifier { return h.verifier }

// Routes returns the /api subtree.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", h.handleRegister)
	r.Post("/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireBearer)
		r.Get("/me", h.handleMe)
		r.Get("/users", h.handleUsers)
		r.Get("/users/online", h.handleOnlineUsers)
	})
	return r
}

// RequireBearer rejects requests without a valid access token and stores the
// caller's identity in the request context.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, tok, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
		tok = strings.TrimSpace(tok)
		if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tars"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		ident, err := h.verifier.Verify(r.Context(), tok)
		if err != nil {
			if !errors.Is(err, ErrInvalidToken) {
				h.log.Error("auth.verify.fail", "err", err)
				writeError(w, http.StatusInternalServerError, "internal", "internal error")
				return
			}
			h.log.Info("auth.reject.token", "token_fp", h.cfg.TokenFingerprints.Fingerprint(tok), "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="tars", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, ident)))
	})
}

// IdentityFromContext returns the identity stored by RequireBearer.
func IdentityFromContext(ctx context.Context) (presence.Identity, bool) {
	ident, ok := ctx.Value(ctxKey{}).(presence.Identity)
	return ident, ok
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeBodyError(w, err)
		return
	}

	res, err := h.users.CreateUser(r.Context(), identity.CreateUserInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Now:      h.now().UTC(),
	})
	if err != nil {
		switch {
		case identity.IsConflict(err):
			field := identity.ConflictField(err)
			writeError(w, http.StatusConflict, field+"_taken", field+" already registered")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_input", inputMessage(err))
		default:
			h.log.Error("auth.register.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
		}
		return
	}

	h.log.Info("auth.register.ok", "user_id", res.User.ID)
	writeJSON(w, http.StatusCreated, toUserResponse(res.User))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	ip := clientIP(r)

	if blocked, retry := h.logins.blocked(ip, now); blocked {
		writeRateLimited(w, retry)
		return
	}

	var req loginRequest
	if err := readJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "username and password are required")
		return
	}

	u, err := identity.Authenticate(r.Context(), h.users, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.logins.fail(ip, now)
			h.log.Info("auth.login.fail", "remote", ip)
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
			return
		}
		h.log.Error("auth.login.error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	tok, exp, err := h.tokens.Issue(u.ID, u.Username, now)
	if err != nil {
		h.log.Error("auth.token.issue.fail", "user_id", u.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	h.log.Info("auth.login.ok", "user_id", u.ID)
	writeJSON(w, http.StatusOK, loginResponse{Token: tok, ExpiresAt: exp, User: toUserResponse(u)})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	ident, _ := IdentityFromContext(r.Context())
	u, err := h.users.UserByID(r.Context(), ident.ID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		h.log.Error("auth.users.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	out := make([]userListItem, 0, len(users))
	for _, u := range users {
		out = append(out, userListItem{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			Online:   h.presence != nil && h.presence.IsOnline(u.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	out := []onlineUser{}
	if h.presence == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}

	online := h.presence.Online()
	if h.dir != nil && len(online) > 0 {
		ids := make([]string, 0, len(online))
		for _, o := range online {
			ids = append(ids, o.ID)
		}
		resolved, err := h.dir.ListOnline(r.Context(), ids)
		if err != nil {
			h.log.Error("auth.users.online.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
		online = resolved
	}

	for _, o := range online {
		out = append(out, onlineUser{ID: o.ID, Username: o.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- helpers ----

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

func inputMessage(err error) string {
	var oe identity.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "invalid input"
}

// clientIP uses RemoteAddr, which chi's RealIP middleware rewrites when the
// server trusts its proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
