package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tars/cmd/internal/presence"
	"tars/cmd/security/token"
	v1 "tars/shared/contracts/realtime/v1"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// IdentityVerifier turns a bearer token into an authenticated identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (presence.Identity, error)
}

// WSGateway is the WebSocket entrypoint for Tars realtime.
//
// It authenticates the upgrade, attaches each connection to the Hub and
// routes validated envelopes to the action handlers.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	store    MessageStore
	dir      Directory
	verifier IdentityVerifier
	clock    *Clock

	cfg          GatewayConfig
	fingerprints token.Fingerprinter

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

func WithGatewayConfig(cfg GatewayConfig) GatewayOption {
	return func(g *WSGateway) { g.cfg = cfg }
}

// WithTokenFingerprints sets how rejected tokens are labelled in logs.
func WithTokenFingerprints(fp token.Fingerprinter) GatewayOption {
	return func(g *WSGateway) { g.fingerprints = fp }
}

// WithClock overrides the timestamp source for persisted messages.
func WithClock(c *Clock) GatewayOption {
	return func(g *WSGateway) {
		if c != nil {
			g.clock = c
		}
	}
}

// NewWSGateway constructs a gateway. A nil hub or store falls back to
// in-memory implementations; the directory and verifier are required.
func NewWSGateway(log *slog.Logger, hub *Hub, store MessageStore, dir Directory, verifier IdentityVerifier, opts ...GatewayOption) (*WSGateway, error) {
	if dir == nil {
		return nil, errors.New("realtime: nil directory")
	}
	if verifier == nil {
		return nil, errors.New("realtime: nil verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, nil)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	g := &WSGateway{
		log:      log,
		hub:      hub,
		store:    store,
		dir:      dir,
		verifier: verifier,
		clock:    NewClock(nil),
		cfg:      DefaultGatewayConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.cfg = g.cfg.normalized()

	// websocket.Accept applies its own origin policy (same-host, or
	// OriginPatterns for cross-origin); derive the patterns from the
	// allowlist so both layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the request, upgrades it and runs the session until
// either side goes away.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.hub.metrics.authFailed("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	tok := bearerToken(r, g.cfg.AllowQueryToken)
	if tok == "" {
		g.log.Info("ws.reject.auth", "reason", "missing_token", "remote", r.RemoteAddr)
		g.hub.metrics.authFailed("missing_token")
		unauthorized(w)
		return
	}
	ident, err := g.verifier.Verify(r.Context(), tok)
	if err != nil {
		g.log.Info("ws.reject.auth", "reason", "invalid_token", "token_fp", g.fingerprints.Fingerprint(tok), "err", err, "remote", r.RemoteAddr)
		g.hub.metrics.authFailed("invalid_token")
		unauthorized(w)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(ident, NewSessionID(), g.cfg.SendQueueSize)
	log := g.log.With("session_id", client.SessionID, "user_id", ident.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It never closes client.Send; Detach removes the
	// session from the hub before any further delivery can target it.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Detach(client)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	if _, ok := g.hub.Attach(client); !ok {
		shutdown(websocket.StatusInternalError, "attach failed")
		return
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				shutdown(websocket.StatusGoingAway, "session closed")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		data, err := readFrame(ctx, conn)

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now()) {
			// Written directly: the queued copy could lose the race with close.
			g.hub.metrics.actionRejected("rate_limited")
			_ = writeEnvelope(ctx, conn, g.errorEnvelope("rate_limited", "too many events"), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.reject(log, client, "", reject("bad_json", "invalid JSON"))
			continue readLoop
		}
		if err := env.Validate(); err != nil {
			g.reject(log, client, env.Type, reject("bad_envelope", err.Error()))
			continue readLoop
		}

		if err := g.dispatch(ctx, client, env); err != nil {
			if ctx.Err() != nil {
				// Disconnected mid-action; the store call was abandoned.
				break readLoop
			}
			g.reject(log, client, env.Type, err)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="tars"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// bearerToken reads "Authorization: Bearer <t>", falling back to
// ?access_token=<t> when allowed. A malformed header never falls back.
func bearerToken(r *http.Request, allowQuery bool) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(tok)
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		id = NewSessionID()
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts the host patterns
// websocket.Accept matches against ("*" passes through as a wildcard).
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		if h != "*" {
			// Browser origins usually carry a port (http://localhost:5173).
			seen[h+":*"] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
