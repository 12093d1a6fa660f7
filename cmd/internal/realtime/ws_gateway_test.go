package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tars/cmd/internal/presence"
	v1 "tars/shared/contracts/realtime/v1"
)

// staticVerifier maps fixed tokens to identities.
type staticVerifier map[string]presence.Identity

func (v staticVerifier) Verify(_ context.Context, token string) (presence.Identity, error) {
	id, ok := v[token]
	if !ok {
		return presence.Identity{}, errors.New("invalid token")
	}
	return id, nil
}

type gatewayFixture struct {
	url   string
	hub   *Hub
	store *InMemoryStore
}

func newGatewayFixture(t *testing.T, tune func(*GatewayConfig)) *gatewayFixture {
	t.Helper()
	store := NewInMemoryStore()
	return newGatewayFixtureWithStore(t, store, store, tune)
}

// newGatewayFixtureWithStore serves messages from backend while f.store
// exposes the underlying in-memory data for assertions.
func newGatewayFixtureWithStore(t *testing.T, backend MessageStore, store *InMemoryStore, tune func(*GatewayConfig)) *gatewayFixture {
	t.Helper()

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	if tune != nil {
		tune(&cfg)
	}

	log := discardLogger()
	hub := NewHub(log, nil)
	dir := NewUserDirectory(newFakeUsers(alice, bob, carol))
	verifier := staticVerifier{"tok-alice": alice, "tok-bob": bob, "tok-carol": carol}

	gw, err := NewWSGateway(log, hub, backend, dir, verifier, WithGatewayConfig(cfg))
	require.NoError(t, err)

	ts := httptest.NewServer(gw)
	t.Cleanup(func() {
		hub.CloseAll()
		ts.Close()
	})
	return &gatewayFixture{url: ts.URL, hub: hub, store: store}
}

func wsURL(t *testing.T, base string) *url.URL {
	t.Helper()
	u, err := url.Parse(base)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	return u
}

func dialWS(t *testing.T, base string, header http.Header, query url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := wsURL(t, base)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// connect dials as the token's owner and consumes its own presence_snapshot.
func (f *gatewayFixture) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := dialWS(t, f.url, http.Header{"Authorization": []string{"Bearer " + token}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	readUntil(t, conn, v1.TypePresenceSnapshot)
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	sendRaw(t, conn, mustJSON(t, v1.Envelope{V: v1.Version, Type: typ, ID: "c-" + typ, TS: time.Now().UTC(), Payload: b}))
}

func sendRaw(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

// readUntil returns the first envelope of type typ and the types skipped on the way.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) (v1.Envelope, []string) {
	t.Helper()
	var skipped []string
	for i := 0; i < 32; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err, "waiting for %s after %v", typ, skipped)

		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type == typ {
			return env, skipped
		}
		skipped = append(skipped, env.Type)
	}
	t.Fatalf("no %s envelope, saw %v", typ, skipped)
	return v1.Envelope{}, nil
}

// sync round-trips a hello so everything queued before it has been read.
func syncSession(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	sendEnvelope(t, conn, v1.TypeHello, struct{}{})
	_, skipped := readUntil(t, conn, v1.TypeHelloAck)
	return skipped
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func expectError(t *testing.T, conn *websocket.Conn, code string) v1.ErrorPayload {
	t.Helper()
	env, _ := readUntil(t, conn, v1.TypeError)
	p := decode[v1.ErrorPayload](t, env)
	require.Equal(t, code, p.Code, "message: %s", p.Message)
	return p
}

func TestWSGateway_UnauthorizedBeforeUpgrade(t *testing.T) {
	f := newGatewayFixture(t, nil)

	cases := []struct {
		name   string
		header http.Header
		query  url.Values
	}{
		{name: "missing"},
		{name: "invalid", header: http.Header{"Authorization": []string{"Bearer nope"}}},
		{name: "wrong scheme", header: http.Header{"Authorization": []string{"Basic tok-alice"}}},
		{name: "bad query token", query: url.Values{"access_token": []string{"nope"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := dialWS(t, f.url, tc.header, tc.query)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
		})
	}
	assert.Zero(t, f.hub.SessionCount())
}

func TestWSGateway_QueryTokenAccepted(t *testing.T) {
	f := newGatewayFixture(t, nil)

	conn, _, err := dialWS(t, f.url, nil, url.Values{"access_token": []string{"tok-alice"}})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	readUntil(t, conn, v1.TypePresenceSnapshot)
	sendEnvelope(t, conn, v1.TypeHello, struct{}{})
	env, _ := readUntil(t, conn, v1.TypeHelloAck)
	ack := decode[v1.HelloAckPayload](t, env)
	assert.Equal(t, alice.ID, ack.UserID)
	assert.Equal(t, "alice", ack.Username)
	assert.NotEmpty(t, ack.SessionID)
}

func TestWSGateway_QueryTokenDisabled(t *testing.T) {
	f := newGatewayFixture(t, func(c *GatewayConfig) { c.AllowQueryToken = false })

	_, resp, err := dialWS(t, f.url, nil, url.Values{"access_token": []string{"tok-alice"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	f := newGatewayFixture(t, func(c *GatewayConfig) { c.OriginRequired = true })
	auth := func(origin string) http.Header {
		h := http.Header{"Authorization": []string{"Bearer tok-alice"}}
		if origin != "" {
			h.Set("Origin", origin)
		}
		return h
	}

	_, resp, err := dialWS(t, f.url, auth(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = dialWS(t, f.url, auth("https://evil.example"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialWS(t, f.url, auth("http://localhost:5173"), nil)
	require.NoError(t, err)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestWSGateway_PresenceLifecycle(t *testing.T) {
	f := newGatewayFixture(t, nil)

	a := f.connect(t, "tok-alice")
	joined, _ := readUntil(t, a, v1.TypeUserJoined)
	assert.Equal(t, "alice", decode[v1.PresenceChangePayload](t, joined).Username)

	b, _, err := dialWS(t, f.url, http.Header{"Authorization": []string{"Bearer tok-bob"}}, nil)
	require.NoError(t, err)

	snapEnv, _ := readUntil(t, b, v1.TypePresenceSnapshot)
	assert.Equal(t, []string{"alice", "bob"}, decode[v1.PresenceSnapshotPayload](t, snapEnv).Online)

	joined, _ = readUntil(t, a, v1.TypeUserJoined)
	p := decode[v1.PresenceChangePayload](t, joined)
	assert.Equal(t, "bob", p.Username)
	assert.Equal(t, []string{"alice", "bob"}, p.Online)

	require.NoError(t, b.Close(websocket.StatusNormalClosure, "bye"))

	left, _ := readUntil(t, a, v1.TypeUserLeft)
	p = decode[v1.PresenceChangePayload](t, left)
	assert.Equal(t, "bob", p.Username)
	assert.Equal(t, []string{"alice"}, p.Online)
	assert.False(t, f.hub.IsOnline(bob.ID))
}

func TestWSGateway_DirectMessageReachesOnlyThePair(t *testing.T) {
	f := newGatewayFixture(t, nil)

	a := f.connect(t, "tok-alice")
	b := f.connect(t, "tok-bob")
	c := f.connect(t, "tok-carol")

	sendEnvelope(t, a, v1.TypeMessageSend, v1.MessageSendPayload{To: "Bob", Text: "  hello bob  ", ClientMsgID: "c1"})

	ackEnv, _ := readUntil(t, a, v1.TypeMessageAck)
	ack := decode[v1.MessageAckPayload](t, ackEnv)
	assert.Equal(t, "c1", ack.ClientMsgID)
	require.NotEmpty(t, ack.ID)

	for _, conn := range []*websocket.Conn{a, b} {
		env, _ := readUntil(t, conn, v1.TypeMessageNew)
		m := decode[v1.MessageNewPayload](t, env)
		assert.Equal(t, ack.ID, m.ID)
		assert.Equal(t, "alice", m.From)
		assert.Equal(t, "bob", m.To)
		assert.Equal(t, "hello bob", m.Text)
		assert.True(t, m.ServerTS.Equal(ack.ServerTS))
		assert.False(t, m.Read)
	}

	assert.NotContains(t, syncSession(t, c), v1.TypeMessageNew)

	stored, err := f.store.QueryConversation(context.Background(), alice.ID, bob.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello bob", stored[0].Text)
}

// appendFailStore rejects every Append and serves everything else from memory.
type appendFailStore struct {
	*InMemoryStore
}

func (appendFailStore) Append(context.Context, AppendInput) (Message, error) {
	return Message{}, errors.New("disk full")
}

func TestWSGateway_PersistFailureDeliversNothing(t *testing.T) {
	mem := NewInMemoryStore()
	f := newGatewayFixtureWithStore(t, appendFailStore{mem}, mem, nil)

	a := f.connect(t, "tok-alice")
	b := f.connect(t, "tok-bob")

	sendEnvelope(t, a, v1.TypeMessageSend, v1.MessageSendPayload{To: "bob", Text: "lost", ClientMsgID: "c1"})
	expectError(t, a, "send_failed")

	skipped := syncSession(t, a)
	assert.NotContains(t, skipped, v1.TypeMessageNew)
	assert.NotContains(t, skipped, v1.TypeMessageAck)
	assert.NotContains(t, syncSession(t, b), v1.TypeMessageNew)

	assert.True(t, f.hub.IsOnline(alice.ID))
	assert.True(t, f.hub.IsOnline(bob.ID))

	stored, err := mem.QueryConversation(context.Background(), alice.ID, bob.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestWSGateway_LiveMessagesMatchHistory(t *testing.T) {
	f := newGatewayFixture(t, nil)
	a := f.connect(t, "tok-alice")
	b := f.connect(t, "tok-bob")

	// Each message_new is read off both ends before the next send, so the
	// sender's copy and the peer's live copy are compared one at a time.
	exchange := func(from, to *websocket.Conn, peer, text string) v1.MessageNewPayload {
		t.Helper()
		sendEnvelope(t, from, v1.TypeMessageSend, v1.MessageSendPayload{To: peer, Text: text})
		env, _ := readUntil(t, from, v1.TypeMessageNew)
		sent := decode[v1.MessageNewPayload](t, env)
		env, _ = readUntil(t, to, v1.TypeMessageNew)
		assert.Equal(t, sent, decode[v1.MessageNewPayload](t, env))
		return sent
	}
	hi := exchange(a, b, "bob", "hi")
	yo := exchange(b, a, "alice", "yo")
	require.True(t, yo.ServerTS.After(hi.ServerTS))
	assert.Equal(t, "alice", hi.From)
	assert.Equal(t, "bob", hi.To)

	for _, side := range []struct {
		conn *websocket.Conn
		peer string
	}{{a, "bob"}, {b, "alice"}} {
		sendEnvelope(t, side.conn, v1.TypeHistoryLoad, v1.HistoryLoadPayload{Peer: side.peer})
		env, _ := readUntil(t, side.conn, v1.TypeHistoryLoaded)
		got := decode[v1.HistoryLoadedPayload](t, env)
		assert.Equal(t, []v1.MessageNewPayload{hi, yo}, got.Messages, "history from %s's side", side.peer)
	}
}

func TestWSGateway_IdleListenerStaysOnline(t *testing.T) {
	f := newGatewayFixture(t, func(c *GatewayConfig) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.HeartbeatTimeout = time.Second
	})
	a := f.connect(t, "tok-alice")

	// Only reads; the read loop answers pings.
	joined := make(chan string, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, b, err := a.Read(context.Background())
			if err != nil {
				readErr <- err
				return
			}
			var env v1.Envelope
			if json.Unmarshal(b, &env) == nil && env.Type == v1.TypeUserJoined {
				var p v1.PresenceChangePayload
				_ = json.Unmarshal(env.Payload, &p)
				select {
				case joined <- p.Username:
				default:
				}
			}
		}
	}()

	select {
	case err := <-readErr:
		t.Fatalf("idle listener disconnected: %v", err)
	case <-time.After(50 * 20 * time.Millisecond):
	}
	assert.True(t, f.hub.IsOnline(alice.ID))

	f.connect(t, "tok-bob")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case name := <-joined:
			if name == "bob" {
				return
			}
		case err := <-readErr:
			t.Fatalf("idle listener disconnected: %v", err)
		case <-deadline:
			t.Fatalf("idle listener never saw bob join")
		}
	}
}

func TestWSGateway_MessageValidation(t *testing.T) {
	f := newGatewayFixture(t, nil)
	a := f.connect(t, "tok-alice")

	sendEnvelope(t, a, v1.TypeMessageSend, v1.MessageSendPayload{To: "bob", Text: "   "})
	expectError(t, a, "empty_text")

	sendEnvelope(t, a, v1.TypeMessageSend, v1.MessageSendPayload{To: "bob", Text: strings.Repeat("é", maxMessageChars+1)})
	expectError(t, a, "text_too_long")

	sendEnvelope(t, a, v1.TypeMessageSend, v1.MessageSendPayload{To: "mallory", Text: "hi"})
	expectError(t, a, "unknown_user")

	sendEnvelope(t, a, v1.TypeMessageSend, v1.MessageSendPayload{To: "", Text: "hi"})
	expectError(t, a, "missing_target")

	// Exactly at the limit is fine and counts runes, not bytes.
	sendEnvelope(t, a, v1.TypeMessageSend, v1.MessageSendPayload{To: "bob", Text: strings.Repeat("é", maxMessageChars)})
	readUntil(t, a, v1.TypeMessageAck)

	stored, err := f.store.QueryConversation(context.Background(), alice.ID, bob.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestWSGateway_MalformedInputKeepsSession(t *testing.T) {
	f := newGatewayFixture(t, nil)
	a := f.connect(t, "tok-alice")

	sendRaw(t, a, []byte("not json"))
	expectError(t, a, "bad_json")

	sendRaw(t, a, []byte(`{"v":"v1","type":"teleport","payload":{}}`))
	expectError(t, a, "bad_envelope")

	sendRaw(t, a, []byte(`{"v":"v0","type":"hello"}`))
	expectError(t, a, "bad_envelope")

	sendRaw(t, a, []byte(`{"v":"v1","type":"message_send","payload":"oops"}`))
	expectError(t, a, "bad_payload")

	sendEnvelope(t, a, v1.TypeHelloAck, struct{}{})
	expectError(t, a, "unsupported")

	syncSession(t, a)
	assert.True(t, f.hub.IsOnline(alice.ID))
}

func TestWSGateway_HistoryLoad(t *testing.T) {
	f := newGatewayFixture(t, nil)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m1 := appendAt(t, f.store, alice.ID, bob.ID, "one", t0)
	m2 := appendAt(t, f.store, bob.ID, alice.ID, "two", t0.Add(time.Second))
	m3 := appendAt(t, f.store, alice.ID, bob.ID, "three", t0.Add(2*time.Second))
	appendAt(t, f.store, alice.ID, carol.ID, "elsewhere", t0.Add(3*time.Second))

	a := f.connect(t, "tok-alice")
	load := func(limit *int) v1.HistoryLoadedPayload {
		t.Helper()
		sendEnvelope(t, a, v1.TypeHistoryLoad, v1.HistoryLoadPayload{Peer: "bob", Limit: limit})
		env, _ := readUntil(t, a, v1.TypeHistoryLoaded)
		return decode[v1.HistoryLoadedPayload](t, env)
	}
	ids := func(p v1.HistoryLoadedPayload) []string {
		out := make([]string, 0, len(p.Messages))
		for _, m := range p.Messages {
			out = append(out, m.ID)
		}
		return out
	}
	intp := func(n int) *int { return &n }

	got := load(nil)
	assert.Equal(t, "bob", got.Peer)
	assert.Equal(t, []string{m1.ID, m2.ID, m3.ID}, ids(got), "oldest first")
	assert.Equal(t, "bob", got.Messages[1].From)
	assert.Equal(t, "alice", got.Messages[1].To)

	assert.Equal(t, []string{m2.ID, m3.ID}, ids(load(intp(2))), "most recent window")
	assert.Empty(t, load(intp(0)).Messages)
	assert.Empty(t, load(intp(-5)).Messages)
	assert.Len(t, load(intp(10_000)).Messages, 3)

	sendEnvelope(t, a, v1.TypeHistoryLoad, v1.HistoryLoadPayload{Peer: "mallory"})
	expectError(t, a, "unknown_user")
}

func TestWSGateway_SignalRelay(t *testing.T) {
	f := newGatewayFixture(t, nil)
	a := f.connect(t, "tok-alice")
	b := f.connect(t, "tok-bob")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	sendEnvelope(t, a, v1.TypeSignalOffer, v1.SignalPayload{To: "bob", Payload: offer})

	env, _ := readUntil(t, b, v1.TypeOfferReceived)
	p := decode[v1.SignalReceivedPayload](t, env)
	assert.Equal(t, "alice", p.From)
	assert.JSONEq(t, string(offer), string(p.Payload))

	sendEnvelope(t, b, v1.TypeSignalAnswer, v1.SignalPayload{To: "alice", Payload: json.RawMessage(`{"type":"answer"}`)})
	readUntil(t, a, v1.TypeAnswerReceived)

	sendEnvelope(t, a, v1.TypeSignalICE, v1.SignalPayload{To: "bob", Payload: json.RawMessage(`{"candidate":"c"}`)})
	readUntil(t, b, v1.TypeICECandidateReceived)

	// Offline peer: silently dropped.
	sendEnvelope(t, a, v1.TypeSignalOffer, v1.SignalPayload{To: "carol", Payload: offer})
	assert.NotContains(t, syncSession(t, a), v1.TypeError)

	sendEnvelope(t, a, v1.TypeSignalOffer, v1.SignalPayload{To: "bob"})
	expectError(t, a, "empty_signal")

	sendEnvelope(t, a, v1.TypeSignalOffer, v1.SignalPayload{To: "bob", Payload: json.RawMessage(`null`)})
	expectError(t, a, "empty_signal")

	big := json.RawMessage(`"` + strings.Repeat("x", maxSignalBytes) + `"`)
	sendEnvelope(t, a, v1.TypeSignalICE, v1.SignalPayload{To: "bob", Payload: big})
	expectError(t, a, "signal_too_large")

	sendEnvelope(t, a, v1.TypeSignalICE, v1.SignalPayload{To: "mallory", Payload: offer})
	expectError(t, a, "unknown_user")

	stored, err := f.store.QueryConversation(context.Background(), alice.ID, bob.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stored, "signals are never persisted")
}

func TestWSGateway_MarkRead(t *testing.T) {
	f := newGatewayFixture(t, nil)
	a := f.connect(t, "tok-alice")
	b := f.connect(t, "tok-bob")

	for _, text := range []string{"one", "two"} {
		sendEnvelope(t, a, v1.TypeMessageSend, v1.MessageSendPayload{To: "bob", Text: text})
		readUntil(t, a, v1.TypeMessageAck)
	}

	sendEnvelope(t, b, v1.TypeMessageRead, v1.MessageReadPayload{Peer: "alice"})
	env, _ := readUntil(t, b, v1.TypeMessageReadAck)
	ack := decode[v1.MessageReadAckPayload](t, env)
	assert.Equal(t, "alice", ack.Peer)
	assert.EqualValues(t, 2, ack.Updated)

	env, _ = readUntil(t, a, v1.TypeMessagesRead)
	note := decode[v1.MessagesReadPayload](t, env)
	assert.Equal(t, "bob", note.Reader)
	assert.EqualValues(t, 2, note.Count)

	sendEnvelope(t, b, v1.TypeMessageRead, v1.MessageReadPayload{Peer: "alice"})
	env, _ = readUntil(t, b, v1.TypeMessageReadAck)
	assert.Zero(t, decode[v1.MessageReadAckPayload](t, env).Updated)
	assert.NotContains(t, syncSession(t, a), v1.TypeMessagesRead)
}

func TestWSGateway_MultiDeviceFanOut(t *testing.T) {
	f := newGatewayFixture(t, nil)
	a := f.connect(t, "tok-alice")
	b1 := f.connect(t, "tok-bob")
	b2 := f.connect(t, "tok-bob")

	sendEnvelope(t, a, v1.TypeMessageSend, v1.MessageSendPayload{To: "bob", Text: "both devices"})
	for _, conn := range []*websocket.Conn{b1, b2} {
		env, _ := readUntil(t, conn, v1.TypeMessageNew)
		assert.Equal(t, "both devices", decode[v1.MessageNewPayload](t, env).Text)
	}

	require.NoError(t, b1.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return f.hub.SessionCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.hub.IsOnline(bob.ID))
	assert.NotContains(t, syncSession(t, a), v1.TypeUserLeft)
}

func TestWSGateway_RateLimitClosesSession(t *testing.T) {
	f := newGatewayFixture(t, func(c *GatewayConfig) {
		c.RateEvents = 3
		c.RateWindow = time.Hour
	})
	a := f.connect(t, "tok-alice")

	for i := 0; i < 4; i++ {
		sendEnvelope(t, a, v1.TypeHello, struct{}{})
	}
	expectError(t, a, "rate_limited")

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := a.Read(ctx)
		cancel()
		if err != nil {
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
			break
		}
	}
	require.Eventually(t, func() bool { return !f.hub.IsOnline(alice.ID) }, 2*time.Second, 5*time.Millisecond)
}

func TestNewWSGateway_RequiresCollaborators(t *testing.T) {
	_, err := NewWSGateway(nil, nil, nil, nil, staticVerifier{})
	require.Error(t, err)
	_, err = NewWSGateway(nil, nil, nil, NewUserDirectory(newFakeUsers()), nil)
	require.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	mk := func(header, query string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws?"+query, nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	assert.Equal(t, "abc", bearerToken(mk("Bearer abc", ""), false))
	assert.Equal(t, "abc", bearerToken(mk("bearer   abc ", ""), false))
	assert.Empty(t, bearerToken(mk("Basic abc", "access_token=q"), true), "malformed header never falls back")
	assert.Equal(t, "q", bearerToken(mk("", "access_token=q"), true))
	assert.Empty(t, bearerToken(mk("", "access_token=q"), false))
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://App.example.com", "*", ""})
	assert.Equal(t, []string{"*", "app.example.com", "app.example.com:*", "localhost", "localhost:*"}, got)
}
