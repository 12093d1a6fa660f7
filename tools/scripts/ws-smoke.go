// Package main is a CI-friendly end-to-end smoke test for a running Tars server.
//
// It validates:
//   - register + login over the account API
//   - handshake + subprotocol selection with a bearer token
//   - hello/ack session establishment and presence
//   - send -> ack, with message_new delivered to both ends
//   - history load, mark-read and the read receipt
//   - signaling relay (offer -> offer_received)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "tars/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// presence traffic arrives unsolicited and is skipped while waiting.
var presenceTypes = map[string]struct{}{
	v1.TypePresenceSnapshot: {},
	v1.TypeUserJoined:       {},
	v1.TypeUserLeft:         {},
}

type smokeClient struct {
	name      string
	username  string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL (http/https)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello tars 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	api := strings.TrimRight(*baseURL, "/") + "/api"
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*baseURL, "/"), "http") + "/ws"

	suffix := fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000_000)
	userA, userB := "smoke_a_"+suffix, "smoke_b_"+suffix

	tokA := mustRegisterAndLogin(root, api, userA, *timeout)
	tokB := mustRegisterAndLogin(root, api, userB, *timeout)

	a := mustConnect(root, "A", userA, wsURL, *origin, tokA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", userB, wsURL, *origin, tokB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	msgID := mustSendAndAssertAck(root, a, userB, *text, *timeout)
	mustAssertNew(root, a, msgID, userA, userB, *text, *timeout)
	mustAssertNew(root, b, msgID, userA, userB, *text, *timeout)

	mustHistoryContains(root, b, userA, msgID, *text, *timeout)
	mustMarkRead(root, b, a, userA, *timeout)
	mustRelayOffer(root, a, b, *timeout)

	fmt.Printf("OK: A=%s B=%s message_id=%s\n", a.sessionID, b.sessionID, msgID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustRegisterAndLogin(parent context.Context, api, username string, stepTimeout time.Duration) string {
	password := "smoke-" + username

	status, _ := mustPostJSON(parent, api+"/auth/register", map[string]string{
		"username": username,
		"email":    username + "@smoke.test",
		"password": password,
	}, stepTimeout)
	if status != http.StatusCreated {
		fatalf("register %s: status=%d", username, status)
	}

	status, body := mustPostJSON(parent, api+"/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, stepTimeout)
	if status != http.StatusOK {
		fatalf("login %s: status=%d", username, status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		fatalf("login %s: missing token (err=%v)", username, err)
	}
	return out.Token
}

func mustPostJSON(parent context.Context, target string, body any, stepTimeout time.Duration) (int, []byte) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(mustJSON(body)))
	if err != nil {
		fatalf("build request %s: %v", target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		fatalf("read %s: %v", target, err)
	}
	return resp.StatusCode, buf.Bytes()
}

func mustConnect(parent context.Context, name, username, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:     name,
		username: username,
		conn:     conn,
		inbox:    make(chan v1.Envelope, 512),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, c, v1.TypeHello, v1.HelloPayload{}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, presenceTypes)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.Username != username {
		fatalf("hello_ack username mismatch (%s): got=%q want=%q", name, p.Username, username)
	}
	c.sessionID = p.SessionID

	snap := c.mustReadUntilType(parent, v1.TypePresenceSnapshot, stepTimeout, presenceTypes)
	var sp v1.PresenceSnapshotPayload
	if err := json.Unmarshal(snap.Payload, &sp); err != nil {
		fatalf("unmarshal presence_snapshot (%s): %v", name, err)
	}
	if !slices.Contains(sp.Online, username) {
		fatalf("presence_snapshot (%s) does not list self: %v", name, sp.Online)
	}
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, to, text string, stepTimeout time.Duration) string {
	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	mustWrite(parent, c, v1.TypeMessageSend, v1.MessageSendPayload{
		To:          to,
		Text:        text,
		ClientMsgID: clientMsgID,
	}, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}}
	for k := range presenceTypes {
		skip[k] = struct{}{}
	}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.ID) == "" {
		fatalf("ack missing id (%s)", c.name)
	}
	if p.ServerTS.IsZero() {
		fatalf("ack server_ts missing/zero (%s)", c.name)
	}
	return p.ID
}

func mustAssertNew(parent context.Context, c *smokeClient, msgID, from, to, text string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeMessageAck: {}}
	for k := range presenceTypes {
		skip[k] = struct{}{}
	}
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skip)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}
	if p.ID != msgID {
		fatalf("new id mismatch (%s): got=%q want=%q", c.name, p.ID, msgID)
	}
	if p.From != from || p.To != to {
		fatalf("new routing mismatch (%s): got=%s->%s want=%s->%s", c.name, p.From, p.To, from, to)
	}
	if p.Text != text {
		fatalf("new text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.ServerTS.IsZero() {
		fatalf("new server_ts missing/zero (%s)", c.name)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, peer, msgID, text string, stepTimeout time.Duration) {
	limit := 50
	mustWrite(parent, c, v1.TypeHistoryLoad, v1.HistoryLoadPayload{Peer: peer, Limit: &limit}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeHistoryLoaded, stepTimeout, presenceTypes)

	var p v1.HistoryLoadedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal history_loaded payload (%s): %v", c.name, err)
	}
	if p.Peer != peer {
		fatalf("history_loaded peer mismatch (%s): got=%q want=%q", c.name, p.Peer, peer)
	}
	for _, m := range p.Messages {
		if m.ID == msgID && m.Text == text && !m.ServerTS.IsZero() {
			return
		}
	}
	fatalf("history_loaded missing expected message (%s)", c.name)
}

// mustMarkRead marks sender's messages read on reader and expects the
// receipt on sender.
func mustMarkRead(parent context.Context, reader, sender *smokeClient, peer string, stepTimeout time.Duration) {
	mustWrite(parent, reader, v1.TypeMessageRead, v1.MessageReadPayload{Peer: peer}, stepTimeout)

	env := reader.mustReadUntilType(parent, v1.TypeMessageReadAck, stepTimeout, presenceTypes)
	var ack v1.MessageReadAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		fatalf("unmarshal message_read_ack (%s): %v", reader.name, err)
	}
	if ack.Updated < 1 {
		fatalf("message_read_ack updated=%d (%s), want >= 1", ack.Updated, reader.name)
	}

	env = sender.mustReadUntilType(parent, v1.TypeMessagesRead, stepTimeout, presenceTypes)
	var note v1.MessagesReadPayload
	if err := json.Unmarshal(env.Payload, &note); err != nil {
		fatalf("unmarshal messages_read (%s): %v", sender.name, err)
	}
	if note.Reader != reader.username || note.Count != ack.Updated {
		fatalf("messages_read mismatch (%s): reader=%q count=%d", sender.name, note.Reader, note.Count)
	}
}

func mustRelayOffer(parent context.Context, from, to *smokeClient, stepTimeout time.Duration) {
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	mustWrite(parent, from, v1.TypeSignalOffer, v1.SignalPayload{To: to.username, Payload: sdp}, stepTimeout)

	env := to.mustReadUntilType(parent, v1.TypeOfferReceived, stepTimeout, presenceTypes)
	var p v1.SignalReceivedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal offer_received (%s): %v", to.name, err)
	}
	if p.From != from.username {
		fatalf("offer_received from mismatch (%s): got=%q want=%q", to.name, p.From, from.username)
	}
	if !bytes.Equal(bytes.TrimSpace(p.Payload), sdp) {
		fatalf("offer_received payload mismatch (%s): %s", to.name, p.Payload)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
