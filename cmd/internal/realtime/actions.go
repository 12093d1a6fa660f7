package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"tars/cmd/internal/presence"
	v1 "tars/shared/contracts/realtime/v1"
)

// actionError is a client-facing failure: Code and Msg go into the error
// envelope, err (if any) only into the log.
type actionError struct {
	Code string
	Msg  string
	err  error
}

func (e *actionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.err)
	}
	return e.Code + ": " + e.Msg
}

func (e *actionError) Unwrap() error { return e.err }

func reject(code, msg string) error {
	return &actionError{Code: code, Msg: msg}
}

// dispatch routes one validated envelope. Handlers run sequentially per
// session, so actions from one connection are processed in arrival order.
func (g *WSGateway) dispatch(ctx context.Context, c *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeHello:
		return g.onHello(c)
	case v1.TypeMessageSend:
		return g.onMessageSend(ctx, c, env)
	case v1.TypeHistoryLoad:
		return g.onHistoryLoad(ctx, c, env)
	case v1.TypeMessageRead:
		return g.onMessageRead(ctx, c, env)
	case v1.TypeSignalOffer, v1.TypeSignalAnswer, v1.TypeSignalICE:
		return g.onSignal(ctx, c, env)
	default:
		return reject("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// reject logs a failed action and tells only the caller about it.
func (g *WSGateway) reject(log *slog.Logger, c *Client, typ string, err error) {
	var ae *actionError
	if !errors.As(err, &ae) {
		ae = &actionError{Code: "internal", Msg: "request failed", err: err}
	}
	log.Info("ws.action.reject", "type", typ, "code", ae.Code, "err", err)
	g.hub.metrics.actionRejected(ae.Code)
	g.sendError(c, ae.Code, ae.Msg)
}

// ---- handlers ----

func (g *WSGateway) onHello(c *Client) error {
	ack, _ := json.Marshal(v1.HelloAckPayload{
		SessionID: c.SessionID,
		UserID:    c.Identity.ID,
		Username:  c.Identity.Username,
	})
	snap, _ := json.Marshal(v1.PresenceSnapshotPayload{Online: usernames(g.hub.Online())})

	now := g.clock.Now()
	g.reply(c, newEnvelope(v1.TypeHelloAck, ack, now))
	g.reply(c, newEnvelope(v1.TypePresenceSnapshot, snap, now))
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return reject("empty_text", "message text is empty")
	}
	if utf8.RuneCountInString(text) > maxMessageChars {
		return reject("text_too_long", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
	}

	peer, err := g.resolve(ctx, p.To)
	if err != nil {
		return err
	}

	now := g.clock.Now()
	msg, err := g.store.Append(ctx, AppendInput{
		SenderID:   c.Identity.ID,
		ReceiverID: peer.ID,
		Text:       text,
		Now:        now,
	})
	if err != nil {
		if ctx.Err() == nil {
			g.hub.metrics.persistFailed()
			g.log.Error("store.append.fail", "session_id", c.SessionID, "user_id", c.Identity.ID, "err", err)
		}
		return &actionError{Code: "send_failed", Msg: "message could not be stored", err: err}
	}
	g.hub.metrics.messagePersisted()

	ack, _ := json.Marshal(v1.MessageAckPayload{
		ClientMsgID: p.ClientMsgID,
		ID:          msg.ID,
		ServerTS:    msg.CreatedAt,
	})
	g.reply(c, newEnvelope(v1.TypeMessageAck, ack, now))

	out, _ := json.Marshal(messagePayload(msg, c.Identity, peer))
	g.hub.DeliverToIdentities(newEnvelope(v1.TypeMessageNew, out, now), c.Identity.ID, peer.ID)
	return nil
}

func (g *WSGateway) onHistoryLoad(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.HistoryLoadPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	limit := defaultHistoryLimit
	if p.Limit != nil {
		limit = min(*p.Limit, maxHistoryLimit)
	}

	peer, err := g.resolve(ctx, p.Peer)
	if err != nil {
		return err
	}

	var msgs []Message
	if limit > 0 {
		msgs, err = g.store.QueryConversation(ctx, c.Identity.ID, peer.ID, limit)
		if err != nil {
			return &actionError{Code: "history_failed", Msg: "history unavailable", err: err}
		}
	}

	// Store returns newest first; clients render oldest first.
	slices.Reverse(msgs)
	out := make([]v1.MessageNewPayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messagePayload(m, c.Identity, peer))
	}

	payload, _ := json.Marshal(v1.HistoryLoadedPayload{Peer: peer.Username, Messages: out})
	g.reply(c, newEnvelope(v1.TypeHistoryLoaded, payload, g.clock.Now()))
	return nil
}

func (g *WSGateway) onMessageRead(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.MessageReadPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	peer, err := g.resolve(ctx, p.Peer)
	if err != nil {
		return err
	}

	n, err := g.store.MarkRead(ctx, peer.ID, c.Identity.ID)
	if err != nil {
		return &actionError{Code: "read_failed", Msg: "could not mark messages read", err: err}
	}

	now := g.clock.Now()
	ack, _ := json.Marshal(v1.MessageReadAckPayload{Peer: peer.Username, Updated: n})
	g.reply(c, newEnvelope(v1.TypeMessageReadAck, ack, now))

	if n > 0 {
		note, _ := json.Marshal(v1.MessagesReadPayload{Reader: c.Identity.Username, Count: n})
		g.hub.DeliverToIdentity(peer.ID, newEnvelope(v1.TypeMessagesRead, note, now))
	}
	return nil
}

// onSignal relays an opaque WebRTC blob to every session of the target.
// Nothing is persisted and an offline target is not an error.
func (g *WSGateway) onSignal(ctx context.Context, c *Client, env v1.Envelope) error {
	outType, _ := v1.RelayedSignalType(env.Type)

	var p v1.SignalPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	blob := bytes.TrimSpace(p.Payload)
	if len(blob) == 0 || bytes.Equal(blob, []byte("null")) {
		return reject("empty_signal", "signal payload is empty")
	}
	if len(blob) > maxSignalBytes {
		return reject("signal_too_large", fmt.Sprintf("signal payload too large: max=%d bytes", maxSignalBytes))
	}

	peer, err := g.resolve(ctx, p.To)
	if err != nil {
		return err
	}

	out, _ := json.Marshal(v1.SignalReceivedPayload{From: c.Identity.Username, Payload: blob})
	n := g.hub.DeliverToIdentity(peer.ID, newEnvelope(outType, out, g.clock.Now()))

	kind := strings.TrimPrefix(env.Type, "signal_")
	g.hub.metrics.signalRelayed(kind)
	g.log.Debug("ws.signal.relay", "session_id", c.SessionID, "kind", kind, "to", peer.ID, "delivered", n)
	return nil
}

// ---- helpers ----

func (g *WSGateway) resolve(ctx context.Context, username string) (presence.Identity, error) {
	if strings.TrimSpace(username) == "" {
		return presence.Identity{}, reject("missing_target", "target username is required")
	}
	peer, err := g.dir.Resolve(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			return presence.Identity{}, reject("unknown_user", fmt.Sprintf("unknown user: %s", strings.TrimSpace(username)))
		}
		return presence.Identity{}, &actionError{Code: "lookup_failed", Msg: "user lookup failed", err: err}
	}
	return peer, nil
}

// reply enqueues to the calling session with the hub's reaping rule.
func (g *WSGateway) reply(c *Client, env v1.Envelope) bool {
	return g.hub.deliver(c, env)
}

func (g *WSGateway) sendError(c *Client, code, msg string) {
	g.reply(c, g.errorEnvelope(code, msg))
}

func (g *WSGateway) errorEnvelope(code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return newEnvelope(v1.TypeError, p, g.clock.Now())
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return reject("bad_payload", "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return reject("bad_payload", "invalid payload")
	}
	return nil
}

func messagePayload(m Message, a, b presence.Identity) v1.MessageNewPayload {
	name := func(id string) string {
		if id == a.ID {
			return a.Username
		}
		return b.Username
	}
	return v1.MessageNewPayload{
		ID:       m.ID,
		FromID:   m.SenderID,
		From:     name(m.SenderID),
		ToID:     m.ReceiverID,
		To:       name(m.ReceiverID),
		Text:     m.Text,
		ServerTS: m.CreatedAt,
		Read:     m.IsRead,
	}
}

func usernames(ids []presence.Identity) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Username)
	}
	return out
}
