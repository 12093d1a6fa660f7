package realtime

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Message is the canonical persisted direct message.
// Field order matches the column order used by the Postgres queries.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Text       string
	CreatedAt  time.Time
	IsRead     bool
}

// AppendInput describes a message append request.
type AppendInput struct {
	SenderID   string
	ReceiverID string
	Text       string
	Now        time.Time
}

var ErrInvalidMessage = errors.New("realtime: invalid message")

// MessageStore persists and queries direct messages.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (Message, error)

	// QueryConversation returns up to limit messages exchanged between a and b
	// in either direction, newest first. limit <= 0 yields no messages.
	QueryConversation(ctx context.Context, a, b string, limit int) ([]Message, error)

	// MarkRead flags every unread message from senderID to receiverID as read
	// and returns how many changed.
	MarkRead(ctx context.Context, senderID, receiverID string) (int64, error)

	Close() error
}

func (in AppendInput) validate() error {
	if in.SenderID == "" || in.ReceiverID == "" || strings.TrimSpace(in.Text) == "" {
		return ErrInvalidMessage
	}
	return nil
}

func (in AppendInput) message(now time.Time) (Message, error) {
	if in.Now.IsZero() {
		in.Now = now
	}
	id, err := NewMessageID(in.Now)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Text:       in.Text,
		CreatedAt:  in.Now.UTC(),
	}, nil
}

// newestFirst orders by created_at then id, both descending.
func newestFirst(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
