package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is the MessageStore used when no database is configured.
// Each conversation is an append-only log kept newest first; nothing is
// evicted, so memory grows with traffic until the process exits.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string][]Message
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{convs: make(map[string][]Message)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if err := in.validate(); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	msg, err := in.message(time.Now().UTC())
	if err != nil {
		return Message{}, err
	}

	key := pairKey(in.SenderID, in.ReceiverID)

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.convs[key]
	i := sort.Search(len(msgs), func(i int) bool { return newestFirst(msg, msgs[i]) })
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg

	s.convs[key] = msgs

	return msg, nil
}

func (s *InMemoryStore) QueryConversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Message{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.convs[pairKey(a, b)]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]Message(nil), msgs...), nil
}

func (s *InMemoryStore) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.convs[pairKey(senderID, receiverID)]
	var n int64
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == senderID && m.ReceiverID == receiverID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}
