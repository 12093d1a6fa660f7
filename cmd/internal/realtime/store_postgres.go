package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// PostgresStore does not own the pgx pool; the caller closes it, so Close is
// a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tars").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tars",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, sender_id, receiver_id, text, created_at, is_read`

func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
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
	msg.CreatedAt = msg.CreatedAt.Truncate(time.Microsecond)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.messages()+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, false)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) QueryConversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.messages()+`
		  WHERE (sender_id = $1 AND receiver_id = $2)
		     OR (sender_id = $2 AND receiver_id = $1)
		  ORDER BY created_at DESC, id DESC
		  LIMIT $3`,
		a, b, limit,
	)
	if err != nil {
		return nil, err
	}

	msgs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Message])
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].CreatedAt = msgs[i].CreatedAt.UTC()
	}
	return msgs, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.messages()+`
		    SET is_read = true
		  WHERE sender_id = $1 AND receiver_id = $2 AND NOT is_read`,
		senderID, receiverID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) messages() string {
	return pgIdent(s.schema, "messages")
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
