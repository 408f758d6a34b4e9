// Package realtime contains Murmur's realtime core: the connection registry, channel hub,
// typing indicator, message stores and the websocket gateway.
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
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Uses per-channel transactional advisory locks plus the channel_cursors row lock, so
//     sequence allocation is strictly monotonic and gapless per channel while different
//     channels proceed independently.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "murmur").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema, err := validSchema(schema)
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: defaultPGSchema,
		now:    func() time.Time { return time.Now().UTC() },
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

// Migrate creates the tables this store and PostgresChannelStore need.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool, s.schema)
}

// CreateLog inserts the cursor row for channelID.
func (s *PostgresStore) CreateLog(ctx context.Context, channelID string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return opErr("store.CreateLog", ErrInvalidInput, "missing channel_id")
	}

	cursors := pgIdent(s.schema, "channel_cursors")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+cursors+` (channel_id, next_seq, last_created_at)
		 VALUES ($1, 1, 'epoch')
		 ON CONFLICT (channel_id) DO NOTHING`,
		channelID,
	)
	return err
}

// Append allocates the next sequence under the channel's advisory lock and inserts the message.
func (s *PostgresStore) Append(ctx context.Context, channelID, senderID, text string) (Message, error) {
	const op = "store.Append"

	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	text, err := normalizeText(op, text)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(senderID) == "" || strings.TrimSpace(channelID) == "" {
		return Message{}, opErr(op, ErrInvalidInput, "missing channel_id or sender_id")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "channel_cursors")
	messages := pgIdent(s.schema, "messages")

	// hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, channelID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var (
		seq       int64
		createdAt time.Time
	)
	err = tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        last_created_at = GREATEST(last_created_at, $2)
		  WHERE channel_id = $1
		RETURNING (next_seq - 1), last_created_at`,
		channelID, s.now(),
	).Scan(&seq, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr(op, ErrInvalidInput, "unknown channel_id")
	}
	if err != nil {
		return Message{}, err
	}
	createdAt = createdAt.UTC()

	msg := Message{
		ID:        NewMessageID(createdAt),
		ChannelID: channelID,
		SenderID:  senderID,
		Text:      text,
		Seq:       seq,
		CreatedAt: createdAt,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (channel_id, seq, id, sender_id, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ChannelID, msg.Seq, msg.ID, msg.SenderID, msg.Text, msg.CreatedAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Page reads the head sequence and the window rows from one repeatable-read snapshot.
func (s *PostgresStore) Page(ctx context.Context, channelID string, page, limit int) (PageResult, error) {
	const op = "store.Page"

	if s == nil || s.pool == nil {
		return PageResult{}, errors.New("realtime: nil store")
	}
	page, limit, err := normalizePage(op, page, limit)
	if err != nil {
		return PageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PageResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return PageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "channel_cursors")
	messages := pgIdent(s.schema, "messages")

	var head int64
	err = tx.QueryRow(ctx,
		`SELECT next_seq - 1 FROM `+cursors+` WHERE channel_id = $1`,
		channelID,
	).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return PageResult{}, opErr(op, ErrNotFound, "unknown channel_id")
	}
	if err != nil {
		return PageResult{}, err
	}

	lo, hi, ok := pageWindow(head, page, limit)
	if !ok {
		return PageResult{Messages: []Message{}, HasMore: false}, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx,
		`SELECT id, channel_id, sender_id, text, seq, created_at
		   FROM `+messages+`
		  WHERE channel_id = $1 AND seq BETWEEN $2 AND $3
		  ORDER BY seq ASC`,
		channelID, lo, hi,
	)
	if err != nil {
		return PageResult{}, err
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Text, &m.Seq, &m.CreatedAt)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
	if err != nil {
		return PageResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PageResult{}, err
	}

	return PageResult{Messages: msgs, HasMore: lo > 1}, nil
}

const defaultPGSchema = "murmur"

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func validSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("realtime: empty schema")
	}
	if !isValidPGIdent(schema) {
		return "", errors.New("realtime: invalid schema identifier")
	}
	return schema, nil
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ MessageStore = (*PostgresStore)(nil)
