package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresChannelStore persists channels in <schema>.channels and <schema>.channel_members.
type PostgresChannelStore struct {
	pool   *pgxpool.Pool
	schema string
}

// ChannelStoreOption configures PostgresChannelStore behavior.
type ChannelStoreOption func(*PostgresChannelStore) error

// WithChannelSchema sets the DB schema used by the channel store (default: "murmur").
func WithChannelSchema(schema string) ChannelStoreOption {
	return func(s *PostgresChannelStore) error {
		schema, err := validSchema(schema)
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresChannelStore constructs a channel store backed by PostgreSQL.
func NewPostgresChannelStore(pool *pgxpool.Pool, opts ...ChannelStoreOption) (*PostgresChannelStore, error) {
	st := &PostgresChannelStore{
		pool:   pool,
		schema: defaultPGSchema,
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

// LoadChannels returns all channels with their members, oldest first.
func (s *PostgresChannelStore) LoadChannels(ctx context.Context) ([]ChannelRecord, error) {
	channels := pgIdent(s.schema, "channels")
	members := pgIdent(s.schema, "channel_members")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name, c.created_at,
		        COALESCE(array_agg(m.user_id ORDER BY m.joined_at) FILTER (WHERE m.user_id IS NOT NULL), '{}')
		   FROM `+channels+` c
		   LEFT JOIN `+members+` m ON m.channel_id = c.id
		  GROUP BY c.id, c.name, c.created_at
		  ORDER BY c.created_at ASC, c.id ASC`,
	)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChannelRecord, error) {
		var rec ChannelRecord
		err := row.Scan(&rec.ID, &rec.Name, &rec.CreatedAt, &rec.MemberIDs)
		rec.CreatedAt = rec.CreatedAt.UTC()
		return rec, err
	})
}

// InsertChannel stores the channel row and its initial members in one transaction.
func (s *PostgresChannelStore) InsertChannel(ctx context.Context, rec ChannelRecord) error {
	const op = "channels.Insert"

	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.Name) == "" {
		return opErr(op, ErrInvalidInput, "missing id or name")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	channels := pgIdent(s.schema, "channels")
	members := pgIdent(s.schema, "channel_members")
	cursors := pgIdent(s.schema, "channel_cursors")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+channels+` (id, name, created_at) VALUES ($1, $2, $3)`,
		rec.ID, rec.Name, rec.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return opErr(op, ErrNameTaken, rec.Name)
		}
		return fmt.Errorf("insert channel: %w", err)
	}

	for _, userID := range rec.MemberIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (channel_id, user_id) VALUES ($1, $2)
			 ON CONFLICT (channel_id, user_id) DO NOTHING`,
			rec.ID, userID,
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}

	// The log cursor commits with the channel row, so a failed insert leaves neither behind.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (channel_id, next_seq, last_created_at) VALUES ($1, 1, 'epoch')
		 ON CONFLICT (channel_id) DO NOTHING`,
		rec.ID,
	); err != nil {
		return fmt.Errorf("insert cursor: %w", err)
	}

	return tx.Commit(ctx)
}

// AddMember inserts a membership row; re-adding is a no-op.
func (s *PostgresChannelStore) AddMember(ctx context.Context, channelID, userID string) error {
	members := pgIdent(s.schema, "channel_members")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+members+` (channel_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (channel_id, user_id) DO NOTHING`,
		channelID, userID,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return opErr("channels.AddMember", ErrNotFound, channelID)
	}
	return err
}

// RemoveMember deletes a membership row; removing a non-member is a no-op.
func (s *PostgresChannelStore) RemoveMember(ctx context.Context, channelID, userID string) error {
	members := pgIdent(s.schema, "channel_members")
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+members+` WHERE channel_id = $1 AND user_id = $2`,
		channelID, userID,
	)
	return err
}

// migratePostgres applies the minimal schema used by PostgresStore and PostgresChannelStore.
func migratePostgres(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("realtime: nil pool")
	}

	channels := pgIdent(schema, "channels")
	members := pgIdent(schema, "channel_members")
	cursors := pgIdent(schema, "channel_cursors")
	messages := pgIdent(schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL UNIQUE CHECK (char_length(name) >= 2),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  channel_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  channel_id      TEXT PRIMARY KEY,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  last_created_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);

CREATE TABLE IF NOT EXISTS %s (
  channel_id TEXT NOT NULL REFERENCES %s(channel_id) ON DELETE CASCADE,
  seq        BIGINT NOT NULL,
  id         TEXT NOT NULL UNIQUE,
  sender_id  TEXT NOT NULL,
  text       TEXT NOT NULL CHECK (char_length(text) > 0 AND char_length(text) <= 4000),
  created_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (channel_id, seq)
);
`,
		pgx.Identifier{schema}.Sanitize(),
		channels,
		members, channels,
		cursors,
		messages, cursors,
	)

	_, err := pool.Exec(ctx, ddl)
	return err
}

var _ ChannelStore = (*PostgresChannelStore)(nil)
