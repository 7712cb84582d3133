package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.inbox/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS inbox_messages (
	id           BIGINT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	pair_a       TEXT NOT NULL,
	pair_b       TEXT NOT NULL,
	body         TEXT NOT NULL,
	client_token TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	read_at      TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_inbox_messages_token
	ON inbox_messages (sender_id, client_token) WHERE client_token IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_inbox_messages_pair
	ON inbox_messages (pair_a, pair_b, created_at, id);
CREATE INDEX IF NOT EXISTS idx_inbox_messages_unread
	ON inbox_messages (recipient_id, sender_id) WHERE read_at IS NULL;
`

const messageColumns = `id, sender_id, recipient_id, body, COALESCE(client_token, ''), created_at, read_at`

// PostgresStore 基于 PostgreSQL 的消息存储
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore 创建 PostgreSQL 消息存储
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema 创建表与索引
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, postgresSchema)
	return err
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	var readAt *time.Time
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body, &m.ClientToken, &m.CreatedAt, &readAt); err != nil {
		return model.Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if readAt != nil {
		t := readAt.UTC()
		m.ReadAt = &t
	}
	return m, nil
}

func (s *PostgresStore) Insert(ctx context.Context, m model.Message) (model.Message, bool, error) {
	m = normalize(m)
	pair := m.Pair()

	var token *string
	if m.ClientToken != "" {
		token = &m.ClientToken
	}

	query := `
		INSERT INTO inbox_messages (id, sender_id, recipient_id, pair_a, pair_b, body, client_token, created_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sender_id, client_token) WHERE client_token IS NOT NULL DO NOTHING
		RETURNING id
	`
	var id int64
	err := s.db.QueryRow(ctx, query,
		m.ID,
		m.SenderID,
		m.RecipientID,
		pair.A,
		pair.B,
		m.Body,
		token,
		m.CreatedAt,
		m.ReadAt,
	).Scan(&id)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || token == nil {
		return model.Message{}, false, fmt.Errorf("insert message %d: %w", m.ID, err)
	}

	// 令牌冲突：返回已存在的消息
	existing, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM inbox_messages WHERE sender_id = $1 AND client_token = $2`,
		m.SenderID, m.ClientToken,
	))
	if err != nil {
		return model.Message{}, false, fmt.Errorf("load message by token: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) List(ctx context.Context, pair model.PairKey, after model.Cursor, limit int) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM inbox_messages WHERE pair_a = $1 AND pair_b = $2`
	args := []any{pair.A, pair.B}
	if !after.IsZero() {
		query += ` AND (created_at, id) > ($3, $4)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, recipientID, senderID string, at time.Time) (ReadResult, error) {
	at = at.UTC().Truncate(time.Millisecond)

	rows, err := s.db.Query(ctx, `
		UPDATE inbox_messages SET read_at = $3
		WHERE recipient_id = $1 AND sender_id = $2 AND read_at IS NULL
		RETURNING id, created_at
	`, recipientID, senderID, at)
	if err != nil {
		return ReadResult{}, err
	}
	defer rows.Close()

	var res ReadResult
	var last model.Cursor
	for rows.Next() {
		var c model.Cursor
		if err := rows.Scan(&c.ID, &c.CreatedAt); err != nil {
			return ReadResult{}, err
		}
		res.Count++
		if last.Less(c) {
			last = c
		}
	}
	if err := rows.Err(); err != nil {
		return ReadResult{}, err
	}
	res.UpToMessageID = last.ID
	return res, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, viewerID, counterpartID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM inbox_messages
		WHERE recipient_id = $1 AND sender_id = $2 AND read_at IS NULL
	`, viewerID, counterpartID).Scan(&n)
	return n, err
}

func (s *PostgresStore) LastMessage(ctx context.Context, pair model.PairKey) (model.Message, bool, error) {
	m, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM inbox_messages WHERE pair_a = $1 AND pair_b = $2 ORDER BY created_at DESC, id DESC LIMIT 1`,
		pair.A, pair.B,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, false, nil
		}
		return model.Message{}, false, err
	}
	return m, true, nil
}

func (s *PostgresStore) Counterparts(ctx context.Context, viewerID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT CASE WHEN sender_id = $1 THEN recipient_id ELSE sender_id END AS counterpart
		FROM inbox_messages
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY counterpart
	`, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close 连接池由调用方管理
func (s *PostgresStore) Close() error {
	return nil
}
