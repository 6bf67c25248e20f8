// Package storage provides the SQLite-backed repository implementations.
// These are the infrastructure adapters for the pairs and forward
// repository interfaces.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astrobridge/qtbridge/pkg/forward"
	"github.com/astrobridge/qtbridge/pkg/pairs"
)

const schema = `
CREATE TABLE IF NOT EXISTS forward_pairs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id    TEXT NOT NULL,
	qq_room_id     INTEGER NOT NULL,
	tg_chat_id     INTEGER NOT NULL,
	tg_thread_id   INTEGER NOT NULL DEFAULT 0,
	pair_key       TEXT NOT NULL,
	flags          INTEGER NOT NULL DEFAULT 0,
	ignore_regex   TEXT,
	ignore_senders TEXT,
	forward_mode   TEXT,
	nickname_mode  TEXT,
	command_reply  INTEGER,
	UNIQUE (instance_id, qq_room_id),
	UNIQUE (instance_id, tg_chat_id, tg_thread_id)
);

CREATE TABLE IF NOT EXISTS forward_multiples (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	stable_id   TEXT NOT NULL,
	file_name   TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	UNIQUE (instance_id, resource_id)
);
`

// Store wraps the SQLite database and implements both repository
// contracts.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// pairs.Repository implementation
// ---------------------------------------------------------------------------

const pairColumns = `id, instance_id, qq_room_id, tg_chat_id, tg_thread_id,
	pair_key, flags, ignore_regex, ignore_senders, forward_mode,
	nickname_mode, command_reply`

func (s *Store) ListPairs(ctx context.Context, instanceID string) ([]pairs.Pair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pairColumns+` FROM forward_pairs WHERE instance_id = ? ORDER BY id`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	var out []pairs.Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertPair(ctx context.Context, p *pairs.Pair) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO forward_pairs
			(instance_id, qq_room_id, tg_chat_id, tg_thread_id, pair_key, flags,
			 ignore_regex, ignore_senders, forward_mode, nickname_mode, command_reply)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.InstanceID, p.QQRoomID, p.TGChatID, p.TGThreadID, p.Key, p.Flags,
		p.IgnoreRegex, encodeSenders(p.IgnoreSenders), p.ForwardMode,
		p.NicknameMode, encodeBool(p.CommandReply))
	if err != nil {
		return fmt.Errorf("insert pair: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *Store) UpdatePair(ctx context.Context, p *pairs.Pair) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE forward_pairs SET
			tg_chat_id = ?, tg_thread_id = ?, flags = ?, ignore_regex = ?,
			ignore_senders = ?, forward_mode = ?, nickname_mode = ?, command_reply = ?
		 WHERE id = ?`,
		p.TGChatID, p.TGThreadID, p.Flags, p.IgnoreRegex,
		encodeSenders(p.IgnoreSenders), p.ForwardMode, p.NicknameMode,
		encodeBool(p.CommandReply), p.ID)
	if err != nil {
		return fmt.Errorf("update pair %d: %w", p.ID, err)
	}
	return nil
}

func (s *Store) DeletePair(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM forward_pairs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pair %d: %w", id, err)
	}
	return nil
}

func scanPair(rows *sql.Rows) (pairs.Pair, error) {
	var (
		p            pairs.Pair
		senders      sql.NullString
		commandReply sql.NullInt64
	)
	err := rows.Scan(&p.ID, &p.InstanceID, &p.QQRoomID, &p.TGChatID, &p.TGThreadID,
		&p.Key, &p.Flags, &p.IgnoreRegex, &senders, &p.ForwardMode,
		&p.NicknameMode, &commandReply)
	if err != nil {
		return pairs.Pair{}, fmt.Errorf("scan pair: %w", err)
	}
	if senders.Valid {
		p.IgnoreSenders = decodeSenders(senders.String)
	}
	if commandReply.Valid {
		v := commandReply.Int64 != 0
		p.CommandReply = &v
	}
	return p, nil
}

// ignore_senders is a comma-joined uin list; empty means no override.
func encodeSenders(uins []int64) any {
	if len(uins) == 0 {
		return nil
	}
	parts := make([]string, len(uins))
	for i, id := range uins {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

func decodeSenders(s string) []int64 {
	if s == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(s, ",") {
		var id int64
		if _, err := fmt.Sscanf(part, "%d", &id); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func encodeBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// forward.Repository implementation
// ---------------------------------------------------------------------------

func (s *Store) FindMultipleByResource(ctx context.Context, instanceID, resourceID string) (*forward.Multiple, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, resource_id, stable_id, file_name, created_at
		 FROM forward_multiples WHERE instance_id = ? AND resource_id = ?`,
		instanceID, resourceID)

	var (
		m       forward.Multiple
		created int64
	)
	err := row.Scan(&m.ID, &m.InstanceID, &m.ResourceID, &m.StableID, &m.FileName, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find forward bundle: %w", err)
	}
	m.CreatedAt = time.Unix(created, 0)
	return &m, nil
}

func (s *Store) InsertMultiple(ctx context.Context, m *forward.Multiple) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO forward_multiples (instance_id, resource_id, stable_id, file_name, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.InstanceID, m.ResourceID, m.StableID, m.FileName, m.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert forward bundle: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

// Compile-time verification
var (
	_ pairs.Repository   = (*Store)(nil)
	_ forward.Repository = (*Store)(nil)
)
