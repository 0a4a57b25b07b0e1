package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

// SQLiteStore is the durable Store backend: one row per conversation, its
// message slice JSON-encoded into a TEXT column. Grounded on the teacher's
// internal/memory/backend/sqlitevec.Backend (sql.Open + CREATE TABLE IF NOT
// EXISTS + indexed lookups), trading its vector-embedding columns for the
// Conversation Store's {id, parent_id, title, messages} shape.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a SQLite-backed Store at path.
// Pass ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			title TEXT,
			messages TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_conversations_parent ON conversations(parent_id)`)
	if err != nil {
		return fmt.Errorf("store: create index: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, record *ConversationRecord) error {
	clone := cloneRecord(record)
	now := time.Now().UTC()

	var existingCreatedAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM conversations WHERE id = ?`, clone.ID).Scan(&rfc3339Scanner{&existingCreatedAt})
	switch {
	case err == sql.ErrNoRows:
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = now
		}
	case err != nil:
		return fmt.Errorf("store: lookup existing record: %w", err)
	default:
		clone.CreatedAt = existingCreatedAt
	}
	clone.UpdatedAt = now

	payload, err := json.Marshal(clone.Messages)
	if err != nil {
		return fmt.Errorf("store: marshal messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, parent_id, title, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			title = excluded.title,
			messages = excluded.messages,
			updated_at = excluded.updated_at
	`, clone.ID, clone.ParentID, clone.Title, string(payload),
		clone.CreatedAt.Format(time.RFC3339), clone.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: upsert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, parent_id, title, messages, created_at, updated_at FROM conversations WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return record, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*ConversationRecord, error) {
	query := `SELECT id, parent_id, title, messages, created_at, updated_at FROM conversations ORDER BY created_at DESC LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as "no limit".
	}
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) FindByParent(ctx context.Context, parentID string) ([]*ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_id, title, messages, created_at, updated_at FROM conversations WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: find_by_parent query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ConversationRecord, error) {
	var record ConversationRecord
	var payload, createdAt, updatedAt string
	var parentID, title sql.NullString
	if err := row.Scan(&record.ID, &parentID, &title, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	record.ParentID = parentID.String
	record.Title = title.String

	if err := json.Unmarshal([]byte(payload), &record.Messages); err != nil {
		return nil, fmt.Errorf("store: unmarshal messages: %w", err)
	}
	var err error
	if record.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("store: parse created_at: %w", err)
	}
	if record.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("store: parse updated_at: %w", err)
	}
	return &record, nil
}

func scanRecords(rows *sql.Rows) ([]*ConversationRecord, error) {
	out := []*ConversationRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// rfc3339Scanner adapts a time.Time destination to database/sql.Scan for
// the existence-check query in Save, parsing the stored RFC3339 created_at
// so Save can keep it on the upserted record.
type rfc3339Scanner struct {
	dst *time.Time
}

func (r *rfc3339Scanner) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("store: unexpected created_at scan type %T", src)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	*r.dst = t
	return nil
}

var _ Store = (*SQLiteStore)(nil)
