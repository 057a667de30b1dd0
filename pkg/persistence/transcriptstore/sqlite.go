package transcriptstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_turns (
		  conv_id TEXT NOT NULL,
		  turn_id TEXT NOT NULL,
		  turn_index INTEGER NOT NULL,
		  role TEXT NOT NULL,
		  content TEXT NOT NULL DEFAULT '',
		  streaming INTEGER NOT NULL DEFAULT 0,
		  version INTEGER NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  PRIMARY KEY (conv_id, turn_id)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_turns_by_index
		  ON transcript_turns(conv_id, turn_index);`,
		`CREATE INDEX IF NOT EXISTS transcript_turns_by_version
		  ON transcript_turns(conv_id, version);`,
		`CREATE TABLE IF NOT EXISTS transcript_conversations (
		  conv_id TEXT PRIMARY KEY,
		  context_id TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL,
		  last_seen_version INTEGER NOT NULL DEFAULT 0,
		  turn_count INTEGER NOT NULL DEFAULT 0,
		  status TEXT NOT NULL DEFAULT 'active',
		  last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_conversations_by_last_activity
		  ON transcript_conversations(last_activity_ms DESC, conv_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, convID string, version uint64, turn TurnRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if err := validateUpsert(convID, version, turn); err != nil {
		return errors.Wrap(err, "sqlite transcript store")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UnixMilli()
	versionI64, err := uint64ToInt64(version)
	if err != nil {
		return err
	}
	createdAt := turn.CreatedAtMs
	if createdAt <= 0 {
		createdAt = now
	}
	streaming := int64(0)
	if turn.Streaming {
		streaming = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_turns(conv_id, turn_id, turn_index, role, content, streaming, version, created_at_ms, updated_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, turn_id) DO UPDATE SET
		  turn_index = excluded.turn_index,
		  role = excluded.role,
		  content = excluded.content,
		  streaming = excluded.streaming,
		  version = excluded.version,
		  updated_at_ms = excluded.updated_at_ms
	`, convID, turn.TurnID, turn.Index, turn.Role, turn.Content, streaming, versionI64, createdAt, now); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert turn")
	}

	var turnCount int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript_turns WHERE conv_id = ?`, convID).Scan(&turnCount); err != nil {
		return errors.Wrap(err, "sqlite transcript store: count turns")
	}

	// Keep the conversation index in sync with turn upserts.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_conversations (
			conv_id, context_id, created_at_ms, last_activity_ms,
			last_seen_version, turn_count, status, last_error
		) VALUES (?, '', ?, ?, ?, ?, 'active', '')
		ON CONFLICT(conv_id) DO UPDATE SET
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > transcript_conversations.last_activity_ms THEN excluded.last_activity_ms
				ELSE transcript_conversations.last_activity_ms
			END,
			last_seen_version = CASE
				WHEN excluded.last_seen_version > transcript_conversations.last_seen_version THEN excluded.last_seen_version
				ELSE transcript_conversations.last_seen_version
			END,
			turn_count = excluded.turn_count
	`, convID, now, now, versionI64, turnCount); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert conversation progress")
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, convID string, sinceVersion uint64, limit int) (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if convID == "" {
		return nil, errors.New("sqlite transcript store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 5000
	}
	since, err := uint64ToInt64(sinceVersion)
	if err != nil {
		return nil, err
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM transcript_turns WHERE conv_id = ?`, convID).Scan(&current); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: read version")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, turn_index, role, content, streaming, version, created_at_ms, updated_at_ms
		FROM transcript_turns
		WHERE conv_id = ? AND version > ?
		ORDER BY turn_index ASC, turn_id ASC
		LIMIT ?
	`, convID, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query snapshot")
	}
	defer func() { _ = rows.Close() }()

	turns := make([]TurnRecord, 0, 64)
	for rows.Next() {
		var (
			t         TurnRecord
			streaming int64
			version   int64
		)
		if err := rows.Scan(&t.TurnID, &t.Index, &t.Role, &t.Content, &streaming, &version, &t.CreatedAtMs, &t.UpdatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan turn")
		}
		v, err := int64ToUint64(version)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: invalid turn version")
		}
		t.ConvID = convID
		t.Version = v
		t.Streaming = streaming == 1
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	versionU64, err := int64ToUint64(current.Int64)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: invalid snapshot version")
	}
	return &Snapshot{ConvID: convID, Version: versionU64, Turns: turns}, nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, record ConversationRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UnixMilli()
	record = normalizeConversationRecord(record, now)
	if record.ConvID == "" {
		return errors.New("sqlite transcript store: convID is empty")
	}
	lastSeenVersion, err := uint64ToInt64(record.LastSeenVersion)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: last_seen_version overflow")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcript_conversations (
			conv_id, context_id, created_at_ms, last_activity_ms,
			last_seen_version, turn_count, status, last_error
		) VALUES (?, ?, ?, ?, ?, ?, CASE WHEN ? <> '' THEN ? ELSE 'active' END, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			context_id = CASE
				WHEN excluded.context_id <> '' THEN excluded.context_id
				ELSE transcript_conversations.context_id
			END,
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > transcript_conversations.last_activity_ms THEN excluded.last_activity_ms
				ELSE transcript_conversations.last_activity_ms
			END,
			last_seen_version = CASE
				WHEN excluded.last_seen_version > transcript_conversations.last_seen_version THEN excluded.last_seen_version
				ELSE transcript_conversations.last_seen_version
			END,
			turn_count = CASE
				WHEN excluded.turn_count > transcript_conversations.turn_count THEN excluded.turn_count
				ELSE transcript_conversations.turn_count
			END,
			status = CASE
				WHEN ? <> '' THEN excluded.status
				ELSE transcript_conversations.status
			END,
			last_error = CASE
				WHEN excluded.last_error <> '' THEN excluded.last_error
				ELSE transcript_conversations.last_error
			END
	`, record.ConvID, record.ContextID, record.CreatedAtMs, record.LastActivityMs, lastSeenVersion, record.TurnCount,
		record.Status, record.Status, record.LastError, record.Status)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert conversation")
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil || s.db == nil {
		return ConversationRecord{}, false, errors.New("sqlite transcript store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("sqlite transcript store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT conv_id, context_id, created_at_ms, last_activity_ms,
		       last_seen_version, turn_count, status, last_error
		FROM transcript_conversations
		WHERE conv_id = ?
	`, convID)
	record, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRecord{}, false, nil
	}
	if err != nil {
		return ConversationRecord{}, false, errors.Wrap(err, "sqlite transcript store: get conversation")
	}
	return record, true, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT conv_id, context_id, created_at_ms, last_activity_ms,
		       last_seen_version, turn_count, status, last_error
		FROM transcript_conversations
	`
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY last_activity_ms DESC, conv_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ConversationRecord, 0, limit)
	for rows.Next() {
		record, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan conversation")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate conversations")
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (ConversationRecord, error) {
	var (
		record          ConversationRecord
		lastSeenVersion int64
	)
	if err := row.Scan(
		&record.ConvID,
		&record.ContextID,
		&record.CreatedAtMs,
		&record.LastActivityMs,
		&lastSeenVersion,
		&record.TurnCount,
		&record.Status,
		&record.LastError,
	); err != nil {
		return ConversationRecord{}, err
	}
	v, err := int64ToUint64(lastSeenVersion)
	if err != nil {
		return ConversationRecord{}, errors.Wrap(err, "invalid conversation version")
	}
	record.LastSeenVersion = v
	if record.Status == "" {
		record.Status = StatusActive
	}
	return record, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
