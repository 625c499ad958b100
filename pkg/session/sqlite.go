package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tempo/internal/tracing"
)

const tracerName = "tempo.session"

// SQLiteConfig configures the SQLite backed store
type SQLiteConfig struct {
	Path string
	// Now overrides the clock used for lock expiry
	Now func() time.Time
}

// SQLiteStore implements Store and Locker on a single SQLite database
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time keeps upserts and version CAS serialized
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: cfg.Now}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL DEFAULT '',
			injected_mode TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_results TEXT,
			metadata TEXT,
			request_id TEXT,
			status TEXT,
			turn_version INTEGER,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_seq ON messages(session_id, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_request ON messages(session_id, request_id);

		CREATE TABLE IF NOT EXISTS session_locks (
			session_id TEXT PRIMARY KEY,
			owner_request_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_locks_expiry ON session_locks(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mode, injected_mode, version, created_at, updated_at FROM sessions WHERE id = ?`, sessionID)

	var sess Session
	var created, updated int64
	if err := row.Scan(&sess.ID, &sess.Mode, &sess.InjectedMode, &sess.Version, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.CreatedAt = time.Unix(0, created)
	sess.UpdatedAt = time.Unix(0, updated)
	return &sess, nil
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, sessionID string) ([]Message, int64, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := loadMessages(ctx, s.db, sessionID)
	if err != nil {
		return nil, 0, err
	}
	return msgs, sess.Version, nil
}

func (s *SQLiteStore) SetMode(ctx context.Context, sessionID, mode string) error {
	return s.updateSessionField(ctx, sessionID,
		`UPDATE sessions SET mode = ?, updated_at = ? WHERE id = ?`, mode, s.now().UnixNano(), sessionID)
}

func (s *SQLiteStore) MarkModeInjected(ctx context.Context, sessionID, mode string) error {
	return s.updateSessionField(ctx, sessionID,
		`UPDATE sessions SET injected_mode = ? WHERE id = ?`, mode, sessionID)
}

func (s *SQLiteStore) updateSessionField(ctx context.Context, sessionID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendUserMessage(ctx context.Context, sessionID, content string, expectedVersion int64) (result *AppendResult, err error) {
	if sessionID == "" {
		return nil, &ValidationError{Field: "sessionId"}
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "session.append_user",
		attribute.String("session_id", sessionID),
		attribute.Int64("expected_version", expectedVersion),
	)
	defer func() { tracing.EndSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, exists, err := currentVersion(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if current != expectedVersion {
		return &AppendResult{Status: StatusConflict, Version: current}, nil
	}

	now := s.now().UnixNano()
	if !exists {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, version, created_at, updated_at) VALUES (?, 0, ?, ?)`,
			sessionID, now, now); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	version, ok, err := bumpVersion(ctx, tx, sessionID, expectedVersion, now)
	if err != nil || !ok {
		return conflictOrErr(version, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, NewSessionID(), version, string(RoleUser), content, now); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	msgs, err := loadMessages(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	return &AppendResult{Status: StatusAppended, Messages: msgs, Version: version}, nil
}

func (s *SQLiteStore) BeginAssistantTurn(ctx context.Context, sessionID, requestID string, expectedVersion int64, metadata map[string]interface{}) (result *AppendResult, err error) {
	if requestID == "" {
		return nil, &ValidationError{Field: "requestId"}
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "session.begin_turn",
		attribute.String("session_id", sessionID),
		attribute.String("request_id", requestID),
	)
	defer func() { tracing.EndSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, exists, err := currentVersion(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrSessionNotFound
	}
	if current != expectedVersion {
		return &AppendResult{Status: StatusConflict, Version: current}, nil
	}

	now := s.now().UnixNano()
	version, ok, err := bumpVersion(ctx, tx, sessionID, expectedVersion, now)
	if err != nil || !ok {
		return conflictOrErr(version, err)
	}

	meta := mergeMetadata(cloneMetadata(metadata), map[string]interface{}{
		MetaRequestID: requestID,
		MetaStatus:    TurnStreaming,
	})
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, id, seq, role, metadata, request_id, status, turn_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, turnMessageID(requestID, version), version, string(RoleAssistant), string(metaJSON),
		requestID, TurnStreaming, version, now); err != nil {
		return nil, fmt.Errorf("failed to insert assistant turn: %w", err)
	}

	msgs, err := loadMessages(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit turn: %w", err)
	}

	return &AppendResult{Status: StatusAppended, Messages: msgs, Version: version}, nil
}

func (s *SQLiteStore) UpdateAssistantTurn(ctx context.Context, sessionID, requestID string, patch TurnPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	msg, _, _, err := loadTurn(ctx, tx, sessionID, requestID)
	if err != nil {
		return err
	}

	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.ToolCalls != nil {
		msg.ToolCalls = patch.ToolCalls
	}
	if patch.ToolResults != nil {
		msg.ToolResults = patch.ToolResults
	}
	msg.Metadata = mergeMetadata(msg.Metadata, patch.Metadata)

	if err := saveTurn(ctx, tx, sessionID, msg, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) FinishAssistantTurn(ctx context.Context, sessionID, requestID, content string, metadata map[string]interface{}) (result *FinishResult, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.finish_turn",
		attribute.String("session_id", sessionID),
		attribute.String("request_id", requestID),
	)
	defer func() { tracing.EndSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	msg, status, turnVersion, err := loadTurn(ctx, tx, sessionID, requestID)
	if err != nil {
		return nil, err
	}
	current, _, err := currentVersion(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if current != turnVersion || status != TurnStreaming {
		return &FinishResult{Status: StatusConflict, Version: current}, nil
	}

	msg.Content = content
	msg.Metadata = mergeMetadata(msg.Metadata, metadata)
	msg.Metadata = mergeMetadata(msg.Metadata, map[string]interface{}{MetaStatus: TurnCompleted})
	if err := saveTurn(ctx, tx, sessionID, msg, TurnCompleted); err != nil {
		return nil, err
	}

	version, ok, err := bumpVersion(ctx, tx, sessionID, current, s.now().UnixNano())
	if err != nil {
		return nil, err
	}
	if !ok {
		return &FinishResult{Status: StatusConflict, Version: version}, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit finish: %w", err)
	}

	return &FinishResult{Status: StatusAppended, Version: version}, nil
}

func (s *SQLiteStore) Acquire(ctx context.Context, sessionID, requestID string, ttl time.Duration) (LockResult, error) {
	if sessionID == "" || requestID == "" {
		return LockResult{}, &ValidationError{Field: "lock owner"}
	}

	now := s.now()
	expires := now.Add(ttl)

	// the conflict branch only fires for an expired row
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_locks (session_id, owner_request_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			owner_request_id = excluded.owner_request_id,
			expires_at = excluded.expires_at
		WHERE session_locks.expires_at <= ?`,
		sessionID, requestID, expires.UnixNano(), now.UnixNano())
	if err != nil {
		return LockResult{}, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return LockResult{
			Acquired: true,
			Lock:     Lock{SessionID: sessionID, OwnerRequestID: requestID, ExpiresAt: expires},
		}, nil
	}

	var holder Lock
	var expiresAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT session_id, owner_request_id, expires_at FROM session_locks WHERE session_id = ?`, sessionID).
		Scan(&holder.SessionID, &holder.OwnerRequestID, &expiresAt)
	if err != nil {
		return LockResult{}, fmt.Errorf("failed to read lock holder: %w", err)
	}
	holder.ExpiresAt = time.Unix(0, expiresAt)
	return LockResult{Acquired: false, Lock: holder}, nil
}

func (s *SQLiteStore) Release(ctx context.Context, sessionID, requestID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_locks WHERE session_id = ? AND owner_request_id = ?`, sessionID, requestID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReapExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_locks WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to reap locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func currentVersion(ctx context.Context, q queryer, sessionID string) (int64, bool, error) {
	var version int64
	err := q.QueryRowContext(ctx, `SELECT version FROM sessions WHERE id = ?`, sessionID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read version: %w", err)
	}
	return version, true, nil
}

// bumpVersion is the compare-and-set on the session version
func bumpVersion(ctx context.Context, tx *sql.Tx, sessionID string, expected, now int64) (int64, bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		now, sessionID, expected)
	if err != nil {
		return 0, false, fmt.Errorf("failed to bump version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, _, err := currentVersion(ctx, tx, sessionID)
		return current, false, err
	}
	return expected + 1, true, nil
}

func conflictOrErr(version int64, err error) (*AppendResult, error) {
	if err != nil {
		return nil, err
	}
	return &AppendResult{Status: StatusConflict, Version: version}, nil
}

func loadMessages(ctx context.Context, q queryer, sessionID string) ([]Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_results, metadata, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		msg                      Message
		role                     string
		calls, results, metadata sql.NullString
		created                  int64
	)
	if err := row.Scan(&msg.ID, &role, &msg.Content, &calls, &results, &metadata, &created); err != nil {
		return nil, err
	}
	msg.Role = Role(role)
	msg.Timestamp = time.Unix(0, created)

	if err := decodeColumn(calls, &msg.ToolCalls); err != nil {
		return nil, fmt.Errorf("failed to decode tool calls: %w", err)
	}
	if err := decodeColumn(results, &msg.ToolResults); err != nil {
		return nil, fmt.Errorf("failed to decode tool results: %w", err)
	}
	if err := decodeColumn(metadata, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &msg, nil
}

func decodeColumn(col sql.NullString, dst interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func loadTurn(ctx context.Context, tx *sql.Tx, sessionID, requestID string) (*Message, string, int64, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, role, content, tool_calls, tool_results, metadata, created_at, status, turn_version
		FROM messages WHERE session_id = ? AND request_id = ?
		ORDER BY status = ? DESC, turn_version DESC LIMIT 1`, sessionID, requestID, TurnStreaming)

	var (
		msg                      Message
		role                     string
		calls, results, metadata sql.NullString
		created, turnVersion     int64
		status                   string
	)
	err := row.Scan(&msg.ID, &role, &msg.Content, &calls, &results, &metadata, &created, &status, &turnVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", 0, ErrTurnNotFound
	}
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to load turn: %w", err)
	}
	msg.Role = Role(role)
	msg.Timestamp = time.Unix(0, created)
	if err := decodeColumn(calls, &msg.ToolCalls); err != nil {
		return nil, "", 0, err
	}
	if err := decodeColumn(results, &msg.ToolResults); err != nil {
		return nil, "", 0, err
	}
	if err := decodeColumn(metadata, &msg.Metadata); err != nil {
		return nil, "", 0, err
	}
	return &msg, status, turnVersion, nil
}

// saveTurn rewrites the turn row. An empty status keeps the stored one.
func saveTurn(ctx context.Context, tx *sql.Tx, sessionID string, msg *Message, status string) error {
	calls, err := encodeColumn(msg.ToolCalls)
	if err != nil {
		return err
	}
	results, err := encodeColumn(msg.ToolResults)
	if err != nil {
		return err
	}
	meta, err := encodeColumn(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET content = ?, tool_calls = ?, tool_results = ?, metadata = ?,
			status = COALESCE(NULLIF(?, ''), status)
		WHERE session_id = ? AND id = ?`,
		msg.Content, calls, results, meta, status, sessionID, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

func encodeColumn(v interface{}) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
