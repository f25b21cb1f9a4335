package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/agentloop/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(databaseURL string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases live per connection, so keep a single one.
	if strings.Contains(databaseURL, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			input TEXT NOT NULL,
			state TEXT NOT NULL,
			done_status TEXT,
			iterations INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			error TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			UNIQUE(session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			tool_call_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			risk_level TEXT NOT NULL DEFAULT 'none',
			status TEXT NOT NULL DEFAULT 'pending',
			args TEXT,
			result TEXT,
			error TEXT,
			confirmation_id TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS confirmations (
			confirmation_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			remember INTEGER NOT NULL DEFAULT 0,
			feedback TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 300000,
			created_at DATETIME NOT NULL,
			decided_at DATETIME,
			decided_by TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmations_session ON confirmations(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmations_status ON confirmations(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS memory_documents (
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, name),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `INSERT INTO sessions (session_id, user_id, created_at, metadata) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.UserID, session.CreatedAt, nullStringBytes(session.Metadata))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil if not found.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT session_id, user_id, created_at, metadata FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var session domain.Session
	var metadata sql.NullString
	err := row.Scan(&session.SessionID, &session.UserID, &session.CreatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if metadata.Valid {
		session.Metadata = json.RawMessage(metadata.String)
	}
	return &session, nil
}

// GetOrCreateSession returns the session with the given ID, creating it if needed.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	session = &domain.Session{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	if err := s.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CreateMessage inserts a new message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	query := `INSERT INTO messages (message_id, session_id, run_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		message.MessageID, message.SessionID, nullString(message.RunID),
		message.Role, message.Content, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// GetRecentMessages returns the most recent messages for a session in chronological order.
func (s *SQLiteStore) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, session_id, run_id, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at DESC, message_id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &runID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.RunID = runID.String
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	query := `INSERT INTO runs (run_id, session_id, input, state, done_status, iterations, tokens_used, started_at, ended_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.RunID, run.SessionID, run.Input, string(run.State), nullString(string(run.DoneStatus)),
		run.Iterations, run.TokensUsed, run.StartedAt, run.EndedAt, nullStringBytes(run.Error))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if not found.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	query := `SELECT run_id, session_id, input, state, done_status, iterations, tokens_used, started_at, ended_at, error
		FROM runs WHERE run_id = ?`
	row := s.db.QueryRowContext(ctx, query, runID)

	var run domain.Run
	var doneStatus, errData sql.NullString
	var endedAt sql.NullTime
	err := row.Scan(&run.RunID, &run.SessionID, &run.Input, &run.State, &doneStatus,
		&run.Iterations, &run.TokensUsed, &run.StartedAt, &endedAt, &errData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.DoneStatus = domain.DoneStatus(doneStatus.String)
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if errData.Valid {
		run.Error = json.RawMessage(errData.String)
	}
	return &run, nil
}

// UpdateRunState updates the state of a run.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, state domain.AgentState) error {
	query := `UPDATE runs SET state = ? WHERE run_id = ?`
	_, err := s.db.ExecContext(ctx, query, string(state), runID)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

// UpdateRunProgress updates the iteration and token counters of a run.
func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, iterations, tokensUsed int) error {
	query := `UPDATE runs SET iterations = ?, tokens_used = ? WHERE run_id = ?`
	_, err := s.db.ExecContext(ctx, query, iterations, tokensUsed, runID)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// UpdateRunCompleted marks a run as finished with its terminal state.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, state domain.AgentState, doneStatus domain.DoneStatus, iterations, tokensUsed int, errData []byte) error {
	query := `UPDATE runs SET state = ?, done_status = ?, iterations = ?, tokens_used = ?, ended_at = ?, error = ?
		WHERE run_id = ? AND ended_at IS NULL`
	_, err := s.db.ExecContext(ctx, query,
		string(state), string(doneStatus), iterations, tokensUsed, time.Now(), nullStringBytes(errData), runID)
	if err != nil {
		return fmt.Errorf("failed to update run completion: %w", err)
	}
	return nil
}

// CreateEvent inserts a new event. The UNIQUE(session_id, seq) constraint
// rejects duplicate sequence numbers within a session.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	query := `INSERT INTO events (event_id, session_id, run_id, seq, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		event.EventID, event.SessionID, event.RunID, event.Seq, event.Ts,
		string(event.Type), nullStringBytes(event.Payload))
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// GetEvents returns events for a session with seq greater than afterSeq,
// optionally filtered by type, in ascending seq order.
func (s *SQLiteStore) GetEvents(ctx context.Context, sessionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, session_id, run_id, seq, ts, type, payload FROM events WHERE session_id = ? AND seq > ?`
	args := []interface{}{sessionID, afterSeq}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` AND type IN (` + strings.Join(placeholders, ", ") + `)`
	}

	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.SessionID, &event.RunID, &event.Seq, &event.Ts, &event.Type, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MaxEventSeq returns the highest sequence number recorded for a session, or 0.
func (s *SQLiteStore) MaxEventSeq(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`
	var maxSeq int64
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("failed to get max event seq: %w", err)
	}
	return maxSeq, nil
}

// CreateToolCall inserts a new tool call.
func (s *SQLiteStore) CreateToolCall(ctx context.Context, toolCall *domain.ToolCall) error {
	query := `INSERT INTO tool_calls (tool_call_id, run_id, session_id, tool_name, risk_level, status, args, result, error, confirmation_id, duration_ms, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		toolCall.ToolCallID, toolCall.RunID, toolCall.SessionID, toolCall.ToolName,
		string(toolCall.RiskLevel), string(toolCall.Status),
		nullStringBytes(toolCall.Args), nullStringBytes(toolCall.Result), nullStringBytes(toolCall.Error),
		nullString(toolCall.ConfirmationID), toolCall.DurationMs, toolCall.CreatedAt, toolCall.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create tool call: %w", err)
	}
	return nil
}

// GetToolCall retrieves a tool call by ID. Returns nil if not found.
func (s *SQLiteStore) GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error) {
	query := `SELECT tool_call_id, run_id, session_id, tool_name, risk_level, status, args, result, error, confirmation_id, duration_ms, created_at, completed_at
		FROM tool_calls WHERE tool_call_id = ?`
	row := s.db.QueryRowContext(ctx, query, toolCallID)

	var tc domain.ToolCall
	var args, result, errData, confirmationID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&tc.ToolCallID, &tc.RunID, &tc.SessionID, &tc.ToolName, &tc.RiskLevel, &tc.Status,
		&args, &result, &errData, &confirmationID, &tc.DurationMs, &tc.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool call: %w", err)
	}
	if args.Valid {
		tc.Args = json.RawMessage(args.String)
	}
	if result.Valid {
		tc.Result = json.RawMessage(result.String)
	}
	if errData.Valid {
		tc.Error = json.RawMessage(errData.String)
	}
	tc.ConfirmationID = confirmationID.String
	if completedAt.Valid {
		tc.CompletedAt = &completedAt.Time
	}
	return &tc, nil
}

// UpdateToolCallStatus updates the status of a tool call that has not yet
// completed. Returns true if a row was updated.
func (s *SQLiteStore) UpdateToolCallStatus(ctx context.Context, toolCallID string, status domain.ToolCallStatus) (bool, error) {
	query := `UPDATE tool_calls SET status = ? WHERE tool_call_id = ? AND completed_at IS NULL`
	res, err := s.db.ExecContext(ctx, query, string(status), toolCallID)
	if err != nil {
		return false, fmt.Errorf("failed to update tool call status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateToolCallResult records the terminal outcome of a tool call. The
// completed_at guard makes the first write win and later writes no-ops.
// Returns true if a row was updated.
func (s *SQLiteStore) UpdateToolCallResult(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result, errData []byte, durationMs int64) (bool, error) {
	query := `UPDATE tool_calls SET status = ?, result = ?, error = ?, duration_ms = ?, completed_at = ?
		WHERE tool_call_id = ? AND completed_at IS NULL`
	res, err := s.db.ExecContext(ctx, query,
		string(status), nullStringBytes(result), nullStringBytes(errData), durationMs, time.Now(), toolCallID)
	if err != nil {
		return false, fmt.Errorf("failed to update tool call result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetToolCallConfirmation links a pending tool call to its confirmation.
// Returns true if a row was updated.
func (s *SQLiteStore) SetToolCallConfirmation(ctx context.Context, toolCallID, confirmationID string) (bool, error) {
	query := `UPDATE tool_calls SET confirmation_id = ? WHERE tool_call_id = ? AND completed_at IS NULL`
	res, err := s.db.ExecContext(ctx, query, confirmationID, toolCallID)
	if err != nil {
		return false, fmt.Errorf("failed to set tool call confirmation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CreateConfirmation inserts a new confirmation.
func (s *SQLiteStore) CreateConfirmation(ctx context.Context, confirmation *domain.Confirmation) error {
	query := `INSERT INTO confirmations (confirmation_id, session_id, run_id, tool_call_id, tool_name, risk_level, description, status, remember, feedback, timeout_ms, created_at, decided_at, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		confirmation.ConfirmationID, confirmation.SessionID, confirmation.RunID, confirmation.ToolCallID,
		confirmation.ToolName, string(confirmation.RiskLevel), confirmation.Description,
		string(confirmation.Status), confirmation.Remember, nullString(confirmation.Feedback),
		confirmation.TimeoutMs, confirmation.CreatedAt, confirmation.DecidedAt, nullString(confirmation.DecidedBy))
	if err != nil {
		return fmt.Errorf("failed to create confirmation: %w", err)
	}
	return nil
}

// GetConfirmation retrieves a confirmation by ID. Returns nil if not found.
func (s *SQLiteStore) GetConfirmation(ctx context.Context, confirmationID string) (*domain.Confirmation, error) {
	query := `SELECT confirmation_id, session_id, run_id, tool_call_id, tool_name, risk_level, description, status, remember, feedback, timeout_ms, created_at, decided_at, decided_by
		FROM confirmations WHERE confirmation_id = ?`
	return s.scanConfirmation(s.db.QueryRowContext(ctx, query, confirmationID))
}

// GetPendingConfirmationBySession returns the pending confirmation for a
// session, or nil. A session holds at most one at a time.
func (s *SQLiteStore) GetPendingConfirmationBySession(ctx context.Context, sessionID string) (*domain.Confirmation, error) {
	query := `SELECT confirmation_id, session_id, run_id, tool_call_id, tool_name, risk_level, description, status, remember, feedback, timeout_ms, created_at, decided_at, decided_by
		FROM confirmations WHERE session_id = ? AND status = 'pending' ORDER BY created_at DESC LIMIT 1`
	return s.scanConfirmation(s.db.QueryRowContext(ctx, query, sessionID))
}

func (s *SQLiteStore) scanConfirmation(row *sql.Row) (*domain.Confirmation, error) {
	var cf domain.Confirmation
	var description, feedback, decidedBy sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(&cf.ConfirmationID, &cf.SessionID, &cf.RunID, &cf.ToolCallID, &cf.ToolName,
		&cf.RiskLevel, &description, &cf.Status, &cf.Remember, &feedback, &cf.TimeoutMs,
		&cf.CreatedAt, &decidedAt, &decidedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}
	cf.Description = description.String
	cf.Feedback = feedback.String
	cf.DecidedBy = decidedBy.String
	if decidedAt.Valid {
		cf.DecidedAt = &decidedAt.Time
	}
	return &cf, nil
}

// DecideConfirmationIfPending records a decision on a pending confirmation.
// Returns true if this call made the decision, false if one was already made.
func (s *SQLiteStore) DecideConfirmationIfPending(ctx context.Context, confirmationID string, status domain.ConfirmationStatus, remember bool, feedback, decidedBy string) (bool, error) {
	query := `UPDATE confirmations SET status = ?, remember = ?, feedback = ?, decided_at = ?, decided_by = ?
		WHERE confirmation_id = ? AND status = 'pending'`
	res, err := s.db.ExecContext(ctx, query,
		string(status), remember, nullString(feedback), time.Now(), nullString(decidedBy), confirmationID)
	if err != nil {
		return false, fmt.Errorf("failed to decide confirmation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ExpireConfirmationIfPending marks a confirmation as expired if still pending.
// Returns true if a row was updated.
func (s *SQLiteStore) ExpireConfirmationIfPending(ctx context.Context, confirmationID, reason string) (bool, error) {
	query := `UPDATE confirmations SET status = 'expired', feedback = ?, decided_at = ?
		WHERE confirmation_id = ? AND status = 'pending'`
	res, err := s.db.ExecContext(ctx, query, nullString(reason), time.Now(), confirmationID)
	if err != nil {
		return false, fmt.Errorf("failed to expire confirmation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListExpiredConfirmations returns pending confirmations older than their timeout.
func (s *SQLiteStore) ListExpiredConfirmations(ctx context.Context, limit int) ([]domain.Confirmation, error) {
	query := `SELECT confirmation_id, session_id, run_id, tool_call_id, tool_name, risk_level, description, status, remember, feedback, timeout_ms, created_at, decided_at, decided_by
		FROM confirmations
		WHERE status = 'pending'
		  AND (julianday('now') - julianday(created_at)) * 86400000.0 >= timeout_ms
		ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired confirmations: %w", err)
	}
	defer rows.Close()

	var confirmations []domain.Confirmation
	for rows.Next() {
		var cf domain.Confirmation
		var description, feedback, decidedBy sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&cf.ConfirmationID, &cf.SessionID, &cf.RunID, &cf.ToolCallID, &cf.ToolName,
			&cf.RiskLevel, &description, &cf.Status, &cf.Remember, &feedback, &cf.TimeoutMs,
			&cf.CreatedAt, &decidedAt, &decidedBy); err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		cf.Description = description.String
		cf.Feedback = feedback.String
		cf.DecidedBy = decidedBy.String
		if decidedAt.Valid {
			cf.DecidedAt = &decidedAt.Time
		}
		confirmations = append(confirmations, cf)
	}
	return confirmations, rows.Err()
}

// GetMemoryDocument retrieves a working memory document. Returns nil if not found.
func (s *SQLiteStore) GetMemoryDocument(ctx context.Context, sessionID, name string) (*domain.MemoryDocument, error) {
	query := `SELECT session_id, name, content, updated_at FROM memory_documents WHERE session_id = ? AND name = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID, name)

	var doc domain.MemoryDocument
	err := row.Scan(&doc.SessionID, &doc.Name, &doc.Content, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory document: %w", err)
	}
	return &doc, nil
}

// ReplaceMemoryDocument overwrites a working memory document in full.
func (s *SQLiteStore) ReplaceMemoryDocument(ctx context.Context, sessionID, name, content string) error {
	query := `INSERT INTO memory_documents (session_id, name, content, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, name) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, sessionID, name, content, time.Now())
	if err != nil {
		return fmt.Errorf("failed to replace memory document: %w", err)
	}
	return nil
}

// AppendMemoryDocument appends an entry as a new line of a working memory
// document, creating the document if needed. Existing content is never
// rewritten. Returns the document content after the append.
func (s *SQLiteStore) AppendMemoryDocument(ctx context.Context, sessionID, name, entry string) (string, error) {
	insert := `INSERT OR IGNORE INTO memory_documents (session_id, name, content, updated_at) VALUES (?, ?, '', ?)`
	if _, err := s.db.ExecContext(ctx, insert, sessionID, name, time.Now()); err != nil {
		return "", fmt.Errorf("failed to ensure memory document: %w", err)
	}

	update := `UPDATE memory_documents
		SET content = CASE WHEN content = '' THEN ? ELSE content || char(10) || ? END, updated_at = ?
		WHERE session_id = ? AND name = ?`
	if _, err := s.db.ExecContext(ctx, update, entry, entry, time.Now(), sessionID, name); err != nil {
		return "", fmt.Errorf("failed to append memory document: %w", err)
	}

	doc, err := s.GetMemoryDocument(ctx, sessionID, name)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", fmt.Errorf("memory document %s/%s missing after append", sessionID, name)
	}
	return doc.Content, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
