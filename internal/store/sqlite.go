package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const statementTimeout = 30 * time.Second

// ErrNotFound marks lookups and updates addressing a build id that does not
// exist.
var ErrNotFound = errors.New("build not found")

// SQLiteStore implements build persistence on SQLite. Use ":memory:" for an
// in-memory database, or a file path for persistent storage.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent builds.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		phase INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		loop_count INTEGER NOT NULL DEFAULT 0,
		completed_phases INTEGER NOT NULL DEFAULT 0,
		target_kind TEXT NOT NULL,
		target_ref TEXT NOT NULL,
		working_dir TEXT NOT NULL,
		contract_batch TEXT,
		owner_pid INTEGER NOT NULL DEFAULT 0,
		phases BLOB,
		gate_kind TEXT,
		gate_payload BLOB,
		gate_registered_at INTEGER,
		paused_at INTEGER,
		error_detail TEXT,
		conversation BLOB,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);
	CREATE INDEX IF NOT EXISTS idx_builds_project ON builds(project_id);

	CREATE TABLE IF NOT EXISTS build_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		source TEXT NOT NULL,
		level TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		payload BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_logs_build_ts ON build_logs(build_id, ts);

	CREATE TABLE IF NOT EXISTS build_costs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		phase INTEGER NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		usd REAL NOT NULL,
		note TEXT,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_costs_build ON build_costs(build_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, statementTimeout)
}

// Create inserts a new build row. CreatedAt/UpdatedAt are set here.
func (s *SQLiteStore) Create(ctx context.Context, b *Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (id, project_id, user_id, phase, status, loop_count,
			completed_phases, target_kind, target_ref, working_dir, contract_batch,
			owner_pid, phases, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.UserID, b.Phase, b.Status, b.LoopCount,
		b.CompletedPhases, b.TargetKind, b.TargetRef, b.WorkingDir, b.ContractBatch,
		b.OwnerPID, b.Phases, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

// UpdateStatus transitions a build's status. completed_at is set exactly when
// the status is terminal, and cleared otherwise.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	var (
		res sql.Result
		err error
	)
	if status.Terminal() {
		// A terminal row has no pending gate; clear the await state with the
		// status so cancelled and failed builds never read as paused.
		res, err = s.db.ExecContext(ctx, `
		UPDATE builds SET status = ?, error_detail = ?, updated_at = ?, completed_at = ?,
			gate_kind = NULL, gate_payload = NULL, gate_registered_at = NULL, paused_at = NULL
		WHERE id = ?`,
			status, errorDetail, now, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
		UPDATE builds SET status = ?, error_detail = ?, updated_at = ?, completed_at = NULL
		WHERE id = ?`,
			status, errorDetail, now, id)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res, id)
}

// SetPhase records phase progress. completed_phases only ever moves forward.
func (s *SQLiteStore) SetPhase(ctx context.Context, id string, phase, loopCount, completedPhases int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET phase = ?, loop_count = ?,
			completed_phases = MAX(completed_phases, ?), updated_at = ?
		WHERE id = ?`,
		phase, loopCount, completedPhases, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set phase: %w", err)
	}
	return requireRow(res, id)
}

// SetGate pauses the build: status, gate and pause timestamp move together in
// one statement so a crash cannot leave a paused build without its gate.
func (s *SQLiteStore) SetGate(ctx context.Context, id string, gate PendingGate, conversation []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	if gate.RegisteredAt.IsZero() {
		gate.RegisteredAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = ?, gate_kind = ?, gate_payload = ?,
			gate_registered_at = ?, paused_at = ?, conversation = ?, updated_at = ?
		WHERE id = ?`,
		StatusPaused, gate.Kind, []byte(gate.Payload),
		gate.RegisteredAt.UnixMilli(), now.UnixMilli(), conversation, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set gate: %w", err)
	}
	return requireRow(res, id)
}

// ClearGate removes gate state and returns the build to running.
func (s *SQLiteStore) ClearGate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = ?, gate_kind = NULL, gate_payload = NULL,
			gate_registered_at = NULL, paused_at = NULL, updated_at = ?
		WHERE id = ?`,
		StatusRunning, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("clear gate: %w", err)
	}
	return requireRow(res, id)
}

// SaveConversation snapshots the conversation tail outside of a pause.
func (s *SQLiteStore) SaveConversation(ctx context.Context, id string, conversation []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET conversation = ?, updated_at = ? WHERE id = ?`,
		conversation, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return requireRow(res, id)
}

// Get loads one build.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, phase, status, loop_count, completed_phases,
			target_kind, target_ref, working_dir, contract_batch, owner_pid, phases,
			gate_kind, gate_payload, gate_registered_at, paused_at, error_detail,
			conversation, created_at, updated_at, completed_at
		FROM builds WHERE id = ?`, id)
	return scanBuild(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*Build, error) {
	var b Build
	var contractBatch, gateKind, errorDetail sql.NullString
	var gatePayload, conversation, phases []byte
	var gateAt, pausedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&b.ID, &b.ProjectID, &b.UserID, &b.Phase, &b.Status,
		&b.LoopCount, &b.CompletedPhases, &b.TargetKind, &b.TargetRef,
		&b.WorkingDir, &contractBatch, &b.OwnerPID, &phases, &gateKind, &gatePayload,
		&gateAt, &pausedAt, &errorDetail, &conversation, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan build: %w", err)
	}
	b.ContractBatch = contractBatch.String
	b.ErrorDetail = errorDetail.String
	b.Phases = phases
	b.Conversation = conversation
	b.CreatedAt = time.UnixMilli(createdAt)
	b.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		b.CompletedAt = &t
	}
	if pausedAt.Valid {
		t := time.UnixMilli(pausedAt.Int64)
		b.PausedAt = &t
	}
	if gateKind.Valid && gateKind.String != "" {
		g := &PendingGate{Kind: GateKind(gateKind.String), Payload: json.RawMessage(gatePayload)}
		if gateAt.Valid {
			g.RegisteredAt = time.UnixMilli(gateAt.Int64)
		}
		b.Gate = g
	}
	return &b, nil
}

// ListByStatus returns builds in the given status, oldest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, phase, status, loop_count, completed_phases,
			target_kind, target_ref, working_dir, contract_batch, owner_pid, phases,
			gate_kind, gate_payload, gate_registered_at, paused_at, error_detail,
			conversation, created_at, updated_at, completed_at
		FROM builds WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ActiveForProject reports whether the project already has a build that is
// pending, running, or paused.
func (s *SQLiteStore) ActiveForProject(ctx context.Context, projectID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM builds
		WHERE project_id = ? AND status IN (?, ?, ?)`,
		projectID, StatusPending, StatusRunning, StatusPaused).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count active builds: %w", err)
	}
	return n > 0, nil
}

// AppendLog appends one timeline row and returns it with ID and timestamp
// filled in.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry BuildLog) (BuildLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if entry.TS.IsZero() {
		entry.TS = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO build_logs (build_id, ts, source, level, kind, message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.BuildID, entry.TS.UnixMilli(), entry.Source, entry.Level,
		entry.Kind, entry.Message, []byte(entry.Payload))
	if err != nil {
		return entry, fmt.Errorf("append log: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return entry, nil
}

// ListLogs returns log rows for a build after the given timestamp, in append
// order, at most limit rows (0 means no limit).
func (s *SQLiteStore) ListLogs(ctx context.Context, buildID string, after time.Time, limit int) ([]BuildLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := `SELECT id, build_id, ts, source, level, kind, message, payload
		FROM build_logs WHERE build_id = ? AND ts > ? ORDER BY id`
	args := []any{buildID, after.UnixMilli()}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []BuildLog
	for rows.Next() {
		var l BuildLog
		var ts int64
		var payload []byte
		if err := rows.Scan(&l.ID, &l.BuildID, &ts, &l.Source, &l.Level, &l.Kind, &l.Message, &payload); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.TS = time.UnixMilli(ts)
		l.Payload = json.RawMessage(payload)
		out = append(out, l)
	}
	return out, rows.Err()
}

// AppendCost appends one ledger row.
func (s *SQLiteStore) AppendCost(ctx context.Context, c BuildCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if c.TS.IsZero() {
		c.TS = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_costs (build_id, phase, model, input_tokens, output_tokens, usd, note, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.BuildID, c.Phase, c.Model, c.InputTokens, c.OutputTokens, c.USD, c.Note, c.TS.UnixMilli())
	if err != nil {
		return fmt.Errorf("append cost: %w", err)
	}
	return nil
}

// ListCosts returns a build's ledger rows in append order.
func (s *SQLiteStore) ListCosts(ctx context.Context, buildID string) ([]BuildCost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, build_id, phase, model, input_tokens, output_tokens, usd, note, ts
		FROM build_costs WHERE build_id = ? ORDER BY id`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query costs: %w", err)
	}
	defer rows.Close()

	var out []BuildCost
	for rows.Next() {
		var c BuildCost
		var ts int64
		var note sql.NullString
		if err := rows.Scan(&c.ID, &c.BuildID, &c.Phase, &c.Model, &c.InputTokens,
			&c.OutputTokens, &c.USD, &note, &ts); err != nil {
			return nil, fmt.Errorf("scan cost: %w", err)
		}
		c.Note = note.String
		c.TS = time.UnixMilli(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TotalCostUSD sums the ledger for one build.
func (s *SQLiteStore) TotalCostUSD(ctx context.Context, buildID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(usd) FROM build_costs WHERE build_id = ?`, buildID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum costs: %w", err)
	}
	return total.Float64, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	return nil
}
