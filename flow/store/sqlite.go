package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/peterwidmer/ProtonFlow/flow"
)

// OpenSQLite opens (creating if absent) a SQLite database at path, enables
// WAL mode, and creates the process/instance/job/record schema. It returns
// one ProcessStore, one InstanceStore, one JobStore, and one RecordStore
// sharing the connection; Close on any of them closes the shared
// connection.
//
// Designed for:
//   - Development and single-process embeddings
//   - Durable job coordination on a single host
//   - Prototyping before migrating to MySQL for multi-host deployments
//
// SQLite supports exactly one writer at a time, so the pool is capped at a
// single connection and every mutation is serialized through it; WAL mode
// still lets an external reader (e.g. an inspection tool opening the same
// file read-only) proceed without blocking.
func OpenSQLite(path string) (*SQLiteProcessStore, *SQLiteInstanceStore, *SQLiteJobStore, *SQLiteRecordStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, fmt.Errorf("store: set %q: %w", pragma, err)
		}
	}

	if err := createSQLiteTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, nil, nil, fmt.Errorf("store: create tables: %w", err)
	}

	shared := &sqliteDB{db: db}
	return &SQLiteProcessStore{shared}, &SQLiteInstanceStore{shared}, &SQLiteJobStore{shared}, &SQLiteRecordStore{shared}, nil
}

// sqliteDB is the connection and write-mutex shared by the four SQLite
// store types returned from OpenSQLite.
type sqliteDB struct {
	db *sql.DB
	mu sync.Mutex
}

// Close releases the shared database connection. Call it on any one of
// the four stores returned from OpenSQLite.
func (s *sqliteDB) Close() error { return s.db.Close() }

func createSQLiteTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_definitions (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			source TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			is_latest INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(key, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_definitions_key_latest ON process_definitions(key, is_latest)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			process_definition_id TEXT NOT NULL,
			process_key TEXT NOT NULL,
			variables TEXT NOT NULL,
			active_tokens TEXT NOT NULL,
			join_waits TEXT NOT NULL,
			status TEXT NOT NULL,
			concurrency_token TEXT NOT NULL,
			record_seq INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_process_key ON instances(process_key)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			process_instance_id TEXT NOT NULL,
			run_at TIMESTAMP,
			owner_id TEXT NOT NULL DEFAULT '',
			locked_until TIMESTAMP,
			attempt INTEGER NOT NULL DEFAULT 0,
			concurrency_token TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON jobs(locked_until, run_at)`,
		`CREATE TABLE IF NOT EXISTS step_execution_records (
			instance_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			process_definition_id TEXT NOT NULL,
			process_key TEXT NOT NULL,
			element_id TEXT NOT NULL,
			element_type TEXT NOT NULL,
			start_utc TIMESTAMP NOT NULL,
			end_utc TIMESTAMP,
			duration_ms INTEGER,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (instance_id, sequence)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SQLiteProcessStore is the SQLite-backed ProcessStore returned by
// OpenSQLite.
type SQLiteProcessStore struct {
	shared *sqliteDB
}

// Close releases the underlying database connection.
func (s *SQLiteProcessStore) Close() error { return s.shared.Close() }

// Save inserts a new version of def, clearing the previous latest flag for
// its key inside one transaction. If the new source hashes identically to
// the current latest version, the existing row is returned unchanged.
func (s *SQLiteProcessStore) Save(ctx context.Context, def *flow.ProcessDefinition) (*flow.ProcessDefinition, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	tx, err := s.shared.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latestVersion int
	var latestHash, latestID string
	err = tx.QueryRowContext(ctx,
		`SELECT id, version, content_hash FROM process_definitions WHERE key = ? AND is_latest = 1`,
		def.Key,
	).Scan(&latestID, &latestVersion, &latestHash)

	switch {
	case err == sql.ErrNoRows:
		def.Version = 1
	case err != nil:
		return nil, fmt.Errorf("store: query latest: %w", err)
	case latestHash == def.ContentHash:
		existing, loadErr := loadDefinitionRow(ctx, tx, latestID)
		if loadErr != nil {
			return nil, loadErr
		}
		return existing, tx.Commit()
	default:
		def.Version = latestVersion + 1
		if _, err := tx.ExecContext(ctx, `UPDATE process_definitions SET is_latest = 0 WHERE key = ?`, def.Key); err != nil {
			return nil, fmt.Errorf("store: clear latest flag: %w", err)
		}
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO process_definitions (id, key, name, version, source, content_hash, is_latest)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		def.ID, def.Key, def.Name, def.Version, def.Source, def.ContentHash,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert definition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}

	saved, err := flow.Parse(def.ID, def.Source)
	if err != nil {
		return nil, err
	}
	saved.Name = def.Name
	saved.Version = def.Version
	return saved, nil
}

func (s *SQLiteProcessStore) GetByKey(ctx context.Context, key string) (*flow.ProcessDefinition, error) {
	row := s.shared.db.QueryRowContext(ctx,
		`SELECT id, name, version, source FROM process_definitions WHERE key = ? AND is_latest = 1`, key)
	return scanDefinition(row)
}

func (s *SQLiteProcessStore) GetByID(ctx context.Context, id string) (*flow.ProcessDefinition, error) {
	row := s.shared.db.QueryRowContext(ctx,
		`SELECT id, name, version, source FROM process_definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

func (s *SQLiteProcessStore) GetAll(ctx context.Context) ([]*flow.ProcessDefinition, error) {
	rows, err := s.shared.db.QueryContext(ctx, `SELECT id, name, version, source FROM process_definitions`)
	if err != nil {
		return nil, fmt.Errorf("store: query all: %w", err)
	}
	defer rows.Close()

	var out []*flow.ProcessDefinition
	for rows.Next() {
		var id, name, source string
		var version int
		if err := rows.Scan(&id, &name, &version, &source); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		def, err := flow.Parse(id, source)
		if err != nil {
			return nil, err
		}
		def.Name = name
		def.Version = version
		out = append(out, def)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*flow.ProcessDefinition, error) {
	var id, name, source string
	var version int
	if err := row.Scan(&id, &name, &version, &source); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan: %w", err)
	}
	def, err := flow.Parse(id, source)
	if err != nil {
		return nil, err
	}
	def.Name = name
	def.Version = version
	return def, nil
}

func loadDefinitionRow(ctx context.Context, tx *sql.Tx, id string) (*flow.ProcessDefinition, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, name, version, source FROM process_definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

// SQLiteInstanceStore is the SQLite-backed InstanceStore returned by
// OpenSQLite.
type SQLiteInstanceStore struct {
	shared *sqliteDB
}

// Close releases the underlying database connection.
func (s *SQLiteInstanceStore) Close() error { return s.shared.Close() }

// Save upserts inst, enforcing optimistic concurrency: when a row already
// exists for inst.ID and inst.ConcurrencyToken is non-empty, the stored
// concurrency token must match it or the write is rejected with
// flow.ErrConcurrencyConflict. An empty token skips the check.
func (s *SQLiteInstanceStore) Save(ctx context.Context, inst *flow.Instance) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	tx, err := s.shared.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentToken string
	err = tx.QueryRowContext(ctx, `SELECT concurrency_token FROM instances WHERE id = ?`, inst.ID).Scan(&currentToken)

	exists := err != sql.ErrNoRows
	if err != nil && exists {
		return fmt.Errorf("store: query instance: %w", err)
	}
	if exists && inst.ConcurrencyToken != "" && currentToken != inst.ConcurrencyToken {
		return flow.ErrConcurrencyConflict
	}

	varsJSON, err := marshalJSON(inst.Variables)
	if err != nil {
		return fmt.Errorf("store: marshal variables: %w", err)
	}
	tokensJSON, err := marshalJSON(inst.ActiveTokens)
	if err != nil {
		return fmt.Errorf("store: marshal active tokens: %w", err)
	}
	waitsJSON, err := marshalJSON(inst.ParallelJoinWaits)
	if err != nil {
		return fmt.Errorf("store: marshal join waits: %w", err)
	}

	newToken := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (id, process_definition_id, process_key, variables, active_tokens, join_waits, status, concurrency_token, record_seq, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
			variables = excluded.variables,
			active_tokens = excluded.active_tokens,
			join_waits = excluded.join_waits,
			status = excluded.status,
			concurrency_token = excluded.concurrency_token,
			record_seq = excluded.record_seq,
			updated_at = CURRENT_TIMESTAMP`,
		inst.ID, inst.ProcessDefinitionID, inst.ProcessKey, varsJSON, tokensJSON, waitsJSON, string(inst.Status), newToken, inst.RecordSeq,
	)
	if err != nil {
		return fmt.Errorf("store: upsert instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	inst.ConcurrencyToken = newToken
	return nil
}

func (s *SQLiteInstanceStore) GetByID(ctx context.Context, id string) (*flow.Instance, error) {
	row := s.shared.db.QueryRowContext(ctx,
		`SELECT id, process_definition_id, process_key, variables, active_tokens, join_waits, status, concurrency_token, record_seq
		 FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

func (s *SQLiteInstanceStore) GetByProcessKey(ctx context.Context, key string) ([]*flow.Instance, error) {
	rows, err := s.shared.db.QueryContext(ctx,
		`SELECT id, process_definition_id, process_key, variables, active_tokens, join_waits, status, concurrency_token, record_seq
		 FROM instances WHERE process_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("store: query by process key: %w", err)
	}
	defer rows.Close()

	var out []*flow.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*flow.Instance, error) {
	var id, defID, key, varsJSON, tokensJSON, waitsJSON, status, token string
	var recordSeq int
	if err := row.Scan(&id, &defID, &key, &varsJSON, &tokensJSON, &waitsJSON, &status, &token, &recordSeq); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan instance: %w", err)
	}

	inst := &flow.Instance{
		ID:                  id,
		ProcessDefinitionID: defID,
		ProcessKey:          key,
		Status:              flow.Status(status),
		ConcurrencyToken:    token,
		RecordSeq:           recordSeq,
		Variables:           map[string]any{},
		ActiveTokens:        map[string]struct{}{},
		ParallelJoinWaits:   map[string]int{},
	}
	if err := unmarshalJSON(varsJSON, &inst.Variables); err != nil {
		return nil, fmt.Errorf("store: unmarshal variables: %w", err)
	}
	if err := unmarshalJSON(tokensJSON, &inst.ActiveTokens); err != nil {
		return nil, fmt.Errorf("store: unmarshal active tokens: %w", err)
	}
	if err := unmarshalJSON(waitsJSON, &inst.ParallelJoinWaits); err != nil {
		return nil, fmt.Errorf("store: unmarshal join waits: %w", err)
	}
	inst.IsCompleted = inst.Status == flow.StatusCompleted || inst.Status == flow.StatusCancelled || inst.Status == flow.StatusFailed
	return inst, nil
}

// SQLiteJobStore is the SQLite-backed JobStore returned by OpenSQLite.
type SQLiteJobStore struct {
	shared *sqliteDB
}

// Close releases the underlying database connection.
func (s *SQLiteJobStore) Close() error { return s.shared.Close() }

func (s *SQLiteJobStore) Enqueue(ctx context.Context, job *Job) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Attempt = 0
	job.ConcurrencyToken = uuid.NewString()

	_, err := s.shared.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, process_instance_id, run_at, owner_id, locked_until, attempt, concurrency_token)
		 VALUES (?, ?, ?, ?, '', NULL, 0, ?)`,
		job.ID, job.Type, job.ProcessInstanceID, job.RunAt, job.ConcurrencyToken,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue job: %w", err)
	}
	return nil
}

// ClaimNext runs its select and claiming update inside one transaction
// while holding the shared write mutex over the single pooled connection,
// and guards the update on the concurrency token it read; a changed token
// yields no claim.
func (s *SQLiteJobStore) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	tx, err := s.shared.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	row := tx.QueryRowContext(ctx,
		`SELECT id, type, process_instance_id, run_at, attempt, concurrency_token
		 FROM jobs
		 WHERE (run_at IS NULL OR run_at <= ?)
		   AND (locked_until IS NULL OR locked_until < ?)
		 ORDER BY (run_at IS NULL) DESC, run_at ASC
		 LIMIT 1`,
		now, now,
	)

	var job Job
	var runAt sql.NullTime
	var readToken string
	if err := row.Scan(&job.ID, &job.Type, &job.ProcessInstanceID, &runAt, &job.Attempt, &readToken); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan claimable job: %w", err)
	}
	if runAt.Valid {
		job.RunAt = &runAt.Time
	}

	lockedUntil := now.Add(lease)
	job.OwnerID = workerID
	job.LockedUntil = &lockedUntil
	job.Attempt++
	job.ConcurrencyToken = uuid.NewString()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET owner_id = ?, locked_until = ?, attempt = ?, concurrency_token = ? WHERE id = ? AND concurrency_token = ?`,
		job.OwnerID, job.LockedUntil, job.Attempt, job.ConcurrencyToken, job.ID, readToken,
	)
	if err != nil {
		return nil, fmt.Errorf("store: claim job: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: claim job: %w", err)
	}
	if claimed == 0 {
		// The row's token changed since it was read: another claim won.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit claim: %w", err)
	}
	return &job, nil
}

func (s *SQLiteJobStore) Complete(ctx context.Context, jobID string, workerID string) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	_, err := s.shared.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND owner_id = ?`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("store: complete job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.shared.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count pending jobs: %w", err)
	}
	return n, nil
}

// SQLiteRecordStore is the SQLite-backed flow.RecordStore returned by
// OpenSQLite. Unlike the other stores its methods take no context, matching
// the flow.RecordStore interface; they use a background context internally.
type SQLiteRecordStore struct {
	shared *sqliteDB
}

// Close releases the underlying database connection.
func (s *SQLiteRecordStore) Close() error { return s.shared.Close() }

func (s *SQLiteRecordStore) Append(record flow.StepExecutionRecord) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	_, err := s.shared.db.ExecContext(context.Background(),
		`INSERT INTO step_execution_records
			(instance_id, sequence, process_definition_id, process_key, element_id, element_type, start_utc, end_utc, duration_ms, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.InstanceID, record.Sequence, record.ProcessDefinitionID, record.ProcessKey,
		record.ElementID, record.ElementType, record.StartUtc, record.EndUtc, record.DurationMs,
		record.Status, record.Error,
	)
	if err != nil {
		return fmt.Errorf("store: append record: %w", err)
	}
	return nil
}

func (s *SQLiteRecordStore) ListByInstance(instanceID string) ([]flow.StepExecutionRecord, error) {
	rows, err := s.shared.db.QueryContext(context.Background(),
		`SELECT instance_id, sequence, process_definition_id, process_key, element_id, element_type, start_utc, end_utc, duration_ms, status, error
		 FROM step_execution_records WHERE instance_id = ? ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	defer rows.Close()

	var out []flow.StepExecutionRecord
	for rows.Next() {
		var r flow.StepExecutionRecord
		var endUtc sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&r.InstanceID, &r.Sequence, &r.ProcessDefinitionID, &r.ProcessKey,
			&r.ElementID, &r.ElementType, &r.StartUtc, &endUtc, &durationMs, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		if endUtc.Valid {
			r.EndUtc = &endUtc.Time
		}
		if durationMs.Valid {
			r.DurationMs = &durationMs.Int64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
