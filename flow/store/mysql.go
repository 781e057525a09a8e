package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/go-sql-driver/mysql"

	"github.com/peterwidmer/ProtonFlow/flow"
)

// OpenMySQL opens a connection pool against dsn, verifies it, and creates
// the process/instance/job schema. It returns one ProcessStore, one
// InstanceStore, and one JobStore sharing the pool; Close on any of them
// closes the shared pool.
//
// Designed for:
//   - Multi-host deployments where several worker processes share one
//     durable job queue
//   - Production workloads needing connection pooling and InnoDB row
//     locking for job claims
//
// The DSN format is the one github.com/go-sql-driver/mysql documents,
// e.g. "user:pass@tcp(127.0.0.1:3306)/protonflow?parseTime=true". Callers
// should read dsn from configuration, never hardcode credentials.
func OpenMySQL(dsn string) (*MySQLProcessStore, *MySQLInstanceStore, *MySQLJobStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("store: open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	if err := createMySQLTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("store: create tables: %w", err)
	}

	shared := &mysqlDB{db: db}
	return &MySQLProcessStore{shared}, &MySQLInstanceStore{shared}, &MySQLJobStore{shared}, nil
}

type mysqlDB struct {
	db *sql.DB
	mu sync.Mutex
}

func (s *mysqlDB) Close() error { return s.db.Close() }

func createMySQLTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_definitions (
			id VARCHAR(64) PRIMARY KEY,
			process_key VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			version INT NOT NULL,
			source MEDIUMTEXT NOT NULL,
			content_hash VARCHAR(64) NOT NULL,
			is_latest TINYINT NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY unique_key_version (process_key, version),
			INDEX idx_key_latest (process_key, is_latest)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS instances (
			id VARCHAR(64) PRIMARY KEY,
			process_definition_id VARCHAR(64) NOT NULL,
			process_key VARCHAR(255) NOT NULL,
			variables JSON NOT NULL,
			active_tokens JSON NOT NULL,
			join_waits JSON NOT NULL,
			status VARCHAR(32) NOT NULL,
			concurrency_token VARCHAR(64) NOT NULL,
			record_seq INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_process_key (process_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR(64) PRIMARY KEY,
			type VARCHAR(255) NOT NULL,
			process_instance_id VARCHAR(64) NOT NULL,
			run_at TIMESTAMP NULL,
			owner_id VARCHAR(255) NOT NULL DEFAULT '',
			locked_until TIMESTAMP NULL,
			attempt INT NOT NULL DEFAULT 0,
			concurrency_token VARCHAR(64) NOT NULL,
			INDEX idx_claimable (locked_until, run_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// MySQLProcessStore is the MySQL-backed ProcessStore returned by
// OpenMySQL.
type MySQLProcessStore struct {
	shared *mysqlDB
}

func (s *MySQLProcessStore) Close() error { return s.shared.Close() }

func (s *MySQLProcessStore) Save(ctx context.Context, def *flow.ProcessDefinition) (*flow.ProcessDefinition, error) {
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
		`SELECT id, version, content_hash FROM process_definitions WHERE process_key = ? AND is_latest = 1 FOR UPDATE`,
		def.Key,
	).Scan(&latestID, &latestVersion, &latestHash)

	switch {
	case err == sql.ErrNoRows:
		def.Version = 1
	case err != nil:
		return nil, fmt.Errorf("store: query latest: %w", err)
	case latestHash == def.ContentHash:
		existing, loadErr := loadMySQLDefinitionRow(ctx, tx, latestID)
		if loadErr != nil {
			return nil, loadErr
		}
		return existing, tx.Commit()
	default:
		def.Version = latestVersion + 1
		if _, err := tx.ExecContext(ctx, `UPDATE process_definitions SET is_latest = 0 WHERE process_key = ?`, def.Key); err != nil {
			return nil, fmt.Errorf("store: clear latest flag: %w", err)
		}
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO process_definitions (id, process_key, name, version, source, content_hash, is_latest)
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

func (s *MySQLProcessStore) GetByKey(ctx context.Context, key string) (*flow.ProcessDefinition, error) {
	row := s.shared.db.QueryRowContext(ctx,
		`SELECT id, name, version, source FROM process_definitions WHERE process_key = ? AND is_latest = 1`, key)
	return scanDefinition(row)
}

func (s *MySQLProcessStore) GetByID(ctx context.Context, id string) (*flow.ProcessDefinition, error) {
	row := s.shared.db.QueryRowContext(ctx,
		`SELECT id, name, version, source FROM process_definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

func (s *MySQLProcessStore) GetAll(ctx context.Context) ([]*flow.ProcessDefinition, error) {
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

func loadMySQLDefinitionRow(ctx context.Context, tx *sql.Tx, id string) (*flow.ProcessDefinition, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, name, version, source FROM process_definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

// MySQLInstanceStore is the MySQL-backed InstanceStore returned by
// OpenMySQL.
type MySQLInstanceStore struct {
	shared *mysqlDB
}

func (s *MySQLInstanceStore) Close() error { return s.shared.Close() }

func (s *MySQLInstanceStore) Save(ctx context.Context, inst *flow.Instance) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	tx, err := s.shared.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentToken string
	err = tx.QueryRowContext(ctx, `SELECT concurrency_token FROM instances WHERE id = ? FOR UPDATE`, inst.ID).Scan(&currentToken)

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
		`INSERT INTO instances (id, process_definition_id, process_key, variables, active_tokens, join_waits, status, concurrency_token, record_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			variables = VALUES(variables),
			active_tokens = VALUES(active_tokens),
			join_waits = VALUES(join_waits),
			status = VALUES(status),
			concurrency_token = VALUES(concurrency_token),
			record_seq = VALUES(record_seq)`,
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

func (s *MySQLInstanceStore) GetByID(ctx context.Context, id string) (*flow.Instance, error) {
	row := s.shared.db.QueryRowContext(ctx,
		`SELECT id, process_definition_id, process_key, variables, active_tokens, join_waits, status, concurrency_token, record_seq
		 FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

func (s *MySQLInstanceStore) GetByProcessKey(ctx context.Context, key string) ([]*flow.Instance, error) {
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

// MySQLJobStore is the MySQL-backed JobStore returned by OpenMySQL.
type MySQLJobStore struct {
	shared *mysqlDB
}

func (s *MySQLJobStore) Close() error { return s.shared.Close() }

func (s *MySQLJobStore) Enqueue(ctx context.Context, job *Job) error {
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

// ClaimNext uses SELECT ... FOR UPDATE SKIP LOCKED so that, unlike the
// single-writer SQLite backend, several MySQL-backed workers can claim
// distinct jobs concurrently without blocking on each other's row locks.
func (s *MySQLJobStore) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
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
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
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

func (s *MySQLJobStore) Complete(ctx context.Context, jobID string, workerID string) error {
	_, err := s.shared.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND owner_id = ?`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("store: complete job: %w", err)
	}
	return nil
}

func (s *MySQLJobStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.shared.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count pending jobs: %w", err)
	}
	return n, nil
}
