package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/relay/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	locks sync.Map // pipeline id -> *sync.Mutex
	now   func() time.Time

	// hook, when set, runs at named points inside write transactions. A
	// non-nil return aborts the transaction.
	hook func(stage string) error
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("session store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store: wal: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pipelines (
			id           TEXT PRIMARY KEY,
			ticket_ref   TEXT NOT NULL,
			repo         TEXT NOT NULL DEFAULT '',
			branch       TEXT NOT NULL DEFAULT '',
			current_step INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'pending',
			cost         REAL NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			retired_at   TEXT
		);

		CREATE TABLE IF NOT EXISTS steps (
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
			idx         INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending',
			attempt     INTEGER NOT NULL DEFAULT 0,
			output      TEXT NOT NULL DEFAULT '',
			cost        REAL NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			error_kind  TEXT NOT NULL DEFAULT '',
			started_at  TEXT,
			ended_at    TEXT,
			PRIMARY KEY (pipeline_id, idx)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
			step_idx    INTEGER NOT NULL,
			attempt     INTEGER NOT NULL,
			status      TEXT NOT NULL DEFAULT 'active',
			context     TEXT NOT NULL DEFAULT '',
			ckpt_offset INTEGER NOT NULL DEFAULT 0,
			workspace   TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (pipeline_id, step_idx, attempt)
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
			step_idx    INTEGER NOT NULL,
			attempt     INTEGER NOT NULL,
			ckpt_offset INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			text        TEXT NOT NULL DEFAULT '',
			tool_call   TEXT NOT NULL DEFAULT '',
			cost        REAL NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (pipeline_id, step_idx, attempt, ckpt_offset)
		);

		CREATE TABLE IF NOT EXISTS feedback (
			id          TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
			step_idx    INTEGER NOT NULL,
			payload     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			created_at  TEXT NOT NULL,
			answered_at TEXT
		);

		CREATE TABLE IF NOT EXISTS clarifications (
			id              TEXT PRIMARY KEY,
			pipeline_id     TEXT NOT NULL REFERENCES pipelines(id),
			step_idx        INTEGER NOT NULL,
			question        TEXT NOT NULL,
			options         TEXT NOT NULL DEFAULT '[]',
			status          TEXT NOT NULL DEFAULT 'pending',
			selected_option INTEGER,
			custom_answer   TEXT NOT NULL DEFAULT '',
			consumed        INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			answered_at     TEXT
		);

		CREATE TABLE IF NOT EXISTS step_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
			step_idx    INTEGER NOT NULL,
			attempt     INTEGER NOT NULL,
			output      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL,
			feedback_id TEXT NOT NULL DEFAULT '',
			archived_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pipelines_status ON pipelines(status);
		CREATE INDEX IF NOT EXISTS idx_pipelines_ticket ON pipelines(ticket_ref);
		CREATE INDEX IF NOT EXISTS idx_feedback_step ON feedback(pipeline_id, step_idx);
		CREATE INDEX IF NOT EXISTS idx_clarifications_step ON clarifications(pipeline_id, step_idx);
		CREATE INDEX IF NOT EXISTS idx_history_step ON step_history(pipeline_id, step_idx);
	`)
	if err != nil {
		return fmt.Errorf("session store: migrate: %w", err)
	}
	return nil
}

// lock serialises writes for one pipeline.
func (s *SQLiteStore) lock(pipelineID string) func() {
	v, _ := s.locks.LoadOrStore(pipelineID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// inTx runs fn inside a transaction holding the pipeline's write lock.
func (s *SQLiteStore) inTx(ctx context.Context, pipelineID string, fn func(tx *sql.Tx) error) error {
	unlock := s.lock(pipelineID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) fault(stage string) error {
	if s.hook == nil {
		return nil
	}
	return s.hook(stage)
}

func (s *SQLiteStore) CreatePipeline(ctx context.Context, p *protocol.Pipeline) error {
	if len(p.Steps) != protocol.StepCount {
		return fmt.Errorf("session store: create pipeline: want %d steps, got %d", protocol.StepCount, len(p.Steps))
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Status = protocol.DeriveStatus(p.Steps)

	err := s.inTx(ctx, p.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipelines (id, ticket_ref, repo, branch, current_step, status, cost, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.TicketRef, p.Repo, p.Branch, p.CurrentStep, string(p.Status), p.Cost,
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
		if err != nil {
			return err
		}
		for i, st := range p.Steps {
			if st.Index != i {
				return fmt.Errorf("step %d has index %d", i, st.Index)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO steps (pipeline_id, idx, kind, name, status, attempt)
				VALUES (?, ?, ?, ?, ?, ?)`,
				p.ID, st.Index, string(st.Kind), st.Name, string(st.Status), st.Attempt)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session store: create pipeline: %w", err)
	}
	return nil
}

const pipelineColumns = `id, ticket_ref, repo, branch, current_step, status, cost, created_at, updated_at, retired_at`

func (s *SQLiteStore) LoadPipeline(ctx context.Context, id string) (*protocol.Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	p, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pipeline %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("session store: load pipeline: %w", err)
	}

	if p.Steps, err = s.loadSteps(ctx, s.db, id); err != nil {
		return nil, err
	}
	if err := s.loadSessions(ctx, p); err != nil {
		return nil, err
	}
	if p.Feedback, err = s.loadFeedback(ctx, id); err != nil {
		return nil, err
	}
	if p.Clarifications, err = s.loadClarifications(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) ListPipelines(ctx context.Context, filter Filter) ([]*protocol.Pipeline, error) {
	query := "SELECT " + pipelineColumns + " FROM pipelines WHERE 1=1"
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.TicketRef != "" {
		query += " AND ticket_ref = ?"
		args = append(args, filter.TicketRef)
	}
	if !filter.IncludeRetired {
		query += " AND retired_at IS NULL"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	var pipelines []*protocol.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("session store: list scan: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}

	for _, p := range pipelines {
		if p.Steps, err = s.loadSteps(ctx, s.db, p.ID); err != nil {
			return nil, err
		}
	}
	return pipelines, nil
}

func (s *SQLiteStore) UpdatePipelineStatus(ctx context.Context, pipelineID string) (protocol.PipelineStatus, error) {
	var status protocol.PipelineStatus
	err := s.inTx(ctx, pipelineID, func(tx *sql.Tx) error {
		var err error
		status, err = s.settle(ctx, tx, pipelineID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("session store: update pipeline status: %w", err)
	}
	return status, nil
}

// settle validates the step invariants and writes the derived pipeline
// status, current step and cost.
func (s *SQLiteStore) settle(ctx context.Context, tx *sql.Tx, pipelineID string) (protocol.PipelineStatus, error) {
	steps, err := s.loadSteps(ctx, tx, pipelineID)
	if err != nil {
		return "", err
	}
	if len(steps) == 0 {
		return "", fmt.Errorf("pipeline %q: %w", pipelineID, ErrNotFound)
	}
	if err := checkOrdering(steps); err != nil {
		return "", err
	}

	var cost float64
	for _, st := range steps {
		cost += st.Cost
	}
	status := protocol.DeriveStatus(steps)
	_, err = tx.ExecContext(ctx, `UPDATE pipelines SET status = ?, current_step = ?, cost = ?, updated_at = ? WHERE id = ?`,
		string(status), protocol.CurrentIndex(steps), cost, formatTime(s.now()), pipelineID)
	if err != nil {
		return "", err
	}
	return status, nil
}

// checkOrdering enforces single-flight and step ordering: at most one running
// step, and no step past pending while a predecessor is incomplete.
func checkOrdering(steps []protocol.Step) error {
	running := 0
	for i, st := range steps {
		if st.Status == protocol.StepRunning {
			running++
		}
		if st.Status == protocol.StepPending || i == 0 {
			continue
		}
		for j := 0; j < i; j++ {
			if steps[j].Status != protocol.StepCompleted {
				return fmt.Errorf("step %d is %s before step %d completed: %w", i, st.Status, j, ErrConflict)
			}
		}
	}
	if running > 1 {
		return fmt.Errorf("%d running steps: %w", running, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) Retire(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM pipelines
		WHERE status IN ('completed', 'failed') AND retired_at IS NULL AND updated_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("session store: retire: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("session store: retire scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var retired []string
	for _, id := range ids {
		err := s.inTx(ctx, id, func(tx *sql.Tx) error {
			now := formatTime(s.now())
			res, err := tx.ExecContext(ctx, `UPDATE pipelines SET retired_at = ? WHERE id = ? AND retired_at IS NULL AND status IN ('completed', 'failed')`, now, id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
			_, err = tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE pipeline_id = ?`,
				string(protocol.SessionExpired), now, id)
			if err == nil {
				retired = append(retired, id)
			}
			return err
		})
		if err != nil {
			return retired, fmt.Errorf("session store: retire %s: %w", id, err)
		}
	}
	// Retired pipelines take no more writes.
	for _, id := range retired {
		s.locks.Delete(id)
	}
	return retired, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanPipeline(s scannable) (*protocol.Pipeline, error) {
	var p protocol.Pipeline
	var status, createdAt, updatedAt string
	var retiredAt *string

	err := s.Scan(&p.ID, &p.TicketRef, &p.Repo, &p.Branch, &p.CurrentStep, &status, &p.Cost,
		&createdAt, &updatedAt, &retiredAt)
	if err != nil {
		return nil, err
	}
	p.Status = protocol.PipelineStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.RetiredAt = parseTimePtr(retiredAt)
	return &p, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, q querier, pipelineID string) ([]protocol.Step, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT idx, kind, name, status, attempt, output, cost, error, error_kind, started_at, ended_at
		FROM steps WHERE pipeline_id = ? ORDER BY idx`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("session store: load steps: %w", err)
	}
	defer rows.Close()

	var steps []protocol.Step
	for rows.Next() {
		var st protocol.Step
		var kind, status, errorKind string
		var startedAt, endedAt *string
		if err := rows.Scan(&st.Index, &kind, &st.Name, &status, &st.Attempt, &st.Output, &st.Cost,
			&st.Error, &errorKind, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("session store: scan step: %w", err)
		}
		st.Kind = protocol.AgentKind(kind)
		st.Status = protocol.StepStatus(status)
		st.ErrorKind = protocol.ErrorKind(errorKind)
		st.StartedAt = parseTimePtr(startedAt)
		st.EndedAt = parseTimePtr(endedAt)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// loadSessions attaches each step's current-attempt session.
func (s *SQLiteStore) loadSessions(ctx context.Context, p *protocol.Pipeline) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT se.step_idx, se.attempt, se.status, se.context, se.ckpt_offset, se.workspace, se.created_at, se.updated_at
		FROM sessions se JOIN steps st ON st.pipeline_id = se.pipeline_id AND st.idx = se.step_idx AND st.attempt = se.attempt
		WHERE se.pipeline_id = ?`, p.ID)
	if err != nil {
		return fmt.Errorf("session store: load sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return fmt.Errorf("session store: scan session: %w", err)
		}
		sess.PipelineID = p.ID
		if st := p.Step(sess.StepIndex); st != nil {
			st.Session = sess
		}
	}
	return rows.Err()
}

func scanSession(s scannable) (*protocol.AgentSession, error) {
	var sess protocol.AgentSession
	var status, contextJSON, workspaceJSON, createdAt, updatedAt string
	if err := s.Scan(&sess.StepIndex, &sess.Attempt, &status, &contextJSON, &sess.Offset,
		&workspaceJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.Status = protocol.SessionStatus(status)
	if contextJSON != "" {
		sess.Context = json.RawMessage(contextJSON)
	}
	if workspaceJSON != "" {
		var h protocol.WorkspaceHandle
		if err := json.Unmarshal([]byte(workspaceJSON), &h); err == nil {
			sess.Workspace = &h
		}
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}
