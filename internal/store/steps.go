package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/h1v3-io/relay/pkg/protocol"
)

func (s *SQLiteStore) UpdateStepStatus(ctx context.Context, pipelineID string, updates ...StepUpdate) (protocol.PipelineStatus, error) {
	var status protocol.PipelineStatus
	err := s.inTx(ctx, pipelineID, func(tx *sql.Tx) error {
		for _, u := range updates {
			if err := s.applyStepUpdate(ctx, tx, pipelineID, u); err != nil {
				return err
			}
		}
		if err := s.fault("steps:applied"); err != nil {
			return err
		}
		var err error
		status, err = s.settle(ctx, tx, pipelineID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("session store: update step status: %w", err)
	}
	return status, nil
}

func (s *SQLiteStore) applyStepUpdate(ctx context.Context, tx *sql.Tx, pipelineID string, u StepUpdate) error {
	var prevStatus, output, stepErr string
	var attempt int
	err := tx.QueryRowContext(ctx, `SELECT status, attempt, output, error FROM steps WHERE pipeline_id = ? AND idx = ?`,
		pipelineID, u.Index).Scan(&prevStatus, &attempt, &output, &stepErr)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pipeline %q step %d: %w", pipelineID, u.Index, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if u.ExpectAttempt != 0 && u.ExpectAttempt != attempt {
		return fmt.Errorf("step %d attempt %d superseded by %d: %w", u.Index, u.ExpectAttempt, attempt, ErrConflict)
	}

	now := formatTime(s.now())

	if u.Status == protocol.StepRunning && attempt == 0 {
		u.NewAttempt = true
	}
	if u.NewAttempt {
		if u.Archive != "" && (output != "" || stepErr != "") {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO step_history (pipeline_id, step_idx, attempt, output, error, reason, feedback_id, archived_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				pipelineID, u.Index, attempt, output, stepErr, string(u.Archive), u.FeedbackID, now)
			if err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE pipeline_id = ? AND step_idx = ? AND attempt = ?`,
			string(protocol.SessionExpired), now, pipelineID, u.Index, attempt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE clarifications SET status = ? WHERE pipeline_id = ? AND step_idx = ? AND status = ?`,
			string(protocol.InputDismissed), pipelineID, u.Index, string(protocol.InputPending)); err != nil {
			return err
		}
		attempt++
		workspace := ""
		if u.Workspace != nil {
			b, _ := json.Marshal(u.Workspace)
			workspace = string(b)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (pipeline_id, step_idx, attempt, status, workspace, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			pipelineID, u.Index, attempt, string(sessionStatusFor(u.Status)), workspace, now, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE steps SET attempt = ?, output = '', error = '', error_kind = '', started_at = NULL, ended_at = NULL
			WHERE pipeline_id = ? AND idx = ?`, attempt, pipelineID, u.Index); err != nil {
			return err
		}
		prevStatus = ""
	} else if u.Status != protocol.StepPending && attempt > 0 {
		set := "status = ?, updated_at = ?"
		args := []any{string(sessionStatusFor(u.Status)), now}
		if u.Workspace != nil {
			b, _ := json.Marshal(u.Workspace)
			set += ", workspace = ?"
			args = append(args, string(b))
		}
		args = append(args, pipelineID, u.Index, attempt)
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET `+set+` WHERE pipeline_id = ? AND step_idx = ? AND attempt = ?`, args...); err != nil {
			return err
		}
	}

	set := "status = ?"
	args := []any{string(u.Status)}
	switch u.Status {
	case protocol.StepRunning:
		if protocol.StepStatus(prevStatus) != protocol.StepRunning {
			set += ", started_at = COALESCE(started_at, ?), ended_at = NULL, error = '', error_kind = ''"
			args = append(args, now)
		}
	case protocol.StepCompleted, protocol.StepFailed:
		set += ", ended_at = ?"
		args = append(args, now)
	}
	if u.Output != nil {
		set += ", output = ?"
		args = append(args, *u.Output)
	}
	if u.CostDelta != 0 {
		set += ", cost = cost + ?"
		args = append(args, u.CostDelta)
	}
	if u.Error != "" {
		set += ", error = ?, error_kind = ?"
		args = append(args, u.Error, string(u.ErrorKind))
	}
	args = append(args, pipelineID, u.Index)
	_, err = tx.ExecContext(ctx, `UPDATE steps SET `+set+` WHERE pipeline_id = ? AND idx = ?`, args...)
	return err
}

func sessionStatusFor(st protocol.StepStatus) protocol.SessionStatus {
	switch st {
	case protocol.StepRunning, protocol.StepPending:
		return protocol.SessionActive
	case protocol.StepPaused, protocol.StepInterrupted:
		return protocol.SessionPaused
	default:
		return protocol.SessionCompleted
	}
}

func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp *protocol.Checkpoint, state json.RawMessage) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	err := s.inTx(ctx, cp.PipelineID, func(tx *sql.Tx) error {
		var status string
		var attempt int
		err := tx.QueryRowContext(ctx, `SELECT status, attempt FROM steps WHERE pipeline_id = ? AND idx = ?`,
			cp.PipelineID, cp.StepIndex).Scan(&status, &attempt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pipeline %q step %d: %w", cp.PipelineID, cp.StepIndex, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if attempt != cp.Attempt {
			return fmt.Errorf("step %d attempt %d superseded by %d: %w", cp.StepIndex, cp.Attempt, attempt, ErrConflict)
		}
		if protocol.StepStatus(status) != protocol.StepRunning {
			return fmt.Errorf("step %d is %s, not running: %w", cp.StepIndex, status, ErrConflict)
		}

		var offset int64
		err = tx.QueryRowContext(ctx, `SELECT ckpt_offset FROM sessions WHERE pipeline_id = ? AND step_idx = ? AND attempt = ?`,
			cp.PipelineID, cp.StepIndex, cp.Attempt).Scan(&offset)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session for step %d attempt %d: %w", cp.StepIndex, cp.Attempt, ErrNotFound)
		}
		if err != nil {
			return err
		}
		cp.Offset = offset + 1

		toolCall := ""
		if cp.ToolCall != nil {
			b, err := json.Marshal(cp.ToolCall)
			if err != nil {
				return err
			}
			toolCall = string(b)
		}
		created := formatTime(cp.CreatedAt)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (pipeline_id, step_idx, attempt, ckpt_offset, kind, text, tool_call, cost, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.PipelineID, cp.StepIndex, cp.Attempt, cp.Offset, string(cp.Kind), cp.Text, toolCall, cp.Cost, created); err != nil {
			return err
		}
		if err := s.fault("checkpoint:inserted"); err != nil {
			return err
		}

		set := "ckpt_offset = ?, status = ?, updated_at = ?"
		args := []any{cp.Offset, string(protocol.SessionActive), created}
		if state != nil {
			set += ", context = ?"
			args = append(args, string(state))
		}
		args = append(args, cp.PipelineID, cp.StepIndex, cp.Attempt)
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET `+set+` WHERE pipeline_id = ? AND step_idx = ? AND attempt = ?`, args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE steps SET status = ?, output = output || ?, cost = cost + ?
			WHERE pipeline_id = ? AND idx = ?`,
			string(protocol.StepRunning), cp.Text, cp.Cost, cp.PipelineID, cp.StepIndex); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE pipelines SET cost = cost + ?, updated_at = ? WHERE id = ?`,
			cp.Cost, created, cp.PipelineID)
		return err
	})
	if err != nil {
		return fmt.Errorf("session store: append checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Checkpoints(ctx context.Context, pipelineID string, step, attempt int) ([]protocol.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ckpt_offset, kind, text, tool_call, cost, created_at FROM checkpoints
		WHERE pipeline_id = ? AND step_idx = ? AND attempt = ? ORDER BY ckpt_offset`,
		pipelineID, step, attempt)
	if err != nil {
		return nil, fmt.Errorf("session store: checkpoints: %w", err)
	}
	defer rows.Close()

	var out []protocol.Checkpoint
	for rows.Next() {
		cp := protocol.Checkpoint{PipelineID: pipelineID, StepIndex: step, Attempt: attempt}
		var kind, toolCall, created string
		if err := rows.Scan(&cp.Offset, &kind, &cp.Text, &toolCall, &cp.Cost, &created); err != nil {
			return nil, fmt.Errorf("session store: scan checkpoint: %w", err)
		}
		cp.Kind = protocol.CheckpointKind(kind)
		if toolCall != "" {
			var rec protocol.ToolCallRecord
			if err := json.Unmarshal([]byte(toolCall), &rec); err == nil {
				cp.ToolCall = &rec
			}
		}
		cp.CreatedAt = parseTime(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}
