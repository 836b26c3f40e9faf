package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/h1v3-io/relay/pkg/protocol"
)

func (s *SQLiteStore) AddFeedback(ctx context.Context, fb *protocol.Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now()
	}
	if fb.Status == "" {
		fb.Status = protocol.InputPending
	}
	err := s.inTx(ctx, fb.PipelineID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO feedback (id, pipeline_id, step_idx, payload, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			fb.ID, fb.PipelineID, fb.StepIndex, fb.Payload, string(fb.Status), formatTime(fb.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("session store: add feedback: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddClarification(ctx context.Context, c *protocol.ClarificationRequest) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Status == "" {
		c.Status = protocol.InputPending
	}
	options, _ := json.Marshal(c.Options)
	err := s.inTx(ctx, c.PipelineID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO clarifications (id, pipeline_id, step_idx, question, options, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.PipelineID, c.StepIndex, c.Question, string(options), string(c.Status), formatTime(c.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("session store: add clarification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AnswerClarification(ctx context.Context, pipelineID, requestID string, ans protocol.ClarificationAnswer) (*protocol.ClarificationRequest, error) {
	var out *protocol.ClarificationRequest
	err := s.inTx(ctx, pipelineID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+clarificationColumns+` FROM clarifications WHERE id = ? AND pipeline_id = ?`,
			requestID, pipelineID)
		c, err := scanClarification(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("clarification %q: %w", requestID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if c.Status != protocol.InputPending {
			return fmt.Errorf("clarification %q is %s: %w", requestID, c.Status, ErrConflict)
		}
		if ans.SelectedOption != nil && (*ans.SelectedOption < 0 || *ans.SelectedOption >= len(c.Options)) {
			return fmt.Errorf("clarification %q: option %d out of range", requestID, *ans.SelectedOption)
		}
		if ans.SelectedOption == nil && ans.CustomAnswer == "" {
			return fmt.Errorf("clarification %q: empty answer", requestID)
		}

		now := s.now()
		_, err = tx.ExecContext(ctx, `
			UPDATE clarifications SET status = ?, selected_option = ?, custom_answer = ?, answered_at = ?
			WHERE id = ?`,
			string(protocol.InputAnswered), ans.SelectedOption, ans.CustomAnswer, formatTime(now), requestID)
		if err != nil {
			return err
		}
		c.Status = protocol.InputAnswered
		c.SelectedOption = ans.SelectedOption
		c.CustomAnswer = ans.CustomAnswer
		c.AnsweredAt = &now
		out = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session store: answer clarification: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ConsumeInputs(ctx context.Context, pipelineID string, step int, ids ...string) error {
	scope, scopeArgs := "", []any(nil)
	if len(ids) > 0 {
		scope = " AND id IN (?" + strings.Repeat(", ?", len(ids)-1) + ")"
		for _, id := range ids {
			scopeArgs = append(scopeArgs, id)
		}
	}
	err := s.inTx(ctx, pipelineID, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		args := append([]any{string(protocol.InputAnswered), now, pipelineID, step, string(protocol.InputPending)}, scopeArgs...)
		if _, err := tx.ExecContext(ctx, `
			UPDATE feedback SET status = ?, answered_at = ?
			WHERE pipeline_id = ? AND step_idx = ? AND status = ?`+scope, args...); err != nil {
			return err
		}
		args = append([]any{pipelineID, step, string(protocol.InputAnswered)}, scopeArgs...)
		_, err := tx.ExecContext(ctx, `
			UPDATE clarifications SET consumed = 1
			WHERE pipeline_id = ? AND step_idx = ? AND status = ?`+scope, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("session store: consume inputs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) StepHistory(ctx context.Context, pipelineID string, step int) ([]protocol.StepHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt, output, error, reason, feedback_id, archived_at FROM step_history
		WHERE pipeline_id = ? AND step_idx = ? ORDER BY id`, pipelineID, step)
	if err != nil {
		return nil, fmt.Errorf("session store: step history: %w", err)
	}
	defer rows.Close()

	var out []protocol.StepHistory
	for rows.Next() {
		h := protocol.StepHistory{PipelineID: pipelineID, StepIndex: step}
		var reason, archived string
		if err := rows.Scan(&h.Attempt, &h.Output, &h.Error, &reason, &h.FeedbackID, &archived); err != nil {
			return nil, fmt.Errorf("session store: scan history: %w", err)
		}
		h.Reason = protocol.HistoryReason(reason)
		h.ArchivedAt = parseTime(archived)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadFeedback(ctx context.Context, pipelineID string) ([]protocol.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_idx, payload, status, created_at, answered_at FROM feedback
		WHERE pipeline_id = ? ORDER BY created_at, id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("session store: load feedback: %w", err)
	}
	defer rows.Close()

	var out []protocol.Feedback
	for rows.Next() {
		fb := protocol.Feedback{PipelineID: pipelineID}
		var status, created string
		var answered *string
		if err := rows.Scan(&fb.ID, &fb.StepIndex, &fb.Payload, &status, &created, &answered); err != nil {
			return nil, fmt.Errorf("session store: scan feedback: %w", err)
		}
		fb.Status = protocol.InputStatus(status)
		fb.CreatedAt = parseTime(created)
		fb.AnsweredAt = parseTimePtr(answered)
		out = append(out, fb)
	}
	return out, rows.Err()
}

const clarificationColumns = `id, pipeline_id, step_idx, question, options, status, selected_option, custom_answer, consumed, created_at, answered_at`

func (s *SQLiteStore) loadClarifications(ctx context.Context, pipelineID string) ([]protocol.ClarificationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clarificationColumns+` FROM clarifications
		WHERE pipeline_id = ? ORDER BY created_at, id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("session store: load clarifications: %w", err)
	}
	defer rows.Close()

	var out []protocol.ClarificationRequest
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, fmt.Errorf("session store: scan clarification: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanClarification(s scannable) (*protocol.ClarificationRequest, error) {
	var c protocol.ClarificationRequest
	var options, status, created string
	var selected sql.NullInt64
	var answered *string
	if err := s.Scan(&c.ID, &c.PipelineID, &c.StepIndex, &c.Question, &options, &status, &selected,
		&c.CustomAnswer, &c.Consumed, &created, &answered); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(options), &c.Options)
	c.Status = protocol.InputStatus(status)
	if selected.Valid {
		v := int(selected.Int64)
		c.SelectedOption = &v
	}
	c.CreatedAt = parseTime(created)
	c.AnsweredAt = parseTimePtr(answered)
	return &c, nil
}
