package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/h1v3-io/relay/internal/agent"
	"github.com/h1v3-io/relay/internal/runner"
	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/internal/tool"
	"github.com/h1v3-io/relay/pkg/protocol"
)

// detachedTimeout bounds the writes made after a task's context is gone.
const detachedTimeout = 5 * time.Second

func (e *Engine) launch(t *runner.Task) {
	e.arena.Go(t, e.run)
}

// run executes steps until the pipeline stops running. Directives left
// pending when nothing runs are settled before the task seals itself.
func (e *Engine) run(ctx context.Context, t *runner.Task) {
	id := t.PipelineID
	for ctx.Err() == nil {
		p, err := e.store.LoadPipeline(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("load pipeline failed", "pipeline", id, "error", err)
			}
			return
		}
		if idx := p.RunningStep(); idx >= 0 && e.runStep(ctx, t, p, idx) {
			continue
		}
		for {
			d := t.Seal()
			if d.Kind == runner.DirectiveNone {
				return
			}
			if e.settleIdle(ctx, id, d) {
				break
			}
		}
	}
}

// settleIdle applies a directive that arrived after the step it targeted
// stopped running. It reports whether a step is running again.
func (e *Engine) settleIdle(ctx context.Context, id string, d runner.Directive) bool {
	p, err := e.store.LoadPipeline(ctx, id)
	if err != nil {
		return false
	}
	switch d.Kind {
	case runner.DirectiveRestart:
		return e.restartStep(ctx, p, d.Step, d.FeedbackID)
	case runner.DirectiveFeedback:
		if st := p.Step(d.Step); st != nil && (st.Status == protocol.StepCompleted || st.Status == protocol.StepFailed) {
			return e.restartStep(ctx, p, d.Step, d.FeedbackID)
		}
	}
	// A pause with nothing running is dropped; feedback on an idle step is
	// held until the step runs again.
	e.logger.Debug("directive dropped", "pipeline", id, "directive", d.Kind.String(), "step", d.Step)
	return false
}

// runStep drives one run of the running step. It reports whether the task
// should continue with the next running step.
func (e *Engine) runStep(ctx context.Context, t *runner.Task, p *protocol.Pipeline, idx int) bool {
	st := p.Steps[idx]
	attempt := st.Attempt
	def := e.steps[idx]
	logger := e.logger.With("pipeline", p.ID, "step", idx, "attempt", attempt)

	h, err := e.acquire(ctx, p, &st)
	if err != nil {
		if ctx.Err() != nil {
			e.interrupt(p.ID, idx, attempt, "shutdown")
			return false
		}
		return e.failStep(ctx, t, p, idx, attempt, &StepError{Kind: protocol.ErrorWorkspaceFailure, Step: idx, Err: err})
	}

	req, err := e.buildRequest(ctx, p, idx, h)
	if err != nil {
		e.abort(p.ID, idx, attempt, err)
		return false
	}
	inputIDs := make([]string, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		inputIDs = append(inputIDs, in.ID)
	}
	consume := func() error {
		if len(inputIDs) == 0 {
			return nil
		}
		err := e.store.ConsumeInputs(ctx, p.ID, idx, inputIDs...)
		inputIDs = nil
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, e.policy.timeout(def))
	defer cancel()

	logger.Info("step running", "name", def.Name, "resume", req.Resuming(), "inputs", len(req.Inputs))
	stream, err := e.invoker.Invoke(sctx, req)
	if err != nil {
		return e.streamFailed(ctx, sctx, t, p, idx, attempt, err)
	}
	defer stream.Close()

	for {
		if d := t.Pending(); d.Kind != runner.DirectiveNone {
			return e.honour(ctx, t, p, idx, attempt)
		}

		it, err := stream.Next(sctx)
		if err != nil {
			return e.streamFailed(ctx, sctx, t, p, idx, attempt, err)
		}

		if it.Result != nil {
			if err := consume(); err != nil {
				e.abort(p.ID, idx, attempt, err)
				return false
			}
			return e.complete(ctx, t, p, idx, attempt, it)
		}

		cp := &protocol.Checkpoint{PipelineID: p.ID, StepIndex: idx, Attempt: attempt, Cost: it.Cost}
		switch {
		case it.ToolCall != nil:
			cp.Kind = protocol.CheckpointToolCall
			cp.ToolCall = it.ToolCall
		case it.Clarification != nil:
			cp.Kind = protocol.CheckpointToolCall
			cp.ToolCall = &protocol.ToolCallRecord{
				Name:      tool.ClarifyName,
				Arguments: map[string]any{"question": it.Clarification.Question},
			}
		case it.Chunk == "" && it.Cost == 0:
			continue
		default:
			cp.Kind = protocol.CheckpointChunk
			cp.Text = it.Chunk
		}

		if err := e.store.AppendCheckpoint(ctx, cp, it.State); err != nil {
			if ctx.Err() != nil {
				e.interrupt(p.ID, idx, attempt, "shutdown")
				return false
			}
			e.abort(p.ID, idx, attempt, err)
			return false
		}
		if err := consume(); err != nil {
			e.abort(p.ID, idx, attempt, err)
			return false
		}

		if cp.Kind == protocol.CheckpointChunk {
			e.bus.Publish(protocol.Event{
				PipelineID: p.ID,
				StepIndex:  idx,
				Kind:       protocol.EventOutputChunk,
				Payload:    protocol.ChunkPayload{Attempt: attempt, Text: cp.Text, Cost: cp.Cost},
				Offset:     cp.Offset,
				Timestamp:  cp.CreatedAt.UTC(),
			})
		} else {
			e.bus.Publish(protocol.Event{
				PipelineID: p.ID,
				StepIndex:  idx,
				Kind:       protocol.EventToolCall,
				Payload:    cp.ToolCall,
				Offset:     cp.Offset,
				Timestamp:  cp.CreatedAt.UTC(),
			})
		}

		if it.Clarification != nil {
			return e.awaitInput(ctx, p, idx, attempt, it.Clarification)
		}
	}
}

func (e *Engine) acquire(ctx context.Context, p *protocol.Pipeline, st *protocol.Step) (*protocol.WorkspaceHandle, error) {
	if e.workspaces == nil {
		return nil, nil
	}
	h, err := e.workspaces.Acquire(ctx, p.ID, p.Repo, p.Branch)
	if err != nil {
		return nil, err
	}
	e.handles.Store(p.ID, h)
	if st.Session == nil || st.Session.Workspace == nil || st.Session.Workspace.ID != h.ID {
		_, err := e.store.UpdateStepStatus(ctx, p.ID, store.StepUpdate{
			Index:         st.Index,
			Status:        protocol.StepRunning,
			ExpectAttempt: st.Attempt,
			Workspace:     h,
		})
		if err != nil {
			e.logger.Warn("record workspace failed", "pipeline", p.ID, "step", st.Index, "error", err)
		}
	}
	return h, nil
}

// release gives back the pipeline's workspace once it reaches a terminal
// state.
func (e *Engine) release(id string) {
	v, ok := e.handles.LoadAndDelete(id)
	if !ok || e.workspaces == nil {
		return
	}
	h := v.(*protocol.WorkspaceHandle)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := e.workspaces.Release(ctx, h); err != nil {
		e.logger.Warn("release workspace failed", "pipeline", id, "workspace", h.ID, "error", err)
	}
}

// buildRequest assembles the invoker request: prior outputs, the attempt's
// checkpoints and saved state, and every unconsumed input for the step.
func (e *Engine) buildRequest(ctx context.Context, p *protocol.Pipeline, idx int, h *protocol.WorkspaceHandle) (agent.Request, error) {
	st := p.Steps[idx]
	req := agent.Request{
		PipelineID: p.ID,
		TicketRef:  p.TicketRef,
		Repo:       p.Repo,
		Branch:     p.Branch,
		Step:       e.steps[idx],
		StepIndex:  idx,
		Attempt:    st.Attempt,
		Workspace:  h,
	}
	for j := 0; j < idx; j++ {
		prev := p.Steps[j]
		if prev.Status == protocol.StepCompleted {
			req.Prior = append(req.Prior, agent.PriorOutput{Index: j, Name: prev.Name, Output: prev.Output})
		}
	}
	if st.Session != nil && st.Session.Attempt == st.Attempt {
		req.State = st.Session.Context
	}
	history, err := e.store.Checkpoints(ctx, p.ID, idx, st.Attempt)
	if err != nil {
		return req, err
	}
	req.History = history

	for _, fb := range p.Feedback {
		if fb.StepIndex == idx && fb.Status == protocol.InputPending {
			req.Inputs = append(req.Inputs, agent.Input{Kind: agent.InputFeedback, ID: fb.ID, Text: fb.Payload})
		}
	}
	for _, c := range p.Clarifications {
		if c.StepIndex == idx && c.Status == protocol.InputAnswered && !c.Consumed {
			req.Inputs = append(req.Inputs, agent.Input{
				Kind:     agent.InputClarification,
				ID:       c.ID,
				Question: c.Question,
				Text:     c.Answer(),
			})
		}
	}
	return req, nil
}

// honour applies the pending directive at an element boundary.
func (e *Engine) honour(ctx context.Context, t *runner.Task, p *protocol.Pipeline, idx, attempt int) bool {
	d := t.Take()
	logger := e.logger.With("pipeline", p.ID, "step", idx)

	switch d.Kind {
	case runner.DirectivePause:
		status, err := e.store.UpdateStepStatus(ctx, p.ID, store.StepUpdate{
			Index: idx, Status: protocol.StepInterrupted, ExpectAttempt: attempt,
		})
		if err != nil {
			e.abort(p.ID, idx, attempt, err)
			return false
		}
		logger.Info("step paused")
		e.publish(p.ID, idx, protocol.EventStepInterrupted, protocol.StepPayload{Name: p.Steps[idx].Name, Attempt: attempt})
		e.publishStatus(ctx, p.ID, status)
		return false

	case runner.DirectiveFeedback:
		if d.Step != idx {
			// Feedback for a step that completed since it was requested.
			return e.switchStep(ctx, p, idx, attempt, d)
		}
		_, err := e.store.UpdateStepStatus(ctx, p.ID,
			store.StepUpdate{Index: idx, Status: protocol.StepInterrupted, ExpectAttempt: attempt},
			store.StepUpdate{Index: idx, Status: protocol.StepRunning, ExpectAttempt: attempt},
		)
		if err != nil {
			e.abort(p.ID, idx, attempt, err)
			return false
		}
		logger.Info("step interrupted for feedback", "feedback", d.FeedbackID)
		e.publish(p.ID, idx, protocol.EventStepInterrupted, protocol.StepPayload{Name: p.Steps[idx].Name, Attempt: attempt})
		e.publish(p.ID, idx, protocol.EventStepStarted, protocol.StepPayload{Name: p.Steps[idx].Name, Attempt: attempt, Resumed: true})
		return true

	case runner.DirectiveRestart:
		return e.switchStep(ctx, p, idx, attempt, d)
	}
	return true
}

// switchStep applies a restart directive taken while step idx was running.
// When the restart cannot be applied, idx keeps running from its
// checkpoints.
func (e *Engine) switchStep(ctx context.Context, p *protocol.Pipeline, idx, attempt int, d runner.Directive) bool {
	if err := e.reopen(ctx, p, d.Step, d.FeedbackID); err != nil {
		e.logger.Warn("restart not applied, step continues", "pipeline", p.ID, "step", idx, "target", d.Step)
		return true
	}
	if d.Step != idx {
		e.publish(p.ID, idx, protocol.EventStepInterrupted, protocol.StepPayload{Name: p.Steps[idx].Name, Attempt: attempt})
	}
	e.publishRestarted(p, d.Step)
	return true
}

// restartStep opens a fresh attempt of step idx and resets later steps. It
// reports whether the step is now running.
func (e *Engine) restartStep(ctx context.Context, p *protocol.Pipeline, idx int, feedbackID string) bool {
	if err := e.reopen(ctx, p, idx, feedbackID); err != nil {
		return false
	}
	e.publishRestarted(p, idx)
	return true
}

// reopen archives step idx, starts its next attempt and resets later steps
// in one store update.
func (e *Engine) reopen(ctx context.Context, p *protocol.Pipeline, idx int, feedbackID string) error {
	reason := protocol.HistoryRestart
	if feedbackID != "" {
		reason = protocol.HistoryFeedback
	}
	if _, err := e.store.UpdateStepStatus(ctx, p.ID, restartUpdates(p, idx, reason, feedbackID)...); err != nil {
		kind := Classify(err)
		if kind != protocol.ErrorInvalidState {
			kind = protocol.ErrorPersistenceFailure
		}
		e.logger.Error("restart failed", "pipeline", p.ID, "step", idx, "kind", string(kind), "error", err)
		e.publish(p.ID, idx, protocol.EventError, protocol.ErrorPayload{Kind: kind, Message: err.Error()})
		return err
	}
	e.logger.Info("step restarted", "pipeline", p.ID, "step", idx, "attempt", p.Steps[idx].Attempt+1, "reason", string(reason))
	return nil
}

func (e *Engine) publishRestarted(p *protocol.Pipeline, idx int) {
	e.publish(p.ID, idx, protocol.EventStepStarted, protocol.StepPayload{Name: p.Steps[idx].Name, Attempt: p.Steps[idx].Attempt + 1})
}

// complete records the terminal result and starts the next step in the same
// transaction. A pending pause is dropped; a restart or feedback directive is
// applied after the step is recorded.
func (e *Engine) complete(ctx context.Context, t *runner.Task, p *protocol.Pipeline, idx, attempt int, it agent.Item) bool {
	d := t.Take()
	update := store.StepUpdate{
		Index:         idx,
		Status:        protocol.StepCompleted,
		ExpectAttempt: attempt,
		CostDelta:     it.Cost,
	}
	if a := it.Result.Artifact; a != "" {
		update.Output = &a
	}
	updates := []store.StepUpdate{update}
	next := idx+1 < len(p.Steps)
	if next {
		updates = append(updates, startUpdate(&p.Steps[idx+1]))
	}

	status, err := e.store.UpdateStepStatus(ctx, p.ID, updates...)
	if err != nil {
		if ctx.Err() != nil {
			e.interrupt(p.ID, idx, attempt, "shutdown")
			return false
		}
		e.abort(p.ID, idx, attempt, err)
		return false
	}

	snap, err := e.store.LoadPipeline(ctx, p.ID)
	if err != nil {
		snap = p
	}
	e.logger.Info("step completed", "pipeline", p.ID, "step", idx, "attempt", attempt, "status", string(status))
	done := e.stepPayload(snap, idx)
	done.Attempt = attempt
	done.Output = snap.Steps[idx].Output
	e.publish(p.ID, idx, protocol.EventStepCompleted, done)
	if next {
		e.publish(p.ID, idx+1, protocol.EventStepStarted, e.stepPayload(snap, idx+1))
	} else {
		e.publishPipeline(snap, protocol.EventPipelineCompleted)
		e.release(p.ID)
	}

	switch d.Kind {
	case runner.DirectiveRestart, runner.DirectiveFeedback:
		return e.restartStep(ctx, snap, d.Step, d.FeedbackID) || next
	case runner.DirectivePause:
		e.logger.Info("pause dropped, step completed first", "pipeline", p.ID, "step", idx)
	}
	return next
}

// awaitInput suspends the step until its clarification is answered.
func (e *Engine) awaitInput(ctx context.Context, p *protocol.Pipeline, idx, attempt int, c *tool.Clarification) bool {
	req := &protocol.ClarificationRequest{
		ID:         e.newID(),
		PipelineID: p.ID,
		StepIndex:  idx,
		Question:   c.Question,
		Options:    c.Options,
		Status:     protocol.InputPending,
	}
	if err := e.store.AddClarification(ctx, req); err != nil {
		e.abort(p.ID, idx, attempt, err)
		return false
	}
	status, err := e.store.UpdateStepStatus(ctx, p.ID, store.StepUpdate{
		Index: idx, Status: protocol.StepPaused, ExpectAttempt: attempt,
	})
	if err != nil {
		e.abort(p.ID, idx, attempt, err)
		return false
	}
	e.logger.Info("awaiting clarification", "pipeline", p.ID, "step", idx, "request", req.ID)
	e.publish(p.ID, idx, protocol.EventClarificationRequested, req)
	e.publishStatus(ctx, p.ID, status)
	return false
}

// streamFailed routes an invoker error: shutdown interrupts, a pending
// restart wins, anything else goes through the failure policy.
func (e *Engine) streamFailed(ctx, sctx context.Context, t *runner.Task, p *protocol.Pipeline, idx, attempt int, err error) bool {
	if ctx.Err() != nil {
		e.interrupt(p.ID, idx, attempt, "shutdown")
		return false
	}
	if d := t.Pending(); d.Kind == runner.DirectiveRestart {
		return e.honour(ctx, t, p, idx, attempt)
	}
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: stream ended without a result", agent.ErrMalformedOutput)
	}
	kind := Classify(err)
	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		kind = protocol.ErrorTimeout
	}
	return e.failStep(ctx, t, p, idx, attempt, &StepError{Kind: kind, Step: idx, Err: err})
}

// failStep retries a retryable failure while the step's budget lasts, and
// otherwise fails the step and the pipeline.
func (e *Engine) failStep(ctx context.Context, t *runner.Task, p *protocol.Pipeline, idx, attempt int, serr *StepError) bool {
	logger := e.logger.With("pipeline", p.ID, "step", idx, "attempt", attempt)
	name := p.Steps[idx].Name

	retried, err := e.retriesUsed(ctx, p.ID, idx)
	if err != nil {
		e.abort(p.ID, idx, attempt, err)
		return false
	}

	if retried < e.policy.retries(e.steps[idx], serr.Kind) {
		logger.Warn("step failed, retrying", "kind", string(serr.Kind), "error", serr.Err, "retry", retried+1)
		e.publish(p.ID, idx, protocol.EventStepRetrying, protocol.StepPayload{Name: name, Attempt: attempt, Error: serr.Error()})
		if err := sleepCtx(ctx, e.policy.backoff(retried)); err != nil {
			e.interrupt(p.ID, idx, attempt, "shutdown")
			return false
		}
		_, err := e.store.UpdateStepStatus(ctx, p.ID,
			store.StepUpdate{Index: idx, Status: protocol.StepRunning, ExpectAttempt: attempt, Error: serr.Error(), ErrorKind: serr.Kind},
			store.StepUpdate{Index: idx, Status: protocol.StepRunning, NewAttempt: true, Archive: protocol.HistoryRetry},
		)
		if err != nil {
			e.abort(p.ID, idx, attempt, err)
			return false
		}
		e.publish(p.ID, idx, protocol.EventStepStarted, protocol.StepPayload{Name: name, Attempt: attempt + 1})
		return true
	}

	status, err := e.store.UpdateStepStatus(ctx, p.ID, store.StepUpdate{
		Index:         idx,
		Status:        protocol.StepFailed,
		ExpectAttempt: attempt,
		Error:         serr.Error(),
		ErrorKind:     serr.Kind,
	})
	if err != nil {
		e.abort(p.ID, idx, attempt, err)
		return false
	}
	logger.Error("step failed", "kind", string(serr.Kind), "error", serr.Err)
	e.publish(p.ID, idx, protocol.EventStepFailed, protocol.StepPayload{Name: name, Attempt: attempt, Error: serr.Error()})
	e.publish(p.ID, idx, protocol.EventError, protocol.ErrorPayload{Kind: serr.Kind, Message: serr.Error(), Attempt: attempt})
	e.publishStatus(ctx, p.ID, status)
	e.release(p.ID)
	return false
}

// retriesUsed counts the automatic retries since the step last ran for any
// other reason.
func (e *Engine) retriesUsed(ctx context.Context, id string, idx int) (int, error) {
	history, err := e.store.StepHistory(ctx, id, idx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := len(history) - 1; i >= 0 && history[i].Reason == protocol.HistoryRetry; i-- {
		n++
	}
	return n, nil
}

// abort handles a persistence failure: the task stops and the step is left
// interrupted so the pipeline can be resumed.
func (e *Engine) abort(id string, idx, attempt int, err error) {
	e.logger.Error("persistence failure, task aborted", "pipeline", id, "step", idx, "attempt", attempt, "error", err)
	e.publish(id, idx, protocol.EventError, protocol.ErrorPayload{
		Kind:    protocol.ErrorPersistenceFailure,
		Message: err.Error(),
		Attempt: attempt,
	})
	if errors.Is(err, store.ErrConflict) {
		return
	}
	e.interrupt(id, idx, attempt, "persistence failure")
}

// interrupt marks the step interrupted using a context detached from the
// task, which may already be cancelled.
func (e *Engine) interrupt(id string, idx, attempt int, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
	defer cancel()
	status, err := e.store.UpdateStepStatus(ctx, id, store.StepUpdate{
		Index: idx, Status: protocol.StepInterrupted, ExpectAttempt: attempt,
	})
	if err != nil {
		e.logger.Warn("mark interrupted failed", "pipeline", id, "step", idx, "error", err)
		return
	}
	e.logger.Info("step interrupted", "pipeline", id, "step", idx, "reason", reason)
	e.publish(id, idx, protocol.EventStepInterrupted, protocol.StepPayload{Attempt: attempt})
	e.publishStatus(ctx, id, status)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
