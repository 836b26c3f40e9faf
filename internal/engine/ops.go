package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/relay/internal/agent"
	"github.com/h1v3-io/relay/internal/eventbus"
	"github.com/h1v3-io/relay/internal/runner"
	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/pkg/protocol"
)

// CreatePipeline registers a new pipeline for a ticket. It does not start it.
func (e *Engine) CreatePipeline(ctx context.Context, ticketRef, repo string) (*protocol.Pipeline, error) {
	ticketRef = strings.TrimSpace(ticketRef)
	if ticketRef == "" {
		return nil, invalidState("ticket ref is required")
	}
	id := e.newID()
	now := e.now().UTC()
	p := &protocol.Pipeline{
		ID:        id,
		TicketRef: ticketRef,
		Repo:      repo,
		Branch:    e.branchName(ticketRef, id),
		Status:    protocol.PipelinePending,
		CreatedAt: now,
		UpdatedAt: now,
		Steps:     make([]protocol.Step, protocol.StepCount),
	}
	for i, def := range e.steps {
		p.Steps[i] = protocol.Step{Index: i, Kind: def.Kind, Name: def.Name, Status: protocol.StepPending}
	}
	if err := e.store.CreatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("engine: create pipeline: %w", err)
	}
	e.logger.Info("pipeline created", "pipeline", id, "ticket", ticketRef, "branch", p.Branch)
	return p, nil
}

// Get returns a pipeline snapshot.
func (e *Engine) Get(ctx context.Context, id string) (*protocol.Pipeline, error) {
	return e.load(ctx, id)
}

// List returns pipelines matching the filter.
func (e *Engine) List(ctx context.Context, filter store.Filter) ([]*protocol.Pipeline, error) {
	ps, err := e.store.ListPipelines(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("engine: list: %w", err)
	}
	return ps, nil
}

// Checkpoints returns the persisted stream of a step attempt. Attempt 0
// selects the step's current attempt.
func (e *Engine) Checkpoints(ctx context.Context, id string, step, attempt int) ([]protocol.Checkpoint, error) {
	if err := checkStep(step); err != nil {
		return nil, err
	}
	if attempt == 0 {
		p, err := e.load(ctx, id)
		if err != nil {
			return nil, err
		}
		attempt = p.Steps[step].Attempt
	}
	return e.store.Checkpoints(ctx, id, step, attempt)
}

// History returns the archived outputs of a step.
func (e *Engine) History(ctx context.Context, id string, step int) ([]protocol.StepHistory, error) {
	if err := checkStep(step); err != nil {
		return nil, err
	}
	return e.store.StepHistory(ctx, id, step)
}

// Subscribe streams a pipeline's events, starting with a snapshot.
func (e *Engine) Subscribe(ctx context.Context, id string) (*eventbus.Subscription, error) {
	return e.bus.Subscribe(id, func() (protocol.Event, error) {
		p, err := e.load(ctx, id)
		if err != nil {
			return protocol.Event{}, err
		}
		return protocol.Event{
			PipelineID: id,
			StepIndex:  -1,
			Kind:       protocol.EventSnapshot,
			Payload:    p,
			Timestamp:  e.now().UTC(),
		}, nil
	})
}

// Start begins a pending pipeline at its first step.
func (e *Engine) Start(ctx context.Context, id string) (*protocol.Pipeline, error) {
	p, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkLive(p); err != nil {
		return nil, err
	}
	if p.Status != protocol.PipelinePending {
		return nil, invalidState("pipeline %s is %s, not pending", id, p.Status)
	}
	return e.launchWith(ctx, id, []store.StepUpdate{startUpdate(&p.Steps[0])}, 0, false)
}

// launchWith reserves the pipeline's task, applies the updates that make a
// step running and starts the task.
func (e *Engine) launchWith(ctx context.Context, id string, updates []store.StepUpdate, idx int, resumed bool) (*protocol.Pipeline, error) {
	t, err := e.arena.Reserve(id)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", id, err)
	}
	if len(updates) > 0 {
		if _, err := e.store.UpdateStepStatus(ctx, id, updates...); err != nil {
			e.arena.Abandon(t)
			if errors.Is(err, store.ErrConflict) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
			}
			return nil, fmt.Errorf("engine: %s: %w", id, err)
		}
	}
	p, err := e.load(ctx, id)
	if err != nil {
		e.arena.Abandon(t)
		return nil, err
	}
	payload := e.stepPayload(p, idx)
	payload.Resumed = resumed
	e.publish(id, idx, protocol.EventStepStarted, payload)
	e.launch(t)
	return p, nil
}

// Advance records a step's terminal result on behalf of an external agent
// and moves the pipeline on. It is refused while a task drives the pipeline.
func (e *Engine) Advance(ctx context.Context, id string, step int, result agent.StepResult) (*protocol.Pipeline, error) {
	if err := checkStep(step); err != nil {
		return nil, err
	}
	t, p, err := e.reserveRunning(ctx, id, step)
	if err != nil {
		return nil, err
	}
	e.complete(ctx, t, p, step, p.Steps[step].Attempt, agent.Item{Result: &result})
	// The task picks up the next step, if any, and otherwise exits at once.
	e.launch(t)
	return e.load(ctx, id)
}

// reserveRunning claims the pipeline's task slot and checks that step is the
// one running.
func (e *Engine) reserveRunning(ctx context.Context, id string, step int) (*runner.Task, *protocol.Pipeline, error) {
	t, err := e.arena.Reserve(id)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: %s: %w", id, err)
	}
	p, err := e.load(ctx, id)
	if err != nil {
		e.arena.Abandon(t)
		return nil, nil, err
	}
	if p.Steps[step].Status != protocol.StepRunning {
		e.arena.Abandon(t)
		return nil, nil, invalidState("step %d is %s, not running", step, p.Steps[step].Status)
	}
	return t, p, nil
}

// Pause asks the running step to stop at its next element boundary. The
// returned snapshot may still show it running.
func (e *Engine) Pause(ctx context.Context, id string) (*protocol.Pipeline, error) {
	p, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != protocol.PipelineRunning {
		return nil, invalidState("pipeline %s is %s, not running", id, p.Status)
	}
	live, err := e.direct(ctx, id, runner.Directive{Kind: runner.DirectivePause})
	if err != nil {
		return nil, err
	}
	if !live {
		// Running without a task: the run was aborted. Hold the slot while
		// the pause is recorded.
		t, err := e.arena.Reserve(id)
		if errors.Is(err, ErrAlreadyRunning) {
			return e.Pause(ctx, id)
		}
		if err != nil {
			return nil, fmt.Errorf("engine: pause %s: %w", id, err)
		}
		defer e.arena.Abandon(t)
		if p, err = e.load(ctx, id); err != nil {
			return nil, err
		}
		idx := p.RunningStep()
		if idx < 0 {
			return p, nil
		}
		status, err := e.store.UpdateStepStatus(ctx, id, store.StepUpdate{Index: idx, Status: protocol.StepInterrupted})
		if err != nil {
			return nil, fmt.Errorf("engine: pause %s: %w", id, err)
		}
		e.publish(id, idx, protocol.EventStepInterrupted, e.stepPayload(p, idx))
		e.publishStatus(ctx, id, status)
	}
	e.logger.Info("pause requested", "pipeline", id)
	return e.load(ctx, id)
}

// Resume continues a paused pipeline, an answered awaiting_input pipeline,
// or a running pipeline whose task was lost. The step's session is rebuilt
// from its checkpoints.
func (e *Engine) Resume(ctx context.Context, id string) (*protocol.Pipeline, error) {
	p, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkLive(p); err != nil {
		return nil, err
	}
	switch p.Status {
	case protocol.PipelineRunning:
		if _, ok := e.arena.Get(id); ok {
			return nil, fmt.Errorf("engine: resume %s: %w", id, ErrAlreadyRunning)
		}
		return e.launchWith(ctx, id, nil, p.RunningStep(), true)
	case protocol.PipelinePaused, protocol.PipelineAwaitingInput:
	default:
		return nil, invalidState("pipeline %s is %s", id, p.Status)
	}

	idx := protocol.CurrentIndex(p.Steps)
	st := &p.Steps[idx]
	if n := len(p.PendingClarifications(idx)); n > 0 {
		return nil, invalidState("step %d has %d unanswered clarification(s)", idx, n)
	}
	var u store.StepUpdate
	switch st.Status {
	case protocol.StepPending:
		u = startUpdate(st)
	case protocol.StepInterrupted, protocol.StepPaused:
		u = store.StepUpdate{Index: idx, Status: protocol.StepRunning, ExpectAttempt: st.Attempt}
	default:
		return nil, invalidState("step %d is %s", idx, st.Status)
	}
	e.logger.Info("pipeline resumed", "pipeline", id, "step", idx)
	return e.launchWith(ctx, id, []store.StepUpdate{u}, idx, st.Attempt > 0 && st.Status != protocol.StepPending)
}

// SubmitFeedback records human feedback for a step. A running step is
// interrupted and continues with the feedback; a completed or failed step is
// restarted; any other step receives it when it next runs.
func (e *Engine) SubmitFeedback(ctx context.Context, id string, step int, payload string) (*protocol.Feedback, error) {
	if err := checkStep(step); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload) == "" {
		return nil, invalidState("feedback is empty")
	}
	p, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkLive(p); err != nil {
		return nil, err
	}
	if st := p.Steps[step].Status; st == protocol.StepCompleted || st == protocol.StepFailed {
		if err := checkRestartable(p, step); err != nil {
			return nil, err
		}
	}

	fb := &protocol.Feedback{
		ID:         e.newID(),
		PipelineID: id,
		StepIndex:  step,
		Payload:    payload,
		Status:     protocol.InputPending,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.AddFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("engine: feedback %s: %w", id, err)
	}
	e.publish(id, step, protocol.EventFeedbackReceived, fb)
	e.logger.Info("feedback received", "pipeline", id, "step", step, "feedback", fb.ID)

	switch p.Steps[step].Status {
	case protocol.StepRunning:
		live, err := e.direct(ctx, id, runner.Directive{Kind: runner.DirectiveFeedback, Step: step, FeedbackID: fb.ID})
		if err != nil || live {
			return fb, err
		}
		// The task ended before it could take the feedback; decide again on
		// the fresh status.
		if p, err = e.load(ctx, id); err != nil {
			return fb, err
		}
		if st := p.Steps[step].Status; st != protocol.StepCompleted && st != protocol.StepFailed {
			return fb, nil
		}
		fallthrough
	case protocol.StepCompleted, protocol.StepFailed:
		_, err := e.restart(ctx, p, step, fb.ID)
		return fb, err
	}
	return fb, nil
}

// SubmitClarificationAnswer records an answer. When it was the step's last
// open question and the pipeline is awaiting input, the pipeline resumes.
func (e *Engine) SubmitClarificationAnswer(ctx context.Context, id, requestID string, ans protocol.ClarificationAnswer) (*protocol.ClarificationRequest, error) {
	c, err := e.store.AnswerClarification(ctx, id, requestID, ans)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("engine: answer %s: %w", requestID, err)
		}
		// Already answered, or an answer that does not fit the question.
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	e.logger.Info("clarification answered", "pipeline", id, "step", c.StepIndex, "request", requestID)

	p, err := e.load(ctx, id)
	if err != nil {
		return c, err
	}
	if p.Status == protocol.PipelineAwaitingInput && len(p.PendingClarifications(c.StepIndex)) == 0 {
		if _, err := e.Resume(ctx, id); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			return c, err
		}
	}
	return c, nil
}

// Restart discards a step's output into the history and runs it again.
// Later steps return to pending; no other step's output changes.
func (e *Engine) Restart(ctx context.Context, id string, step int) (*protocol.Pipeline, error) {
	if err := checkStep(step); err != nil {
		return nil, err
	}
	p, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkLive(p); err != nil {
		return nil, err
	}
	return e.restart(ctx, p, step, "")
}

func (e *Engine) restart(ctx context.Context, p *protocol.Pipeline, step int, feedbackID string) (*protocol.Pipeline, error) {
	if err := checkRestartable(p, step); err != nil {
		return nil, err
	}

	live, err := e.direct(ctx, p.ID, runner.Directive{Kind: runner.DirectiveRestart, Step: step, FeedbackID: feedbackID})
	if err != nil {
		return nil, err
	}
	if live {
		e.logger.Info("restart requested", "pipeline", p.ID, "step", step)
		return e.load(ctx, p.ID)
	}
	if p, err = e.load(ctx, p.ID); err != nil {
		return nil, err
	}
	reason := protocol.HistoryRestart
	if feedbackID != "" {
		reason = protocol.HistoryFeedback
	}
	e.logger.Info("step restarted", "pipeline", p.ID, "step", step, "reason", string(reason))
	return e.launchWith(ctx, p.ID, restartUpdates(p, step, reason, feedbackID), step, false)
}

// Fail records an externally reported step failure. Retryable kinds restart
// the step automatically while its retry budget lasts; the retry runs in the
// background and the returned snapshot shows the step still running.
func (e *Engine) Fail(ctx context.Context, id string, step int, kind protocol.ErrorKind, cause error) (*protocol.Pipeline, error) {
	if err := checkStep(step); err != nil {
		return nil, err
	}
	if cause == nil {
		cause = errors.New("step failed")
	}
	if kind == "" {
		kind = Classify(cause)
	}
	t, p, err := e.reserveRunning(ctx, id, step)
	if err != nil {
		return nil, err
	}
	used, err := e.retriesUsed(ctx, id, step)
	if err != nil {
		e.arena.Abandon(t)
		return nil, fmt.Errorf("engine: fail %s: %w", id, err)
	}
	serr := &StepError{Kind: kind, Step: step, Err: cause}
	attempt := p.Steps[step].Attempt
	e.arena.Go(t, func(ctx context.Context, t *runner.Task) {
		if e.failStep(ctx, t, p, step, attempt, serr) {
			e.run(ctx, t)
		}
	})
	if used >= e.policy.retries(e.steps[step], kind) {
		if err := e.arena.Wait(ctx, id); err != nil {
			return nil, err
		}
	}
	return e.load(ctx, id)
}

// Reconcile marks every running step without a live task as interrupted,
// or as waiting on input when it has open questions. It never resumes.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	return e.sweep(ctx, 0)
}

// SweepStale reconciles only pipelines idle for longer than age.
func (e *Engine) SweepStale(ctx context.Context, age time.Duration) (int, error) {
	return e.sweep(ctx, age)
}

func (e *Engine) sweep(ctx context.Context, age time.Duration) (int, error) {
	running := protocol.PipelineRunning
	ps, err := e.store.ListPipelines(ctx, store.Filter{Status: &running})
	if err != nil {
		return 0, fmt.Errorf("engine: reconcile: %w", err)
	}
	cutoff := e.now().Add(-age)
	n := 0
	for _, p := range ps {
		if _, live := e.arena.Get(p.ID); live {
			continue
		}
		if age > 0 && p.UpdatedAt.After(cutoff) {
			continue
		}
		full, err := e.load(ctx, p.ID)
		if err != nil {
			return n, err
		}
		idx := full.RunningStep()
		if idx < 0 {
			continue
		}
		next := protocol.StepInterrupted
		if len(full.PendingClarifications(idx)) > 0 {
			next = protocol.StepPaused
		}
		status, err := e.store.UpdateStepStatus(ctx, p.ID, store.StepUpdate{
			Index: idx, Status: next, ExpectAttempt: full.Steps[idx].Attempt,
		})
		if err != nil {
			return n, fmt.Errorf("engine: reconcile %s: %w", p.ID, err)
		}
		n++
		e.logger.Warn("orphaned step reconciled", "pipeline", p.ID, "step", idx, "status", string(next))
		e.publish(p.ID, idx, protocol.EventStepInterrupted, e.stepPayload(full, idx))
		e.publishStatus(ctx, p.ID, status)
	}
	return n, nil
}

// Retire soft-retires terminal pipelines idle for longer than maxAge.
func (e *Engine) Retire(ctx context.Context, maxAge time.Duration) ([]string, error) {
	ids, err := e.store.Retire(ctx, e.now().Add(-maxAge))
	if err != nil {
		return ids, fmt.Errorf("engine: retire: %w", err)
	}
	for _, id := range ids {
		e.release(id)
	}
	if len(ids) > 0 {
		e.logger.Info("pipelines retired", "count", len(ids))
	}
	return ids, nil
}

// Shutdown stops every task. Running steps are left interrupted.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.arena.Shutdown(ctx)
}

// direct hands d to the pipeline's live task. It reports false when there
// is no task that will act on it, after waiting for an exiting task to go.
func (e *Engine) direct(ctx context.Context, id string, d runner.Directive) (bool, error) {
	t, ok := e.arena.Get(id)
	if !ok {
		return false, nil
	}
	if t.Request(d) || !t.Sealed() {
		return true, nil
	}
	select {
	case <-t.Done():
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func checkStep(step int) error {
	if step < 0 || step >= protocol.StepCount {
		return fmt.Errorf("step %d: %w", step, ErrNotFound)
	}
	return nil
}

// checkRestartable rejects a restart of a step that has never run or that
// comes after a step which has not completed.
func checkRestartable(p *protocol.Pipeline, step int) error {
	if st := p.Steps[step]; st.Status == protocol.StepPending && st.Attempt == 0 {
		return invalidState("step %d has not run yet", step)
	}
	for j := 0; j < step; j++ {
		if st := p.Steps[j]; st.Status != protocol.StepCompleted {
			return invalidState("step %d cannot restart while step %d is %s", step, j, st.Status)
		}
	}
	return nil
}

func checkLive(p *protocol.Pipeline) error {
	if p.RetiredAt != nil {
		return invalidState("pipeline %s is retired", p.ID)
	}
	return nil
}
