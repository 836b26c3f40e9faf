package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Scripted is a deterministic invoker. It plays a fixed list of items per
// request, skipping the ones already checkpointed, and ends with a Result
// whose artifact is the concatenation of every chunk in the script. relayd
// uses it for dry runs.
type Scripted struct {
	// Script returns the items for a request. Nil uses DefaultScript.
	Script func(req Request) []Item
	// Before runs ahead of item i (an index into the full script). A non-nil
	// error ends the stream with that error.
	Before func(ctx context.Context, req Request, i int) error
	// Delay is slept before each item.
	Delay time.Duration

	mu    sync.Mutex
	calls []Request
}

// DefaultScript emits three chunks naming the step, followed by a line
// acknowledging any inputs.
func DefaultScript(req Request) []Item {
	var items []Item
	for i := 1; i <= 3; i++ {
		items = append(items, Item{
			Chunk: fmt.Sprintf("%s: part %d\n", req.Step.Name, i),
			Cost:  0.001,
		})
	}
	if text := formatInputs(req.Inputs); text != "" {
		items = append(items, Item{Chunk: fmt.Sprintf("applying input: %s\n", text)})
	}
	return items
}

// Invoke records the request and returns a stream over its script.
func (s *Scripted) Invoke(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	script := s.Script
	if script == nil {
		script = DefaultScript
	}
	items := script(req)

	var artifact strings.Builder
	hasResult := false
	for _, it := range items {
		artifact.WriteString(it.Chunk)
		if it.Result != nil {
			hasResult = true
		}
	}
	if !hasResult {
		items = append(items, Item{Result: &StepResult{Artifact: artifact.String()}})
	}

	// Checkpoints count stream elements; results are never checkpointed.
	skip := len(req.History)
	if skip > len(items)-1 {
		skip = len(items) - 1
	}
	return &scriptStream{owner: s, req: req, items: items, pos: skip}, nil
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

type scriptStream struct {
	owner *Scripted
	req   Request
	items []Item
	pos   int
}

func (st *scriptStream) Next(ctx context.Context) (Item, error) {
	if st.pos >= len(st.items) {
		return Item{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	if st.owner.Before != nil {
		if err := st.owner.Before(ctx, st.req, st.pos); err != nil {
			return Item{}, err
		}
	}
	if d := st.owner.Delay; d > 0 {
		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-time.After(d):
		}
	}
	it := st.items[st.pos]
	st.pos++
	return it, nil
}

func (st *scriptStream) Close() error { return nil }
