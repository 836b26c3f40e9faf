package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/h1v3-io/relay/internal/provider"
	"github.com/h1v3-io/relay/internal/tool"
	"github.com/h1v3-io/relay/internal/workspace"
	"github.com/h1v3-io/relay/pkg/protocol"
)

// LLM runs a step as a ReAct loop against a chat provider. Each call to Next
// performs at most one provider round or one tool call, so the engine can
// checkpoint and honour directives between them.
type LLM struct {
	Provider      provider.Provider
	Tools         *tool.Registry
	Workspaces    workspace.Provider
	Logger        *slog.Logger
	MaxIterations int
	Now           func() time.Time
}

// NewLLM creates an LLM invoker with sensible defaults.
func NewLLM(prov provider.Provider, tools *tool.Registry, ws workspace.Provider) *LLM {
	return &LLM{
		Provider:      prov,
		Tools:         tools,
		Workspaces:    ws,
		Logger:        slog.Default(),
		MaxIterations: defaultMaxIterations,
		Now:           time.Now,
	}
}

// llmState is the conversation snapshot stored with each checkpoint.
type llmState struct {
	Messages   []protocol.ChatMessage `json:"messages"`
	Pending    []protocol.ToolCall    `json:"pending,omitempty"`
	Awaiting   string                 `json:"awaiting,omitempty"`
	Inbox      []string               `json:"inbox,omitempty"`
	Iterations int                    `json:"iterations"`
}

// Invoke starts or resumes a step conversation.
func (l *LLM) Invoke(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &llmStream{llm: l, req: req}
	if l.Tools != nil {
		s.defs = l.Tools.DefinitionsFor(req.Step.ToolAllowed)
	}

	if len(req.State) > 0 {
		if err := json.Unmarshal(req.State, &s.state); err != nil {
			return nil, fmt.Errorf("%w: session state: %v", ErrMalformedOutput, err)
		}
	} else {
		now := time.Now
		if l.Now != nil {
			now = l.Now
		}
		s.state.Messages = []protocol.ChatMessage{
			{Role: "system", Content: BuildSystemPrompt(req, s.defs, now())},
			{Role: "user", Content: BuildTaskMessage(req)},
		}
	}
	s.deliver(req.Inputs)

	l.logger().Debug("agent invoked",
		"pipeline", req.PipelineID,
		"step", req.StepIndex,
		"attempt", req.Attempt,
		"resume", req.Resuming(),
		"messages", len(s.state.Messages),
	)
	return s, nil
}

func (l *LLM) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

type llmStream struct {
	llm   *LLM
	req   Request
	defs  []protocol.ToolDefinition
	state llmState
	queue []Item
	cost  float64
	done  bool
}

// deliver hands human inputs to the conversation. An answer to the question
// the agent is waiting on becomes that tool call's result; everything else
// is queued for the next user turn.
func (s *llmStream) deliver(inputs []Input) {
	var answers, rest []Input
	for _, in := range inputs {
		if in.Kind == InputClarification && s.state.Awaiting != "" {
			answers = append(answers, in)
		} else {
			rest = append(rest, in)
		}
	}

	if s.state.Awaiting != "" && len(answers) > 0 {
		if len(s.state.Pending) > 0 && s.state.Pending[0].ID == s.state.Awaiting {
			tc := s.state.Pending[0]
			s.state.Pending = s.state.Pending[1:]
			s.state.Messages = append(s.state.Messages, protocol.ChatMessage{
				Role:       "tool",
				Content:    formatInputs(answers),
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		} else {
			rest = append(rest, answers...)
		}
		s.state.Awaiting = ""
	}

	if text := formatInputs(rest); text != "" {
		s.state.Inbox = append(s.state.Inbox, text)
	}
}

func (s *llmStream) Next(ctx context.Context) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		if len(s.queue) > 0 {
			it := s.queue[0]
			s.queue = s.queue[1:]
			return it, nil
		}
		if s.done {
			return Item{}, io.EOF
		}
		if len(s.state.Pending) > 0 {
			if s.state.Awaiting != "" {
				return Item{}, fmt.Errorf("%w: clarification %s was never answered", ErrMalformedOutput, s.state.Awaiting)
			}
			return s.runTool(ctx)
		}
		if err := s.chat(ctx); err != nil {
			return Item{}, err
		}
	}
}

func (s *llmStream) Close() error { return nil }

func (s *llmStream) chat(ctx context.Context) error {
	maxIter := s.llm.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	if s.state.Iterations >= maxIter {
		return fmt.Errorf("%w (%d) in step %d", ErrIterationLimit, maxIter, s.req.StepIndex)
	}

	if len(s.state.Inbox) > 0 {
		text := strings.Join(s.state.Inbox, "\n\n")
		if last := len(s.state.Messages) - 1; last >= 0 && s.state.Messages[last].Role == "user" {
			s.state.Messages[last].Content += "\n\n" + text
		} else {
			s.state.Messages = append(s.state.Messages, protocol.ChatMessage{Role: "user", Content: text})
		}
		s.state.Inbox = nil
	}

	req := protocol.ChatRequest{
		Model:     s.req.Step.Model,
		Messages:  s.state.Messages,
		Tools:     s.defs,
		MaxTokens: s.req.Step.MaxTokens,
	}

	s.llm.logger().Debug("agent chat request",
		"pipeline", s.req.PipelineID,
		"step", s.req.StepIndex,
		"iteration", s.state.Iterations+1,
		"messages", len(s.state.Messages),
	)

	resp, err := s.llm.Provider.Chat(ctx, req)
	if err != nil {
		return fmt.Errorf("step %d: provider error: %w", s.req.StepIndex, err)
	}
	s.state.Iterations++
	s.cost += responseCost(s.state.Messages, resp)

	if resp.Truncated() {
		return fmt.Errorf("%w: response truncated at max_tokens", ErrMalformedOutput)
	}
	if resp.Content == "" && !resp.HasToolCalls() {
		return fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}

	s.state.Messages = append(s.state.Messages, protocol.ChatMessage{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	if resp.HasToolCalls() {
		s.state.Pending = append([]protocol.ToolCall(nil), resp.ToolCalls...)
		if resp.Content != "" {
			it, err := s.emit(Item{Chunk: resp.Content + "\n"})
			if err != nil {
				return err
			}
			s.queue = append(s.queue, it)
		}
		return nil
	}

	s.llm.logger().Debug("agent final response",
		"pipeline", s.req.PipelineID,
		"step", s.req.StepIndex,
		"iteration", s.state.Iterations,
		"content_len", len(resp.Content),
	)
	s.done = true
	it, err := s.emit(Item{Chunk: resp.Content})
	if err != nil {
		return err
	}
	s.queue = append(s.queue, it, Item{Result: &StepResult{Artifact: resp.Content}})
	return nil
}

func (s *llmStream) runTool(ctx context.Context) (Item, error) {
	tc := s.state.Pending[0]
	logger := s.llm.logger()

	if tc.Name == tool.ClarifyName && s.req.Step.ToolAllowed(tc.Name) {
		c, err := tool.ParseClarification(tc.Arguments)
		if err == nil {
			logger.Info("clarification requested",
				"pipeline", s.req.PipelineID,
				"step", s.req.StepIndex,
				"question", c.Question,
			)
			s.state.Awaiting = tc.ID
			return s.emit(Item{
				ToolCall:      &protocol.ToolCallRecord{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments},
				Clarification: c,
			})
		}
		return s.finishTool(tc, "", err)
	}

	logger.Info(fmt.Sprintf("tool call: %s", tc.Name),
		"pipeline", s.req.PipelineID,
		"step", s.req.StepIndex,
		"call_id", tc.ID,
	)

	if !s.req.Step.ToolAllowed(tc.Name) || s.llm.Tools == nil {
		return s.finishTool(tc, "", fmt.Errorf("tool %q is not available in this step", tc.Name))
	}

	tctx := tool.WithWorkspace(ctx, s.req.Workspace, s.llm.Workspaces)
	tctx = tool.WithStep(tctx, tool.StepScope{PipelineID: s.req.PipelineID, StepIndex: s.req.StepIndex, Attempt: s.req.Attempt})
	result, err := s.llm.Tools.Execute(tctx, tc.Name, tc.Arguments)
	if ctx.Err() != nil {
		// Interrupted mid-call: leave the call pending so a resume retries it.
		return Item{}, ctx.Err()
	}
	return s.finishTool(tc, result, err)
}

// finishTool records a tool result in the conversation and emits it.
func (s *llmStream) finishTool(tc protocol.ToolCall, result string, err error) (Item, error) {
	rec := &protocol.ToolCallRecord{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments, Result: result}
	if err != nil {
		// Return error as tool result so the LLM can recover
		rec.Result = fmt.Sprintf("Error: %v", err)
		rec.IsError = true
		s.llm.logger().Warn(fmt.Sprintf("tool error: %s", tc.Name),
			"pipeline", s.req.PipelineID,
			"step", s.req.StepIndex,
			"error", err,
		)
	}
	s.state.Pending = s.state.Pending[1:]
	s.state.Messages = append(s.state.Messages, protocol.ChatMessage{
		Role:       "tool",
		Content:    rec.Result,
		ToolCallID: tc.ID,
		Name:       tc.Name,
	})
	return s.emit(Item{ToolCall: rec})
}

// emit attaches accumulated cost and the current state snapshot to an item.
func (s *llmStream) emit(it Item) (Item, error) {
	state, err := json.Marshal(s.state)
	if err != nil {
		return Item{}, fmt.Errorf("snapshot session: %w", err)
	}
	it.State = state
	it.Cost += s.cost
	s.cost = 0
	return it, nil
}

// responseCost prices a provider round, falling back to a character
// estimate when the provider reports no usage.
func responseCost(messages []protocol.ChatMessage, resp *protocol.ChatResponse) float64 {
	if resp.Usage.TotalTokens() > 0 {
		return resp.Usage.Cost()
	}
	var prompt, completion strings.Builder
	for _, m := range messages {
		prompt.WriteString(m.Content)
	}
	completion.WriteString(resp.Content)
	for _, tc := range resp.ToolCalls {
		args, _ := json.Marshal(tc.Arguments)
		completion.WriteString(tc.Name)
		completion.Write(args)
	}
	return protocol.EstimateCost(prompt.String(), completion.String())
}
