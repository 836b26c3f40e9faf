package connector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/pkg/protocol"
)

type call struct {
	op   string
	id   string
	step int
	text string
}

type mockControl struct {
	mu        sync.Mutex
	pipelines []*protocol.Pipeline
	calls     []call
	err       error
	answer    protocol.ClarificationAnswer
}

func newPipeline(id string) *protocol.Pipeline {
	p := &protocol.Pipeline{ID: id, TicketRef: "ENG-1", Branch: "relay/eng-1", Status: protocol.PipelineRunning}
	for i, d := range protocol.DefaultSteps() {
		p.Steps = append(p.Steps, protocol.Step{Index: i, Kind: d.Kind, Name: d.Name, Status: protocol.StepPending, Attempt: 1})
	}
	return p
}

func (m *mockControl) record(c call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *mockControl) find(id string) (*protocol.Pipeline, error) {
	for _, p := range m.pipelines {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockControl) CreatePipeline(_ context.Context, ticketRef, repo string) (*protocol.Pipeline, error) {
	m.record(call{op: "create", text: ticketRef + "@" + repo})
	p := newPipeline("99999999-new")
	p.TicketRef = ticketRef
	p.Status = protocol.PipelinePending
	m.pipelines = append(m.pipelines, p)
	return p, nil
}

func (m *mockControl) Get(_ context.Context, id string) (*protocol.Pipeline, error) {
	return m.find(id)
}

func (m *mockControl) List(_ context.Context, _ store.Filter) ([]*protocol.Pipeline, error) {
	return m.pipelines, nil
}

func (m *mockControl) Start(_ context.Context, id string) (*protocol.Pipeline, error) {
	m.record(call{op: "start", id: id})
	return m.find(id)
}

func (m *mockControl) Pause(_ context.Context, id string) (*protocol.Pipeline, error) {
	m.record(call{op: "pause", id: id})
	if m.err != nil {
		return nil, m.err
	}
	p, err := m.find(id)
	if err == nil {
		p.Status = protocol.PipelinePaused
	}
	return p, err
}

func (m *mockControl) Resume(_ context.Context, id string) (*protocol.Pipeline, error) {
	m.record(call{op: "resume", id: id})
	return m.find(id)
}

func (m *mockControl) Restart(_ context.Context, id string, step int) (*protocol.Pipeline, error) {
	m.record(call{op: "restart", id: id, step: step})
	return m.find(id)
}

func (m *mockControl) SubmitFeedback(_ context.Context, id string, step int, payload string) (*protocol.Feedback, error) {
	m.record(call{op: "feedback", id: id, step: step, text: payload})
	return &protocol.Feedback{ID: "fb-123456789", PipelineID: id, StepIndex: step, Payload: payload}, nil
}

func (m *mockControl) SubmitClarificationAnswer(_ context.Context, id, requestID string, ans protocol.ClarificationAnswer) (*protocol.ClarificationRequest, error) {
	m.record(call{op: "answer", id: id, text: requestID})
	m.answer = ans
	return &protocol.ClarificationRequest{ID: requestID, Options: []string{"yes", "no"}, SelectedOption: ans.SelectedOption, CustomAnswer: ans.CustomAnswer}, nil
}

func (m *mockControl) last() call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

func newTestCommands() (*Commands, *mockControl) {
	mc := &mockControl{pipelines: []*protocol.Pipeline{
		newPipeline("abcd1234-0000"),
		newPipeline("abce5678-0000"),
	}}
	return NewCommands(mc, "git@example.com:org/repo.git", nil), mc
}

func handle(c *Commands, text string) string {
	return c.Handle(context.Background(), InboundMessage{Channel: "test", SenderID: "u1", ChatID: "c1", Content: text})
}

func TestCommands_Help(t *testing.T) {
	c, _ := newTestCommands()
	if got := handle(c, "/help"); got != HelpText {
		t.Errorf("help = %q", got)
	}
	if got := handle(c, "hello"); !strings.Contains(got, "/help") {
		t.Errorf("plain text reply = %q", got)
	}
	if got := handle(c, "/deploy"); !strings.Contains(got, "unknown command") {
		t.Errorf("unknown reply = %q", got)
	}
}

func TestCommands_Run(t *testing.T) {
	c, mc := newTestCommands()
	got := handle(c, "/run ENG-42")
	if !strings.Contains(got, "started") {
		t.Fatalf("reply = %q", got)
	}
	if mc.calls[0].op != "create" || mc.calls[0].text != "ENG-42@git@example.com:org/repo.git" {
		t.Errorf("create call = %+v", mc.calls[0])
	}
	if mc.last().op != "start" {
		t.Errorf("last call = %+v", mc.last())
	}

	handle(c, "/run ENG-43 other/repo")
	if mc.calls[2].text != "ENG-43@other/repo" {
		t.Errorf("repo override ignored: %+v", mc.calls[2])
	}
}

func TestCommands_PrefixResolution(t *testing.T) {
	c, mc := newTestCommands()

	if got := handle(c, "/pause abcd"); !strings.Contains(got, "paused") {
		t.Errorf("reply = %q", got)
	}
	if mc.last().id != "abcd1234-0000" {
		t.Errorf("resolved id = %q", mc.last().id)
	}

	if got := handle(c, "/pause abc"); !strings.Contains(got, "too short") {
		t.Errorf("short prefix reply = %q", got)
	}
	if got := handle(c, "/resume abc1"); !strings.Contains(got, "no pipeline") {
		t.Errorf("no match reply = %q", got)
	}

	mc.pipelines = append(mc.pipelines, newPipeline("abcd9999-0000"))
	if got := handle(c, "/resume abcd"); !strings.Contains(got, "ambiguous") {
		t.Errorf("ambiguous reply = %q", got)
	}
}

func TestCommands_RestartAndFeedback(t *testing.T) {
	c, mc := newTestCommands()

	handle(c, "/restart abcd1234 coding")
	if got := mc.last(); got.op != "restart" || got.step != 3 {
		t.Errorf("restart call = %+v", got)
	}

	handle(c, "/feedback abcd1234 2   use the  v2 API\nplease")
	got := mc.last()
	if got.op != "feedback" || got.step != 2 {
		t.Fatalf("feedback call = %+v", got)
	}
	if got.text != "use the  v2 API\nplease" {
		t.Errorf("feedback text = %q", got.text)
	}

	if reply := handle(c, "/restart abcd1234 9"); !strings.Contains(reply, "out of range") {
		t.Errorf("reply = %q", reply)
	}
	if reply := handle(c, "/feedback abcd1234"); !strings.Contains(reply, "usage") {
		t.Errorf("reply = %q", reply)
	}
}

func TestCommands_Answer(t *testing.T) {
	c, mc := newTestCommands()
	mc.pipelines[0].Clarifications = []protocol.ClarificationRequest{
		{ID: "req-done", Status: protocol.InputAnswered},
		{ID: "req-open", Status: protocol.InputPending, Question: "Which?", Options: []string{"yes", "no"}},
	}

	if got := handle(c, "/answer abcd req 2"); got != "Answered: no" {
		t.Errorf("reply = %q", got)
	}
	if mc.last().text != "req-open" {
		t.Errorf("request = %q", mc.last().text)
	}
	if mc.answer.SelectedOption == nil || *mc.answer.SelectedOption != 1 {
		t.Errorf("answer = %+v", mc.answer)
	}

	handle(c, "/answer abcd req-open use both")
	if mc.answer.CustomAnswer != "use both" || mc.answer.SelectedOption != nil {
		t.Errorf("answer = %+v", mc.answer)
	}

	if got := handle(c, "/answer abcd req-done 1"); !strings.Contains(got, "no open clarification") {
		t.Errorf("reply = %q", got)
	}
}

func TestCommands_Status(t *testing.T) {
	c, mc := newTestCommands()
	mc.pipelines[1].Status = protocol.PipelineCompleted

	got := handle(c, "/status")
	if !strings.Contains(got, "abcd1234") || strings.Contains(got, "abce5678") {
		t.Errorf("active list = %q", got)
	}

	got = handle(c, "/status abcd")
	if !strings.Contains(got, "Code Implementation") || !strings.Contains(got, "relay/eng-1") {
		t.Errorf("detail = %q", got)
	}

	mc.pipelines[0].Status = protocol.PipelineFailed
	if got := handle(c, "/status"); got != "No active pipelines." {
		t.Errorf("empty list = %q", got)
	}
}

func TestCommands_TelegramBotSuffix(t *testing.T) {
	c, _ := newTestCommands()
	if got := handle(c, "/help@relay_bot"); got != HelpText {
		t.Errorf("reply = %q", got)
	}
}

func TestCommands_EngineError(t *testing.T) {
	c, mc := newTestCommands()
	mc.err = errors.New("engine: pipeline is not running")
	if got := handle(c, "/pause abcd"); got != "Error: engine: pipeline is not running" {
		t.Errorf("reply = %q", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []OutboundMessage
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingSender) sent() []OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OutboundMessage(nil), r.msgs...)
}

func TestCommands_HandlerReplies(t *testing.T) {
	c, _ := newTestCommands()
	rs := &recordingSender{}
	h := c.Handler(rs)

	if err := h(context.Background(), InboundMessage{ChatID: "C1:171.5", Content: "/status abcd"}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	msgs := rs.sent()
	if len(msgs) != 1 || msgs[0].ChatID != "C1:171.5" {
		t.Fatalf("sent = %+v", msgs)
	}
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"0", 0, true},
		{"7", 7, true},
		{"context", 0, true},
		{"Review", 7, true},
		{"pr", 6, true},
		{"8", 0, false},
		{"-1", 0, false},
		{"deploy", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseStep(tt.in)
		if (err == nil) != tt.ok || (tt.ok && got != tt.want) {
			t.Errorf("ParseStep(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestRestAfter(t *testing.T) {
	if got := restAfter("/feedback id 2 hello  world", 3); got != "hello  world" {
		t.Errorf("got %q", got)
	}
	if got := restAfter("/feedback id", 3); got != "" {
		t.Errorf("got %q", got)
	}
}
