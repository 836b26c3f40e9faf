package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/h1v3-io/relay/internal/engine"
	"github.com/h1v3-io/relay/internal/eventbus"
	"github.com/h1v3-io/relay/internal/logbuf"
	"github.com/h1v3-io/relay/internal/scheduler"
	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/pkg/protocol"
)

// mockService implements PipelineService for testing.
type mockService struct {
	bus       *eventbus.Bus
	pipelines map[string]*protocol.Pipeline
	filter    store.Filter
	started   []string
	restarts  []int
	feedback  []string
	answers   []protocol.ClarificationAnswer
	attempt   int
	startErr  error
}

func newMockService(ps ...*protocol.Pipeline) *mockService {
	m := &mockService{
		bus:       eventbus.New(16, slog.New(slog.NewTextHandler(io.Discard, nil))),
		pipelines: make(map[string]*protocol.Pipeline),
	}
	for _, p := range ps {
		m.pipelines[p.ID] = p
	}
	return m
}

func (m *mockService) Steps() []protocol.StepDefinition { return protocol.DefaultSteps() }

func (m *mockService) CreatePipeline(_ context.Context, ticketRef, repo string) (*protocol.Pipeline, error) {
	p := &protocol.Pipeline{ID: fmt.Sprintf("p-%d", len(m.pipelines)+1), TicketRef: ticketRef, Repo: repo, Status: protocol.PipelinePending}
	m.pipelines[p.ID] = p
	return p, nil
}

func (m *mockService) Get(_ context.Context, id string) (*protocol.Pipeline, error) {
	p, ok := m.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (m *mockService) List(_ context.Context, f store.Filter) ([]*protocol.Pipeline, error) {
	m.filter = f
	var out []*protocol.Pipeline
	for _, p := range m.pipelines {
		if f.Status == nil || p.Status == *f.Status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockService) Checkpoints(ctx context.Context, id string, step, attempt int) ([]protocol.Checkpoint, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	m.attempt = attempt
	return []protocol.Checkpoint{{PipelineID: id, StepIndex: step, Attempt: 1, Kind: protocol.CheckpointChunk, Text: "hello"}}, nil
}

func (m *mockService) History(ctx context.Context, id string, _ int) ([]protocol.StepHistory, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *mockService) Subscribe(ctx context.Context, id string) (*eventbus.Subscription, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.bus.Subscribe(id, func() (protocol.Event, error) {
		return protocol.Event{PipelineID: id, StepIndex: -1, Kind: protocol.EventSnapshot, Payload: p}, nil
	})
}

func (m *mockService) Start(ctx context.Context, id string) (*protocol.Pipeline, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.started = append(m.started, id)
	p.Status = protocol.PipelineRunning
	return p, nil
}

func (m *mockService) Pause(ctx context.Context, id string) (*protocol.Pipeline, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != protocol.PipelineRunning {
		return nil, fmt.Errorf("pause: %w", engine.ErrInvalidState)
	}
	p.Status = protocol.PipelinePaused
	return p, nil
}

func (m *mockService) Resume(ctx context.Context, id string) (*protocol.Pipeline, error) {
	return m.Get(ctx, id)
}

func (m *mockService) Restart(ctx context.Context, id string, step int) (*protocol.Pipeline, error) {
	m.restarts = append(m.restarts, step)
	return m.Get(ctx, id)
}

func (m *mockService) SubmitFeedback(_ context.Context, id string, step int, payload string) (*protocol.Feedback, error) {
	m.feedback = append(m.feedback, payload)
	return &protocol.Feedback{ID: "fb-1", PipelineID: id, StepIndex: step, Payload: payload, Status: protocol.InputPending}, nil
}

func (m *mockService) SubmitClarificationAnswer(_ context.Context, id, requestID string, ans protocol.ClarificationAnswer) (*protocol.ClarificationRequest, error) {
	m.answers = append(m.answers, ans)
	return &protocol.ClarificationRequest{ID: requestID, PipelineID: id, Status: protocol.InputAnswered, SelectedOption: ans.SelectedOption, CustomAnswer: ans.CustomAnswer}, nil
}

func newTestServer(svc PipelineService, key string) *Server {
	return NewServer(svc, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, nil)
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	w := do(srv, "GET", "/api/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestSteps(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	w := do(srv, "GET", "/api/steps", "")

	var defs []protocol.StepDefinition
	json.NewDecoder(w.Body).Decode(&defs)
	if len(defs) != protocol.StepCount {
		t.Fatalf("steps = %d", len(defs))
	}
	if defs[0].Kind != protocol.Kinds[0] {
		t.Errorf("first step = %s", defs[0].Kind)
	}
}

func TestCreatePipeline(t *testing.T) {
	svc := newMockService()
	srv := newTestServer(svc, "")
	w := do(srv, "POST", "/api/pipelines", `{"ticket_ref":"ENG-12","repo":"/src/app"}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var p protocol.Pipeline
	json.NewDecoder(w.Body).Decode(&p)
	if p.TicketRef != "ENG-12" || p.Repo != "/src/app" {
		t.Errorf("pipeline = %+v", p)
	}
	if len(svc.started) != 0 {
		t.Errorf("pipeline should not start without start=true")
	}
}

func TestCreatePipeline_Start(t *testing.T) {
	svc := newMockService()
	srv := newTestServer(svc, "")
	w := do(srv, "POST", "/api/pipelines", `{"ticket_ref":"ENG-12","start":true}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	var p protocol.Pipeline
	json.NewDecoder(w.Body).Decode(&p)
	if p.Status != protocol.PipelineRunning || len(svc.started) != 1 {
		t.Errorf("status = %s, started = %v", p.Status, svc.started)
	}
}

func TestCreatePipeline_Invalid(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	if w := do(srv, "POST", "/api/pipelines", `{"repo":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing ticket: status = %d", w.Code)
	}
	if w := do(srv, "POST", "/api/pipelines", `{bad`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d", w.Code)
	}
}

func TestListPipelines(t *testing.T) {
	svc := newMockService(
		&protocol.Pipeline{ID: "a", Status: protocol.PipelineRunning},
		&protocol.Pipeline{ID: "b", Status: protocol.PipelineCompleted},
	)
	srv := newTestServer(svc, "")
	w := do(srv, "GET", "/api/pipelines?status=running&ticket=ENG-1&limit=5&retired=true", "")

	var ps []*protocol.Pipeline
	json.NewDecoder(w.Body).Decode(&ps)
	if len(ps) != 1 || ps[0].ID != "a" {
		t.Errorf("pipelines = %v", ps)
	}
	f := svc.filter
	if f.TicketRef != "ENG-1" || f.Limit != 5 || !f.IncludeRetired {
		t.Errorf("filter = %+v", f)
	}
}

func TestListPipelines_Empty(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	w := do(srv, "GET", "/api/pipelines", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGetPipeline_NotFound(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	w := do(srv, "GET", "/api/pipelines/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestPause_InvalidState(t *testing.T) {
	svc := newMockService(&protocol.Pipeline{ID: "a", Status: protocol.PipelinePending})
	srv := newTestServer(svc, "")
	w := do(srv, "POST", "/api/pipelines/a/pause", "")

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	var body errorBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Kind != protocol.ErrorInvalidState {
		t.Errorf("kind = %s", body.Kind)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	svc := newMockService(&protocol.Pipeline{ID: "a"})
	svc.startErr = fmt.Errorf("start a: %w", engine.ErrAlreadyRunning)
	srv := newTestServer(svc, "")
	w := do(srv, "POST", "/api/pipelines/a/start", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d", w.Code)
	}
}

func TestStart_InternalError(t *testing.T) {
	svc := newMockService(&protocol.Pipeline{ID: "a"})
	svc.startErr = errors.New("disk on fire")
	srv := newTestServer(svc, "")
	w := do(srv, "POST", "/api/pipelines/a/start", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRestart(t *testing.T) {
	svc := newMockService(&protocol.Pipeline{ID: "a"})
	srv := newTestServer(svc, "")

	if w := do(srv, "POST", "/api/pipelines/a/steps/3/restart", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(svc.restarts) != 1 || svc.restarts[0] != 3 {
		t.Errorf("restarts = %v", svc.restarts)
	}
	for _, bad := range []string{"8", "-1", "x"} {
		if w := do(srv, "POST", "/api/pipelines/a/steps/"+bad+"/restart", ""); w.Code != http.StatusBadRequest {
			t.Errorf("step %s: status = %d", bad, w.Code)
		}
	}
}

func TestFeedback(t *testing.T) {
	svc := newMockService(&protocol.Pipeline{ID: "a"})
	srv := newTestServer(svc, "")
	w := do(srv, "POST", "/api/pipelines/a/steps/2/feedback", `{"payload":"use the v2 client"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	var fb protocol.Feedback
	json.NewDecoder(w.Body).Decode(&fb)
	if fb.StepIndex != 2 || fb.Payload != "use the v2 client" {
		t.Errorf("feedback = %+v", fb)
	}

	if w := do(srv, "POST", "/api/pipelines/a/steps/2/feedback", `{"payload":"  "}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty payload: status = %d", w.Code)
	}
}

func TestAnswerClarification(t *testing.T) {
	svc := newMockService(&protocol.Pipeline{ID: "a"})
	srv := newTestServer(svc, "")
	w := do(srv, "POST", "/api/pipelines/a/clarifications/req-1/answer", `{"selected_option":1}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(svc.answers) != 1 || svc.answers[0].SelectedOption == nil || *svc.answers[0].SelectedOption != 1 {
		t.Errorf("answers = %+v", svc.answers)
	}

	if w := do(srv, "POST", "/api/pipelines/a/clarifications/req-1/answer", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty answer: status = %d", w.Code)
	}
}

func TestCheckpoints(t *testing.T) {
	svc := newMockService(&protocol.Pipeline{ID: "a"})
	srv := newTestServer(svc, "")
	w := do(srv, "GET", "/api/pipelines/a/steps/0/checkpoints?attempt=2", "")

	var cps []protocol.Checkpoint
	json.NewDecoder(w.Body).Decode(&cps)
	if len(cps) != 1 || cps[0].Text != "hello" {
		t.Errorf("checkpoints = %+v", cps)
	}
	if svc.attempt != 2 {
		t.Errorf("attempt = %d", svc.attempt)
	}
	if w := do(srv, "GET", "/api/pipelines/a/steps/0/checkpoints?attempt=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad attempt: status = %d", w.Code)
	}
}

func TestHistory_Empty(t *testing.T) {
	srv := newTestServer(newMockService(&protocol.Pipeline{ID: "a"}), "")
	w := do(srv, "GET", "/api/pipelines/a/steps/1/history", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGetLogs(t *testing.T) {
	buf := logbuf.New(10)
	logger := slog.New(logbuf.NewHandler(slog.NewTextHandler(io.Discard, nil), buf))
	logger.Info("step started", "pipeline", "a")
	logger.Warn("step failed", "pipeline", "a")
	logger.Info("step started", "pipeline", "b")

	srv := NewServer(newMockService(), Config{}, nil, buf)
	w := do(srv, "GET", "/api/logs?pipeline=a&level=warn", "")

	var entries []logbuf.Entry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 1 || entries[0].Message != "step failed" {
		t.Errorf("entries = %+v", entries)
	}
}

type stubJobs []scheduler.JobInfo

func (s stubJobs) Jobs() []scheduler.JobInfo { return s }

func (s stubJobs) RunNow(_ context.Context, name string) error {
	for _, j := range s {
		if j.Name == name {
			if name == "broken" {
				return errors.New("retire: database is locked")
			}
			return nil
		}
	}
	return fmt.Errorf("scheduler: %w %q", scheduler.ErrUnknownJob, name)
}

func TestJobs(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	srv.SetJobs(stubJobs{{Name: "retention", Schedule: "0 3 * * *"}})
	w := do(srv, "GET", "/api/jobs", "")

	var jobs []scheduler.JobInfo
	json.NewDecoder(w.Body).Decode(&jobs)
	if len(jobs) != 1 || jobs[0].Name != "retention" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestRunJob(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	if w := do(srv, "POST", "/api/jobs/retention/run", ""); w.Code != http.StatusNotFound {
		t.Errorf("without jobs status = %d", w.Code)
	}

	srv.SetJobs(stubJobs{{Name: "retention"}, {Name: "broken"}})
	tests := []struct {
		job  string
		want int
	}{
		{"retention", http.StatusOK},
		{"nope", http.StatusNotFound},
		{"broken", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if w := do(srv, "POST", "/api/jobs/"+tt.job+"/run", ""); w.Code != tt.want {
			t.Errorf("run %s status = %d, want %d (%s)", tt.job, w.Code, tt.want, w.Body.String())
		}
	}
}

func TestMount(t *testing.T) {
	srv := newTestServer(newMockService(), "secret")
	srv.Mount("POST /hooks/pipelines", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	// Mounted handlers do their own auth.
	if w := do(srv, "POST", "/hooks/pipelines", ""); w.Code != http.StatusTeapot {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAuth_Required(t *testing.T) {
	srv := newTestServer(newMockService(), "secret-key")

	w := do(srv, "GET", "/api/pipelines", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/pipelines", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/pipelines", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("correct key: status = %d", w.Code)
	}

	if w := do(srv, "GET", "/api/pipelines?key=secret-key", ""); w.Code != http.StatusOK {
		t.Errorf("query key: status = %d", w.Code)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	srv := newTestServer(newMockService(), "secret-key")
	if w := do(srv, "GET", "/api/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should not require auth: status = %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	w := do(srv, "OPTIONS", "/api/pipelines", "")

	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestStream(t *testing.T) {
	p := &protocol.Pipeline{ID: "a", TicketRef: "ENG-7", Status: protocol.PipelineRunning}
	svc := newMockService(p)
	srv := newTestServer(svc, "k")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/pipelines/a/stream?key=k"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first struct {
		Kind    protocol.EventKind `json:"kind"`
		Payload protocol.Pipeline  `json:"payload"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Kind != protocol.EventSnapshot || first.Payload.TicketRef != "ENG-7" {
		t.Errorf("first event = %+v", first)
	}

	// Wait for the bus registration made before the upgrade.
	for svc.bus.SubscriberCount("a") == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	svc.bus.Publish(protocol.Event{PipelineID: "a", StepIndex: 0, Kind: protocol.EventStepStarted})

	var next protocol.Event
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if next.Kind != protocol.EventStepStarted || next.StepIndex != 0 {
		t.Errorf("event = %+v", next)
	}
}

func TestStream_NotFound(t *testing.T) {
	srv := newTestServer(newMockService(), "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/pipelines/nope/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("resp = %v", resp)
	}
}
