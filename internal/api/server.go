// Package api serves the relay REST API and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/h1v3-io/relay/internal/engine"
	"github.com/h1v3-io/relay/internal/eventbus"
	"github.com/h1v3-io/relay/internal/logbuf"
	"github.com/h1v3-io/relay/internal/scheduler"
	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// JobLister reports the scheduled maintenance jobs and runs one on demand.
type JobLister interface {
	Jobs() []scheduler.JobInfo
	RunNow(ctx context.Context, name string) error
}

// PipelineService is the interface the API server needs from the engine.
type PipelineService interface {
	Steps() []protocol.StepDefinition
	CreatePipeline(ctx context.Context, ticketRef, repo string) (*protocol.Pipeline, error)
	Get(ctx context.Context, id string) (*protocol.Pipeline, error)
	List(ctx context.Context, filter store.Filter) ([]*protocol.Pipeline, error)
	Checkpoints(ctx context.Context, id string, step, attempt int) ([]protocol.Checkpoint, error)
	History(ctx context.Context, id string, step int) ([]protocol.StepHistory, error)
	Subscribe(ctx context.Context, id string) (*eventbus.Subscription, error)
	Start(ctx context.Context, id string) (*protocol.Pipeline, error)
	Pause(ctx context.Context, id string) (*protocol.Pipeline, error)
	Resume(ctx context.Context, id string) (*protocol.Pipeline, error)
	Restart(ctx context.Context, id string, step int) (*protocol.Pipeline, error)
	SubmitFeedback(ctx context.Context, id string, step int, payload string) (*protocol.Feedback, error)
	SubmitClarificationAnswer(ctx context.Context, id, requestID string, ans protocol.ClarificationAnswer) (*protocol.ClarificationRequest, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Server is the relay REST API server.
type Server struct {
	svc      PipelineService
	cfg      Config
	logger   *slog.Logger
	logs     LogQuerier
	jobs     JobLister
	mux      *http.ServeMux
	srv      *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server. logs may be nil.
func NewServer(svc PipelineService, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Same open CORS policy as the REST routes.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := s.mux
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/steps", s.requireAuth(s.handleSteps))
	mux.HandleFunc("GET /api/jobs", s.requireAuth(s.handleJobs))
	mux.HandleFunc("POST /api/jobs/{name}/run", s.requireAuth(s.handleRunJob))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	mux.HandleFunc("POST /api/pipelines", s.requireAuth(s.handleCreate))
	mux.HandleFunc("GET /api/pipelines", s.requireAuth(s.handleList))
	mux.HandleFunc("GET /api/pipelines/{id}", s.requireAuth(s.handleGet))
	mux.HandleFunc("GET /api/pipelines/{id}/stream", s.requireAuth(s.handleStream))
	mux.HandleFunc("POST /api/pipelines/{id}/start", s.requireAuth(s.pipelineOp(svc.Start)))
	mux.HandleFunc("POST /api/pipelines/{id}/pause", s.requireAuth(s.pipelineOp(svc.Pause)))
	mux.HandleFunc("POST /api/pipelines/{id}/resume", s.requireAuth(s.pipelineOp(svc.Resume)))
	mux.HandleFunc("POST /api/pipelines/{id}/steps/{step}/restart", s.requireAuth(s.handleRestart))
	mux.HandleFunc("POST /api/pipelines/{id}/steps/{step}/feedback", s.requireAuth(s.handleFeedback))
	mux.HandleFunc("GET /api/pipelines/{id}/steps/{step}/checkpoints", s.requireAuth(s.handleCheckpoints))
	mux.HandleFunc("GET /api/pipelines/{id}/steps/{step}/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("POST /api/pipelines/{id}/clarifications/{rid}/answer", s.requireAuth(s.handleAnswer))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Mount serves h at pattern without API key auth. Handlers mounted here
// authenticate requests themselves.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetJobs exposes scheduled jobs at /api/jobs.
func (s *Server) SetJobs(j JobLister) {
	s.jobs = j
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Hub-Signature-256")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth checks the bearer key. Browsers cannot set headers on a
// websocket handshake, so a "key" query parameter is accepted as well.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			key = r.URL.Query().Get("key")
		}
		if key != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSteps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Steps())
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.jobs == nil {
		writeJSON(w, http.StatusOK, []scheduler.JobInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.Jobs())
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.jobs == nil {
		http.Error(w, "no jobs scheduled", http.StatusNotFound)
		return
	}
	err := s.jobs.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case err != nil:
		s.logger.Error("job run failed", "job", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "ok"})
	}
}

type createRequest struct {
	TicketRef string `json:"ticket_ref"`
	Repo      string `json:"repo"`
	Start     bool   `json:"start"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.TicketRef) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ticket_ref is required"})
		return
	}

	p, err := s.svc.CreatePipeline(r.Context(), req.TicketRef, req.Repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Start {
		if p, err = s.svc.Start(r.Context(), p.ID); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		TicketRef:      q.Get("ticket"),
		IncludeRetired: q.Get("retired") == "true",
	}
	if status := q.Get("status"); status != "" {
		ps := protocol.PipelineStatus(status)
		filter.Status = &ps
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	ps, err := s.svc.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ps == nil {
		ps = []*protocol.Pipeline{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// pipelineOp adapts a pipeline-level control operation to a handler.
func (s *Server) pipelineOp(op func(context.Context, string) (*protocol.Pipeline, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := op(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	p, err := s.svc.Restart(r.Context(), r.PathValue("id"), step)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type feedbackRequest struct {
	Payload string `json:"payload"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload is required"})
		return
	}
	fb, err := s.svc.SubmitFeedback(r.Context(), r.PathValue("id"), step, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, fb)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var ans protocol.ClarificationAnswer
	if err := json.NewDecoder(r.Body).Decode(&ans); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if ans.SelectedOption == nil && strings.TrimSpace(ans.CustomAnswer) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "selected_option or custom_answer is required"})
		return
	}
	req, err := s.svc.SubmitClarificationAnswer(r.Context(), r.PathValue("id"), r.PathValue("rid"), ans)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	attempt := 0
	if a := r.URL.Query().Get("attempt"); a != "" {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid attempt"})
			return
		}
		attempt = n
	}
	cps, err := s.svc.Checkpoints(r.Context(), r.PathValue("id"), step, attempt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cps == nil {
		cps = []protocol.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	hist, err := s.svc.History(r.Context(), r.PathValue("id"), step)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hist == nil {
		hist = []protocol.StepHistory{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// handleStream upgrades to a websocket and relays the pipeline's events,
// starting with a snapshot, until either side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.svc.Subscribe(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "pipeline", id, "error", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("stream opened", "pipeline", id, "remote", r.RemoteAddr)
	defer func() {
		if n := sub.Dropped(); n > 0 {
			s.logger.Warn("slow stream client missed events", "pipeline", id, "dropped", n)
		}
	}()

	// Reads only detect the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("stream closed", "pipeline", id, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}
	q := r.URL.Query()

	f := logbuf.Filter{
		MinLevel: slog.LevelDebug,
		Pipeline: q.Get("pipeline"),
		Limit:    200,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func stepParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	step, err := strconv.Atoi(r.PathValue("step"))
	if err != nil || step < 0 || step >= protocol.StepCount {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "step must be 0-7"})
		return 0, false
	}
	return step, true
}

type errorBody struct {
	Error string             `json:"error"`
	Kind  protocol.ErrorKind `json:"kind,omitempty"`
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	kind := engine.Classify(err)
	status := http.StatusInternalServerError
	switch kind {
	case protocol.ErrorInvalidState, protocol.ErrorAlreadyRunning:
		status = http.StatusConflict
	default:
		s.logger.Error("api request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
