// Package webhook turns signed HTTP callbacks into new pipelines.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/h1v3-io/relay/pkg/protocol"
)

const maxBody = 1 << 20

// Config holds webhook trigger configuration. With a Secret set, requests
// must carry an HMAC-SHA256 signature of the body and BearerToken is
// ignored. With neither set the endpoint is open.
type Config struct {
	Secret      string `json:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
	DefaultRepo string `json:"default_repo,omitempty"` // used when the payload names no repo
	AutoStart   bool   `json:"auto_start,omitempty"`   // start unless the payload says otherwise
}

// Trigger creates and starts pipelines.
type Trigger interface {
	CreatePipeline(ctx context.Context, ticketRef, repo string) (*protocol.Pipeline, error)
	Start(ctx context.Context, id string) (*protocol.Pipeline, error)
}

// Payload is the JSON body of a trigger request.
type Payload struct {
	TicketRef string         `json:"ticket_ref"`
	Repo      string         `json:"repo,omitempty"`
	Start     *bool          `json:"start,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Handler serves POST /hooks/pipelines and /hooks/pipelines/{source}.
type Handler struct {
	config  Config
	trigger Trigger
	logger  *slog.Logger
}

func New(cfg Config, trigger Trigger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{config: cfg, trigger: trigger, logger: logger}
}

// requestError carries the status a rejected request is answered with.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func reject(status int, msg string) error { return &requestError{status, msg} }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	source := r.PathValue("source")

	payload, err := h.parse(r)
	if err != nil {
		var re *requestError
		if errors.As(err, &re) {
			http.Error(w, re.msg, re.status)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	p, err := h.fire(r.Context(), payload)
	if err != nil {
		h.logger.Error("webhook trigger failed", "source", source, "ticket", payload.TicketRef, "error", err)
		msg := "internal error"
		if p != nil {
			msg = "pipeline created but not started: " + p.ID
		}
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	h.logger.Info("pipeline triggered", "pipeline", p.ID, "source", source, "ticket", p.TicketRef, "status", p.Status, "metadata", payload.Metadata)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

// parse reads, authenticates and decodes the request body.
func (h *Handler) parse(r *http.Request) (*Payload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, reject(http.StatusBadRequest, "failed to read body")
	}
	if !h.authorized(r.Header, body) {
		return nil, reject(http.StatusUnauthorized, "unauthorized")
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, reject(http.StatusBadRequest, "invalid JSON payload")
	}
	if p.TicketRef = strings.TrimSpace(p.TicketRef); p.TicketRef == "" {
		return nil, reject(http.StatusBadRequest, "ticket_ref is required")
	}
	if p.Repo == "" {
		p.Repo = h.config.DefaultRepo
	}
	return &p, nil
}

// fire creates the pipeline and starts it when asked to. A start failure
// returns the created pipeline along with the error.
func (h *Handler) fire(ctx context.Context, payload *Payload) (*protocol.Pipeline, error) {
	p, err := h.trigger.CreatePipeline(ctx, payload.TicketRef, payload.Repo)
	if err != nil {
		return nil, err
	}
	start := h.config.AutoStart
	if payload.Start != nil {
		start = *payload.Start
	}
	if !start {
		return p, nil
	}
	started, err := h.trigger.Start(ctx, p.ID)
	if err != nil {
		return p, err
	}
	return started, nil
}

func (h *Handler) authorized(hdr http.Header, body []byte) bool {
	switch {
	case h.config.Secret != "":
		sig := hdr.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = hdr.Get("X-Signature-256")
		}
		return verifySignature(body, h.config.Secret, sig)
	case h.config.BearerToken != "":
		return hmac.Equal([]byte(hdr.Get("Authorization")), []byte("Bearer "+h.config.BearerToken))
	}
	return true
}

// verifySignature checks a "sha256=<hex>" signature of body.
func verifySignature(body []byte, secret, signature string) bool {
	want, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(want) == 0 {
		return false
	}
	return hmac.Equal(sign(body, secret), want)
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// ComputeSignature returns the signature header value senders attach to body.
func ComputeSignature(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sign(body, secret))
}
