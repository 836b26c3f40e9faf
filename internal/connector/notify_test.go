package connector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/relay/internal/eventbus"
	"github.com/h1v3-io/relay/pkg/protocol"
)

func TestFormatEvent(t *testing.T) {
	opt := 0
	tests := []struct {
		name string
		ev   protocol.Event
		want []string
	}{
		{
			name: "clarification",
			ev: protocol.Event{PipelineID: "abcdef123456", StepIndex: 1, Kind: protocol.EventClarificationRequested,
				Payload: &protocol.ClarificationRequest{ID: "req12345678", Question: "Which DB?", Options: []string{"sqlite", "postgres"}}},
			want: []string{"needs an answer", "Which DB?", "1. sqlite", "2. postgres", "/answer abcdef12 req12345"},
		},
		{
			name: "completed",
			ev: protocol.Event{PipelineID: "abcdef123456", StepIndex: -1, Kind: protocol.EventPipelineCompleted,
				Payload: protocol.PipelinePayload{TicketRef: "ENG-1", Cost: 0.024}},
			want: []string{"completed", "ENG-1", "$0.0240"},
		},
		{
			name: "failed",
			ev: protocol.Event{PipelineID: "abcdef123456", StepIndex: -1, Kind: protocol.EventPipelineFailed,
				Payload: protocol.PipelinePayload{TicketRef: "ENG-1", CurrentStep: 2}},
			want: []string{"failed", "step 2", "/restart abcdef12 2"},
		},
		{
			name: "persistence error",
			ev: protocol.Event{PipelineID: "abcdef123456", StepIndex: 4, Kind: protocol.EventError,
				Payload: protocol.ErrorPayload{Kind: protocol.ErrorPersistenceFailure, Message: "disk full"}},
			want: []string{"stopped", "disk full", "/resume abcdef12"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FormatEvent(tt.ev)
			if !ok {
				t.Fatal("expected a notification")
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("%q missing %q", got, w)
				}
			}
		})
	}

	quiet := []protocol.Event{
		{Kind: protocol.EventOutputChunk},
		{Kind: protocol.EventStepStarted},
		{Kind: protocol.EventError, Payload: protocol.ErrorPayload{Kind: protocol.ErrorAgentFailure}},
		{Kind: protocol.EventClarificationRequested, Payload: "bogus"},
	}
	for _, ev := range quiet {
		if _, ok := FormatEvent(ev); ok {
			t.Errorf("%s should not notify", ev.Kind)
		}
	}
}

func TestNotifierSendsToTargets(t *testing.T) {
	bus := eventbus.New(16, nil)
	a, b := &recordingSender{}, &recordingSender{}
	n := NewNotifier(bus, []Target{{Sender: a, ChatID: "C1"}, {Sender: b, ChatID: "42"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	// Run subscribes asynchronously; publish until the first message lands.
	deadline := time.Now().Add(2 * time.Second)
	for len(a.sent()) == 0 && time.Now().Before(deadline) {
		bus.Publish(protocol.Event{PipelineID: "p1", StepIndex: 3, Kind: protocol.EventOutputChunk})
		bus.Publish(protocol.Event{PipelineID: "p1", StepIndex: -1, Kind: protocol.EventPipelineCompleted,
			Payload: protocol.PipelinePayload{TicketRef: "ENG-7"}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if len(a.sent()) == 0 || len(b.sent()) == 0 {
		t.Fatalf("sent a=%d b=%d", len(a.sent()), len(b.sent()))
	}
	if a.sent()[0].ChatID != "C1" || b.sent()[0].ChatID != "42" {
		t.Errorf("chat ids = %q, %q", a.sent()[0].ChatID, b.sent()[0].ChatID)
	}
	if !strings.Contains(a.sent()[0].Content, "ENG-7") {
		t.Errorf("content = %q", a.sent()[0].Content)
	}
}

func TestFormatPipeline(t *testing.T) {
	p := newPipeline("abcd1234-0000")
	p.CurrentStep = 3
	p.Steps[3].Status = protocol.StepRunning
	p.Steps[3].Attempt = 2
	p.Clarifications = []protocol.ClarificationRequest{{ID: "req-1", Status: protocol.InputPending, Question: "Which API?"}}

	got := FormatPipeline(p)
	for _, w := range []string{"> 3. Code Implementation: running (attempt 2)", "open question req-1: Which API?"} {
		if !strings.Contains(got, w) {
			t.Errorf("%q missing %q", got, w)
		}
	}
}
