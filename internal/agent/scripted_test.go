package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/h1v3-io/relay/pkg/protocol"
)

func TestScripted_FullRun(t *testing.T) {
	s := &Scripted{}
	st, err := s.Invoke(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items, err := drain(t, st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 3 chunks + result, got %d", len(items))
	}
	res := items[3].Result
	if res == nil || !strings.Contains(res.Artifact, "part 1") || !strings.Contains(res.Artifact, "part 3") {
		t.Errorf("unexpected result %+v", res)
	}
	if len(s.Calls()) != 1 {
		t.Errorf("expected 1 recorded call, got %d", len(s.Calls()))
	}
}

func TestScripted_SkipsHistory(t *testing.T) {
	s := &Scripted{}
	req := testRequest()
	req.History = []protocol.Checkpoint{
		{Offset: 1, Kind: protocol.CheckpointChunk, Text: "Implementation Planning: part 1\n"},
		{Offset: 2, Kind: protocol.CheckpointChunk, Text: "Implementation Planning: part 2\n"},
	}
	st, _ := s.Invoke(context.Background(), req)
	items, err := drain(t, st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected remaining chunk + result, got %d", len(items))
	}
	if items[0].Chunk != "Implementation Planning: part 3\n" {
		t.Errorf("expected part 3, got %q", items[0].Chunk)
	}
	if !strings.Contains(items[1].Result.Artifact, "part 1") {
		t.Error("artifact should cover the whole script")
	}
}

func TestScripted_InputsAppendAfterScript(t *testing.T) {
	req := testRequest()
	req.Inputs = []Input{{Kind: InputFeedback, Text: "be brief"}}
	items := DefaultScript(req)
	if len(items) != 4 || !strings.Contains(items[3].Chunk, "be brief") {
		t.Fatalf("expected input acknowledgement last, got %+v", items)
	}
}

func TestScripted_BeforeError(t *testing.T) {
	boom := errors.New("boom")
	s := &Scripted{Before: func(_ context.Context, _ Request, i int) error {
		if i == 1 {
			return boom
		}
		return nil
	}}
	st, _ := s.Invoke(context.Background(), testRequest())
	items, err := drain(t, st)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 item before failure, got %d", len(items))
	}
}

func TestRegistry_DispatchesByKind(t *testing.T) {
	fallback := &Scripted{}
	coding := &Scripted{}
	reg := NewRegistry(fallback)
	reg.Register(protocol.AgentCoding, coding)

	req := testRequest()
	req.Step.Kind = protocol.AgentCoding
	if _, err := reg.Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Step.Kind = protocol.AgentDocs
	if _, err := reg.Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(coding.Calls()) != 1 || len(fallback.Calls()) != 1 {
		t.Errorf("coding=%d fallback=%d, want 1 each", len(coding.Calls()), len(fallback.Calls()))
	}

	if _, err := NewRegistry(nil).Invoke(context.Background(), req); err == nil {
		t.Error("expected error without an invoker")
	}
}
