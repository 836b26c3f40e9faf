package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

func recv(t *testing.T, sub *Subscription) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.Event{}
}

func TestPublishFanOut(t *testing.T) {
	b := New(8, nil)
	s1, _ := b.Subscribe("p1", nil)
	s2, _ := b.Subscribe("p1", nil)
	other, _ := b.Subscribe("p2", nil)
	defer s1.Close()
	defer s2.Close()
	defer other.Close()

	b.Publish(protocol.Event{PipelineID: "p1", Kind: protocol.EventStepStarted})

	for _, s := range []*Subscription{s1, s2} {
		ev := recv(t, s)
		if ev.Kind != protocol.EventStepStarted {
			t.Errorf("kind = %q", ev.Kind)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	}
	select {
	case ev := <-other.C():
		t.Errorf("p2 subscriber got %+v", ev)
	default:
	}
}

func TestSnapshotDeliveredFirst(t *testing.T) {
	b := New(8, nil)
	sub, err := b.Subscribe("p1", func() (protocol.Event, error) {
		return protocol.Event{PipelineID: "p1", Kind: protocol.EventSnapshot, StepIndex: -1}, nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	b.Publish(protocol.Event{PipelineID: "p1", Kind: protocol.EventOutputChunk})

	if ev := recv(t, sub); ev.Kind != protocol.EventSnapshot {
		t.Errorf("first event = %q, want snapshot", ev.Kind)
	}
	if ev := recv(t, sub); ev.Kind != protocol.EventOutputChunk {
		t.Errorf("second event = %q", ev.Kind)
	}
}

func TestSnapshotError(t *testing.T) {
	b := New(8, nil)
	_, err := b.Subscribe("p1", func() (protocol.Event, error) {
		return protocol.Event{}, errors.New("not found")
	})
	if err == nil {
		t.Fatal("expected snapshot error")
	}
	if n := b.SubscriberCount("p1"); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	b := New(8, nil)
	b.Publish(protocol.Event{PipelineID: "p1", Kind: protocol.EventOutputChunk})

	sub, _ := b.Subscribe("p1", nil)
	defer sub.Close()
	select {
	case ev := <-sub.C():
		t.Errorf("late subscriber got %+v", ev)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(2, nil)
	sub, _ := b.Subscribe("p1", nil)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for range 10 {
			b.Publish(protocol.Event{PipelineID: "p1", Kind: protocol.EventOutputChunk})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if sub.Dropped() != 8 {
		t.Errorf("dropped = %d, want 8", sub.Dropped())
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	b := New(8, nil)
	sub, _ := b.Subscribe("p1", nil)
	if n := b.SubscriberCount("p1"); n != 1 {
		t.Fatalf("count = %d", n)
	}
	sub.Close()
	sub.Close()
	if n := b.SubscriberCount("p1"); n != 0 {
		t.Errorf("count after close = %d", n)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}
	b.Publish(protocol.Event{PipelineID: "p1", Kind: protocol.EventOutputChunk})
}

func TestSubscribeAll(t *testing.T) {
	b := New(8, nil)
	all := b.SubscribeAll()
	defer all.Close()

	b.Publish(protocol.Event{PipelineID: "p1", Kind: protocol.EventPipelineCompleted})
	b.Publish(protocol.Event{PipelineID: "p2", Kind: protocol.EventPipelineFailed})

	if ev := recv(t, all); ev.PipelineID != "p1" {
		t.Errorf("first = %+v", ev)
	}
	if ev := recv(t, all); ev.PipelineID != "p2" {
		t.Errorf("second = %+v", ev)
	}
}

func TestConcurrentPublishAndClose(t *testing.T) {
	b := New(4, nil)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				sub, _ := b.Subscribe("p1", nil)
				b.Publish(protocol.Event{PipelineID: "p1", Kind: protocol.EventOutputChunk})
				sub.Close()
			}
		}()
	}
	wg.Wait()
	if n := b.SubscriberCount("p1"); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}
