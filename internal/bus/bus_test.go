package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBusDeliversInOrder(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []int
	b.Subscribe(func(_ context.Context, evt Event) {
		mu.Lock()
		got = append(got, evt.Turn)
		mu.Unlock()
	})
	for i := 0; i < 20; i++ {
		if err := b.Publish(Event{Type: TurnStarted, Turn: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("got %d events", len(got))
	}
	for i, turn := range got {
		if turn != i {
			t.Fatalf("event %d has turn %d", i, turn)
		}
	}
}

func TestBusTypeFilterAndDefaults(t *testing.T) {
	b := New()
	received := make(chan Event, 4)
	b.Subscribe(func(_ context.Context, evt Event) { received <- evt }, TerminalStatus)

	_ = b.Publish(Event{Type: TurnStarted})
	_ = b.Publish(Event{Type: TerminalStatus, SessionID: "s1"})
	_ = b.Close(context.Background())

	if len(received) != 1 {
		t.Fatalf("received %d events", len(received))
	}
	evt := <-received
	if evt.ID == "" || evt.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", evt)
	}
	if evt.SessionID != "s1" {
		t.Fatalf("session = %q", evt.SessionID)
	}
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(WithBufferSize(1))
	release := make(chan struct{})
	b.Subscribe(func(context.Context, Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = b.Publish(Event{Type: AssistantDelta})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	close(release)
	_ = b.Close(context.Background())
	if b.Dropped() == 0 {
		t.Fatal("expected dropped deliveries")
	}
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	b := New()
	var count int
	var mu sync.Mutex
	b.Subscribe(func(_ context.Context, evt Event) {
		if evt.Turn == 0 {
			panic("boom")
		}
		mu.Lock()
		count++
		mu.Unlock()
	})
	_ = b.Publish(Event{Type: TurnEnded, Turn: 0})
	_ = b.Publish(Event{Type: TurnEnded, Turn: 1})
	_ = b.Close(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count = %d", count)
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	b := New()
	_ = b.Close(context.Background())
	if err := b.Publish(Event{Type: TurnStarted}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if err := b.Publish(Event{}); err == nil {
		t.Fatal("expected validation error")
	}
	unsub := b.Subscribe(func(context.Context, Event) {})
	unsub()
	unsub()
}

func TestBusAttachSinkAndUnsubscribe(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var n int
	unsub := b.Attach(SinkFunc(func(context.Context, Event) {
		mu.Lock()
		n++
		mu.Unlock()
	}))
	_ = b.Publish(Event{Type: TurnStarted})
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := n
		mu.Unlock()
		if got == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sink never received event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	unsub()
	_ = b.Publish(Event{Type: TurnStarted})
	_ = b.Close(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if n != 1 {
		t.Fatalf("n = %d after unsubscribe", n)
	}
}
