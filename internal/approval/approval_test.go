package approval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateSyncResponderAndMemo(t *testing.T) {
	var calls atomic.Int32
	gate := NewGate(ResponderFunc(func(_ context.Context, req Request) (Response, error) {
		calls.Add(1)
		if req.Tool == "bash" {
			return Response{Decision: ApproveAlways}, nil
		}
		return Response{Decision: Deny, Feedback: "no writes"}, nil
	}))

	resp, err := gate.Request(context.Background(), Request{Tool: "bash", CallID: "c1"})
	if err != nil || resp.Decision != ApproveAlways {
		t.Fatalf("first bash = %+v, %v", resp, err)
	}
	if !gate.Remembered("bash") {
		t.Fatal("approve-always must be remembered")
	}
	resp, err = gate.Request(context.Background(), Request{Tool: "bash", CallID: "c2"})
	if err != nil || resp.Decision != ApproveAlways {
		t.Fatalf("memoized bash = %+v, %v", resp, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("responder called %d times, want 1", calls.Load())
	}

	resp, _ = gate.Request(context.Background(), Request{Tool: "write_file"})
	if resp.Decision != Deny || resp.Feedback != "no writes" {
		t.Fatalf("write_file = %+v", resp)
	}
	if gate.Remembered("write_file") {
		t.Fatal("denials are not remembered")
	}

	history := gate.History()
	if len(history) != 2 {
		t.Fatalf("history has %d records, want 2 (memo hits are not recorded)", len(history))
	}
	if history[0].Request.ID == "" || history[0].Request.CreatedAt.IsZero() {
		t.Fatalf("request not stamped: %+v", history[0].Request)
	}

	gate.Forget()
	if gate.Remembered("bash") {
		t.Fatal("Forget must clear the memo")
	}
}

func TestGateAsyncConsumer(t *testing.T) {
	gate := NewGate(nil, WithWaitTimeout(time.Second))
	go func() {
		ticket := <-gate.Pending()
		if ticket.Request().Tool != "grep" {
			ticket.Resolve(Response{Decision: Deny})
			return
		}
		ticket.Resolve(Response{Decision: ApproveOnce})
		ticket.Resolve(Response{Decision: Deny})
	}()

	resp, err := gate.Request(context.Background(), Request{Tool: "grep"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != ApproveOnce {
		t.Fatalf("first resolve must win, got %s", resp.Decision)
	}
}

func TestGateNoConsumerDenies(t *testing.T) {
	gate := NewGate(nil, WithWaitTimeout(20*time.Millisecond))
	resp, err := gate.Request(context.Background(), Request{Tool: "bash"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != Deny || resp.Feedback != NotPermitted {
		t.Fatalf("unanswered request = %+v", resp)
	}

	immediate := NewGate(nil, WithWaitTimeout(0))
	resp, _ = immediate.Request(context.Background(), Request{Tool: "bash"})
	if resp.Decision != Deny {
		t.Fatalf("zero wait timeout = %+v", resp)
	}
}

func TestGateCancellation(t *testing.T) {
	started := make(chan struct{})
	gate := NewGate(ResponderFunc(func(ctx context.Context, _ Request) (Response, error) {
		close(started)
		<-ctx.Done()
		return Response{}, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	resp, err := gate.Request(ctx, Request{Tool: "bash"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if resp.Decision != Cancel {
		t.Fatalf("decision = %s", resp.Decision)
	}
}

func TestGateResponderErrorDenies(t *testing.T) {
	gate := NewGate(ResponderFunc(func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("tty closed")
	}))
	resp, err := gate.Request(context.Background(), Request{Tool: "bash"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != Deny {
		t.Fatalf("decision = %s", resp.Decision)
	}
}

func TestGateCloseCancelsOutstanding(t *testing.T) {
	gate := NewGate(nil, WithWaitTimeout(time.Second))
	result := make(chan Response, 1)
	go func() {
		resp, _ := gate.Request(context.Background(), Request{Tool: "bash"})
		result <- resp
	}()
	<-gate.Pending()
	gate.Close()
	select {
	case resp := <-result:
		if resp.Decision != Cancel {
			t.Fatalf("decision = %s", resp.Decision)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not release the waiting request")
	}
	if _, err := gate.Request(context.Background(), Request{Tool: "x"}); !errors.Is(err, ErrGateClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestChildGateHasOwnMemo(t *testing.T) {
	parent := NewGate(AutoResponder(ApproveAlways))
	child := parent.Child()
	if _, err := child.Request(context.Background(), Request{Tool: "grep"}); err != nil {
		t.Fatal(err)
	}
	if !child.Remembered("grep") || parent.Remembered("grep") {
		t.Fatal("child memo leaked into parent")
	}
}

func TestInvalidDecisionBecomesDeny(t *testing.T) {
	gate := NewGate(AutoResponder("maybe"))
	resp, _ := gate.Request(context.Background(), Request{Tool: "bash"})
	if resp.Decision != Deny {
		t.Fatalf("decision = %s", resp.Decision)
	}
}
