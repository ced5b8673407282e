package middleware

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/clawloop/internal/profile"
)

func pre(stats Stats) View { return View{Phase: Pre, Stats: stats} }

func TestTurnLimit(t *testing.T) {
	tests := []struct {
		turns int
		want  Action
	}{
		{0, Continue},
		{2, Continue},
		{3, Abort},
		{7, Abort},
	}
	mw := TurnLimit(3)
	for _, tt := range tests {
		res := mw.Apply(context.Background(), pre(Stats{Turns: tt.turns}))
		if res.Action != tt.want {
			t.Errorf("turns=%d: action = %s, want %s", tt.turns, res.Action, tt.want)
		}
		if res.Action == Abort && (res.Limit != LimitTurns || res.Reason != "Turn limit of 3 reached") {
			t.Errorf("turns=%d: result = %+v", tt.turns, res)
		}
	}
	if res := mw.Apply(context.Background(), View{Phase: Post, Stats: Stats{Turns: 10}}); res.Action != Continue {
		t.Fatal("turn limit only acts before a turn")
	}
}

func TestPriceLimit(t *testing.T) {
	mw := PriceLimit(0.5)
	if res := mw.Apply(context.Background(), pre(Stats{Cost: 0.5})); res.Action != Continue {
		t.Fatalf("cost equal to max must continue, got %s", res.Action)
	}
	res := mw.Apply(context.Background(), pre(Stats{Cost: 0.51234}))
	if res.Action != Abort || res.Limit != LimitPrice {
		t.Fatalf("result = %+v", res)
	}
	if res.Reason != "Price limit exceeded: $0.5123 > $0.50" {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestAutoCompact(t *testing.T) {
	mw := AutoCompact(1000)
	if res := mw.Apply(context.Background(), View{Phase: Pre, TokenEstimate: 999}); res.Action != Continue {
		t.Fatalf("below threshold = %s", res.Action)
	}
	res := mw.Apply(context.Background(), View{Phase: Pre, Stats: Stats{ContextTokens: 1200}, TokenEstimate: 10})
	if res.Action != Reset || res.Reason != string(ResetCompact) {
		t.Fatalf("result = %+v", res)
	}
	if res.Metadata["old_tokens"] != 1200 {
		t.Fatalf("metadata = %v", res.Metadata)
	}
}

func TestContextWarningIsOneShotAfterCommit(t *testing.T) {
	p := New([]Middleware{ContextWarning(0.5, 200000)})
	view := View{TokenEstimate: 120000}

	first := p.Apply(context.Background(), Pre, view)
	if first.Action != Inject {
		t.Fatalf("first = %+v", first)
	}
	if !strings.Contains(first.Message, "60% of your total context (120,000/200,000 tokens)") {
		t.Fatalf("message = %q", first.Message)
	}

	if again := p.Apply(context.Background(), Pre, view); again.Action != Inject {
		t.Fatal("state must not change until the loop accepts the result")
	}
	p.Accept(first)
	if res := p.Apply(context.Background(), Pre, view); res.Action != Continue {
		t.Fatalf("after accept = %+v", res)
	}
	p.Reset(ResetCompact)
	if res := p.Apply(context.Background(), Pre, view); res.Action != Inject {
		t.Fatal("reset must re-arm the warning")
	}
}

func TestProfileReminderEnterAndExit(t *testing.T) {
	m := profile.NewManager()
	plan, _ := m.Get(profile.Plan)
	def, _ := m.Get(profile.Default)
	p := New([]Middleware{ProfileReminder()})

	step := func(prof profile.Profile) Result {
		res := p.Apply(context.Background(), Pre, View{Profile: prof})
		if res.Action != Continue {
			p.Accept(res)
		}
		return res
	}

	if res := step(def); res.Action != Continue {
		t.Fatalf("default profile = %+v", res)
	}
	if res := step(plan); res.Action != Inject || res.Message != plan.Reminder {
		t.Fatalf("entering plan = %+v", res)
	}
	if res := step(plan); res.Action != Continue {
		t.Fatalf("staying in plan = %+v", res)
	}
	if res := step(def); res.Action != Inject || res.Message != plan.ExitReminder {
		t.Fatalf("leaving plan = %+v", res)
	}
	if res := step(def); res.Action != Continue {
		t.Fatalf("after leaving = %+v", res)
	}

	custom := profile.Profile{Name: "quiet", ReadOnly: true, Reminder: "be quiet"}
	step(custom)
	if res := step(def); res.Action != Inject || !strings.Contains(res.Message, "quiet mode is off") {
		t.Fatalf("default exit message = %+v", res)
	}
}

func TestPipelineShortCircuitsInOrder(t *testing.T) {
	var calls []string
	record := func(name string, action Action) Middleware {
		return Func(name, func(context.Context, View) Result {
			calls = append(calls, name)
			return Result{Action: action}
		})
	}
	p := New([]Middleware{
		record("a", Continue),
		nil,
		record("b", Inject),
		record("c", Abort),
	})
	res := p.Apply(context.Background(), Pre, View{})
	if res.Action != Inject || res.Producer() != "b" {
		t.Fatalf("result = %+v", res)
	}
	if strings.Join(calls, ",") != "a,b" {
		t.Fatalf("calls = %v", calls)
	}
	if got := strings.Join(p.Names(), ","); got != "a,b,c" {
		t.Fatalf("names = %s", got)
	}
}

func TestPipelineTimeoutAndPanicAbort(t *testing.T) {
	slow := Func("slow", func(ctx context.Context, _ View) Result {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Result{Action: Continue}
	})
	p := New([]Middleware{slow}, WithTimeout(10*time.Millisecond))
	res := p.Apply(context.Background(), Pre, View{})
	if res.Action != Abort || !strings.Contains(res.Reason, "slow timed out") || res.Limit != LimitNone {
		t.Fatalf("timeout result = %+v", res)
	}

	boom := Func("boom", func(context.Context, View) Result { panic("bad state") })
	res = New([]Middleware{boom}).Apply(context.Background(), Post, View{})
	if res.Action != Abort || !strings.Contains(res.Reason, "bad state") {
		t.Fatalf("panic result = %+v", res)
	}
}

func TestCanonicalOrder(t *testing.T) {
	p := Canonical(Options{MaxTurns: 3, MaxPrice: 1, CompactThreshold: 100, WarnPercent: 0.5, MaxContext: 1000})
	want := "turn_limit,price_limit,auto_compact,context_warning,profile_reminder"
	if got := strings.Join(p.Names(), ","); got != want {
		t.Fatalf("order = %s", got)
	}
	if got := strings.Join(Canonical(Options{}).Names(), ","); got != "profile_reminder" {
		t.Fatalf("disabled limits = %s", got)
	}

	// both limits crossed: the turn limit wins by position
	res := p.Apply(context.Background(), Pre, View{Stats: Stats{Turns: 3, Cost: 2}})
	if res.Limit != LimitTurns {
		t.Fatalf("result = %+v", res)
	}
}
