package middleware

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Options selects the canonical middlewares. Zero values disable the
// corresponding middleware.
type Options struct {
	MaxTurns         int
	MaxPrice         float64
	CompactThreshold int
	// WarnPercent and MaxContext drive the one-shot context warning.
	WarnPercent float64
	MaxContext  int
}

// Canonical builds the standard pipeline: turn limit, price limit, auto
// compaction, context warning, profile reminder.
func Canonical(o Options, opts ...Option) *Pipeline {
	var mws []Middleware
	if o.MaxTurns > 0 {
		mws = append(mws, TurnLimit(o.MaxTurns))
	}
	if o.MaxPrice > 0 {
		mws = append(mws, PriceLimit(o.MaxPrice))
	}
	if o.CompactThreshold > 0 {
		mws = append(mws, AutoCompact(o.CompactThreshold))
	}
	if o.WarnPercent > 0 && o.MaxContext > 0 {
		mws = append(mws, ContextWarning(o.WarnPercent, o.MaxContext))
	}
	mws = append(mws, ProfileReminder())
	return New(mws, opts...)
}

type turnLimit struct{ max int }

// TurnLimit aborts before the model call that would exceed max turns.
func TurnLimit(max int) Middleware { return turnLimit{max: max} }

func (turnLimit) Name() string { return "turn_limit" }

func (t turnLimit) Apply(_ context.Context, v View) Result {
	if v.Phase != Pre || t.max <= 0 || v.Stats.Turns < t.max {
		return Result{Action: Continue}
	}
	return Result{
		Action: Abort,
		Limit:  LimitTurns,
		Reason: fmt.Sprintf("Turn limit of %d reached", t.max),
	}
}

type priceLimit struct{ max float64 }

// PriceLimit aborts once the session cost exceeds max.
func PriceLimit(max float64) Middleware { return priceLimit{max: max} }

func (priceLimit) Name() string { return "price_limit" }

func (p priceLimit) Apply(_ context.Context, v View) Result {
	if v.Phase != Pre || p.max <= 0 || v.Stats.Cost <= p.max {
		return Result{Action: Continue}
	}
	return Result{
		Action: Abort,
		Limit:  LimitPrice,
		Reason: fmt.Sprintf("Price limit exceeded: $%.4f > $%.2f", v.Stats.Cost, p.max),
	}
}

type autoCompact struct{ threshold int }

// AutoCompact requests a compaction reset once the context reaches
// threshold tokens.
func AutoCompact(threshold int) Middleware { return autoCompact{threshold: threshold} }

func (autoCompact) Name() string { return "auto_compact" }

func (a autoCompact) Apply(_ context.Context, v View) Result {
	tokens := contextTokens(v)
	if v.Phase != Pre || a.threshold <= 0 || tokens < a.threshold {
		return Result{Action: Continue}
	}
	return Result{
		Action: Reset,
		Reason: string(ResetCompact),
		Metadata: map[string]any{
			"old_tokens": tokens,
			"threshold":  a.threshold,
		},
	}
}

func contextTokens(v View) int {
	if v.Stats.ContextTokens > v.TokenEstimate {
		return v.Stats.ContextTokens
	}
	return v.TokenEstimate
}

type contextWarning struct {
	percent    float64
	maxContext int

	mu     sync.Mutex
	warned bool
}

// ContextWarning injects a single notice once usage reaches percent of
// maxContext. The notice is re-armed by Reset.
func ContextWarning(percent float64, maxContext int) Middleware {
	return &contextWarning{percent: percent, maxContext: maxContext}
}

func (*contextWarning) Name() string { return "context_warning" }

var numberPrinter = message.NewPrinter(language.English)

func (c *contextWarning) Apply(_ context.Context, v View) Result {
	c.mu.Lock()
	warned := c.warned
	c.mu.Unlock()
	if v.Phase != Pre || warned || c.maxContext <= 0 {
		return Result{Action: Continue}
	}
	tokens := contextTokens(v)
	if float64(tokens) < float64(c.maxContext)*c.percent {
		return Result{Action: Continue}
	}
	used := float64(tokens) / float64(c.maxContext) * 100
	return Result{
		Action: Inject,
		Message: numberPrinter.Sprintf("<system_notice>You have used %.0f%% of your total context (%d/%d tokens)</system_notice>",
			used, tokens, c.maxContext),
	}
}

func (c *contextWarning) Commit(Result) {
	c.mu.Lock()
	c.warned = true
	c.mu.Unlock()
}

func (c *contextWarning) Reset(ResetReason) {
	c.mu.Lock()
	c.warned = false
	c.mu.Unlock()
}

type profileReminder struct {
	mu     sync.Mutex
	active string
	exit   string
}

// ProfileReminder injects a read-only profile's reminder when the session
// enters it and its exit message when the session leaves it.
func ProfileReminder() Middleware { return &profileReminder{} }

func (*profileReminder) Name() string { return "profile_reminder" }

func (r *profileReminder) Apply(_ context.Context, v View) Result {
	if v.Phase != Pre {
		return Result{Action: Continue}
	}
	r.mu.Lock()
	active, exit := r.active, r.exit
	r.mu.Unlock()

	current := ""
	if v.Profile.ReadOnly && v.Profile.Reminder != "" {
		current = v.Profile.Name
	}
	switch {
	case current == active:
		return Result{Action: Continue}
	case current != "":
		exitMsg := v.Profile.ExitReminder
		if exitMsg == "" {
			exitMsg = fmt.Sprintf("<system_notice>%s mode is off.</system_notice>", v.Profile.Label())
		}
		return Result{
			Action:   Inject,
			Message:  v.Profile.Reminder,
			Metadata: map[string]any{"enter": current, "exit_message": exitMsg},
		}
	default:
		return Result{Action: Inject, Message: exit, Metadata: map[string]any{"enter": ""}}
	}
}

func (r *profileReminder) Commit(res Result) {
	enter, _ := res.Metadata["enter"].(string)
	exit, _ := res.Metadata["exit_message"].(string)
	r.mu.Lock()
	r.active, r.exit = enter, exit
	r.mu.Unlock()
}

func (r *profileReminder) Reset(ResetReason) {
	r.mu.Lock()
	r.active, r.exit = "", ""
	r.mu.Unlock()
}
