package tool

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Job pairs an executor with the call it should serve.
type Job struct {
	Executor Executor
	Call     Call
}

// Outcome is the result of one job. Done is false for jobs that never
// finished, for example because the batch context was cancelled first.
type Outcome struct {
	Call     Call
	Result   Result
	Duration time.Duration
	Done     bool
}

// Batch runs jobs concurrently and keeps results in request order.
type Batch struct {
	mu       sync.Mutex
	outcomes []Outcome
	finished chan struct{}
}

// Start launches jobs with at most limit running at once. onResult, when
// set, is called from the worker goroutine as each job finishes.
func Start(ctx context.Context, limit int, jobs []Job, onResult func(int, Outcome)) *Batch {
	b := &Batch{
		outcomes: make([]Outcome, len(jobs)),
		finished: make(chan struct{}),
	}
	for i, job := range jobs {
		b.outcomes[i].Call = job.Call
	}
	if limit <= 0 {
		limit = 1
	}

	go func() {
		defer close(b.finished)
		var g errgroup.Group
		g.SetLimit(limit)
		for i, job := range jobs {
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				out := invoke(ctx, job)
				b.mu.Lock()
				b.outcomes[i] = out
				b.mu.Unlock()
				if onResult != nil {
					onResult(i, out)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return b
}

// Run is Start followed by waiting for every job.
func Run(ctx context.Context, limit int, jobs []Job) []Outcome {
	b := Start(ctx, limit, jobs, nil)
	<-b.Done()
	return b.Outcomes()
}

// Done is closed once every job has returned or been skipped.
func (b *Batch) Done() <-chan struct{} { return b.finished }

// Outcomes returns a snapshot in request order.
func (b *Batch) Outcomes() []Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Outcome, len(b.outcomes))
	copy(out, b.outcomes)
	return out
}

func invoke(ctx context.Context, job Job) (out Outcome) {
	desc := job.Executor.Descriptor()
	ctx, span := otel.Tracer("clawloop/tool").Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.name", desc.Name),
			attribute.String("tool.kind", string(desc.Kind)),
			attribute.String("tool.call_id", job.Call.ID),
		))
	defer span.End()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.Result = ErrorResult("tool %s panicked: %v", desc.Name, r)
		}
		out.Call = job.Call
		out.Duration = time.Since(started)
		out.Done = true
		if out.Result.IsError {
			span.SetStatus(codes.Error, Truncate(out.Result.Content, 256))
		}
	}()

	out.Result = job.Executor.Invoke(ctx, job.Call)
	return out
}

// Truncate shortens s to at most n bytes plus an ellipsis, cutting on a
// rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
