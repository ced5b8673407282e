package model

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const chunkBuffer = 64

// Call is a running model request. The producing goroutine owns the chunk
// channel and closes it when the backend returns.
type Call struct {
	chunks chan Chunk
	done   chan struct{}
	resp   *Response
	err    error
}

// Start runs backend.Stream in its own goroutine. Callers must drain
// Chunks (or cancel ctx) and then call Wait. Cancelling ctx stops the
// backend and every request it spawned.
func Start(ctx context.Context, backend Backend, req Request) *Call {
	c := &Call{
		chunks: make(chan Chunk, chunkBuffer),
		done:   make(chan struct{}),
	}
	go c.run(ctx, backend, req)
	return c
}

func (c *Call) run(ctx context.Context, backend Backend, req Request) {
	defer close(c.done)
	defer close(c.chunks)

	ctx, span := otel.Tracer("clawloop/model").Start(ctx, "model.stream",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.Int("request.messages", len(req.Messages)),
			attribute.Int("request.tools", len(req.Tools)),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.resp, c.err = nil, fmt.Errorf("model: backend panic: %v", r)
			span.RecordError(c.err)
			span.SetStatus(codes.Error, c.err.Error())
		}
	}()

	resp, err := backend.Stream(ctx, req, func(ch Chunk) error {
		select {
		case c.chunks <- ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err == nil && resp == nil {
		err = fmt.Errorf("model: backend returned no response")
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.Int("usage.input_tokens", resp.Usage.InputTokens),
			attribute.Int("usage.output_tokens", resp.Usage.OutputTokens),
		)
	}
	c.resp, c.err = resp, err
}

// Chunks streams fragments until the backend returns.
func (c *Call) Chunks() <-chan Chunk { return c.chunks }

// Done is closed once Wait would not block.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the backend returns.
func (c *Call) Wait() (*Response, error) {
	<-c.done
	return c.resp, c.err
}
