package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// Handler processes a delivered event.
type Handler func(context.Context, Event)

// Sink consumes events. Printers, persistence and metrics implement it.
type Sink interface {
	Consume(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(context.Context, Event)

func (f SinkFunc) Consume(ctx context.Context, evt Event) { f(ctx, evt) }

const (
	defaultQueueDepth    = 256
	defaultSubscriberBuf = 128
)

// Bus routes events to subscribers. A single dispatch goroutine keeps
// ordering deterministic; each subscriber drains its own bounded queue so a
// slow consumer only drops its own events and never blocks publishers.
type Bus struct {
	logger  *slog.Logger
	bufSize int

	pubMu  sync.RWMutex
	closed bool
	queue  chan Event

	subsMu sync.RWMutex
	subs   map[int64]*subscription
	nextID atomic.Int64

	dropped atomic.Int64
	wg      sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize adjusts the per-subscriber queue. Minimum 1.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size < 1 {
			size = 1
		}
		b.bufSize = size
	}
}

// WithQueueDepth customizes the central publish queue capacity.
func WithQueueDepth(depth int) Option {
	return func(b *Bus) {
		if depth < 1 {
			depth = 1
		}
		b.queue = make(chan Event, depth)
	}
}

// WithLogger sets the logger used for dropped events and handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs a bus and starts its dispatch loop.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:  slog.Default(),
		bufSize: defaultSubscriberBuf,
		subs:    make(map[int64]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.queue == nil {
		b.queue = make(chan Event, defaultQueueDepth)
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Publish enqueues evt for delivery, filling in the id and timestamp.
func (b *Bus) Publish(evt Event) error {
	if b == nil {
		return ErrClosed
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.queue <- evt
	return nil
}

// Subscribe registers handler for the given types, or for every type when
// none are given. The returned function unsubscribes and is idempotent.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	sub := &subscription{
		handler: handler,
		queue:   make(chan Event, b.bufSize),
		done:    make(chan struct{}),
		logger:  b.logger,
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	id := b.nextID.Add(1)

	b.pubMu.RLock()
	if b.closed {
		b.pubMu.RUnlock()
		return func() {}
	}
	b.subsMu.Lock()
	b.subs[id] = sub
	b.subsMu.Unlock()
	b.pubMu.RUnlock()
	go sub.loop()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subsMu.Lock()
			_, ok := b.subs[id]
			delete(b.subs, id)
			b.subsMu.Unlock()
			if ok {
				sub.close()
				<-sub.done
			}
		})
	}
}

// Attach subscribes a Sink.
func (b *Bus) Attach(sink Sink, types ...EventType) func() {
	if sink == nil {
		return func() {}
	}
	return b.Subscribe(sink.Consume, types...)
}

// Dropped reports how many deliveries were discarded because a subscriber
// queue was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events, delivers everything already queued and
// waits for subscribers to drain or ctx to expire.
func (b *Bus) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.pubMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		b.subsMu.RLock()
		subs := make([]*subscription, 0, len(b.subs))
		for _, sub := range b.subs {
			subs = append(subs, sub)
		}
		b.subsMu.RUnlock()
		for _, sub := range subs {
			<-sub.done
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for evt := range b.queue {
		b.dispatch(evt)
	}
	b.subsMu.Lock()
	for _, sub := range b.subs {
		sub.close()
	}
	b.subsMu.Unlock()
}

func (b *Bus) dispatch(evt Event) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		if !sub.offer(evt) {
			b.dropped.Add(1)
			b.logger.Warn("bus: subscriber queue full, dropping event", "type", evt.Type, "session_id", evt.SessionID)
		}
	}
}

type subscription struct {
	handler Handler
	types   map[EventType]struct{}
	queue   chan Event
	done    chan struct{}
	logger  *slog.Logger

	closeOnce sync.Once
}

func (s *subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// offer is non-blocking. The caller holds subsMu so close cannot race.
func (s *subscription) offer(evt Event) bool {
	select {
	case s.queue <- evt:
		return true
	default:
		return false
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() { close(s.queue) })
}

func (s *subscription) loop() {
	defer close(s.done)
	for evt := range s.queue {
		s.invoke(evt)
	}
}

func (s *subscription) invoke(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bus: subscriber panic", "type", evt.Type, "panic", r)
		}
	}()
	s.handler(context.Background(), evt)
}
