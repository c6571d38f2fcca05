// Package events is an in-process publish/subscribe bus decoupling the
// trading loops from the API layer and persistence gateway.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies the kind of event flowing through the bus.
type Type string

const (
	TypeBar       Type = "bar"
	TypeSignal    Type = "signal"
	TypeOrder     Type = "order"
	TypeExecution Type = "execution"
	TypeRiskAlert Type = "risk_alert"
	TypePosition  Type = "position"
	TypeRegime    Type = "regime"
)

// Event is one published message.
type Event struct {
	Type    Type
	Symbol  string
	TS      time.Time
	Payload any
}

// NewBarEvent constructs a bar event.
func NewBarEvent(symbol string, ts time.Time, payload any) Event {
	return Event{Type: TypeBar, Symbol: symbol, TS: ts, Payload: payload}
}

// NewSignalEvent constructs a signal event.
func NewSignalEvent(symbol string, ts time.Time, payload any) Event {
	return Event{Type: TypeSignal, Symbol: symbol, TS: ts, Payload: payload}
}

// NewOrderEvent constructs an order event.
func NewOrderEvent(symbol string, ts time.Time, payload any) Event {
	return Event{Type: TypeOrder, Symbol: symbol, TS: ts, Payload: payload}
}

// NewExecutionEvent constructs an execution (fill) event.
func NewExecutionEvent(symbol string, ts time.Time, payload any) Event {
	return Event{Type: TypeExecution, Symbol: symbol, TS: ts, Payload: payload}
}

// NewRiskAlertEvent constructs a risk alert event.
func NewRiskAlertEvent(symbol string, ts time.Time, payload any) Event {
	return Event{Type: TypeRiskAlert, Symbol: symbol, TS: ts, Payload: payload}
}

// NewPositionEvent constructs a position event.
func NewPositionEvent(symbol string, ts time.Time, payload any) Event {
	return Event{Type: TypePosition, Symbol: symbol, TS: ts, Payload: payload}
}

// Handler processes one event. Handlers run on bus worker goroutines and
// must not block indefinitely.
type Handler func(Event)

// BusConfig tunes the worker pool and queue depth.
type BusConfig struct {
	WorkerCount int
	QueueSize   int
}

// DefaultBusConfig sizes the bus for a full-universe scan burst.
func DefaultBusConfig() BusConfig {
	return BusConfig{WorkerCount: 16, QueueSize: 100_000}
}

// Bus is a non-blocking, worker-pooled publish/subscribe dispatcher.
type Bus struct {
	cfg    BusConfig
	log    *zap.Logger
	queue  chan Event
	stop   chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	subs     map[Type][]Handler
	allSubs  []Handler

	dropped  int64
	droppedMu sync.Mutex
}

// NewBus constructs a Bus and starts its worker pool. Call Stop to drain
// and shut down.
func NewBus(cfg BusConfig, log *zap.Logger) *Bus {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultBusConfig().WorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultBusConfig().QueueSize
	}
	b := &Bus{
		cfg:   cfg,
		log:   log,
		queue: make(chan Event, cfg.QueueSize),
		stop:  make(chan struct{}),
		subs:  make(map[Type][]Handler),
	}
	b.wg.Add(cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.stop:
			// drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[ev.Type]...)
	handlers = append(handlers, b.allSubs...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event handler panic", zap.Any("recover", r), zap.String("type", string(ev.Type)))
				}
			}()
			h(ev)
		}()
	}
}

// Subscribe registers a handler for a single event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// SubscribeMultiple registers a handler for several event types.
func (b *Bus) SubscribeMultiple(types []Type, h Handler) {
	for _, t := range types {
		b.Subscribe(t, h)
	}
}

// SubscribeAll registers a handler invoked for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, h)
}

// Publish enqueues an event without blocking; if the queue is full, the
// event is dropped and counted rather than stalling the trading loop.
func (b *Bus) Publish(ev Event) {
	select {
	case b.queue <- ev:
	default:
		b.droppedMu.Lock()
		b.dropped++
		b.droppedMu.Unlock()
		b.log.Warn("event bus queue full, dropping event", zap.String("type", string(ev.Type)), zap.String("symbol", ev.Symbol))
	}
}

// PublishSync dispatches an event to subscribers on the calling goroutine,
// bypassing the queue. Used for events that must be observed before the
// caller proceeds (e.g. a risk alert gating an order).
func (b *Bus) PublishSync(ev Event) {
	b.dispatch(ev)
}

// Dropped returns the count of events dropped due to a full queue.
func (b *Bus) Dropped() int64 {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped
}

// Stop signals workers to drain the queue and exit, waiting up to timeout.
func (b *Bus) Stop(timeout time.Duration) {
	close(b.stop)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.log.Warn("event bus stop timed out waiting for workers")
	}
}
