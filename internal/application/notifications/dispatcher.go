// Package notifications fans completed operations out to sinks without ever gating a commit.
package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"atlas-ledger/internal/domain"

	"github.com/rs/zerolog/log"
)

// Sink delivers one event. Errors are logged by the dispatcher and never retried inline.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev domain.OperationEvent) error
}

// Dispatcher buffers events in a bounded channel drained by worker goroutines.
type Dispatcher struct {
	events       chan domain.OperationEvent
	sinks        []Sink
	timeout      time.Duration
	wg           sync.WaitGroup
	mu           sync.RWMutex
	closed       bool
	dropped      atomic.Uint64
	delivered    atomic.Uint64
	deliverFails atomic.Uint64
}

func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{events: make(chan domain.OperationEvent, buffer), sinks: sinks, timeout: 10 * time.Second}
}

// OperationCompleted enqueues ev. When the queue is full the event is dropped with a warning.
func (d *Dispatcher) OperationCompleted(ev domain.OperationEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
		log.Warn().Str("operation_id", ev.OperationID.String()).Str("type", string(ev.Type)).Msg("notification queue full, event dropped")
	}
}

// Start launches workers. They exit once Close has drained the queue.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for ev := range d.events {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev domain.OperationEvent) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Deliver(ctx, ev)
		cancel()
		if err != nil {
			d.deliverFails.Add(1)
			log.Error().Err(err).Str("sink", s.Name()).Str("operation_id", ev.OperationID.String()).Msg("notification delivery failed")
			continue
		}
		d.delivered.Add(1)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	d.wg.Wait()
}

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	Queued       int    `json:"queued"`
	Dropped      uint64 `json:"dropped"`
	Delivered    uint64 `json:"delivered"`
	DeliverFails uint64 `json:"deliver_failures"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:       len(d.events),
		Dropped:      d.dropped.Load(),
		Delivered:    d.delivered.Load(),
		DeliverFails: d.deliverFails.Load(),
	}
}
