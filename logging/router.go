package logging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

const (
	defaultQueueSize = 512
	maxSinkBackoff   = 30 * time.Second
)

// Router stamps events, merges static fields and hands them to one worker per
// sink. Publish never blocks: events that do not fit the queue are counted and
// dropped.
type Router struct {
	clock     Clock
	minimum   Severity
	fields    map[string]any
	warnEvery time.Duration
	fallback  *log.Logger

	queue   chan Event
	workers []*sinkWorker

	closed   atomic.Bool
	stop     chan struct{}
	finished sync.WaitGroup

	forwarded   atomic.Uint64
	dropped     atomic.Uint64
	nextWarning atomic.Int64
}

type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
	Sinks        map[string]SinkStats
}

// SinkStats counts what happened to events routed to one sink.
type SinkStats struct {
	Written uint64
	Failed  uint64
	Dropped uint64
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	queueSize := cfg.BufferSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	warnEvery := cfg.DropWarnInterval
	if warnEvery <= 0 {
		warnEvery = 5 * time.Second
	}

	r := &Router{
		clock:     clock,
		minimum:   cfg.MinimumSeverity,
		fields:    cfg.CloneFields(),
		warnEvery: warnEvery,
		fallback:  log.New(os.Stderr, "[logging] ", log.LstdFlags),
		queue:     make(chan Event, queueSize),
		stop:      make(chan struct{}),
	}

	backlog := min(max(queueSize, 32), 1024)
	seen := make(map[string]bool, len(namedSinks))
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		if seen[named.Name] {
			return nil, fmt.Errorf("duplicate sink name %q", named.Name)
		}
		seen[named.Name] = true
		r.workers = append(r.workers, &sinkWorker{
			name:     named.Name,
			sink:     named.Sink,
			events:   make(chan Event, backlog),
			fallback: r.fallback,
			stop:     r.stop,
		})
	}

	r.finished.Add(1 + len(r.workers))
	go func() {
		defer r.finished.Done()
		r.dispatch()
	}()
	for _, worker := range r.workers {
		go func(w *sinkWorker) {
			defer r.finished.Done()
			w.run()
		}(worker)
	}
	return r, nil
}

// Publish queues event for delivery. Events without a type, below the minimum
// severity or published after Close are ignored.
func (r *Router) Publish(ctx context.Context, event Event) {
	if event.Type == "" || event.Severity < r.minimum || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.noteDrop(event)
	}
}

// Close stops accepting events, delivers everything already queued and then
// closes every sink.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)

	done := make(chan struct{})
	go func() {
		r.finished.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, worker := range r.workers {
		if err := worker.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", worker.name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.forwarded.Load(),
		DroppedTotal: r.dropped.Load(),
		Sinks:        make(map[string]SinkStats, len(r.workers)),
	}
	for _, worker := range r.workers {
		stats.Sinks[worker.name] = SinkStats{
			Written: worker.written.Load(),
			Failed:  worker.failed.Load(),
			Dropped: worker.dropped.Load(),
		}
	}
	return stats
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, worker := range r.workers {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

func (r *Router) dispatch() {
	defer func() {
		for _, worker := range r.workers {
			close(worker.events)
		}
	}()
	for {
		select {
		case event := <-r.queue:
			r.route(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.route(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) route(event Event) {
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.fields)
	r.forwarded.Add(1)
	for _, worker := range r.workers {
		worker.offer(event)
	}
}

func (r *Router) noteDrop(event Event) {
	total := r.dropped.Add(1)
	now := time.Now().UnixNano()
	due := r.nextWarning.Load()
	if now < due || !r.nextWarning.CompareAndSwap(due, now+int64(r.warnEvery)) {
		return
	}
	r.fallback.Printf("event queue full: %d dropped so far, latest type=%s sequence=%d", total, event.Type, event.Sequence)
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger
	stop     <-chan struct{}
	failures int

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func (w *sinkWorker) offer(event Event) {
	select {
	case w.events <- cloneEvent(event):
	default:
		w.dropped.Add(1)
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if err := w.sink.Write(event); err != nil {
			w.failed.Add(1)
			w.backoff(err)
			continue
		}
		w.written.Add(1)
		w.failures = 0
	}
}

// backoff pauses a failing sink, doubling the pause per consecutive failure.
// Once the router is closing the pause is skipped so Close is not held up.
func (w *sinkWorker) backoff(err error) {
	w.failures++
	delay := min(time.Second<<min(w.failures-1, 5), maxSinkBackoff)
	w.fallback.Printf("sink %s failed: %v (pausing %s)", w.name, err, delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.stop:
	}
}
