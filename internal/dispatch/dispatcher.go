// Package dispatch runs inbound events through the pipeline on a bounded
// worker pool.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/gate"
	"github.com/tomkotik/aimanager/internal/pipeline"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrStopped is returned by Submit after shutdown began.
	ErrStopped = errors.New("dispatcher stopped")
)

// Handler processes one event. *pipeline.Engine satisfies it.
type Handler interface {
	Handle(ctx context.Context, evt events.InboundEvent) (pipeline.Reply, error)
}

// Job is one queued event. Done is called exactly once from a worker.
type Job struct {
	Event events.InboundEvent
	Done  func(pipeline.Reply, error)
}

type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

type Dispatcher struct {
	handler    Handler
	workers    int
	jobTimeout time.Duration
	queue      chan Job

	mu              sync.Mutex
	stopped         bool
	consecutiveFail int
	natsPublish     func(subject string, data []byte) error

	wg   sync.WaitGroup
	done chan struct{}
}

func New(h Handler, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	return &Dispatcher{
		handler:    h,
		workers:    cfg.Workers,
		jobTimeout: cfg.JobTimeout,
		queue:      make(chan Job, cfg.QueueSize),
		done:       make(chan struct{}),
	}
}

// SetNATSPublisher sets the function used to publish alerts back to NATS.
func (d *Dispatcher) SetNATSPublisher(fn func(subject string, data []byte) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.natsPublish = fn
}

// Submit enqueues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	select {
	case d.queue <- job:
		return nil
	default:
		slog.Warn("dispatch queue full, rejecting event",
			"conversation_key", job.Event.ConversationKey,
			"queue_size", cap(d.queue),
		)
		d.publishAlert(events.Alert{
			Kind:            events.AlertQueueOverflow,
			AgentID:         job.Event.AgentID,
			ConversationKey: job.Event.ConversationKey,
			Detail:          "dispatch queue full",
		})
		return ErrQueueFull
	}
}

// Start launches the workers. When ctx ends, queued jobs are still drained
// before Wait returns.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		d.wg.Wait()
		d.refuseQueued()
		close(d.done)
	}()
}

// Wait blocks until all workers have drained the queue and exited.
func (d *Dispatcher) Wait() {
	<-d.done
}

// QueueLen returns the number of jobs waiting (for health checks).
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.run(job)
		case <-ctx.Done():
			for {
				select {
				case job := <-d.queue:
					d.run(job)
				default:
					return
				}
			}
		}
	}
}

// refuseQueued fails jobs that raced with shutdown so their Done still runs.
func (d *Dispatcher) refuseQueued() {
	for {
		select {
		case job := <-d.queue:
			if job.Done != nil {
				job.Done(pipeline.Reply{}, ErrStopped)
			}
		default:
			return
		}
	}
}

// run uses its own deadline so in-flight events finish during shutdown.
func (d *Dispatcher) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	defer cancel()

	reply, err := d.handler.Handle(ctx, job.Event)
	d.record(job.Event, err)
	if job.Done != nil {
		job.Done(reply, err)
	}
}

func (d *Dispatcher) record(evt events.InboundEvent, err error) {
	if err == nil || expected(err) {
		d.mu.Lock()
		d.consecutiveFail = 0
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	d.consecutiveFail++
	fails := d.consecutiveFail
	d.mu.Unlock()

	slog.Error("event processing failed",
		"conversation_key", evt.ConversationKey,
		"external_event_id", evt.ExternalEventID,
		"consecutive_failures", fails,
		"error", err,
	)
	if fails == 3 {
		d.publishAlert(events.Alert{
			Kind:   events.AlertProcessing,
			Detail: "3 consecutive processing failures: " + err.Error(),
		})
	}
}

// expected reports errors that are part of normal operation.
func expected(err error) bool {
	return errors.Is(err, pipeline.ErrStaleOrdering) ||
		errors.Is(err, gate.ErrMissingIdentity) ||
		errors.Is(err, gate.ErrLockTimeout)
}

func (d *Dispatcher) publishAlert(a events.Alert) {
	d.mu.Lock()
	publish := d.natsPublish
	d.mu.Unlock()
	if publish == nil {
		return
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	if err := publish(a.Subject(), a.Marshal()); err != nil {
		slog.Error("failed to publish alert", "subject", a.Subject(), "error", err)
	}
}
