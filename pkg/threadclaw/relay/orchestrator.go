// Package relay turns chat mentions into assistant invocations and posts the
// answers back into the originating thread. The Orchestrator owns a fixed
// worker pool; each mention is handled end to end by one worker.
package relay

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/audit"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/claude"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/config"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/session"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 10

// Assistant answers a prompt, optionally resuming a previous session.
type Assistant interface {
	Invoke(ctx context.Context, prompt, sessionToken string) (*claude.Result, error)
}

// AuditSink receives one entry per handled mention.
type AuditSink interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Binding ties a bot identity to its configuration, transport and assistant.
type Binding struct {
	Name      string
	Bot       *config.Bot
	Transport channels.Transport
	Assistant Assistant
}

// Options configures an Orchestrator.
type Options struct {
	// Workers is the number of concurrent requests. Defaults to DefaultWorkers.
	Workers int

	// QueueSize is the buffered backlog. Defaults to Workers * 10.
	QueueSize int

	Logger *slog.Logger

	// Audit is optional.
	Audit AuditSink

	// Rand returns a uniform int in [0, n). Defaults to math/rand/v2.
	Rand func(n int) int
}

type job struct {
	binding *Binding
	mention channels.Mention
}

// Orchestrator dispatches mentions onto a bounded worker pool.
type Orchestrator struct {
	store  *session.Store
	audit  AuditSink
	rand   func(n int) int
	logger *slog.Logger

	workers int
	queue   chan job

	// overflow holds jobs submitted while queue is full. Submit never blocks.
	overflowMu sync.Mutex
	overflow   []job
	wake       chan struct{}

	inFlight atomic.Int64
	handled  atomic.Int64

	stopped  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an Orchestrator around the shared session store.
func New(store *session.Store, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 10
	}
	if opts.Rand == nil {
		opts.Rand = rand.IntN
	}
	return &Orchestrator{
		store:   store,
		audit:   opts.Audit,
		rand:    opts.Rand,
		logger:  opts.Logger.With("component", "relay"),
		workers: opts.Workers,
		queue:   make(chan job, opts.QueueSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the worker pool. Requests run under ctx.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.work(ctx)
		}()
	}
	go o.drainOverflow(ctx)
	o.logger.Info("worker pool started", "workers", o.workers)
}

// Submit queues a mention for handling without blocking. It returns false
// once the orchestrator is stopped.
func (o *Orchestrator) Submit(b *Binding, m channels.Mention) bool {
	if o.stopped.Load() {
		return false
	}
	j := job{binding: b, mention: m}

	o.overflowMu.Lock()
	defer o.overflowMu.Unlock()

	// Once anything spilled, keep arrival order by spilling behind it.
	if len(o.overflow) == 0 {
		select {
		case o.queue <- j:
			return true
		default:
		}
	}
	o.overflow = append(o.overflow, j)
	o.logger.Debug("worker queue full, mention queued in overflow", "pending", len(o.overflow))
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop stops accepting mentions. Requests already running keep going; queued
// ones are dropped.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		close(o.done)

		o.overflowMu.Lock()
		dropped := len(o.overflow) + len(o.queue)
		o.overflow = nil
		o.overflowMu.Unlock()
		if dropped > 0 {
			o.logger.Warn("dropping queued mentions on shutdown", "count", dropped)
		}
	})
}

// Wait blocks until the workers exit or timeout elapses. It reports whether
// every worker finished.
func (o *Orchestrator) Wait(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		o.logger.Warn("shutdown wait elapsed with requests still running", "in_flight", o.inFlight.Load())
		return false
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers  int   `json:"workers"`
	InFlight int64 `json:"in_flight"`
	Queued   int   `json:"queued"`
	Handled  int64 `json:"handled"`
}

// Stats returns the current pool counters.
func (o *Orchestrator) Stats() Stats {
	o.overflowMu.Lock()
	queued := len(o.queue) + len(o.overflow)
	o.overflowMu.Unlock()
	return Stats{
		Workers:  o.workers,
		InFlight: o.inFlight.Load(),
		Queued:   queued,
		Handled:  o.handled.Load(),
	}
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		// Stop wins over queued work.
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case j := <-o.queue:
			o.inFlight.Add(1)
			o.Handle(ctx, j.binding, j.mention)
			o.inFlight.Add(-1)
			o.handled.Add(1)
		}
	}
}

// drainOverflow moves spilled jobs into the queue as workers free up.
func (o *Orchestrator) drainOverflow(ctx context.Context) {
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-o.wake:
		}

		for {
			o.overflowMu.Lock()
			if len(o.overflow) == 0 {
				o.overflowMu.Unlock()
				break
			}
			j := o.overflow[0]
			o.overflowMu.Unlock()

			select {
			case o.queue <- j:
			case <-o.done:
				return
			case <-ctx.Done():
				return
			}

			o.overflowMu.Lock()
			if len(o.overflow) > 0 {
				o.overflow = o.overflow[1:]
			}
			o.overflowMu.Unlock()
		}
	}
}
