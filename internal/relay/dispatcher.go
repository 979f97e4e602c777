package relay

import (
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/mailfold/mailfold-backend/internal/errors"
)

// Clock abstracts time for the dispatcher so retry behavior is testable
// without real delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewRealClock returns a Clock backed by the system clock.
func NewRealClock() Clock { return realClock{} }

// Recorder receives exactly one terminal outcome per target. It must
// never block dispatch or fail it.
type Recorder interface {
	Forwarded(sender, recipient, subject string)
	DeliveryFailed(sender, recipient, subject, reason string)
}

// Default dispatch limits.
const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 15 * time.Minute
)

// DispatcherConfig bounds the worker pool and retry policy.
type DispatcherConfig struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Dispatcher consumes the relay queue with a bounded worker pool and
// drives each attempt through the delivery state machine.
type Dispatcher struct {
	queue     *Queue
	transport Transport
	recorder  Recorder
	clock     Clock
	logger    *slog.Logger
	cfg       DispatcherConfig

	workers sync.WaitGroup
	retries sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

// NewDispatcher creates a Dispatcher. Zero config fields fall back to
// the package defaults.
func NewDispatcher(queue *Queue, transport Transport, recorder Recorder, clock Clock, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if clock == nil {
		clock = NewRealClock()
	}
	return &Dispatcher{
		queue:     queue,
		transport: transport,
		recorder:  recorder,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
		stop:      make(chan struct{}),
	}
}

// Start launches the worker pool
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.workers.Add(1)
		go d.work()
	}
	d.logger.Info("relay dispatcher started",
		slog.Int("workers", d.cfg.Workers),
		slog.Int("max_attempts", d.cfg.MaxAttempts))
}

// Stop closes the queue, cancels pending backoff timers, and waits for
// in-flight attempts to reach a terminal state.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.stop)
		d.queue.Close()
	})
	// Workers first: a worker handling a transient failure registers its
	// retry timer before exiting, so the retries group is complete only
	// after the pool has drained.
	d.workers.Wait()
	d.retries.Wait()
	d.logger.Info("relay dispatcher stopped")
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for {
		attempt, ok := d.queue.Dequeue()
		if !ok {
			return
		}
		d.dispatch(attempt)
	}
}

// dispatch runs one delivery attempt and routes the outcome: success
// records per accepted target, immediate bounce on permanent failure,
// backoff and requeue on transient failure until the attempt budget is
// spent.
func (d *Dispatcher) dispatch(a *Attempt) {
	a.State = StateAttempting
	a.Attempts++
	req := a.Request

	result, err := d.transport.Deliver(req.EnvelopeFrom, a.remaining, req.Message)
	if err != nil {
		a.LastError = err
		if apperrors.IsPermanent(err) {
			d.bounce(a, err)
			return
		}
		d.retryOrBounce(a, err)
		return
	}

	for _, target := range result.Accepted {
		d.recorder.Forwarded(req.Sender, target, req.Subject)
	}
	if len(result.Accepted) > 0 {
		d.logger.Info("forwarded",
			slog.String("request_id", req.ID),
			slog.String("envelope_from", req.EnvelopeFrom),
			slog.Int("delivered", len(result.Accepted)),
			slog.Int("refused", len(result.Refused)),
			slog.Int("attempt", a.Attempts))
	}

	// Split refused targets: permanent refusals bounce now, transient
	// ones go back through the queue with the shrunken target set.
	var retry []string
	for target, derr := range result.Refused {
		if derr.Permanent {
			d.recorder.DeliveryFailed(req.Sender, target, req.Subject, derr.Error())
			continue
		}
		retry = append(retry, target)
	}
	if len(retry) == 0 {
		if len(result.Accepted) > 0 {
			a.State = StateDelivered
		} else {
			a.State = StateBounced
		}
		return
	}
	a.remaining = retry
	d.retryOrBounce(a, result.Refused[retry[0]])
}

// retryOrBounce moves a transiently failed attempt to Retrying with
// exponential backoff, or to Bounced when the budget is exhausted.
func (d *Dispatcher) retryOrBounce(a *Attempt, cause error) {
	a.LastError = cause
	if a.Attempts >= d.cfg.MaxAttempts {
		d.bounce(a, cause)
		return
	}

	backoff := d.backoff(a.Attempts)
	a.State = StateRetrying
	a.NextAttemptAt = d.clock.Now().Add(backoff)
	d.logger.Warn("delivery failed, will retry",
		slog.String("request_id", a.Request.ID),
		slog.Int("attempt", a.Attempts),
		slog.Duration("backoff", backoff),
		slog.Any("error", cause))

	d.retries.Add(1)
	go func() {
		defer d.retries.Done()
		select {
		case <-d.clock.After(backoff):
			if err := d.queue.push(a); err != nil {
				d.bounce(a, cause)
			}
		case <-d.stop:
			d.bounce(a, cause)
		}
	}()
}

// bounce records the terminal failure for every remaining target
func (d *Dispatcher) bounce(a *Attempt, cause error) {
	a.State = StateBounced
	a.LastError = cause
	req := a.Request
	reason := "delivery failed"
	if cause != nil {
		reason = cause.Error()
	}
	for _, target := range a.remaining {
		d.recorder.DeliveryFailed(req.Sender, target, req.Subject, reason)
	}
	d.logger.Error("forward bounced",
		slog.String("request_id", req.ID),
		slog.String("envelope_from", req.EnvelopeFrom),
		slog.Int("targets", len(a.remaining)),
		slog.Int("attempts", a.Attempts),
		slog.Any("error", cause))
}

// backoff doubles per attempt from the base, capped at the maximum.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	backoff := d.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if backoff > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return backoff
}
