package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"tenderd/pkg/backoff"
	"tenderd/pkg/circuitbreaker"
)

// ErrBufferFull is returned when the notifier's buffer is full and the
// event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

const (
	maxRetries       = 3
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	deliveryDeadline = 30 * time.Second
)

// Config holds notifier tuning.
type Config struct {
	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
}

// Notifier is an in-memory async webhook dispatcher: a bounded queue
// drained by a worker pool, retrying with exponential backoff behind
// per-host circuit breakers.
type Notifier struct {
	queue    chan *Delivery
	sender   *Sender
	breakers *circuitbreaker.Registry
	retry    backoff.Policy
	logger   *slog.Logger
	metrics  MetricsRecorder

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// Stats holds notifier counters.
type Stats struct {
	Delivered int64
	Failed    int64
	Dropped   int64
}

// New creates a notifier and starts its workers.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		queue:  make(chan *Delivery, cfg.BufferSize),
		sender: NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: breakerThreshold,
			Cooldown:  breakerCooldown,
		}),
		retry:    backoff.Policy{Jitter: 0.2},
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}
	return n
}

// Publish queues a delivery. Non-blocking; drops when the buffer is full.
func (n *Notifier) Publish(d *Delivery) error {
	if n.closed.Load() {
		return fmt.Errorf("notifier is closed")
	}

	select {
	case n.queue <- d:
		return nil
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Warn("Event dropped, buffer full",
			"destination", hostOf(d.URL),
			"type", d.Event.Type,
		)
		return ErrBufferFull
	}
}

// Stats returns current counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Delivered: n.delivered.Load(),
		Failed:    n.failed.Load(),
		Dropped:   n.dropped.Load(),
	}
}

// Close drains the queue and stops the workers. The context deadline bounds
// the drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			// Drain remaining events before exiting.
			for {
				select {
				case d := <-n.queue:
					n.deliver(d)
				default:
					return
				}
			}
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *Notifier) deliver(d *Delivery) {
	host := hostOf(d.URL)
	breaker := n.breakers.Get(host)

	if !breaker.Allow() {
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(context.Background())
		}
		n.logger.Warn("Delivery skipped, circuit open", "destination", host, "type", d.Event.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryDeadline)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, d); err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", host, "type", d.Event.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, d *Delivery) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries+1; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.retry.Delay(attempt)):
			}
		}

		lastErr = n.sender.Send(ctx, d.URL, d.Event, d.SigningKey)
		if lastErr == nil {
			return nil
		}
		if IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
