// Package notify delivers terminal operation outcomes to a webhook as
// CloudEvents, asynchronously and off the pipelines' critical path.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"osfleet/internal/pipeline"
	"osfleet/pkg/backoff"
	"osfleet/pkg/circuitbreaker"
	"osfleet/pkg/cloudevent"
)

// Event types published for terminal items.
const (
	TypeSucceeded = "osfleet.operation.succeeded"
	TypeFailed    = "osfleet.operation.failed"
	TypeTimedOut  = "osfleet.operation.timedout"
)

var (
	// ErrBufferFull is returned when the queue is full and the event is dropped.
	ErrBufferFull = errors.New("notify buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("notifier is closed")
)

// Recorder receives notifier metrics.
type Recorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	Requeued     int64
	RetriesTotal int64
	BreakersOpen int
}

type delivery struct {
	event    *cloudevent.CloudEvent
	requeues int
}

// Notifier is an in-memory async event publisher. Events wait in a bounded
// channel and are delivered by a fixed set of workers; when the buffer is
// full they are dropped.
type Notifier struct {
	queue    chan *delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      Config
	runID    string
	logger   *slog.Logger
	metrics  Recorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New starts a notifier publishing to cfg.URL. It returns nil when
// notification is disabled; a nil *Notifier is a valid no-op sink.
func New(cfg Config, runID string, logger *slog.Logger, metrics Recorder) *Notifier {
	if !cfg.Enabled() {
		return nil
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	n := &Notifier{
		queue:  make(chan *delivery, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		cfg:      cfg,
		runID:    runID,
		logger:   logger.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}
	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "destination", extractHost(cfg.URL), "workers", cfg.Workers)
	return n
}

// Emit publishes succeeded, failed, and timed out items. Other transitions
// are progress noise and are not sent.
func (n *Notifier) Emit(_ context.Context, ev pipeline.Event) {
	if n == nil {
		return
	}
	var typ string
	switch ev.Status {
	case pipeline.ItemSucceeded:
		typ = TypeSucceeded
	case pipeline.ItemFailed:
		typ = TypeFailed
	case pipeline.ItemTimedOut:
		typ = TypeTimedOut
	default:
		return
	}

	data := map[string]any{
		"run_id": ev.RunID,
		"tenant": ev.Tenant,
		"kind":   ev.Kind,
		"id":     ev.ID,
		"name":   ev.Name,
		"status": string(ev.Status),
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	event := cloudevent.New(typ, "osfleet/"+n.runID, ev.Tenant+"/"+ev.Name, "", data)
	event.Time = ev.Time

	_ = n.Dispatch(event)
}

// Dispatch queues an event for async delivery. Non-blocking.
func (n *Notifier) Dispatch(event *cloudevent.CloudEvent) error {
	if n.closed.Load() {
		return ErrClosed
	}

	select {
	case n.queue <- &delivery{event: event}:
		n.queued.Add(1)
		return nil
	default:
		n.drop("Event dropped, buffer full", event)
		return ErrBufferFull
	}
}

// Stats returns current notifier statistics.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Requeued:     n.requeued.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		BreakersOpen: n.breakers.Stats().Open,
	}
}

// Close stops accepting events and delivers what is queued. The context
// deadline bounds how long the drain may take.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil || n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier draining", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier closed",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier drain timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *Notifier) drainQueue() {
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		default:
			return
		}
	}
}

// deliver sends one event with retry behind the destination's breaker.
func (n *Notifier) deliver(d *delivery) {
	host := extractHost(n.cfg.URL)
	breaker := n.breakers.Get(host)

	if !breaker.Allow() {
		n.requeue(d, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, d.event); err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", host, "type", d.event.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back after the breaker cooldown. Events still
// waiting when the notifier closes are dropped.
func (n *Notifier) requeue(d *delivery, host string) {
	if d.requeues >= defaultMaxRequeues {
		n.drop("Event dropped, max requeues reached", d.event)
		return
	}

	d.requeues++
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyRequeued(context.Background())
	}

	go func() {
		select {
		case <-n.shutdown:
			n.drop("Event dropped, notifier closed while circuit open", d.event)
			return
		case <-time.After(n.cfg.BreakerCooldown):
		}

		select {
		case n.queue <- d:
			n.logger.Debug("Event requeued", "destination", host, "type", d.event.Type, "requeues", d.requeues)
		default:
			n.drop("Event dropped on requeue, buffer full", d.event)
		}
	}()
}

func (n *Notifier) drop(msg string, event *cloudevent.CloudEvent) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDropped(context.Background())
	}
	n.logger.Warn(msg, "destination", extractHost(n.cfg.URL), "type", event.Type, "subject", event.Subject)
}

func (n *Notifier) sendWithRetry(ctx context.Context, event *cloudevent.CloudEvent) error {
	opts := cloudevent.SendOptions{SigningKey: n.cfg.SigningKey, UserAgent: "osfleet"}
	wait := &backoff.Config{Initial: n.cfg.InitialBackoff, Max: defaultMaxBackoff}

	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			n.retriesTotal.Add(1)
			if err := backoff.Sleep(ctx, backoff.Exponential(attempt, wait)); err != nil {
				return err
			}
		}

		lastErr = n.sender.Send(ctx, n.cfg.URL, event, opts)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for breaker keying and logs.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ pipeline.Sink = (*Notifier)(nil)
