package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"position-rescue-alerts/internal/storage"
)

// DispatcherOptions tune buffering and redelivery.
type DispatcherOptions struct {
	BufferSize    int
	DeliveryRetry int
	RetryDelay    time.Duration
}

// Dispatcher hands alerts to the notifier with at-least-once semantics
// via a small retry buffer. Delivery failure is logged, never escalated:
// the control loop must not stall because a chat API is down.
type Dispatcher struct {
	notifier Notifier
	audit    storage.AlertAuditStore
	logger   zerolog.Logger
	opts     DispatcherOptions

	queue chan Alert
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewDispatcher starts the delivery worker. notifier and audit may each be
// nil; whatever is present is used.
func NewDispatcher(notifier Notifier, audit storage.AlertAuditStore, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.DeliveryRetry <= 0 {
		opts.DeliveryRetry = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}

	d := &Dispatcher{
		notifier: notifier,
		audit:    audit,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
		opts:     opts,
		queue:    make(chan Alert, opts.BufferSize),
	}

	d.wg.Add(1)
	go d.deliverLoop()
	return d
}

// Dispatch enqueues an alert for delivery. It never blocks the caller;
// when the buffer is full the alert is dropped with a log line.
func (d *Dispatcher) Dispatch(alert Alert) {
	select {
	case d.queue <- alert:
	default:
		d.logger.Error().Str("position", alert.PositionID).Str("alert", alert.ID).
			Msg("alert buffer full, dropping alert")
	}
}

// Close stops accepting alerts and drains the buffer.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *Dispatcher) deliverLoop() {
	defer d.wg.Done()
	for alert := range d.queue {
		d.record(alert)
		d.deliver(alert)
	}
}

func (d *Dispatcher) record(alert Alert) {
	if d.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := storage.AlertRecord{
		ID:         alert.ID,
		PositionID: alert.PositionID,
		Severity:   string(alert.Severity),
		Level:      alert.Level,
		ActionID:   alert.ActionID,
		Message:    alert.Message,
	}
	if err := d.audit.InsertAlert(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("alert", alert.ID).Msg("failed to persist alert record")
	}
}

func (d *Dispatcher) deliver(alert Alert) {
	if d.notifier == nil {
		return
	}

	for attempt := 1; attempt <= d.opts.DeliveryRetry; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := d.notifier.Notify(ctx, alert)
		cancel()
		if err == nil {
			return
		}

		d.logger.Warn().Err(err).Str("alert", alert.ID).Int("attempt", attempt).
			Msg("alert delivery failed")
		if attempt < d.opts.DeliveryRetry {
			time.Sleep(d.opts.RetryDelay)
		}
	}
	d.logger.Error().Str("alert", alert.ID).Str("position", alert.PositionID).
		Msg("alert delivery abandoned after retries")
}
