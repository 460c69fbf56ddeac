package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/spotter/internal/metrics"
)

// Dispatcher runs notifications in the background so senders never wait on the transport.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	metrics  *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher wraps notifier. Each notification gets its own timeout.
func NewDispatcher(notifier Notifier, timeout time.Duration, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: notifier, timeout: timeout, metrics: m}
}

// Dispatch hands the notification off and returns immediately. Failures are logged and counted.
// Notifications dispatched after Close are dropped.
func (d *Dispatcher) Dispatch(recipientID string, n Notification) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		slog.Warn("Dropped offline notification after shutdown", "recipient_id", recipientID, "message_id", n.Data["messageId"])
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		err := d.notifier.NotifyOffline(ctx, recipientID, n)
		d.metrics.NotificationResult(err)
		if err != nil {
			slog.Warn("Offline notification failed",
				"recipient_id", recipientID,
				"message_id", n.Data["messageId"],
				"error", err)
		}
	}()
}

// Wait blocks until every dispatched notification finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting notifications and waits for the ones in flight.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
