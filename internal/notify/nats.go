package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ashureev/spotter/internal/domain"
)

// Publisher is the slice of *nats.Conn the NATS notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes notifications as JSON on a subject.
type NATSNotifier struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

// NewNATS connects to url and publishes on subject.
func NewNATS(url, subject string) (*NATSNotifier, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := nats.Connect(url,
		nats.Name("spotter-notify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	n := NewNATSWithPublisher(nc, subject)
	n.conn = nc
	return n, nil
}

// NewNATSWithPublisher publishes through an existing publisher.
func NewNATSWithPublisher(pub Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{pub: pub, subject: subject}
}

// NotifyOffline publishes the notification.
func (n *NATSNotifier) NotifyOffline(ctx context.Context, recipientID string, note Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotificationFailure, err)
	}
	data, err := encode(recipientID, note)
	if err != nil {
		return err
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("%w: nats publish: %v", domain.ErrNotificationFailure, err)
	}
	return nil
}

// Close drains the owned connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
