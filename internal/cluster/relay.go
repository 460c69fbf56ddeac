// Package cluster relays emissions and presence between instances through Redis.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/spotter/internal/hub"
	"github.com/ashureev/spotter/internal/metrics"
)

const defaultQueueSize = 1024

// Deliverer receives emissions published by other instances. *hub.Hub satisfies it.
type Deliverer interface {
	DeliverLocal(em hub.Emission) int
}

type frame struct {
	Origin   string       `json:"origin"`
	Emission hub.Emission `json:"emission"`
}

// Relay publishes local emissions on a Redis channel and delivers remote ones locally.
type Relay struct {
	rdb        redis.UniversalClient
	channel    string
	instanceID string
	queue      chan hub.Emission
	metrics    *metrics.Metrics
}

// NewRelay creates a relay. Emissions are queued until Run starts publishing them.
func NewRelay(rdb redis.UniversalClient, channel, instanceID string, m *metrics.Metrics) *Relay {
	return &Relay{
		rdb:        rdb,
		channel:    channel,
		instanceID: instanceID,
		queue:      make(chan hub.Emission, defaultQueueSize),
		metrics:    m,
	}
}

// Publish queues em for the background publisher without blocking.
func (r *Relay) Publish(em hub.Emission) {
	select {
	case r.queue <- em:
	default:
		r.metrics.Relayed("out", fmt.Errorf("queue full"))
		slog.Warn("Cluster relay queue full, dropping emission", "event", em.Envelope.Event)
	}
}

// Run publishes queued emissions and delivers remote ones until ctx is done.
func (r *Relay) Run(ctx context.Context, local Deliverer) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			slog.Warn("Failed to close cluster subscription", "error", err)
		}
	}()

	// Wait for the subscription to be confirmed before reporting the relay as live.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	slog.Info("Cluster relay subscribed", "channel", r.channel, "instance_id", r.instanceID)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case em := <-r.queue:
			err := r.publish(ctx, em)
			r.metrics.Relayed("out", err)
			if err != nil {
				slog.Warn("Cluster relay publish failed", "event", em.Envelope.Event, "error", err)
			}
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(local, msg.Payload)
		}
	}
}

func (r *Relay) publish(ctx context.Context, em hub.Emission) error {
	payload, err := json.Marshal(frame{Origin: r.instanceID, Emission: em})
	if err != nil {
		return fmt.Errorf("encode emission: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}

// handle delivers a remote frame locally, dropping echoes of our own emissions.
func (r *Relay) handle(local Deliverer, payload string) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		r.metrics.Relayed("in", err)
		slog.Warn("Dropping malformed cluster frame", "error", err)
		return
	}
	if f.Origin == r.instanceID {
		return
	}
	r.metrics.Relayed("in", nil)
	local.DeliverLocal(f.Emission)
}
