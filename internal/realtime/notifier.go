package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"carelink/internal/cache"
	"carelink/internal/middleware"

	"github.com/redis/go-redis/v9"
)

// Notifier publishes patient notifications into redis so every API
// instance holding a websocket for the patient can forward them.
type Notifier struct {
	rdb   *redis.Client
	local *Hub
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// WithLocalHub makes the notifier deliver straight to h when redis is not
// configured, so a single instance still pushes to its own clients.
func (n *Notifier) WithLocalHub(h *Hub) *Notifier {
	n.local = h
	return n
}

// PublishPatient sends a notification payload to a patient's channel.
func (n *Notifier) PublishPatient(ctx context.Context, patientID uint, payload string) error {
	if n.rdb == nil {
		if n.local != nil {
			n.local.Broadcast(patientID, payload)
		}
		return nil
	}
	return n.rdb.Publish(ctx, cache.PatientChannel(patientID), payload).Err()
}

// PublishMessage encodes msg and publishes it to the patient.
func (n *Notifier) PublishMessage(ctx context.Context, patientID uint, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return n.PublishPatient(ctx, patientID, payload)
}

// StartPatternSubscriber subscribes to every patient channel and calls
// onMessage for each incoming message until ctx is cancelled.
func (n *Notifier) StartPatternSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, cache.PatientChannelPattern)
	// Wait for the subscription confirmation so publishes issued right after
	// start are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("psubscribe %s: %w", cache.PatientChannelPattern, err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							middleware.Logger.Error("panic in patient subscriber",
								slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}
