// Package nats distributes committed events over NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/idgen"
)

// subjectPrefix roots every event subject: <prefix>.<namespace>.<event type>.
const subjectPrefix = "events"

// EventBus is a NATS-backed event bus with at-least-once delivery. Events
// are published to JetStream with their event ID as message ID, so republishing
// a committed batch never duplicates deliveries.
//
// Namespaces become subject tokens and therefore must not contain dots,
// spaces or wildcard characters.
type EventBus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ eventstore.EventBus = (*EventBus)(nil)

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream holding published events.
	StreamName string

	// StreamSubjects are the subjects bound to the stream.
	StreamSubjects []string

	// MaxAge is how long the stream retains events.
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store.
	MaxBytes int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamName:     "EVENTS",
		StreamSubjects: []string{subjectPrefix + ".>"},
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024, // 1 GB
	}
}

// NewEventBus connects to NATS and ensures the configured stream exists.
func NewEventBus(config Config) (*EventBus, error) {
	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := &EventBus{
		nc:         nc,
		js:         js,
		streamName: config.StreamName,
		subs:       make(map[string]*nats.Subscription),
	}

	if err := bus.ensureStream(config); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return bus, nil
}

// ensureStream creates or updates the JetStream stream.
func (b *EventBus) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  config.StreamSubjects,
		Retention: nats.InterestPolicy,
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := b.js.StreamInfo(config.StreamName)
	if err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// envelope is the wire form of a published event.
type envelope struct {
	Namespace string           `json:"namespace"`
	Event     eventstore.Event `json:"event"`
}

// Publish delivers committed events to JetStream, one message per event.
func (b *EventBus) Publish(ctx context.Context, namespace string, events []eventstore.Event) error {
	for _, ev := range events {
		data, err := json.Marshal(envelope{Namespace: namespace, Event: ev})
		if err != nil {
			return fmt.Errorf("failed to serialize event %s: %w", ev.ID, err)
		}

		subject := fmt.Sprintf("%s.%s.%s", subjectPrefix, namespace, ev.Type)
		opts := []nats.PubOpt{nats.Context(ctx)}
		if ev.ID != "" {
			opts = append(opts, nats.MsgId(ev.ID))
		}
		if _, err := b.js.Publish(subject, data, opts...); err != nil {
			return fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// Subscribe registers a durable JetStream consumer for events matching the
// filter. Events failing the handler are redelivered; events excluded by the
// filter are acknowledged without invoking the handler.
func (b *EventBus) Subscribe(filter eventstore.Filter, handler eventstore.Handler) (eventstore.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	consumerName := "consumer_" + idgen.NewID()

	sub, err := b.js.QueueSubscribe(
		filterSubject(filter),
		consumerName,
		func(msg *nats.Msg) {
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				msg.Nak()
				return
			}
			// The subject narrows delivery; the filter decides.
			if !filter.Matches(env.Namespace, env.Event) {
				msg.Ack()
				return
			}
			if err := handler(env.Namespace, env.Event); err != nil {
				msg.Nak()
				return
			}
			msg.Ack()
		},
		nats.Durable(consumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.subs[consumerName] = sub
	return &subscription{bus: b, sub: sub, consumerName: consumerName}, nil
}

// filterSubject narrows the NATS subject as far as the filter allows. Every
// delivered message is still checked against the full filter.
func filterSubject(filter eventstore.Filter) string {
	if len(filter.Namespaces) != 1 {
		return subjectPrefix + ".>"
	}
	if len(filter.EventTypes) == 1 {
		return fmt.Sprintf("%s.%s.%s", subjectPrefix, filter.Namespaces[0], filter.EventTypes[0])
	}
	return fmt.Sprintf("%s.%s.>", subjectPrefix, filter.Namespaces[0])
}

// Close drops all subscriptions and closes the connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.nc.Close()
	return nil
}

type subscription struct {
	bus          *EventBus
	sub          *nats.Subscription
	consumerName string
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.consumerName)
	return s.sub.Unsubscribe()
}
