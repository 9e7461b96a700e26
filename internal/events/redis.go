package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/pkg/blackboard"
)

// RedisPublisher publishes session events on
// warren:{namespace}:session:{id}:events.
type RedisPublisher struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisPublisher creates a publisher on an existing connection.
func NewRedisPublisher(rdb *redis.Client, namespace string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, namespace: namespace}
}

// Publish sends ev as JSON. Delivery is at-most-once.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	channel := blackboard.EventsChannel(p.namespace, ev.SessionID)
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscription represents an active Pub/Sub subscription to a session's
// events. Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of session events.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// Malformed messages are reported here and skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe listens to a session's events.
//
// Events are delivered on a buffered channel (size 10). If the subscriber is
// too slow, Redis Pub/Sub may drop messages.
func Subscribe(ctx context.Context, rdb *redis.Client, namespace, sessionID string) (*Subscription, error) {
	pubsub := rdb.Subscribe(ctx, blackboard.EventsChannel(namespace, sessionID))

	// Wait for the subscription to be confirmed so no event is missed
	// between Subscribe returning and the first read.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	eventsChan := make(chan Event, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
