package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is one inbound message on the messaging channel. Redis pub/sub carries no
// sender identity, so From is always empty.
type Message struct {
	Topic string
	Data  []byte
	From  string
}

// Subscription delivers messages for a topic pattern until closed
type Subscription struct {
	C <-chan Message

	pubsub *redis.PubSub
	once   sync.Once
	stop   chan struct{}
	done   chan struct{}
}

// Close stops delivery and releases the connection
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

// Messaging is the publish/subscribe channel used for client requests and replies
type Messaging struct {
	redis *RedisStore
}

// NewMessaging creates a messaging channel over redis
func NewMessaging(redis *RedisStore) *Messaging {
	return &Messaging{redis: redis}
}

// Publish sends data on topic
func (m *Messaging) Publish(ctx context.Context, topic string, data []byte) error {
	if err := m.redis.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens on every topic matching pattern (glob syntax). It returns once the
// subscription is confirmed by the server.
func (m *Messaging) Subscribe(ctx context.Context, pattern string) (*Subscription, error) {
	pubsub := m.redis.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	out := make(chan Message)
	sub := &Subscription{C: out, pubsub: pubsub, stop: make(chan struct{}), done: make(chan struct{})}

	ch := pubsub.Channel()
	go func() {
		defer close(sub.done)
		defer close(out)
		for msg := range ch {
			select {
			case out <- Message{Topic: msg.Channel, Data: []byte(msg.Payload)}:
			case <-sub.stop:
				return
			}
		}
	}()

	return sub, nil
}
