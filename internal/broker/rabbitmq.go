package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"realtime_go/internal/codec"
	"realtime_go/internal/domain"
)

const ExchangeTopic = "chat.topic"

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

var errNotConnected = errors.New("rabbitmq connection is down")

// RabbitMQ is a Broker on a topic exchange. Each instance owns one exclusive
// queue; a user's binding exists while the user has a connection here.
// After the connection drops it redials, redeclares the queue and restores
// every binding.
type RabbitMQ struct {
	url   string
	queue string
	log   *slog.Logger

	// publishes share the channel with binds; amqp frames must not interleave.
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	bound   map[string]struct{}
	closed  bool
}

// NewRabbitMQ dials url, declares the exchange and this instance's queue.
func NewRabbitMQ(url, nodeID string, log *slog.Logger) (*RabbitMQ, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &RabbitMQ{
		url:   url,
		queue: "session." + nodeID,
		log:   log.With("component", "broker"),
		bound: make(map[string]struct{}),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// connect opens a connection and channel and declares the topology. The
// caller must not hold b.mu.
func (b *RabbitMQ) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeTopic, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		b.queue, // name
		false,   // durable
		true,    // delete when unused
		true,    // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare instance queue: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		conn.Close()
		return errNotConnected
	}
	for userID := range b.bound {
		if err := ch.QueueBind(b.queue, routingKey(userID), ExchangeTopic, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("failed to restore binding: %w", err)
		}
	}
	b.conn, b.channel = conn, ch
	return nil
}

func (b *RabbitMQ) Publish(ctx context.Context, env Envelope) error {
	body, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return domain.Degraded("broker", errNotConnected)
	}
	err = b.channel.PublishWithContext(ctx,
		ExchangeTopic,          // exchange
		routingKey(env.UserID), // routing key
		false,                  // mandatory
		false,                  // immediate
		amqp.Publishing{
			ContentType: "application/cbor",
			Body:        body,
		},
	)
	return domain.Degraded("broker", err)
}

// Bind records the binding and applies it when connected. A binding made
// while disconnected is applied on reconnect.
func (b *RabbitMQ) Bind(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[userID] = struct{}{}
	if b.channel == nil {
		return domain.Degraded("broker", errNotConnected)
	}
	return domain.Degraded("broker", b.channel.QueueBind(b.queue, routingKey(userID), ExchangeTopic, false, nil))
}

func (b *RabbitMQ) Unbind(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bound, userID)
	if b.channel == nil {
		return domain.Degraded("broker", errNotConnected)
	}
	return domain.Degraded("broker", b.channel.QueueUnbind(b.queue, routingKey(userID), ExchangeTopic, nil))
}

func (b *RabbitMQ) consume() (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return nil, errNotConnected
	}
	return b.channel.Consume(
		b.queue, // queue
		"",      // consumer tag
		true,    // auto-ack
		true,    // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
}

func (b *RabbitMQ) Subscribe(ctx context.Context, handle func(Envelope)) error {
	msgs, err := b.consume()
	if err != nil {
		return domain.Degraded("broker", fmt.Errorf("failed to register consumer: %w", err))
	}

	go func() {
		for {
			b.deliver(ctx, msgs, handle)
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("broker delivery channel closed, reconnecting")
			if msgs = b.reconnect(ctx); msgs == nil {
				return
			}
			b.log.Info("broker reconnected")
		}
	}()
	return nil
}

func (b *RabbitMQ) deliver(ctx context.Context, msgs <-chan amqp.Delivery, handle func(Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			var env Envelope
			if err := codec.Unmarshal(d.Body, &env); err != nil {
				b.log.Debug("dropping undecodable envelope", "error", err)
				continue
			}
			handle(env)
		}
	}
}

// reconnect redials with backoff until consuming works again. It returns
// nil when ctx is done or the broker was closed.
func (b *RabbitMQ) reconnect(ctx context.Context) <-chan amqp.Delivery {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn, b.channel = nil, nil
	b.mu.Unlock()

	delay := minReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		err := b.connect()
		if errors.Is(err, errNotConnected) {
			return nil
		}
		if err == nil {
			msgs, cerr := b.consume()
			if cerr == nil {
				return msgs
			}
			err = cerr
		}
		b.log.Warn("broker reconnect failed", "error", err, "retry_in", delay)
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (b *RabbitMQ) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.channel != nil {
		b.channel.Close()
	}
	var err error
	if b.conn != nil {
		err = b.conn.Close()
	}
	b.conn, b.channel = nil, nil
	return err
}
