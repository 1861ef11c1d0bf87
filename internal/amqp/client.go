package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"budgetmirror/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures = 5
	openTimeout = 30 * time.Second
	maxBackoff  = 30 * time.Second
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrUnknownType = errors.New("unknown message type")
)

// Handlers dispatch deliveries by their Publishing.Type. A nil handler
// rejects messages of that type.
type Handlers struct {
	SyncRequest func(ctx context.Context, msg *SyncRequestMessage) error
	AuthState   func(ctx context.Context, msg *AuthStateMessage) error
}

type Client struct {
	url          string
	exchangeName string
	queueName    string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	failureCount int64
	state        int32
	lastFailure  time.Time

	retries *redelivery
}

func NewClient(url, exchangeName, queueName string) (*Client, error) {
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		retries:      newRedelivery(),
	}
	if err := client.connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := setup(channel, c.exchangeName, c.queueName); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, channel
	c.mu.Unlock()
	return nil
}

func setup(channel *amqp091.Channel, exchangeName, queueName string) error {
	// Declare exchange
	err := channel.ExchangeDeclare(
		exchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// Declare queue
	_, err = channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Bind queue to exchange
	err = channel.QueueBind(
		queueName,    // queue name
		queueName,    // routing key (same as queue name for direct exchange)
		exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

// reconnect replaces a dead connection, retrying with exponential backoff
// until ctx is done.
func (c *Client) reconnect(ctx context.Context) error {
	c.closeConn()
	for attempt := 0; ; attempt++ {
		err := c.connect()
		if err == nil {
			c.recordSuccess()
			slog.InfoContext(ctx, "AMQP connection re-established",
				log.FieldComponent, log.ComponentAMQP, "attempt", attempt+1)
			return nil
		}
		c.recordFailure()

		wait := exponentialBackoff(attempt)
		slog.WarnContext(ctx, "AMQP reconnect failed",
			log.FieldComponent, log.ComponentAMQP,
			log.FieldError, err,
			"attempt", attempt+1,
			"retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// PublishSyncRequest enqueues a sync request for the worker.
func (c *Client) PublishSyncRequest(ctx context.Context, msg *SyncRequestMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.publish(ctx, TypeSyncRequest, c.queueName, msg.ID, body)
}

// PublishAuthState enqueues an authorization-state change.
func (c *Client) PublishAuthState(ctx context.Context, msg *AuthStateMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.publish(ctx, TypeAuthState, c.queueName, msg.ID, body)
}

// PublishSyncCompleted emits a pass result. It is routed by its type, so
// only queues bound to "sync.completed" receive it.
func (c *Client) PublishSyncCompleted(ctx context.Context, msg *SyncCompletedMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.publish(ctx, TypeSyncCompleted, TypeSyncCompleted, msg.ID, body)
}

func (c *Client) publish(ctx context.Context, msgType, routingKey, id string, body []byte) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish %s: %w", msgType, ErrCircuitOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		c.recordFailure()
		return fmt.Errorf("publish %s: no open channel", msgType)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent, // make message persistent
			MessageId:    id,
			Type:         msgType,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			go func() {
				rctx, cancel := context.WithTimeout(context.Background(), openTimeout)
				defer cancel()
				if err := c.reconnect(rctx); err != nil {
					slog.Error("AMQP reconnect gave up", log.FieldComponent, log.ComponentAMQP, log.FieldError, err)
				}
			}()
		}
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	slog.InfoContext(ctx, "Published message",
		log.FieldComponent, log.ComponentAMQP,
		"type", msgType,
		"id", id,
		"exchange", c.exchangeName,
		"routing_key", routingKey)

	return nil
}

// Consume processes queued messages until ctx is done, reconnecting when
// the broker drops the connection.
func (c *Client) Consume(ctx context.Context, handlers Handlers) error {
	for {
		err := c.consumeOnce(ctx, handlers)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.WarnContext(ctx, "AMQP consumer interrupted, reconnecting",
			log.FieldComponent, log.ComponentAMQP, log.FieldError, err)
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, handlers Handlers) error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return errors.New("no open channel")
	}

	msgs, err := channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming messages", log.FieldComponent, log.ComponentAMQP, "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			dispatch(ctx, delivery, handlers, c.retries)
		}
	}
}

// redelivery delays the requeue of failed messages so a handler that keeps
// failing does not spin against the broker. Attempts are counted per
// message id.
type redelivery struct {
	mu       sync.Mutex
	attempts map[string]int
	wait     func(ctx context.Context, d time.Duration)
}

func newRedelivery() *redelivery {
	return &redelivery{
		attempts: make(map[string]int),
		wait: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
}

// next records a failure and returns the delay before requeueing.
func (r *redelivery) next(id string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt := r.attempts[id]
	if id != "" {
		r.attempts[id] = attempt + 1
	}
	return exponentialBackoff(attempt)
}

func (r *redelivery) forget(id string) {
	r.mu.Lock()
	delete(r.attempts, id)
	r.mu.Unlock()
}

// dispatch decodes and handles one delivery. Undecodable or unknown
// messages are dropped; handler failures are requeued after a backoff.
func dispatch(ctx context.Context, delivery amqp091.Delivery, handlers Handlers, retries *redelivery) {
	err := handle(ctx, delivery, handlers)
	switch {
	case err == nil:
		retries.forget(delivery.MessageId)
		delivery.Ack(false)
	case errors.Is(err, ErrUnknownType), errors.As(err, new(*decodeError)):
		retries.forget(delivery.MessageId)
		slog.ErrorContext(ctx, "Dropping message",
			log.FieldComponent, log.ComponentAMQP,
			"type", delivery.Type,
			"message_id", delivery.MessageId,
			log.FieldError, err)
		delivery.Nack(false, false) // reject and don't requeue
	default:
		delay := retries.next(delivery.MessageId)
		slog.ErrorContext(ctx, "Failed to handle message",
			log.FieldComponent, log.ComponentAMQP,
			"type", delivery.Type,
			"message_id", delivery.MessageId,
			"requeue_in", delay.String(),
			log.FieldError, err)
		retries.wait(ctx, delay)
		delivery.Nack(false, true) // reject and requeue
	}
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode message: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func handle(ctx context.Context, delivery amqp091.Delivery, handlers Handlers) error {
	switch delivery.Type {
	case TypeSyncRequest:
		if handlers.SyncRequest == nil {
			break
		}
		msg, err := SyncRequestMessageFromJSON(delivery.Body)
		if err != nil {
			return &decodeError{err}
		}
		return handlers.SyncRequest(ctx, msg)
	case TypeAuthState:
		if handlers.AuthState == nil {
			break
		}
		msg, err := AuthStateMessageFromJSON(delivery.Body)
		if err != nil {
			return &decodeError{err}
		}
		return handlers.AuthState(ctx, msg)
	}
	return fmt.Errorf("%w %q", ErrUnknownType, delivery.Type)
}

func (c *Client) isCircuitOpen() bool {
	switch atomic.LoadInt32(&c.state) {
	case StateOpen:
		c.mu.Lock()
		elapsed := time.Since(c.lastFailure)
		c.mu.Unlock()
		if elapsed > openTimeout {
			atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
			return false
		}
		return true
	default:
		return false
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

// exponentialBackoff returns 1s, 2s, 4s, ... capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "closed network"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
