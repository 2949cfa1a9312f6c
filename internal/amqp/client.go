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
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
	maxDialRetries = 3
	// dialTimeout bounds the TCP connect plus the AMQP handshake.
	dialTimeout  = 3 * time.Second
	heartbeat    = 10 * time.Second
	requeueDelay = 2 * time.Second
)

var (
	// ErrReconnecting is returned to publishers that arrive while another
	// caller is already redialing the broker.
	ErrReconnecting = errors.New("amqp reconnect in progress")

	// ErrPermanent marks handler failures that redelivery cannot fix. Such
	// messages are dropped instead of requeued.
	ErrPermanent = errors.New("permanent failure")
)

// RoutingKeyExpenseCreated is the routing key of ExpenseCreatedMessage.
const RoutingKeyExpenseCreated = "expense.created"

type Client struct {
	url          string
	exchangeName string
	queueName    string
	logger       *slog.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	// dialing is set while one caller redials; mu is never held across a dial.
	dialing atomic.Bool

	failMu       sync.Mutex
	state        int32
	failureCount int64
	lastFailure  time.Time
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// NewClient dials the broker and declares the exchange, queue and binding.
func NewClient(url, exchangeName, queueName string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		logger:       logger.With("component", "amqp"),
	}

	conn, channel, err := client.dial(context.Background())
	if err != nil {
		return nil, err
	}
	client.install(conn, channel)
	return client, nil
}

// dial connects and declares the topology without touching the client's
// state. The handshake is bounded by dialTimeout or ctx's deadline,
// whichever comes first.
func (c *Client) dial(ctx context.Context) (*amqp091.Connection, *amqp091.Channel, error) {
	timeout := dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return nil, nil, fmt.Errorf("dial AMQP: %w", context.DeadlineExceeded)
	}

	conn, err := amqp091.DialConfig(c.url, amqp091.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial:      amqp091.DefaultDial(timeout),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("setup exchange and queue: %w", err)
	}
	return conn, channel, nil
}

// install replaces the current connection with a freshly dialed one.
func (c *Client) install(conn *amqp091.Connection, channel *amqp091.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	c.conn, c.channel = conn, channel
}

func (c *Client) liveChannel() *amqp091.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel
	}
	return nil
}

func (c *Client) setup(channel *amqp091.Channel) error {
	// Declare exchange
	err := channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// Declare queue
	_, err = channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = channel.QueueBind(
		c.queueName,              // queue name
		RoutingKeyExpenseCreated, // routing key
		c.exchangeName,           // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

// ensureChannel returns a live channel, making up to attempts dials with
// exponential backoff between them. Only one caller dials at a time; the
// others get ErrReconnecting at once.
func (c *Client) ensureChannel(ctx context.Context, attempts int) (*amqp091.Channel, error) {
	if ch := c.liveChannel(); ch != nil {
		return ch, nil
	}
	if !c.dialing.CompareAndSwap(false, true) {
		return nil, ErrReconnecting
	}
	defer c.dialing.Store(false)

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			delay := exponentialBackoff(attempt - 1)
			c.log().WarnContext(ctx, "Reconnecting to AMQP", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		conn, channel, err := c.dial(ctx)
		if err == nil {
			c.install(conn, channel)
			c.log().InfoContext(ctx, "AMQP connection established", "exchange", c.exchangeName, "queue", c.queueName)
			return channel, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("reconnect after %d attempts: %w", attempts, lastErr)
}

func (c *Client) dropLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// PublishExpenseCreated publishes a persistent expense.created message.
func (c *Client) PublishExpenseCreated(ctx context.Context, id string) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish expense.created %s: circuit breaker is open", id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := NewExpenseCreatedMessage(id).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// One bounded attempt: publishing runs inside a request, and messages
	// lost here are recovered by the worker's backfill.
	channel, err := c.ensureChannel(ctx, 1)
	if errors.Is(err, ErrReconnecting) {
		return fmt.Errorf("publish expense.created %s: %w", id, err)
	}
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish expense.created %s: %w", id, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(
		pubCtx,
		c.exchangeName,           // exchange
		RoutingKeyExpenseCreated, // routing key
		false,                    // mandatory
		false,                    // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		if isConnectionError(err) || errors.Is(err, amqp091.ErrClosed) {
			c.mu.Lock()
			c.dropLocked()
			c.mu.Unlock()
		}
		c.recordFailure()
		return fmt.Errorf("publish message: %w", err)
	}

	c.recordSuccess()
	c.log().DebugContext(ctx, "Published expense.created",
		"id", id,
		"exchange", c.exchangeName)

	return nil
}

// Handler processes one decoded message. A returned error requeues it
// unless it wraps ErrPermanent.
type Handler func(ctx context.Context, msg *ExpenseCreatedMessage) error

// ConsumeExpenseCreated delivers messages to handler until ctx is done,
// reconnecting when the broker drops the channel.
func (c *Client) ConsumeExpenseCreated(ctx context.Context, handler Handler) error {
	attempt := 0
	for {
		err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			c.log().InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		}

		delay := exponentialBackoff(attempt)
		attempt++
		c.log().WarnContext(ctx, "Consumer interrupted, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, handler Handler) error {
	channel, err := c.ensureChannel(ctx, maxDialRetries)
	if err != nil {
		return err
	}
	if err := channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
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

	c.log().InfoContext(ctx, "Started consuming expense.created messages", "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.handleDelivery(ctx, delivery, handler)
		}
	}
}

// acknowledger is the part of amqp091.Delivery used for settling a message.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Client) handleDelivery(ctx context.Context, delivery amqp091.Delivery, handler Handler) {
	settle(ctx, c.log(), delivery.Body, &delivery, handler, requeueDelay)
}

// settle decodes body, runs handler and acks or nacks accordingly. Bad
// payloads and ErrPermanent failures are dropped. Other failures are
// requeued after delay so a failing message does not spin the consumer.
func settle(ctx context.Context, logger *slog.Logger, body []byte, ack acknowledger, handler Handler, delay time.Duration) {
	msg, err := ExpenseCreatedMessageFromJSON(body)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
		ack.Nack(false, false)
		return
	}

	err = handler(ctx, msg)
	switch {
	case err == nil:
		ack.Ack(false)
		logger.DebugContext(ctx, "Processed expense.created message", "id", msg.ID)
	case errors.Is(err, ErrPermanent):
		logger.ErrorContext(ctx, "Dropping message after permanent failure", "error", err, "id", msg.ID)
		ack.Nack(false, false)
	default:
		logger.ErrorContext(ctx, "Failed to handle message, requeueing", "error", err, "id", msg.ID, "delay", delay)
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
		ack.Nack(false, true)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return err
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}

	c.failMu.Lock()
	last := c.lastFailure
	c.failMu.Unlock()

	if time.Since(last) > openTimeout {
		// Let one request try the broker
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	c.failMu.Lock()
	c.lastFailure = time.Now()
	c.failMu.Unlock()

	failures := atomic.AddInt64(&c.failureCount, 1)
	if failures >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			c.log().Warn("AMQP circuit breaker opened", "failures", failures)
		}
	}
}

// exponentialBackoff returns 1s doubled per attempt, capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
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
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"channel/connection is not open",
		"connection closed",
		"EOF",
		"broken pipe",
		"use of closed network connection",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
