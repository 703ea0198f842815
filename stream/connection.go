package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/paygrid/paygrid/backoff"
	"github.com/paygrid/paygrid/log"
)

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("stream connection is nil")
	// ErrEmptyURL is returned when the connection is built without a broker URL.
	ErrEmptyURL = errors.New("broker url cannot be empty")
)

// reconnectBackoffCap bounds the delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// Connection manages a single AMQP connection and its default channel,
// reopening both on demand. Reconnect attempts are rate-limited with
// exponential backoff so a dead broker is not hammered by every caller.
type Connection struct {
	mu     sync.Mutex
	url    string
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger log.Logger

	// dial is an injectable seam for tests.
	dial func(string) (*amqp.Connection, error)

	lastAttempt time.Time
	attempts    int
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionLogger sets a structured logger for the connection.
func WithConnectionLogger(logger log.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConnection creates a managed connection. No dialing happens until the
// first Channel call.
func NewConnection(brokerURL string, opts ...ConnectionOption) (*Connection, error) {
	if strings.TrimSpace(brokerURL) == "" {
		return nil, ErrEmptyURL
	}

	conn := &Connection{
		url:    brokerURL,
		logger: log.NewNop(),
		dial:   amqp.Dial,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(conn)
		}
	}

	return conn, nil
}

// Channel returns a live channel, dialing or reopening as needed.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("broker channel: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}

	if c.conn == nil || c.conn.IsClosed() {
		if err := c.reconnectLocked(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open broker channel: %w", err)
	}

	c.ch = ch

	return ch, nil
}

// NewChannel opens a dedicated channel on the managed connection. Publishers
// use this so their confirm stream is not shared with consumers.
func (c *Connection) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("broker channel: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		if err := c.reconnectLocked(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open broker channel: %w", err)
	}

	return ch, nil
}

// reconnectLocked dials the broker under the connection mutex, enforcing a
// jittered minimum delay between failed attempts.
func (c *Connection) reconnectLocked(ctx context.Context) error {
	if c.attempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, c.attempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastAttempt); elapsed < delay {
			return fmt.Errorf("broker reconnect rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastAttempt = time.Now()

	c.logger.Log(ctx, log.LevelInfo, "connecting to broker")

	conn, err := c.dial(c.url)
	if err != nil {
		c.attempts++

		c.logger.Log(ctx, log.LevelError, "failed to connect to broker",
			log.String("error_detail", redactURL(err, c.url)))

		return fmt.Errorf("connect to broker: %w", err)
	}

	c.attempts = 0
	c.conn = conn
	c.ch = nil

	c.logger.Log(ctx, log.LevelInfo, "connected to broker")

	return nil
}

// Close shuts down the channel and connection.
func (c *Connection) Close() error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	ch := c.ch
	conn := c.conn
	c.ch = nil
	c.conn = nil
	c.mu.Unlock()

	var closeErr error

	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			closeErr = fmt.Errorf("close broker channel: %w", err)
		}
	}

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close broker connection: %w", err))
		}
	}

	return closeErr
}

// redactURL strips credentials from the broker URL before it appears in an
// error message.
func redactURL(err error, brokerURL string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	parsed, parseErr := url.Parse(brokerURL)
	if parseErr != nil {
		return msg
	}

	msg = strings.ReplaceAll(msg, brokerURL, parsed.Redacted())

	if parsed.User != nil {
		if pass, ok := parsed.User.Password(); ok && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}

	return msg
}
