// Package monitor is the client end of the telemetry channel.
//
// A Client owns one WebSocket connection for its whole lifetime. There is
// no reconnect: a failed dial or a dropped connection is final and the
// application must dial again to resume. A Monitor binds a Sampler to a
// Client for one session token.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/sentinel/internal/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	closeWait               = time.Second
)

// ErrClosed is returned by sends on a connection that has ended. Err wraps
// it with the cause when the connection ended for any reason other than Close.
var ErrClosed = errors.New("monitor: connection closed")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHandshakeTimeout bounds the opening handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithHeader adds request headers to the handshake, such as User-Agent.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithOnUpdate registers a callback for every risk update received. It
// runs on the read goroutine, in arrival order.
func WithOnUpdate(fn func(protocol.RiskUpdate)) Option {
	return func(c *Client) { c.onUpdate = fn }
}

// Client is one telemetry channel.
type Client struct {
	conn             *websocket.Conn
	logger           *slog.Logger
	handshakeTimeout time.Duration
	header           http.Header
	onUpdate         func(protocol.RiskUpdate)

	writeMu sync.Mutex

	mu        sync.RWMutex
	latest    protocol.RiskUpdate
	hasLatest bool
	updates   int64
	err       error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens the channel. The connection is attempted once.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:           slog.Default(),
		handshakeTimeout: defaultHandshakeTimeout,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, c.header)
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("monitor: dial %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("monitor: dial %s: %w", url, err)
	}
	c.conn = conn

	go c.readLoop()
	return c, nil
}

// SendSessionInit announces token on the channel.
func (c *Client) SendSessionInit(token string) error {
	data, err := protocol.EncodeSessionInit(token)
	if err != nil {
		return fmt.Errorf("monitor: encode session init: %w", err)
	}
	return c.write(data)
}

// SendReport sends one behavior report. Failures are not retried.
func (c *Client) SendReport(r protocol.BehaviorReport) error {
	data, err := protocol.EncodeReport(r)
	if err != nil {
		return fmt.Errorf("monitor: encode report: %w", err)
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.finish(fmt.Errorf("%w: write: %v", ErrClosed, err))
		return fmt.Errorf("monitor: write: %w", err)
	}
	return nil
}

// Latest returns the most recent risk update. ok is false until the first
// update arrives.
func (c *Client) Latest() (update protocol.RiskUpdate, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.hasLatest
}

// Updates returns the number of risk updates received.
func (c *Client) Updates() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updates
}

// Done is closed when the channel has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close ends the channel. Safe to call more than once.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait),
	)
	c.finish(ErrClosed)
	return nil
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("telemetry channel closed by server", "error", err)
			} else {
				select {
				case <-c.done:
				default:
					c.logger.Warn("telemetry channel read failed", "error", err)
				}
			}
			c.finish(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		update, err := protocol.DecodeRiskUpdate(data)
		if err != nil {
			c.logger.Debug("ignoring downstream frame", "error", err)
			continue
		}

		c.mu.Lock()
		c.latest = update
		c.hasLatest = true
		c.updates++
		c.mu.Unlock()

		if c.onUpdate != nil {
			c.onUpdate(update)
		}
	}
}
