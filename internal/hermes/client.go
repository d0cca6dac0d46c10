package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Client is loomd's connection to the bus. Session events arrive through
// Subscribe; tree, state and audio leave through Publish and PublishRaw.
type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("loomd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		// Audio frames are published at playback rate; keep a few seconds
		// buffered across a reconnect.
		nats.ReconnectBufSize(16 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c := &Client{conn: nc, logger: logger}

	// With RetryOnFailedConnect the first connect happens in the background.
	if err := c.Flush(ctx); err != nil {
		logger.Warn("nats not reachable yet, retrying in background", "url", url, "error", err)
	}
	return c, nil
}

// Publish sends data JSON-encoded.
func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishRaw sends data as-is; used for audio frames.
func (c *Client) PublishRaw(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe routes every message on subject to handler. A panicking handler
// is logged and the subscription stays alive.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panicked", "subject", msg.Subject, "panic", r)
			}
		}()
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Flush waits until the server has processed everything sent so far,
// including subscriptions.
func (c *Client) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return c.conn.FlushWithContext(ctx)
}

// Connected reports whether the underlying connection is up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// Drain unsubscribes and flushes pending messages before closing.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) Close() {
	if c.conn.IsClosed() {
		return
	}
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
