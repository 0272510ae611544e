package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Client talks to a single electrum server through a pool of connections
type Client struct {
	config Config
	logger *slog.Logger
	pool   *pool
}

func New(config Config) (c *Client) {
	config = config.withDefaults()
	c = &Client{
		config: config,
		logger: config.Logger.With("server", config.Address),
	}
	c.pool = newPool(config.PoolSize, c.dial)
	return c
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	c.logger.Debug("connecting")
	session, err := dial(ctx, c.config)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("electrum ready")
	return session, nil
}

// Close releases every idle connection
func (c *Client) Close() {
	c.pool.Close()
}

// Idle returns the number of pooled connections waiting for a call
func (c *Client) Idle() int {
	return c.pool.Len()
}

// Open returns the number of connections to the server, never above PoolSize
func (c *Client) Open() int {
	return c.pool.Open()
}

func (c *Client) attempt(ctx context.Context, method string, params []Param, validate func(json.RawMessage) error) (result json.RawMessage, err error) {
	session, err := c.pool.get(ctx)
	if err != nil {
		return nil, err
	}

	result, err = session.call(ctx, method, params)
	if err == nil && validate != nil {
		err = validate(result)
	}
	if err != nil {
		c.pool.discard(session)
		return nil, err
	}

	c.pool.put(session)
	return result, nil
}

// invoke runs the retry loop. validate runs inside each attempt so a malformed
// response consumes the retry budget like any other failure.
func (c *Client) invoke(ctx context.Context, method string, params []Param, validate func(json.RawMessage) error) (result json.RawMessage, err error) {
	attempts, err := c.config.Retry.Do(ctx, func(ctx context.Context, attempt int) (err error) {
		result, err = c.attempt(ctx, method, params, validate)
		if err != nil {
			c.logger.Warn("rpc failed", "method", method, "attempt", attempt, "err", err)
			return err
		}
		c.logger.Debug("rpc success", "method", method, "attempt", attempt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts (method=%q): %w", ErrCallFailed, attempts, method, err)
	}
	return result, nil
}

// Call executes a raw method and returns its result untouched
func (c *Client) Call(ctx context.Context, method string, params ...Param) (result json.RawMessage, err error) {
	return c.invoke(ctx, method, params, nil)
}
