package rpc

import (
	"context"
	"fmt"
	"sync"
)

// pool bounds the connections open against the server. A connection is either
// checked out by exactly one caller or idle in the pool, and every open
// connection holds one of the size slots until it is closed.
type pool struct {
	mu     sync.Mutex
	closed bool
	idle   chan *conn
	slots  chan struct{}
	dial   func(ctx context.Context) (*conn, error)
}

func newPool(size int, dial func(ctx context.Context) (*conn, error)) (p *pool) {
	return &pool{
		idle:  make(chan *conn, size),
		slots: make(chan struct{}, size),
		dial:  dial,
	}
}

// get checks out an idle connection, dials a new one while there are free
// slots, or waits until one of both is available
func (p *pool) get(ctx context.Context) (c *conn, err error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}

	select {
	case c = <-p.idle:
		return c, nil
	default:
	}

	select {
	case c = <-p.idle:
		return c, nil
	case p.slots <- struct{}{}:
		c, err = p.dial(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for a connection: %w", ErrTransient, ctx.Err())
	}
}

// put checks in a healthy connection
func (p *pool) put(c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.release(c)
		return
	}
	// Never blocks, idle holds at most size connections
	p.idle <- c
}

// discard drops a connection that failed and frees its slot
func (p *pool) discard(c *conn) {
	p.release(c)
}

func (p *pool) release(c *conn) {
	c.Close()
	<-p.slots
}

// Len returns the number of idle connections
func (p *pool) Len() int {
	return len(p.idle)
}

// Open returns the number of connections open, idle or checked out
func (p *pool) Open() int {
	return len(p.slots)
}

func (p *pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for {
		select {
		case c := <-p.idle:
			p.release(c)
		default:
			return
		}
	}
}
