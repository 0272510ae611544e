package rpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

type request struct {
	JsonRPC string  `json:"jsonrpc"`
	Id      uint64  `json:"id"`
	Method  string  `json:"method"`
	Params  []Param `json:"params"`
}

type response struct {
	Id     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// conn is a single line delimited JSON-RPC session.
// It is owned by one caller at a time through the pool.
type conn struct {
	netConn net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	nextId  uint64
}

func dial(ctx context.Context, config Config) (c *conn, err error) {
	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	var dialer proxy.ContextDialer = &net.Dialer{Timeout: config.Timeout}
	if config.Socks5 != "" {
		socks, err := proxy.SOCKS5("tcp", config.Socks5, nil, &net.Dialer{Timeout: config.Timeout})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to prepare socks5 proxy: %w", ErrTransient, err)
		}
		contextDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("%w: socks5 dialer doesn't support contexts", ErrTransient)
		}
		dialer = contextDialer
	}

	netConn, err := dialer.DialContext(ctx, "tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial %s: %w", ErrTransient, config.Address, err)
	}

	if config.TLS {
		host, _, _ := net.SplitHostPort(config.Address)
		tlsConn := tls.Client(netConn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: config.InsecureTLS,
		})
		err = tlsConn.HandshakeContext(ctx)
		if err != nil {
			netConn.Close()
			return nil, fmt.Errorf("%w: failed tls handshake with %s: %w", ErrTransient, config.Address, err)
		}
		netConn = tlsConn
	}

	c = &conn{
		netConn: netConn,
		reader:  bufio.NewReader(netConn),
		timeout: config.Timeout,
	}

	_, err = c.call(ctx, MethodServerVersion, []Param{String(config.ClientName), String(config.ProtocolVersion)})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed handshake with %s: %w", config.Address, err)
	}
	return c, nil
}

func (c *conn) Close() error {
	return c.netConn.Close()
}

func (c *conn) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

// call sends a request and waits for the response with the same id.
// Notifications and stale responses are skipped.
func (c *conn) call(ctx context.Context, method string, params []Param) (result json.RawMessage, err error) {
	err = c.netConn.SetDeadline(c.deadline(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to set deadline: %w", ErrTransient, err)
	}
	// Unblock pending I/O as soon as the context is done
	stop := context.AfterFunc(ctx, func() {
		c.netConn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if params == nil {
		params = []Param{}
	}
	c.nextId++
	req := request{
		JsonRPC: "2.0",
		Id:      c.nextId,
		Method:  method,
		Params:  params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	payload = append(payload, '\n')

	_, err = c.netConn.Write(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to write request: %w", ErrTransient, c.ioError(ctx, err))
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read response: %w", ErrTransient, c.ioError(ctx, err))
		}

		var res response
		err = json.Unmarshal(line, &res)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal response: %w", ErrProtocol, err)
		}

		if res.Id == nil || *res.Id != req.Id {
			continue
		}

		if len(res.Error) > 0 && string(res.Error) != "null" {
			return nil, parseRemoteError(res.Error)
		}
		if len(res.Result) == 0 {
			return nil, fmt.Errorf("%w: response without result", ErrProtocol)
		}
		return res.Result, nil
	}
}

// Prefer the context error when it caused the I/O failure
func (c *conn) ioError(ctx context.Context, err error) error {
	var netErr net.Error
	if ctx.Err() != nil && errors.As(err, &netErr) && netErr.Timeout() {
		return ctx.Err()
	}
	return err
}
