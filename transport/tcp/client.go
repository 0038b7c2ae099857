// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/transport"
)

const (
	tcpTimeout  = 10 * time.Second
	readTimeout = 20 * time.Millisecond
)

// Client is an OSDP bus carried over an outbound TCP connection.
type Client struct {
	Address string
	// Timeout bounds dialing and each write.
	Timeout time.Duration
	// ReadTimeout bounds a single Read.
	ReadTimeout time.Duration
	Logger      *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		Address:     address,
		Timeout:     tcpTimeout,
		ReadTimeout: readTimeout,
		Logger:      logger,
	}
}

// Open dials the remote end if there is no active connection.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.Address, err)
	}
	c.Logger.Info("tcp connection established", zap.String("addr", c.Address))
	c.conn = conn
	return nil
}

// Close closes the connection and resets the state.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
	return nil
}

// close closes the connection. Caller must hold the mutex.
func (c *Client) close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) current() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, transport.ErrClosed
	}
	return c.conn, nil
}

func (c *Client) Read(p []byte) (int, error) {
	conn, err := c.current()
	if err != nil {
		return 0, err
	}
	return readWithTimeout(conn, p, c.ReadTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn == conn {
			c.close()
		}
	})
}

func (c *Client) Write(p []byte) (int, error) {
	conn, err := c.current()
	if err != nil {
		return 0, err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
		return 0, err
	}
	n, err := conn.Write(p)
	if err != nil {
		// Close connection on write failure to force reconnect next time
		c.mu.Lock()
		if c.conn == conn {
			c.close()
		}
		c.mu.Unlock()
		return n, fmt.Errorf("failed to write to connection: %w", err)
	}
	return n, nil
}

func (c *Client) String() string {
	return "tcp:" + c.Address
}

// readWithTimeout reads once from conn, mapping a deadline expiry onto
// transport.ErrTimeout. drop is called when the connection is unusable.
func readWithTimeout(conn net.Conn, p []byte, timeout time.Duration, drop func()) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		drop()
		return 0, err
	}
	n, err := conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, transport.ErrTimeout
		}
		drop()
		return n, fmt.Errorf("failed to read from connection: %w", err)
	}
	return n, nil
}
