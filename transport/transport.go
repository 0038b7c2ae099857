// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ffutop/osdp-gateway/osdp/packet"
)

var (
	// ErrTimeout is returned by Read when no byte arrived within the read timeout.
	ErrTimeout = errors.New("transport: read timeout")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
)

// Connection is the byte stream an OSDP bus runs over. Read blocks for at
// most the connection's read timeout and reports ErrTimeout when nothing
// arrived, so callers can observe cancellation between reads.
//
// Open may be called again after a failure to reconnect.
type Connection interface {
	Open(ctx context.Context) error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// String names the connection in logs.
	String() string
}

// ReadFrame reads from conn into buf until a complete frame is available,
// ctx is done or timeout elapses.
func ReadFrame(ctx context.Context, conn Connection, buf *packet.PacketBuffer, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)
	for {
		if frame, ok := buf.Next(); ok {
			return frame, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil && !errors.Is(err, ErrTimeout) {
			return nil, err
		}
	}
}
