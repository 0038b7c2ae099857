// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/osdp-gateway/osdp/packet"
	"github.com/ffutop/osdp-gateway/transport"
	"github.com/ffutop/osdp-gateway/transport/local"
)

var poll = []byte{0x53, 0x00, 0x08, 0x00, 0x04, 0x60, 0xEB, 0xAA}

func openPipe(t *testing.T) (*local.Endpoint, *local.Endpoint) {
	t.Helper()
	a, b := local.Pipe(t.Name())
	require.NoError(t, a.Open(context.Background()))
	require.NoError(t, b.Open(context.Background()))
	return a, b
}

func TestReadFrame(t *testing.T) {
	a, b := openPipe(t)

	go func() {
		// noise, then the frame split across writes
		a.Write([]byte{0xFF, 0x00})
		for _, c := range poll {
			a.Write([]byte{c})
			time.Sleep(time.Millisecond)
		}
	}()

	frame, err := transport.ReadFrame(context.Background(), b, packet.NewPacketBuffer(0), time.Second)
	require.NoError(t, err)
	assert.Equal(t, poll, frame)
}

func TestReadFrameTimeout(t *testing.T) {
	_, b := openPipe(t)

	start := time.Now()
	_, err := transport.ReadFrame(context.Background(), b, packet.NewPacketBuffer(0), 50*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReadFrameCancelled(t *testing.T) {
	_, b := openPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := transport.ReadFrame(ctx, b, packet.NewPacketBuffer(0), 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadFrameClosed(t *testing.T) {
	_, b := openPipe(t)
	require.NoError(t, b.Close())

	_, err := transport.ReadFrame(context.Background(), b, packet.NewPacketBuffer(0), time.Second)
	assert.ErrorIs(t, err, transport.ErrClosed)
}
