// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/osdp-gateway/transport"
)

func TestPipe(t *testing.T) {
	a, b := Pipe("test")
	ctx := context.Background()
	require.NoError(t, a.Open(ctx))
	require.NoError(t, b.Open(ctx))

	_, err := a.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = b.Write([]byte{9})
	require.NoError(t, err)

	buf := make([]byte, 2)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, buf[:n])
	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, buf[:n])

	n, err = a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, buf[:n])
}

func TestPipeReadTimeout(t *testing.T) {
	a, _ := Pipe("test")
	require.NoError(t, a.Open(context.Background()))
	a.SetReadTimeout(5 * time.Millisecond)

	_, err := a.Read(make([]byte, 8))
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestPipeWakesReader(t *testing.T) {
	a, b := Pipe("test")
	require.NoError(t, a.Open(context.Background()))
	require.NoError(t, b.Open(context.Background()))
	b.SetReadTimeout(time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Write([]byte{0x53})
	}()
	buf := make([]byte, 4)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x53}, buf[:n])
}

func TestPipeClosed(t *testing.T) {
	a, _ := Pipe("test")
	_, err := a.Write([]byte{1})
	assert.ErrorIs(t, err, transport.ErrClosed)
	_, err = a.Read(make([]byte, 1))
	assert.ErrorIs(t, err, transport.ErrClosed)
}
