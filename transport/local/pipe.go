// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package local provides an in-process bus: two connected endpoints that
// behave like the two ends of a serial line.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/ffutop/osdp-gateway/transport"
)

const defaultReadTimeout = 10 * time.Millisecond

// Endpoint is one end of a Pipe.
type Endpoint struct {
	name        string
	readTimeout time.Duration

	in   *queue
	out  *queue
	mu   sync.Mutex
	open bool
}

type queue struct {
	mu     sync.Mutex
	buf    []byte
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(p []byte) {
	q.mu.Lock()
	q.buf = append(q.buf, p...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	if len(q.buf) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return n
}

// Pipe returns two connected endpoints. Bytes written to one are read from
// the other, in order.
func Pipe(name string) (*Endpoint, *Endpoint) {
	ab, ba := newQueue(), newQueue()
	a := &Endpoint{name: name + ":a", readTimeout: defaultReadTimeout, in: ba, out: ab}
	b := &Endpoint{name: name + ":b", readTimeout: defaultReadTimeout, in: ab, out: ba}
	return a, b
}

// SetReadTimeout changes how long Read waits for data.
func (e *Endpoint) SetReadTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readTimeout = d
}

func (e *Endpoint) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = true
	return nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = false
	return nil
}

func (e *Endpoint) state() (bool, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open, e.readTimeout
}

func (e *Endpoint) Read(p []byte) (int, error) {
	open, timeout := e.state()
	if !open {
		return 0, transport.ErrClosed
	}
	if n := e.in.pop(p); n > 0 {
		return n, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-e.in.notify:
		return e.in.pop(p), nil
	case <-t.C:
		return 0, transport.ErrTimeout
	}
}

// Write delivers p to the other endpoint. Writes on a closed endpoint fail;
// bytes sent while the peer is closed are kept until it reads them.
func (e *Endpoint) Write(p []byte) (int, error) {
	if open, _ := e.state(); !open {
		return 0, transport.ErrClosed
	}
	e.out.push(append([]byte(nil), p...))
	return len(p), nil
}

func (e *Endpoint) String() string {
	return "local:" + e.name
}
