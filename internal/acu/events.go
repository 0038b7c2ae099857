// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package acu

import (
	"bytes"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/osdp/payload"
)

// Event is a notification raised by a bus.
type Event interface {
	Connection() uuid.UUID
	Device() byte
}

type source struct {
	ConnectionID uuid.UUID
	Address      byte
}

func (s source) Connection() uuid.UUID { return s.ConnectionID }
func (s source) Device() byte          { return s.Address }

// ConnectionStatusChanged is raised when a device becomes connected or
// disconnected, or its secure channel is established or lost.
type ConnectionStatusChanged struct {
	source
	Connected bool
	Secure    bool
}

// NakReceived is raised for a NAK that differs from the previous one
// reported by the same device.
type NakReceived struct {
	source
	Nak payload.Nak
}

// ReplyReceived is raised for replies nobody is waiting for: answers to
// polls such as card reads, keypad data or status reports.
type ReplyReceived struct {
	source
	Reply payload.Reply
}

const eventBuffer = 1024

// dispatcher delivers events to subscribers on its own goroutine, so a
// slow subscriber never holds up a bus.
type dispatcher struct {
	logger *zap.Logger
	ch     chan Event

	mu       sync.Mutex
	handlers []func(Event)

	sendMu sync.Mutex
	closed bool
	done   chan struct{}
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		ch:     make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, fn)
}

func (d *dispatcher) emit(e Event) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.logger.Warn("event dropped, subscribers too slow",
			zap.String("connection", e.Connection().String()), zap.Uint8("address", e.Device()))
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		d.mu.Lock()
		handlers := slices.Clone(d.handlers)
		d.mu.Unlock()
		for _, h := range handlers {
			h(e)
		}
	}
}

// close delivers the events already emitted and stops the dispatcher.
func (d *dispatcher) close() {
	d.sendMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.sendMu.Unlock()
	<-d.done
}

type nakKey struct {
	connection uuid.UUID
	address    byte
}

// nakTracker remembers the last NAK of every device to suppress repeated
// notifications.
type nakTracker struct {
	mu   sync.Mutex
	last map[nakKey]payload.Nak
}

func newNakTracker() *nakTracker {
	return &nakTracker{last: make(map[nakKey]payload.Nak)}
}

// report records nak and returns true when it differs from the previous one.
func (t *nakTracker) report(conn uuid.UUID, address byte, nak payload.Nak) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := nakKey{conn, address}
	if prev, ok := t.last[k]; ok && prev.Error == nak.Error && bytes.Equal(prev.Data, nak.Data) {
		return false
	}
	t.last[k] = nak
	return true
}

func (t *nakTracker) clear(conn uuid.UUID, address byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, nakKey{conn, address})
}
