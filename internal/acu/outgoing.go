// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package acu

import (
	"errors"

	"go.uber.org/atomic"

	"github.com/ffutop/osdp-gateway/osdp/payload"
)

var (
	// ErrCommandDropped completes a command that exhausted its retry budget.
	ErrCommandDropped = errors.New("acu: command dropped after retries")
	// ErrDeviceRemoved completes commands of a device removed from its bus.
	ErrDeviceRemoved = errors.New("acu: device removed")
	// ErrShutdown completes commands pending when their bus shut down.
	ErrShutdown = errors.New("acu: connection shut down")
	// ErrUnknownConnection is returned for a connection id that is not running.
	ErrUnknownConnection = errors.New("acu: unknown connection")
	// ErrUnknownDevice is returned for an address with no device session.
	ErrUnknownDevice = errors.New("acu: unknown device")
)

// Result is the outcome of a queued command.
type Result struct {
	Reply payload.Reply
	Err   error
}

// Outgoing is a command waiting for, or being sent on, the bus.
type Outgoing struct {
	Command payload.Command

	// frame holds the encoded bytes once sent, so a retry repeats them.
	frame    []byte
	sequence byte

	done      chan Result
	cancelled atomic.Bool
	completed atomic.Bool
}

// newOutgoing returns a command whose result is reported on Done.
func newOutgoing(cmd payload.Command) *Outgoing {
	return &Outgoing{Command: cmd, done: make(chan Result, 1)}
}

// internal returns a command generated by the session itself.
func internal(cmd payload.Command) *Outgoing {
	return &Outgoing{Command: cmd}
}

// Done delivers the result of a caller-queued command.
func (o *Outgoing) Done() <-chan Result {
	return o.done
}

// Cancel marks the command as abandoned by its caller. A command that is
// already on the wire still completes.
func (o *Outgoing) Cancel() {
	o.cancelled.Store(true)
}

func (o *Outgoing) isInternal() bool {
	return o.done == nil
}

func (o *Outgoing) complete(r Result) {
	if o.done == nil || !o.completed.CompareAndSwap(false, true) {
		return
	}
	o.done <- r
}

// rearm forgets the encoded frame so the command is framed again with the
// session's current sequence and keys.
func (o *Outgoing) rearm() {
	o.frame = nil
}
