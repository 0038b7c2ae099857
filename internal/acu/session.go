// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package acu

import (
	"fmt"
	"sync"
	"time"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/packet"
	"github.com/ffutop/osdp-gateway/osdp/payload"
	"github.com/ffutop/osdp-gateway/osdp/secure"
)

const (
	// RetryBudget is the number of failures after which a command is dropped.
	RetryBudget = 2
	// ConnectionTimeout is how long a device stays connected after its
	// last valid reply.
	ConnectionTimeout = 8 * time.Second
)

// DeviceOptions describes a PD polled by a bus.
type DeviceOptions struct {
	Address       byte
	UseCRC        bool
	RequireSecure bool
	// Key is the secure channel base key; nil means the default key.
	Key []byte
}

// DeviceSession is the ACU view of one PD: sequencing, retries, queued
// commands and the secure channel. The bus owning it is the only caller of
// everything except Enqueue.
type DeviceSession struct {
	address       byte
	useCRC        bool
	requireSecure bool
	// probe sessions never bootstrap with a poll.
	probe bool

	mu        sync.Mutex
	channel   *secure.Channel
	sequence  byte
	retries   int
	retry     *Outgoing
	queue     []*Outgoing
	multipart *Outgoing
	lastValid time.Time
	failures  int

	now func() time.Time
}

// NewDeviceSession returns a session at sequence 0 with an unsecured channel.
func NewDeviceSession(opts DeviceOptions, chOpts ...secure.Option) (*DeviceSession, error) {
	if opts.Address > osdp.ConfigurationAddress {
		return nil, fmt.Errorf("acu: address %d out of range", opts.Address)
	}
	key := opts.Key
	if key == nil {
		key = osdp.DefaultKey
	}
	ch, err := secure.New(key, chOpts...)
	if err != nil {
		return nil, err
	}
	return &DeviceSession{
		address:       opts.Address,
		useCRC:        opts.UseCRC,
		requireSecure: opts.RequireSecure,
		channel:       ch,
		retries:       RetryBudget,
		now:           time.Now,
	}, nil
}

func (s *DeviceSession) Address() byte {
	return s.address
}

func (s *DeviceSession) Sequence() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// Enqueue appends a command to the FIFO. It is safe to call while the bus
// is polling.
func (s *DeviceSession) Enqueue(out *Outgoing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, out)
}

// Pending returns the number of queued commands.
func (s *DeviceSession) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// GetNextOutgoing picks what to send next: a retry, the bootstrap poll,
// the next handshake step, a queued command or a poll, in that order. It
// returns nil when there is nothing to send.
func (s *DeviceSession) GetNextOutgoing(isPolling bool) (*Outgoing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retry != nil {
		out := s.retry
		s.retry = nil
		if !out.cancelled.Load() {
			return out, nil
		}
		s.retries = RetryBudget
	}

	if isPolling && s.sequence == 0 && !s.channel.IsEstablished() {
		return internal(payload.Poll{}), nil
	}

	if s.requireSecure && !s.channel.IsInitialized() {
		rndA, err := s.channel.NewChallenge()
		if err != nil {
			return nil, err
		}
		return internal(payload.Challenge{KeyType: s.channel.KeyType(), RndA: rndA}), nil
	}
	if s.requireSecure && !s.channel.IsEstablished() {
		cryptogram, err := s.channel.ServerCryptogram()
		if err != nil {
			return nil, err
		}
		return internal(payload.ServerCryptogram{KeyType: s.channel.KeyType(), Cryptogram: cryptogram}), nil
	}

	for len(s.queue) > 0 {
		out := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if !out.cancelled.Load() {
			return out, nil
		}
	}

	if isPolling {
		return internal(payload.Poll{}), nil
	}
	return nil, nil
}

// Frame encodes out for the wire. A command that was already sent is
// repeated byte for byte, with its original sequence and MAC.
func (s *DeviceSession) Frame(out *Outgoing) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out.frame != nil {
		return out.frame, nil
	}
	data, err := out.Command.MarshalBinary()
	if err != nil {
		return nil, err
	}
	m := &packet.Message{
		Address:  s.address,
		Sequence: s.sequence,
		UseCRC:   s.useCRC,
		Code:     byte(out.Command.Code()),
		Data:     data,
	}
	if sb, ok := out.Command.(payload.SecurityBlocker); ok {
		m.Security = sb.SecurityBlock()
	} else if s.channel.IsEstablished() {
		if m, err = s.channel.Seal(m); err != nil {
			return nil, err
		}
	}
	frame, err := packet.Encode(m)
	if err != nil {
		return nil, err
	}
	out.frame = frame
	out.sequence = s.sequence
	return frame, nil
}

// OpenReply verifies and decrypts a secured reply. Once the secure channel
// is established only osdp_NAK may arrive without a MAC.
func (s *DeviceSession) OpenReply(m *packet.Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !m.HasMAC() {
		if s.channel.IsEstablished() && m.ReplyCode() != osdp.ReplyNak {
			return nil, fmt.Errorf("%w: %s without MAC", osdp.ErrSecureChannelRequired, m.ReplyCode())
		}
		return m.Data, nil
	}
	return s.channel.Open(m)
}

// OnValidReply advances the sequence. A non-zero sequence also marks the
// device as recently heard from and restores the retry budget.
func (s *DeviceSession) OnValidReply(sequence byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sequence > 0 {
		s.lastValid = s.now()
		s.retries = RetryBudget
	}
	s.failures = 0
	s.sequence = sequence%3 + 1
}

// OnCommandFailed spends one unit of the retry budget on out. It re-arms
// out while budget remains; otherwise out is dropped, the budget restored
// and true returned.
func (s *DeviceSession) OnCommandFailed(out *Outgoing) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.retries--
	if s.retries > 0 {
		s.retry = out
		return false
	}
	s.retries = RetryBudget
	s.retry = nil
	return true
}

// Failures returns the number of consecutive failed exchanges.
func (s *DeviceSession) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// InitializeSecureChannel checks the security block of an osdp_CCRYPT reply
// against the key this session uses, then verifies the client cryptogram.
// Any failure leaves the channel uninitialized.
func (s *DeviceSession) InitializeSecureChannel(sb *packet.SecurityBlock, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sb == nil || len(sb.Data) == 0 {
		s.channel.Reset()
		return fmt.Errorf("%w: client cryptogram without security block", osdp.ErrInvalidPayload)
	}
	if want := s.channel.KeyType(); osdp.KeyType(sb.Data[0]) != want {
		s.channel.Reset()
		return fmt.Errorf("%w: device uses %s, session uses %s",
			osdp.ErrSecureChannelKeyTypeMismatch, osdp.KeyType(sb.Data[0]), want)
	}
	r, err := payload.DecodeReply(osdp.ReplyClientCryptogram, data, sb)
	if err != nil {
		s.channel.Reset()
		return err
	}
	cc := r.(payload.ClientCryptogram)
	return s.channel.Initialize(cc.UID, cc.RndB, cc.Cryptogram)
}

// EstablishSecureChannel verifies osdp_RMAC_I.
func (s *DeviceSession) EstablishSecureChannel(r payload.InitialRMAC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.Establish(r.RMAC)
}

// ResetSecurity discards the secure channel so the handshake restarts. A
// caller-queued command awaiting retry is framed again afterwards.
func (s *DeviceSession) ResetSecurity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetSecurity()
}

func (s *DeviceSession) resetSecurity() {
	s.channel.Reset()
	if s.retry != nil {
		s.requeue(s.retry)
		s.retry = nil
	}
	s.retries = RetryBudget
}

// Abandon puts out back at the head of the queue, to be framed again, or
// forgets it when the session generated it.
func (s *DeviceSession) Abandon(out *Outgoing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeue(out)
}

func (s *DeviceSession) requeue(out *Outgoing) {
	if out.isInternal() || out.cancelled.Load() {
		return
	}
	out.rearm()
	s.queue = append([]*Outgoing{out}, s.queue...)
}

// Reset returns the session to its initial state: sequence 0, no secure
// channel and not connected. Queued commands are kept.
func (s *DeviceSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetSecurity()
	s.sequence = 0
	s.lastValid = time.Time{}
	s.failures = 0
	if s.multipart != nil {
		s.multipart.complete(Result{Err: fmt.Errorf("%w: session reset", packet.ErrFragmentOrder)})
		s.multipart = nil
	}
}

// IsConnected reports whether a valid reply arrived within
// ConnectionTimeout and, when required, the secure channel is established.
func (s *DeviceSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastValid.IsZero() || s.now().Sub(s.lastValid) > ConnectionTimeout {
		return false
	}
	return !s.requireSecure || s.channel.IsEstablished()
}

// IsSecure reports whether the secure channel is established.
func (s *DeviceSession) IsSecure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.IsEstablished()
}

// SecureMode returns the security level of the channel.
func (s *DeviceSession) SecureMode() secure.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.Mode()
}

func (s *DeviceSession) setMultipart(out *Outgoing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multipart = out
}

func (s *DeviceSession) takeMultipart() *Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.multipart
	s.multipart = nil
	return out
}

// close completes every pending command with err.
func (s *DeviceSession) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.complete(Result{Err: err})
		s.retry = nil
	}
	if s.multipart != nil {
		s.multipart.complete(Result{Err: err})
		s.multipart = nil
	}
	for _, out := range s.queue {
		out.complete(Result{Err: err})
	}
	s.queue = nil
}
