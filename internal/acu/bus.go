// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package acu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/internal/capture"
	"github.com/ffutop/osdp-gateway/internal/metrics"
	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/packet"
	"github.com/ffutop/osdp-gateway/osdp/payload"
	"github.com/ffutop/osdp-gateway/transport"
)

const (
	defaultPollInterval     = 50 * time.Millisecond
	defaultReplyTimeout     = 200 * time.Millisecond
	defaultTransportRetries = 3
)

// BusConfig tunes the polling loop of one connection.
type BusConfig struct {
	PollInterval time.Duration
	ReplyTimeout time.Duration
	// DisablePolling stops the bus from sending polls; only queued
	// commands are sent.
	DisablePolling bool
	// Tracing sends every frame to the capture sink.
	Tracing bool
	// TransportRetries is the number of consecutive failed exchanges
	// after which a device is reset and reported disconnected.
	TransportRetries int
}

type deviceStatus struct {
	connected bool
	secure    bool
}

// Bus runs the polling loop of one connection. Devices are visited in
// ascending address order and each exchange completes, or times out,
// before the next frame is sent.
type Bus struct {
	id     uuid.UUID
	name   string
	conn   transport.Connection
	cfg    BusConfig
	logger *zap.Logger

	metrics *metrics.BusMetrics
	sink    capture.Sink
	events  *dispatcher
	naks    *nakTracker

	mu       sync.Mutex
	sessions map[byte]*DeviceSession
	status   map[byte]deviceStatus

	buf         *packet.PacketBuffer
	reassembler *packet.Reassembler
	needOpen    bool

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func newBus(id uuid.UUID, conn transport.Connection, cfg BusConfig, cp *ControlPanel) *Bus {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if cfg.TransportRetries <= 0 {
		cfg.TransportRetries = defaultTransportRetries
	}
	return &Bus{
		id:          id,
		name:        conn.String(),
		conn:        conn,
		cfg:         cfg,
		logger:      cp.logger.With(zap.String("connection", id.String()), zap.String("transport", conn.String())),
		metrics:     cp.metrics,
		sink:        cp.sink,
		events:      cp.events,
		naks:        cp.naks,
		sessions:    make(map[byte]*DeviceSession),
		status:      make(map[byte]deviceStatus),
		buf:         packet.NewPacketBuffer(0),
		reassembler: packet.NewReassembler(),
		done:        make(chan struct{}),
	}
}

// ID returns the connection id.
func (b *Bus) ID() uuid.UUID {
	return b.id
}

// start runs the loop until ctx is done or Shutdown is called.
func (b *Bus) start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.started.Store(true)
	go b.run(ctx)
}

// Shutdown stops the loop, closes the transport and waits for the loop to
// exit. It is safe to call more than once and from several goroutines.
func (b *Bus) Shutdown() {
	b.stopOnce.Do(func() {
		b.stopping.Store(true)
		if b.cancel != nil {
			b.cancel()
		}
		if !b.started.Load() {
			b.conn.Close()
			b.closeSessions(ErrShutdown)
			close(b.done)
		}
	})
	<-b.done
}

// Done is closed once the loop has exited.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// AddDevice adds a device, replacing any session at the same address.
func (b *Bus) AddDevice(s *DeviceSession) {
	b.mu.Lock()
	old := b.sessions[s.address]
	b.sessions[s.address] = s
	b.mu.Unlock()

	if old != nil {
		old.close(ErrDeviceRemoved)
	}
	b.reassembler.Reset(s.address)
}

// RemoveDevice removes the device at address and fails its pending commands.
func (b *Bus) RemoveDevice(address byte) bool {
	b.mu.Lock()
	s, ok := b.sessions[address]
	delete(b.sessions, address)
	st := b.status[address]
	delete(b.status, address)
	b.mu.Unlock()
	if !ok {
		return false
	}
	s.close(ErrDeviceRemoved)
	b.reassembler.Reset(address)
	b.naks.clear(b.id, address)
	if st.connected || st.secure {
		b.metrics.Status(b.name, -boolDelta(st.connected), -boolDelta(st.secure))
		b.events.emit(ConnectionStatusChanged{source: source{b.id, address}})
	}
	return true
}

// Session returns the session at address.
func (b *Bus) Session(address byte) (*DeviceSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[address]
	return s, ok
}

// Sessions returns the sessions in ascending address order.
func (b *Bus) Sessions() []*DeviceSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*DeviceSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

func (b *Bus) enqueue(address byte, out *Outgoing) error {
	if b.stopping.Load() {
		return ErrShutdown
	}
	s, ok := b.Session(address)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, address)
	}
	s.Enqueue(out)
	return nil
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	defer b.closeSessions(ErrShutdown)
	defer b.conn.Close()

	b.logger.Info("bus started", zap.Duration("poll_interval", b.cfg.PollInterval))
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	b.needOpen = true
	for {
		if b.needOpen {
			if err := b.conn.Open(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("failed to open transport", zap.Error(err))
			} else {
				b.needOpen = false
				b.buf.Reset()
			}
		}

		for _, s := range b.Sessions() {
			if ctx.Err() != nil {
				return
			}
			if !b.needOpen {
				b.step(ctx, s)
			}
			b.updateStatus(s)
		}

		select {
		case <-ctx.Done():
			b.logger.Info("bus stopped")
			return
		case <-ticker.C:
		}
	}
}

func (b *Bus) closeSessions(err error) {
	for _, s := range b.Sessions() {
		s.close(err)
	}
}

// step performs one exchange with s.
func (b *Bus) step(ctx context.Context, s *DeviceSession) {
	out, err := s.GetNextOutgoing(!b.cfg.DisablePolling && !s.probe)
	if err != nil {
		b.logger.Error("failed to prepare command", zap.Uint8("address", s.address), zap.Error(err))
		return
	}
	if out == nil {
		return
	}
	frame, err := s.Frame(out)
	if err != nil {
		b.logger.Warn("failed to encode command", zap.Uint8("address", s.address),
			zap.Stringer("command", out.Command.Code()), zap.Error(err))
		out.complete(Result{Err: err})
		return
	}
	if b.stopping.Load() {
		s.Abandon(out)
		return
	}

	b.buf.Reset()
	if _, err := b.conn.Write(frame); err != nil {
		b.transportFailed(s, out, err)
		return
	}
	b.metrics.FrameSent(b.name)
	b.trace(capture.Output, frame)

	raw, err := transport.ReadFrame(ctx, b.conn, b.buf, b.cfg.ReplyTimeout)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			out.complete(Result{Err: ErrShutdown})
		case errors.Is(err, transport.ErrTimeout):
			b.metrics.ReplyTimeout(b.name)
			b.logger.Debug("reply timeout", zap.Uint8("address", s.address), zap.Stringer("command", out.Command.Code()))
			b.failed(s, out)
		default:
			b.transportFailed(s, out, err)
		}
		return
	}
	b.metrics.FrameReceived(b.name)
	b.trace(capture.Input, raw)
	b.handleReply(s, out, raw)
}

func (b *Bus) trace(dir capture.Direction, frame []byte) {
	if !b.cfg.Tracing || b.sink == nil {
		return
	}
	b.sink.Capture(capture.Record{
		ConnectionID: b.id,
		Direction:    dir,
		Time:         time.Now(),
		Data:         append([]byte(nil), frame...),
	})
}

func (b *Bus) transportFailed(s *DeviceSession, out *Outgoing, err error) {
	b.logger.Warn("transport failure", zap.Uint8("address", s.address), zap.Error(err))
	b.conn.Close()
	b.needOpen = true
	b.failed(s, out)
}

// failed charges a failed exchange to s. After TransportRetries consecutive
// failures the device is reset, which reports it disconnected.
func (b *Bus) failed(s *DeviceSession, out *Outgoing) {
	if s.OnCommandFailed(out) {
		b.metrics.Dropped(b.name)
		b.logger.Debug("command dropped", zap.Uint8("address", s.address), zap.Stringer("command", out.Command.Code()))
		out.complete(Result{Err: ErrCommandDropped})
	} else {
		b.metrics.Retry(b.name)
	}
	if s.Failures() >= b.cfg.TransportRetries {
		b.logger.Debug("device not responding, resetting session", zap.Uint8("address", s.address))
		s.Reset()
		b.reassembler.Reset(s.address)
	}
}

func (b *Bus) handleReply(s *DeviceSession, out *Outgoing, raw []byte) {
	msg, err := packet.Decode(raw)
	if err != nil && !errors.Is(err, osdp.ErrUnknownType) {
		b.frameError(s, out, err)
		return
	}
	if !msg.Reply || msg.Address != s.address || msg.Sequence != out.sequence {
		b.frameError(s, out, fmt.Errorf("unexpected reply: address 0x%02x, sequence %d", msg.Address, msg.Sequence))
		return
	}

	data, oerr := s.OpenReply(msg)
	if oerr != nil {
		b.metrics.FrameError(b.name, "security")
		b.logger.Warn("secure reply rejected, restarting secure channel", zap.Uint8("address", s.address), zap.Error(oerr))
		s.ResetSecurity()
		s.Abandon(out)
		return
	}
	s.OnValidReply(msg.Sequence)

	if err != nil {
		// Structurally valid frame of a type this engine does not know.
		b.logger.Warn("unknown reply", zap.Uint8("address", s.address), zap.Error(err))
		out.complete(Result{Err: err})
		return
	}

	if msg.ReplyCode() == osdp.ReplyClientCryptogram {
		if err := s.InitializeSecureChannel(msg.Security, data); err != nil {
			b.logger.Warn("secure channel initialization failed", zap.Uint8("address", s.address), zap.Error(err))
		}
		return
	}

	rep, err := payload.DecodeReply(msg.ReplyCode(), data, msg.Security)
	if err != nil {
		b.logger.Warn("invalid reply payload", zap.Uint8("address", s.address),
			zap.Stringer("reply", msg.ReplyCode()), zap.Error(err))
		out.complete(Result{Err: err})
		return
	}
	b.dispatch(s, out, rep)
}

func (b *Bus) frameError(s *DeviceSession, out *Outgoing, err error) {
	kind := "unexpected"
	var fe *osdp.FrameError
	if errors.As(err, &fe) {
		kind = fe.Kind.String()
	}
	b.metrics.FrameError(b.name, kind)
	b.logger.Debug("invalid reply", zap.Uint8("address", s.address), zap.Error(err))
	b.failed(s, out)
}

func (b *Bus) dispatch(s *DeviceSession, out *Outgoing, rep payload.Reply) {
	switch r := rep.(type) {
	case payload.InitialRMAC:
		if err := s.EstablishSecureChannel(r); err != nil {
			b.logger.Warn("secure channel not established", zap.Uint8("address", s.address), zap.Error(err))
			return
		}
		b.logger.Info("secure channel established", zap.Uint8("address", s.address), zap.Stringer("mode", s.SecureMode()))

	case payload.Nak:
		b.metrics.Nak(b.name, r.Error.String())
		if r.Error.IsSecurity() {
			s.ResetSecurity()
		}
		if b.naks.report(b.id, s.address, r) {
			b.events.emit(NakReceived{source: source{b.id, s.address}, Nak: r})
		}
		if mp := s.takeMultipart(); mp != nil {
			b.reassembler.Reset(s.address)
			mp.complete(Result{Reply: r, Err: r.Err()})
		}
		out.complete(Result{Reply: r, Err: r.Err()})

	case payload.PIVData:
		b.naks.clear(b.id, s.address)
		b.assemblePIV(s, out, r)

	default:
		b.naks.clear(b.id, s.address)
		if out.isInternal() {
			if _, ack := rep.(payload.Ack); !ack {
				b.events.emit(ReplyReceived{source: source{b.id, s.address}, Reply: rep})
			}
			return
		}
		out.complete(Result{Reply: rep})
	}
}

// assemblePIV collects osdp_PIVDATAR fragments. The first answers the
// osdp_PIVDATA command; the rest arrive as replies to polls.
func (b *Bus) assemblePIV(s *DeviceSession, out *Outgoing, r payload.PIVData) {
	if !out.isInternal() {
		if prev := s.takeMultipart(); prev != nil {
			prev.complete(Result{Err: fmt.Errorf("%w: superseded", packet.ErrFragmentOrder)})
		}
		b.reassembler.Reset(s.address)
		s.setMultipart(out)
	}
	whole, done, err := b.reassembler.Add(s.address, r.Fragment())
	if err != nil {
		b.logger.Warn("bad PIV data fragment", zap.Uint8("address", s.address), zap.Error(err))
		if mp := s.takeMultipart(); mp != nil {
			mp.complete(Result{Err: err})
		}
		return
	}
	if !done {
		return
	}
	full := payload.PIVData{WholeLength: r.WholeLength, Data: whole}
	if mp := s.takeMultipart(); mp != nil {
		mp.complete(Result{Reply: full})
		return
	}
	b.events.emit(ReplyReceived{source: source{b.id, s.address}, Reply: full})
}

// updateStatus raises ConnectionStatusChanged when s changed state.
func (b *Bus) updateStatus(s *DeviceSession) {
	now := deviceStatus{connected: s.IsConnected(), secure: s.IsSecure()}

	b.mu.Lock()
	if cur, ok := b.sessions[s.address]; !ok || cur != s {
		b.mu.Unlock()
		return
	}
	prev := b.status[s.address]
	b.status[s.address] = now
	b.mu.Unlock()

	if prev == now {
		return
	}
	b.metrics.Status(b.name, boolDelta(now.connected)-boolDelta(prev.connected), boolDelta(now.secure)-boolDelta(prev.secure))
	b.logger.Info("device status changed", zap.Uint8("address", s.address),
		zap.Bool("connected", now.connected), zap.Bool("secure", now.secure))
	b.events.emit(ConnectionStatusChanged{source: source{b.id, s.address}, Connected: now.connected, Secure: now.secure})
}

// Status returns the last reported state of the device at address.
func (b *Bus) Status(address byte) (connected, secure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.status[address]
	return st.connected, st.secure
}

func boolDelta(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
