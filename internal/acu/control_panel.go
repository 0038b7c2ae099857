// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package acu is the controller side of OSDP: it polls peripheral devices
// over one or more connections and delivers their replies.
package acu

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/internal/capture"
	"github.com/ffutop/osdp-gateway/internal/metrics"
	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/payload"
	"github.com/ffutop/osdp-gateway/osdp/secure"
	"github.com/ffutop/osdp-gateway/transport"
)

// Options configures a ControlPanel. The zero value is usable.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.BusMetrics
	Sink    capture.Sink
	// SecureOptions are applied to every secure channel, e.g. a fixed
	// random source in tests.
	SecureOptions []secure.Option
}

// ControlPanel owns the buses of an ACU.
type ControlPanel struct {
	logger     *zap.Logger
	metrics    *metrics.BusMetrics
	sink       capture.Sink
	secureOpts []secure.Option

	events *dispatcher
	naks   *nakTracker

	mu    sync.Mutex
	buses map[uuid.UUID]*Bus
}

func NewControlPanel(opts Options) *ControlPanel {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlPanel{
		logger:     logger,
		metrics:    opts.Metrics,
		sink:       opts.Sink,
		secureOpts: opts.SecureOptions,
		events:     newDispatcher(logger),
		naks:       newNakTracker(),
		buses:      make(map[uuid.UUID]*Bus),
	}
}

// Subscribe registers fn for every event of every connection. fn runs on
// the event goroutine and must not block for long.
func (cp *ControlPanel) Subscribe(fn func(Event)) {
	cp.events.subscribe(fn)
}

// StartConnection starts polling over conn and returns its id. The bus
// runs until ctx is done or the connection is stopped.
func (cp *ControlPanel) StartConnection(ctx context.Context, conn transport.Connection, cfg BusConfig) uuid.UUID {
	id := uuid.New()
	b := newBus(id, conn, cfg, cp)

	cp.mu.Lock()
	cp.buses[id] = b
	cp.mu.Unlock()

	b.start(ctx)
	return id
}

// StopConnection shuts the bus down and forgets it.
func (cp *ControlPanel) StopConnection(id uuid.UUID) error {
	cp.mu.Lock()
	b, ok := cp.buses[id]
	delete(cp.buses, id)
	cp.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	b.Shutdown()
	return nil
}

// Shutdown stops every bus and then the event delivery.
func (cp *ControlPanel) Shutdown() {
	cp.mu.Lock()
	buses := make([]*Bus, 0, len(cp.buses))
	for id, b := range cp.buses {
		buses = append(buses, b)
		delete(cp.buses, id)
	}
	cp.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range buses {
		wg.Add(1)
		go func(b *Bus) {
			defer wg.Done()
			b.Shutdown()
		}(b)
	}
	wg.Wait()
	cp.events.close()
}

// Bus returns the bus of a running connection.
func (cp *ControlPanel) Bus(id uuid.UUID) (*Bus, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	b, ok := cp.buses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return b, nil
}

// Connections returns the ids of the running connections.
func (cp *ControlPanel) Connections() []uuid.UUID {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(cp.buses))
	for id := range cp.buses {
		ids = append(ids, id)
	}
	return ids
}

// DeviceStatus is a point-in-time view of one device session.
type DeviceStatus struct {
	Address   byte `json:"address"`
	Connected bool `json:"connected"`
	Secure    bool `json:"secure"`
	Sequence  byte `json:"sequence"`
	Pending   int  `json:"pending"`
}

// ConnectionStatus is a point-in-time view of one bus.
type ConnectionStatus struct {
	ID        uuid.UUID      `json:"id"`
	Transport string         `json:"transport"`
	Devices   []DeviceStatus `json:"devices"`
}

// Snapshot returns the state of every running connection, ordered by
// transport name.
func (cp *ControlPanel) Snapshot() []ConnectionStatus {
	cp.mu.Lock()
	buses := make([]*Bus, 0, len(cp.buses))
	for _, b := range cp.buses {
		buses = append(buses, b)
	}
	cp.mu.Unlock()

	out := make([]ConnectionStatus, 0, len(buses))
	for _, b := range buses {
		cs := ConnectionStatus{ID: b.id, Transport: b.name, Devices: []DeviceStatus{}}
		for _, s := range b.Sessions() {
			cs.Devices = append(cs.Devices, DeviceStatus{
				Address:   s.address,
				Connected: s.IsConnected(),
				Secure:    s.IsSecure(),
				Sequence:  s.Sequence(),
				Pending:   s.Pending(),
			})
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Transport < out[j].Transport })
	return out
}

// AddDevice starts polling a device on a connection. Adding a device at an
// address already in use replaces the previous session.
func (cp *ControlPanel) AddDevice(id uuid.UUID, opts DeviceOptions) error {
	b, err := cp.Bus(id)
	if err != nil {
		return err
	}
	s, err := NewDeviceSession(opts, cp.secureOpts...)
	if err != nil {
		return err
	}
	b.AddDevice(s)
	return nil
}

// RemoveDevice stops polling a device.
func (cp *ControlPanel) RemoveDevice(id uuid.UUID, address byte) error {
	b, err := cp.Bus(id)
	if err != nil {
		return err
	}
	if !b.RemoveDevice(address) {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, address)
	}
	return nil
}

// IsOnline reports whether the device is connected.
func (cp *ControlPanel) IsOnline(id uuid.UUID, address byte) bool {
	b, err := cp.Bus(id)
	if err != nil {
		return false
	}
	s, ok := b.Session(address)
	return ok && s.IsConnected()
}

// SendCommand queues cmd for a device and waits for its reply. A NAK is
// returned as the reply together with an *osdp.NakError.
func (cp *ControlPanel) SendCommand(ctx context.Context, id uuid.UUID, address byte, cmd payload.Command) (payload.Reply, error) {
	b, err := cp.Bus(id)
	if err != nil {
		return nil, err
	}
	out := newOutgoing(cmd)
	if err := b.enqueue(address, out); err != nil {
		return nil, err
	}
	select {
	case res := <-out.Done():
		return res.Reply, res.Err
	case <-ctx.Done():
		out.Cancel()
		return nil, ctx.Err()
	}
}

func sendAs[T payload.Reply](ctx context.Context, cp *ControlPanel, id uuid.UUID, address byte, cmd payload.Command) (T, error) {
	var zero T
	rep, err := cp.SendCommand(ctx, id, address, cmd)
	if err != nil {
		return zero, err
	}
	r, ok := rep.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s answered with %s", osdp.ErrInvalidPayload, cmd.Code(), rep.Code())
	}
	return r, nil
}

// IDReport requests the device identification.
func (cp *ControlPanel) IDReport(ctx context.Context, id uuid.UUID, address byte) (payload.DeviceIdentification, error) {
	return sendAs[payload.DeviceIdentification](ctx, cp, id, address, payload.IDRequest{})
}

// DeviceCapabilities requests the capability list.
func (cp *ControlPanel) DeviceCapabilities(ctx context.Context, id uuid.UUID, address byte) (payload.DeviceCapabilities, error) {
	return sendAs[payload.DeviceCapabilities](ctx, cp, id, address, payload.CapabilitiesRequest{})
}

// LocalStatus requests the tamper and power status.
func (cp *ControlPanel) LocalStatus(ctx context.Context, id uuid.UUID, address byte) (payload.LocalStatus, error) {
	return sendAs[payload.LocalStatus](ctx, cp, id, address, payload.LocalStatusRequest{})
}

// OutputControl drives outputs and returns their resulting state.
func (cp *ControlPanel) OutputControl(ctx context.Context, id uuid.UUID, address byte, controls payload.OutputControls) (payload.OutputStatus, error) {
	return sendAs[payload.OutputStatus](ctx, cp, id, address, controls)
}

// ReaderLedControl sets reader LEDs.
func (cp *ControlPanel) ReaderLedControl(ctx context.Context, id uuid.UUID, address byte, leds payload.LEDControls) error {
	_, err := sendAs[payload.Ack](ctx, cp, id, address, leds)
	return err
}

// CommunicationSet changes the address and baud rate of a device. On
// success the session moves to the new address; the new baud rate only
// applies once the transport is reconfigured.
func (cp *ControlPanel) CommunicationSet(ctx context.Context, id uuid.UUID, address byte, cmd payload.CommunicationSet) (payload.CommunicationConfiguration, error) {
	r, err := sendAs[payload.CommunicationConfiguration](ctx, cp, id, address, cmd)
	if err != nil || r.Address == address {
		return r, err
	}
	b, err := cp.Bus(id)
	if err != nil {
		return r, err
	}
	if old, ok := b.Session(address); ok {
		opts := DeviceOptions{Address: r.Address, UseCRC: old.useCRC, RequireSecure: old.requireSecure, Key: old.channel.Key()}
		b.RemoveDevice(address)
		s, err := NewDeviceSession(opts, cp.secureOpts...)
		if err != nil {
			return r, err
		}
		b.AddDevice(s)
	}
	return r, nil
}

// KeySet installs a new secure channel key on a device that has an
// established secure channel. The session keeps its current keys until
// it reconnects; pass the new key to AddDevice for later sessions.
func (cp *ControlPanel) KeySet(ctx context.Context, id uuid.UUID, address byte, key []byte) error {
	b, err := cp.Bus(id)
	if err != nil {
		return err
	}
	s, ok := b.Session(address)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, address)
	}
	if !s.IsSecure() {
		return osdp.ErrSecureChannelRequired
	}
	_, err = sendAs[payload.Ack](ctx, cp, id, address, payload.KeySet{KeyType: osdp.KeyTypeInstalled, Key: key})
	return err
}

// ACUReceiveSize announces the largest reply this ACU accepts.
func (cp *ControlPanel) ACUReceiveSize(ctx context.Context, id uuid.UUID, address byte, size uint16) error {
	_, err := sendAs[payload.Ack](ctx, cp, id, address, payload.ACUReceiveSize{MaxSize: size})
	return err
}

// PIVData reads a PIV data object, reassembling multi-part replies.
func (cp *ControlPanel) PIVData(ctx context.Context, id uuid.UUID, address byte, req payload.GetPIVData) ([]byte, error) {
	r, err := sendAs[payload.PIVData](ctx, cp, id, address, req)
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}
