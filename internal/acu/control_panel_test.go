// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package acu_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/osdp-gateway/internal/acu"
	"github.com/ffutop/osdp-gateway/internal/pd"
	"github.com/ffutop/osdp-gateway/internal/pd/model"
	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/payload"
	"github.com/ffutop/osdp-gateway/transport/local"
)

const waitFor = 3 * time.Second

var installedKey = []byte{
	0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7,
	0xA8, 0xA9, 0xAA, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF,
}

func pdConfig(address byte) model.DeviceConfig {
	cfg := model.Default().WithAddress(address)
	cfg.VendorCode = [3]byte{0x5C, 0x26, 0x23}
	cfg.Model = 7
	cfg.Version = 2
	cfg.SerialNumber = 0x01020304
	return cfg
}

// recorder collects the events of a control panel.
type recorder struct {
	mu     sync.Mutex
	events []acu.Event
}

func (r *recorder) record(e acu.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) find(match func(acu.Event) bool) (acu.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if match(e) {
			return e, true
		}
	}
	return nil, false
}

func (r *recorder) count(match func(acu.Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if match(e) {
			n++
		}
	}
	return n
}

func (r *recorder) wait(t *testing.T, match func(acu.Event) bool) acu.Event {
	t.Helper()
	var found acu.Event
	require.Eventually(t, func() bool {
		e, ok := r.find(match)
		found = e
		return ok
	}, waitFor, 5*time.Millisecond)
	return found
}

// bench connects a control panel and one PD through an in-memory pipe.
type bench struct {
	cp      *acu.ControlPanel
	id      uuid.UUID
	dev     *pd.Device
	handler *pd.BasicHandler
	events  *recorder
	stopPD  context.CancelFunc
}

func newBench(t *testing.T, cfg model.DeviceConfig, bus acu.BusConfig) *bench {
	t.Helper()
	acuEnd, pdEnd := local.Pipe(t.Name())

	store := model.NewStore(cfg)
	h := pd.NewBasicHandler(store, 2)
	dev, err := pd.NewDevice(store, nil, h, pd.Options{})
	require.NoError(t, err)

	pdCtx, stopPD := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		dev.Serve(pdCtx, pdEnd)
	}()

	if bus.PollInterval == 0 {
		bus.PollInterval = 5 * time.Millisecond
	}
	if bus.ReplyTimeout == 0 {
		bus.ReplyTimeout = 100 * time.Millisecond
	}
	rec := &recorder{}
	cp := acu.NewControlPanel(acu.Options{})
	cp.Subscribe(rec.record)
	id := cp.StartConnection(context.Background(), acuEnd, bus)

	t.Cleanup(func() {
		cp.Shutdown()
		stopPD()
		<-served
		dev.Close()
	})
	return &bench{cp: cp, id: id, dev: dev, handler: h, events: rec, stopPD: stopPD}
}

func (b *bench) online(t *testing.T, address byte) {
	t.Helper()
	require.Eventually(t, func() bool { return b.cp.IsOnline(b.id, address) }, waitFor, 5*time.Millisecond)
}

func statusChanged(address byte, connected, secure bool) func(acu.Event) bool {
	return func(e acu.Event) bool {
		st, ok := e.(acu.ConnectionStatusChanged)
		return ok && e.Device() == address && st.Connected == connected && st.Secure == secure
	}
}

func isNak(e acu.Event) bool {
	_, ok := e.(acu.NakReceived)
	return ok
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestSecureSession(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true, RequireSecure: true}))

	b.online(t, 1)
	e := b.events.wait(t, statusChanged(1, true, true))
	assert.Equal(t, b.id, e.Connection())
	assert.True(t, b.dev.IsSecure())

	ctx := ctxTimeout(t)
	ident, err := b.cp.IDReport(ctx, b.id, 1)
	require.NoError(t, err)
	assert.Equal(t, pdConfig(1).Identification(), ident)

	caps, err := b.cp.DeviceCapabilities(ctx, b.id, 1)
	require.NoError(t, err)
	_, ok := caps.Find(payload.CapabilityCommunicationSecurity)
	assert.True(t, ok)

	st, err := b.cp.OutputControl(ctx, b.id, 1, payload.OutputControls{Controls: []payload.OutputControl{
		{Output: 1, Control: 2},
	}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, st.Outputs)
	assert.Equal(t, []byte{0, 1}, b.handler.Outputs())

	require.NoError(t, b.cp.ReaderLedControl(ctx, b.id, 1, payload.LEDControls{Controls: []payload.LEDControl{{Reader: 0, LED: 0}}}))
}

func TestPlainSession(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true}))

	b.online(t, 1)
	b.events.wait(t, statusChanged(1, true, false))

	b.handler.SetTamper(true)
	lstat, err := b.cp.LocalStatus(ctxTimeout(t), b.id, 1)
	require.NoError(t, err)
	assert.True(t, lstat.Tamper)

	err = b.cp.KeySet(ctxTimeout(t), b.id, 1, installedKey)
	assert.ErrorIs(t, err, osdp.ErrSecureChannelRequired)
}

func TestKeySet(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true, RequireSecure: true}))
	b.online(t, 1)

	changed := make(chan pd.ConfigChange, 1)
	b.dev.OnConfigChanged(func(c pd.ConfigChange) { changed <- c })

	require.NoError(t, b.cp.KeySet(ctxTimeout(t), b.id, 1, installedKey))
	assert.Equal(t, installedKey, b.dev.Config().Key)
	select {
	case c := <-changed:
		assert.Nil(t, c.Old.Key)
		assert.Equal(t, installedKey, c.New.Key)
	case <-time.After(waitFor):
		t.Fatal("configuration change not reported")
	}

	// A new session must use the installed key.
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true, RequireSecure: true, Key: installedKey}))
	b.online(t, 1)
	bus, err := b.cp.Bus(b.id)
	require.NoError(t, err)
	s, ok := bus.Session(1)
	require.True(t, ok)
	assert.Equal(t, "full", s.SecureMode().String())
}

func TestCommunicationSet(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true}))
	b.online(t, 1)

	r, err := b.cp.CommunicationSet(ctxTimeout(t), b.id, 1, payload.CommunicationSet{Address: 5, BaudRate: 9600})
	require.NoError(t, err)
	assert.Equal(t, payload.CommunicationConfiguration{Address: 5, BaudRate: 9600}, r)

	bus, err := b.cp.Bus(b.id)
	require.NoError(t, err)
	_, ok := bus.Session(1)
	assert.False(t, ok)
	b.online(t, 5)
	assert.Equal(t, byte(5), b.dev.Config().Address)
}

func TestFileTransfer(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true, RequireSecure: true}))
	b.online(t, 1)

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}
	var sent []int
	st, err := b.cp.FileTransfer(ctxTimeout(t), b.id, 1, 1, data, 64, func(n, total int, _ payload.FileTransferStatus) {
		assert.Equal(t, len(data), total)
		sent = append(sent, n)
	})
	require.NoError(t, err)
	assert.Equal(t, payload.FileTransferProcessed, st.Status)
	assert.Equal(t, []int{64, 128, 192, 256, 300}, sent)

	got, ok := b.handler.File(1)
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestPIVData(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true, RequireSecure: true}))
	b.online(t, 1)

	object := bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 60)
	id := [3]byte{0x5F, 0xC1, 0x02}
	b.handler.SetPIVObject(id, object)

	ctx := ctxTimeout(t)
	require.NoError(t, b.cp.ACUReceiveSize(ctx, b.id, 1, 64))
	got, err := b.cp.PIVData(ctx, b.id, 1, payload.GetPIVData{ObjectID: id})
	require.NoError(t, err)
	assert.Equal(t, object, got)

	_, err = b.cp.PIVData(ctx, b.id, 1, payload.GetPIVData{ObjectID: [3]byte{1, 2, 3}})
	var nak *osdp.NakError
	require.ErrorAs(t, err, &nak)
	assert.Equal(t, osdp.ErrorUnableToProcessCommand, nak.Code)
}

func TestUnsolicitedReply(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true}))
	b.online(t, 1)

	b.dev.Enqueue(payload.LocalStatus{Tamper: true})
	e := b.events.wait(t, func(e acu.Event) bool {
		r, ok := e.(acu.ReplyReceived)
		return ok && r.Reply == payload.Reply(payload.LocalStatus{Tamper: true})
	})
	assert.Equal(t, byte(1), e.Device())
}

func TestNakNotifiedOnce(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{DisablePolling: true})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true}))
	ctx := ctxTimeout(t)

	unsupported := func() {
		t.Helper()
		_, err := b.cp.SendCommand(ctx, b.id, 1, payload.InputStatusRequest{})
		var nak *osdp.NakError
		require.ErrorAs(t, err, &nak)
		assert.Equal(t, osdp.ErrorUnknownCommandCode, nak.Code)
	}

	unsupported()
	unsupported()
	_, err := b.cp.IDReport(ctx, b.id, 1)
	require.NoError(t, err)
	unsupported()

	require.Eventually(t, func() bool { return b.events.count(isNak) == 2 }, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return b.events.count(isNak) > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDiscover(t *testing.T) {
	b := newBench(t, pdConfig(3), acu.BusConfig{ReplyTimeout: 30 * time.Millisecond})

	found, err := b.cp.Discover(ctxTimeout(t), b.id, 0, 5, true)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, byte(3), found[0].Address)
	assert.Equal(t, pdConfig(3).Identification(), found[0].Identification)

	bus, err := b.cp.Bus(b.id)
	require.NoError(t, err)
	assert.Empty(t, bus.Sessions(), "probe sessions are removed")
}

func TestDeviceLost(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{ReplyTimeout: 20 * time.Millisecond})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1, UseCRC: true}))
	b.online(t, 1)

	b.stopPD()
	b.events.wait(t, statusChanged(1, false, false))
	assert.False(t, b.cp.IsOnline(b.id, 1))
}

func TestUnknownTargets(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{})
	ctx := ctxTimeout(t)

	_, err := b.cp.IDReport(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, acu.ErrUnknownConnection)
	_, err = b.cp.IDReport(ctx, b.id, 9)
	assert.ErrorIs(t, err, acu.ErrUnknownDevice)
	assert.ErrorIs(t, b.cp.RemoveDevice(b.id, 9), acu.ErrUnknownDevice)
	assert.ErrorIs(t, b.cp.AddDevice(uuid.New(), acu.DeviceOptions{Address: 1}), acu.ErrUnknownConnection)
}

func TestShutdown(t *testing.T) {
	b := newBench(t, pdConfig(1), acu.BusConfig{DisablePolling: true})
	require.NoError(t, b.cp.AddDevice(b.id, acu.DeviceOptions{Address: 1}))
	bus, err := b.cp.Bus(b.id)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Shutdown()
		}()
	}
	wg.Wait()
	select {
	case <-bus.Done():
	default:
		t.Fatal("bus still running")
	}

	_, err = b.cp.SendCommand(ctxTimeout(t), b.id, 1, payload.IDRequest{})
	assert.ErrorIs(t, err, acu.ErrShutdown)

	require.NoError(t, b.cp.StopConnection(b.id))
	assert.ErrorIs(t, b.cp.StopConnection(b.id), acu.ErrUnknownConnection)
	assert.Empty(t, b.cp.Connections())
}
