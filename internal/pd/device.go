// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package pd is the peripheral side of OSDP: it answers the commands an ACU
// sends to one device address.
package pd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/internal/capture"
	"github.com/ffutop/osdp-gateway/internal/metrics"
	"github.com/ffutop/osdp-gateway/internal/pd/model"
	"github.com/ffutop/osdp-gateway/internal/pd/persistence"
	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/packet"
	"github.com/ffutop/osdp-gateway/osdp/payload"
	"github.com/ffutop/osdp-gateway/osdp/secure"
	"github.com/ffutop/osdp-gateway/transport"
)

const (
	// ConnectionTimeout is how long after the last valid command the
	// device still considers itself connected.
	ConnectionTimeout = 8 * time.Second

	// maxCommandSize is the receive buffer announced in osdp_PDCAP.
	maxCommandSize = packet.MaxSize
	// defaultMaxReply applies until the ACU sends osdp_ACURXSIZE.
	defaultMaxReply = 128
	// minMaxReply is the smallest osdp_ACURXSIZE honoured.
	minMaxReply = 64
	// replyOverhead is the frame overhead of a secured reply with a
	// multi-part header, including one block of padding.
	replyOverhead = 5 + 2 + 1 + payload.PIVDataHeaderSize + 16 + osdp.MACLength + 2

	reconnectDelay = time.Second
)

// ConfigChange is delivered to listeners after the reply to an osdp_COMSET
// or osdp_KEYSET has been sent.
type ConfigChange struct {
	Old model.DeviceConfig
	New model.DeviceConfig
}

// Options configures a Device. The zero value is usable.
type Options struct {
	// Name labels the device in logs and metrics.
	Name          string
	Logger        *zap.Logger
	Metrics       *metrics.PDMetrics
	Sink          capture.Sink
	SecureOptions []secure.Option
}

// Device dispatches the commands addressed to one PD.
type Device struct {
	name       string
	store      *model.Store
	storage    persistence.Storage
	handler    Handler
	logger     *zap.Logger
	metrics    *metrics.PDMetrics
	sink       capture.Sink
	secureOpts []secure.Option
	now        func() time.Time

	mu          sync.Mutex
	channel     *secure.Channel
	lastSeq     byte
	lastCommand []byte
	lastReply   []byte
	maxReply    int
	multipart   []payload.Reply
	pending     []payload.Reply
	files       *packet.Reassembler
	fileStatus  payload.FileTransferStatus
	lastValid   time.Time
	connID      uuid.UUID
	deferred    []ConfigChange

	listenMu  sync.Mutex
	listeners []func(ConfigChange)
	notifyMu  sync.Mutex
	closed    bool
	queued    []ConfigChange
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewDevice returns a device answering with the configuration in store.
// Configuration changes requested by the ACU are written to storage.
func NewDevice(store *model.Store, storage persistence.Storage, handler Handler, opts Options) (*Device, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if storage == nil {
		storage = persistence.NewMemoryStorage()
	}
	cfg := store.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pd: %w", err)
	}
	ch, err := secure.New(cfg.SecureKey(), opts.SecureOptions...)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("pd-%d", cfg.Address)
	}
	d := &Device{
		name:       name,
		store:      store,
		storage:    storage,
		handler:    handler,
		logger:     logger.With(zap.String("device", name)),
		metrics:    opts.Metrics,
		sink:       opts.Sink,
		secureOpts: opts.SecureOptions,
		now:        time.Now,
		channel:    ch,
		maxReply:   defaultMaxReply,
		files:      packet.NewReassembler(),
		connID:     uuid.New(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go d.notifier()
	return d, nil
}

func (d *Device) Name() string {
	return d.name
}

// Config returns the current configuration.
func (d *Device) Config() model.DeviceConfig {
	return d.store.Load()
}

// OnConfigChanged registers fn for address, baud rate and key changes made
// by the ACU. fn runs on its own goroutine after the reply was sent.
func (d *Device) OnConfigChanged(fn func(ConfigChange)) {
	d.listenMu.Lock()
	defer d.listenMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Enqueue queues an unsolicited reply, such as a card read, for the next
// osdp_POLL.
func (d *Device) Enqueue(r payload.Reply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, r)
}

// IsConnected reports whether a valid command arrived recently.
func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.lastValid.IsZero() && d.now().Sub(d.lastValid) <= ConnectionTimeout
}

// IsSecure reports whether the secure channel is established.
func (d *Device) IsSecure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel.IsEstablished()
}

// Serve answers commands received on conn until ctx is done. Transport
// failures close the connection and open it again.
func (d *Device) Serve(ctx context.Context, conn transport.Connection) error {
	d.logger.Info("device serving", zap.Stringer("transport", conn))
	defer d.logger.Info("device stopped")
	for {
		err := d.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		d.logger.Warn("transport failed, reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (d *Device) serve(ctx context.Context, conn transport.Connection) error {
	if err := conn.Open(ctx); err != nil {
		return err
	}
	defer conn.Close()

	buf := packet.NewPacketBuffer(packet.MaxSize)
	for {
		frame, err := transport.ReadFrame(ctx, conn, buf, 0)
		if err != nil {
			return err
		}
		reply := d.Process(frame)
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			return err
		}
		d.ReplySent()
	}
}

// Process handles one raw frame and returns the encoded reply, or nil when
// the frame must not be answered: corrupt frames, replies and frames for
// other addresses.
func (d *Device) Process(raw []byte) []byte {
	d.capture(capture.Input, raw)
	reply := d.process(raw)
	if reply != nil {
		d.capture(capture.Output, reply)
	}
	return reply
}

// ReplySent releases the configuration change notifications held back
// until the reply to the last command was transmitted.
func (d *Device) ReplySent() {
	d.mu.Lock()
	changes := d.deferred
	d.deferred = nil
	d.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	d.notifyMu.Lock()
	if d.closed {
		d.notifyMu.Unlock()
		return
	}
	d.queued = append(d.queued, changes...)
	d.notifyMu.Unlock()
	d.signal()
}

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops listener delivery and closes the storage.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.notifyMu.Lock()
		d.closed = true
		d.notifyMu.Unlock()
		d.signal()
		<-d.done
		err = d.storage.Close()
	})
	return err
}

// notifier delivers queued changes in order. Changes queued before Close
// are still delivered.
func (d *Device) notifier() {
	defer close(d.done)
	for {
		d.notifyMu.Lock()
		changes, closed := d.queued, d.closed
		d.queued = nil
		d.notifyMu.Unlock()

		if len(changes) > 0 {
			d.listenMu.Lock()
			listeners := slices.Clone(d.listeners)
			d.listenMu.Unlock()
			for _, c := range changes {
				for _, fn := range listeners {
					fn(c)
				}
			}
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *Device) capture(dir capture.Direction, data []byte) {
	if d.sink == nil {
		return
	}
	d.sink.Capture(capture.Record{
		ConnectionID: d.connID,
		Direction:    dir,
		Time:         time.Now(),
		Data:         append([]byte(nil), data...),
	})
}

func (d *Device) process(raw []byte) []byte {
	msg, err := packet.Decode(raw)
	if msg == nil {
		d.logger.Debug("dropping corrupt frame", zap.Error(err))
		return nil
	}
	if msg.Reply {
		return nil
	}
	cfg := d.store.Load()
	if msg.Address != cfg.Address && msg.Address != osdp.ConfigurationAddress {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		d.logger.Debug("unknown command", zap.Uint8("code", msg.Code))
		return d.nak(msg, raw, osdp.ErrorUnknownCommandCode)
	}
	d.lastValid = d.now()

	switch {
	case msg.Sequence == 0:
		d.resetSession()
	case msg.Sequence == d.lastSeq && d.lastReply != nil && bytes.Equal(raw, d.lastCommand):
		d.metrics.Repeat(d.name)
		return d.lastReply
	}

	code := msg.CommandCode()
	d.metrics.Command(d.name, code.String())

	data := msg.Data
	secured := false
	sb := msg.Security
	switch {
	case sb != nil && sb.Type.HasMAC():
		if !d.channel.IsEstablished() {
			d.channel.Reset()
			return d.nak(msg, raw, osdp.ErrorUnsupportedSecurity)
		}
		plain, err := d.channel.Open(msg)
		if err != nil {
			d.logger.Warn("secure command rejected", zap.Stringer("command", code), zap.Error(err))
			d.channel.Reset()
			return d.nak(msg, raw, osdp.ErrorUnsupportedSecurity)
		}
		data, secured = plain, true
	case sb != nil:
		if !handshakeBlock(code, sb.Type) {
			d.channel.Reset()
			return d.nak(msg, raw, osdp.ErrorUnsupportedSecurity)
		}
	default:
		if code == osdp.CmdChallenge || code == osdp.CmdServerCryptogram {
			return d.nak(msg, raw, osdp.ErrorUnsupportedSecurity)
		}
		if d.channel.IsEstablished() {
			d.logger.Info("unsecured command, dropping secure channel", zap.Stringer("command", code))
			d.channel.Reset()
		}
		if cfg.RequireSecure && !allowedUnsecured(code) {
			return d.nak(msg, raw, osdp.ErrorEncryptionRequired)
		}
	}

	cmd, err := payload.DecodeCommand(code, data, sb)
	if err != nil {
		d.logger.Debug("invalid command payload", zap.Stringer("command", code), zap.Error(err))
		return d.nak(msg, raw, osdp.ErrorCommandLength)
	}

	rep, err := d.dispatch(cmd, cfg, secured)
	if err != nil {
		return d.nak(msg, raw, nakCode(err))
	}
	return d.reply(msg, raw, rep, secured)
}

func handshakeBlock(code osdp.CommandCode, t osdp.SecurityBlockType) bool {
	switch code {
	case osdp.CmdChallenge:
		return t == osdp.SCBChallenge
	case osdp.CmdServerCryptogram:
		return t == osdp.SCBServerCryptogram
	}
	return false
}

// allowedUnsecured lists what a device requiring a secure channel still
// answers in the clear.
func allowedUnsecured(code osdp.CommandCode) bool {
	switch code {
	case osdp.CmdPoll, osdp.CmdID, osdp.CmdCapabilities:
		return true
	}
	return false
}

func nakCode(err error) osdp.ErrorCode {
	var nak *osdp.NakError
	switch {
	case errors.As(err, &nak):
		return nak.Code
	case errors.Is(err, ErrUnsupported):
		return osdp.ErrorUnknownCommandCode
	case errors.Is(err, osdp.ErrInvalidPayload):
		return osdp.ErrorCommandLength
	}
	return osdp.ErrorUnableToProcessCommand
}

func (d *Device) resetSession() {
	d.channel.Reset()
	d.lastSeq = 0
	d.lastCommand, d.lastReply = nil, nil
	d.multipart = nil
	d.files.Reset(0)
}

func (d *Device) dispatch(cmd payload.Command, cfg model.DeviceConfig, secured bool) (payload.Reply, error) {
	switch c := cmd.(type) {
	case payload.Poll:
		return d.poll(), nil
	case payload.Challenge:
		return d.challenge(c, cfg)
	case payload.ServerCryptogram:
		rmac, err := d.channel.VerifyServerCryptogram(c.Cryptogram)
		if err != nil {
			d.logger.Warn("server cryptogram rejected", zap.Error(err))
			return nil, &osdp.NakError{Code: osdp.ErrorUnsupportedSecurity}
		}
		d.logger.Info("secure channel established", zap.Stringer("mode", d.channel.Mode()))
		return payload.InitialRMAC{RMAC: rmac}, nil
	case payload.CommunicationSet:
		return d.communicationSet(c)
	case payload.KeySet:
		return d.keySet(c, secured)
	case payload.ACUReceiveSize:
		d.maxReply = int(c.MaxSize)
		if d.maxReply < minMaxReply {
			d.maxReply = minMaxReply
		}
		return payload.Ack{}, nil
	case payload.FileTransfer:
		return d.fileTransfer(c)
	case payload.GetPIVData:
		return d.pivData(c)
	}
	if d.handler == nil {
		return nil, ErrUnsupported
	}
	rep, err := d.handler.Handle(cmd)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		rep = payload.Ack{}
	}
	return rep, nil
}

func (d *Device) poll() payload.Reply {
	if len(d.multipart) > 0 {
		r := d.multipart[0]
		d.multipart = d.multipart[1:]
		return r
	}
	if len(d.pending) > 0 {
		r := d.pending[0]
		d.pending = d.pending[1:]
		return r
	}
	return payload.Ack{}
}

func (d *Device) challenge(c payload.Challenge, cfg model.DeviceConfig) (payload.Reply, error) {
	// A key installed by osdp_KEYSET takes effect with the next handshake.
	if key := cfg.SecureKey(); !bytes.Equal(d.channel.Key(), key) {
		ch, err := secure.New(key, d.secureOpts...)
		if err != nil {
			return nil, err
		}
		d.channel = ch
	}
	rndB, cryptogram, err := d.channel.AcceptChallenge(c.RndA)
	if err != nil {
		return nil, &osdp.NakError{Code: osdp.ErrorUnsupportedSecurity}
	}
	if c.KeyType != d.channel.KeyType() {
		d.logger.Warn("ACU announced a different key type",
			zap.Stringer("acu", c.KeyType), zap.Stringer("device", d.channel.KeyType()))
	}
	return payload.ClientCryptogram{
		KeyType:    d.channel.KeyType(),
		UID:        cfg.ClientUID(),
		RndB:       rndB,
		Cryptogram: cryptogram,
	}, nil
}

func (d *Device) communicationSet(c payload.CommunicationSet) (payload.Reply, error) {
	if c.Address > osdp.MaxAddress || !model.ValidBaudRate(c.BaudRate) {
		d.logger.Warn("rejecting communication settings", zap.Uint8("address", c.Address), zap.Uint32("baud", c.BaudRate))
		return nil, &osdp.NakError{Code: osdp.ErrorUnableToProcessCommand}
	}
	old, updated := d.store.Update(func(cfg model.DeviceConfig) model.DeviceConfig {
		return cfg.WithAddress(c.Address).WithBaudRate(c.BaudRate)
	})
	d.save(updated)
	d.logger.Info("communication settings changed",
		zap.Uint8("address", updated.Address), zap.Uint32("baud", updated.BaudRate))
	d.deferred = append(d.deferred, ConfigChange{Old: old, New: updated})
	return payload.CommunicationConfiguration{Address: updated.Address, BaudRate: updated.BaudRate}, nil
}

func (d *Device) keySet(c payload.KeySet, secured bool) (payload.Reply, error) {
	if !secured || !d.channel.IsEstablished() {
		return nil, &osdp.NakError{Code: osdp.ErrorEncryptionRequired}
	}
	if c.KeyType != osdp.KeyTypeInstalled {
		return nil, &osdp.NakError{Code: osdp.ErrorUnableToProcessCommand}
	}
	old, updated := d.store.Update(func(cfg model.DeviceConfig) model.DeviceConfig {
		return cfg.WithKey(c.Key)
	})
	d.save(updated)
	d.logger.Info("secure channel key installed")
	d.deferred = append(d.deferred, ConfigChange{Old: old, New: updated})
	return payload.Ack{}, nil
}

func (d *Device) save(cfg model.DeviceConfig) {
	if err := d.storage.Save(cfg); err != nil {
		d.logger.Error("Failed to persist configuration", zap.Error(err))
	}
}

func (d *Device) fileTransfer(c payload.FileTransfer) (payload.Reply, error) {
	recv, ok := d.handler.(FileReceiver)
	if !ok {
		return nil, ErrUnsupported
	}
	if len(c.Data) == 0 {
		if d.fileStatus.Status == payload.FileTransferFinishing {
			d.fileStatus = recv.FileStatus()
		}
		return d.fileStatus, nil
	}
	if c.Offset == 0 {
		// A new file replaces any transfer the ACU abandoned.
		d.files.Reset(0)
	}
	whole, complete, err := d.files.Add(0, c.Fragment())
	if err != nil {
		d.logger.Warn("file transfer fragment rejected", zap.Error(err))
		d.fileStatus = payload.FileTransferStatus{Status: payload.FileTransferInvalid}
		return d.fileStatus, nil
	}
	if !complete {
		d.fileStatus = payload.FileTransferStatus{Status: payload.FileTransferOK}
		return d.fileStatus, nil
	}
	d.logger.Info("file received", zap.Uint8("type", c.Type), zap.Int("size", len(whole)))
	d.fileStatus = recv.ReceiveFile(c.Type, whole)
	return d.fileStatus, nil
}

func (d *Device) pivData(c payload.GetPIVData) (payload.Reply, error) {
	src, ok := d.handler.(PIVSource)
	if !ok {
		return nil, ErrUnsupported
	}
	data, err := src.PIVObject(c)
	if err != nil {
		return nil, err
	}
	size := d.maxReply - replyOverhead
	if size < 1 {
		size = 1
	}
	frags := packet.Split(data, size)
	d.multipart = d.multipart[:0]
	for _, f := range frags[1:] {
		d.multipart = append(d.multipart, pivFragment(f))
	}
	return pivFragment(frags[0]), nil
}

func pivFragment(f packet.Fragment) payload.PIVData {
	return payload.PIVData{WholeLength: uint16(f.Whole), Offset: uint16(f.Offset), Data: f.Data}
}

func (d *Device) nak(msg *packet.Message, raw []byte, code osdp.ErrorCode) []byte {
	d.metrics.NakSent(d.name, code.String())
	return d.reply(msg, raw, payload.Nak{Error: code}, false)
}

func (d *Device) reply(msg *packet.Message, raw []byte, rep payload.Reply, secured bool) []byte {
	data, err := rep.MarshalBinary()
	if err != nil {
		d.logger.Error("cannot encode reply", zap.Stringer("reply", rep.Code()), zap.Error(err))
		rep = payload.Nak{Error: osdp.ErrorUnableToProcessCommand}
		data, _ = rep.MarshalBinary()
	}
	out := &packet.Message{
		Address:  msg.Address,
		Reply:    true,
		Sequence: msg.Sequence,
		UseCRC:   msg.UseCRC,
		Code:     byte(rep.Code()),
		Data:     data,
	}
	if sbr, ok := rep.(payload.SecurityBlocker); ok {
		out.Security = sbr.SecurityBlock()
	} else if secured && d.channel.IsEstablished() {
		if out, err = d.channel.Seal(out); err != nil {
			d.logger.Error("cannot seal reply", zap.Error(err))
			return nil
		}
	}
	b, err := packet.Encode(out)
	if err != nil {
		d.logger.Error("cannot encode reply frame", zap.Error(err))
		return nil
	}
	if msg.Sequence != 0 {
		d.lastSeq = msg.Sequence
		d.lastCommand = append([]byte(nil), raw...)
		d.lastReply = b
	}
	return b
}
