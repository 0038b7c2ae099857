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
	"github.com/ffutop/osdp-gateway/osdp/packet"
	"github.com/ffutop/osdp-gateway/osdp/payload"
	"github.com/ffutop/osdp-gateway/transport"
	"github.com/ffutop/osdp-gateway/transport/local"
)

// relay answers through a real device and lets rewrite change a reply
// before it goes on the wire.
type relay struct {
	mu     sync.Mutex
	frames []*packet.Message
}

func (r *relay) record(m *packet.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, m)
}

func (r *relay) commands() []*packet.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*packet.Message(nil), r.frames...)
}

func (r *relay) count(code osdp.CommandCode) int {
	n := 0
	for _, m := range r.commands() {
		if m.CommandCode() == code {
			n++
		}
	}
	return n
}

func startRelay(t *testing.T, cfg model.DeviceConfig, bus acu.BusConfig, rewrite func(cmd *packet.Message, reply []byte) []byte) (*relay, *acu.ControlPanel, uuid.UUID) {
	t.Helper()
	acuEnd, pdEnd := local.Pipe(t.Name())
	store := model.NewStore(cfg)
	dev, err := pd.NewDevice(store, nil, pd.NewBasicHandler(store, 2), pd.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pdEnd.Open(ctx))
	r := &relay{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := packet.NewPacketBuffer(packet.MaxSize)
		for {
			raw, err := transport.ReadFrame(ctx, pdEnd, buf, 0)
			if err != nil {
				return
			}
			msg, err := packet.Decode(raw)
			if err != nil {
				continue
			}
			r.record(msg)
			reply := dev.Process(raw)
			if reply == nil {
				continue
			}
			if _, err := pdEnd.Write(rewrite(msg, reply)); err != nil {
				return
			}
			dev.ReplySent()
		}
	}()

	if bus.PollInterval == 0 {
		bus.PollInterval = 5 * time.Millisecond
	}
	if bus.ReplyTimeout == 0 {
		bus.ReplyTimeout = 100 * time.Millisecond
	}
	cp := acu.NewControlPanel(acu.Options{})
	id := cp.StartConnection(context.Background(), acuEnd, bus)
	t.Cleanup(func() {
		cp.Shutdown()
		cancel()
		<-done
		dev.Close()
	})
	return r, cp, id
}

func TestCorruptReplyDoesNotAdvanceSequence(t *testing.T) {
	r, cp, id := startRelay(t, pdConfig(1), acu.BusConfig{}, func(cmd *packet.Message, reply []byte) []byte {
		if cmd.CommandCode() != osdp.CmdID {
			return reply
		}
		bad := bytes.Clone(reply)
		bad[len(bad)-1] ^= 0xFF
		return bad
	})
	require.NoError(t, cp.AddDevice(id, acu.DeviceOptions{Address: 1, UseCRC: true}))
	require.Eventually(t, func() bool { return cp.IsOnline(id, 1) }, waitFor, 5*time.Millisecond)

	_, err := cp.IDReport(ctxTimeout(t), id, 1)
	require.ErrorIs(t, err, acu.ErrCommandDropped)

	var idFrames []*packet.Message
	var after *packet.Message
	require.Eventually(t, func() bool {
		idFrames, after = nil, nil
		for _, m := range r.commands() {
			if m.CommandCode() == osdp.CmdID {
				idFrames = append(idFrames, m)
				after = nil
			} else if after == nil && len(idFrames) > 0 {
				after = m
			}
		}
		return after != nil
	}, waitFor, 5*time.Millisecond)

	require.Len(t, idFrames, acu.RetryBudget, "every corrupt reply is charged to the retry budget")
	seq := idFrames[0].Sequence
	assert.NotZero(t, seq)
	for _, m := range idFrames {
		assert.Equal(t, seq, m.Sequence)
	}
	assert.Equal(t, seq, after.Sequence, "the next frame reuses the sequence")
}

func TestClearReplyOnSecureChannelRejected(t *testing.T) {
	tamper, err := payload.LocalStatus{Tamper: true}.MarshalBinary()
	require.NoError(t, err)
	r, cp, id := startRelay(t, pdConfig(1), acu.BusConfig{}, func(cmd *packet.Message, reply []byte) []byte {
		if cmd.CommandCode() != osdp.CmdLocalStatus {
			return reply
		}
		forged, err := packet.Encode(&packet.Message{
			Address:  cmd.Address,
			Reply:    true,
			Sequence: cmd.Sequence,
			UseCRC:   cmd.UseCRC,
			Code:     byte(osdp.ReplyLocalStatus),
			Data:     tamper,
		})
		if err != nil {
			return reply
		}
		return forged
	})
	events := &recorder{}
	cp.Subscribe(events.record)
	require.NoError(t, cp.AddDevice(id, acu.DeviceOptions{Address: 1, UseCRC: true, RequireSecure: true}))
	require.Eventually(t, func() bool { return cp.IsOnline(id, 1) }, waitFor, 5*time.Millisecond)
	handshakes := r.count(osdp.CmdChallenge)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	st, err := cp.LocalStatus(ctx, id, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, st.Tamper)

	// Each forged reply restarts the handshake.
	assert.Greater(t, r.count(osdp.CmdChallenge), handshakes)
	assert.GreaterOrEqual(t, r.count(osdp.CmdLocalStatus), 1)
	_, forged := events.find(func(e acu.Event) bool {
		rr, ok := e.(acu.ReplyReceived)
		return ok && rr.Reply.Code() == osdp.ReplyLocalStatus
	})
	assert.False(t, forged)
}
