// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package capture

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/packet"
	"github.com/ffutop/osdp-gateway/osdp/payload"
	"github.com/ffutop/osdp-gateway/osdp/secure"
)

// Decoded is one replayed frame.
type Decoded struct {
	Record  Record
	Message *packet.Message
	// Data is the plaintext payload, nil when it could not be decrypted.
	Data    []byte
	Command payload.Command
	Reply   payload.Reply
	// Err is set when the frame or its payload could not be decoded.
	Err error
}

// Replayer decodes captured traffic, rebuilding each device's secure
// channel from the handshake frames as they pass.
type Replayer struct {
	key      []byte
	channels map[byte]*secure.Channel
}

// NewReplayer returns a replayer using key as the base key of every
// device. A nil key means the default installation key.
func NewReplayer(key []byte) (*Replayer, error) {
	if key == nil {
		key = osdp.DefaultKey
	}
	if _, err := secure.New(key); err != nil {
		return nil, err
	}
	return &Replayer{key: append([]byte(nil), key...), channels: make(map[byte]*secure.Channel)}, nil
}

func (r *Replayer) channel(address byte) *secure.Channel {
	ch, ok := r.channels[address]
	if !ok {
		ch, _ = secure.New(r.key)
		r.channels[address] = ch
	}
	return ch
}

// Feed decodes one record. Trace records and frames that fail to decode
// are returned with Err set.
func (r *Replayer) Feed(rec Record) Decoded {
	d := Decoded{Record: rec}
	if rec.Direction == Trace {
		d.Err = fmt.Errorf("capture: trace record")
		return d
	}
	msg, err := packet.Decode(rec.Data)
	d.Message = msg
	if err != nil {
		d.Err = err
		return d
	}

	ch := r.channel(msg.Address)
	if !msg.Reply && msg.Sequence == 0 && msg.CommandCode() != osdp.CmdChallenge {
		ch.Reset()
	}

	d.Data = msg.Data
	if msg.HasMAC() {
		if d.Data, err = ch.Open(msg); err != nil {
			d.Data = nil
			d.Err = fmt.Errorf("capture: secured frame: %w", err)
			return d
		}
	}

	if msg.Reply {
		d.Reply, d.Err = payload.DecodeReply(msg.ReplyCode(), d.Data, msg.Security)
		if d.Err == nil {
			d.Err = r.onReply(ch, d.Reply)
		}
	} else {
		d.Command, d.Err = payload.DecodeCommand(msg.CommandCode(), d.Data, msg.Security)
		if d.Err == nil {
			d.Err = r.onCommand(ch, d.Command)
		}
	}
	return d
}

func (r *Replayer) onCommand(ch *secure.Channel, c payload.Command) error {
	if chl, ok := c.(payload.Challenge); ok {
		return ch.SetChallenge(chl.RndA)
	}
	return nil
}

func (r *Replayer) onReply(ch *secure.Channel, rep payload.Reply) error {
	switch rep := rep.(type) {
	case payload.ClientCryptogram:
		if ch.IsInitialized() {
			// Repeated reply to a retried challenge.
			return nil
		}
		return ch.Initialize(rep.UID, rep.RndB, rep.Cryptogram)
	case payload.InitialRMAC:
		if ch.IsEstablished() {
			return nil
		}
		return ch.Establish(rep.RMAC)
	case payload.Nak:
		if rep.Error.IsSecurity() {
			ch.Reset()
		}
	}
	return nil
}

// ReplayAll decodes every capture line read from rd.
func (r *Replayer) ReplayAll(rd io.Reader) ([]Decoded, error) {
	var out []Decoded
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		rec, err := Unmarshal(b)
		if err != nil {
			return out, err
		}
		out = append(out, r.Feed(rec))
	}
	return out, sc.Err()
}
