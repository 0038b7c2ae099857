// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/crc"
)

const (
	headerSize = 5 // SOM, ADDR, LEN_LSB, LEN_MSB, CTRL

	ctrlSequenceMask = 0x03
	ctrlCRC          = 0x04
	ctrlSecurity     = 0x08

	// MinSize is the smallest possible frame: header, code and a checksum.
	MinSize = headerSize + 1 + 1
	// MaxSize is the default upper bound on a declared frame length.
	MaxSize = 1440
)

// SecurityBlock is the Security Control Block of a frame.
type SecurityBlock struct {
	Type osdp.SecurityBlockType
	Data []byte
}

func (sb *SecurityBlock) length() int {
	return 2 + len(sb.Data)
}

// Message is one parsed frame. A decoded Message is not modified afterwards.
type Message struct {
	Address  byte
	Reply    bool
	Sequence byte
	UseCRC   bool
	Security *SecurityBlock
	Code     byte
	Data     []byte
	// MAC holds the truncated MAC for frames whose security block carries one.
	MAC []byte
}

// CommandCode returns the code of a command frame.
func (m *Message) CommandCode() osdp.CommandCode {
	return osdp.CommandCode(m.Code)
}

// ReplyCode returns the code of a reply frame.
func (m *Message) ReplyCode() osdp.ReplyCode {
	return osdp.ReplyCode(m.Code)
}

// HasMAC reports whether the frame carries a MAC.
func (m *Message) HasMAC() bool {
	return m.Security != nil && m.Security.Type.HasMAC()
}

func (m *Message) trailerSize() int {
	if m.UseCRC {
		return 2
	}
	return 1
}

func (m *Message) macSize() int {
	if m.HasMAC() {
		return osdp.MACLength
	}
	return 0
}

// Size returns the encoded length of the frame.
func (m *Message) Size() int {
	n := headerSize + 1 + len(m.Data) + m.macSize() + m.trailerSize()
	if m.Security != nil {
		n += m.Security.length()
	}
	return n
}

func (m *Message) validate() error {
	if m.Address > osdp.ConfigurationAddress {
		return fmt.Errorf("osdp: address 0x%02X out of range", m.Address)
	}
	if m.Sequence > ctrlSequenceMask {
		return fmt.Errorf("osdp: sequence %d out of range", m.Sequence)
	}
	if m.Security != nil && m.Security.length() > 0xFF {
		return fmt.Errorf("osdp: security block too long: %d", m.Security.length())
	}
	if m.Size() > 0xFFFF {
		return fmt.Errorf("osdp: frame too long: %d", m.Size())
	}
	return nil
}

// AuthenticatedBytes returns the bytes from SOM through the end of the data,
// with the length field already accounting for MAC and trailer. This is the
// input of the MAC.
func (m *Message) AuthenticatedBytes() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	size := m.Size()
	buf := make([]byte, 0, size)

	addr := m.Address
	if m.Reply {
		addr |= osdp.ReplyFlag
	}
	ctrl := m.Sequence & ctrlSequenceMask
	if m.UseCRC {
		ctrl |= ctrlCRC
	}
	if m.Security != nil {
		ctrl |= ctrlSecurity
	}

	buf = append(buf, osdp.SOM, addr, 0, 0, ctrl)
	binary.LittleEndian.PutUint16(buf[2:], uint16(size))
	if m.Security != nil {
		buf = append(buf, byte(m.Security.length()), byte(m.Security.Type))
		buf = append(buf, m.Security.Data...)
	}
	buf = append(buf, m.Code)
	buf = append(buf, m.Data...)
	return buf, nil
}

// Encode returns the wire form of m, recomputing the length and trailer.
func Encode(m *Message) ([]byte, error) {
	if m.HasMAC() && len(m.MAC) != osdp.MACLength {
		return nil, fmt.Errorf("osdp: frame requires a %d byte MAC, have %d", osdp.MACLength, len(m.MAC))
	}
	buf, err := m.AuthenticatedBytes()
	if err != nil {
		return nil, err
	}
	if m.HasMAC() {
		buf = append(buf, m.MAC...)
	}
	if m.UseCRC {
		var c crc.CRC
		v := c.Reset().PushBytes(buf).Value()
		buf = append(buf, byte(v), byte(v>>8))
	} else {
		buf = append(buf, crc.Sum8(buf))
	}
	return buf, nil
}

// Decode parses exactly one frame. When the frame is intact but its code is
// unknown, Decode returns the parsed Message together with an UnknownType
// error so a PD can still answer it with a NAK.
func Decode(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, osdp.ErrInsufficientData
	}
	if raw[0] != osdp.SOM {
		return nil, osdp.NewFrameError(osdp.BadStartOfMessage, "got 0x%02X", raw[0])
	}
	if len(raw) < headerSize {
		return nil, osdp.NewFrameError(osdp.InsufficientData, "have %d bytes of header", len(raw))
	}

	length := int(binary.LittleEndian.Uint16(raw[2:]))
	ctrl := raw[4]
	m := &Message{
		Address:  raw[1] &^ osdp.ReplyFlag,
		Reply:    raw[1]&osdp.ReplyFlag != 0,
		Sequence: ctrl & ctrlSequenceMask,
		UseCRC:   ctrl&ctrlCRC != 0,
	}
	trailer := m.trailerSize()

	if length < headerSize+1+trailer {
		return nil, osdp.NewFrameError(osdp.LengthMismatch, "declared length %d is below minimum", length)
	}
	if len(raw) < length {
		return nil, osdp.NewFrameError(osdp.InsufficientData, "have %d of %d bytes", len(raw), length)
	}
	if len(raw) > length {
		return nil, osdp.NewFrameError(osdp.LengthMismatch, "have %d bytes, declared %d", len(raw), length)
	}

	body := raw[:length-trailer]
	if m.UseCRC {
		want := binary.LittleEndian.Uint16(raw[length-2:])
		if got := crc.Checksum(body); got != want {
			return nil, osdp.NewFrameError(osdp.ChecksumMismatch, "crc 0x%04X, computed 0x%04X", want, got)
		}
	} else {
		want := raw[length-1]
		if got := crc.Sum8(body); got != want {
			return nil, osdp.NewFrameError(osdp.ChecksumMismatch, "checksum 0x%02X, computed 0x%02X", want, got)
		}
	}

	pos := headerSize
	if ctrl&ctrlSecurity != 0 {
		if pos+2 > len(body) {
			return nil, osdp.NewFrameError(osdp.LengthMismatch, "truncated security block")
		}
		sbLen := int(body[pos])
		if sbLen < 2 || pos+sbLen >= len(body) {
			return nil, osdp.NewFrameError(osdp.LengthMismatch, "security block length %d", sbLen)
		}
		m.Security = &SecurityBlock{
			Type: osdp.SecurityBlockType(body[pos+1]),
			Data: clone(body[pos+2 : pos+sbLen]),
		}
		pos += sbLen
	}

	m.Code = body[pos]
	pos++

	end := len(body)
	if m.HasMAC() {
		end -= osdp.MACLength
		if end < pos {
			return nil, osdp.NewFrameError(osdp.LengthMismatch, "frame too short for MAC")
		}
		m.MAC = clone(body[end:])
	}
	m.Data = clone(body[pos:end])

	if m.Reply && !osdp.ReplyCode(m.Code).Known() {
		return m, osdp.NewFrameError(osdp.UnknownType, "reply 0x%02X", m.Code)
	}
	if !m.Reply && !osdp.CommandCode(m.Code).Known() {
		return m, osdp.NewFrameError(osdp.UnknownType, "command 0x%02X", m.Code)
	}
	return m, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
