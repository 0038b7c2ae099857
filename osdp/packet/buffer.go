// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/osdp-gateway/osdp"
)

// InvalidLengthError reports a declared frame length outside the buffer bounds.
type InvalidLengthError struct {
	Length int
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

// PacketBuffer accumulates bytes delivered by a transport in arbitrary
// chunks and yields complete frames. Bytes before a SOM and SOMs followed by
// an impossible length are discarded.
type PacketBuffer struct {
	MinLength int
	MaxLength int

	buf       []byte
	discarded int
	lastErr   error
}

// NewPacketBuffer returns a buffer accepting frames of MinSize to maxLength
// bytes. A maxLength of zero selects MaxSize.
func NewPacketBuffer(maxLength int) *PacketBuffer {
	if maxLength <= 0 {
		maxLength = MaxSize
	}
	return &PacketBuffer{
		MinLength: MinSize,
		MaxLength: maxLength,
	}
}

// Write appends p to the buffer. It never fails.
func (b *PacketBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, or false if more bytes are needed.
func (b *PacketBuffer) Next() ([]byte, bool) {
	for {
		b.skipToSOM()
		if len(b.buf) < 4 {
			return nil, false
		}
		length := int(binary.LittleEndian.Uint16(b.buf[2:]))
		if length < b.MinLength || length > b.MaxLength {
			b.lastErr = &InvalidLengthError{Length: length}
			b.drop(1)
			continue
		}
		if len(b.buf) < length {
			return nil, false
		}
		frame := make([]byte, length)
		copy(frame, b.buf)
		b.buf = b.buf[length:]
		return frame, true
	}
}

// Buffered returns the number of bytes waiting for a complete frame.
func (b *PacketBuffer) Buffered() int {
	return len(b.buf)
}

// Discarded returns the number of bytes dropped while resynchronizing.
func (b *PacketBuffer) Discarded() int {
	return b.discarded
}

// Err returns the last length violation seen, if any.
func (b *PacketBuffer) Err() error {
	return b.lastErr
}

// Reset drops all buffered bytes.
func (b *PacketBuffer) Reset() {
	b.discarded += len(b.buf)
	b.buf = b.buf[:0]
	b.lastErr = nil
}

func (b *PacketBuffer) skipToSOM() {
	for i, c := range b.buf {
		if c == osdp.SOM {
			b.drop(i)
			return
		}
	}
	b.drop(len(b.buf))
}

func (b *PacketBuffer) drop(n int) {
	if n == 0 {
		return
	}
	b.discarded += n
	b.buf = b.buf[n:]
}
