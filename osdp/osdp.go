// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package osdp holds the protocol constants shared by the frame codec, the
// secure channel and both bus roles.
package osdp

import (
	"bytes"
	"fmt"
)

const (
	// SOM is the start-of-message marker.
	SOM byte = 0x53
	// ReplyFlag is set on the address byte of frames sent by a PD.
	ReplyFlag byte = 0x80
	// ConfigurationAddress is answered by every PD regardless of its address.
	ConfigurationAddress byte = 0x7F
	// MaxAddress is the highest address a PD can be configured with.
	MaxAddress byte = 0x7E
	// MACLength is the number of MAC bytes carried on the wire.
	MACLength = 4
	// KeySize is the AES-128 key size used for SCBK and the session keys.
	KeySize = 16
)

// DefaultKey is SCBK-D, the well-known key used while a PD is in install mode.
var DefaultKey = []byte{
	0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37,
	0x38, 0x39, 0x3A, 0x3B, 0x3C, 0x3D, 0x3E, 0x3F,
}

// IsDefaultKey reports whether key is SCBK-D.
func IsDefaultKey(key []byte) bool {
	return bytes.Equal(key, DefaultKey)
}

// KeyType is the key indicator carried in the handshake security blocks.
type KeyType byte

const (
	KeyTypeDefault   KeyType = 0x00 // SCBK-D
	KeyTypeInstalled KeyType = 0x01 // SCBK
)

// KeyTypeFor returns the key indicator that announces key.
func KeyTypeFor(key []byte) KeyType {
	if IsDefaultKey(key) {
		return KeyTypeDefault
	}
	return KeyTypeInstalled
}

func (k KeyType) String() string {
	switch k {
	case KeyTypeDefault:
		return "SCBK-D"
	case KeyTypeInstalled:
		return "SCBK"
	}
	return fmt.Sprintf("KeyType(0x%02X)", byte(k))
}

// SecurityBlockType is the type byte of a Security Control Block.
type SecurityBlockType byte

const (
	SCBChallenge        SecurityBlockType = 0x11 // osdp_CHLNG
	SCBClientCryptogram SecurityBlockType = 0x12 // osdp_CCRYPT
	SCBServerCryptogram SecurityBlockType = 0x13 // osdp_SCRYPT
	SCBInitialRMAC      SecurityBlockType = 0x14 // osdp_RMAC_I
	SCBCommandMAC       SecurityBlockType = 0x15
	SCBReplyMAC         SecurityBlockType = 0x16
	SCBCommandEncrypted SecurityBlockType = 0x17
	SCBReplyEncrypted   SecurityBlockType = 0x18
)

// HasMAC reports whether frames with this block carry a trailing MAC.
func (t SecurityBlockType) HasMAC() bool {
	return t >= SCBCommandMAC && t <= SCBReplyEncrypted
}

// IsEncrypted reports whether the payload of frames with this block is encrypted.
func (t SecurityBlockType) IsEncrypted() bool {
	return t == SCBCommandEncrypted || t == SCBReplyEncrypted
}

// IsHandshake reports whether the block belongs to the session key exchange.
func (t SecurityBlockType) IsHandshake() bool {
	return t >= SCBChallenge && t <= SCBInitialRMAC
}
