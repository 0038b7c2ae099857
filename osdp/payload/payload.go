// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package payload is the closed set of OSDP command and reply payloads.
package payload

import (
	"fmt"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/packet"
)

// Command is the data of a frame sent by the ACU.
type Command interface {
	Code() osdp.CommandCode
	MarshalBinary() ([]byte, error)
}

// Reply is the data of a frame sent by a PD.
type Reply interface {
	Code() osdp.ReplyCode
	MarshalBinary() ([]byte, error)
}

// SecurityBlocker is implemented by payloads that must travel with a
// specific security block, namely the handshake steps.
type SecurityBlocker interface {
	SecurityBlock() *packet.SecurityBlock
}

func lengthError(what string, want string, got int) error {
	return fmt.Errorf("%w: %s requires %s bytes, got %d", osdp.ErrInvalidPayload, what, want, got)
}

func exact(what string, data []byte, n int) error {
	if len(data) != n {
		return lengthError(what, fmt.Sprint(n), len(data))
	}
	return nil
}

func atLeast(what string, data []byte, n int) error {
	if len(data) < n {
		return lengthError(what, fmt.Sprintf("at least %d", n), len(data))
	}
	return nil
}

func multipleOf(what string, data []byte, n int) error {
	if len(data)%n != 0 {
		return lengthError(what, fmt.Sprintf("a multiple of %d", n), len(data))
	}
	return nil
}

func keyTypeOf(what string, sb *packet.SecurityBlock) (osdp.KeyType, error) {
	if sb == nil || len(sb.Data) == 0 {
		return 0, fmt.Errorf("%w: %s requires a security block", osdp.ErrInvalidPayload, what)
	}
	return osdp.KeyType(sb.Data[0]), nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
