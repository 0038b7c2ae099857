// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package osdp

import (
	"errors"
	"fmt"
)

// FrameErrorKind classifies a framing failure.
type FrameErrorKind int

const (
	// InsufficientData means more bytes are needed; the caller should wait.
	InsufficientData FrameErrorKind = iota + 1
	// LengthMismatch means the declared length is impossible for the bytes given.
	LengthMismatch
	// ChecksumMismatch means the CRC-16 or checksum trailer did not validate.
	ChecksumMismatch
	// UnknownType means the frame is intact but its command or reply code is not known.
	UnknownType
	// BadStartOfMessage means the first byte is not SOM.
	BadStartOfMessage
)

func (k FrameErrorKind) String() string {
	switch k {
	case InsufficientData:
		return "insufficient data"
	case LengthMismatch:
		return "length mismatch"
	case ChecksumMismatch:
		return "checksum mismatch"
	case UnknownType:
		return "unknown type"
	case BadStartOfMessage:
		return "bad start of message"
	}
	return "unknown frame error"
}

// FrameError reports a malformed, incomplete or corrupt frame.
type FrameError struct {
	Kind   FrameErrorKind
	Detail string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return "osdp: " + e.Kind.String()
	}
	return fmt.Sprintf("osdp: %s: %s", e.Kind, e.Detail)
}

// Is matches any FrameError of the same kind, so errors.Is(err, ErrChecksumMismatch)
// works regardless of the detail text.
func (e *FrameError) Is(target error) bool {
	t, ok := target.(*FrameError)
	return ok && t.Kind == e.Kind
}

// Recoverable reports whether the caller should keep buffering instead of
// discarding the bytes.
func (e *FrameError) Recoverable() bool {
	return e.Kind == InsufficientData
}

// NewFrameError builds a FrameError with a formatted detail.
func NewFrameError(kind FrameErrorKind, format string, args ...interface{}) *FrameError {
	return &FrameError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

var (
	ErrInsufficientData  = &FrameError{Kind: InsufficientData}
	ErrLengthMismatch    = &FrameError{Kind: LengthMismatch}
	ErrChecksumMismatch  = &FrameError{Kind: ChecksumMismatch}
	ErrUnknownType       = &FrameError{Kind: UnknownType}
	ErrBadStartOfMessage = &FrameError{Kind: BadStartOfMessage}
)

var (
	// ErrSecureChannelRequired is returned by encryption and MAC operations
	// attempted before the secure channel is established.
	ErrSecureChannelRequired = errors.New("osdp: secure channel required")
	// ErrSecureChannelKeyTypeMismatch is returned when the PD answers a
	// challenge with a different key type than the ACU announced.
	ErrSecureChannelKeyTypeMismatch = errors.New("osdp: secure channel key type mismatch")
	// ErrInvalidPayload is returned for command or reply data that cannot be valid.
	ErrInvalidPayload = errors.New("osdp: invalid payload")
)

// NakError is a command rejected by the PD with an osdp_NAK.
type NakError struct {
	Code ErrorCode
}

func (e *NakError) Error() string {
	return fmt.Sprintf("osdp: command rejected: %s", e.Code)
}
