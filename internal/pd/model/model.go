// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/atomic"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/payload"
)

// BaudRates are the line speeds a PD accepts in osdp_COMSET.
var BaudRates = []uint32{9600, 19200, 38400, 57600, 115200, 230400}

// DeviceConfig is the persistent configuration of a PD. It is a value:
// changing it means building a new one with the With methods.
type DeviceConfig struct {
	Address  byte
	BaudRate uint32
	// Key is the secure channel base key, nil for the default key.
	Key           []byte
	RequireSecure bool

	VendorCode    [3]byte
	Model         byte
	Version       byte
	SerialNumber  uint32
	FirmwareMajor byte
	FirmwareMinor byte
	FirmwareBuild byte
}

// Default returns the factory configuration.
func Default() DeviceConfig {
	return DeviceConfig{Address: 0, BaudRate: 9600}
}

func (c DeviceConfig) WithAddress(address byte) DeviceConfig {
	c.Address = address
	return c
}

func (c DeviceConfig) WithBaudRate(baud uint32) DeviceConfig {
	c.BaudRate = baud
	return c
}

func (c DeviceConfig) WithKey(key []byte) DeviceConfig {
	if key == nil {
		c.Key = nil
	} else {
		c.Key = append([]byte(nil), key...)
	}
	return c
}

// SecureKey returns the base key, the default key when none is installed.
func (c DeviceConfig) SecureKey() []byte {
	if c.Key == nil {
		return osdp.DefaultKey
	}
	return c.Key
}

// Identification returns the osdp_PDID reply for this device.
func (c DeviceConfig) Identification() payload.DeviceIdentification {
	return payload.DeviceIdentification{
		VendorCode:    c.VendorCode,
		Model:         c.Model,
		Version:       c.Version,
		SerialNumber:  c.SerialNumber,
		FirmwareMajor: c.FirmwareMajor,
		FirmwareMinor: c.FirmwareMinor,
		FirmwareBuild: c.FirmwareBuild,
	}
}

// ClientUID is the 8-byte cUID sent in osdp_CCRYPT.
func (c DeviceConfig) ClientUID() []byte {
	uid := append(c.VendorCode[:], c.Model)
	return binary.LittleEndian.AppendUint32(uid, c.SerialNumber)
}

// ValidBaudRate reports whether baud is one of BaudRates.
func ValidBaudRate(baud uint32) bool {
	for _, b := range BaudRates {
		if b == baud {
			return true
		}
	}
	return false
}

func (c DeviceConfig) Validate() error {
	if c.Address > osdp.MaxAddress {
		return fmt.Errorf("address %d out of range", c.Address)
	}
	if !ValidBaudRate(c.BaudRate) {
		return fmt.Errorf("unsupported baud rate %d", c.BaudRate)
	}
	if c.Key != nil && len(c.Key) != osdp.KeySize {
		return fmt.Errorf("key must be %d bytes, got %d", osdp.KeySize, len(c.Key))
	}
	return nil
}

// Store holds the current configuration. Readers always see a complete
// value; writers replace it as a whole.
type Store struct {
	v atomic.Pointer[DeviceConfig]
}

func NewStore(c DeviceConfig) *Store {
	s := &Store{}
	s.v.Store(&c)
	return s
}

func (s *Store) Load() DeviceConfig {
	return *s.v.Load()
}

// Update applies fn to the current configuration and installs the result.
// It returns the previous and the new value.
func (s *Store) Update(fn func(DeviceConfig) DeviceConfig) (old, updated DeviceConfig) {
	for {
		cur := s.v.Load()
		next := fn(*cur)
		if s.v.CompareAndSwap(cur, &next) {
			return *cur, next
		}
	}
}
