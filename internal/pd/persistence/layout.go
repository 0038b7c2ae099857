// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ffutop/osdp-gateway/internal/pd/model"
	"github.com/ffutop/osdp-gateway/osdp/crc"
)

// Record layout, little endian:
//
//	0  magic "OSDP"
//	4  layout version
//	5  address
//	6  baud rate (4)
//	10 flags: bit 0 key present, bit 1 secure channel required
//	11 key (16)
//	27 vendor code (3)
//	30 model
//	31 version
//	32 serial number (4)
//	36 firmware major, minor, build
//	39 CRC-16 of bytes 0..38
//
// A record of zeros means nothing was saved.
const (
	recordVersion = 1
	recordSize    = 41
	totalSize     = 64

	offsetVersion  = 4
	offsetAddress  = 5
	offsetBaud     = 6
	offsetFlags    = 10
	offsetKey      = 11
	offsetVendor   = 27
	offsetModel    = 30
	offsetModelVer = 31
	offsetSerial   = 32
	offsetFirmware = 36
	offsetCRC      = 39

	flagKey           = 1 << 0
	flagRequireSecure = 1 << 1
)

var recordMagic = [4]byte{'O', 'S', 'D', 'P'}

var errCorruptRecord = errors.New("corrupt configuration record")

// encodeRecord writes cfg into data, which must hold recordSize bytes.
func encodeRecord(data []byte, cfg model.DeviceConfig) {
	rec := data[:recordSize]
	clear(rec)
	copy(rec, recordMagic[:])
	rec[offsetVersion] = recordVersion
	rec[offsetAddress] = cfg.Address
	binary.LittleEndian.PutUint32(rec[offsetBaud:], cfg.BaudRate)
	var flags byte
	if cfg.Key != nil {
		flags |= flagKey
		copy(rec[offsetKey:offsetKey+16], cfg.Key)
	}
	if cfg.RequireSecure {
		flags |= flagRequireSecure
	}
	rec[offsetFlags] = flags
	copy(rec[offsetVendor:], cfg.VendorCode[:])
	rec[offsetModel] = cfg.Model
	rec[offsetModelVer] = cfg.Version
	binary.LittleEndian.PutUint32(rec[offsetSerial:], cfg.SerialNumber)
	rec[offsetFirmware] = cfg.FirmwareMajor
	rec[offsetFirmware+1] = cfg.FirmwareMinor
	rec[offsetFirmware+2] = cfg.FirmwareBuild
	binary.LittleEndian.PutUint16(rec[offsetCRC:], crc.Checksum(rec[:offsetCRC]))
}

// decodeRecord reads a record written by encodeRecord.
func decodeRecord(data []byte) (model.DeviceConfig, bool, error) {
	if len(data) < recordSize {
		return model.DeviceConfig{}, false, errCorruptRecord
	}
	rec := data[:recordSize]
	empty := true
	for _, b := range rec {
		if b != 0 {
			empty = false
			break
		}
	}
	if empty {
		return model.DeviceConfig{}, false, nil
	}
	if [4]byte(rec[:4]) != recordMagic {
		return model.DeviceConfig{}, false, fmt.Errorf("%w: bad magic", errCorruptRecord)
	}
	if rec[offsetVersion] != recordVersion {
		return model.DeviceConfig{}, false, fmt.Errorf("%w: unknown version %d", errCorruptRecord, rec[offsetVersion])
	}
	if binary.LittleEndian.Uint16(rec[offsetCRC:]) != crc.Checksum(rec[:offsetCRC]) {
		return model.DeviceConfig{}, false, fmt.Errorf("%w: checksum mismatch", errCorruptRecord)
	}

	cfg := model.DeviceConfig{
		Address:       rec[offsetAddress],
		BaudRate:      binary.LittleEndian.Uint32(rec[offsetBaud:]),
		RequireSecure: rec[offsetFlags]&flagRequireSecure != 0,
		Model:         rec[offsetModel],
		Version:       rec[offsetModelVer],
		SerialNumber:  binary.LittleEndian.Uint32(rec[offsetSerial:]),
		FirmwareMajor: rec[offsetFirmware],
		FirmwareMinor: rec[offsetFirmware+1],
		FirmwareBuild: rec[offsetFirmware+2],
	}
	if rec[offsetFlags]&flagKey != 0 {
		cfg.Key = append([]byte(nil), rec[offsetKey:offsetKey+16]...)
	}
	copy(cfg.VendorCode[:], rec[offsetVendor:offsetVendor+3])
	return cfg, true, nil
}
