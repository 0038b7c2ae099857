// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc implements the two OSDP integrity trailers: the CRC-16
// (CRC-16/AUG-CCITT, poly 0x1021, seed 0x1D0F, transmitted LSB first) and
// the legacy 8-bit checksum.
package crc

import "github.com/sigurn/crc16"

var table = crc16.MakeTable(crc16.CRC16_AUG_CCITT)

// CRC is a running OSDP CRC-16.
type CRC struct {
	value uint16
}

func (crc *CRC) Reset() *CRC {
	crc.value = crc16.Init(table)
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	crc.value = crc16.Update(crc.value, bs, table)
	return crc
}

func (crc *CRC) Value() uint16 {
	return crc16.Complete(crc.value, table)
}

// Checksum returns the CRC-16 of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, table)
}

// Sum8 returns the 8-bit two's complement of the byte sum of data.
func Sum8(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}
