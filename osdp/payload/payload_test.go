// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package payload

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/packet"
)

func TestDecodeDeviceIdentification(t *testing.T) {
	data := []byte{0x5C, 0x26, 0x23, 0x19, 0x02, 0x78, 0x56, 0x34, 0x12, 0x03, 0x01, 0x2A}
	r, err := DecodeReply(osdp.ReplyID, data, nil)
	require.NoError(t, err)

	id := r.(DeviceIdentification)
	assert.Equal(t, [3]byte{0x5C, 0x26, 0x23}, id.VendorCode)
	assert.Equal(t, byte(0x19), id.Model)
	assert.Equal(t, uint32(0x12345678), id.SerialNumber)
	assert.Equal(t, byte(42), id.FirmwareBuild)

	out, err := id.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCommunicationSetLayout(t *testing.T) {
	out, err := CommunicationSet{Address: 0x12, BaudRate: 115200}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x00, 0xC2, 0x01, 0x00}, out)

	c, err := DecodeCommand(osdp.CmdCommunicationSet, out, nil)
	require.NoError(t, err)
	assert.Equal(t, CommunicationSet{Address: 0x12, BaudRate: 115200}, c)
}

func TestFileTransferLayout(t *testing.T) {
	ft := FileTransfer{Type: 1, Total: 1000, Offset: 200, Data: []byte{0xAA, 0xBB}}
	out, err := ft.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xE8, 0x03, 0, 0, 0xC8, 0, 0, 0, 0x02, 0x00, 0xAA, 0xBB}, out)

	c, err := DecodeCommand(osdp.CmdFileTransfer, out, nil)
	require.NoError(t, err)
	assert.Equal(t, ft, c)
	assert.Equal(t, packet.Fragment{Whole: 1000, Offset: 200, Data: []byte{0xAA, 0xBB}}, c.(FileTransfer).Fragment())

	_, err = DecodeCommand(osdp.CmdFileTransfer, out[:len(out)-1], nil)
	assert.ErrorIs(t, err, osdp.ErrInvalidPayload)
}

func TestFileTransferStatusSigned(t *testing.T) {
	r, err := DecodeReply(osdp.ReplyFileTransferStatus, []byte{0x00, 0x64, 0x00, 0xFF, 0xFF, 0x80, 0x00}, nil)
	require.NoError(t, err)
	st := r.(FileTransferStatus)
	assert.Equal(t, FileTransferAbort, st.Status)
	assert.Equal(t, uint16(100), st.Delay)
	assert.Equal(t, uint16(128), st.UpdateMsgMax)
}

func TestHandshakePayloadsNeedSecurityBlock(t *testing.T) {
	rnd := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	_, err := DecodeCommand(osdp.CmdChallenge, rnd, nil)
	assert.ErrorIs(t, err, osdp.ErrInvalidPayload)

	c, err := DecodeCommand(osdp.CmdChallenge, rnd, Challenge{KeyType: osdp.KeyTypeInstalled}.SecurityBlock())
	require.NoError(t, err)
	assert.Equal(t, Challenge{KeyType: osdp.KeyTypeInstalled, RndA: rnd}, c)

	cc := ClientCryptogram{KeyType: osdp.KeyTypeDefault, UID: rnd, RndB: rnd, Cryptogram: make([]byte, 16)}
	data, err := cc.MarshalBinary()
	require.NoError(t, err)
	r, err := DecodeReply(osdp.ReplyClientCryptogram, data, cc.SecurityBlock())
	require.NoError(t, err)
	assert.Equal(t, osdp.KeyTypeDefault, r.(ClientCryptogram).KeyType)

	_, err = DecodeReply(osdp.ReplyInitialRMAC, make([]byte, 16), &packet.SecurityBlock{Type: osdp.SCBInitialRMAC, Data: []byte{0xFF}})
	assert.ErrorIs(t, err, osdp.ErrInvalidPayload)
}

func TestPIVDataHeader(t *testing.T) {
	p := PIVData{WholeLength: 300, Offset: 128, Data: []byte{1, 2, 3}}
	out, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2C, 0x01, 0x80, 0x00, 0x03, 0x00, 1, 2, 3}, out)

	r, err := DecodeReply(osdp.ReplyPIVData, out, nil)
	require.NoError(t, err)
	assert.Equal(t, p, r)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() error
	}{
		{"poll with data", func() error { _, err := DecodeCommand(osdp.CmdPoll, []byte{1}, nil); return err }},
		{"led partial record", func() error { _, err := DecodeCommand(osdp.CmdLEDControl, make([]byte, 13), nil); return err }},
		{"keyset short key", func() error { _, err := DecodeCommand(osdp.CmdKeySet, []byte{1, 8, 1, 2, 3, 4, 5, 6, 7, 8}, nil); return err }},
		{"raw bit count", func() error { _, err := DecodeReply(osdp.ReplyRawCard, []byte{0, 0, 26, 0, 1, 2}, nil); return err }},
		{"nak empty", func() error { _, err := DecodeReply(osdp.ReplyNak, nil, nil); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(), osdp.ErrInvalidPayload)
		})
	}

	_, err := DecodeCommand(0x99, nil, nil)
	assert.True(t, errors.Is(err, osdp.ErrUnknownType))
}

func TestNakErr(t *testing.T) {
	err := Nak{Error: osdp.ErrorUnknownCommandCode}.Err()
	var nak *osdp.NakError
	require.ErrorAs(t, err, &nak)
	assert.Equal(t, osdp.ErrorUnknownCommandCode, nak.Code)
}
