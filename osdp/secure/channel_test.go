// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package secure

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/packet"
)

var (
	rndA = []byte{0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7}
	rndB = []byte{0xC0, 0xC1, 0xC2, 0xC3, 0xC4, 0xC5, 0xC6, 0xC7}
	cuid = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDeriveKeysGolden(t *testing.T) {
	keys, err := DeriveKeys(osdp.DefaultKey, rndA)
	require.NoError(t, err)

	assert.Equal(t, unhex(t, "bf8dc2a8329acb8c67c6d0cd9a451682"), keys.Enc)
	assert.Equal(t, unhex(t, "5e86c676603bdee2d8beafe178637332"), keys.MAC1)
	assert.Equal(t, unhex(t, "6fda86e857777e81132035758239172e"), keys.MAC2)

	assert.Equal(t, unhex(t, "790717896907b380e88c1b3673093663"), clientCryptogram(keys, rndA, rndB))
	server := serverCryptogram(keys, rndA, rndB)
	assert.Equal(t, unhex(t, "b61c38d70983adbbacc6674fa2c74ad1"), server)
	assert.Equal(t, unhex(t, "229f8a663249095ac8cb8c2faace8644"), initialRMAC(keys, server))
}

func TestDeriveKeysRejectsSizes(t *testing.T) {
	_, err := DeriveKeys(osdp.DefaultKey[:8], rndA)
	assert.Error(t, err)
	_, err = DeriveKeys(osdp.DefaultKey, rndA[:4])
	assert.ErrorIs(t, err, osdp.ErrInvalidPayload)
}

// handshake drives both sides through CHLNG, CCRYPT, SCRYPT and RMAC_I.
func handshake(t *testing.T, acuKey, pdKey []byte) (*Channel, *Channel) {
	t.Helper()
	acu, err := New(acuKey, WithRandom(bytes.NewReader(rndA)))
	require.NoError(t, err)
	pd, err := New(pdKey, WithRandom(bytes.NewReader(rndB)))
	require.NoError(t, err)

	a, err := acu.NewChallenge()
	require.NoError(t, err)
	b, client, err := pd.AcceptChallenge(a)
	require.NoError(t, err)
	require.NoError(t, acu.Initialize(cuid, b, client))

	server, err := acu.ServerCryptogram()
	require.NoError(t, err)
	rmac, err := pd.VerifyServerCryptogram(server)
	require.NoError(t, err)
	require.NoError(t, acu.Establish(rmac))
	return acu, pd
}

func TestHandshakeEstablishes(t *testing.T) {
	acu, err := New(osdp.DefaultKey, WithRandom(bytes.NewReader(rndA)))
	require.NoError(t, err)
	pd, err := New(osdp.DefaultKey, WithRandom(bytes.NewReader(rndB)))
	require.NoError(t, err)

	_, err = acu.Encrypt([]byte{1}, true)
	assert.ErrorIs(t, err, osdp.ErrSecureChannelRequired)
	_, err = acu.MAC([]byte{1}, true)
	assert.ErrorIs(t, err, osdp.ErrSecureChannelRequired)

	a, err := acu.NewChallenge()
	require.NoError(t, err)
	assert.Equal(t, StateUnsecured, acu.State())

	b, client, err := pd.AcceptChallenge(a)
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, pd.State())
	assert.False(t, pd.IsEstablished())

	require.NoError(t, acu.Initialize(cuid, b, client))
	assert.Equal(t, StateInitialized, acu.State())
	assert.Equal(t, cuid, acu.ClientUID())
	_, err = acu.Encrypt([]byte{1}, true)
	assert.ErrorIs(t, err, osdp.ErrSecureChannelRequired)

	server, err := acu.ServerCryptogram()
	require.NoError(t, err)
	rmac, err := pd.VerifyServerCryptogram(server)
	require.NoError(t, err)
	assert.True(t, pd.IsEstablished())

	require.NoError(t, acu.Establish(rmac))
	assert.True(t, acu.IsEstablished())
	assert.Equal(t, ModeInstall, acu.Mode())

	// A second RMAC_I does not establish twice.
	assert.ErrorIs(t, acu.Establish(rmac), ErrNotInitialized)
	assert.True(t, acu.IsEstablished())
}

func TestHandshakeWrongKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	acu, err := New(key, WithRandom(bytes.NewReader(rndA)))
	require.NoError(t, err)
	pd, err := New(osdp.DefaultKey, WithRandom(bytes.NewReader(rndB)))
	require.NoError(t, err)

	a, err := acu.NewChallenge()
	require.NoError(t, err)
	b, client, err := pd.AcceptChallenge(a)
	require.NoError(t, err)

	err = acu.Initialize(cuid, b, client)
	assert.ErrorIs(t, err, ErrCryptogramMismatch)
	assert.False(t, acu.IsInitialized())
	_, err = acu.ServerCryptogram()
	assert.ErrorIs(t, err, ErrNotInitialized, "no partial key material is kept")
}

func TestPDRejectsServerCryptogram(t *testing.T) {
	pd, err := New(osdp.DefaultKey, WithRandom(bytes.NewReader(rndB)))
	require.NoError(t, err)
	_, _, err = pd.AcceptChallenge(rndA)
	require.NoError(t, err)

	_, err = pd.VerifyServerCryptogram(make([]byte, 16))
	assert.ErrorIs(t, err, ErrCryptogramMismatch)
	assert.Equal(t, StateUnsecured, pd.State())
}

func TestEstablishRejectsRMAC(t *testing.T) {
	acu, err := New(osdp.DefaultKey, WithRandom(bytes.NewReader(rndA)))
	require.NoError(t, err)
	pd, err := New(osdp.DefaultKey, WithRandom(bytes.NewReader(rndB)))
	require.NoError(t, err)
	a, _ := acu.NewChallenge()
	b, client, _ := pd.AcceptChallenge(a)
	require.NoError(t, acu.Initialize(cuid, b, client))

	assert.ErrorIs(t, acu.Establish(make([]byte, 16)), ErrMACMismatch)
	assert.Equal(t, StateUnsecured, acu.State())
}

func TestFirstCommandMAC(t *testing.T) {
	acu, _ := handshake(t, osdp.DefaultKey, osdp.DefaultKey)

	m := &packet.Message{Address: 1, Sequence: 1, UseCRC: true, Code: byte(osdp.CmdPoll)}
	sealed, err := acu.Seal(m)
	require.NoError(t, err)
	assert.Equal(t, osdp.SCBCommandMAC, sealed.Security.Type)
	assert.Equal(t, unhex(t, "605d2642"), sealed.MAC)
}

func TestSealOpenChain(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	acu, pd := handshake(t, key, key)
	assert.Equal(t, ModeFull, acu.Mode())

	exchanges := []struct {
		cmd   []byte
		reply []byte
	}{
		{nil, nil},
		{[]byte{0x00}, bytes.Repeat([]byte{0x5A}, 12)},
		{bytes.Repeat([]byte{0x01}, 16), []byte{0x01, 0x02}},
		{bytes.Repeat([]byte{0x02}, 40), nil},
	}
	for i, ex := range exchanges {
		cmd := &packet.Message{Address: 3, Sequence: byte(i%3 + 1), UseCRC: true, Code: byte(osdp.CmdManufacturer), Data: ex.cmd}
		sealed, err := acu.Seal(cmd)
		require.NoError(t, err)
		raw, err := packet.Encode(sealed)
		require.NoError(t, err)

		got, err := packet.Decode(raw)
		require.NoError(t, err)
		plain, err := pd.Open(got)
		require.NoError(t, err)
		assert.Equal(t, len(ex.cmd), len(plain))
		assert.True(t, bytes.Equal(ex.cmd, plain))

		reply := &packet.Message{Address: 3, Reply: true, Sequence: cmd.Sequence, UseCRC: true, Code: byte(osdp.ReplyManufacturer), Data: ex.reply}
		sealed, err = pd.Seal(reply)
		require.NoError(t, err)
		raw, err = packet.Encode(sealed)
		require.NoError(t, err)

		got, err = packet.Decode(raw)
		require.NoError(t, err)
		plain, err = acu.Open(got)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(ex.reply, plain))
	}
}

func TestOpenRejectsTamperedMAC(t *testing.T) {
	acu, pd := handshake(t, osdp.DefaultKey, osdp.DefaultKey)

	cmd := &packet.Message{Address: 3, Sequence: 1, UseCRC: true, Code: byte(osdp.CmdLEDControl), Data: []byte{1, 2, 3}}
	sealed, err := acu.Seal(cmd)
	require.NoError(t, err)

	tampered := *sealed
	tampered.MAC = append([]byte(nil), sealed.MAC...)
	tampered.MAC[0] ^= 0xFF
	_, err = pd.Open(&tampered)
	assert.ErrorIs(t, err, ErrMACMismatch)

	// The failed frame left the chain untouched, so the genuine one still opens.
	plain, err := pd.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, plain)
}

func TestEncryptPadding(t *testing.T) {
	acu, pd := handshake(t, osdp.DefaultKey, osdp.DefaultKey)

	for _, n := range []int{1, 15, 16, 17, 31} {
		data := bytes.Repeat([]byte{0xEE}, n)
		enc, err := acu.Encrypt(data, true)
		require.NoError(t, err)
		assert.Zero(t, len(enc)%16)
		assert.Greater(t, len(enc), n)

		dec, err := pd.Decrypt(enc, true)
		require.NoError(t, err)
		assert.Equal(t, data, dec)
	}
}

func TestUnpad(t *testing.T) {
	_, err := unpad(make([]byte, 16))
	assert.ErrorIs(t, err, ErrBadPadding)

	b, err := unpad(append([]byte{1, 2, 0x80}, make([]byte, 13)...))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)
}
