// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package secure

import (
	"crypto/aes"
	"fmt"

	"github.com/ffutop/osdp-gateway/osdp"
)

const (
	purposeEnc  = 0x82
	purposeMAC1 = 0x01
	purposeMAC2 = 0x02

	// RandomSize is the size of RND.A, RND.B and the client UID.
	RandomSize = 8
	// CryptogramSize is the size of both cryptograms and of R-MAC_I.
	CryptogramSize = aes.BlockSize
)

// SessionKeys are the keys derived for one secure session.
type SessionKeys struct {
	Enc  []byte // S-ENC
	MAC1 []byte // S-MAC1
	MAC2 []byte // S-MAC2
}

// DeriveKeys derives S-ENC, S-MAC1 and S-MAC2 from the base key and the
// ACU's random number. Each key is AES-ECB of {0x01, purpose, RND.A[0..5], 0...}.
func DeriveKeys(baseKey, rndA []byte) (SessionKeys, error) {
	if len(baseKey) != osdp.KeySize {
		return SessionKeys{}, fmt.Errorf("secure: base key must be %d bytes, got %d", osdp.KeySize, len(baseKey))
	}
	if len(rndA) != RandomSize {
		return SessionKeys{}, fmt.Errorf("%w: RND.A must be %d bytes, got %d", osdp.ErrInvalidPayload, RandomSize, len(rndA))
	}
	block, err := aes.NewCipher(baseKey)
	if err != nil {
		return SessionKeys{}, err
	}

	derive := func(purpose byte) []byte {
		in := make([]byte, aes.BlockSize)
		in[0] = 0x01
		in[1] = purpose
		copy(in[2:8], rndA[:6])
		out := make([]byte, aes.BlockSize)
		block.Encrypt(out, in)
		return out
	}

	return SessionKeys{
		Enc:  derive(purposeEnc),
		MAC1: derive(purposeMAC1),
		MAC2: derive(purposeMAC2),
	}, nil
}

func encryptBlock(key, a, b []byte) []byte {
	block, _ := aes.NewCipher(key)
	in := make([]byte, 0, aes.BlockSize)
	in = append(in, a...)
	in = append(in, b...)
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, in)
	return out
}

// clientCryptogram is AES(S-ENC, RND.A || RND.B).
func clientCryptogram(keys SessionKeys, rndA, rndB []byte) []byte {
	return encryptBlock(keys.Enc, rndA, rndB)
}

// serverCryptogram is AES(S-ENC, RND.B || RND.A).
func serverCryptogram(keys SessionKeys, rndA, rndB []byte) []byte {
	return encryptBlock(keys.Enc, rndB, rndA)
}

// initialRMAC is AES(S-MAC2, AES(S-MAC1, server cryptogram)).
func initialRMAC(keys SessionKeys, server []byte) []byte {
	first := encryptBlock(keys.MAC1, server, nil)
	return encryptBlock(keys.MAC2, first, nil)
}
