// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package secure implements the OSDP secure channel: the session key
// handshake and per-frame encryption and MAC.
package secure

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/looplab/fsm"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/packet"
)

const (
	StateUnsecured   = "unsecured"
	StateInitialized = "initialized"
	StateEstablished = "established"

	eventInitialize = "initialize"
	eventEstablish  = "establish"
)

var (
	// ErrCryptogramMismatch is returned when a cryptogram does not verify.
	ErrCryptogramMismatch = errors.New("secure: cryptogram mismatch")
	// ErrMACMismatch is returned when a frame MAC or R-MAC_I does not verify.
	ErrMACMismatch = errors.New("secure: MAC mismatch")
	// ErrNotInitialized is returned for handshake steps taken out of order.
	ErrNotInitialized = errors.New("secure: handshake not initialized")
	// ErrBadPadding is returned when decrypted data lacks the 0x80 marker.
	ErrBadPadding = errors.New("secure: bad padding")
)

// Mode is the security level of a channel.
type Mode int

const (
	ModeUnsecured Mode = iota
	ModeInstall
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeInstall:
		return "install"
	case ModeFull:
		return "full"
	}
	return "unsecured"
}

// Option configures a Channel.
type Option func(*Channel)

// WithRandom replaces crypto/rand as the source of challenge numbers.
func WithRandom(r io.Reader) Option {
	return func(c *Channel) { c.random = r }
}

// Channel is the secure channel context of one ACU/PD pair. It is not safe
// for concurrent use; each session owns its channel.
type Channel struct {
	baseKey []byte
	random  io.Reader
	state   *fsm.FSM

	hasChallenge bool
	rndA         []byte
	rndB         []byte
	uid          []byte
	keys         SessionKeys
	server       []byte

	enc  cipher.Block
	mac1 cipher.Block
	mac2 cipher.Block
	cMAC []byte
	rMAC []byte
}

// New returns an unsecured channel for baseKey.
func New(baseKey []byte, opts ...Option) (*Channel, error) {
	if len(baseKey) != osdp.KeySize {
		return nil, fmt.Errorf("secure: base key must be %d bytes, got %d", osdp.KeySize, len(baseKey))
	}
	c := &Channel{
		baseKey: append([]byte(nil), baseKey...),
		random:  rand.Reader,
		state: fsm.NewFSM(
			StateUnsecured,
			fsm.Events{
				{Name: eventInitialize, Src: []string{StateUnsecured}, Dst: StateInitialized},
				{Name: eventEstablish, Src: []string{StateInitialized}, Dst: StateEstablished},
			},
			fsm.Callbacks{},
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key returns the base key.
func (c *Channel) Key() []byte {
	return c.baseKey
}

// KeyType returns the key indicator announced for the base key.
func (c *Channel) KeyType() osdp.KeyType {
	return osdp.KeyTypeFor(c.baseKey)
}

// State returns the handshake state.
func (c *Channel) State() string {
	return c.state.Current()
}

// IsInitialized reports whether random numbers have been exchanged and the
// client cryptogram verified.
func (c *Channel) IsInitialized() bool {
	return !c.state.Is(StateUnsecured)
}

// IsEstablished reports whether frames may be encrypted and authenticated.
func (c *Channel) IsEstablished() bool {
	return c.state.Is(StateEstablished)
}

// Mode returns the current security level.
func (c *Channel) Mode() Mode {
	if !c.IsEstablished() {
		return ModeUnsecured
	}
	if osdp.IsDefaultKey(c.baseKey) {
		return ModeInstall
	}
	return ModeFull
}

// Reset discards all session material.
func (c *Channel) Reset() {
	c.state.SetState(StateUnsecured)
	c.hasChallenge = false
	c.rndA, c.rndB, c.uid, c.server = nil, nil, nil, nil
	c.keys = SessionKeys{}
	c.enc, c.mac1, c.mac2 = nil, nil, nil
	c.cMAC, c.rMAC = nil, nil
}

func (c *Channel) fire(event string) {
	// Transitions are only fired from their source state, so Event cannot fail.
	_ = c.state.Event(context.Background(), event)
}

func (c *Channel) commit(keys SessionKeys) {
	c.keys = keys
	c.enc, _ = aes.NewCipher(keys.Enc)
	c.mac1, _ = aes.NewCipher(keys.MAC1)
	c.mac2, _ = aes.NewCipher(keys.MAC2)
}

// NewChallenge resets the channel and returns a fresh RND.A for osdp_CHLNG.
func (c *Channel) NewChallenge() ([]byte, error) {
	rndA := make([]byte, RandomSize)
	if _, err := io.ReadFull(c.random, rndA); err != nil {
		return nil, fmt.Errorf("secure: read random: %w", err)
	}
	if err := c.SetChallenge(rndA); err != nil {
		return nil, err
	}
	return append([]byte(nil), rndA...), nil
}

// SetChallenge resets the channel and records RND.A as sent in osdp_CHLNG.
func (c *Channel) SetChallenge(rndA []byte) error {
	if len(rndA) != RandomSize {
		return fmt.Errorf("%w: RND.A must be %d bytes", osdp.ErrInvalidPayload, RandomSize)
	}
	c.Reset()
	c.rndA = append([]byte(nil), rndA...)
	c.hasChallenge = true
	return nil
}

// Initialize processes osdp_CCRYPT on the ACU: it derives the session keys
// and verifies the client cryptogram. Nothing is kept unless it verifies.
func (c *Channel) Initialize(uid, rndB, cryptogram []byte) error {
	if !c.hasChallenge || c.IsInitialized() {
		return ErrNotInitialized
	}
	if len(uid) != RandomSize || len(rndB) != RandomSize || len(cryptogram) != CryptogramSize {
		c.Reset()
		return fmt.Errorf("%w: malformed client cryptogram reply", osdp.ErrInvalidPayload)
	}
	keys, err := DeriveKeys(c.baseKey, c.rndA)
	if err != nil {
		c.Reset()
		return err
	}
	if subtle.ConstantTimeCompare(clientCryptogram(keys, c.rndA, rndB), cryptogram) != 1 {
		c.Reset()
		return ErrCryptogramMismatch
	}

	c.commit(keys)
	c.rndB = append([]byte(nil), rndB...)
	c.uid = append([]byte(nil), uid...)
	c.server = serverCryptogram(keys, c.rndA, c.rndB)
	c.fire(eventInitialize)
	return nil
}

// ClientUID returns the cUID reported in osdp_CCRYPT.
func (c *Channel) ClientUID() []byte {
	return c.uid
}

// ServerCryptogram returns the cryptogram sent in osdp_SCRYPT.
func (c *Channel) ServerCryptogram() ([]byte, error) {
	if !c.state.Is(StateInitialized) {
		return nil, ErrNotInitialized
	}
	return append([]byte(nil), c.server...), nil
}

// Establish processes osdp_RMAC_I on the ACU.
func (c *Channel) Establish(rmac []byte) error {
	if !c.state.Is(StateInitialized) {
		return ErrNotInitialized
	}
	expected := initialRMAC(c.keys, c.server)
	if subtle.ConstantTimeCompare(expected, rmac) != 1 {
		c.Reset()
		return ErrMACMismatch
	}
	c.rMAC = expected
	c.cMAC = nil
	c.fire(eventEstablish)
	return nil
}

// AcceptChallenge processes osdp_CHLNG on the PD. It returns RND.B and the
// client cryptogram for osdp_CCRYPT.
func (c *Channel) AcceptChallenge(rndA []byte) (rndB, cryptogram []byte, err error) {
	if err := c.SetChallenge(rndA); err != nil {
		return nil, nil, err
	}
	rndB = make([]byte, RandomSize)
	if _, err := io.ReadFull(c.random, rndB); err != nil {
		c.Reset()
		return nil, nil, fmt.Errorf("secure: read random: %w", err)
	}
	keys, err := DeriveKeys(c.baseKey, c.rndA)
	if err != nil {
		c.Reset()
		return nil, nil, err
	}
	c.commit(keys)
	c.rndB = rndB
	c.server = serverCryptogram(keys, c.rndA, rndB)
	c.fire(eventInitialize)
	return append([]byte(nil), rndB...), clientCryptogram(keys, c.rndA, rndB), nil
}

// VerifyServerCryptogram processes osdp_SCRYPT on the PD and returns R-MAC_I.
func (c *Channel) VerifyServerCryptogram(cryptogram []byte) ([]byte, error) {
	if !c.state.Is(StateInitialized) {
		return nil, ErrNotInitialized
	}
	if subtle.ConstantTimeCompare(c.server, cryptogram) != 1 {
		c.Reset()
		return nil, ErrCryptogramMismatch
	}
	c.rMAC = initialRMAC(c.keys, c.server)
	c.cMAC = nil
	c.fire(eventEstablish)
	return append([]byte(nil), c.rMAC...), nil
}

// ivFor returns the MAC chaining value: R-MAC for commands, C-MAC for replies.
func (c *Channel) ivFor(command bool) []byte {
	iv := c.cMAC
	if command {
		iv = c.rMAC
	}
	if iv == nil {
		return make([]byte, aes.BlockSize)
	}
	return iv
}

func (c *Channel) computeMAC(data []byte, command bool) []byte {
	buf := append([]byte(nil), data...)
	if len(buf)%aes.BlockSize != 0 || len(buf) == 0 {
		buf = pad(buf)
	}

	mac := append([]byte(nil), c.ivFor(command)...)
	blocks := len(buf) / aes.BlockSize
	for i := 0; i < blocks; i++ {
		subtle.XORBytes(mac, mac, buf[i*aes.BlockSize:(i+1)*aes.BlockSize])
		if i == blocks-1 {
			c.mac2.Encrypt(mac, mac)
		} else {
			c.mac1.Encrypt(mac, mac)
		}
	}
	return mac
}

func (c *Channel) storeMAC(mac []byte, command bool) {
	if command {
		c.cMAC = mac
	} else {
		c.rMAC = mac
	}
}

// MAC computes the full MAC of data, chaining it into the session.
func (c *Channel) MAC(data []byte, command bool) ([]byte, error) {
	if !c.IsEstablished() {
		return nil, osdp.ErrSecureChannelRequired
	}
	mac := c.computeMAC(data, command)
	c.storeMAC(mac, command)
	return append([]byte(nil), mac...), nil
}

func (c *Channel) encryptIV(command bool) []byte {
	iv := append([]byte(nil), c.ivFor(command)...)
	for i := range iv {
		iv[i] = ^iv[i]
	}
	return iv
}

// Encrypt encrypts data under S-ENC. The IV is the complement of the last
// MAC of the other direction.
func (c *Channel) Encrypt(data []byte, command bool) ([]byte, error) {
	if !c.IsEstablished() {
		return nil, osdp.ErrSecureChannelRequired
	}
	buf := pad(append([]byte(nil), data...))
	cipher.NewCBCEncrypter(c.enc, c.encryptIV(command)).CryptBlocks(buf, buf)
	return buf, nil
}

// Decrypt reverses Encrypt.
func (c *Channel) Decrypt(data []byte, command bool) ([]byte, error) {
	if !c.IsEstablished() {
		return nil, osdp.ErrSecureChannelRequired
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: encrypted data length %d", osdp.ErrInvalidPayload, len(data))
	}
	buf := append([]byte(nil), data...)
	cipher.NewCBCDecrypter(c.enc, c.encryptIV(command)).CryptBlocks(buf, buf)
	return unpad(buf)
}

// Seal returns a copy of m carrying a MAC, with its data encrypted when
// there is any. The security block type is chosen from the direction.
func (c *Channel) Seal(m *packet.Message) (*packet.Message, error) {
	if !c.IsEstablished() {
		return nil, osdp.ErrSecureChannelRequired
	}
	command := !m.Reply
	out := *m
	out.MAC = nil

	sbType := osdp.SCBReplyMAC
	if command {
		sbType = osdp.SCBCommandMAC
	}
	if len(m.Data) > 0 {
		sbType = osdp.SCBReplyEncrypted
		if command {
			sbType = osdp.SCBCommandEncrypted
		}
		enc, err := c.Encrypt(m.Data, command)
		if err != nil {
			return nil, err
		}
		out.Data = enc
	}
	out.Security = &packet.SecurityBlock{Type: sbType}

	auth, err := out.AuthenticatedBytes()
	if err != nil {
		return nil, err
	}
	mac, err := c.MAC(auth, command)
	if err != nil {
		return nil, err
	}
	out.MAC = mac[:osdp.MACLength]
	return &out, nil
}

// Open verifies the MAC of m and returns its plaintext data. The session is
// only advanced when both the MAC and the padding verify.
func (c *Channel) Open(m *packet.Message) ([]byte, error) {
	if !c.IsEstablished() {
		return nil, osdp.ErrSecureChannelRequired
	}
	if !m.HasMAC() {
		return nil, fmt.Errorf("%w: frame carries no MAC", osdp.ErrInvalidPayload)
	}
	command := !m.Reply
	auth, err := m.AuthenticatedBytes()
	if err != nil {
		return nil, err
	}
	mac := c.computeMAC(auth, command)
	if subtle.ConstantTimeCompare(mac[:osdp.MACLength], m.MAC) != 1 {
		return nil, ErrMACMismatch
	}

	data := m.Data
	if m.Security.Type.IsEncrypted() {
		// Decryption uses the chaining value from before this frame's MAC.
		iv := c.encryptIV(command)
		if len(data) == 0 || len(data)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: encrypted data length %d", osdp.ErrInvalidPayload, len(data))
		}
		buf := append([]byte(nil), data...)
		cipher.NewCBCDecrypter(c.enc, iv).CryptBlocks(buf, buf)
		if data, err = unpad(buf); err != nil {
			return nil, err
		}
	}
	c.storeMAC(mac, command)
	return data, nil
}

// pad appends 0x80 and zeros up to the block boundary.
func pad(b []byte) []byte {
	b = append(b, 0x80)
	for len(b)%aes.BlockSize != 0 {
		b = append(b, 0x00)
	}
	return b
}

func unpad(b []byte) ([]byte, error) {
	trimmed := bytes.TrimRight(b, "\x00")
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != 0x80 || len(b)-len(trimmed) >= aes.BlockSize {
		return nil, ErrBadPadding
	}
	return trimmed[:len(trimmed)-1], nil
}
