// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package pd

import (
	"errors"
	"sync"

	"github.com/ffutop/osdp-gateway/internal/pd/model"
	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/payload"
)

// ErrUnsupported is returned by a Handler for commands it does not
// implement. The device answers them with NAK UnknownCommandCode.
var ErrUnsupported = errors.New("pd: command not supported")

// Handler answers the application commands of a device. The protocol
// commands (handshake, COMSET, KEYSET, ACURXSIZE, POLL) never reach it.
//
// A Handler may return an *osdp.NakError to reject a command with a
// specific error code.
type Handler interface {
	Handle(cmd payload.Command) (payload.Reply, error)
}

// FileReceiver is implemented by handlers that accept osdp_FILETRANSFER.
// ReceiveFile is called once with the whole file. While it reports
// FileTransferFinishing, the ACU keeps asking and FileStatus answers.
type FileReceiver interface {
	ReceiveFile(fileType byte, data []byte) payload.FileTransferStatus
	FileStatus() payload.FileTransferStatus
}

// PIVSource is implemented by handlers that serve PIV data objects.
type PIVSource interface {
	PIVObject(req payload.GetPIVData) ([]byte, error)
}

// BasicHandler is a minimal reader: it reports its identity from the
// configuration store, keeps output state, and accepts LED, buzzer and text
// commands without acting on them. Received files and PIV objects are held
// in memory.
type BasicHandler struct {
	store *model.Store

	mu      sync.Mutex
	outputs []byte
	tamper  bool
	files   map[byte][]byte
	piv     map[[3]byte][]byte
}

// NewBasicHandler returns a handler with the given number of outputs.
func NewBasicHandler(store *model.Store, outputs int) *BasicHandler {
	return &BasicHandler{
		store:   store,
		outputs: make([]byte, outputs),
		files:   make(map[byte][]byte),
		piv:     make(map[[3]byte][]byte),
	}
}

func (h *BasicHandler) Handle(cmd payload.Command) (payload.Reply, error) {
	switch c := cmd.(type) {
	case payload.IDRequest:
		return h.store.Load().Identification(), nil
	case payload.CapabilitiesRequest:
		return h.capabilities(), nil
	case payload.LocalStatusRequest:
		h.mu.Lock()
		defer h.mu.Unlock()
		return payload.LocalStatus{Tamper: h.tamper}, nil
	case payload.OutputStatusRequest:
		return payload.OutputStatus{Outputs: h.Outputs()}, nil
	case payload.OutputControls:
		return h.outputControl(c)
	case payload.LEDControls, payload.BuzzerControl, payload.TextOutput, payload.KeepActive, payload.Abort:
		return payload.Ack{}, nil
	}
	return nil, ErrUnsupported
}

func (h *BasicHandler) capabilities() payload.DeviceCapabilities {
	return payload.DeviceCapabilities{Capabilities: []payload.Capability{
		{Function: 1, Compliance: 1, Number: 0},
		{Function: 2, Compliance: 1, Number: byte(len(h.outputs))},
		{Function: payload.CapabilityCheckCharacter, Compliance: 1},
		{Function: payload.CapabilityCommunicationSecurity, Compliance: 1, Number: 1},
		{Function: payload.CapabilityReceiveBufferSize, Compliance: byte(maxCommandSize & 0xFF), Number: byte(maxCommandSize >> 8)},
	}}
}

func (h *BasicHandler) outputControl(c payload.OutputControls) (payload.Reply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range c.Controls {
		if int(o.Output) >= len(h.outputs) {
			return nil, &osdp.NakError{Code: osdp.ErrorUnableToProcessCommand}
		}
	}
	for _, o := range c.Controls {
		switch o.Control {
		case 1, 3, 6:
			h.outputs[o.Output] = 0
		case 2, 4, 5:
			h.outputs[o.Output] = 1
		}
	}
	return payload.OutputStatus{Outputs: append([]byte(nil), h.outputs...)}, nil
}

// Outputs returns the state of every output, 1 for active.
func (h *BasicHandler) Outputs() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.outputs...)
}

// SetTamper sets the tamper flag reported in osdp_LSTATR.
func (h *BasicHandler) SetTamper(tamper bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tamper = tamper
}

func (h *BasicHandler) ReceiveFile(fileType byte, data []byte) payload.FileTransferStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[fileType] = append([]byte(nil), data...)
	return payload.FileTransferStatus{Status: payload.FileTransferProcessed}
}

func (h *BasicHandler) FileStatus() payload.FileTransferStatus {
	return payload.FileTransferStatus{Status: payload.FileTransferProcessed}
}

// File returns the last file received with fileType.
func (h *BasicHandler) File(fileType byte) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.files[fileType]
	return b, ok
}

// SetPIVObject installs the data returned for a PIV object id.
func (h *BasicHandler) SetPIVObject(id [3]byte, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.piv[id] = append([]byte(nil), data...)
}

func (h *BasicHandler) PIVObject(req payload.GetPIVData) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.piv[req.ObjectID]
	if !ok {
		return nil, &osdp.NakError{Code: osdp.ErrorUnableToProcessCommand}
	}
	return b, nil
}
