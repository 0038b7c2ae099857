// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package payload

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/packet"
)

// Ack is osdp_ACK.
type Ack struct{}

func (Ack) Code() osdp.ReplyCode           { return osdp.ReplyAck }
func (Ack) MarshalBinary() ([]byte, error) { return nil, nil }

// Nak is osdp_NAK.
type Nak struct {
	Error osdp.ErrorCode
	Data  []byte
}

func (Nak) Code() osdp.ReplyCode { return osdp.ReplyNak }

func (r Nak) MarshalBinary() ([]byte, error) {
	return append([]byte{byte(r.Error)}, r.Data...), nil
}

// Err returns the NAK as an error.
func (r Nak) Err() error {
	return &osdp.NakError{Code: r.Error}
}

// DeviceIdentification is osdp_PDID.
type DeviceIdentification struct {
	VendorCode    [3]byte
	Model         byte
	Version       byte
	SerialNumber  uint32
	FirmwareMajor byte
	FirmwareMinor byte
	FirmwareBuild byte
}

func (DeviceIdentification) Code() osdp.ReplyCode { return osdp.ReplyID }

func (r DeviceIdentification) MarshalBinary() ([]byte, error) {
	buf := append(r.VendorCode[:], r.Model, r.Version)
	buf = binary.LittleEndian.AppendUint32(buf, r.SerialNumber)
	return append(buf, r.FirmwareMajor, r.FirmwareMinor, r.FirmwareBuild), nil
}

func (r DeviceIdentification) String() string {
	return fmt.Sprintf("vendor %X model %d version %d serial %d firmware %d.%d.%d",
		r.VendorCode[:], r.Model, r.Version, r.SerialNumber, r.FirmwareMajor, r.FirmwareMinor, r.FirmwareBuild)
}

// Capability is one function entry of osdp_PDCAP.
type Capability struct {
	Function   byte
	Compliance byte
	Number     byte
}

// Function codes used by this engine.
const (
	CapabilityCheckCharacter         byte = 8
	CapabilityCommunicationSecurity  byte = 9
	CapabilityReceiveBufferSize      byte = 10
	CapabilityLargestCombinedMessage byte = 11
)

// DeviceCapabilities is osdp_PDCAP.
type DeviceCapabilities struct {
	Capabilities []Capability
}

func (DeviceCapabilities) Code() osdp.ReplyCode { return osdp.ReplyCapabilities }

func (r DeviceCapabilities) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 3*len(r.Capabilities))
	for _, c := range r.Capabilities {
		buf = append(buf, c.Function, c.Compliance, c.Number)
	}
	return buf, nil
}

// Find returns the entry for function.
func (r DeviceCapabilities) Find(function byte) (Capability, bool) {
	for _, c := range r.Capabilities {
		if c.Function == function {
			return c, true
		}
	}
	return Capability{}, false
}

// LocalStatus is osdp_LSTATR.
type LocalStatus struct {
	Tamper       bool
	PowerFailure bool
}

func (LocalStatus) Code() osdp.ReplyCode { return osdp.ReplyLocalStatus }

func (r LocalStatus) MarshalBinary() ([]byte, error) {
	return []byte{boolByte(r.Tamper), boolByte(r.PowerFailure)}, nil
}

// InputStatus is osdp_ISTATR.
type InputStatus struct {
	Inputs []byte
}

func (InputStatus) Code() osdp.ReplyCode             { return osdp.ReplyInputStatus }
func (r InputStatus) MarshalBinary() ([]byte, error) { return clone(r.Inputs), nil }

// OutputStatus is osdp_OSTATR.
type OutputStatus struct {
	Outputs []byte
}

func (OutputStatus) Code() osdp.ReplyCode             { return osdp.ReplyOutputStatus }
func (r OutputStatus) MarshalBinary() ([]byte, error) { return clone(r.Outputs), nil }

// ReaderStatus is osdp_RSTATR.
type ReaderStatus struct {
	Readers []byte
}

func (ReaderStatus) Code() osdp.ReplyCode             { return osdp.ReplyReaderStatus }
func (r ReaderStatus) MarshalBinary() ([]byte, error) { return clone(r.Readers), nil }

// RawCardData is osdp_RAW.
type RawCardData struct {
	Reader   byte
	Format   byte
	BitCount uint16
	Data     []byte
}

func (RawCardData) Code() osdp.ReplyCode { return osdp.ReplyRawCard }

func (r RawCardData) MarshalBinary() ([]byte, error) {
	buf := binary.LittleEndian.AppendUint16([]byte{r.Reader, r.Format}, r.BitCount)
	return append(buf, r.Data...), nil
}

// KeypadData is osdp_KEYPAD.
type KeypadData struct {
	Reader byte
	Digits []byte
}

func (KeypadData) Code() osdp.ReplyCode { return osdp.ReplyKeypad }

func (r KeypadData) MarshalBinary() ([]byte, error) {
	return append([]byte{r.Reader, byte(len(r.Digits))}, r.Digits...), nil
}

// CommunicationConfiguration is osdp_COM.
type CommunicationConfiguration struct {
	Address  byte
	BaudRate uint32
}

func (CommunicationConfiguration) Code() osdp.ReplyCode { return osdp.ReplyCommunication }

func (r CommunicationConfiguration) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32([]byte{r.Address}, r.BaudRate), nil
}

// BiometricReadResult is osdp_BIOREADR.
type BiometricReadResult struct {
	Reader   byte
	Status   byte
	Type     byte
	Quality  byte
	Template []byte
}

func (BiometricReadResult) Code() osdp.ReplyCode { return osdp.ReplyBiometricRead }

func (r BiometricReadResult) MarshalBinary() ([]byte, error) {
	buf := binary.LittleEndian.AppendUint16([]byte{r.Reader, r.Status, r.Type, r.Quality}, uint16(len(r.Template)))
	return append(buf, r.Template...), nil
}

// BiometricMatchResult is osdp_BIOMATCHR.
type BiometricMatchResult struct {
	Reader byte
	Status byte
	Score  byte
}

func (BiometricMatchResult) Code() osdp.ReplyCode { return osdp.ReplyBiometricMatch }

func (r BiometricMatchResult) MarshalBinary() ([]byte, error) {
	return []byte{r.Reader, r.Status, r.Score}, nil
}

// ClientCryptogram is osdp_CCRYPT.
type ClientCryptogram struct {
	KeyType    osdp.KeyType
	UID        []byte
	RndB       []byte
	Cryptogram []byte
}

func (ClientCryptogram) Code() osdp.ReplyCode { return osdp.ReplyClientCryptogram }

func (r ClientCryptogram) MarshalBinary() ([]byte, error) {
	if len(r.UID) != 8 || len(r.RndB) != 8 || len(r.Cryptogram) != 16 {
		return nil, fmt.Errorf("%w: malformed client cryptogram", osdp.ErrInvalidPayload)
	}
	buf := make([]byte, 0, 32)
	buf = append(buf, r.UID...)
	buf = append(buf, r.RndB...)
	return append(buf, r.Cryptogram...), nil
}

func (r ClientCryptogram) SecurityBlock() *packet.SecurityBlock {
	return &packet.SecurityBlock{Type: osdp.SCBClientCryptogram, Data: []byte{byte(r.KeyType)}}
}

// InitialRMAC is osdp_RMAC_I.
type InitialRMAC struct {
	RMAC []byte
}

// cryptogramAccepted is the RMAC_I security block data meaning the server
// cryptogram verified.
const cryptogramAccepted = 0x01

func (InitialRMAC) Code() osdp.ReplyCode { return osdp.ReplyInitialRMAC }

func (r InitialRMAC) MarshalBinary() ([]byte, error) {
	if len(r.RMAC) != 16 {
		return nil, fmt.Errorf("%w: R-MAC of %d bytes", osdp.ErrInvalidPayload, len(r.RMAC))
	}
	return clone(r.RMAC), nil
}

func (r InitialRMAC) SecurityBlock() *packet.SecurityBlock {
	return &packet.SecurityBlock{Type: osdp.SCBInitialRMAC, Data: []byte{cryptogramAccepted}}
}

// Busy is osdp_BUSY.
type Busy struct{}

func (Busy) Code() osdp.ReplyCode           { return osdp.ReplyBusy }
func (Busy) MarshalBinary() ([]byte, error) { return nil, nil }

// FileTransferStatus is osdp_FTSTAT.
type FileTransferStatus struct {
	Action       byte
	Delay        uint16 // milliseconds
	Status       int16
	UpdateMsgMax uint16
}

// File transfer status values.
const (
	FileTransferOK           int16 = 0
	FileTransferProcessed    int16 = 1
	FileTransferRebooting    int16 = 2
	FileTransferFinishing    int16 = 3
	FileTransferAbort        int16 = -1
	FileTransferUnrecognized int16 = -2
	FileTransferInvalid      int16 = -3
)

func (FileTransferStatus) Code() osdp.ReplyCode { return osdp.ReplyFileTransferStatus }

func (r FileTransferStatus) MarshalBinary() ([]byte, error) {
	buf := binary.LittleEndian.AppendUint16([]byte{r.Action}, r.Delay)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Status))
	return binary.LittleEndian.AppendUint16(buf, r.UpdateMsgMax), nil
}

// PIVData is one fragment of osdp_PIVDATAR.
type PIVData struct {
	WholeLength uint16
	Offset      uint16
	Data        []byte
}

func (PIVData) Code() osdp.ReplyCode { return osdp.ReplyPIVData }

func (r PIVData) MarshalBinary() ([]byte, error) {
	buf := binary.LittleEndian.AppendUint16(nil, r.WholeLength)
	buf = binary.LittleEndian.AppendUint16(buf, r.Offset)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Data)))
	return append(buf, r.Data...), nil
}

// Fragment converts r for reassembly.
func (r PIVData) Fragment() packet.Fragment {
	return packet.Fragment{Whole: int(r.WholeLength), Offset: int(r.Offset), Data: r.Data}
}

// PIVDataHeaderSize is the size of the multi-part header of osdp_PIVDATAR.
const PIVDataHeaderSize = 6

// ManufacturerReply is osdp_MFGREP.
type ManufacturerReply struct {
	VendorCode [3]byte
	Data       []byte
}

func (ManufacturerReply) Code() osdp.ReplyCode { return osdp.ReplyManufacturer }

func (r ManufacturerReply) MarshalBinary() ([]byte, error) {
	return append(r.VendorCode[:], r.Data...), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// DecodeReply parses the data of a reply frame. sb is the frame's security
// block, needed for the handshake replies.
func DecodeReply(code osdp.ReplyCode, data []byte, sb *packet.SecurityBlock) (Reply, error) {
	switch code {
	case osdp.ReplyAck:
		return Ack{}, nil
	case osdp.ReplyNak:
		if err := atLeast("osdp_NAK", data, 1); err != nil {
			return nil, err
		}
		return Nak{Error: osdp.ErrorCode(data[0]), Data: clone(data[1:])}, nil
	case osdp.ReplyID:
		if err := exact("osdp_PDID", data, 12); err != nil {
			return nil, err
		}
		r := DeviceIdentification{
			Model:         data[3],
			Version:       data[4],
			SerialNumber:  binary.LittleEndian.Uint32(data[5:]),
			FirmwareMajor: data[9],
			FirmwareMinor: data[10],
			FirmwareBuild: data[11],
		}
		copy(r.VendorCode[:], data)
		return r, nil
	case osdp.ReplyCapabilities:
		if err := multipleOf("osdp_PDCAP", data, 3); err != nil {
			return nil, err
		}
		var r DeviceCapabilities
		for i := 0; i < len(data); i += 3 {
			r.Capabilities = append(r.Capabilities, Capability{Function: data[i], Compliance: data[i+1], Number: data[i+2]})
		}
		return r, nil
	case osdp.ReplyLocalStatus:
		if err := exact("osdp_LSTATR", data, 2); err != nil {
			return nil, err
		}
		return LocalStatus{Tamper: data[0] != 0, PowerFailure: data[1] != 0}, nil
	case osdp.ReplyInputStatus:
		return InputStatus{Inputs: clone(data)}, nil
	case osdp.ReplyOutputStatus:
		return OutputStatus{Outputs: clone(data)}, nil
	case osdp.ReplyReaderStatus:
		return ReaderStatus{Readers: clone(data)}, nil
	case osdp.ReplyRawCard:
		if err := atLeast("osdp_RAW", data, 4); err != nil {
			return nil, err
		}
		r := RawCardData{Reader: data[0], Format: data[1], BitCount: binary.LittleEndian.Uint16(data[2:]), Data: clone(data[4:])}
		if (int(r.BitCount)+7)/8 != len(r.Data) {
			return nil, lengthError("osdp_RAW", fmt.Sprint(4+(int(r.BitCount)+7)/8), len(data))
		}
		return r, nil
	case osdp.ReplyKeypad:
		if err := atLeast("osdp_KEYPAD", data, 2); err != nil {
			return nil, err
		}
		if err := exact("osdp_KEYPAD", data, 2+int(data[1])); err != nil {
			return nil, err
		}
		return KeypadData{Reader: data[0], Digits: clone(data[2:])}, nil
	case osdp.ReplyCommunication:
		if err := exact("osdp_COM", data, 5); err != nil {
			return nil, err
		}
		return CommunicationConfiguration{Address: data[0], BaudRate: binary.LittleEndian.Uint32(data[1:])}, nil
	case osdp.ReplyBiometricRead:
		if err := atLeast("osdp_BIOREADR", data, 6); err != nil {
			return nil, err
		}
		if err := exact("osdp_BIOREADR", data, 6+int(binary.LittleEndian.Uint16(data[4:]))); err != nil {
			return nil, err
		}
		return BiometricReadResult{Reader: data[0], Status: data[1], Type: data[2], Quality: data[3], Template: clone(data[6:])}, nil
	case osdp.ReplyBiometricMatch:
		if err := exact("osdp_BIOMATCHR", data, 3); err != nil {
			return nil, err
		}
		return BiometricMatchResult{Reader: data[0], Status: data[1], Score: data[2]}, nil
	case osdp.ReplyClientCryptogram:
		kt, err := keyTypeOf("osdp_CCRYPT", sb)
		if err != nil {
			return nil, err
		}
		if err := exact("osdp_CCRYPT", data, 32); err != nil {
			return nil, err
		}
		return ClientCryptogram{KeyType: kt, UID: clone(data[:8]), RndB: clone(data[8:16]), Cryptogram: clone(data[16:])}, nil
	case osdp.ReplyInitialRMAC:
		if sb == nil || len(sb.Data) == 0 || sb.Data[0] != cryptogramAccepted {
			return nil, fmt.Errorf("%w: server cryptogram not accepted", osdp.ErrInvalidPayload)
		}
		if err := exact("osdp_RMAC_I", data, 16); err != nil {
			return nil, err
		}
		return InitialRMAC{RMAC: clone(data)}, nil
	case osdp.ReplyBusy:
		return Busy{}, nil
	case osdp.ReplyFileTransferStatus:
		if err := exact("osdp_FTSTAT", data, 7); err != nil {
			return nil, err
		}
		return FileTransferStatus{
			Action:       data[0],
			Delay:        binary.LittleEndian.Uint16(data[1:]),
			Status:       int16(binary.LittleEndian.Uint16(data[3:])),
			UpdateMsgMax: binary.LittleEndian.Uint16(data[5:]),
		}, nil
	case osdp.ReplyPIVData:
		if err := atLeast("osdp_PIVDATAR", data, PIVDataHeaderSize); err != nil {
			return nil, err
		}
		n := int(binary.LittleEndian.Uint16(data[4:]))
		if err := exact("osdp_PIVDATAR", data, PIVDataHeaderSize+n); err != nil {
			return nil, err
		}
		return PIVData{
			WholeLength: binary.LittleEndian.Uint16(data),
			Offset:      binary.LittleEndian.Uint16(data[2:]),
			Data:        clone(data[PIVDataHeaderSize:]),
		}, nil
	case osdp.ReplyManufacturer:
		if err := atLeast("osdp_MFGREP", data, 3); err != nil {
			return nil, err
		}
		r := ManufacturerReply{Data: clone(data[3:])}
		copy(r.VendorCode[:], data)
		return r, nil
	}
	return nil, osdp.NewFrameError(osdp.UnknownType, "reply %v", code)
}
