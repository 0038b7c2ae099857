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

// Poll is osdp_POLL.
type Poll struct{}

func (Poll) Code() osdp.CommandCode         { return osdp.CmdPoll }
func (Poll) MarshalBinary() ([]byte, error) { return nil, nil }

// IDRequest is osdp_ID.
type IDRequest struct{}

func (IDRequest) Code() osdp.CommandCode         { return osdp.CmdID }
func (IDRequest) MarshalBinary() ([]byte, error) { return []byte{0x00}, nil }

// CapabilitiesRequest is osdp_CAP.
type CapabilitiesRequest struct{}

func (CapabilitiesRequest) Code() osdp.CommandCode         { return osdp.CmdCapabilities }
func (CapabilitiesRequest) MarshalBinary() ([]byte, error) { return []byte{0x00}, nil }

// LocalStatusRequest is osdp_LSTAT.
type LocalStatusRequest struct{}

func (LocalStatusRequest) Code() osdp.CommandCode         { return osdp.CmdLocalStatus }
func (LocalStatusRequest) MarshalBinary() ([]byte, error) { return nil, nil }

// InputStatusRequest is osdp_ISTAT.
type InputStatusRequest struct{}

func (InputStatusRequest) Code() osdp.CommandCode         { return osdp.CmdInputStatus }
func (InputStatusRequest) MarshalBinary() ([]byte, error) { return nil, nil }

// OutputStatusRequest is osdp_OSTAT.
type OutputStatusRequest struct{}

func (OutputStatusRequest) Code() osdp.CommandCode         { return osdp.CmdOutputStatus }
func (OutputStatusRequest) MarshalBinary() ([]byte, error) { return nil, nil }

// ReaderStatusRequest is osdp_RSTAT.
type ReaderStatusRequest struct{}

func (ReaderStatusRequest) Code() osdp.CommandCode         { return osdp.CmdReaderStatus }
func (ReaderStatusRequest) MarshalBinary() ([]byte, error) { return nil, nil }

// OutputControl is one record of osdp_OUT.
type OutputControl struct {
	Output  byte
	Control byte
	Timer   uint16 // units of 100ms
}

// OutputControls is osdp_OUT.
type OutputControls struct {
	Controls []OutputControl
}

func (OutputControls) Code() osdp.CommandCode { return osdp.CmdOutputControl }

func (c OutputControls) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 4*len(c.Controls))
	for _, o := range c.Controls {
		buf = append(buf, o.Output, o.Control)
		buf = binary.LittleEndian.AppendUint16(buf, o.Timer)
	}
	return buf, nil
}

func decodeOutputControls(data []byte) (OutputControls, error) {
	if err := multipleOf("osdp_OUT", data, 4); err != nil {
		return OutputControls{}, err
	}
	var c OutputControls
	for i := 0; i < len(data); i += 4 {
		c.Controls = append(c.Controls, OutputControl{
			Output:  data[i],
			Control: data[i+1],
			Timer:   binary.LittleEndian.Uint16(data[i+2:]),
		})
	}
	return c, nil
}

// LEDControl is one 14 byte record of osdp_LED.
type LEDControl struct {
	Reader byte
	LED    byte

	TemporaryMode     byte
	TemporaryOnTime   byte
	TemporaryOffTime  byte
	TemporaryOnColor  byte
	TemporaryOffColor byte
	TemporaryTimer    uint16

	PermanentMode     byte
	PermanentOnTime   byte
	PermanentOffTime  byte
	PermanentOnColor  byte
	PermanentOffColor byte
}

const ledRecordSize = 14

// LEDControls is osdp_LED.
type LEDControls struct {
	Controls []LEDControl
}

func (LEDControls) Code() osdp.CommandCode { return osdp.CmdLEDControl }

func (c LEDControls) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, ledRecordSize*len(c.Controls))
	for _, l := range c.Controls {
		buf = append(buf, l.Reader, l.LED,
			l.TemporaryMode, l.TemporaryOnTime, l.TemporaryOffTime, l.TemporaryOnColor, l.TemporaryOffColor)
		buf = binary.LittleEndian.AppendUint16(buf, l.TemporaryTimer)
		buf = append(buf, l.PermanentMode, l.PermanentOnTime, l.PermanentOffTime, l.PermanentOnColor, l.PermanentOffColor)
	}
	return buf, nil
}

func decodeLEDControls(data []byte) (LEDControls, error) {
	if err := multipleOf("osdp_LED", data, ledRecordSize); err != nil {
		return LEDControls{}, err
	}
	var c LEDControls
	for i := 0; i < len(data); i += ledRecordSize {
		r := data[i : i+ledRecordSize]
		c.Controls = append(c.Controls, LEDControl{
			Reader:            r[0],
			LED:               r[1],
			TemporaryMode:     r[2],
			TemporaryOnTime:   r[3],
			TemporaryOffTime:  r[4],
			TemporaryOnColor:  r[5],
			TemporaryOffColor: r[6],
			TemporaryTimer:    binary.LittleEndian.Uint16(r[7:]),
			PermanentMode:     r[9],
			PermanentOnTime:   r[10],
			PermanentOffTime:  r[11],
			PermanentOnColor:  r[12],
			PermanentOffColor: r[13],
		})
	}
	return c, nil
}

// BuzzerControl is osdp_BUZ.
type BuzzerControl struct {
	Reader  byte
	Tone    byte
	OnTime  byte
	OffTime byte
	Count   byte
}

func (BuzzerControl) Code() osdp.CommandCode { return osdp.CmdBuzzerControl }

func (c BuzzerControl) MarshalBinary() ([]byte, error) {
	return []byte{c.Reader, c.Tone, c.OnTime, c.OffTime, c.Count}, nil
}

// TextOutput is osdp_TEXT.
type TextOutput struct {
	Reader   byte
	Command  byte
	TempTime byte
	Row      byte
	Column   byte
	Text     string
}

func (TextOutput) Code() osdp.CommandCode { return osdp.CmdTextOutput }

func (c TextOutput) MarshalBinary() ([]byte, error) {
	if len(c.Text) > 0xFF {
		return nil, fmt.Errorf("%w: text of %d bytes", osdp.ErrInvalidPayload, len(c.Text))
	}
	buf := []byte{c.Reader, c.Command, c.TempTime, c.Row, c.Column, byte(len(c.Text))}
	return append(buf, c.Text...), nil
}

func decodeTextOutput(data []byte) (TextOutput, error) {
	if err := atLeast("osdp_TEXT", data, 6); err != nil {
		return TextOutput{}, err
	}
	if err := exact("osdp_TEXT", data, 6+int(data[5])); err != nil {
		return TextOutput{}, err
	}
	return TextOutput{
		Reader: data[0], Command: data[1], TempTime: data[2], Row: data[3], Column: data[4],
		Text: string(data[6:]),
	}, nil
}

// CommunicationSet is osdp_COMSET.
type CommunicationSet struct {
	Address  byte
	BaudRate uint32
}

func (CommunicationSet) Code() osdp.CommandCode { return osdp.CmdCommunicationSet }

func (c CommunicationSet) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32([]byte{c.Address}, c.BaudRate), nil
}

// BiometricRead is osdp_BIOREAD.
type BiometricRead struct {
	Reader  byte
	Type    byte
	Format  byte
	Quality byte
}

func (BiometricRead) Code() osdp.CommandCode { return osdp.CmdBiometricRead }

func (c BiometricRead) MarshalBinary() ([]byte, error) {
	return []byte{c.Reader, c.Type, c.Format, c.Quality}, nil
}

// BiometricMatch is osdp_BIOMATCH.
type BiometricMatch struct {
	Reader   byte
	Type     byte
	Format   byte
	Quality  byte
	Template []byte
}

func (BiometricMatch) Code() osdp.CommandCode { return osdp.CmdBiometricMatch }

func (c BiometricMatch) MarshalBinary() ([]byte, error) {
	buf := []byte{c.Reader, c.Type, c.Format, c.Quality}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.Template)))
	return append(buf, c.Template...), nil
}

func decodeBiometricMatch(data []byte) (BiometricMatch, error) {
	if err := atLeast("osdp_BIOMATCH", data, 6); err != nil {
		return BiometricMatch{}, err
	}
	n := int(binary.LittleEndian.Uint16(data[4:]))
	if err := exact("osdp_BIOMATCH", data, 6+n); err != nil {
		return BiometricMatch{}, err
	}
	return BiometricMatch{Reader: data[0], Type: data[1], Format: data[2], Quality: data[3], Template: clone(data[6:])}, nil
}

// KeySet is osdp_KEYSET.
type KeySet struct {
	KeyType osdp.KeyType
	Key     []byte
}

func (KeySet) Code() osdp.CommandCode { return osdp.CmdKeySet }

func (c KeySet) MarshalBinary() ([]byte, error) {
	if len(c.Key) != osdp.KeySize {
		return nil, fmt.Errorf("%w: key of %d bytes", osdp.ErrInvalidPayload, len(c.Key))
	}
	return append([]byte{byte(c.KeyType), byte(len(c.Key))}, c.Key...), nil
}

func decodeKeySet(data []byte) (KeySet, error) {
	if err := atLeast("osdp_KEYSET", data, 2); err != nil {
		return KeySet{}, err
	}
	if err := exact("osdp_KEYSET", data, 2+int(data[1])); err != nil {
		return KeySet{}, err
	}
	if int(data[1]) != osdp.KeySize {
		return KeySet{}, fmt.Errorf("%w: key of %d bytes", osdp.ErrInvalidPayload, data[1])
	}
	return KeySet{KeyType: osdp.KeyType(data[0]), Key: clone(data[2:])}, nil
}

// Challenge is osdp_CHLNG, the first handshake step.
type Challenge struct {
	KeyType osdp.KeyType
	RndA    []byte
}

func (Challenge) Code() osdp.CommandCode { return osdp.CmdChallenge }

func (c Challenge) MarshalBinary() ([]byte, error) {
	if len(c.RndA) != 8 {
		return nil, fmt.Errorf("%w: RND.A of %d bytes", osdp.ErrInvalidPayload, len(c.RndA))
	}
	return clone(c.RndA), nil
}

func (c Challenge) SecurityBlock() *packet.SecurityBlock {
	return &packet.SecurityBlock{Type: osdp.SCBChallenge, Data: []byte{byte(c.KeyType)}}
}

// ServerCryptogram is osdp_SCRYPT, the second handshake step.
type ServerCryptogram struct {
	KeyType    osdp.KeyType
	Cryptogram []byte
}

func (ServerCryptogram) Code() osdp.CommandCode { return osdp.CmdServerCryptogram }

func (c ServerCryptogram) MarshalBinary() ([]byte, error) {
	if len(c.Cryptogram) != 16 {
		return nil, fmt.Errorf("%w: cryptogram of %d bytes", osdp.ErrInvalidPayload, len(c.Cryptogram))
	}
	return clone(c.Cryptogram), nil
}

func (c ServerCryptogram) SecurityBlock() *packet.SecurityBlock {
	return &packet.SecurityBlock{Type: osdp.SCBServerCryptogram, Data: []byte{byte(c.KeyType)}}
}

// ACUReceiveSize is osdp_ACURXSIZE.
type ACUReceiveSize struct {
	MaxSize uint16
}

func (ACUReceiveSize) Code() osdp.CommandCode { return osdp.CmdACUReceiveSize }

func (c ACUReceiveSize) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint16(nil, c.MaxSize), nil
}

// FileTransfer is one fragment of osdp_FILETRANSFER.
type FileTransfer struct {
	Type   byte
	Total  uint32
	Offset uint32
	Data   []byte
}

func (FileTransfer) Code() osdp.CommandCode { return osdp.CmdFileTransfer }

func (c FileTransfer) MarshalBinary() ([]byte, error) {
	buf := []byte{c.Type}
	buf = binary.LittleEndian.AppendUint32(buf, c.Total)
	buf = binary.LittleEndian.AppendUint32(buf, c.Offset)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.Data)))
	return append(buf, c.Data...), nil
}

// Fragment converts c for reassembly.
func (c FileTransfer) Fragment() packet.Fragment {
	return packet.Fragment{Whole: int(c.Total), Offset: int(c.Offset), Data: c.Data}
}

func decodeFileTransfer(data []byte) (FileTransfer, error) {
	if err := atLeast("osdp_FILETRANSFER", data, 11); err != nil {
		return FileTransfer{}, err
	}
	n := int(binary.LittleEndian.Uint16(data[9:]))
	if err := exact("osdp_FILETRANSFER", data, 11+n); err != nil {
		return FileTransfer{}, err
	}
	return FileTransfer{
		Type:   data[0],
		Total:  binary.LittleEndian.Uint32(data[1:]),
		Offset: binary.LittleEndian.Uint32(data[5:]),
		Data:   clone(data[11:]),
	}, nil
}

// Manufacturer is osdp_MFG.
type Manufacturer struct {
	VendorCode [3]byte
	Data       []byte
}

func (Manufacturer) Code() osdp.CommandCode { return osdp.CmdManufacturer }

func (c Manufacturer) MarshalBinary() ([]byte, error) {
	return append(c.VendorCode[:], c.Data...), nil
}

// Abort is osdp_ABORT.
type Abort struct{}

func (Abort) Code() osdp.CommandCode         { return osdp.CmdAbort }
func (Abort) MarshalBinary() ([]byte, error) { return nil, nil }

// GetPIVData is osdp_PIVDATA.
type GetPIVData struct {
	ObjectID   [3]byte
	Element    byte
	DataOffset byte
}

func (GetPIVData) Code() osdp.CommandCode { return osdp.CmdPIVData }

func (c GetPIVData) MarshalBinary() ([]byte, error) {
	return append(c.ObjectID[:], c.Element, c.DataOffset), nil
}

// KeepActive is osdp_KEEPACTIVE.
type KeepActive struct {
	Time uint16 // milliseconds
}

func (KeepActive) Code() osdp.CommandCode { return osdp.CmdKeepActive }

func (c KeepActive) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint16(nil, c.Time), nil
}

// DecodeCommand parses the data of a command frame. sb is the frame's
// security block, needed for the handshake commands.
func DecodeCommand(code osdp.CommandCode, data []byte, sb *packet.SecurityBlock) (Command, error) {
	switch code {
	case osdp.CmdPoll:
		return Poll{}, exact("osdp_POLL", data, 0)
	case osdp.CmdID:
		return IDRequest{}, exact("osdp_ID", data, 1)
	case osdp.CmdCapabilities:
		return CapabilitiesRequest{}, exact("osdp_CAP", data, 1)
	case osdp.CmdLocalStatus:
		return LocalStatusRequest{}, exact("osdp_LSTAT", data, 0)
	case osdp.CmdInputStatus:
		return InputStatusRequest{}, exact("osdp_ISTAT", data, 0)
	case osdp.CmdOutputStatus:
		return OutputStatusRequest{}, exact("osdp_OSTAT", data, 0)
	case osdp.CmdReaderStatus:
		return ReaderStatusRequest{}, exact("osdp_RSTAT", data, 0)
	case osdp.CmdOutputControl:
		return decodeOutputControls(data)
	case osdp.CmdLEDControl:
		return decodeLEDControls(data)
	case osdp.CmdBuzzerControl:
		if err := exact("osdp_BUZ", data, 5); err != nil {
			return nil, err
		}
		return BuzzerControl{Reader: data[0], Tone: data[1], OnTime: data[2], OffTime: data[3], Count: data[4]}, nil
	case osdp.CmdTextOutput:
		return decodeTextOutput(data)
	case osdp.CmdCommunicationSet:
		if err := exact("osdp_COMSET", data, 5); err != nil {
			return nil, err
		}
		return CommunicationSet{Address: data[0], BaudRate: binary.LittleEndian.Uint32(data[1:])}, nil
	case osdp.CmdBiometricRead:
		if err := exact("osdp_BIOREAD", data, 4); err != nil {
			return nil, err
		}
		return BiometricRead{Reader: data[0], Type: data[1], Format: data[2], Quality: data[3]}, nil
	case osdp.CmdBiometricMatch:
		return decodeBiometricMatch(data)
	case osdp.CmdKeySet:
		return decodeKeySet(data)
	case osdp.CmdChallenge:
		kt, err := keyTypeOf("osdp_CHLNG", sb)
		if err != nil {
			return nil, err
		}
		if err := exact("osdp_CHLNG", data, 8); err != nil {
			return nil, err
		}
		return Challenge{KeyType: kt, RndA: clone(data)}, nil
	case osdp.CmdServerCryptogram:
		kt, err := keyTypeOf("osdp_SCRYPT", sb)
		if err != nil {
			return nil, err
		}
		if err := exact("osdp_SCRYPT", data, 16); err != nil {
			return nil, err
		}
		return ServerCryptogram{KeyType: kt, Cryptogram: clone(data)}, nil
	case osdp.CmdACUReceiveSize:
		if err := exact("osdp_ACURXSIZE", data, 2); err != nil {
			return nil, err
		}
		return ACUReceiveSize{MaxSize: binary.LittleEndian.Uint16(data)}, nil
	case osdp.CmdFileTransfer:
		return decodeFileTransfer(data)
	case osdp.CmdManufacturer:
		if err := atLeast("osdp_MFG", data, 3); err != nil {
			return nil, err
		}
		c := Manufacturer{Data: clone(data[3:])}
		copy(c.VendorCode[:], data)
		return c, nil
	case osdp.CmdAbort:
		return Abort{}, exact("osdp_ABORT", data, 0)
	case osdp.CmdPIVData:
		if err := exact("osdp_PIVDATA", data, 5); err != nil {
			return nil, err
		}
		c := GetPIVData{Element: data[3], DataOffset: data[4]}
		copy(c.ObjectID[:], data)
		return c, nil
	case osdp.CmdKeepActive:
		if err := exact("osdp_KEEPACTIVE", data, 2); err != nil {
			return nil, err
		}
		return KeepActive{Time: binary.LittleEndian.Uint16(data)}, nil
	}
	return nil, osdp.NewFrameError(osdp.UnknownType, "command %v", code)
}
