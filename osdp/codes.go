// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package osdp

import "fmt"

// CommandCode identifies a command sent by the ACU.
type CommandCode byte

const (
	CmdPoll             CommandCode = 0x60
	CmdID               CommandCode = 0x61
	CmdCapabilities     CommandCode = 0x62
	CmdLocalStatus      CommandCode = 0x64
	CmdInputStatus      CommandCode = 0x65
	CmdOutputStatus     CommandCode = 0x66
	CmdReaderStatus     CommandCode = 0x67
	CmdOutputControl    CommandCode = 0x68
	CmdLEDControl       CommandCode = 0x69
	CmdBuzzerControl    CommandCode = 0x6A
	CmdTextOutput       CommandCode = 0x6B
	CmdCommunicationSet CommandCode = 0x6E
	CmdBiometricRead    CommandCode = 0x73
	CmdBiometricMatch   CommandCode = 0x74
	CmdKeySet           CommandCode = 0x75
	CmdChallenge        CommandCode = 0x76
	CmdServerCryptogram CommandCode = 0x77
	CmdACUReceiveSize   CommandCode = 0x7B
	CmdFileTransfer     CommandCode = 0x7C
	CmdManufacturer     CommandCode = 0x80
	CmdAbort            CommandCode = 0xA2
	CmdPIVData          CommandCode = 0xA3
	CmdKeepActive       CommandCode = 0xA7
)

var commandNames = map[CommandCode]string{
	CmdPoll:             "POLL",
	CmdID:               "ID",
	CmdCapabilities:     "CAP",
	CmdLocalStatus:      "LSTAT",
	CmdInputStatus:      "ISTAT",
	CmdOutputStatus:     "OSTAT",
	CmdReaderStatus:     "RSTAT",
	CmdOutputControl:    "OUT",
	CmdLEDControl:       "LED",
	CmdBuzzerControl:    "BUZ",
	CmdTextOutput:       "TEXT",
	CmdCommunicationSet: "COMSET",
	CmdBiometricRead:    "BIOREAD",
	CmdBiometricMatch:   "BIOMATCH",
	CmdKeySet:           "KEYSET",
	CmdChallenge:        "CHLNG",
	CmdServerCryptogram: "SCRYPT",
	CmdACUReceiveSize:   "ACURXSIZE",
	CmdFileTransfer:     "FILETRANSFER",
	CmdManufacturer:     "MFG",
	CmdAbort:            "ABORT",
	CmdPIVData:          "PIVDATA",
	CmdKeepActive:       "KEEPACTIVE",
}

// Known reports whether c is a command this engine understands.
func (c CommandCode) Known() bool {
	_, ok := commandNames[c]
	return ok
}

func (c CommandCode) String() string {
	if name, ok := commandNames[c]; ok {
		return "osdp_" + name
	}
	return fmt.Sprintf("CommandCode(0x%02X)", byte(c))
}

// ReplyCode identifies a reply sent by a PD.
type ReplyCode byte

const (
	ReplyAck                ReplyCode = 0x40
	ReplyNak                ReplyCode = 0x41
	ReplyID                 ReplyCode = 0x45
	ReplyCapabilities       ReplyCode = 0x46
	ReplyLocalStatus        ReplyCode = 0x48
	ReplyInputStatus        ReplyCode = 0x49
	ReplyOutputStatus       ReplyCode = 0x4A
	ReplyReaderStatus       ReplyCode = 0x4B
	ReplyRawCard            ReplyCode = 0x50
	ReplyKeypad             ReplyCode = 0x53
	ReplyCommunication      ReplyCode = 0x54
	ReplyBiometricRead      ReplyCode = 0x57
	ReplyBiometricMatch     ReplyCode = 0x58
	ReplyClientCryptogram   ReplyCode = 0x76
	ReplyInitialRMAC        ReplyCode = 0x78
	ReplyBusy               ReplyCode = 0x79
	ReplyFileTransferStatus ReplyCode = 0x7A
	ReplyPIVData            ReplyCode = 0x80
	ReplyManufacturer       ReplyCode = 0x90
)

var replyNames = map[ReplyCode]string{
	ReplyAck:                "ACK",
	ReplyNak:                "NAK",
	ReplyID:                 "PDID",
	ReplyCapabilities:       "PDCAP",
	ReplyLocalStatus:        "LSTATR",
	ReplyInputStatus:        "ISTATR",
	ReplyOutputStatus:       "OSTATR",
	ReplyReaderStatus:       "RSTATR",
	ReplyRawCard:            "RAW",
	ReplyKeypad:             "KEYPAD",
	ReplyCommunication:      "COM",
	ReplyBiometricRead:      "BIOREADR",
	ReplyBiometricMatch:     "BIOMATCHR",
	ReplyClientCryptogram:   "CCRYPT",
	ReplyInitialRMAC:        "RMAC_I",
	ReplyBusy:               "BUSY",
	ReplyFileTransferStatus: "FTSTAT",
	ReplyPIVData:            "PIVDATAR",
	ReplyManufacturer:       "MFGREP",
}

// Known reports whether r is a reply this engine understands.
func (r ReplyCode) Known() bool {
	_, ok := replyNames[r]
	return ok
}

func (r ReplyCode) String() string {
	if name, ok := replyNames[r]; ok {
		return "osdp_" + name
	}
	return fmt.Sprintf("ReplyCode(0x%02X)", byte(r))
}

// ErrorCode is the reason carried by an osdp_NAK.
type ErrorCode byte

const (
	ErrorNone                   ErrorCode = 0x00
	ErrorBadChecksum            ErrorCode = 0x01
	ErrorCommandLength          ErrorCode = 0x02
	ErrorUnknownCommandCode     ErrorCode = 0x03
	ErrorUnexpectedSequence     ErrorCode = 0x04
	ErrorUnsupportedSecurity    ErrorCode = 0x05
	ErrorEncryptionRequired     ErrorCode = 0x06
	ErrorBioTypeNotSupported    ErrorCode = 0x07
	ErrorBioFormatNotSupported  ErrorCode = 0x08
	ErrorUnableToProcessCommand ErrorCode = 0x09
)

var errorNames = map[ErrorCode]string{
	ErrorNone:                   "no error",
	ErrorBadChecksum:            "message check character(s) error",
	ErrorCommandLength:          "command length error",
	ErrorUnknownCommandCode:     "unknown command code",
	ErrorUnexpectedSequence:     "unexpected sequence number",
	ErrorUnsupportedSecurity:    "unsupported security block or security conditions not met",
	ErrorEncryptionRequired:     "encrypted communication required",
	ErrorBioTypeNotSupported:    "biometric type not supported",
	ErrorBioFormatNotSupported:  "biometric format not supported",
	ErrorUnableToProcessCommand: "unable to process command record",
}

func (e ErrorCode) String() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(0x%02X)", byte(e))
}

// IsSecurity reports whether the NAK indicates the secure channel must be
// negotiated again.
func (e ErrorCode) IsSecurity() bool {
	return e == ErrorUnsupportedSecurity || e == ErrorEncryptionRequired
}
