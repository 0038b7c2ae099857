// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Log           LogConfig            `mapstructure:"log"`
	Admin         AdminConfig          `mapstructure:"admin"`
	Capture       CaptureConfig        `mapstructure:"capture"`
	ControlPanels []ControlPanelConfig `mapstructure:"control_panels"`
	Peripherals   []PeripheralConfig   `mapstructure:"peripherals"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, console
	File       string `mapstructure:"file"`   // Log file path, empty for stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// AdminConfig defines the admin HTTP endpoint (metrics, health, status)
type AdminConfig struct {
	Address string `mapstructure:"address"` // e.g. "127.0.0.1:9100", empty disables it
}

// CaptureConfig defines where raw frames are published
type CaptureConfig struct {
	File    string `mapstructure:"file"`     // capture lines are appended here, empty disables it
	NATSURL string `mapstructure:"nats_url"` // empty disables NATS publishing
	Subject string `mapstructure:"subject"`
	Source  string `mapstructure:"source"` // tag written into every record
}

// ControlPanelConfig defines one ACU bus
type ControlPanelConfig struct {
	Name         string          `mapstructure:"name"`
	Transport    TransportConfig `mapstructure:"transport"`
	PollInterval time.Duration   `mapstructure:"poll_interval"`
	ReplyTimeout time.Duration   `mapstructure:"reply_timeout"`
	Tracing      bool            `mapstructure:"tracing"`
	Devices      []DeviceConfig  `mapstructure:"devices"`
}

// DeviceConfig defines a PD polled by a control panel
type DeviceConfig struct {
	Name          string `mapstructure:"name"`
	Address       int    `mapstructure:"address"`
	UseCRC        bool   `mapstructure:"use_crc"`
	SecureChannel bool   `mapstructure:"secure_channel"`
	Key           string `mapstructure:"key"` // hex, empty for the default key
}

// PeripheralConfig defines a PD served by this process
type PeripheralConfig struct {
	Name          string            `mapstructure:"name"`
	Transport     TransportConfig   `mapstructure:"transport"`
	Address       int               `mapstructure:"address"`
	Key           string            `mapstructure:"key"` // hex, empty for the default key
	RequireSecure bool              `mapstructure:"require_secure"`
	VendorCode    string            `mapstructure:"vendor_code"` // hex, 3 bytes
	Model         int               `mapstructure:"model"`
	SerialNumber  uint32            `mapstructure:"serial_number"`
	Outputs       int               `mapstructure:"outputs"`
	Persistence   PersistenceConfig `mapstructure:"persistence"`
}

// TransportConfig selects the byte stream a bus runs over
type TransportConfig struct {
	Type   string       `mapstructure:"type"`   // "serial", "tcp-client", "tcp-server"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used if Type is "tcp-client" or "tcp-server"
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "serial"
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"` // File path for "file/mmap" type
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address     string        `mapstructure:"address"` // e.g. "0.0.0.0:4001" or "192.168.1.100:4001"
	Timeout     time.Duration `mapstructure:"timeout"`
	AcceptBurst int           `mapstructure:"accept_burst"`
	AcceptRate  float64       `mapstructure:"accept_rate"` // accepted connections per second
}

// SerialConfig defines RS-485 settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"` // Read timeout of a single read

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/osdpgw/")
		v.AddConfigPath("$HOME/.osdpgw")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("capture.subject", "osdp.capture")
	v.SetDefault("capture.source", "osdpgw")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to found config file: %w", err)
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.fixup(); err != nil {
		return nil, err
	}
	return &config, nil
}

// fixup fills defaults that depend on the transport and validates keys.
func (c *Config) fixup() error {
	for i := range c.ControlPanels {
		cp := &c.ControlPanels[i]
		fixupTransport(&cp.Transport)
		fixupBus(cp)
		for j := range cp.Devices {
			d := &cp.Devices[j]
			if d.Address < 0 || d.Address > 0x7F {
				return fmt.Errorf("control panel %q: device address %d out of range", cp.Name, d.Address)
			}
			if _, err := ParseKey(d.Key); err != nil {
				return fmt.Errorf("control panel %q device %d: %w", cp.Name, d.Address, err)
			}
		}
	}

	for i := range c.Peripherals {
		p := &c.Peripherals[i]
		fixupTransport(&p.Transport)
		if p.Address < 0 || p.Address > 0x7E {
			return fmt.Errorf("peripheral %q: address %d out of range", p.Name, p.Address)
		}
		if _, err := ParseKey(p.Key); err != nil {
			return fmt.Errorf("peripheral %q: %w", p.Name, err)
		}
		if p.Persistence.Type == "" {
			p.Persistence.Type = "memory"
		}
		if p.Outputs == 0 {
			p.Outputs = 2
		}
	}
	return nil
}

func fixupTransport(t *TransportConfig) {
	t.Type = strings.ToLower(t.Type)
	if t.Type == "" {
		t.Type = "serial"
	}
	fixupSerial(&t.Serial)
	if t.Tcp.Timeout == 0 {
		t.Tcp.Timeout = 10 * time.Second
	}
	if t.Tcp.AcceptRate == 0 {
		t.Tcp.AcceptRate = 1
	}
	if t.Tcp.AcceptBurst == 0 {
		t.Tcp.AcceptBurst = 1
	}
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 9600
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 20 * time.Millisecond
	}
}

func fixupBus(cp *ControlPanelConfig) {
	if cp.PollInterval == 0 {
		cp.PollInterval = 50 * time.Millisecond
	}
	if cp.ReplyTimeout == 0 {
		cp.ReplyTimeout = 200 * time.Millisecond
	}
}

// ParseKey decodes a hex key. An empty string yields nil, meaning the
// default installation key.
func ParseKey(s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("invalid key: want 16 bytes, got %d", len(key))
	}
	return key, nil
}
