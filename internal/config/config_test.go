// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
admin:
  address: 127.0.0.1:9100
control_panels:
  - name: lobby
    transport:
      type: Serial
      serial:
        device: /dev/ttyUSB0
        baud_rate: 38400
        parity: e
        rs485: true
    poll_interval: 100ms
    devices:
      - address: 1
        use_crc: true
        secure_channel: true
        key: "a0a1a2a3 a4a5a6a7 a8a9aaab acadaeaf"
peripherals:
  - name: reader
    transport:
      type: tcp-server
      tcp:
        address: 0.0.0.0:4001
    address: 3
    persistence:
      type: mmap
      path: /var/lib/osdpgw/reader.bin
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 50, cfg.Log.MaxSizeMB)
	assert.Equal(t, "127.0.0.1:9100", cfg.Admin.Address)
	assert.Equal(t, "osdp.capture", cfg.Capture.Subject)

	require.Len(t, cfg.ControlPanels, 1)
	cp := cfg.ControlPanels[0]
	assert.Equal(t, "serial", cp.Transport.Type)
	assert.Equal(t, 38400, cp.Transport.Serial.BaudRate)
	assert.Equal(t, "E", cp.Transport.Serial.Parity)
	assert.Equal(t, 8, cp.Transport.Serial.DataBits)
	assert.Equal(t, 1, cp.Transport.Serial.StopBits)
	assert.Equal(t, 20*time.Millisecond, cp.Transport.Serial.Timeout)
	assert.True(t, cp.Transport.Serial.RS485)
	assert.Equal(t, 100*time.Millisecond, cp.PollInterval)
	assert.Equal(t, 200*time.Millisecond, cp.ReplyTimeout)
	require.Len(t, cp.Devices, 1)
	key, err := ParseKey(cp.Devices[0].Key)
	require.NoError(t, err)
	assert.Len(t, key, 16)
	assert.Equal(t, byte(0xA0), key[0])

	require.Len(t, cfg.Peripherals, 1)
	p := cfg.Peripherals[0]
	assert.Equal(t, "tcp-server", p.Transport.Type)
	assert.Equal(t, 10*time.Second, p.Transport.Tcp.Timeout)
	assert.Equal(t, float64(1), p.Transport.Tcp.AcceptRate)
	assert.Equal(t, "mmap", p.Persistence.Type)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"device address", "control_panels:\n  - devices:\n      - address: 200\n"},
		{"device key", "control_panels:\n  - devices:\n      - address: 1\n        key: abcd\n"},
		{"peripheral address", "peripherals:\n  - address: 127\n"},
		{"peripheral key", "peripherals:\n  - address: 1\n    key: zz\n"},
		{"not yaml", "control_panels: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPeripheralDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "peripherals:\n  - name: pd\n    address: 0\n"))
	require.NoError(t, err)
	p := cfg.Peripherals[0]
	assert.Equal(t, "serial", p.Transport.Type)
	assert.Equal(t, 9600, p.Transport.Serial.BaudRate)
	assert.Equal(t, "N", p.Transport.Serial.Parity)
	assert.Equal(t, "memory", p.Persistence.Type)
	assert.Equal(t, 2, p.Outputs)
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		wantLen int
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"303132333435363738393A3B3C3D3E3F", 16, false},
		{"30 31 32 33 34 35 36 37 38 39 3A 3B 3C 3D 3E 3F", 16, false},
		{"3031", 0, true},
		{"not hex", 0, true},
	}
	for _, tt := range tests {
		key, err := ParseKey(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Len(t, key, tt.wantLen, tt.in)
	}
}
