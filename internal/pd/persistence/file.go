// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ffutop/osdp-gateway/internal/pd/model"
)

// FileStorage keeps the configuration in a YAML document. Saves write a
// temporary file and rename it over the old one, so a crash leaves either
// the old or the new configuration behind.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

type fileRecord struct {
	Address       byte    `yaml:"address"`
	BaudRate      uint32  `yaml:"baudRate"`
	Key           string  `yaml:"key,omitempty"`
	RequireSecure bool    `yaml:"requireSecure"`
	VendorCode    string  `yaml:"vendorCode"`
	Model         byte    `yaml:"model"`
	Version       byte    `yaml:"version"`
	SerialNumber  uint32  `yaml:"serialNumber"`
	Firmware      [3]byte `yaml:"firmware,flow"`
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (fs *FileStorage) Load() (model.DeviceConfig, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	b, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return model.DeviceConfig{}, false, nil
	}
	if err != nil {
		return model.DeviceConfig{}, false, fmt.Errorf("failed to read file: %w", err)
	}
	var rec fileRecord
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return model.DeviceConfig{}, false, fmt.Errorf("failed to parse %s: %w", fs.path, err)
	}
	cfg := model.DeviceConfig{
		Address:       rec.Address,
		BaudRate:      rec.BaudRate,
		RequireSecure: rec.RequireSecure,
		Model:         rec.Model,
		Version:       rec.Version,
		SerialNumber:  rec.SerialNumber,
		FirmwareMajor: rec.Firmware[0],
		FirmwareMinor: rec.Firmware[1],
		FirmwareBuild: rec.Firmware[2],
	}
	if rec.Key != "" {
		if cfg.Key, err = hex.DecodeString(rec.Key); err != nil {
			return model.DeviceConfig{}, false, fmt.Errorf("invalid key in %s: %w", fs.path, err)
		}
	}
	vendor, err := hex.DecodeString(rec.VendorCode)
	if err != nil || len(vendor) > 3 {
		return model.DeviceConfig{}, false, fmt.Errorf("invalid vendor code %q in %s", rec.VendorCode, fs.path)
	}
	copy(cfg.VendorCode[:], vendor)
	return cfg, true, nil
}

func (fs *FileStorage) Save(cfg model.DeviceConfig) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec := fileRecord{
		Address:       cfg.Address,
		BaudRate:      cfg.BaudRate,
		RequireSecure: cfg.RequireSecure,
		VendorCode:    hex.EncodeToString(cfg.VendorCode[:]),
		Model:         cfg.Model,
		Version:       cfg.Version,
		SerialNumber:  cfg.SerialNumber,
		Firmware:      [3]byte{cfg.FirmwareMajor, cfg.FirmwareMinor, cfg.FirmwareBuild},
	}
	if cfg.Key != nil {
		rec.Key = hex.EncodeToString(cfg.Key)
	}
	b, err := yaml.Marshal(&rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.path), filepath.Base(fs.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fs.path)
}

func (fs *FileStorage) Close() error {
	return nil
}
