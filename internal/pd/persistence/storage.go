// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence keeps the configuration of a peripheral device across
// restarts, so an address or key set by the ACU survives a power cycle.
package persistence

import (
	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/internal/config"
	"github.com/ffutop/osdp-gateway/internal/pd/model"
)

// Storage persists a device configuration.
type Storage interface {
	// Load returns the stored configuration. ok is false when nothing was
	// saved yet.
	Load() (cfg model.DeviceConfig, ok bool, err error)

	// Save replaces the stored configuration and makes it durable.
	Save(cfg model.DeviceConfig) error

	Close() error
}

// Open returns the storage selected by cfg. A storage that cannot be opened
// is replaced by a MemoryStorage so the device still starts.
func Open(cfg config.PersistenceConfig, logger *zap.Logger) Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	var storage Storage
	switch cfg.Type {
	case "file":
		logger.Info("Initializing device with file persistence", zap.String("path", cfg.Path))
		storage = NewFileStorage(cfg.Path)
	case "mmap":
		logger.Info("Initializing device with MMAP persistence", zap.String("path", cfg.Path))
		ms := NewMmapStorage(cfg.Path)
		if err := ms.open(); err != nil {
			logger.Error("Failed to map persistence file", zap.Error(err))
			logger.Warn("Falling back to MemoryStorage")
			return NewMemoryStorage()
		}
		storage = ms
	default:
		logger.Info("Initializing device with memory storage (non-persistent)")
		storage = NewMemoryStorage()
	}
	return storage
}

// LoadOrDefault loads the stored configuration, falling back to def when
// nothing is stored or the stored value is unreadable.
func LoadOrDefault(s Storage, def model.DeviceConfig, logger *zap.Logger) model.DeviceConfig {
	cfg, ok, err := s.Load()
	if err != nil {
		logger.Error("Failed to load persisted configuration, starting with defaults", zap.Error(err))
		return def
	}
	if !ok {
		return def
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Persisted configuration is invalid, starting with defaults", zap.Error(err))
		return def
	}
	return cfg
}
