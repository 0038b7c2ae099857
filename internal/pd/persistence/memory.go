// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"sync"

	"github.com/ffutop/osdp-gateway/internal/pd/model"
)

// MemoryStorage keeps the configuration for the lifetime of the process only.
type MemoryStorage struct {
	mu  sync.Mutex
	cfg *model.DeviceConfig
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() (model.DeviceConfig, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.cfg == nil {
		return model.DeviceConfig{}, false, nil
	}
	return *ms.cfg, true, nil
}

func (ms *MemoryStorage) Save(cfg model.DeviceConfig) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.cfg = &cfg
	return nil
}

func (ms *MemoryStorage) Close() error {
	return nil
}
