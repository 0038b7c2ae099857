// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grid-x/serial"
	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/internal/config"
	"github.com/ffutop/osdp-gateway/transport"
)

const (
	// Default timeout
	serialTimeout = 20 * time.Millisecond
)

// Port is an RS-485 serial line carrying an OSDP bus.
type Port struct {
	// Serial port configuration.
	serial.Config

	Logger *zap.Logger

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port io.ReadWriteCloser
}

// NewPort maps the configuration onto a serial port. Reads return after
// at most cfg.Timeout so the bus can observe cancellation.
func NewPort(cfg config.SerialConfig, logger *zap.Logger) *Port {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Port{Logger: logger}
	p.Config.Address = cfg.Device
	p.Config.BaudRate = cfg.BaudRate
	p.Config.DataBits = cfg.DataBits
	p.Config.StopBits = cfg.StopBits
	p.Config.Parity = cfg.Parity
	p.Config.Timeout = cfg.Timeout
	if p.Config.Timeout <= 0 {
		p.Config.Timeout = serialTimeout
	}
	if cfg.RS485 {
		p.RS485.Enabled = true
		p.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
		p.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
		p.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
		p.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
		p.RS485.RxDuringTx = cfg.RxDuringTx
	}
	return p
}

func (p *Port) Open(ctx context.Context) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connect(ctx)
}

// connect connects to the serial port if it is not connected. Caller must hold the mutex.
func (p *Port) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if p.port == nil {
		port, err := serial.Open(&p.Config)
		if err != nil {
			return fmt.Errorf("could not open %s: %w", p.Config.Address, err)
		}
		p.Logger.Info("serial port opened", zap.String("device", p.Config.Address), zap.Int("baud", p.Config.BaudRate))
		p.port = port
	}
	return nil
}

func (p *Port) Close() (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (p *Port) close() (err error) {
	if p.port != nil {
		err = p.port.Close()
		p.port = nil
	}
	return
}

func (p *Port) current() (io.ReadWriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil, transport.ErrClosed
	}
	return p.port, nil
}

func (p *Port) Read(b []byte) (int, error) {
	port, err := p.current()
	if err != nil {
		return 0, err
	}
	n, err := port.Read(b)
	if errors.Is(err, serial.ErrTimeout) {
		return n, transport.ErrTimeout
	}
	return n, err
}

func (p *Port) Write(b []byte) (int, error) {
	port, err := p.current()
	if err != nil {
		return 0, err
	}
	return port.Write(b)
}

func (p *Port) String() string {
	return "serial:" + p.Config.Address
}
