// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/internal/acu"
	"github.com/ffutop/osdp-gateway/internal/capture"
	"github.com/ffutop/osdp-gateway/internal/config"
	"github.com/ffutop/osdp-gateway/internal/httpapi"
	"github.com/ffutop/osdp-gateway/internal/logging"
	"github.com/ffutop/osdp-gateway/internal/metrics"
	"github.com/ffutop/osdp-gateway/internal/pd"
	"github.com/ffutop/osdp-gateway/internal/pd/model"
	"github.com/ffutop/osdp-gateway/internal/pd/persistence"
	"github.com/ffutop/osdp-gateway/transport"
	"github.com/ffutop/osdp-gateway/transport/serial"
	"github.com/ffutop/osdp-gateway/transport/tcp"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "Configuration file path.")
	listPorts := pflag.Bool("list-ports", false, "List the serial ports of this host and exit.")
	logLevel := pflag.StringP("log_level", "v", "", "Log verbosity level (debug, info, warn, error), overrides the configuration file.")
	pflag.Parse()

	if *listPorts {
		ports, err := serial.ListPorts()
		if err != nil {
			fmt.Printf("Failed to list serial ports: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	// Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := logging.InitLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting OSDP Gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewRegistry()
	sink, closeSink := newSink(cfg.Capture, logger)

	// Control panels
	cp := acu.NewControlPanel(acu.Options{
		Logger:  logger.Named("acu"),
		Metrics: metrics.NewBusMetrics(reg),
		Sink:    sink,
	})
	cp.Subscribe(func(e acu.Event) { logEvent(logger, e) })
	buses := 0
	for _, cpCfg := range cfg.ControlPanels {
		if err := startControlPanel(ctx, cp, cpCfg, logger); err != nil {
			logger.Error("Control panel not started", zap.String("name", cpCfg.Name), zap.Error(err))
			continue
		}
		buses++
	}

	// Peripherals
	pdMetrics := metrics.NewPDMetrics(reg)
	var (
		wg          sync.WaitGroup
		devices     []*pd.Device
		peripherals []httpapi.Peripheral
	)
	for _, pCfg := range cfg.Peripherals {
		dev, conn, err := newPeripheral(pCfg, pdMetrics, sink, logger)
		if err != nil {
			logger.Error("Peripheral not started", zap.String("name", pCfg.Name), zap.Error(err))
			continue
		}
		devices = append(devices, dev)
		peripherals = append(peripherals, dev)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev.Serve(ctx, conn)
		}()
	}

	if buses == 0 && len(devices) == 0 {
		logger.Error("No valid control panels or peripherals configured. Exiting.")
		os.Exit(1)
	}

	var admin *httpapi.Server
	if cfg.Admin.Address != "" {
		admin = httpapi.New(cfg.Admin.Address, reg, cp, peripherals, logger.Named("admin"))
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				logger.Error("Admin server stopped with error", zap.Error(err))
			}
		}()
	}

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if admin != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Shutdown(sctx); err != nil {
			logger.Warn("Admin server shutdown", zap.Error(err))
		}
		scancel()
	}
	cp.Shutdown()
	cancel()
	wg.Wait()
	for _, dev := range devices {
		if err := dev.Close(); err != nil {
			logger.Warn("Failed to close peripheral storage", zap.String("name", dev.Name()), zap.Error(err))
		}
	}
	closeSink()
	logger.Info("Goodbye.")
}

func newTransport(t config.TransportConfig, logger *zap.Logger) (transport.Connection, error) {
	switch t.Type {
	case "serial":
		return serial.NewPort(t.Serial, logger), nil
	case "tcp", "tcp-client":
		c := tcp.NewClient(t.Tcp.Address, logger)
		c.Timeout = t.Tcp.Timeout
		return c, nil
	case "tcp-server":
		s := tcp.NewServer(t.Tcp.Address, t.Tcp.AcceptRate, t.Tcp.AcceptBurst, logger)
		s.Timeout = t.Tcp.Timeout
		return s, nil
	}
	return nil, fmt.Errorf("unknown transport type %q", t.Type)
}

func startControlPanel(ctx context.Context, cp *acu.ControlPanel, cfg config.ControlPanelConfig, logger *zap.Logger) error {
	conn, err := newTransport(cfg.Transport, logger.With(zap.String("control_panel", cfg.Name)))
	if err != nil {
		return err
	}
	id := cp.StartConnection(ctx, conn, acu.BusConfig{
		PollInterval: cfg.PollInterval,
		ReplyTimeout: cfg.ReplyTimeout,
		Tracing:      cfg.Tracing,
	})
	for _, d := range cfg.Devices {
		key, _ := config.ParseKey(d.Key) // validated by LoadConfig
		err := cp.AddDevice(id, acu.DeviceOptions{
			Address:       byte(d.Address),
			UseCRC:        d.UseCRC,
			RequireSecure: d.SecureChannel,
			Key:           key,
		})
		if err != nil {
			logger.Error("Device not added", zap.String("control_panel", cfg.Name), zap.Int("address", d.Address), zap.Error(err))
		}
	}
	logger.Info("Control panel started", zap.String("name", cfg.Name), zap.String("connection", id.String()),
		zap.Stringer("transport", conn), zap.Int("devices", len(cfg.Devices)))
	return nil
}

func newPeripheral(cfg config.PeripheralConfig, m *metrics.PDMetrics, sink capture.Sink, logger *zap.Logger) (*pd.Device, transport.Connection, error) {
	logger = logger.With(zap.String("peripheral", cfg.Name))
	def, err := peripheralDefaults(cfg)
	if err != nil {
		return nil, nil, err
	}
	conn, err := newTransport(cfg.Transport, logger)
	if err != nil {
		return nil, nil, err
	}

	storage := persistence.Open(cfg.Persistence, logger)
	store := model.NewStore(persistence.LoadOrDefault(storage, def, logger))
	dev, err := pd.NewDevice(store, storage, pd.NewBasicHandler(store, cfg.Outputs), pd.Options{
		Name:    cfg.Name,
		Logger:  logger.Named("pd"),
		Metrics: m,
		Sink:    sink,
	})
	if err != nil {
		storage.Close()
		return nil, nil, err
	}
	dev.OnConfigChanged(func(c pd.ConfigChange) {
		logger.Info("Peripheral configuration changed",
			zap.Uint8("address", c.New.Address), zap.Uint32("baud_rate", c.New.BaudRate),
			zap.Bool("key_changed", !bytes.Equal(c.Old.Key, c.New.Key)))
		if c.Old.BaudRate != c.New.BaudRate {
			logger.Warn("New baud rate applies after the transport is reconfigured", zap.Uint32("baud_rate", c.New.BaudRate))
		}
	})
	return dev, conn, nil
}

// peripheralDefaults builds the factory configuration of a peripheral; a
// persisted configuration takes precedence over it.
func peripheralDefaults(cfg config.PeripheralConfig) (model.DeviceConfig, error) {
	key, err := config.ParseKey(cfg.Key)
	if err != nil {
		return model.DeviceConfig{}, err
	}
	def := model.Default().WithAddress(byte(cfg.Address)).WithKey(key)
	if cfg.Transport.Type == "serial" {
		def = def.WithBaudRate(uint32(cfg.Transport.Serial.BaudRate))
	}
	def.RequireSecure = cfg.RequireSecure
	def.Model = byte(cfg.Model)
	def.SerialNumber = cfg.SerialNumber
	if cfg.VendorCode != "" {
		vc, err := hex.DecodeString(cfg.VendorCode)
		if err != nil || len(vc) != 3 {
			return model.DeviceConfig{}, fmt.Errorf("invalid vendor code %q", cfg.VendorCode)
		}
		copy(def.VendorCode[:], vc)
	}
	return def, def.Validate()
}

// newSink builds the capture sink from the file and NATS settings. The
// returned function flushes and closes whatever was opened.
func newSink(cfg config.CaptureConfig, logger *zap.Logger) (capture.Sink, func()) {
	var (
		sinks   capture.MultiSink
		closers []io.Closer
	)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Error("Failed to open capture file, capture to file disabled", zap.String("file", cfg.File), zap.Error(err))
		} else {
			sinks = append(sinks, capture.NewWriterSink(f, cfg.Source, logger))
			closers = append(closers, f)
		}
	}
	if cfg.NATSURL != "" {
		ns, err := capture.DialNATS(cfg.NATSURL, cfg.Subject, cfg.Source, logger)
		if err != nil {
			logger.Error("Failed to connect to NATS, capture publishing disabled", zap.Error(err))
		} else {
			sinks = append(sinks, ns)
			closers = append(closers, ns)
		}
	}
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	if len(sinks) == 0 {
		return nil, closeAll
	}
	return sinks, closeAll
}

func logEvent(logger *zap.Logger, e acu.Event) {
	fields := []zap.Field{zap.String("connection", e.Connection().String()), zap.Uint8("address", e.Device())}
	switch e := e.(type) {
	case acu.ConnectionStatusChanged:
		logger.Info("Device status", append(fields, zap.Bool("connected", e.Connected), zap.Bool("secure", e.Secure))...)
	case acu.NakReceived:
		logger.Warn("Device NAK", append(fields, zap.Stringer("error", e.Nak.Error))...)
	case acu.ReplyReceived:
		logger.Info("Device reply", append(fields, zap.Stringer("reply", e.Reply.Code()))...)
	}
}
