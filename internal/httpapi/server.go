// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package httpapi serves the admin endpoints: metrics, health and a status
// snapshot of every bus and peripheral.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/internal/acu"
	"github.com/ffutop/osdp-gateway/internal/metrics"
	"github.com/ffutop/osdp-gateway/internal/pd/model"
)

// Snapshotter reports the state of the ACU connections.
type Snapshotter interface {
	Snapshot() []acu.ConnectionStatus
}

// Peripheral is a PD served by this process.
type Peripheral interface {
	Name() string
	Config() model.DeviceConfig
	IsConnected() bool
	IsSecure() bool
}

type peripheralStatus struct {
	Name      string `json:"name"`
	Address   byte   `json:"address"`
	BaudRate  uint32 `json:"baudRate"`
	Connected bool   `json:"connected"`
	Secure    bool   `json:"secure"`
}

// Server is the admin HTTP server.
type Server struct {
	acu         Snapshotter
	peripherals []Peripheral
	logger      *zap.Logger
	router      chi.Router
	server      *http.Server
}

// New returns a server for addr. cp and reg may be nil.
func New(addr string, reg *prometheus.Registry, cp Snapshotter, peripherals []Peripheral, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		acu:         cp,
		peripherals: peripherals,
		logger:      logger,
		router:      chi.NewRouter(),
	}

	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(15 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/connections", s.handleConnections)
	s.router.Get("/peripherals", s.handlePeripherals)
	if reg != nil {
		s.router.Handle("/metrics", metrics.Handler(reg))
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until Shutdown; it returns nil after a clean stop.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin server listening", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := []acu.ConnectionStatus{}
	if s.acu != nil {
		conns = s.acu.Snapshot()
	}
	s.respondJSON(w, http.StatusOK, conns)
}

func (s *Server) handlePeripherals(w http.ResponseWriter, r *http.Request) {
	out := make([]peripheralStatus, 0, len(s.peripherals))
	for _, p := range s.peripherals {
		cfg := p.Config()
		out = append(out, peripheralStatus{
			Name:      p.Name(),
			Address:   cfg.Address,
			BaudRate:  cfg.BaudRate,
			Connected: p.IsConnected(),
			Secure:    p.IsSecure(),
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}
