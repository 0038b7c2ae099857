// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler exposing reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// BusMetrics are the ACU side metrics. A nil *BusMetrics records nothing.
type BusMetrics struct {
	FramesSent      *prometheus.CounterVec // labels: connection
	FramesReceived  *prometheus.CounterVec // labels: connection
	FrameErrors     *prometheus.CounterVec // labels: connection, kind
	ReplyTimeouts   *prometheus.CounterVec // labels: connection
	Retries         *prometheus.CounterVec // labels: connection
	CommandsDropped *prometheus.CounterVec // labels: connection
	Naks            *prometheus.CounterVec // labels: connection, code
	Connected       *prometheus.GaugeVec   // labels: connection
	Secure          *prometheus.GaugeVec   // labels: connection
}

// NewBusMetrics registers and returns the ACU metrics.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_acu_frames_sent_total",
			Help: "Frames written to the bus.",
		}, []string{"connection"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_acu_frames_received_total",
			Help: "Reply frames read from the bus.",
		}, []string{"connection"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_acu_frame_errors_total",
			Help: "Reply frames rejected by the codec or the secure channel.",
		}, []string{"connection", "kind"}),
		ReplyTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_acu_reply_timeouts_total",
			Help: "Commands that got no reply in time.",
		}, []string{"connection"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_acu_retries_total",
			Help: "Commands re-sent after a failure.",
		}, []string{"connection"}),
		CommandsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_acu_commands_dropped_total",
			Help: "Commands dropped after exhausting the retry budget.",
		}, []string{"connection"}),
		Naks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_acu_naks_total",
			Help: "NAK replies by error code.",
		}, []string{"connection", "code"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osdp_acu_devices_connected",
			Help: "Devices currently connected.",
		}, []string{"connection"}),
		Secure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osdp_acu_devices_secure",
			Help: "Devices with an established secure channel.",
		}, []string{"connection"}),
	}
	reg.MustRegister(m.FramesSent, m.FramesReceived, m.FrameErrors, m.ReplyTimeouts, m.Retries,
		m.CommandsDropped, m.Naks, m.Connected, m.Secure)
	return m
}

func (m *BusMetrics) FrameSent(conn string) {
	if m != nil {
		m.FramesSent.WithLabelValues(conn).Inc()
	}
}

func (m *BusMetrics) FrameReceived(conn string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(conn).Inc()
	}
}

func (m *BusMetrics) FrameError(conn, kind string) {
	if m != nil {
		m.FrameErrors.WithLabelValues(conn, kind).Inc()
	}
}

func (m *BusMetrics) ReplyTimeout(conn string) {
	if m != nil {
		m.ReplyTimeouts.WithLabelValues(conn).Inc()
	}
}

func (m *BusMetrics) Retry(conn string) {
	if m != nil {
		m.Retries.WithLabelValues(conn).Inc()
	}
}

func (m *BusMetrics) Dropped(conn string) {
	if m != nil {
		m.CommandsDropped.WithLabelValues(conn).Inc()
	}
}

func (m *BusMetrics) Nak(conn, code string) {
	if m != nil {
		m.Naks.WithLabelValues(conn, code).Inc()
	}
}

// Status moves one device between the connected and secure gauges.
func (m *BusMetrics) Status(conn string, connectedDelta, secureDelta float64) {
	if m == nil {
		return
	}
	if connectedDelta != 0 {
		m.Connected.WithLabelValues(conn).Add(connectedDelta)
	}
	if secureDelta != 0 {
		m.Secure.WithLabelValues(conn).Add(secureDelta)
	}
}

// PDMetrics are the PD side metrics. A nil *PDMetrics records nothing.
type PDMetrics struct {
	Commands *prometheus.CounterVec // labels: device, code
	NaksSent *prometheus.CounterVec // labels: device, code
	Repeats  *prometheus.CounterVec // labels: device
}

// NewPDMetrics registers and returns the PD metrics.
func NewPDMetrics(reg prometheus.Registerer) *PDMetrics {
	m := &PDMetrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_pd_commands_total",
			Help: "Commands handled by command code.",
		}, []string{"device", "code"}),
		NaksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_pd_naks_sent_total",
			Help: "NAK replies sent by error code.",
		}, []string{"device", "code"}),
		Repeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdp_pd_repeated_commands_total",
			Help: "Commands answered from the previous reply after a sequence repeat.",
		}, []string{"device"}),
	}
	reg.MustRegister(m.Commands, m.NaksSent, m.Repeats)
	return m
}

func (m *PDMetrics) Command(device, code string) {
	if m != nil {
		m.Commands.WithLabelValues(device, code).Inc()
	}
}

func (m *PDMetrics) NakSent(device, code string) {
	if m != nil {
		m.NaksSent.WithLabelValues(device, code).Inc()
	}
}

func (m *PDMetrics) Repeat(device string) {
	if m != nil {
		m.Repeats.WithLabelValues(device).Inc()
	}
}
