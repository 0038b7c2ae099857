// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBusMetrics(reg)

	m.FrameSent("bus")
	m.FrameSent("bus")
	m.FrameReceived("bus")
	m.FrameError("bus", "checksum")
	m.ReplyTimeout("bus")
	m.Retry("bus")
	m.Dropped("bus")
	m.Nak("bus", "UnknownCommandCode")
	m.Status("bus", 1, 1)
	m.Status("bus", 0, -1)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.FramesSent.WithLabelValues("bus")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesReceived.WithLabelValues("bus")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FrameErrors.WithLabelValues("bus", "checksum")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReplyTimeouts.WithLabelValues("bus")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Retries.WithLabelValues("bus")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandsDropped.WithLabelValues("bus")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Naks.WithLabelValues("bus", "UnknownCommandCode")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Connected.WithLabelValues("bus")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Secure.WithLabelValues("bus")))
}

func TestPDMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPDMetrics(reg)

	m.Command("pd-1", "osdp_POLL")
	m.NakSent("pd-1", "UnsupportedSecurity")
	m.Repeat("pd-1")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Commands.WithLabelValues("pd-1", "osdp_POLL")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NaksSent.WithLabelValues("pd-1", "UnsupportedSecurity")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Repeats.WithLabelValues("pd-1")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.Commands)+testutil.CollectAndCount(m.NaksSent)+testutil.CollectAndCount(m.Repeats))
}

func TestNilMetrics(t *testing.T) {
	var bm *BusMetrics
	var pm *PDMetrics
	assert.NotPanics(t, func() {
		bm.FrameSent("bus")
		bm.Status("bus", 1, 1)
		pm.Command("pd", "osdp_ID")
		pm.Repeat("pd")
	})
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	NewBusMetrics(reg).FrameSent("bus")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `osdp_acu_frames_sent_total{connection="bus"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
