// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package capture records raw bus frames and decodes recorded traffic.
package capture

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// TraceVersion is written into every record.
const TraceVersion = "1"

// Direction tags a record relative to the process that captured it.
type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
	Trace  Direction = "trace"
)

// Record is one raw frame seen on a connection.
type Record struct {
	ConnectionID uuid.UUID
	Direction    Direction
	Time         time.Time
	Data         []byte
}

type line struct {
	TimeSec      string `json:"timeSec"`
	TimeNano     string `json:"timeNano"`
	IO           string `json:"io"`
	Data         string `json:"data"`
	TraceVersion string `json:"traceVersion"`
	Source       string `json:"source"`
	Connection   string `json:"connection,omitempty"`
}

// Marshal encodes r as one capture line, without the trailing newline.
func (r Record) Marshal(source string) ([]byte, error) {
	l := line{
		TimeSec:      strconv.FormatInt(r.Time.Unix(), 10),
		TimeNano:     fmt.Sprintf("%09d", r.Time.Nanosecond()),
		IO:           string(r.Direction),
		Data:         hex.EncodeToString(r.Data),
		TraceVersion: TraceVersion,
		Source:       source,
	}
	if r.ConnectionID != uuid.Nil {
		l.Connection = r.ConnectionID.String()
	}
	return json.Marshal(l)
}

// Unmarshal parses one capture line.
func Unmarshal(b []byte) (Record, error) {
	var l line
	if err := json.Unmarshal(b, &l); err != nil {
		return Record{}, fmt.Errorf("capture: %w", err)
	}
	sec, err := strconv.ParseInt(l.TimeSec, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("capture: bad timeSec %q: %w", l.TimeSec, err)
	}
	nsec, err := strconv.ParseInt(l.TimeNano, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("capture: bad timeNano %q: %w", l.TimeNano, err)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(l.Data, "-", ""))
	if err != nil {
		return Record{}, fmt.Errorf("capture: bad data: %w", err)
	}
	r := Record{
		Direction: Direction(strings.ToLower(l.IO)),
		Time:      time.Unix(sec, nsec),
		Data:      data,
	}
	if l.Connection != "" {
		if r.ConnectionID, err = uuid.Parse(l.Connection); err != nil {
			return Record{}, fmt.Errorf("capture: bad connection id: %w", err)
		}
	}
	return r, nil
}

// Sink receives captured frames. Implementations must not block the bus.
type Sink interface {
	Capture(r Record)
}

// FuncSink adapts a function to a Sink.
type FuncSink func(r Record)

func (f FuncSink) Capture(r Record) { f(r) }

// MultiSink fans records out to several sinks.
type MultiSink []Sink

func (m MultiSink) Capture(r Record) {
	for _, s := range m {
		s.Capture(r)
	}
}

// WriterSink writes capture lines to w.
type WriterSink struct {
	Source string
	Logger *zap.Logger

	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer, source string, logger *zap.Logger) *WriterSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriterSink{w: w, Source: source, Logger: logger}
}

func (s *WriterSink) Capture(r Record) {
	b, err := r.Marshal(s.Source)
	if err != nil {
		s.Logger.Warn("capture encode failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		s.Logger.Warn("capture write failed", zap.Error(err))
	}
}

// NATSSink publishes capture lines on <subject>.<connection id>.
type NATSSink struct {
	Subject string
	Source  string
	Logger  *zap.Logger

	nc *nats.Conn
}

// DialNATS connects to url and returns a sink publishing on subject.
func DialNATS(url, subject, source string, logger *zap.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name(source),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("capture: connect to nats %s: %w", url, err)
	}
	return NewNATSSink(nc, subject, source, logger), nil
}

func NewNATSSink(nc *nats.Conn, subject, source string, logger *zap.Logger) *NATSSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{Subject: subject, Source: source, Logger: logger, nc: nc}
}

func (s *NATSSink) Capture(r Record) {
	b, err := r.Marshal(s.Source)
	if err != nil {
		s.Logger.Warn("capture encode failed", zap.Error(err))
		return
	}
	// Publish only buffers; it never waits for the server.
	if err := s.nc.Publish(s.Subject+"."+r.ConnectionID.String(), b); err != nil {
		s.Logger.Warn("capture publish failed", zap.String("subject", s.Subject), zap.Error(err))
	}
}

// Close drains pending publications and closes the connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
