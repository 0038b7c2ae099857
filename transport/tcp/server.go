// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ffutop/osdp-gateway/transport"
)

// Server is an OSDP bus carried over an inbound TCP connection. Only one
// peer is attached at a time: a newly accepted connection replaces the
// current one.
type Server struct {
	Address     string
	Timeout     time.Duration
	ReadTimeout time.Duration
	Logger      *zap.Logger

	limiter *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewServer creates a new TCP Server accepting at most acceptRate
// connections per second with the given burst.
func NewServer(address string, acceptRate float64, burst int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if acceptRate > 0 {
		limit = rate.Limit(acceptRate)
	}
	return &Server{
		Address:     address,
		Timeout:     tcpTimeout,
		ReadTimeout: readTimeout,
		Logger:      logger,
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// Open starts listening. It is a no-op when already listening.
func (s *Server) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	s.Logger.Info("tcp server listening", zap.String("addr", listener.Addr().String()))

	actx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.acceptLoop(actx, listener, s.done)
	return nil
}

// Addr returns the listening address, or nil before Open.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, done chan struct{}) {
	defer close(done)
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.Logger.Error("failed to accept connection", zap.Error(err))
				continue
			}
		}
		s.Logger.Info("tcp peer connected", zap.String("addr", conn.RemoteAddr().String()))

		s.mu.Lock()
		if s.conn != nil {
			s.Logger.Info("replacing tcp peer", zap.String("addr", s.conn.RemoteAddr().String()))
			s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()
	}
}

// Close stops listening and drops the attached peer.
func (s *Server) Close() error {
	s.mu.Lock()
	listener, cancel, done := s.listener, s.cancel, s.done
	s.listener, s.cancel, s.done = nil, nil, nil
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	if listener == nil {
		return nil
	}
	cancel()
	err := listener.Close()
	<-done
	return err
}

func (s *Server) current() (net.Conn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil, false, transport.ErrClosed
	}
	return s.conn, s.conn != nil, nil
}

func (s *Server) drop(conn net.Conn) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn == conn {
			s.Logger.Info("tcp peer disconnected", zap.String("addr", conn.RemoteAddr().String()))
			conn.Close()
			s.conn = nil
		}
	}
}

// Read reads from the attached peer. Without a peer it waits for the
// read timeout and reports transport.ErrTimeout, so a bus keeps running
// while nobody is connected.
func (s *Server) Read(p []byte) (int, error) {
	conn, ok, err := s.current()
	if err != nil {
		return 0, err
	}
	if !ok {
		time.Sleep(s.ReadTimeout)
		return 0, transport.ErrTimeout
	}
	n, err := readWithTimeout(conn, p, s.ReadTimeout, s.drop(conn))
	if err != nil && err != transport.ErrTimeout {
		return n, transport.ErrTimeout
	}
	return n, err
}

// Write writes to the attached peer. Bytes written without a peer are
// discarded, the same as on an unterminated RS-485 line.
func (s *Server) Write(p []byte) (int, error) {
	conn, ok, err := s.current()
	if err != nil {
		return 0, err
	}
	if !ok {
		return len(p), nil
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.Timeout)); err != nil {
		s.drop(conn)()
		return 0, err
	}
	n, err := conn.Write(p)
	if err != nil {
		s.drop(conn)()
		return n, fmt.Errorf("failed to write to connection: %w", err)
	}
	return n, nil
}

func (s *Server) String() string {
	return "tcp-server:" + s.Address
}
