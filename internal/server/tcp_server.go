package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"avl-ingest/internal/audit"
	"avl-ingest/internal/config"
	"avl-ingest/internal/model"
	"avl-ingest/internal/observability"
	"avl-ingest/internal/pipeline"
	"avl-ingest/internal/store"
)

var ErrBind = errors.New("bind failed")

const (
	acceptPoll      = time.Second
	keepAlivePeriod = 60 * time.Second
)

// Deps are the collaborators shared by every session. Notifier, Audit and
// Logger are optional.
type Deps struct {
	Registry store.Registry
	Sink     store.Sink
	Notifier pipeline.Notifier
	Audit    *audit.Writer
	Logger   *slog.Logger
}

type nopNotifier struct{}

func (nopNotifier) DeviceConnected(context.Context, *model.Device, string)          {}
func (nopNotifier) PositionStored(context.Context, *model.Device, *model.Position) {}

func (d Deps) withDefaults() Deps {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Server accepts device connections and runs one Session per connection.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.ServerConfig, deps Deps) *Server {
	deps = deps.withDefaults()
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "tcp"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("TCP server listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts until ctx is done or Close is called, then drains sessions.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	ln := s.ln
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	tl, _ := ln.(*net.TCPListener)
	for ctx.Err() == nil {
		if tl != nil {
			_ = tl.SetDeadline(time.Now().Add(acceptPoll))
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		observability.TCPConnections.Inc()
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}

	_ = ln.Close()
	s.drain()
	return nil
}

// Close stops accepting; Serve returns once sessions have drained.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

// drain waits up to ShutdownGrace for sessions, then closes whatever is
// still connected.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(s.cfg.ShutdownGrace)
	defer t.Stop()
	select {
	case <-done:
		return
	case <-t.C:
	}

	s.mu.Lock()
	s.logger.Warn("shutdown grace expired, closing connections", "open", len(s.conns))
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	<-done
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	observability.ActiveSessions.Inc()
	defer observability.ActiveSessions.Dec()

	sess := NewSession(conn, s.cfg, s.deps)
	err := sess.Run(ctx)

	logger := sess.logger.With("state", sess.state.String())
	sess.state = stateClosed
	switch {
	case err == nil:
		logger.Info("session stopped")
	case errors.Is(err, io.EOF):
		logger.Info("device disconnected")
	case errors.Is(err, ErrTimeout):
		logger.Info("device idle, closing", "err", err)
	default:
		logger.Error("session closed", "err", err)
	}
}
