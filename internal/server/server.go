package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sadewadee/katexd/internal/config"
	"github.com/sadewadee/katexd/internal/handler"
	"github.com/sadewadee/katexd/internal/protocol"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server is the katexd connection manager. It accepts framed render requests
// on a unix socket or a loopback TCP port and answers each one in order on
// the connection it arrived on.
type Server struct {
	listen  config.ListenConfig
	cfg     config.ServerConfig
	handler *handler.Handler
	metrics *Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	unlinked bool
}

// New creates a server. metrics may be nil.
func New(listen config.ListenConfig, cfg config.ServerConfig, h *handler.Handler, metrics *Metrics, logger *slog.Logger) *Server {
	if cfg.ReadBufferSize < 1 {
		cfg.ReadBufferSize = 32 * 1024
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listen:  listen,
		cfg:     cfg,
		handler: h,
		metrics: metrics,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Listen binds the configured address. A socket file left behind by a dead
// process is removed first; a socket with a live server behind it is not.
func (s *Server) Listen() error {
	network, address := s.listen.Network(), s.listen.Address()

	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return err
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listen, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("katexd listening", "network", network, "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds and then serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Shutdown and always returns a non-nil
// error; ErrServerClosed after a clean shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accepting connection: %w", err)
			}
			// Anything else, such as EMFILE under a connection flood, is
			// transient.
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.logger.Warn("accept error, retrying", "error", err, "delay", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close()
			continue
		}
		go s.serveConn(conn)
	}
}

// Shutdown stops accepting, lets every connection finish the request it is
// handling, and waits for the connections to end. When ctx expires first the
// remaining connections are closed and in-flight renders are canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.ln
	// Unblock every pending read; a connection mid-request finishes first.
	for c := range s.conns {
		c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	s.logger.Info("katexd shutting down")

	var lnErr error
	if ln != nil {
		lnErr = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		<-done
		err = ctx.Err()
	}
	s.cancel()

	s.removeSocket()
	if err == nil && lnErr != nil && !errors.Is(lnErr, net.ErrClosed) {
		err = lnErr
	}
	return err
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// armRead sets the next read deadline, unless shutdown has already expired it.
func (s *Server) armRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	if d := s.cfg.IdleTimeout.Duration(); d > 0 {
		conn.SetReadDeadline(time.Now().Add(d))
	}
	return true
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With("conn_id", uuid.NewString(), "remote_addr", remoteAddr(conn))
	transport := s.listen.Network()

	s.metrics.ConnOpened(transport)
	defer s.metrics.ConnClosed(transport)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic in connection handler",
				"error", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()

	logger.Debug("connection accepted")

	dec := protocol.NewDecoder(s.cfg.MaxFrameSize)
	buf := make([]byte, s.cfg.ReadBufferSize)

	emit := func(payload string) error {
		resp := s.handler.Handle(s.baseCtx, payload)
		data, err := resp.Marshal()
		if err != nil {
			return fmt.Errorf("encoding response: %w", err)
		}
		if err := protocol.WriteFrame(conn, data); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		return nil
	}

	for {
		if !s.armRead(conn) {
			s.dropPartial(logger, dec)
			logger.Debug("connection closed for shutdown")
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := dec.Feed(buf[:n], emit); ferr != nil {
				switch {
				case errors.Is(ferr, protocol.ErrNegativeLength):
					s.metrics.FramingError("negative_length")
					logger.Warn("framing error, closing connection", "error", ferr)
				case errors.Is(ferr, protocol.ErrFrameTooLarge):
					s.metrics.FramingError("too_large")
					logger.Warn("framing error, closing connection", "error", ferr)
				default:
					logger.Debug("connection write failed", "error", ferr)
				}
				return
			}
		}

		if err != nil {
			s.dropPartial(logger, dec)
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				logger.Debug("connection closed by peer")
			case errors.As(err, &ne) && ne.Timeout():
				if !s.isClosing() {
					logger.Info("closing idle connection", "idle_timeout", s.cfg.IdleTimeout.Duration())
				}
			default:
				logger.Warn("connection read failed", "error", err)
			}
			return
		}
	}
}

// dropPartial discards an incomplete trailing frame. The peer gets no
// response for it.
func (s *Server) dropPartial(logger *slog.Logger, dec *protocol.Decoder) {
	if dropped := dec.Reset(); dropped > 0 {
		s.metrics.PartialDropped(dropped)
		logger.Debug("incomplete frame dropped", "bytes", dropped)
	}
}

func (s *Server) removeSocket() {
	if s.listen.Network() != "unix" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlinked || s.ln == nil {
		return
	}
	s.unlinked = true
	if err := os.Remove(s.listen.Address()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing socket file", "path", s.listen.Address(), "error", err)
	}
}

// removeStaleSocket deletes a socket file nobody is accepting on. Anything
// that is not a socket is left alone.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking socket path: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is in use by another process", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}
