// Package server runs the HTTP API on a TCP address and, optionally, a
// unix socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sourcegraph/conc"
)

const readHeaderTimeout = 10 * time.Second

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
	Logger     *slog.Logger
}

type Server struct {
	cfg    Config
	http   *http.Server
	tcpLn  net.Listener
	unix   *http.Server
	unixLn net.Listener
	logger *slog.Logger
}

// New binds the listeners immediately so a bad address or stale socket is
// reported before Start.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errLog := slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s := &Server{
		cfg:    cfg,
		http:   &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout, ErrorLog: errLog},
		tcpLn:  ln,
		logger: logger,
	}

	if cfg.SocketPath != "" {
		// Remove stale socket file from previous run
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			ln.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		uln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			ln.Close()
			uln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = uln
		s.unix = &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout, ErrorLog: errLog}
	}

	return s, nil
}

// Addr is the bound TCP address, useful when Config.Addr used port 0.
func (s *Server) Addr() string {
	return s.tcpLn.Addr().String()
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	var wg conc.WaitGroup
	errs := make(chan error, 2)
	if s.unixLn != nil {
		s.logger.Info("serving on unix socket", "path", s.cfg.SocketPath)
		wg.Go(func() { errs <- s.unix.Serve(s.unixLn) })
	}
	s.logger.Info("serving", "addr", s.Addr())
	wg.Go(func() { errs <- s.http.Serve(s.tcpLn) })
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err != nil && !errors.Is(err, http.ErrServerClosed) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		os.Remove(s.cfg.SocketPath)
	}

	if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
