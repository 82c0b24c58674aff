// Package embedded runs an interlock lease server in-process.
package embedded

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/app"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/server"
)

// Config configures the embedded server
type Config struct {
	// DBPath is the path to the SQLite database file.
	// If empty, defaults to ~/.interlock/interlock.db
	DBPath string

	// Port is the HTTP port to listen on. If 0, defaults to 7390; use -1
	// for an ephemeral port.
	Port int

	// Host is the host to bind to.
	// If empty, defaults to localhost (127.0.0.1).
	Host string

	// KeysFile enables API key authentication with the given keys file.
	// Empty means no authentication.
	KeysFile string

	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	app     *app.App
	srv     *server.Server
	started bool
	mu      sync.Mutex
	errc    chan error
}

// New opens the database and prepares the server; call Start to listen.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".interlock", "interlock.db")
	}
	switch cfg.Port {
	case 0:
		cfg.Port = 7390
	case -1:
		cfg.Port = 0
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	appCfg, err := config.Load("", nil)
	if err != nil {
		return nil, err
	}
	appCfg.Listen = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	appCfg.Storage.Driver = "sqlite"
	appCfg.Storage.DSN = cfg.DBPath
	appCfg.Auth.KeysFile = cfg.KeysFile

	var opts []app.Option
	if cfg.KeysFile == "" {
		opts = append(opts, app.WithoutAuth())
	}
	a, err := app.New(context.Background(), appCfg, cfg.Logger, opts...)
	if err != nil {
		return nil, err
	}
	srv, err := server.New(server.Config{Addr: appCfg.Listen, Handler: a.Handler, Logger: cfg.Logger})
	if err != nil {
		a.Close()
		return nil, err
	}
	return &Server{cfg: cfg, app: a, srv: srv, errc: make(chan error, 1)}, nil
}

// Start begins serving in the background. The listener is already bound,
// so requests succeed as soon as Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.app.Start(context.Background())
	go func() {
		if err := s.srv.Start(); err != nil {
			s.cfg.Logger.Error("interlock server error", "error", err)
			s.errc <- err
		}
	}()
	return nil
}

// Stop stops the embedded server gracefully
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return s.app.Close()
	}
	s.started = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	if cerr := s.app.Close(); err == nil {
		err = cerr
	}
	return err
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.srv.Addr()
}

// App exposes the assembled components for direct in-process calls.
func (s *Server) App() *app.App {
	return s.app
}
