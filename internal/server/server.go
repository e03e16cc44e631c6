package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/agendomat/myproto/internal/common"
	"github.com/agendomat/myproto/internal/database"
	"golang.org/x/sync/errgroup"
)

// WebSocketPath is the HTTP path that upgrades to a protocol session.
const WebSocketPath = "/myproto"

// Server coordinates the listeners, the session manager, the journal and
// the HTTP surfaces.
type Server struct {
	config   *common.ServerConfig
	registry *Registry
	manager  *SessionManager
	listener *Listener
	metrics  *Metrics
	auth     Authenticator
	api      *API
	db       *database.DB
	logger   *slog.Logger
}

// NewServer creates a server. The journal is opened when a database path
// is configured.
func NewServer(cfg *common.ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *database.DB
	if cfg.DatabasePath != "" {
		var err error
		db, err = database.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	baseAuth, err := NewAuthenticatorFromConfig(&cfg.Auth)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	var (
		auth    Authenticator = baseAuth
		journal SessionJournal
		store   Store
	)
	if db != nil {
		auth = NewDatabaseAuthenticator(db, baseAuth)
		journal = db
		store = db
	}

	metrics := NewMetrics("myproto")
	registry := NewRegistry(cfg.Limits.MaxSessions)
	manager := NewSessionManager(cfg, registry, journal, metrics, logger)

	s := &Server{
		config:   cfg,
		registry: registry,
		manager:  manager,
		metrics:  metrics,
		auth:     auth,
		api:      NewAPI(registry, store, auth, logger),
		db:       db,
		logger:   logger.With(slog.String("component", "server")),
	}
	if cfg.ListenAddr != "" {
		s.listener = NewListener(cfg, manager, logger)
	}
	return s, nil
}

// Handler returns the HTTP handler: WebSocket sessions, the API and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WebSocketPath, s.manager.HandleWebSocket)
	s.api.Register(mux)
	if s.config.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	}
	return mux
}

// Run starts every configured component and blocks until ctx is cancelled
// or a component fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting server",
		slog.String("listen_addr", s.config.ListenAddr),
		slog.String("http_addr", s.config.HTTPAddr),
		slog.String("transport", s.config.Transport),
		slog.Bool("echo_frames", s.config.EchoFrames),
		slog.Bool("journal", s.db != nil))

	g, ctx := errgroup.WithContext(ctx)

	if s.listener != nil {
		if err := s.listener.Listen(); err != nil {
			return err
		}
		g.Go(func() error {
			return s.listener.Serve(ctx)
		})
	}

	var httpServer *http.Server
	if s.config.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.config.HTTPAddr)
		if err != nil {
			if s.listener != nil {
				s.listener.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
		}
		httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.logger.Info("http listening", slog.String("addr", ln.Addr().String()))

		g.Go(func() error {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown(httpServer)
	})

	err := g.Wait()
	s.logger.Info("server stopped")
	return err
}

// shutdown stops the HTTP server and the listener and closes every session.
func (s *Server) shutdown(httpServer *http.Server) error {
	grace := s.config.Timeouts.ShutdownTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}
	s.logger.Info("stopping server", slog.Duration("grace_period", grace))

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("listener: %w", err))
		}
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the journal. Call after Run returns.
func (s *Server) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Registry returns the server's live session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Manager returns the session manager.
func (s *Server) Manager() *SessionManager {
	return s.manager
}

// ListenerAddr returns the bound TCP address, if any.
func (s *Server) ListenerAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// CreateAPIToken stores a new API token and returns its plaintext form.
func (s *Server) CreateAPIToken(name string, admin bool) (string, error) {
	if s.db == nil {
		return "", errors.New("api tokens require a database")
	}
	_, plain, err := s.db.CreateAPIToken(common.GenerateTokenID(), common.GenerateSecret(), name, admin)
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return plain, nil
}
