package webserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/zsprackett/agent-mascot/internal/broadcast"
	"github.com/zsprackett/agent-mascot/internal/ingest"
	"github.com/zsprackett/agent-mascot/internal/session"
)

type TLSConfig struct {
	Mode     string // "self-signed", "autocert", "manual", or "" (disabled)
	Domain   string
	CertFile string
	KeyFile  string
	CacheDir string
}

type Config struct {
	Port int
	Host string
	// BaseURL is written into generated hook scripts. When empty it is
	// derived from the request.
	BaseURL string
	TLS     TLSConfig
}

type Server struct {
	cfg       Config
	registry  *session.Registry
	router    *broadcast.Router
	ingestor  *ingest.Ingestor
	auth      *ingest.Authenticator
	logger    *slog.Logger
	keepalive time.Duration

	mu     sync.Mutex
	http   *http.Server
	addr   string
	ctx    context.Context
	cancel context.CancelFunc
}

func New(reg *session.Registry, router *broadcast.Router, ingestor *ingest.Ingestor, auth *ingest.Authenticator, cfg Config, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		registry:  reg,
		router:    router,
		ingestor:  ingestor,
		auth:      auth,
		logger:    logger,
		keepalive: 30 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetKeepalive changes how often idle push connections are pinged. Used in
// tests only.
func (s *Server) SetKeepalive(d time.Duration) {
	s.keepalive = d
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/hooks/event", s.handleHookEvent)
	mux.HandleFunc("GET /api/hooks/status", s.handleHookStatus)
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWS)

	// Per-session management only exists when sessions are per-token.
	if !s.auth.Legacy() {
		mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
		mux.HandleFunc("GET /api/sessions/{token}", s.handleShowSession)
		mux.HandleFunc("PATCH /api/sessions/{token}", s.handleRenameSession)
		mux.HandleFunc("POST /api/sessions/{token}/regenerate", s.handleRegenerate)
		mux.HandleFunc("GET /api/sessions/{token}/hooks", s.handleHookBundle)
		mux.HandleFunc("GET /api/sessions/{token}/events", s.handleSessionEvents)
		mux.HandleFunc("GET /install/{token}", s.handleInstall)
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return fmt.Errorf("webserver tls: %w", err)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webserver listen: %w", err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.mu.Lock()
	s.http = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info("webserver: listening", "addr", s.addr, "tls", s.cfg.TLS.Mode)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webserver: serve", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown ends open push streams and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// baseURL is the origin hook scripts should post back to.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
