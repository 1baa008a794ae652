// Package gateway terminates websocket connections and maps wire
// actions onto prompt runs. Each connection owns a read pump, a write
// pump, and any number of concurrent prompt runs; chunks stream back
// over the same socket as response-chunk frames.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codebuff/agent-runtime/internal/executor"
	"github.com/codebuff/agent-runtime/internal/llm"
	"github.com/codebuff/agent-runtime/internal/observability"
	"github.com/codebuff/agent-runtime/internal/streamparser"
)

const (
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsMaxPayloadBytes = 16 << 20

	wsSendBuffer = 256
)

// Config assembles a Server.
type Config struct {
	// Addr is the listen address, e.g. ":4242".
	Addr string

	// AuthToken, when set, is required on prompt and init actions.
	AuthToken string

	// Provider streams LLM turns for every run on this server.
	Provider llm.Provider

	// WebSearch is the injected external search capability; optional.
	WebSearch executor.Handler

	// ChildSteps overrides the per-child step budget; 0 keeps the
	// default.
	ChildSteps int

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Server accepts websocket clients and runs their prompts.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer creates a gateway server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The CLI connects from arbitrary local contexts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the HTTP mux for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving connections until Shutdown.
func (s *Server) ListenAndServe() error {
	s.cfg.Logger.Info("gateway listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server. In-flight prompt runs are cancelled
// through their connection contexts.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Inc()
		defer s.cfg.Metrics.ActiveConnections.Dec()
	}

	conn := newConn(s, ws)
	conn.run()
}

// countingProvider wraps the configured provider to count model turns.
type countingProvider struct {
	inner   llm.Provider
	metrics *observability.Metrics
}

func (p *countingProvider) Name() string { return p.inner.Name() }

func (p *countingProvider) Stream(ctx context.Context, req *llm.Request) (<-chan streamparser.Chunk, error) {
	p.metrics.LLMTurnCounter.WithLabelValues(p.inner.Name(), req.Model).Inc()
	return p.inner.Stream(ctx, req)
}

func (s *Server) provider() llm.Provider {
	if s.cfg.Metrics == nil {
		return s.cfg.Provider
	}
	return &countingProvider{inner: s.cfg.Provider, metrics: s.cfg.Metrics}
}
