package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"github.com/prbarcelon/crmbridge/internal/auth"
	"github.com/prbarcelon/crmbridge/internal/config"
	"github.com/prbarcelon/crmbridge/internal/crm"
	"github.com/prbarcelon/crmbridge/internal/logging"
	"github.com/prbarcelon/crmbridge/internal/mcp"
	"github.com/prbarcelon/crmbridge/internal/metrics"
	"github.com/prbarcelon/crmbridge/internal/oauth"
	"github.com/prbarcelon/crmbridge/internal/store"
	"github.com/prbarcelon/crmbridge/internal/upstream"
)

const (
	ShutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps are the collaborators New does not build from config.
type Deps struct {
	Logger  pslog.Logger
	Metrics *metrics.Metrics
	// Store enables call history when non-nil.
	Store   *store.Store
	Version string
	// HTTPClient is used for backend calls and the OAuth login exchange.
	HTTPClient *http.Client
}

type Server struct {
	cfg        *config.Config
	logger     pslog.Logger
	metrics    *metrics.Metrics
	recorder   *store.Recorder
	svc        *crm.Service
	surface    *mcp.Surface
	sse        *mcpserver.SSEServer
	streamable *mcpserver.StreamableHTTPServer
	handler    http.Handler
	version    string
	startedAt  time.Time
}

func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Ensure(deps.Logger)

	client := upstream.New(upstream.Options{
		BaseURL:       cfg.Backend.BaseURL,
		FallbackToken: cfg.Backend.FallbackToken,
		Timeout:       cfg.Backend.Timeout.Std(),
		HTTPClient:    deps.HTTPClient,
		Logger:        logger,
		Metrics:       deps.Metrics,
	})
	signer, err := oauth.NewSigner(cfg.OAuth.SecretKey, cfg.OAuth.CodeTTL.Std())
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	oauthHandler, err := oauth.NewHandler(oauth.Options{
		Signer:       signer,
		LoginURL:     cfg.LoginURL(),
		ExpiresIn:    cfg.OAuth.TokenExpiresIn,
		Issuer:       cfg.OAuth.Issuer,
		LoginTimeout: cfg.Backend.Timeout.Std(),
		HTTPClient:   deps.HTTPClient,
		Logger:       logger,
		Metrics:      deps.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logging.WithSubsystem(logger, "server.http"),
		metrics:   deps.Metrics,
		recorder:  store.NewRecorder(deps.Store, logger),
		svc:       crm.NewService(client),
		version:   deps.Version,
		startedAt: time.Now().UTC(),
	}
	if s.version == "" {
		s.version = "dev"
	}
	s.surface = mcp.NewSurface(s.svc, mcp.Options{
		Version:  s.version,
		Logger:   logger,
		Metrics:  deps.Metrics,
		Recorder: s.recorder,
	})
	s.sse = s.surface.SSE(cfg.MCP.BaseURL)
	s.streamable = s.surface.Streamable()

	mux := http.NewServeMux()
	s.routes(mux)
	oauthHandler.Register(mux)
	mux.Handle("GET /sse", s.sse.SSEHandler())
	mux.Handle("POST /messages", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	s.handler = otelhttp.NewHandler(s.requestLogger(auth.Middleware(mux)), "crmbridge",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Surface exposes the tool-call surface, mainly for in-process clients.
func (s *Server) Surface() *mcp.Surface {
	return s.surface
}

// Run serves until ctx is cancelled or the process receives SIGINT or
// SIGTERM, then drains for up to ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	lifecycle := logging.WithSubsystem(s.logger, "server.lifecycle")
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return pslog.ContextWithLogger(context.Background(), s.logger) },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	lifecycle.Info("server.listening", "addr", ln.Addr().String(), "environment", s.cfg.Environment,
		"backend", s.cfg.Backend.BaseURL, "history", s.recorder != nil, "version", s.version)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	lifecycle.Info("server.shutdown.begin")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := s.sse.Shutdown(shutdownCtx); err != nil {
		lifecycle.Warn("server.shutdown.sse", "error", err)
	}
	if err := s.streamable.Shutdown(shutdownCtx); err != nil {
		lifecycle.Warn("server.shutdown.streamable", "error", err)
	}
	err = httpSrv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	lifecycle.Info("server.shutdown.done", "error", err)
	return err
}
