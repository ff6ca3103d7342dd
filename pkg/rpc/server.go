package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
	"golang.org/x/sync/semaphore"
)

// Server exposes the JSON-RPC API over HTTP.
type Server struct {
	cfg  config.HttpConfig
	rpc  *gethrpc.Server
	echo *echo.Echo
	api  *RelayerAPI
}

// NewRPCServer registers the relayer_ and health_ services on a go-ethereum
// rpc server. It is also what in-process clients dial in tests.
func NewRPCServer(api *RelayerAPI) (*gethrpc.Server, error) {
	server := gethrpc.NewServer()
	if err := server.RegisterName(RelayerNamespace, api); err != nil {
		return nil, fmt.Errorf("failed to register %s api: %w", RelayerNamespace, err)
	}
	if err := server.RegisterName(HealthNamespace, &HealthAPI{health: api.health}); err != nil {
		return nil, fmt.Errorf("failed to register %s api: %w", HealthNamespace, err)
	}
	return server, nil
}

func NewServer(cfg config.HttpConfig, api *RelayerAPI) (*Server, error) {
	rpcServer, err := NewRPCServer(api)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, rpc: rpcServer, api: api}
	s.echo = s.routes()
	return s, nil
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	if len(s.cfg.Cors) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.cfg.Cors,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType},
		}))
	}
	if s.cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.api.health.Check())
	})
	rpcHandler := echo.WrapHandler(s.rpc)
	e.POST("/", rpcHandler, concurrencyLimit(s.cfg.MaxConcurrentRequests), requestTimeout(s.cfg.RequestTimeout))
	return e
}

// Handler is the HTTP handler, for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("[RPCServer] [Start] listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to serve on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("[RPCServer] [Start] forced shutdown")
	}
	s.rpc.Stop()
	log.Info().Msg("[RPCServer] [Start] stopped")
	return nil
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := log.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = log.Warn().Err(v.Error)
			}
			event.Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).
				Dur("latency", v.Latency).Msg("[RPCServer] request")
			return nil
		},
	})
}

// concurrencyLimit rejects requests beyond max in flight with 503 rather
// than queueing them.
func concurrencyLimit(max int64) echo.MiddlewareFunc {
	if max <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	sem := semaphore.NewWeighted(max)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !sem.TryAcquire(1) {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "too many concurrent requests"})
			}
			defer sem.Release(1)
			return next(c)
		}
	}
}

func requestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
