// Package statushttp exposes the read-only status surface and Prometheus
// metrics over HTTP.
package statushttp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ineyio/inferpool"
)

type Server struct {
	e      *echo.Echo
	logger *zap.Logger
}

// New builds the status server. gatherer may be nil, which leaves /metrics
// unregistered.
func New(status *inferpool.Status, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover())
	e.Use(echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			logger.Debug("http request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	v1 := e.Group("/v1")
	v1.GET("/stats", statsHandler(status))
	v1.GET("/providers", providersHandler(status))
	v1.GET("/providers/:id", providerHandler(status))
	v1.GET("/providers/:id/balance", providerBalanceHandler(status))
	v1.GET("/identities/:identity/quota", quotaHandler(status))
	v1.GET("/identities/:identity/balance", balanceHandler(status))

	return &Server{e: e, logger: logger}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.logger.Info("status server listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func statsHandler(status *inferpool.Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := status.ActiveProviders(c.Request().Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"active_providers": n})
	}
}

func providersHandler(status *inferpool.Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		snaps, err := status.Health(c.Request().Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"providers": snaps})
	}
}

func providerHandler(status *inferpool.Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		snap, err := status.ProviderHealth(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, snap)
	}
}

func providerBalanceHandler(status *inferpool.Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		bal, err := status.ProviderBalance(c.Request().Context(), id)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"provider_id": id, "points": bal})
	}
}

func quotaHandler(status *inferpool.Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity := c.Param("identity")
		class := inferpool.IdentityClass(strings.TrimSpace(c.QueryParam("class")))
		if class == "" {
			var ok bool
			if class, ok = inferpool.ClassifyKey(identity); !ok {
				class = inferpool.ClassAnonymous
			}
		}
		left, err := status.QuotaRemaining(c.Request().Context(), identity, class)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"identity": identity, "class": class, "remaining": left})
	}
}

func balanceHandler(status *inferpool.Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity := c.Param("identity")
		bal, err := status.Balance(c.Request().Context(), identity)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"identity": identity, "points": bal})
	}
}

func fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, inferpool.ErrProviderNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "provider not found"})
	case errors.Is(err, inferpool.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		c.Logger().Errorf("status query failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
}
