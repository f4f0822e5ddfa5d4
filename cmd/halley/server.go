package main

import (
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/cometwire/halley/pkg/broker"
	"github.com/cometwire/halley/pkg/metrics"
	"github.com/cometwire/halley/pkg/transport"
	"github.com/cometwire/halley/pkg/version"
)

// newRouter assembles the HTTP surface: the Bayeux endpoint, health, and
// metrics.
func newRouter(b *broker.Broker, t *transport.LongPolling, m *metrics.Metrics, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger(logger))

	e.Any("/bayeux", func(c *echo.Context) error {
		t.ServeHTTP(c.Response(), c.Request())
		return nil
	})
	e.GET("/health", handleHealth(b))
	e.GET("/metrics", func(c *echo.Context) error {
		m.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})
	return e
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requestLogger logs each request at debug with method, path, status, and
// duration. The Bayeux endpoint is noisy by nature, so nothing logs above
// debug here.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			status := 0
			if resp, respErr := echo.UnwrapResponse(c.Response()); respErr == nil {
				status = resp.Status
			}
			logger.Debug("HTTP request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds())
			return err
		}
	}
}

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Sessions      int     `json:"sessions"`
	Channels      int     `json:"channels"`
	HeldConnects  int64   `json:"heldConnects"`
	Goroutines    int     `json:"goroutines"`
	RSSBytes      uint64  `json:"rssBytes,omitempty"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
}

var started = time.Now()

func handleHealth(b *broker.Broker) echo.HandlerFunc {
	return func(c *echo.Context) error {
		resp := healthResponse{
			Status:        "ok",
			Version:       version.Full(),
			UptimeSeconds: int64(time.Since(started).Seconds()),
			Sessions:      b.SessionCount(),
			Channels:      b.ChannelCount(),
			HeldConnects:  b.HeldConnects(),
			Goroutines:    runtime.NumGoroutine(),
		}
		// Process stats are best effort.
		if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if mem, err := p.MemoryInfo(); err == nil {
				resp.RSSBytes = mem.RSS
			}
			if cpu, err := p.CPUPercent(); err == nil {
				resp.CPUPercent = cpu
			}
		}
		return c.JSON(http.StatusOK, resp)
	}
}
