package main

import (
	"context"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// APIServer exposes read-only operational endpoints on a separate TCP port
// from the WebTransport signaling server (spec §6: no administrative surface
// beyond health and metrics).
type APIServer struct {
	room *Room
	echo *echo.Echo
}

func NewAPIServer(room *Room) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &APIServer{room: room, echo: e}
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", s.handleMetrics)
	return s
}

// Run starts the Echo HTTP server on addr and blocks until ctx is cancelled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *APIServer) handleHealth(c echo.Context) error {
	_, _, _, sessions := s.room.Stats()
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Sessions: sessions})
}

type MetricsResponse struct {
	Sessions   int    `json:"sessions"`
	Datagrams  uint64 `json:"datagrams"`
	Bytes      uint64 `json:"bytes"`
	Skipped    uint64 `json:"skipped_sends"`
	Goroutines int    `json:"goroutines"`
}

func (s *APIServer) handleMetrics(c echo.Context) error {
	datagrams, bytes, skipped, sessions := s.room.Stats()
	return c.JSON(http.StatusOK, MetricsResponse{
		Sessions:   sessions,
		Datagrams:  datagrams,
		Bytes:      bytes,
		Skipped:    skipped,
		Goroutines: runtime.NumGoroutine(),
	})
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
