// Package admin exposes a small HTTP status API for operators. It is off
// by default and carries no authentication; bind it to an address your
// monitoring can reach, not the public internet.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"retro/server/internal/directory"
)

// Server is the Echo application.
type Server struct {
	echo        *echo.Echo
	dir         *directory.Directory
	activeCalls func() int
	started     time.Time
}

// New constructs the status API. activeCalls may be nil when the audio
// server is disabled.
func New(dir *directory.Directory, activeCalls func() int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:        e,
		dir:         dir,
		activeCalls: activeCalls,
		started:     time.Now(),
	}
	e.GET("/health", s.handleHealth)
	e.GET("/api/status", s.handleStatus)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Online int    `json:"online"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Online: s.dir.OnlineCount(),
	})
}

type statusResponse struct {
	Online        int    `json:"online"`
	Registered    int    `json:"registered"`
	ActiveCalls   int    `json:"active_calls"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	StartedAt     string `json:"started_at"`
}

func (s *Server) handleStatus(c echo.Context) error {
	calls := 0
	if s.activeCalls != nil {
		calls = s.activeCalls()
	}
	return c.JSON(http.StatusOK, statusResponse{
		Online:        s.dir.OnlineCount(),
		Registered:    s.dir.RegisteredCount(),
		ActiveCalls:   calls,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		StartedAt:     s.started.UTC().Format(time.RFC3339),
	})
}
