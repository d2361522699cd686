package daemon

import (
	"context"
	"errors"
	"fmt"
	"mere/internal/logger"
	"mere/internal/model"
	"mere/internal/repository"
	"net"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type StatusSource interface {
	Snapshot() model.EngineSnapshot
}

type HistoryStore interface {
	GetRecent(limit int) ([]model.History, error)
	GetFailed(limit int) ([]model.History, error)
	GetStats() (repository.Stats, error)
}

type Server struct {
	echo   *echo.Echo
	status StatusSource
	// history is nil when history recording is disabled.
	history HistoryStore
	port    int
	stopCh  chan struct{}
}

func NewServer(status StatusSource, history HistoryStore, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		status:  status,
		history: history,
		port:    port,
		stopCh:  make(chan struct{}, 1),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/status", s.handleStatus)
	s.echo.POST("/stop", s.handleStop)

	s.echo.GET("/history", s.handleHistory)
	s.echo.GET("/history/stats", s.handleStats)
}

// Start binds 127.0.0.1:port and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.echo.Listener = l

	go func() {
		logger.Log.Info("status server started",
			zap.String("addr", addr))

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("status server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// StopCh receives once per POST /stop.
func (s *Server) StopCh() <-chan struct{} {
	return s.stopCh
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status.Snapshot())
}

func (s *Server) handleStop(c echo.Context) error {
	select {
	case s.stopCh <- struct{}{}:
	default:
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleHistory(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "history is disabled"})
	}

	n := 20
	if nStr := c.QueryParam("n"); nStr != "" {
		parsed, err := strconv.Atoi(nStr)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
		}
		n = parsed
	}

	var (
		histories []model.History
		err       error
	)
	if failed, _ := strconv.ParseBool(c.QueryParam("failed")); failed {
		histories, err = s.history.GetFailed(n)
	} else {
		histories, err = s.history.GetRecent(n)
	}

	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, histories)
}

func (s *Server) handleStats(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "history is disabled"})
	}

	stats, err := s.history.GetStats()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, stats)
}
