package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/outboundly/campaigngw/internal/progress"
	"github.com/outboundly/campaigngw/internal/repository"
	"github.com/outboundly/campaigngw/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct{ e *echo.Echo }

// NewServer wires the operator API: campaign control operations served
// by the scheduler that owns the in-process dispatcher registry, plus
// progress and attempt-log reads.
func NewServer(sched *scheduler.Scheduler, prog *progress.Cache, attempts repository.AttemptsRepository) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	v1 := e.Group("/v1")
	v1.POST("/campaigns/:id/start", startHandler(sched))
	v1.POST("/campaigns/:id/pause", pauseHandler(sched))
	v1.POST("/campaigns/:id/resume", resumeHandler(sched))
	v1.POST("/campaigns/:id/cancel", cancelHandler(sched))
	v1.PATCH("/campaigns/:id/config", updateConfigHandler(sched))
	v1.GET("/campaigns/:id/progress", progressHandler(sched, prog))
	v1.GET("/campaigns/:id/attempts", listAttemptsHandler(attempts))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error             { return s.e.Start(addr) }
func (s *Server) Shutdown(ctx context.Context) error  { return s.e.Shutdown(ctx) }
