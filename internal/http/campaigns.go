package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/outboundly/campaigngw/internal/model"
	"github.com/outboundly/campaigngw/internal/progress"
	"github.com/outboundly/campaigngw/internal/repository"
	"github.com/outboundly/campaigngw/internal/scheduler"
)

// opError maps scheduler-level errors onto HTTP statuses: missing
// campaigns are 404, state conflicts (already running, lock held,
// wrong status) are 409, everything else 500.
func opError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign not found"})
	case errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, scheduler.ErrLockUnavailable):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Errorf("campaign operation failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func startHandler(sched *scheduler.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := sched.StartNow(c.Request().Context(), c.Param("id")); err != nil {
			return opError(c, err)
		}
		return c.JSON(http.StatusAccepted, map[string]any{"started": true})
	}
}

func pauseHandler(sched *scheduler.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := sched.Pause(c.Request().Context(), c.Param("id")); err != nil {
			return opError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"paused": true})
	}
}

func resumeHandler(sched *scheduler.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := sched.Resume(c.Request().Context(), c.Param("id")); err != nil {
			return opError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"resumed": true})
	}
}

func cancelHandler(sched *scheduler.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := sched.Cancel(c.Request().Context(), c.Param("id")); err != nil {
			return opError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"cancelled": true})
	}
}

func updateConfigHandler(sched *scheduler.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		var u model.ConfigUpdate
		if err := c.Bind(&u); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		err := sched.UpdateConfig(c.Request().Context(), c.Param("id"), u)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return opError(c, err)
			}
			// validation and allow-list violations
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{"updated": true})
	}
}

func progressHandler(sched *scheduler.Scheduler, prog *progress.Cache) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")

		if p, ok := sched.LiveProgress(id); ok {
			return c.JSON(http.StatusOK, p)
		}
		if prog != nil {
			if p, err := prog.Fetch(c.Request().Context(), id); err == nil {
				return c.JSON(http.StatusOK, p)
			}
		}

		p, err := sched.Progress(c.Request().Context(), id)
		if err != nil {
			return opError(c, err)
		}
		return c.JSON(http.StatusOK, p)
	}
}

func listAttemptsHandler(attempts repository.AttemptsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var result model.AttemptResult
		if raw := strings.TrimSpace(c.QueryParam("result")); raw != "" {
			tmp := model.AttemptResult(raw)
			if tmp.Valid() {
				result = tmp
			}
		}

		rows, err := attempts.ListByCampaign(c.Request().Context(), c.Param("id"), result, limit, offset)
		if err != nil {
			c.Logger().Errorf("attempt log list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
