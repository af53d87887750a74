package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type healthResponse struct {
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"startedAt"`
	UptimeMs  int64             `json:"uptimeMs"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{
		Status:    "ok",
		StartedAt: s.startTime,
		UptimeMs:  time.Since(s.startTime).Milliseconds(),
	}

	status := http.StatusOK
	if len(s.healthChecks) > 0 {
		resp.Checks = make(map[string]string, len(s.healthChecks))
		for _, check := range s.healthChecks {
			if err := check.Check(c.Request().Context()); err != nil {
				resp.Checks[check.Name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			} else {
				resp.Checks[check.Name] = "ok"
			}
		}
	}

	return c.JSON(status, resp)
}
