package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jackra1n/Lurk/internal/dashboard"
)

const (
	defaultAnalyticsRange = 24 * time.Hour
	maxAnalyticsRange     = 90 * 24 * time.Hour
)

type channelPointsResponse struct {
	Success bool           `json:"success"`
	Range   map[string]int `json:"range"`
	Sort    map[string]any `json:"sort"`
	*dashboard.Analytics
}

func (s *Server) handleChannelPointsAnalytics(c echo.Context) error {
	now := time.Now()

	to := parseMillis(c.QueryParam("to"), now)
	from := parseMillis(c.QueryParam("from"), to.Add(-defaultAnalyticsRange))

	if from.After(to) {
		return c.JSON(http.StatusBadRequest, actionResponse{Message: "`from` must be less than or equal to `to`"})
	}
	if minFrom := to.Add(-maxAnalyticsRange); from.Before(minFrom) {
		from = minFrom
	}

	sortBy := parseSortBy(c.QueryParam("sortBy"))
	sortDir := parseSortDir(c.QueryParam("sortDir"))

	online := make(map[string]struct{})
	watched := make(map[string]struct{})
	for _, state := range s.miner.RuntimeStates() {
		if state.IsOnline {
			online[state.Login] = struct{}{}
		}
		if state.IsWatched {
			watched[state.Login] = struct{}{}
		}
	}

	analytics, err := s.analytics.ChannelPointsAnalytics(c.Request().Context(), dashboard.Query{
		From:                  from,
		To:                    to,
		SortBy:                sortBy,
		SortDir:               sortDir,
		ConfiguredLogins:      s.settings.Streamers(),
		OnlineStreamers:       online,
		WatchedStreamers:      watched,
		RequestTime:           now,
		SelectedStreamerLogin: c.QueryParam("selectedStreamer"),
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, actionResponse{Message: "Failed to load analytics"})
	}

	return c.JSON(http.StatusOK, channelPointsResponse{
		Success: true,
		Range: map[string]int{
			"fromMs": int(from.UnixMilli()),
			"toMs":   int(to.UnixMilli()),
		},
		Sort: map[string]any{
			"by":  sortBy,
			"dir": sortDir,
		},
		Analytics: analytics,
	})
}

func parseMillis(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(ms)
}

func parseSortBy(value string) dashboard.SortBy {
	switch dashboard.SortBy(value) {
	case dashboard.SortByName, dashboard.SortByPoints, dashboard.SortByLastActive,
		dashboard.SortByLastWatched, dashboard.SortByPriority:
		return dashboard.SortBy(value)
	default:
		return dashboard.SortByLastActive
	}
}

func parseSortDir(value string) dashboard.SortDir {
	switch dashboard.SortDir(value) {
	case dashboard.SortAsc, dashboard.SortDesc:
		return dashboard.SortDir(value)
	default:
		return dashboard.SortDesc
	}
}
