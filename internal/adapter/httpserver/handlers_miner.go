package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/jackra1n/Lurk/internal/domain"
)

type minerActionRequest struct {
	Action string `json:"action"`
	Value  string `json:"value"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type minerStatusResponse struct {
	domain.MinerStatus
	Lifecycle           string                `json:"lifecycle"`
	HasAuthToken        bool                  `json:"hasAuthToken"`
	ConfiguredStreamers []string              `json:"configuredStreamers"`
	RuntimeStates       []domain.RuntimeState `json:"runtimeStates"`
	Balances            map[string]int        `json:"balances"`
	LastStartResult     *domain.StartResult   `json:"lastStartResult"`
}

const (
	lifecycleAuthRequired   = "auth_required"
	lifecycleAuthenticating = "authenticating"
	lifecycleRunning        = "running"
	lifecycleError          = "error"
	lifecycleReady          = "ready"
)

// deriveLifecycle collapses auth and miner state into the single phase the
// dashboard header shows. Start runs synchronously, so a status request never
// observes a half-started miner.
func deriveLifecycle(hasToken, pendingLogin, running bool, last *domain.StartResult) string {
	switch {
	case pendingLogin:
		return lifecycleAuthenticating
	case !hasToken:
		return lifecycleAuthRequired
	case running:
		return lifecycleRunning
	case last != nil && !last.Success:
		return lifecycleError
	default:
		return lifecycleReady
	}
}

func (s *Server) handleMinerStatus(c echo.Context) error {
	status := s.miner.Status()
	lastStart := s.miner.LastStartResult()
	hasToken := s.auth.AuthToken() != ""

	return c.JSON(http.StatusOK, minerStatusResponse{
		MinerStatus:         status,
		Lifecycle:           deriveLifecycle(hasToken, s.auth.Status().PendingLogin, status.Running, lastStart),
		HasAuthToken:        hasToken,
		ConfiguredStreamers: s.settings.Streamers(),
		RuntimeStates:       s.miner.RuntimeStates(),
		Balances:            s.miner.BalanceByLogin(),
		LastStartResult:     lastStart,
	})
}

func (s *Server) handleMinerAction(c echo.Context) error {
	var req minerActionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, actionResponse{Message: "Invalid request body"})
	}

	switch req.Action {
	case "start":
		result := s.miner.Start(c.Request().Context())
		return c.JSON(startStatusCode(result), actionResponse{
			Success: result.Success,
			Message: result.Message,
			Reason:  string(result.Reason),
		})

	case "stop":
		s.miner.Stop(c.Request().Context())
		return c.JSON(http.StatusOK, actionResponse{Success: true, Message: "Miner stopped"})

	case "addStreamer":
		name := strings.TrimSpace(req.Value)
		if name == "" {
			return c.JSON(http.StatusBadRequest, actionResponse{Message: "Streamer name is required"})
		}
		s.settings.AddStreamer(name)
		return c.JSON(http.StatusOK, actionResponse{Success: true, Message: fmt.Sprintf("Added streamer: %s", name)})

	case "removeStreamer":
		name := strings.TrimSpace(req.Value)
		if name == "" {
			return c.JSON(http.StatusBadRequest, actionResponse{Message: "Streamer name is required"})
		}
		s.settings.RemoveStreamer(name)
		return c.JSON(http.StatusOK, actionResponse{Success: true, Message: fmt.Sprintf("Removed streamer: %s", name)})

	default:
		return c.JSON(http.StatusBadRequest, actionResponse{Message: "Unknown action"})
	}
}

// startStatusCode maps the typed start outcome to an HTTP status: credential
// problems are the client's to fix, connectivity and startup failures are
// server-side.
func startStatusCode(result domain.StartResult) int {
	switch result.Reason {
	case domain.StartReasonMissingToken, domain.StartReasonInvalidToken:
		return http.StatusBadRequest
	case domain.StartReasonPubSubConnectFailed, domain.StartReasonStartFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
