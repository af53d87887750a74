package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type authActionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleAuthStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.auth.Status())
}

func (s *Server) handleAuthAction(c echo.Context) error {
	var req authActionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, actionResponse{Message: "Invalid request body"})
	}

	switch req.Action {
	case "startLogin":
		code, err := s.auth.StartDeviceFlow(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, actionResponse{Message: err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"success":         true,
			"userCode":        code.UserCode,
			"verificationUri": code.VerificationURI,
			"expiresIn":       code.ExpiresIn,
		})

	case "cancelLogin":
		s.auth.CancelPendingLogin()
		return c.JSON(http.StatusOK, actionResponse{Success: true, Message: "Login cancelled"})

	case "validate":
		valid, err := s.auth.ValidateToken(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, actionResponse{Message: err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{"success": true, "valid": valid})

	case "logout":
		s.auth.Logout()
		return c.JSON(http.StatusOK, actionResponse{Success: true, Message: "Logged out"})

	default:
		return c.JSON(http.StatusBadRequest, actionResponse{Message: "Unknown action"})
	}
}
