package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/runtime"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/streaming"
)

// ApprovalRequest is the body of POST /v1/sessions/:id/approval. With
// Resume set the session continues immediately; otherwise the decision is
// recorded for the next turn on the session.
type ApprovalRequest struct {
	Status   state.ApprovalStatus `json:"status"`
	Reason   string               `json:"reason,omitempty"`
	Reviewer string               `json:"reviewer,omitempty"`
	Resume   bool                 `json:"resume,omitempty"`
}

// SessionResponse is the body of GET /v1/sessions/:id.
type SessionResponse struct {
	SessionID string         `json:"session_id"`
	Status    string         `json:"status"`
	NextStage string         `json:"next_stage,omitempty"`
	Step      int            `json:"step"`
	UpdatedAt time.Time      `json:"updated_at"`
	State     map[string]any `json:"state"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) bindTurn(c echo.Context) (streaming.Request, error) {
	var req streaming.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid_turn_request", "error", err.Error())
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return req, nil
}

func (s *Server) handleOrchestrate(c echo.Context) error {
	req, err := s.bindTurn(c)
	if err != nil {
		return err
	}
	final := s.backend.Process(c.Request().Context(), req.Messages, req.UserID, req.Options()...)
	return c.JSON(http.StatusOK, final.Snapshot())
}

func (s *Server) handleStream(c echo.Context) error {
	req, err := s.bindTurn(c)
	if err != nil {
		return err
	}
	if err := s.streams.WriteSSE(c.Request().Context(), c.Response(), req); err != nil {
		s.logger.Warn("sse_stream_aborted", "user_id", req.UserID, "error", err.Error())
	}
	return nil
}

func (s *Server) handleWebSocket(c echo.Context) error {
	if err := s.streams.HandleWebSocket(s.upgrader, c.Response(), c.Request()); err != nil {
		s.logger.Warn("websocket_session_ended", "error", err.Error())
	}
	return nil
}

func (s *Server) handleGetSession(c echo.Context) error {
	cp, err := s.backend.GetState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, SessionResponse{
		SessionID: cp.ThreadID,
		Status:    string(cp.Status),
		NextStage: cp.NextNode,
		Step:      cp.Step,
		UpdatedAt: cp.UpdatedAt,
		State:     cp.State.Snapshot(),
	})
}

func (s *Server) handleApproval(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sessionID := c.Param("id")
	decision := orchestrator.ApprovalDecision{Status: req.Status, Reason: req.Reason, Reviewer: req.Reviewer}
	ctx := c.Request().Context()

	if req.Resume {
		final, err := s.backend.Resume(ctx, sessionID, decision)
		if err != nil {
			return sessionError(err)
		}
		return c.JSON(http.StatusOK, final.Snapshot())
	}

	if err := s.backend.SubmitApproval(ctx, sessionID, decision); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"status":     string(req.Status),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.backend.RuntimeStatus())
}

func (s *Server) handleUpdateConfig(c echo.Context) error {
	var updates map[string]any
	if err := c.Bind(&updates); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cfg, err := s.backend.UpdateConfiguration(updates)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, cfg.ToMap())
}

// sessionError maps session lookup and approval errors to HTTP errors.
func sessionError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidDecision):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, runtime.ErrNoCheckpoint):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, runtime.ErrNotSuspended):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, runtime.ErrCheckpointingDisabled):
		return echo.NewHTTPError(http.StatusConflict, "checkpointing is disabled")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
