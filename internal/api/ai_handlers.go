package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/threadline/internal/agent"
	"github.com/threadline/internal/api/auth"
	"github.com/threadline/internal/logging"
	"github.com/threadline/internal/threads"
	"github.com/threadline/pkg/models"
)

// HeaderThreadID carries the canonical thread id on streaming responses.
const HeaderThreadID = "X-Thread-Id"

// Stream handles POST /ai/stream for signed-in users.
func (s *Server) Stream(c echo.Context) error {
	principal := auth.GetPrincipal(c)
	if principal == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}

	var req models.StreamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	return s.streamReply(c, principal.ResourceID(), req)
}

// PublicStream handles POST /ai/stream/public. The caller names its own
// resource id and is rate limited per id.
func (s *Server) PublicStream(c echo.Context) error {
	var req models.StreamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	resourceID := strings.TrimSpace(req.ResourceID)
	if resourceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resourceId is required")
	}
	if auth.IsUserResource(resourceID) {
		return echo.NewHTTPError(http.StatusBadRequest, "resourceId is reserved")
	}
	if !s.limiter.Allow(resourceID) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "Rate limit exceeded")
	}
	return s.streamReply(c, resourceID, req)
}

func (s *Server) streamReply(c echo.Context, ownerID string, req models.StreamRequest) error {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	var updatedAt *time.Time
	if raw := strings.TrimSpace(req.UpdatedAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "updatedAt must be an RFC 3339 timestamp")
		}
		updatedAt = &parsed
	}

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = uuid.NewString()
	}

	ctx := c.Request().Context()
	turn := logging.StartTurn(requestLogger(c), threadID, ownerID)
	logger := turn.Logger()

	stream, err := s.runtime.Invoke(ctx, agent.Request{
		Message:    message,
		ThreadID:   threadID,
		ResourceID: ownerID,
		UpdatedAt:  updatedAt,
	})
	if err != nil {
		return invokeError(err, logger)
	}
	defer stream.Close()

	// Pull the first fragment before committing so a model that never starts
	// still gets a proper status code.
	first, err := stream.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			turn.Finish(ctx.Err())
			return nil
		}
		turn.Finish(err)
		// The thread and the user message are already saved.
		c.Response().Header().Set(HeaderThreadID, threadID)
		return echo.NewHTTPError(http.StatusBadGateway, "Agent failed to respond")
	}
	finished := errors.Is(err, io.EOF)

	w := newFragmentWriter(s.framing, c.Response())
	setStreamHeaders(c.Response().Header(), threadID, w.ContentType())
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	chunk := first
	for !finished {
		if chunk != "" {
			if err := w.Fragment(chunk); err != nil {
				turn.Finish(err)
				return nil
			}
			turn.Fragment(len(chunk))
		}

		chunk, err = stream.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			finished = true
		case err != nil:
			s.failStream(ctx, w, err, turn)
			return nil
		}
	}

	if err := w.Done(); err != nil {
		turn.Finish(err)
		return nil
	}
	turn.Finish(nil)
	return nil
}

func (s *Server) failStream(ctx context.Context, w fragmentWriter, cause error, turn *logging.TurnLogger) {
	if ctx.Err() != nil {
		// Client went away; nothing left to tell it.
		turn.Finish(ctx.Err())
		return
	}
	carried, err := w.Fail(cause)
	if err != nil {
		turn.Logger().Debug().Err(err).Msg("failed to write stream error")
	}
	if !carried {
		turn.Logger().Error().Err(cause).Msg("agent failed mid-stream; ending raw body early")
	}
	turn.Finish(cause)
}

func invokeError(err error, logger *zerolog.Logger) error {
	switch {
	case errors.Is(err, threads.ErrForbidden):
		return echo.NewHTTPError(http.StatusBadRequest, "Thread belongs to another resource")
	case errors.Is(err, agent.ErrEmptyMessage), errors.Is(err, agent.ErrMissingThread):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	logger.Error().Err(err).Msg("agent invocation failed")
	return echo.NewHTTPError(http.StatusBadGateway, "Agent failed to respond")
}
