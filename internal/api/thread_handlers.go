package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/threadline/internal/api/auth"
	"github.com/threadline/internal/threads"
	"github.com/threadline/pkg/models"
)

const maxTitleRunes = 200

// callerResource resolves the owner a thread request acts for: the signed-in
// user, or an anonymous caller's resourceId query parameter.
func callerResource(c echo.Context) (string, error) {
	if p := auth.GetPrincipal(c); p != nil {
		return p.ResourceID(), nil
	}
	resourceID := strings.TrimSpace(c.QueryParam("resourceId"))
	if resourceID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Authorization or resourceId required")
	}
	if auth.IsUserResource(resourceID) {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Authorization required for user resources")
	}
	return resourceID, nil
}

// storeError maps store sentinels onto HTTP errors.
func storeError(c echo.Context, err error, forbiddenStatus int) error {
	switch {
	case errors.Is(err, threads.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Thread not found")
	case errors.Is(err, threads.ErrCursorNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Cursor message not found")
	case errors.Is(err, threads.ErrForbidden):
		return echo.NewHTTPError(forbiddenStatus, "Thread belongs to another resource")
	case errors.Is(err, threads.ErrInvalidQuery):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	logger := requestLogger(c)
	logger.Error().Err(err).Msg("thread store failure")
	return echo.NewHTTPError(http.StatusInternalServerError, "Thread store error")
}

// ListMyThreads handles GET /ai/resources/me/threads.
func (s *Server) ListMyThreads(c echo.Context) error {
	principal := auth.GetPrincipal(c)
	if principal == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	return s.listThreads(c, principal.ResourceID())
}

// ListResourceThreads handles GET /ai/resources/:resourceId/threads. User
// resources can only be listed by that user.
func (s *Server) ListResourceThreads(c echo.Context) error {
	resourceID := strings.TrimSpace(c.Param("resourceId"))
	if resourceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resourceId is required")
	}
	if auth.IsUserResource(resourceID) {
		p := auth.GetPrincipal(c)
		if p == nil || p.ResourceID() != resourceID {
			return echo.NewHTTPError(http.StatusForbidden, "Cannot list another user's threads")
		}
	}
	return s.listThreads(c, resourceID)
}

func (s *Server) listThreads(c echo.Context, ownerID string) error {
	list, err := s.store.ListThreadsByOwner(c.Request().Context(), ownerID)
	if err != nil {
		return storeError(c, err, http.StatusForbidden)
	}
	return c.JSON(http.StatusOK, models.ThreadList{Threads: list})
}

// GetThread handles GET /ai/threads/:threadId.
func (s *Server) GetThread(c echo.Context) error {
	ownerID, err := callerResource(c)
	if err != nil {
		return err
	}

	thread, err := s.store.GetThread(c.Request().Context(), c.Param("threadId"))
	if err == nil {
		err = threads.CheckOwner(thread, ownerID)
	}
	if err != nil {
		return storeError(c, err, http.StatusForbidden)
	}
	return c.JSON(http.StatusOK, thread)
}

// DeleteThread handles DELETE /ai/threads/:threadId. A non-owner gets 400 and
// the thread is left untouched.
func (s *Server) DeleteThread(c echo.Context) error {
	principal := auth.GetPrincipal(c)
	if principal == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	ownerID := principal.ResourceID()

	threadID := c.Param("threadId")
	if err := s.store.DeleteThread(c.Request().Context(), threadID, ownerID); err != nil {
		return storeError(c, err, http.StatusBadRequest)
	}

	logger := requestLogger(c)
	logger.Info().Str("thread_id", threadID).Str("resource_id", ownerID).Msg("thread deleted")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deleted":  true,
		"threadId": threadID,
	})
}

// RenameThread handles PATCH /ai/threads/:threadId.
func (s *Server) RenameThread(c echo.Context) error {
	ownerID, err := callerResource(c)
	if err != nil {
		return err
	}

	var req models.RenameThreadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	title := strings.Join(strings.Fields(req.Title), " ")
	if title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return echo.NewHTTPError(http.StatusBadRequest, "title is too long")
	}

	ctx := c.Request().Context()
	threadID := c.Param("threadId")
	thread, err := s.store.GetThread(ctx, threadID)
	if err == nil {
		err = threads.CheckOwner(thread, ownerID)
	}
	if err == nil {
		err = s.store.UpdateTitle(ctx, threadID, title)
	}
	if err == nil {
		err = s.store.TouchThread(ctx, threadID, time.Now().UTC())
	}
	if err != nil {
		return storeError(c, err, http.StatusForbidden)
	}

	updated, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return storeError(c, err, http.StatusForbidden)
	}
	return c.JSON(http.StatusOK, updated)
}

// GetMessages handles GET /ai/threads/:threadId/messages?before=&after=&limit=.
func (s *Server) GetMessages(c echo.Context) error {
	ownerID, err := callerResource(c)
	if err != nil {
		return err
	}

	q := threads.Query{
		Before: c.QueryParam("before"),
		After:  c.QueryParam("after"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		q.Limit = limit
	}
	q, err = q.Normalize()
	if err != nil {
		return storeError(c, err, http.StatusForbidden)
	}

	msgs, err := s.store.QueryMessages(c.Request().Context(), c.Param("threadId"), ownerID, q)
	if err != nil {
		return storeError(c, err, http.StatusForbidden)
	}

	return c.JSON(http.StatusOK, models.MessagePage{
		Messages: msgs,
		Meta: models.PageMeta{
			Limit:  q.Limit,
			Before: q.Before,
			After:  q.After,
			Count:  len(msgs),
		},
	})
}
