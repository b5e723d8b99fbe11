package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/jsonc"

	"github.com/hupe1980/insightmesh/artifact"
	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/session"
)

// Handler serves the v1 API.
type Handler struct {
	svc    Service
	logger logging.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc Service, logger logging.Logger) *Handler {
	return &Handler{svc: svc, logger: logging.OrNoOp(logger)}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.DELETE("/v1/sessions/:session_id", h.DeleteSession)
	e.GET("/v1/sessions/:session_id/artifacts", h.ListArtifacts)
	e.GET("/v1/sessions/:session_id/artifacts/:artifact_id", h.GetArtifact)

	e.GET("/v1/export", h.Export)
	e.POST("/v1/import", h.Import)

	e.GET("/healthz", h.Health)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *Handler) fail(c echo.Context, err error) error {
	var vErr *core.ValidationError
	switch {
	case errors.As(err, &vErr):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: vErr.Message, Field: vErr.Field})
	case errors.Is(err, session.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("server.handler.error", "path", c.Path(), "error", err.Error())
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// CreateSession submits an analytics request. The body is a JSON (comments
// allowed) request document.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable request body"})
	}

	var req core.Request
	if err := json.Unmarshal(jsonc.ToJSON(body), &req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	id, err := h.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{"session_id": id})
}

// ListSessions lists retained sessions, most recent first.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	sessions := h.svc.Sessions(c.Request().Context())
	if sessions == nil {
		sessions = []*core.Session{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession returns one session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.svc.Session(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// DeleteSession removes a session.
// DELETE /v1/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	if !h.svc.DeleteSession(c.Request().Context(), c.Param("session_id")) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

// ListArtifacts lists the artifact ids stored for a session.
// GET /v1/sessions/:session_id/artifacts
func (h *Handler) ListArtifacts(c echo.Context) error {
	ids, err := h.svc.Artifacts(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return h.fail(c, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"artifacts": ids})
}

// GetArtifact returns the raw artifact bytes.
// GET /v1/sessions/:session_id/artifacts/:artifact_id
func (h *Handler) GetArtifact(c echo.Context) error {
	data, err := h.svc.Artifact(c.Request().Context(), c.Param("session_id"), c.Param("artifact_id"))
	if err != nil {
		return h.fail(c, err)
	}

	contentType := echo.MIMEOctetStream
	if json.Valid(data) {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// Export returns the store document.
// GET /v1/export
func (h *Handler) Export(c echo.Context) error {
	data, err := h.svc.Export(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="insightmesh-export.json"`)
	return c.JSONBlob(http.StatusOK, data)
}

// Import merges an exported document.
// POST /v1/import
func (h *Handler) Import(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable request body"})
	}

	n, err := h.svc.Import(c.Request().Context(), body)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(http.StatusOK, map[string]int{"imported": n})
}

// Health returns health status.
// GET /healthz
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
