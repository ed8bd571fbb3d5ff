package agents

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"software-factory/internal/archive"
	"software-factory/internal/logging"
	"software-factory/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BuildHandler exposes the engine over HTTP
type BuildHandler struct {
	engine *Engine
	hub    *Hub
}

// NewBuildHandler creates a new build handler. hub may be nil, in which
// case the progress stream is not served.
func NewBuildHandler(engine *Engine, hub *Hub) *BuildHandler {
	return &BuildHandler{engine: engine, hub: hub}
}

// RegisterRoutes mounts the build API on an /api/v1 group
func (h *BuildHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/generate-code", h.GenerateCode)
	api.POST("/build-all", h.BuildAll)
	api.GET("/builds/:build_id", h.GetBuild)
	api.GET("/builds/:build_id/download", h.DownloadBuild)
	api.GET("/projects/:project_id/builds", h.ListProjectBuilds)
}

// RegisterWebSocket mounts the progress stream
func (h *BuildHandler) RegisterWebSocket(r gin.IRoutes) {
	r.GET("/ws/builds/:build_id", h.StreamBuild)
}

// GenerateCode spawns the agents for one feature
// POST /api/v1/generate-code
func (h *BuildHandler) GenerateCode(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", map[string]interface{}{"reason": err.Error()})
		return
	}

	res, err := h.engine.GenerateCode(c.Request.Context(), req)
	if err != nil {
		respondEngineError(c, "generate-code", err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// BuildAll spawns a build for every feature of a project
// POST /api/v1/build-all
func (h *BuildHandler) BuildAll(c *gin.Context) {
	var req BuildAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", map[string]interface{}{"reason": err.Error()})
		return
	}

	res, err := h.engine.BuildAll(c.Request.Context(), req.ProjectID)
	if err != nil {
		respondEngineError(c, "build-all", err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// GetBuild returns the persisted build record
// GET /api/v1/builds/:build_id
func (h *BuildHandler) GetBuild(c *gin.Context) {
	build, err := h.engine.GetBuild(c.Request.Context(), c.Param("build_id"))
	if err != nil {
		respondEngineError(c, "get build", err)
		return
	}
	c.JSON(http.StatusOK, build)
}

// DownloadBuild streams the build's files and tests as a zip
// GET /api/v1/builds/:build_id/download
func (h *BuildHandler) DownloadBuild(c *gin.Context) {
	build, err := h.engine.GetBuild(c.Request.Context(), c.Param("build_id"))
	if err != nil {
		respondEngineError(c, "download build", err)
		return
	}

	data, err := archive.Bundle(build)
	if err != nil {
		logging.L().Error("failed to bundle build", zap.String("build_id", build.ID), zap.Error(err))
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to bundle build", nil)
		return
	}

	filename := fmt.Sprintf("build-%s.zip", build.ID)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "application/zip", data)
}

// ListProjectBuilds lists a project's builds without file contents
// GET /api/v1/projects/:project_id/builds
func (h *BuildHandler) ListProjectBuilds(c *gin.Context) {
	builds, err := h.engine.ListProjectBuilds(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondEngineError(c, "list builds", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"builds": builds})
}

// StreamBuild upgrades to a WebSocket that carries the build's progress events
// GET /ws/builds/:build_id
func (h *BuildHandler) StreamBuild(c *gin.Context) {
	if h.hub == nil {
		middleware.Abort(c, http.StatusServiceUnavailable, "UNAVAILABLE", "progress stream disabled", nil)
		return
	}

	build, err := h.engine.GetBuild(c.Request.Context(), c.Param("build_id"))
	if err != nil {
		respondEngineError(c, "stream build", err)
		return
	}

	initial := &BuildEvent{
		Type:      EventBuildStatus,
		BuildID:   build.ID,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"status":      build.Status,
			"files_count": len(build.Files),
			"tests_count": len(build.Tests),
			"logs":        build.Logs,
		},
	}
	if err := h.hub.Serve(c.Writer, c.Request, build.ID, initial); err != nil {
		// the upgrader has already written the HTTP error
		logging.L().Debug("websocket upgrade failed", zap.String("build_id", build.ID), zap.Error(err))
	}
}

// respondEngineError maps engine errors onto status codes
func respondEngineError(c *gin.Context, op string, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, ErrFeatureNotFound):
		status, code = http.StatusNotFound, "FEATURE_NOT_FOUND"
	case errors.Is(err, ErrProjectNotFound):
		status, code = http.StatusNotFound, "PROJECT_NOT_FOUND"
	case errors.Is(err, ErrBuildNotFound):
		status, code = http.StatusNotFound, "BUILD_NOT_FOUND"
	case errors.Is(err, ErrProjectMismatch):
		status, code = http.StatusBadRequest, "PROJECT_MISMATCH"
	case errors.Is(err, ErrBuildInFlight):
		status, code = http.StatusConflict, "BUILD_IN_FLIGHT"
	case errors.Is(err, ErrShuttingDown):
		status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	}

	if status == http.StatusInternalServerError {
		logging.L().Error(op+" failed", zap.Error(err))
		middleware.Abort(c, status, code, op+" failed", nil)
		return
	}
	middleware.Abort(c, status, code, err.Error(), nil)
}
