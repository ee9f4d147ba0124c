// Package handlers serves the REST API: project listings, archive
// import and export, run admission and status, and model discovery.
// Live progress rides the websocket gateway; these endpoints cover
// everything a client needs between connects.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webforge/internal/ai"
	"webforge/internal/cache"
	"webforge/internal/config"
	"webforge/internal/db"
	"webforge/internal/events"
	"webforge/internal/intent"
	"webforge/internal/pipeline"
	"webforge/internal/project"
	"webforge/pkg/models"
)

const (
	projectListTTL = 30 * time.Second
	healthTimeout  = 2 * time.Second
	modelsTimeout  = 5 * time.Second
)

// Engine is the slice of the orchestrator the API drives.
type Engine interface {
	StartBuild(req pipeline.BuildRequest, sink events.Sink) (*models.PipelineRun, error)
	StartUpdate(req pipeline.UpdateRequest, sink events.Sink) (*models.PipelineRun, error)
	Cancel(runID string) error
	Run(runID string) (*models.PipelineRun, error)
}

// ModelClient is what the API needs from the model server.
type ModelClient interface {
	ListModels(ctx context.Context) ([]ai.ModelInfo, error)
	Health(ctx context.Context) error
}

// SessionSinks locates the live event stream for a session, so runs
// started over HTTP can report to an already-connected websocket.
type SessionSinks interface {
	SinkFor(sessionID string) (events.Sink, bool)
}

// Handler bundles the API dependencies.
type Handler struct {
	Cfg      *config.Config
	Engine   Engine
	Store    *project.Store
	DB       *db.Database // optional
	AI       ModelClient
	Cache    *cache.Cache // optional
	Sessions SessionSinks // optional
}

// StandardResponse is the envelope every endpoint answers with.
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, StandardResponse{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, StandardResponse{Success: false, Error: msg})
}

// Register mounts every route on the router.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.GET("/projects", h.ListProjects)
		api.GET("/projects/:name/files", h.ProjectFiles)
		api.GET("/projects/:name/export", h.ExportProject)
		api.POST("/projects/import", h.ImportProject)

		api.POST("/build", h.StartBuild)
		api.POST("/update", h.StartUpdate)
		api.GET("/runs/:id", h.GetRun)
		api.POST("/runs/:id/cancel", h.CancelRun)

		api.GET("/models", h.ListModels)
	}
}

// Health reports component status: 200 when everything answers, 503
// when anything is down.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	components := gin.H{}
	healthy := true

	if h.DB != nil {
		if err := h.DB.Health(ctx); err != nil {
			components["database"] = "error: " + err.Error()
			healthy = false
		} else {
			components["database"] = "ok"
		}
	} else {
		components["database"] = "disabled"
	}

	if err := h.AI.Health(ctx); err != nil {
		components["ollama"] = "error: " + err.Error()
		healthy = false
	} else {
		components["ollama"] = "ok"
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, StandardResponse{
		Success: healthy,
		Data: gin.H{
			"status":     overall,
			"components": components,
			"time":       time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// ListProjects returns every project with its display metadata. The
// listing is cached briefly because the dashboard polls it.
func (h *Handler) ListProjects(c *gin.Context) {
	if h.Cache == nil {
		summaries, err := h.Store.List()
		if err != nil {
			fail(c, http.StatusInternalServerError, "listing projects: "+err.Error())
			return
		}
		ok(c, http.StatusOK, gin.H{"projects": summaries})
		return
	}

	var summaries []project.Summary
	err := h.Cache.GetOrSetJSON(c.Request.Context(), cache.ProjectListKey(), &summaries, projectListTTL, func() (interface{}, error) {
		return h.Store.List()
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, "listing projects: "+err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"projects": summaries})
}

// ProjectFiles returns the tracked files of one project.
func (h *Handler) ProjectFiles(c *gin.Context) {
	name := c.Param("name")
	files, err := h.Store.Files(name)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			fail(c, http.StatusNotFound, fmt.Sprintf("project %q not found", name))
			return
		}
		fail(c, http.StatusInternalServerError, "reading project: "+err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"project": name, "files": files})
}

// ExportProject downloads a project as a zip archive.
func (h *Handler) ExportProject(c *gin.Context) {
	name := c.Param("name")

	var buf bytes.Buffer
	if _, err := h.Store.ExportArchive(&buf, name); err != nil {
		if errors.Is(err, project.ErrNotFound) {
			fail(c, http.StatusNotFound, fmt.Sprintf("project %q not found", name))
			return
		}
		fail(c, http.StatusInternalServerError, "archiving project: "+err.Error())
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

type importRequest struct {
	Name  string            `json:"name" binding:"required"`
	Files map[string]string `json:"files" binding:"required"`
}

// ImportProject creates a project from uploaded files.
func (h *Handler) ImportProject(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid import request: "+err.Error())
		return
	}
	if len(req.Files) == 0 {
		fail(c, http.StatusBadRequest, "import needs at least one file")
		return
	}

	slug, err := h.Store.Import(req.Name, req.Files)
	if err != nil {
		fail(c, http.StatusInternalServerError, "importing project: "+err.Error())
		return
	}
	h.invalidateProjectList(c.Request.Context())
	ok(c, http.StatusCreated, gin.H{"project": slug, "files": len(req.Files)})
}

type buildRequest struct {
	Prompt      string `json:"prompt" binding:"required"`
	RefineModel string `json:"refine_model"`
	BuildModel  string `json:"build_model"`
	SessionID   string `json:"session_id"`
}

// StartBuild admits a new build run. Progress streams to the named
// websocket session when one is connected; either way the run is
// pollable at /runs/:id.
func (h *Handler) StartBuild(c *gin.Context) {
	var req buildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid build request: "+err.Error())
		return
	}

	run, err := h.Engine.StartBuild(pipeline.BuildRequest{
		SessionID:   req.SessionID,
		Prompt:      req.Prompt,
		RefineModel: req.RefineModel,
		BuildModel:  req.BuildModel,
	}, h.sinkFor(req.SessionID))
	if err != nil {
		h.admissionError(c, err)
		return
	}
	h.invalidateProjectList(c.Request.Context())
	ok(c, http.StatusAccepted, run)
}

type updateRequest struct {
	Project    string `json:"project" binding:"required"`
	Prompt     string `json:"prompt" binding:"required"`
	BuildModel string `json:"build_model"`
	Intent     string `json:"intent"`
	SessionID  string `json:"session_id"`
}

// StartUpdate admits an update run against an existing project.
func (h *Handler) StartUpdate(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid update request: "+err.Error())
		return
	}
	if req.Intent != "" {
		if _, valid := intent.Parse(req.Intent); !valid {
			fail(c, http.StatusBadRequest, fmt.Sprintf("unknown intent %q (want patch, modify, or feature)", req.Intent))
			return
		}
	}

	run, err := h.Engine.StartUpdate(pipeline.UpdateRequest{
		SessionID:  req.SessionID,
		Project:    req.Project,
		Prompt:     req.Prompt,
		BuildModel: req.BuildModel,
		Intent:     req.Intent,
	}, h.sinkFor(req.SessionID))
	if err != nil {
		h.admissionError(c, err)
		return
	}
	ok(c, http.StatusAccepted, run)
}

// GetRun returns a run's current state, live or finished.
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.Engine.Run(c.Param("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownRun) {
			fail(c, http.StatusNotFound, "run not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, http.StatusOK, run)
}

// CancelRun tears down an in-flight run.
func (h *Handler) CancelRun(c *gin.Context) {
	id := c.Param("id")
	if err := h.Engine.Cancel(id); err != nil {
		if errors.Is(err, pipeline.ErrUnknownRun) {
			fail(c, http.StatusNotFound, "run not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"run_id": id, "cancelled": true})
}

// ListModels reports what the model server has installed along with
// the configured defaults.
func (h *Handler) ListModels(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), modelsTimeout)
	defer cancel()

	infos, err := h.AI.ListModels(ctx)
	if err != nil {
		fail(c, http.StatusBadGateway, "model server unreachable: "+err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{
		"models":         infos,
		"default_refine": h.Cfg.RefineModel,
		"default_build":  h.Cfg.BuildModel,
	})
}

func (h *Handler) sinkFor(sessionID string) events.Sink {
	if sessionID == "" || h.Sessions == nil {
		return events.Nop
	}
	if sink, found := h.Sessions.SinkFor(sessionID); found {
		return sink
	}
	return events.Nop
}

func (h *Handler) invalidateProjectList(ctx context.Context) {
	if h.Cache != nil {
		_ = h.Cache.Delete(ctx, cache.ProjectListKey())
	}
}

// admissionError maps engine admission failures onto HTTP statuses:
// busy and capacity are conflicts the client should retry, not faults.
func (h *Handler) admissionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyPrompt):
		fail(c, http.StatusBadRequest, "prompt is empty")
	case errors.Is(err, pipeline.ErrBusy):
		fail(c, http.StatusConflict, "project already has a run in flight")
	case errors.Is(err, pipeline.ErrCapacity):
		fail(c, http.StatusConflict, "engine at capacity, try again shortly")
	case errors.Is(err, project.ErrNotFound):
		fail(c, http.StatusNotFound, "project not found")
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}
