package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/taskwing/taskwing/internal/dag"
	"github.com/taskwing/taskwing/internal/state"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/api/dto"
	"github.com/taskwing/taskwing/pkg/api/middleware"
	"github.com/taskwing/taskwing/pkg/models"
)

// AdminHandler serves the control-plane endpoints used to register DAG
// graphs and seed runs and task instances. The execution endpoints only
// ever read what these create.
type AdminHandler struct {
	dags      storage.DagRepository
	runs      storage.DagRunRepository
	instances storage.TaskInstanceRepository
	archiver  *state.Archiver
	validator *dag.Validator
	jwtConfig *middleware.JWTConfig
	log       *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	dags storage.DagRepository,
	runs storage.DagRunRepository,
	instances storage.TaskInstanceRepository,
	archiver *state.Archiver,
	jwtConfig *middleware.JWTConfig,
	log *logrus.Logger,
) *AdminHandler {
	if jwtConfig == nil {
		jwtConfig = middleware.DefaultJWTConfig()
	}
	if log == nil {
		log = logrus.New()
	}
	return &AdminHandler{
		dags:      dags,
		runs:      runs,
		instances: instances,
		archiver:  archiver,
		validator: dag.NewValidator(),
		jwtConfig: jwtConfig,
		log:       log,
	}
}

// RegisterDag handles PUT /api/v1/dags/:dag_id
func (h *AdminHandler) RegisterDag(c *gin.Context) {
	var req dto.RegisterDagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	dagID := c.Param("dag_id")
	graph := req.ToGraph(dagID)
	if err := h.validator.Validate(graph); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_DAG", err.Error())
		return
	}

	if err := h.dags.Register(c.Request.Context(), graph); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			middleware.AbortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		h.log.WithError(err).WithField("dag_id", dagID).Error("Failed to register DAG")
		middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to register DAG")
		return
	}

	c.JSON(http.StatusOK, dto.MessageResponse{Message: "DAG registered"})
}

// GetDag handles GET /api/v1/dags/:dag_id
func (h *AdminHandler) GetDag(c *gin.Context) {
	dagID := c.Param("dag_id")
	graph, err := h.dags.GetGraph(c.Request.Context(), dagID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			middleware.AbortWithError(c, http.StatusNotFound, "NOT_FOUND", "DAG not found")
			return
		}
		h.log.WithError(err).WithField("dag_id", dagID).Error("Failed to fetch DAG")
		middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch DAG")
		return
	}

	// Registered graphs are validated, so an order always exists.
	order, err := h.validator.TopologicalOrder(graph)
	if err != nil {
		h.log.WithError(err).WithField("dag_id", dagID).Error("Stored DAG graph is not acyclic")
		middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Stored DAG graph is invalid")
		return
	}

	c.JSON(http.StatusOK, dto.ToDagResponse(graph, order))
}

// DeleteDag handles DELETE /api/v1/dags/:dag_id
func (h *AdminHandler) DeleteDag(c *gin.Context) {
	dagID := c.Param("dag_id")
	if err := h.dags.Delete(c.Request.Context(), dagID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			middleware.AbortWithError(c, http.StatusNotFound, "NOT_FOUND", "DAG not found")
			return
		}
		h.log.WithError(err).WithField("dag_id", dagID).Error("Failed to delete DAG")
		middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete DAG")
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateDagRun handles POST /api/v1/dags/:dag_id/runs
func (h *AdminHandler) CreateDagRun(c *gin.Context) {
	var req dto.CreateDagRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	run := &models.DagRun{
		DagID:             c.Param("dag_id"),
		RunID:             req.RunID,
		LogicalDate:       req.LogicalDate,
		DataIntervalStart: req.DataIntervalStart,
		DataIntervalEnd:   req.DataIntervalEnd,
		RunType:           req.RunType,
		State:             models.State(req.State),
		Conf:              req.Conf,
	}
	if req.RunAfter != nil {
		run.RunAfter = *req.RunAfter
	}

	if err := h.runs.Create(c.Request.Context(), run); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			middleware.AbortWithError(c, http.StatusConflict, "ALREADY_EXISTS", "DAG run already exists")
			return
		}
		h.log.WithError(err).WithFields(logrus.Fields{
			"dag_id": run.DagID,
			"run_id": run.RunID,
		}).Error("Failed to create DAG run")
		middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create DAG run")
		return
	}

	c.JSON(http.StatusCreated, run)
}

// CreateTaskInstance handles
// POST /api/v1/dags/:dag_id/runs/:run_id/task-instances
func (h *AdminHandler) CreateTaskInstance(c *gin.Context) {
	var req dto.CreateTaskInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	mapIndex := models.UnmappedIndex
	if req.MapIndex != nil {
		mapIndex = *req.MapIndex
	}
	state := models.StateQueued
	if req.State != "" {
		state = models.State(req.State)
	}

	ti := &models.TaskInstance{
		DagID:     c.Param("dag_id"),
		RunID:     c.Param("run_id"),
		TaskID:    req.TaskID,
		MapIndex:  mapIndex,
		State:     state,
		TryNumber: 1,
		MaxTries:  req.MaxTries,
	}

	if err := h.instances.Create(c.Request.Context(), ti); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			middleware.AbortWithError(c, http.StatusConflict, "ALREADY_EXISTS", "Task instance already exists")
			return
		}
		h.log.WithError(err).WithFields(logrus.Fields{
			"dag_id":  ti.DagID,
			"run_id":  ti.RunID,
			"task_id": ti.TaskID,
		}).Error("Failed to create task instance")
		middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create task instance")
		return
	}

	token, err := middleware.GenerateExecutionToken(h.jwtConfig, ti.ID)
	if err != nil {
		h.log.WithError(err).Error("Failed to mint execution token")
		middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to mint execution token")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"task_instance": dto.ToTaskInstanceResponse(ti),
		"token":         token,
	})
}

// GetTaskInstance handles GET /api/v1/task-instances/:id
func (h *AdminHandler) GetTaskInstance(c *gin.Context) {
	ti, err := h.instances.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidInput) {
			middleware.AbortWithError(c, http.StatusNotFound, "NOT_FOUND", "Task instance not found")
			return
		}
		h.log.WithError(err).Error("Failed to fetch task instance")
		middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch task instance")
		return
	}
	c.JSON(http.StatusOK, dto.ToTaskInstanceResponse(ti))
}

// GetTaskInstanceHistory handles GET /api/v1/task-instances/:id/history.
// Attempts come back most recent first; an instance that never finished
// an attempt has an empty history.
func (h *AdminHandler) GetTaskInstanceHistory(c *gin.Context) {
	entries, err := h.archiver.History(c.Request.Context(), c.Param("id"), 0)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			middleware.AbortWithError(c, http.StatusNotFound, "NOT_FOUND", "Task instance not found")
			return
		}
		h.log.WithError(err).Error("Failed to fetch task instance history")
		middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch task instance history")
		return
	}

	resp := dto.TaskInstanceHistoryResponse{
		Attempts: make([]dto.TaskInstanceAttemptResponse, len(entries)),
	}
	for i, entry := range entries {
		resp.Attempts[i] = dto.TaskInstanceAttemptResponse{
			TryNumber:  entry.TryNumber,
			State:      entry.State,
			Hostname:   entry.Hostname,
			PID:        entry.PID,
			StartDate:  entry.StartDate,
			EndDate:    entry.EndDate,
			Duration:   entry.Duration,
			RecordedAt: entry.RecordedAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}
