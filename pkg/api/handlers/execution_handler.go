package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taskwing/taskwing/internal/execution"
	"github.com/taskwing/taskwing/pkg/api/dto"
	"github.com/taskwing/taskwing/pkg/api/middleware"
	"github.com/taskwing/taskwing/pkg/models"
)

// ExecutionHandler serves the endpoints task runner processes talk to.
type ExecutionHandler struct {
	svc *execution.Service
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(svc *execution.Service) *ExecutionHandler {
	return &ExecutionHandler{svc: svc}
}

// respondError translates service errors into the execution API error
// shape. Anything unrecognized is a backing-store failure and must not
// leak details.
func respondError(c *gin.Context, err error) {
	var notFound *execution.NotFoundError
	if errors.As(err, &notFound) {
		middleware.AbortWithDetail(c, http.StatusNotFound, dto.ErrorDetail{
			Reason:  dto.ReasonNotFound,
			Message: notFound.Message,
		})
		return
	}

	var invalidState *execution.InvalidStateError
	if errors.As(err, &invalidState) {
		detail := dto.ErrorDetail{
			Reason:  dto.ReasonInvalidState,
			Message: invalidState.Message,
		}
		if invalidState.PreviousState != models.StateNone {
			prev := string(invalidState.PreviousState)
			detail.PreviousState = &prev
		}
		middleware.AbortWithDetail(c, http.StatusConflict, detail)
		return
	}

	var elsewhere *execution.RunningElsewhereError
	if errors.As(err, &elsewhere) {
		pid := elsewhere.CurrentPID
		middleware.AbortWithDetail(c, http.StatusConflict, dto.ErrorDetail{
			Reason:          dto.ReasonRunningElsewhere,
			Message:         "TI is already running elsewhere",
			CurrentHostname: elsewhere.CurrentHostname,
			CurrentPID:      &pid,
		})
		return
	}

	var notRunning *execution.NotRunningError
	if errors.As(err, &notRunning) {
		state := notRunning.CurrentState.OrNull()
		middleware.AbortWithDetail(c, http.StatusConflict, dto.ErrorDetail{
			Reason:       dto.ReasonNotRunning,
			Message:      "TI is no longer in the running state and task should terminate",
			CurrentState: &state,
		})
		return
	}

	if errors.Is(err, execution.ErrRunningNotAllowed) {
		middleware.AbortWithDetail(c, http.StatusUnprocessableEntity,
			"running is not a valid target state for this endpoint")
		return
	}

	middleware.AbortWithDetail(c, http.StatusInternalServerError, "Database error occurred")
}

// Run handles PATCH /execution/task-instances/:id/run
func (h *ExecutionHandler) Run(c *gin.Context) {
	var payload dto.TIRunPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	rc, err := h.svc.Run(c.Request.Context(), c.Param("id"), &execution.RunRequest{
		Hostname:  payload.Hostname,
		Unixname:  payload.Unixname,
		PID:       payload.PID,
		StartDate: payload.StartDate,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.TIRunContextResponse{
		DagRun:              dto.ToDagRunContext(rc.DagRun, rc.ConsumedAssetEvents),
		TaskRescheduleCount: rc.TaskRescheduleCount,
		UpstreamMapIndexes:  rc.UpstreamMapIndexes,
		MaxTries:            rc.MaxTries,
		ShouldRetry:         rc.ShouldRetry,
		Variables:           rc.Variables,
		Connections:         rc.Connections,
		XComKeysToClear:     rc.XComKeysToClear,
		NextMethod:          rc.NextMethod,
		NextKwargs:          rc.NextKwargs,
	})
}

// UpdateState handles PATCH /execution/task-instances/:id/state
func (h *ExecutionHandler) UpdateState(c *gin.Context) {
	var payload dto.TIStatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	update, err := buildStateUpdate(&payload)
	if err != nil {
		middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.svc.UpdateState(c.Request.Context(), c.Param("id"), update); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func buildStateUpdate(payload *dto.TIStatePayload) (*execution.StateUpdate, error) {
	target := models.State(payload.State)
	if target == models.StateRunning {
		return nil, errors.New("running is not a valid target state for this endpoint")
	}

	update := &execution.StateUpdate{
		State:            target,
		RenderedMapIndex: payload.RenderedMapIndex,
		Classpath:        payload.Classpath,
		TriggerKwargs:    payload.TriggerKwargs,
		NextMethod:       payload.NextMethod,
		NextKwargs:       payload.NextKwargs,
	}

	switch {
	case target.IsTerminal() || target == models.StateUpForRetry:
		if payload.EndDate == nil {
			return nil, errors.New("end_date is required for this state")
		}
		update.EndDate = *payload.EndDate
	case target == models.StateUpForReschedule:
		if payload.EndDate == nil || payload.RescheduleDate == nil {
			return nil, errors.New("end_date and reschedule_date are required for up_for_reschedule")
		}
		update.EndDate = *payload.EndDate
		update.RescheduleDate = *payload.RescheduleDate
	case target == models.StateDeferred:
		if payload.Classpath == "" {
			return nil, errors.New("classpath is required for deferred")
		}
		if payload.TriggerTimeout != "" {
			timeout, err := dto.ParseISODuration(payload.TriggerTimeout)
			if err != nil {
				return nil, err
			}
			update.TriggerTimeout = timeout
		}
	default:
		return nil, errors.New("unsupported target state")
	}

	for _, outlet := range payload.TaskOutlets {
		update.TaskOutlets = append(update.TaskOutlets, outlet.ToAssetRef())
	}
	for _, ev := range payload.OutletEvents {
		update.OutletEvents = append(update.OutletEvents, execution.OutletEvent{
			DestAssetKey:    models.AssetKey{Name: ev.DestAssetKey.Name, URI: ev.DestAssetKey.URI},
			Extra:           ev.Extra,
			SourceAliasName: ev.SourceAliasName,
		})
	}
	return update, nil
}

// Heartbeat handles PUT /execution/task-instances/:id/heartbeat
func (h *ExecutionHandler) Heartbeat(c *gin.Context) {
	var payload dto.TIHeartbeatPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.svc.Heartbeat(c.Request.Context(), c.Param("id"), payload.Hostname, payload.PID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SkipDownstream handles PATCH /execution/task-instances/:id/skip-downstream
func (h *ExecutionHandler) SkipDownstream(c *gin.Context) {
	var payload dto.TISkipDownstreamPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	selectors := make([]execution.TaskSelector, len(payload.Tasks))
	for i, task := range payload.Tasks {
		selectors[i] = execution.TaskSelector{TaskID: task.TaskID, MapIndex: task.MapIndex}
	}

	if err := h.svc.SkipDownstream(c.Request.Context(), c.Param("id"), selectors); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetRTIF handles PUT /execution/task-instances/:id/rtif
func (h *ExecutionHandler) SetRTIF(c *gin.Context) {
	var fields map[string]interface{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.svc.SetRenderedFields(c.Request.Context(), c.Param("id"), fields); err != nil {
		var notFound *execution.NotFoundError
		if errors.As(err, &notFound) {
			middleware.AbortWithDetail(c, http.StatusNotFound, notFound.Message)
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.MessageResponse{Message: "Rendered task instance fields successfully set"})
}

func parseQuery(c *gin.Context) (*execution.Query, bool) {
	dagID := c.Query("dag_id")
	if dagID == "" {
		middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, "dag_id is required")
		return nil, false
	}

	q := &execution.Query{
		DagID:       dagID,
		RunIDs:      c.QueryArray("run_ids"),
		TaskIDs:     c.QueryArray("task_ids"),
		TaskGroupID: c.Query("task_group_id"),
	}

	for _, raw := range c.QueryArray("logical_dates") {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, "logical_dates must be RFC 3339 timestamps")
			return nil, false
		}
		q.LogicalDates = append(q.LogicalDates, ts)
	}

	for _, raw := range c.QueryArray("states") {
		if raw == "null" {
			q.States = append(q.States, models.StateNone)
			continue
		}
		q.States = append(q.States, models.State(raw))
	}

	if raw := c.Query("map_index"); raw != "" {
		mapIndex, err := strconv.Atoi(raw)
		if err != nil {
			middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, "map_index must be an integer")
			return nil, false
		}
		q.MapIndex = &mapIndex
	}
	return q, true
}

// Count handles GET /execution/task-instances/count
func (h *ExecutionHandler) Count(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}

	count, err := h.svc.Count(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, count)
}

// States handles GET /execution/task-instances/states
func (h *ExecutionHandler) States(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}

	states, err := h.svc.States(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.TaskStatesResponse{TaskStates: states})
}

// PreviousSuccessfulDagRun handles
// GET /execution/task-instances/:id/previous-successful-dagrun
func (h *ExecutionHandler) PreviousSuccessfulDagRun(c *gin.Context) {
	run, err := h.svc.PreviousSuccessfulRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.PreviousDagRunResponse{}
	if run != nil {
		resp = dto.PreviousDagRunResponse{
			DataIntervalStart: run.DataIntervalStart,
			DataIntervalEnd:   run.DataIntervalEnd,
			LogicalDate:       run.LogicalDate,
			StartDate:         run.StartDate,
			EndDate:           run.EndDate,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// RescheduleStartDate handles GET /execution/task-reschedules/:id/start_date
func (h *ExecutionHandler) RescheduleStartDate(c *gin.Context) {
	start, err := h.svc.RescheduleStartDate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, start)
}

// ValidateInletsOutlets handles
// GET /execution/task-instances/:id/validate-inlets-and-outlets
func (h *ExecutionHandler) ValidateInletsOutlets(c *gin.Context) {
	inactive, err := h.svc.ValidateInletsOutlets(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	profiles := make([]dto.AssetProfile, len(inactive))
	for i, ref := range inactive {
		profiles[i] = dto.AssetProfile{Name: ref.Name, URI: ref.URI, Type: ref.Type}
	}
	c.JSON(http.StatusOK, dto.InactiveAssetsResponse{InactiveAssets: profiles})
}
