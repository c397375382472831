package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/taskwing/taskwing/internal/execution"
	"github.com/taskwing/taskwing/pkg/api/dto"
	"github.com/taskwing/taskwing/pkg/api/middleware"
	"github.com/taskwing/taskwing/pkg/models"
)

// XComHandler serves cross-task communication values for runner
// processes. Values are opaque JSON documents keyed by the owning
// task instance.
type XComHandler struct {
	svc *execution.Service
}

// NewXComHandler creates a new XCom handler
func NewXComHandler(svc *execution.Service) *XComHandler {
	return &XComHandler{svc: svc}
}

func xcomKey(c *gin.Context) (models.TaskInstanceKey, bool) {
	key := models.TaskInstanceKey{
		DagID:    c.Param("dag_id"),
		RunID:    c.Param("run_id"),
		TaskID:   c.Param("task_id"),
		MapIndex: models.UnmappedIndex,
	}

	if raw := c.Query("map_index"); raw != "" {
		mapIndex, err := strconv.Atoi(raw)
		if err != nil {
			middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, "map_index must be an integer")
			return key, false
		}
		key.MapIndex = mapIndex
	}
	return key, true
}

// Set handles PUT /execution/xcoms/:dag_id/:run_id/:task_id/:key
func (h *XComHandler) Set(c *gin.Context) {
	key, ok := xcomKey(c)
	if !ok {
		return
	}

	var value json.RawMessage
	if err := c.ShouldBindJSON(&value); err != nil {
		middleware.AbortWithDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.svc.SetXCom(c.Request.Context(), key, c.Param("key"), value); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.MessageResponse{Message: "XCom successfully set"})
}

// Get handles GET /execution/xcoms/:dag_id/:run_id/:task_id/:key
func (h *XComHandler) Get(c *gin.Context) {
	key, ok := xcomKey(c)
	if !ok {
		return
	}

	value, err := h.svc.GetXCom(c.Request.Context(), key, c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", value)
}

// Delete handles DELETE /execution/xcoms/:dag_id/:run_id/:task_id/:key
func (h *XComHandler) Delete(c *gin.Context) {
	key, ok := xcomKey(c)
	if !ok {
		return
	}

	if err := h.svc.DeleteXCom(c.Request.Context(), key, c.Param("key")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.MessageResponse{Message: "XCom successfully deleted"})
}

// Keys handles GET /execution/xcoms/:dag_id/:run_id/:task_id
func (h *XComHandler) Keys(c *gin.Context) {
	key, ok := xcomKey(c)
	if !ok {
		return
	}

	keys, err := h.svc.XComKeys(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, keys)
}
