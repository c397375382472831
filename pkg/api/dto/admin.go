package dto

import (
	"time"

	"github.com/taskwing/taskwing/pkg/models"
)

// TaskNodePayload is one task of a registered DAG graph.
type TaskNodePayload struct {
	TaskID     string         `json:"task_id" binding:"required"`
	GroupID    string         `json:"group_id,omitempty"`
	Upstream   []string       `json:"upstream,omitempty"`
	Downstream []string       `json:"downstream,omitempty"`
	Mapped     bool           `json:"mapped,omitempty"`
	Inlets     []AssetProfile `json:"inlets,omitempty"`
	Outlets    []AssetProfile `json:"outlets,omitempty"`
}

// RegisterDagRequest is the body of PUT /api/v1/dags/:dag_id.
type RegisterDagRequest struct {
	Tasks []TaskNodePayload `json:"tasks" binding:"required"`
}

// ToGraph converts the request to the domain graph.
func (r *RegisterDagRequest) ToGraph(dagID string) *models.DagGraph {
	graph := &models.DagGraph{DagID: dagID, Tasks: make([]models.TaskNode, len(r.Tasks))}
	for i, t := range r.Tasks {
		node := models.TaskNode{
			TaskID:     t.TaskID,
			GroupID:    t.GroupID,
			Upstream:   t.Upstream,
			Downstream: t.Downstream,
			Mapped:     t.Mapped,
		}
		for _, in := range t.Inlets {
			node.Inlets = append(node.Inlets, in.ToAssetRef())
		}
		for _, out := range t.Outlets {
			node.Outlets = append(node.Outlets, out.ToAssetRef())
		}
		graph.Tasks[i] = node
	}
	return graph
}

// DagResponse is the body of GET /api/v1/dags/:dag_id.
type DagResponse struct {
	DagID            string            `json:"dag_id"`
	Tasks            []TaskNodePayload `json:"tasks"`
	TopologicalOrder []string          `json:"topological_order"`
}

// ToDagResponse converts a domain graph to its wire shape.
func ToDagResponse(graph *models.DagGraph, order []string) DagResponse {
	resp := DagResponse{
		DagID:            graph.DagID,
		Tasks:            make([]TaskNodePayload, len(graph.Tasks)),
		TopologicalOrder: order,
	}
	for i, t := range graph.Tasks {
		node := TaskNodePayload{
			TaskID:     t.TaskID,
			GroupID:    t.GroupID,
			Upstream:   t.Upstream,
			Downstream: t.Downstream,
			Mapped:     t.Mapped,
		}
		for _, in := range t.Inlets {
			node.Inlets = append(node.Inlets, AssetProfile{Name: in.Name, URI: in.URI, Type: in.Type})
		}
		for _, out := range t.Outlets {
			node.Outlets = append(node.Outlets, AssetProfile{Name: out.Name, URI: out.URI, Type: out.Type})
		}
		resp.Tasks[i] = node
	}
	return resp
}

// TaskInstanceAttemptResponse is one archived attempt of a task
// instance, as returned by GET /api/v1/task-instances/:id/history.
type TaskInstanceAttemptResponse struct {
	TryNumber  int        `json:"try_number"`
	State      *string    `json:"state"`
	Hostname   string     `json:"hostname,omitempty"`
	PID        int        `json:"pid,omitempty"`
	StartDate  *time.Time `json:"start_date"`
	EndDate    *time.Time `json:"end_date"`
	Duration   *float64   `json:"duration"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// TaskInstanceHistoryResponse is the body of
// GET /api/v1/task-instances/:id/history, most recent attempt first.
type TaskInstanceHistoryResponse struct {
	Attempts []TaskInstanceAttemptResponse `json:"attempts"`
}

// CreateDagRunRequest is the body of POST /api/v1/dags/:dag_id/runs.
type CreateDagRunRequest struct {
	RunID             string                 `json:"run_id" binding:"required"`
	LogicalDate       *time.Time             `json:"logical_date,omitempty"`
	DataIntervalStart *time.Time             `json:"data_interval_start,omitempty"`
	DataIntervalEnd   *time.Time             `json:"data_interval_end,omitempty"`
	RunAfter          *time.Time             `json:"run_after,omitempty"`
	RunType           string                 `json:"run_type,omitempty"`
	State             string                 `json:"state,omitempty"`
	Conf              map[string]interface{} `json:"conf,omitempty"`
}

// CreateTaskInstanceRequest is the body of
// POST /api/v1/dags/:dag_id/runs/:run_id/task-instances.
type CreateTaskInstanceRequest struct {
	TaskID   string `json:"task_id" binding:"required"`
	MapIndex *int   `json:"map_index,omitempty"`
	State    string `json:"state,omitempty"`
	MaxTries int    `json:"max_tries,omitempty"`
}

// TaskInstanceResponse is the admin-facing view of a task instance.
type TaskInstanceResponse struct {
	ID               string     `json:"id"`
	DagID            string     `json:"dag_id"`
	RunID            string     `json:"run_id"`
	TaskID           string     `json:"task_id"`
	MapIndex         int        `json:"map_index"`
	State            *string    `json:"state"`
	TryNumber        int        `json:"try_number"`
	MaxTries         int        `json:"max_tries"`
	Hostname         string     `json:"hostname,omitempty"`
	PID              int        `json:"pid,omitempty"`
	StartDate        *time.Time `json:"start_date"`
	EndDate          *time.Time `json:"end_date"`
	Duration         *float64   `json:"duration"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at"`
	RenderedMapIndex string     `json:"rendered_map_index,omitempty"`
}

// ToTaskInstanceResponse converts a domain instance to its wire shape.
func ToTaskInstanceResponse(ti *models.TaskInstance) TaskInstanceResponse {
	resp := TaskInstanceResponse{
		ID:               ti.ID,
		DagID:            ti.DagID,
		RunID:            ti.RunID,
		TaskID:           ti.TaskID,
		MapIndex:         ti.MapIndex,
		TryNumber:        ti.TryNumber,
		MaxTries:         ti.MaxTries,
		Hostname:         ti.Hostname,
		PID:              ti.PID,
		StartDate:        ti.StartDate,
		EndDate:          ti.EndDate,
		Duration:         ti.Duration,
		LastHeartbeatAt:  ti.LastHeartbeatAt,
		RenderedMapIndex: ti.RenderedMapIndex,
	}
	if ti.State != models.StateNone {
		s := string(ti.State)
		resp.State = &s
	}
	return resp
}
