package models

import "strings"

// Asset reference types as declared in task inlets/outlets.
const (
	AssetRefTypeAsset   = "Asset"
	AssetRefTypeNameRef = "AssetNameRef"
	AssetRefTypeURIRef  = "AssetUriRef"
	AssetRefTypeAlias   = "AssetAlias"
)

// AssetRef is a declared inlet or outlet of a task. Depending on Type
// it is resolved by name+uri, by name only, by uri only, or through an
// alias.
type AssetRef struct {
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
	Type string `json:"type"`
}

// AssetKey identifies an asset.
type AssetKey struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// TaskNode is the serialized shape of one task in a DAG: enough graph
// metadata for the execution API to expand task groups, walk
// dependencies and compute mapped-task relationships.
type TaskNode struct {
	TaskID     string     `json:"task_id"`
	GroupID    string     `json:"group_id,omitempty"` // dotted group path, empty for top level
	Upstream   []string   `json:"upstream,omitempty"`
	Downstream []string   `json:"downstream,omitempty"`
	Mapped     bool       `json:"mapped,omitempty"`
	Inlets     []AssetRef `json:"inlets,omitempty"`
	Outlets    []AssetRef `json:"outlets,omitempty"`
}

// DagGraph is the serialized task graph of one DAG.
type DagGraph struct {
	DagID string     `json:"dag_id"`
	Tasks []TaskNode `json:"tasks"`
}

// Task returns the node with the given task id, or nil.
func (g *DagGraph) Task(taskID string) *TaskNode {
	for i := range g.Tasks {
		if g.Tasks[i].TaskID == taskID {
			return &g.Tasks[i]
		}
	}
	return nil
}

// HasGroup reports whether any task belongs to the given group, either
// directly or through a nested group.
func (g *DagGraph) HasGroup(groupID string) bool {
	for i := range g.Tasks {
		if inGroup(g.Tasks[i].GroupID, groupID) {
			return true
		}
	}
	return false
}

// GroupTaskIDs returns the ids of all tasks under the given group,
// including tasks of nested groups.
func (g *DagGraph) GroupTaskIDs(groupID string) []string {
	var ids []string
	for i := range g.Tasks {
		if inGroup(g.Tasks[i].GroupID, groupID) {
			ids = append(ids, g.Tasks[i].TaskID)
		}
	}
	return ids
}

// GroupMapped reports whether the given group is an expanded (mapped)
// task group, which is the case when any member task is mapped.
func (g *DagGraph) GroupMapped(groupID string) bool {
	if groupID == "" {
		return false
	}
	for i := range g.Tasks {
		if inGroup(g.Tasks[i].GroupID, groupID) && g.Tasks[i].Mapped {
			return true
		}
	}
	return false
}

func inGroup(taskGroup, groupID string) bool {
	return taskGroup == groupID || strings.HasPrefix(taskGroup, groupID+".")
}
