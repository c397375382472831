package dag

import (
	"fmt"
	"sort"

	"github.com/taskwing/taskwing/pkg/models"
)

// Validator checks registered task graphs before they are persisted
type Validator struct{}

// NewValidator creates a new graph validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks if a task graph is valid
func (v *Validator) Validate(graph *models.DagGraph) error {
	if graph.DagID == "" {
		return fmt.Errorf("DAG id cannot be empty")
	}

	if len(graph.Tasks) == 0 {
		return fmt.Errorf("DAG must have at least one task")
	}

	// Check for duplicate task IDs
	taskIDs := make(map[string]bool)
	for i := range graph.Tasks {
		id := graph.Tasks[i].TaskID
		if taskIDs[id] {
			return fmt.Errorf("duplicate task ID: %s", id)
		}
		taskIDs[id] = true
	}

	// Validate edges reference existing tasks
	for i := range graph.Tasks {
		task := &graph.Tasks[i]
		for _, up := range task.Upstream {
			if !taskIDs[up] {
				return fmt.Errorf("task %s lists non-existent upstream task: %s", task.TaskID, up)
			}
		}
		for _, down := range task.Downstream {
			if !taskIDs[down] {
				return fmt.Errorf("task %s lists non-existent downstream task: %s", task.TaskID, down)
			}
		}
	}

	return v.detectCycle(graph)
}

// detectCycle checks if there are any cycles in the graph
func (v *Validator) detectCycle(graph *models.DagGraph) error {
	adjList := make(map[string][]string)
	for i := range graph.Tasks {
		adjList[graph.Tasks[i].TaskID] = graph.Tasks[i].Upstream
	}

	// Track visit states: 0 = unvisited, 1 = visiting, 2 = visited
	visited := make(map[string]int)

	var dfs func(string) error
	dfs = func(taskID string) error {
		if visited[taskID] == 1 {
			return fmt.Errorf("cycle detected involving task: %s", taskID)
		}
		if visited[taskID] == 2 {
			return nil
		}

		visited[taskID] = 1
		for _, upID := range adjList[taskID] {
			if err := dfs(upID); err != nil {
				return err
			}
		}
		visited[taskID] = 2
		return nil
	}

	for i := range graph.Tasks {
		if visited[graph.Tasks[i].TaskID] == 0 {
			if err := dfs(graph.Tasks[i].TaskID); err != nil {
				return err
			}
		}
	}

	return nil
}

// TopologicalOrder returns task ids in dependency order
func (v *Validator) TopologicalOrder(graph *models.DagGraph) ([]string, error) {
	adjList := make(map[string][]string)
	inDegree := make(map[string]int)

	for i := range graph.Tasks {
		task := &graph.Tasks[i]
		inDegree[task.TaskID] = len(task.Upstream)
		for _, upID := range task.Upstream {
			adjList[upID] = append(adjList[upID], task.TaskID)
		}
	}

	// Kahn's algorithm
	var queue []string
	for taskID, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, taskID)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]
		result = append(result, taskID)

		for _, neighbor := range adjList[taskID] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(result) != len(graph.Tasks) {
		return nil, fmt.Errorf("cycle detected in DAG")
	}

	return result, nil
}

// TransitiveDownstream returns the ids of every task reachable from the
// given task through downstream edges, excluding the task itself.
func TransitiveDownstream(graph *models.DagGraph, taskID string) []string {
	downstream := make(map[string][]string)
	for i := range graph.Tasks {
		task := &graph.Tasks[i]
		downstream[task.TaskID] = append(downstream[task.TaskID], task.Downstream...)
		for _, upID := range task.Upstream {
			downstream[upID] = append(downstream[upID], task.TaskID)
		}
	}

	seen := make(map[string]bool)
	queue := append([]string(nil), downstream[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] || id == taskID {
			continue
		}
		seen[id] = true
		queue = append(queue, downstream[id]...)
	}

	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}
