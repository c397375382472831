package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwing/taskwing/internal/execution"
	"github.com/taskwing/taskwing/internal/state"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/api"
	"github.com/taskwing/taskwing/pkg/api/middleware"
)

type testServer struct {
	router    *gin.Engine
	jwtConfig *middleware.JWTConfig
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetOutput(io.Discard)

	db := storage.SetupTestDB(t)
	assets := storage.NewAssetRepository(db)
	dags := storage.NewDagRepository(db, assets)
	runs := storage.NewDagRunRepository(db)
	instances := storage.NewTaskInstanceRepository(db)
	xcoms := storage.NewXComRepository(db)

	archiver := state.NewArchiver(db)
	svc := execution.NewService(dags, runs, instances, assets, xcoms,
		state.NewManager(nil), archiver, nil, log)

	jwtConfig := middleware.DefaultJWTConfig()
	router := api.NewRouter(api.RouterConfig{
		Service:   svc,
		Dags:      dags,
		Runs:      runs,
		Instances: instances,
		Archiver:  archiver,
		JWTConfig: jwtConfig,
		Logger:    log,
		Version:   "test",
	})

	return &testServer{router: router, jwtConfig: jwtConfig}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) registerDag(t *testing.T, dagID string, tasks []map[string]interface{}) {
	t.Helper()
	w := s.do(t, http.MethodPut, "/api/v1/dags/"+dagID, "", gin.H{"tasks": tasks})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (s *testServer) createRun(t *testing.T, dagID, runID string, extra gin.H) {
	t.Helper()
	body := gin.H{"run_id": runID}
	for k, v := range extra {
		body[k] = v
	}
	w := s.do(t, http.MethodPost, "/api/v1/dags/"+dagID+"/runs", "", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

// createInstance seeds a task instance through the admin API and returns
// its id and execution token.
func (s *testServer) createInstance(t *testing.T, dagID, runID string, body gin.H) (string, string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/dags/"+dagID+"/runs/"+runID+"/task-instances", "", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode(t, w)
	ti := resp["task_instance"].(map[string]interface{})
	return ti["id"].(string), resp["token"].(string)
}

func etlTasks() []map[string]interface{} {
	return []map[string]interface{}{
		{"task_id": "extract", "downstream": []string{"load"}},
		{"task_id": "load", "upstream": []string{"extract"}},
	}
}

func runPayload() gin.H {
	return gin.H{
		"state":      "running",
		"hostname":   "worker-1",
		"unixname":   "svc-runner",
		"pid":        101,
		"start_date": time.Now().UTC().Format(time.RFC3339),
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "test", resp["version"])
}

func TestTaskInstanceLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)
	id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract", "max_tries": 2})

	w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, runPayload())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	dagRun := resp["dag_run"].(map[string]interface{})
	assert.Equal(t, "manual__1", dagRun["run_id"])
	assert.Equal(t, float64(2), resp["max_tries"])
	assert.Equal(t, true, resp["should_retry"])

	w = s.do(t, http.MethodPut, "/execution/task-instances/"+id+"/heartbeat", token,
		gin.H{"hostname": "worker-1", "pid": 101})
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/state", token,
		gin.H{"state": "success", "end_date": time.Now().UTC().Format(time.RFC3339)})
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/task-instances/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", decode(t, w)["state"])
}

func TestRun_Conflicts(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)
	id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract"})

	w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, runPayload())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	t.Run("same runner retries fine", func(t *testing.T) {
		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, runPayload())
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("different runner conflicts", func(t *testing.T) {
		payload := runPayload()
		payload["hostname"] = "worker-2"
		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, payload)

		require.Equal(t, http.StatusConflict, w.Code)
		detail := decode(t, w)["detail"].(map[string]interface{})
		assert.Equal(t, "invalid_state", detail["reason"])
		assert.Equal(t, "TI was not in a state where it could be marked as running", detail["message"])
		assert.Equal(t, "running", detail["previous_state"])
	})

	t.Run("unknown instance", func(t *testing.T) {
		ghost := uuid.NewString()
		ghostToken, err := middleware.GenerateExecutionToken(s.jwtConfig, ghost)
		require.NoError(t, err)

		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+ghost+"/run", ghostToken, runPayload())
		require.Equal(t, http.StatusNotFound, w.Code)
		detail := decode(t, w)["detail"].(map[string]interface{})
		assert.Equal(t, "not_found", detail["reason"])
		assert.Equal(t, "Task Instance not found", detail["message"])
	})
}

func TestRun_AcceptsPidZero(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)
	id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract"})

	payload := runPayload()
	payload["pid"] = 0
	w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPut, "/execution/task-instances/"+id+"/heartbeat", token,
		gin.H{"hostname": "worker-1", "pid": 0})
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
}

func TestUpdateStateEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)

	t.Run("not running yet", func(t *testing.T) {
		id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract"})

		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/state", token,
			gin.H{"state": "success", "end_date": time.Now().UTC().Format(time.RFC3339)})

		require.Equal(t, http.StatusConflict, w.Code)
		detail := decode(t, w)["detail"].(map[string]interface{})
		assert.Equal(t, "invalid_state", detail["reason"])
		assert.Equal(t, "TI was not in the running state so it cannot be updated", detail["message"])
		assert.Equal(t, "queued", detail["previous_state"])
	})

	t.Run("running is not a valid target", func(t *testing.T) {
		id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract", "map_index": 0})

		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/state", token,
			gin.H{"state": "running"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("terminal state requires end_date", func(t *testing.T) {
		id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract", "map_index": 1})

		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/state", token,
			gin.H{"state": "failed"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("deferral", func(t *testing.T) {
		id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract", "map_index": 2})
		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, runPayload())
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		xcomPath := "/execution/xcoms/etl/manual__1/extract/checkpoint?map_index=2"
		w = s.do(t, http.MethodPut, xcomPath, token, gin.H{"offset": 42})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/state", token, gin.H{
			"state":           "deferred",
			"classpath":       "triggers.temporal.DateTimeTrigger",
			"trigger_kwargs":  gin.H{"moment": "2025-06-01T00:00:00Z"},
			"next_method":     "execute_complete",
			"trigger_timeout": "PT1H",
		})
		assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		// Values pushed before the deferral stay readable.
		w = s.do(t, http.MethodGet, xcomPath, token, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{"offset":42}`, w.Body.String())
	})
}

func TestHeartbeatEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)
	id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract"})

	w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, runPayload())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	t.Run("wrong identity", func(t *testing.T) {
		w := s.do(t, http.MethodPut, "/execution/task-instances/"+id+"/heartbeat", token,
			gin.H{"hostname": "worker-9", "pid": 7})

		require.Equal(t, http.StatusConflict, w.Code)
		detail := decode(t, w)["detail"].(map[string]interface{})
		assert.Equal(t, "running_elsewhere", detail["reason"])
		assert.Equal(t, "worker-1", detail["current_hostname"])
		assert.Equal(t, float64(101), detail["current_pid"])
	})

	t.Run("after termination", func(t *testing.T) {
		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/state", token,
			gin.H{"state": "success", "end_date": time.Now().UTC().Format(time.RFC3339)})
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		w = s.do(t, http.MethodPut, "/execution/task-instances/"+id+"/heartbeat", token,
			gin.H{"hostname": "worker-1", "pid": 101})

		require.Equal(t, http.StatusConflict, w.Code)
		detail := decode(t, w)["detail"].(map[string]interface{})
		assert.Equal(t, "not_running", detail["reason"])
		assert.Equal(t, "TI is no longer in the running state and task should terminate", detail["message"])
		assert.Equal(t, "success", detail["current_state"])
	})
}

func TestSkipDownstreamEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)
	id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract"})
	downstreamID, _ := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "load"})

	w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, runPayload())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/skip-downstream", token,
		gin.H{"tasks": []interface{}{"load"}})
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/task-instances/"+downstreamID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "skipped", decode(t, w)["state"])
}

func TestRTIFEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)

	t.Run("stores rendered fields", func(t *testing.T) {
		id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract"})

		w := s.do(t, http.MethodPut, "/execution/task-instances/"+id+"/rtif", token,
			gin.H{"bash_command": "echo hello"})

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, "Rendered task instance fields successfully set", decode(t, w)["message"])
	})

	t.Run("unknown instance", func(t *testing.T) {
		ghost := uuid.NewString()
		ghostToken, err := middleware.GenerateExecutionToken(s.jwtConfig, ghost)
		require.NoError(t, err)

		w := s.do(t, http.MethodPut, "/execution/task-instances/"+ghost+"/rtif", ghostToken,
			gin.H{"bash_command": "echo hello"})

		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Not Found", decode(t, w)["detail"])
	})
}

func TestCountAndStatesEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)
	s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract", "state": "success"})
	s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "load"})

	token, err := middleware.GenerateExecutionToken(s.jwtConfig, uuid.NewString())
	require.NoError(t, err)

	t.Run("count", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/execution/task-instances/count?dag_id=etl", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Body.String())
	})

	t.Run("count filtered by state", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/execution/task-instances/count?dag_id=etl&states=success", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1", w.Body.String())
	})

	t.Run("count requires dag_id", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/execution/task-instances/count", token, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("unknown dag", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/execution/task-instances/count?dag_id=ghost", token, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
		detail := decode(t, w)["detail"].(map[string]interface{})
		assert.Equal(t, "not_found", detail["reason"])
		assert.Contains(t, detail["message"], "ghost")
	})

	t.Run("states", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/execution/task-instances/states?dag_id=etl", token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		states := decode(t, w)["task_states"].(map[string]interface{})
		byRun := states["manual__1"].(map[string]interface{})
		assert.Equal(t, "success", byRun["extract"])
		assert.Equal(t, "queued", byRun["load"])
	})
}

func TestXComEndpoints(t *testing.T) {
	s := newTestServer(t)
	token, err := middleware.GenerateExecutionToken(s.jwtConfig, uuid.NewString())
	require.NoError(t, err)

	base := "/execution/xcoms/etl/manual__1/extract"

	w := s.do(t, http.MethodPut, base+"/rows", token, gin.H{"count": 10})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, base+"/rows", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":10}`, w.Body.String())

	w = s.do(t, http.MethodGet, base, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["rows"]`, w.Body.String())

	w = s.do(t, http.MethodDelete, base+"/rows", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, base+"/rows", token, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	detail := decode(t, w)["detail"].(map[string]interface{})
	assert.Equal(t, "not_found", detail["reason"])
	assert.Contains(t, detail["message"], "rows")

	t.Run("mapped instances keep separate values", func(t *testing.T) {
		w := s.do(t, http.MethodPut, base+"/rows?map_index=0", token, gin.H{"count": 1})
		require.Equal(t, http.StatusCreated, w.Code)

		w = s.do(t, http.MethodGet, base+"/rows?map_index=0", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"count":1}`, w.Body.String())

		w = s.do(t, http.MethodGet, base+"/rows", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestExecutionAuthOnRoutes(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)
	id, _ := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract"})

	t.Run("no token", func(t *testing.T) {
		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", "", runPayload())
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token for another instance", func(t *testing.T) {
		other, err := middleware.GenerateExecutionToken(s.jwtConfig, uuid.NewString())
		require.NoError(t, err)

		w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", other, runPayload())
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestRegisterDagValidation(t *testing.T) {
	s := newTestServer(t)

	t.Run("cycle is rejected", func(t *testing.T) {
		w := s.do(t, http.MethodPut, "/api/v1/dags/cyclic", "", gin.H{
			"tasks": []map[string]interface{}{
				{"task_id": "a", "upstream": []string{"b"}},
				{"task_id": "b", "upstream": []string{"a"}},
			},
		})

		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_DAG", decode(t, w)["code"])
	})

	t.Run("unknown upstream is rejected", func(t *testing.T) {
		w := s.do(t, http.MethodPut, "/api/v1/dags/dangling", "", gin.H{
			"tasks": []map[string]interface{}{
				{"task_id": "a", "upstream": []string{"ghost"}},
			},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing tasks", func(t *testing.T) {
		w := s.do(t, http.MethodPut, "/api/v1/dags/empty", "", gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetDagEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())

	w := s.do(t, http.MethodGet, "/api/v1/dags/etl", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, "etl", resp["dag_id"])
	assert.Len(t, resp["tasks"], 2)

	order := resp["topological_order"].([]interface{})
	require.Len(t, order, 2)
	assert.Equal(t, "extract", order[0])
	assert.Equal(t, "load", order[1])

	t.Run("unknown dag", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/dags/ghost", "", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", decode(t, w)["code"])
	})
}

func TestTaskInstanceHistoryEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)
	id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract"})

	t.Run("empty before any attempt finishes", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/task-instances/"+id+"/history", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode(t, w)["attempts"], 0)
	})

	w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, runPayload())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/state", token,
		gin.H{"state": "success", "end_date": time.Now().UTC().Format(time.RFC3339)})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/task-instances/"+id+"/history", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	attempts := decode(t, w)["attempts"].([]interface{})
	require.Len(t, attempts, 1)
	attempt := attempts[0].(map[string]interface{})
	assert.Equal(t, float64(1), attempt["try_number"])
	assert.Equal(t, "success", attempt["state"])
	assert.Equal(t, "worker-1", attempt["hostname"])

	t.Run("malformed id", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/task-instances/not-a-uuid/history", "", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", decode(t, w)["code"])
	})
}

func TestCreateDagRunEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())

	w := s.do(t, http.MethodPost, "/api/v1/dags/etl/runs", "", gin.H{"run_id": "manual__1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "queued", resp["state"])
	assert.Equal(t, "manual", resp["run_type"])

	t.Run("duplicate run id", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/dags/etl/runs", "", gin.H{"run_id": "manual__1"})
		require.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "ALREADY_EXISTS", decode(t, w)["code"])
	})
}

func TestPreviousSuccessfulDagRunEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())

	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	s.createRun(t, "etl", "scheduled__jan", gin.H{"logical_date": jan, "state": "success"})
	s.createRun(t, "etl", "scheduled__feb", gin.H{"logical_date": feb, "state": "running"})
	id, token := s.createInstance(t, "etl", "scheduled__feb", gin.H{"task_id": "extract"})

	w := s.do(t, http.MethodGet, "/execution/task-instances/"+id+"/previous-successful-dagrun", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	require.NotNil(t, resp["logical_date"])
	parsed, err := time.Parse(time.RFC3339, resp["logical_date"].(string))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(jan))

	t.Run("no earlier success", func(t *testing.T) {
		otherID, otherToken := s.createInstance(t, "etl", "scheduled__jan", gin.H{"task_id": "extract"})

		w := s.do(t, http.MethodGet, "/execution/task-instances/"+otherID+"/previous-successful-dagrun", otherToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, decode(t, w)["logical_date"])
	})
}

func TestValidateInletsOutletsEndpoint(t *testing.T) {
	s := newTestServer(t)

	// First DAG claims the asset name; the second declares the same name
	// under a different uri, which stays inactive.
	s.registerDag(t, "producer_v1", []map[string]interface{}{
		{"task_id": "emit", "outlets": []map[string]interface{}{
			{"name": "orders", "uri": "s3://bucket/v1", "type": "Asset"},
		}},
	})
	s.registerDag(t, "producer_v2", []map[string]interface{}{
		{"task_id": "emit", "outlets": []map[string]interface{}{
			{"name": "orders", "uri": "s3://bucket/v2", "type": "Asset"},
		}},
	})
	s.createRun(t, "producer_v2", "manual__1", nil)
	id, token := s.createInstance(t, "producer_v2", "manual__1", gin.H{"task_id": "emit"})

	w := s.do(t, http.MethodGet, "/execution/task-instances/"+id+"/validate-inlets-and-outlets", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	inactive := decode(t, w)["inactive_assets"].([]interface{})
	require.Len(t, inactive, 1)
	asset := inactive[0].(map[string]interface{})
	assert.Equal(t, "orders", asset["name"])
	assert.Equal(t, "s3://bucket/v2", asset["uri"])
}

func TestRescheduleStartDateEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.registerDag(t, "etl", etlTasks())
	s.createRun(t, "etl", "manual__1", nil)
	id, token := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "extract"})

	w := s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/run", token, runPayload())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	end := time.Now().UTC()
	w = s.do(t, http.MethodPatch, "/execution/task-instances/"+id+"/state", token, gin.H{
		"state":           "up_for_reschedule",
		"end_date":        end.Format(time.RFC3339),
		"reschedule_date": end.Add(5 * time.Minute).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, fmt.Sprintf("/execution/task-reschedules/%s/start_date", id), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, "null", w.Body.String())

	t.Run("never rescheduled", func(t *testing.T) {
		otherID, otherToken := s.createInstance(t, "etl", "manual__1", gin.H{"task_id": "load"})

		w := s.do(t, http.MethodGet, fmt.Sprintf("/execution/task-reschedules/%s/start_date", otherID), otherToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "null", w.Body.String())
	})
}
