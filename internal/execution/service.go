package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taskwing/taskwing/internal/state"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/internal/triggers"
	"github.com/taskwing/taskwing/pkg/models"
)

const (
	runConflictMessage    = "TI was not in a state where it could be marked as running"
	updateConflictMessage = "TI was not in the running state so it cannot be updated"
	tiNotFoundMessage     = "Task Instance not found"
)

// rescheduleDateCeiling is the largest reschedule date the store can
// represent. Sensors asking to wake up past it are failed instead.
var rescheduleDateCeiling = time.Date(2038, 1, 19, 3, 14, 7, 0, time.UTC)

// ErrRunningNotAllowed is returned when a state update names running as
// the target; running is only entered through the run endpoint.
var ErrRunningNotAllowed = errors.New("running is not a valid target state")

// Service owns the task instance execution state machine: every
// transition a task runner can report goes through here.
type Service struct {
	dags      storage.DagRepository
	runs      storage.DagRunRepository
	instances storage.TaskInstanceRepository
	assets    storage.AssetRepository
	xcoms     storage.XComRepository
	states    *state.Manager
	archiver  *state.Archiver
	deferrals triggers.Publisher
	log       *logrus.Logger
}

// NewService creates the execution service
func NewService(
	dags storage.DagRepository,
	runs storage.DagRunRepository,
	instances storage.TaskInstanceRepository,
	assets storage.AssetRepository,
	xcoms storage.XComRepository,
	states *state.Manager,
	archiver *state.Archiver,
	deferrals triggers.Publisher,
	log *logrus.Logger,
) *Service {
	if states == nil {
		states = state.NewManager(nil)
	}
	if deferrals == nil {
		deferrals = triggers.NoOpPublisher{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		dags:      dags,
		runs:      runs,
		instances: instances,
		assets:    assets,
		xcoms:     xcoms,
		states:    states,
		archiver:  archiver,
		deferrals: deferrals,
		log:       log,
	}
}

// RunRequest is a runner process reporting that it picked up an
// instance and is about to execute it.
type RunRequest struct {
	Hostname  string
	Unixname  string
	PID       int
	StartDate time.Time
}

// RunContext is everything the runner needs to execute the instance.
type RunContext struct {
	DagRun              *models.DagRun
	ConsumedAssetEvents []map[string]interface{}
	TaskRescheduleCount int
	UpstreamMapIndexes  map[string]interface{}
	MaxTries            int
	ShouldRetry         bool
	Variables           []map[string]interface{}
	Connections         []map[string]interface{}
	XComKeysToClear     []string
	NextMethod          string
	NextKwargs          json.RawMessage
}

// Run transitions a queued or restarting instance to running and hands
// the runner its execution context. Retrying the call from the same
// hostname/pid is idempotent.
func (s *Service) Run(ctx context.Context, tiID string, req *RunRequest) (*RunContext, error) {
	ti, err := s.getInstance(ctx, tiID)
	if err != nil {
		return nil, err
	}

	if ti.State == models.StateRunning {
		if ti.Hostname == req.Hostname && ti.PID == req.PID {
			return s.buildRunContext(ctx, ti)
		}
		return nil, &InvalidStateError{Message: runConflictMessage, PreviousState: ti.State}
	}
	if !ti.State.IsRunnable() {
		return nil, &InvalidStateError{Message: runConflictMessage, PreviousState: ti.State}
	}

	startDate := req.StartDate.UTC()
	// An instance resuming a deferral continuation keeps the start date
	// of its original attempt.
	if len(ti.NextKwargs) > 0 && ti.StartDate != nil {
		startDate = *ti.StartDate
	}

	updates := map[string]interface{}{
		"state":      string(models.StateRunning),
		"hostname":   req.Hostname,
		"unixname":   req.Unixname,
		"pid":        req.PID,
		"start_date": startDate,
	}
	err = s.instances.UpdateFromState(ctx, ti.ID,
		[]models.State{models.StateQueued, models.StateRestarting}, updates)
	if err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			current, gerr := s.getInstance(ctx, tiID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &InvalidStateError{Message: runConflictMessage, PreviousState: current.State}
		}
		return nil, err
	}

	s.publishTransition(ti, models.StateRunning, map[string]interface{}{
		"hostname": req.Hostname,
		"pid":      req.PID,
	})

	ti.State = models.StateRunning
	ti.Hostname = req.Hostname
	ti.Unixname = req.Unixname
	ti.PID = req.PID
	ti.StartDate = &startDate

	return s.buildRunContext(ctx, ti)
}

func (s *Service) buildRunContext(ctx context.Context, ti *models.TaskInstance) (*RunContext, error) {
	run, err := s.runs.Get(ctx, ti.DagID, ti.RunID)
	if err != nil {
		return nil, err
	}

	count, err := s.instances.RescheduleCount(ctx, ti.ID)
	if err != nil {
		return nil, err
	}

	upstream := map[string]interface{}{}
	graph, err := s.dags.GetGraph(ctx, ti.DagID)
	if err == nil {
		upstream, err = s.upstreamMapIndexes(ctx, graph, ti)
		if err != nil {
			return nil, err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	return &RunContext{
		DagRun:              run,
		ConsumedAssetEvents: []map[string]interface{}{},
		TaskRescheduleCount: int(count),
		UpstreamMapIndexes:  upstream,
		MaxTries:            ti.MaxTries,
		ShouldRetry:         ti.MaxTries > 0,
		Variables:           []map[string]interface{}{},
		Connections:         []map[string]interface{}{},
		XComKeysToClear:     []string{},
		NextMethod:          ti.NextMethod,
		NextKwargs:          ti.NextKwargs,
	}, nil
}

// OutletEvent is extra event metadata reported by the finishing task,
// including events resolved through asset aliases.
type OutletEvent struct {
	DestAssetKey    models.AssetKey
	Extra           map[string]interface{}
	SourceAliasName string
}

// StateUpdate is a runner reporting that its attempt left the running
// state. Exactly one of the target-specific field groups is populated,
// according to State.
type StateUpdate struct {
	State models.State

	// Terminal / retry / reschedule
	EndDate          time.Time
	RenderedMapIndex string
	TaskOutlets      []models.AssetRef
	OutletEvents     []OutletEvent

	// Deferral
	Classpath      string
	TriggerKwargs  json.RawMessage
	NextMethod     string
	NextKwargs     json.RawMessage
	TriggerTimeout time.Duration

	// Reschedule
	RescheduleDate time.Time
}

// UpdateState applies a runner-reported transition out of running.
func (s *Service) UpdateState(ctx context.Context, tiID string, req *StateUpdate) error {
	if req.State == models.StateRunning {
		return ErrRunningNotAllowed
	}

	ti, err := s.getInstance(ctx, tiID)
	if err != nil {
		return err
	}
	if ti.State != models.StateRunning {
		return &InvalidStateError{Message: updateConflictMessage, PreviousState: ti.State}
	}

	switch {
	case req.State.IsTerminal():
		return s.finishTerminal(ctx, ti, req, req.State)
	case req.State == models.StateDeferred:
		return s.deferInstance(ctx, ti, req)
	case req.State == models.StateUpForReschedule:
		if req.RescheduleDate.After(rescheduleDateCeiling) {
			return s.finishTerminal(ctx, ti, req, models.StateFailed)
		}
		return s.rescheduleInstance(ctx, ti, req)
	case req.State == models.StateUpForRetry:
		return s.retryInstance(ctx, ti, req)
	default:
		return fmt.Errorf("unsupported target state %q", req.State)
	}
}

func (s *Service) finishTerminal(ctx context.Context, ti *models.TaskInstance, req *StateUpdate, target models.State) error {
	finalState := target
	events, forcedFail, err := s.collectAssetEvents(ctx, ti, req)
	if err != nil {
		return err
	}
	if forcedFail {
		finalState = models.StateFailed
	}

	endDate := req.EndDate.UTC()
	updates := map[string]interface{}{
		"state":       string(finalState),
		"end_date":    endDate,
		"next_method": nil,
		"next_kwargs": nil,
	}
	var duration *float64
	if ti.StartDate != nil {
		d := endDate.Sub(*ti.StartDate).Seconds()
		duration = &d
		updates["duration"] = d
	}
	if req.RenderedMapIndex != "" {
		updates["rendered_map_index"] = req.RenderedMapIndex
	}

	if err := s.applyRunningUpdate(ctx, ti, updates); err != nil {
		return err
	}

	for i := range events {
		if err := s.assets.CreateEvent(ctx, &events[i]); err != nil {
			return err
		}
	}

	s.archiveAttempt(ctx, ti, finalState, &endDate, duration)
	s.publishTransition(ti, finalState, nil)
	return nil
}

func (s *Service) deferInstance(ctx context.Context, ti *models.TaskInstance, req *StateUpdate) error {
	trigger := &models.Trigger{
		Classpath: req.Classpath,
		Kwargs:    req.TriggerKwargs,
	}
	if err := s.instances.CreateTrigger(ctx, trigger); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"state":       string(models.StateDeferred),
		"trigger_id":  trigger.ID,
		"next_method": req.NextMethod,
		// Continuation kwargs stay opaque; they are handed back to the
		// runner exactly as reported.
		"next_kwargs": []byte(req.NextKwargs),
	}
	var timeout *time.Time
	if req.TriggerTimeout > 0 {
		t := time.Now().UTC().Add(req.TriggerTimeout)
		timeout = &t
		updates["trigger_timeout"] = t
	}

	if err := s.applyRunningUpdate(ctx, ti, updates); err != nil {
		return err
	}

	notice := &triggers.DeferralNotice{
		TaskInstanceID: ti.ID,
		TriggerID:      trigger.ID,
		Classpath:      trigger.Classpath,
		Kwargs:         trigger.Kwargs,
		NextMethod:     req.NextMethod,
		Timeout:        timeout,
	}
	if err := s.deferrals.Publish(notice); err != nil {
		s.log.WithError(err).WithField("ti_id", ti.ID).Warn("Failed to publish deferral notice")
	}

	s.publishTransition(ti, models.StateDeferred, map[string]interface{}{
		"classpath": req.Classpath,
	})
	return nil
}

func (s *Service) rescheduleInstance(ctx context.Context, ti *models.TaskInstance, req *StateUpdate) error {
	endDate := req.EndDate.UTC()
	startDate := endDate
	if ti.StartDate != nil {
		startDate = *ti.StartDate
	}

	reschedule := &models.TaskReschedule{
		TaskInstanceID: ti.ID,
		StartDate:      startDate,
		EndDate:        endDate,
		RescheduleDate: req.RescheduleDate.UTC(),
		Duration:       int64(endDate.Sub(startDate).Seconds()),
	}
	if err := s.instances.CreateReschedule(ctx, reschedule); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"state":       string(models.StateUpForReschedule),
		"end_date":    endDate,
		"next_method": nil,
		"next_kwargs": nil,
	}
	if ti.StartDate != nil {
		updates["duration"] = endDate.Sub(*ti.StartDate).Seconds()
	}

	if err := s.applyRunningUpdate(ctx, ti, updates); err != nil {
		return err
	}

	s.publishTransition(ti, models.StateUpForReschedule, nil)
	return nil
}

func (s *Service) retryInstance(ctx context.Context, ti *models.TaskInstance, req *StateUpdate) error {
	endDate := req.EndDate.UTC()
	updates := map[string]interface{}{
		"state":       string(models.StateUpForRetry),
		"end_date":    endDate,
		"next_method": nil,
		"next_kwargs": nil,
	}
	var duration *float64
	if ti.StartDate != nil {
		d := endDate.Sub(*ti.StartDate).Seconds()
		duration = &d
		updates["duration"] = d
	}

	if err := s.applyRunningUpdate(ctx, ti, updates); err != nil {
		return err
	}

	s.archiveAttempt(ctx, ti, models.StateUpForRetry, &endDate, duration)
	s.publishTransition(ti, models.StateUpForRetry, nil)
	return nil
}

// applyRunningUpdate applies updates guarded on the instance still
// being in running, mapping a lost race to the update conflict.
func (s *Service) applyRunningUpdate(ctx context.Context, ti *models.TaskInstance, updates map[string]interface{}) error {
	err := s.instances.UpdateFromState(ctx, ti.ID, []models.State{models.StateRunning}, updates)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrStateConflict) {
		current, gerr := s.getInstance(ctx, ti.ID)
		if gerr != nil {
			return gerr
		}
		return &InvalidStateError{Message: updateConflictMessage, PreviousState: current.State}
	}
	return err
}

// Heartbeat records liveness of the runner owning the instance.
func (s *Service) Heartbeat(ctx context.Context, tiID, hostname string, pid int) error {
	ti, err := s.getInstance(ctx, tiID)
	if err != nil {
		return err
	}

	if ti.State != models.StateRunning {
		return &NotRunningError{CurrentState: ti.State}
	}
	if ti.Hostname != hostname || ti.PID != pid {
		return &RunningElsewhereError{CurrentHostname: ti.Hostname, CurrentPID: ti.PID}
	}

	err = s.instances.UpdateFromState(ctx, ti.ID, []models.State{models.StateRunning},
		map[string]interface{}{"last_heartbeat_at": time.Now().UTC()})
	if err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			current, gerr := s.getInstance(ctx, tiID)
			if gerr != nil {
				return gerr
			}
			return &NotRunningError{CurrentState: current.State}
		}
		return err
	}
	return nil
}

// TaskSelector names a downstream task to skip; a nil MapIndex covers
// every instance of the task.
type TaskSelector struct {
	TaskID   string
	MapIndex *int
}

// SkipDownstream marks the named downstream tasks of the instance's run
// as skipped.
func (s *Service) SkipDownstream(ctx context.Context, tiID string, tasks []TaskSelector) error {
	ti, err := s.getInstance(ctx, tiID)
	if err != nil {
		return err
	}

	for _, sel := range tasks {
		updates := map[string]interface{}{"state": string(models.StateSkipped)}
		if _, err := s.instances.UpdateByTask(ctx, ti.DagID, ti.RunID, sel.TaskID, sel.MapIndex, updates); err != nil {
			return err
		}
	}
	return nil
}

// SetRenderedFields stores the rendered template fields of the instance.
func (s *Service) SetRenderedFields(ctx context.Context, tiID string, fields map[string]interface{}) error {
	ti, err := s.instances.Get(ctx, tiID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidInput) {
			return &NotFoundError{Message: "Not Found"}
		}
		return err
	}
	return s.instances.SetRenderedFields(ctx, ti, fields)
}

// PreviousSuccessfulRun returns the latest successful run of the
// instance's DAG with an earlier logical date, or nil when there is
// none (including when the instance itself is unknown).
func (s *Service) PreviousSuccessfulRun(ctx context.Context, tiID string) (*models.DagRun, error) {
	ti, err := s.instances.Get(ctx, tiID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidInput) {
			return nil, nil
		}
		return nil, err
	}

	run, err := s.runs.Get(ctx, ti.DagID, ti.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if run.LogicalDate == nil {
		return nil, nil
	}

	prev, err := s.runs.GetPreviousSuccessful(ctx, ti.DagID, *run.LogicalDate)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return prev, nil
}

// RescheduleStartDate returns the start date of the instance's first
// reschedule round, or nil when it never rescheduled.
func (s *Service) RescheduleStartDate(ctx context.Context, tiID string) (*time.Time, error) {
	start, err := s.instances.FirstRescheduleStart(ctx, tiID)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			return nil, nil
		}
		return nil, err
	}
	return start, nil
}

// Query scopes count/states lookups. MapIndex nil means all map
// indices; StateNone in States matches the NULL state.
type Query struct {
	DagID        string
	RunIDs       []string
	TaskIDs      []string
	TaskGroupID  string
	LogicalDates []time.Time
	States       []models.State
	MapIndex     *int
}

func (s *Service) resolveFilters(ctx context.Context, q *Query) (storage.TaskInstanceFilters, error) {
	graph, err := s.dags.GetGraph(ctx, q.DagID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.TaskInstanceFilters{}, &NotFoundError{
				Message: fmt.Sprintf("The Dag with ID: `%s` was not found", q.DagID),
			}
		}
		return storage.TaskInstanceFilters{}, err
	}

	taskIDs := append([]string{}, q.TaskIDs...)
	if q.TaskGroupID != "" {
		if !graph.HasGroup(q.TaskGroupID) {
			return storage.TaskInstanceFilters{}, &NotFoundError{
				Message: fmt.Sprintf("Task group %s not found in DAG %s", q.TaskGroupID, q.DagID),
			}
		}
		seen := make(map[string]bool, len(taskIDs))
		for _, id := range taskIDs {
			seen[id] = true
		}
		for _, id := range graph.GroupTaskIDs(q.TaskGroupID) {
			if !seen[id] {
				taskIDs = append(taskIDs, id)
				seen[id] = true
			}
		}
	}

	return storage.TaskInstanceFilters{
		DagID:        q.DagID,
		RunIDs:       q.RunIDs,
		TaskIDs:      taskIDs,
		LogicalDates: q.LogicalDates,
		States:       q.States,
		MapIndex:     q.MapIndex,
	}, nil
}

// Count counts the task instances matching the query.
func (s *Service) Count(ctx context.Context, q *Query) (int64, error) {
	filters, err := s.resolveFilters(ctx, q)
	if err != nil {
		return 0, err
	}
	return s.instances.Count(ctx, filters)
}

// States returns matching instance states grouped by run, keyed by
// task id (mapped instances as task_id_<map_index>). A nil value is
// the NULL state.
func (s *Service) States(ctx context.Context, q *Query) (map[string]map[string]*string, error) {
	filters, err := s.resolveFilters(ctx, q)
	if err != nil {
		return nil, err
	}

	instances, err := s.instances.List(ctx, filters)
	if err != nil {
		return nil, err
	}

	result := make(map[string]map[string]*string)
	for _, ti := range instances {
		byRun, ok := result[ti.RunID]
		if !ok {
			byRun = make(map[string]*string)
			result[ti.RunID] = byRun
		}

		key := ti.TaskID
		if ti.MapIndex >= 0 {
			key = fmt.Sprintf("%s_%d", ti.TaskID, ti.MapIndex)
		}

		if ti.State == models.StateNone {
			byRun[key] = nil
		} else {
			st := string(ti.State)
			byRun[key] = &st
		}
	}
	return result, nil
}

// SetXCom stores a cross-communication value for the instance.
func (s *Service) SetXCom(ctx context.Context, key models.TaskInstanceKey, xcomKey string, value json.RawMessage) error {
	return s.xcoms.Set(ctx, key, xcomKey, value)
}

// GetXCom retrieves a cross-communication value.
func (s *Service) GetXCom(ctx context.Context, key models.TaskInstanceKey, xcomKey string) (json.RawMessage, error) {
	value, err := s.xcoms.Get(ctx, key, xcomKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Message: fmt.Sprintf("XCom with key: `%s` was not found", xcomKey)}
		}
		return nil, err
	}
	return json.RawMessage(value), nil
}

// DeleteXCom removes a cross-communication value.
func (s *Service) DeleteXCom(ctx context.Context, key models.TaskInstanceKey, xcomKey string) error {
	return s.xcoms.Delete(ctx, key, xcomKey)
}

// XComKeys lists the xcom keys the instance has pushed.
func (s *Service) XComKeys(ctx context.Context, key models.TaskInstanceKey) ([]string, error) {
	return s.xcoms.Keys(ctx, key)
}

func (s *Service) getInstance(ctx context.Context, tiID string) (*models.TaskInstance, error) {
	ti, err := s.instances.Get(ctx, tiID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidInput) {
			return nil, &NotFoundError{Message: tiNotFoundMessage}
		}
		return nil, err
	}
	return ti, nil
}

func (s *Service) publishTransition(ti *models.TaskInstance, to models.State, metadata map[string]interface{}) {
	if err := s.states.Transition(ti, to, metadata); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"ti_id": ti.ID,
			"from":  ti.State.OrNull(),
			"to":    to,
		}).Warn("Failed to publish state transition")
	}
}

func (s *Service) archiveAttempt(ctx context.Context, ti *models.TaskInstance, finalState models.State, endDate *time.Time, duration *float64) {
	if s.archiver == nil {
		return
	}
	archived := *ti
	archived.State = finalState
	archived.EndDate = endDate
	archived.Duration = duration
	if err := s.archiver.Archive(ctx, &archived); err != nil {
		s.log.WithError(err).WithField("ti_id", ti.ID).Warn("Failed to archive task instance attempt")
	}
}
