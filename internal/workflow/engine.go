package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/repository"
)

// ErrInstanceNotFound is returned by Signal and Query when no instance exists
// under the given id.
var ErrInstanceNotFound = errors.New("workflow instance not found")

// Engine is the durable-execution boundary: start a named workflow under a
// deterministic instance id, deliver signals to it, and answer state queries.
// StartWorkflow is idempotent per instance id.
type Engine interface {
	StartWorkflow(ctx context.Context, name, instanceID string, input interface{}) (string, error)
	Signal(ctx context.Context, instanceID, signal string, payload interface{}) error
	Query(ctx context.Context, instanceID, query string) (json.RawMessage, error)
}

// Workflow defines one registered workflow type. Implementations are
// sequential and deterministic per instance; the engine serializes all
// transitions of an instance against its persisted row.
type Workflow interface {
	Name() string
	// Init produces the initial state and optional wake deadline for a new
	// instance.
	Init(ctx context.Context, instanceID string, input json.RawMessage) (state json.RawMessage, deadline *time.Time, err error)
	// OnSignal applies one signal to the current state. done marks the
	// instance completed.
	OnSignal(ctx context.Context, instanceID, signal string, payload, state json.RawMessage) (newState json.RawMessage, done bool, err error)
	// OnDeadline fires when the instance's deadline passes.
	OnDeadline(ctx context.Context, instanceID string, state json.RawMessage) (newState json.RawMessage, done bool, err error)
	// Query answers a read-only question about the current state.
	Query(ctx context.Context, instanceID, query string, state json.RawMessage) (json.RawMessage, error)
}

// InstanceStore is the persistence surface for workflow instances.
type InstanceStore interface {
	Get(ctx context.Context, instanceID string) (*model.WorkflowInstance, error)
	Create(ctx context.Context, inst *model.WorkflowInstance) error
	Save(ctx context.Context, inst *model.WorkflowInstance) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.WorkflowInstance, error)
}

// DurableEngine runs workflows as persisted state rows woken by signals and a
// periodic deadline sweep. It is the substitution for a dedicated
// durable-execution substrate: pending waits survive restarts because they
// are nothing but rows with a deadline.
type DurableEngine struct {
	store     InstanceStore
	workflows map[string]Workflow

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewDurableEngine creates an engine over the given instance store.
func NewDurableEngine(store InstanceStore) *DurableEngine {
	return &DurableEngine{
		store:     store,
		workflows: make(map[string]Workflow),
	}
}

// Register adds a workflow type to the engine.
func (e *DurableEngine) Register(w Workflow) {
	e.workflows[w.Name()] = w
}

// StartWorkflow starts (or rejoins) the instance with the given id. A second
// start for the same id returns the existing reference without re-running
// Init's side effects.
func (e *DurableEngine) StartWorkflow(ctx context.Context, name, instanceID string, input interface{}) (string, error) {
	w, ok := e.workflows[name]
	if !ok {
		return "", fmt.Errorf("unknown workflow %q", name)
	}

	existing, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.InstanceID, nil
	}

	rawInput, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow input: %w", err)
	}

	state, deadline, err := w.Init(ctx, instanceID, rawInput)
	if err != nil {
		return "", fmt.Errorf("failed to init workflow %s/%s: %w", name, instanceID, err)
	}

	inst := &model.WorkflowInstance{
		InstanceID: instanceID,
		Workflow:   name,
		Status:     model.WorkflowStatusRunning,
		State:      string(state),
		Deadline:   deadline,
	}

	if err := e.store.Create(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost the start race; the winner's instance is the instance.
			return instanceID, nil
		}
		return "", err
	}

	logrus.Infof("Started workflow %s instance %s", name, instanceID)
	return instanceID, nil
}

// Signal delivers a signal to a running instance. Signals to a completed
// instance are logged no-ops, never errors. Two signals racing on the same
// instance are serialized by the store's versioned save: the first transition
// to land wins, and the loser is dropped like a signal to a completed
// instance.
func (e *DurableEngine) Signal(ctx context.Context, instanceID, signal string, payload interface{}) error {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst == nil {
		return fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
	}
	if inst.Status != model.WorkflowStatusRunning {
		logrus.Infof("Ignoring signal %q to completed workflow instance %s", signal, instanceID)
		return nil
	}

	w, ok := e.workflows[inst.Workflow]
	if !ok {
		return fmt.Errorf("instance %s references unregistered workflow %q", instanceID, inst.Workflow)
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	newState, done, err := w.OnSignal(ctx, instanceID, signal, rawPayload, json.RawMessage(inst.State))
	if err != nil {
		return fmt.Errorf("signal %q on instance %s failed: %w", signal, instanceID, err)
	}

	inst.State = string(newState)
	if done {
		inst.Status = model.WorkflowStatusCompleted
		inst.Deadline = nil
	}

	if err := e.store.Save(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrStale) {
			logrus.Infof("Instance %s transitioned concurrently, dropping %q signal result", instanceID, signal)
			return nil
		}
		return err
	}
	return nil
}

// Query answers a read-only query against an instance, running or completed.
func (e *DurableEngine) Query(ctx context.Context, instanceID, query string) (json.RawMessage, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
	}

	w, ok := e.workflows[inst.Workflow]
	if !ok {
		return nil, fmt.Errorf("instance %s references unregistered workflow %q", instanceID, inst.Workflow)
	}

	return w.Query(ctx, instanceID, query, json.RawMessage(inst.State))
}

// RunSweep fires deadlines that have passed. Called periodically; each due
// instance gets one OnDeadline transition.
func (e *DurableEngine) RunSweep(ctx context.Context, now time.Time) error {
	due, err := e.store.ListDue(ctx, now, 100)
	if err != nil {
		return err
	}

	for i := range due {
		inst := &due[i]
		w, ok := e.workflows[inst.Workflow]
		if !ok {
			logrus.Errorf("Instance %s references unregistered workflow %q, skipping deadline", inst.InstanceID, inst.Workflow)
			continue
		}

		newState, done, err := w.OnDeadline(ctx, inst.InstanceID, json.RawMessage(inst.State))
		if err != nil {
			logrus.Errorf("Deadline on instance %s failed: %v", inst.InstanceID, err)
			continue
		}

		inst.State = string(newState)
		inst.Deadline = nil
		if done {
			inst.Status = model.WorkflowStatusCompleted
		}

		if err := e.store.Save(ctx, inst); err != nil {
			if errors.Is(err, repository.ErrStale) {
				// A signal resolved the instance while the sweep ran.
				logrus.Infof("Instance %s transitioned concurrently, dropping deadline result", inst.InstanceID)
				continue
			}
			logrus.Errorf("Failed to save instance %s after deadline: %v", inst.InstanceID, err)
		}
	}

	return nil
}

// StartSweeper runs the deadline sweep on a fixed interval until StopSweeper.
func (e *DurableEngine) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	e.sweepCancel = cancel
	e.sweepDone = make(chan struct{})

	go func() {
		defer close(e.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.RunSweep(ctx, time.Now()); err != nil {
					logrus.Errorf("Workflow deadline sweep failed: %v", err)
				}
			}
		}
	}()

	logrus.Infof("Workflow deadline sweeper started with interval %v", interval)
}

// StopSweeper stops the deadline sweep loop.
func (e *DurableEngine) StopSweeper() {
	if e.sweepCancel == nil {
		return
	}
	e.sweepCancel()
	<-e.sweepDone
}
