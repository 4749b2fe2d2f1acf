package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/model"
)

// TriageWorkflowName is the registered name of the manual-triage workflow,
// the default route for intents with no dedicated workflow.
const TriageWorkflowName = "triage"

// SignalResolveTriage closes a triage instance once an operator has dealt
// with the underlying event.
const SignalResolveTriage = "resolve"

// TriageInput starts one triage instance for an event.
type TriageInput struct {
	EventID string `json:"event_id"`
	Intent  string `json:"intent"`
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
}

type triageState struct {
	EventID    string     `json:"event_id"`
	Intent     string     `json:"intent"`
	Subject    string     `json:"subject"`
	Sender     string     `json:"sender"`
	Open       bool       `json:"open"`
	Resolution string     `json:"resolution,omitempty"`
	EnteredAt  time.Time  `json:"entered_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// TriageWorkflow parks an event for a human to look at. It waits without a
// deadline until a resolve signal arrives.
type TriageWorkflow struct{}

// NewTriageWorkflow creates the triage workflow definition.
func NewTriageWorkflow() *TriageWorkflow {
	return &TriageWorkflow{}
}

// Name implements Workflow.
func (w *TriageWorkflow) Name() string {
	return TriageWorkflowName
}

// Init implements Workflow.
func (w *TriageWorkflow) Init(ctx context.Context, instanceID string, input json.RawMessage) (json.RawMessage, *time.Time, error) {
	var in TriageInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal triage input: %w", err)
	}

	logrus.Infof("Event %s (%s) queued for manual triage", in.EventID, in.Intent)

	state, err := json.Marshal(triageState{
		EventID:   in.EventID,
		Intent:    in.Intent,
		Subject:   in.Subject,
		Sender:    in.Sender,
		Open:      true,
		EnteredAt: time.Now(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal triage state: %w", err)
	}

	return state, nil, nil
}

// OnSignal implements Workflow.
func (w *TriageWorkflow) OnSignal(ctx context.Context, instanceID, signal string, payload, state json.RawMessage) (json.RawMessage, bool, error) {
	if signal != SignalResolveTriage {
		return state, false, fmt.Errorf("unknown signal %q", signal)
	}

	var st triageState
	if err := json.Unmarshal(state, &st); err != nil {
		return state, false, fmt.Errorf("failed to unmarshal triage state: %w", err)
	}
	if !st.Open {
		return state, true, nil
	}

	var note struct {
		Resolution string `json:"resolution"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &note); err != nil {
			return state, false, fmt.Errorf("failed to unmarshal resolution: %w", err)
		}
	}

	now := time.Now()
	st.Open = false
	st.Resolution = note.Resolution
	st.ResolvedAt = &now

	newState, err := json.Marshal(st)
	if err != nil {
		return state, false, fmt.Errorf("failed to marshal triage state: %w", err)
	}
	return newState, true, nil
}

// OnDeadline implements Workflow. Triage instances carry no deadline.
func (w *TriageWorkflow) OnDeadline(ctx context.Context, instanceID string, state json.RawMessage) (json.RawMessage, bool, error) {
	return state, false, nil
}

// Query implements Workflow.
func (w *TriageWorkflow) Query(ctx context.Context, instanceID, query string, state json.RawMessage) (json.RawMessage, error) {
	if query != QueryGetStatus {
		return nil, fmt.Errorf("unknown query %q", query)
	}
	// The raw state doubles as the status answer.
	return state, nil
}

// LogMaterializer is a Materializer that records the approved change without
// applying it anywhere. It stands in until the entity services this pipeline
// feeds are connected.
type LogMaterializer struct{}

// Materialize implements Materializer.
func (LogMaterializer) Materialize(ctx context.Context, s *model.Suggestion) error {
	logrus.Infof("Materializing approved suggestion %s (%s): %s", s.ID, s.Kind, s.Payload)
	return nil
}
