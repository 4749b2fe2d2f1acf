package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/repository"
)

// ApprovalWorkflowName is the registered name of the approval workflow.
const ApprovalWorkflowName = "approval"

// Approval workflow states. AwaitingApproval is the only non-terminal state.
// StateFailed is the explicit operator-intervention terminal reached when a
// resolution side effect exhausts its retries; it is deliberately distinct
// from StateRejected.
const (
	StateAwaitingApproval = "awaiting_approval"
	StateApproved         = "approved"
	StateRejected         = "rejected"
	StateTimedOut         = "timed_out"
	StateFailed           = "failed"
)

// Approval workflow signals and queries.
const (
	SignalApprove  = "approve"
	SignalReject   = "reject"
	QueryGetStatus = "get_status"
)

// ApprovalInput starts one approval instance for a suggestion.
type ApprovalInput struct {
	SuggestionID   string  `json:"suggestion_id"`
	Kind           string  `json:"kind"`
	Payload        string  `json:"payload"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	TriggerSource  string  `json:"trigger_source"`
	TriggerContent string  `json:"trigger_content"`
}

// ReviewSignal is the payload of an approve or reject signal.
type ReviewSignal struct {
	ReviewerID string `json:"reviewer_id"`
	Note       string `json:"note"`
}

// StatusResult answers the get_status query.
type StatusResult struct {
	State              string `json:"state"`
	Approved           bool   `json:"approved"`
	ReviewerID         string `json:"reviewer_id"`
	Note               string `json:"note"`
	WaitingForApproval bool   `json:"waiting_for_approval"`
}

// ApprovalInstanceID derives the deterministic instance id for a suggestion,
// so a duplicate start request lands on the same instance.
func ApprovalInstanceID(suggestionID string) string {
	return "approval:" + suggestionID
}

type approvalState struct {
	SuggestionID string     `json:"suggestion_id"`
	State        string     `json:"state"`
	ReviewerID   string     `json:"reviewer_id,omitempty"`
	Note         string     `json:"note,omitempty"`
	EnteredAt    time.Time  `json:"entered_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// SuggestionStore is the persistence surface the approval workflow needs.
// Resolve claims the verdict: a suggestion that already left pending returns
// repository.ErrAlreadyResolved.
type SuggestionStore interface {
	GetByID(ctx context.Context, id string) (*model.Suggestion, error)
	Create(ctx context.Context, s *model.Suggestion) error
	Resolve(ctx context.Context, id, status, reviewerID, note string) error
	Fail(ctx context.Context, id, note string) error
}

// Materializer applies an approved suggestion: it creates the real entity the
// suggestion proposed.
type Materializer interface {
	Materialize(ctx context.Context, s *model.Suggestion) error
}

// Notifier announces a newly pending suggestion to reviewers. Best effort;
// failures never block the state machine.
type Notifier interface {
	NotifyPending(ctx context.Context, s *model.Suggestion) error
}

// LogNotifier is a Notifier that only logs. It stands in until a real
// reviewer channel is wired up.
type LogNotifier struct{}

// NotifyPending implements Notifier.
func (LogNotifier) NotifyPending(ctx context.Context, s *model.Suggestion) error {
	logrus.Infof("Suggestion %s (%s) awaiting approval, confidence %.2f", s.ID, s.Kind, s.Confidence)
	return nil
}

// ApprovalWorkflow is the long-running approval state machine: one durable
// instance per suggestion, resolved by an approve/reject signal or by the
// timeout deadline.
type ApprovalWorkflow struct {
	suggestions  SuggestionStore
	materializer Materializer
	notifier     Notifier
	timeout      time.Duration
	maxRetries   int
	retryDelay   time.Duration
	metrics      *metrics.Metrics
}

// NewApprovalWorkflow creates the approval workflow definition.
func NewApprovalWorkflow(suggestions SuggestionStore, materializer Materializer, notifier Notifier, timeout time.Duration, maxRetries int, m *metrics.Metrics) *ApprovalWorkflow {
	return &ApprovalWorkflow{
		suggestions:  suggestions,
		materializer: materializer,
		notifier:     notifier,
		timeout:      timeout,
		maxRetries:   maxRetries,
		retryDelay:   time.Second,
		metrics:      m,
	}
}

// Name implements Workflow.
func (w *ApprovalWorkflow) Name() string {
	return ApprovalWorkflowName
}

// Init creates the Suggestion record if it does not exist yet, fires the
// pending notification, and parks the instance in AwaitingApproval with the
// timeout deadline armed.
func (w *ApprovalWorkflow) Init(ctx context.Context, instanceID string, input json.RawMessage) (json.RawMessage, *time.Time, error) {
	var in ApprovalInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal approval input: %w", err)
	}
	if in.SuggestionID == "" {
		return nil, nil, fmt.Errorf("approval input missing suggestion id")
	}

	suggestion := &model.Suggestion{
		ID:             in.SuggestionID,
		Kind:           in.Kind,
		Payload:        in.Payload,
		Confidence:     in.Confidence,
		Reasoning:      in.Reasoning,
		TriggerSource:  in.TriggerSource,
		TriggerContent: in.TriggerContent,
		Status:         model.SuggestionStatusPending,
	}
	if err := w.suggestions.Create(ctx, suggestion); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, nil, err
		}
		// Already created by an earlier start attempt.
	}

	if err := w.notifier.NotifyPending(ctx, suggestion); err != nil {
		logrus.Warnf("Failed to notify reviewers for suggestion %s: %v", in.SuggestionID, err)
	}

	now := time.Now()
	deadline := now.Add(w.timeout)

	state, err := json.Marshal(approvalState{
		SuggestionID: in.SuggestionID,
		State:        StateAwaitingApproval,
		EnteredAt:    now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal approval state: %w", err)
	}

	return state, &deadline, nil
}

// OnSignal handles approve and reject.
func (w *ApprovalWorkflow) OnSignal(ctx context.Context, instanceID, signal string, payload, state json.RawMessage) (json.RawMessage, bool, error) {
	var st approvalState
	if err := json.Unmarshal(state, &st); err != nil {
		return state, false, fmt.Errorf("failed to unmarshal approval state: %w", err)
	}

	if st.State != StateAwaitingApproval {
		// Terminal. The engine already drops signals to completed instances;
		// this guard keeps the invariant even if the instance row lags.
		logrus.Infof("Suggestion %s already %s, ignoring %q signal", st.SuggestionID, st.State, signal)
		return state, true, nil
	}

	var review ReviewSignal
	if err := json.Unmarshal(payload, &review); err != nil {
		return state, false, fmt.Errorf("failed to unmarshal review signal: %w", err)
	}

	switch signal {
	case SignalApprove:
		return w.resolve(ctx, st, review, true)
	case SignalReject:
		return w.resolve(ctx, st, review, false)
	default:
		return state, false, fmt.Errorf("unknown signal %q", signal)
	}
}

// resolve claims the verdict on the Suggestion row first, then runs the
// materialize side effect with bounded retries. The claim order matters: two
// racing verdicts both reach here, but only the one that wins the conditional
// Resolve acts; the loser adopts the winner's resolution. Exhausted retries
// land in StateFailed rather than guessing at approved or rejected.
func (w *ApprovalWorkflow) resolve(ctx context.Context, st approvalState, review ReviewSignal, approve bool) (json.RawMessage, bool, error) {
	suggestion, err := w.suggestions.GetByID(ctx, st.SuggestionID)
	if err != nil {
		return nil, false, err
	}
	if suggestion == nil {
		return nil, false, fmt.Errorf("suggestion %s not found", st.SuggestionID)
	}

	verdict := model.SuggestionStatusRejected
	if approve {
		verdict = model.SuggestionStatusApproved
	}

	if err := w.suggestions.Resolve(ctx, st.SuggestionID, verdict, review.ReviewerID, review.Note); err != nil {
		if errors.Is(err, repository.ErrAlreadyResolved) {
			return w.adoptResolution(ctx, st)
		}
		return nil, false, err
	}

	now := time.Now()
	st.ReviewerID = review.ReviewerID
	st.Note = review.Note
	st.ResolvedAt = &now
	st.State = StateRejected

	if approve {
		st.State = StateApproved
		var lastErr error
		for attempt := 1; attempt <= w.maxRetries; attempt++ {
			if lastErr = w.materializer.Materialize(ctx, suggestion); lastErr == nil {
				break
			}
			logrus.Warnf("Materialization for suggestion %s failed (attempt %d/%d): %v",
				st.SuggestionID, attempt, w.maxRetries, lastErr)
			if attempt < w.maxRetries {
				time.Sleep(w.retryDelay)
			}
		}
		if lastErr != nil {
			st.State = StateFailed
			if err := w.suggestions.Fail(ctx, st.SuggestionID, lastErr.Error()); err != nil {
				logrus.Errorf("Failed to mark suggestion %s failed: %v", st.SuggestionID, err)
			}
			logrus.Errorf("Suggestion %s moved to failed state after exhausted retries: %v", st.SuggestionID, lastErr)
		}
	}

	newState, err := json.Marshal(st)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal approval state: %w", err)
	}
	return newState, true, nil
}

// adoptResolution builds the terminal state from the Suggestion row when this
// verdict lost the resolution race. No side effects run for the loser.
func (w *ApprovalWorkflow) adoptResolution(ctx context.Context, st approvalState) (json.RawMessage, bool, error) {
	suggestion, err := w.suggestions.GetByID(ctx, st.SuggestionID)
	if err != nil {
		return nil, false, err
	}
	if suggestion == nil {
		return nil, false, fmt.Errorf("suggestion %s not found", st.SuggestionID)
	}

	logrus.Infof("Suggestion %s already %s, adopting the existing resolution", st.SuggestionID, suggestion.Status)

	st.State = stateForSuggestionStatus(suggestion.Status)
	st.ReviewerID = suggestion.ReviewerID
	st.Note = suggestion.ReviewNote
	st.ResolvedAt = suggestion.ResolvedAt

	newState, err := json.Marshal(st)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal approval state: %w", err)
	}
	return newState, true, nil
}

func stateForSuggestionStatus(status string) string {
	switch status {
	case model.SuggestionStatusApproved:
		return StateApproved
	case model.SuggestionStatusRejected:
		return StateRejected
	case model.SuggestionStatusTimeout:
		return StateTimedOut
	case model.SuggestionStatusFailed:
		return StateFailed
	default:
		return StateAwaitingApproval
	}
}

// OnDeadline auto-resolves an unanswered approval as timed out, the
// system-initiated equivalent of a rejection.
func (w *ApprovalWorkflow) OnDeadline(ctx context.Context, instanceID string, state json.RawMessage) (json.RawMessage, bool, error) {
	var st approvalState
	if err := json.Unmarshal(state, &st); err != nil {
		return state, false, fmt.Errorf("failed to unmarshal approval state: %w", err)
	}

	if st.State != StateAwaitingApproval {
		return state, true, nil
	}

	if err := w.suggestions.Resolve(ctx, st.SuggestionID, model.SuggestionStatusTimeout, "", "approval window expired"); err != nil {
		if errors.Is(err, repository.ErrAlreadyResolved) {
			// A reviewer beat the sweep to the deadline.
			return w.adoptResolution(ctx, st)
		}
		return state, false, err
	}

	now := time.Now()
	st.State = StateTimedOut
	st.ResolvedAt = &now

	w.metrics.WorkflowTimeouts.Inc()
	logrus.Infof("Suggestion %s timed out without review", st.SuggestionID)

	newState, err := json.Marshal(st)
	if err != nil {
		return state, false, fmt.Errorf("failed to marshal approval state: %w", err)
	}
	return newState, true, nil
}

// Query answers get_status for running and completed instances alike.
func (w *ApprovalWorkflow) Query(ctx context.Context, instanceID, query string, state json.RawMessage) (json.RawMessage, error) {
	if query != QueryGetStatus {
		return nil, fmt.Errorf("unknown query %q", query)
	}

	var st approvalState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval state: %w", err)
	}

	result := StatusResult{
		State:              st.State,
		Approved:           st.State == StateApproved,
		ReviewerID:         st.ReviewerID,
		Note:               st.Note,
		WaitingForApproval: st.State == StateAwaitingApproval,
	}

	return json.Marshal(result)
}
