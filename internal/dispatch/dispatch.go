package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/classifier"
	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/repository"
	"mail-dispatch-go/internal/workflow"
)

// EventStore is the persistence surface the dispatcher needs.
type EventStore interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Event, error)
	Create(ctx context.Context, event *model.Event) error
	SetIntent(ctx context.Context, id, label string, score float64, reasoning string) error
	SetProcessing(ctx context.Context, id, workflowRef string) error
}

// Routes maps intent labels to workflow names. Unmapped labels fall back to
// Default.
type Routes struct {
	ByIntent map[string]string
	Default  string
}

// DefaultRoutes returns the standard routing table: entity-change intents go
// through approval, everything else is parked for manual triage.
func DefaultRoutes() Routes {
	return Routes{
		ByIntent: map[string]string{
			classifier.IntentSupplierUpdate: workflow.ApprovalWorkflowName,
			classifier.IntentCustomerUpdate: workflow.ApprovalWorkflowName,
			classifier.IntentProductUpdate:  workflow.ApprovalWorkflowName,
			classifier.IntentOrderRequest:   workflow.TriageWorkflowName,
		},
		Default: workflow.TriageWorkflowName,
	}
}

// Resolve returns the workflow name for an intent label.
func (r Routes) Resolve(intent string) string {
	if name, ok := r.ByIntent[intent]; ok {
		return name
	}
	return r.Default
}

// Dispatcher turns canonical events into running workflow instances. Every
// step is safe to repeat: the idempotency key guards event creation and the
// deterministic instance id guards workflow start, so a crashed or duplicated
// dispatch re-runs without creating duplicates.
type Dispatcher struct {
	events     EventStore
	classifier classifier.Classifier
	engine     workflow.Engine
	routes     Routes
	metrics    *metrics.Metrics
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(events EventStore, cls classifier.Classifier, engine workflow.Engine, routes Routes, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		events:     events,
		classifier: cls,
		engine:     engine,
		routes:     routes,
		metrics:    m,
	}
}

// Dispatch persists the event, classifies it, and starts (or rejoins) its
// workflow. It returns the workflow reference.
func (d *Dispatcher) Dispatch(ctx context.Context, event *model.Event) (string, error) {
	existing, err := d.events.GetByIdempotencyKey(ctx, event.IdempotencyKey)
	if err != nil {
		return "", err
	}

	if existing != nil && existing.WorkflowRef != "" {
		// Duplicate delivery; the first dispatch already went through. The
		// caller's event is rebound to the winner so it sees the real ids.
		d.metrics.DedupeHits.Inc()
		logrus.Debugf("Event with key %s already dispatched to %s", event.IdempotencyKey, existing.WorkflowRef)
		*event = *existing
		return existing.WorkflowRef, nil
	}

	if existing != nil {
		// Persisted but never routed: an earlier dispatch died between insert
		// and workflow start. Resume from classification on the winner's row.
		*event = *existing
	} else {
		event.Status = model.EventStatusPending
		if err := d.events.Create(ctx, event); err != nil {
			if !errors.Is(err, repository.ErrDuplicate) {
				return "", err
			}
			// Lost an insert race; re-read the winner and resume on it.
			winner, rerr := d.events.GetByIdempotencyKey(ctx, event.IdempotencyKey)
			if rerr != nil {
				return "", rerr
			}
			if winner == nil {
				return "", fmt.Errorf("event with key %s vanished after duplicate insert", event.IdempotencyKey)
			}
			d.metrics.DedupeHits.Inc()
			*event = *winner
			if winner.WorkflowRef != "" {
				return winner.WorkflowRef, nil
			}
		}
	}

	verdict, err := d.classifier.Classify(ctx, classifier.Input{
		Subject: event.Subject,
		Content: event.Content,
		Sender:  event.Sender,
	})
	if err != nil {
		// The event stays pending; the task substrate retries from here.
		d.metrics.DispatchFailures.Inc()
		return "", fmt.Errorf("failed to classify event %s: %w", event.ID, err)
	}

	if err := d.events.SetIntent(ctx, event.ID, verdict.Label, verdict.Confidence, verdict.Reasoning); err != nil {
		d.metrics.DispatchFailures.Inc()
		return "", err
	}
	event.Intent = verdict.Label
	event.IntentScore = verdict.Confidence
	event.IntentReasoning = verdict.Reasoning

	name := d.routes.Resolve(verdict.Label)
	instanceID, input := d.workflowStart(event, name)

	ref, err := d.engine.StartWorkflow(ctx, name, instanceID, input)
	if err != nil {
		d.metrics.DispatchFailures.Inc()
		return "", fmt.Errorf("failed to start workflow %s for event %s: %w", name, event.ID, err)
	}

	if err := d.events.SetProcessing(ctx, event.ID, ref); err != nil {
		d.metrics.DispatchFailures.Inc()
		return "", err
	}

	d.metrics.DispatchSuccesses.Inc()
	logrus.Infof("Dispatched event %s (intent %s) to workflow %s", event.ID, verdict.Label, ref)
	return ref, nil
}

// workflowStart builds the instance id and input for the routed workflow.
// Instance ids are deterministic per event so retried starts rejoin the same
// instance.
func (d *Dispatcher) workflowStart(event *model.Event, name string) (string, interface{}) {
	switch name {
	case workflow.ApprovalWorkflowName:
		return workflow.ApprovalInstanceID(event.ID), workflow.ApprovalInput{
			SuggestionID:   event.ID,
			Kind:           event.Intent,
			Payload:        event.Content,
			Confidence:     event.IntentScore,
			Reasoning:      event.IntentReasoning,
			TriggerSource:  event.Source,
			TriggerContent: event.Content,
		}
	default:
		return "event:" + event.ID, workflow.TriageInput{
			EventID: event.ID,
			Intent:  event.Intent,
			Subject: event.Subject,
			Sender:  event.Sender,
		}
	}
}
