package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/blob"
	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/queue"
	"mail-dispatch-go/internal/repository"
)

// MessageStore is the raw-message persistence surface the worker needs.
type MessageStore interface {
	GetByNaturalID(ctx context.Context, accountID, naturalMessageID string) (*model.RawMessage, error)
	Create(ctx context.Context, msg *model.RawMessage) error
	MarkProcessed(ctx context.Context, id, eventID string) error
}

// AccountSource resolves the account a task belongs to.
type AccountSource interface {
	GetByID(ctx context.Context, id string) (*model.Account, error)
}

// Dispatcher hands a canonical event downstream and returns the workflow
// reference it ended up at.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *model.Event) (string, error)
}

// ReadMarker flags the source message as seen at the mailbox.
type ReadMarker interface {
	MarkRead(ctx context.Context, account model.Account, naturalMessageID string) error
}

// Worker ingests one fetched message per task: persist it, derive the
// canonical event, dispatch, and flip the processed flag. Persistence comes
// first so a failure later in the chain never loses the email; the queue
// redelivers and every step tolerates its own work already being done.
type Worker struct {
	messages MessageStore
	accounts AccountSource
	blobs    blob.Store
	dispatch Dispatcher
	marker   ReadMarker
	metrics  *metrics.Metrics
}

// NewWorker creates a new ingestion worker.
func NewWorker(messages MessageStore, accounts AccountSource, blobs blob.Store, dispatch Dispatcher, marker ReadMarker, m *metrics.Metrics) *Worker {
	return &Worker{
		messages: messages,
		accounts: accounts,
		blobs:    blobs,
		dispatch: dispatch,
		marker:   marker,
		metrics:  m,
	}
}

// Handle implements queue.Handler.
func (w *Worker) Handle(ctx context.Context, payload queue.Payload) error {
	msg := payload.Message
	if msg.NaturalID == "" {
		return fmt.Errorf("message from account %s has no natural id", payload.AccountID)
	}

	account, err := w.accounts.GetByID(ctx, payload.AccountID)
	if err != nil {
		return err
	}

	raw, err := w.persist(ctx, payload.AccountID, msg)
	if err != nil {
		return err
	}

	if raw.Processed && raw.EventID != nil {
		// Redelivered task for a message that already went all the way
		// through.
		w.metrics.DedupeHits.Inc()
		logrus.Debugf("Message %s already processed into event %s, skipping", msg.NaturalID, *raw.EventID)
		return nil
	}

	event := &model.Event{
		ID:             uuid.NewString(),
		IdempotencyKey: model.EventSourceEmail + ":" + msg.NaturalID,
		Type:           "email.received",
		Source:         model.EventSourceEmail,
		Subject:        msg.Subject,
		Content:        msg.Content(),
		Sender:         msg.From,
		Metadata: map[string]string{
			"account_id":     payload.AccountID,
			"raw_message_id": raw.ID,
		},
	}
	if account != nil {
		event.Metadata["account_name"] = account.Name
	}

	if _, err := w.dispatch.Dispatch(ctx, event); err != nil {
		return err
	}

	if err := w.messages.MarkProcessed(ctx, raw.ID, event.ID); err != nil {
		return err
	}

	// Marking the source read is policy-gated and best effort; a transport
	// hiccup here must not fail an otherwise-ingested message.
	if account != nil && account.MarkAsRead {
		if err := w.marker.MarkRead(ctx, *account, msg.NaturalID); err != nil {
			logrus.Warnf("Failed to mark message %s read at source: %v", msg.NaturalID, err)
		}
	}

	w.metrics.MessagesIngested.Inc()
	return nil
}

// persist stores the message bytes, attachments, and RawMessage record. A
// message already persisted under its natural key is reused as-is.
func (w *Worker) persist(ctx context.Context, accountID string, msg model.InboundMessage) (*model.RawMessage, error) {
	existing, err := w.messages.GetByNaturalID(ctx, accountID, msg.NaturalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	storageRef := ""
	if len(msg.Raw) > 0 {
		storageRef, err = w.blobs.Put(ctx, accountID+"/"+msg.NaturalID, msg.Raw)
		if err != nil {
			return nil, fmt.Errorf("failed to store message bytes: %w", err)
		}
	}

	var attachments []model.AttachmentRef
	for i, att := range msg.Attachments {
		key := fmt.Sprintf("%s/%s/att-%d-%s", accountID, msg.NaturalID, i, att.Filename)
		ref, err := w.blobs.Put(ctx, key, att.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to store attachment %s: %w", att.Filename, err)
		}
		attachments = append(attachments, model.AttachmentRef{
			Filename:   att.Filename,
			MIMEType:   att.MIMEType,
			StorageRef: ref,
			Size:       len(att.Data),
		})
	}

	raw := &model.RawMessage{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		NaturalMessageID: msg.NaturalID,
		Subject:          msg.Subject,
		Sender:           msg.From,
		Recipients:       msg.To,
		ReceivedAt:       msg.ReceivedAt,
		StorageRef:       storageRef,
		Attachments:      attachments,
	}

	if err := w.messages.Create(ctx, raw); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
		// The queue delivered this message twice in parallel; reuse the row
		// the other delivery created. Blob writes are idempotent by key.
		w.metrics.DedupeHits.Inc()
		winner, rerr := w.messages.GetByNaturalID(ctx, accountID, msg.NaturalID)
		if rerr != nil {
			return nil, rerr
		}
		if winner == nil {
			return nil, fmt.Errorf("raw message %s vanished after duplicate insert", msg.NaturalID)
		}
		return winner, nil
	}

	return raw, nil
}
