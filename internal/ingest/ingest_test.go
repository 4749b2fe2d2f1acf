package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mail-dispatch-go/internal/blob"
	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/queue"
	"mail-dispatch-go/internal/repository"
)

// Prometheus collectors register globally, so one shared instance serves the
// whole test binary.
var testMetrics = metrics.NewMetrics()

type fakeAccounts struct {
	account *model.Account
}

func (f *fakeAccounts) GetByID(ctx context.Context, id string) (*model.Account, error) {
	return f.account, nil
}

type fakeDispatcher struct {
	events []*model.Event
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, event *model.Event) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.events = append(f.events, event)
	return "approval:" + event.ID, nil
}

type fakeMarker struct {
	marked []string
	err    error
}

func (f *fakeMarker) MarkRead(ctx context.Context, account model.Account, naturalMessageID string) error {
	if f.err != nil {
		return f.err
	}
	f.marked = append(f.marked, naturalMessageID)
	return nil
}

type testHarness struct {
	worker     *Worker
	messages   *repository.MessageRepository
	blobs      *blob.FileStore
	dispatcher *fakeDispatcher
	marker     *fakeMarker
}

func newHarness(t *testing.T, account *model.Account) *testHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.RawMessage{}))

	messages := repository.NewMessageRepository(db)
	blobs, err := blob.NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	marker := &fakeMarker{}

	return &testHarness{
		worker:     NewWorker(messages, &fakeAccounts{account: account}, blobs, dispatcher, marker, testMetrics),
		messages:   messages,
		blobs:      blobs,
		dispatcher: dispatcher,
		marker:     marker,
	}
}

func testPayload() queue.Payload {
	return queue.Payload{
		AccountID: "acct-1",
		Message: model.InboundMessage{
			NaturalID:  "<m1@example.com>",
			Subject:    "Updated bank details",
			From:       "billing@supplier.example",
			To:         []string{"ops@company.example"},
			ReceivedAt: time.Now(),
			Body:       "Please update our account number.",
			Raw:        []byte("From: billing@supplier.example\r\n\r\nPlease update our account number."),
			Attachments: []model.InboundAttachment{
				{Filename: "iban.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.4")},
			},
		},
	}
}

func TestHandlePersistsAndDispatches(t *testing.T) {
	account := &model.Account{ID: "acct-1", Name: "ops", Transport: model.TransportIMAP}
	h := newHarness(t, account)
	ctx := context.Background()

	require.NoError(t, h.worker.Handle(ctx, testPayload()))

	raw, err := h.messages.GetByNaturalID(ctx, "acct-1", "<m1@example.com>")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.True(t, raw.Processed)
	require.NotNil(t, raw.EventID)
	assert.NotEmpty(t, raw.StorageRef)
	require.Len(t, raw.Attachments, 1)
	assert.Equal(t, "iban.pdf", raw.Attachments[0].Filename)

	// The stored bytes round-trip through the blob store.
	data, err := h.blobs.Get(ctx, raw.StorageRef)
	require.NoError(t, err)
	assert.Contains(t, string(data), "account number")

	require.Len(t, h.dispatcher.events, 1)
	event := h.dispatcher.events[0]
	assert.Equal(t, "email:<m1@example.com>", event.IdempotencyKey)
	assert.Equal(t, "email.received", event.Type)
	assert.Equal(t, *raw.EventID, event.ID)
	assert.Equal(t, "acct-1", event.Metadata["account_id"])
	assert.Equal(t, "ops", event.Metadata["account_name"])
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	account := &model.Account{ID: "acct-1", Name: "ops"}
	h := newHarness(t, account)
	ctx := context.Background()

	require.NoError(t, h.worker.Handle(ctx, testPayload()))
	require.NoError(t, h.worker.Handle(ctx, testPayload()))

	// One raw message, one dispatch, no matter how often the queue
	// redelivers.
	assert.Len(t, h.dispatcher.events, 1)

	raw, err := h.messages.GetByNaturalID(ctx, "acct-1", "<m1@example.com>")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.True(t, raw.Processed)
}

func TestHandleDispatchFailureKeepsMessageForRetry(t *testing.T) {
	account := &model.Account{ID: "acct-1", Name: "ops"}
	h := newHarness(t, account)
	ctx := context.Background()

	h.dispatcher.err = fmt.Errorf("classifier down")
	require.Error(t, h.worker.Handle(ctx, testPayload()))

	// The message survived persistence and stays unprocessed.
	raw, err := h.messages.GetByNaturalID(ctx, "acct-1", "<m1@example.com>")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.False(t, raw.Processed)

	// The queue's retry picks the same message up and finishes the job.
	h.dispatcher.err = nil
	require.NoError(t, h.worker.Handle(ctx, testPayload()))

	raw, err = h.messages.GetByNaturalID(ctx, "acct-1", "<m1@example.com>")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.True(t, raw.Processed)
	assert.Len(t, h.dispatcher.events, 1)
}

func TestHandleMarkReadPolicy(t *testing.T) {
	account := &model.Account{ID: "acct-1", Name: "ops", MarkAsRead: true}
	h := newHarness(t, account)
	ctx := context.Background()

	require.NoError(t, h.worker.Handle(ctx, testPayload()))
	assert.Equal(t, []string{"<m1@example.com>"}, h.marker.marked)
}

func TestHandleMarkReadFailureIsBestEffort(t *testing.T) {
	account := &model.Account{ID: "acct-1", Name: "ops", MarkAsRead: true}
	h := newHarness(t, account)
	h.marker.err = fmt.Errorf("imap connection reset")
	ctx := context.Background()

	// A mark-read failure never fails an otherwise-ingested message.
	require.NoError(t, h.worker.Handle(ctx, testPayload()))

	raw, err := h.messages.GetByNaturalID(ctx, "acct-1", "<m1@example.com>")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.True(t, raw.Processed)
}

func TestHandleMarkReadSkippedWhenDisabled(t *testing.T) {
	account := &model.Account{ID: "acct-1", Name: "ops", MarkAsRead: false}
	h := newHarness(t, account)
	ctx := context.Background()

	require.NoError(t, h.worker.Handle(ctx, testPayload()))
	assert.Empty(t, h.marker.marked)
}

func TestHandleRejectsMissingNaturalID(t *testing.T) {
	h := newHarness(t, &model.Account{ID: "acct-1"})

	payload := testPayload()
	payload.Message.NaturalID = ""

	assert.Error(t, h.worker.Handle(context.Background(), payload))
}
