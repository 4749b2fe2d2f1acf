package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/model"
)

// Payload is the unit of work carried by one ingest task: a single fetched
// message and the account it came from.
type Payload struct {
	AccountID string               `json:"account_id"`
	Message   model.InboundMessage `json:"message"`
}

// TaskStore is the persistence surface the queue needs. The durable table
// gives at-least-once delivery: a worker crash leaves the row leased until
// ReclaimStale puts it back on the queue, and retries are scheduled through
// next_run_at.
type TaskStore interface {
	Enqueue(ctx context.Context, task *model.IngestTask) error
	LeaseNext(ctx context.Context, now time.Time) (*model.IngestTask, error)
	MarkSucceeded(ctx context.Context, id string) error
	Requeue(ctx context.Context, task *model.IngestTask, taskErr error, nextRunAt time.Time) error
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	CountQueued(ctx context.Context) (int64, error)
}

// Handler processes one leased payload. Returning an error requeues the task
// with backoff until its attempts are exhausted.
type Handler interface {
	Handle(ctx context.Context, payload Payload) error
}

// Queue is the submit side of the ingest task queue.
type Queue struct {
	store       TaskStore
	maxAttempts int
	wake        chan struct{}
}

// NewQueue creates a new ingest queue over the given store.
func NewQueue(store TaskStore, maxAttempts int) *Queue {
	return &Queue{
		store:       store,
		maxAttempts: maxAttempts,
		wake:        make(chan struct{}, 1),
	}
}

// Submit enqueues one message for ingestion. Submission is fire-and-forget:
// the caller does not wait for processing.
func (q *Queue) Submit(ctx context.Context, accountID string, msg model.InboundMessage) error {
	data, err := json.Marshal(Payload{AccountID: accountID, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal ingest payload: %w", err)
	}

	task := &model.IngestTask{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Payload:     string(data),
		Status:      model.TaskStatusQueued,
		MaxAttempts: q.maxAttempts,
		NextRunAt:   time.Now(),
	}

	if err := q.store.Enqueue(ctx, task); err != nil {
		return err
	}

	// Nudge an idle worker; losing the nudge only costs one poll interval.
	select {
	case q.wake <- struct{}{}:
	default:
	}

	return nil
}

// Depth returns the number of queued tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.CountQueued(ctx)
}

// Backoff returns the delay before attempt n (1-based) is retried:
// base doubled per prior failure.
func Backoff(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// WorkerPool drains the queue with a fixed set of concurrent workers.
type WorkerPool struct {
	store        TaskStore
	handler      Handler
	queue        *Queue
	workers      int
	baseBackoff  time.Duration
	pollInterval time.Duration
	leaseTTL     time.Duration
	metrics      *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkerPool creates a worker pool over the queue. Leases older than
// leaseTTL are treated as abandoned and returned to the queue.
func NewWorkerPool(queue *Queue, handler Handler, workers int, baseBackoff, pollInterval, leaseTTL time.Duration, m *metrics.Metrics) *WorkerPool {
	return &WorkerPool{
		store:        queue.store,
		handler:      handler,
		queue:        queue,
		workers:      workers,
		baseBackoff:  baseBackoff,
		pollInterval: pollInterval,
		leaseTTL:     leaseTTL,
		metrics:      m,
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.run(ctx)
	}()

	logrus.Infof("Ingest worker pool started with %d workers", p.workers)
}

// Stop stops the workers and waits for in-flight tasks to finish.
func (p *WorkerPool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	logrus.Info("Ingest worker pool stopped")
}

func (p *WorkerPool) run(ctx context.Context) {
	// Recover leases abandoned by a previous process before workers start.
	p.reclaimStale(ctx)

	go p.housekeeping(ctx)

	workerDone := make(chan struct{})
	for i := 0; i < p.workers; i++ {
		go func(id int) {
			defer func() { workerDone <- struct{}{} }()
			p.worker(ctx, id)
		}(i)
	}
	for i := 0; i < p.workers; i++ {
		<-workerDone
	}
}

func (p *WorkerPool) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reclaimStale(ctx)

			depth, err := p.store.CountQueued(ctx)
			if err != nil {
				logrus.Debugf("Failed to read queue depth: %v", err)
				continue
			}
			p.metrics.QueueDepth.Set(float64(depth))
		}
	}
}

func (p *WorkerPool) reclaimStale(ctx context.Context) {
	reclaimed, err := p.store.ReclaimStale(ctx, time.Now().Add(-p.leaseTTL))
	if err != nil {
		logrus.Errorf("Failed to reclaim stale leases: %v", err)
		return
	}
	if reclaimed > 0 {
		logrus.Warnf("Reclaimed %d abandoned task leases", reclaimed)
	}
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		task, err := p.store.LeaseNext(ctx, time.Now())
		if err != nil {
			logrus.Errorf("Worker %d failed to lease task: %v", id, err)
		} else if task != nil {
			p.process(ctx, task)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.queue.wake:
		case <-ticker.C:
		}
	}
}

func (p *WorkerPool) process(ctx context.Context, task *model.IngestTask) {
	var payload Payload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		// Unparseable payloads can never succeed; park them immediately.
		task.Attempts = task.MaxAttempts
		if qerr := p.store.Requeue(ctx, task, fmt.Errorf("corrupt payload: %w", err), time.Now()); qerr != nil {
			logrus.Errorf("Failed to park corrupt task %s: %v", task.ID, qerr)
		}
		return
	}

	if err := p.handler.Handle(ctx, payload); err != nil {
		delay := Backoff(p.baseBackoff, task.Attempts)
		logrus.Errorf("Ingest task %s attempt %d/%d failed (retry in %v): %v",
			task.ID, task.Attempts, task.MaxAttempts, delay, err)
		if qerr := p.store.Requeue(ctx, task, err, time.Now().Add(delay)); qerr != nil {
			logrus.Errorf("Failed to requeue task %s: %v", task.ID, qerr)
		}
		return
	}

	if err := p.store.MarkSucceeded(ctx, task.ID); err != nil {
		logrus.Errorf("Failed to mark task %s succeeded: %v", task.ID, err)
	}
}
