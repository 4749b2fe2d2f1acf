package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/config"
	"mail-dispatch-go/internal/fetcher"
	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/model"
)

// AccountSource lists the accounts to poll. The poller re-reads it every
// tick, so newly enabled accounts join the rotation without any registry
// mutation.
type AccountSource interface {
	GetEnabled(ctx context.Context) ([]model.Account, error)
}

// LockStore is the distributed lock and checkpoint surface.
type LockStore interface {
	TryAcquireLock(ctx context.Context, accountID string, ttl time.Duration) (string, bool)
	ReleaseLock(ctx context.Context, accountID, token string) error
	GetCheckpoint(ctx context.Context, accountID string) (time.Time, error)
	SetCheckpoint(ctx context.Context, accountID string, ts time.Time) error
}

// Submitter enqueues one fetched message for ingestion.
type Submitter interface {
	Submit(ctx context.Context, accountID string, msg model.InboundMessage) error
}

// PollResult reports one account poll cycle. Skipped means another poller
// holds the account's lock; that is a normal outcome, not an error.
type PollResult struct {
	AccountID string `json:"account_id"`
	Skipped   bool   `json:"skipped"`
	Fetched   int    `json:"fetched"`
	Enqueued  int    `json:"enqueued"`
}

// Poller schedules one poll cycle per enabled account on a fixed interval.
// Accounts are polled concurrently and independently; per-account exclusion
// comes from the distributed lock, never from serializing the fan-out.
type Poller struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    *config.PollerConfig
	accounts  AccountSource
	locks     LockStore
	fetcher   fetcher.MailboxFetcher
	queue     Submitter
	metrics   *metrics.Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewPoller creates a new account poller
func NewPoller(cfg *config.PollerConfig, accounts AccountSource, locks LockStore, f fetcher.MailboxFetcher, queue Submitter, m *metrics.Metrics) *Poller {
	ctx, cancel := context.WithCancel(context.Background())

	return &Poller{
		cron:     cron.New(cron.WithSeconds()),
		config:   cfg,
		accounts: accounts,
		locks:    locks,
		fetcher:  f,
		queue:    queue,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the poll schedule.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("poller is already running")
	}

	if p.ctx.Err() != nil {
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}

	schedule := fmt.Sprintf("@every %ds", p.config.IntervalSeconds)

	entryID, err := p.cron.AddFunc(schedule, p.pollAll)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	p.entryID = entryID
	p.cron.Start()
	p.isRunning = true

	logrus.Infof("Poller started with interval: %ds", p.config.IntervalSeconds)
	return nil
}

// Stop stops the poll schedule.
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return nil
	}

	p.cancel()
	p.cron.Remove(p.entryID)

	ctx := p.cron.Stop()
	select {
	case <-ctx.Done():
		logrus.Info("Poller stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Poller stop timeout, forcing shutdown")
	}

	p.isRunning = false
	return nil
}

// IsRunning returns whether the poller is running
func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

// pollAll runs one scheduled tick: fan out one poll cycle per enabled
// account.
func (p *Poller) pollAll() {
	p.wg.Add(1)
	defer p.wg.Done()

	accounts, err := p.accounts.GetEnabled(p.ctx)
	if err != nil {
		logrus.Errorf("Failed to load enabled accounts: %v", err)
		return
	}

	p.metrics.EnabledAccounts.Set(float64(len(accounts)))
	if len(accounts) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, account := range accounts {
		wg.Add(1)
		go func(account model.Account) {
			defer wg.Done()

			result, err := p.PollAccount(p.ctx, account)
			if err != nil {
				logrus.Errorf("Poll cycle for account %s failed: %v", account.ID, err)
				return
			}
			if result.Skipped {
				logrus.Debugf("Poll cycle for account %s skipped, lock held elsewhere", account.ID)
				return
			}
			logrus.Infof("Poll cycle for account %s fetched %d, enqueued %d", account.ID, result.Fetched, result.Enqueued)
		}(account)
	}
	wg.Wait()
}

// PollAccount runs one poll cycle for one account: take the lock, fetch new
// messages since the checkpoint, enqueue an ingest task per message, advance
// the checkpoint. The checkpoint moves to the cycle's start time and only
// after the whole batch is enqueued; a failure anywhere leaves it untouched
// for the next tick.
func (p *Poller) PollAccount(ctx context.Context, account model.Account) (PollResult, error) {
	result := PollResult{AccountID: account.ID}

	p.metrics.PollCount.Inc()
	start := time.Now()

	token, ok := p.locks.TryAcquireLock(ctx, account.ID, p.config.LockTTL)
	if !ok {
		p.metrics.PollSkips.Inc()
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := p.locks.ReleaseLock(ctx, account.ID, token); err != nil {
			// The TTL will clean up after us.
			logrus.Warnf("Failed to release poll lock for account %s: %v", account.ID, err)
		}
	}()

	timer := time.Now()
	defer func() {
		p.metrics.PollDuration.Observe(time.Since(timer).Seconds())
	}()

	since, err := p.locks.GetCheckpoint(ctx, account.ID)
	if err != nil {
		p.metrics.PollFailures.Inc()
		return result, err
	}

	messages, err := p.fetcher.Fetch(ctx, account, fetcher.FetchOptions{
		Since:      since,
		UnseenOnly: true,
		Limit:      p.config.FetchLimit,
	})
	if err != nil {
		p.metrics.PollFailures.Inc()
		return result, fmt.Errorf("failed to fetch messages for account %s: %w", account.ID, err)
	}

	result.Fetched = len(messages)
	p.metrics.MessagesFetched.Add(float64(len(messages)))

	for _, msg := range messages {
		if err := p.queue.Submit(ctx, account.ID, msg); err != nil {
			p.metrics.PollFailures.Inc()
			return result, fmt.Errorf("failed to enqueue message %s: %w", msg.NaturalID, err)
		}
		result.Enqueued++
	}

	if err := p.locks.SetCheckpoint(ctx, account.ID, start); err != nil {
		p.metrics.PollFailures.Inc()
		return result, err
	}

	return result, nil
}

// RunOnce runs one unscheduled tick (for manual triggering).
func (p *Poller) RunOnce() error {
	logrus.Info("Running poll tick once")
	p.pollAll()
	return nil
}

// GetNextRun returns the time of the next scheduled run
func (p *Poller) GetNextRun() time.Time {
	if !p.IsRunning() {
		return time.Time{}
	}

	entry := p.cron.Entry(p.entryID)
	return entry.Next
}

// GetLastRun returns the time of the last run
func (p *Poller) GetLastRun() time.Time {
	if !p.IsRunning() {
		return time.Time{}
	}

	entry := p.cron.Entry(p.entryID)
	return entry.Prev
}

// Wait waits for in-flight poll cycles to finish.
func (p *Poller) Wait() {
	p.wg.Wait()
}
