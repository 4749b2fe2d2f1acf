package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mail-dispatch-go/internal/model"
)

const (
	lockKeyPrefix       = "poll-lock:"
	checkpointKeyPrefix = "poll-checkpoint:"

	// checkpointDefaultWindow is how far back the first poll of an account
	// reaches when no checkpoint exists yet.
	checkpointDefaultWindow = 24 * time.Hour
)

// Store is the shared key/value store backing per-account poll locks and
// fetch checkpoints. It lives in the relational database so that exclusion
// holds across process boundaries; an in-process mutex would not.
type Store struct {
	db            *gorm.DB
	checkpointTTL time.Duration
	now           func() time.Time
}

// New creates a Store. checkpointTTL bounds how long an idle account's
// checkpoint survives; locks carry their own per-call TTL.
func New(db *gorm.DB, checkpointTTL time.Duration) *Store {
	return &Store{
		db:            db,
		checkpointTTL: checkpointTTL,
		now:           time.Now,
	}
}

// TryAcquireLock attempts to take the poll lock for an account. On success it
// returns an opaque holder token and true. Contention returns "", false.
// Store errors also return false: an unreachable store fails closed and is
// treated as "lock held by someone else", never as a free lock.
func (s *Store) TryAcquireLock(ctx context.Context, accountID string, ttl time.Duration) (string, bool) {
	key := lockKeyPrefix + accountID
	now := s.now()

	// Reap a stale lock left behind by a crashed holder. Best effort; if two
	// pollers race here, the INSERT below is still the single arbiter.
	if err := s.db.WithContext(ctx).
		Where("`key` = ? AND expires_at <= ?", key, now).
		Delete(&model.KVEntry{}).Error; err != nil {
		logrus.Warnf("Failed to reap expired lock for account %s: %v", accountID, err)
		return "", false
	}

	token := uuid.NewString()
	entry := model.KVEntry{
		Key:       key,
		Value:     token,
		ExpiresAt: now.Add(ttl),
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", false
		}
		logrus.Warnf("Lock acquisition for account %s failed closed: %v", accountID, err)
		return "", false
	}

	return token, true
}

// ReleaseLock releases the poll lock for an account. Only the holder's own
// token is deleted, so a poller that outlived its TTL cannot release a lock
// that has since been taken over.
func (s *Store) ReleaseLock(ctx context.Context, accountID, token string) error {
	result := s.db.WithContext(ctx).
		Where("`key` = ? AND value = ?", lockKeyPrefix+accountID, token).
		Delete(&model.KVEntry{})
	if result.Error != nil {
		return fmt.Errorf("failed to release lock for account %s: %w", accountID, result.Error)
	}
	return nil
}

// GetCheckpoint returns the last successful poll boundary for an account.
// A missing or expired checkpoint defaults to now minus one day; the value is
// advisory only, message identity is the real dedupe boundary.
func (s *Store) GetCheckpoint(ctx context.Context, accountID string) (time.Time, error) {
	var entry model.KVEntry
	err := s.db.WithContext(ctx).
		Where("`key` = ? AND expires_at > ?", checkpointKeyPrefix+accountID, s.now()).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.now().Add(-checkpointDefaultWindow), nil
		}
		return time.Time{}, fmt.Errorf("failed to read checkpoint for account %s: %w", accountID, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, entry.Value)
	if err != nil {
		logrus.Warnf("Corrupt checkpoint for account %s (%q), falling back to default window", accountID, entry.Value)
		return s.now().Add(-checkpointDefaultWindow), nil
	}
	return ts, nil
}

// SetCheckpoint overwrites the poll checkpoint for an account.
func (s *Store) SetCheckpoint(ctx context.Context, accountID string, ts time.Time) error {
	entry := model.KVEntry{
		Key:       checkpointKeyPrefix + accountID,
		Value:     ts.UTC().Format(time.RFC3339Nano),
		ExpiresAt: s.now().Add(s.checkpointTTL),
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to set checkpoint for account %s: %w", accountID, err)
	}
	return nil
}
