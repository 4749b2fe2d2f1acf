package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"mail-dispatch-go/internal/model"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetEnabled returns all enabled mailbox accounts, the working set for one
// poll tick.
func (r *AccountRepository) GetEnabled(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	result := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get enabled accounts: %w", result.Error)
	}
	return accounts, nil
}

// List returns all accounts, enabled or not.
func (r *AccountRepository) List(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	result := r.db.WithContext(ctx).Order("id ASC").Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", result.Error)
	}
	return accounts, nil
}

// GetByID returns one account, or nil when it does not exist.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account %s: %w", id, result.Error)
	}
	return &account, nil
}
