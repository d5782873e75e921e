package repo

import (
	"context"
	"fmt"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"gorm.io/gorm"
)

var ErrVersionConflict = fmt.Errorf("subscription was modified concurrently")

type SubscriptionRepo interface {
	Create(ctx context.Context, m *model.Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	// ListActive returns every subscription that is not purged.
	ListActive(ctx context.Context) ([]model.Subscription, error)
	// Save writes m if its Version still matches the stored row and records
	// event in the same transaction. On success m.Version is bumped. Saving a
	// purged subscription returns its ip ranges to the pool in that
	// transaction too.
	Save(ctx context.Context, m *model.Subscription, event *model.ProvisioningEvent) error
	ListEvents(ctx context.Context, id uuid.UUID) ([]model.ProvisioningEvent, error)
}

type SubscriptionRepoImpl struct {
	db *gorm.DB
}

func NewSubscriptionRepo(db *gorm.DB) SubscriptionRepo {
	return &SubscriptionRepoImpl{
		db: db,
	}
}

func (r *SubscriptionRepoImpl) Create(ctx context.Context, m *model.Subscription) error {
	m.Version = 0
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *SubscriptionRepoImpl) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	var m model.Subscription
	tx := r.db.WithContext(ctx).Model(&model.Subscription{}).Where("subscription_id = ?", id).First(&m)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, tx.Error
	}
	return &m, nil
}

func (r *SubscriptionRepoImpl) ListActive(ctx context.Context) ([]model.Subscription, error) {
	var ms []model.Subscription
	tx := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("status <> ?", model.SubscriptionStatusPurged).
		Order("created_time").
		Find(&ms)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return ms, nil
}

func (r *SubscriptionRepoImpl) Save(ctx context.Context, m *model.Subscription, event *model.ProvisioningEvent) error {
	expected := m.Version
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m.Version = expected + 1
		res := tx.Model(m).
			Where("version = ?", expected).
			Select("*").
			Omit("created_time").
			Updates(m)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}

		if m.Status == model.SubscriptionStatusPurged {
			if err := releaseIpRanges(tx, m.SubscriptionID); err != nil {
				return err
			}
		}

		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.Version = expected
		return err
	}
	return nil
}

func (r *SubscriptionRepoImpl) ListEvents(ctx context.Context, id uuid.UUID) ([]model.ProvisioningEvent, error) {
	var events []model.ProvisioningEvent
	tx := r.db.WithContext(ctx).Model(&model.ProvisioningEvent{}).
		Where("subscription_id = ?", id).
		Order("created_at").
		Find(&events)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return events, nil
}
