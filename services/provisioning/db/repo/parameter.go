package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SubscriptionParameterRepo interface {
	List(ctx context.Context, subscriptionID uuid.UUID) ([]model.SubscriptionParameter, error)
	// CreateIfNotExists inserts m unless a parameter with the same name is
	// already cached for the subscription. It reports whether a row was added.
	CreateIfNotExists(ctx context.Context, m *model.SubscriptionParameter) (bool, error)
}

type SubscriptionParameterRepoImpl struct {
	db *gorm.DB
}

func NewSubscriptionParameterRepo(db *gorm.DB) SubscriptionParameterRepo {
	return &SubscriptionParameterRepoImpl{
		db: db,
	}
}

func (r *SubscriptionParameterRepoImpl) List(ctx context.Context, subscriptionID uuid.UUID) ([]model.SubscriptionParameter, error) {
	var ms []model.SubscriptionParameter
	tx := r.db.WithContext(ctx).Model(&model.SubscriptionParameter{}).
		Where("subscription_id = ?", subscriptionID).
		Order("id").
		Find(&ms)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return ms, nil
}

func (r *SubscriptionParameterRepoImpl) CreateIfNotExists(ctx context.Context, m *model.SubscriptionParameter) (bool, error) {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(m)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
