package repo

import (
	"context"

	"github.com/go-errors/errors"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"gorm.io/gorm"
)

// CatalogRepo reads the offer side of the catalog. Getters return nil, nil
// for unknown names.
type CatalogRepo interface {
	GetOffer(ctx context.Context, offerName string) (*model.Offer, error)
	GetPlan(ctx context.Context, offerName, planName string) (*model.Plan, error)
	GetArmTemplate(ctx context.Context, offerName, templateName string) (*model.ArmTemplate, error)
	GetWebhook(ctx context.Context, offerName, webhookName string) (*model.Webhook, error)
	ListArmTemplateParameters(ctx context.Context, offerName string) ([]model.ArmTemplateParameter, error)
	ListWebhookParameters(ctx context.Context, offerName string) ([]model.WebhookParameter, error)
}

type CatalogRepoImpl struct {
	db *gorm.DB
}

func NewCatalogRepo(db *gorm.DB) CatalogRepo {
	return &CatalogRepoImpl{
		db: db,
	}
}

func first[T any](tx *gorm.DB) (*T, error) {
	var m T
	if err := tx.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *CatalogRepoImpl) GetOffer(ctx context.Context, offerName string) (*model.Offer, error) {
	return first[model.Offer](r.db.WithContext(ctx).Where("offer_name = ?", offerName))
}

func (r *CatalogRepoImpl) GetPlan(ctx context.Context, offerName, planName string) (*model.Plan, error) {
	return first[model.Plan](r.db.WithContext(ctx).Where("offer_name = ? AND plan_name = ?", offerName, planName))
}

func (r *CatalogRepoImpl) GetArmTemplate(ctx context.Context, offerName, templateName string) (*model.ArmTemplate, error) {
	return first[model.ArmTemplate](r.db.WithContext(ctx).Where("offer_name = ? AND template_name = ?", offerName, templateName))
}

func (r *CatalogRepoImpl) GetWebhook(ctx context.Context, offerName, webhookName string) (*model.Webhook, error) {
	return first[model.Webhook](r.db.WithContext(ctx).Where("offer_name = ? AND webhook_name = ?", offerName, webhookName))
}

func (r *CatalogRepoImpl) ListArmTemplateParameters(ctx context.Context, offerName string) ([]model.ArmTemplateParameter, error) {
	var ms []model.ArmTemplateParameter
	tx := r.db.WithContext(ctx).Where("offer_name = ?", offerName).Order("name").Find(&ms)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return ms, nil
}

func (r *CatalogRepoImpl) ListWebhookParameters(ctx context.Context, offerName string) ([]model.WebhookParameter, error) {
	var ms []model.WebhookParameter
	tx := r.db.WithContext(ctx).Where("offer_name = ?", offerName).Order("name").Find(&ms)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return ms, nil
}
