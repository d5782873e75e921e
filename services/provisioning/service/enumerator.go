package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"go.uber.org/zap"
)

const OperationRequeueDataDeletion = "RequeueDataDeletion"

type ProvisionSummary struct {
	SubscriptionID     uuid.UUID                `json:"subscriptionId"`
	ProvisioningStatus model.ProvisioningStatus `json:"provisioningStatus"`
	ProvisioningType   model.ProvisioningType   `json:"provisioningType"`
	RetryCount         int                      `json:"retryCount"`
	LastException      string                   `json:"lastException"`
	SubscriptionStatus model.SubscriptionStatus `json:"subscriptionStatus"`
	LastUpdatedTime    time.Time                `json:"lastUpdatedTime"`
}

// GetInProgressProvisions lists the subscriptions the scheduler still has to
// drive. Unsubscribed subscriptions are held back until their plan's data
// retention window has passed; everything else is listed until its
// provisioning state is final.
func (m *Machine) GetInProgressProvisions(ctx context.Context) ([]ProvisionSummary, error) {
	subs, err := m.subscriptions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	plans := map[string]*model.Plan{}
	now := m.now()

	var result []ProvisionSummary
	for i := range subs {
		sub := &subs[i]
		if sub.Status == model.SubscriptionStatusUnsubscribed {
			if sub.UnsubscribedTime == nil {
				m.logger.Warn("unsubscribed subscription has no unsubscribed time",
					zap.String("subscription_id", sub.SubscriptionID.String()))
				continue
			}

			key := sub.OfferName + "/" + sub.PlanName
			plan, ok := plans[key]
			if !ok {
				plan, err = m.catalog.GetPlan(ctx, sub.OfferName, sub.PlanName)
				if err != nil {
					return nil, fmt.Errorf("load plan %s: %w", sub.PlanName, err)
				}
				plans[key] = plan
			}
			if plan == nil {
				m.logger.Warn("plan of unsubscribed subscription not found",
					zap.String("subscription_id", sub.SubscriptionID.String()),
					zap.String("offer", sub.OfferName),
					zap.String("plan", sub.PlanName))
				continue
			}
			if !retentionExpired(*sub.UnsubscribedTime, plan.DataRetentionInDays, now) {
				continue
			}
		} else if sub.ProvisioningStatus.IsFinal() {
			continue
		}

		result = append(result, ProvisionSummary{
			SubscriptionID:     sub.SubscriptionID,
			ProvisioningStatus: sub.ProvisioningStatus,
			ProvisioningType:   sub.ProvisioningType,
			RetryCount:         sub.RetryCount,
			LastException:      sub.LastException,
			SubscriptionStatus: sub.Status,
			LastUpdatedTime:    sub.LastUpdatedTime,
		})
	}
	return result, nil
}

func retentionExpired(unsubscribed time.Time, retentionDays int, now time.Time) bool {
	return !unsubscribed.AddDate(0, 0, retentionDays).After(now)
}

// NextOperation picks the operation that advances a subscription in the
// given state. ok is false when nothing automatic applies.
func NextOperation(s ProvisionSummary) (Operation, bool) {
	switch s.ProvisioningStatus {
	case model.ProvisioningStatusProvisioningPending:
		return OperationCreateResourceGroup, true
	case model.ProvisioningStatusDeployResourceGroupRunning:
		return OperationCheckResourceGroupDeploymentStatus, true
	case model.ProvisioningStatusArmTemplatePending:
		return OperationDeployArmTemplate, true
	case model.ProvisioningStatusArmTemplateRunning:
		return OperationCheckArmDeploymentStatus, true
	case model.ProvisioningStatusWebhookPending:
		return OperationExecuteWebhook, true
	case model.ProvisioningStatusNotificationPending:
		if s.ProvisioningType == model.ProvisioningTypeSubscribe {
			return OperationActivateSubscription, true
		}
		return OperationUpdateOperationCompleted, true
	}
	return 0, false
}

// ShouldRequeueDataDeletion reports whether a listed summary is an
// unsubscribed subscription waiting for its data to be deleted.
func ShouldRequeueDataDeletion(s ProvisionSummary) bool {
	return s.SubscriptionStatus == model.SubscriptionStatusUnsubscribed &&
		s.ProvisioningType != model.ProvisioningTypeDeleteData &&
		s.ProvisioningStatus == model.ProvisioningStatusSucceeded
}

// RequeueDataDeletion restarts provisioning of an unsubscribed subscription
// as a DeleteData run once its retention window has passed.
func (m *Machine) RequeueDataDeletion(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	sub, err := m.subscriptions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", id, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if sub.Status != model.SubscriptionStatusUnsubscribed {
		return nil, fmt.Errorf("%w: subscription %s is %s, data can only be deleted once unsubscribed",
			ErrConflict, id, sub.Status)
	}
	if sub.ProvisioningStatus != model.ProvisioningStatusSucceeded {
		return nil, fmt.Errorf("%w: subscription %s provisioning state is %s",
			ErrConflict, id, sub.ProvisioningStatus)
	}
	if sub.ProvisioningType == model.ProvisioningTypeDeleteData {
		return nil, fmt.Errorf("%w: data of subscription %s is already deleted", ErrConflict, id)
	}

	plan, err := m.loadPlan(ctx, sub)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if sub.UnsubscribedTime == nil || !retentionExpired(*sub.UnsubscribedTime, plan.DataRetentionInDays, now) {
		return nil, fmt.Errorf("%w: data retention of subscription %s has not expired", ErrConflict, id)
	}

	from := sub.ProvisioningStatus
	working := *sub
	working.ProvisioningStatus = model.ProvisioningStatusArmTemplatePending
	working.ProvisioningType = model.ProvisioningTypeDeleteData
	working.RetryCount = 0
	working.LastUpdatedTime = now
	if err := m.persist(ctx, OperationRequeueDataDeletion, from, &working, "", nil); err != nil {
		return nil, err
	}

	TransitionsCount.WithLabelValues(OperationRequeueDataDeletion, string(from), string(working.ProvisioningStatus)).Inc()
	m.logger.Info("data deletion requeued",
		zap.String("subscription_id", id.String()),
		zap.String("plan", plan.PlanName))
	return &working, nil
}
