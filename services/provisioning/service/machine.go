package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/repo"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/evaluator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const DefaultActivatedBy = "system"

// errStillRunning marks a poll that found the deployment in progress. The
// subscription keeps its state and retry count.
var errStillRunning = errors.New("deployment is still running")

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(m *Machine) {
		m.policy = policy
	}
}

// Machine drives subscriptions through provisioning. Every operation loads
// the subscription, checks the current state against the operation, does one
// unit of work and persists the resulting state.
type Machine struct {
	logger        *zap.Logger
	tracer        trace.Tracer
	subscriptions repo.SubscriptionRepo
	catalog       repo.CatalogRepo
	evaluator     *evaluator.Evaluator
	deployments   DeploymentGateway
	fulfillment   FulfillmentGateway
	templates     TemplateStore
	policy        RetryPolicy
	now           func() time.Time
}

func NewMachine(
	logger *zap.Logger,
	subscriptions repo.SubscriptionRepo,
	catalog repo.CatalogRepo,
	evaluator *evaluator.Evaluator,
	deployments DeploymentGateway,
	fulfillment FulfillmentGateway,
	templates TemplateStore,
	opts ...Option,
) *Machine {
	m := &Machine{
		logger:        logger.Named("machine"),
		tracer:        otel.GetTracerProvider().Tracer("provisioning.machine"),
		subscriptions: subscriptions,
		catalog:       catalog,
		evaluator:     evaluator,
		deployments:   deployments,
		fulfillment:   fulfillment,
		templates:     templates,
		policy:        RetryPolicy{Ceiling: DefaultRetryCeiling},
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type step func(ctx context.Context, sub *model.Subscription) (model.ProvisioningStatus, error)

// Run executes op for the subscription. activatedBy is only used by the
// notification operations.
func (m *Machine) Run(ctx context.Context, op Operation, id uuid.UUID, activatedBy string) (*model.Subscription, error) {
	switch op {
	case OperationCreateResourceGroup:
		return m.CreateResourceGroup(ctx, id)
	case OperationCheckResourceGroupDeploymentStatus:
		return m.CheckResourceGroupDeploymentStatus(ctx, id)
	case OperationDeployArmTemplate:
		return m.DeployArmTemplate(ctx, id)
	case OperationCheckArmDeploymentStatus:
		return m.CheckArmDeploymentStatus(ctx, id)
	case OperationExecuteWebhook:
		return m.ExecuteWebhook(ctx, id)
	case OperationActivateSubscription:
		return m.ActivateSubscription(ctx, id, activatedBy)
	case OperationUpdateOperationCompleted:
		return m.UpdateOperationCompleted(ctx, id, activatedBy)
	default:
		return nil, fmt.Errorf("unknown operation %d", int(op))
	}
}

func (m *Machine) execute(ctx context.Context, op Operation, id uuid.UUID, fn step) (*model.Subscription, error) {
	ctx, span := m.tracer.Start(ctx, "provisioning."+op.String(),
		trace.WithAttributes(attribute.String("subscription_id", id.String())))
	defer span.End()

	started := time.Now()
	defer func() {
		OperationDuration.WithLabelValues(op.String()).Observe(time.Since(started).Seconds())
	}()

	sub, err := m.subscriptions.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load subscription %s: %w", id, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if !op.Accepts(sub.ProvisioningStatus) {
		return nil, fmt.Errorf("%w: cannot call %s when subscription %s provisioning state is %s",
			ErrConflict, op, id, sub.ProvisioningStatus)
	}

	working := *sub
	target, stepErr := fn(ctx, &working)
	if err := ctx.Err(); err != nil {
		m.logger.Warn("operation canceled, nothing persisted",
			zap.String("subscription_id", id.String()),
			zap.Stringer("operation", op),
			zap.Error(err))
		return nil, err
	}

	switch {
	case stepErr == nil:
		return m.transit(ctx, op, sub.ProvisioningStatus, &working, target)
	case errors.Is(stepErr, errStillRunning):
		return m.stay(ctx, op, sub)
	case errors.Is(stepErr, ErrNotFound):
		span.RecordError(stepErr)
		return nil, stepErr
	default:
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, stepErr.Error())
		return m.fail(ctx, op, sub, stepErr)
	}
}

func (m *Machine) transit(ctx context.Context, op Operation, from model.ProvisioningStatus, sub *model.Subscription, target model.ProvisioningStatus) (*model.Subscription, error) {
	if !op.Produces(target) {
		m.logger.Error("internal inconsistency: operation computed an undeclared target state",
			zap.String("subscription_id", sub.SubscriptionID.String()),
			zap.Stringer("operation", op),
			zap.String("target", string(target)))
		target = model.ProvisioningStatusNotSpecified
	}

	sub.ProvisioningStatus = target
	sub.RetryCount = 0
	if from == sub.FailbackFrom {
		sub.FailbackCount = 0
		sub.FailbackFrom = ""
	}
	sub.LastUpdatedTime = m.now()
	if err := m.persist(ctx, op.String(), from, sub, "", nil); err != nil {
		return nil, err
	}

	TransitionsCount.WithLabelValues(op.String(), string(from), string(target)).Inc()
	m.logger.Info("subscription transitioned",
		zap.String("subscription_id", sub.SubscriptionID.String()),
		zap.Stringer("operation", op),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.Int("retry_count", sub.RetryCount))
	return sub, nil
}

func (m *Machine) stay(ctx context.Context, op Operation, original *model.Subscription) (*model.Subscription, error) {
	sub := *original
	sub.LastUpdatedTime = m.now()
	if err := m.persist(ctx, op.String(), original.ProvisioningStatus, &sub, "", nil); err != nil {
		return nil, err
	}
	m.logger.Info("deployment still in progress",
		zap.String("subscription_id", sub.SubscriptionID.String()),
		zap.Stringer("operation", op),
		zap.String("state", string(sub.ProvisioningStatus)))
	return &sub, nil
}

func (m *Machine) fail(ctx context.Context, op Operation, original *model.Subscription, cause error) (*model.Subscription, error) {
	d := m.policy.Decide(op, original, cause)

	fields := []zap.Field{
		zap.String("subscription_id", original.SubscriptionID.String()),
		zap.Stringer("operation", op),
		zap.String("from", string(original.ProvisioningStatus)),
		zap.String("to", string(d.Status)),
		zap.String("kind", string(d.Kind)),
		zap.Int("retry_count", d.RetryCount),
		zap.Int("failback_count", d.FailbackCount),
		zap.Error(cause),
	}
	if d.Inconsistent {
		m.logger.Error("internal inconsistency: failure left an undeclared state", fields...)
	} else {
		m.logger.Warn("operation failed", fields...)
	}

	sub := *original
	sub.ProvisioningStatus = d.Status
	sub.RetryCount = d.RetryCount
	sub.FailbackCount = d.FailbackCount
	sub.FailbackFrom = d.FailbackFrom
	sub.LastException = cause.Error()
	sub.LastUpdatedTime = m.now()
	details := map[string]any{"kind": d.Kind, "inconsistent": d.Inconsistent}
	if err := m.persist(ctx, op.String(), original.ProvisioningStatus, &sub, cause.Error(), details); err != nil {
		return nil, err
	}

	FailuresCount.WithLabelValues(op.String(), string(d.Kind)).Inc()
	return &sub, nil
}

func (m *Machine) persist(ctx context.Context, operation string, from model.ProvisioningStatus, sub *model.Subscription, cause string, details map[string]any) error {
	event := &model.ProvisioningEvent{
		ID:             uuid.New(),
		SubscriptionID: sub.SubscriptionID,
		Operation:      operation,
		From:           from,
		To:             sub.ProvisioningStatus,
		RetryCount:     sub.RetryCount,
		Error:          cause,
		CreatedAt:      sub.LastUpdatedTime,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		event.Details = datatypes.JSON(raw)
	}

	if err := m.subscriptions.Save(ctx, sub, event); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return fmt.Errorf("%w: subscription %s", ErrConcurrentUpdate, sub.SubscriptionID)
		}
		return fmt.Errorf("save subscription %s: %w", sub.SubscriptionID, err)
	}
	return nil
}

func (m *Machine) loadOffer(ctx context.Context, sub *model.Subscription) (*model.Offer, error) {
	offer, err := m.catalog.GetOffer(ctx, sub.OfferName)
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("load offer %s: %w", sub.OfferName, err), "")
	}
	if offer == nil {
		return nil, fmt.Errorf("offer %s: %w", sub.OfferName, ErrNotFound)
	}
	return offer, nil
}

func (m *Machine) loadPlan(ctx context.Context, sub *model.Subscription) (*model.Plan, error) {
	plan, err := m.catalog.GetPlan(ctx, sub.OfferName, sub.PlanName)
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("load plan %s: %w", sub.PlanName, err), "")
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %s of offer %s: %w", sub.PlanName, sub.OfferName, ErrNotFound)
	}
	return plan, nil
}

func (m *Machine) loadCatalog(ctx context.Context, sub *model.Subscription) (*model.Offer, *model.Plan, error) {
	offer, err := m.loadOffer(ctx, sub)
	if err != nil {
		return nil, nil, err
	}
	plan, err := m.loadPlan(ctx, sub)
	if err != nil {
		return nil, nil, err
	}
	return offer, plan, nil
}
