package service

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/evaluator"
	"go.uber.org/zap"
)

const (
	ResourceGroupLocationParameterName = "resourceGroupLocation"
	EntryPointUrlParameterName         = "entryPointUrl"

	maxDeploymentNameLength = 64
)

// ResourceGroupName is the resource group that hosts a subscription.
func ResourceGroupName(offerName string, subscriptionID uuid.UUID) string {
	return fmt.Sprintf("%s-%s", offerName, subscriptionID)
}

// DeploymentName builds a deployment name from the plan and offer with a
// four digit suffix, trimmed to the resource manager limit.
func DeploymentName(planName, offerName string, suffix int) string {
	prefix := planName + offerName
	if len(prefix) > maxDeploymentNameLength-4 {
		prefix = prefix[:maxDeploymentNameLength-4]
	}
	return fmt.Sprintf("%s%04d", prefix, suffix%10000)
}

func (m *Machine) CreateResourceGroup(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return m.execute(ctx, OperationCreateResourceGroup, id, func(ctx context.Context, sub *model.Subscription) (model.ProvisioningStatus, error) {
		offer, plan, err := m.loadCatalog(ctx, sub)
		if err != nil {
			return "", err
		}

		pc, err := m.evaluateParameters(ctx, offer, plan, sub)
		if err != nil {
			return "", err
		}
		sub.EntryPointUrl, _ = pc.Lookup(EntryPointUrlParameterName)

		if plan.SubscribeArmTemplateName == "" {
			m.logger.Info("plan has no subscribe template, skipping resource group",
				zap.String("subscription_id", sub.SubscriptionID.String()),
				zap.String("plan", plan.PlanName))
			return model.ProvisioningStatusWebhookPending, nil
		}

		location, ok := pc.Lookup(ResourceGroupLocationParameterName)
		if !ok || location == "" {
			return "", NewFatalError(fmt.Errorf("the %s parameter is not specified", ResourceGroupLocationParameterName))
		}

		name := ResourceGroupName(offer.OfferName, sub.SubscriptionID)
		exists, err := m.deployments.ResourceGroupExists(ctx, offer.HostSubscription, name)
		if err != nil {
			return "", err
		}

		if exists {
			if sub.ResourceGroup != name {
				return "", NewFatalError(fmt.Errorf("%w: resource group with name %s already exists", ErrConflict, name))
			}
			m.logger.Info("reusing resource group",
				zap.String("subscription_id", sub.SubscriptionID.String()),
				zap.String("resource_group", name))
		} else {
			if _, err := m.deployments.CreateOrUpdateResourceGroup(ctx, offer.HostSubscription, name, location); err != nil {
				return "", err
			}
			m.logger.Info("deploying resource group",
				zap.String("subscription_id", sub.SubscriptionID.String()),
				zap.String("resource_group", name),
				zap.String("location", location))
		}

		sub.ResourceGroup = name
		return model.ProvisioningStatusDeployResourceGroupRunning, nil
	})
}

func (m *Machine) CheckResourceGroupDeploymentStatus(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return m.execute(ctx, OperationCheckResourceGroupDeploymentStatus, id, func(ctx context.Context, sub *model.Subscription) (model.ProvisioningStatus, error) {
		offer, err := m.loadOffer(ctx, sub)
		if err != nil {
			return "", err
		}

		exists, err := m.deployments.ResourceGroupExists(ctx, offer.HostSubscription, sub.ResourceGroup)
		if err != nil {
			return "", err
		}
		if exists {
			return model.ProvisioningStatusArmTemplatePending, nil
		}
		return model.ProvisioningStatusDeployResourceGroupRunning, nil
	})
}

func (m *Machine) DeployArmTemplate(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return m.execute(ctx, OperationDeployArmTemplate, id, func(ctx context.Context, sub *model.Subscription) (model.ProvisioningStatus, error) {
		if sub.ResourceGroup == "" {
			return model.ProvisioningStatusProvisioningPending, nil
		}

		offer, plan, err := m.loadCatalog(ctx, sub)
		if err != nil {
			return "", err
		}

		templatePath, err := m.templatePath(ctx, plan, sub.ProvisioningType)
		if err != nil {
			return "", err
		}
		if templatePath == "" {
			return model.ProvisioningStatusWebhookPending, nil
		}

		var pc *evaluator.ProvisioningContext
		if sub.ProvisioningType != model.ProvisioningTypeSubscribe {
			pc, err = m.evaluateParameters(ctx, offer, plan, sub)
		} else {
			pc, err = m.newContext(ctx, offer, plan, sub)
		}
		if err != nil {
			return "", err
		}

		content, err := m.templates.Download(ctx, templatePath)
		if err != nil {
			return "", err
		}
		names, err := m.templates.GetArmTemplateParameterNames(content)
		if err != nil {
			return "", NewFatalError(fmt.Errorf("read template %s: %w", templatePath, err))
		}

		parameters := make(map[string]any, len(names))
		for _, name := range names {
			v, ok := pc.Parameters[name]
			if !ok {
				return "", NewFatalError(fmt.Errorf("template parameter %s is not defined for offer %s", name, offer.OfferName))
			}
			parameters[name] = map[string]any{"value": v}
		}

		deploymentName := DeploymentName(plan.PlanName, offer.OfferName, rand.Intn(10000))
		result, err := m.deployments.PutDeployment(ctx, DeploymentRequest{
			HostSubscription: offer.HostSubscription,
			ResourceGroup:    sub.ResourceGroup,
			DeploymentName:   deploymentName,
			TemplatePath:     templatePath,
			Template:         content,
			Parameters:       parameters,
		})
		if err != nil {
			return "", err
		}

		sub.DeploymentName = deploymentName
		if result != nil && result.Name != "" {
			sub.DeploymentName = result.Name
		}
		m.logger.Info("running arm deployment",
			zap.String("subscription_id", sub.SubscriptionID.String()),
			zap.String("deployment", sub.DeploymentName),
			zap.String("resource_group", sub.ResourceGroup))
		return model.ProvisioningStatusArmTemplateRunning, nil
	})
}

func (m *Machine) CheckArmDeploymentStatus(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return m.execute(ctx, OperationCheckArmDeploymentStatus, id, func(ctx context.Context, sub *model.Subscription) (model.ProvisioningStatus, error) {
		offer, err := m.loadOffer(ctx, sub)
		if err != nil {
			return "", err
		}

		status, err := m.deployments.GetDeployment(ctx, offer.HostSubscription, sub.ResourceGroup, sub.DeploymentName)
		if err != nil {
			return "", err
		}

		switch {
		case status.ProvisioningState == DeploymentStateSucceeded:
			return model.ProvisioningStatusWebhookPending, nil
		case isDeploymentInProgress(status.ProvisioningState):
			return "", errStillRunning
		default:
			return "", NewStatusCodeError(
				fmt.Errorf("arm deployment %s finished as %s", sub.DeploymentName, status.ProvisioningState),
				status.StatusCode,
				model.ProvisioningStatusArmTemplatePending,
			)
		}
	})
}

func (m *Machine) ExecuteWebhook(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return m.execute(ctx, OperationExecuteWebhook, id, func(ctx context.Context, sub *model.Subscription) (model.ProvisioningStatus, error) {
		offer, plan, err := m.loadCatalog(ctx, sub)
		if err != nil {
			return "", err
		}

		webhookUrl, err := m.webhookUrl(ctx, plan, sub.ProvisioningType)
		if err != nil {
			return "", err
		}
		if webhookUrl == "" {
			return model.ProvisioningStatusNotificationPending, nil
		}

		pc, err := m.newContext(ctx, offer, plan, sub)
		if err != nil {
			return "", err
		}
		target, err := m.buildWebhookUrl(webhookUrl, pc, func() (*evaluator.ProvisioningContext, error) {
			return m.evaluateParameters(ctx, offer, plan, sub)
		})
		if err != nil {
			return "", err
		}

		if err := m.deployments.ExecuteWebhook(ctx, target); err != nil {
			return "", err
		}
		m.logger.Info("webhook executed",
			zap.String("subscription_id", sub.SubscriptionID.String()),
			zap.String("provisioning_type", string(sub.ProvisioningType)))
		return model.ProvisioningStatusNotificationPending, nil
	})
}

func (m *Machine) ActivateSubscription(ctx context.Context, id uuid.UUID, activatedBy string) (*model.Subscription, error) {
	if activatedBy == "" {
		activatedBy = DefaultActivatedBy
	}
	return m.execute(ctx, OperationActivateSubscription, id, func(ctx context.Context, sub *model.Subscription) (model.ProvisioningStatus, error) {
		offer, err := m.loadOffer(ctx, sub)
		if err != nil {
			return "", err
		}
		if sub.ProvisioningStatus == model.ProvisioningStatusNotificationPending && offer.ManualActivation {
			m.logger.Info("manual activation is set, waiting for an operator",
				zap.String("subscription_id", sub.SubscriptionID.String()),
				zap.String("offer", offer.OfferName))
			return model.ProvisioningStatusManualActivationPending, nil
		}

		plan, err := m.loadPlan(ctx, sub)
		if err != nil {
			return "", err
		}
		if _, err := m.fulfillment.ActivateFulfillment(ctx, sub.SubscriptionID, plan.PlanName, sub.Quantity); err != nil {
			return "", err
		}

		now := m.now()
		sub.Status = model.SubscriptionStatusSubscribed
		sub.ActivatedTime = &now
		sub.ActivatedBy = activatedBy
		m.logger.Info("subscription activated",
			zap.String("subscription_id", sub.SubscriptionID.String()),
			zap.String("plan", plan.PlanName),
			zap.Int("quantity", sub.Quantity),
			zap.String("activated_by", activatedBy))
		return model.ProvisioningStatusSucceeded, nil
	})
}

func (m *Machine) UpdateOperationCompleted(ctx context.Context, id uuid.UUID, activatedBy string) (*model.Subscription, error) {
	if activatedBy == "" {
		activatedBy = DefaultActivatedBy
	}
	return m.execute(ctx, OperationUpdateOperationCompleted, id, func(ctx context.Context, sub *model.Subscription) (model.ProvisioningStatus, error) {
		offer, err := m.loadOffer(ctx, sub)
		if err != nil {
			return "", err
		}
		if sub.ProvisioningStatus == model.ProvisioningStatusNotificationPending && offer.ManualCompleteOperation {
			m.logger.Info("manual operation completion is set, waiting for an operator",
				zap.String("subscription_id", sub.SubscriptionID.String()),
				zap.String("offer", offer.OfferName))
			return model.ProvisioningStatusManualCompleteOperationPending, nil
		}

		switch sub.ProvisioningType {
		case model.ProvisioningTypeUpdate, model.ProvisioningTypeReinstate,
			model.ProvisioningTypeDeleteData, model.ProvisioningTypeSuspend, model.ProvisioningTypeUnsubscribe:
		default:
			return "", NewFatalError(fmt.Errorf("provisioning type %s is not supported", sub.ProvisioningType))
		}

		if sub.ProvisioningType != model.ProvisioningTypeDeleteData {
			plan, err := m.loadPlan(ctx, sub)
			if err != nil {
				return "", err
			}
			_, err = m.fulfillment.UpdateFulfillmentOperation(ctx, sub.SubscriptionID, sub.OperationID, OperationUpdate{
				PlanID:   plan.PlanName,
				Quantity: sub.Quantity,
				Status:   OperationStatusSuccess,
			})
			if err != nil {
				return "", err
			}
		}

		now := m.now()
		switch sub.ProvisioningType {
		case model.ProvisioningTypeUpdate, model.ProvisioningTypeReinstate:
			sub.Status = model.SubscriptionStatusSubscribed
		case model.ProvisioningTypeDeleteData:
			sub.Status = model.SubscriptionStatusPurged
		case model.ProvisioningTypeSuspend:
			sub.LastSuspendedTime = &now
			sub.Status = model.SubscriptionStatusSuspended
		case model.ProvisioningTypeUnsubscribe:
			sub.UnsubscribedTime = &now
			sub.Status = model.SubscriptionStatusUnsubscribed
		}
		sub.ActivatedBy = activatedBy
		return model.ProvisioningStatusSucceeded, nil
	})
}

func (m *Machine) newContext(ctx context.Context, offer *model.Offer, plan *model.Plan, sub *model.Subscription) (*evaluator.ProvisioningContext, error) {
	return m.evaluator.NewContext(ctx, offer.OfferName, sub.Owner, sub.SubscriptionID, plan.PlanName, string(sub.ProvisioningType))
}

// evaluateParameters resolves every template and webhook parameter of the
// offer for sub and returns the resulting context.
func (m *Machine) evaluateParameters(ctx context.Context, offer *model.Offer, plan *model.Plan, sub *model.Subscription) (*evaluator.ProvisioningContext, error) {
	pc, err := m.newContext(ctx, offer, plan, sub)
	if err != nil {
		return nil, err
	}

	armParameters, err := m.catalog.ListArmTemplateParameters(ctx, offer.OfferName)
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("list arm template parameters: %w", err), "")
	}
	webhookParameters, err := m.catalog.ListWebhookParameters(ctx, offer.OfferName)
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("list webhook parameters: %w", err), "")
	}

	parameters := make(map[string]string, len(armParameters)+len(webhookParameters))
	for _, p := range armParameters {
		parameters[p.Name] = p.Value
	}
	for _, p := range webhookParameters {
		if _, dup := parameters[p.Name]; dup {
			return nil, NewFatalError(fmt.Errorf("parameter %s is defined by both a template and a webhook", p.Name))
		}
		parameters[p.Name] = p.Value
	}

	if err := m.evaluator.EvaluateAll(ctx, pc, parameters); err != nil {
		return nil, NewFatalError(err)
	}
	return pc, nil
}

func (m *Machine) templatePath(ctx context.Context, plan *model.Plan, provisioningType model.ProvisioningType) (string, error) {
	var name string
	switch provisioningType {
	case model.ProvisioningTypeSubscribe, model.ProvisioningTypeUpdate, model.ProvisioningTypeReinstate:
		name = plan.SubscribeArmTemplateName
	case model.ProvisioningTypeUnsubscribe:
		name = plan.UnsubscribeArmTemplateName
	case model.ProvisioningTypeSuspend:
		name = plan.SuspendArmTemplateName
	case model.ProvisioningTypeDeleteData:
		name = plan.DeleteDataArmTemplateName
	default:
		return "", NewFatalError(fmt.Errorf("provisioning type %s is not supported", provisioningType))
	}
	if name == "" {
		return "", nil
	}

	template, err := m.catalog.GetArmTemplate(ctx, plan.OfferName, name)
	if err != nil {
		return "", NewRetryableError(fmt.Errorf("load arm template %s: %w", name, err), "")
	}
	if template == nil {
		return "", fmt.Errorf("arm template %s of offer %s: %w", name, plan.OfferName, ErrNotFound)
	}
	return template.TemplateFilePath, nil
}

func (m *Machine) webhookUrl(ctx context.Context, plan *model.Plan, provisioningType model.ProvisioningType) (string, error) {
	var name string
	switch provisioningType {
	case model.ProvisioningTypeSubscribe, model.ProvisioningTypeUpdate, model.ProvisioningTypeReinstate:
		name = plan.SubscribeWebhookName
	case model.ProvisioningTypeUnsubscribe:
		name = plan.UnsubscribeWebhookName
	case model.ProvisioningTypeSuspend:
		name = plan.SuspendWebhookName
	case model.ProvisioningTypeDeleteData:
		name = plan.DeleteDataWebhookName
	default:
		return "", NewFatalError(fmt.Errorf("provisioning type %s is not supported", provisioningType))
	}
	if name == "" {
		return "", nil
	}

	webhook, err := m.catalog.GetWebhook(ctx, plan.OfferName, name)
	if err != nil {
		return "", NewRetryableError(fmt.Errorf("load webhook %s: %w", name, err), "")
	}
	if webhook == nil {
		return "", fmt.Errorf("webhook %s of offer %s: %w", name, plan.OfferName, ErrNotFound)
	}
	return webhook.WebhookUrl, nil
}

// buildWebhookUrl replaces every query value of the form {name} with the
// parameter value from pc. A name missing from pc triggers one call to
// reevaluate; still missing after that is a fatal error.
func (m *Machine) buildWebhookUrl(raw string, pc *evaluator.ProvisioningContext, reevaluate func() (*evaluator.ProvisioningContext, error)) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", NewFatalError(fmt.Errorf("invalid webhook url %s: %w", raw, err))
	}

	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reevaluated := false
	for _, key := range keys {
		values := query[key]
		for i, v := range values {
			if !strings.HasPrefix(v, "{") || !strings.HasSuffix(v, "}") || len(v) < 2 {
				continue
			}
			name := v[1 : len(v)-1]

			value, ok := pc.Lookup(name)
			if !ok && !reevaluated {
				pc, err = reevaluate()
				if err != nil {
					return "", err
				}
				reevaluated = true
				value, ok = pc.Lookup(name)
			}
			if !ok {
				return "", NewFatalError(fmt.Errorf("webhook parameter %s doesn't exist", name))
			}
			values[i] = value
		}
	}

	u.RawQuery = query.Encode()
	return u.String(), nil
}
