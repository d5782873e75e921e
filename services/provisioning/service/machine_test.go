package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/evaluator"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const (
	testOffer        = "contoso"
	testPlan         = "gold"
	testFreePlan     = "free"
	testHost         = "0b6c2f8e-4a51-4c1e-9d0a-6f1c1f0c9a11"
	testTemplatePath = "templates/subscribe.json"
	testDeletePath   = "templates/delete-data.json"
)

const subscribeTemplate = `{
  "$schema": "https://schema.management.azure.com/schemas/2019-04-01/deploymentTemplate.json#",
  "parameters": {
    "vmSize": {"type": "string"},
    "subnet": {"type": "string"}
  },
  "resources": []
}`

const deleteDataTemplate = `{
  "parameters": {
    "subnet": {"type": "string"}
  },
  "resources": []
}`

type MachineSuite struct {
	suite.Suite

	ctx         context.Context
	now         time.Time
	subs        *memSubscriptions
	catalog     *memCatalog
	params      *memParameters
	ips         *memIpAddresses
	deployments *fakeDeployments
	fulfillment *fakeFulfillment
	templates   *memTemplates
	machine     *Machine
}

func (s *MachineSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.subs = newMemSubscriptions()
	s.catalog = newMemCatalog()
	s.params = &memParameters{}
	s.ips = newMemIpAddresses()
	s.deployments = newFakeDeployments()
	s.fulfillment = &fakeFulfillment{}
	s.templates = &memTemplates{content: map[string][]byte{
		testTemplatePath: []byte(subscribeTemplate),
		testDeletePath:   []byte(deleteDataTemplate),
	}}

	s.catalog.offers[testOffer] = &model.Offer{OfferName: testOffer, HostSubscription: testHost}
	s.catalog.plans[testOffer+"/"+testPlan] = &model.Plan{
		OfferName:                 testOffer,
		PlanName:                  testPlan,
		DataRetentionInDays:       30,
		SubscribeArmTemplateName:  "subscribe",
		DeleteDataArmTemplateName: "delete-data",
		SubscribeWebhookName:      "notify",
	}
	s.catalog.plans[testOffer+"/"+testFreePlan] = &model.Plan{
		OfferName:           testOffer,
		PlanName:            testFreePlan,
		DataRetentionInDays: 7,
	}
	s.catalog.templates[testOffer+"/subscribe"] = &model.ArmTemplate{OfferName: testOffer, TemplateName: "subscribe", TemplateFilePath: testTemplatePath}
	s.catalog.templates[testOffer+"/delete-data"] = &model.ArmTemplate{OfferName: testOffer, TemplateName: "delete-data", TemplateFilePath: testDeletePath}
	s.catalog.webhooks[testOffer+"/notify"] = &model.Webhook{
		OfferName:   testOffer,
		WebhookName: "notify",
		WebhookUrl:  "https://hooks.contoso.com/notify?name={greeting}&sub={system$$subscriptionId}",
	}
	s.catalog.armParameters = []model.ArmTemplateParameter{
		{OfferName: testOffer, Name: ResourceGroupLocationParameterName, Value: `"eastus"`},
		{OfferName: testOffer, Name: EntryPointUrlParameterName, Value: `"https://app.contoso.com/" + Parameters["system$$subscriptionId"]`},
		{OfferName: testOffer, Name: "vmSize", Value: `"Standard_B2s"`},
		{OfferName: testOffer, Name: "subnet", Value: `GetSubIpRange(Parameters["range"], 0, 16)`},
		{OfferName: testOffer, Name: "range", Value: `GetIpRange(Parameters["system$$offerName"], Parameters["system$$subscriptionId"], "vnet")`},
	}
	s.catalog.webhookParameters = []model.WebhookParameter{
		{OfferName: testOffer, Name: "greeting", Value: `"hello"`},
	}

	logger := zap.NewNop()
	s.machine = NewMachine(logger, s.subs, s.catalog,
		evaluator.New(logger, s.params, s.ips),
		s.deployments, s.fulfillment, s.templates,
		WithClock(func() time.Time { return s.now }),
	)
}

func (s *MachineSuite) newSubscription(status model.ProvisioningStatus, typ model.ProvisioningType, opts ...func(*model.Subscription)) uuid.UUID {
	sub := &model.Subscription{
		SubscriptionID:     uuid.New(),
		Name:               "contoso subscription",
		OfferName:          testOffer,
		PlanName:           testPlan,
		Owner:              "owner@contoso.com",
		Quantity:           1,
		Status:             model.SubscriptionStatusPendingFulfillmentStart,
		ProvisioningStatus: status,
		ProvisioningType:   typ,
		OperationID:        "op-1",
		CreatedTime:        s.now,
		LastUpdatedTime:    s.now,
	}
	for _, opt := range opts {
		opt(sub)
	}
	s.Require().NoError(s.subs.Create(s.ctx, sub))
	return sub.SubscriptionID
}

func (s *MachineSuite) stored(id uuid.UUID) model.Subscription {
	sub, err := s.subs.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(sub)
	return *sub
}

func (s *MachineSuite) events(id uuid.UUID) []model.ProvisioningEvent {
	events, err := s.subs.ListEvents(s.ctx, id)
	s.Require().NoError(err)
	return events
}

func (s *MachineSuite) TestSubscribeHappyPath() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusProvisioningPending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusDeployResourceGroupRunning, sub.ProvisioningStatus)
	require.Equal(ResourceGroupName(testOffer, id), sub.ResourceGroup)
	require.Equal("https://app.contoso.com/"+id.String(), sub.EntryPointUrl)
	require.Equal(1, s.deployments.created)
	require.Equal("eastus", s.deployments.resourceGroups[testHost+"/"+sub.ResourceGroup])

	sub, err = s.machine.CheckResourceGroupDeploymentStatus(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusArmTemplatePending, sub.ProvisioningStatus)

	sub, err = s.machine.DeployArmTemplate(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusArmTemplateRunning, sub.ProvisioningStatus)
	require.Len(s.deployments.puts, 1)
	put := s.deployments.puts[0]
	require.Equal(testHost, put.HostSubscription)
	require.Equal(sub.ResourceGroup, put.ResourceGroup)
	require.Equal(testTemplatePath, put.TemplatePath)
	require.Equal(map[string]any{
		"subnet": map[string]any{"value": "10.0.0.0/28"},
		"vmSize": map[string]any{"value": "Standard_B2s"},
	}, put.Parameters)
	require.True(strings.HasPrefix(sub.DeploymentName, testPlan+testOffer))
	require.Len(sub.DeploymentName, len(testPlan+testOffer)+4)

	s.deployments.deploymentState = DeploymentStateRunning
	s.now = s.now.Add(time.Minute)
	sub, err = s.machine.CheckArmDeploymentStatus(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusArmTemplateRunning, sub.ProvisioningStatus)
	require.Equal(s.now, sub.LastUpdatedTime)

	s.deployments.deploymentState = DeploymentStateSucceeded
	sub, err = s.machine.CheckArmDeploymentStatus(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusWebhookPending, sub.ProvisioningStatus)

	sub, err = s.machine.ExecuteWebhook(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusNotificationPending, sub.ProvisioningStatus)
	require.Equal([]string{"https://hooks.contoso.com/notify?name=hello&sub=" + id.String()}, s.deployments.webhookCalls)

	sub, err = s.machine.ActivateSubscription(s.ctx, id, "")
	require.NoError(err)
	require.Equal(model.ProvisioningStatusSucceeded, sub.ProvisioningStatus)
	require.Equal(model.SubscriptionStatusSubscribed, sub.Status)
	require.Equal(DefaultActivatedBy, sub.ActivatedBy)
	require.NotNil(sub.ActivatedTime)
	require.Equal(s.now, *sub.ActivatedTime)
	require.Equal([]string{id.String() + "/gold/1"}, s.fulfillment.activations)

	stored := s.stored(id)
	require.Equal(model.ProvisioningStatusSucceeded, stored.ProvisioningStatus)
	require.Equal(int64(7), stored.Version)
	require.Zero(stored.RetryCount)

	events := s.events(id)
	require.Len(events, 7)
	require.Equal("CheckArmDeploymentStatus", events[3].Operation)
	require.Equal(events[3].From, events[3].To)
	require.Equal(model.ProvisioningStatusProvisioningPending, events[0].From)
	require.Equal(model.ProvisioningStatusSucceeded, events[6].To)

	for _, p := range s.params.params {
		require.False(evaluator.IsReservedParameterName(p.Name), p.Name)
	}
}

func (s *MachineSuite) TestNotFound() {
	_, err := s.machine.ExecuteWebhook(s.ctx, uuid.New())
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *MachineSuite) TestInvalidInputStateIsRejected() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe)

	_, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.ErrorIs(err, ErrConflict)

	stored := s.stored(id)
	require.Equal(model.ProvisioningStatusWebhookPending, stored.ProvisioningStatus)
	require.Zero(stored.Version)
	require.Empty(s.events(id))
	require.Zero(s.deployments.created)
}

func (s *MachineSuite) TestMissingCatalogEntryLeavesStateAlone() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusProvisioningPending, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.OfferName = "fabrikam"
	})

	_, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.ErrorIs(err, ErrNotFound)

	stored := s.stored(id)
	require.Equal(model.ProvisioningStatusProvisioningPending, stored.ProvisioningStatus)
	require.Empty(s.events(id))
}

func (s *MachineSuite) TestSuccessResetsRetryCount() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.RetryCount = 2
		sub.LastException = "bad gateway"
	})

	sub, err := s.machine.ExecuteWebhook(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusNotificationPending, sub.ProvisioningStatus)
	require.Zero(sub.RetryCount)
	require.Equal("bad gateway", sub.LastException)
}

func (s *MachineSuite) TestCreateResourceGroupWithoutTemplate() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusProvisioningPending, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.PlanName = testFreePlan
	})

	sub, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusWebhookPending, sub.ProvisioningStatus)
	require.Empty(sub.ResourceGroup)
	require.Zero(s.deployments.created)
	require.Equal("https://app.contoso.com/"+id.String(), sub.EntryPointUrl)
}

func (s *MachineSuite) TestCreateResourceGroupConflict() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusProvisioningPending, model.ProvisioningTypeSubscribe)
	s.deployments.resourceGroups[testHost+"/"+ResourceGroupName(testOffer, id)] = "westus"

	sub, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusDeployResourceGroupFailed, sub.ProvisioningStatus)
	require.Contains(sub.LastException, "already exists")
	require.Zero(sub.RetryCount)
	require.Zero(s.deployments.created)
}

func (s *MachineSuite) TestCreateResourceGroupReusesOwnGroup() {
	require := s.Require()
	var name string
	id := s.newSubscription(model.ProvisioningStatusProvisioningPending, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		name = ResourceGroupName(testOffer, sub.SubscriptionID)
		sub.ResourceGroup = name
	})
	s.deployments.resourceGroups[testHost+"/"+name] = "eastus"

	sub, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusDeployResourceGroupRunning, sub.ProvisioningStatus)
	require.Equal(name, sub.ResourceGroup)
	require.Zero(s.deployments.created)
}

func (s *MachineSuite) TestCreateResourceGroupWithoutLocation() {
	require := s.Require()
	s.catalog.armParameters = s.catalog.armParameters[1:]
	id := s.newSubscription(model.ProvisioningStatusProvisioningPending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusDeployResourceGroupFailed, sub.ProvisioningStatus)
	require.Contains(sub.LastException, ResourceGroupLocationParameterName)
}

func (s *MachineSuite) TestDuplicateParameterNameIsFatal() {
	require := s.Require()
	s.catalog.webhookParameters = append(s.catalog.webhookParameters,
		model.WebhookParameter{OfferName: testOffer, Name: "vmSize", Value: `"Standard_D2s"`})
	id := s.newSubscription(model.ProvisioningStatusProvisioningPending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusDeployResourceGroupFailed, sub.ProvisioningStatus)
	require.Contains(sub.LastException, "vmSize")
}

func (s *MachineSuite) TestCircularParametersAreFatal() {
	require := s.Require()
	s.catalog.armParameters = append(s.catalog.armParameters,
		model.ArmTemplateParameter{OfferName: testOffer, Name: "a", Value: `Parameters["b"]`},
		model.ArmTemplateParameter{OfferName: testOffer, Name: "b", Value: `Parameters["a"]`})
	id := s.newSubscription(model.ProvisioningStatusProvisioningPending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusDeployResourceGroupFailed, sub.ProvisioningStatus)
	require.Contains(sub.LastException, "circular reference")
	require.Empty(s.params.params)
}

func (s *MachineSuite) TestCheckResourceGroupIsIdempotent() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusDeployResourceGroupRunning, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
	})

	for i := 0; i < 2; i++ {
		sub, err := s.machine.CheckResourceGroupDeploymentStatus(s.ctx, id)
		require.NoError(err)
		require.Equal(model.ProvisioningStatusDeployResourceGroupRunning, sub.ProvisioningStatus)
		require.Zero(sub.RetryCount)
	}
	require.Len(s.events(id), 2)
}

func (s *MachineSuite) TestTransientErrorRetriesInPlace() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusDeployResourceGroupRunning, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
	})
	s.deployments.existsErr = NewRetryableError(errors.New("throttled"), "")

	sub, err := s.machine.CheckResourceGroupDeploymentStatus(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusDeployResourceGroupRunning, sub.ProvisioningStatus)
	require.Equal(1, sub.RetryCount)
	require.Equal("throttled", sub.LastException)
}

func (s *MachineSuite) TestRetryCeiling() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe)
	s.deployments.webhookErr = NewStatusCodeError(errors.New("bad gateway"), http.StatusBadGateway, "")

	for attempt := 1; attempt < DefaultRetryCeiling; attempt++ {
		sub, err := s.machine.ExecuteWebhook(s.ctx, id)
		require.NoError(err)
		require.Equal(model.ProvisioningStatusWebhookPending, sub.ProvisioningStatus)
		require.Equal(attempt, sub.RetryCount)
	}

	sub, err := s.machine.ExecuteWebhook(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusWebhookFailed, sub.ProvisioningStatus)
	require.Zero(sub.RetryCount)
	require.Equal("bad gateway", sub.LastException)

	events := s.events(id)
	require.Len(events, DefaultRetryCeiling)
	require.JSONEq(`{"kind":"retry","inconsistent":false}`, string(events[0].Details))
	require.JSONEq(`{"kind":"fatal","inconsistent":false}`, string(events[2].Details))
	require.Equal("bad gateway", events[2].Error)
}

func (s *MachineSuite) TestNonRetryableErrorIsFatal() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe)
	s.deployments.webhookErr = NewStatusCodeError(errors.New("bad request"), http.StatusBadRequest, "")

	sub, err := s.machine.ExecuteWebhook(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusWebhookFailed, sub.ProvisioningStatus)
	require.Zero(sub.RetryCount)
}

func (s *MachineSuite) TestUndeclaredFailbackCollapsesToNotSpecified() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe)
	s.deployments.webhookErr = NewRetryableError(errors.New("redeploy"), model.ProvisioningStatusArmTemplatePending)

	sub, err := s.machine.ExecuteWebhook(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusNotSpecified, sub.ProvisioningStatus)

	events := s.events(id)
	require.Len(events, 1)
	require.JSONEq(`{"kind":"failback","inconsistent":true}`, string(events[0].Details))
}

func (s *MachineSuite) TestCheckArmDeploymentFailback() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusArmTemplateRunning, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
		sub.DeploymentName = "goldcontoso0042"
		sub.RetryCount = 1
	})
	s.deployments.deploymentState = DeploymentStateFailed
	s.deployments.statusCode = http.StatusInternalServerError

	sub, err := s.machine.CheckArmDeploymentStatus(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusArmTemplatePending, sub.ProvisioningStatus)
	require.Equal(1, sub.RetryCount)
	require.Equal(1, sub.FailbackCount)
	require.Equal(model.ProvisioningStatusArmTemplateRunning, sub.FailbackFrom)
	require.Contains(sub.LastException, "goldcontoso0042")
}

func (s *MachineSuite) TestTransientDeploymentFailureReachesCeiling() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusArmTemplatePending, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
	})
	s.deployments.putErr = NewStatusCodeError(errors.New("service unavailable"), http.StatusServiceUnavailable,
		model.ProvisioningStatusArmTemplatePending)

	for attempt := 1; attempt < DefaultRetryCeiling; attempt++ {
		sub, err := s.machine.DeployArmTemplate(s.ctx, id)
		require.NoError(err)
		require.Equal(model.ProvisioningStatusArmTemplatePending, sub.ProvisioningStatus)
		require.Equal(attempt, sub.RetryCount)
	}

	sub, err := s.machine.DeployArmTemplate(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusArmTemplateFailed, sub.ProvisioningStatus)
	require.Zero(sub.RetryCount)

	events := s.events(id)
	require.Len(events, DefaultRetryCeiling)
	require.JSONEq(`{"kind":"retry","inconsistent":false}`, string(events[0].Details))
	require.JSONEq(`{"kind":"fatal","inconsistent":false}`, string(events[2].Details))
}

func (s *MachineSuite) TestTransientResourceGroupFailureRetriesInPlace() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusProvisioningPending, model.ProvisioningTypeSubscribe)
	s.deployments.createErr = NewStatusCodeError(errors.New("service unavailable"), http.StatusServiceUnavailable,
		model.ProvisioningStatusDeployResourceGroupFailed)

	sub, err := s.machine.CreateResourceGroup(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusProvisioningPending, sub.ProvisioningStatus)
	require.Equal(1, sub.RetryCount)
	require.Zero(sub.FailbackCount)
}

func (s *MachineSuite) TestRepeatedFailbacksReachFailedState() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusArmTemplateRunning, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
		sub.DeploymentName = "goldcontoso0042"
	})
	s.deployments.deploymentState = DeploymentStateFailed
	s.deployments.statusCode = http.StatusInternalServerError

	for failback := 1; failback < DefaultRetryCeiling; failback++ {
		sub, err := s.machine.CheckArmDeploymentStatus(s.ctx, id)
		require.NoError(err)
		require.Equal(model.ProvisioningStatusArmTemplatePending, sub.ProvisioningStatus)
		require.Equal(failback, sub.FailbackCount)

		sub, err = s.machine.DeployArmTemplate(s.ctx, id)
		require.NoError(err)
		require.Equal(model.ProvisioningStatusArmTemplateRunning, sub.ProvisioningStatus)
		require.Zero(sub.RetryCount)
		require.Equal(failback, sub.FailbackCount)
	}

	sub, err := s.machine.CheckArmDeploymentStatus(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusArmTemplateFailed, sub.ProvisioningStatus)
	require.Zero(sub.FailbackCount)
	require.Empty(sub.FailbackFrom)
	require.Len(s.deployments.puts, DefaultRetryCeiling-1)
}

func (s *MachineSuite) TestFailbackCountClearsWhenStepSucceeds() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusArmTemplateRunning, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
		sub.DeploymentName = "goldcontoso0042"
	})
	s.deployments.deploymentState = DeploymentStateFailed
	s.deployments.statusCode = http.StatusInternalServerError

	_, err := s.machine.CheckArmDeploymentStatus(s.ctx, id)
	require.NoError(err)
	_, err = s.machine.DeployArmTemplate(s.ctx, id)
	require.NoError(err)

	s.deployments.deploymentState = DeploymentStateSucceeded
	sub, err := s.machine.CheckArmDeploymentStatus(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusWebhookPending, sub.ProvisioningStatus)
	require.Zero(sub.FailbackCount)
	require.Empty(sub.FailbackFrom)
}

func (s *MachineSuite) TestCatalogReadErrorRetries() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe)
	s.catalog.readErr = errors.New("connection reset by peer")

	sub, err := s.machine.ExecuteWebhook(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusWebhookPending, sub.ProvisioningStatus)
	require.Equal(1, sub.RetryCount)
	require.Contains(sub.LastException, "connection reset by peer")

	s.catalog.readErr = nil
	sub, err = s.machine.ExecuteWebhook(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusNotificationPending, sub.ProvisioningStatus)
	require.Zero(sub.RetryCount)
}

func (s *MachineSuite) TestCheckArmDeploymentConflictIsFatal() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusArmTemplateRunning, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
		sub.DeploymentName = "goldcontoso0042"
	})
	s.deployments.deploymentState = DeploymentStateFailed
	s.deployments.statusCode = http.StatusConflict

	sub, err := s.machine.CheckArmDeploymentStatus(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusArmTemplateFailed, sub.ProvisioningStatus)
}

func (s *MachineSuite) TestStillRunningKeepsRetryCount() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusArmTemplateRunning, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
		sub.DeploymentName = "goldcontoso0042"
		sub.RetryCount = 1
	})
	s.deployments.deploymentState = DeploymentStateAccepted
	s.now = s.now.Add(5 * time.Minute)

	sub, err := s.machine.CheckArmDeploymentStatus(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusArmTemplateRunning, sub.ProvisioningStatus)
	require.Equal(1, sub.RetryCount)
	require.Equal(s.now, s.stored(id).LastUpdatedTime)
}

func (s *MachineSuite) TestDeployArmTemplateWithoutResourceGroup() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusArmTemplatePending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.DeployArmTemplate(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusProvisioningPending, sub.ProvisioningStatus)
	require.Empty(s.deployments.puts)
}

func (s *MachineSuite) TestDeployArmTemplateMissingParameterIsFatal() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusArmTemplatePending, model.ProvisioningTypeSubscribe, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
	})

	// Subscribe runs only read cached parameters and nothing was evaluated yet.
	sub, err := s.machine.DeployArmTemplate(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusArmTemplateFailed, sub.ProvisioningStatus)
	require.Contains(sub.LastException, "subnet")
	require.Empty(s.deployments.puts)
}

func (s *MachineSuite) TestCancellationPersistsNothing() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusArmTemplatePending, model.ProvisioningTypeUpdate, func(sub *model.Subscription) {
		sub.ResourceGroup = ResourceGroupName(testOffer, sub.SubscriptionID)
	})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.deployments.onPut = cancel
	s.deployments.putErr = context.Canceled

	_, err := s.machine.DeployArmTemplate(ctx, id)
	require.ErrorIs(err, context.Canceled)

	stored := s.stored(id)
	require.Equal(model.ProvisioningStatusArmTemplatePending, stored.ProvisioningStatus)
	require.Zero(stored.Version)
	require.Zero(stored.RetryCount)
	require.Empty(s.events(id))
}

func (s *MachineSuite) TestConcurrentUpdateIsReported() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe)
	s.subs.beforeSave = func() { s.subs.bumpVersion(id) }

	_, err := s.machine.ExecuteWebhook(s.ctx, id)
	require.ErrorIs(err, ErrConcurrentUpdate)

	stored := s.stored(id)
	require.Equal(model.ProvisioningStatusWebhookPending, stored.ProvisioningStatus)
	require.Empty(s.events(id))
}

func (s *MachineSuite) TestWebhookReevaluatesMissingParameters() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.ExecuteWebhook(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusNotificationPending, sub.ProvisioningStatus)
	require.Equal([]string{"https://hooks.contoso.com/notify?name=hello&sub=" + id.String()}, s.deployments.webhookCalls)
	require.NotEmpty(s.params.params)
}

func (s *MachineSuite) TestWebhookUnknownPlaceholderIsFatal() {
	require := s.Require()
	s.catalog.webhooks[testOffer+"/notify"].WebhookUrl = "https://hooks.contoso.com/notify?tenant={tenantId}"
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.ExecuteWebhook(s.ctx, id)
	require.NoError(err)
	require.Equal(model.ProvisioningStatusWebhookFailed, sub.ProvisioningStatus)
	require.Contains(sub.LastException, "tenantId")
	require.Empty(s.deployments.webhookCalls)
}

func (s *MachineSuite) TestManualActivation() {
	require := s.Require()
	s.catalog.offers[testOffer].ManualActivation = true
	id := s.newSubscription(model.ProvisioningStatusNotificationPending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.ActivateSubscription(s.ctx, id, "")
	require.NoError(err)
	require.Equal(model.ProvisioningStatusManualActivationPending, sub.ProvisioningStatus)
	require.Empty(s.fulfillment.activations)

	sub, err = s.machine.ActivateSubscription(s.ctx, id, "alice@contoso.com")
	require.NoError(err)
	require.Equal(model.ProvisioningStatusSucceeded, sub.ProvisioningStatus)
	require.Equal(model.SubscriptionStatusSubscribed, sub.Status)
	require.Equal("alice@contoso.com", sub.ActivatedBy)
	require.Len(s.fulfillment.activations, 1)
}

func (s *MachineSuite) TestActivateRecoversFromFailedState() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookFailed, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.ActivateSubscription(s.ctx, id, "alice@contoso.com")
	require.NoError(err)
	require.Equal(model.ProvisioningStatusSucceeded, sub.ProvisioningStatus)
}

func (s *MachineSuite) TestActivationFailure() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusNotificationPending, model.ProvisioningTypeSubscribe)
	s.fulfillment.activateErr = NewStatusCodeError(errors.New("subscription not found"), http.StatusNotFound, "")

	sub, err := s.machine.ActivateSubscription(s.ctx, id, "")
	require.NoError(err)
	require.Equal(model.ProvisioningStatusNotificationFailed, sub.ProvisioningStatus)
	require.Equal(model.SubscriptionStatusPendingFulfillmentStart, sub.Status)
	require.Nil(sub.ActivatedTime)
}

func (s *MachineSuite) TestManualCompleteOperation() {
	require := s.Require()
	s.catalog.offers[testOffer].ManualCompleteOperation = true
	id := s.newSubscription(model.ProvisioningStatusNotificationPending, model.ProvisioningTypeSuspend, func(sub *model.Subscription) {
		sub.Status = model.SubscriptionStatusSubscribed
	})

	sub, err := s.machine.UpdateOperationCompleted(s.ctx, id, "")
	require.NoError(err)
	require.Equal(model.ProvisioningStatusManualCompleteOperationPending, sub.ProvisioningStatus)
	require.Empty(s.fulfillment.updates)

	sub, err = s.machine.UpdateOperationCompleted(s.ctx, id, "bob@contoso.com")
	require.NoError(err)
	require.Equal(model.ProvisioningStatusSucceeded, sub.ProvisioningStatus)
	require.Equal(model.SubscriptionStatusSuspended, sub.Status)
	require.NotNil(sub.LastSuspendedTime)
	require.Equal("bob@contoso.com", sub.ActivatedBy)
	require.Equal([]OperationUpdate{{PlanID: testPlan, Quantity: 1, Status: OperationStatusSuccess}}, s.fulfillment.updates)
}

func (s *MachineSuite) TestUpdateOperationCompleted() {
	cases := []struct {
		typ            model.ProvisioningType
		status         model.SubscriptionStatus
		notified       bool
		ipsReleased    bool
		unsubscribedAt bool
	}{
		{typ: model.ProvisioningTypeUpdate, status: model.SubscriptionStatusSubscribed, notified: true},
		{typ: model.ProvisioningTypeReinstate, status: model.SubscriptionStatusSubscribed, notified: true},
		{typ: model.ProvisioningTypeUnsubscribe, status: model.SubscriptionStatusUnsubscribed, notified: true, unsubscribedAt: true},
		{typ: model.ProvisioningTypeDeleteData, status: model.SubscriptionStatusPurged, ipsReleased: true},
	}

	for _, tc := range cases {
		s.Run(string(tc.typ), func() {
			require := s.Require()
			updates := len(s.fulfillment.updates)
			released := len(s.subs.released)
			id := s.newSubscription(model.ProvisioningStatusNotificationPending, tc.typ, func(sub *model.Subscription) {
				sub.Status = model.SubscriptionStatusSuspended
			})

			sub, err := s.machine.UpdateOperationCompleted(s.ctx, id, "")
			require.NoError(err)
			require.Equal(model.ProvisioningStatusSucceeded, sub.ProvisioningStatus)
			require.Equal(tc.status, sub.Status)

			if tc.notified {
				require.Len(s.fulfillment.updates, updates+1)
			} else {
				require.Len(s.fulfillment.updates, updates)
			}
			if tc.ipsReleased {
				require.Len(s.subs.released, released+1)
				require.Equal(id, s.subs.released[released])
			} else {
				require.Len(s.subs.released, released)
			}
			require.Equal(tc.unsubscribedAt, sub.UnsubscribedTime != nil)
		})
	}
}

func (s *MachineSuite) TestPurgeLostToConcurrentUpdateKeepsIpRanges() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusNotificationPending, model.ProvisioningTypeDeleteData, func(sub *model.Subscription) {
		sub.Status = model.SubscriptionStatusUnsubscribed
	})
	s.subs.beforeSave = func() {
		s.subs.beforeSave = nil
		s.subs.bumpVersion(id)
	}

	_, err := s.machine.UpdateOperationCompleted(s.ctx, id, "")
	require.ErrorIs(err, ErrConcurrentUpdate)
	require.Empty(s.subs.released)
	require.Equal(model.SubscriptionStatusUnsubscribed, s.stored(id).Status)
}

func (s *MachineSuite) TestUpdateOperationCompletedRejectsSubscribe() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusNotificationPending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.UpdateOperationCompleted(s.ctx, id, "")
	require.NoError(err)
	require.Equal(model.ProvisioningStatusNotificationFailed, sub.ProvisioningStatus)
	require.Empty(s.fulfillment.updates)
}

func (s *MachineSuite) TestRunDispatchesByOperation() {
	require := s.Require()
	id := s.newSubscription(model.ProvisioningStatusWebhookPending, model.ProvisioningTypeSubscribe)

	sub, err := s.machine.Run(s.ctx, OperationExecuteWebhook, id, "")
	require.NoError(err)
	require.Equal(model.ProvisioningStatusNotificationPending, sub.ProvisioningStatus)

	_, err = s.machine.Run(s.ctx, Operation(42), id, "")
	require.Error(err)
}

func TestMachine(t *testing.T) {
	suite.Run(t, &MachineSuite{})
}
