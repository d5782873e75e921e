package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/repo"
)

type memSubscriptions struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]model.Subscription
	events []model.ProvisioningEvent
	// released lists the subscriptions whose ip ranges a purging save freed.
	released []uuid.UUID
	// beforeSave runs inside Save before the version check.
	beforeSave func()
}

func newMemSubscriptions() *memSubscriptions {
	return &memSubscriptions{subs: map[uuid.UUID]model.Subscription{}}
}

func (r *memSubscriptions) Create(_ context.Context, m *model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Version = 0
	r.subs[m.SubscriptionID] = *m
	return nil
}

func (r *memSubscriptions) Get(_ context.Context, id uuid.UUID) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.subs[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *memSubscriptions) ListActive(context.Context) ([]model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ms []model.Subscription
	for _, m := range r.subs {
		if m.Status != model.SubscriptionStatusPurged {
			ms = append(ms, m)
		}
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].CreatedTime.Before(ms[j].CreatedTime) })
	return ms, nil
}

func (r *memSubscriptions) Save(_ context.Context, m *model.Subscription, event *model.ProvisioningEvent) error {
	if r.beforeSave != nil {
		r.beforeSave()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.subs[m.SubscriptionID]
	if !ok || stored.Version != m.Version {
		return repo.ErrVersionConflict
	}
	m.Version++
	r.subs[m.SubscriptionID] = *m
	if m.Status == model.SubscriptionStatusPurged {
		r.released = append(r.released, m.SubscriptionID)
	}
	if event != nil {
		r.events = append(r.events, *event)
	}
	return nil
}

func (r *memSubscriptions) ListEvents(_ context.Context, id uuid.UUID) ([]model.ProvisioningEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []model.ProvisioningEvent
	for _, e := range r.events {
		if e.SubscriptionID == id {
			events = append(events, e)
		}
	}
	return events, nil
}

func (r *memSubscriptions) bumpVersion(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.subs[id]
	m.Version++
	r.subs[id] = m
}

type memCatalog struct {
	// readErr is returned by GetOffer and GetPlan when set.
	readErr           error
	offers            map[string]*model.Offer
	plans             map[string]*model.Plan
	templates         map[string]*model.ArmTemplate
	webhooks          map[string]*model.Webhook
	armParameters     []model.ArmTemplateParameter
	webhookParameters []model.WebhookParameter
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		offers:    map[string]*model.Offer{},
		plans:     map[string]*model.Plan{},
		templates: map[string]*model.ArmTemplate{},
		webhooks:  map[string]*model.Webhook{},
	}
}

func (c *memCatalog) GetOffer(_ context.Context, offerName string) (*model.Offer, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.offers[offerName], nil
}

func (c *memCatalog) GetPlan(_ context.Context, offerName, planName string) (*model.Plan, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.plans[offerName+"/"+planName], nil
}

func (c *memCatalog) GetArmTemplate(_ context.Context, offerName, templateName string) (*model.ArmTemplate, error) {
	return c.templates[offerName+"/"+templateName], nil
}

func (c *memCatalog) GetWebhook(_ context.Context, offerName, webhookName string) (*model.Webhook, error) {
	return c.webhooks[offerName+"/"+webhookName], nil
}

func (c *memCatalog) ListArmTemplateParameters(_ context.Context, offerName string) ([]model.ArmTemplateParameter, error) {
	var ps []model.ArmTemplateParameter
	for _, p := range c.armParameters {
		if p.OfferName == offerName {
			ps = append(ps, p)
		}
	}
	return ps, nil
}

func (c *memCatalog) ListWebhookParameters(_ context.Context, offerName string) ([]model.WebhookParameter, error) {
	var ps []model.WebhookParameter
	for _, p := range c.webhookParameters {
		if p.OfferName == offerName {
			ps = append(ps, p)
		}
	}
	return ps, nil
}

type memParameters struct {
	mu     sync.Mutex
	params []model.SubscriptionParameter
}

func (r *memParameters) List(_ context.Context, subscriptionID uuid.UUID) ([]model.SubscriptionParameter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ps []model.SubscriptionParameter
	for _, p := range r.params {
		if p.SubscriptionID == subscriptionID {
			ps = append(ps, p)
		}
	}
	return ps, nil
}

func (r *memParameters) CreateIfNotExists(_ context.Context, m *model.SubscriptionParameter) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.params {
		if p.SubscriptionID == m.SubscriptionID && p.Name == m.Name {
			return false, nil
		}
	}
	m.ID = uint(len(r.params) + 1)
	r.params = append(r.params, *m)
	return true, nil
}

type memIpAddresses struct {
	mu       sync.Mutex
	assigned map[string]string
}

func newMemIpAddresses() *memIpAddresses {
	return &memIpAddresses{assigned: map[string]string{}}
}

func (r *memIpAddresses) AssignIpRange(_ context.Context, offerName string, subscriptionID uuid.UUID, ipConfigName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%s", offerName, ipConfigName, subscriptionID)
	if v, ok := r.assigned[key]; ok {
		return v, nil
	}
	v := fmt.Sprintf("10.0.%d.0/24", len(r.assigned))
	r.assigned[key] = v
	return v, nil
}

func (r *memIpAddresses) AddIpBlock(context.Context, string, string, string) (*model.IpBlock, error) {
	return nil, fmt.Errorf("not supported")
}

type fakeDeployments struct {
	resourceGroups map[string]string
	existsErr      error
	createErr      error
	created        int

	deploymentState string
	statusCode      int
	getErr          error
	putErr          error
	puts            []DeploymentRequest
	onPut           func()

	webhookErr   error
	webhookCalls []string
}

func newFakeDeployments() *fakeDeployments {
	return &fakeDeployments{resourceGroups: map[string]string{}, statusCode: 200}
}

func (f *fakeDeployments) ResourceGroupExists(_ context.Context, hostSubscription, name string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.resourceGroups[hostSubscription+"/"+name]
	return ok, nil
}

func (f *fakeDeployments) CreateOrUpdateResourceGroup(_ context.Context, hostSubscription, name, location string) (*ResourceGroupInfo, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	f.resourceGroups[hostSubscription+"/"+name] = location
	return &ResourceGroupInfo{Name: name, Location: location, ProvisioningState: "Succeeded"}, nil
}

func (f *fakeDeployments) GetDeployment(context.Context, string, string, string) (*DeploymentStatus, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &DeploymentStatus{ProvisioningState: f.deploymentState, StatusCode: f.statusCode}, nil
}

func (f *fakeDeployments) PutDeployment(_ context.Context, req DeploymentRequest) (*DeploymentResult, error) {
	if f.onPut != nil {
		f.onPut()
	}
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts = append(f.puts, req)
	return &DeploymentResult{Name: req.DeploymentName, ProvisioningState: DeploymentStateAccepted}, nil
}

func (f *fakeDeployments) ExecuteWebhook(_ context.Context, uri string) error {
	f.webhookCalls = append(f.webhookCalls, uri)
	return f.webhookErr
}

type fakeFulfillment struct {
	activateErr error
	updateErr   error
	activations []string
	updates     []OperationUpdate
}

func (f *fakeFulfillment) ActivateFulfillment(_ context.Context, subscriptionID uuid.UUID, planID string, quantity int) (*ActivationResult, error) {
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	f.activations = append(f.activations, fmt.Sprintf("%s/%s/%d", subscriptionID, planID, quantity))
	return &ActivationResult{PlanID: planID, Quantity: quantity}, nil
}

func (f *fakeFulfillment) UpdateFulfillmentOperation(_ context.Context, _ uuid.UUID, _ string, update OperationUpdate) (*OperationResult, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, update)
	return &OperationResult{Status: update.Status}, nil
}

type memTemplates struct {
	content map[string][]byte
}

func (s *memTemplates) Download(_ context.Context, path string) ([]byte, error) {
	c, ok := s.content[path]
	if !ok {
		return nil, NewFatalError(fmt.Errorf("template %s not found", path))
	}
	return c, nil
}

func (s *memTemplates) GetArmTemplateParameterNames(content []byte) ([]string, error) {
	var t struct {
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(content, &t); err != nil {
		return nil, err
	}
	var names []string
	for name := range t.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
