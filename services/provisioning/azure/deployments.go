package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/subscription/armsubscription"
	"github.com/kaytu-io/kaytu-marketplace/pkg/httpclient"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/service"
	"go.uber.org/zap"
)

const defaultWebhookTimeout = 30 * time.Second

type resourceGroupsAPI interface {
	CheckExistence(ctx context.Context, resourceGroupName string, options *armresources.ResourceGroupsClientCheckExistenceOptions) (armresources.ResourceGroupsClientCheckExistenceResponse, error)
	CreateOrUpdate(ctx context.Context, resourceGroupName string, parameters armresources.ResourceGroup, options *armresources.ResourceGroupsClientCreateOrUpdateOptions) (armresources.ResourceGroupsClientCreateOrUpdateResponse, error)
}

type deploymentsAPI interface {
	BeginCreateOrUpdate(ctx context.Context, resourceGroupName string, deploymentName string, parameters armresources.Deployment, options *armresources.DeploymentsClientBeginCreateOrUpdateOptions) (*runtime.Poller[armresources.DeploymentsClientCreateOrUpdateResponse], error)
	Get(ctx context.Context, resourceGroupName string, deploymentName string, options *armresources.DeploymentsClientGetOptions) (armresources.DeploymentsClientGetResponse, error)
}

type subscriptionsAPI interface {
	Get(ctx context.Context, subscriptionID string, options *armsubscription.SubscriptionsClientGetOptions) (armsubscription.SubscriptionsClientGetResponse, error)
}

type hostClients struct {
	resourceGroups resourceGroupsAPI
	deployments    deploymentsAPI
}

// DeploymentGateway deploys into the host subscriptions of offers through
// resource manager and calls offer webhooks.
type DeploymentGateway struct {
	logger     *zap.Logger
	httpClient *http.Client

	newClients    func(hostSubscription string) (*hostClients, error)
	subscriptions subscriptionsAPI

	mu      sync.Mutex
	clients map[string]*hostClients

	rollbackOnError bool
}

type GatewayOption func(*DeploymentGateway)

func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *DeploymentGateway) {
		g.httpClient = c
	}
}

func WithRollbackOnError(enabled bool) GatewayOption {
	return func(g *DeploymentGateway) {
		g.rollbackOnError = enabled
	}
}

func NewDeploymentGateway(logger *zap.Logger, cred azcore.TokenCredential, clientOptions *arm.ClientOptions, opts ...GatewayOption) (*DeploymentGateway, error) {
	subscriptions, err := armsubscription.NewSubscriptionsClient(cred, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptions client: %w", err)
	}

	g := &DeploymentGateway{
		logger:        logger.Named("deployments"),
		httpClient:    httpclient.NewClient(defaultWebhookTimeout),
		subscriptions: subscriptions,
		clients:       map[string]*hostClients{},
		newClients: func(hostSubscription string) (*hostClients, error) {
			resourceGroups, err := armresources.NewResourceGroupsClient(hostSubscription, cred, clientOptions)
			if err != nil {
				return nil, fmt.Errorf("failed to create resource groups client: %w", err)
			}
			deployments, err := armresources.NewDeploymentsClient(hostSubscription, cred, clientOptions)
			if err != nil {
				return nil, fmt.Errorf("failed to create deployments client: %w", err)
			}
			return &hostClients{resourceGroups: resourceGroups, deployments: deployments}, nil
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *DeploymentGateway) clientsFor(hostSubscription string) (*hostClients, error) {
	if hostSubscription == "" {
		return nil, service.NewFatalError(errors.New("offer has no host subscription"))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[hostSubscription]; ok {
		return c, nil
	}
	c, err := g.newClients(hostSubscription)
	if err != nil {
		return nil, service.NewFatalError(err)
	}
	g.clients[hostSubscription] = c
	return c, nil
}

func (g *DeploymentGateway) ResourceGroupExists(ctx context.Context, hostSubscription, name string) (bool, error) {
	c, err := g.clientsFor(hostSubscription)
	if err != nil {
		return false, err
	}
	resp, err := c.resourceGroups.CheckExistence(ctx, name, nil)
	if err != nil {
		return false, classify(fmt.Errorf("check resource group %s: %w", name, err), "")
	}
	return resp.Success, nil
}

func (g *DeploymentGateway) CreateOrUpdateResourceGroup(ctx context.Context, hostSubscription, name, location string) (*service.ResourceGroupInfo, error) {
	if err := g.checkHostSubscription(ctx, hostSubscription); err != nil {
		return nil, err
	}

	c, err := g.clientsFor(hostSubscription)
	if err != nil {
		return nil, err
	}
	resp, err := c.resourceGroups.CreateOrUpdate(ctx, name, armresources.ResourceGroup{
		Location: to.Ptr(location),
	}, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("create resource group %s: %w", name, err), "")
	}

	info := &service.ResourceGroupInfo{Name: name, Location: location}
	if resp.Properties != nil && resp.Properties.ProvisioningState != nil {
		info.ProvisioningState = *resp.Properties.ProvisioningState
	}
	return info, nil
}

// checkHostSubscription refuses to deploy into a host subscription that is
// not enabled.
func (g *DeploymentGateway) checkHostSubscription(ctx context.Context, hostSubscription string) error {
	resp, err := g.subscriptions.Get(ctx, hostSubscription, nil)
	if err != nil {
		return classify(fmt.Errorf("get host subscription %s: %w", hostSubscription, err), "")
	}
	if resp.State == nil || *resp.State != armsubscription.SubscriptionStateEnabled {
		state := "unknown"
		if resp.State != nil {
			state = string(*resp.State)
		}
		return service.NewFatalError(fmt.Errorf("host subscription %s is %s", hostSubscription, state))
	}
	return nil
}

func (g *DeploymentGateway) GetDeployment(ctx context.Context, hostSubscription, resourceGroup, deploymentName string) (*service.DeploymentStatus, error) {
	c, err := g.clientsFor(hostSubscription)
	if err != nil {
		return nil, err
	}
	resp, err := c.deployments.Get(ctx, resourceGroup, deploymentName, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("get deployment %s: %w", deploymentName, err), model.ProvisioningStatusArmTemplatePending)
	}

	status := &service.DeploymentStatus{StatusCode: http.StatusOK}
	if resp.Properties != nil && resp.Properties.ProvisioningState != nil {
		status.ProvisioningState = string(*resp.Properties.ProvisioningState)
	}
	return status, nil
}

func (g *DeploymentGateway) PutDeployment(ctx context.Context, req service.DeploymentRequest) (*service.DeploymentResult, error) {
	c, err := g.clientsFor(req.HostSubscription)
	if err != nil {
		return nil, err
	}

	properties := &armresources.DeploymentProperties{
		Mode:       to.Ptr(armresources.DeploymentModeIncremental),
		Parameters: req.Parameters,
	}
	if len(req.Template) > 0 {
		var template map[string]any
		if err := json.Unmarshal(req.Template, &template); err != nil {
			return nil, service.NewFatalError(fmt.Errorf("invalid template %s: %w", req.TemplatePath, err))
		}
		properties.Template = template
	} else {
		properties.TemplateLink = &armresources.TemplateLink{URI: to.Ptr(req.TemplatePath)}
	}
	if req.RollbackToLastSuccessful || g.rollbackOnError {
		properties.OnErrorDeployment = &armresources.OnErrorDeployment{
			Type: to.Ptr(armresources.OnErrorDeploymentTypeLastSuccessful),
		}
	}

	if _, err := c.deployments.BeginCreateOrUpdate(ctx, req.ResourceGroup, req.DeploymentName, armresources.Deployment{
		Properties: properties,
	}, nil); err != nil {
		return nil, classify(fmt.Errorf("put deployment %s: %w", req.DeploymentName, err), "")
	}

	g.logger.Info("deployment submitted",
		zap.String("resource_group", req.ResourceGroup),
		zap.String("deployment", req.DeploymentName))
	return &service.DeploymentResult{
		Name:              req.DeploymentName,
		ProvisioningState: service.DeploymentStateAccepted,
	}, nil
}

func (g *DeploymentGateway) ExecuteWebhook(ctx context.Context, uri string) error {
	statusCode, err := httpclient.DoRequest(ctx, g.httpClient, http.MethodPost, uri, nil, nil, nil)
	if err == nil {
		return nil
	}
	if statusCode == 0 {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return service.NewRetryableError(fmt.Errorf("call webhook: %w", err), "")
	}
	return service.NewStatusCodeError(fmt.Errorf("call webhook: %w", err), statusCode, "")
}

// classify turns a resource manager error into a provisioning error.
// Response errors are retryable by status code; transport errors always are.
func classify(err error, failback model.ProvisioningStatus) error {
	var responseError *azcore.ResponseError
	if errors.As(err, &responseError) {
		return service.NewStatusCodeError(err, responseError.StatusCode, failback)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return service.NewRetryableError(err, failback)
}
