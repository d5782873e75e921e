package service

import (
	"context"

	"github.com/google/uuid"
)

// Provisioning states reported by resource manager for a deployment.
const (
	DeploymentStateSucceeded = "Succeeded"
	DeploymentStateFailed    = "Failed"
	DeploymentStateCanceled  = "Canceled"
	DeploymentStateRunning   = "Running"
	DeploymentStateAccepted  = "Accepted"
	DeploymentStateCreating  = "Creating"
	DeploymentStateUpdating  = "Updating"
)

func isDeploymentInProgress(state string) bool {
	switch state {
	case DeploymentStateRunning, DeploymentStateAccepted, DeploymentStateCreating, DeploymentStateUpdating:
		return true
	}
	return false
}

type ResourceGroupInfo struct {
	Name              string
	Location          string
	ProvisioningState string
}

type DeploymentStatus struct {
	ProvisioningState string
	StatusCode        int
}

type DeploymentRequest struct {
	HostSubscription string
	ResourceGroup    string
	DeploymentName   string
	TemplatePath     string
	// Template is the downloaded template body. When empty the deployment
	// links TemplatePath instead.
	Template   []byte
	Parameters map[string]any

	RollbackToLastSuccessful bool
}

type DeploymentResult struct {
	Name              string
	ProvisioningState string
}

// DeploymentGateway talks to the cloud resource manager on behalf of the
// offer's host subscription.
type DeploymentGateway interface {
	ResourceGroupExists(ctx context.Context, hostSubscription, name string) (bool, error)
	CreateOrUpdateResourceGroup(ctx context.Context, hostSubscription, name, location string) (*ResourceGroupInfo, error)
	GetDeployment(ctx context.Context, hostSubscription, resourceGroup, deploymentName string) (*DeploymentStatus, error)
	PutDeployment(ctx context.Context, req DeploymentRequest) (*DeploymentResult, error)
	ExecuteWebhook(ctx context.Context, uri string) error
}

// TemplateStore fetches ARM templates referenced by catalog entries.
type TemplateStore interface {
	Download(ctx context.Context, path string) ([]byte, error)
	GetArmTemplateParameterNames(content []byte) ([]string, error)
}

const OperationStatusSuccess = "Success"

type ActivationResult struct {
	PlanID   string
	Quantity int
}

type OperationUpdate struct {
	PlanID   string `json:"planId"`
	Quantity int    `json:"quantity"`
	Status   string `json:"status"`
}

type OperationResult struct {
	Status string
}

// FulfillmentGateway reports subscription progress to the marketplace.
type FulfillmentGateway interface {
	ActivateFulfillment(ctx context.Context, subscriptionID uuid.UUID, planID string, quantity int) (*ActivationResult, error)
	UpdateFulfillmentOperation(ctx context.Context, subscriptionID uuid.UUID, operationID string, update OperationUpdate) (*OperationResult, error)
}
