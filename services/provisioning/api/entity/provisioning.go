package entity

import (
	"time"

	"github.com/google/uuid"
)

type OperatorRequest struct {
	ActivatedBy string `json:"activatedBy" validate:"required"`
}

type AddIpBlockRequest struct {
	CIDR string `json:"cidr" validate:"required,cidr"`
}

type IpBlock struct {
	ID     uint   `json:"id"`
	CIDR   string `json:"cidr"`
	Config string `json:"config"`
	Offer  string `json:"offer"`
}

type Subscription struct {
	SubscriptionID     uuid.UUID  `json:"subscriptionId"`
	OfferName          string     `json:"offerName"`
	PlanName           string     `json:"planName"`
	Status             string     `json:"status"`
	ProvisioningStatus string     `json:"provisioningStatus"`
	ProvisioningType   string     `json:"provisioningType"`
	RetryCount         int        `json:"retryCount"`
	LastException      string     `json:"lastException,omitempty"`
	ResourceGroup      string     `json:"resourceGroup,omitempty"`
	DeploymentName     string     `json:"deploymentName,omitempty"`
	EntryPointUrl      string     `json:"entryPointUrl,omitempty"`
	ActivatedBy        string     `json:"activatedBy,omitempty"`
	LastUpdatedTime    time.Time  `json:"lastUpdatedTime"`
	ActivatedTime      *time.Time `json:"activatedTime,omitempty"`
	LastSuspendedTime  *time.Time `json:"lastSuspendedTime,omitempty"`
	UnsubscribedTime   *time.Time `json:"unsubscribedTime,omitempty"`
}

type ProvisioningEvent struct {
	Operation  string         `json:"operation"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	RetryCount int            `json:"retryCount"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
