package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Subscription struct {
	SubscriptionID     uuid.UUID `gorm:"primaryKey;type:uuid"`
	Name               string
	OfferName          string `gorm:"index"`
	PlanName           string
	Owner              string
	Quantity           int
	Status             SubscriptionStatus `gorm:"index"`
	ProvisioningStatus ProvisioningStatus `gorm:"index"`
	ProvisioningType   ProvisioningType
	RetryCount         int
	LastException      string
	ResourceGroup      string
	DeploymentName     string
	OperationID        string
	EntryPointUrl      string
	ActivatedBy        string

	// FailbackCount counts failbacks out of FailbackFrom since the step
	// that runs there last succeeded.
	FailbackCount int
	FailbackFrom  ProvisioningStatus

	CreatedTime       time.Time
	LastUpdatedTime   time.Time
	ActivatedTime     *time.Time
	LastSuspendedTime *time.Time
	UnsubscribedTime  *time.Time

	// Version is bumped on every save; a save carrying a stale version is rejected.
	Version int64 `gorm:"not null;default:0"`
}

// SubscriptionParameter caches one evaluated parameter. Rows are only ever
// inserted.
type SubscriptionParameter struct {
	ID             uint      `gorm:"primaryKey"`
	SubscriptionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_subscription_parameter"`
	Name           string    `gorm:"uniqueIndex:idx_subscription_parameter"`
	Value          string
	Type           string
	CreatedAt      time.Time
}

// ProvisioningEvent is the audit trail of persisted transitions.
type ProvisioningEvent struct {
	ID             uuid.UUID `gorm:"primaryKey;type:uuid"`
	SubscriptionID uuid.UUID `gorm:"type:uuid;index"`
	Operation      string
	From           ProvisioningStatus
	To             ProvisioningStatus
	RetryCount     int
	Error          string
	Details        datatypes.JSON
	CreatedAt      time.Time
}
