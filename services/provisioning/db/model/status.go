package model

type ProvisioningStatus string

const (
	ProvisioningStatusNotSpecified                   ProvisioningStatus = "NotSpecified"
	ProvisioningStatusProvisioningPending            ProvisioningStatus = "ProvisioningPending"
	ProvisioningStatusDeployResourceGroupRunning     ProvisioningStatus = "DeployResourceGroupRunning"
	ProvisioningStatusArmTemplatePending             ProvisioningStatus = "ArmTemplatePending"
	ProvisioningStatusArmTemplateRunning             ProvisioningStatus = "ArmTemplateRunning"
	ProvisioningStatusWebhookPending                 ProvisioningStatus = "WebhookPending"
	ProvisioningStatusNotificationPending            ProvisioningStatus = "NotificationPending"
	ProvisioningStatusSucceeded                      ProvisioningStatus = "Succeeded"
	ProvisioningStatusDeployResourceGroupFailed      ProvisioningStatus = "DeployResourceGroupFailed"
	ProvisioningStatusArmTemplateFailed              ProvisioningStatus = "ArmTemplateFailed"
	ProvisioningStatusWebhookFailed                  ProvisioningStatus = "WebhookFailed"
	ProvisioningStatusNotificationFailed             ProvisioningStatus = "NotificationFailed"
	ProvisioningStatusManualActivationPending        ProvisioningStatus = "ManualActivationPending"
	ProvisioningStatusManualCompleteOperationPending ProvisioningStatus = "ManualCompleteOperationPending"
)

// IsFinal reports whether automatic processing stops at s.
func (s ProvisioningStatus) IsFinal() bool {
	switch s {
	case ProvisioningStatusSucceeded,
		ProvisioningStatusDeployResourceGroupFailed,
		ProvisioningStatusArmTemplateFailed,
		ProvisioningStatusWebhookFailed,
		ProvisioningStatusNotificationFailed:
		return true
	}
	return false
}

// IsFailed reports whether s is one of the failure states.
func (s ProvisioningStatus) IsFailed() bool {
	switch s {
	case ProvisioningStatusDeployResourceGroupFailed,
		ProvisioningStatusArmTemplateFailed,
		ProvisioningStatusWebhookFailed,
		ProvisioningStatusNotificationFailed:
		return true
	}
	return false
}

type ProvisioningType string

const (
	ProvisioningTypeSubscribe   ProvisioningType = "Subscribe"
	ProvisioningTypeUpdate      ProvisioningType = "Update"
	ProvisioningTypeSuspend     ProvisioningType = "Suspend"
	ProvisioningTypeUnsubscribe ProvisioningType = "Unsubscribe"
	ProvisioningTypeReinstate   ProvisioningType = "Reinstate"
	ProvisioningTypeDeleteData  ProvisioningType = "DeleteData"
)

// SubscriptionStatus is the marketplace fulfillment state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusPendingFulfillmentStart SubscriptionStatus = "PendingFulfillmentStart"
	SubscriptionStatusSubscribed              SubscriptionStatus = "Subscribed"
	SubscriptionStatusSuspended               SubscriptionStatus = "Suspended"
	SubscriptionStatusUnsubscribed            SubscriptionStatus = "Unsubscribed"
	SubscriptionStatusPurged                  SubscriptionStatus = "Purged"
)
