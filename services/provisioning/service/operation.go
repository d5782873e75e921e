package service

import (
	"fmt"

	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
)

// Operation identifies one public state machine step.
type Operation int

const (
	OperationCreateResourceGroup Operation = iota + 1
	OperationCheckResourceGroupDeploymentStatus
	OperationDeployArmTemplate
	OperationCheckArmDeploymentStatus
	OperationExecuteWebhook
	OperationActivateSubscription
	OperationUpdateOperationCompleted
)

var operationNames = map[Operation]string{
	OperationCreateResourceGroup:                "CreateResourceGroup",
	OperationCheckResourceGroupDeploymentStatus: "CheckResourceGroupDeploymentStatus",
	OperationDeployArmTemplate:                  "DeployArmTemplate",
	OperationCheckArmDeploymentStatus:           "CheckArmDeploymentStatus",
	OperationExecuteWebhook:                     "ExecuteWebhook",
	OperationActivateSubscription:               "ActivateSubscription",
	OperationUpdateOperationCompleted:           "UpdateOperationCompleted",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

func ParseOperation(name string) (Operation, error) {
	for op, n := range operationNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %s", name)
}

// Operations returns every operation in declaration order.
func Operations() []Operation {
	return []Operation{
		OperationCreateResourceGroup,
		OperationCheckResourceGroupDeploymentStatus,
		OperationDeployArmTemplate,
		OperationCheckArmDeploymentStatus,
		OperationExecuteWebhook,
		OperationActivateSubscription,
		OperationUpdateOperationCompleted,
	}
}

type transition struct {
	inputs  []model.ProvisioningStatus
	outputs []model.ProvisioningStatus
	// failbacks are the earlier states a retryable error of this operation
	// may send the subscription back to.
	failbacks []model.ProvisioningStatus
}

var recoverableInputs = []model.ProvisioningStatus{
	model.ProvisioningStatusNotificationPending,
	model.ProvisioningStatusDeployResourceGroupFailed,
	model.ProvisioningStatusArmTemplateFailed,
	model.ProvisioningStatusWebhookFailed,
	model.ProvisioningStatusNotificationFailed,
}

var transitions = map[Operation]transition{
	OperationCreateResourceGroup: {
		inputs: []model.ProvisioningStatus{
			model.ProvisioningStatusProvisioningPending,
		},
		outputs: []model.ProvisioningStatus{
			model.ProvisioningStatusDeployResourceGroupRunning,
			model.ProvisioningStatusWebhookPending,
			model.ProvisioningStatusDeployResourceGroupFailed,
		},
	},
	OperationCheckResourceGroupDeploymentStatus: {
		inputs: []model.ProvisioningStatus{
			model.ProvisioningStatusDeployResourceGroupRunning,
		},
		outputs: []model.ProvisioningStatus{
			model.ProvisioningStatusDeployResourceGroupRunning,
			model.ProvisioningStatusArmTemplatePending,
			model.ProvisioningStatusDeployResourceGroupFailed,
		},
	},
	OperationDeployArmTemplate: {
		inputs: []model.ProvisioningStatus{
			model.ProvisioningStatusArmTemplatePending,
		},
		outputs: []model.ProvisioningStatus{
			model.ProvisioningStatusArmTemplateRunning,
			model.ProvisioningStatusWebhookPending,
			model.ProvisioningStatusProvisioningPending,
			model.ProvisioningStatusArmTemplateFailed,
		},
	},
	OperationCheckArmDeploymentStatus: {
		inputs: []model.ProvisioningStatus{
			model.ProvisioningStatusArmTemplateRunning,
		},
		outputs: []model.ProvisioningStatus{
			model.ProvisioningStatusWebhookPending,
			model.ProvisioningStatusArmTemplateFailed,
		},
		failbacks: []model.ProvisioningStatus{
			model.ProvisioningStatusArmTemplatePending,
		},
	},
	OperationExecuteWebhook: {
		inputs: []model.ProvisioningStatus{
			model.ProvisioningStatusWebhookPending,
		},
		outputs: []model.ProvisioningStatus{
			model.ProvisioningStatusNotificationPending,
			model.ProvisioningStatusWebhookFailed,
		},
	},
	OperationActivateSubscription: {
		inputs: append(append([]model.ProvisioningStatus{}, recoverableInputs...),
			model.ProvisioningStatusManualActivationPending),
		outputs: []model.ProvisioningStatus{
			model.ProvisioningStatusSucceeded,
			model.ProvisioningStatusNotificationFailed,
			model.ProvisioningStatusManualActivationPending,
		},
	},
	OperationUpdateOperationCompleted: {
		inputs: append(append([]model.ProvisioningStatus{}, recoverableInputs...),
			model.ProvisioningStatusManualCompleteOperationPending),
		outputs: []model.ProvisioningStatus{
			model.ProvisioningStatusSucceeded,
			model.ProvisioningStatusNotificationFailed,
			model.ProvisioningStatusManualCompleteOperationPending,
		},
	},
}

func contains(states []model.ProvisioningStatus, s model.ProvisioningStatus) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}

func (o Operation) ValidInputs() []model.ProvisioningStatus {
	return append([]model.ProvisioningStatus{}, transitions[o].inputs...)
}

func (o Operation) ValidOutputs() []model.ProvisioningStatus {
	return append([]model.ProvisioningStatus{}, transitions[o].outputs...)
}

// Accepts reports whether o may start from s.
func (o Operation) Accepts(s model.ProvisioningStatus) bool {
	return contains(transitions[o].inputs, s)
}

// Produces reports whether a successful run of o may land in s.
func (o Operation) Produces(s model.ProvisioningStatus) bool {
	return contains(transitions[o].outputs, s)
}

// canSettleOn reports whether a failed run of o may leave the subscription
// in s: staying put, one of its outputs, or a declared failback.
func (o Operation) canSettleOn(s model.ProvisioningStatus) bool {
	t := transitions[o]
	return contains(t.inputs, s) || contains(t.outputs, s) || contains(t.failbacks, s)
}
