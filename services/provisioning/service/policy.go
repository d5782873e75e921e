package service

import (
	"errors"

	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
)

const DefaultRetryCeiling = 3

type FailureKind string

const (
	FailureKindRetry    FailureKind = "retry"
	FailureKindFailback FailureKind = "failback"
	FailureKindFatal    FailureKind = "fatal"
)

// RetryPolicy turns an error raised by an operation into the state the
// subscription is left in.
type RetryPolicy struct {
	Ceiling int
}

type Decision struct {
	Kind          FailureKind
	Status        model.ProvisioningStatus
	RetryCount    int
	FailbackCount int
	FailbackFrom  model.ProvisioningStatus
	// Inconsistent is set when the computed status was not one the
	// operation may leave behind and was replaced by NotSpecified.
	Inconsistent bool
}

// FailedStateFor maps a state to the failure state that ends it.
func FailedStateFor(s model.ProvisioningStatus) model.ProvisioningStatus {
	switch s {
	case model.ProvisioningStatusNotificationPending:
		return model.ProvisioningStatusNotificationFailed
	case model.ProvisioningStatusArmTemplatePending, model.ProvisioningStatusArmTemplateRunning:
		return model.ProvisioningStatusArmTemplateFailed
	case model.ProvisioningStatusProvisioningPending, model.ProvisioningStatusDeployResourceGroupRunning:
		return model.ProvisioningStatusDeployResourceGroupFailed
	case model.ProvisioningStatusWebhookPending:
		return model.ProvisioningStatusWebhookFailed
	default:
		return model.ProvisioningStatusNotSpecified
	}
}

// Decide classifies err raised by op for sub. In place retries and
// failbacks are bounded by the ceiling separately: the attempt that brings
// either count to the ceiling is the last one.
func (p RetryPolicy) Decide(op Operation, sub *model.Subscription, err error) Decision {
	ceiling := p.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	current := sub.ProvisioningStatus

	var perr *ProvisioningError
	retryable := errors.As(err, &perr) && perr.Retryable
	fatal := Decision{Kind: FailureKindFatal, Status: FailedStateFor(current)}

	var d Decision
	switch {
	case !retryable:
		d = fatal
	case isFailback(current, perr.FailbackState):
		failbacks := sub.FailbackCount + 1
		if failbacks >= ceiling {
			d = fatal
			break
		}
		d = Decision{
			Kind:          FailureKindFailback,
			Status:        perr.FailbackState,
			RetryCount:    sub.RetryCount,
			FailbackCount: failbacks,
			FailbackFrom:  current,
		}
	default:
		attempt := sub.RetryCount + 1
		if attempt >= ceiling {
			d = fatal
			break
		}
		d = Decision{
			Kind:          FailureKindRetry,
			Status:        current,
			RetryCount:    attempt,
			FailbackCount: sub.FailbackCount,
			FailbackFrom:  sub.FailbackFrom,
		}
	}

	if !op.canSettleOn(d.Status) {
		d.Status = model.ProvisioningStatusNotSpecified
		d.Inconsistent = true
	}
	return d
}

// isFailback reports whether target is a state to go back to from current.
// Going back to current itself is a retry in place, and a failed state is
// never a place to resume from.
func isFailback(current, target model.ProvisioningStatus) bool {
	switch {
	case target == "", target == model.ProvisioningStatusNotSpecified:
		return false
	case target == current, target.IsFailed():
		return false
	}
	return true
}
