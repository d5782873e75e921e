package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/service"
)

// Job asks a worker to run one operation for a subscription.
type Job struct {
	SubscriptionID     uuid.UUID                `json:"subscriptionId"`
	Operation          string                   `json:"operation"`
	ProvisioningStatus model.ProvisioningStatus `json:"provisioningStatus"`
	LastUpdatedTime    time.Time                `json:"lastUpdatedTime"`
}

// JobFor returns the job that advances the summarized subscription.
func JobFor(s service.ProvisionSummary) (Job, bool) {
	job := Job{
		SubscriptionID:     s.SubscriptionID,
		ProvisioningStatus: s.ProvisioningStatus,
		LastUpdatedTime:    s.LastUpdatedTime,
	}
	if op, ok := service.NextOperation(s); ok {
		job.Operation = op.String()
		return job, true
	}
	if service.ShouldRequeueDataDeletion(s) {
		job.Operation = service.OperationRequeueDataDeletion
		return job, true
	}
	return Job{}, false
}

// MsgID is stable until the subscription is saved again, so a job that is
// still queued is not published twice.
func (j Job) MsgID() string {
	return fmt.Sprintf("%s:%s:%s:%d", j.SubscriptionID, j.Operation, j.ProvisioningStatus, j.LastUpdatedTime.UnixNano())
}
