package service

import (
	"errors"
	"net/http"

	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrConcurrentUpdate = errors.New("subscription was updated concurrently")
)

// ProvisioningError is a failure the retry policy knows how to treat.
// FailbackState, when set, is the state to return to instead of retrying
// the same step.
type ProvisioningError struct {
	Err           error
	Retryable     bool
	FailbackState model.ProvisioningStatus
}

func (e *ProvisioningError) Error() string {
	return e.Err.Error()
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func NewRetryableError(err error, failback model.ProvisioningStatus) *ProvisioningError {
	return &ProvisioningError{Err: err, Retryable: true, FailbackState: failback}
}

func NewFatalError(err error) *ProvisioningError {
	return &ProvisioningError{Err: err}
}

// NewStatusCodeError builds an error that is retryable only for transient
// http status codes.
func NewStatusCodeError(err error, statusCode int, failback model.ProvisioningStatus) *ProvisioningError {
	return &ProvisioningError{Err: err, Retryable: IsRetryableStatusCode(statusCode), FailbackState: failback}
}

func IsRetryableStatusCode(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
