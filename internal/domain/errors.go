package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrStatusConflict is returned when a status transition is attempted from a
// status the caller did not expect.
var ErrStatusConflict = errors.New("instance status changed concurrently")

// ErrInstanceDeleted is returned for operations on a DELETED instance.
var ErrInstanceDeleted = errors.New("instance is deleted")

// ProvisioningError wraps a failed image pull, container create or start.
type ProvisioningError struct {
	Op  string
	Ref string
	Err error
}

func (e ProvisioningError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("provisioning %s [%s]: %v", e.Op, ShortRef(e.Ref), e.Err)
	}
	return fmt.Sprintf("provisioning %s: %v", e.Op, e.Err)
}

func (e ProvisioningError) Unwrap() error {
	return e.Err
}

// ReadinessTimeoutError means no sentinel output arrived within the idle window.
type ReadinessTimeoutError struct {
	Ref  string
	Idle time.Duration
}

func (e ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("readiness timeout: no output from %s for %s", ShortRef(e.Ref), e.Idle)
}

// StreamError means the log stream broke before the sentinel was seen.
type StreamError struct {
	Ref string
	Err error
}

func (e StreamError) Error() string {
	return fmt.Sprintf("log stream %s: %v", ShortRef(e.Ref), e.Err)
}

func (e StreamError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when a job or instance identifier is unknown.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// DuplicateRegistrationError is returned when a job already has a client
// waiting for its notification.
type DuplicateRegistrationError struct {
	JobID string
}

func (e DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("job %s already has a pending registration", e.JobID)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// ValidationError rejects malformed request input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}
