package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest wraps every input validation failure.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrVersionConflict is returned when a compare-and-set on a consent
	// record lost a race with a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")

	ErrRevokedWithoutNewGrant = errors.New("re-consent required: revoked channel needs a new consent grant")
	ErrUnverifiedChannel      = errors.New("channel address is not verified")
	ErrUnknownSegment         = errors.New("unknown segment")
	ErrNoEligibleWindowFound  = errors.New("no eligible send window found")
	ErrLogWrite               = errors.New("delivery log write failed")

	// ErrAlertOpen is returned when creating an alert for a metric that
	// already has an active or acknowledged alert.
	ErrAlertOpen = errors.New("an open alert already exists for this metric")
)

// ConsentError is returned by consent ledger operations that are refused.
type ConsentError struct {
	Err     error
	UserID  uuid.UUID
	Channel Channel
}

func (e *ConsentError) Error() string {
	return fmt.Sprintf("consent %s/%s: %v", e.UserID, e.Channel, e.Err)
}

func (e *ConsentError) Unwrap() error { return e.Err }

// PolicyError reports a policy lookup that fell back to the safe default.
type PolicyError struct {
	Segment string
	Err     error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("segment %q: %v", e.Segment, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// SchedulingError is returned when no send time satisfies every constraint.
type SchedulingError struct {
	UserID  uuid.UUID
	Channel Channel
	Reason  string
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("schedule %s/%s: %s", e.UserID, e.Channel, e.Reason)
}

func (e *SchedulingError) Unwrap() error { return ErrNoEligibleWindowFound }

// LogWriteError wraps a delivery log append that failed after retries.
type LogWriteError struct {
	EntryID  uuid.UUID
	Attempts int
	Err      error
}

func (e *LogWriteError) Error() string {
	return fmt.Sprintf("delivery log entry %s: failed after %d attempts: %v", e.EntryID, e.Attempts, e.Err)
}

func (e *LogWriteError) Unwrap() error { return e.Err }

func (e *LogWriteError) Is(target error) bool { return target == ErrLogWrite }
