package report

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown reports, patients and tokens.
	ErrNotFound = errors.New("not found")
	// ErrTokenConflict is returned by stores when a minted token is already taken.
	ErrTokenConflict = errors.New("patient token already in use")
	// ErrUnauthenticated is returned when an operator call carries no identity.
	ErrUnauthenticated = errors.New("operator session required")
	// ErrFinalized is returned when a draft-only change targets a finalized report.
	ErrFinalized = errors.New("report is finalized")
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError names the missing resource. It matches ErrNotFound.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MissingImageError means a report row references a blob the image store
// does not have. It does not match ErrNotFound; the report itself exists.
type MissingImageError struct {
	ReportID string
	Key      string
}

func (e *MissingImageError) Error() string {
	return fmt.Sprintf("report %s references missing image %s", e.ReportID, e.Key)
}

// UnsupportedFormatError is returned for export formats we cannot produce.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported export format %q", e.Format)
}

// DependencyUnavailableError wraps a failed or timed-out external capability.
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable", e.Dependency)
}

func (e *DependencyUnavailableError) Unwrap() error { return e.Err }
