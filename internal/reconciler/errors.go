package reconciler

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
)

// SyncError carries a stable `operation.reason` code for a failed phase.
type SyncError struct {
	code string
	err  error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *SyncError) Code() string {
	return e.code
}

const (
	opNew  = "reconciler.new"
	opPull = "reconciler.pull"
	opPush = "reconciler.push"
)

func newSyncError(operation, reason string, cause error) error {
	return &SyncError{code: operation + "." + reason, err: cause}
}

var (
	errMissingStore  = errors.New("local store is required")
	errMissingRemote = errors.New("remote client is required")
	errNoProgress    = errors.New("pull cursor did not advance")
)

// Retryable reports whether err stems from a transient remote failure.
func Retryable(err error) bool {
	return errors.Is(err, syncable.ErrUnavailable)
}
