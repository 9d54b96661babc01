package remote

import (
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
)

// RemoteError describes a non-2xx response. Err is syncable.ErrUnavailable for transient
// statuses and syncable.ErrRejected otherwise.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func classifyStatus(code int) error {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return syncable.ErrUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return syncable.ErrUnavailable
		}
		return syncable.ErrRejected
	}
}

func unavailable(cause error) error {
	return fmt.Errorf("%w: %w", syncable.ErrUnavailable, cause)
}
