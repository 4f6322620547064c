package credential

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a credential id is unknown.
var ErrNotFound = errors.New("credential not found")

// ErrNoCredentialAvailable is returned by the pool when no eligible
// credential exists for a provider. It is terminal for the request:
// retrying immediately cannot change pool state.
var ErrNoCredentialAvailable = errors.New("no credential available")

// RefreshError reports a failed OAuth refresh for a credential.
type RefreshError struct {
	// CredentialID is the credential whose refresh failed
	CredentialID string

	// StatusCode is the HTTP status from the token endpoint, 0 if the
	// request never completed
	StatusCode int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("credential %q token refresh failed (status %d): %v",
			e.CredentialID, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("credential %q token refresh failed: %v", e.CredentialID, e.Cause)
}

// Unwrap returns the underlying error for error chain support.
func (e *RefreshError) Unwrap() error {
	return e.Cause
}
