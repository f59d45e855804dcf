// Package metadata defines the contract for the application metadata
// service (out of scope, specified only through this interface):
// owner/contact/email lookups keyed by application name.
package metadata

import (
	"context"
	"errors"

	"github.com/asgardops/maestro/pkg/types"
)

// ErrApplicationNotFound is returned when the named application has no
// registered metadata.
var ErrApplicationNotFound = errors.New("metadata: application not found")

// Service is the metadata-service contract.
type Service interface {
	// GetContact fetches owner/contact/email for application. Returns
	// ErrApplicationNotFound if unregistered.
	GetContact(ctx context.Context, application string) (*types.Contact, error)
}
