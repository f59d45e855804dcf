// Package configsvc defines the contracts for the two out-of-scope
// configuration collaborators: the per-hash configuration service
// (application properties, deployment parameters, launch data) and the
// policy-configuration service (a governance gate queried only in
// certain environments).
package configsvc

import (
	"context"
	"errors"
)

// ErrHashNotFound is returned when a hash has no known documents for the
// given (environment, application).
var ErrHashNotFound = errors.New("configsvc: hash not found")

// ErrDocumentMissing names the case of a known hash whose specific
// document (properties, params, launch-data) is absent. HTTPClient does
// not return it: a 404 on any document fetch surfaces as ErrHashNotFound.
var ErrDocumentMissing = errors.New("configsvc: document missing")

// ErrParseFault signals a malformed upstream response. The only step
// permitted to retry (check-configuration) treats this specially.
var ErrParseFault = errors.New("configsvc: response parse fault")

// ConfigService resolves per-hash configuration documents.
type ConfigService interface {
	// LatestHash resolves the newest configuration hash for
	// (environment, application).
	LatestHash(ctx context.Context, environment, application string) (string, error)

	// VerifyHash confirms hash is known for (environment, application).
	VerifyHash(ctx context.Context, environment, application, hash string) error

	// ApplicationProperties fetches the application-properties document.
	ApplicationProperties(ctx context.Context, environment, application, hash string) (map[string]interface{}, error)

	// DeploymentParams fetches the deployment-params document.
	DeploymentParams(ctx context.Context, environment, application, hash string) (map[string]interface{}, error)

	// LaunchData fetches the launch-data document (opaque boot-script text).
	LaunchData(ctx context.Context, environment, application, hash string) (string, error)
}

// PolicyService is the governance gate queried by check-configuration in
// environments poke and prod. Callers distinguish a definite-absence
// error from ErrParseFault to decide error vs. retry (spec §4.3 step 14).
type PolicyService interface {
	// CheckConfiguration reports whether application is cleared to deploy
	// in environment. ErrParseFault signals a transient, retryable fault;
	// any other non-nil error is a definite absence.
	CheckConfiguration(ctx context.Context, environment, application string) (bool, error)
}
