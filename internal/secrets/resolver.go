// Package secrets defines the secret resolution port the core uses to
// populate agent environments. Actual secret storage lives outside the core.
package secrets

import (
	"context"
	"os"
)

// Ref carries the context a resolver may use to scope a lookup.
type Ref struct {
	AgentID string
	RepoURL string
}

// Resolver resolves an environment variable name to its value.
// A missing secret is reported via ok=false, not an error.
type Resolver interface {
	Resolve(ctx context.Context, envName string, ref Ref) (value string, ok bool, err error)
}

// EnvResolver resolves secrets from the process environment.
type EnvResolver struct{}

var _ Resolver = (*EnvResolver)(nil)

// NewEnvResolver creates a resolver backed by the process environment.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

// Resolve looks the name up in the process environment.
func (r *EnvResolver) Resolve(_ context.Context, envName string, _ Ref) (string, bool, error) {
	value, ok := os.LookupEnv(envName)
	return value, ok, nil
}
