// Package secrets resolves the repository access token from a reference
// such as env://GITHUB_TOKEN, file:///run/secrets/git_token or
// vault://secret/data/ci/github#token. A value without a scheme is the
// token itself.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a reference cannot be resolved.
var ErrNotFound = errors.New("secret not found")

// Provider resolves references of one scheme. Implementations must be safe
// for concurrent use and must never log the resolved value.
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches a reference to the provider registered for its scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a Resolver. Nil providers are skipped.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Scheme()] = p
		}
	}
	return r
}

// Resolve returns the secret behind ref. Empty refs resolve to "".
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || ref == "" {
		return ref, nil
	}
	p, found := r.providers[scheme]
	if !found {
		return "", fmt.Errorf("no secret provider for scheme %q", scheme)
	}
	v, err := p.Resolve(ctx, rest)
	if err != nil {
		return "", fmt.Errorf("resolving %s reference: %w", scheme, err)
	}
	return v, nil
}
