// Package gate implements the engineering access gate: a shared-secret check
// that grants the capability to approve or reject issues. It is a visibility
// toggle for the engineering workflow, not a security boundary.
package gate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ForbiddenError indicates the caller lacks the engineering capability.
type ForbiddenError struct{}

func (e ForbiddenError) Error() string {
	return "engineering capability required"
}

// ErrInvalidCredential is reported on a failed unlock. Retries are
// unlimited; no lockout is applied.
var ErrInvalidCredential = errors.New("invalid engineering credential")

// Gate checks the shared engineering secret.
type Gate struct {
	Secret string
}

// Unlock compares password against the configured secret. A gate with no
// configured secret never unlocks.
func (g Gate) Unlock(password string) bool {
	if g.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(g.Secret)) == 1
}

// Authenticate is Unlock with an error for the failure path.
func (g Gate) Authenticate(password string) error {
	if !g.Unlock(password) {
		return ErrInvalidCredential
	}
	return nil
}

type capabilityKey struct{}

// WithEngineering marks ctx as holding the engineering capability.
func WithEngineering(ctx context.Context) context.Context {
	return context.WithValue(ctx, capabilityKey{}, true)
}

// IsEngineering reports whether ctx holds the engineering capability.
func IsEngineering(ctx context.Context) bool {
	v, ok := ctx.Value(capabilityKey{}).(bool)
	return ok && v
}

// EnsureEngineering fails with ForbiddenError when ctx lacks the capability.
func EnsureEngineering(ctx context.Context) error {
	if !IsEngineering(ctx) {
		return ForbiddenError{}
	}
	return nil
}

// EnsureRole is a convenience for surfaces that carry roles as strings.
func EnsureRole(roles []string, role string) error {
	for _, r := range roles {
		if r == role {
			return nil
		}
	}
	return fmt.Errorf("role %s required: %w", role, ForbiddenError{})
}
