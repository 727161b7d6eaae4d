// ABOUTME: Caller scopes and the ownership guard for threads
// ABOUTME: Decides who may read, create, or continue a thread and which owners get recorded

package auth

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
)

// GlobalOwner is the owner recorded for threads created without a scope.
const GlobalOwner = "global"

// Authorization and validation errors. The messages are part of the API
// contract and are returned to callers verbatim.
var (
	ErrUnauthorized = errors.New("Unauthorized: Cannot run on thread owned by different resource")

	// ErrValidation matches every scope validation failure via errors.Is.
	ErrValidation = errors.New("validation error")

	ErrNullScopeCreate  error = &ValidationError{msg: "Cannot create thread with null scope"}
	ErrEmptyResourceIDs error = &ValidationError{msg: "resourceId array cannot be empty"}
)

// ValidationError is a malformed-scope error. It matches ErrValidation.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type scopeKind uint8

const (
	kindDefault scopeKind = iota
	kindAdmin
	kindResources
)

// Scope is the identity a caller claims. The zero value is the default
// scope, which acts as the global owner.
type Scope struct {
	kind scopeKind
	ids  []string
}

// DefaultScope returns the scope used when a caller supplies none.
func DefaultScope() Scope { return Scope{} }

// AdminScope returns the admin bypass scope. It may read and continue any
// thread but cannot create one.
func AdminScope() Scope { return Scope{kind: kindAdmin} }

// ResourceScope returns a scope for one or more resource ids. Duplicates and
// blank ids are dropped; an empty result fails validation.
func ResourceScope(ids ...string) Scope {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return Scope{kind: kindResources, ids: out}
}

// IsDefault reports whether s is the default scope.
func (s Scope) IsDefault() bool { return s.kind == kindDefault }

// IsAdmin reports whether s is the admin bypass scope.
func (s Scope) IsAdmin() bool { return s.kind == kindAdmin }

// ResourceIDs returns the explicit ids of s, or nil for default and admin scopes.
func (s Scope) ResourceIDs() []string {
	if s.kind != kindResources {
		return nil
	}
	return slices.Clone(s.ids)
}

func (s Scope) String() string {
	switch s.kind {
	case kindAdmin:
		return "admin"
	case kindResources:
		return "resources[" + strings.Join(s.ids, ",") + "]"
	default:
		return "default"
	}
}

// ValidateScope rejects explicit scopes without any resource id.
func ValidateScope(s Scope) error {
	if s.kind == kindResources && len(s.ids) == 0 {
		return ErrEmptyResourceIDs
	}
	return nil
}

// Guard applies the ownership rules for threads.
type Guard struct {
	logger *slog.Logger
}

// NewGuard creates a Guard. A nil logger uses slog.Default().
func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{logger: logger.With("component", "auth")}
}

// Matches reports whether scope may access a thread with the given owners.
// Default and admin scopes match every thread; an explicit scope matches when
// it shares at least one id with owners.
func (g *Guard) Matches(owners []string, scope Scope) bool {
	switch scope.kind {
	case kindDefault, kindAdmin:
		return true
	}
	for _, id := range scope.ids {
		if slices.Contains(owners, id) {
			return true
		}
	}
	return false
}

// ResolveOwners returns the owner set to record for a new run. For a new
// thread (no existing owners) it derives the set from scope; for an existing
// thread it returns existing unchanged after checking that scope matches it.
func (g *Guard) ResolveOwners(existing []string, scope Scope) ([]string, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}

	if len(existing) == 0 {
		switch scope.kind {
		case kindAdmin:
			return nil, ErrNullScopeCreate
		case kindDefault:
			return []string{GlobalOwner}, nil
		default:
			return slices.Clone(scope.ids), nil
		}
	}

	if !g.Matches(existing, scope) {
		g.logger.Warn("scope does not own thread", "scope", scope.String(), "owners", existing)
		return nil, ErrUnauthorized
	}
	return slices.Clone(existing), nil
}
