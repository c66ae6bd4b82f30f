package auth

import (
	"errors"
	"fmt"

	"upkeep/internal/domain"
)

// Principal is the authenticated actor attached to a request.
type Principal struct {
	AccountID  string
	Role       domain.Role
	EmployerID string // owning owner id for operators, empty for owners
	Source     string
}

// ErrUnauthenticated indicates no principal is attached to the request.
var ErrUnauthenticated = errors.New("authentication required")

// ErrNotAssigned indicates an operator acted on a task that is not theirs.
// It is mapped to a not-found response so existence is never leaked.
var ErrNotAssigned = errors.New("task not found")

// ForbiddenError indicates the principal's role is not allowed.
type ForbiddenError struct {
	Role domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s is not permitted for this operation", e.Role)
}

// ScopeNone is a tenant scope that matches no stored resource. Owner ids are
// UUIDs, so the empty string can never equal a stored owning-tenant id.
const ScopeNone = ""

// Scope derives the single owning-tenant identifier for a principal. Owners
// scope to themselves; operators scope to their employer. Any other role, or
// an operator with no resolved employer, yields ScopeNone.
func Scope(p Principal) string {
	switch p.Role {
	case domain.RoleOwner:
		return p.AccountID
	case domain.RoleOperator:
		return p.EmployerID
	}
	return ScopeNone
}

// RequireRole fails with ErrUnauthenticated when no principal is present and
// with ForbiddenError when the role is outside the allowed set.
func RequireRole(p *Principal, allowed ...domain.Role) error {
	if p == nil || p.AccountID == "" {
		return ErrUnauthenticated
	}
	for _, r := range allowed {
		if p.Role == r {
			return nil
		}
	}
	return ForbiddenError{Role: p.Role}
}

// ScopeFilter returns the tenant scope to conjoin with every storage query
// for tenant-scoped entities.
func ScopeFilter(p *Principal) (string, error) {
	if p == nil || p.AccountID == "" {
		return ScopeNone, ErrUnauthenticated
	}
	return Scope(*p), nil
}

// RequireAssignment gates task actions restricted to the assigned operator.
// Operators must be the assignee and employed by the task's owning tenant;
// both checks fail as not-found. Owners pass when they own the task.
func RequireAssignment(p Principal, t domain.Task) error {
	switch p.Role {
	case domain.RoleOwner:
		if t.OwnerID != p.AccountID {
			return ErrNotAssigned
		}
		return nil
	case domain.RoleOperator:
		if t.AssigneeID != p.AccountID || t.OwnerID != p.EmployerID {
			return ErrNotAssigned
		}
		return nil
	}
	return ErrNotAssigned
}
