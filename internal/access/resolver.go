// Package access computes what a user may see and do inside a project.
package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"roadmap/api/internal/clock"
	"roadmap/api/internal/metrics"
	"roadmap/api/internal/rbac"
	"roadmap/api/internal/retry"
	"roadmap/api/internal/store"
)

// ErrAccessDenied is returned when the user is neither the owner nor a
// member of the project.
var ErrAccessDenied = errors.New("no permission, contact owner")

// errNoMembership marks a lookup miss that is still worth retrying.
var errNoMembership = errors.New("membership not found")

// Permission is the access a single user holds on a single project. It is
// derived per session and never stored.
type Permission struct {
	Role    rbac.Role `json:"role"`
	CanEdit bool      `json:"can_edit"`
	// Restricted limits visibility to AllowedCategoryIDs. An unrestricted
	// permission sees every category.
	Restricted         bool     `json:"restricted"`
	AllowedCategoryIDs []string `json:"allowed_category_ids"`
}

// OwnerPermission is the permission held by a project owner.
func OwnerPermission() Permission {
	return Permission{Role: rbac.RoleOwner, CanEdit: true}
}

// CanSee reports whether a node in categoryID is visible. A nil category is
// only visible to unrestricted users.
func (p Permission) CanSee(categoryID *string) bool {
	if !p.Restricted {
		return true
	}
	if categoryID == nil {
		return false
	}
	return slices.Contains(p.AllowedCategoryIDs, *categoryID)
}

// Can reports whether the permission allows action. Writes follow the
// member's edit grant rather than the role.
func (p Permission) Can(action rbac.Action) bool {
	if action == rbac.ActionWrite {
		return p.CanEdit
	}
	return rbac.Can(p.Role, action)
}

// CanSeeCategory reports whether the category itself is visible.
func (p Permission) CanSeeCategory(categoryID string) bool {
	return p.CanSee(&categoryID)
}

// Equal reports whether p and other grant the same access. The order of
// the allow-list does not matter.
func (p Permission) Equal(other Permission) bool {
	if p.Role != other.Role || p.CanEdit != other.CanEdit || p.Restricted != other.Restricted {
		return false
	}
	if !p.Restricted {
		return true
	}
	for _, id := range other.AllowedCategoryIDs {
		if !slices.Contains(p.AllowedCategoryIDs, id) {
			return false
		}
	}
	for _, id := range p.AllowedCategoryIDs {
		if !slices.Contains(other.AllowedCategoryIDs, id) {
			return false
		}
	}
	return true
}

type MemberStore interface {
	FetchMember(ctx context.Context, projectID, userID string) (*store.Member, error)
}

// LookupPolicy bounds how long a freshly invited member may take to become
// visible to the resolver.
type LookupPolicy struct {
	Attempts int
	Delay    time.Duration
}

func DefaultPolicy() LookupPolicy {
	return LookupPolicy{Attempts: 3, Delay: 500 * time.Millisecond}
}

type Resolver struct {
	members MemberStore
	policy  retry.Policy
	logger  *zap.Logger
}

type ResolverOption func(*Resolver)

// WithClock replaces the clock used between lookup attempts.
func WithClock(c clock.Clock) ResolverOption {
	return func(r *Resolver) { r.policy.Clock = c }
}

func NewResolver(members MemberStore, policy LookupPolicy, logger *zap.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	r := &Resolver{
		members: members,
		policy:  retry.Fixed(policy.Attempts, policy.Delay),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the permission of userID on project. The owner is
// resolved without touching the store. Members are looked up with a
// bounded retry since an invitation may not be visible yet; when no
// membership appears ErrAccessDenied is returned.
func (r *Resolver) Resolve(ctx context.Context, project store.Project, userID string) (Permission, error) {
	if userID == "" {
		metrics.AccessResolutions.WithLabelValues("denied").Inc()
		return Permission{}, ErrAccessDenied
	}
	if userID == project.OwnerID {
		metrics.AccessResolutions.WithLabelValues("owner").Inc()
		return OwnerPermission(), nil
	}

	var member *store.Member
	policy := r.policy
	policy.OnRetry = func(attempt int, err error) {
		metrics.MemberLookupRetries.Inc()
		r.logger.Debug("Retrying member lookup",
			zap.String("project_id", project.ID),
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		found, err := r.members.FetchMember(ctx, project.ID, userID)
		if err != nil {
			return err
		}
		if found == nil {
			return errNoMembership
		}
		member = found
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Permission{}, err
		case errors.Is(err, errNoMembership):
			metrics.AccessResolutions.WithLabelValues("denied").Inc()
			r.logger.Info("Access denied",
				zap.String("project_id", project.ID),
				zap.String("user_id", userID),
			)
			return Permission{}, ErrAccessDenied
		default:
			metrics.AccessResolutions.WithLabelValues("error").Inc()
			r.logger.Error("Member lookup failed",
				zap.String("project_id", project.ID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			return Permission{}, fmt.Errorf("resolve access: %w", err)
		}
	}

	metrics.AccessResolutions.WithLabelValues("member").Inc()
	return FromMember(*member), nil
}

// FromMember converts a membership row into a permission snapshot.
func FromMember(member store.Member) Permission {
	perm := Permission{
		Role:       rbac.Normalize(member.Role),
		CanEdit:    member.CanEdit,
		Restricted: member.Restricted,
	}
	if member.Restricted {
		perm.AllowedCategoryIDs = append([]string{}, member.CategoryIDs...)
	}
	return perm
}
