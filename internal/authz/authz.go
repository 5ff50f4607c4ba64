// Package authz implements the project role matrix.
//
// Roles come from the membership table, never from the identity token.
// Policy edges (viewer export, reviewer visibility of others' exports) are
// driven by the project's org policy so that no role-specific branching
// leaks into handlers or services.
package authz

import "github.com/triagedeck/triagedeck/internal/model"

// CanRead reports whether role may read items, config, and its own
// decisions. Every member role can.
func CanRead(role model.Role) bool {
	switch role {
	case model.RoleAdmin, model.RoleReviewer, model.RoleViewer:
		return true
	}
	return false
}

// CanWriteEvents reports whether role may submit decision events.
// Viewers are read-only.
func CanWriteEvents(role model.Role) bool {
	return role == model.RoleAdmin || role == model.RoleReviewer
}

// CanCreateExport reports whether role may create export jobs under the
// project's policy.
func CanCreateExport(role model.Role, policy model.OrgPolicy) bool {
	switch role {
	case model.RoleAdmin, model.RoleReviewer:
		return true
	case model.RoleViewer:
		return policy.ViewerCanExport
	}
	return false
}

// CanReadOthersExports reports whether role may see and fetch export jobs
// requested by other users. Admins always can; reviewers only when the
// policy opts in; viewers never.
func CanReadOthersExports(role model.Role, policy model.OrgPolicy) bool {
	switch role {
	case model.RoleAdmin:
		return true
	case model.RoleReviewer:
		return policy.ReviewerCanReadOthersExports
	}
	return false
}

// CanRebuildProjection reports whether role may trigger a projection
// rebuild. Admin-only diagnostic.
func CanRebuildProjection(role model.Role) bool {
	return role == model.RoleAdmin
}

// RateLimitExempt reports whether role bypasses per-user rate ceilings.
func RateLimitExempt(role model.Role) bool {
	return role == model.RoleAdmin
}
