package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/triagedeck/triagedeck/internal/model"
)

func TestRoleMatrix(t *testing.T) {
	open := model.OrgPolicy{ViewerCanExport: true, ReviewerCanReadOthersExports: true}
	closed := model.OrgPolicy{}

	tests := []struct {
		name   string
		role   model.Role
		policy model.OrgPolicy
		read   bool
		write  bool
		export bool
		others bool
	}{
		{"admin", model.RoleAdmin, closed, true, true, true, true},
		{"reviewer closed", model.RoleReviewer, closed, true, true, true, false},
		{"reviewer open", model.RoleReviewer, open, true, true, true, true},
		{"viewer closed", model.RoleViewer, closed, true, false, false, false},
		{"viewer open", model.RoleViewer, open, true, false, true, false},
		{"non-member", model.RoleNone, open, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.read, CanRead(tt.role))
			assert.Equal(t, tt.write, CanWriteEvents(tt.role))
			assert.Equal(t, tt.export, CanCreateExport(tt.role, tt.policy))
			assert.Equal(t, tt.others, CanReadOthersExports(tt.role, tt.policy))
		})
	}
}

func TestAdminOnlyEdges(t *testing.T) {
	assert.True(t, CanRebuildProjection(model.RoleAdmin))
	assert.False(t, CanRebuildProjection(model.RoleReviewer))
	assert.False(t, CanRebuildProjection(model.RoleViewer))

	assert.True(t, RateLimitExempt(model.RoleAdmin))
	assert.False(t, RateLimitExempt(model.RoleReviewer))
}
