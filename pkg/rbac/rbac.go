// Package rbac checks what a user may do given the roles they registered for.
package rbac

import (
	"fmt"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/model"
)

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[model.Permission]bool{
	model.RoleMaster: {
		model.PermHostSession:   true,
		model.PermReceiveReview: true,
	},
	model.RolePlayer: {
		model.PermApply:         true,
		model.PermReceiveReview: true,
	},
}

// HasPermission checks if a single role has a specific permission.
func HasPermission(role model.Role, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// Allowed reports whether any role in rs grants perm.
func Allowed(rs model.Roles, perm model.Permission) bool {
	for _, r := range []model.Role{model.RolePlayer, model.RoleMaster} {
		if rs.Has(r) && HasPermission(r, perm) {
			return true
		}
	}
	return false
}

// Require returns a PermissionDenied error if no role in rs grants perm.
func Require(rs model.Roles, perm model.Permission) error {
	if Allowed(rs, perm) {
		return nil
	}
	return denied(perm, requiredRole(perm))
}

// RequireAs returns a PermissionDenied error unless rs holds role and role
// grants perm.
func RequireAs(rs model.Roles, role model.Role, perm model.Permission) error {
	if rs.Has(role) && HasPermission(role, perm) {
		return nil
	}
	return denied(perm, role.String())
}

func denied(perm model.Permission, role string) error {
	return apperrors.WithMetadata(apperrors.CodePermissionDenied,
		fmt.Sprintf("permission denied: %s requires the %s role", permName(perm), role),
		map[string]string{"permission": permName(perm), "role": role},
	)
}

func requiredRole(p model.Permission) string {
	switch p {
	case model.PermHostSession:
		return model.RoleMaster.String()
	case model.PermApply:
		return model.RolePlayer.String()
	default:
		return "player or master"
	}
}

func permName(p model.Permission) string {
	switch p {
	case model.PermHostSession:
		return "host_session"
	case model.PermApply:
		return "apply"
	case model.PermReceiveReview:
		return "receive_review"
	default:
		return "unknown"
	}
}
