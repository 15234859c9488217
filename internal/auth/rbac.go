package auth

import "dubproc/internal/store"

// RequireRole returns ErrForbidden unless role meets min.
func RequireRole(role, min store.Role) error {
	if !role.AtLeast(min) {
		return ErrForbidden
	}
	return nil
}

// CanView reports whether a viewer may see a resource owned by ownerID
// with the given visibility: owners and admins can always view; a shared
// resource is visible to anyone; a private resource is not visible to
// anyone else.
func CanView(viewerID string, viewerRole store.Role, ownerID string, vis store.Visibility) bool {
	if viewerID == ownerID {
		return true
	}
	if viewerRole.AtLeast(store.RoleAdmin) {
		return true
	}
	return vis == store.VisibilityShared
}

// CanEdit reports whether an actor may mutate a resource (cancel, delete,
// reprioritize, change visibility): owners with at least operator role,
// or any admin.
func CanEdit(actorID string, actorRole store.Role, ownerID string) bool {
	if actorRole.AtLeast(store.RoleAdmin) {
		return true
	}
	return actorID == ownerID && actorRole.AtLeast(store.RoleOperator)
}
