// Package auth authenticates API callers and carries their identity
// through request contexts.
package auth

// Permissions understood by the API surface.
const (
	PermRequestPackages = "request_packages"
	PermApprovePackages = "approve_packages"
	PermPublishPackages = "publish_packages"
	PermAdmin           = "admin"
)

// Principal is an authenticated caller.
type Principal interface {
	GetID() string
	GetUsername() string
	HasPermission(perm string) bool
}

// BasePrincipal is the claims-backed Principal implementation.
type BasePrincipal struct {
	ID          string
	Username    string
	Permissions []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetUsername() string {
	return b.Username
}

// HasPermission reports whether the principal holds the permission.
// Admin implies everything.
func (b *BasePrincipal) HasPermission(perm string) bool {
	for _, p := range b.Permissions {
		if p == PermAdmin || p == perm {
			return true
		}
	}
	return false
}
