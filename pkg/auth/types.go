// Package auth holds the request principal model and JWT validation.
// HTTP enforcement lives in the api package; this package has no HTTP
// dependencies so stores and audit logging can read the principal too.
package auth

// Principal is the authenticated entity making a request: a worker, an
// operator or the system itself.
type Principal interface {
	GetID() string
	GetRoles() []string
	IsAdmin() bool
}

// BasePrincipal is the standard Principal implementation.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string { return b.ID }

func (b *BasePrincipal) GetRoles() []string { return b.Roles }

func (b *BasePrincipal) IsAdmin() bool {
	for _, role := range b.Roles {
		if role == "admin" {
			return true
		}
	}
	return false
}
