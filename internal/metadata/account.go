package metadata

// AccountContext represents the authenticated account, set by the auth
// middleware. Roles here are the role names carried in the token and are
// used only for the administrator predicate; authorization grants are
// resolved from stored memberships.
type AccountContext struct {
	ID     string   `json:"id"`
	Roles  []string `json:"roles"`
	Active bool     `json:"active"`
}

// HasRole checks whether the account has a specific role.
func (a *AccountContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the account has the admin role.
func (a *AccountContext) IsAdmin() bool {
	return a.HasRole("admin")
}
