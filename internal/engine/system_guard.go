package engine

import (
	"lattice-backend/internal/authz"
)

// systemEntityTypes are the entity types backing the authorization model
// itself. They are readable through the generic API but never mutable
// there; every change goes through the dedicated admin operations so the
// engine cannot be used to rewrite its own access rules.
var systemEntityTypes = []string{
	"role",
	"roleMembership",
	"entitlement",
	"roleRuleset",
	"accountRuleset",
}

var mutatingActions = []string{
	authz.ActionCreate,
	authz.ActionUpdate,
	authz.ActionDelete,
	authz.ActionArchive,
	authz.ActionRestore,
	authz.ActionRevert,
}

// RegisterSystemGuards installs a permanent block for every mutating action
// on every system entity type. The blocks are unconditional and carry no
// except clauses; they outrank the admin override in the decision pipeline,
// so not even an administrator mutates these types through the generic API.
func RegisterSystemGuards(o *authz.Overrides) {
	always := func(*authz.Request) bool { return true }
	for _, entityType := range systemEntityTypes {
		for _, action := range mutatingActions {
			o.RegisterBlock(action, entityType, always)
		}
	}
}
