package authz

import (
	"fmt"
	"strings"
)

// Wildcard matches any entity type, action or property in a permission rule.
const Wildcard = "*"

// PermissionRule is a parsed permission match pattern. Each part is either a
// literal name or the wildcard. Rules are never stored in this form; they are
// re-parsed from their raw string every time an entitlement is loaded.
type PermissionRule struct {
	EntityType string
	Action     string
	Property   string
}

// Schema answers whether a field exists on an entity type. Property-level
// matching consults it because an unknown property never matches, not even
// against a wildcard rule.
type Schema interface {
	HasField(entityType, field string) bool
}

// ParseRule parses a raw permission string into a PermissionRule.
//
// Accepted forms:
//
//	"*"                          everything
//	"entityType:action"          all properties of that entity/action
//	"entityType:action:property" one property
//
// Colons inside names are not supported; a string with empty parts or more
// than three parts is rejected. A malformed rule is an error, never a
// silent wildcard.
func ParseRule(raw string) (PermissionRule, error) {
	if raw == Wildcard {
		return PermissionRule{EntityType: Wildcard, Action: Wildcard, Property: Wildcard}, nil
	}

	parts := strings.Split(raw, ":")
	for _, p := range parts {
		if p == "" {
			return PermissionRule{}, fmt.Errorf("malformed permission rule %q: empty segment", raw)
		}
	}

	switch len(parts) {
	case 2:
		return PermissionRule{EntityType: parts[0], Action: parts[1], Property: Wildcard}, nil
	case 3:
		return PermissionRule{EntityType: parts[0], Action: parts[1], Property: parts[2]}, nil
	default:
		return PermissionRule{}, fmt.Errorf("malformed permission rule %q: want \"*\", \"entity:action\" or \"entity:action:property\"", raw)
	}
}

// Match tests the rule against a data-level (entityType, action) pair.
// The property part of the rule is not consulted.
func (r PermissionRule) Match(entityType, action string) bool {
	if r.EntityType != Wildcard && r.EntityType != entityType {
		return false
	}
	if r.Action != Wildcard && r.Action != action {
		return false
	}
	return true
}

// MatchProperty tests the rule against a property-level triple. The property
// must name a real field of the entity type's schema; unknown properties
// never match.
func (r PermissionRule) MatchProperty(entityType, action, property string, schema Schema) bool {
	if !r.Match(entityType, action) {
		return false
	}
	if schema == nil || !schema.HasField(entityType, property) {
		return false
	}
	return r.Property == Wildcard || r.Property == property
}

// String re-serializes the rule into the textual grammar.
func (r PermissionRule) String() string {
	if r.EntityType == Wildcard && r.Action == Wildcard && r.Property == Wildcard {
		return Wildcard
	}
	if r.Property == Wildcard {
		return r.EntityType + ":" + r.Action
	}
	return r.EntityType + ":" + r.Action + ":" + r.Property
}
