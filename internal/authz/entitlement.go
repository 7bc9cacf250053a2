package authz

import (
	"fmt"
	"log"
)

// Actions understood by the generic entity API. The override layer and the
// evaluator treat these as opaque strings; the constants exist so callers
// and the system guard agree on spelling.
const (
	ActionCreate  = "create"
	ActionRead    = "read"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionArchive = "archive"
	ActionRestore = "restore"
	ActionRevert  = "revert"
)

// Entitlement is a named, reusable capability: the entity types it applies
// to plus the permission rules it grants. An empty AppliesTo means the
// entitlement applies to every entity type.
type Entitlement struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Group       string   `json:"group"`
	AppliesTo   []string `json:"applies_to"`
	RawRules    []string `json:"rules"`

	rules      []PermissionRule
	permissive bool // any rule with a wildcard entity type
}

// NewEntitlement builds an entitlement and parses its rules strictly: any
// malformed rule string is a registration error.
func NewEntitlement(name, description, group string, appliesTo, rawRules []string) (*Entitlement, error) {
	e := &Entitlement{
		Name:        name,
		Description: description,
		Group:       group,
		AppliesTo:   appliesTo,
		RawRules:    rawRules,
	}
	for _, raw := range rawRules {
		rule, err := ParseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("entitlement %s: %w", name, err)
		}
		e.addRule(rule)
	}
	return e, nil
}

// LoadEntitlement rebuilds an entitlement from persisted rows. Rules are
// re-parsed from their raw strings; a rule that no longer parses is dropped
// with a warning so one bad row cannot block unrelated requests, and can
// never degrade into a wildcard.
func LoadEntitlement(id, name, description, group string, appliesTo, rawRules []string) *Entitlement {
	e := &Entitlement{
		ID:          id,
		Name:        name,
		Description: description,
		Group:       group,
		AppliesTo:   appliesTo,
		RawRules:    rawRules,
	}
	for _, raw := range rawRules {
		rule, err := ParseRule(raw)
		if err != nil {
			log.Printf("WARN: entitlement %s: dropping rule %q: %v", name, raw, err)
			continue
		}
		e.addRule(rule)
	}
	return e
}

func (e *Entitlement) addRule(rule PermissionRule) {
	e.rules = append(e.rules, rule)
	if rule.EntityType == Wildcard {
		e.permissive = true
	}
}

// appliesToType reports whether the entitlement covers the entity type.
func (e *Entitlement) appliesToType(entityType string) bool {
	if len(e.AppliesTo) == 0 {
		return true
	}
	for _, t := range e.AppliesTo {
		if t == entityType {
			return true
		}
	}
	return false
}

// Test reports whether the entitlement grants the data-level action on the
// entity type. An entitlement with no rules grants nothing; one containing
// a wildcard-entity rule grants everything it applies to, without comparing
// individual rules.
func (e *Entitlement) Test(entityType, action string) bool {
	if !e.appliesToType(entityType) {
		return false
	}
	if e.permissive {
		return true
	}
	for _, r := range e.rules {
		if r.Match(entityType, action) {
			return true
		}
	}
	return false
}

// TestProperty reports whether the entitlement grants the action on one
// property of the entity type. Even a fully permissive entitlement only
// matches properties that exist in the schema.
func (e *Entitlement) TestProperty(entityType, action, property string, schema Schema) bool {
	if !e.appliesToType(entityType) {
		return false
	}
	if schema == nil || !schema.HasField(entityType, property) {
		return false
	}
	if e.permissive {
		return true
	}
	for _, r := range e.rules {
		if r.MatchProperty(entityType, action, property, schema) {
			return true
		}
	}
	return false
}

// CanGrantCreate reports whether the entitlement can grant creation of
// records of the entity type.
func (e *Entitlement) CanGrantCreate(entityType string) bool {
	return e.Test(entityType, ActionCreate)
}
