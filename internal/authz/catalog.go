package authz

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

type catalogState int

const (
	catalogPending catalogState = iota
	catalogFlushed
)

// Catalog is the registry of named entitlements. Modules declare their
// entitlements at load time, usually before the underlying storage has been
// provisioned; registrations made before the readiness signal are queued in
// order and flushed exactly once when StorageReady fires. Registrations
// after that run immediately in the calling context.
type Catalog struct {
	mu      sync.Mutex
	store   Store
	state   catalogState
	pending []*Entitlement
	byName  map[string]*Entitlement
}

func NewCatalog(store Store) *Catalog {
	return &Catalog{
		store:  store,
		byName: make(map[string]*Entitlement),
	}
}

// Register declares an entitlement. Idempotent per name: registering a name
// again fully replaces the prior definition, old rules discarded. Malformed
// rule strings are rejected here with a descriptive error so they can never
// silently widen into a wildcard.
func (c *Catalog) Register(ctx context.Context, name, description, group string, appliesTo, ruleStrings []string) error {
	ent, err := NewEntitlement(name, description, group, appliesTo, ruleStrings)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == catalogPending {
		c.pending = append(c.pending, ent)
		return nil
	}
	return c.persist(ctx, ent)
}

// StorageReady transitions the catalog from Pending to Flushed, persisting
// every queued registration in registration order. Only the first call
// flushes; later calls are no-ops.
func (c *Catalog) StorageReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == catalogFlushed {
		return nil
	}
	c.state = catalogFlushed

	for _, ent := range c.pending {
		if err := c.persist(ctx, ent); err != nil {
			return fmt.Errorf("flush entitlement %s: %w", ent.Name, err)
		}
	}
	c.pending = nil
	return nil
}

// persist writes the entitlement and regenerates the names artifact.
// Caller holds c.mu.
func (c *Catalog) persist(ctx context.Context, ent *Entitlement) error {
	if err := c.store.SaveEntitlement(ctx, ent); err != nil {
		return fmt.Errorf("save entitlement %s: %w", ent.Name, err)
	}
	c.byName[ent.Name] = ent

	// The generated union of entitlement names feeds downstream
	// type-checking; failing to persist it is not fatal.
	if err := c.store.SaveEntitlementNames(ctx, c.names()); err != nil {
		log.Printf("WARN: persist entitlement names artifact: %v", err)
	}
	return nil
}

// Lookup returns the registered entitlement with the given name, or nil.
func (c *Catalog) Lookup(name string) *Entitlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byName[name]
}

// Names returns all registered entitlement names, sorted.
func (c *Catalog) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names()
}

func (c *Catalog) names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
