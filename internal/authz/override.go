package authz

import (
	"sync"

	"lattice-backend/internal/metadata"
)

// Request is the inbound context an authorization decision is made over.
// Record is nil for data-level questions that have no concrete record yet
// (such as create).
type Request struct {
	Account    *metadata.AccountContext
	EntityType string
	Action     string
	Record     *Record
}

// Predicate inspects a request. AccountPredicate inspects only the account,
// for overrides that hold regardless of what is being touched.
type (
	Predicate        func(*Request) bool
	AccountPredicate func(*metadata.AccountContext) bool
)

// Block is a registrable hard deny: if its predicate matches and no except
// clause does, the request is denied before any ruleset is consulted.
type Block struct {
	pred    Predicate
	excepts []Predicate
}

// Except attaches an exception: if any except predicate matches, the block
// is skipped for that request. Returns the block for chaining.
func (b *Block) Except(p Predicate) *Block {
	b.excepts = append(b.excepts, p)
	return b
}

func (b *Block) applies(req *Request) bool {
	if !b.pred(req) {
		return false
	}
	for _, e := range b.excepts {
		if e(req) {
			return false
		}
	}
	return true
}

// AccountBlock is a hard deny keyed only on the account, evaluated wherever
// a block check runs on behalf of a concrete account.
type AccountBlock struct {
	pred AccountPredicate
}

// ActionBypass is the inverse of a Block: an unconditional allow for an
// action/entity type, ahead of ruleset evaluation. Except clauses let
// individual callers carve exceptions out of a blanket allow.
type ActionBypass struct {
	pred    Predicate
	excepts []Predicate
}

// Except attaches an exception to the bypass. Returns it for chaining.
func (b *ActionBypass) Except(p Predicate) *ActionBypass {
	b.excepts = append(b.excepts, p)
	return b
}

func (b *ActionBypass) applies(req *Request) bool {
	if !b.pred(req) {
		return false
	}
	for _, e := range b.excepts {
		if e(req) {
			return false
		}
	}
	return true
}

// AccountBypass grants access unconditionally for matching accounts.
type AccountBypass struct {
	pred AccountPredicate
}

type overrideKey struct {
	action     string
	entityType string
}

// Overrides holds every registered block and bypass. Registration happens
// at startup; lookups run on every authorization decision.
type Overrides struct {
	mu              sync.RWMutex
	blocks          map[overrideKey][]*Block
	accountBlocks   map[overrideKey][]*AccountBlock
	bypasses        map[overrideKey][]*ActionBypass
	accountBypasses []*AccountBypass
}

func NewOverrides() *Overrides {
	return &Overrides{
		blocks:        make(map[overrideKey][]*Block),
		accountBlocks: make(map[overrideKey][]*AccountBlock),
		bypasses:      make(map[overrideKey][]*ActionBypass),
	}
}

// RegisterBlock registers a hard deny for the action and entity type.
// Either key may be the wildcard.
func (o *Overrides) RegisterBlock(action, entityType string, pred Predicate) *Block {
	b := &Block{pred: pred}
	key := overrideKey{action, entityType}
	o.mu.Lock()
	o.blocks[key] = append(o.blocks[key], b)
	o.mu.Unlock()
	return b
}

// RegisterAccountBlock registers an account-keyed hard deny for the action
// and entity type.
func (o *Overrides) RegisterAccountBlock(action, entityType string, pred AccountPredicate) *AccountBlock {
	b := &AccountBlock{pred: pred}
	key := overrideKey{action, entityType}
	o.mu.Lock()
	o.accountBlocks[key] = append(o.accountBlocks[key], b)
	o.mu.Unlock()
	return b
}

// RegisterBypass registers an unconditional allow for the action and entity
// type.
func (o *Overrides) RegisterBypass(action, entityType string, pred Predicate) *ActionBypass {
	b := &ActionBypass{pred: pred}
	key := overrideKey{action, entityType}
	o.mu.Lock()
	o.bypasses[key] = append(o.bypasses[key], b)
	o.mu.Unlock()
	return b
}

// RegisterAccountBypass registers an unconditional allow for matching
// accounts, regardless of action or entity type.
func (o *Overrides) RegisterAccountBypass(pred AccountPredicate) *AccountBypass {
	b := &AccountBypass{pred: pred}
	o.mu.Lock()
	o.accountBypasses = append(o.accountBypasses, b)
	o.mu.Unlock()
	return b
}

func keysFor(req *Request) [4]overrideKey {
	return [4]overrideKey{
		{req.Action, req.EntityType},
		{Wildcard, req.EntityType},
		{req.Action, Wildcard},
		{Wildcard, Wildcard},
	}
}

// BlockMatches reports whether any block denies the request.
func (o *Overrides) BlockMatches(req *Request) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, key := range keysFor(req) {
		for _, b := range o.blocks[key] {
			if b.applies(req) {
				return true
			}
		}
		if req.Account != nil {
			for _, b := range o.accountBlocks[key] {
				if b.pred(req.Account) {
					return true
				}
			}
		}
	}
	return false
}

// BypassMatches reports whether any bypass allows the request outright.
func (o *Overrides) BypassMatches(req *Request) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, key := range keysFor(req) {
		for _, b := range o.bypasses[key] {
			if b.applies(req) {
				return true
			}
		}
	}
	if req.Account != nil {
		for _, b := range o.accountBypasses {
			if b.pred(req.Account) {
				return true
			}
		}
	}
	return false
}
