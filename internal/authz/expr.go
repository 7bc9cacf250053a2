package authz

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"lattice-backend/internal/metadata"
)

// Expression-backed override predicates. Operators declare block and bypass
// conditions as small expressions over the request instead of compiled-in
// Go functions, e.g. `!account.active` for a suspension block or
// `record.owner_id == account.id` for an except clause.

// ExprPredicate compiles an expression into a request predicate. The
// expression sees `account`, `entity`, `action` and `record`.
func ExprPredicate(expression string) (Predicate, error) {
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile override expression %q: %w", expression, err)
	}
	return func(req *Request) bool {
		env := map[string]any{
			"account": accountEnv(req.Account),
			"entity":  req.EntityType,
			"action":  req.Action,
			"record":  recordEnv(req.Record),
		}
		return runBool(prog, env)
	}, nil
}

// ExprAccountPredicate compiles an expression into an account predicate.
// The expression sees only `account`.
func ExprAccountPredicate(expression string) (AccountPredicate, error) {
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile account expression %q: %w", expression, err)
	}
	return func(account *metadata.AccountContext) bool {
		env := map[string]any{"account": accountEnv(account)}
		return runBool(prog, env)
	}, nil
}

func runBool(prog *vm.Program, env map[string]any) bool {
	result, err := expr.Run(prog, env)
	if err != nil {
		return false
	}
	b, _ := result.(bool)
	return b
}

func accountEnv(a *metadata.AccountContext) map[string]any {
	if a == nil {
		return map[string]any{"id": "", "roles": []string{}, "active": false, "admin": false}
	}
	return map[string]any{
		"id":     a.ID,
		"roles":  a.Roles,
		"active": a.Active,
		"admin":  a.IsAdmin(),
	}
}

func recordEnv(rec *Record) map[string]any {
	if rec == nil {
		return map[string]any{}
	}
	return rec.Fields
}
