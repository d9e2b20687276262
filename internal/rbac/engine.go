// Package rbac decides whether a principal may invoke an operation on a
// resource, given the resource's rule table and the principal's grants.
//
// Precedence, first satisfied clause wins:
//
//  1. superuser: allow
//  2. no admin role and no permission codes: deny without scanning
//  3. no rule table: deny
//  4. scan rules in order; a rule allows when it is
//     - {"*": adminCode} and the principal holds the admin role
//     - {"*": code} and code is granted
//     - {"{verb}_{action}" or "*_{action}": code}, the action matches and code is granted
//     - {"{verb}": code}, the verb matches and code is granted
//  5. otherwise deny
//
// Path whitelisting happens before the engine is consulted and is not part
// of this package.
package rbac

// DefaultAdminCode is the permission code paired with the admin-role bypass rule.
const DefaultAdminCode Code = "admin"

// Options configures an Engine.
type Options struct {
	AdminCode Code
}

// Engine evaluates rule tables. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	adminCode Code
}

// Default is an Engine using DefaultAdminCode.
var Default = New(Options{})

// New creates an Engine.
func New(opts Options) *Engine {
	code := opts.AdminCode
	if code == "" {
		code = DefaultAdminCode
	}
	return &Engine{adminCode: code}
}

// AdminCode returns the admin sentinel code.
func (e *Engine) AdminCode() Code {
	return e.adminCode
}

// Authorize reports whether req is allowed.
func (e *Engine) Authorize(table *Table, req Request, g Grants) bool {
	return e.Decide(table, req, g).Allowed
}

// Decide evaluates req against table for a principal holding g.
func (e *Engine) Decide(table *Table, req Request, g Grants) Decision {
	if g.Superuser {
		return Decision{Allowed: true, Reason: ReasonSuperuser}
	}
	if !g.Admin && g.Empty() {
		return Decision{Reason: ReasonNoPermissions}
	}
	if table == nil {
		return Decision{Reason: ReasonNoTable}
	}

	req = req.normalized()
	for i := range table.Rules {
		r := table.Rules[i]
		if reason, ok := e.match(r, req, g); ok {
			return Decision{Allowed: true, Reason: reason, Rule: &r}
		}
	}
	return Decision{Reason: ReasonNoMatch}
}

func (e *Engine) match(r Rule, req Request, g Grants) (Reason, bool) {
	if r.Key.Kind == KeyWildcard {
		if g.Admin && r.Code == e.adminCode {
			return ReasonAdminWildcard, true
		}
		if g.Has(r.Code) {
			return ReasonModuleWildcard, true
		}
		return 0, false
	}
	if !g.Has(r.Code) {
		return 0, false
	}
	if r.Key.matchesCustom(req.Verb, req.Action) {
		return ReasonCustomAction, true
	}
	if r.Key.matchesVerb(req.Verb) {
		return ReasonVerb, true
	}
	return 0, false
}

// Authorize evaluates req with the Default engine.
func Authorize(table *Table, req Request, g Grants) bool {
	return Default.Authorize(table, req, g)
}

// Decide evaluates req with the Default engine.
func Decide(table *Table, req Request, g Grants) Decision {
	return Default.Decide(table, req, g)
}
