package rbac

import "strings"

// Reason names the clause that settled a decision.
type Reason int

const (
	// ReasonNoMatch means the table was scanned and no rule applied.
	ReasonNoMatch Reason = iota

	// ReasonNoPermissions means the principal holds neither the admin role
	// nor any permission code, so the table was not consulted.
	ReasonNoPermissions

	// ReasonNoTable means the resource declares no rule table.
	ReasonNoTable

	// ReasonSuperuser means the superuser flag bypassed the table.
	ReasonSuperuser

	// ReasonAdminWildcard means an admin-role principal hit the
	// {"*": admin} rule.
	ReasonAdminWildcard

	// ReasonModuleWildcard means the principal holds the code of a "*" rule.
	ReasonModuleWildcard

	// ReasonCustomAction means a "{verb}_{action}" or "*_{action}" rule matched.
	ReasonCustomAction

	// ReasonVerb means a plain verb rule matched.
	ReasonVerb
)

var reasonNames = map[Reason]string{
	ReasonNoMatch:        "no matching rule",
	ReasonNoPermissions:  "no permissions",
	ReasonNoTable:        "no rule table",
	ReasonSuperuser:      "superuser",
	ReasonAdminWildcard:  "admin wildcard",
	ReasonModuleWildcard: "module wildcard",
	ReasonCustomAction:   "custom action",
	ReasonVerb:           "verb",
}

// String returns a human-readable reason.
func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "unknown"
}

// Request is the call being authorized.
type Request struct {
	Verb   string
	Action string
	Path   string
}

func (r Request) normalized() Request {
	r.Verb = strings.ToLower(strings.TrimSpace(r.Verb))
	return r
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Rule    *Rule // the rule that allowed the call, if any
}

// Code returns the permission code of the allowing rule, or "".
func (d Decision) Code() Code {
	if d.Rule == nil {
		return ""
	}
	return d.Rule.Code
}

// String returns "allow (<reason>)" or "deny (<reason>)".
func (d Decision) String() string {
	if d.Allowed {
		return "allow (" + d.Reason.String() + ")"
	}
	return "deny (" + d.Reason.String() + ")"
}
