package rbac

import (
	"fmt"
	"sort"
)

// Code is an opaque permission code such as "user_edit". Codes are assigned
// by whoever declares the rule tables; the engine never invents one.
type Code string

// Rule maps a key to the permission code required to pass it.
type Rule struct {
	Key   Key
	Code  Code
	Label string
}

// NewRule parses rawKey and builds a rule.
func NewRule(rawKey string, code Code, label string) Rule {
	return Rule{Key: ParseKey(rawKey), Code: code, Label: label}
}

// Table is the ordered rule table of one protected resource. A nil *Table
// means the resource declared no table at all.
type Table struct {
	Rules []Rule
}

// NewTable builds a table from rules in declared order.
func NewTable(rules ...Rule) *Table {
	return &Table{Rules: rules}
}

// Validate reports entries that can never match. Problems are informational:
// such rules are simply skipped by the engine.
func (t *Table) Validate() []error {
	if t == nil {
		return nil
	}
	var errs []error
	for i, r := range t.Rules {
		if r.Key.Kind == KeyInvalid {
			errs = append(errs, fmt.Errorf("rule %d: unrecognized key %q", i, r.Key.Raw))
		}
		if r.Code == "" {
			errs = append(errs, fmt.Errorf("rule %d (%s): empty permission code", i, r.Key))
		}
	}
	return errs
}

// Codes returns the distinct codes referenced by the table, with the label of
// their first occurrence, sorted by code.
func (t *Table) Codes() []Rule {
	if t == nil {
		return nil
	}
	seen := make(map[Code]bool, len(t.Rules))
	var out []Rule
	for _, r := range t.Rules {
		if r.Code == "" || seen[r.Code] {
			continue
		}
		seen[r.Code] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
