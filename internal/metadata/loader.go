package metadata

import (
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"devops-backend/internal/rbac"
)

//go:embed resources.yaml
var embeddedResources []byte

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type catalogue struct {
	Resources []*Resource `yaml:"resources"`
}

// LoadEmbedded parses the built-in resource catalogue into reg.
func LoadEmbedded(reg *Registry) error {
	resources, err := Parse(embeddedResources)
	if err != nil {
		return fmt.Errorf("load resource catalogue: %w", err)
	}
	reg.Load(resources)

	rules := 0
	for _, res := range resources {
		if res.Perms != nil {
			rules += len(res.Perms.Rules)
		}
	}
	slog.Info("loaded resource catalogue", "resources", len(resources), "rules", rules)
	return nil
}

// Parse decodes a YAML catalogue, fills defaults, and builds each resource's
// rule table. Structural problems are errors; rule entries that can never
// match are only logged.
func Parse(data []byte) ([]*Resource, error) {
	var cat catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	seen := make(map[string]bool, len(cat.Resources))
	for i, res := range cat.Resources {
		if res == nil || res.Name == "" {
			return nil, fmt.Errorf("resource %d: name is required", i)
		}
		if seen[res.Name] {
			return nil, fmt.Errorf("resource %s: declared twice", res.Name)
		}
		seen[res.Name] = true

		applyDefaults(res)
		if err := validateResource(res, seen); err != nil {
			return nil, err
		}
		res.Perms = buildTable(res)
	}
	return cat.Resources, nil
}

func applyDefaults(res *Resource) {
	if res.Path == "" {
		res.Path = res.Name
	}
	res.Path = strings.Trim(res.Path, "/")
	if res.Table == "" {
		res.Table = res.Name
	}
	if res.Label == "" {
		res.Label = res.Name
	}
	for i := range res.Fields {
		f := &res.Fields[i]
		if f.Type == "" {
			f.Type = TypeString
		}
		if f.Label == "" {
			f.Label = f.Name
		}
	}
	if res.Tree && res.GetField("parent_id") == nil {
		res.Fields = append(res.Fields, Field{
			Name:     "parent_id",
			Label:    "parent",
			Type:     TypeRef,
			Ref:      res.Name,
			OnDelete: OnDeleteSetNull,
		})
	}
	for i := range res.Actions {
		a := &res.Actions[i]
		a.Method = strings.ToUpper(a.Method)
		if a.Method == "" {
			a.Method = "GET"
		}
		a.Path = strings.Trim(a.Path, "/")
		if a.Path == "" {
			a.Path = a.Name
		}
	}
}

// validateResource checks identifiers and references. declared holds the
// resources seen so far, so refs must point backwards (or to the resource
// itself) in declaration order.
func validateResource(res *Resource, declared map[string]bool) error {
	if !identRe.MatchString(res.Name) {
		return fmt.Errorf("resource %s: invalid name", res.Name)
	}
	if !identRe.MatchString(res.Table) {
		return fmt.Errorf("resource %s: invalid table %q", res.Name, res.Table)
	}

	names := make(map[string]bool, len(res.Fields))
	for _, f := range res.Fields {
		if !identRe.MatchString(f.Name) {
			return fmt.Errorf("resource %s: invalid field name %q", res.Name, f.Name)
		}
		if names[f.Name] {
			return fmt.Errorf("resource %s: duplicate field %s", res.Name, f.Name)
		}
		names[f.Name] = true

		switch f.Type {
		case TypeString, TypeText, TypeInt, TypeBool, TypeJSON:
		case TypeRef:
			if f.Ref == "" || !declared[f.Ref] {
				return fmt.Errorf("resource %s: field %s references unknown resource %q", res.Name, f.Name, f.Ref)
			}
			switch f.DeleteRule() {
			case OnDeleteProtect, OnDeleteSetNull, OnDeleteCascade:
			default:
				return fmt.Errorf("resource %s: field %s has invalid on_delete %q", res.Name, f.Name, f.OnDelete)
			}
		case TypeM2M:
			if f.Ref == "" || !declared[f.Ref] {
				return fmt.Errorf("resource %s: field %s references unknown resource %q", res.Name, f.Name, f.Ref)
			}
			for _, ident := range []string{f.Through, f.SourceKey, f.TargetKey} {
				if !identRe.MatchString(ident) {
					return fmt.Errorf("resource %s: m2m field %s needs through, source_key and target_key", res.Name, f.Name)
				}
			}
		default:
			return fmt.Errorf("resource %s: field %s has unknown type %q", res.Name, f.Name, f.Type)
		}
	}

	for _, s := range res.Search {
		if !res.HasColumn(s) {
			return fmt.Errorf("resource %s: search field %s is not a column", res.Name, s)
		}
	}
	for _, o := range res.Ordering {
		if !res.HasColumn(strings.TrimPrefix(o, "-")) {
			return fmt.Errorf("resource %s: ordering field %s is not a column", res.Name, o)
		}
	}
	for _, l := range res.Load {
		if !identRe.MatchString(l.As) || l.From == "" || !declared[l.Resource] {
			return fmt.Errorf("resource %s: invalid load %q", res.Name, l.As)
		}
	}
	for _, d := range res.Derive {
		if !res.HasColumn(d.Field) || d.Expression == "" {
			return fmt.Errorf("resource %s: invalid derive for %q", res.Name, d.Field)
		}
	}
	for _, v := range res.Validate {
		if v.Expression == "" {
			return fmt.Errorf("resource %s: validation without expression", res.Name)
		}
	}
	for _, a := range res.Actions {
		if !identRe.MatchString(a.Name) {
			return fmt.Errorf("resource %s: invalid action name %q", res.Name, a.Name)
		}
	}
	return nil
}

// buildTable turns the declared perms into a rule table, preserving order.
// A resource with no perms entry gets a nil table and is denied to everyone
// except superusers.
func buildTable(res *Resource) *rbac.Table {
	if res.RawPerms == nil {
		return nil
	}
	rules := make([]rbac.Rule, 0, len(res.RawPerms))
	for _, p := range res.RawPerms {
		rules = append(rules, rbac.NewRule(p.Key, rbac.Code(p.Code), p.Label))
	}
	table := rbac.NewTable(rules...)
	for _, err := range table.Validate() {
		slog.Warn("rule will never match", "resource", res.Name, "error", err)
	}
	return table
}
