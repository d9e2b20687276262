package metadata

import (
	"strings"
	"testing"

	"devops-backend/internal/rbac"
)

func TestEmbeddedCatalogueParses(t *testing.T) {
	resources, err := Parse(embeddedResources)
	if err != nil {
		t.Fatalf("parse embedded catalogue: %v", err)
	}
	want := []string{
		"menus", "permissions", "roles", "organizations", "users", "user_profile",
		"regions", "idcs", "products", "projects", "environments", "kubernetes",
		"microapps", "appinfo",
	}
	if len(resources) != len(want) {
		t.Fatalf("expected %d resources, got %d", len(want), len(resources))
	}
	for i, name := range want {
		if resources[i].Name != name {
			t.Fatalf("resource %d: expected %s, got %s", i, name, resources[i].Name)
		}
		if resources[i].Perms == nil {
			t.Fatalf("resource %s: expected a rule table", name)
		}
		if errs := resources[i].Perms.Validate(); len(errs) != 0 {
			t.Fatalf("resource %s: unexpected rule problems %v", name, errs)
		}
	}
}

func TestEmbeddedRuleTables(t *testing.T) {
	reg := NewRegistry()
	if err := LoadEmbedded(reg); err != nil {
		t.Fatalf("load: %v", err)
	}

	users := reg.Get("users").Perms
	if len(users.Rules) != 7 {
		t.Fatalf("expected 7 user rules, got %d", len(users.Rules))
	}
	first := users.Rules[0]
	if first.Key.Kind != rbac.KeyWildcard || first.Code != "admin" {
		t.Fatalf("expected admin wildcard first, got %s -> %s", first.Key, first.Code)
	}

	// idcs never declared a patch rule
	idcs := reg.Get("idcs").Perms
	for _, r := range idcs.Rules {
		if r.Key.Kind == rbac.KeyVerb && r.Key.Verb == "patch" {
			t.Fatal("expected idcs to have no patch rule")
		}
	}
	g := rbac.NewGrants([]string{"itasset_edit"}, false, false)
	if rbac.Authorize(idcs, rbac.Request{Verb: "PATCH", Action: "partial_update"}, g) {
		t.Fatal("expected itasset_edit to be denied patch")
	}
	if !rbac.Authorize(idcs, rbac.Request{Verb: "PUT", Action: "update"}, g) {
		t.Fatal("expected itasset_edit to be allowed put")
	}

	perms := reg.Get("permissions").Perms
	if len(perms.Rules) != 3 {
		t.Fatalf("expected 3 permission rules, got %d", len(perms.Rules))
	}

	if len(reg.Tables()) != len(reg.All()) {
		t.Fatalf("expected one table per resource")
	}
}

func TestParseDefaults(t *testing.T) {
	resources, err := Parse([]byte(`
resources:
  - name: widgets
    tree: true
    fields:
      - {name: name}
    actions:
      - {name: export}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res := resources[0]
	if res.Path != "widgets" || res.Table != "widgets" {
		t.Fatalf("expected path and table to default to name, got %s/%s", res.Path, res.Table)
	}
	if res.GetField("name").Type != TypeString {
		t.Fatalf("expected default type string, got %s", res.GetField("name").Type)
	}
	parent := res.GetField("parent_id")
	if parent == nil || parent.Ref != "widgets" || parent.DeleteRule() != OnDeleteSetNull {
		t.Fatalf("expected implicit parent_id ref, got %+v", parent)
	}
	a := res.GetAction("export")
	if a.Method != "GET" || a.Path != "export" {
		t.Fatalf("expected GET export, got %s %s", a.Method, a.Path)
	}
	if res.Perms != nil {
		t.Fatal("expected nil table when perms are absent")
	}
	cols := res.Columns()
	if cols[0] != "id" || cols[len(cols)-1] != "updated_at" {
		t.Fatalf("unexpected columns %v", cols)
	}
}

func TestParseKeepsMalformedRules(t *testing.T) {
	resources, err := Parse([]byte(`
resources:
  - name: widgets
    perms:
      - {key: "*", code: admin}
      - {key: fetch, code: widget_list}
      - {key: get, code: ""}
`))
	if err != nil {
		t.Fatalf("expected malformed rules to load, got %v", err)
	}
	table := resources[0].Perms
	if len(table.Rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(table.Rules))
	}
	if table.Rules[1].Key.Kind != rbac.KeyInvalid {
		t.Fatalf("expected invalid key, got %v", table.Rules[1].Key.Kind)
	}
}

func TestParseRejectsBrokenStructure(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "resources:\n  - label: x\n", "name is required"},
		{"duplicate", "resources:\n  - name: a\n  - name: a\n", "declared twice"},
		{"bad field", "resources:\n  - name: a\n    fields:\n      - {name: Bad-Name}\n", "invalid field name"},
		{"unknown type", "resources:\n  - name: a\n    fields:\n      - {name: x, type: blob}\n", "unknown type"},
		{"forward ref", "resources:\n  - name: a\n    fields:\n      - {name: b_id, type: ref, ref: b}\n  - name: b\n", "unknown resource"},
		{"m2m without through", "resources:\n  - name: a\n    fields:\n      - {name: xs, type: m2m, ref: a}\n", "needs through"},
		{"search not column", "resources:\n  - name: a\n    search: [nope]\n", "search field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestOptionalChainLoadKeepsExpression(t *testing.T) {
	resources, err := Parse(embeddedResources)
	if err != nil {
		t.Fatalf("parse embedded catalogue: %v", err)
	}
	for _, r := range resources {
		if r.Name != "microapps" {
			continue
		}
		for _, l := range r.Load {
			if l.As == "product" {
				if l.From != "project?.product_id" {
					t.Fatalf("expected from project?.product_id, got %q", l.From)
				}
				return
			}
		}
		t.Fatal("microapps: product load missing")
	}
	t.Fatal("microapps resource missing")
}
