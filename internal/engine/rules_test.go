package engine

import (
	"testing"

	"devops-backend/internal/metadata"
)

func TestEvaluateValidation(t *testing.T) {
	v := metadata.Validation{Expression: "project == nil", Message: "project does not exist"}

	detail := EvaluateValidation(v, map[string]any{"project": nil})
	if detail == nil {
		t.Fatal("expected violation when project is nil")
	}
	if detail.Message != "project does not exist" {
		t.Fatalf("expected configured message, got %q", detail.Message)
	}

	if detail := EvaluateValidation(v, map[string]any{"project": map[string]any{"id": "p1"}}); detail != nil {
		t.Fatalf("expected pass, got %v", detail)
	}

	detail = EvaluateValidation(metadata.Validation{Expression: "record.total < 0"}, map[string]any{
		"record": map[string]any{"total": -1},
	})
	if detail == nil || detail.Message != "Expression rule violated" {
		t.Fatalf("expected default message, got %v", detail)
	}

	detail = EvaluateValidation(metadata.Validation{Expression: "record.("}, map[string]any{})
	if detail == nil || detail.Rule != "expression" {
		t.Fatalf("expected compile error to surface as a violation, got %v", detail)
	}
}

func TestEvaluateDerive(t *testing.T) {
	projectID := metadata.Derive{
		Field:      "projectid",
		Expression: `(parent?.name ?? product?.name ?? "default") + "." + record.name`,
	}
	tests := []struct {
		name string
		env  map[string]any
		want string
	}{
		{"from product", map[string]any{
			"parent": nil, "product": map[string]any{"name": "mall"}, "record": map[string]any{"name": "web"},
		}, "mall.web"},
		{"parent wins", map[string]any{
			"parent": map[string]any{"name": "web"}, "product": map[string]any{"name": "mall"}, "record": map[string]any{"name": "admin"},
		}, "web.admin"},
		{"fallback", map[string]any{
			"parent": nil, "product": nil, "record": map[string]any{"name": "misc"},
		}, "default.misc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateDerive(projectID, tt.env)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %v", tt.want, got)
			}
		})
	}

	uniq := metadata.Derive{Field: "uniq_tag", Expression: `app.appid + "." + lower(last(split(env.name, "_")))`}
	got, err := EvaluateDerive(uniq, map[string]any{
		"app": map[string]any{"appid": "mall.web.api"},
		"env": map[string]any{"name": "dev_QA"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "mall.web.api.qa" {
		t.Fatalf("expected mall.web.api.qa, got %v", got)
	}
}

func TestRuleEnv(t *testing.T) {
	old := map[string]any{"name": "web", "alias": "Web"}
	env := RuleEnv(map[string]any{"alias": "Shop"}, old, false, &metadata.UserContext{ID: "u1", Username: "alice"})

	record := env["record"].(map[string]any)
	if record["name"] != "web" || record["alias"] != "Shop" {
		t.Fatalf("expected new values overlaid on the stored record, got %v", record)
	}
	if env["action"] != "update" {
		t.Fatalf("expected action update, got %v", env["action"])
	}
	if env["user"].(map[string]any)["id"] != "u1" {
		t.Fatalf("expected caller id u1, got %v", env["user"])
	}

	env = RuleEnv(map[string]any{}, map[string]any{}, true, nil)
	if env["action"] != "create" {
		t.Fatalf("expected action create, got %v", env["action"])
	}
	if env["user"].(map[string]any)["id"] != nil {
		t.Fatalf("expected nil caller id without a user, got %v", env["user"])
	}
}

const planYAML = `
resources:
  - name: environments
    normalize_name: true
    fields:
      - {name: name, required: true, unique: true}
      - {name: alias, required: true}
  - name: clusters
    normalize_name: true
    fields:
      - {name: name, required: true}
      - {name: code, read_only: true}
      - {name: kind, enum: [k8s, docker]}
      - {name: nodes, type: int}
      - {name: enabled, type: bool}
      - {name: labels, type: json}
      - {name: environments, type: m2m, ref: environments, through: cluster_envs, source_key: cluster_id, target_key: environment_id}
`

func planResource(t *testing.T) *metadata.Resource {
	t.Helper()
	resources, err := metadata.Parse([]byte(planYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return resources[1]
}

func TestPlanWrite(t *testing.T) {
	res := planResource(t)

	plan, errs := PlanWrite(res, map[string]any{
		"id":           "ignored",
		"name":         "  prod cluster ",
		"code":         "client-set",
		"kind":         "k8s",
		"nodes":        float64(3),
		"enabled":      "true",
		"labels":       map[string]any{"team": "ops"},
		"environments": []any{"e1", map[string]any{"id": "e2"}, "e1"},
	}, "", false)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !plan.IsCreate {
		t.Fatal("expected create plan")
	}
	if plan.Fields["name"] != "prod-cluster" {
		t.Fatalf("expected normalized name, got %v", plan.Fields["name"])
	}
	if _, ok := plan.Fields["code"]; ok {
		t.Fatal("expected read-only field to be dropped")
	}
	if _, ok := plan.Fields["id"]; ok {
		t.Fatal("expected id to be ignored")
	}
	if plan.Fields["nodes"] != int64(3) || plan.Fields["enabled"] != true {
		t.Fatalf("expected coerced values, got nodes=%v enabled=%v", plan.Fields["nodes"], plan.Fields["enabled"])
	}
	if links := plan.Links["environments"]; len(links) != 2 || links[0] != "e1" || links[1] != "e2" {
		t.Fatalf("expected deduplicated links [e1 e2], got %v", links)
	}

	tests := []struct {
		name    string
		body    map[string]any
		partial bool
		rule    string
	}{
		{"unknown field", map[string]any{"name": "a", "colour": "red"}, false, "unknown"},
		{"missing required", map[string]any{"kind": "k8s"}, false, "required"},
		{"blank required", map[string]any{"name": "  "}, false, "required"},
		{"enum", map[string]any{"name": "a", "kind": "vm"}, false, "enum"},
		{"int type", map[string]any{"name": "a", "nodes": 1.5}, false, "type"},
		{"bool type", map[string]any{"name": "a", "enabled": "maybe"}, false, "type"},
		{"m2m type", map[string]any{"name": "a", "environments": "e1"}, false, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := PlanWrite(res, tt.body, "", tt.partial)
			if len(errs) != 1 {
				t.Fatalf("expected 1 error, got %v", errs)
			}
			if errs[0].Rule != tt.rule {
				t.Fatalf("expected rule %s, got %s", tt.rule, errs[0].Rule)
			}
		})
	}

	plan, errs = PlanWrite(res, map[string]any{"kind": "docker"}, "c1", true)
	if len(errs) > 0 {
		t.Fatalf("expected partial update without required fields to pass, got %v", errs)
	}
	if plan.IsCreate || plan.ID != "c1" {
		t.Fatalf("expected update plan for c1, got create=%v id=%s", plan.IsCreate, plan.ID)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"web":         "web",
		"  web api  ": "web-api",
		"a b c":       "a-b-c",
		"":            "",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Fatalf("NormalizeName(%q): expected %q, got %q", in, want, got)
		}
	}
}
