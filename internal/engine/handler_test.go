package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/config"
	"devops-backend/internal/metadata"
	"devops-backend/internal/store"
)

type allowAll struct{}

func (allowAll) Protect(*metadata.Resource, string) fiber.Handler {
	return func(c *fiber.Ctx) error { return c.Next() }
}

func echoRoute(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"route": c.Route().Path})
}

func customActions() Actions {
	return Actions{
		"organizations.organization_users": echoRoute,
		"users.password_reset":             echoRoute,
		"users.detail_info":                echoRoute,
		"user_profile.info":                echoRoute,
		"user_profile.menus":               echoRoute,
	}
}

type fixture struct {
	t       *testing.T
	app     *fiber.App
	handler *Handler
	store   *store.Store
	adminID string
	changed []string
}

func newFixture(t *testing.T, overrides Actions) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	err = s.Bootstrap(ctx, store.BootstrapOptions{
		AdminUsername: "root", AdminPassword: "pw", AdminRole: "管理员", AdminCode: "admin", DefaultRole: "默认角色",
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	reg := metadata.NewRegistry()
	if err := metadata.LoadEmbedded(reg); err != nil {
		t.Fatalf("load catalogue: %v", err)
	}
	if err := store.NewMigrator(s).MigrateAll(ctx, reg.All()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ids, err := store.QueryStrings(ctx, s.DB, "SELECT id FROM _users WHERE username = 'root'")
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected bootstrapped admin, got %v (%v)", ids, err)
	}

	f := &fixture{t: t, store: s, adminID: ids[0]}
	f.handler = NewHandler(s, reg, 20)
	f.handler.OnGrantsChanged(func(res *metadata.Resource) {
		f.changed = append(f.changed, res.Name)
	})

	actions := customActions()
	for k, v := range overrides {
		actions[k] = v
	}
	f.app = fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	f.app.Use(func(c *fiber.Ctx) error {
		c.Locals("user", &metadata.UserContext{ID: f.adminID, Username: "root"})
		return c.Next()
	})
	if err := RegisterResourceRoutes(f.app.Group("/api"), f.handler, allowAll{}, actions); err != nil {
		t.Fatalf("register routes: %v", err)
	}
	return f
}

func (f *fixture) do(method, path string, body any) (int, map[string]any) {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, -1)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		f.t.Fatalf("%s %s: decode body: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// create posts body and returns the stored record, failing on anything but 201.
func (f *fixture) create(path string, body map[string]any) map[string]any {
	f.t.Helper()
	status, out := f.do("POST", path, body)
	if status != http.StatusCreated {
		f.t.Fatalf("POST %s: expected 201, got %d: %v", path, status, out)
	}
	return out["data"].(map[string]any)
}

func errorCode(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func total(out map[string]any) int {
	meta, _ := out["meta"].(map[string]any)
	n, _ := meta["total"].(float64)
	return int(n)
}

func TestCRUD(t *testing.T) {
	f := newFixture(t, nil)

	region := f.create("/api/regions", map[string]any{
		"name": " cn east ", "alias": "华东", "extra": map[string]any{"zone": "a"},
	})
	id := region["id"].(string)
	if region["name"] != "cn-east" {
		t.Fatalf("expected normalized name cn-east, got %v", region["name"])
	}
	if region["is_enable"] != float64(1) {
		t.Fatalf("expected default is_enable 1, got %v", region["is_enable"])
	}
	if extra, ok := region["extra"].(map[string]any); !ok || extra["zone"] != "a" {
		t.Fatalf("expected decoded json column, got %v", region["extra"])
	}

	status, out := f.do("POST", "/api/regions", map[string]any{"name": "cn east", "alias": "dup"})
	if status != 409 || errorCode(out) != "CONFLICT" {
		t.Fatalf("expected 409 CONFLICT, got %d %v", status, out)
	}

	status, out = f.do("POST", "/api/regions", map[string]any{"name": "cn-west"})
	if status != 422 || errorCode(out) != "VALIDATION_FAILED" {
		t.Fatalf("expected 422 for missing alias, got %d %v", status, out)
	}

	status, out = f.do("GET", "/api/regions/"+id, nil)
	if status != 200 || out["data"].(map[string]any)["alias"] != "华东" {
		t.Fatalf("expected retrieve to return the record, got %d %v", status, out)
	}

	status, out = f.do("PATCH", "/api/regions/"+id, map[string]any{"alias": "East"})
	if status != 200 {
		t.Fatalf("expected 200 on patch, got %d %v", status, out)
	}
	data := out["data"].(map[string]any)
	if data["alias"] != "East" || data["name"] != "cn-east" {
		t.Fatalf("expected alias updated and name kept, got %v", data)
	}

	status, out = f.do("PUT", "/api/regions/"+id, map[string]any{"alias": "E"})
	if status != 422 {
		t.Fatalf("expected full update without name to fail, got %d %v", status, out)
	}

	status, out = f.do("PATCH", "/api/regions/missing", map[string]any{"alias": "E"})
	if status != 404 || errorCode(out) != "NOT_FOUND" {
		t.Fatalf("expected 404 on update of missing row, got %d %v", status, out)
	}

	status, _ = f.do("DELETE", "/api/regions/"+id, nil)
	if status != 200 {
		t.Fatalf("expected 200 on delete, got %d", status)
	}
	status, out = f.do("GET", "/api/regions/"+id, nil)
	if status != 404 || errorCode(out) != "NOT_FOUND" {
		t.Fatalf("expected 404 after delete, got %d %v", status, out)
	}
	status, _ = f.do("DELETE", "/api/regions/"+id, nil)
	if status != 404 {
		t.Fatalf("expected 404 deleting twice, got %d", status)
	}
}

func TestListQuery(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		f.create("/api/environments", map[string]any{"name": name, "alias": name, "ticket_on": 1})
	}

	tests := []struct {
		name  string
		query string
		rows  int
		total int
		first string
	}{
		{"first page", "?page_size=2&sort=name", 2, 3, "alpha"},
		{"second page", "?page=2&page_size=2&sort=name", 1, 3, "gamma"},
		{"descending", "?sort=-name", 3, 3, "gamma"},
		{"ordering alias", "?ordering=-name", 3, 3, "gamma"},
		{"eq filter", "?filter[name]=beta", 1, 1, "beta"},
		{"in filter", "?filter[name.in]=alpha,gamma&sort=name", 2, 2, "alpha"},
		{"neq filter", "?filter[name.neq]=alpha&sort=name", 2, 2, "beta"},
		{"int filter", "?filter[ticket_on]=1", 3, 3, ""},
		{"search", "?search=amm", 1, 1, "gamma"},
		{"get all", "?get_all=1&page_size=1&sort=name", 3, 3, "alpha"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := f.do("GET", "/api/environments"+tt.query, nil)
			if status != 200 {
				t.Fatalf("expected 200, got %d %v", status, out)
			}
			rows := out["data"].([]any)
			if len(rows) != tt.rows {
				t.Fatalf("expected %d rows, got %d", tt.rows, len(rows))
			}
			if total(out) != tt.total {
				t.Fatalf("expected total %d, got %d", tt.total, total(out))
			}
			if tt.first != "" && rows[0].(map[string]any)["name"] != tt.first {
				t.Fatalf("expected first row %s, got %v", tt.first, rows[0])
			}
		})
	}

	errs := []struct {
		query string
		code  string
	}{
		{"?filter[colour]=red", "UNKNOWN_FIELD"},
		{"?filter[name.regex]=a", "UNKNOWN_OPERATOR"},
		{"?filter[ticket_on]=yes", "INVALID_PAYLOAD"},
		{"?sort=colour", "UNKNOWN_FIELD"},
	}
	for _, tt := range errs {
		status, out := f.do("GET", "/api/environments"+tt.query, nil)
		if status != 400 || errorCode(out) != tt.code {
			t.Fatalf("%s: expected 400 %s, got %d %v", tt.query, tt.code, status, out)
		}
	}
}

func TestTreeListNestsChildren(t *testing.T) {
	f := newFixture(t, nil)
	system := f.create("/api/menus", map[string]any{"name": "system", "sort": 2})
	f.create("/api/menus", map[string]any{"name": "users", "sort": 1, "parent_id": system["id"]})
	f.create("/api/menus", map[string]any{"name": "apps", "sort": 1})

	status, out := f.do("GET", "/api/menus", nil)
	if status != 200 {
		t.Fatalf("expected 200, got %d %v", status, out)
	}
	if total(out) != 2 {
		t.Fatalf("expected 2 roots, got %d", total(out))
	}
	rows := out["data"].([]any)
	first, second := rows[0].(map[string]any), rows[1].(map[string]any)
	if first["name"] != "apps" || second["name"] != "system" {
		t.Fatalf("expected roots ordered by sort, got %v and %v", first["name"], second["name"])
	}
	children := second["children"].([]any)
	if len(children) != 1 || children[0].(map[string]any)["name"] != "users" {
		t.Fatalf("expected users nested under system, got %v", children)
	}
	if first["hidden"] != false {
		t.Fatalf("expected bool column decoded, got %v", first["hidden"])
	}

	_, out = f.do("GET", "/api/menus?search=users", nil)
	if total(out) != 1 {
		t.Fatalf("expected search to match across levels, got %d", total(out))
	}
	_, out = f.do("GET", "/api/menus?filter[parent_id]="+system["id"].(string), nil)
	if total(out) != 1 {
		t.Fatalf("expected parent filter to list children, got %d", total(out))
	}

	status, _ = f.do("DELETE", "/api/menus/"+system["id"].(string), nil)
	if status != 200 {
		t.Fatalf("expected parent delete to succeed, got %d", status)
	}
	_, out = f.do("GET", "/api/menus", nil)
	if total(out) != 2 {
		t.Fatalf("expected orphaned child to become a root, got %d", total(out))
	}
}

func TestDeleteProtectedByReference(t *testing.T) {
	f := newFixture(t, nil)
	region := f.create("/api/regions", map[string]any{"name": "north", "alias": "N"})
	f.create("/api/asset/idc", map[string]any{"name": "bj1", "alias": "BJ1", "region_id": region["id"]})

	status, out := f.do("DELETE", "/api/regions/"+region["id"].(string), nil)
	if status != 409 || errorCode(out) != "PROTECTED" {
		t.Fatalf("expected 409 PROTECTED, got %d %v", status, out)
	}

	status, out = f.do("POST", "/api/asset/idc", map[string]any{"name": "sh1", "alias": "SH1", "region_id": "missing"})
	if status != 422 {
		t.Fatalf("expected dangling ref to fail validation, got %d %v", status, out)
	}
}

func TestDerivedIdentifiers(t *testing.T) {
	f := newFixture(t, nil)

	product := f.create("/api/products", map[string]any{"name": "mall", "alias": "商城"})
	if product["creator_id"] != f.adminID {
		t.Fatalf("expected creator to be the caller, got %v", product["creator_id"])
	}

	web := f.create("/api/projects", map[string]any{"name": "web", "alias": "W", "product_id": product["id"]})
	if web["projectid"] != "mall.web" {
		t.Fatalf("expected projectid mall.web, got %v", web["projectid"])
	}
	sub := f.create("/api/projects", map[string]any{
		"name": "admin", "alias": "A", "product_id": product["id"], "parent_id": web["id"],
	})
	if sub["projectid"] != "web.admin" {
		t.Fatalf("expected parent name to win, got %v", sub["projectid"])
	}
	loose := f.create("/api/projects", map[string]any{"name": "misc", "alias": "M"})
	if loose["projectid"] != "default.misc" {
		t.Fatalf("expected default prefix, got %v", loose["projectid"])
	}

	status, out := f.do("PATCH", "/api/projects/"+web["id"].(string), map[string]any{"alias": "Web", "projectid": "forged"})
	if status != 200 || out["data"].(map[string]any)["projectid"] != "mall.web" {
		t.Fatalf("expected projectid to survive an update, got %d %v", status, out)
	}

	app := f.create("/api/app", map[string]any{"name": "api", "alias": "API", "project_id": web["id"]})
	if app["appid"] != "mall.web.api" {
		t.Fatalf("expected appid mall.web.api, got %v", app["appid"])
	}
	canEdit, ok := app["can_edit"].([]any)
	if !ok || len(canEdit) != 1 || canEdit[0] != f.adminID {
		t.Fatalf("expected creator in can_edit, got %v", app["can_edit"])
	}
	if app["is_k8s"] != "k8s" || app["language"] != "java" {
		t.Fatalf("expected column defaults, got is_k8s=%v language=%v", app["is_k8s"], app["language"])
	}

	status, out = f.do("POST", "/api/app", map[string]any{"name": "orphan", "alias": "O", "project_id": "missing"})
	if status != 422 {
		t.Fatalf("expected 422 for unknown project, got %d %v", status, out)
	}
	details := out["error"].(map[string]any)["details"].([]any)
	if details[0].(map[string]any)["message"] != "project does not exist" {
		t.Fatalf("expected rule message, got %v", details)
	}

	status, out = f.do("POST", "/api/app", map[string]any{"name": "stray", "alias": "S", "project_id": loose["id"]})
	if status != 422 {
		t.Fatalf("expected 422 for project without product, got %d %v", status, out)
	}

	status, out = f.do("PATCH", "/api/app/"+app["id"].(string), map[string]any{"alias": "Api"})
	if status != 200 {
		t.Fatalf("expected 200, got %d %v", status, out)
	}
	if edited := out["data"].(map[string]any)["can_edit"].([]any); len(edited) != 1 {
		t.Fatalf("expected can_edit untouched on update, got %v", edited)
	}

	env := f.create("/api/environments", map[string]any{"name": "dev_QA", "alias": "QA"})
	svc := f.create("/api/app/service", map[string]any{"app_id": app["id"], "environment_id": env["id"], "branch": "main"})
	if svc["uniq_tag"] != "mall.web.api.qa" {
		t.Fatalf("expected uniq_tag mall.web.api.qa, got %v", svc["uniq_tag"])
	}
	bare := f.create("/api/app/service", map[string]any{"app_id": app["id"], "branch": "dev"})
	if bare["uniq_tag"] != "default" {
		t.Fatalf("expected default uniq_tag, got %v", bare["uniq_tag"])
	}

	status, out = f.do("POST", "/api/app/service", map[string]any{"app_id": app["id"], "environment_id": env["id"]})
	if status != 409 {
		t.Fatalf("expected duplicate uniq_tag to conflict, got %d %v", status, out)
	}
}

func TestManyToManyLinks(t *testing.T) {
	f := newFixture(t, nil)

	perm := f.create("/api/permissions", map[string]any{"name": "查看菜单", "method": "menu_list"})
	menu := f.create("/api/menus", map[string]any{"name": "dashboard"})
	role := f.create("/api/roles", map[string]any{
		"name": "ops", "permissions": []any{perm["id"]}, "menus": []any{map[string]any{"id": menu["id"]}},
	})
	perms := role["permissions"].([]any)
	if len(perms) != 1 || perms[0] != perm["id"] {
		t.Fatalf("expected linked permission, got %v", perms)
	}
	if menus := role["menus"].([]any); len(menus) != 1 {
		t.Fatalf("expected linked menu, got %v", menus)
	}

	status, out := f.do("PATCH", "/api/roles/"+role["id"].(string), map[string]any{"permissions": []any{}})
	if status != 200 {
		t.Fatalf("expected 200, got %d %v", status, out)
	}
	data := out["data"].(map[string]any)
	if len(data["permissions"].([]any)) != 0 || len(data["menus"].([]any)) != 1 {
		t.Fatalf("expected permissions cleared and menus kept, got %v", data)
	}

	status, out = f.do("POST", "/api/roles", map[string]any{"name": "ghost", "permissions": []any{"missing"}})
	if status != 422 {
		t.Fatalf("expected unknown link target to fail validation, got %d %v", status, out)
	}

	want := []string{"permissions", "roles", "roles"}
	if len(f.changed) != len(want) {
		t.Fatalf("expected grant change hooks %v, got %v", want, f.changed)
	}
	for i := range want {
		if f.changed[i] != want[i] {
			t.Fatalf("expected grant change hooks %v, got %v", want, f.changed)
		}
	}
}

func TestColumns(t *testing.T) {
	f := newFixture(t, nil)
	status, out := f.do("GET", "/api/regions/columns", nil)
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	cols := out["data"].([]any)
	if cols[0].(map[string]any)["dataIndex"] != "id" {
		t.Fatalf("expected id column first, got %v", cols[0])
	}
	name := cols[1].(map[string]any)
	if name["id"] != "name" || name["title"] != "名称" || name["required"] != true {
		t.Fatalf("expected name column, got %v", name)
	}
}

func TestRoutes(t *testing.T) {
	f := newFixture(t, Actions{
		"regions.destroy": func(c *fiber.Ctx) error {
			return c.Status(http.StatusTeapot).JSON(fiber.Map{"id": c.Params("id")})
		},
	})

	status, out := f.do("GET", "/api/app/service", nil)
	if status != 200 || out["meta"] == nil {
		t.Fatalf("expected app/service list, got %d %v", status, out)
	}

	tests := []struct {
		method, path, route string
	}{
		{"GET", "/api/users/detail", "/api/users/detail"},
		{"POST", "/api/users/password/reset", "/api/users/password/reset"},
		{"GET", "/api/organizations/users", "/api/organizations/users"},
		{"GET", "/api/user/profile/info", "/api/user/profile/info"},
		{"GET", "/api/user/profile/menus", "/api/user/profile/menus"},
	}
	for _, tt := range tests {
		status, out := f.do(tt.method, tt.path, nil)
		if status != 200 || out["route"] != tt.route {
			t.Fatalf("%s %s: expected custom action, got %d %v", tt.method, tt.path, status, out)
		}
	}

	status, out = f.do("DELETE", "/api/regions/r1", nil)
	if status != http.StatusTeapot || out["id"] != "r1" {
		t.Fatalf("expected override to replace destroy, got %d %v", status, out)
	}
}

func TestRegisterResourceRoutesChecksActions(t *testing.T) {
	f := newFixture(t, nil)

	missing := customActions()
	delete(missing, "users.detail_info")

	unknownAction := customActions()
	unknownAction["users.fly"] = echoRoute

	unknownResource := customActions()
	unknownResource["ghosts.list"] = echoRoute

	malformed := customActions()
	malformed["users"] = echoRoute

	for name, actions := range map[string]Actions{
		"missing handler":  missing,
		"unknown action":   unknownAction,
		"unknown resource": unknownResource,
		"malformed key":    malformed,
	} {
		if err := RegisterResourceRoutes(fiber.New(), f.handler, allowAll{}, actions); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}
