package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/metadata"
)

// Protector authorizes a call before the handler runs.
type Protector interface {
	Protect(res *metadata.Resource, action string) fiber.Handler
}

// Actions maps "<resource>.<action>" to a handler. A CRUD action name
// (list, retrieve, create, update, partial_update, destroy, model_columns)
// replaces the default handler; any other name implements a custom action
// declared by the resource.
type Actions map[string]fiber.Handler

var crudActions = map[string]bool{
	"list": true, "model_columns": true, "retrieve": true, "create": true,
	"update": true, "partial_update": true, "destroy": true,
}

// RegisterResourceRoutes mounts every registered resource under router.
// Deeper paths go first so "app/service" is not swallowed by "app/:id".
func RegisterResourceRoutes(router fiber.Router, h *Handler, p Protector, actions Actions) error {
	resources := h.registry.All()
	if err := checkActions(resources, actions); err != nil {
		return err
	}
	sort.SliceStable(resources, func(i, j int) bool {
		return strings.Count(resources[i].Path, "/") > strings.Count(resources[j].Path, "/")
	})

	for _, res := range resources {
		base := "/" + res.Path
		pick := func(action string, def fiber.Handler) fiber.Handler {
			if fn, ok := actions[res.Name+"."+action]; ok {
				return fn
			}
			return def
		}

		router.Get(base, p.Protect(res, "list"), pick("list", h.List(res)))
		router.Get(base+"/columns", p.Protect(res, "model_columns"), pick("model_columns", h.Columns(res)))
		for _, a := range res.Actions {
			router.Add(a.Method, base+"/"+a.Path, p.Protect(res, a.Name), actions[res.Name+"."+a.Name])
		}
		router.Get(base+"/:id", p.Protect(res, "retrieve"), pick("retrieve", h.Retrieve(res)))
		router.Post(base, p.Protect(res, "create"), pick("create", h.Create(res)))
		router.Put(base+"/:id", p.Protect(res, "update"), pick("update", h.Update(res, false)))
		router.Patch(base+"/:id", p.Protect(res, "partial_update"), pick("partial_update", h.Update(res, true)))
		router.Delete(base+"/:id", p.Protect(res, "destroy"), pick("destroy", h.Destroy(res)))
	}
	return nil
}

// checkActions makes sure every declared custom action has a handler and
// every handler targets something that exists.
func checkActions(resources []*metadata.Resource, actions Actions) error {
	byName := make(map[string]*metadata.Resource, len(resources))
	for _, res := range resources {
		byName[res.Name] = res
		for _, a := range res.Actions {
			if actions[res.Name+"."+a.Name] == nil {
				return fmt.Errorf("resource %s: no handler for action %s", res.Name, a.Name)
			}
		}
	}
	for key := range actions {
		name, action, ok := strings.Cut(key, ".")
		res := byName[name]
		if !ok || res == nil {
			return fmt.Errorf("action %s: unknown resource", key)
		}
		if !crudActions[action] && res.GetAction(action) == nil {
			return fmt.Errorf("action %s: resource %s declares no such action", key, name)
		}
	}
	return nil
}
