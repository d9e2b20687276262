// Package guard runs the authorization decision for every protected route.
package guard

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"devops-backend/internal/audit"
	"devops-backend/internal/engine"
	"devops-backend/internal/metadata"
	"devops-backend/internal/principal"
	"devops-backend/internal/rbac"
)

const grantsKey = "grants"

// Options configures a Guard. Nil fields fall back to safe defaults: the
// default engine, no whitelist, no audit, slog.Default.
type Options struct {
	Engine    *rbac.Engine
	Resolver  principal.Resolver
	Whitelist *Whitelist
	Recorder  audit.Recorder
	Logger    *slog.Logger
}

// Guard ties the resolver, the decision engine and the audit log together.
type Guard struct {
	engine    *rbac.Engine
	resolver  principal.Resolver
	whitelist *Whitelist
	recorder  audit.Recorder
	logger    *slog.Logger
}

// New creates a Guard.
func New(opts Options) *Guard {
	g := &Guard{
		engine:    opts.Engine,
		resolver:  opts.Resolver,
		whitelist: opts.Whitelist,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
	}
	if g.engine == nil {
		g.engine = rbac.Default
	}
	if g.recorder == nil {
		g.recorder = audit.Discard
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Engine returns the decision engine in use.
func (g *Guard) Engine() *rbac.Engine {
	return g.engine
}

// Whitelisted reports whether the request path is public.
func (g *Guard) Whitelisted(c *fiber.Ctx) bool {
	return g.whitelist.Match(c.Path())
}

// Protect returns a handler that authorizes action on res for the current
// principal before passing control on.
func (g *Guard) Protect(res *metadata.Resource, action string) fiber.Handler {
	var table *rbac.Table
	name := ""
	if res != nil {
		table = res.Perms
		name = res.Name
	}
	if table == nil {
		g.logger.Warn("resource has no rule table, every call will be denied", "resource", name, "action", action)
	}

	return func(c *fiber.Ctx) error {
		if g.Whitelisted(c) {
			return c.Next()
		}

		user, _ := c.Locals("user").(*metadata.UserContext)
		grants := g.grants(c, user)

		// Method and Path alias the request buffer; events outlive it.
		req := rbac.Request{Verb: utils.CopyString(c.Method()), Action: action, Path: utils.CopyString(c.Path())}
		d := g.engine.Decide(table, req, grants)
		g.record(user, name, req, d)

		if !d.Allowed {
			if d.Reason == rbac.ReasonNoTable {
				g.logger.Warn("denied for missing rule table", "resource", name, "path", req.Path)
			}
			return engine.ForbiddenError("You do not have permission to perform this action")
		}
		return c.Next()
	}
}

// RequireAdminRole allows only principals holding an admin role. Superusers
// pass as well.
func (g *Guard) RequireAdminRole() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, _ := c.Locals("user").(*metadata.UserContext)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		grants := g.grants(c, user)
		if !grants.Admin && !grants.Superuser {
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

// grants resolves once per request and caches the result in Locals.
func (g *Guard) grants(c *fiber.Ctx, user *metadata.UserContext) rbac.Grants {
	if cached, ok := c.Locals(grantsKey).(rbac.Grants); ok {
		return cached
	}
	grants := principal.ResolveOrEmpty(c.UserContext(), g.resolver, user, g.logger)
	c.Locals(grantsKey, grants)
	return grants
}

func (g *Guard) record(user *metadata.UserContext, resource string, req rbac.Request, d rbac.Decision) {
	e := audit.Event{
		Resource: resource,
		Verb:     req.Verb,
		Action:   req.Action,
		Path:     req.Path,
		Allowed:  d.Allowed,
		Reason:   d.Reason.String(),
		Code:     string(d.Code()),
	}
	if user != nil {
		e.PrincipalID = utils.CopyString(user.ID)
	}
	g.recorder.Record(e)
	if !d.Allowed {
		g.logger.Debug("request denied", "principal", e.PrincipalID, "resource", resource,
			"verb", req.Verb, "action", req.Action, "reason", e.Reason)
	}
}

// Grants returns the grants resolved for this request, or empty grants when
// no guard ran.
func Grants(c *fiber.Ctx) rbac.Grants {
	g, _ := c.Locals(grantsKey).(rbac.Grants)
	return g
}

// CanAccessObject reports whether the principal may touch a record owned by
// ownerID: the owner, a superuser, or a holder of the admin code.
func CanAccessObject(g rbac.Grants, adminCode rbac.Code, principalID, ownerID string) bool {
	if g.Superuser {
		return true
	}
	if adminCode == "" {
		adminCode = rbac.DefaultAdminCode
	}
	if g.Has(adminCode) {
		return true
	}
	return principalID != "" && principalID == ownerID
}
