package dashboard

import (
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"

	"botdeck/internal/addons"
	"botdeck/internal/apperrors"
	"botdeck/internal/models"
)

// RouteDescriptor identifies one live dynamic route. The tuple
// (AddonName, Method, Path) is unique across the table.
type RouteDescriptor struct {
	AddonName     string   `json:"addon_name"`
	Method        string   `json:"method"`
	Path          string   `json:"path"`
	RequiredRoles []string `json:"required_roles,omitempty"`
	handler       http.HandlerFunc
}

// Bridge translates loaded add-ons' declared routes and pages into live
// HTTP dispatch. It implements addons.RouteSink; the lifecycle manager is
// its only writer.
type Bridge struct {
	addonsDir string

	mu     sync.RWMutex
	routes map[string]*RouteDescriptor       // routeKey → descriptor
	dash   map[string]*addons.DashboardConfig // addon name → dashboard surface
	names  map[string]string                 // lower(name) → canonical name
}

// NewBridge creates an empty bridge rooted at addonsDir for asset
// resolution.
func NewBridge(addonsDir string) *Bridge {
	return &Bridge{
		addonsDir: addonsDir,
		routes:    make(map[string]*RouteDescriptor),
		dash:      make(map[string]*addons.DashboardConfig),
		names:     make(map[string]string),
	}
}

func routeKey(addonName, method, path string) string {
	return addonName + " " + method + " " + path
}

// ── RouteSink ───────────────────────────────────────────────────────────

// RegisterAddon installs the add-on's routes and dashboard surface.
// All-or-nothing: a duplicate route leaves the table untouched.
func (b *Bridge) RegisterAddon(name string, routes []addons.Route, dash *addons.DashboardConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.names[strings.ToLower(name)]; ok && existing != name {
		return apperrors.Conflict("addon name %q collides with %q (names are case-insensitive)", name, existing)
	}

	// Pre-check every key before inserting anything.
	for _, rt := range routes {
		key := routeKey(name, rt.Method, rt.Path)
		if _, ok := b.routes[key]; ok {
			return apperrors.Conflict("route %s %s already registered for addon %q", rt.Method, rt.Path, name)
		}
	}

	for _, rt := range routes {
		rt := rt
		b.routes[routeKey(name, rt.Method, rt.Path)] = &RouteDescriptor{
			AddonName:     name,
			Method:        rt.Method,
			Path:          rt.Path,
			RequiredRoles: rt.RequiredRoles,
			handler:       rt.Handler,
		}
	}
	if dash != nil {
		b.dash[name] = dash
	}
	b.names[strings.ToLower(name)] = name
	return nil
}

// UnregisterAddon removes every route and dashboard entry owned by name.
func (b *Bridge) UnregisterAddon(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := name + " "
	for key := range b.routes {
		if strings.HasPrefix(key, prefix) {
			delete(b.routes, key)
		}
	}
	delete(b.dash, name)
	delete(b.names, strings.ToLower(name))
}

// ── Read side ───────────────────────────────────────────────────────────

// Resolve returns the canonical add-on name for a case-insensitive match,
// or "" if no loaded add-on matches. Pure index lookup — resolution never
// scans the filesystem or executes add-on code.
func (b *Bridge) Resolve(name string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.names[strings.ToLower(name)]
}

// Routes returns a snapshot of every registered route descriptor,
// ordered by addon, path, method.
func (b *Bridge) Routes() []RouteDescriptor {
	b.mu.RLock()
	out := make([]RouteDescriptor, 0, len(b.routes))
	for _, d := range b.routes {
		out = append(out, *d)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AddonName != out[j].AddonName {
			return out[i].AddonName < out[j].AddonName
		}
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// lookup fetches the descriptor for one request. The single map read
// under RLock gives each request a consistent view: a concurrent reload
// replaces entries atomically with respect to this lookup.
func (b *Bridge) lookup(addonName, method, path string) *RouteDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	canonical, ok := b.names[strings.ToLower(addonName)]
	if !ok {
		return nil
	}
	return b.routes[routeKey(canonical, method, path)]
}

// Dispatch routes a request for /api/addons/{name}{subpath} to the
// matching add-on handler. The caller supplies the authenticated user,
// or nil for anonymous requests. Add-on handler panics surface as
// internal errors with no detail leaked to the client.
func (b *Bridge) Dispatch(w http.ResponseWriter, r *http.Request, addonName, subpath string, user *models.UserData) error {
	if !strings.HasPrefix(subpath, "/") {
		subpath = "/" + subpath
	}

	desc := b.lookup(addonName, r.Method, subpath)
	if desc == nil {
		return apperrors.NotFound("no route %s %s for addon %q", r.Method, subpath, addonName)
	}

	if desc.RequiredRoles != nil {
		if user == nil {
			return apperrors.Authentication("authentication required")
		}
		if !user.HasAnyRole(desc.RequiredRoles) {
			return apperrors.Authorization("insufficient role for this route")
		}
	}

	return b.invoke(desc, w, r)
}

// invoke runs the add-on handler behind a panic fence. Add-on
// misbehavior must never take down the host process or leak internals.
func (b *Bridge) invoke(desc *RouteDescriptor, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("❌ Addon %s handler panic on %s %s: %v",
				desc.AddonName, desc.Method, desc.Path, rec)
			err = apperrors.Internal(fmt.Errorf("handler panic: %v", rec),
				"addon %s handler failed", desc.AddonName)
		}
	}()
	desc.handler(w, r)
	return nil
}

// ── Merged dashboard config ─────────────────────────────────────────────

// ConfigResponse is the merged dashboard surface across loaded add-ons.
type ConfigResponse struct {
	Pages    []AddonPage    `json:"pages"`
	NavItems []AddonNavItem `json:"navItems"`
}

// AddonPage is a PageDescriptor tagged with its owning add-on.
type AddonPage struct {
	Addon string `json:"addon"`
	addons.PageDescriptor
}

// AddonNavItem is a NavItem tagged with its owning add-on.
type AddonNavItem struct {
	Addon string `json:"addon"`
	addons.NavItem
}

// Config merges pages and navItems across every loaded add-on with a
// dashboard surface. NavItems are ordered by their declared Order, then
// add-on name.
func (b *Bridge) Config() ConfigResponse {
	b.mu.RLock()
	resp := ConfigResponse{Pages: []AddonPage{}, NavItems: []AddonNavItem{}}
	for name, cfg := range b.dash {
		for _, p := range cfg.Pages {
			resp.Pages = append(resp.Pages, AddonPage{Addon: name, PageDescriptor: p})
		}
		for _, n := range cfg.NavItems {
			resp.NavItems = append(resp.NavItems, AddonNavItem{Addon: name, NavItem: n})
		}
	}
	b.mu.RUnlock()

	sort.Slice(resp.Pages, func(i, j int) bool {
		if resp.Pages[i].Addon != resp.Pages[j].Addon {
			return resp.Pages[i].Addon < resp.Pages[j].Addon
		}
		return resp.Pages[i].Path < resp.Pages[j].Path
	})
	sort.Slice(resp.NavItems, func(i, j int) bool {
		if resp.NavItems[i].Order != resp.NavItems[j].Order {
			return resp.NavItems[i].Order < resp.NavItems[j].Order
		}
		return resp.NavItems[i].Addon < resp.NavItems[j].Addon
	})
	return resp
}
