package addons

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ── Manifest schema ─────────────────────────────────────────────────────

// Manifest is the top-level add-on descriptor declared in manifest.json.
type Manifest struct {
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	Author        string        `json:"author,omitempty"`
	Description   string        `json:"description,omitempty"`
	Permissions   []string      `json:"permissions,omitempty"`
	HasDashboard  bool          `json:"hasDashboard,omitempty"`
	DashboardInfo string        `json:"dashboardInfo,omitempty"`
	Commands      []CommandSpec `json:"commands,omitempty"`
	Events        []EventSpec   `json:"events,omitempty"`
}

// CommandSpec declares a chat command contributed by an add-on.
// Reply is the canned response used by declarative (non-Go) add-ons.
type CommandSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Reply       string `json:"reply,omitempty"`
}

// EventSpec declares a chat event the add-on wants to observe.
type EventSpec struct {
	Name string `json:"name"`
}

// ── Dashboard config schema ─────────────────────────────────────────────

// DashboardConfig is the declared dashboard surface, read from
// dashboard/config.json inside the add-on package.
type DashboardConfig struct {
	Pages     []PageDescriptor `json:"pages"`
	NavItems  []NavItem        `json:"navItems"`
	APIRoutes []APIRouteSpec   `json:"apiRoutes"`
}

// PageDescriptor maps a dashboard route to a page component.
type PageDescriptor struct {
	Path          string   `json:"path"`
	Component     string   `json:"component"`
	Title         string   `json:"title"`
	RequiredRoles []string `json:"requiredRoles,omitempty"`
}

// NavItem is an entry in the dashboard navigation menu.
type NavItem struct {
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	Emoji         string   `json:"emoji,omitempty"`
	RequiredRoles []string `json:"requiredRoles,omitempty"`
	Order         int      `json:"order,omitempty"`
}

// APIRouteSpec declares one dynamic API route. A nil RequiredRoles means
// the route is public by add-on declaration.
type APIRouteSpec struct {
	Method        string      `json:"method"`
	Path          string      `json:"path"`
	RequiredRoles []string    `json:"requiredRoles,omitempty"`
	Handler       HandlerSpec `json:"handler"`
}

// HandlerSpec is the declarative handler description for add-ons shipped
// as data packages. Go modules registered in-process supply native
// handlers instead and leave this empty.
type HandlerSpec struct {
	Type   string          `json:"type"` // static, config, command-list, echo
	Status int             `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// ── Limits ──────────────────────────────────────────────────────────────

const (
	maxManifestSize = 256 * 1024 // 256 KiB raw JSON
	maxNameLen      = 64
	maxCommands     = 50
	maxEvents       = 50
	maxPages        = 20
	maxNavItems     = 20
	maxAPIRoutes    = 50

	manifestFile        = "manifest.json"
	dashboardConfigFile = "dashboard/config.json"
)

// namePattern is the slug-safe identifier pattern for add-on names.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validPermissions is the capability set an add-on may request.
var validPermissions = map[string]bool{
	"commands":  true,
	"events":    true,
	"dashboard": true,
	"config":    true,
	"http":      true,
}

// validMethods is the set of HTTP methods an apiRoutes entry may declare.
var validMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// validHandlerTypes is the set of recognised declarative handler types.
var validHandlerTypes = map[string]bool{
	"static":       true,
	"config":       true,
	"command-list": true,
	"echo":         true,
}

// ValidName reports whether name is a legal add-on identifier.
func ValidName(name string) bool {
	return name != "" && len(name) <= maxNameLen && namePattern.MatchString(name)
}

// ── Validation ──────────────────────────────────────────────────────────

// ValidateManifest parses raw JSON into a Manifest and checks all
// structural constraints. Returns the parsed manifest or a descriptive
// error. Pure — no filesystem or registry side effects.
func ValidateManifest(raw []byte) (*Manifest, error) {
	if len(raw) > maxManifestSize {
		return nil, fmt.Errorf("manifest exceeds %d byte limit", maxManifestSize)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if m.Name == "" {
		return nil, fmt.Errorf("manifest: name is required")
	}
	if !ValidName(m.Name) {
		return nil, fmt.Errorf("manifest: name %q must match %s and be at most %d characters",
			m.Name, namePattern.String(), maxNameLen)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest: version is required")
	}

	for _, p := range m.Permissions {
		if !validPermissions[p] {
			return nil, fmt.Errorf("manifest: unknown permission %q", p)
		}
	}

	if len(m.Commands) > maxCommands {
		return nil, fmt.Errorf("manifest: exceeds %d command limit", maxCommands)
	}
	seen := make(map[string]bool)
	for i, c := range m.Commands {
		if c.Name == "" {
			return nil, fmt.Errorf("command[%d]: name is required", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("command[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true
	}

	if len(m.Events) > maxEvents {
		return nil, fmt.Errorf("manifest: exceeds %d event limit", maxEvents)
	}
	seen = make(map[string]bool)
	for i, e := range m.Events {
		if e.Name == "" {
			return nil, fmt.Errorf("event[%d]: name is required", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("event[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
	}

	return &m, nil
}

// ValidateDashboardConfig parses and checks a dashboard/config.json body.
func ValidateDashboardConfig(raw []byte) (*DashboardConfig, error) {
	if len(raw) > maxManifestSize {
		return nil, fmt.Errorf("dashboard config exceeds %d byte limit", maxManifestSize)
	}

	var cfg DashboardConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if len(cfg.Pages) > maxPages {
		return nil, fmt.Errorf("dashboard: exceeds %d page limit", maxPages)
	}
	for i, p := range cfg.Pages {
		if p.Path == "" || !strings.HasPrefix(p.Path, "/") {
			return nil, fmt.Errorf("page[%d]: path must start with /", i)
		}
		if p.Component == "" {
			return nil, fmt.Errorf("page[%d]: component is required", i)
		}
	}

	if len(cfg.NavItems) > maxNavItems {
		return nil, fmt.Errorf("dashboard: exceeds %d navItem limit", maxNavItems)
	}
	for i, n := range cfg.NavItems {
		if n.Name == "" {
			return nil, fmt.Errorf("navItem[%d]: name is required", i)
		}
		if n.Path == "" || !strings.HasPrefix(n.Path, "/") {
			return nil, fmt.Errorf("navItem[%d]: path must start with /", i)
		}
	}

	if len(cfg.APIRoutes) > maxAPIRoutes {
		return nil, fmt.Errorf("dashboard: exceeds %d apiRoute limit", maxAPIRoutes)
	}
	routeKeys := make(map[string]bool)
	for i, rt := range cfg.APIRoutes {
		method := strings.ToUpper(rt.Method)
		if !validMethods[method] {
			return nil, fmt.Errorf("apiRoute[%d]: unsupported method %q", i, rt.Method)
		}
		if rt.Path == "" || !strings.HasPrefix(rt.Path, "/") {
			return nil, fmt.Errorf("apiRoute[%d]: path must start with /", i)
		}
		if strings.Contains(rt.Path, "..") {
			return nil, fmt.Errorf("apiRoute[%d]: path must not contain ..", i)
		}
		key := method + " " + rt.Path
		if routeKeys[key] {
			return nil, fmt.Errorf("apiRoute[%d]: duplicate route %s", i, key)
		}
		routeKeys[key] = true
		if rt.Handler.Type != "" && !validHandlerTypes[rt.Handler.Type] {
			return nil, fmt.Errorf("apiRoute[%d]: unknown handler type %q", i, rt.Handler.Type)
		}
		if rt.Handler.Type == "" {
			return nil, fmt.Errorf("apiRoute[%d]: handler type is required", i)
		}
	}

	return &cfg, nil
}

// ── Disk loading ────────────────────────────────────────────────────────

// LoadManifest reads and validates manifest.json from an add-on directory.
func LoadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ValidateManifest(raw)
}

// LoadDashboardConfig reads and validates dashboard/config.json from an
// add-on directory. Returns (nil, nil) when the add-on has no dashboard
// config module.
func LoadDashboardConfig(dir string) (*DashboardConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(dashboardConfigFile)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dashboard config: %w", err)
	}
	return ValidateDashboardConfig(raw)
}

// ── Structured validation ───────────────────────────────────────────────

// ValidationResult is the non-exceptional outcome of a validation pass,
// suitable for rendering actionable feedback in the UI.
type ValidationResult struct {
	OK       bool     `json:"ok"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// ValidateDir runs the full package check against an on-disk add-on
// without mutating any registry state.
func ValidateDir(dir string) ValidationResult {
	var res ValidationResult

	m, err := LoadManifest(dir)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	dash, err := LoadDashboardConfig(dir)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("dashboard config: %v", err))
		return res
	}

	if m.HasDashboard && dash == nil {
		res.Warnings = append(res.Warnings, "hasDashboard is set but dashboard/config.json is missing")
	}
	if !m.HasDashboard && dash != nil {
		res.Warnings = append(res.Warnings, "dashboard/config.json present but hasDashboard is not set")
	}
	if dash != nil {
		for _, p := range dash.Pages {
			asset := filepath.Join(dir, "dashboard", "pages", filepath.FromSlash(p.Component))
			if _, err := os.Stat(asset); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("page %s: component file %q not found", p.Path, p.Component))
			}
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}
