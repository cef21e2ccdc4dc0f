package addons

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// Module is the fixed plugin boundary an add-on must satisfy. Add-ons
// shipped as data packages are wrapped in a dirModule; in-process Go
// extensions implement this directly and register via RegisterBuiltin.
// The host treats module code as untrusted but cooperative — every call
// into Init and Dispose is panic-fenced by the lifecycle manager.
type Module interface {
	Manifest() *Manifest
	Init(ctx *RegistrationContext) error
	Dispose()
}

// RegistrationContext collects everything a module contributes during
// Init. Nothing becomes visible to the rest of the process until the
// lifecycle manager commits the finished record.
type RegistrationContext struct {
	manifest *Manifest
	config   map[string]interface{}

	commands  map[string]CommandHandler
	events    map[string]EventHandler
	routes    []Route
	dashboard *DashboardConfig
}

func newRegistrationContext(m *Manifest, config map[string]interface{}) *RegistrationContext {
	return &RegistrationContext{
		manifest: m,
		config:   config,
		commands: make(map[string]CommandHandler),
		events:   make(map[string]EventHandler),
	}
}

// Config returns a snapshot of the add-on's persisted configuration.
func (rc *RegistrationContext) Config() map[string]interface{} {
	return rc.config
}

// RegisterCommand binds a handler to a command name.
func (rc *RegistrationContext) RegisterCommand(name string, h CommandHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register command: name and handler are required")
	}
	if _, ok := rc.commands[name]; ok {
		return fmt.Errorf("register command: duplicate name %q", name)
	}
	rc.commands[name] = h
	return nil
}

// RegisterEvent binds a handler to a chat event name.
func (rc *RegistrationContext) RegisterEvent(name string, h EventHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register event: name and handler are required")
	}
	if _, ok := rc.events[name]; ok {
		return fmt.Errorf("register event: duplicate name %q", name)
	}
	rc.events[name] = h
	return nil
}

// RegisterRoute adds a dynamic API route. The path is relative to the
// add-on's namespace and must carry a leading slash.
func (rc *RegistrationContext) RegisterRoute(method, path string, requiredRoles []string, h http.HandlerFunc) error {
	method = strings.ToUpper(method)
	if !validMethods[method] {
		return fmt.Errorf("register route: unsupported method %q", method)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("register route: path %q must start with /", path)
	}
	if h == nil {
		return fmt.Errorf("register route: handler is required")
	}
	for _, rt := range rc.routes {
		if rt.Method == method && rt.Path == path {
			return fmt.Errorf("register route: duplicate %s %s", method, path)
		}
	}
	rc.routes = append(rc.routes, Route{
		Method:        method,
		Path:          path,
		RequiredRoles: requiredRoles,
		Handler:       h,
	})
	return nil
}

// SetDashboard declares the add-on's pages and nav items.
func (rc *RegistrationContext) SetDashboard(cfg *DashboardConfig) {
	rc.dashboard = cfg
}

// ── Declarative directory module ────────────────────────────────────────

// dirModule adapts an on-disk data package to the Module interface.
// Its commands answer with the manifest's canned replies, its events log,
// and its API routes are built from the declarative handler specs.
type dirModule struct {
	manifest *Manifest
	dash     *DashboardConfig
	configs  ConfigStore
}

func newDirModule(m *Manifest, dash *DashboardConfig, configs ConfigStore) *dirModule {
	return &dirModule{manifest: m, dash: dash, configs: configs}
}

func (d *dirModule) Manifest() *Manifest { return d.manifest }

func (d *dirModule) Init(rc *RegistrationContext) error {
	for _, spec := range d.manifest.Commands {
		reply := spec.Reply
		if reply == "" {
			reply = fmt.Sprintf("%s is not configured yet", spec.Name)
		}
		if err := rc.RegisterCommand(spec.Name, func(ctx context.Context, args []string) (string, error) {
			return reply, nil
		}); err != nil {
			return err
		}
	}

	for _, spec := range d.manifest.Events {
		eventName := spec.Name
		if err := rc.RegisterEvent(eventName, func(ctx context.Context, payload map[string]interface{}) error {
			log.Printf("📡 [%s] event %s observed", d.manifest.Name, eventName)
			return nil
		}); err != nil {
			return err
		}
	}

	if d.dash != nil {
		rc.SetDashboard(d.dash)
		for _, spec := range d.dash.APIRoutes {
			h, err := d.buildHandler(spec.Handler)
			if err != nil {
				return fmt.Errorf("route %s %s: %w", spec.Method, spec.Path, err)
			}
			if err := rc.RegisterRoute(spec.Method, spec.Path, spec.RequiredRoles, h); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *dirModule) Dispose() {}

// buildHandler turns a declarative HandlerSpec into a live handler.
func (d *dirModule) buildHandler(spec HandlerSpec) (http.HandlerFunc, error) {
	switch spec.Type {
	case "static":
		status := spec.Status
		if status == 0 {
			status = http.StatusOK
		}
		body := spec.Body
		if len(body) == 0 {
			body = json.RawMessage(`{}`)
		}
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write(body)
		}, nil

	case "config":
		name := d.manifest.Name
		return func(w http.ResponseWriter, r *http.Request) {
			cfg, err := d.configs.GetConfig(name)
			if err != nil {
				http.Error(w, `{"error":"Failed to read config"}`, http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(cfg)
		}, nil

	case "command-list":
		commands := d.manifest.Commands
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{"commands": commands})
		}, nil

	case "echo":
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
				"query":  r.URL.Query(),
			})
		}, nil

	default:
		return nil, fmt.Errorf("unknown handler type %q", spec.Type)
	}
}
