package addons

import (
	"context"
	"net/http"
	"time"
)

// CommandHandler responds to a chat command invocation.
type CommandHandler func(ctx context.Context, args []string) (string, error)

// EventHandler reacts to a chat platform event.
type EventHandler func(ctx context.Context, payload map[string]interface{}) error

// Route is a live dynamic API route contributed by a loaded add-on.
type Route struct {
	Method        string
	Path          string
	RequiredRoles []string // nil means public by add-on declaration
	Handler       http.HandlerFunc
}

// Record is the runtime state of one loaded add-on. Records are built
// fully before being placed in the registry and are treated as immutable
// afterwards — mutation means replacing the record wholesale.
type Record struct {
	Manifest   *Manifest
	Loaded     bool
	Commands   map[string]CommandHandler
	Events     map[string]EventHandler
	Dashboard  *DashboardConfig
	Validation ValidationResult
	LoadedAt   time.Time
}

// CommandNames returns the sorted-insertion list of registered command names.
func (r *Record) CommandNames() []string {
	names := make([]string, 0, len(r.Commands))
	for _, c := range r.Manifest.Commands {
		if _, ok := r.Commands[c.Name]; ok {
			names = append(names, c.Name)
		}
	}
	// Native modules may register commands the manifest does not declare.
	for name := range r.Commands {
		if !contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

// EventNames returns the list of registered event names.
func (r *Record) EventNames() []string {
	names := make([]string, 0, len(r.Events))
	for _, e := range r.Manifest.Events {
		if _, ok := r.Events[e.Name]; ok {
			names = append(names, e.Name)
		}
	}
	for name := range r.Events {
		if !contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RouteSink receives dynamic route and dashboard registrations from the
// lifecycle manager. Implemented by the dashboard bridge.
type RouteSink interface {
	// RegisterAddon installs the add-on's routes and dashboard surface.
	// It must be all-or-nothing: on error nothing is left registered.
	RegisterAddon(name string, routes []Route, dash *DashboardConfig) error
	// UnregisterAddon removes every route and dashboard entry owned by name.
	UnregisterAddon(name string)
}

// ConfigStore persists add-on scoped configuration across restarts.
type ConfigStore interface {
	GetConfig(name string) (map[string]interface{}, error)
	PutConfig(name string, cfg map[string]interface{}) error
	DeleteConfig(name string) error
}
