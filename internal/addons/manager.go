package addons

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"botdeck/internal/apperrors"
	"botdeck/internal/events"
)

// Manager orchestrates every add-on lifecycle transition. Transitions for
// the same add-on name are serialized through a per-name mutex; different
// names proceed concurrently. Only the manager mutates the registry.
type Manager struct {
	addonsDir string
	registry  *Registry
	sink      RouteSink
	configs   ConfigStore
	bus       *events.Bus

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	builtins map[string]Module
	active   map[string]Module // name → loaded module body, for Dispose
}

// NewManager creates a lifecycle manager rooted at addonsDir.
func NewManager(addonsDir string, registry *Registry, sink RouteSink, configs ConfigStore, bus *events.Bus) *Manager {
	return &Manager{
		addonsDir: addonsDir,
		registry:  registry,
		sink:      sink,
		configs:   configs,
		bus:       bus,
		locks:     make(map[string]*sync.Mutex),
		builtins:  make(map[string]Module),
		active:    make(map[string]Module),
	}
}

// lockFor returns the mutex serializing lifecycle transitions for name.
func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// RegisterBuiltin makes an in-process Go module loadable under its
// manifest name. The module is not loaded until Load is called.
func (m *Manager) RegisterBuiltin(mod Module) error {
	mf := mod.Manifest()
	if mf == nil || !ValidName(mf.Name) {
		return apperrors.Validation("builtin module has an invalid manifest name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builtins[mf.Name]; ok {
		return apperrors.Conflict("builtin module %q already registered", mf.Name)
	}
	m.builtins[mf.Name] = mod
	return nil
}

// Registry exposes the registry for read-side consumers.
func (m *Manager) Registry() *Registry { return m.registry }

// Dir returns the on-disk path for an add-on name.
func (m *Manager) Dir(name string) string {
	return filepath.Join(m.addonsDir, name)
}

// ── Load / Unload / Reload ──────────────────────────────────────────────

// Load resolves the add-on's manifest, runs its module initialization,
// registers its routes, and commits the record. On any failure the
// registry and route table are left exactly as they were.
func (m *Manager) Load(name string) error {
	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()
	return m.loadLocked(name)
}

func (m *Manager) loadLocked(name string) error {
	if rec := m.registry.Get(name); rec != nil && rec.Loaded {
		return apperrors.Conflict("addon %q is already loaded", name)
	}

	module, validation, err := m.resolveModule(name)
	if err != nil {
		m.noteFailure(name, err)
		return err
	}

	cfg, cfgErr := m.configs.GetConfig(name)
	if cfgErr != nil {
		log.Printf("⚠️  Config read for %s: %v", name, cfgErr)
		cfg = map[string]interface{}{}
	}

	rc := newRegistrationContext(module.Manifest(), cfg)
	if err := safeInit(module, rc); err != nil {
		wrapped := apperrors.Validation("addon %q failed to initialize: %v", name, err)
		m.noteFailure(name, wrapped)
		return wrapped
	}

	if err := m.sink.RegisterAddon(name, rc.routes, rc.dashboard); err != nil {
		safeDispose(module)
		m.noteFailure(name, err)
		return err
	}

	rec := &Record{
		Manifest:   module.Manifest(),
		Loaded:     true,
		Commands:   rc.commands,
		Events:     rc.events,
		Dashboard:  rc.dashboard,
		Validation: validation,
		LoadedAt:   time.Now().UTC(),
	}
	m.registry.Put(rec)

	m.mu.Lock()
	m.active[name] = module
	m.mu.Unlock()

	log.Printf("📦 Add-on loaded: %s v%s (%d commands, %d events, %d routes)",
		name, rec.Manifest.Version, len(rec.Commands), len(rec.Events), len(rc.routes))
	m.publish(events.AddonLoaded, events.SeverityInfo, name,
		fmt.Sprintf("Add-on %s v%s loaded", name, rec.Manifest.Version))
	return nil
}

// resolveModule finds the module body for name: a registered builtin
// first, otherwise the on-disk data package.
func (m *Manager) resolveModule(name string) (Module, ValidationResult, error) {
	m.mu.Lock()
	builtin, ok := m.builtins[name]
	m.mu.Unlock()
	if ok {
		return builtin, ValidationResult{OK: true}, nil
	}

	dir := m.Dir(name)
	if _, err := os.Stat(dir); err != nil {
		return nil, ValidationResult{}, apperrors.NotFound("addon %q not found", name)
	}

	validation := ValidateDir(dir)
	if !validation.OK {
		e := apperrors.Validation("addon %q has an invalid manifest", name)
		e.Details = strings.Join(validation.Errors, "; ")
		return nil, validation, e
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, validation, apperrors.Validation("addon %q: %v", name, err)
	}
	if manifest.Name != name {
		return nil, validation, apperrors.Validation(
			"addon directory %q declares mismatched name %q", name, manifest.Name)
	}

	dash, err := LoadDashboardConfig(dir)
	if err != nil {
		return nil, validation, apperrors.Validation("addon %q: %v", name, err)
	}

	return newDirModule(manifest, dash, m.configs), validation, nil
}

// Unload deregisters everything the add-on contributed and removes its
// registry record. A later Load re-reads the package from disk.
func (m *Manager) Unload(name string) error {
	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()
	return m.unloadLocked(name)
}

func (m *Manager) unloadLocked(name string) error {
	rec := m.registry.Get(name)
	if rec == nil || !rec.Loaded {
		return apperrors.NotFound("addon %q is not loaded", name)
	}

	m.sink.UnregisterAddon(name)

	m.mu.Lock()
	module := m.active[name]
	delete(m.active, name)
	m.mu.Unlock()
	if module != nil {
		safeDispose(module)
	}

	m.registry.Remove(name)
	log.Printf("📦 Add-on unloaded: %s", name)
	m.publish(events.AddonUnloaded, events.SeverityInfo, name,
		fmt.Sprintf("Add-on %s unloaded", name))
	return nil
}

// Reload performs unload followed by load under a single lifecycle lock.
// If the load step fails the add-on ends fully unloaded and the error is
// surfaced — it is never left half-registered.
func (m *Manager) Reload(name string) error {
	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()

	if err := m.unloadLocked(name); err != nil {
		return err
	}
	return m.loadLocked(name)
}

// ── Create / Delete / Validate ──────────────────────────────────────────

// Create scaffolds a new add-on directory from a named template.
func (m *Manager) Create(name, template string) error {
	if !ValidName(name) {
		return apperrors.Validation("invalid addon name %q: must match %s", name, namePattern.String())
	}

	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()

	if m.registry.Get(name) != nil {
		return apperrors.Conflict("addon %q already exists", name)
	}
	dir := m.Dir(name)
	if _, err := os.Stat(dir); err == nil {
		return apperrors.Conflict("addon %q already exists", name)
	}
	m.mu.Lock()
	_, isBuiltin := m.builtins[name]
	m.mu.Unlock()
	if isBuiltin {
		return apperrors.Conflict("addon %q already exists", name)
	}

	if err := scaffold(dir, name, template); err != nil {
		return err
	}

	log.Printf("📦 Add-on created: %s (template=%s)", name, template)
	m.publish(events.AddonCreated, events.SeverityInfo, name,
		fmt.Sprintf("Add-on %s created from template %s", name, template))
	return nil
}

// Delete unloads the add-on if loaded and removes its on-disk package and
// persisted config. Irreversible.
func (m *Manager) Delete(name string) error {
	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()

	rec := m.registry.Get(name)
	dir := m.Dir(name)
	_, statErr := os.Stat(dir)
	if rec == nil && statErr != nil {
		return apperrors.NotFound("addon %q not found", name)
	}

	if rec != nil && rec.Loaded {
		if err := m.unloadLocked(name); err != nil {
			return err
		}
	}

	if statErr == nil {
		if err := os.RemoveAll(dir); err != nil {
			return apperrors.Internal(err, "delete addon %q", name)
		}
	}
	if err := m.configs.DeleteConfig(name); err != nil {
		log.Printf("⚠️  Config delete for %s: %v", name, err)
	}

	log.Printf("🗑️  Add-on deleted: %s", name)
	m.publish(events.AddonDeleted, events.SeverityWarning, name,
		fmt.Sprintf("Add-on %s deleted", name))
	return nil
}

// Validate re-runs the package checks without touching registry state.
func (m *Manager) Validate(name string) (ValidationResult, error) {
	dir := m.Dir(name)
	if _, err := os.Stat(dir); err != nil {
		return ValidationResult{}, apperrors.NotFound("addon %q not found", name)
	}
	return ValidateDir(dir), nil
}

// ── Config ──────────────────────────────────────────────────────────────

// GetConfig reads the add-on's persisted configuration.
func (m *Manager) GetConfig(name string) (map[string]interface{}, error) {
	if !m.exists(name) {
		return nil, apperrors.NotFound("addon %q not found", name)
	}
	cfg, err := m.configs.GetConfig(name)
	if err != nil {
		return nil, apperrors.Internal(err, "read config for %q", name)
	}
	return cfg, nil
}

// UpdateConfig merge-writes the patch. The merge is shallow: provided
// top-level keys replace, nested objects are the caller's full
// responsibility.
func (m *Manager) UpdateConfig(name string, patch map[string]interface{}) (map[string]interface{}, error) {
	if !m.exists(name) {
		return nil, apperrors.NotFound("addon %q not found", name)
	}

	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()

	cfg, err := m.configs.GetConfig(name)
	if err != nil {
		return nil, apperrors.Internal(err, "read config for %q", name)
	}
	for k, v := range patch {
		cfg[k] = v
	}
	if err := m.configs.PutConfig(name, cfg); err != nil {
		return nil, apperrors.Internal(err, "write config for %q", name)
	}
	return cfg, nil
}

// ── Import / Export ─────────────────────────────────────────────────────

// Export packages the add-on's directory tree into a zip under destDir
// and returns the archive path. Callers delete the file when done.
func (m *Manager) Export(name, destDir string) (string, error) {
	dir := m.Dir(name)
	if _, err := os.Stat(dir); err != nil {
		return "", apperrors.NotFound("addon %q not found", name)
	}
	return ExportAddon(dir, name, destDir)
}

// Import installs an add-on from a zip archive. Without overwrite a name
// collision fails with a conflict and leaves the existing add-on — disk,
// registry, and config — completely untouched. With overwrite a loaded
// add-on is reloaded from the imported package.
func (m *Manager) Import(zipPath string, overwrite bool) (string, error) {
	manifest, err := InspectZip(zipPath)
	if err != nil {
		return "", err
	}
	name := manifest.Name

	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()

	rec := m.registry.Get(name)
	dir := m.Dir(name)
	_, statErr := os.Stat(dir)
	exists := rec != nil || statErr == nil

	if exists && !overwrite {
		return "", apperrors.Conflict("addon %q already exists; pass overwrite=true to replace it", name)
	}

	wasLoaded := rec != nil && rec.Loaded
	if wasLoaded {
		if err := m.unloadLocked(name); err != nil {
			return "", err
		}
	}

	if err := InstallZip(zipPath, m.addonsDir, name); err != nil {
		return "", err
	}

	if wasLoaded {
		if err := m.loadLocked(name); err != nil {
			return name, err
		}
	}

	log.Printf("📦 Add-on imported: %s v%s (overwrite=%v)", name, manifest.Version, overwrite)
	m.publish(events.AddonImported, events.SeverityInfo, name,
		fmt.Sprintf("Add-on %s v%s imported", name, manifest.Version))
	return name, nil
}

// ── Bulk / status ───────────────────────────────────────────────────────

// LoadAll loads every add-on found in the addons directory plus every
// registered builtin. Individual failures are logged and skipped.
func (m *Manager) LoadAll() {
	entries, err := os.ReadDir(m.addonsDir)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️  Could not read addons directory %s: %v", m.addonsDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.addonsDir, e.Name(), manifestFile)); err != nil {
			continue
		}
		if err := m.Load(e.Name()); err != nil {
			log.Printf("❌ Load addon %s: %v", e.Name(), err)
		}
	}

	m.mu.Lock()
	names := make([]string, 0, len(m.builtins))
	for name := range m.builtins {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		if rec := m.registry.Get(name); rec != nil && rec.Loaded {
			continue
		}
		if err := m.Load(name); err != nil {
			log.Printf("❌ Load builtin addon %s: %v", name, err)
		}
	}
}

// ListEntry is the summary view of one add-on, loaded or not.
type ListEntry struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Author      string   `json:"author,omitempty"`
	Description string   `json:"description,omitempty"`
	Loaded      bool     `json:"loaded"`
	Builtin     bool     `json:"builtin,omitempty"`
	Valid       bool     `json:"valid"`
	Commands    []string `json:"commands,omitempty"`
	Events      []string `json:"events,omitempty"`
	LoadedAt    string   `json:"loaded_at,omitempty"`
}

// List returns every known add-on: loaded registry records, installed
// packages that are not loaded, and registered builtins.
func (m *Manager) List() []ListEntry {
	seen := make(map[string]bool)
	var out []ListEntry

	for _, rec := range m.registry.GetAll() {
		seen[rec.Manifest.Name] = true
		m.mu.Lock()
		_, builtin := m.builtins[rec.Manifest.Name]
		m.mu.Unlock()
		out = append(out, ListEntry{
			Name:        rec.Manifest.Name,
			Version:     rec.Manifest.Version,
			Author:      rec.Manifest.Author,
			Description: rec.Manifest.Description,
			Loaded:      rec.Loaded,
			Builtin:     builtin,
			Valid:       rec.Validation.OK,
			Commands:    rec.CommandNames(),
			Events:      rec.EventNames(),
			LoadedAt:    rec.LoadedAt.Format(time.RFC3339),
		})
	}

	entries, err := os.ReadDir(m.addonsDir)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️  Could not read addons directory %s: %v", m.addonsDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() || seen[e.Name()] {
			continue
		}
		dir := filepath.Join(m.addonsDir, e.Name())
		if _, err := os.Stat(filepath.Join(dir, manifestFile)); err != nil {
			continue
		}
		seen[e.Name()] = true
		entry := ListEntry{Name: e.Name()}
		if mf, err := LoadManifest(dir); err == nil {
			entry.Version = mf.Version
			entry.Author = mf.Author
			entry.Description = mf.Description
			entry.Valid = ValidateDir(dir).OK
		}
		out = append(out, entry)
	}

	m.mu.Lock()
	for name, mod := range m.builtins {
		if seen[name] {
			continue
		}
		mf := mod.Manifest()
		out = append(out, ListEntry{
			Name:        name,
			Version:     mf.Version,
			Author:      mf.Author,
			Description: mf.Description,
			Builtin:     true,
			Valid:       true,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns registry counts for the status endpoint.
func (m *Manager) Status() RegistryStatus {
	return m.registry.Status()
}

func (m *Manager) exists(name string) bool {
	if m.registry.Get(name) != nil {
		return true
	}
	m.mu.Lock()
	_, isBuiltin := m.builtins[name]
	m.mu.Unlock()
	if isBuiltin {
		return true
	}
	_, err := os.Stat(m.Dir(name))
	return err == nil
}

func (m *Manager) noteFailure(name string, err error) {
	m.registry.SetLastError(fmt.Sprintf("%s: %v", name, err))
	m.publish(events.AddonLoadFailed, events.SeverityWarning, name,
		fmt.Sprintf("Add-on %s failed to load: %v", name, err))
}

func (m *Manager) publish(t events.EventType, sev events.Severity, name, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: t, Severity: sev, AddonName: name, Message: msg})
}

// ── Panic fences around module code ─────────────────────────────────────

func safeInit(mod Module, rc *RegistrationContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init panicked: %v", r)
		}
	}()
	return mod.Init(rc)
}

func safeDispose(mod Module) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️  Add-on dispose panicked: %v", r)
		}
	}()
	mod.Dispose()
}
