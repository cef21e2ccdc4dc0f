package addons

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"botdeck/internal/apperrors"
	"botdeck/internal/events"
)

// ── Fakes ───────────────────────────────────────────────────────────────

// memSink is an in-memory RouteSink mirroring the bridge's all-or-nothing
// contract.
type memSink struct {
	mu     sync.Mutex
	routes map[string][]Route
	dash   map[string]*DashboardConfig
	fail   map[string]bool
}

func newMemSink() *memSink {
	return &memSink{
		routes: make(map[string][]Route),
		dash:   make(map[string]*DashboardConfig),
		fail:   make(map[string]bool),
	}
}

func (s *memSink) RegisterAddon(name string, routes []Route, dash *DashboardConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[name] {
		return apperrors.Conflict("route conflict for addon %q", name)
	}
	if _, ok := s.routes[name]; ok {
		return apperrors.Conflict("addon %q already registered", name)
	}
	s.routes[name] = routes
	s.dash[name] = dash
	return nil
}

func (s *memSink) UnregisterAddon(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, name)
	delete(s.dash, name)
}

func (s *memSink) registered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.routes[name]
	return ok
}

// memConfigs is an in-memory ConfigStore.
type memConfigs struct {
	mu sync.Mutex
	m  map[string]map[string]interface{}
}

func newMemConfigs() *memConfigs {
	return &memConfigs{m: make(map[string]map[string]interface{})}
}

func (c *memConfigs) GetConfig(name string) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{})
	for k, v := range c.m[name] {
		out[k] = v
	}
	return out, nil
}

func (c *memConfigs) PutConfig(name string, cfg map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[name] = cfg
	return nil
}

func (c *memConfigs) DeleteConfig(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, name)
	return nil
}

// testModule is a controllable builtin for lifecycle tests.
type testModule struct {
	manifest  *Manifest
	initErr   error
	panicInit bool
	disposed  bool
}

func (m *testModule) Manifest() *Manifest { return m.manifest }

func (m *testModule) Init(rc *RegistrationContext) error {
	if m.panicInit {
		panic("boom")
	}
	return m.initErr
}

func (m *testModule) Dispose() { m.disposed = true }

func newTestManager(t *testing.T) (*Manager, *memSink, string) {
	t.Helper()
	dir := t.TempDir()
	sink := newMemSink()
	m := NewManager(dir, NewRegistry(), sink, newMemConfigs(), events.NewBus())
	return m, sink, dir
}

func installAddon(t *testing.T, addonsDir, name, manifest string) {
	t.Helper()
	dir := filepath.Join(addonsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func wantKind(t *testing.T, err error, kind apperrors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", kind)
	}
	if got := apperrors.KindOf(err); got != kind {
		t.Fatalf("error kind = %v, want %v (err: %v)", got, kind, err)
	}
}

// ── Load / Unload / Reload ──────────────────────────────────────────────

func TestManagerLoadDirAddon(t *testing.T) {
	m, sink, dir := newTestManager(t)
	installAddon(t, dir, "music",
		`{"name":"music","version":"1.0.0","commands":[{"name":"play","reply":"Playing!"}]}`)

	if err := m.Load("music"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rec := m.Registry().Get("music")
	if rec == nil || !rec.Loaded {
		t.Fatalf("record = %+v, want loaded", rec)
	}
	if len(rec.Commands) != 1 {
		t.Errorf("commands = %d, want 1", len(rec.Commands))
	}
	if !sink.registered("music") {
		t.Error("sink not registered")
	}
}

func TestManagerLoadAlreadyLoaded(t *testing.T) {
	m, _, dir := newTestManager(t)
	installAddon(t, dir, "music", `{"name":"music","version":"1.0.0"}`)

	if err := m.Load("music"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	wantKind(t, m.Load("music"), apperrors.KindConflict)
}

func TestManagerLoadMissing(t *testing.T) {
	m, _, _ := newTestManager(t)
	wantKind(t, m.Load("ghost"), apperrors.KindNotFound)
}

func TestManagerLoadInvalidManifest(t *testing.T) {
	m, sink, dir := newTestManager(t)
	installAddon(t, dir, "broken", `{"version":"1.0.0"}`)

	wantKind(t, m.Load("broken"), apperrors.KindValidation)

	if m.Registry().Get("broken") != nil {
		t.Error("invalid addon must not be committed to the registry")
	}
	if sink.registered("broken") {
		t.Error("invalid addon must not register routes")
	}
	if m.Status().LastError == "" {
		t.Error("load failure must be recorded as last error")
	}
}

func TestManagerLoadNameMismatch(t *testing.T) {
	m, _, dir := newTestManager(t)
	installAddon(t, dir, "music", `{"name":"other","version":"1.0.0"}`)
	wantKind(t, m.Load("music"), apperrors.KindValidation)
}

func TestManagerLoadSinkFailureRollsBack(t *testing.T) {
	m, sink, _ := newTestManager(t)
	mod := &testModule{manifest: &Manifest{Name: "native", Version: "1.0.0"}}
	if err := m.RegisterBuiltin(mod); err != nil {
		t.Fatal(err)
	}
	sink.fail["native"] = true

	wantKind(t, m.Load("native"), apperrors.KindConflict)

	if m.Registry().Get("native") != nil {
		t.Error("failed load must not leave a registry record")
	}
	if !mod.disposed {
		t.Error("module must be disposed after a failed route registration")
	}
}

func TestManagerInitPanicIsContained(t *testing.T) {
	m, sink, _ := newTestManager(t)
	mod := &testModule{manifest: &Manifest{Name: "evil", Version: "1.0.0"}, panicInit: true}
	if err := m.RegisterBuiltin(mod); err != nil {
		t.Fatal(err)
	}

	wantKind(t, m.Load("evil"), apperrors.KindValidation)
	if m.Registry().Get("evil") != nil || sink.registered("evil") {
		t.Error("panicking module must leave no state behind")
	}
}

func TestManagerUnload(t *testing.T) {
	m, sink, dir := newTestManager(t)
	installAddon(t, dir, "music", `{"name":"music","version":"1.0.0"}`)

	if err := m.Load("music"); err != nil {
		t.Fatal(err)
	}
	if err := m.Unload("music"); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	if m.Registry().Get("music") != nil {
		t.Error("record must be removed on unload")
	}
	if sink.registered("music") {
		t.Error("routes must be removed on unload")
	}
	wantKind(t, m.Unload("music"), apperrors.KindNotFound)
}

func TestManagerReload(t *testing.T) {
	m, _, dir := newTestManager(t)
	installAddon(t, dir, "music", `{"name":"music","version":"1.0.0"}`)

	if err := m.Load("music"); err != nil {
		t.Fatal(err)
	}

	// Bump the version on disk; reload must pick it up.
	installAddon(t, dir, "music", `{"name":"music","version":"2.0.0"}`)
	if err := m.Reload("music"); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	rec := m.Registry().Get("music")
	if rec == nil || rec.Manifest.Version != "2.0.0" {
		t.Errorf("record after reload = %+v, want version 2.0.0", rec)
	}
}

func TestManagerReloadFailureLeavesUnloaded(t *testing.T) {
	m, sink, dir := newTestManager(t)
	installAddon(t, dir, "music", `{"name":"music","version":"1.0.0"}`)

	if err := m.Load("music"); err != nil {
		t.Fatal(err)
	}

	// Corrupt the package; the reload's load step must fail cleanly.
	installAddon(t, dir, "music", `{broken`)
	if err := m.Reload("music"); err == nil {
		t.Fatal("expected reload failure")
	}

	if m.Registry().Get("music") != nil {
		t.Error("failed reload must end fully unloaded, not half-registered")
	}
	if sink.registered("music") {
		t.Error("failed reload must leave no routes")
	}
}

// Concurrent lifecycle calls for the same name serialize: exactly one
// load wins, the rest observe the conflict.
func TestManagerConcurrentLoadSingleWinner(t *testing.T) {
	m, sink, dir := newTestManager(t)
	installAddon(t, dir, "music", `{"name":"music","version":"1.0.0"}`)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Load("music")
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		if err == nil {
			success++
		} else if apperrors.KindOf(err) != apperrors.KindConflict {
			t.Errorf("unexpected error kind: %v", err)
		}
	}
	if success != 1 {
		t.Errorf("%d loads succeeded, want exactly 1", success)
	}
	if !sink.registered("music") {
		t.Error("winner must have registered routes")
	}
}

// ── Create / Delete ─────────────────────────────────────────────────────

func TestManagerCreateFromTemplate(t *testing.T) {
	m, _, _ := newTestManager(t)

	if err := m.Create("fresh", "full"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := m.Validate("fresh")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.OK {
		t.Errorf("scaffolded addon must validate cleanly: %+v", res)
	}

	if err := m.Load("fresh"); err != nil {
		t.Fatalf("scaffolded addon must load: %v", err)
	}
	rec := m.Registry().Get("fresh")
	if rec.Dashboard == nil || len(rec.Dashboard.APIRoutes) != 2 {
		t.Errorf("full template dashboard = %+v", rec.Dashboard)
	}
}

func TestManagerCreateInvalidName(t *testing.T) {
	m, _, _ := newTestManager(t)
	wantKind(t, m.Create("../evil", "basic"), apperrors.KindValidation)
	wantKind(t, m.Create("ok", "no-such-template"), apperrors.KindValidation)
}

func TestManagerCreateCollision(t *testing.T) {
	m, _, dir := newTestManager(t)
	installAddon(t, dir, "music", `{"name":"music","version":"1.0.0"}`)
	wantKind(t, m.Create("music", "basic"), apperrors.KindConflict)

	if err := m.RegisterBuiltin(&testModule{manifest: &Manifest{Name: "native", Version: "1"}}); err != nil {
		t.Fatal(err)
	}
	wantKind(t, m.Create("native", "basic"), apperrors.KindConflict)
}

func TestManagerDelete(t *testing.T) {
	m, sink, dir := newTestManager(t)
	installAddon(t, dir, "music", `{"name":"music","version":"1.0.0"}`)

	if err := m.Load("music"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateConfig("music", map[string]interface{}{"volume": 5.0}); err != nil {
		t.Fatal(err)
	}

	if err := m.Delete("music"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "music")); !os.IsNotExist(err) {
		t.Error("addon directory must be removed")
	}
	if sink.registered("music") {
		t.Error("loaded addon must be unloaded before deletion")
	}
	wantKind(t, m.Delete("music"), apperrors.KindNotFound)
}

// ── Config ──────────────────────────────────────────────────────────────

func TestManagerConfigMerge(t *testing.T) {
	m, _, dir := newTestManager(t)
	installAddon(t, dir, "music", `{"name":"music","version":"1.0.0"}`)

	if _, err := m.UpdateConfig("music", map[string]interface{}{"volume": 5.0, "mode": "radio"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := m.UpdateConfig("music", map[string]interface{}{"volume": 9.0})
	if err != nil {
		t.Fatal(err)
	}

	if cfg["volume"] != 9.0 {
		t.Errorf("volume = %v, want 9", cfg["volume"])
	}
	if cfg["mode"] != "radio" {
		t.Errorf("merge must keep untouched keys, mode = %v", cfg["mode"])
	}

	got, err := m.GetConfig("music")
	if err != nil {
		t.Fatal(err)
	}
	if got["volume"] != 9.0 {
		t.Errorf("persisted volume = %v", got["volume"])
	}
}

func TestManagerConfigUnknownAddon(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.GetConfig("ghost")
	wantKind(t, err, apperrors.KindNotFound)
	_, err = m.UpdateConfig("ghost", map[string]interface{}{"a": 1.0})
	wantKind(t, err, apperrors.KindNotFound)
}

// ── List / LoadAll ──────────────────────────────────────────────────────

func TestManagerListIncludesUnloaded(t *testing.T) {
	m, _, dir := newTestManager(t)
	installAddon(t, dir, "loaded", `{"name":"loaded","version":"1.0.0"}`)
	installAddon(t, dir, "idle", `{"name":"idle","version":"0.5.0"}`)
	if err := m.Load("loaded"); err != nil {
		t.Fatal(err)
	}

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(list))
	}
	byName := make(map[string]ListEntry)
	for _, e := range list {
		byName[e.Name] = e
	}
	if !byName["loaded"].Loaded || byName["idle"].Loaded {
		t.Errorf("loaded flags wrong: %+v", byName)
	}
	if byName["idle"].Version != "0.5.0" {
		t.Errorf("idle version = %q", byName["idle"].Version)
	}
}

func TestManagerLoadAll(t *testing.T) {
	m, _, dir := newTestManager(t)
	installAddon(t, dir, "good", `{"name":"good","version":"1.0.0"}`)
	installAddon(t, dir, "bad", `{broken`)
	if err := m.RegisterBuiltin(&testModule{manifest: &Manifest{Name: "native", Version: "1"}}); err != nil {
		t.Fatal(err)
	}

	m.LoadAll()

	if rec := m.Registry().Get("good"); rec == nil || !rec.Loaded {
		t.Error("good addon must be loaded")
	}
	if rec := m.Registry().Get("native"); rec == nil || !rec.Loaded {
		t.Error("builtin must be loaded")
	}
	if m.Registry().Get("bad") != nil {
		t.Error("bad addon must be skipped, not committed")
	}
	if m.Status().Loaded != 2 {
		t.Errorf("Status().Loaded = %d, want 2", m.Status().Loaded)
	}
}
