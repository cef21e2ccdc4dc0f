package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"botdeck/internal/addons"
	"botdeck/internal/auth"
	"botdeck/internal/dashboard"
)

// maxImportSize caps uploaded add-on archives.
const maxImportSize = 50 << 20

// API bundles the dependencies the HTTP handlers need. Wired in main.go.
type API struct {
	Manager *addons.Manager
	Bridge  *dashboard.Bridge
	Hub     *addons.Hub
	DataDir string
}

// ─── Add-on listing & detail ─────────────────────────────────────────────

// ListAddons returns every known add-on, loaded or installed.
// GET /api/addons
func (a *API) ListAddons(w http.ResponseWriter, r *http.Request) {
	list := a.Manager.List()
	if list == nil {
		list = []addons.ListEntry{}
	}
	JSONResponse(w, list)
}

// GetAddon returns one add-on's manifest plus runtime state.
// GET /api/addons/{name}
func (a *API) GetAddon(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if rec := a.Manager.Registry().Get(name); rec != nil {
		JSONResponse(w, map[string]interface{}{
			"manifest":   rec.Manifest,
			"loaded":     rec.Loaded,
			"loaded_at":  rec.LoadedAt.Format(time.RFC3339),
			"commands":   rec.CommandNames(),
			"events":     rec.EventNames(),
			"dashboard":  rec.Dashboard,
			"validation": rec.Validation,
		})
		return
	}

	dir := a.Manager.Dir(name)
	manifest, err := addons.LoadManifest(dir)
	if err != nil {
		JSONError(w, "Add-on not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, map[string]interface{}{
		"manifest":   manifest,
		"loaded":     false,
		"validation": addons.ValidateDir(dir),
	})
}

// GetStatus returns registry load counts and the last failure.
// GET /api/addons/status
func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, a.Manager.Status())
}

// ListTemplates returns the scaffolding templates available to Create.
// GET /api/addons/templates/list
func (a *API) ListTemplates(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, addons.Templates())
}

// ─── Lifecycle ───────────────────────────────────────────────────────────

// LoadAddon loads an add-on by name.
// POST /api/addons/{name}/load
func (a *API) LoadAddon(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.Manager.Load(name); err != nil {
		WriteError(w, err)
		return
	}
	JSONResponse(w, map[string]string{"status": "loaded", "name": name})
}

// UnloadAddon unloads an add-on by name.
// POST /api/addons/{name}/unload
func (a *API) UnloadAddon(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.Manager.Unload(name); err != nil {
		WriteError(w, err)
		return
	}
	JSONResponse(w, map[string]string{"status": "unloaded", "name": name})
}

// ReloadAddon unloads and reloads an add-on under one lifecycle lock.
// POST /api/addons/{name}/reload
func (a *API) ReloadAddon(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.Manager.Reload(name); err != nil {
		WriteError(w, err)
		return
	}
	JSONResponse(w, map[string]string{"status": "reloaded", "name": name})
}

// ─── Create / Delete / Validate ──────────────────────────────────────────

// CreateAddon scaffolds a new add-on from a template.
// POST /api/addons/create
func (a *API) CreateAddon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Template == "" {
		req.Template = "basic"
	}

	if err := a.Manager.Create(req.Name, req.Template); err != nil {
		WriteError(w, err)
		return
	}

	session := auth.GetSessionFromContext(r)
	if session != nil && session.UserData != nil {
		log.Printf("📦 Add-on %s created by %s", req.Name, session.UserData.Username)
	}
	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, map[string]string{"status": "created", "name": req.Name})
}

// DeleteAddon unloads (if needed) and removes the add-on package.
// DELETE /api/addons/{name}
func (a *API) DeleteAddon(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.Manager.Delete(name); err != nil {
		WriteError(w, err)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted", "name": name})
}

// ValidateAddon re-checks the on-disk package without loading it.
// POST /api/addons/{name}/validate
func (a *API) ValidateAddon(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	result, err := a.Manager.Validate(name)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSONResponse(w, result)
}

// ─── Config ──────────────────────────────────────────────────────────────

// GetAddonConfig returns the add-on's persisted configuration.
// GET /api/addons/{name}/config
func (a *API) GetAddonConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := a.Manager.GetConfig(name)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSONResponse(w, cfg)
}

// UpdateAddonConfig merge-writes a config patch and returns the result.
// PUT /api/addons/{name}/config
func (a *API) UpdateAddonConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var patch map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	cfg, err := a.Manager.UpdateConfig(name, patch)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSONResponse(w, cfg)
}

// ─── Import / Export ─────────────────────────────────────────────────────

// ExportAddon streams the add-on package as a zip download.
// POST /api/addons/{name}/export
func (a *API) ExportAddon(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	zipPath, err := a.Manager.Export(name, a.DataDir)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer os.Remove(zipPath)

	f, err := os.Open(zipPath)
	if err != nil {
		log.Printf("❌ Open export archive: %v", err)
		JSONError(w, "Failed to export add-on", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", name+".zip"))
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("⚠️  Stream export for %s: %v", name, err)
	}
}

// ImportAddon installs an add-on from an uploaded zip archive.
// POST /api/addons/import  (multipart, field "file", optional "overwrite")
func (a *API) ImportAddon(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)
	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		JSONError(w, "Upload too large or malformed", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		JSONError(w, "Missing file upload", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		JSONError(w, "Only .zip archives are accepted", http.StatusBadRequest)
		return
	}

	overwrite := r.FormValue("overwrite") == "true"

	tmp, err := os.CreateTemp(a.DataDir, "import-*.zip")
	if err != nil {
		log.Printf("❌ Create import temp file: %v", err)
		JSONError(w, "Failed to import add-on", http.StatusInternalServerError)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		log.Printf("❌ Save import upload: %v", err)
		JSONError(w, "Failed to import add-on", http.StatusInternalServerError)
		return
	}
	tmp.Close()

	name, err := a.Manager.Import(tmpPath, overwrite)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSONResponse(w, map[string]string{"status": "imported", "name": name})
}

// ─── Dashboard surface ───────────────────────────────────────────────────

// GetDashboardConfig returns the merged pages and nav items contributed
// by loaded add-ons.
// GET /api/dashboard/config
func (a *API) GetDashboardConfig(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, a.Bridge.Config())
}

// ListRoutes returns every registered dynamic route descriptor.
// GET /api/dashboard/routes
func (a *API) ListRoutes(w http.ResponseWriter, r *http.Request) {
	routes := a.Bridge.Routes()
	if routes == nil {
		routes = []dashboard.RouteDescriptor{}
	}
	JSONResponse(w, routes)
}

// AddonAsset serves a dashboard page asset shipped inside an add-on.
// GET /api/dashboard/addons/{name}/pages/{asset...}
func (a *API) AddonAsset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rel := r.PathValue("asset")

	path, contentType, err := a.Bridge.ResolveAsset(name, rel)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, path)
}

// DispatchAddonRoute forwards the request to a loaded add-on's dynamic
// route. Registered as the fallthrough below the fixed /api/addons
// endpoints.
// /api/addons/{name}/{path...}
func (a *API) DispatchAddonRoute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	subpath := r.PathValue("path")

	user := auth.UserFromContext(r)
	if err := a.Bridge.Dispatch(w, r, name, subpath, user); err != nil {
		WriteError(w, err)
	}
}

// AddonWebSocket upgrades to the live add-on status stream.
// GET /api/addons/ws
func (a *API) AddonWebSocket(w http.ResponseWriter, r *http.Request) {
	a.Hub.HandleConnection(w, r)
}

// ─── Route registration ──────────────────────────────────────────────────

// RouteGuards bundles the middleware wrappers main.go builds for the
// add-on API surface.
type RouteGuards struct {
	// Protect requires a session and CSRF and runs under the request
	// timeout. Any authenticated user.
	Protect func(http.HandlerFunc) http.HandlerFunc
	// Operator is Protect plus an operator role check.
	Operator func(http.HandlerFunc) http.HandlerFunc
	// Stream is Operator without the timeout, for the WebSocket upgrade
	// (a timeout handler cannot hijack the connection).
	Stream func(http.HandlerFunc) http.HandlerFunc
	// Dispatch attaches the session when one exists and otherwise passes
	// through anonymously; each add-on route enforces its own declared
	// roles at dispatch, so public routes stay reachable.
	Dispatch func(http.HandlerFunc) http.HandlerFunc
}

// RegisterAddonRoutes wires every add-on endpoint onto the mux. The
// whole management surface is operator only; the dashboard surface
// takes any authenticated user; dynamic add-on routes are governed by
// their own declared roles.
func (a *API) RegisterAddonRoutes(mux *http.ServeMux, g RouteGuards) {
	// Management: read side
	mux.HandleFunc("GET /api/addons", g.Operator(a.ListAddons))
	mux.HandleFunc("GET /api/addons/status", g.Operator(a.GetStatus))
	mux.HandleFunc("GET /api/addons/templates/list", g.Operator(a.ListTemplates))
	mux.HandleFunc("GET /api/addons/{name}", g.Operator(a.GetAddon))
	mux.HandleFunc("GET /api/addons/{name}/config", g.Operator(a.GetAddonConfig))

	// Management: lifecycle
	mux.HandleFunc("POST /api/addons/create", g.Operator(a.CreateAddon))
	mux.HandleFunc("POST /api/addons/import", g.Operator(a.ImportAddon))
	mux.HandleFunc("DELETE /api/addons/{name}", g.Operator(a.DeleteAddon))
	mux.HandleFunc("POST /api/addons/{name}/load", g.Operator(a.LoadAddon))
	mux.HandleFunc("POST /api/addons/{name}/unload", g.Operator(a.UnloadAddon))
	mux.HandleFunc("POST /api/addons/{name}/reload", g.Operator(a.ReloadAddon))
	mux.HandleFunc("POST /api/addons/{name}/validate", g.Operator(a.ValidateAddon))
	mux.HandleFunc("POST /api/addons/{name}/export", g.Operator(a.ExportAddon))
	mux.HandleFunc("PUT /api/addons/{name}/config", g.Operator(a.UpdateAddonConfig))

	// Dashboard surface
	mux.HandleFunc("GET /api/dashboard/config", g.Protect(a.GetDashboardConfig))
	mux.HandleFunc("GET /api/dashboard/routes", g.Protect(a.ListRoutes))
	mux.HandleFunc("GET /api/dashboard/addons/{name}/pages/{asset...}", g.Protect(a.AddonAsset))

	// Live status stream + dynamic add-on routes
	mux.HandleFunc("GET /api/addons/ws", g.Stream(a.AddonWebSocket))
	mux.HandleFunc("/api/addons/{name}/{path...}", g.Dispatch(a.DispatchAddonRoute))
}
