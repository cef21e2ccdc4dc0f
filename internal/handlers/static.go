package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Version is set at build time
var Version = "dev"

// Health returns server health status
func Health(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

// GetVersion returns server version
func GetVersion(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{"version": Version})
}

// StaticFiles serves the dashboard SPA. Unknown paths without a file
// extension fall back to index.html so client-side routing works.
func StaticFiles(webDir string) http.HandlerFunc {
	fs := http.FileServer(http.Dir(webDir))

	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(webDir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}

		if strings.Contains(filepath.Base(r.URL.Path), ".") {
			http.NotFound(w, r)
			return
		}

		http.ServeFile(w, r, filepath.Join(webDir, "index.html"))
	}
}
