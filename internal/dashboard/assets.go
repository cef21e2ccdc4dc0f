package dashboard

import (
	"os"
	"path/filepath"
	"strings"

	"botdeck/internal/apperrors"
)

// contentTypes maps page asset extensions to their Content-Type.
var contentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".js":   "application/javascript",
	".jsx":  "application/javascript",
	".css":  "text/css; charset=utf-8",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".ico":  "image/x-icon",
}

// ResolveAsset locates a page or asset file for a loaded add-on. The
// add-on name is matched case-insensitively against the loaded-name
// index; the relative path is confined to the add-on's dashboard/pages
// directory. Returns the absolute path and content type.
func (b *Bridge) ResolveAsset(addonName, rel string) (string, string, error) {
	canonical := b.Resolve(addonName)
	if canonical == "" {
		return "", "", apperrors.NotFound("addon %q is not loaded", addonName)
	}

	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "index.html"
	}

	// Confine to the pages directory: cleaned path may not climb out.
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) || filepath.IsAbs(clean) {
		return "", "", apperrors.Validation("invalid asset path")
	}

	full := filepath.Join(b.addonsDir, canonical, "dashboard", "pages", clean)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", "", apperrors.NotFound("asset %q not found for addon %q", rel, addonName)
	}

	ct, ok := contentTypes[strings.ToLower(filepath.Ext(full))]
	if !ok {
		ct = "application/octet-stream"
	}
	return full, ct, nil
}
