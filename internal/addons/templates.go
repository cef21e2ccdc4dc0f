package addons

import (
	"fmt"
	"os"
	"path/filepath"

	"botdeck/internal/apperrors"
)

// TemplateInfo describes one scaffold template for the UI.
type TemplateInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Templates lists the available scaffold templates.
func Templates() []TemplateInfo {
	return []TemplateInfo{
		{Name: "basic", Description: "Empty add-on with a manifest only"},
		{Name: "command", Description: "Add-on with one example chat command"},
		{Name: "event", Description: "Add-on observing one example chat event"},
		{Name: "full", Description: "Command, event, and a dashboard page with an API route"},
	}
}

func templateManifest(name, template string) (string, bool) {
	switch template {
	case "basic":
		return fmt.Sprintf(`{
  "name": %q,
  "version": "0.1.0",
  "description": "A new add-on"
}
`, name), true

	case "command":
		return fmt.Sprintf(`{
  "name": %q,
  "version": "0.1.0",
  "description": "A new add-on",
  "permissions": ["commands"],
  "commands": [
    {"name": "hello", "description": "Say hello", "reply": "Hello from %s!"}
  ]
}
`, name, name), true

	case "event":
		return fmt.Sprintf(`{
  "name": %q,
  "version": "0.1.0",
  "description": "A new add-on",
  "permissions": ["events"],
  "events": [
    {"name": "guildMemberAdd"}
  ]
}
`, name), true

	case "full":
		return fmt.Sprintf(`{
  "name": %q,
  "version": "0.1.0",
  "description": "A new add-on",
  "permissions": ["commands", "events", "dashboard", "config"],
  "hasDashboard": true,
  "dashboardInfo": "Example dashboard page",
  "commands": [
    {"name": "hello", "description": "Say hello", "reply": "Hello from %s!"}
  ],
  "events": [
    {"name": "guildMemberAdd"}
  ]
}
`, name, name), true

	default:
		return "", false
	}
}

const fullDashboardConfig = `{
  "pages": [
    {"path": "/", "component": "index.html", "title": "Overview"}
  ],
  "navItems": [
    {"name": "Overview", "path": "/", "emoji": "🏠", "order": 0}
  ],
  "apiRoutes": [
    {"method": "GET", "path": "/config", "handler": {"type": "config"}},
    {"method": "GET", "path": "/commands", "handler": {"type": "command-list"}}
  ]
}
`

const fullIndexPage = `<!doctype html>
<html>
  <head><title>Add-on</title></head>
  <body><h1>Add-on dashboard page</h1></body>
</html>
`

// scaffold writes the template's files into dir. The directory must not
// already exist.
func scaffold(dir, name, template string) error {
	manifest, ok := templateManifest(name, template)
	if !ok {
		return apperrors.Validation("unknown template %q", template)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperrors.Internal(err, "create addon directory")
	}

	write := func(rel, content string) error {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(content), 0644)
	}

	if err := write(manifestFile, manifest); err != nil {
		os.RemoveAll(dir)
		return apperrors.Internal(err, "write manifest")
	}

	if template == "full" {
		if err := write(dashboardConfigFile, fullDashboardConfig); err != nil {
			os.RemoveAll(dir)
			return apperrors.Internal(err, "write dashboard config")
		}
		if err := write("dashboard/pages/index.html", fullIndexPage); err != nil {
			os.RemoveAll(dir)
			return apperrors.Internal(err, "write dashboard page")
		}
	}

	return nil
}
