package handlers

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"botdeck/internal/events"
	"botdeck/internal/notify"
)

// NotifyAPI serves notification service management. Wired in main.go.
type NotifyAPI struct {
	DB     *sql.DB
	Sender notify.Sender
}

// ─── Service CRUD ────────────────────────────────────────────────────────

// ListNotificationServices returns all configured services.
// GET /api/notifications/services
func (n *NotifyAPI) ListNotificationServices(w http.ResponseWriter, r *http.Request) {
	services, err := notify.ListServices(n.DB)
	if err != nil {
		log.Printf("❌ List notification services: %v", err)
		JSONError(w, "Failed to list services", http.StatusInternalServerError)
		return
	}
	if services == nil {
		services = []notify.Service{}
	}
	JSONResponse(w, services)
}

// CreateNotificationService adds a new service.
// POST /api/notifications/services
func (n *NotifyAPI) CreateNotificationService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string   `json:"name"`
		ConfigJSON      string   `json:"config_json"`
		Enabled         bool     `json:"enabled"`
		MinSeverity     int      `json:"min_severity"`
		EventTypes      []string `json:"event_types"`
		CooldownMinutes int      `json:"cooldown_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.ConfigJSON == "" {
		JSONError(w, "name and config_json are required", http.StatusBadRequest)
		return
	}

	svc := notify.Service{
		Name:            req.Name,
		ConfigJSON:      req.ConfigJSON,
		Enabled:         req.Enabled,
		MinSeverity:     events.Severity(req.MinSeverity),
		EventTypes:      req.EventTypes,
		CooldownMinutes: req.CooldownMinutes,
	}
	id, err := notify.CreateService(n.DB, &svc)
	if err != nil {
		log.Printf("❌ Create notification service: %v", err)
		JSONError(w, "Failed to create service", http.StatusInternalServerError)
		return
	}

	log.Printf("🔔 Notification service created: %s (id=%d)", req.Name, id)
	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, map[string]interface{}{"id": id, "name": req.Name})
}

// DeleteNotificationService removes a service.
// DELETE /api/notifications/services/{id}
func (n *NotifyAPI) DeleteNotificationService(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid service ID", http.StatusBadRequest)
		return
	}

	if err := notify.DeleteService(n.DB, id); err != nil {
		log.Printf("❌ Delete notification service: %v", err)
		JSONError(w, "Failed to delete service", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// TestNotificationService fires a test message through the configured URL.
// POST /api/notifications/test
func (n *NotifyAPI) TestNotificationService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfigJSON string `json:"config_json"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	var cfg struct {
		ShoutrrrURL string `json:"shoutrrr_url"`
	}
	if err := json.Unmarshal([]byte(req.ConfigJSON), &cfg); err != nil || cfg.ShoutrrrURL == "" {
		JSONError(w, "config_json must contain shoutrrr_url", http.StatusBadRequest)
		return
	}

	if err := n.Sender.Send(cfg.ShoutrrrURL, "Test notification from botdeck"); err != nil {
		JSONError(w, "Send failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	JSONResponse(w, map[string]string{"status": "sent"})
}

// RegisterNotificationRoutes wires the notification endpoints.
func (n *NotifyAPI) RegisterNotificationRoutes(mux *http.ServeMux, operator func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /api/notifications/services", operator(n.ListNotificationServices))
	mux.HandleFunc("POST /api/notifications/services", operator(n.CreateNotificationService))
	mux.HandleFunc("DELETE /api/notifications/services/{id}", operator(n.DeleteNotificationService))
	mux.HandleFunc("POST /api/notifications/test", operator(n.TestNotificationService))
}
