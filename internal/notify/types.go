package notify

import (
	"time"

	"botdeck/internal/events"
)

// Service is a configured Shoutrrr destination for operator alerts
// about add-on failures and auth anomalies.
type Service struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	ConfigJSON string `json:"config_json"`
	Enabled    bool   `json:"enabled"`
	// MinSeverity is the lowest event severity this service wants.
	MinSeverity events.Severity `json:"min_severity"`
	// EventTypes restricts delivery to these types; empty means all.
	EventTypes []string `json:"event_types"`
	// CooldownMinutes is the minimum gap between repeated alerts of the
	// same event type.
	CooldownMinutes int       `json:"cooldown_minutes"`
	CreatedAt       time.Time `json:"created_at"`
}

// WantsType reports whether the service subscribes to the event type.
func (s *Service) WantsType(t events.EventType) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, et := range s.EventTypes {
		if et == string(t) {
			return true
		}
	}
	return false
}
