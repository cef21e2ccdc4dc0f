package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Addon lifecycle events
	AddonLoaded     EventType = "addon_loaded"
	AddonUnloaded   EventType = "addon_unloaded"
	AddonLoadFailed EventType = "addon_load_failed"
	AddonCreated    EventType = "addon_created"
	AddonDeleted    EventType = "addon_deleted"
	AddonImported   EventType = "addon_imported"

	// Security events
	AuthLockout      EventType = "auth_lockout"
	AuthDenied       EventType = "auth_denied"
	SessionDestroyed EventType = "session_destroyed"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	AddonName string            `json:"addon_name,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
