package notify

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"botdeck/internal/events"
)

const timeFormat = "2006-01-02 15:04:05"

// CreateService inserts a new notification destination.
func CreateService(db *sql.DB, svc *Service) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO notification_services
			(name, config_json, enabled, min_severity, event_types, cooldown_minutes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		svc.Name, svc.ConfigJSON, boolInt(svc.Enabled),
		int(svc.MinSeverity), strings.Join(svc.EventTypes, ","), svc.CooldownMinutes)
	if err != nil {
		return 0, fmt.Errorf("create notification service: %w", err)
	}
	return res.LastInsertId()
}

// ListEnabledServices returns only enabled notification destinations.
func ListEnabledServices(db *sql.DB) ([]Service, error) {
	rows, err := db.Query(`
		SELECT id, name, config_json, enabled, min_severity, event_types,
		       cooldown_minutes, created_at
		FROM notification_services WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list enabled notification services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// ListServices returns every configured destination.
func ListServices(db *sql.DB) ([]Service, error) {
	rows, err := db.Query(`
		SELECT id, name, config_json, enabled, min_severity, event_types,
		       cooldown_minutes, created_at
		FROM notification_services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list notification services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// DeleteService removes a notification destination.
func DeleteService(db *sql.DB, id int64) error {
	res, err := db.Exec(`DELETE FROM notification_services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete notification service: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete notification service: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete notification service: not found")
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanService(s scannable) (Service, error) {
	var svc Service
	var enabled, minSev int
	var eventTypes, createdAt string

	err := s.Scan(&svc.ID, &svc.Name, &svc.ConfigJSON, &enabled,
		&minSev, &eventTypes, &svc.CooldownMinutes, &createdAt)
	if err != nil {
		return svc, fmt.Errorf("scan notification service: %w", err)
	}
	svc.Enabled = enabled == 1
	svc.MinSeverity = events.Severity(minSev)
	if eventTypes != "" {
		svc.EventTypes = strings.Split(eventTypes, ",")
	}
	svc.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return svc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
