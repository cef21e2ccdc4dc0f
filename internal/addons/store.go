package addons

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLConfigStore persists add-on configuration as JSON rows in sqlite.
type SQLConfigStore struct {
	db *sql.DB
}

// NewSQLConfigStore wraps an open database handle.
func NewSQLConfigStore(db *sql.DB) *SQLConfigStore {
	return &SQLConfigStore{db: db}
}

// GetConfig reads the stored config for name. Missing rows yield an
// empty map, not an error.
func (s *SQLConfigStore) GetConfig(name string) (map[string]interface{}, error) {
	var raw string
	err := s.db.QueryRow(
		"SELECT config_json FROM addon_configs WHERE addon_name = ?", name,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config for %q: %w", name, err)
	}

	cfg := make(map[string]interface{})
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode config for %q: %w", name, err)
	}
	return cfg, nil
}

// PutConfig replaces the stored config for name.
func (s *SQLConfigStore) PutConfig(name string, cfg map[string]interface{}) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config for %q: %w", name, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO addon_configs (addon_name, config_json, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(addon_name) DO UPDATE SET
			config_json = excluded.config_json,
			updated_at  = CURRENT_TIMESTAMP
	`, name, string(raw))
	if err != nil {
		return fmt.Errorf("put config for %q: %w", name, err)
	}
	return nil
}

// DeleteConfig removes the stored config for name. Deleting a missing
// row is not an error.
func (s *SQLConfigStore) DeleteConfig(name string) error {
	_, err := s.db.Exec("DELETE FROM addon_configs WHERE addon_name = ?", name)
	if err != nil {
		return fmt.Errorf("delete config for %q: %w", name, err)
	}
	return nil
}
