package config

import (
	"os"
	"strings"

	"botdeck/internal/models"
)

// Load returns the server configuration from environment variables
func Load() models.Config {
	return models.Config{
		Port:           getEnv("PORT", "9080"),
		DBPath:         getEnv("DB_PATH", "botdeck.db"),
		AddonsDir:      getEnv("ADDONS_DIR", "addons"),
		DataDir:        getEnv("DATA_DIR", "data"),
		ClientID:       getEnv("DISCORD_CLIENT_ID", ""),
		ClientSecret:   getEnv("DISCORD_CLIENT_SECRET", ""),
		RedirectURI:    getEnv("DISCORD_REDIRECT_URI", "http://localhost:9080/api/auth/callback"),
		BotToken:       getEnv("DISCORD_BOT_TOKEN", ""),
		SessionSecret:  getEnv("SESSION_SECRET", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),
		OperatorRoles:  getEnvList("OPERATOR_ROLES"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvList parses a comma-separated environment variable into a slice,
// trimming whitespace and dropping empty entries.
func getEnvList(key string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
