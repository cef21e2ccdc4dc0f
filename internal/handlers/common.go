package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"botdeck/internal/apperrors"
)

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("⚠️  Failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WriteError maps a domain error to its HTTP status and JSON body.
// Internal errors get a generic body; the full detail is only logged.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindInternal || kind == apperrors.KindUpstream {
		log.Printf("❌ %v", err)
	}

	body := map[string]string{"error": apperrors.Message(err)}
	if details := apperrors.Details(err); details != "" {
		body["details"] = details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	json.NewEncoder(w).Encode(body)
}
