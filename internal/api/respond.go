package api

import (
	"encoding/json"
	"net/http"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/logger"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("response encode failed", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeFault maps a fault kind to its HTTP status. Internal details never
// leak: anything unexpected becomes a generic 500.
func writeFault(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	code := http.StatusInternalServerError
	msg := "internal error"

	switch kind {
	case domain.KindInvalidSender, domain.KindInvalidRecipients,
		domain.KindNoRecipients, domain.KindInvalidReplyTo:
		code, msg = http.StatusBadRequest, err.Error()
	case domain.KindQuotaExceeded:
		code, msg = http.StatusTooManyRequests, err.Error()
	case domain.KindNotFound, domain.KindCrossTenant:
		// cross-tenant reads as not-found so existence is not revealed
		code, msg = http.StatusNotFound, "not found"
	case domain.KindQueueFailed:
		code, msg = http.StatusBadGateway, err.Error()
	default:
		logger.Error("request failed", "kind", string(kind), "error", err.Error())
	}

	writeJSON(w, code, map[string]string{"error": msg, "kind": string(kind)})
}
