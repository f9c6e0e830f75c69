// Package protocol holds what the HTTP protocol handlers share.
package protocol

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	configserver "github.com/inpertio/config-server"
)

// WriteError renders err. Failures are client errors and are written as a
// plain text 400 carrying their reason; anything else is logged and hidden
// behind a generic 500.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if f, ok := configserver.AsFailure(err); ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(f.Reason))
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Debug("request abandoned", "error", err)
		http.Error(w, "request canceled", http.StatusServiceUnavailable)
		return
	}
	logger.Error("request failed", "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
