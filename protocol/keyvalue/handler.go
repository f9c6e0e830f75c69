package keyvalue

import (
	"log/slog"
	"net/http"

	"github.com/inpertio/config-server/protocol"
	"github.com/inpertio/config-server/telemetry"
)

// Handler serves GET /api/keyValue/v1/{branch}/{paths...}. paths is a comma
// separated list of files or directories in the branch. A named file is
// always parsed as YAML; a named directory contributes only the .yml and
// .yaml files found below it. The response is text/plain key=value lines.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a Handler.
func NewHandler(service *Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service: service,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.SetProtocol(r, "keyvalue")
	telemetry.SetEndpoint(r, "configs")

	branch := r.PathValue("branch")
	paths := SplitPaths(r.PathValue("paths"))
	logger := h.logger.With("branch", branch, "paths", paths)

	props, err := h.service.GetConfigs(r.Context(), branch, paths)
	if err != nil {
		logger.Debug("configuration query failed", "error", err)
		protocol.WriteError(w, logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(props.String())); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}
