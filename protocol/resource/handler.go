package resource

import (
	"log/slog"
	"net/http"

	"github.com/inpertio/config-server/protocol"
	"github.com/inpertio/config-server/telemetry"
)

// Handler serves GET /api/resource/v1/{branch}/{path...}.
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

// ServeHTTP implements http.Handler. Content type is derived from the file
// name, falling back to sniffing the first bytes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.SetProtocol(r, "resource")
	telemetry.SetEndpoint(r, "resource")

	branch := r.PathValue("branch")
	name := r.PathValue("path")
	logger := h.logger.With("branch", branch, "path", name)

	res, err := h.service.GetResource(r.Context(), branch, name)
	if err != nil {
		logger.Debug("resource query failed", "error", err)
		protocol.WriteError(w, logger, err)
		return
	}
	defer func() { _ = res.Close() }()

	w.Header().Set("ETag", res.ETag.ETag())
	w.Header().Set("X-Config-Commit", res.CommitID)
	http.ServeContent(w, r, res.Name, res.ModTime, res.File)
}
