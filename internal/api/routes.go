package api

import (
	"log/slog"
	"net/http"

	"opqo-media/internal/observability/logging"
	"opqo-media/internal/observability/metrics"
)

// Routes assembles the service mux and its middleware chain: security headers
// on the outside, then request IDs, then request logging, then metrics, then
// the handlers.
func Routes(handler *Handler, recorder *metrics.Recorder, logger *slog.Logger) http.Handler {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/v1/videos", handler.Videos)
	mux.HandleFunc("/v1/videos/", handler.VideoByID)
	mux.HandleFunc("/internal/v1/encodes/complete", handler.EncodeComplete)

	chain := http.Handler(mux)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = requestIDMiddleware(logger, chain)
	chain = securityHeadersMiddleware(SecurityConfig{}, chain)
	return chain
}
