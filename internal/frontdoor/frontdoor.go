// Package frontdoor mounts the relay's client-facing HTTP handlers.
//
// Each handler package exposes its routes as a list of HandlerRegistration
// values and the runtime mounts them with Mount, so the route table is
// explicit and visible in one place.
package frontdoor

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HandlerRegistration represents a registered HTTP handler.
type HandlerRegistration struct {
	Path    string
	Method  string
	Handler func(http.ResponseWriter, *http.Request)
}

// Mount registers every handler on r. An empty Method means POST.
func Mount(r chi.Router, regs []HandlerRegistration, logger *slog.Logger) {
	for _, reg := range regs {
		method := reg.Method
		if method == "" {
			method = http.MethodPost
		}

		switch method {
		case http.MethodGet:
			r.Get(reg.Path, reg.Handler)
		case http.MethodPost:
			r.Post(reg.Path, reg.Handler)
		default:
			r.Method(method, reg.Path, http.HandlerFunc(reg.Handler))
		}

		logger.Debug("registered handler",
			slog.String("method", method),
			slog.String("path", reg.Path))
	}
}
