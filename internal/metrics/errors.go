package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keywatch/keywatch/internal/observability"
)

// API error metric names
const (
	APIErrorsTotal = "api_errors_total"
	PanicsTotal    = "api_panics_total"
)

// Route returns the route pattern r matched. Raw paths carry recipient IDs
// and must never become metric labels, so unmatched paths collapse to a
// prefix pattern.
func Route(r *http.Request) string {
	if r == nil {
		return "/unknown"
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/health"):
		return "/health/*"
	case path == "/version", path == "/metrics", path == "/":
		return path
	case strings.HasPrefix(path, "/v1/threads/"):
		return "/v1/threads/*"
	case strings.HasPrefix(path, "/v1/recipients/"):
		return "/v1/recipients/*"
	default:
		return "/unknown"
	}
}

// RecordAPIError counts one error envelope written in answer to r.
func RecordAPIError(r *http.Request, code string, status int) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}
	_ = sys.Counter(APIErrorsTotal, 1, map[string]string{
		"route":  Route(r),
		"code":   code,
		"status": strconv.Itoa(status),
	})
}

// RecordPanic counts a handler panic recovered while serving r.
func RecordPanic(r *http.Request) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}
	_ = sys.Counter(PanicsTotal, 1, map[string]string{"route": Route(r)})
}
