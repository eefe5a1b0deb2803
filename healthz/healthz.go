// Package healthz serves liveness and readiness probes.
package healthz

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Handler struct {
	checks  map[string]Check
	timeout time.Duration
}

// New returns a Handler that runs checks on every request.  With no checks it
// always reports healthy.
func New(checks map[string]Check) *Handler {
	return &Handler{
		checks:  checks,
		timeout: 5 * time.Second,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			glog.Errorf("Health check %q failed: %v", name, err)
			http.Error(w, "503 Service Unavailable: "+name, http.StatusServiceUnavailable)
			return
		}
	}

	w.Write([]byte("200 OK"))
}
