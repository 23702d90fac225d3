package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/divers33/hass-melcloud-coordinator/internal/coordinator"
	"github.com/divers33/hass-melcloud-coordinator/internal/melcloud"
)

// handleRefresh triggers an immediate cloud poll and waits for its outcome.
// Concurrent callers attach to the same in-flight cycle.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.coordinator.RequestRefresh(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	var rateErr *melcloud.RateLimitError
	switch {
	case errors.Is(err, coordinator.ErrShutdown):
		writeServiceUnavailable(w, "coordinator is shutting down")
	case errors.Is(err, melcloud.ErrAuthFailed):
		writeError(w, http.StatusBadGateway, ErrCodeAuthFailed, "cloud rejected credentials")
	case errors.As(err, &rateErr):
		if rateErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		}
		writeError(w, http.StatusServiceUnavailable, ErrCodeRateLimited, "cloud is rate limiting requests")
	case errors.Is(err, melcloud.ErrRateLimited):
		writeError(w, http.StatusServiceUnavailable, ErrCodeRateLimited, "cloud is rate limiting requests")
	default:
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "cloud refresh failed: "+err.Error())
	}
}
