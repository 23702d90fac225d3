package api

import (
	"net/http"
	"strconv"

	"github.com/divers33/hass-melcloud-coordinator/internal/journal"
)

// handleListCommands returns command journal entries, newest first.
//
// Query parameters:
//   - device_id: filter by device
//   - command_id: filter by command
//   - status: filter by lifecycle status (issued, superseded, written,
//     write_failed, confirmed, expired)
//   - limit: page size (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, journal.ListResult{Entries: []journal.Entry{}})
		return
	}

	filter := journal.Filter{
		DeviceID:  r.URL.Query().Get("device_id"),
		CommandID: r.URL.Query().Get("command_id"),
		Status:    r.URL.Query().Get("status"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("command journal query failed", "error", err)
		writeInternalError(w, "failed to query command journal")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
