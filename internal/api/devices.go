package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/divers33/hass-melcloud-coordinator/internal/coordinator"
	"github.com/divers33/hass-melcloud-coordinator/internal/device"
)

// handleListDevices returns the registry contents. The family, building
// and available query parameters narrow the list; they combine as AND.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var devices []*device.Device
	if familyStr := r.URL.Query().Get("family"); familyStr != "" {
		devices = s.registry.ListByFamily(device.Family(familyStr))
	} else {
		devices = s.registry.List()
	}

	if buildingStr := r.URL.Query().Get("building"); buildingStr != "" {
		buildingID, err := strconv.ParseInt(buildingStr, 10, 64)
		if err != nil {
			writeBadRequest(w, "building must be an integer")
			return
		}
		devices = filterDevices(devices, func(d *device.Device) bool {
			return d.BuildingID == buildingID
		})
	}

	if availStr := r.URL.Query().Get("available"); availStr != "" {
		avail, err := strconv.ParseBool(availStr)
		if err != nil {
			writeBadRequest(w, "available must be true or false")
			return
		}
		devices = filterDevices(devices, func(d *device.Device) bool {
			return d.Available == avail
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// filterDevices returns the devices matching the predicate.
func filterDevices(devices []*device.Device, keep func(*device.Device) bool) []*device.Device {
	out := make([]*device.Device, 0, len(devices))
	for _, d := range devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// handleGetDevice returns one device with its capabilities and zones.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleGetDeviceState returns the displayed state of a device. Pending
// targets overlay confirmed values so callers read their own writes.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":        dev.ID,
		"available":        dev.Available,
		"state":            dev.DisplayedState(),
		"pending":          dev.Target,
		"state_updated_at": dev.StateUpdatedAt,
		"last_seen":        dev.LastSeen,
	})
}

// StateWriteRequest is the body for PUT /devices/{id}/state. Zone is 0 for
// device-level fields and 1..N for ATW zone fields; it applies to every
// target in the request.
type StateWriteRequest struct {
	Zone    int            `json:"zone,omitempty"`
	Targets map[string]any `json:"targets"`
}

// IssuedCommand describes one accepted command in a write response.
type IssuedCommand struct {
	CommandID string `json:"command_id"`
	Field     string `json:"field"`
	Target    any    `json:"target"`
}

// handleSetDeviceState enqueues one command per field target.
//
// All targets are validated against the device's capabilities before any
// command is issued, so a bad field rejects the whole request. The response
// is 202 Accepted; confirmation or expiry arrives via WebSocket.
func (s *Server) handleSetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	var req StateWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Targets) == 0 {
		writeBadRequest(w, "targets is required")
		return
	}

	// Deterministic issue order.
	fields := make([]string, 0, len(req.Targets))
	for field := range req.Targets {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	// Validate everything up front so a bad field issues nothing.
	for _, field := range fields {
		if _, err := device.ValidateTarget(dev, req.Zone, field, req.Targets[field]); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, field+": "+err.Error())
			return
		}
	}

	issued := make([]IssuedCommand, 0, len(fields))
	for _, field := range fields {
		commandID, err := s.coordinator.Enqueue(r.Context(), coordinator.Command{
			DeviceID: id,
			Zone:     req.Zone,
			Field:    field,
			Value:    req.Targets[field],
		})
		if err != nil {
			s.writeEnqueueError(w, err)
			return
		}
		issued = append(issued, IssuedCommand{
			CommandID: commandID,
			Field:     field,
			Target:    req.Targets[field],
		})
	}

	s.logger.Info("state write accepted",
		"device_id", id,
		"zone", req.Zone,
		"fields", fields,
	)

	resp := map[string]any{
		"device_id": id,
		"status":    "accepted",
		"commands":  issued,
	}
	if req.Zone > 0 {
		resp["zone"] = req.Zone
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// VaneRequest is the body for the vane positioning endpoints.
type VaneRequest struct {
	Position string `json:"position"`
}

// handleVaneVertical issues a vertical vane command.
func (s *Server) handleVaneVertical(w http.ResponseWriter, r *http.Request) {
	s.handleVane(w, r, device.FieldVaneVertical, s.coordinator.SetVaneVertical)
}

// handleVaneHorizontal issues a horizontal vane command.
func (s *Server) handleVaneHorizontal(w http.ResponseWriter, r *http.Request) {
	s.handleVane(w, r, device.FieldVaneHorizontal, s.coordinator.SetVaneHorizontal)
}

// handleVane decodes a vane position request and issues it through the
// given coordinator helper.
func (s *Server) handleVane(w http.ResponseWriter, r *http.Request, field string,
	set func(ctx context.Context, deviceID, position string) (string, error),
) {
	id := chi.URLParam(r, "id")

	var req VaneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Position == "" {
		writeBadRequest(w, "position is required")
		return
	}

	commandID, err := set(r.Context(), id, req.Position)
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id": commandID,
		"device_id":  id,
		"field":      field,
		"target":     req.Position,
		"status":     "accepted",
	})
}

// writeEnqueueError maps coordinator enqueue failures onto HTTP responses.
func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrShutdown):
		writeServiceUnavailable(w, "coordinator is shutting down")
	case errors.Is(err, coordinator.ErrUnknownDevice):
		writeNotFound(w, "device not found")
	case isTargetValidationError(err):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		writeInternalError(w, "failed to enqueue command")
	}
}

// isTargetValidationError reports whether the error is one of the target
// validation sentinels.
func isTargetValidationError(err error) bool {
	return errors.Is(err, device.ErrUnknownField) ||
		errors.Is(err, device.ErrUnsupportedField) ||
		errors.Is(err, device.ErrReadOnlyField) ||
		errors.Is(err, device.ErrInvalidValue) ||
		errors.Is(err, device.ErrUnsupportedFamily)
}

// handleDeviceHistory returns recent state snapshots for a device, newest
// first. The limit query parameter caps the page size, defaulting to 50.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.registry.Get(id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries := []device.StateHistoryEntry{}
	if s.history != nil {
		var err error
		entries, err = s.history.GetHistory(r.Context(), id, limit)
		if err != nil {
			s.logger.Error("state history query failed", "device_id", id, "error", err)
			writeInternalError(w, "failed to query history")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"entries":   entries,
		"count":     len(entries),
	})
}
