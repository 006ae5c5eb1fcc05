package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openkumo/kumo-core/internal/coordinator"
	"github.com/openkumo/kumo-core/internal/kumo"
)

// handleListDevices returns a snapshot of every known device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.coordinator.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": snapshots,
		"count":   len(snapshots),
	})
}

// handleListZones returns a summary of every known zone.
func (s *Server) handleListZones(w http.ResponseWriter, _ *http.Request) {
	zones := s.coordinator.Zones()
	writeJSON(w, http.StatusOK, map[string]any{
		"zones": zones,
		"count": len(zones),
	})
}

// handleGetDevice returns the current snapshot of a single device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	snap, ok := s.coordinator.Snapshot(serial)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleGetDeviceProfile returns a device's capability profile.
func (s *Server) handleGetDeviceProfile(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	profile, ok := s.coordinator.Profile(serial)
	if !ok {
		writeNotFound(w, "device profile not available")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// handleSendCommand validates and dispatches a command to a device.
//
// The request body is a flat attribute map, for example:
//
//	{"operationMode": "cool", "spCool": 22.5}
//
// Accepted commands return 202; the optimistic snapshot is published
// immediately and confirmed by a follow-up poll.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	var attrs kumo.Commands
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.coordinator.SendCommand(r.Context(), serial, attrs)
	if err == nil {
		writeJSON(w, http.StatusAccepted, s.commandAccepted(serial))
		return
	}

	var vErr *coordinator.ValidationError
	switch {
	case errors.Is(err, coordinator.ErrUnknownDevice):
		writeNotFound(w, "device not found")
	case errors.As(err, &vErr):
		writeValidationError(w, vErr.Error())
	case errors.Is(err, kumo.ErrAuth):
		writeUpstreamError(w, "cloud authentication failed")
	case errors.Is(err, kumo.ErrRateLimited):
		writeUpstreamError(w, "cloud API rate limited")
	case errors.Is(err, kumo.ErrConnection):
		writeUpstreamError(w, "cloud API unreachable")
	default:
		writeInternalError(w, "failed to send command")
	}
}

// commandAccepted builds the 202 response body with the optimistic snapshot.
func (s *Server) commandAccepted(serial string) map[string]any {
	body := map[string]any{"status": "accepted"}
	if snap, ok := s.coordinator.Snapshot(serial); ok {
		body["device"] = snap
	}
	return body
}

// defaultHistoryLimit caps command history responses unless the client
// asks for fewer.
const defaultHistoryLimit = 50

// handleCommandHistory returns recent commands issued to a device.
func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	records, err := s.coordinator.CommandHistory(r.Context(), serial, limit)
	if err != nil {
		writeInternalError(w, "failed to read command history")
		return
	}
	if records == nil {
		records = []coordinator.CommandRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": records,
		"count":    len(records),
	})
}

// handleForceRefresh requests an immediate poll cycle. Requests made
// while a cycle is already pending coalesce into one.
func (s *Server) handleForceRefresh(w http.ResponseWriter, _ *http.Request) {
	s.coordinator.ForceRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "refresh scheduled"})
}

// handleClearCache drops all pending optimistic commands.
func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	s.coordinator.ClearCache()
	writeJSON(w, http.StatusOK, map[string]any{"status": "cache cleared"})
}
