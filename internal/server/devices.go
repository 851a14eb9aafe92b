package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/irrigo/internal/auth"
	"github.com/markus-barta/irrigo/internal/shadow"
	"github.com/markus-barta/irrigo/internal/store"
)

// shadowResponse is returned by the device routes. Reported may lag behind
// desired until the device acknowledges the change.
type shadowResponse struct {
	ThingName string        `json:"thing_name"`
	State     *shadow.State `json:"state"`
}

// handleGetShadow returns the device's joined shadow state.
func (s *Server) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	device, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}

	state, err := s.bridge.GetCurrent(r.Context(), device.ThingName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, shadowResponse{ThingName: device.ThingName, State: state})
}

// Journal page sizes for the events route.
const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// handleGetEvents returns the device's event journal, newest first.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	device, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}

	events, err := s.devices.GetDeviceEvents(r.Context(), device.ThingName, limit)
	if err != nil {
		s.log.Error().Err(err).Str("thing", device.ThingName).Msg("event journal lookup failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.DeviceEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

// handleSetAuto writes the desired auto mode.
func (s *Server) handleSetAuto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Auto *bool `json:"auto"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Auto == nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	s.setDesired(w, r, shadow.PartialState{Auto: req.Auto})
}

// handleSetPump writes the desired pump state.
func (s *Server) handleSetPump(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pump *bool `json:"pump"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pump == nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	s.setDesired(w, r, shadow.PartialState{Pump: req.Pump})
}

func (s *Server) setDesired(w http.ResponseWriter, r *http.Request, desired shadow.PartialState) {
	device, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}

	state, err := s.bridge.SetDesired(r.Context(), device.ThingName, desired, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.log.Info().Str("thing", device.ThingName).Int64("user", device.OwnerID).Msg("desired state written")
	writeJSON(w, http.StatusOK, shadowResponse{ThingName: device.ThingName, State: state})
}

// ownedDevice loads the device in the URL and checks the caller owns it.
func (s *Server) ownedDevice(w http.ResponseWriter, r *http.Request) (*store.Device, bool) {
	thingName := chi.URLParam(r, "thingName")
	userID, _ := auth.UserFrom(r.Context())

	device, err := s.devices.GetDeviceByThingName(r.Context(), thingName)
	if err != nil {
		s.log.Error().Err(err).Str("thing", thingName).Msg("device lookup failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	if device == nil {
		http.Error(w, "Device not found", http.StatusNotFound)
		return nil, false
	}
	if device.OwnerID != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return device, true
}
