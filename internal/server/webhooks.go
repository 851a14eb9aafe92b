package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/markus-barta/irrigo/internal/metrics"
	"github.com/markus-barta/irrigo/internal/protocol"
	"github.com/markus-barta/irrigo/internal/shadow"
	"github.com/markus-barta/irrigo/internal/store"
)

// Webhook response messages.
const (
	MsgDeviceNotFound       = "Device not found"
	MsgDeviceLookupFailed   = "Failed to load device"
	MsgPresenceUpdateFailed = "Failed to update presence connection"
	MsgPresenceNotPersisted = "Presence connection was not persisted"
	MsgEventDelivered       = "Event delivered"
)

// maxBodySize caps webhook and device API request bodies.
const maxBodySize = 64 << 10

// DeviceStore is the part of the Identity Store the device routes need.
type DeviceStore interface {
	GetDeviceByThingName(ctx context.Context, thingName string) (*store.Device, error)
	UpdatePresenceConnection(ctx context.Context, deviceID int64, connected bool) (*store.Device, error)
	RecordDeviceEvent(ctx context.Context, thingName, kind string, value, delivered bool) error
	GetDeviceEvents(ctx context.Context, thingName string, limit int) ([]store.DeviceEvent, error)
}

// webhookResult is the body of every webhook response.
type webhookResult struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// handleAutoWebhook relays a device's auto mode change to its owner.
func (s *Server) handleAutoWebhook(w http.ResponseWriter, r *http.Request) {
	var ev protocol.ShadowAutoEvent
	if !s.decodeWebhook(w, r, store.EventAuto, &ev, &ev.ThingName) {
		return
	}

	device, ok := s.resolveDevice(w, r, store.EventAuto, ev.ThingName)
	if !ok {
		return
	}

	s.push(w, r, device, store.EventAuto, ev.ShadowAuto, protocol.EventShadowUpdateAuto, ev)
}

// handlePumpWebhook relays a pump change. When the device shut the pump off on its
// own, both shadow halves are set to pump off first so a stale desired pump-on is
// not re-applied.
func (s *Server) handlePumpWebhook(w http.ResponseWriter, r *http.Request) {
	var ev protocol.ShadowPumpEvent
	if !s.decodeWebhook(w, r, store.EventPump, &ev, &ev.ThingName) {
		return
	}

	device, ok := s.resolveDevice(w, r, store.EventPump, ev.ThingName)
	if !ok {
		return
	}

	if ev.ShadowPump {
		off := shadow.PartialState{Pump: shadow.Bool(false)}
		if _, err := s.bridge.SetDesired(r.Context(), device.ThingName, off, &off); err != nil {
			s.webhookError(w, store.EventPump, err.Error())
			return
		}
	}

	s.push(w, r, device, store.EventPump, ev.ShadowPump, protocol.EventShadowUpdatePump, ev)
}

// handlePresenceWebhook persists the device's connectivity, verifies it by reading
// it back, then relays it.
func (s *Server) handlePresenceWebhook(w http.ResponseWriter, r *http.Request) {
	var ev protocol.PresenceEvent
	if !s.decodeWebhook(w, r, store.EventPresence, &ev, &ev.ThingName) {
		return
	}

	device, ok := s.resolveDevice(w, r, store.EventPresence, ev.ThingName)
	if !ok {
		return
	}

	updated, err := s.devices.UpdatePresenceConnection(r.Context(), device.ID, ev.PresenceConnection)
	if err != nil {
		s.log.Error().Err(err).Str("thing", device.ThingName).Msg("failed to persist presence")
		s.webhookError(w, store.EventPresence, MsgPresenceUpdateFailed)
		return
	}
	if updated == nil || updated.PresenceConnection != ev.PresenceConnection {
		s.log.Error().
			Str("thing", device.ThingName).
			Bool("requested", ev.PresenceConnection).
			Msg("presence read-back does not match")
		s.webhookError(w, store.EventPresence, MsgPresenceNotPersisted)
		return
	}

	s.push(w, r, device, store.EventPresence, ev.PresenceConnection, protocol.EventPresenceConnection, ev)
}

func (s *Server) decodeWebhook(w http.ResponseWriter, r *http.Request, kind string, target any, thingName *string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		metrics.WebhooksTotal.WithLabelValues(kind, strconv.Itoa(http.StatusBadRequest)).Inc()
		writeJSON(w, http.StatusBadRequest, webhookResult{Error: true, Message: "Invalid payload"})
		return false
	}
	if *thingName == "" {
		metrics.WebhooksTotal.WithLabelValues(kind, strconv.Itoa(http.StatusBadRequest)).Inc()
		writeJSON(w, http.StatusBadRequest, webhookResult{Error: true, Message: "thing_name is required"})
		return false
	}
	return true
}

// resolveDevice finds the device a webhook names. An unknown thing name is a
// configuration error on the caller's side and answered with a 500.
func (s *Server) resolveDevice(w http.ResponseWriter, r *http.Request, kind, thingName string) (*store.Device, bool) {
	device, err := s.devices.GetDeviceByThingName(r.Context(), thingName)
	if err != nil {
		s.log.Error().Err(err).Str("thing", thingName).Msg("device lookup failed")
		s.webhookError(w, kind, MsgDeviceLookupFailed)
		return nil, false
	}
	if device == nil {
		s.log.Warn().Str("thing", thingName).Str("kind", kind).Msg("webhook for unknown device")
		s.webhookError(w, kind, MsgDeviceNotFound)
		return nil, false
	}
	return device, true
}

// push emits the event to the owner's live session. Persisted state is never
// rolled back, but a failed push is reported as a failed request.
func (s *Server) push(w http.ResponseWriter, r *http.Request, device *store.Device, kind string, value bool, event string, payload any) {
	emitErr := s.registry.Emit(r.Context(), device.OwnerID, event, payload)

	if err := s.devices.RecordDeviceEvent(r.Context(), device.ThingName, kind, value, emitErr == nil); err != nil {
		s.log.Warn().Err(err).Str("thing", device.ThingName).Msg("failed to journal device event")
	}

	if emitErr != nil {
		s.log.Warn().Err(emitErr).
			Str("thing", device.ThingName).
			Int64("user", device.OwnerID).
			Str("event", event).
			Msg("device event not delivered")
		s.webhookError(w, kind, emitErr.Error())
		return
	}

	s.log.Info().
		Str("thing", device.ThingName).
		Int64("user", device.OwnerID).
		Str("event", event).
		Bool("value", value).
		Msg("device event delivered")
	metrics.WebhooksTotal.WithLabelValues(kind, strconv.Itoa(http.StatusOK)).Inc()
	writeJSON(w, http.StatusOK, webhookResult{Message: MsgEventDelivered})
}

func (s *Server) webhookError(w http.ResponseWriter, kind, message string) {
	metrics.WebhooksTotal.WithLabelValues(kind, strconv.Itoa(http.StatusInternalServerError)).Inc()
	writeJSON(w, http.StatusInternalServerError, webhookResult{Error: true, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
