package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/markus-barta/irrigo/internal/protocol"
	"github.com/markus-barta/irrigo/internal/store"
)

func TestWebhook_RequiresSecret(t *testing.T) {
	env := newTestEnv(t)
	env.seed("owner@example.com", "T1")

	for _, header := range []map[string]string{nil, {"X-Webhook-Secret": "wrong"}} {
		res, _ := env.post("/webhooks/shadow/auto", `{"thing_name":"T1","shadow_auto":true}`, header)
		if res.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", res.StatusCode)
		}
	}
}

func TestWebhook_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed auto", "/webhooks/shadow/auto", `{"thing_name":`},
		{"missing thing", "/webhooks/shadow/pump", `{"shadow_pump":true}`},
		{"wrong type", "/webhooks/presence", `{"thing_name":"T1","presence_connection":"yes"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := env.post(tt.path, tt.body, webhookHeader())
			if res.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", res.StatusCode)
			}
			if body["error"] != true {
				t.Errorf("expected error=true, got %v", body)
			}
		})
	}
}

func TestWebhook_UnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/webhooks/shadow/auto", "/webhooks/shadow/pump", "/webhooks/presence"} {
		res, body := env.post(path, `{"thing_name":"ghost"}`, webhookHeader())
		if res.StatusCode != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", path, res.StatusCode)
		}
		if body["message"] != MsgDeviceNotFound {
			t.Errorf("%s: expected %q, got %v", path, MsgDeviceNotFound, body["message"])
		}
	}
	if got := env.shadow.Bodies(); len(got) != 0 {
		t.Errorf("expected no shadow writes, got %v", got)
	}
}

func TestWebhook_NotConnected(t *testing.T) {
	env := newTestEnv(t)
	env.seed("offline@example.com", "T1")

	res, body := env.post("/webhooks/shadow/auto", `{"thing_name":"T1","shadow_auto":true}`, webhookHeader())
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
	msg, _ := body["message"].(string)
	if !strings.Contains(msg, "not connected") {
		t.Errorf("expected not connected message, got %q", msg)
	}

	events, err := env.store.GetDeviceEvents(context.Background(), "T1", 10)
	if err != nil {
		t.Fatalf("GetDeviceEvents: %v", err)
	}
	if len(events) != 1 || events[0].Delivered {
		t.Errorf("expected one undelivered journal entry, got %+v", events)
	}
}

func TestPresenceWebhook_OfflineOwnerKeepsPersistedState(t *testing.T) {
	env := newTestEnv(t)
	user, device := env.seed("offline@example.com", "T1")

	res, body := env.post("/webhooks/presence", `{"thing_name":"T1","presence_connection":true}`, webhookHeader())
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
	want := fmt.Sprintf("user %d is not connected", user.ID)
	if body["message"] != want {
		t.Errorf("expected %q, got %v", want, body["message"])
	}

	stored, err := env.store.GetDeviceByID(context.Background(), device.ID)
	if err != nil {
		t.Fatalf("GetDeviceByID: %v", err)
	}
	if !stored.PresenceConnection {
		t.Error("presence write was rolled back")
	}
}

func TestPumpWebhook_OfflineOwnerKeepsShadowReset(t *testing.T) {
	env := newTestEnv(t)
	user, _ := env.seed("offline@example.com", "T1")

	res, body := env.post("/webhooks/shadow/pump", `{"thing_name":"T1","shadow_pump":true}`, webhookHeader())
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
	want := fmt.Sprintf("user %d is not connected", user.ID)
	if body["message"] != want {
		t.Errorf("expected %q, got %v", want, body["message"])
	}

	bodies := env.shadow.Bodies()
	reset := `{"state":{"desired":{"pump":false},"reported":{"pump":false}}}`
	if len(bodies) != 1 || bodies[0] != reset {
		t.Errorf("shadow writes = %v, want [%s]", bodies, reset)
	}
}

func TestWebhook_OversizedBody(t *testing.T) {
	env := newTestEnv(t)
	env.seed("owner@example.com", "T1")

	body := `{"thing_name":"T1","shadow_auto":true,"pad":"` + strings.Repeat("x", maxBodySize) + `"}`
	res, out := env.post("/webhooks/shadow/auto", body, webhookHeader())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
	if out["error"] != true {
		t.Errorf("expected error=true, got %v", out)
	}

	events, err := env.store.GetDeviceEvents(context.Background(), "T1", 10)
	if err != nil {
		t.Fatalf("GetDeviceEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no journal entries, got %+v", events)
	}
}

func TestPumpWebhook_ResetsShadowWhenPumpStopped(t *testing.T) {
	env := newTestEnv(t)
	user, _ := env.seed("pump@example.com", "T1")
	c := env.dial(user.ID)
	c.call(protocol.AddUser{UserID: user.ID})

	res, body := env.post("/webhooks/shadow/pump", `{"thing_name":"T1","shadow_pump":true}`, webhookHeader())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", res.StatusCode, body)
	}

	bodies := env.shadow.Bodies()
	want := `{"state":{"desired":{"pump":false},"reported":{"pump":false}}}`
	if len(bodies) != 1 || bodies[0] != want {
		t.Errorf("shadow writes = %v, want [%s]", bodies, want)
	}

	msg := c.waitEvent(protocol.EventShadowUpdatePump)
	var ev protocol.ShadowPumpEvent
	if err := msg.ParsePayload(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ThingName != "T1" || !ev.ShadowPump {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestPumpWebhook_PumpOffSkipsShadow(t *testing.T) {
	env := newTestEnv(t)
	user, _ := env.seed("pump@example.com", "T1")
	c := env.dial(user.ID)
	c.call(protocol.AddUser{UserID: user.ID})

	res, _ := env.post("/webhooks/shadow/pump", `{"thing_name":"T1","shadow_pump":false}`, webhookHeader())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if got := env.shadow.Bodies(); len(got) != 0 {
		t.Errorf("expected no shadow writes, got %v", got)
	}
	c.waitEvent(protocol.EventShadowUpdatePump)
}

func TestPumpWebhook_ShadowFailure(t *testing.T) {
	env := newTestEnv(t)
	user, _ := env.seed("pump@example.com", "T1")
	c := env.dial(user.ID)
	c.call(protocol.AddUser{UserID: user.ID})
	env.shadow.SetStatus(http.StatusServiceUnavailable)

	res, body := env.post("/webhooks/shadow/pump", `{"thing_name":"T1","shadow_pump":true}`, webhookHeader())
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
	if body["message"] != "Failed to update device shadow" {
		t.Errorf("unexpected message %v", body["message"])
	}
}

func TestPresenceWebhook(t *testing.T) {
	env := newTestEnv(t)
	user, device := env.seed("presence@example.com", "T1")
	c := env.dial(user.ID)
	c.call(protocol.AddUser{UserID: user.ID})

	for _, connected := range []bool{true, false} {
		body := `{"device":{"id":3},"thing_name":"T1","presence_connection":false}`
		if connected {
			body = strings.Replace(body, "false", "true", 1)
		}
		res, out := env.post("/webhooks/presence", body, webhookHeader())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d: %v", res.StatusCode, out)
		}

		stored, err := env.store.GetDeviceByID(context.Background(), device.ID)
		if err != nil {
			t.Fatalf("GetDeviceByID: %v", err)
		}
		if stored.PresenceConnection != connected {
			t.Errorf("stored presence = %v, want %v", stored.PresenceConnection, connected)
		}

		msg := c.waitEvent(protocol.EventPresenceConnection)
		var ev protocol.PresenceEvent
		if err := msg.ParsePayload(&ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.PresenceConnection != connected || string(ev.Device) != `{"id":3}` {
			t.Errorf("unexpected event %s", msg.Payload)
		}
	}
}

// stubDevices wraps the real store and tampers with presence writes.
type stubDevices struct {
	*store.Store
	updateErr error
	readBack  *store.Device
}

func (s *stubDevices) UpdatePresenceConnection(ctx context.Context, deviceID int64, connected bool) (*store.Device, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.readBack, nil
}

func TestPresenceWebhook_PersistFailures(t *testing.T) {
	tests := []struct {
		name     string
		stub     func(d *store.Device) *stubDevices
		wantText string
	}{
		{
			name:     "write fails",
			stub:     func(*store.Device) *stubDevices { return &stubDevices{updateErr: errors.New("disk full")} },
			wantText: MsgPresenceUpdateFailed,
		},
		{
			name:     "row vanished",
			stub:     func(*store.Device) *stubDevices { return &stubDevices{} },
			wantText: MsgPresenceNotPersisted,
		},
		{
			name: "read back differs",
			stub: func(d *store.Device) *stubDevices {
				stale := *d
				stale.PresenceConnection = false
				return &stubDevices{readBack: &stale}
			},
			wantText: MsgPresenceNotPersisted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			user, device := env.seed("presence@example.com", "T1")
			c := env.dial(user.ID)
			c.call(protocol.AddUser{UserID: user.ID})

			stub := tt.stub(device)
			stub.Store = env.store
			env.srv.devices = stub

			res, body := env.post("/webhooks/presence", `{"thing_name":"T1","presence_connection":true}`, webhookHeader())
			if res.StatusCode != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", res.StatusCode)
			}
			if body["message"] != tt.wantText {
				t.Errorf("expected %q, got %v", tt.wantText, body["message"])
			}
		})
	}
}
