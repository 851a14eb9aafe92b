package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/irrigo/internal/auth"
	"github.com/markus-barta/irrigo/internal/protocol"
	"github.com/markus-barta/irrigo/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
)

// fakeShadow is a shadow data plane that records update bodies and echoes them.
type fakeShadow struct {
	mu     sync.Mutex
	bodies []string
	status int
	get    string
}

func (f *fakeShadow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	status, get := f.status, f.get
	if r.Method == http.MethodPost {
		f.bodies = append(f.bodies, string(body))
	}
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method == http.MethodGet {
		_, _ = io.WriteString(w, get)
		return
	}
	_, _ = w.Write(body)
}

func (f *fakeShadow) Bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.bodies...)
}

func (f *fakeShadow) SetStatus(status int) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

type testEnv struct {
	t        *testing.T
	srv      *Server
	http     *httptest.Server
	store    *store.Store
	shadow   *fakeShadow
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(t.TempDir() + "/irrigo.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fs := &fakeShadow{get: `{"state":{"desired":{"pump":true},"reported":{"pump":false,"auto":true}}}`}
	shadowSrv := httptest.NewServer(fs)
	t.Cleanup(shadowSrv.Close)

	hash, err := bcrypt.GenerateFromPassword([]byte(testWebhookSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}

	cfg := &Config{
		ListenAddr:        ":0",
		JWTSecret:         testJWTSecret,
		WebhookSecretHash: string(hash),
		ShadowEndpoint:    shadowSrv.URL,
		ShadowTimeout:     2 * time.Second,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	}

	srv := New(cfg, db, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.hub.Shutdown(ctx)
		ts.Close()
	})

	return &testEnv{
		t:        t,
		srv:      srv,
		http:     ts,
		store:    srv.Store(),
		shadow:   fs,
		verifier: auth.NewVerifier(testJWTSecret),
	}
}

// seed creates a user owning one device.
func (e *testEnv) seed(email, thingName string) (*store.User, *store.Device) {
	e.t.Helper()
	ctx := context.Background()
	user, err := e.store.CreateUser(ctx, email)
	if err != nil {
		e.t.Fatalf("create user: %v", err)
	}
	device, err := e.store.CreateDevice(ctx, user.ID, thingName, "Balcony")
	if err != nil {
		e.t.Fatalf("create device: %v", err)
	}
	return user, device
}

func (e *testEnv) token(userID int64) string {
	e.t.Helper()
	tok, err := e.verifier.Issue(userID, time.Hour)
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

// testClient is a raw push channel client.
type testClient struct {
	t        *testing.T
	ws       *websocket.Conn
	socketID string
	nextID   uint64
}

// dial connects as userID and consumes the connected event.
func (e *testEnv) dial(userID int64) *testClient {
	e.t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(userID))

	ws, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	e.t.Cleanup(func() { _ = ws.Close() })

	c := &testClient{t: e.t, ws: ws}
	msg := c.next()
	if msg.Type != protocol.TypeConnected {
		e.t.Fatalf("first message = %q, want %q", msg.Type, protocol.TypeConnected)
	}
	var payload protocol.ConnectedPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.SocketID == "" {
		e.t.Fatalf("connected payload: %v %+v", err, payload)
	}
	c.socketID = payload.SocketID
	return c
}

func (c *testClient) next() protocol.Message {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

// call sends a command and waits for its ack.
func (c *testClient) call(cmd protocol.Command) protocol.CallbackResponse {
	c.t.Helper()
	c.nextID++
	msg, err := protocol.EncodeCommand(c.nextID, cmd)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	return c.send(msg)
}

func (c *testClient) send(msg *protocol.Message) protocol.CallbackResponse {
	c.t.Helper()
	if err := c.ws.WriteJSON(msg); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	for {
		reply := c.next()
		if reply.Type != protocol.TypeAck || reply.ID != msg.ID {
			continue
		}
		var resp protocol.CallbackResponse
		if err := reply.ParsePayload(&resp); err != nil {
			c.t.Fatalf("ack payload: %v", err)
		}
		return resp
	}
}

// waitEvent reads until an event of the given type arrives.
func (c *testClient) waitEvent(event string) protocol.Message {
	c.t.Helper()
	for {
		msg := c.next()
		if msg.Type == event {
			return msg
		}
	}
}

// waitSocket polls the stored transport id until it equals want.
func (e *testEnv) waitSocket(userID int64, want *string) {
	e.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		user, err := e.store.GetUserByID(context.Background(), userID)
		if err != nil {
			e.t.Fatalf("get user: %v", err)
		}
		got := user.SocketID
		if (got == nil && want == nil) || (got != nil && want != nil && *got == *want) {
			return
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("socket id = %v, want %v", deref(got), deref(want))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

// post sends a JSON request with the given headers.
func (e *testEnv) post(path, body string, header map[string]string) (*http.Response, map[string]any) {
	e.t.Helper()
	return e.do(http.MethodPost, path, body, header)
}

func (e *testEnv) do(method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	e.t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return resp, out
}

func webhookHeader() map[string]string {
	return map[string]string{auth.WebhookHeader: testWebhookSecret}
}

func (e *testEnv) bearer(userID int64) map[string]string {
	return map[string]string{"Authorization": "Bearer " + e.token(userID)}
}
