package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/common/dto"
	"github.com/amoylab/wshub/internal/hub"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret-key-that-is-long-enough-1234"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	hub      *hub.Hub
	verifier *auth.Verifier
	srv      *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(cfg *config.HubConfig)) *testEnv {
	t.Helper()
	cfg := &config.HubConfig{
		TenantIsolation:   true,
		EnablePersistence: true,
		ShutdownGrace:     10 * time.Millisecond,
	}
	cfg.Auth.SecretKey = testSecret
	cfg.Cluster.InstanceID = "i1"
	if mutate != nil {
		mutate(cfg)
	}
	config.SetDefaults(cfg)

	ctx := context.Background()
	h, err := hub.New(ctx, cfg, zap.NewNop(), metrics.New(cfg.Metrics))
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))
	v, err := auth.NewVerifier(cfg.Auth)
	require.NoError(t, err)

	ts := httptest.NewServer(NewServer(h, v, zap.NewNop()).Handler())
	t.Cleanup(func() {
		_ = h.Shutdown(context.Background())
		ts.Close()
	})
	return &testEnv{hub: h, verifier: v, srv: ts}
}

func (e *testEnv) token(t *testing.T, tenant, user string, perms ...string) string {
	t.Helper()
	tok, err := e.verifier.Issue(auth.Principal{UserID: user, TenantID: tenant, Permissions: perms}, time.Minute)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, tenant, token, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/" + tenant
	if query != "" {
		u += "?" + query
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c, resp, err := websocket.DefaultDialer.Dial(u, header)
	if err == nil {
		t.Cleanup(func() { _ = c.Close() })
	}
	return c, resp, err
}

func (e *testEnv) mustDial(t *testing.T, tenant, user string, perms ...string) *websocket.Conn {
	t.Helper()
	c, _, err := e.dial(t, tenant, e.token(t, tenant, user, perms...), "")
	require.NoError(t, err)
	return c
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// read returns the next envelope of eventType, skipping anything else.
func read(t *testing.T, c *websocket.Conn, eventType string) dto.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := c.ReadMessage()
		require.NoError(t, err, "waiting for %s", eventType)
		var env dto.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.EventType == eventType {
			return env
		}
	}
}

func write(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestServer_Health(t *testing.T) {
	e := newTestEnv(t, nil)

	code, body := e.request(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "i1", body["instance_id"])

	code, body = e.request(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ready"])

	require.NoError(t, e.hub.Shutdown(context.Background()))
	code, _ = e.request(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_NotFound(t *testing.T) {
	e := newTestEnv(t, nil)
	code, body := e.request(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "E4004", errorCode(body))
}

func TestServer_HandshakeRejections(t *testing.T) {
	e := newTestEnv(t, nil)

	_, resp, err := e.dial(t, "t1", "", "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = e.dial(t, "t1", "not-a-token", "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = e.dial(t, "t2", e.token(t, "t1", "u1"), "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = e.dial(t, "t1", e.token(t, "t1", "u1"), "resume_since=yesterday")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CapacityRefusalClosesSocket(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.HubConfig) { cfg.MaxConnections = 1 })
	e.mustDial(t, "t1", "u1")
	require.Eventually(t, func() bool { return e.hub.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	c := e.mustDial(t, "t1", "u2")
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseTryAgainLater, ce.Code)
	assert.True(t, strings.HasPrefix(ce.Text, "E"), ce.Text)
}

func TestServer_PublishReachesSubscriber(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.mustDial(t, "t1", "u1")
	write(t, c, `{"type":"subscribe","request_id":"s1","content":{"types":["order.created"]}}`)
	read(t, c, dto.EventTypeAck)

	code, body := e.request(t, http.MethodPost, "/api/v1/events", e.token(t, "t1", "svc", cnst.PermPublish), map[string]any{
		"tenant_id":  "t1",
		"event_type": "order.created",
		"data":       map[string]any{"id": 7},
	})
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, float64(1), body["delivered"])

	env := read(t, c, "order.created")
	assert.Equal(t, "t1", env.TenantID)
	assert.JSONEq(t, `{"id":7}`, string(env.Data))
}

func TestServer_APIAuthorization(t *testing.T) {
	e := newTestEnv(t, nil)
	ev := map[string]any{"tenant_id": "t1", "event_type": "x"}

	code, body := e.request(t, http.MethodPost, "/api/v1/events", "", ev)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "E2001", errorCode(body))

	code, _ = e.request(t, http.MethodPost, "/api/v1/events", e.token(t, "t1", "svc"), ev)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.request(t, http.MethodPost, "/api/v1/events", e.token(t, "t2", "svc", cnst.PermPublish), ev)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.request(t, http.MethodPost, "/api/v1/events", e.token(t, "ops", "svc", cnst.PermWildcard), ev)
	assert.Equal(t, http.StatusAccepted, code)

	code, body = e.request(t, http.MethodPost, "/api/v1/events", e.token(t, "t1", "svc", cnst.PermPublish), map[string]any{"tenant_id": "t1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "E1001", errorCode(body))

	code, _ = e.request(t, http.MethodPost, "/api/v1/events", e.token(t, "t1", "svc", cnst.PermPublish),
		map[string]any{"tenant_id": "t1", "event_type": "x", "cross_tenant": true})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestServer_Broadcast(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.mustDial(t, "t1", "u1")
	b := e.mustDial(t, "t1", "u2")
	other := e.mustDial(t, "t2", "u3")
	require.Eventually(t, func() bool { return e.hub.Registry().Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	code, _ := e.request(t, http.MethodPost, "/api/v1/broadcasts", e.token(t, "t1", "svc", cnst.PermPublish),
		map[string]any{"sender_tenant": "t1", "event_type": "notice"})
	assert.Equal(t, http.StatusForbidden, code)

	code, body := e.request(t, http.MethodPost, "/api/v1/broadcasts", e.token(t, "t1", "svc", cnst.PermBroadcast),
		map[string]any{"sender_tenant": "t1", "event_type": "notice", "data": "hi", "mode": "reliable"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(2), body["total_targets"])
	assert.Equal(t, float64(2), body["delivered"])

	read(t, a, "notice")
	read(t, b, "notice")

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestServer_ResumeReplaysMissedEvents(t *testing.T) {
	e := newTestEnv(t, nil)
	since := time.Now().Add(-time.Second).UnixMilli()

	code, _ := e.request(t, http.MethodPost, "/api/v1/events", e.token(t, "t1", "svc", cnst.PermPublish),
		map[string]any{"tenant_id": "t1", "event_type": "missed", "persist": true})
	require.Equal(t, http.StatusAccepted, code)

	c, _, err := e.dial(t, "t1", e.token(t, "t1", "u1"), "resume_since="+strconv.FormatInt(since, 10))
	require.NoError(t, err)
	env := read(t, c, "missed")
	assert.Equal(t, "t1", env.TenantID)
}

func TestServer_RoomsAndInstances(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.mustDial(t, "t1", "u1", cnst.PermRoomCreate)
	write(t, c, `{"type":"create_room","request_id":"r1","content":{"name":"lobby","type":"public"}}`)
	read(t, c, dto.EventTypeAck)

	tok := e.token(t, "t1", "svc")
	code, body := e.request(t, http.MethodGet, "/api/v1/rooms", tok, nil)
	require.Equal(t, http.StatusOK, code)
	rooms, _ := body["rooms"].([]any)
	require.Len(t, rooms, 1)
	assert.Equal(t, "lobby", rooms[0].(map[string]any)["name"])

	code, _ = e.request(t, http.MethodGet, "/api/v1/rooms?tenant=t2", tok, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = e.request(t, http.MethodGet, "/api/v1/cluster/instances", tok, nil)
	require.Equal(t, http.StatusOK, code)
	instances, _ := body["instances"].([]any)
	require.Len(t, instances, 1)
	assert.Equal(t, "i1", instances[0].(map[string]any)["instance_id"])
	assert.Equal(t, float64(1), instances[0].(map[string]any)["connections"])
}

func TestServer_ClientCloseReleasesConnection(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.mustDial(t, "t1", "u1")
	require.Eventually(t, func() bool { return e.hub.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	require.Eventually(t, func() bool { return e.hub.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
