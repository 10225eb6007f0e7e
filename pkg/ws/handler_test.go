package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"call-signal-backend/pkg/config"
	"call-signal-backend/pkg/database"
	"call-signal-backend/pkg/models"
	"call-signal-backend/pkg/realtime"
	"call-signal-backend/pkg/utils"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsTestConfig() *config.Config {
	return &config.Config{
		Environment:          "test",
		Port:                 "3000",
		UseLocalDB:           true,
		JWTSecret:            "ws-test-secret",
		RingTimeoutSeconds:   45,
		SweepIntervalSeconds: 30,
		AllowedOrigins:       []string{"*"},
	}
}

func startWSServer(t *testing.T) (*httptest.Server, *database.MemoryDatabase, *config.Config) {
	t.Helper()
	cfg := wsTestConfig()
	db := database.NewMemoryDatabase()
	handler := NewHandler(cfg, db, func() (realtime.EventSource, error) {
		return db.Bus().Subscribe(), nil
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, db, cfg
}

func accessTokenFor(t *testing.T, cfg *config.Config, userID string) string {
	t.Helper()
	token, _, err := utils.NewJWTService(cfg.JWTSecret).GenerateAccessToken(userID, userID+"@example.com")
	require.NoError(t, err)
	return token
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWSRejectsMissingToken(t *testing.T) {
	srv, _, _ := startWSServer(t)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSRejectsRefreshToken(t *testing.T) {
	srv, db, cfg := startWSServer(t)
	require.NoError(t, db.CreateUser(&models.User{ID: "bob", Email: "bob@example.com"}))

	_, refreshToken, _, err := utils.NewJWTService(cfg.JWTSecret).GenerateTokenPair("bob", "bob@example.com")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "?token=" + refreshToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSStreamsCallEvents(t *testing.T) {
	srv, db, cfg := startWSServer(t)
	require.NoError(t, db.CreateUser(&models.User{ID: "bob", Email: "bob@example.com"}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + accessTokenFor(t, cfg, "bob")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 来电
	cr := &models.CallRequest{
		CallerID:    "alice",
		CalleeID:    "bob",
		CallType:    models.CallVideo,
		ChannelName: "call-abc",
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	require.NoError(t, db.CreateCallRequest(cr))

	frame := readFrame(t, conn)
	assert.Equal(t, "incoming_call", frame.Type)
	require.NotNil(t, frame.Call)
	assert.Equal(t, cr.ID, frame.Call.ID)
	assert.Equal(t, "alice", frame.Call.CallerID)

	// 呼叫被解决后推送call_resolved
	ok, err := db.ResolveCallRequest(cr.ID, "bob", models.CallDeclined)
	require.NoError(t, err)
	require.True(t, ok)

	frame = readFrame(t, conn)
	assert.Equal(t, "call_resolved", frame.Type)
	assert.Equal(t, cr.ID, frame.CallID)
	assert.Nil(t, frame.Call)
}

func TestWSReplaysRingingCallsOnConnect(t *testing.T) {
	srv, db, cfg := startWSServer(t)
	require.NoError(t, db.CreateUser(&models.User{ID: "bob", Email: "bob@example.com"}))

	// 连接建立前就已在响铃的呼叫
	cr := &models.CallRequest{
		CallerID:    "alice",
		CalleeID:    "bob",
		CallType:    models.CallAudio,
		ChannelName: "call-early",
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	require.NoError(t, db.CreateCallRequest(cr))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + accessTokenFor(t, cfg, "bob")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, "incoming_call", frame.Type)
	require.NotNil(t, frame.Call)
	assert.Equal(t, cr.ID, frame.Call.ID)
}

func TestWSIgnoresOtherUsersCalls(t *testing.T) {
	srv, db, cfg := startWSServer(t)
	require.NoError(t, db.CreateUser(&models.User{ID: "bob", Email: "bob@example.com"}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + accessTokenFor(t, cfg, "bob")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	other := &models.CallRequest{
		CallerID:    "alice",
		CalleeID:    "carol",
		CallType:    models.CallVideo,
		ChannelName: "call-other",
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	require.NoError(t, db.CreateCallRequest(other))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var f Frame
	err = conn.ReadJSON(&f)
	require.Error(t, err, "no frame should arrive for another callee, got %+v", f)
}

func TestFrameWireFormat(t *testing.T) {
	cr := models.CallRequest{ID: "c1", CallerID: "alice", CalleeID: "bob"}

	data, err := json.Marshal(Frame{Type: "incoming_call", Call: &cr})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"incoming_call"`)
	assert.NotContains(t, string(data), `"call_id"`)

	data, err = json.Marshal(Frame{Type: "call_resolved", CallID: "c1"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"call_id":"c1"`)
	assert.NotContains(t, string(data), `"call":`)
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com", "https://preview-*"}

	assert.True(t, originAllowed("", allowed), "non-browser clients have no origin")
	assert.True(t, originAllowed("https://app.example.com", allowed))
	assert.True(t, originAllowed("https://preview-42.example.com", allowed))
	assert.False(t, originAllowed("https://evil.example.net", allowed))
	assert.True(t, originAllowed("https://anything.dev", []string{"*"}))
}
