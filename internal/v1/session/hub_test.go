package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeet-labs/signaling/internal/v1/auth"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func startServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/:roomId", h.ServeWs)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func mintToken(t *testing.T, claims *auth.Claims) string {
	t.Helper()
	token, err := auth.MintToken(testSecret, claims, time.Minute)
	require.NoError(t, err)
	return token
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/main?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// wsAwait reads frames until pred matches one.
func wsAwait(t *testing.T, ws *websocket.Conn, pred func(*protocol.Frame) bool) *protocol.Frame {
	t.Helper()
	for {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var frame protocol.Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		if pred(&frame) {
			return &frame
		}
	}
}

func wsAck(t *testing.T, ws *websocket.Conn, id int64) *protocol.Frame {
	t.Helper()
	return wsAwait(t, ws, func(f *protocol.Frame) bool {
		return f.Type == protocol.FrameTypeAck && f.ID == id
	})
}

func wsSend(t *testing.T, ws *websocket.Conn, id int64, reqType string, payload any) {
	t.Helper()
	frame := map[string]any{"id": id, "type": reqType}
	if payload != nil {
		frame["payload"] = payload
	}
	require.NoError(t, ws.WriteJSON(frame))
}

func TestServeWsRejectsMissingToken(t *testing.T) {
	h, _ := newTestHub(t)
	srv := startServer(t, h)

	resp, err := http.Get(srv.URL + "/ws/main")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWsRejectsInvalidToken(t *testing.T) {
	h, _ := newTestHub(t)
	srv := startServer(t, h)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/main?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWelcomeCarriesIdentity(t *testing.T) {
	h, _ := newTestHub(t)
	srv := startServer(t, h)

	ws := dial(t, srv, mintToken(t, hostClaims("alice")))
	frame := wsAwait(t, ws, func(f *protocol.Frame) bool { return f.Type == protocol.EventWelcome })

	var welcome protocol.WelcomePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &welcome))
	assert.Equal(t, "alice@example.com", welcome.UserID)
	assert.NotEmpty(t, welcome.ConnectionID)
}

func TestJoinOverWebsocket(t *testing.T) {
	h, _ := newTestHub(t)
	srv := startServer(t, h)

	ws := dial(t, srv, mintToken(t, hostClaims("alice")))
	wsSend(t, ws, 1, protocol.RequestJoinRoom, map[string]any{"roomId": "r1"})
	ack := wsAck(t, ws, 1)
	require.Nil(t, ack.Error)

	var resp protocol.JoinRoomResponse
	require.NoError(t, json.Unmarshal(ack.Payload, &resp))
	assert.Equal(t, protocol.JoinStatusJoined, resp.Status)
	assert.Equal(t, "r1", resp.RoomID)
}

func TestJoinDefaultsToPathRoom(t *testing.T) {
	h, _ := newTestHub(t)
	srv := startServer(t, h)

	// The ws path is /ws/main; joinRoom without a roomId lands there.
	ws := dial(t, srv, mintToken(t, hostClaims("alice")))
	wsSend(t, ws, 1, protocol.RequestJoinRoom, nil)
	ack := wsAck(t, ws, 1)
	require.Nil(t, ack.Error)

	var resp protocol.JoinRoomResponse
	require.NoError(t, json.Unmarshal(ack.Payload, &resp))
	assert.Equal(t, "main", resp.RoomID)
}

func TestReattachKeepsHostAndConnectionID(t *testing.T) {
	h, _ := newTestHub(t)
	h.cfg.DisconnectGrace = 2 * time.Second
	srv := startServer(t, h)

	claims := hostClaims("alice")
	claims.SessionID = "sess-1"
	token := mintToken(t, claims)

	ws := dial(t, srv, token)
	frame := wsAwait(t, ws, func(f *protocol.Frame) bool { return f.Type == protocol.EventWelcome })
	var welcome protocol.WelcomePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &welcome))

	wsSend(t, ws, 1, protocol.RequestJoinRoom, map[string]any{"roomId": "r1"})
	require.Nil(t, wsAck(t, ws, 1).Error)

	// Abrupt drop, then an immediate reconnect with the same sessionId —
	// usually before the server has even noticed the drop.
	ws.Close()
	ws2 := dial(t, srv, token)
	frame = wsAwait(t, ws2, func(f *protocol.Frame) bool { return f.Type == protocol.EventWelcome })
	var welcome2 protocol.WelcomePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &welcome2))
	assert.Equal(t, welcome.ConnectionID, welcome2.ConnectionID)

	// Host-only operation succeeds without re-joining: the session kept
	// its membership and role.
	wsSend(t, ws2, 2, protocol.RequestLockRoom, map[string]any{"flag": true})
	require.Nil(t, wsAck(t, ws2, 2).Error)
}

func TestBroadcastBetweenSockets(t *testing.T) {
	h, _ := newTestHub(t)
	srv := startServer(t, h)

	alice := dial(t, srv, mintToken(t, hostClaims("alice")))
	wsSend(t, alice, 1, protocol.RequestJoinRoom, map[string]any{"roomId": "r1"})
	require.Nil(t, wsAck(t, alice, 1).Error)

	bob := dial(t, srv, mintToken(t, guestClaims("bob")))
	wsSend(t, bob, 1, protocol.RequestJoinRoom, map[string]any{"roomId": "r1"})
	require.Nil(t, wsAck(t, bob, 1).Error)

	frame := wsAwait(t, alice, func(f *protocol.Frame) bool { return f.Type == protocol.EventUserJoined })
	var joined protocol.UserEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &joined))
	assert.Equal(t, "bob@example.com", joined.UserID)
}
