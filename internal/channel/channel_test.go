package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EchoPBX/echopbx-rtcbridge/internal/dispatcher"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/events"
	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

type handlerFunc func(ctx context.Context, method string, args map[string]any) (any, error)

func (f handlerFunc) Handle(ctx context.Context, method string, args map[string]any) (any, error) {
	return f(ctx, method, args)
}

var echo = handlerFunc(func(_ context.Context, method string, args map[string]any) (any, error) {
	switch method {
	case "leaveChannel":
		return true, nil
	case "enableAudio":
		return nil, nil
	case "enableVideo":
		return nil, dispatcher.ErrNotInitialized
	case "joinChannel":
		return nil, &dispatcher.ArgumentError{Method: method, Key: "uid", Reason: "is required"}
	case "explode":
		return nil, errors.New("engine exploded")
	default:
		return nil, dispatcher.ErrNotImplemented
	}
})

func TestNewResultShapes(t *testing.T) {
	assert.Equal(t, MethodResult{ID: "1", Result: true}, NewResult("1", true, nil))
	assert.Equal(t, MethodResult{ID: "2", NotImplemented: true}, NewResult("2", nil, dispatcher.ErrNotImplemented))

	r := NewResult("3", nil, dispatcher.ErrNotInitialized)
	require.NotNil(t, r.Error)
	assert.Equal(t, "not_initialized", r.Error.Code)

	r = Invoke(context.Background(), echo, MethodCall{ID: "4", Method: "joinChannel"})
	require.NotNil(t, r.Error)
	assert.Equal(t, "invalid_argument", r.Error.Code)
	assert.Contains(t, r.Error.Message, "uid")

	r = Invoke(context.Background(), echo, MethodCall{ID: "5", Method: "explode"})
	assert.Equal(t, "internal", r.Error.Code)
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestServeAnswersInOrder(t *testing.T) {
	up := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = Serve(r.Context(), conn, echo, zap.NewNop())
	}))
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer ws.Close()

	calls := []MethodCall{
		{ID: "a", Method: "leaveChannel"},
		{ID: "b", Method: "enableAudio"},
		{ID: "c", Method: "enableVideo"},
		{ID: "d", Method: "takeSnapshot"},
	}
	for _, c := range calls {
		require.NoError(t, ws.WriteJSON(c))
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []MethodResult
	for range calls {
		var r MethodResult
		require.NoError(t, ws.ReadJSON(&r))
		got = append(got, r)
	}

	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, true, got[0].Result)
	assert.Equal(t, "b", got[1].ID)
	assert.Nil(t, got[1].Result)
	assert.Nil(t, got[1].Error)
	assert.Equal(t, "not_initialized", got[2].Error.Code)
	assert.True(t, got[3].NotImplemented)

	// malformed frames get an error answer, the session stays open
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var bad MethodResult
	require.NoError(t, ws.ReadJSON(&bad))
	require.NotNil(t, bad.Error)
	assert.Equal(t, "malformed", bad.Error.Code)
}

func TestPushDeliversFlatPayload(t *testing.T) {
	bus := events.NewBus()
	up := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		Push(r.Context(), conn, bus, zap.NewNop())
	}))
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(sdk.Event{Name: "onUserJoined", Fields: map[string]any{"uid": uint32(5), "elapsed": 30}})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var payload map[string]any
	require.NoError(t, ws.ReadJSON(&payload))
	assert.Equal(t, map[string]any{"event": "onUserJoined", "uid": float64(5), "elapsed": float64(30)}, payload)

	// closing the client unsubscribes
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return bus.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
