package ha

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockHAServer speaks just enough of the Home Assistant websocket protocol
// for the client: the auth handshake, command result frames, and test-driven
// event frames.
type mockHAServer struct {
	t        *testing.T
	server   *httptest.Server
	token    string
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	commands []map[string]interface{}
	states   []State
}

func newMockHAServer(t *testing.T, token string) *mockHAServer {
	t.Helper()

	s := &mockHAServer{t: t, token: token}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *mockHAServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *mockHAServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	require.NoError(s.t, conn.WriteJSON(map[string]interface{}{"type": "auth_required"}))

	var auth map[string]interface{}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != s.token {
		conn.WriteJSON(map[string]interface{}{"type": "auth_invalid"})
		conn.Close()
		return
	}
	require.NoError(s.t, conn.WriteJSON(map[string]interface{}{"type": "auth_ok"}))

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		var cmd map[string]interface{}
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		states := s.states
		s.mu.Unlock()

		result := map[string]interface{}{
			"id":      cmd["id"],
			"type":    "result",
			"success": true,
		}
		if cmd["type"] == "get_states" {
			result["result"] = states
		}
		conn.WriteJSON(result)
	}
}

func (s *mockHAServer) commandList() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.commands...)
}

// fireStateChange pushes a state_changed event frame to the client.
func (s *mockHAServer) fireStateChange(entityID, newState string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(s.t, conn)

	data, err := json.Marshal(StateChangedEvent{
		EntityID: entityID,
		NewState: &State{EntityID: entityID, State: newState},
	})
	require.NoError(s.t, err)

	require.NoError(s.t, conn.WriteJSON(map[string]interface{}{
		"id":   1,
		"type": "event",
		"event": map[string]interface{}{
			"event_type": "state_changed",
			"data":       json.RawMessage(data),
		},
	}))
}

func TestClientConnect(t *testing.T) {
	t.Run("authenticates and subscribes to state changes", func(t *testing.T) {
		server := newMockHAServer(t, "valid-token")
		client := NewClient(server.url(), "valid-token", zap.NewNop())

		require.NoError(t, client.Connect())
		defer client.Disconnect()

		assert.True(t, client.IsConnected())

		commands := server.commandList()
		require.NotEmpty(t, commands)
		assert.Equal(t, "subscribe_events", commands[0]["type"])
		assert.Equal(t, "state_changed", commands[0]["event_type"])
	})

	t.Run("rejects an invalid token", func(t *testing.T) {
		server := newMockHAServer(t, "valid-token")
		client := NewClient(server.url(), "wrong-token", zap.NewNop())

		err := client.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid token")
		assert.False(t, client.IsConnected())
	})

	t.Run("refuses a second connect", func(t *testing.T) {
		server := newMockHAServer(t, "valid-token")
		client := NewClient(server.url(), "valid-token", zap.NewNop())

		require.NoError(t, client.Connect())
		defer client.Disconnect()

		assert.Error(t, client.Connect())
	})
}

func TestCallService(t *testing.T) {
	server := newMockHAServer(t, "valid-token")
	client := NewClient(server.url(), "valid-token", zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	require.NoError(t, client.SetInputNumber("besmart_living_room_target_temperature", 21.5))

	commands := server.commandList()
	require.Len(t, commands, 2) // subscribe_events + call_service

	call := commands[1]
	assert.Equal(t, "call_service", call["type"])
	assert.Equal(t, "input_number", call["domain"])
	assert.Equal(t, "set_value", call["service"])

	data, ok := call["service_data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "input_number.besmart_living_room_target_temperature", data["entity_id"])
	assert.Equal(t, 21.5, data["value"])
}

func TestGetState(t *testing.T) {
	server := newMockHAServer(t, "valid-token")
	server.states = []State{
		{EntityID: "input_number.besmart_living_room_target_temperature", State: "21"},
		{EntityID: "input_select.besmart_living_room_preset", State: "AUTO"},
	}

	client := NewClient(server.url(), "valid-token", zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	t.Run("returns the matching entity", func(t *testing.T) {
		state, err := client.GetState("input_select.besmart_living_room_preset")
		require.NoError(t, err)
		assert.Equal(t, "AUTO", state.State)
	})

	t.Run("unknown entity is an error", func(t *testing.T) {
		_, err := client.GetState("input_number.no_such_helper")
		assert.Error(t, err)
	})
}

func TestStateChangeDispatch(t *testing.T) {
	server := newMockHAServer(t, "valid-token")
	client := NewClient(server.url(), "valid-token", zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	received := make(chan string, 1)
	sub, err := client.SubscribeStateChanges("input_select.besmart_living_room_preset",
		func(entityID string, oldState, newState *State) {
			received <- newState.State
		})
	require.NoError(t, err)

	server.fireStateChange("input_select.besmart_living_room_preset", "ECO")

	select {
	case state := <-received:
		assert.Equal(t, "ECO", state)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}

	t.Run("other entities do not reach the handler", func(t *testing.T) {
		server.fireStateChange("input_select.besmart_kitchen_preset", "AUTO")
		select {
		case state := <-received:
			t.Fatalf("unexpected dispatch: %s", state)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("unsubscribed handlers stop receiving", func(t *testing.T) {
		require.NoError(t, sub.Unsubscribe())
		server.fireStateChange("input_select.besmart_living_room_preset", "PARTY")
		select {
		case state := <-received:
			t.Fatalf("unexpected dispatch: %s", state)
		case <-time.After(100 * time.Millisecond):
		}
	})
}
