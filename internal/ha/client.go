// Package ha is the Home Assistant side of the bridge: a websocket client
// used to mirror resolved device state into input helper entities and to
// receive user edits of those helpers back as commands.
package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const responseTimeout = 10 * time.Second

// HAClient is the surface the bridge needs from Home Assistant.
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	CallService(domain, service string, data map[string]interface{}) error
	GetState(entityID string) (*State, error)
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SetInputBoolean(name string, value bool) error
	SetInputNumber(name string, value float64) error
	SetInputText(name string, value string) error
	SetInputSelect(name string, option string) error
}

type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// Client implements HAClient over the Home Assistant websocket API.
type Client struct {
	url    string
	token  string
	logger *zap.Logger

	mu        sync.RWMutex // guards conn, connected, reconnect, ctx
	conn      *websocket.Conn
	connected bool
	reconnect bool
	ctx       context.Context
	cancel    context.CancelFunc

	writeMu sync.Mutex // serializes websocket writes

	msgID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int]chan Message

	subsMu      sync.RWMutex
	subscribers map[string][]subscriberEntry
	nextSubID   int
}

type subscription struct {
	entityID string
	subID    int
	client   *Client
}

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.entityID, s.subID)
}

// NewClient creates a Home Assistant websocket client.
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:         url,
		token:       token,
		logger:      logger.Named("ha"),
		pending:     make(map[int]chan Message),
		subscribers: make(map[string][]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
		reconnect:   true,
	}
}

// Connect dials the websocket, authenticates and subscribes to
// state_changed events.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.mu.Unlock()
		return err
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	c.connected = true
	c.reconnect = true
	c.mu.Unlock()

	go c.receiveLoop(conn)

	if err := c.subscribeEvents("state_changed"); err != nil {
		c.logger.Warn("failed to subscribe to state changes", zap.Error(err))
	}

	c.logger.Info("connected to Home Assistant")
	return nil
}

// authenticate runs the auth_required/auth/auth_ok handshake.
func (c *Client) authenticate(conn *websocket.Conn) error {
	var required Message
	if err := conn.ReadJSON(&required); err != nil {
		return fmt.Errorf("reading auth_required: %w", err)
	}
	if required.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", required.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	var response Message
	if err := conn.ReadJSON(&response); err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	switch response.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", response.Type)
	}
}

// Disconnect closes the connection and drops all subscriptions.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}

	c.subsMu.Lock()
	c.subscribers = make(map[string][]subscriberEntry)
	c.subsMu.Unlock()

	c.logger.Info("disconnected from Home Assistant")
	return nil
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// request sends a command frame and waits for its result.
func (c *Client) request(id int, msg interface{}) (*Message, error) {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	ctx := c.ctx
	c.mu.RUnlock()

	if !connected || conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("home assistant error %s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request %d failed", id)
		}
		return &resp, nil
	case <-time.After(responseTimeout):
		return nil, fmt.Errorf("timeout waiting for response to %d", id)
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveLoop routes incoming frames to event handlers and pending requests.
func (c *Client) receiveLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.logger.Error("read failed", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == "event" {
			c.dispatchEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) dispatchEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var event StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &event); err != nil {
		c.logger.Error("failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers[event.EntityID]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(event.EntityID, event.OldState, event.NewState)
	}
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	c.connected = false
	shouldReconnect := c.reconnect
	c.mu.Unlock()

	c.logger.Warn("connection lost")
	if shouldReconnect {
		go c.attemptReconnect()
	}
}

// attemptReconnect retries the connection with exponential backoff.
func (c *Client) attemptReconnect() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := c.Connect(); err != nil {
			c.logger.Error("reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		c.logger.Info("reconnected")
		return
	}
}

func (c *Client) subscribeEvents(eventType string) error {
	id := int(c.msgID.Add(1))
	_, err := c.request(id, &SubscribeEventsRequest{
		ID:        id,
		Type:      "subscribe_events",
		EventType: eventType,
	})
	return err
}

// CallService invokes a Home Assistant service.
func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	id := int(c.msgID.Add(1))
	_, err := c.request(id, &CallServiceRequest{
		ID:          id,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	return err
}

// GetState fetches the current state of one entity.
func (c *Client) GetState(entityID string) (*State, error) {
	id := int(c.msgID.Add(1))
	resp, err := c.request(id, &Message{ID: id, Type: "get_states"})
	if err != nil {
		return nil, err
	}

	var states []State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("unmarshaling states: %w", err)
	}
	for i := range states {
		if states[i].EntityID == entityID {
			return &states[i], nil
		}
	}
	return nil, fmt.Errorf("entity %s not found", entityID)
}

// SubscribeStateChanges registers a handler for one entity's state changes.
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	c.subsMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.subscribers[entityID] = append(c.subscribers[entityID], subscriberEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	return &subscription{entityID: entityID, subID: subID, client: c}, nil
}

func (c *Client) unsubscribe(entityID string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	entries := c.subscribers[entityID]
	for i, entry := range entries {
		if entry.subID == subID {
			c.subscribers[entityID] = append(entries[:i], entries[i+1:]...)
			if len(c.subscribers[entityID]) == 0 {
				delete(c.subscribers, entityID)
			}
			break
		}
	}
	return nil
}

// SetInputBoolean sets an input_boolean helper.
func (c *Client) SetInputBoolean(name string, value bool) error {
	service := "turn_off"
	if value {
		service = "turn_on"
	}
	return c.CallService("input_boolean", service, map[string]interface{}{
		"entity_id": fmt.Sprintf("input_boolean.%s", name),
	})
}

// SetInputNumber sets an input_number helper.
func (c *Client) SetInputNumber(name string, value float64) error {
	return c.CallService("input_number", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_number.%s", name),
		"value":     value,
	})
}

// SetInputText sets an input_text helper.
func (c *Client) SetInputText(name string, value string) error {
	return c.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_text.%s", name),
		"value":     value,
	})
}

// SetInputSelect selects an option on an input_select helper.
func (c *Client) SetInputSelect(name string, option string) error {
	return c.CallService("input_select", "select_option", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_select.%s", name),
		"option":    option,
	})
}
