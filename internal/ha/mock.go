package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient for tests. It records service calls and
// lets tests fire state-change events at subscribers.
type MockClient struct {
	mu           sync.Mutex
	connected    bool
	serviceCalls []ServiceCall
	states       map[string]*State

	subsMu      sync.RWMutex
	subscribers map[string][]subscriberEntry
	nextSubID   int
}

// ServiceCall records one CallService invocation.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

type mockSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	s.mock.subsMu.Lock()
	defer s.mock.subsMu.Unlock()

	entries := s.mock.subscribers[s.entityID]
	for i, entry := range entries {
		if entry.subID == s.subID {
			s.mock.subscribers[s.entityID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	return nil
}

// NewMockClient creates a mock HA client.
func NewMockClient() *MockClient {
	return &MockClient{
		subscribers: make(map[string][]subscriberEntry),
		states:      make(map[string]*State),
	}
}

// Connect simulates connecting.
func (m *MockClient) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting.
func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected reports the simulated connection state.
func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// CallService records the call.
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	return nil
}

// GetState returns a state previously seeded with SetState.
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[entityID]; ok {
		return state, nil
	}
	return nil, fmt.Errorf("entity %s not found", entityID)
}

// SetState seeds the state returned by GetState.
func (m *MockClient) SetState(state *State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.EntityID] = state
}

// SubscribeStateChanges registers a handler for one entity.
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.subscribers[entityID] = append(m.subscribers[entityID], subscriberEntry{subID: subID, handler: handler})
	m.subsMu.Unlock()

	return &mockSubscription{entityID: entityID, subID: subID, mock: m}, nil
}

// SetInputBoolean records the equivalent service call.
func (m *MockClient) SetInputBoolean(name string, value bool) error {
	service := "turn_off"
	if value {
		service = "turn_on"
	}
	return m.CallService("input_boolean", service, map[string]interface{}{
		"entity_id": fmt.Sprintf("input_boolean.%s", name),
	})
}

// SetInputNumber records the equivalent service call.
func (m *MockClient) SetInputNumber(name string, value float64) error {
	return m.CallService("input_number", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_number.%s", name),
		"value":     value,
	})
}

// SetInputText records the equivalent service call.
func (m *MockClient) SetInputText(name string, value string) error {
	return m.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_text.%s", name),
		"value":     value,
	})
}

// SetInputSelect records the equivalent service call.
func (m *MockClient) SetInputSelect(name string, option string) error {
	return m.CallService("input_select", "select_option", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_select.%s", name),
		"option":    option,
	})
}

// SubscriberCount reports how many handlers are registered for entityID.
func (m *MockClient) SubscriberCount(entityID string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subscribers[entityID])
}

// FireStateChange delivers a state_changed event to subscribers of entityID.
func (m *MockClient) FireStateChange(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}

// ServiceCalls returns a copy of the recorded service calls.
func (m *MockClient) ServiceCalls() []ServiceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceCall(nil), m.serviceCalls...)
}

// ClearServiceCalls discards the recorded service calls.
func (m *MockClient) ClearServiceCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceCalls = nil
}
