package openclaw

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MockClient provides deterministic gateway behavior when the real gateway
// is unavailable, and scripted histories in tests.
type MockClient struct {
	mu sync.Mutex

	ConnectErr error

	Histories   map[string][]ChatMessage
	HistoryErrs map[string]error
	Sessions    []SessionInfo

	Sent         []SentMessage
	SendErr      error
	ConnectCalls int
}

type SentMessage struct {
	SessionKey string
	Text       string
}

func NewMockClient() *MockClient {
	return &MockClient{
		Histories:   make(map[string][]ChatMessage),
		HistoryErrs: make(map[string]error),
	}
}

func (m *MockClient) Connect(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	m.mu.Lock()
	m.ConnectCalls++
	err := m.ConnectErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &mockConn{client: m}, nil
}

type mockConn struct {
	client *MockClient
	closed bool
}

func (c *mockConn) ChatHistory(_ context.Context, sessionKey string) ([]ChatMessage, error) {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()
	if c.closed {
		return nil, errors.New("mock gateway connection closed")
	}
	sessionKey = strings.TrimSpace(sessionKey)
	if err := c.client.HistoryErrs[sessionKey]; err != nil {
		return nil, err
	}
	history := c.client.Histories[sessionKey]
	out := make([]ChatMessage, len(history))
	copy(out, history)
	return out, nil
}

func (c *mockConn) ListSessions(_ context.Context) ([]SessionInfo, error) {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()
	out := make([]SessionInfo, len(c.client.Sessions))
	copy(out, c.client.Sessions)
	return out, nil
}

func (c *mockConn) SendMessage(_ context.Context, sessionKey, text string) error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()
	if c.client.SendErr != nil {
		return c.client.SendErr
	}
	c.client.Sent = append(c.client.Sent, SentMessage{SessionKey: sessionKey, Text: text})
	return nil
}

func (c *mockConn) Close() error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()
	c.closed = true
	return nil
}
