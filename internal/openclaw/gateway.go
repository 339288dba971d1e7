package openclaw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	gatewayWriteTimeout   = 3 * time.Second
	gatewayConnectTimeout = 6 * time.Second
)

// GatewayClient speaks the OpenClaw Gateway WebSocket protocol: a challenge
// event on dial, a token-authenticated connect request, then req/res frames
// per method.
type GatewayClient struct {
	wsURL  string
	token  string
	dialer websocket.Dialer
}

func NewGatewayClient(wsURL, token string) (*GatewayClient, error) {
	wsURL, err := normalizeGatewayURL(wsURL)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("openclaw gateway token is required")
	}
	return &GatewayClient{
		wsURL: wsURL,
		token: token,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
	}, nil
}

func normalizeGatewayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "ws://127.0.0.1:18789"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

type gatewayFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *gatewayError   `json:"error,omitempty"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type gatewayRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type connectChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

type connectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Auth        *connectAuth `json:"auth,omitempty"`
	Nonce       string       `json:"nonce,omitempty"`
	UserAgent   string       `json:"userAgent,omitempty"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

func (c *GatewayClient) Connect(ctx context.Context) (Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("openclaw gateway dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("openclaw gateway dial failed: %w", err)
	}

	gc := newGatewayConn(conn)
	nonce, err := gc.readChallenge(ctx)
	if err != nil {
		_ = gc.Close()
		return nil, err
	}

	connectID := uuid.NewString()
	req := gatewayRequest{
		Type:   "req",
		ID:     connectID,
		Method: "connect",
		Params: connectParams{
			MinProtocol: 3,
			MaxProtocol: 3,
			Role:        "operator",
			Scopes:      []string{"operator.read", "operator.write"},
			Auth:        &connectAuth{Token: c.token},
			Nonce:       nonce,
			UserAgent:   "warden",
		},
	}
	if err := gc.writeJSON(req); err != nil {
		_ = gc.Close()
		return nil, fmt.Errorf("openclaw gateway connect write: %w", err)
	}
	if _, err := gc.waitForResponse(ctx, connectID, gatewayConnectTimeout); err != nil {
		_ = gc.Close()
		return nil, err
	}
	return gc, nil
}

// GatewayConn is one established gateway websocket. A background goroutine
// reads frames; request/response correlation is by frame ID.
type GatewayConn struct {
	conn *websocket.Conn
	msgs chan []byte
	errs chan error

	writeMu sync.Mutex

	closeOnce sync.Once
}

func newGatewayConn(conn *websocket.Conn) *GatewayConn {
	gc := &GatewayConn{
		conn: conn,
		msgs: make(chan []byte, 256),
		errs: make(chan error, 1),
	}
	go func() {
		defer close(gc.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				gc.errs <- err
				return
			}
			gc.msgs <- data
		}
	}()
	return gc
}

func (gc *GatewayConn) Close() error {
	var err error
	gc.closeOnce.Do(func() {
		err = gc.conn.Close()
	})
	return err
}

func (gc *GatewayConn) writeJSON(payload any) error {
	gc.writeMu.Lock()
	defer gc.writeMu.Unlock()
	_ = gc.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	defer gc.conn.SetWriteDeadline(time.Time{})
	return gc.conn.WriteJSON(payload)
}

func (gc *GatewayConn) nextFrame(ctx context.Context) (gatewayFrame, error) {
	select {
	case <-ctx.Done():
		return gatewayFrame{}, ctx.Err()
	case err := <-gc.errs:
		if err == nil {
			err = errors.New("openclaw gateway connection closed")
		}
		return gatewayFrame{}, err
	case data, ok := <-gc.msgs:
		if !ok {
			return gatewayFrame{}, errors.New("openclaw gateway connection closed")
		}
		var frame gatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return gatewayFrame{}, fmt.Errorf("openclaw gateway frame parse: %w", err)
		}
		return frame, nil
	}
}

func (gc *GatewayConn) readChallenge(ctx context.Context) (string, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if time.Now().After(deadline) {
			return "", errors.New("openclaw gateway connect challenge timeout")
		}
		frame, err := gc.nextFrame(ctx)
		if err != nil {
			return "", err
		}
		if frame.Type != "event" || frame.Event != "connect.challenge" {
			continue
		}
		var payload connectChallengePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			continue
		}
		if nonce := strings.TrimSpace(payload.Nonce); nonce != "" {
			return nonce, nil
		}
	}
}

func (gc *GatewayConn) waitForResponse(ctx context.Context, id string, timeout time.Duration) (json.RawMessage, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("openclaw gateway response id missing")
	}
	deadline := time.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("openclaw gateway response timeout (id=%s)", id)
		}
		frame, err := gc.nextFrame(ctx)
		if err != nil {
			return nil, err
		}
		if frame.Type != "res" || frame.ID != id {
			continue
		}
		if frame.OK {
			return frame.Payload, nil
		}
		msg := "openclaw gateway request failed"
		if frame.Error != nil {
			if strings.TrimSpace(frame.Error.Message) != "" {
				msg = frame.Error.Message
			} else if strings.TrimSpace(frame.Error.Code) != "" {
				msg = frame.Error.Code
			}
		}
		return nil, fmt.Errorf("%s", msg)
	}
}

func (gc *GatewayConn) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reqID := uuid.NewString()
	req := gatewayRequest{Type: "req", ID: reqID, Method: method, Params: params}
	if err := gc.writeJSON(req); err != nil {
		return nil, fmt.Errorf("openclaw gateway %s write: %w", method, err)
	}
	timeout := gatewayConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			timeout = remaining
		}
	}
	return gc.waitForResponse(ctx, reqID, timeout)
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
}

type chatHistoryPayload struct {
	Messages []ChatMessage `json:"messages"`
}

func (gc *GatewayConn) ChatHistory(ctx context.Context, sessionKey string) ([]ChatMessage, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil, errors.New("session key is required")
	}
	raw, err := gc.request(ctx, "chat.history", chatHistoryParams{SessionKey: sessionKey})
	if err != nil {
		return nil, err
	}
	var payload chatHistoryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("openclaw chat history parse: %w", err)
	}
	return payload.Messages, nil
}

type sessionsListPayload struct {
	Sessions []SessionInfo `json:"sessions"`
}

func (gc *GatewayConn) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	raw, err := gc.request(ctx, "sessions.list", nil)
	if err != nil {
		return nil, err
	}
	var payload sessionsListPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("openclaw sessions parse: %w", err)
	}
	return payload.Sessions, nil
}

type sendMessageParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (gc *GatewayConn) SendMessage(ctx context.Context, sessionKey, text string) error {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return errors.New("session key is required")
	}
	_, err := gc.request(ctx, "send", sendMessageParams{
		SessionKey:     sessionKey,
		Message:        text,
		IdempotencyKey: uuid.NewString(),
	})
	return err
}

// SessionKey builds the canonical gateway session key for an agent/task pair.
func SessionKey(agentID, taskID string) string {
	return fmt.Sprintf("agent:%s:task:%s", strings.TrimSpace(agentID), strings.TrimSpace(taskID))
}
