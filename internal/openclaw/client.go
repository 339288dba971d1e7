// Package openclaw is the client for the OpenClaw agent gateway: the
// external runtime brokering sessions with autonomous agents. Warden only
// consumes four operations — connect, chat history, session listing, and
// message send — so the surface here is deliberately small.
package openclaw

import (
	"context"
	"time"
)

// ChatMessage is one turn of a gateway session's conversation.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SessionInfo summarizes a live gateway session.
type SessionInfo struct {
	SessionKey string    `json:"sessionKey"`
	AgentID    string    `json:"agentId,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// Client establishes gateway connections. A connection is established once
// per reconciliation pass and reused across tasks.
type Client interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is an established gateway connection. All operations are remote and
// may fail; failures surface as errors, never as silent empty results.
type Conn interface {
	ChatHistory(ctx context.Context, sessionKey string) ([]ChatMessage, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	SendMessage(ctx context.Context, sessionKey, text string) error
	Close() error
}

// AssistantEvidence summarizes the assistant turns in a chat history, the
// raw material for runtime-truth derivation.
type AssistantEvidence struct {
	Count    int
	LatestAt *time.Time
}

// SummarizeAssistant counts assistant turns and tracks the newest timestamp.
func SummarizeAssistant(history []ChatMessage) AssistantEvidence {
	ev := AssistantEvidence{}
	for _, msg := range history {
		if msg.Role != "assistant" {
			continue
		}
		ev.Count++
		if !msg.Timestamp.IsZero() {
			ts := msg.Timestamp
			if ev.LatestAt == nil || ts.After(*ev.LatestAt) {
				ev.LatestAt = &ts
			}
		}
	}
	return ev
}
