package models

import (
	"sort"
	"strings"
	"time"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type MessageStatus string

const (
	StatusPending MessageStatus = "PENDING"
	StatusSuccess MessageStatus = "SUCCESS"
	StatusError   MessageStatus = "ERROR"
)

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Role           MessageRole   `json:"role"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Conversation is the read-only view the core needs: history plus the active documents.
type Conversation struct {
	ID        string     `json:"id"`
	Messages  []Message  `json:"messages"`
	Documents []Document `json:"documents"`
}

// UsableHistory keeps successful, non-empty messages ordered by creation time.
// Messages created at the same instant keep their input order.
func UsableHistory(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Status != StatusSuccess || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
