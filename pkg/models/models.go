package models

import (
	"encoding/json"
	"time"
)

// User is an account that can sign in to the gateway and own threads.
type User struct {
	ID           int64      `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"` // Never expose password hash in JSON
	DisplayName  *string    `json:"display_name,omitempty" db:"display_name"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Thread is the persisted identity of a conversation.
type Thread struct {
	ID         string          `json:"id"`
	ResourceID string          `json:"resourceId"`
	Title      string          `json:"title"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Message roles. Anything else is passed through untouched.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// MessagePart is a single renderable fragment of a message.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextParts mirrors content into the single text part representation.
func TextParts(content string) []MessagePart {
	return []MessagePart{{Type: "text", Text: content}}
}

// Message is a persisted turn inside a thread.
type Message struct {
	ID         string        `json:"id"`
	ThreadID   string        `json:"threadId"`
	ResourceID string        `json:"resourceId"`
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Parts      []MessagePart `json:"parts"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ThreadList is the envelope for thread listings.
type ThreadList struct {
	Threads []Thread `json:"threads"`
}

// MessagePage is the envelope for a page of messages.
type MessagePage struct {
	Messages []Message `json:"uiMessages"`
	Meta     PageMeta  `json:"meta"`
}

// PageMeta describes how a message page was selected.
type PageMeta struct {
	Limit  int    `json:"limit"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
	Count  int    `json:"count"`
}

// StreamRequest is the body accepted by the streaming endpoints.
type StreamRequest struct {
	ThreadID   string `json:"threadId,omitempty"`
	Message    string `json:"message"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
}

// RenameThreadRequest is the body accepted by the thread rename endpoint.
type RenameThreadRequest struct {
	Title string `json:"title"`
}
