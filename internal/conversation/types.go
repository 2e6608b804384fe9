// Package conversation keeps the client's view of threads and messages and
// reconciles it with what the gateway reports.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/threadline/pkg/models"
)

// MessageStatus tracks an assistant reply through its stream.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusCompleted MessageStatus = "completed"
	StatusError     MessageStatus = "error"
	StatusCancelled MessageStatus = "cancelled"
)

// Active reports whether the status still belongs to an open stream.
func (s MessageStatus) Active() bool {
	return s == StatusPending || s == StatusStreaming
}

// ErrorType groups failures for display.
type ErrorType string

const (
	ErrorNetwork ErrorType = "network"
	ErrorTimeout ErrorType = "timeout"
	ErrorServer  ErrorType = "server"
	ErrorUnknown ErrorType = "unknown"
)

// Thread is a conversation as the client sees it. LocalID is stable for the
// session; ServerID is assigned once the gateway confirms the thread.
type Thread struct {
	LocalID       string
	ServerID      string
	ResourceOwner string
	Title         string
	Metadata      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
	// Visible is false for an optimistic thread until it is promoted.
	Visible bool
}

// Message is one turn in a thread.
type Message struct {
	LocalID       string
	ServerID      string
	ThreadLocalID string
	Role          string
	Content       string
	Parts         []models.MessagePart
	Status        MessageStatus
	ErrorType     ErrorType
	ErrorMessage  string
	CreatedAt     time.Time
}

// ThreadDetails are the server-sourced fields applied by SyncThreadDetails.
type ThreadDetails struct {
	ServerID      string
	Title         string
	ResourceOwner string
	Metadata      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DetailsFromModel converts a fetched thread.
func DetailsFromModel(t models.Thread) ThreadDetails {
	return ThreadDetails{
		ServerID:      t.ID,
		Title:         t.Title,
		ResourceOwner: t.ResourceID,
		Metadata:      t.Metadata,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// threadFromModel builds a visible local thread for one that only exists on
// the server. Its local id is the server id.
func threadFromModel(t models.Thread) Thread {
	return Thread{
		LocalID:       t.ID,
		ServerID:      t.ID,
		ResourceOwner: t.ResourceID,
		Title:         t.Title,
		Metadata:      t.Metadata,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		Visible:       true,
	}
}

// MessageFromModel converts a persisted message into a completed local one.
func MessageFromModel(threadLocalID string, m models.Message) Message {
	parts := m.Parts
	if len(parts) == 0 {
		parts = models.TextParts(m.Content)
	}
	return Message{
		LocalID:       m.ID,
		ServerID:      m.ID,
		ThreadLocalID: threadLocalID,
		Role:          m.Role,
		Content:       m.Content,
		Parts:         parts,
		Status:        StatusCompleted,
		CreatedAt:     m.CreatedAt,
	}
}
