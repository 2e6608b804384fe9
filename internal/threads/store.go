package threads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/pkg/models"
)

var (
	// ErrNotFound is returned when a thread does not exist.
	ErrNotFound = errors.New("thread not found")
	// ErrForbidden is returned when the caller does not own the thread.
	ErrForbidden = errors.New("thread belongs to another resource")
	// ErrCursorNotFound is returned when a before/after cursor names an unknown message.
	ErrCursorNotFound = errors.New("cursor message not found")
	// ErrThreadExists is returned by CreateThread when the id is taken.
	ErrThreadExists = errors.New("thread already exists")
	// ErrInvalidQuery is returned for contradictory pagination parameters.
	ErrInvalidQuery = errors.New("invalid message query")
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Query selects a page of messages. At most one of Before and After may be set.
type Query struct {
	Before string
	After  string
	Limit  int
}

// Normalize applies the default limit and rejects contradictory cursors.
func (q Query) Normalize() (Query, error) {
	q.Before = strings.TrimSpace(q.Before)
	q.After = strings.TrimSpace(q.After)
	if q.Before != "" && q.After != "" {
		return q, fmt.Errorf("%w: before and after are mutually exclusive", ErrInvalidQuery)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	return q, nil
}

// Store persists threads and their messages.
//
// Messages within a thread are totally ordered by insertion. Every page returned
// by QueryMessages is in that ascending order.
type Store interface {
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreadsByOwner(ctx context.Context, ownerID string) ([]models.Thread, error)
	CreateThread(ctx context.Context, thread *models.Thread) error
	TouchThread(ctx context.Context, id string, at time.Time) error
	UpdateTitle(ctx context.Context, id, title string) error
	DeleteThread(ctx context.Context, id, callerOwnerID string) error

	AppendMessage(ctx context.Context, msg *models.Message) error
	QueryMessages(ctx context.Context, threadID, ownerID string, q Query) ([]models.Message, error)
	RecentMessages(ctx context.Context, threadID string, n int) ([]models.Message, error)
}

// EnsureThread returns the thread with id, creating it for ownerID when absent.
// A thread that exists under a different owner yields ErrForbidden.
func EnsureThread(ctx context.Context, store Store, id, ownerID string, now time.Time) (*models.Thread, bool, error) {
	thread, err := store.GetThread(ctx, id)
	switch {
	case err == nil:
		if thread.ResourceID != ownerID {
			return nil, false, fmt.Errorf("%w: %s", ErrForbidden, id)
		}
		return thread, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	thread = &models.Thread{
		ID:         id,
		ResourceID: ownerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateThread(ctx, thread); err != nil {
		if errors.Is(err, ErrThreadExists) {
			// Lost a creation race; the winner decides ownership.
			return EnsureThread(ctx, store, id, ownerID, now)
		}
		return nil, false, err
	}
	return thread, true, nil
}

// CheckOwner returns ErrForbidden unless thread is owned by ownerID.
func CheckOwner(thread *models.Thread, ownerID string) error {
	if thread.ResourceID != ownerID {
		return fmt.Errorf("%w: %s", ErrForbidden, thread.ID)
	}
	return nil
}

func prepareMessage(msg *models.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if len(msg.Parts) == 0 {
		msg.Parts = models.TextParts(msg.Content)
	}
}

// page slices an ascending message list according to q. q must be normalized.
func page(msgs []models.Message, q Query) ([]models.Message, error) {
	switch {
	case q.Before != "":
		idx := indexOf(msgs, q.Before)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrCursorNotFound, q.Before)
		}
		start := idx - q.Limit + 1
		if start < 0 {
			start = 0
		}
		return msgs[start : idx+1], nil
	case q.After != "":
		idx := indexOf(msgs, q.After)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrCursorNotFound, q.After)
		}
		end := idx + q.Limit
		if end > len(msgs) {
			end = len(msgs)
		}
		return msgs[idx:end], nil
	default:
		start := len(msgs) - q.Limit
		if start < 0 {
			start = 0
		}
		return msgs[start:], nil
	}
}

func indexOf(msgs []models.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
