package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/threadline/internal/client"
	"github.com/threadline/pkg/models"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrEmptyTitle     = errors.New("title is empty")
	ErrUnknownThread  = errors.New("unknown thread")
	ErrNothingToRetry = errors.New("nothing to retry")
	ErrNotSynced      = errors.New("thread has not been saved yet")
)

// Streamer is the part of client.Session the controller needs.
type Streamer interface {
	StreamMessage(ctx context.Context, req client.StreamRequest, cb client.Callbacks) error
	Stop()
}

// ThreadAPI is the part of client.APIClient the controller needs.
type ThreadAPI interface {
	ListThreads(ctx context.Context) ([]models.Thread, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	GetMessages(ctx context.Context, threadID string, q client.MessageQuery) (*models.MessagePage, error)
	DeleteThread(ctx context.Context, threadID string) error
	RenameThread(ctx context.Context, threadID, title string) (*models.Thread, error)
}

// Controller drives user actions against the gateway and keeps the Store in
// step with the results.
type Controller struct {
	store    *Store
	streamer Streamer
	api      ThreadAPI
	logger   zerolog.Logger

	// PageSize bounds message history fetches.
	PageSize int
	// OnChunk, if set, sees each reply fragment after it is stored.
	OnChunk func(threadLocalID, chunk string)
}

func NewController(store *Store, streamer Streamer, api ThreadAPI, logger zerolog.Logger) *Controller {
	return &Controller{
		store:    store,
		streamer: streamer,
		api:      api,
		logger:   logger,
		PageSize: 50,
	}
}

func (c *Controller) Store() *Store { return c.store }

// Send posts text to a thread and streams the reply. An empty threadLocalID
// starts a new thread, which stays hidden until the gateway names it. The
// local id of the thread used is returned even when streaming fails.
func (c *Controller) Send(ctx context.Context, threadLocalID, text string) (string, error) {
	text = CleanText(text)
	if text == "" {
		return threadLocalID, ErrEmptyMessage
	}
	if threadLocalID == "" {
		threadLocalID = c.store.NewLocalThread().LocalID
	} else if _, ok := c.store.Thread(threadLocalID); !ok {
		return threadLocalID, ErrUnknownThread
	}

	_, reply := c.store.BeginExchange(threadLocalID, text)
	return threadLocalID, c.stream(ctx, threadLocalID, reply.LocalID, text)
}

// Retry resends the message behind a failed reply, reusing the reply slot.
func (c *Controller) Retry(ctx context.Context, threadLocalID string) error {
	reply, text, ok := c.store.RetryLast(threadLocalID)
	if !ok {
		return ErrNothingToRetry
	}
	return c.stream(ctx, threadLocalID, reply.LocalID, text)
}

// Stop aborts the reply in flight.
func (c *Controller) Stop() {
	c.streamer.Stop()
}

// stream sends text and writes the reply into replyID. A stream superseded by
// a newer send leaves the newer reply alone.
func (c *Controller) stream(ctx context.Context, localID, replyID, text string) error {
	thread, ok := c.store.Thread(localID)
	if !ok {
		return ErrUnknownThread
	}
	req := client.StreamRequest{Message: text, ThreadID: thread.ServerID}
	if thread.ServerID != "" {
		updated := thread.UpdatedAt
		req.UpdatedAt = &updated
	}

	err := c.streamer.StreamMessage(ctx, req, client.Callbacks{
		OnHeaders: func(h http.Header) {
			serverID := h.Get(client.HeaderThreadID)
			if serverID == "" {
				c.logger.Warn().Str("thread", localID).Msg("Reply carried no thread id")
				return
			}
			if !c.store.PromoteThread(localID, serverID) {
				c.logger.Warn().Str("thread", localID).Str("server_thread", serverID).Msg("Gateway answered for a different thread")
			}
		},
		OnChunk: func(chunk string) {
			if !c.store.AppendChunk(localID, replyID, chunk) {
				return
			}
			if c.OnChunk != nil {
				c.OnChunk(localID, chunk)
			}
		},
		OnComplete: func() {
			c.store.CompleteLast(localID, replyID)
		},
	})
	if err != nil {
		if client.IsUserAbort(err) {
			c.store.CancelLast(localID, replyID)
		} else {
			c.store.FailLast(localID, replyID, err.Error())
		}
		return err
	}

	c.syncThread(ctx, localID)
	return nil
}

// syncThread pulls the thread's details after a reply so titles and
// timestamps assigned by the gateway show up.
func (c *Controller) syncThread(ctx context.Context, localID string) {
	thread, ok := c.store.Thread(localID)
	if !ok || thread.ServerID == "" {
		return
	}
	fetched, err := c.api.GetThread(ctx, thread.ServerID)
	if err != nil {
		c.logger.Warn().Err(err).Str("thread", thread.ServerID).Msg("Failed to refresh thread details")
		return
	}
	c.store.SyncThreadDetails(localID, DetailsFromModel(*fetched))
}

// Refresh reconciles the store with the gateway's thread list.
func (c *Controller) Refresh(ctx context.Context) error {
	fetched, err := c.api.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	c.store.ReconcileFetchedThreads(fetched)
	return nil
}

// Open loads the latest page of a thread's history. History is not replaced
// while a reply is streaming into the thread.
func (c *Controller) Open(ctx context.Context, threadLocalID string) ([]Message, error) {
	thread, ok := c.store.Thread(threadLocalID)
	if !ok {
		return nil, ErrUnknownThread
	}
	if thread.ServerID == "" || c.store.HasActiveStream(threadLocalID) {
		return c.store.Messages(threadLocalID), nil
	}

	page, err := c.api.GetMessages(ctx, thread.ServerID, client.MessageQuery{Limit: c.PageSize})
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	c.store.SetMessages(threadLocalID, convertMessages(threadLocalID, page.Messages))
	return c.store.Messages(threadLocalID), nil
}

// LoadEarlier fetches the page before the oldest loaded message and returns
// how many messages it added.
func (c *Controller) LoadEarlier(ctx context.Context, threadLocalID string) (int, error) {
	thread, ok := c.store.Thread(threadLocalID)
	if !ok {
		return 0, ErrUnknownThread
	}
	if thread.ServerID == "" {
		return 0, ErrNotSynced
	}
	loaded := c.store.Messages(threadLocalID)
	if len(loaded) == 0 || loaded[0].ServerID == "" {
		return 0, nil
	}

	page, err := c.api.GetMessages(ctx, thread.ServerID, client.MessageQuery{Before: loaded[0].ServerID, Limit: c.PageSize})
	if err != nil {
		return 0, fmt.Errorf("load messages: %w", err)
	}
	older := make([]models.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.ID != loaded[0].ServerID {
			older = append(older, m)
		}
	}
	c.store.PrependMessages(threadLocalID, convertMessages(threadLocalID, older))
	return len(older), nil
}

// Delete removes a thread on the gateway, then locally.
func (c *Controller) Delete(ctx context.Context, threadLocalID string) error {
	thread, ok := c.store.Thread(threadLocalID)
	if !ok {
		return ErrUnknownThread
	}
	if thread.ServerID != "" {
		if err := c.api.DeleteThread(ctx, thread.ServerID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
	}
	c.store.RemoveThread(threadLocalID)
	return nil
}

// Rename applies the title locally first. A failed server update is
// returned but the local title is kept.
func (c *Controller) Rename(ctx context.Context, threadLocalID, title string) error {
	title = CleanText(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if !c.store.RenameThread(threadLocalID, title) {
		return ErrUnknownThread
	}
	thread, _ := c.store.Thread(threadLocalID)
	if thread.ServerID == "" {
		return nil
	}
	if _, err := c.api.RenameThread(ctx, thread.ServerID, title); err != nil {
		c.logger.Warn().Err(err).Str("thread", thread.ServerID).Msg("Rename was not saved")
		return fmt.Errorf("rename thread: %w", err)
	}
	return nil
}

func convertMessages(threadLocalID string, in []models.Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		out = append(out, MessageFromModel(threadLocalID, m))
	}
	return out
}
