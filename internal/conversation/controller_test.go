package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/threadline/internal/agent"
	"github.com/threadline/internal/aiconnectors"
	"github.com/threadline/internal/api"
	"github.com/threadline/internal/api/auth"
	"github.com/threadline/internal/client"
	"github.com/threadline/internal/config"
	"github.com/threadline/internal/threads"
	"github.com/threadline/pkg/models"
)

// gateway runs the real server with an in-memory thread store. The model
// replies "Hi", " there" and fails on the calls listed in failOn (1-based).
func gateway(t *testing.T, failOn ...int32) *httptest.Server {
	t.Helper()
	repo := auth.NewMemoryRepository()
	hash, err := auth.HashPassword("password123")
	require.NoError(t, err)
	_, err = repo.CreateUser(context.Background(), "ada@example.com", hash, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	model := &aiconnectors.ScriptedModel{Reply: func([]llms.MessageContent) ([]string, error) {
		n := calls.Add(1)
		for _, f := range failOn {
			if n == f {
				return nil, errors.New("model unavailable")
			}
		}
		return []string{"Hi", " there"}, nil
	}}
	connector := aiconnectors.NewConnectorWithModel(model, aiconnectors.ConnectorOptions{Provider: aiconnectors.ProviderEcho})
	store := threads.NewInMemoryStore()

	server := api.NewServer(api.Options{
		StreamFraming: config.FramingSSE,
		Runtime:       agent.NewMemoryAgent(connector, store, agent.Options{HistoryLimit: 10}),
		Store:         store,
		Tokens:        auth.NewTokenService(repo, repo, "controller-secret"),
		Users:         repo,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

// loggedIn returns a controller signed in to srv with a fresh store.
func loggedIn(t *testing.T, srv *httptest.Server, creds client.CredentialStore) *Controller {
	t.Helper()
	opts := client.Options{BaseURL: srv.URL, Credentials: creds, Logger: zerolog.Nop()}
	apiClient := client.NewAPIClient(opts)
	if _, err := creds.Load(); errors.Is(err, client.ErrNoCredentials) {
		_, err := apiClient.Login(context.Background(), "ada@example.com", "password123")
		require.NoError(t, err)
	}
	return NewController(NewStore(), client.NewSession(opts), apiClient, zerolog.Nop())
}

func TestSendStartsThreadAndPromotesIt(t *testing.T) {
	srv := gateway(t)
	c := loggedIn(t, srv, client.NewMemoryCredentialStore(nil))
	ctx := context.Background()

	localID, err := c.Send(ctx, "", "Hello")
	require.NoError(t, err)

	visible := c.Store().SortedVisibleThreads()
	require.Len(t, visible, 1)
	thread := visible[0]
	assert.Equal(t, localID, thread.LocalID)
	assert.NotEmpty(t, thread.ServerID)
	assert.NotEqual(t, thread.LocalID, thread.ServerID)
	assert.True(t, thread.Visible)
	assert.Equal(t, "user-1", thread.ResourceOwner)

	msgs := c.Store().Messages(localID)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, StatusCompleted, msgs[1].Status)

	// A follow-up reuses the confirmed thread.
	again, err := c.Send(ctx, localID, "More")
	require.NoError(t, err)
	assert.Equal(t, localID, again)
	assert.Len(t, c.Store().SortedVisibleThreads(), 1)
	assert.Len(t, c.Store().Messages(localID), 4)
}

func TestFailedReplyCanBeRetried(t *testing.T) {
	srv := gateway(t, 2)
	c := loggedIn(t, srv, client.NewMemoryCredentialStore(nil))
	ctx := context.Background()

	localID, err := c.Send(ctx, "", "first")
	require.NoError(t, err)

	_, err = c.Send(ctx, localID, "second")
	var httpErr *client.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)

	msgs := c.Store().Messages(localID)
	require.Len(t, msgs, 4)
	assert.Equal(t, StatusError, msgs[3].Status)
	assert.Equal(t, ErrorServer, msgs[3].ErrorType)
	assert.False(t, c.Store().HasActiveStream(localID))

	require.NoError(t, c.Retry(ctx, localID))
	msgs = c.Store().Messages(localID)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Hi there", msgs[3].Content)
	assert.Equal(t, StatusCompleted, msgs[3].Status)

	assert.ErrorIs(t, c.Retry(ctx, localID), ErrNothingToRetry)
}

func TestFailureBeforeFirstTokenStillNamesThread(t *testing.T) {
	srv := gateway(t, 1)
	c := loggedIn(t, srv, client.NewMemoryCredentialStore(nil))
	ctx := context.Background()

	localID, err := c.Send(ctx, "", "hello")
	var httpErr *client.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)

	thread, ok := c.Store().Thread(localID)
	require.True(t, ok)
	require.NotEmpty(t, thread.ServerID)
	assert.True(t, thread.Visible)
	serverID := thread.ServerID

	require.NoError(t, c.Retry(ctx, localID))
	thread, _ = c.Store().Thread(localID)
	assert.Equal(t, serverID, thread.ServerID)

	require.NoError(t, c.Refresh(ctx))
	listed := c.Store().SortedVisibleThreads()
	require.Len(t, listed, 1)
	assert.Equal(t, localID, listed[0].LocalID)
	assert.Equal(t, serverID, listed[0].ServerID)
}

func TestNewerSendKeepsItsReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body models.StreamRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(client.HeaderThreadID, "srv-1")
		w.WriteHeader(http.StatusOK)

		if body.Message == "one" {
			fmt.Fprint(w, "data: {\"content\":\"first\"}\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		fmt.Fprint(w, "data: {\"content\":\"second\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	opts := client.Options{
		BaseURL:     srv.URL,
		Credentials: client.NewMemoryCredentialStore(&client.Credentials{AccessToken: "access-1"}),
		Logger:      zerolog.Nop(),
	}
	c := NewController(NewStore(), client.NewSession(opts), &fakeAPI{}, zerolog.Nop())
	started := make(chan struct{}, 1)
	c.OnChunk = func(_, chunk string) {
		if chunk == "first" {
			started <- struct{}{}
		}
	}
	ctx := context.Background()

	localID := c.Store().NewLocalThread().LocalID
	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, localID, "one")
		firstDone <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first reply never started")
	}

	_, err := c.Send(ctx, localID, "two")
	require.NoError(t, err)

	select {
	case err := <-firstDone:
		assert.True(t, client.IsUserAbort(err))
	case <-time.After(5 * time.Second):
		t.Fatal("first send did not end")
	}

	msgs := c.Store().Messages(localID)
	require.Len(t, msgs, 4)
	assert.Equal(t, "first", msgs[1].Content)
	assert.Equal(t, StatusCancelled, msgs[1].Status)
	assert.Equal(t, "two", msgs[2].Content)
	assert.Equal(t, "second", msgs[3].Content)
	assert.Equal(t, StatusCompleted, msgs[3].Status)
}

func TestRefreshOpenRenameDelete(t *testing.T) {
	srv := gateway(t)
	creds := client.NewMemoryCredentialStore(nil)
	writer := loggedIn(t, srv, creds)
	ctx := context.Background()

	_, err := writer.Send(ctx, "", "Hello")
	require.NoError(t, err)

	// A second client sharing the login starts from an empty store.
	reader := loggedIn(t, srv, creds)
	require.NoError(t, reader.Refresh(ctx))
	listed := reader.Store().SortedVisibleThreads()
	require.Len(t, listed, 1)
	localID := listed[0].LocalID

	msgs, err := reader.Open(ctx, localID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, StatusCompleted, msgs[1].Status)

	added, err := reader.LoadEarlier(ctx, localID)
	require.NoError(t, err)
	assert.Zero(t, added)

	require.NoError(t, reader.Rename(ctx, localID, "  Greetings  "))
	require.NoError(t, reader.Refresh(ctx))
	renamed, _ := reader.Store().Thread(localID)
	assert.Equal(t, "Greetings", renamed.Title)

	require.NoError(t, reader.Delete(ctx, localID))
	assert.Empty(t, reader.Store().SortedVisibleThreads())

	require.NoError(t, writer.Refresh(ctx))
	assert.Empty(t, writer.Store().SortedVisibleThreads())
}

func TestSendValidation(t *testing.T) {
	c := NewController(NewStore(), &fakeStreamer{}, &fakeAPI{}, zerolog.Nop())
	ctx := context.Background()

	_, err := c.Send(ctx, "", " \n\n ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = c.Send(ctx, "missing", "hi")
	assert.ErrorIs(t, err, ErrUnknownThread)
	assert.ErrorIs(t, c.Rename(ctx, "missing", "x"), ErrUnknownThread)
	assert.ErrorIs(t, c.Rename(ctx, "missing", " "), ErrEmptyTitle)
	assert.ErrorIs(t, c.Delete(ctx, "missing"), ErrUnknownThread)
}

// fakeStreamer replays a fixed sequence of callbacks.
type fakeStreamer struct {
	header  string
	chunks  []string
	err     error
	stopped atomic.Bool
	reqs    []client.StreamRequest
}

func (f *fakeStreamer) StreamMessage(ctx context.Context, req client.StreamRequest, cb client.Callbacks) error {
	f.reqs = append(f.reqs, req)
	if cb.OnHeaders != nil {
		h := http.Header{}
		if f.header != "" {
			h.Set("X-Thread-Id", f.header)
		}
		cb.OnHeaders(h)
	}
	for _, chunk := range f.chunks {
		cb.OnChunk(chunk)
	}
	if f.err != nil {
		return f.err
	}
	if cb.OnComplete != nil {
		cb.OnComplete()
	}
	return nil
}

func (f *fakeStreamer) Stop() { f.stopped.Store(true) }

type fakeAPI struct {
	thread   *models.Thread
	page     *models.MessagePage
	queries  []client.MessageQuery
	renameFn func(string) error
}

func (f *fakeAPI) ListThreads(context.Context) ([]models.Thread, error) { return nil, nil }

func (f *fakeAPI) GetThread(_ context.Context, id string) (*models.Thread, error) {
	if f.thread == nil {
		return nil, &client.HTTPError{StatusCode: http.StatusNotFound, Message: "Thread not found"}
	}
	return f.thread, nil
}

func (f *fakeAPI) GetMessages(_ context.Context, _ string, q client.MessageQuery) (*models.MessagePage, error) {
	f.queries = append(f.queries, q)
	return f.page, nil
}

func (f *fakeAPI) DeleteThread(context.Context, string) error { return nil }

func (f *fakeAPI) RenameThread(_ context.Context, _ string, title string) (*models.Thread, error) {
	if f.renameFn != nil {
		if err := f.renameFn(title); err != nil {
			return nil, err
		}
	}
	return &models.Thread{Title: title}, nil
}

func TestStoppedReplyIsMarkedCancelled(t *testing.T) {
	streamer := &fakeStreamer{
		header: "srv-1",
		chunks: []string{"par"},
		err:    &client.AbortError{Reason: client.AbortUser},
	}
	c := NewController(NewStore(), streamer, &fakeAPI{}, zerolog.Nop())

	localID, err := c.Send(context.Background(), "", "hello")
	require.True(t, client.IsUserAbort(err))

	msgs := c.Store().Messages(localID)
	require.Len(t, msgs, 2)
	assert.Equal(t, StatusCancelled, msgs[1].Status)
	assert.Equal(t, "par", msgs[1].Content)

	thread, _ := c.Store().Thread(localID)
	assert.Equal(t, "srv-1", thread.ServerID)

	c.Stop()
	assert.True(t, streamer.stopped.Load())
}

func TestTimedOutReplyIsAnError(t *testing.T) {
	streamer := &fakeStreamer{err: &client.AbortError{Reason: client.AbortTimeout}}
	c := NewController(NewStore(), streamer, &fakeAPI{}, zerolog.Nop())

	localID, err := c.Send(context.Background(), "", "hello")
	require.Error(t, err)

	msgs := c.Store().Messages(localID)
	assert.Equal(t, StatusError, msgs[1].Status)
	assert.Equal(t, ErrorTimeout, msgs[1].ErrorType)
	assert.Empty(t, c.Store().SortedVisibleThreads())
}

func TestSendSyncsThreadDetails(t *testing.T) {
	updated := time.Now().Add(time.Hour).UTC()
	streamer := &fakeStreamer{header: "srv-1", chunks: []string{"ok"}}
	threadAPI := &fakeAPI{thread: &models.Thread{ID: "srv-1", Title: "Named by the model", ResourceID: "user-7", UpdatedAt: updated}}
	c := NewController(NewStore(), streamer, threadAPI, zerolog.Nop())
	ctx := context.Background()

	localID, err := c.Send(ctx, "", "hello")
	require.NoError(t, err)
	thread, _ := c.Store().Thread(localID)
	assert.Equal(t, "Named by the model", thread.Title)
	assert.Equal(t, "user-7", thread.ResourceOwner)
	assert.Equal(t, updated, thread.UpdatedAt)

	_, err = c.Send(ctx, localID, "again")
	require.NoError(t, err)
	require.Len(t, streamer.reqs, 2)
	assert.Empty(t, streamer.reqs[0].ThreadID)
	assert.Nil(t, streamer.reqs[0].UpdatedAt)
	assert.Equal(t, "srv-1", streamer.reqs[1].ThreadID)
	require.NotNil(t, streamer.reqs[1].UpdatedAt)
	assert.Equal(t, updated, *streamer.reqs[1].UpdatedAt)
}

func TestRenameKeepsLocalTitleOnFailure(t *testing.T) {
	threadAPI := &fakeAPI{renameFn: func(string) error { return &client.TransportError{Err: errors.New("offline")} }}
	store := NewStore()
	store.AddOrUpdateThread(Thread{LocalID: "t", ServerID: "srv", Title: "Old", Visible: true})
	c := NewController(store, &fakeStreamer{}, threadAPI, zerolog.Nop())

	err := c.Rename(context.Background(), "t", "New")
	require.Error(t, err)
	thread, _ := store.Thread("t")
	assert.Equal(t, "New", thread.Title)
}

func TestLoadEarlierDropsCursorMessage(t *testing.T) {
	store := NewStore()
	store.AddOrUpdateThread(Thread{LocalID: "t", ServerID: "srv", Visible: true})
	store.SetMessages("t", []Message{{LocalID: "m3", ServerID: "m3"}, {LocalID: "m4", ServerID: "m4"}})
	threadAPI := &fakeAPI{page: &models.MessagePage{Messages: []models.Message{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}}}
	c := NewController(store, &fakeStreamer{}, threadAPI, zerolog.Nop())
	c.PageSize = 3

	added, err := c.LoadEarlier(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	require.Len(t, threadAPI.queries, 1)
	assert.Equal(t, client.MessageQuery{Before: "m3", Limit: 3}, threadAPI.queries[0])

	var ids []string
	for _, m := range store.Messages("t") {
		ids = append(ids, m.ServerID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids)
}
