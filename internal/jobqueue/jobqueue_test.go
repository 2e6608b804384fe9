package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/threadline/internal/agent"
	"github.com/threadline/internal/aiconnectors"
	"github.com/threadline/internal/llm"
	"github.com/threadline/internal/retry"
	"github.com/threadline/internal/threads"
	"github.com/threadline/pkg/models"
)

func newTitler(t *testing.T, store threads.Store, reply string, err error) *Titler {
	t.Helper()
	model := &aiconnectors.ScriptedModel{Reply: func([]llms.MessageContent) ([]string, error) {
		if err != nil {
			return nil, err
		}
		return []string{reply}, nil
	}}
	connector := aiconnectors.NewConnectorWithModel(model, aiconnectors.ConnectorOptions{Provider: aiconnectors.ProviderEcho})
	client := llm.NewResilientClient(connector, retry.Config{MaxRetries: 0}, 0)
	return NewTitler(store, llm.NewTitleGenerator(client))
}

func TestTitlerApply(t *testing.T) {
	ctx := context.Background()
	store := threads.NewInMemoryStore()
	require.NoError(t, store.CreateThread(ctx, &models.Thread{ID: "t1", ResourceID: "r"}))

	titler := newTitler(t, store, `{"title":"greeting exchange"}`, nil)
	require.NoError(t, titler.Apply(ctx, agent.TitleRequest{ThreadID: "t1", UserMessage: "hi", Reply: "hello"}))

	thread, err := store.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Greeting exchange", thread.Title)
}

func TestTitlerSkipsTitledAndMissingThreads(t *testing.T) {
	ctx := context.Background()
	store := threads.NewInMemoryStore()
	require.NoError(t, store.CreateThread(ctx, &models.Thread{ID: "t1", ResourceID: "r", Title: "Kept"}))

	titler := newTitler(t, store, `{"title":"replacement"}`, nil)
	require.NoError(t, titler.Apply(ctx, agent.TitleRequest{ThreadID: "t1"}))
	require.NoError(t, titler.Apply(ctx, agent.TitleRequest{ThreadID: "gone"}))

	thread, err := store.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Kept", thread.Title)
}

func TestTitleWorkerWork(t *testing.T) {
	ctx := context.Background()
	store := threads.NewInMemoryStore()
	require.NoError(t, store.CreateThread(ctx, &models.Thread{ID: "t1", ResourceID: "r"}))

	worker := &TitleWorker{titler: newTitler(t, store, "Weekend plans", nil), timeout: time.Second}
	err := worker.Work(ctx, &river.Job[TitleJobArgs]{Args: TitleJobArgs{ThreadID: "t1", UserMessage: "plans?"}})
	require.NoError(t, err)

	thread, err := store.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Weekend plans", thread.Title)
	assert.Equal(t, time.Second, worker.Timeout(nil))
	assert.Equal(t, "thread_title", TitleJobArgs{}.Kind())
}

func TestTitleWorkerSurfacesModelErrors(t *testing.T) {
	ctx := context.Background()
	store := threads.NewInMemoryStore()
	require.NoError(t, store.CreateThread(ctx, &models.Thread{ID: "t1", ResourceID: "r"}))

	worker := &TitleWorker{titler: newTitler(t, store, "", errors.New("invalid api key"))}
	err := worker.Work(ctx, &river.Job[TitleJobArgs]{Args: TitleJobArgs{ThreadID: "t1"}})
	assert.ErrorContains(t, err, "invalid api key")
}

func TestInlineTitler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := threads.NewInMemoryStore()
	require.NoError(t, store.CreateThread(ctx, &models.Thread{ID: "t1", ResourceID: "r"}))

	inline := NewInlineTitler(newTitler(t, store, "Async title", nil), time.Second)
	require.NoError(t, inline.RequestTitle(ctx, agent.TitleRequest{ThreadID: "t1"}))
	// The request context ending must not abort generation.
	cancel()
	inline.Wait()

	thread, err := store.GetThread(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Async title", thread.Title)
}

func TestRiverQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()
	queues := cfg.RiverQueueConfig()
	require.Contains(t, queues, QueueTitles)
	assert.Equal(t, 4, queues[QueueTitles].MaxWorkers)

	cfg.MaxWorkers = 0
	assert.Equal(t, 1, cfg.RiverQueueConfig()[QueueTitles].MaxWorkers)
}
