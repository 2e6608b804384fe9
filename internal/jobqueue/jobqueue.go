/*
Package jobqueue runs background work for the gateway. Conversation titles are
generated after the first reply, either on a River queue backed by Postgres or
inline in a goroutine when no database is available.

For configuration options see queue_config.go.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/threadline/internal/agent"
	"github.com/threadline/internal/llm"
	"github.com/threadline/internal/threads"
)

// Titler generates and stores a title for a thread that has none.
type Titler struct {
	store     threads.Store
	generator *llm.TitleGenerator
}

func NewTitler(store threads.Store, generator *llm.TitleGenerator) *Titler {
	return &Titler{store: store, generator: generator}
}

// Apply titles req.ThreadID. Threads that are gone or already titled are skipped.
func (t *Titler) Apply(ctx context.Context, req agent.TitleRequest) error {
	thread, err := t.store.GetThread(ctx, req.ThreadID)
	if errors.Is(err, threads.ErrNotFound) {
		log.Debug().Str("thread_id", req.ThreadID).Msg("thread deleted before it was titled")
		return nil
	}
	if err != nil {
		return err
	}
	if thread.Title != "" {
		return nil
	}

	title, err := t.generator.Generate(ctx, req.UserMessage, req.Reply)
	if err != nil {
		return err
	}
	if err := t.store.UpdateTitle(ctx, req.ThreadID, title); err != nil {
		return fmt.Errorf("store title: %w", err)
	}

	log.Info().Str("thread_id", req.ThreadID).Str("title", title).Msg("thread titled")
	return nil
}

// TitleJobArgs represents the arguments for a title generation job
type TitleJobArgs struct {
	ThreadID    string `json:"thread_id"`
	UserMessage string `json:"user_message"`
	Reply       string `json:"reply"`
}

// Kind returns the job kind for River
func (TitleJobArgs) Kind() string {
	return "thread_title"
}

// TitleWorker handles title generation jobs
type TitleWorker struct {
	river.WorkerDefaults[TitleJobArgs]
	titler  *Titler
	timeout time.Duration
}

func (w *TitleWorker) Work(ctx context.Context, job *river.Job[TitleJobArgs]) error {
	return w.titler.Apply(ctx, agent.TitleRequest{
		ThreadID:    job.Args.ThreadID,
		UserMessage: job.Args.UserMessage,
		Reply:       job.Args.Reply,
	})
}

func (w *TitleWorker) Timeout(*river.Job[TitleJobArgs]) time.Duration {
	return w.timeout
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	config QueueConfig
}

var _ agent.TitleRequester = (*JobQueue)(nil)

// NewJobQueue creates a new job queue on an existing pool
func NewJobQueue(pool *pgxpool.Pool, titler *Titler, config QueueConfig) (*JobQueue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, &TitleWorker{titler: titler, timeout: config.JobTimeout})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{client: client, config: config}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// RequestTitle queues a title generation job
func (jq *JobQueue) RequestTitle(ctx context.Context, req agent.TitleRequest) error {
	args := TitleJobArgs{
		ThreadID:    req.ThreadID,
		UserMessage: req.UserMessage,
		Reply:       req.Reply,
	}
	_, err := jq.client.Insert(ctx, args, &river.InsertOpts{
		Queue:       QueueTitles,
		MaxAttempts: jq.config.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to queue title job: %w", err)
	}
	return nil
}

// Migrate applies River's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}
	return nil
}

// InlineTitler generates titles in background goroutines. Used when the gateway
// runs without the River queue.
type InlineTitler struct {
	titler  *Titler
	timeout time.Duration
	wg      sync.WaitGroup
}

var _ agent.TitleRequester = (*InlineTitler)(nil)

func NewInlineTitler(titler *Titler, timeout time.Duration) *InlineTitler {
	return &InlineTitler{titler: titler, timeout: timeout}
}

func (it *InlineTitler) RequestTitle(ctx context.Context, req agent.TitleRequest) error {
	ctx = context.WithoutCancel(ctx)
	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		if it.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, it.timeout)
			defer cancel()
		}
		if err := it.titler.Apply(ctx, req); err != nil {
			log.Warn().Err(err).Str("thread_id", req.ThreadID).Msg("title generation failed")
		}
	}()
	return nil
}

// Wait blocks until every requested title has been attempted.
func (it *InlineTitler) Wait() {
	it.wg.Wait()
}
