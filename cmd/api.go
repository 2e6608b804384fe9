package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/threadline/internal/agent"
	"github.com/threadline/internal/aiconnectors"
	"github.com/threadline/internal/api"
	"github.com/threadline/internal/api/auth"
	"github.com/threadline/internal/config"
	"github.com/threadline/internal/database"
	"github.com/threadline/internal/jobqueue"
	"github.com/threadline/internal/llm"
	"github.com/threadline/internal/retry"
	"github.com/threadline/internal/secrets"
	"github.com/threadline/internal/threads"
)

// APICommand returns the CLI command for starting the gateway
func APICommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"api"},
		Usage:   "Start the AI gateway",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the gateway (overrides config)",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Thread store: postgres or memory (overrides config)",
			},
			&cli.StringFlag{
				Name:  "framing",
				Usage: "Stream framing: sse or raw (overrides config)",
			},
			&cli.StringSliceFlag{
				Name:  "seed-user",
				Usage: "Create `EMAIL:PASSWORD` at startup (memory store only)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("store") {
		cfg.Database.Store = c.String("store")
	}
	if c.IsSet("framing") {
		cfg.Server.StreamFraming = c.String("framing")
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	if seeds := c.StringSlice("seed-user"); len(seeds) > 0 {
		if cfg.Database.Store != config.StoreMemory {
			return fmt.Errorf("--seed-user only applies to the memory store")
		}
		if err := seedUsers(ctx, gw.users, seeds); err != nil {
			return err
		}
	}

	gw.tokens.StartCleanupScheduler(ctx)
	if gw.queue != nil {
		if err := gw.queue.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
	}

	server := api.NewServer(api.Options{
		Port:                cfg.Server.Port,
		StreamFraming:       cfg.Server.StreamFraming,
		PublicRatePerMinute: cfg.Server.PublicRatePerMinute,
		CORSOrigins:         cfg.Server.CORSOrigins,
		Runtime:             gw.runtime,
		Store:               gw.store,
		Tokens:              gw.tokens,
		Users:               gw.users,
	})
	return server.Start(ctx)
}

// gateway holds the dependencies wired from the configuration.
type gateway struct {
	runtime agent.Runtime
	store   threads.Store
	tokens  *auth.TokenService
	users   auth.UserRepository
	queue   *jobqueue.JobQueue
	inline  *jobqueue.InlineTitler
	closers []func()
}

func (g *gateway) Close() {
	if g.queue != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := g.queue.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("Job queue did not stop cleanly")
		}
		cancel()
	}
	if g.inline != nil {
		g.inline.Wait()
	}
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
}

func buildGateway(ctx context.Context, cfg *config.Config) (*gateway, error) {
	connector, err := aiconnectors.NewConnector(ctx, aiconnectors.OptionsFromConfig(cfg.Agent))
	if err != nil {
		return nil, fmt.Errorf("failed to create model connector: %w", err)
	}
	log.Info().
		Str("provider", string(connector.GetProvider())).
		Str("model", connector.GetModel()).
		Msg("Model connector ready")

	generator := llm.NewTitleGenerator(llm.NewResilientClient(connector, retry.LLMConfig(), 30*time.Second))

	gw := &gateway{}
	var (
		refreshTokens auth.RefreshTokenRepository
		titles        agent.TitleRequester
	)

	switch cfg.Database.Store {
	case config.StoreMemory:
		repo := auth.NewMemoryRepository()
		gw.store = threads.NewInMemoryStore()
		gw.users, refreshTokens = repo, repo
		gw.inline = jobqueue.NewInlineTitler(jobqueue.NewTitler(gw.store, generator), time.Minute)
		titles = gw.inline

	default:
		pool, err := database.OpenPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		gw.closers = append(gw.closers, pool.Close)

		db, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			gw.Close()
			return nil, err
		}
		gw.closers = append(gw.closers, func() { db.Close() })

		repo := auth.NewPostgresRepository(db)
		gw.store = threads.NewPostgresStore(pool)
		gw.users, refreshTokens = repo, repo

		titler := jobqueue.NewTitler(gw.store, generator)
		if cfg.Jobs.Enabled {
			queueConfig := jobqueue.DefaultQueueConfig()
			if cfg.Jobs.MaxWorkers > 0 {
				queueConfig.MaxWorkers = cfg.Jobs.MaxWorkers
			}
			gw.queue, err = jobqueue.NewJobQueue(pool, titler, queueConfig)
			if err != nil {
				gw.Close()
				return nil, err
			}
			titles = gw.queue
		} else {
			gw.inline = jobqueue.NewInlineTitler(titler, time.Minute)
			titles = gw.inline
		}
	}

	gw.tokens = auth.NewTokenService(gw.users, refreshTokens, cfg.Auth.JWTSecret)
	if cfg.Auth.AccessTokenTTL > 0 {
		gw.tokens.AccessTokenDuration = cfg.Auth.AccessTokenTTL
	}
	if cfg.Auth.RefreshTokenTTL > 0 {
		gw.tokens.RefreshTokenDuration = cfg.Auth.RefreshTokenTTL
	}

	agentOpts := agent.Options{
		Instructions:   cfg.Agent.Instructions,
		HistoryLimit:   cfg.Agent.HistoryLimit,
		MaxOutputChars: cfg.Agent.MaxOutputChars,
		StartRetry:     retry.StreamStartConfig(),
		Titles:         titles,
	}
	if cfg.Agent.RedactSecrets {
		scrubber, err := secrets.NewScrubber()
		if err != nil {
			gw.Close()
			return nil, err
		}
		agentOpts.Redactor = scrubber
	}

	gw.runtime = agent.NewMemoryAgent(connector, gw.store, agentOpts)
	return gw, nil
}

func seedUsers(ctx context.Context, users auth.UserRepository, seeds []string) error {
	for _, seed := range seeds {
		email, password, ok := strings.Cut(seed, ":")
		if !ok || email == "" {
			return fmt.Errorf("invalid --seed-user %q, want EMAIL:PASSWORD", seed)
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		if _, err := users.CreateUser(ctx, email, hash, nil); err != nil {
			return fmt.Errorf("failed to seed %s: %w", email, err)
		}
		log.Info().Str("email", auth.NormalizeEmail(email)).Msg("Seeded user")
	}
	return nil
}
