package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/threadline/internal/api/auth"
	"github.com/threadline/internal/database"
	"github.com/threadline/internal/jobqueue"
	"github.com/threadline/internal/threads"
)

// MigrateCommand applies the thread, account and job queue schemas.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the database schema",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "skip-jobs",
				Usage: "Do not apply the job queue schema",
			},
		},
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	pool, err := database.OpenPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := threads.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info().Msg("Thread schema applied")

	if err := auth.MigrateSchema(ctx, db); err != nil {
		return err
	}
	log.Info().Msg("Account schema applied")

	if !c.Bool("skip-jobs") {
		if err := jobqueue.Migrate(ctx, pool); err != nil {
			return err
		}
		log.Info().Msg("Job queue schema applied")
	}

	fmt.Println("Database is up to date")
	return nil
}
