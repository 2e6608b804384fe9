package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/threadline/internal/config"
	"github.com/threadline/internal/logging"
)

// ConfigCommand groups the commands that write, check and print configuration.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Write, check or print the configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Where to write the file",
						Value:   "threadline.toml",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Replace an existing file",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String("output")
					if c.Bool("force") {
						if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
							return err
						}
					}
					if err := config.InitConfig(path); err != nil {
						return err
					}
					fmt.Printf("Wrote %s\n", path)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check the gateway and client settings",
				Action: func(c *cli.Context) error {
					cfg, err := config.LoadConfig(c.String("config"))
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					if err := config.Validate(cfg); err != nil {
						return fmt.Errorf("gateway settings: %w", err)
					}
					if err := config.ValidateClient(cfg); err != nil {
						return fmt.Errorf("client settings: %w", err)
					}
					for _, w := range CheckRequiredConfig(cfg).Warnings {
						fmt.Printf("warning: %s\n", w)
					}
					fmt.Println("Configuration is valid")
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective settings with secrets masked",
				Action: func(c *cli.Context) error {
					cfg, err := config.LoadConfig(c.String("config"))
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					writeEffectiveConfig(os.Stdout, cfg)
					return nil
				},
			},
		},
	}
}

// writeEffectiveConfig prints the merged settings as TOML-like sections.
func writeEffectiveConfig(w io.Writer, cfg *config.Config) {
	secret := func(v string) string {
		if v == "" {
			return `""`
		}
		return fmt.Sprintf("%q", maskSecret(v))
	}
	sections := []struct {
		name string
		keys [][2]string
	}{
		{"server", [][2]string{
			{"port", fmt.Sprint(cfg.Server.Port)},
			{"stream_framing", fmt.Sprintf("%q", cfg.Server.StreamFraming)},
			{"public_rate_per_minute", fmt.Sprint(cfg.Server.PublicRatePerMinute)},
			{"cors_origins", fmt.Sprintf("%q", cfg.Server.CORSOrigins)},
		}},
		{"database", [][2]string{
			{"store", fmt.Sprintf("%q", cfg.Database.Store)},
			{"url", secret(cfg.Database.URL)},
		}},
		{"auth", [][2]string{
			{"jwt_secret", secret(cfg.Auth.JWTSecret)},
			{"access_token_ttl", fmt.Sprintf("%q", cfg.Auth.AccessTokenTTL)},
			{"refresh_token_ttl", fmt.Sprintf("%q", cfg.Auth.RefreshTokenTTL)},
		}},
		{"agent", [][2]string{
			{"provider", fmt.Sprintf("%q", cfg.Agent.Provider)},
			{"model", fmt.Sprintf("%q", cfg.Agent.Model)},
			{"api_key", secret(cfg.Agent.APIKey)},
			{"base_url", fmt.Sprintf("%q", cfg.Agent.BaseURL)},
			{"history_limit", fmt.Sprint(cfg.Agent.HistoryLimit)},
			{"redact_secrets", fmt.Sprint(cfg.Agent.RedactSecrets)},
		}},
		{"jobs", [][2]string{
			{"enabled", fmt.Sprint(cfg.Jobs.Enabled)},
			{"max_workers", fmt.Sprint(cfg.Jobs.MaxWorkers)},
		}},
		{"client", [][2]string{
			{"base_url", fmt.Sprintf("%q", cfg.Client.BaseURL)},
			{"request_timeout", fmt.Sprintf("%q", cfg.Client.RequestTimeout)},
			{"credentials_file", fmt.Sprintf("%q", cfg.Client.CredentialsFile)},
		}},
		{"log", [][2]string{
			{"level", fmt.Sprintf("%q", cfg.Log.Level)},
			{"pretty", fmt.Sprint(cfg.Log.Pretty)},
		}},
	}

	for i, s := range sections {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "[%s]\n", s.name)
		for _, kv := range s.keys {
			fmt.Fprintf(w, "%s = %s\n", kv[0], kv[1])
		}
	}
}

// loadConfig reads the file named by the global --config flag and sets up
// logging from it. --verbose forces debug output.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Log.Level
	if c.Bool("verbose") {
		level = "debug"
	}
	logging.Setup(level, cfg.Log.Pretty)
	return cfg, nil
}
