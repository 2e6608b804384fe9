package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/threadline/internal/client"
	"github.com/threadline/internal/config"
)

// LoginCommand signs in to the gateway and stores the tokens locally.
func LoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Sign in to the gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "email",
				Aliases: []string{"e"},
				Usage:   "Account email",
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Account password (prompted when omitted)",
				EnvVars: []string{"THREADLINE_PASSWORD"},
			},
		},
		Action: runLogin,
	}
}

// LogoutCommand revokes the stored session and forgets it.
func LogoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Sign out and remove stored credentials",
		Action: runLogout,
	}
}

// clientOptions builds client options from the client section of cfg.
func clientOptions(cfg *config.Config) client.Options {
	return client.Options{
		BaseURL:        cfg.Client.BaseURL,
		Credentials:    client.NewFileCredentialStore(cfg.Client.CredentialsFile),
		RequestTimeout: cfg.Client.RequestTimeout,
		Logger:         log.With().Str("component", "client").Logger(),
	}
}

func runLogin(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := config.ValidateClient(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	in := bufio.NewReader(os.Stdin)
	email := c.String("email")
	if email == "" {
		if email, err = promptLine(in, os.Stdout, "Email: "); err != nil {
			return err
		}
	}
	password := c.String("password")
	if password == "" {
		if password, err = promptPassword(in, "Password: "); err != nil {
			return err
		}
	}

	opts := clientOptions(cfg)
	result, err := client.NewAPIClient(opts).Login(c.Context, email, password)
	if err != nil {
		return err
	}

	fmt.Printf("Signed in as %s (%s)\n", result.User.Email, result.User.ResourceID)
	if store, ok := opts.Credentials.(*client.FileCredentialStore); ok {
		fmt.Printf("Credentials saved to %s\n", store.Path())
	}
	return nil
}

func runLogout(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	opts := clientOptions(cfg)
	if _, err := opts.Credentials.Load(); errors.Is(err, client.ErrNoCredentials) {
		fmt.Println("Not signed in")
		return nil
	}
	if err := client.NewAPIClient(opts).Logout(c.Context); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}
