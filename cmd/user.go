package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/threadline/internal/api/auth"
	"github.com/threadline/internal/database"
)

// UserCommand manages gateway accounts.
func UserCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage accounts",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create an account",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "email",
						Aliases:  []string{"e"},
						Usage:    "Account email",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Display name",
					},
					&cli.StringFlag{
						Name:    "password",
						Usage:   "Account password (prompted when omitted)",
						EnvVars: []string{"THREADLINE_PASSWORD"},
					},
				},
				Action: runUserAdd,
			},
		},
	}
}

func runUserAdd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	password := c.String("password")
	if password == "" {
		in := bufio.NewReader(os.Stdin)
		if password, err = promptPassword(in, "Password: "); err != nil {
			return err
		}
		confirm, err := promptPassword(in, "Confirm password: ")
		if err != nil {
			return err
		}
		if confirm != password {
			return errors.New("passwords do not match")
		}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	db, err := database.Open(c.Context, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	var displayName *string
	if name := c.String("name"); name != "" {
		displayName = &name
	}

	user, err := auth.NewPostgresRepository(db).CreateUser(c.Context, c.String("email"), hash, displayName)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			return fmt.Errorf("an account for %s already exists", c.String("email"))
		}
		return err
	}

	fmt.Printf("Created user %d (%s)\n", user.ID, user.Email)
	return nil
}
