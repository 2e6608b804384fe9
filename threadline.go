package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/threadline/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "threadline",
		Usage:   "Streaming AI chat gateway and terminal client",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			cmd.APICommand(),
			cmd.MigrateCommand(),
			cmd.UserCommand(),
			cmd.LoginCommand(),
			cmd.LogoutCommand(),
			cmd.ChatCommand(),
			cmd.DoctorCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
