package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"harbor/cmd/internal/app"
)

func main() {
	// .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:  "harbor",
		Usage: "direct-messaging server for the community platform",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
				EnvVars: []string{"HARBOR_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP + WebSocket server",
				Action: func(c *cli.Context) error {
					return app.Run(c.String("config"))
				},
			},
		},
		// Bare "harbor" serves too; the explicit command exists for scripts.
		Action: func(c *cli.Context) error {
			return app.Run(c.String("config"))
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
