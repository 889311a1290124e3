// Command floorlink is a bench tool for the production line endpoints: it
// reads robot poses, sends raw LIMA commands, drives the cobot and runs the
// inbound listener from a shell.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "floorlink",
		Usage: "talk to the LIMA vision unit and the cobot from the command line",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log every exchange",
			},
		},
		Commands: []*cli.Command{
			poseCommand(),
			commandCommand(),
			cobotCommand(),
			listenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
