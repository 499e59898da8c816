// Package cmd is the command line interface of asmux
package cmd

import (
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var projectVersion = "dev"

// Run starts asmux
func Run() {
	app := &cli.App{
		Name:                 "asmux",
		Usage:                "asmux multiplexes many Matrix bridges over a single appservice registration",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			serveCommand,
			generateRegistrationCommand,
			nginxConfigCommand,
		},
		Version: projectVersion,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Be more verbose when logging stuff",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "Be even more verbose when logging stuff",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "Log in JSON instead of text",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "Start prometheus metrics server, even if disabled in the config",
				Value: false,
			},
		},

		Before: setLogLevel,
		ExitErrHandler: func(context *cli.Context, theErr error) {
			if theErr != nil && logrus.GetLevel() != logrus.DebugLevel {
				logrus.Error(
					"asmux command failed. For verbose output, please use `asmux --debug <your-command>`",
				)
			}
		},
	}

	if runErr := app.Run(os.Args); runErr != nil {
		log.Fatal(runErr)
	}
}
