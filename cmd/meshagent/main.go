package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var version = "dev"

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "meshagent"
	app.Usage = "Device agent: mining subprocess, uptime reports and task polling"
	app.UsageText = "meshagent [global options] command [command options]"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "config.yaml",
			Usage:  "path to the YAML configuration file",
			EnvVar: "MESH_CONFIG",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "log at debug level",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "Run the agent until interrupted",
			Action: runAction,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "minimized",
					Usage: "start without showing a window",
				},
				cli.StringFlag{
					Name:   "email",
					Usage:  "log in with this email at startup",
					EnvVar: "MESH_EMAIL",
				},
				cli.StringFlag{
					Name:   "password",
					Usage:  "password for --email",
					EnvVar: "MESH_PASSWORD",
				},
				cli.BoolFlag{
					Name:  "mine",
					Usage: "enable the miner once logged in",
				},
			},
		},
		{
			Name:   "config",
			Usage:  "Print an example configuration file",
			Action: configAction,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "output, o",
					Usage: "write to a file instead of stdout",
				},
			},
		},
		{
			Name:   "devserver",
			Usage:  "Serve a local stand-in for the remote API",
			Action: devserverAction,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr",
					Value: "127.0.0.1:8080",
					Usage: "listen address",
				},
				cli.StringFlag{
					Name:   "secret",
					Usage:  "token signing secret, at least 32 characters",
					EnvVar: "MESH_DEVSERVER_SECRET",
				},
				cli.StringFlag{
					Name:  "seed-email",
					Usage: "create this account at startup",
				},
				cli.StringFlag{
					Name:  "seed-password",
					Usage: "password for --seed-email",
				},
				cli.StringSliceFlag{
					Name:  "task",
					Usage: "queue a GET task for this URL (repeatable)",
				},
			},
		},
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "meshagent: %v\n", err)
		os.Exit(1)
	}
}
