package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

var controlFlag = &cli.StringFlag{
	Name:    "control",
	Usage:   "address of the control API",
	Value:   "127.0.0.1:12558",
	Aliases: []string{"c"},
	Sources: cli.EnvVars("HYPERLOCAL_CONTROL"),
}

var functionFlag = &cli.StringFlag{
	Name:    "function",
	Usage:   "only show events of this function",
	Aliases: []string{"f"},
}

func main() {
	cmd := &cli.Command{
		Name:  "hyperlocal",
		Usage: "run Lambda functions locally behind the Runtime API",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the runtime and control APIs",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Usage:   "path of the manifest, defaults to ./hyperlocal.yaml",
						Sources: cli.EnvVars("HYPERLOCAL_CONFIG"),
					},
					&cli.StringFlag{
						Name:  "listen",
						Usage: "runtime API address, overrides the manifest",
					},
					&cli.StringFlag{
						Name:  "log-level",
						Usage: "debug, info, warn or error, overrides the manifest",
					},
					&cli.BoolFlag{
						Name:  "no-watch",
						Usage: "do not rebuild functions when their sources change",
					},
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "do not print function output",
					},
				},
				Action: serve,
			},
			{
				Name:      "invoke",
				Usage:     "invoke a function and print its response",
				ArgsUsage: "function",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "data",
						Usage:   "JSON event, - reads it from stdin",
						Aliases: []string{"d"},
					},
					&cli.DurationFlag{
						Name:    "timeout",
						Usage:   "example: 30s, 1m. Defaults to the function timeout",
						Aliases: []string{"t"},
					},
					&cli.StringFlag{
						Name:  "request-id",
						Usage: "request id of the invocation",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					name, err := requireArg(cmd)
					if err != nil {
						return err
					}
					event, err := readEvent(cmd.String("data"))
					if err != nil {
						return err
					}
					return newClient(cmd.String("control")).Invoke(ctx, name, event, cmd.Duration("timeout"), cmd.String("request-id"), os.Stdout)
				},
			},
			{
				Name:      "drain",
				Usage:     "stop all workers of a function",
				ArgsUsage: "function",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					name, err := requireArg(cmd)
					if err != nil {
						return err
					}
					return newClient(cmd.String("control")).Drain(ctx, name, os.Stdout)
				},
			},
			{
				Name:      "status",
				Usage:     "show functions, or the pool of one function",
				ArgsUsage: "[function]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dump",
						Usage: "pretty print the status instead of JSON",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return newClient(cmd.String("control")).Status(ctx, cmd.Args().First(), cmd.Bool("dump"), os.Stdout)
				},
			},
			{
				Name:  "events",
				Usage: "follow the emulator event stream",
				Flags: []cli.Flag{
					functionFlag,
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "stop after this long, 0 follows until interrupted",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if d := cmd.Duration("duration"); d > 0 {
						var cancel context.CancelFunc
						ctx, cancel = context.WithTimeout(ctx, d)
						defer cancel()
					}
					return newClient(cmd.String("control")).Events(ctx, cmd.String("function"), os.Stdout)
				},
			},
		},
		// all sub commands talk to the same control API
		Flags: []cli.Flag{
			controlFlag,
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requireArg(cmd *cli.Command) (string, error) {
	name := cmd.Args().First()
	if name == "" {
		return "", fmt.Errorf("%s: missing function name", cmd.Name)
	}
	return name, nil
}
