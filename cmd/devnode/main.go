package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "devnode",
		Usage: "Local EVM development node that can fork a live network",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Serve JSON-RPC over HTTP and WebSocket",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:  "flavors",
				Usage: "List the supported backend flavors",
				Action: func(c *cli.Context) error {
					for _, name := range supportedFlavors() {
						fmt.Fprintln(c.App.Writer, name)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
