package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// Flag environment variables may come from a .env file in the working
	// directory. Variables already set win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:  "docindexer",
		Usage: "Maintain a secondary index over a document change feed",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Keep the index up to date with the change feed",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "state",
				Usage:  "Print the persisted engine state",
				Flags:  storeFlags(),
				Action: showState,
			},
			{
				Name:      "get",
				Usage:     "Print the index entry of a group",
				ArgsUsage: "<group>",
				Flags:     storeFlags(),
				Action:    getEntry,
			},
			{
				Name:   "clear",
				Usage:  "Destroy the index so the next run rebuilds it from the start of the change feed",
				Flags:  storeFlags(),
				Action: clearIndex,
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
