// Command objectsync copies objects between storage backends, records the
// progress of every object and verifies what it wrote.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/objectfs/objectsync/internal/filter"
	"github.com/objectfs/objectsync/internal/storage"
)

// Exit codes.
const (
	exitOK      = 0
	exitPartial = 1
	exitFatal   = 2
)

var version = "dev"

// runner holds what commands share. Tests swap the registries and writers.
type runner struct {
	storages *storage.Registry
	filters  *filter.Registry
	stdout   io.Writer
	stderr   io.Writer
}

func newRunner() *runner {
	return &runner{
		storages: storage.DefaultRegistry(),
		filters:  filter.DefaultRegistry(),
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	}
}

func newConfigFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file",
		EnvVars: []string{"OBJECTSYNC_CONFIG"},
	}
}

func newServerFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "server",
		Usage:   "control API address of a running sync",
		Value:   "http://localhost:8080",
		EnvVars: []string{"OBJECTSYNC_SERVER"},
	}
}

func (r *runner) app() *cli.App {
	return &cli.App{
		Name:      "objectsync",
		Usage:     "Synchronize objects between storage backends",
		Version:   version,
		Writer:    r.stdout,
		ErrWriter: r.stderr,
		// main maps exit codes; the default handler would exit mid-test
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			{
				Name:   "sync",
				Usage:  "Copy and verify objects from a source to a target",
				Flags:  syncFlags(),
				Action: r.runSync,
			},
			{
				Name:  "report",
				Usage: "Write the progress records of a job as CSV",
				Flags: []cli.Flag{
					newConfigFlag(),
					&cli.StringFlag{Name: "store-driver", Usage: "progress store driver (memory, sqlite3, postgres)"},
					&cli.StringFlag{Name: "store-dsn", Usage: "progress store data source name"},
					&cli.StringFlag{Name: "filter", Usage: "records to include: all, errors, retries or deleted", Value: "all"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file (default stdout)"},
				},
				Action: r.runReport,
			},
			{
				Name:   "status",
				Usage:  "Show the jobs of a running sync",
				Flags:  []cli.Flag{newServerFlag(), &cli.StringFlag{Name: "job", Usage: "show one job"}},
				Action: r.runStatus,
			},
			r.controlCommand("pause", "Pause a running job"),
			r.controlCommand("resume", "Resume a paused job"),
			r.controlCommand("stop", "Stop a job after in-flight objects finish"),
			{
				Name:      "threads",
				Usage:     "Change the thread counts of a running job",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					newServerFlag(),
					&cli.IntFlag{Name: "query-threads", Usage: "new query thread count"},
					&cli.IntFlag{Name: "sync-threads", Usage: "new sync thread count"},
				},
				Action: r.runThreads,
			},
			{
				Name:  "config",
				Usage: "Configuration helpers",
				Subcommands: []*cli.Command{
					{
						Name:      "init",
						Usage:     "Write a configuration file holding the defaults",
						ArgsUsage: "<path>",
						Action:    r.runConfigInit,
					},
					{
						Name:   "check",
						Usage:  "Load and validate a configuration",
						Flags:  []cli.Flag{newConfigFlag()},
						Action: r.runConfigCheck,
					},
				},
			},
		},
	}
}

func main() {
	if err := newRunner().app().Run(os.Args); err != nil {
		if coder, ok := err.(cli.ExitCoder); ok {
			if msg := coder.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitFatal)
	}
}
