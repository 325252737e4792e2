package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/objectfs/objectsync/internal/config"
	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/internal/progress"
)

func (r *runner) runReport(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	if c.IsSet("store-driver") {
		cfg.Store.Driver = c.String("store-driver")
	}
	if c.IsSet("store-dsn") {
		cfg.Store.DSN = c.String("store-dsn")
	}
	if cfg.Store.Driver == progress.DriverMemory {
		return cli.Exit("report needs a persistent progress store (sqlite3 or postgres)", exitFatal)
	}
	selected, err := progress.ParseFilter(c.String("filter"))
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}

	log := logger.New(cfg.Logging, "objectsync")
	store, err := progress.Open(c.Context, cfg.Store, log)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	defer store.Close()

	var w io.Writer = r.stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("creating report: %v", err), exitFatal)
		}
		defer f.Close()
		w = f
	}

	n, err := progress.WriteCSV(c.Context, store, w, selected)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	log.Info().Int("records", n).Str("filter", c.String("filter")).Msg("report written")
	return nil
}

func (r *runner) runConfigInit(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("config init needs a path", exitFatal)
	}
	if _, err := os.Stat(path); err == nil {
		return cli.Exit(fmt.Sprintf("%s already exists", path), exitFatal)
	}
	if err := config.NewDefault().SaveToFile(path); err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	fmt.Fprintf(r.stdout, "wrote %s\n", path)
	return nil
}

func (r *runner) runConfigCheck(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	fmt.Fprintf(r.stdout, "configuration ok: %s -> %s\n", cfg.Job.Source, cfg.Job.Target)
	return nil
}
