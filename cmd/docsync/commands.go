package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-doc-sync/config"
	"github.com/c0deZ3R0/go-doc-sync/crdt"
	"github.com/c0deZ3R0/go-doc-sync/crdt/automerge"
	"github.com/c0deZ3R0/go-doc-sync/crdt/lww"
	"github.com/c0deZ3R0/go-doc-sync/logging"
	"github.com/c0deZ3R0/go-doc-sync/storage"
	"github.com/c0deZ3R0/go-doc-sync/storage/postgres"
	"github.com/c0deZ3R0/go-doc-sync/storage/sqlite"
)

// cli holds the state shared by every subcommand.
type cli struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "docsync",
		Short:         "Real-time CRDT document sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", config.DefaultPath, "path to the YAML config file")

	docs := &cobra.Command{
		Use:   "docs",
		Short: "Inspect and manage the documents in a store",
	}
	docs.AddCommand(c.docsListCmd(), c.docsDeleteCmd())

	root.AddCommand(
		c.serveCmd(),
		c.shrinkCmd(),
		docs,
		c.tokenCmd(),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	return config.Load(c.configPath)
}

// newLogger builds the command logger writing to w.
func newLogger(w io.Writer, cfg *config.Config) (*logging.Logger, *logging.DynamicLevelVar) {
	logger, level := logging.NewLoggerWithDynamicLevel(w, cfg.Logging)
	logging.SetDefault(logger)
	return logger, level
}

// engineFor returns the document engine named in the configuration.
func engineFor(name string) (crdt.Engine, error) {
	switch name {
	case automerge.Name:
		return automerge.Engine{}, nil
	case lww.Name:
		return lww.Engine{}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

// openPersister opens the configured storage backend.
func openPersister(ctx context.Context, cfg *config.Config, engine crdt.Engine, logger *logging.Logger) (storage.Persister, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pc := postgres.DefaultConfig(cfg.Storage.PostgresDSN)
		pc.Logger = logger
		return postgres.New(ctx, engine, pc)
	default:
		sc := sqlite.DefaultConfig()
		sc.EnableWAL = cfg.Storage.WALMode
		sc.BusyTimeout = cfg.Storage.BusyTimeout
		sc.Logger = logger
		return sqlite.New(engine, sc)
	}
}

// storePath maps a knowledge-base location to the store inside it.
func storePath(cfg *config.Config, location string) string {
	return filepath.Join(location, cfg.Storage.FileName)
}
