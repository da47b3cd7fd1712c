package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	docsync "github.com/c0deZ3R0/go-doc-sync"
	"github.com/c0deZ3R0/go-doc-sync/auth"
	"github.com/c0deZ3R0/go-doc-sync/config"
	"github.com/c0deZ3R0/go-doc-sync/logging"
	"github.com/c0deZ3R0/go-doc-sync/storage"
)

// withStore opens the configured persister for an offline admin command.
func (c *cli) withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, p storage.Persister, logger *logging.Logger) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger, _ := newLogger(cmd.ErrOrStderr(), cfg)
	engine, err := engineFor(cfg.Engine)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	p, err := openPersister(ctx, cfg, engine, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer p.Close()
	return fn(ctx, cfg, p, logger)
}

func (c *cli) shrinkCmd() *cobra.Command {
	var (
		docID    string
		noVacuum bool
	)
	cmd := &cobra.Command{
		Use:   "shrink <location>",
		Short: "Fold update logs into snapshots and reclaim space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, cfg *config.Config, p storage.Persister, logger *logging.Logger) error {
				path := storePath(cfg, args[0])
				engine, err := engineFor(cfg.Engine)
				if err != nil {
					return err
				}
				server, err := docsync.NewServer(p, engine, nil, docsync.WithLogger(logger))
				if err != nil {
					return err
				}
				defer server.Close()

				res, err := server.Shrink(ctx, path, docID, !noVacuum)
				if err != nil {
					return err
				}
				logger.Info("store shrunk",
					slog.String("store", path),
					slog.Int64("before_size", res.BeforeSize),
					slog.Int64("after_size", res.AfterSize),
				)
				fmt.Fprintf(cmd.OutOrStdout(), "before: %d bytes\nafter:  %d bytes\n", res.BeforeSize, res.AfterSize)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docID, "doc", "", "only shrink this document")
	cmd.Flags().BoolVar(&noVacuum, "no-vacuum", false, "skip reclaiming free space")
	return cmd
}

func (c *cli) docsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <location>",
		Short: "List the documents in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, cfg *config.Config, p storage.Persister, _ *logging.Logger) error {
				ids, err := p.AllDocIDs(ctx, storePath(cfg, args[0]))
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func (c *cli) docsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <location> <docId>",
		Short: "Delete a document and its update log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, cfg *config.Config, p storage.Persister, logger *logging.Logger) error {
				path := storePath(cfg, args[0])
				if err := p.DeleteDoc(ctx, args[1], path); err != nil {
					return err
				}
				logger.Info("document deleted", slog.String("store", path), slog.String("doc_id", args[1]))
				return nil
			})
		},
	}
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		role     string
		location string
		subject  string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a handshake or admin token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case auth.RoleKBEditor:
				if location == "" {
					return fmt.Errorf("--location is required for role %s", role)
				}
			case auth.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(subject, role, location, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleKBEditor, "token role (kb-editor or admin)")
	cmd.Flags().StringVar(&location, "location", "", "knowledge-base location the token is bound to")
	cmd.Flags().StringVar(&subject, "subject", "docsync-cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}
