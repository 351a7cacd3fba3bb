package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/tane"
	"github.com/ashita-ai/tane/internal/auth"
	"github.com/ashita-ai/tane/internal/config"
	"github.com/ashita-ai/tane/internal/export"
	"github.com/ashita-ai/tane/internal/model"
)

const (
	cfgTargets = "targets"
	cfgSQLite  = "sqlite"
	cfgDSN     = "database-url"
)

// maxTraceLine bounds one JSON line of the ingest input.
const maxTraceLine = 16 * 1024 * 1024

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "tane",
		Short:         "Coverage-guided seed corpus engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String(cfgTargets, "", "target library definitions file (overrides TANE_TARGETS_FILE)")
	root.PersistentFlags().String(cfgSQLite, "", "SQLite store path (overrides TANE_SQLITE_PATH)")
	root.PersistentFlags().String(cfgDSN, "", "Postgres connection string (overrides DATABASE_URL)")

	root.AddCommand(
		newServeCmd(logger),
		newIngestCmd(logger),
		newCompactCmd(logger),
		newExportCmd(logger),
		newNextBatchCmd(logger),
		newTokenCmd(),
	)
	return root
}

// storeOptions turns the persistent flags into engine options.
func storeOptions(cmd *cobra.Command, logger *slog.Logger) []tane.Option {
	opts := []tane.Option{tane.WithLogger(logger), tane.WithVersion(version)}
	flags := cmd.Flags()
	if v, _ := flags.GetString(cfgTargets); v != "" {
		opts = append(opts, tane.WithTargetsFile(v))
	}
	if v, _ := flags.GetString(cfgSQLite); v != "" {
		opts = append(opts, tane.WithSQLitePath(v))
	}
	if v, _ := flags.GetString(cfgDSN); v != "" {
		opts = append(opts, tane.WithDatabaseURL(v))
	}
	return opts
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var port int
	var walDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := storeOptions(cmd, logger)
			if port != 0 {
				opts = append(opts, tane.WithPort(port))
			}
			if walDir != "" {
				opts = append(opts, tane.WithWALDir(walDir))
			}
			app, err := tane.New(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides TANE_PORT)")
	cmd.Flags().StringVar(&walDir, "wal-dir", "", "ingest write-ahead log directory (overrides TANE_WAL_DIR)")
	return cmd
}

func newIngestCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <traces.jsonl>",
		Short: "Merge a file of coverage traces, one JSON object per line",
		Long: `ingest reads raw traces from a JSON Lines file ("-" for stdin) and merges
them into the corpus as a single ingest round. Rejected traces are reported
and skipped; the command fails only when the store cannot be written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			traces, err := readTraces(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			eng, err := tane.Open(cmd.Context(), storeOptions(cmd, logger)...)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			rep, err := eng.Service().IngestTraces(cmd.Context(), traces)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			for _, e := range rep.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "rejected: %v\n", e)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{
				"read":     len(traces),
				"applied":  len(rep.Applied),
				"retained": rep.Retained(),
				"rejected": rep.Rejected,
			})
		},
	}
}

func readTraces(stdin io.Reader, path string) ([]model.RawTrace, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var traces []model.RawTrace
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxTraceLine)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var t model.RawTrace
		if err := json.Unmarshal([]byte(text), &t); err != nil {
			return nil, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		traces = append(traces, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ingest: read: %w", err)
	}
	return traces, nil
}

func newCompactCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "compact [target]",
		Short: "Run a minimization pass and commit a checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := tane.Open(cmd.Context(), storeOptions(cmd, logger)...)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			svc := eng.Service()
			if len(args) == 1 {
				res, err := svc.Compact(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("compact: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), res)
			}
			return writeJSON(cmd.OutOrStdout(), svc.CompactAll(cmd.Context()))
		},
	}
}

func newExportCmd(logger *slog.Logger) *cobra.Command {
	var all bool
	var outDir string
	cmd := &cobra.Command{
		Use:   "export <target>",
		Short: "Write seed headers for a target",
		Long: `export prints the header block of every retained seed of a target, or of
every seed with --all. With --out it writes one <target>/<id>.cpp file
per seed under a directory instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := tane.Open(cmd.Context(), storeOptions(cmd, logger)...)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			headers, err := eng.Service().Export(args[0], all)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if outDir != "" {
				return export.WriteCorpus(outDir, headers)
			}
			return export.RenderAll(cmd.OutOrStdout(), headers)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include pending and retired seeds")
	cmd.Flags().StringVar(&outDir, "out", "", "write one file per seed into this directory")
	return cmd
}

func newNextBatchCmd(logger *slog.Logger) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "next-batch <target>",
		Short: "Show the next seeds the scheduler would hand out",
		Long: `next-batch prints the scheduler's next parents for a target without
marking them selected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := tane.Open(cmd.Context(), storeOptions(cmd, logger)...)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			ids, err := eng.Service().NextBatch(args[0], n)
			if err != nil {
				return fmt.Errorf("next-batch: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"target": args[0], "seeds": ids})
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 10, "number of seeds")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		workerID string
		role     string
		targets  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured key",
		Long: `token signs a JWT with TANE_JWT_PRIVATE_KEY. Without a configured key the
signing key is ephemeral and the token is only useful for testing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := model.Role(role)
			if r != model.RoleWorker && r != model.RoleAdmin {
				return fmt.Errorf("token: role must be %q or %q", model.RoleWorker, model.RoleAdmin)
			}
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			tok, exp, err := mgr.IssueToken(workerID, r, targets)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"token": tok, "expires_at": exp})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "cli", "worker ID claim")
	cmd.Flags().StringVar(&role, "role", string(model.RoleWorker), "worker or admin")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "restrict the token to these targets (repeatable)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
