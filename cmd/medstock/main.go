package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medstock/medstock/internal/config"
	"github.com/medstock/medstock/internal/domain/backup"
	"github.com/medstock/medstock/internal/domain/report"
	"github.com/medstock/medstock/internal/platform/db"
	"github.com/medstock/medstock/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "medstock",
		Short:        "Medication stock and adherence server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reduceCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// loadConfig reads and validates configuration and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the daily stock reduction",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (postgres only)")
	return cmd
}

// withPool opens a pool for the postgres-only commands.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.BackendPostgres {
		return fmt.Errorf("migrations only apply to STORE_BACKEND=%s", config.BackendPostgres)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, migrations.Files).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

// withApp opens the configured store for a one-shot command.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	a, err := newApp(cfg, logger, st, nil)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func reduceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reduce",
		Short: "Run the daily stock reduction once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.medications.RunDailyReduction(ctx)
				if err != nil {
					return err
				}
				if res.AlreadyRan {
					fmt.Printf("Stock reduction already ran for %s.\n", res.Date)
					return nil
				}
				fmt.Printf("Stock reduction for %s: %d reduced, %d skipped.\n", res.Date, len(res.Reduced), len(res.Skipped))
				return nil
			})
		},
	}
}

// openOutput returns stdout for "-" or an empty path.
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a JSON backup of the whole store",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			return withApp(func(ctx context.Context, a *app) error {
				snap, err := a.backup.Export(ctx)
				if err != nil {
					return err
				}
				w, err := openOutput(out)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(snap); err != nil {
					w.Close()
					return fmt.Errorf("write backup: %w", err)
				}
				return w.Close()
			})
		},
	}
	cmd.Flags().StringP("out", "o", "-", "Output file, - for stdout")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the store with a JSON backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, _ := cmd.Flags().GetString("in")
			return withApp(func(ctx context.Context, a *app) error {
				var r io.Reader = os.Stdin
				if in != "" && in != "-" {
					f, err := os.Open(in)
					if err != nil {
						return err
					}
					defer f.Close()
					r = f
				}

				var snap backup.Snapshot
				if err := json.NewDecoder(r).Decode(&snap); err != nil {
					return fmt.Errorf("read backup: %w", err)
				}
				res, err := a.backup.Import(ctx, &snap)
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d medication(s), %d taken record(s), %d purchase(s); replaced %d.\n",
					res.Medications, res.DailyTaken, res.Purchases, res.Replaced)
				return nil
			})
		},
	}
	cmd.Flags().StringP("in", "i", "-", "Backup file, - for stdin")
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Dashboard statistics and spreadsheet export",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print dashboard statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				st, err := a.reports.Stats(ctx, a.reports.Today())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			})
		},
	})

	xlsx := &cobra.Command{
		Use:   "xlsx",
		Short: "Write the spreadsheet export",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			return withApp(func(ctx context.Context, a *app) error {
				today := a.reports.Today()
				x, err := a.reports.Export(ctx, today)
				if err != nil {
					return err
				}
				if out == "" {
					out = "medstock-" + today.Format("2006-01-02") + ".xlsx"
				}
				w, err := openOutput(out)
				if err != nil {
					return err
				}
				if err := report.WriteWorkbook(w, x); err != nil {
					w.Close()
					return err
				}
				return w.Close()
			})
		},
	}
	xlsx.Flags().StringP("out", "o", "", "Output file, - for stdout (default medstock-<date>.xlsx)")
	cmd.AddCommand(xlsx)

	return cmd
}
