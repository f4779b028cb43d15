package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/coach-planner/internal/logging"
	"github.com/PortNumber53/coach-planner/internal/migrations"
	"github.com/PortNumber53/coach-planner/internal/store"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)
	logging.Init("console", os.Getenv("LOG_LEVEL"))

	if err := rootCommand().Execute(); err != nil {
		log.Fatal().Err(err).Msg("dbtool failed")
	}
}

func rootCommand() *cobra.Command {
	var dsn string

	open := func(cmd *cobra.Command) (*sql.DB, error) {
		if dsn == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return db, nil
	}

	root := &cobra.Command{
		Use:           "dbtool",
		Short:         "Schema maintenance for the coach planner database",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Running dbtool without a subcommand applies pending migrations.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(cmd, open)
		},
	}
	root.PersistentFlags().StringVar(&dsn, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(cmd, open)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "fix",
		Short: "Roll a dirty schema version back to the last clean one",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			log.Info().Msg("attempting to fix dirty database")
			if err := migrations.FixDirtyDatabase(db); err != nil {
				return err
			}
			log.Info().Msg("database fixed")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Record a schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version number: %s", args[0])
			}
			db, err := open(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrations.ForceVersion(db, uint(v)); err != nil {
				return err
			}
			log.Info().Uint64("version", v).Msg("database version forced")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the recorded schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			status, err := migrations.CurrentStatus(db)
			if err != nil {
				return err
			}
			switch {
			case status.Fresh:
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
			case status.Dirty:
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty)\n", status.Version)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", status.Version)
			}
			return nil
		},
	})

	var olderThan time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup-jobs",
		Short: "Delete finished email jobs older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := store.NewJobStore(db)
			if err != nil {
				return err
			}
			n, err := jobs.CleanupOldJobs(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("old jobs removed")
			return nil
		},
	}
	cleanup.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of completed or failed jobs to delete")
	root.AddCommand(cleanup)

	return root
}

func runUp(cmd *cobra.Command, open func(*cobra.Command) (*sql.DB, error)) error {
	db, err := open(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Msg("applying migrations")
	if err := migrations.Up(db); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")
	return nil
}
