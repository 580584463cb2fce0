package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopystream/internal/clone"
	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Copy one section of the database",
}

// copyEntry wires one copy sub-command to its orchestrator entry point.
func copyEntry(use, short string, run func(*clone.Orchestrator, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return exit.With(exit.BadArgs, err)
			}
			env, err := openEnv(cmd.Context(), workdir.RoleClone)
			if err != nil {
				return err
			}
			defer env.close()

			snaps := snapshot.NewManager(cfg.Source.DSN(), cfg.Source.ReplicationDSN(),
				env.dir, pgsql.DefaultRetry(), logger)
			defer snaps.Close(env.ctx)
			if _, err := snaps.Prepare(env.ctx, cfg.Snapshot, !cfg.NotConsistent); err != nil {
				return exit.With(exit.Source, err)
			}

			orch := clone.New(&cfg, env.dir, env.cat, env.filters, snaps, env.flags, logger)
			return run(orch, env.ctx)
		},
	}
}

func init() {
	copyCmd.AddCommand(
		copyEntry("db", "Copy the whole database (same as clone)",
			(*clone.Orchestrator).Run),
		copyEntry("data", "Copy table data, extension configuration, and sequences",
			(*clone.Orchestrator).RunData),
		copyEntry("table-data", "Copy table rows only",
			(*clone.Orchestrator).RunTableData),
		copyEntry("sequences", "Reset sequence values on the target",
			(*clone.Orchestrator).RunSequences),
		copyEntry("indexes", "Build all indexes on the target",
			(*clone.Orchestrator).RunIndexes),
		copyEntry("constraints", "Attach constraints backing built indexes",
			(*clone.Orchestrator).RunConstraints),
		copyEntry("roles", "Copy cluster roles to the target",
			(*clone.Orchestrator).RunRoles),
		copyEntry("extensions", "Create extensions and copy their configuration",
			(*clone.Orchestrator).RunExtensions),
		copyEntry("blobs", "Copy large objects",
			(*clone.Orchestrator).RunBlobs),
	)
	rootCmd.AddCommand(copyCmd)
}
