package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopystream/internal/clone"
	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the dumped schema onto the target",
	Long: `Restore replays the archives produced by dump against the target,
pre-data first and post-data last, rewriting each archive's object list
to exclude filtered objects and anything already processed.`,
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
		return orch.RunRestore(env.ctx)
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}
