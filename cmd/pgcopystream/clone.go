package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopystream/internal/clone"
	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/follow"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Clone the source database into the target (alias of copy db)",
	Long: `Clone performs a full copy of the source database to the target:
1. Dumps the source schema (pre-data and post-data sections)
2. Caches the source catalogs and restores pre-data on the target
3. Copies all tables in parallel under one consistent snapshot,
   building indexes and running VACUUM ANALYZE as tables finish
4. Copies large objects, extension configuration, and sequences
5. Restores the remaining post-data objects

Every phase leaves a donefile; an interrupted clone re-run with
--resume performs only the remaining work. With --follow the run
continues into change data capture until --endpos.`,
	RunE: runClone,
}

func init() {
	rootCmd.AddCommand(cloneCmd)
}

func runClone(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return exit.With(exit.BadArgs, err)
	}
	endpos, err := parseEndpos()
	if err != nil {
		return err
	}

	env, err := openEnv(cmd.Context(), workdir.RoleClone)
	if err != nil {
		return err
	}
	defer env.close()

	snaps := snapshot.NewManager(cfg.Source.DSN(), cfg.Source.ReplicationDSN(),
		env.dir, pgsql.DefaultRetry(), logger)
	defer snaps.Close(env.ctx)

	follower := follow.NewFollower(&cfg, env.dir, env.cat, env.flags, logger)

	if cfg.Follow.Enabled {
		// The slot creation exports the snapshot every reader joins, so
		// the consistent point and the clone see the same state.
		if err := follower.Setup(env.ctx, snaps, endpos); err != nil {
			return exit.With(exit.Source, err)
		}
	} else {
		if _, err := snaps.Prepare(env.ctx, cfg.Snapshot, !cfg.NotConsistent); err != nil {
			return exit.With(exit.Source, err)
		}
	}

	orch := clone.New(&cfg, env.dir, env.cat, env.filters, snaps, env.flags, logger)
	if err := orch.Run(env.ctx); err != nil {
		return err
	}
	if err := snaps.Close(env.ctx); err != nil {
		logger.Warn().Err(err).Msg("snapshot release")
	}

	if !cfg.Follow.Enabled {
		return nil
	}
	logger.Info().Msg("clone complete, following changes")
	if err := follower.Run(env.ctx); err != nil {
		return exit.With(exit.Internal, err)
	}
	return nil
}
