package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export a snapshot and hold it until interrupted",
	Long: `Snapshot exports a transaction snapshot on the source, prints its
token, and keeps the exporting transaction open until the process is
signaled. Other pgcopystream commands adopt it with --snapshot so a
clone and a follow setup see the same database state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateSourceOnly(); err != nil {
			return exit.With(exit.BadArgs, err)
		}
		env, err := openEnv(cmd.Context(), workdir.RoleSnapshot)
		if err != nil {
			return err
		}
		defer env.close()

		snaps := snapshot.NewManager(cfg.Source.DSN(), cfg.Source.ReplicationDSN(),
			env.dir, pgsql.DefaultRetry(), logger)
		defer snaps.Close(env.ctx)

		token, err := snaps.Prepare(env.ctx, cfg.Snapshot, !cfg.NotConsistent)
		if err != nil {
			return exit.With(exit.Source, err)
		}
		fmt.Println(token)
		logger.Info().Str("snapshot", token).Msg("holding snapshot until interrupted")

		for !env.flags.Asked() {
			select {
			case <-env.ctx.Done():
				return nil
			case <-time.After(250 * time.Millisecond):
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}
