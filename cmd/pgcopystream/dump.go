package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/pgdump"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the source schema into the work directory",
	Long: `Dump extracts the source schema into two custom-format archives
(pre-data and post-data) under <dir>/schema/, the same archives the
clone phases restore from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateSourceOnly(); err != nil {
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

		runner := pgdump.NewRunner(logger)
		steps := []struct {
			phase   workdir.Phase
			section pgdump.Section
			out     string
		}{
			{workdir.PhaseDumpPre, pgdump.SectionPreData, env.dir.PreDataDump()},
			{workdir.PhaseDumpPost, pgdump.SectionPostData, env.dir.PostDataDump()},
		}
		for _, s := range steps {
			if env.dir.PhaseDone(s.phase) {
				logger.Info().Str("phase", string(s.phase)).Msg("already dumped, skipping")
				continue
			}
			err := runner.Dump(env.ctx, pgdump.DumpOptions{
				SourceDSN: cfg.Source.DSN(),
				Snapshot:  snaps.Token(),
				Section:   s.section,
				OutFile:   s.out,
			})
			if err != nil {
				return exit.With(exit.Source, err)
			}
			if err := env.dir.MarkPhaseDone(s.phase); err != nil {
				return exit.With(exit.Internal, err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}
