package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/follow"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
	"github.com/jfoltran/pgcopystream/internal/workdir"
	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Operate the logical replication follower",
}

// streamEnv opens the follow-role environment shared by stream verbs.
func streamEnv(cmd *cobra.Command) (*runEnv, *follow.Follower, error) {
	env, err := openEnv(cmd.Context(), workdir.RoleFollow)
	if err != nil {
		return nil, nil, err
	}
	return env, follow.NewFollower(&cfg, env.dir, env.cat, env.flags, logger), nil
}

var streamSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the replication slot, sentinel, and origin",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return exit.With(exit.BadArgs, err)
		}
		endpos, err := parseEndpos()
		if err != nil {
			return err
		}
		env, follower, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		snaps := snapshot.NewManager(cfg.Source.DSN(), cfg.Source.ReplicationDSN(),
			env.dir, pgsql.DefaultRetry(), logger)
		defer snaps.Close(env.ctx)

		if err := follower.Setup(env.ctx, snaps, endpos); err != nil {
			return exit.With(exit.Source, err)
		}
		return nil
	},
}

var streamCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop the slot and origin and remove stream artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return exit.With(exit.BadArgs, err)
		}
		env, follower, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()
		if err := follower.Cleanup(env.ctx); err != nil {
			return exit.With(exit.Source, err)
		}
		return nil
	},
}

var streamReceiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive the decoding stream into JSON segment files",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateSourceOnly(); err != nil {
			return exit.With(exit.BadArgs, err)
		}
		env, _, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		receiver, err := follow.NewReceiver(&cfg, env.dir, env.cat, env.flags, nil, logger)
		if err != nil {
			return exit.With(exit.BadArgs, err)
		}
		if err := receiver.Run(env.ctx); err != nil && env.ctx.Err() == nil {
			return exit.With(exit.Source, err)
		}
		return nil
	},
}

var streamTransformCmd = &cobra.Command{
	Use:   "transform [wal-segment | -]",
	Short: "Transform JSON segments into SQL segments",
	Long: `Transform converts one JSON segment into its SQL segment. With "-"
it reads a live JSON stream on stdin and writes SQL to stdout (replay
mode). Without arguments it transforms every pending segment.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, follower, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		transformer := follow.NewTransformer(env.dir, logger)
		if len(args) == 1 && args[0] == "-" {
			if err := transformer.TransformStream(os.Stdin, os.Stdout); err != nil {
				return exit.With(exit.Internal, err)
			}
			return nil
		}
		if len(args) == 1 {
			if err := transformer.TransformSegment(args[0]); err != nil {
				return exit.With(exit.Internal, err)
			}
			return nil
		}
		if err := follower.TransformPending(); err != nil {
			return exit.With(exit.Internal, err)
		}
		return nil
	},
}

var streamApplyCmd = &cobra.Command{
	Use:   "apply <sql-file>",
	Short: "Apply one SQL segment on the target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return exit.With(exit.BadArgs, err)
		}
		env, _, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		applier := follow.NewApplier(&cfg, env.dir, env.cat, env.flags, logger)
		files := make(chan string, 1)
		files <- args[0]
		close(files)
		if err := applier.Run(env.ctx, files); err != nil {
			return exit.With(exit.Target, err)
		}
		return nil
	},
}

var streamPrefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Receive and transform without applying",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateSourceOnly(); err != nil {
			return exit.With(exit.BadArgs, err)
		}
		env, follower, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()
		if err := follower.Prefetch(env.ctx); err != nil && env.ctx.Err() == nil {
			return exit.With(exit.Source, err)
		}
		return nil
	},
}

var streamCatchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Transform and apply the segments already on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return exit.With(exit.BadArgs, err)
		}
		env, follower, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()
		if err := follower.Catchup(env.ctx); err != nil && env.ctx.Err() == nil {
			return exit.With(exit.Target, err)
		}
		return nil
	},
}

var streamSentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Inspect and update the follower control record",
}

var sentinelGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the sentinel",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()
		out, err := follow.SentinelGet(env.ctx, env.cat)
		if err != nil {
			return exit.With(exit.BadState, err)
		}
		fmt.Print(out)
		return nil
	},
}

var sentinelSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update one sentinel field",
}

var sentinelSetStartposCmd = &cobra.Command{
	Use:   "startpos <lsn>",
	Short: "Set the sentinel start position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := lsn.Parse(args[0])
		if err != nil {
			return exit.With(exit.BadArgs, err)
		}
		env, _, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()
		return exitInternal(env.cat.UpdateStartPos(env.ctx, pos))
	},
}

var sentinelSetEndposCmd = &cobra.Command{
	Use:   "endpos <lsn>",
	Short: "Set the sentinel end position (the follower stops there)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := lsn.Parse(args[0])
		if err != nil {
			return exit.With(exit.BadArgs, err)
		}
		env, _, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()
		return exitInternal(env.cat.UpdateEndPos(env.ctx, pos))
	},
}

var sentinelSetApplyCmd = &cobra.Command{
	Use:   "apply <on|off>",
	Short: "Toggle change application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var apply bool
		switch args[0] {
		case "on", "true":
			apply = true
		case "off", "false":
			apply = false
		default:
			return exit.With(exit.BadArgs, fmt.Errorf("apply takes on or off, not %q", args[0]))
		}
		env, _, err := streamEnv(cmd)
		if err != nil {
			return err
		}
		defer env.close()
		return exitInternal(env.cat.UpdateApply(env.ctx, apply))
	},
}

func init() {
	sentinelSetCmd.AddCommand(sentinelSetStartposCmd, sentinelSetEndposCmd, sentinelSetApplyCmd)
	streamSentinelCmd.AddCommand(sentinelGetCmd, sentinelSetCmd)
	streamCmd.AddCommand(
		streamSetupCmd, streamCleanupCmd, streamReceiveCmd,
		streamTransformCmd, streamApplyCmd, streamPrefetchCmd,
		streamCatchupCmd, streamSentinelCmd,
	)
	rootCmd.AddCommand(streamCmd)
}
