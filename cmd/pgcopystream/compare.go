package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopystream/internal/compare"
	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare source and target",
}

func compareRunE(run func(*compare.Comparer, *runEnv) ([]compare.Difference, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return exit.With(exit.BadArgs, err)
		}
		env, err := openEnv(cmd.Context(), workdir.RoleCompare)
		if err != nil {
			return err
		}
		defer env.close()

		c := compare.New(&cfg, env.dir, logger)
		diffs, err := run(c, env)
		if err != nil {
			return exit.With(exit.Source, err)
		}
		if len(diffs) == 0 {
			fmt.Println("no differences")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tOBJECT\tSOURCE\tTARGET")
		for _, d := range diffs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Kind, d.Object, d.Source, d.Target)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return exit.With(exit.Target, fmt.Errorf("%d differences found", len(diffs)))
	}
}

var compareSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Compare table and sequence structure",
	RunE: compareRunE(func(c *compare.Comparer, env *runEnv) ([]compare.Difference, error) {
		return c.Schema(env.ctx)
	}),
}

var compareDataCmd = &cobra.Command{
	Use:   "data",
	Short: "Compare row counts and checksums",
	RunE: compareRunE(func(c *compare.Comparer, env *runEnv) ([]compare.Difference, error) {
		return c.Data(env.ctx)
	}),
}

func init() {
	compareCmd.AddCommand(compareSchemaCmd, compareDataCmd)
	rootCmd.AddCommand(compareCmd)
}
