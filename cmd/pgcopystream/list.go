package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached schema objects and clone progress",
}

func listEnvRunE(fn func(env *runEnv, w *tabwriter.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context(), workdir.RoleClone)
		if err != nil {
			return err
		}
		defer env.close()

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		if err := fn(env, w); err != nil {
			return err
		}
		return w.Flush()
	}
}

var listTablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List cached source tables",
	RunE: listEnvRunE(func(env *runEnv, w *tabwriter.Writer) error {
		it, err := env.cat.IterateTables(env.ctx)
		if err != nil {
			return exit.With(exit.Internal, err)
		}
		defer it.Close()
		fmt.Fprintln(w, "OID\tSCHEMA\tNAME\tROWS\tBYTES\tPARTS")
		for it.Next() {
			t := it.Table()
			full, err := env.cat.GetTable(env.ctx, t.OID)
			if err != nil {
				return exit.With(exit.Internal, err)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\n",
				t.OID, t.Schema, t.Name, t.RowEstimate, t.Bytes, len(full.Parts))
		}
		return exitInternal(it.Err())
	}),
}

var listSequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "List cached source sequences",
	RunE: listEnvRunE(func(env *runEnv, w *tabwriter.Writer) error {
		seqs, err := env.cat.Sequences(env.ctx)
		if err != nil {
			return exit.With(exit.Internal, err)
		}
		fmt.Fprintln(w, "OID\tSCHEMA\tNAME\tLAST VALUE\tCALLED")
		for _, s := range seqs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%v\n", s.OID, s.Schema, s.Name, s.LastValue, s.IsCalled)
		}
		return nil
	}),
}

var listIndexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "List cached source indexes",
	RunE: listEnvRunE(func(env *runEnv, w *tabwriter.Writer) error {
		oids, err := env.cat.AllIndexOIDs(env.ctx)
		if err != nil {
			return exit.With(exit.Internal, err)
		}
		fmt.Fprintln(w, "OID\tSCHEMA\tNAME\tPRIMARY\tUNIQUE\tCONSTRAINT")
		for _, oid := range oids {
			ix, err := env.cat.GetIndex(env.ctx, oid)
			if err != nil {
				return exit.With(exit.Internal, err)
			}
			if ix == nil {
				continue
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%v\t%s\n",
				ix.OID, ix.Schema, ix.Name, ix.IsPrimary, ix.IsUnique, ix.ConstraintName)
		}
		return nil
	}),
}

var listProgressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show clone progress from the work directory",
	RunE: listEnvRunE(func(env *runEnv, w *tabwriter.Writer) error {
		fmt.Fprintln(w, "PHASE\tDONE")
		for _, p := range []workdir.Phase{
			workdir.PhaseDumpPre, workdir.PhaseDumpPost,
			workdir.PhaseRestorePre,
			workdir.PhaseTables, workdir.PhaseIndexes,
			workdir.PhaseSequences, workdir.PhaseBlobs,
			workdir.PhaseRestorePost,
		} {
			fmt.Fprintf(w, "%s\t%v\n", p, env.dir.PhaseDone(p))
		}

		it, err := env.cat.IterateTables(env.ctx)
		if err != nil {
			return exit.With(exit.Internal, err)
		}
		defer it.Close()
		var done, total int
		for it.Next() {
			total++
			if workdir.IsDone(env.dir.TableDone(it.Table().OID, 0)) {
				done++
			}
		}
		if err := it.Err(); err != nil {
			return exit.With(exit.Internal, err)
		}
		fmt.Fprintf(w, "tables copied\t%d/%d\n", done, total)
		return nil
	}),
}

var listDependsCmd = &cobra.Command{
	Use:   "depends",
	Short: "List cached object dependencies",
	RunE: listEnvRunE(func(env *runEnv, w *tabwriter.Writer) error {
		deps, err := env.cat.Dependencies(env.ctx)
		if err != nil {
			return exit.With(exit.Internal, err)
		}
		fmt.Fprintln(w, "CLASSID\tOBJID\tREFCLASSID\tREFOBJID\tDEPTYPE")
		for _, d := range deps {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n",
				d.ClassID, d.ObjID, d.RefClassID, d.RefObjID, d.DepType)
		}
		return nil
	}),
}

func exitInternal(err error) error {
	if err == nil {
		return nil
	}
	return exit.With(exit.Internal, err)
}

func init() {
	listCmd.AddCommand(listTablesCmd, listSequencesCmd, listIndexesCmd, listProgressCmd, listDependsCmd)
	rootCmd.AddCommand(listCmd)
}
