package clone

import (
	"context"
	"fmt"
	"strings"

	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/pgdump"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

// Entry points for the copy sub-commands: each runs a slice of the full
// clone, against the same work directory and catalog, so a partial copy
// composes with a later clone --resume.

// RunData copies table data, extension configuration, and sequence
// values, without touching the schema (copy data).
func (o *Orchestrator) RunData(ctx context.Context) error {
	if err := o.registerSetup(ctx); err != nil {
		return exit.With(exit.BadState, err)
	}
	if err := o.fetchCatalog(ctx); err != nil {
		return err
	}
	if err := o.copyData(ctx); err != nil {
		return err
	}
	if err := o.copyExtensionData(ctx); err != nil {
		return exit.With(exit.Target, err)
	}
	if err := o.resetSequences(ctx); err != nil {
		return exit.With(exit.Target, err)
	}
	return o.errorsToExit()
}

// RunTableData copies only table rows (copy table-data): no indexes,
// no vacuum, no sequences.
func (o *Orchestrator) RunTableData(ctx context.Context) error {
	if err := o.registerSetup(ctx); err != nil {
		return exit.With(exit.BadState, err)
	}
	if err := o.fetchCatalog(ctx); err != nil {
		return err
	}
	o.dataOnly = true
	if err := o.copyData(ctx); err != nil {
		return err
	}
	return o.errorsToExit()
}

// RunSequences resets sequence values only (copy sequences).
func (o *Orchestrator) RunSequences(ctx context.Context) error {
	if err := o.fetchCatalog(ctx); err != nil {
		return err
	}
	if err := o.resetSequences(ctx); err != nil {
		return exit.With(exit.Target, err)
	}
	return nil
}

// RunIndexes builds every cached index, treating all tables as already
// copied (copy indexes).
func (o *Orchestrator) RunIndexes(ctx context.Context) error {
	if err := o.fetchCatalog(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	indexPool := o.startPool(ctx, cancel, "index", o.cfg.Jobs.IndexJobs, o.indexWorker)

	it, err := o.cat.IterateTables(ctx)
	if err != nil {
		return exit.With(exit.Internal, err)
	}
	for it.Next() {
		t := it.Table()
		o.mu.Lock()
		o.indexesLeft[t.OID] = 1 << 30 // never trips the vacuum gate here
		o.mu.Unlock()
		o.notifyTableDone(ctx, t.OID)
	}
	iterErr := it.Err()
	it.Close()
	if iterErr != nil {
		return exit.With(exit.Internal, iterErr)
	}

	_ = o.indexQueue.SendStops(ctx, o.cfg.Jobs.IndexJobs)
	if err := indexPool.wait(); err != nil {
		return exit.With(exit.Target, err)
	}
	if err := o.dir.MarkPhaseDone(workdir.PhaseIndexes); err != nil {
		return exit.With(exit.Internal, err)
	}
	return o.errorsToExit()
}

// RunConstraints attaches the constraints backing already-built indexes
// (copy constraints).
func (o *Orchestrator) RunConstraints(ctx context.Context) error {
	if err := o.fetchCatalog(ctx); err != nil {
		return err
	}

	target, err := pgsql.Connect(ctx, o.cfg.Target.DSN(), o.retry, o.logger)
	if err != nil {
		return exit.With(exit.Target, err)
	}
	defer target.Close(ctx)

	oids, err := o.cat.AllIndexOIDs(ctx)
	if err != nil {
		return exit.With(exit.Internal, err)
	}
	for _, oid := range oids {
		ix, err := o.cat.GetIndex(ctx, oid)
		if err != nil {
			return exit.With(exit.Internal, err)
		}
		if ix == nil || ix.ConstraintOID == 0 {
			continue
		}
		if err := o.attachConstraint(ctx, target, ix, o.logger); err != nil {
			o.targetErrs.Add(1)
			o.logger.Error().Err(err).Str("constraint", ix.ConstraintName).Msg("constraint failed")
			if o.cfg.FailFast {
				return exit.With(exit.Target, err)
			}
		}
	}
	return o.errorsToExit()
}

// RunBlobs copies large objects only (copy blobs).
func (o *Orchestrator) RunBlobs(ctx context.Context) error {
	if o.dir.PhaseDone(workdir.PhaseBlobs) {
		o.logger.Info().Msg("large objects already copied, skipping")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	blobPool := o.startPool(ctx, cancel, "blob", o.cfg.Jobs.LargeObjectJobs, o.blobWorker)
	if err := o.blobProducer(ctx); err != nil && ctx.Err() == nil {
		return exit.With(exit.Source, err)
	}
	if err := blobPool.wait(); err != nil {
		return exit.With(exit.Target, err)
	}
	if err := o.dir.MarkPhaseDone(workdir.PhaseBlobs); err != nil {
		return exit.With(exit.Internal, err)
	}
	return o.errorsToExit()
}

// RunExtensions creates extensions per the requirements descriptor and
// copies their configuration tables (copy extensions).
func (o *Orchestrator) RunExtensions(ctx context.Context) error {
	if err := o.fetchCatalog(ctx); err != nil {
		return err
	}
	if err := o.copyExtensionData(ctx); err != nil {
		return exit.With(exit.Target, err)
	}
	return nil
}

// RunRoles replays the cluster's role definitions on the target (copy
// roles). Roles that already exist are skipped.
func (o *Orchestrator) RunRoles(ctx context.Context) error {
	script, err := o.runner.DumpRoles(ctx, o.cfg.Source.DSN(), true)
	if err != nil {
		return exit.With(exit.Source, err)
	}

	target, err := pgsql.Connect(ctx, o.cfg.Target.DSN(), o.retry, o.logger)
	if err != nil {
		return exit.With(exit.Target, err)
	}
	defer target.Close(ctx)

	var applied, skipped int
	for _, stmt := range pgdump.SplitScript(script) {
		if _, err := target.Exec(ctx, stmt); err != nil {
			if isDuplicateObjectErr(err) {
				skipped++
				continue
			}
			return exit.With(exit.Target, fmt.Errorf("apply role statement: %w", err))
		}
		applied++
	}
	o.logger.Info().Int("applied", applied).Int("skipped", skipped).Msg("roles copied")
	return nil
}

// RunRestore replays both archive sections against the target (restore).
func (o *Orchestrator) RunRestore(ctx context.Context) error {
	if err := o.fetchCatalog(ctx); err != nil {
		return err
	}
	if err := o.restorePreData(ctx); err != nil {
		return exit.With(exit.Target, err)
	}
	if err := o.restorePostData(ctx); err != nil {
		return exit.With(exit.Target, err)
	}
	return nil
}

// fetchCatalog runs the schema-cache phase on its own snapshot session.
func (o *Orchestrator) fetchCatalog(ctx context.Context) error {
	sess, err := o.snaps.NewSession(ctx)
	if err != nil {
		return exit.With(exit.Source, err)
	}
	defer sess.Close(ctx)
	fetch := &fetcher{sess: sess, cat: o.cat, filters: o.filters, logger: o.logger}
	if err := fetch.fetchAll(ctx, o.cfg.Jobs.TableJobs); err != nil {
		return exit.With(exit.Source, err)
	}
	return nil
}

func (o *Orchestrator) errorsToExit() error {
	if n := o.sourceErrs.Load(); n > 0 {
		return exit.With(exit.Source, fmt.Errorf("finished with %d source errors", n))
	}
	if n := o.targetErrs.Load(); n > 0 {
		return exit.With(exit.Target, fmt.Errorf("finished with %d target errors", n))
	}
	return nil
}

// isDuplicateObjectErr matches SQLSTATE 42710 (duplicate object) and
// 42P04 (duplicate database).
func isDuplicateObjectErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "SQLSTATE 42710") ||
		strings.Contains(s, "SQLSTATE 42P04") ||
		strings.Contains(s, "already exists")
}
