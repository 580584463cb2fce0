// Package clone drives the end-to-end database clone: schema dump and
// restore around a fan-out of table-copy, index, vacuum, large-object,
// and extension workers sharing one consistent snapshot.
package clone

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/catalog"
	"github.com/jfoltran/pgcopystream/internal/config"
	"github.com/jfoltran/pgcopystream/internal/exit"
	"github.com/jfoltran/pgcopystream/internal/filter"
	"github.com/jfoltran/pgcopystream/internal/pgdump"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/signals"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

// Orchestrator supervises the clone phases and worker pools.
type Orchestrator struct {
	cfg     *config.Config
	dir     *workdir.Dir
	cat     *catalog.Store
	filters *filter.Filters
	snaps   *snapshot.Manager
	runner  *pgdump.Runner
	flags   *signals.Flags
	retry   pgsql.RetryPolicy
	logger  zerolog.Logger

	tableQueue  *Queue
	indexQueue  *Queue
	vacuumQueue *Queue
	blobQueue   *Queue

	sourceErrs atomic.Int64
	targetErrs atomic.Int64

	mu          sync.Mutex
	partsLeft   map[uint32]int
	indexesLeft map[uint32]int

	// dataOnly suppresses index and vacuum scheduling (copy table-data).
	dataOnly bool

	bar *progressBar
}

// New assembles an Orchestrator over an opened work directory, catalog,
// and snapshot manager.
func New(cfg *config.Config, dir *workdir.Dir, cat *catalog.Store,
	filters *filter.Filters, snaps *snapshot.Manager, flags *signals.Flags,
	logger zerolog.Logger) *Orchestrator {

	retry := pgsql.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		MaxElapsed:  secondsDur(cfg.Retry.MaxSeconds),
		BaseSleep:   msDur(cfg.Retry.BaseSleepMs),
		CapSleep:    msDur(cfg.Retry.CapSleepMs),
	}

	return &Orchestrator{
		cfg:         cfg,
		dir:         dir,
		cat:         cat,
		filters:     filters,
		snaps:       snaps,
		runner:      pgdump.NewRunner(logger),
		flags:       flags,
		retry:       retry,
		logger:      logger.With().Str("component", "clone").Logger(),
		tableQueue:  NewQueue("tables", 128, flags),
		indexQueue:  NewQueue("indexes", 512, flags),
		vacuumQueue: NewQueue("vacuum", 128, flags),
		blobQueue:   NewQueue("blobs", 1024, flags),
		partsLeft:   make(map[uint32]int),
		indexesLeft: make(map[uint32]int),
	}
}

// Run executes the clone phases in order, skipping any phase whose
// donefile is already present.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.registerSetup(ctx); err != nil {
		return exit.With(exit.BadState, err)
	}

	if err := o.dumpSchema(ctx); err != nil {
		return exit.With(exit.Source, err)
	}

	if err := o.fetchCatalog(ctx); err != nil {
		return err
	}

	if err := o.restorePreData(ctx); err != nil {
		return exit.With(exit.Target, err)
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

	if err := o.restorePostData(ctx); err != nil {
		return exit.With(exit.Target, err)
	}

	return o.errorsToExit()
}

func (o *Orchestrator) registerSetup(ctx context.Context) error {
	return o.cat.RegisterSetup(ctx, catalog.Setup{
		SourceDigest:   uriDigest(o.cfg.SourceURI),
		TargetDigest:   uriDigest(o.cfg.TargetURI),
		Snapshot:       o.snaps.Token(),
		SplitThreshold: o.cfg.Split.TablesLargerThan,
		SplitMaxParts:  o.cfg.Split.MaxParts,
		FiltersDigest:  o.filters.Digest(),
		Plugin:         o.cfg.Follow.Plugin,
		SlotName:       o.cfg.Follow.SlotName,
		Origin:         o.cfg.Follow.Origin,
	})
}

// uriDigest hashes a connection string so the catalog never stores
// credentials.
func uriDigest(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:16])
}

// dumpSchema produces the pre-data and post-data archives (phase 1).
func (o *Orchestrator) dumpSchema(ctx context.Context) error {
	steps := []struct {
		phase   workdir.Phase
		section pgdump.Section
		file    string
	}{
		{workdir.PhaseDumpPre, pgdump.SectionPreData, o.dir.PreDataDump()},
		{workdir.PhaseDumpPost, pgdump.SectionPostData, o.dir.PostDataDump()},
	}
	for _, s := range steps {
		if o.dir.PhaseDone(s.phase) {
			o.logger.Info().Str("phase", string(s.phase)).Msg("schema dump already done, skipping")
			continue
		}
		err := o.runner.Dump(ctx, pgdump.DumpOptions{
			SourceDSN: o.cfg.Source.DSN(),
			Snapshot:  o.snaps.Token(),
			Section:   s.section,
			OutFile:   s.file,
		})
		if err != nil {
			return err
		}
		if err := o.dir.MarkPhaseDone(s.phase); err != nil {
			return err
		}
	}
	return nil
}

// restorePreData replays the pre-data archive section (phase 3).
func (o *Orchestrator) restorePreData(ctx context.Context) error {
	if o.dir.PhaseDone(workdir.PhaseRestorePre) {
		o.logger.Info().Msg("pre-data restore already done, skipping")
		return nil
	}

	list, err := o.runner.ListArchive(ctx, o.dir.PreDataDump())
	if err != nil {
		return err
	}
	entries, err := pgdump.ParseArchiveList(list)
	if err != nil {
		return err
	}
	rewritten := pgdump.RewriteList(entries, o.preDataSkip)
	if err := os.WriteFile(o.dir.PreDataList(), rewritten, 0o644); err != nil {
		return fmt.Errorf("write pre-data list: %w", err)
	}

	if o.cfg.Restore.DropIfExists {
		if err := o.dropTargetTables(ctx); err != nil {
			return err
		}
	}

	err = o.runner.Restore(ctx, pgdump.RestoreOptions{
		TargetDSN:  o.cfg.Target.DSN(),
		Archive:    o.dir.PreDataDump(),
		UseList:    o.dir.PreDataList(),
		Jobs:       o.cfg.Jobs.RestoreJobs,
		NoOwner:    o.cfg.Restore.NoOwner,
		NoACL:      o.cfg.Restore.NoACL,
		NoComments: o.cfg.Restore.NoComments,
	})
	if err != nil {
		return err
	}
	return o.dir.MarkPhaseDone(workdir.PhaseRestorePre)
}

// preDataSkip comments out filtered objects from the pre-data list.
func (o *Orchestrator) preDataSkip(e pgdump.Entry) bool {
	switch e.Desc {
	case "SCHEMA":
		return o.filters.SchemaExcluded(e.Name)
	case "TABLE":
		return o.filters.TableExcluded(e.Schema, e.Name)
	case "SEQUENCE", "SEQUENCE OWNED BY", "DEFAULT":
		return o.filters.SchemaExcluded(e.Schema)
	case "EXTENSION":
		return o.filters.SkipExtensions
	case "COLLATION":
		return o.filters.SkipCollations
	case "COMMENT":
		return o.cfg.Restore.NoComments
	case "ACL":
		return o.cfg.Restore.NoACL
	default:
		return o.filters.SchemaExcluded(e.Schema)
	}
}

// dropTargetTables issues one composite DROP ... CASCADE before the
// restore; a partial-archive restore cannot use the restorer's --clean.
func (o *Orchestrator) dropTargetTables(ctx context.Context) error {
	it, err := o.cat.IterateTables(ctx)
	if err != nil {
		return err
	}
	defer it.Close()
	var names []string
	for it.Next() {
		t := it.Table()
		names = append(names, pgsql.QualifiedName(t.Schema, t.Name))
	}
	if err := it.Err(); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	conn, err := pgsql.Connect(ctx, o.cfg.Target.DSN(), o.retry, o.logger)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	sql := pgdump.DropTablesSQL(names)
	o.logger.Info().Int("tables", len(names)).Msg("dropping target tables (--drop-if-exists)")
	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("drop target tables: %w", err)
	}
	return nil
}

// copyData is the fan-out heart of the clone (phases 4-6).
func (o *Orchestrator) copyData(ctx context.Context) error {
	if o.dir.PhaseDone(workdir.PhaseTables) &&
		o.dir.PhaseDone(workdir.PhaseIndexes) &&
		o.dir.PhaseDone(workdir.PhaseBlobs) {
		o.logger.Info().Msg("data copy already done, skipping")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	plan, totalBytes, err := o.planData(ctx)
	if err != nil {
		return exit.With(exit.Source, err)
	}
	o.bar = newProgressBar(totalBytes, !o.cfg.NoProgress)
	defer o.bar.done()

	tablePool := o.startPool(ctx, cancel, "table-copy", o.cfg.Jobs.TableJobs, o.tableCopyWorker)
	indexPool := o.startPool(ctx, cancel, "index", o.cfg.Jobs.IndexJobs, o.indexWorker)
	vacuumPool := o.startPool(ctx, cancel, "vacuum", o.cfg.Jobs.VacuumJobs, o.vacuumWorker)

	var blobPool *pool
	if !o.cfg.Skip.LargeObjects {
		blobPool = o.startPool(ctx, cancel, "blob", o.cfg.Jobs.LargeObjectJobs, o.blobWorker)
		go func() {
			if err := o.blobProducer(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error().Err(err).Msg("large-object producer failed")
				o.sourceErrs.Add(1)
				if o.cfg.FailFast {
					cancel()
				}
			}
		}()
	}

	// Feed the table queue, then one STOP per worker.
	if err := o.enqueueTables(ctx, plan); err != nil && ctx.Err() == nil {
		o.logger.Error().Err(err).Msg("table producer failed")
		cancel()
	}
	_ = o.tableQueue.SendStops(ctx, o.cfg.Jobs.TableJobs)
	tableErr := tablePool.wait()

	// Index enqueues happen as tables finish; once the copy pool has
	// drained there will be no more, so the index pool can wind down.
	_ = o.indexQueue.SendStops(ctx, o.cfg.Jobs.IndexJobs)
	indexErr := indexPool.wait()

	_ = o.vacuumQueue.SendStops(ctx, o.cfg.Jobs.VacuumJobs)
	vacuumErr := vacuumPool.wait()

	var blobErr error
	if blobPool != nil {
		blobErr = blobPool.wait()
	}

	if ctx.Err() != nil && o.flags.Asked() {
		return exit.With(exit.Fatal, fmt.Errorf("clone interrupted by signal"))
	}
	if tableErr != nil {
		return exit.With(exit.Source, tableErr)
	}
	if indexErr != nil || vacuumErr != nil || blobErr != nil {
		for _, err := range []error{indexErr, vacuumErr, blobErr} {
			if err != nil {
				return exit.With(exit.Target, err)
			}
		}
	}

	for _, p := range []workdir.Phase{workdir.PhaseTables, workdir.PhaseIndexes, workdir.PhaseBlobs} {
		if err := o.dir.MarkPhaseDone(p); err != nil {
			return exit.With(exit.Internal, err)
		}
	}
	return nil
}

// tableWork is one planned copy unit.
type tableWork struct {
	table catalog.Table
	parts []catalog.TablePart
}

// planData decides the copy plan: which tables, how many parts each.
func (o *Orchestrator) planData(ctx context.Context) ([]tableWork, int64, error) {
	sess, err := o.snaps.NewSession(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer sess.Close(ctx)

	it, err := o.cat.IterateTables(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()

	var plan []tableWork
	var totalBytes int64
	for it.Next() {
		t := it.Table()
		if t.ExcludeData {
			continue
		}
		full, err := o.cat.GetTable(ctx, t.OID)
		if err != nil {
			return nil, 0, err
		}

		strategy, parts, err := planParts(ctx, sess, full,
			o.cfg.Split.TablesLargerThan, o.cfg.Split.MaxParts, o.cfg.Split.DisableCtid)
		if err != nil {
			return nil, 0, err
		}
		if len(parts) > 0 {
			if err := o.cat.AddTableParts(ctx, t.OID, strategy, parts); err != nil {
				return nil, 0, err
			}
		}
		plan = append(plan, tableWork{table: *full, parts: parts})
		totalBytes += t.Bytes
	}
	if err := it.Err(); err != nil {
		return nil, 0, err
	}
	return plan, totalBytes, nil
}

// enqueueTables feeds the copy queue, seeding the per-table part and
// index counters that gate index build and vacuum.
func (o *Orchestrator) enqueueTables(ctx context.Context, plan []tableWork) error {
	for _, w := range plan {
		indexes, err := o.cat.TableIndexes(ctx, w.table.OID)
		if err != nil {
			return err
		}

		o.mu.Lock()
		if len(w.parts) > 0 {
			o.partsLeft[w.table.OID] = len(w.parts)
		} else {
			o.partsLeft[w.table.OID] = 1
		}
		o.indexesLeft[w.table.OID] = len(indexes)
		o.mu.Unlock()

		if o.dir.PhaseDone(workdir.PhaseTables) || workdir.IsDone(o.dir.TableDone(w.table.OID, 0)) {
			// Copied in a previous run: go straight to index build.
			o.notifyTableDone(ctx, w.table.OID)
			continue
		}

		if len(w.parts) > 0 {
			for _, p := range w.parts {
				if err := o.tableQueue.Send(ctx, Message{Kind: KindTableOID, OID: w.table.OID, Part: p.Part}); err != nil {
					return err
				}
			}
		} else {
			if err := o.tableQueue.Send(ctx, Message{Kind: KindTableOID, OID: w.table.OID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// notifyPartDone is called by copy workers; the last part of a table
// materializes the parent donefile and unlocks the index build.
func (o *Orchestrator) notifyPartDone(ctx context.Context, oid uint32) {
	o.mu.Lock()
	o.partsLeft[oid]--
	left := o.partsLeft[oid]
	o.mu.Unlock()
	if left > 0 {
		return
	}

	parentDone := o.dir.TableDone(oid, 0)
	if !workdir.IsDone(parentDone) {
		if err := workdir.WriteDone(parentDone, workdir.Summary{PID: os.Getpid(), OID: oid}); err != nil {
			o.logger.Error().Err(err).Uint32("oid", oid).Msg("write parent table donefile")
			return
		}
	}
	o.notifyTableDone(ctx, oid)
}

// notifyTableDone enqueues the table's indexes; a table with no indexes
// goes straight to the vacuum queue.
func (o *Orchestrator) notifyTableDone(ctx context.Context, oid uint32) {
	if o.dataOnly {
		return
	}
	indexes, err := o.cat.TableIndexes(ctx, oid)
	if err != nil {
		o.logger.Error().Err(err).Uint32("oid", oid).Msg("list indexes for enqueue")
		return
	}
	if len(indexes) == 0 {
		o.enqueueVacuum(ctx, oid)
		return
	}
	for _, ix := range indexes {
		if err := o.indexQueue.Send(ctx, Message{Kind: KindIndexOID, OID: ix.OID}); err != nil {
			o.logger.Error().Err(err).Uint32("index", ix.OID).Msg("enqueue index")
			return
		}
	}
}

// notifyIndexDone is called by index workers; the table's last index
// unlocks vacuum.
func (o *Orchestrator) notifyIndexDone(ctx context.Context, tableOID uint32) {
	o.mu.Lock()
	o.indexesLeft[tableOID]--
	left := o.indexesLeft[tableOID]
	o.mu.Unlock()
	if left <= 0 {
		o.enqueueVacuum(ctx, tableOID)
	}
}

func (o *Orchestrator) enqueueVacuum(ctx context.Context, oid uint32) {
	if o.cfg.Skip.Vacuum {
		return
	}
	if err := o.vacuumQueue.Send(ctx, Message{Kind: KindTableOID, OID: oid}); err != nil {
		o.logger.Error().Err(err).Uint32("oid", oid).Msg("enqueue vacuum")
	}
}

// pool is a fixed-size worker pool with an error per worker.
type pool struct {
	wg   sync.WaitGroup
	errs chan error
}

// startPool launches n workers; under fail-fast the first worker error
// cancels the shared context, signaling every other pool.
func (o *Orchestrator) startPool(ctx context.Context, cancel context.CancelFunc,
	name string, n int, fn func(context.Context, int) error) *pool {

	p := &pool{errs: make(chan error, n)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			if err := fn(ctx, id); err != nil {
				if ctx.Err() == nil {
					o.logger.Error().Err(err).Str("pool", name).Int("worker", id).Msg("worker failed")
				}
				p.errs <- err
				if o.cfg.FailFast {
					cancel()
				}
			}
		}(i)
	}
	return p
}

// wait blocks for the pool and returns the first worker error.
func (p *pool) wait() error {
	p.wg.Wait()
	close(p.errs)
	return <-p.errs
}

func secondsDur(s int) time.Duration { return time.Duration(s) * time.Second }
func msDur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
