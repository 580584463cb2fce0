package clone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/catalog"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

// indexWorker builds indexes (and their backing constraints) on the
// target as tables finish copying.
func (o *Orchestrator) indexWorker(ctx context.Context, id int) error {
	logger := o.logger.With().Str("worker", fmt.Sprintf("index-%d", id)).Logger()

	target, err := pgsql.Connect(ctx, o.cfg.Target.DSN(), o.retry, logger)
	if err != nil {
		return fmt.Errorf("index worker %d: target: %w", id, err)
	}
	defer target.Close(ctx)

	var errCount int
	for {
		msg, err := o.indexQueue.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Kind == KindStop {
			break
		}
		if o.flags.Asked() {
			return ErrQueueStopped
		}

		ix, err := o.cat.GetIndex(ctx, msg.OID)
		if err == nil && ix == nil {
			err = fmt.Errorf("index %d not in catalog", msg.OID)
		}
		if err == nil {
			err = o.buildOneIndex(ctx, target, ix, logger)
		}
		if err != nil {
			errCount++
			logger.Error().Err(err).Uint32("oid", msg.OID).Msg("index build failed")
			o.targetErrs.Add(1)
			if o.cfg.FailFast {
				return fmt.Errorf("index %d: %w", msg.OID, err)
			}
			continue
		}
		o.notifyIndexDone(ctx, ix.TableOID)
	}
	if errCount > 0 {
		return fmt.Errorf("index worker %d finished with %d errors", id, errCount)
	}
	return nil
}

// buildOneIndex runs the lock/done cycle for the index and, when the
// index backs a constraint, for the constraint as well.
func (o *Orchestrator) buildOneIndex(ctx context.Context, target *pgx.Conn,
	ix *catalog.Index, logger zerolog.Logger) error {

	if err := o.createIndex(ctx, target, ix, logger); err != nil {
		return err
	}
	if ix.ConstraintOID != 0 {
		if err := o.attachConstraint(ctx, target, ix, logger); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) createIndex(ctx context.Context, target *pgx.Conn,
	ix *catalog.Index, logger zerolog.Logger) error {

	donePath := o.dir.IndexDone(ix.OID)
	if workdir.IsDone(donePath) {
		return nil
	}
	lockPath := o.dir.IndexLock(ix.OID)
	if err := workdir.AcquireLock(lockPath, o.cfg.Resume); err != nil {
		if errors.Is(err, workdir.ErrLockContended) {
			return nil
		}
		return err
	}
	defer func() { _ = workdir.ReleaseLock(lockPath) }()

	started := time.Now()
	logger.Info().Str("index", ix.Name).Msg("creating index")
	if _, err := target.Exec(ctx, ix.Definition); err != nil {
		return fmt.Errorf("create index %s: %w", ix.Name, err)
	}

	return workdir.WriteDone(donePath, workdir.Summary{
		PID:       os.Getpid(),
		OID:       ix.OID,
		StartedAt: started,
		DoneAt:    time.Now(),
		Command:   ix.Definition,
	})
}

// attachConstraint promotes the freshly built index into its primary
// key or unique constraint, reusing the index instead of rebuilding it.
func (o *Orchestrator) attachConstraint(ctx context.Context, target *pgx.Conn,
	ix *catalog.Index, logger zerolog.Logger) error {

	donePath := o.dir.ConstraintDone(ix.OID)
	if workdir.IsDone(donePath) {
		return nil
	}
	lockPath := o.dir.ConstraintLock(ix.OID)
	if err := workdir.AcquireLock(lockPath, o.cfg.Resume); err != nil {
		if errors.Is(err, workdir.ErrLockContended) {
			return nil
		}
		return err
	}
	defer func() { _ = workdir.ReleaseLock(lockPath) }()

	t, err := o.cat.GetTable(ctx, ix.TableOID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("table %d of index %s not in catalog", ix.TableOID, ix.Name)
	}

	kind := "UNIQUE"
	if ix.IsPrimary {
		kind = "PRIMARY KEY"
	}
	sql := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s USING INDEX %s",
		pgsql.QualifiedName(t.Schema, t.Name),
		pgsql.QuoteIdent(ix.ConstraintName),
		kind,
		pgsql.QuoteIdent(ix.Name))

	started := time.Now()
	logger.Info().Str("constraint", ix.ConstraintName).Msg("attaching constraint")
	if _, err := target.Exec(ctx, sql); err != nil {
		return fmt.Errorf("attach constraint %s: %w", ix.ConstraintName, err)
	}

	return workdir.WriteDone(donePath, workdir.Summary{
		PID:       os.Getpid(),
		OID:       ix.ConstraintOID,
		StartedAt: started,
		DoneAt:    time.Now(),
		Command:   sql,
	})
}

// vacuumWorker runs VACUUM ANALYZE on the target once a table's indexes
// are in place.
func (o *Orchestrator) vacuumWorker(ctx context.Context, id int) error {
	logger := o.logger.With().Str("worker", fmt.Sprintf("vacuum-%d", id)).Logger()

	target, err := pgsql.Connect(ctx, o.cfg.Target.DSN(), o.retry, logger)
	if err != nil {
		return fmt.Errorf("vacuum worker %d: target: %w", id, err)
	}
	defer target.Close(ctx)

	var errCount int
	for {
		msg, err := o.vacuumQueue.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Kind == KindStop {
			break
		}

		t, err := o.cat.GetTable(ctx, msg.OID)
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		verb := "VACUUM ANALYZE"
		if o.cfg.Skip.Analyze {
			verb = "VACUUM"
		}
		sql := fmt.Sprintf("%s %s", verb, pgsql.QualifiedName(t.Schema, t.Name))
		logger.Info().Str("table", t.QualifiedName()).Msg(verb)
		if _, err := target.Exec(ctx, sql); err != nil {
			errCount++
			o.targetErrs.Add(1)
			logger.Error().Err(err).Str("table", t.QualifiedName()).Msg("vacuum failed")
			if o.cfg.FailFast {
				return fmt.Errorf("vacuum %s: %w", t.QualifiedName(), err)
			}
		}
	}
	if errCount > 0 {
		return fmt.Errorf("vacuum worker %d finished with %d errors", id, errCount)
	}
	return nil
}
