package clone

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

// resetSequences reads every sequence's (last_value, is_called) under
// the clone snapshot and applies setval on the target inside a single
// transaction.
func (o *Orchestrator) resetSequences(ctx context.Context) error {
	if o.dir.PhaseDone(workdir.PhaseSequences) {
		o.logger.Info().Msg("sequences already reset, skipping")
		return nil
	}

	sess, err := o.snaps.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	target, err := pgsql.Connect(ctx, o.cfg.Target.DSN(), o.retry, o.logger)
	if err != nil {
		return err
	}
	defer target.Close(ctx)

	seqs, err := o.cat.Sequences(ctx)
	if err != nil {
		return err
	}

	tx, err := target.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin sequence reset: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var count int
	for _, sq := range seqs {
		qualified := pgsql.QualifiedName(sq.Schema, sq.Name)

		var lastValue int64
		var isCalled bool
		err := sess.QueryRow(ctx,
			fmt.Sprintf("SELECT last_value, is_called FROM %s", qualified)).
			Scan(&lastValue, &isCalled)
		if err != nil {
			return fmt.Errorf("read sequence %s: %w", qualified, err)
		}
		if err := o.cat.UpdateSequenceValue(ctx, sq.OID, lastValue, isCalled); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			fmt.Sprintf("SELECT setval('%s', $1, $2)", sequenceRegclass(sq.Schema, sq.Name)),
			lastValue, isCalled); err != nil {
			return fmt.Errorf("setval %s: %w", qualified, err)
		}
		count++
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit sequence reset: %w", err)
	}

	o.logger.Info().Int("sequences", count).Msg("sequence values reset")
	return o.dir.MarkPhaseDone(workdir.PhaseSequences)
}

// sequenceRegclass renders the quoted regclass literal body for setval.
func sequenceRegclass(schema, name string) string {
	return pgsql.QualifiedName(schema, name)
}

// copySequenceValue transfers one sequence's position, used for
// sequences appearing among extension configuration.
func copySequenceValue(ctx context.Context, sess *snapshot.Session, target *pgx.Conn, schema, name string) error {
	qualified := pgsql.QualifiedName(schema, name)

	var lastValue int64
	var isCalled bool
	if err := sess.QueryRow(ctx,
		fmt.Sprintf("SELECT last_value, is_called FROM %s", qualified)).
		Scan(&lastValue, &isCalled); err != nil {
		return fmt.Errorf("read sequence %s: %w", qualified, err)
	}
	if _, err := target.Exec(ctx,
		fmt.Sprintf("SELECT setval('%s', $1, $2)", qualified), lastValue, isCalled); err != nil {
		return fmt.Errorf("setval %s: %w", qualified, err)
	}
	return nil
}
