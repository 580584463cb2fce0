package follow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgcopystream/internal/catalog"
	"github.com/jfoltran/pgcopystream/internal/config"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/signals"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
	"github.com/jfoltran/pgcopystream/internal/workdir"
	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

// Follower runs the receive → transform → apply pipeline over the CDC
// area of the work directory.
type Follower struct {
	cfg    *config.Config
	dir    *workdir.Dir
	cat    *catalog.Store
	flags  *signals.Flags
	logger zerolog.Logger
}

// NewFollower assembles the three cooperating workers.
func NewFollower(cfg *config.Config, dir *workdir.Dir, cat *catalog.Store,
	flags *signals.Flags, logger zerolog.Logger) *Follower {
	return &Follower{cfg: cfg, dir: dir, cat: cat, flags: flags, logger: logger}
}

// Setup creates the replication slot (when missing), the sentinel row,
// and the origin record. endpos may be zero for "no end".
func (f *Follower) Setup(ctx context.Context, snaps *snapshot.Manager, endpos pglogrepl.LSN) error {
	info, err := snaps.CreateLogicalSlot(ctx, f.cfg.Follow.Plugin, f.cfg.Follow.SlotName)
	if err != nil {
		return err
	}
	if err := f.cat.SetupSentinel(ctx, info.ConsistentLSN, endpos, true); err != nil {
		return err
	}
	return WriteOriginFile(f.dir, OriginName(f.cfg))
}

// Cleanup drops the slot and the origin, empties the LSN tracking table,
// and removes the CDC segment files.
func (f *Follower) Cleanup(ctx context.Context) error {
	retry := pgsql.DefaultRetry()

	source, err := pgsql.Connect(ctx, f.cfg.Source.DSN(), retry, f.logger)
	if err != nil {
		return err
	}
	defer source.Close(ctx)
	if _, err := source.Exec(ctx, `
		SELECT pg_drop_replication_slot(slot_name)
		FROM pg_replication_slots WHERE slot_name = $1`, f.cfg.Follow.SlotName); err != nil {
		return fmt.Errorf("drop slot %s: %w", f.cfg.Follow.SlotName, err)
	}

	target, err := pgsql.Connect(ctx, f.cfg.Target.DSN(), retry, f.logger)
	if err != nil {
		return err
	}
	defer target.Close(ctx)
	origin := OriginName(f.cfg)
	var originExists bool
	if err := target.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_replication_origin WHERE roname = $1)", origin).
		Scan(&originExists); err != nil {
		return fmt.Errorf("look up origin %s: %w", origin, err)
	}
	if originExists {
		if _, err := target.Exec(ctx, "SELECT pg_replication_origin_drop($1)", origin); err != nil {
			return fmt.Errorf("drop origin %s: %w", origin, err)
		}
	}

	if err := f.cat.DeleteAllTrackedLSNs(ctx); err != nil {
		return err
	}

	entries, err := os.ReadDir(f.dir.CDC)
	if err != nil {
		return fmt.Errorf("read cdc dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".sql") {
			if err := os.Remove(filepath.Join(f.dir.CDC, name)); err != nil {
				return fmt.Errorf("remove segment %s: %w", name, err)
			}
		}
	}
	f.logger.Info().Msg("stream artifacts cleaned up")
	return nil
}

// Run starts receiver, transformer, and applier; the pipeline ends when
// endpos is reached, a stop signal arrives, or any worker fails.
func (f *Follower) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	rotated := make(chan string, 64)
	sqlFiles := make(chan string, 64)

	notify := func(wal string) {
		select {
		case rotated <- wal:
		case <-ctx.Done():
		}
	}
	receiver, err := NewReceiver(f.cfg, f.dir, f.cat, f.flags, notify, f.logger)
	if err != nil {
		return err
	}
	transformer := NewTransformer(f.dir, f.logger)
	applier := NewApplier(f.cfg, f.dir, f.cat, f.flags, f.logger)

	g.Go(func() error {
		defer close(rotated)
		return receiver.Run(ctx)
	})

	g.Go(func() error {
		defer close(sqlFiles)
		// Catch up on segments a previous run left untransformed.
		backlog, err := f.pendingJSONSegments()
		if err != nil {
			return err
		}
		for _, wal := range backlog {
			if err := transformer.TransformSegment(wal); err != nil {
				return err
			}
			select {
			case sqlFiles <- f.dir.SQLSegment(wal):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for wal := range rotated {
			if err := transformer.TransformSegment(wal); err != nil {
				return err
			}
			select {
			case sqlFiles <- f.dir.SQLSegment(wal):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		return applier.Run(ctx, sqlFiles)
	})

	if err := g.Wait(); err != nil && !applier.ReachedEndPos && !f.flags.Asked() {
		return err
	}
	return nil
}

// Prefetch runs receiver and transformer without applying.
func (f *Follower) Prefetch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	rotated := make(chan string, 64)

	notify := func(wal string) {
		select {
		case rotated <- wal:
		case <-ctx.Done():
		}
	}
	receiver, err := NewReceiver(f.cfg, f.dir, f.cat, f.flags, notify, f.logger)
	if err != nil {
		return err
	}
	transformer := NewTransformer(f.dir, f.logger)

	g.Go(func() error {
		defer close(rotated)
		return receiver.Run(ctx)
	})
	g.Go(func() error {
		for wal := range rotated {
			if err := transformer.TransformSegment(wal); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

// Catchup transforms and applies every segment already on disk, in WAL
// order, without connecting to the source.
func (f *Follower) Catchup(ctx context.Context) error {
	transformer := NewTransformer(f.dir, f.logger)
	applier := NewApplier(f.cfg, f.dir, f.cat, f.flags, f.logger)

	segments, err := f.pendingJSONSegments()
	if err != nil {
		return err
	}
	sqlFiles := make(chan string, len(segments))
	for _, wal := range segments {
		if err := transformer.TransformSegment(wal); err != nil {
			return err
		}
		sqlFiles <- f.dir.SQLSegment(wal)
	}
	close(sqlFiles)
	return applier.Run(ctx, sqlFiles)
}

// TransformPending transforms every JSON segment on disk (stream
// transform with no arguments).
func (f *Follower) TransformPending() error {
	transformer := NewTransformer(f.dir, f.logger)
	segments, err := f.pendingJSONSegments()
	if err != nil {
		return err
	}
	for _, wal := range segments {
		if err := transformer.TransformSegment(wal); err != nil {
			return err
		}
	}
	return nil
}

// pendingJSONSegments lists JSON segments on disk in WAL-name order.
func (f *Follower) pendingJSONSegments() ([]string, error) {
	entries, err := os.ReadDir(f.dir.CDC)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cdc dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") && name != "lsn.json" {
			names = append(names, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// SentinelGet formats the sentinel for the stream sentinel get command.
func SentinelGet(ctx context.Context, cat *catalog.Store) (string, error) {
	snt, err := cat.GetSentinel(ctx)
	if err != nil {
		return "", err
	}
	apply := "disabled"
	if snt.Apply {
		apply = "enabled"
	}
	endpos := snt.EndPos.String()
	if snt.EndPos == lsn.InvalidLSN {
		endpos = "(none)"
	}
	return fmt.Sprintf(
		"startpos   %s\nendpos     %s\napply      %s\nwrite_lsn  %s\nflush_lsn  %s\nreplay_lsn %s\nreplay_lag %s\n",
		snt.StartPos, endpos, apply, snt.WriteLSN, snt.FlushLSN, snt.ReplayLSN,
		lsn.FormatLag(snt.ReplayLSN, snt.WriteLSN)), nil
}
