package clone

import (
	"context"
	"fmt"
	"os"

	"github.com/jfoltran/pgcopystream/internal/pgdump"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

// restorePostData replays the post-data archive section (phase 8),
// excluding filtered objects and every index or constraint the index
// workers already built.
func (o *Orchestrator) restorePostData(ctx context.Context) error {
	if o.dir.PhaseDone(workdir.PhaseRestorePost) {
		o.logger.Info().Msg("post-data restore already done, skipping")
		return nil
	}

	list, err := o.runner.ListArchive(ctx, o.dir.PostDataDump())
	if err != nil {
		return err
	}
	entries, err := pgdump.ParseArchiveList(list)
	if err != nil {
		return err
	}

	// Constraint donefiles are keyed by index oid; map back to the
	// constraint oids the archive refers to.
	doneConstraints := make(map[uint32]bool)
	indexOIDs, err := o.cat.AllIndexOIDs(ctx)
	if err != nil {
		return err
	}
	for _, ixOID := range indexOIDs {
		if workdir.IsDone(o.dir.ConstraintDone(ixOID)) {
			ix, err := o.cat.GetIndex(ctx, ixOID)
			if err != nil {
				return err
			}
			if ix != nil && ix.ConstraintOID != 0 {
				doneConstraints[ix.ConstraintOID] = true
			}
		}
	}

	rewritten := pgdump.RewriteList(entries, func(e pgdump.Entry) bool {
		return o.postDataSkip(e, doneConstraints)
	})
	if err := os.WriteFile(o.dir.PostDataList(), rewritten, 0o644); err != nil {
		return fmt.Errorf("write post-data list: %w", err)
	}

	err = o.runner.Restore(ctx, pgdump.RestoreOptions{
		TargetDSN:  o.cfg.Target.DSN(),
		Archive:    o.dir.PostDataDump(),
		UseList:    o.dir.PostDataList(),
		Jobs:       o.cfg.Jobs.RestoreJobs,
		NoOwner:    o.cfg.Restore.NoOwner,
		NoACL:      o.cfg.Restore.NoACL,
		NoComments: o.cfg.Restore.NoComments,
	})
	if err != nil {
		return err
	}
	return o.dir.MarkPhaseDone(workdir.PhaseRestorePost)
}

// postDataSkip comments out filtered entries plus indexes and
// constraints already materialized by the index workers.
func (o *Orchestrator) postDataSkip(e pgdump.Entry, doneConstraints map[uint32]bool) bool {
	if workdir.IsDone(o.dir.IndexDone(e.ObjectOID)) {
		return true
	}
	if doneConstraints[e.ObjectOID] {
		return true
	}
	switch e.Desc {
	case "INDEX":
		return o.filters.IndexExcluded(e.Schema, e.Name)
	case "CONSTRAINT", "FK CONSTRAINT", "CHECK CONSTRAINT", "TRIGGER", "RULE":
		return o.filters.SchemaExcluded(e.Schema) ||
			o.filters.TableExcluded(e.Schema, firstWord(e.Name))
	default:
		return o.filters.SchemaExcluded(e.Schema)
	}
}

// firstWord extracts the table from a "table constraint" archive name.
func firstWord(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i]
		}
	}
	return s
}
