package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "source.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSectionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done, err := s.SectionDone(ctx, "tables")
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, s.RegisterSectionStart(ctx, "tables", 4))
	done, err = s.SectionDone(ctx, "tables")
	require.NoError(t, err)
	require.False(t, done, "unfinished section must not count as done")

	require.NoError(t, s.RegisterSectionDone(ctx, "tables", 12, 1<<20))
	done, err = s.SectionDone(ctx, "tables")
	require.NoError(t, err)
	require.True(t, done)

	// Restarting an already-done section resets the stamp.
	require.NoError(t, s.RegisterSectionStart(ctx, "tables", 2))
	done, err = s.SectionDone(ctx, "tables")
	require.NoError(t, err)
	require.False(t, done)
}

func TestRegisterSetupResumeMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := Setup{
		SourceDigest:   "src",
		TargetDigest:   "dst",
		Snapshot:       "00000003-00000002-1",
		SplitThreshold: 1 << 30,
		SplitMaxParts:  8,
		FiltersDigest:  "f",
	}
	require.NoError(t, s.RegisterSetup(ctx, first))
	require.NoError(t, s.RegisterSetup(ctx, first), "identical resume must pass")

	changed := first
	changed.Snapshot = "00000009-00000001-1"
	require.Error(t, s.RegisterSetup(ctx, changed))

	changed = first
	changed.SplitThreshold = 5
	require.Error(t, s.RegisterSetup(ctx, changed))
}

func TestTableRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := Table{
		OID: 16384, Schema: "public", Name: "users",
		RowEstimate: 100, Bytes: 8192,
		Attrs: []Attr{
			{Num: 1, Name: "id", TypeOID: 20, IsPrimary: true},
			{Num: 2, Name: "email", TypeOID: 25},
		},
	}
	require.NoError(t, s.AddTable(ctx, in))
	require.NoError(t, s.AddTableParts(ctx, 16384, "pk-range", []TablePart{
		{Part: 1, Min: "1", Max: "50"},
		{Part: 2, Min: "51", Max: "100"},
	}))

	got, err := s.GetTable(ctx, 16384)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "public.users", got.QualifiedName())
	require.Equal(t, "pk-range", got.SplitStrategy)
	require.Len(t, got.Attrs, 2)
	require.True(t, got.Attrs[0].IsPrimary)
	require.Len(t, got.Parts, 2)

	missing, err := s.GetTable(ctx, 999)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestIterateTablesLargestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddTable(ctx, Table{OID: 1, Schema: "public", Name: "small", Bytes: 10}))
	require.NoError(t, s.AddTable(ctx, Table{OID: 2, Schema: "public", Name: "big", Bytes: 1000}))
	require.NoError(t, s.AddTable(ctx, Table{OID: 3, Schema: "public", Name: "mid", Bytes: 100}))

	it, err := s.IterateTables(ctx)
	require.NoError(t, err)
	defer it.Close()

	var names []string
	for it.Next() {
		names = append(names, it.Table().Name)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"big", "mid", "small"}, names)
}

func TestIndexesOfTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddIndex(ctx, Index{
		OID: 100, TableOID: 1, Schema: "public", Name: "users_pkey",
		IsPrimary: true, IsUnique: true, Columns: []string{"id"},
		Definition:     "CREATE UNIQUE INDEX users_pkey ON public.users (id)",
		ConstraintOID:  200,
		ConstraintName: "users_pkey",
		ConstraintDef:  "PRIMARY KEY (id)",
	}))
	require.NoError(t, s.AddIndex(ctx, Index{
		OID: 101, TableOID: 1, Schema: "public", Name: "users_email",
		IsUnique: true, Columns: []string{"email"},
		Definition: "CREATE UNIQUE INDEX users_email ON public.users (email)",
	}))

	ixs, err := s.TableIndexes(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ixs, 2)
	require.Equal(t, []string{"id"}, ixs[0].Columns)
	require.True(t, ixs[0].IsPrimary)
	require.Equal(t, uint32(200), ixs[0].ConstraintOID)
}

func TestSentinelSync(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetupSentinel(ctx, 100, 0, true))

	snt, err := s.SyncRecv(ctx, 500, 400)
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(500), snt.WriteLSN)
	require.Equal(t, pglogrepl.LSN(400), snt.FlushLSN)
	require.True(t, snt.Apply)

	// Stale updates never move the positions backward.
	snt, err = s.SyncRecv(ctx, 300, 200)
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(500), snt.WriteLSN)
	require.Equal(t, pglogrepl.LSN(400), snt.FlushLSN)

	// An out-of-band endpos update is visible on the next sync.
	require.NoError(t, s.UpdateEndPos(ctx, 450))
	require.NoError(t, s.UpdateApply(ctx, false))
	snt, err = s.SyncApply(ctx, 420)
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(450), snt.EndPos)
	require.Equal(t, pglogrepl.LSN(420), snt.ReplayLSN)
	require.False(t, snt.Apply)
}

func TestLSNTracking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddTrackedLSN(ctx, 100, 1000))
	require.NoError(t, s.AddTrackedLSN(ctx, 200, 2000))
	require.NoError(t, s.AddTrackedLSN(ctx, 300, 3000))

	it := s.IterateTrackedLSNs(ctx)
	var sources []pglogrepl.LSN
	for it.Next(ctx) {
		sources = append(sources, it.Entry().SourceLSN)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []pglogrepl.LSN{300, 200, 100}, sources)

	// Only entries flushed on the target qualify as restart points.
	start, err := s.ResumeStartLSN(ctx, 2500)
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(200), start)

	start, err = s.ResumeStartLSN(ctx, 500)
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(0), start)

	require.NoError(t, s.DeleteAllTrackedLSNs(ctx))
	it = s.IterateTrackedLSNs(ctx)
	require.False(t, it.Next(ctx))
}

func TestTimelineContains(t *testing.T) {
	tip := TimelineEntry{TLI: 3, Begin: 1000, End: 0}
	require.True(t, tip.Contains(1000))
	require.True(t, tip.Contains(1 << 40))
	require.False(t, tip.Contains(999))

	mid := TimelineEntry{TLI: 2, Begin: 500, End: 1000}
	require.True(t, mid.Contains(500))
	require.False(t, mid.Contains(1000))
}
