package follow

import (
	"os"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgcopystream/internal/workdir"
	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

const seg16MB = uint64(16 * 1024 * 1024)

func testDir(t *testing.T) *workdir.Dir {
	t.Helper()
	d, err := workdir.Open(workdir.Options{Dir: t.TempDir(), CreateWorkDir: true}, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestSegmentWriterRotation(t *testing.T) {
	dir := testDir(t)
	rotated := make(chan string, 4)
	w := newSegmentWriter(dir, 1, seg16MB, func(name string) { rotated <- name })

	first, _ := lsn.Parse("0/1000100")
	second, _ := lsn.Parse("0/1FFFF00")
	third, _ := lsn.Parse("0/2000100") // next WAL segment

	require.NoError(t, w.Append(Message{Action: ActionBegin, XID: 1, LSN: first}))
	require.NoError(t, w.Append(Message{Action: ActionCommit, XID: 1, LSN: second}))
	require.NoError(t, w.Append(Message{Action: ActionBegin, XID: 2, LSN: third}))
	require.NoError(t, w.Rotate())

	require.Len(t, rotated, 2)
	firstSeg := <-rotated
	require.Equal(t, "000000010000000000000001", firstSeg)

	msgs, err := readSegment(dir.JSONSegment(firstSeg))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, ActionBegin, msgs[0].Action)
	require.Equal(t, first, msgs[0].LSN)
	require.Equal(t, ActionCommit, msgs[1].Action)

	secondSeg := <-rotated
	require.Equal(t, "000000010000000000000002", secondSeg)
}

func TestSegmentWriterFlushAdvances(t *testing.T) {
	dir := testDir(t)
	w := newSegmentWriter(dir, 1, seg16MB, nil)

	pos, _ := lsn.Parse("0/1000100")
	require.NoError(t, w.Append(Message{Action: ActionKeepalive, LSN: pos}))
	require.Equal(t, pos, w.Written())
	require.Equal(t, pglogrepl.LSN(0), w.Flushed())

	require.NoError(t, w.Flush())
	require.Equal(t, pos, w.Flushed())
}

func TestLSNStateRoundTrip(t *testing.T) {
	dir := testDir(t)

	st, err := loadLSNState(dir)
	require.NoError(t, err)
	require.Nil(t, st)

	written, _ := lsn.Parse("0/3000000")
	flushed, _ := lsn.Parse("0/2FFFFFF")
	require.NoError(t, saveLSNState(dir, 2, written, flushed, "000000020000000000000003"))

	st, err = loadLSNState(dir)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, uint32(2), st.Timeline)
	require.Equal(t, written, st.Written)
	require.Equal(t, flushed, st.Flushed)
	require.Equal(t, "000000020000000000000003", st.Segment)
}

func TestTransformSegmentFile(t *testing.T) {
	dir := testDir(t)
	rotated := make(chan string, 1)
	w := newSegmentWriter(dir, 1, seg16MB, func(name string) { rotated <- name })

	for _, m := range sampleTxn() {
		require.NoError(t, w.Append(m))
	}
	require.NoError(t, w.Rotate())
	wal := <-rotated

	tr := NewTransformer(dir, zerolog.Nop())
	require.NoError(t, tr.TransformSegment(wal))

	b, err := os.ReadFile(dir.SQLSegment(wal))
	require.NoError(t, err)
	content := string(b)
	require.Contains(t, content, "BEGIN;")
	require.Contains(t, content, "COMMIT;")
	require.Contains(t, content, `INSERT INTO "users"`)
	// file mode appends a SWITCH marker so the applier moves on
	require.Contains(t, content, `"action":"X"`)
}
