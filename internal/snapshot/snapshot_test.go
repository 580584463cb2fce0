package snapshot

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	dir, err := workdir.Open(workdir.Options{Dir: t.TempDir(), CreateWorkDir: true}, zerolog.Nop())
	require.NoError(t, err)
	return NewManager("postgres://u@h/db", "postgres://u@h/db?replication=database",
		dir, pgsql.DefaultRetry(), zerolog.Nop())
}

func TestSlotFileRoundTrip(t *testing.T) {
	m := testManager(t)

	info, err := m.ReadSlotFile()
	require.NoError(t, err)
	require.Nil(t, info)

	want := &SlotInfo{
		Name:          "pgcopystream",
		Plugin:        "test_decoding",
		ConsistentLSN: 0x16B374D848,
		Snapshot:      "00000003-00000002-1",
	}
	require.NoError(t, m.writeSlotFile(want))

	got, err := m.ReadSlotFile()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStateTransitions(t *testing.T) {
	m := testManager(t)
	require.Equal(t, StateUnknown, m.State())

	// The not-consistent opt-out never touches the database.
	token, err := m.Prepare(context.Background(), "", false)
	require.NoError(t, err)
	require.Empty(t, token)
	require.Equal(t, StateSkipped, m.State())
}
