package follow

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/workdir"
)

func transformToString(t *testing.T, msgs []Message, withSwitch bool) string {
	t.Helper()
	dir, err := workdir.Open(workdir.Options{Dir: t.TempDir(), CreateWorkDir: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTransformer(dir, zerolog.Nop())

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := tr.transform(msgs, w, withSwitch); err != nil {
		t.Fatal(err)
	}
	w.Flush()
	return buf.String()
}

func sampleTxn() []Message {
	ts := time.Date(2026, 7, 30, 11, 22, 33, 0, time.UTC)
	return []Message{
		{Action: ActionBegin, XID: 529, LSN: 0x1500100, Timestamp: ts},
		{
			Action: ActionInsert, XID: 529, LSN: 0x1500150,
			Schema: "public", Table: "users",
			New: &Tuple{
				Cols:   []string{"id", "name", "note"},
				Values: []Value{{Val: "1"}, {Val: "o'brien", IsQuoted: true}, {IsNull: true}},
			},
		},
		{
			Action: ActionUpdate, XID: 529, LSN: 0x1500180,
			Schema: "public", Table: "users",
			Old: &Tuple{Cols: []string{"id"}, Values: []Value{{Val: "1"}}},
			New: &Tuple{
				Cols:   []string{"id", "name"},
				Values: []Value{{Val: "1"}, {Val: "bob", IsQuoted: true}},
			},
		},
		{
			Action: ActionDelete, XID: 529, LSN: 0x15001A0,
			Schema: "audit", Table: "log entries",
			Old: &Tuple{Cols: []string{"id"}, Values: []Value{{Val: "9"}}},
		},
		{Action: ActionCommit, XID: 529, LSN: 0x1500208, Timestamp: ts},
	}
}

func TestTransformTransaction(t *testing.T) {
	out := transformToString(t, sampleTxn(), false)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	// marker + SQL per message
	if len(lines) != 10 {
		t.Fatalf("expected 10 lines, got %d:\n%s", len(lines), out)
	}
	for i := 0; i < len(lines); i += 2 {
		if !strings.HasPrefix(lines[i], markerPrefix) {
			t.Errorf("line %d is not a marker: %q", i, lines[i])
		}
		if strings.HasPrefix(lines[i+1], markerPrefix) {
			t.Errorf("line %d should be SQL: %q", i+1, lines[i+1])
		}
	}

	if lines[1] != "BEGIN;" {
		t.Errorf("begin line = %q", lines[1])
	}
	wantInsert := `INSERT INTO "users" ("id", "name", "note") VALUES (1, 'o''brien', NULL);`
	if lines[3] != wantInsert {
		t.Errorf("insert = %q, want %q", lines[3], wantInsert)
	}
	wantUpdate := `UPDATE "users" SET "id" = 1, "name" = 'bob' WHERE "id" = 1;`
	if lines[5] != wantUpdate {
		t.Errorf("update = %q, want %q", lines[5], wantUpdate)
	}
	wantDelete := `DELETE FROM "audit"."log entries" WHERE "id" = 9;`
	if lines[7] != wantDelete {
		t.Errorf("delete = %q, want %q", lines[7], wantDelete)
	}
	if lines[9] != "COMMIT;" {
		t.Errorf("commit line = %q", lines[9])
	}

	marker, err := ParseMarker(lines[8])
	if err != nil {
		t.Fatal(err)
	}
	if marker.Action != ActionCommit || marker.XID != 529 || marker.LSN != pglogrepl.LSN(0x1500208) {
		t.Errorf("commit marker = %+v", marker)
	}
	if marker.Timestamp == "" {
		t.Error("commit marker missing timestamp")
	}
}

func TestTransformMarkerOnlyLines(t *testing.T) {
	msgs := []Message{
		{Action: ActionKeepalive, LSN: 0x2000000},
	}
	out := transformToString(t, msgs, true)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected keepalive + switch markers, got:\n%s", out)
	}
	k, err := ParseMarker(lines[0])
	if err != nil {
		t.Fatal(err)
	}
	if k.Action != ActionKeepalive {
		t.Errorf("first marker = %+v", k)
	}
	s, err := ParseMarker(lines[1])
	if err != nil {
		t.Fatal(err)
	}
	if s.Action != ActionSwitch || s.LSN != pglogrepl.LSN(0x2000000) {
		t.Errorf("switch marker = %+v", s)
	}
}

func TestTransformDeleteWithoutIdentityFails(t *testing.T) {
	msgs := []Message{
		{Action: ActionBegin, XID: 1, LSN: 1},
		{Action: ActionDelete, XID: 1, LSN: 2, Schema: "public", Table: "t"},
	}
	dir, err := workdir.Open(workdir.Options{Dir: t.TempDir(), CreateWorkDir: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTransformer(dir, zerolog.Nop())
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := tr.transform(msgs, w, false); err == nil {
		t.Error("expected error for DELETE without identity")
	}
}

func TestTransformNullInWhere(t *testing.T) {
	msgs := []Message{{
		Action: ActionDelete, XID: 3, LSN: 5,
		Schema: "public", Table: "t",
		Old: &Tuple{
			Cols:   []string{"a", "b"},
			Values: []Value{{Val: "1"}, {IsNull: true}},
		},
	}}
	out := transformToString(t, msgs, false)
	want := `DELETE FROM "t" WHERE "a" = 1 AND "b" IS NULL;`
	if !strings.Contains(out, want) {
		t.Errorf("output missing %q:\n%s", want, out)
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	in := Marker{Action: ActionCommit, XID: 7, LSN: 0xABCDEF}
	line, err := renderMarker(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ParseMarker(line)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != in.Action || out.XID != in.XID || out.LSN != in.LSN {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
