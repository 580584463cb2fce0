package follow

import (
	"encoding/json"
	"testing"

	"github.com/jackc/pglogrepl"
)

func TestTestDecodingBeginCommit(t *testing.T) {
	p := &testDecodingParser{}

	msgs, err := p.Parse([]byte("BEGIN 529"), 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Action != ActionBegin || msgs[0].XID != 529 {
		t.Errorf("begin = %+v", msgs)
	}

	msgs, err = p.Parse([]byte("COMMIT 529 (at 2026-07-30 11:22:33.123456+00)"), 0x1100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Action != ActionCommit || msgs[0].XID != 529 {
		t.Errorf("commit = %+v", msgs)
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("commit timestamp not parsed")
	}
}

func TestTestDecodingInsert(t *testing.T) {
	p := &testDecodingParser{}
	line := "table public.users: INSERT: id[integer]:1 name[text]:'alice' note[text]:null"
	msgs, err := p.Parse([]byte(line), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	m := msgs[0]
	if m.Action != ActionInsert || m.Schema != "public" || m.Table != "users" {
		t.Errorf("insert = %+v", m)
	}
	if m.New == nil || len(m.New.Cols) != 3 {
		t.Fatalf("tuple = %+v", m.New)
	}
	if m.New.Cols[0] != "id" || m.New.Values[0].Val != "1" || m.New.Values[0].IsQuoted {
		t.Errorf("id column = %+v", m.New.Values[0])
	}
	if m.New.Values[1].Val != "alice" || !m.New.Values[1].IsQuoted {
		t.Errorf("name column = %+v", m.New.Values[1])
	}
	if !m.New.Values[2].IsNull {
		t.Errorf("note column = %+v", m.New.Values[2])
	}
}

func TestTestDecodingQuotedEscapes(t *testing.T) {
	p := &testDecodingParser{}
	line := `table public.t: INSERT: v[text]:'o''clock and space'`
	msgs, err := p.Parse([]byte(line), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if got := msgs[0].New.Values[0].Val; got != "o'clock and space" {
		t.Errorf("value = %q", got)
	}
}

func TestTestDecodingUpdateWithOldKey(t *testing.T) {
	p := &testDecodingParser{}
	line := "table public.users: UPDATE: old-key: id[integer]:1 new-tuple: id[integer]:1 name[text]:'bob'"
	msgs, err := p.Parse([]byte(line), 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	m := msgs[0]
	if m.Action != ActionUpdate {
		t.Fatalf("action = %v", m.Action)
	}
	if m.Old == nil || len(m.Old.Cols) != 1 || m.Old.Cols[0] != "id" {
		t.Errorf("old key = %+v", m.Old)
	}
	if m.New == nil || len(m.New.Cols) != 2 {
		t.Errorf("new tuple = %+v", m.New)
	}
}

func TestTestDecodingDelete(t *testing.T) {
	p := &testDecodingParser{}
	msgs, err := p.Parse([]byte("table public.users: DELETE: id[integer]:7"), 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	m := msgs[0]
	if m.Action != ActionDelete || m.Old == nil || m.Old.Values[0].Val != "7" {
		t.Errorf("delete = %+v", m)
	}
}

func TestWal2jsonInsert(t *testing.T) {
	p := &wal2jsonParser{}
	payload := `{"action":"I","xid":601,"lsn":"0/1500208","schema":"public","table":"users",` +
		`"columns":[{"name":"id","type":"integer","value":1},{"name":"name","type":"text","value":"alice"},` +
		`{"name":"note","type":"text","value":null}]}`
	msgs, err := p.Parse([]byte(payload), 0x9999)
	if err != nil {
		t.Fatal(err)
	}
	m := msgs[0]
	if m.Action != ActionInsert || m.XID != 601 {
		t.Errorf("insert = %+v", m)
	}
	if m.LSN != pglogrepl.LSN(0x1500208) {
		t.Errorf("lsn = %s (top-level lsn field must win)", m.LSN)
	}
	if m.New.Values[0].IsQuoted || m.New.Values[0].Val != "1" {
		t.Errorf("id = %+v", m.New.Values[0])
	}
	if !m.New.Values[1].IsQuoted || m.New.Values[1].Val != "alice" {
		t.Errorf("name = %+v", m.New.Values[1])
	}
	if !m.New.Values[2].IsNull {
		t.Errorf("note = %+v", m.New.Values[2])
	}
}

func TestWal2jsonDeleteUsesIdentity(t *testing.T) {
	p := &wal2jsonParser{}
	payload := `{"action":"D","xid":602,"schema":"public","table":"users",` +
		`"identity":[{"name":"id","type":"integer","value":7}]}`
	msgs, err := p.Parse([]byte(payload), 0x5000)
	if err != nil {
		t.Fatal(err)
	}
	m := msgs[0]
	if m.Action != ActionDelete || m.Old == nil || m.Old.Values[0].Val != "7" {
		t.Errorf("delete = %+v", m)
	}
	if m.LSN != pglogrepl.LSN(0x5000) {
		t.Errorf("lsn should fall back to the wal position, got %s", m.LSN)
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	in := Message{
		Action: ActionInsert,
		XID:    42,
		LSN:    pglogrepl.LSN(0x16B374D848),
		Schema: "public",
		Table:  "t",
		New: &Tuple{
			Cols:   []string{"id", "v"},
			Values: []Value{{Val: "1"}, {Val: "x", IsQuoted: true}},
		},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Message
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.LSN != in.LSN {
		t.Errorf("lsn = %s, want %s", out.LSN, in.LSN)
	}
	if out.New == nil || out.New.Cols[1] != "v" || !out.New.Values[1].IsQuoted {
		t.Errorf("tuple = %+v", out.New)
	}
}

func TestParserSelection(t *testing.T) {
	if _, err := NewParser("wal2json"); err != nil {
		t.Error(err)
	}
	if _, err := NewParser("test_decoding"); err != nil {
		t.Error(err)
	}
	if _, err := NewParser("pgoutput"); err == nil {
		t.Error("expected error for unsupported plugin")
	}
}
