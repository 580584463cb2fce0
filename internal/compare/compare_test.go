package compare

import (
	"testing"
)

func TestDiffSchemas(t *testing.T) {
	src := &SchemaDesc{
		Tables: []TableDesc{
			{Schema: "public", Name: "users", Columns: 3, Indexes: 2},
			{Schema: "public", Name: "orders", Columns: 5, Indexes: 1},
			{Schema: "audit", Name: "log", Columns: 2, Indexes: 0},
		},
		Sequences: []string{"public.users_id_seq"},
	}
	dst := &SchemaDesc{
		Tables: []TableDesc{
			{Schema: "public", Name: "users", Columns: 3, Indexes: 1}, // index missing
			{Schema: "public", Name: "orders", Columns: 5, Indexes: 1},
			{Schema: "public", Name: "scratch", Columns: 1, Indexes: 0}, // extra
		},
		Sequences: []string{"public.users_id_seq", "public.scratch_seq"},
	}

	diffs := diffSchemas(src, dst)

	kinds := make(map[string]int)
	for _, d := range diffs {
		kinds[d.Kind]++
	}
	if kinds["missing-table"] != 1 {
		t.Errorf("missing-table = %d, want 1 (audit.log)", kinds["missing-table"])
	}
	if kinds["extra-table"] != 1 {
		t.Errorf("extra-table = %d, want 1 (public.scratch)", kinds["extra-table"])
	}
	if kinds["index-count"] != 1 {
		t.Errorf("index-count = %d, want 1 (public.users)", kinds["index-count"])
	}
	if kinds["extra-sequence"] != 1 {
		t.Errorf("extra-sequence = %d, want 1", kinds["extra-sequence"])
	}
}

func TestDiffSchemasIdentical(t *testing.T) {
	desc := &SchemaDesc{
		Tables:    []TableDesc{{Schema: "public", Name: "t", Columns: 1, Indexes: 1}},
		Sequences: []string{"public.s"},
	}
	other := &SchemaDesc{
		Tables:    []TableDesc{{Schema: "public", Name: "t", Columns: 1, Indexes: 1}},
		Sequences: []string{"public.s"},
	}
	if diffs := diffSchemas(desc, other); len(diffs) != 0 {
		t.Errorf("expected no differences, got %+v", diffs)
	}
}
