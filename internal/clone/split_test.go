package clone

import (
	"testing"

	"github.com/jfoltran/pgcopystream/internal/catalog"
)

func TestSplitInt64Range(t *testing.T) {
	parts := splitInt64Range(1, 100, 4, "id")
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(parts))
	}
	wantBounds := []struct{ min, max string }{
		{"id:1", "id:25"},
		{"id:26", "id:50"},
		{"id:51", "id:75"},
		{"id:76", "id:100"},
	}
	for i, w := range wantBounds {
		if parts[i].Min != w.min || parts[i].Max != w.max {
			t.Errorf("part %d = [%s, %s], want [%s, %s]", i+1, parts[i].Min, parts[i].Max, w.min, w.max)
		}
	}
}

func TestSplitInt64RangeUneven(t *testing.T) {
	parts := splitInt64Range(0, 9, 3, "id")
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	// 10 values over 3 parts: 4 + 3 + 3, no gaps, no overlaps.
	var covered int64
	for _, p := range parts {
		_, lo, err := parseBound(p.Min)
		if err != nil {
			t.Fatal(err)
		}
		_, hi, err := parseBound(p.Max)
		if err != nil {
			t.Fatal(err)
		}
		covered += hi - lo + 1
	}
	if covered != 10 {
		t.Errorf("parts cover %d values, want 10", covered)
	}
	if parts[0].Max != "id:3" || parts[1].Min != "id:4" {
		t.Errorf("unexpected boundaries: %+v", parts)
	}
}

func TestSplitInt64RangeMoreParts(t *testing.T) {
	parts := splitInt64Range(1, 3, 10, "id")
	if len(parts) != 3 {
		t.Fatalf("count must clamp to the value span, got %d parts", len(parts))
	}
}

func TestSingleIntegerPK(t *testing.T) {
	tests := []struct {
		name  string
		attrs []catalog.Attr
		want  string
	}{
		{
			"simple int8 pk",
			[]catalog.Attr{{Num: 1, Name: "id", TypeOID: 20, IsPrimary: true}, {Num: 2, Name: "v", TypeOID: 25}},
			"id",
		},
		{
			"composite pk",
			[]catalog.Attr{{Num: 1, Name: "a", TypeOID: 23, IsPrimary: true}, {Num: 2, Name: "b", TypeOID: 23, IsPrimary: true}},
			"",
		},
		{
			"text pk",
			[]catalog.Attr{{Num: 1, Name: "id", TypeOID: 25, IsPrimary: true}},
			"",
		},
		{
			"no pk",
			[]catalog.Attr{{Num: 1, Name: "v", TypeOID: 23}},
			"",
		},
	}
	for _, tt := range tests {
		tab := &catalog.Table{Attrs: tt.attrs}
		if got := singleIntegerPK(tab); got != tt.want {
			t.Errorf("%s: singleIntegerPK = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestPartPredicate(t *testing.T) {
	tests := []struct {
		strategy string
		part     catalog.TablePart
		want     string
		wantErr  bool
	}{
		{strategyPKRange, catalog.TablePart{Min: "id:1", Max: "id:50"}, `"id" BETWEEN 1 AND 50`, false},
		{strategyCtid, catalog.TablePart{Min: "block:0", Max: "block:128"}, `ctid >= '(0,0)'::tid AND ctid < '(128,0)'::tid`, false},
		{strategyCtid, catalog.TablePart{Min: "block:256", Max: "block:-1"}, `ctid >= '(256,0)'::tid`, false},
		{"bogus", catalog.TablePart{}, "", true},
		{strategyPKRange, catalog.TablePart{Min: "garbage", Max: "id:5"}, "", true},
	}
	for _, tt := range tests {
		got, err := partPredicate(tt.strategy, tt.part)
		if (err != nil) != tt.wantErr {
			t.Errorf("partPredicate(%s, %+v) error = %v", tt.strategy, tt.part, err)
			continue
		}
		if got != tt.want {
			t.Errorf("partPredicate(%s) = %q, want %q", tt.strategy, got, tt.want)
		}
	}
}
