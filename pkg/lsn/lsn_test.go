package lsn

import (
	"testing"

	"github.com/jackc/pglogrepl"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    pglogrepl.LSN
		wantErr bool
	}{
		{"0/0", 0, false},
		{"0/1000", 0x1000, false},
		{"16/B374D848", 0x16B374D848, false},
		{"FFFFFFFF/FFFFFFFF", 0xFFFFFFFFFFFFFFFF, false},
		{"garbage", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestSegmentName(t *testing.T) {
	const seg16MB = uint64(16 * 1024 * 1024)
	tests := []struct {
		tli  uint32
		lsn  string
		want string
	}{
		{1, "0/0", "000000010000000000000000"},
		{1, "0/1000000", "000000010000000000000001"},
		{1, "0/2000028", "000000010000000000000002"},
		{2, "16/B374D848", "0000000200000016000000B3"},
	}
	for _, tt := range tests {
		l, err := Parse(tt.lsn)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.lsn, err)
		}
		if got := SegmentName(tt.tli, l, seg16MB); got != tt.want {
			t.Errorf("SegmentName(%d, %s) = %s, want %s", tt.tli, tt.lsn, got, tt.want)
		}
	}
}

func TestSameSegment(t *testing.T) {
	const seg16MB = uint64(16 * 1024 * 1024)
	a, _ := Parse("0/1000100")
	b, _ := Parse("0/1FFFFFF")
	c, _ := Parse("0/2000000")
	if !SameSegment(a, b, seg16MB) {
		t.Errorf("expected %s and %s in the same segment", a, b)
	}
	if SameSegment(b, c, seg16MB) {
		t.Errorf("expected %s and %s in different segments", b, c)
	}
}

func TestFormatLag(t *testing.T) {
	tests := []struct {
		current pglogrepl.LSN
		latest  pglogrepl.LSN
		want    string
	}{
		{100, 612, "512 B"},
		{0, 2 << 10, "2.00 kB"},
		{0, 3 << 20, "3.00 MB"},
		{1 << 30, 3 << 30, "2.00 GB"},
		{250, 100, "0 B"},
		{100, 100, "0 B"},
	}
	for _, tt := range tests {
		if got := FormatLag(tt.current, tt.latest); got != tt.want {
			t.Errorf("FormatLag(%d, %d) = %q, want %q", tt.current, tt.latest, got, tt.want)
		}
	}
}
