package follow

import (
	"testing"

	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

const sampleHistory = "1\t0/15000D8\tno recovery target specified\n" +
	"2\t0/3A000098\tno recovery target specified\n"

func TestParseTimelineHistory(t *testing.T) {
	entries, err := ParseTimelineHistory(3, sampleHistory)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (2 parsed + tip), got %d", len(entries))
	}

	if entries[0].TLI != 1 || entries[0].Begin != lsn.InvalidLSN {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	end0, _ := lsn.Parse("0/15000D8")
	if entries[0].End != end0 {
		t.Errorf("entry 0 end = %s", entries[0].End)
	}

	// Each begin is the previous entry's end.
	if entries[1].Begin != entries[0].End {
		t.Errorf("entry 1 begin = %s, want %s", entries[1].Begin, entries[0].End)
	}

	tip := entries[2]
	if tip.TLI != 3 || tip.Begin != entries[1].End || tip.End != lsn.InvalidLSN {
		t.Errorf("tip = %+v", tip)
	}
}

func TestTimelineForLSN(t *testing.T) {
	entries, err := ParseTimelineHistory(3, sampleHistory)
	if err != nil {
		t.Fatal(err)
	}

	pos, _ := lsn.Parse("0/1000000")
	tli, err := TimelineForLSN(entries, pos)
	if err != nil || tli != 1 {
		t.Errorf("TimelineForLSN(0/1000000) = %d, %v", tli, err)
	}

	pos, _ = lsn.Parse("0/20000000")
	tli, err = TimelineForLSN(entries, pos)
	if err != nil || tli != 2 {
		t.Errorf("TimelineForLSN(0/20000000) = %d, %v", tli, err)
	}

	// The tip entry's invalid end means +infinity.
	pos, _ = lsn.Parse("FF/0")
	tli, err = TimelineForLSN(entries, pos)
	if err != nil || tli != 3 {
		t.Errorf("TimelineForLSN(FF/0) = %d, %v", tli, err)
	}
}

func TestParseTimelineHistoryMalformed(t *testing.T) {
	if _, err := ParseTimelineHistory(2, "not a history file"); err == nil {
		t.Error("expected error for malformed history")
	}
}
