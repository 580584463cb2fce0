package lsn

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// InvalidLSN marks an unset WAL position (0/0).
const InvalidLSN = pglogrepl.LSN(0)

// Parse converts the server's textual form (HH..H/LL..L) into an LSN.
func Parse(s string) (pglogrepl.LSN, error) {
	l, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return InvalidLSN, fmt.Errorf("parse lsn %q: %w", s, err)
	}
	return l, nil
}

// lagUnits are the display units for FormatLag, largest first.
var lagUnits = []struct {
	suffix string
	size   float64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"kB", 1 << 10},
}

// FormatLag renders how far current trails latest as a byte distance in
// a human unit. A position at or past latest reports "0 B": replay
// being momentarily ahead of a stale write reading is not a lag.
func FormatLag(current, latest pglogrepl.LSN) string {
	if latest <= current {
		return "0 B"
	}
	d := float64(latest - current)
	for _, u := range lagUnits {
		if d >= u.size {
			return fmt.Sprintf("%.2f %s", d/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%d B", uint64(d))
}

// SegmentNumber returns the WAL segment number containing the position.
func SegmentNumber(l pglogrepl.LSN, walSegSize uint64) uint64 {
	return uint64(l) / walSegSize
}

// SegmentName computes the 24-character WAL file name for the segment
// holding the given position, exactly as the server names it.
func SegmentName(tli uint32, l pglogrepl.LSN, walSegSize uint64) string {
	segNo := SegmentNumber(l, walSegSize)
	segsPerXLogID := uint64(0x100000000) / walSegSize
	return fmt.Sprintf("%08X%08X%08X", tli, segNo/segsPerXLogID, segNo%segsPerXLogID)
}

// SegmentStart returns the first position of the segment holding l.
func SegmentStart(l pglogrepl.LSN, walSegSize uint64) pglogrepl.LSN {
	return pglogrepl.LSN(SegmentNumber(l, walSegSize) * walSegSize)
}

// SameSegment reports whether two positions land in the same WAL segment.
func SameSegment(a, b pglogrepl.LSN, walSegSize uint64) bool {
	return SegmentNumber(a, walSegSize) == SegmentNumber(b, walSegSize)
}
