package follow

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopystream/internal/catalog"
	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

// ParseTimelineHistory parses a timeline history file, one entry per
// line: `tli<TAB>end_lsn<TAB>reason`. Each entry's begin is the
// previous entry's end, and the appended tip entry carries the current
// timeline with end = invalid (treated as +infinity).
func ParseTimelineHistory(currentTimeline uint32, content string) ([]catalog.TimelineEntry, error) {
	var entries []catalog.TimelineEntry
	prevEnd := lsn.InvalidLSN

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed timeline history line %q", line)
		}
		tli, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("timeline history line %q: %w", line, err)
		}
		end, err := lsn.Parse(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("timeline history line %q: %w", line, err)
		}
		reason := ""
		if len(fields) == 3 {
			reason = strings.TrimSpace(fields[2])
		}
		entries = append(entries, catalog.TimelineEntry{
			TLI:    uint32(tli),
			Begin:  prevEnd,
			End:    end,
			Reason: reason,
		})
		prevEnd = end
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan timeline history: %w", err)
	}

	entries = append(entries, catalog.TimelineEntry{
		TLI:   currentTimeline,
		Begin: prevEnd,
		End:   lsn.InvalidLSN,
	})
	return entries, nil
}

// TimelineForLSN locates the timeline whose interval contains pos.
func TimelineForLSN(entries []catalog.TimelineEntry, pos pglogrepl.LSN) (uint32, error) {
	for _, e := range entries {
		if e.Contains(pos) {
			return e.TLI, nil
		}
	}
	return 0, fmt.Errorf("no timeline contains %s", pos)
}
