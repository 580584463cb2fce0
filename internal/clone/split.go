package clone

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jfoltran/pgcopystream/internal/catalog"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
)

// split strategies recorded in the table cache.
const (
	strategyPKRange = "pk-range"
	strategyCtid    = "ctid"
)

// integer type oids eligible for pk-range splitting.
var integerTypeOIDs = map[uint32]bool{
	20: true, // int8
	21: true, // int2
	23: true, // int4
}

// planParts decides whether (and how) a table is split into COPY parts.
// Primary-key range splitting is preferred when a single integer key
// column exists; ctid ranges otherwise, unless disabled.
func planParts(ctx context.Context, sess *snapshot.Session, t *catalog.Table,
	threshold int64, maxParts int, disableCtid bool) (string, []catalog.TablePart, error) {

	if threshold <= 0 || t.Bytes < threshold || maxParts < 2 {
		return "", nil, nil
	}

	parts := int(t.Bytes / threshold)
	if t.Bytes%threshold > 0 {
		parts++
	}
	if parts > maxParts {
		parts = maxParts
	}
	if parts < 2 {
		return "", nil, nil
	}

	if pk := singleIntegerPK(t); pk != "" {
		ranges, err := pkRanges(ctx, sess, t, pk, parts)
		if err != nil {
			return "", nil, err
		}
		if len(ranges) >= 2 {
			return strategyPKRange, ranges, nil
		}
		return "", nil, nil
	}

	if disableCtid {
		return "", nil, nil
	}
	ranges, err := ctidRanges(ctx, sess, t, parts)
	if err != nil {
		return "", nil, err
	}
	if len(ranges) < 2 {
		return "", nil, nil
	}
	return strategyCtid, ranges, nil
}

// singleIntegerPK returns the column name of a single-column integer
// primary key, empty otherwise.
func singleIntegerPK(t *catalog.Table) string {
	var pk string
	for _, a := range t.Attrs {
		if !a.IsPrimary {
			continue
		}
		if pk != "" {
			return "" // composite key
		}
		if !integerTypeOIDs[a.TypeOID] {
			return ""
		}
		pk = a.Name
	}
	return pk
}

// pkRanges slices [min, max] of the key into count contiguous ranges.
func pkRanges(ctx context.Context, sess *snapshot.Session, t *catalog.Table, pk string, count int) ([]catalog.TablePart, error) {
	var min, max *int64
	sql := fmt.Sprintf("SELECT min(%s), max(%s) FROM %s",
		pgsql.QuoteIdent(pk), pgsql.QuoteIdent(pk), pgsql.QualifiedName(t.Schema, t.Name))
	if err := sess.QueryRow(ctx, sql).Scan(&min, &max); err != nil {
		return nil, fmt.Errorf("min/max of %s.%s: %w", t.QualifiedName(), pk, err)
	}
	if min == nil || max == nil || *max <= *min {
		return nil, nil
	}
	return splitInt64Range(*min, *max, count, pk), nil
}

// splitInt64Range cuts [lo, hi] into count parts; bounds are inclusive.
func splitInt64Range(lo, hi int64, count int, column string) []catalog.TablePart {
	span := hi - lo + 1
	if int64(count) > span {
		count = int(span)
	}
	step := span / int64(count)
	rem := span % int64(count)

	var parts []catalog.TablePart
	cur := lo
	for i := 0; i < count; i++ {
		size := step
		if int64(i) < rem {
			size++
		}
		last := cur + size - 1
		parts = append(parts, catalog.TablePart{
			Part: i + 1,
			Min:  fmt.Sprintf("%s:%d", column, cur),
			Max:  fmt.Sprintf("%s:%d", column, last),
		})
		cur = last + 1
	}
	return parts
}

// ctidRanges slices the physical block range into count parts.
func ctidRanges(ctx context.Context, sess *snapshot.Session, t *catalog.Table, count int) ([]catalog.TablePart, error) {
	var relpages int64
	err := sess.QueryRow(ctx,
		"SELECT relpages FROM pg_class WHERE oid = $1", t.OID).Scan(&relpages)
	if err != nil {
		return nil, fmt.Errorf("relpages of %s: %w", t.QualifiedName(), err)
	}
	if relpages < int64(count) {
		return nil, nil
	}

	step := relpages / int64(count)
	var parts []catalog.TablePart
	for i := 0; i < count; i++ {
		first := int64(i) * step
		last := first + step // exclusive upper block
		if i == count-1 {
			last = -1 // open-ended: the last part reads to the table end
		}
		parts = append(parts, catalog.TablePart{
			Part: i + 1,
			Min:  fmt.Sprintf("block:%d", first),
			Max:  fmt.Sprintf("block:%d", last),
		})
	}
	return parts, nil
}

// partPredicate renders the WHERE clause of one part's COPY query.
func partPredicate(strategy string, p catalog.TablePart) (string, error) {
	switch strategy {
	case strategyPKRange:
		col, lo, err := parseBound(p.Min)
		if err != nil {
			return "", err
		}
		_, hi, err := parseBound(p.Max)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s BETWEEN %d AND %d", pgsql.QuoteIdent(col), lo, hi), nil

	case strategyCtid:
		_, lo, err := parseBound(p.Min)
		if err != nil {
			return "", err
		}
		_, hi, err := parseBound(p.Max)
		if err != nil {
			return "", err
		}
		if hi < 0 {
			return fmt.Sprintf("ctid >= '(%d,0)'::tid", lo), nil
		}
		return fmt.Sprintf("ctid >= '(%d,0)'::tid AND ctid < '(%d,0)'::tid", lo, hi), nil

	default:
		return "", fmt.Errorf("unknown split strategy %q", strategy)
	}
}

// parseBound splits a persisted "column:value" (or "block:value") bound.
func parseBound(s string) (string, int64, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed part bound %q", s)
	}
	v, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed part bound %q", s)
	}
	return s[:i], v, nil
}
