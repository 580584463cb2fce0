package pgdump

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Entry is one line of the archive table of contents:
//
//	dumpId; catalogOid objectOid desc schema name owner
//
// Header and already-commented lines are kept verbatim with DumpID 0.
type Entry struct {
	Raw        string
	DumpID     int
	CatalogOID uint32
	ObjectOID  uint32
	Desc       string
	Schema     string
	Name       string
	Owner      string
	Commented  bool
}

// IsHeader reports whether the line carries no archive entry.
func (e Entry) IsHeader() bool { return e.DumpID == 0 }

// RestoreListName is the `desc schema name owner` form filters match on.
func (e Entry) RestoreListName() string {
	parts := []string{e.Desc}
	if e.Schema != "" {
		parts = append(parts, e.Schema)
	}
	parts = append(parts, e.Name)
	return strings.Join(parts, " ")
}

// multi-word object descriptions the list format can produce. Longest
// match first, so "TABLE DATA" wins over "TABLE".
var multiWordDescs = []string{
	"TABLE DATA",
	"SEQUENCE SET",
	"SEQUENCE OWNED BY",
	"FK CONSTRAINT",
	"CHECK CONSTRAINT",
	"DEFAULT ACL",
	"TEXT SEARCH CONFIGURATION",
	"TEXT SEARCH DICTIONARY",
	"TEXT SEARCH PARSER",
	"TEXT SEARCH TEMPLATE",
	"FOREIGN DATA WRAPPER",
	"FOREIGN TABLE",
	"FOREIGN SERVER",
	"USER MAPPING",
	"MATERIALIZED VIEW DATA",
	"MATERIALIZED VIEW",
	"ROW SECURITY",
	"OPERATOR CLASS",
	"OPERATOR FAMILY",
	"ACCESS METHOD",
	"EVENT TRIGGER",
	"PUBLICATION TABLE",
	"LARGE OBJECT",
	"INDEX ATTACH",
	"TABLE ATTACH",
	"STATISTICS EXT",
	"CONSTRAINT",
}

// ParseArchiveList parses pg_restore --list output, preserving every
// line (order, dumpIds, descriptions) bit-exactly in Raw.
func ParseArchiveList(list []byte) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(list))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		entry, err := parseArchiveLine(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan archive list: %w", err)
	}
	return entries, nil
}

func parseArchiveLine(line string) (Entry, error) {
	e := Entry{Raw: line}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return e, nil
	}
	body := trimmed
	if strings.HasPrefix(trimmed, ";") {
		e.Commented = true
		body = strings.TrimSpace(strings.TrimPrefix(trimmed, ";"))
	}

	// "215; 1259 16386 TABLE public users postgres"
	semi := strings.Index(body, ";")
	if semi < 0 {
		return e, nil // header prose
	}
	dumpID, err := strconv.Atoi(strings.TrimSpace(body[:semi]))
	if err != nil {
		return e, nil // commented header like "; Archive created at ..."
	}

	rest := strings.TrimSpace(body[semi+1:])
	fields := strings.Fields(rest)
	if len(fields) < 3 {
		return e, fmt.Errorf("malformed archive entry %q", line)
	}
	catalogOID, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return e, fmt.Errorf("archive entry %q: catalog oid: %w", line, err)
	}
	objectOID, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return e, fmt.Errorf("archive entry %q: object oid: %w", line, err)
	}

	e.DumpID = dumpID
	e.CatalogOID = uint32(catalogOID)
	e.ObjectOID = uint32(objectOID)

	remainder := strings.Join(fields[2:], " ")
	desc, tail := splitDesc(remainder)
	e.Desc = desc

	tailFields := strings.Fields(tail)
	switch len(tailFields) {
	case 0:
		// e.g. "ENCODING - ENCODING" variants; nothing more to record
	case 1:
		e.Name = tailFields[0]
	case 2:
		e.Name = tailFields[0]
		e.Owner = tailFields[1]
	default:
		e.Schema = tailFields[0]
		e.Owner = tailFields[len(tailFields)-1]
		e.Name = strings.Join(tailFields[1:len(tailFields)-1], " ")
	}
	if e.Schema == "-" {
		e.Schema = ""
	}
	return e, nil
}

func splitDesc(s string) (desc, tail string) {
	for _, d := range multiWordDescs {
		if strings.HasPrefix(s, d+" ") || s == d {
			return d, strings.TrimSpace(strings.TrimPrefix(s, d))
		}
	}
	fields := strings.SplitN(s, " ", 2)
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], fields[1]
}

// SkipDecider answers whether an entry must be commented out of the
// rewritten list.
type SkipDecider func(e Entry) bool

// RewriteList renders the archive list with skipped entries commented
// out by a `;` prefix. Order, dumpIds, and descriptions are untouched.
func RewriteList(entries []Entry, skip SkipDecider) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		if !e.IsHeader() && !e.Commented && skip(e) {
			buf.WriteString(";")
			buf.WriteString(e.Raw)
			buf.WriteString("\n")
			continue
		}
		buf.WriteString(e.Raw)
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// DropTablesSQL builds the composite DROP statement issued before a
// restore with --drop-if-exists; partial-archive restores cannot use
// the restorer's own --clean.
func DropTablesSQL(qualifiedNames []string) string {
	if len(qualifiedNames) == 0 {
		return ""
	}
	return "DROP TABLE IF EXISTS " + strings.Join(qualifiedNames, ", ") + " CASCADE"
}
