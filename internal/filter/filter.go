// Package filter parses the INI filter file and answers whether a given
// object takes part in the migration.
package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// Kind classifies a filter decision.
type Kind string

const (
	KindInclude          Kind = "include"
	KindExcludeSchema    Kind = "exclude-schema"
	KindExcludeTable     Kind = "exclude-table"
	KindExcludeTableData Kind = "exclude-table-data"
	KindExcludeIndex     Kind = "exclude-index"
	KindSkipExtension    Kind = "skip-extension"
	KindSkipCollation    Kind = "skip-collation"
)

// section names accepted in the filter file.
const (
	sectionIncludeOnlyTable = "include-only-table"
	sectionExcludeSchema    = "exclude-schema"
	sectionExcludeTable     = "exclude-table"
	sectionExcludeTableData = "exclude-table-data"
	sectionExcludeIndex     = "exclude-index"
)

// Filters holds the parsed decision sets. The zero value filters nothing.
type Filters struct {
	IncludeOnlyTables map[string]bool
	ExcludeSchemas    map[string]bool
	ExcludeTables     map[string]bool
	ExcludeTableData  map[string]bool
	ExcludeIndexes    map[string]bool

	SkipExtensions bool
	SkipCollations bool
}

// Load reads and parses the filter file. An empty path yields an empty
// filter set.
func Load(path string) (*Filters, error) {
	f := &Filters{
		IncludeOnlyTables: make(map[string]bool),
		ExcludeSchemas:    make(map[string]bool),
		ExcludeTables:     make(map[string]bool),
		ExcludeTableData:  make(map[string]bool),
		ExcludeIndexes:    make(map[string]bool),
	}
	if path == "" {
		return f, nil
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:    true,
		KeyValueDelimiters:  "=",
		UnparseableSections: nil,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("filter file %s: %w", path, err)
	}

	for _, section := range file.Sections() {
		var dst map[string]bool
		switch section.Name() {
		case ini.DefaultSection:
			continue
		case sectionIncludeOnlyTable:
			dst = f.IncludeOnlyTables
		case sectionExcludeSchema:
			dst = f.ExcludeSchemas
		case sectionExcludeTable:
			dst = f.ExcludeTables
		case sectionExcludeTableData:
			dst = f.ExcludeTableData
		case sectionExcludeIndex:
			dst = f.ExcludeIndexes
		default:
			return nil, fmt.Errorf("filter file %s: unknown section [%s]", path, section.Name())
		}
		for _, key := range section.KeyStrings() {
			name := normalize(key)
			if name == "" {
				continue
			}
			dst[name] = true
		}
	}

	if len(f.IncludeOnlyTables) > 0 &&
		(len(f.ExcludeTables) > 0 || len(f.ExcludeSchemas) > 0) {
		return nil, fmt.Errorf("filter file %s: include-only-table excludes exclude-schema and exclude-table", path)
	}
	return f, nil
}

// normalize strips quoting and whitespace from a filter entry.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	return s
}

// Empty reports whether no decision is configured.
func (f *Filters) Empty() bool {
	return len(f.IncludeOnlyTables) == 0 &&
		len(f.ExcludeSchemas) == 0 &&
		len(f.ExcludeTables) == 0 &&
		len(f.ExcludeTableData) == 0 &&
		len(f.ExcludeIndexes) == 0 &&
		!f.SkipExtensions && !f.SkipCollations
}

// TableExcluded decides whether schema.table is left out entirely.
func (f *Filters) TableExcluded(schema, table string) bool {
	qualified := schema + "." + table
	if len(f.IncludeOnlyTables) > 0 {
		return !f.IncludeOnlyTables[qualified] && !f.IncludeOnlyTables[table]
	}
	if f.ExcludeSchemas[schema] {
		return true
	}
	return f.ExcludeTables[qualified] || f.ExcludeTables[table]
}

// TableDataExcluded decides whether schema.table keeps its DDL but skips
// the data copy.
func (f *Filters) TableDataExcluded(schema, table string) bool {
	if f.TableExcluded(schema, table) {
		return true
	}
	qualified := schema + "." + table
	return f.ExcludeTableData[qualified] || f.ExcludeTableData[table]
}

// IndexExcluded decides whether schema.index is filtered out.
func (f *Filters) IndexExcluded(schema, index string) bool {
	if f.ExcludeSchemas[schema] {
		return true
	}
	qualified := schema + "." + index
	return f.ExcludeIndexes[qualified] || f.ExcludeIndexes[index]
}

// SchemaExcluded decides whether the whole schema is filtered out.
func (f *Filters) SchemaExcluded(schema string) bool {
	if len(f.IncludeOnlyTables) > 0 {
		return false
	}
	return f.ExcludeSchemas[schema]
}

// Digest returns a stable hash of the decision set, recorded in the
// catalog setup row and compared on resume.
func (f *Filters) Digest() string {
	h := sha256.New()
	writeSet := func(label string, set map[string]bool) {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintf(h, "%s:%s;", label, strings.Join(names, ","))
	}
	writeSet("include-only", f.IncludeOnlyTables)
	writeSet("exclude-schema", f.ExcludeSchemas)
	writeSet("exclude-table", f.ExcludeTables)
	writeSet("exclude-table-data", f.ExcludeTableData)
	writeSet("exclude-index", f.ExcludeIndexes)
	fmt.Fprintf(h, "skip-ext:%v;skip-coll:%v", f.SkipExtensions, f.SkipCollations)
	return hex.EncodeToString(h.Sum(nil))
}
