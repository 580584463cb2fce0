// Package compare inspects source and target and reports schema or
// data drift, writing JSON descriptions of both sides under the work
// directory's compare area.
package compare

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/config"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

// TableDesc describes one table for comparison purposes.
type TableDesc struct {
	Schema   string `json:"schema"`
	Name     string `json:"name"`
	Columns  int    `json:"columns"`
	Indexes  int    `json:"indexes"`
	RowCount int64  `json:"row_count,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// SchemaDesc is the JSON document written per side.
type SchemaDesc struct {
	Tables    []TableDesc `json:"tables"`
	Sequences []string    `json:"sequences"`
}

// Comparer connects to both databases and runs the comparisons.
type Comparer struct {
	cfg    *config.Config
	dir    *workdir.Dir
	logger zerolog.Logger
}

// New builds a Comparer.
func New(cfg *config.Config, dir *workdir.Dir, logger zerolog.Logger) *Comparer {
	return &Comparer{cfg: cfg, dir: dir, logger: logger.With().Str("component", "compare").Logger()}
}

// Difference is one reported drift item.
type Difference struct {
	Kind   string `json:"kind"`
	Object string `json:"object"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Schema compares table/column/index structure and writes both sides'
// descriptions to the compare area.
func (c *Comparer) Schema(ctx context.Context) ([]Difference, error) {
	retry := pgsql.DefaultRetry()
	src, err := pgsql.Connect(ctx, c.cfg.Source.DSN(), retry, c.logger)
	if err != nil {
		return nil, err
	}
	defer src.Close(ctx)
	dst, err := pgsql.Connect(ctx, c.cfg.Target.DSN(), retry, c.logger)
	if err != nil {
		return nil, err
	}
	defer dst.Close(ctx)

	srcDesc, err := describeSchema(ctx, src, false)
	if err != nil {
		return nil, fmt.Errorf("describe source: %w", err)
	}
	dstDesc, err := describeSchema(ctx, dst, false)
	if err != nil {
		return nil, fmt.Errorf("describe target: %w", err)
	}

	if err := writeDesc(c.dir.SourceSchemaFile(), srcDesc); err != nil {
		return nil, err
	}
	if err := writeDesc(c.dir.TargetSchemaFile(), dstDesc); err != nil {
		return nil, err
	}
	return diffSchemas(srcDesc, dstDesc), nil
}

// Data compares row counts and checksums table by table.
func (c *Comparer) Data(ctx context.Context) ([]Difference, error) {
	retry := pgsql.DefaultRetry()
	src, err := pgsql.Connect(ctx, c.cfg.Source.DSN(), retry, c.logger)
	if err != nil {
		return nil, err
	}
	defer src.Close(ctx)
	dst, err := pgsql.Connect(ctx, c.cfg.Target.DSN(), retry, c.logger)
	if err != nil {
		return nil, err
	}
	defer dst.Close(ctx)

	srcDesc, err := describeSchema(ctx, src, true)
	if err != nil {
		return nil, fmt.Errorf("describe source: %w", err)
	}
	dstDesc, err := describeSchema(ctx, dst, true)
	if err != nil {
		return nil, fmt.Errorf("describe target: %w", err)
	}

	if err := writeDesc(c.dir.SourceDataFile(), srcDesc); err != nil {
		return nil, err
	}
	if err := writeDesc(c.dir.TargetDataFile(), dstDesc); err != nil {
		return nil, err
	}

	byName := make(map[string]TableDesc, len(dstDesc.Tables))
	for _, t := range dstDesc.Tables {
		byName[t.Schema+"."+t.Name] = t
	}
	var diffs []Difference
	for _, s := range srcDesc.Tables {
		key := s.Schema + "." + s.Name
		d, ok := byName[key]
		if !ok {
			diffs = append(diffs, Difference{Kind: "missing-table", Object: key, Source: "present"})
			continue
		}
		if s.RowCount != d.RowCount {
			diffs = append(diffs, Difference{
				Kind: "row-count", Object: key,
				Source: fmt.Sprintf("%d", s.RowCount),
				Target: fmt.Sprintf("%d", d.RowCount),
			})
		} else if s.Checksum != d.Checksum {
			diffs = append(diffs, Difference{
				Kind: "checksum", Object: key,
				Source: s.Checksum, Target: d.Checksum,
			})
		}
	}
	return diffs, nil
}

func describeSchema(ctx context.Context, conn *pgx.Conn, withData bool) (*SchemaDesc, error) {
	rows, err := conn.Query(ctx, `
		SELECT n.nspname, c.relname,
		       (SELECT count(*) FROM pg_attribute a
		         WHERE a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped),
		       (SELECT count(*) FROM pg_index i WHERE i.indrelid = c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'r'
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY n.nspname, c.relname`)
	if err != nil {
		return nil, err
	}
	desc := &SchemaDesc{}
	for rows.Next() {
		var t TableDesc
		if err := rows.Scan(&t.Schema, &t.Name, &t.Columns, &t.Indexes); err != nil {
			rows.Close()
			return nil, err
		}
		desc.Tables = append(desc.Tables, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	seqRows, err := conn.Query(ctx, `
		SELECT n.nspname || '.' || c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S'
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	for seqRows.Next() {
		var name string
		if err := seqRows.Scan(&name); err != nil {
			seqRows.Close()
			return nil, err
		}
		desc.Sequences = append(desc.Sequences, name)
	}
	if err := seqRows.Err(); err != nil {
		seqRows.Close()
		return nil, err
	}
	seqRows.Close()

	if withData {
		for i := range desc.Tables {
			t := &desc.Tables[i]
			sql := fmt.Sprintf(
				`SELECT count(*)::bigint, COALESCE(bit_xor(hashtext(t.*::text)), 0)::text FROM %s AS t`,
				pgsql.QualifiedName(t.Schema, t.Name))
			if err := conn.QueryRow(ctx, sql).Scan(&t.RowCount, &t.Checksum); err != nil {
				return nil, fmt.Errorf("checksum %s.%s: %w", t.Schema, t.Name, err)
			}
		}
	}
	return desc, nil
}

func writeDesc(path string, desc *SchemaDesc) error {
	b, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema description: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// diffSchemas reports structural drift between two descriptions.
func diffSchemas(src, dst *SchemaDesc) []Difference {
	var diffs []Difference

	dstTables := make(map[string]TableDesc, len(dst.Tables))
	for _, t := range dst.Tables {
		dstTables[t.Schema+"."+t.Name] = t
	}
	srcTables := make(map[string]TableDesc, len(src.Tables))
	for _, t := range src.Tables {
		srcTables[t.Schema+"."+t.Name] = t
	}

	for _, s := range src.Tables {
		key := s.Schema + "." + s.Name
		d, ok := dstTables[key]
		if !ok {
			diffs = append(diffs, Difference{Kind: "missing-table", Object: key, Source: "present"})
			continue
		}
		if s.Columns != d.Columns {
			diffs = append(diffs, Difference{
				Kind: "column-count", Object: key,
				Source: fmt.Sprintf("%d", s.Columns), Target: fmt.Sprintf("%d", d.Columns),
			})
		}
		if s.Indexes != d.Indexes {
			diffs = append(diffs, Difference{
				Kind: "index-count", Object: key,
				Source: fmt.Sprintf("%d", s.Indexes), Target: fmt.Sprintf("%d", d.Indexes),
			})
		}
	}
	for _, d := range dst.Tables {
		key := d.Schema + "." + d.Name
		if _, ok := srcTables[key]; !ok {
			diffs = append(diffs, Difference{Kind: "extra-table", Object: key, Target: "present"})
		}
	}

	srcSeqs := make(map[string]bool, len(src.Sequences))
	for _, s := range src.Sequences {
		srcSeqs[s] = true
	}
	dstSeqs := make(map[string]bool, len(dst.Sequences))
	for _, s := range dst.Sequences {
		dstSeqs[s] = true
	}
	for _, s := range src.Sequences {
		if !dstSeqs[s] {
			diffs = append(diffs, Difference{Kind: "missing-sequence", Object: s, Source: "present"})
		}
	}
	for _, s := range dst.Sequences {
		if !srcSeqs[s] {
			diffs = append(diffs, Difference{Kind: "extra-sequence", Object: s, Target: "present"})
		}
	}

	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].Kind != diffs[j].Kind {
			return diffs[i].Kind < diffs[j].Kind
		}
		return diffs[i].Object < diffs[j].Object
	})
	return diffs
}
