package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Entity types cached from the source catalogs. All of them are written
// once during the fetch phase and read-only afterward.

type Namespace struct {
	OID  uint32
	Name string
}

type Role struct {
	OID  uint32
	Name string
}

type Attr struct {
	Num       int
	Name      string
	TypeOID   uint32
	IsPrimary bool
}

type TablePart struct {
	Part int
	Min  string
	Max  string
}

type Table struct {
	OID           uint32
	Schema        string
	Name          string
	RowEstimate   int64
	Bytes         int64
	ExcludeData   bool
	SplitStrategy string
	Attrs         []Attr
	Parts         []TablePart
}

// QualifiedName returns schema.table, unquoted.
func (t Table) QualifiedName() string { return t.Schema + "." + t.Name }

type Index struct {
	OID            uint32
	TableOID       uint32
	Schema         string
	Name           string
	IsPrimary      bool
	IsUnique       bool
	Columns        []string
	Definition     string
	ConstraintOID  uint32
	ConstraintName string
	ConstraintDef  string
}

type Sequence struct {
	OID       uint32
	Schema    string
	Name      string
	LastValue int64
	IsCalled  bool
}

type ExtensionConfig struct {
	RelOID    uint32
	Schema    string
	Name      string
	Condition string
	RelKind   string
}

type Extension struct {
	OID     uint32
	Name    string
	Schema  string
	Configs []ExtensionConfig
}

type Collation struct {
	OID        uint32
	Schema     string
	Name       string
	Definition string
}

type Dependency struct {
	ClassID    uint32
	ObjID      uint32
	RefClassID uint32
	RefObjID   uint32
	DepType    string
}

// AddTable inserts a table with its attributes.
func (s *Store) AddTable(ctx context.Context, t Table) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO s_table
			(oid, nspname, relname, reltuples, bytes, exclude_data, split_strategy, source_checksum, target_checksum)
			VALUES (?, ?, ?, ?, ?, ?, ?, '', '')`,
			t.OID, t.Schema, t.Name, t.RowEstimate, t.Bytes, boolInt(t.ExcludeData), t.SplitStrategy)
		if err != nil {
			return fmt.Errorf("insert table %s: %w", t.QualifiedName(), err)
		}
		for _, a := range t.Attrs {
			_, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO s_attr (oid, attnum, attname, atttypid, is_primary)
				VALUES (?, ?, ?, ?, ?)`,
				t.OID, a.Num, a.Name, a.TypeOID, boolInt(a.IsPrimary))
			if err != nil {
				return fmt.Errorf("insert attr %s.%s: %w", t.QualifiedName(), a.Name, err)
			}
		}
		return nil
	})
}

// AddTableParts records the COPY partitioning of a large table, along
// with the strategy that produced it.
func (s *Store) AddTableParts(ctx context.Context, oid uint32, strategy string, parts []TablePart) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE s_table SET split_strategy = ? WHERE oid = ?`, strategy, oid); err != nil {
			return fmt.Errorf("update split strategy: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM s_table_part WHERE oid = ?`, oid); err != nil {
			return fmt.Errorf("clear table parts: %w", err)
		}
		for _, p := range parts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO s_table_part (oid, part, min, max) VALUES (?, ?, ?, ?)`,
				oid, p.Part, p.Min, p.Max); err != nil {
				return fmt.Errorf("insert table part %d/%d: %w", oid, p.Part, err)
			}
		}
		return nil
	})
}

// GetTable loads one table with attributes and parts.
func (s *Store) GetTable(ctx context.Context, oid uint32) (*Table, error) {
	var t Table
	var exclude int
	err := s.db.QueryRowContext(ctx, `
		SELECT oid, nspname, relname, reltuples, bytes, exclude_data, split_strategy
		FROM s_table WHERE oid = ?`, oid).Scan(
		&t.OID, &t.Schema, &t.Name, &t.RowEstimate, &t.Bytes, &exclude, &t.SplitStrategy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read table %d: %w", oid, err)
	}
	t.ExcludeData = exclude != 0

	rows, err := s.db.QueryContext(ctx, `
		SELECT attnum, attname, atttypid, is_primary FROM s_attr WHERE oid = ? ORDER BY attnum`, oid)
	if err != nil {
		return nil, fmt.Errorf("read attrs %d: %w", oid, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a Attr
		var pk int
		if err := rows.Scan(&a.Num, &a.Name, &a.TypeOID, &pk); err != nil {
			return nil, fmt.Errorf("scan attr: %w", err)
		}
		a.IsPrimary = pk != 0
		t.Attrs = append(t.Attrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.db.QueryContext(ctx, `
		SELECT part, min, max FROM s_table_part WHERE oid = ? ORDER BY part`, oid)
	if err != nil {
		return nil, fmt.Errorf("read parts %d: %w", oid, err)
	}
	defer prows.Close()
	for prows.Next() {
		var p TablePart
		if err := prows.Scan(&p.Part, &p.Min, &p.Max); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		t.Parts = append(t.Parts, p)
	}
	return &t, prows.Err()
}

// UpdateTableChecksums records the source/target checksum pair.
func (s *Store) UpdateTableChecksums(ctx context.Context, oid uint32, source, target string) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE s_table SET source_checksum = ?, target_checksum = ? WHERE oid = ?`,
			source, target, oid)
		if err != nil {
			return fmt.Errorf("update checksums %d: %w", oid, err)
		}
		return nil
	})
}

// TableIter streams tables without materializing the full set. The
// iterator never holds the write mutex.
type TableIter struct {
	rows *sql.Rows
	err  error
	cur  Table
}

// IterateTables returns a lazy cursor over cached tables, largest first.
func (s *Store) IterateTables(ctx context.Context) (*TableIter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oid, nspname, relname, reltuples, bytes, exclude_data, split_strategy
		FROM s_table ORDER BY bytes DESC, oid`)
	if err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return &TableIter{rows: rows}, nil
}

func (it *TableIter) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var t Table
	var exclude int
	if err := it.rows.Scan(&t.OID, &t.Schema, &t.Name, &t.RowEstimate, &t.Bytes, &exclude, &t.SplitStrategy); err != nil {
		it.err = err
		return false
	}
	t.ExcludeData = exclude != 0
	it.cur = t
	return true
}

func (it *TableIter) Table() Table { return it.cur }

func (it *TableIter) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *TableIter) Close() error { return it.rows.Close() }

// AddIndex caches one index with its optional constraint.
func (s *Store) AddIndex(ctx context.Context, ix Index) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO s_index
			(oid, table_oid, nspname, relname, is_primary, is_unique, columns, definition,
			 constraint_oid, constraint_name, constraint_def)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ix.OID, ix.TableOID, ix.Schema, ix.Name, boolInt(ix.IsPrimary), boolInt(ix.IsUnique),
			strings.Join(ix.Columns, ","), ix.Definition,
			ix.ConstraintOID, ix.ConstraintName, ix.ConstraintDef)
		if err != nil {
			return fmt.Errorf("insert index %s.%s: %w", ix.Schema, ix.Name, err)
		}
		return nil
	})
}

// TableIndexes returns all cached indexes of one table.
func (s *Store) TableIndexes(ctx context.Context, tableOID uint32) ([]Index, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oid, table_oid, nspname, relname, is_primary, is_unique, columns, definition,
		       constraint_oid, constraint_name, constraint_def
		FROM s_index WHERE table_oid = ? ORDER BY oid`, tableOID)
	if err != nil {
		return nil, fmt.Errorf("read indexes of %d: %w", tableOID, err)
	}
	defer rows.Close()
	var out []Index
	for rows.Next() {
		ix, err := scanIndex(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ix)
	}
	return out, rows.Err()
}

// GetIndex loads one index by oid.
func (s *Store) GetIndex(ctx context.Context, oid uint32) (*Index, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oid, table_oid, nspname, relname, is_primary, is_unique, columns, definition,
		       constraint_oid, constraint_name, constraint_def
		FROM s_index WHERE oid = ?`, oid)
	if err != nil {
		return nil, fmt.Errorf("read index %d: %w", oid, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	ix, err := scanIndex(rows)
	if err != nil {
		return nil, err
	}
	return &ix, nil
}

func scanIndex(rows *sql.Rows) (Index, error) {
	var ix Index
	var primary, unique int
	var cols string
	if err := rows.Scan(&ix.OID, &ix.TableOID, &ix.Schema, &ix.Name, &primary, &unique,
		&cols, &ix.Definition, &ix.ConstraintOID, &ix.ConstraintName, &ix.ConstraintDef); err != nil {
		return ix, fmt.Errorf("scan index: %w", err)
	}
	ix.IsPrimary = primary != 0
	ix.IsUnique = unique != 0
	if cols != "" {
		ix.Columns = strings.Split(cols, ",")
	}
	return ix, nil
}

// AllIndexOIDs returns the oids of every cached index, for the archive
// rewrite to match against donefiles.
func (s *Store) AllIndexOIDs(ctx context.Context) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT oid FROM s_index ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("list index oids: %w", err)
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return nil, err
		}
		out = append(out, oid)
	}
	return out, rows.Err()
}

// AddSequence caches one sequence.
func (s *Store) AddSequence(ctx context.Context, sq Sequence) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO s_seq (oid, nspname, relname, last_value, is_called)
			VALUES (?, ?, ?, ?, ?)`,
			sq.OID, sq.Schema, sq.Name, sq.LastValue, boolInt(sq.IsCalled))
		if err != nil {
			return fmt.Errorf("insert sequence %s.%s: %w", sq.Schema, sq.Name, err)
		}
		return nil
	})
}

// UpdateSequenceValue refreshes the (last_value, is_called) pair read
// under the clone snapshot.
func (s *Store) UpdateSequenceValue(ctx context.Context, oid uint32, lastValue int64, isCalled bool) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE s_seq SET last_value = ?, is_called = ? WHERE oid = ?`,
			lastValue, boolInt(isCalled), oid)
		if err != nil {
			return fmt.Errorf("update sequence %d: %w", oid, err)
		}
		return nil
	})
}

// Sequences returns all cached sequences.
func (s *Store) Sequences(ctx context.Context) ([]Sequence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oid, nspname, relname, last_value, is_called FROM s_seq ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()
	var out []Sequence
	for rows.Next() {
		var sq Sequence
		var called int
		if err := rows.Scan(&sq.OID, &sq.Schema, &sq.Name, &sq.LastValue, &called); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		sq.IsCalled = called != 0
		out = append(out, sq)
	}
	return out, rows.Err()
}

// AddExtension caches one extension and its config relations.
func (s *Store) AddExtension(ctx context.Context, e Extension) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO s_extension (oid, extname, nspname) VALUES (?, ?, ?)`,
			e.OID, e.Name, e.Schema)
		if err != nil {
			return fmt.Errorf("insert extension %s: %w", e.Name, err)
		}
		for _, c := range e.Configs {
			_, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO s_extension_config
				(extoid, reloid, nspname, relname, condition, relkind)
				VALUES (?, ?, ?, ?, ?, ?)`,
				e.OID, c.RelOID, c.Schema, c.Name, c.Condition, c.RelKind)
			if err != nil {
				return fmt.Errorf("insert extension config %s.%s: %w", c.Schema, c.Name, err)
			}
		}
		return nil
	})
}

// Extensions returns all cached extensions with their configs.
func (s *Store) Extensions(ctx context.Context) ([]Extension, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT oid, extname, nspname FROM s_extension ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()
	var out []Extension
	for rows.Next() {
		var e Extension
		if err := rows.Scan(&e.OID, &e.Name, &e.Schema); err != nil {
			return nil, fmt.Errorf("scan extension: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		crows, err := s.db.QueryContext(ctx, `
			SELECT reloid, nspname, relname, condition, relkind
			FROM s_extension_config WHERE extoid = ? ORDER BY reloid`, out[i].OID)
		if err != nil {
			return nil, fmt.Errorf("list extension configs: %w", err)
		}
		for crows.Next() {
			var c ExtensionConfig
			if err := crows.Scan(&c.RelOID, &c.Schema, &c.Name, &c.Condition, &c.RelKind); err != nil {
				crows.Close()
				return nil, fmt.Errorf("scan extension config: %w", err)
			}
			out[i].Configs = append(out[i].Configs, c)
		}
		if err := crows.Err(); err != nil {
			crows.Close()
			return nil, err
		}
		crows.Close()
	}
	return out, nil
}

// AddCollation, AddNamespace, AddRole, AddDependency cache the remaining
// schema entities the restore-list rewrite needs to match by oid.

func (s *Store) AddCollation(ctx context.Context, c Collation) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO s_collation (oid, nspname, collname, definition)
			VALUES (?, ?, ?, ?)`, c.OID, c.Schema, c.Name, c.Definition)
		if err != nil {
			return fmt.Errorf("insert collation %s: %w", c.Name, err)
		}
		return nil
	})
}

func (s *Store) Collations(ctx context.Context) ([]Collation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT oid, nspname, collname, definition FROM s_collation ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("list collations: %w", err)
	}
	defer rows.Close()
	var out []Collation
	for rows.Next() {
		var c Collation
		if err := rows.Scan(&c.OID, &c.Schema, &c.Name, &c.Definition); err != nil {
			return nil, fmt.Errorf("scan collation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AddNamespace(ctx context.Context, n Namespace) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO s_namespace (oid, name) VALUES (?, ?)`, n.OID, n.Name)
		if err != nil {
			return fmt.Errorf("insert namespace %s: %w", n.Name, err)
		}
		return nil
	})
}

func (s *Store) AddRole(ctx context.Context, r Role) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO s_role (oid, name) VALUES (?, ?)`, r.OID, r.Name)
		if err != nil {
			return fmt.Errorf("insert role %s: %w", r.Name, err)
		}
		return nil
	})
}

func (s *Store) AddDependency(ctx context.Context, d Dependency) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO s_depend (classid, objid, refclassid, refobjid, deptype)
			VALUES (?, ?, ?, ?, ?)`,
			d.ClassID, d.ObjID, d.RefClassID, d.RefObjID, d.DepType)
		if err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
		return nil
	})
}

// Dependencies streams the pg_depend cache.
func (s *Store) Dependencies(ctx context.Context) ([]Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT classid, objid, refclassid, refobjid, deptype FROM s_depend`)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()
	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.ClassID, &d.ObjID, &d.RefClassID, &d.RefObjID, &d.DepType); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddTimelineHistory replaces the cached timeline history.
func (s *Store) AddTimelineHistory(ctx context.Context, entries []TimelineEntry) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM timeline_history`); err != nil {
			return fmt.Errorf("clear timeline history: %w", err)
		}
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO timeline_history (tli, begin_lsn, end_lsn, reason)
				VALUES (?, ?, ?, ?)`, e.TLI, e.Begin.String(), e.End.String(), e.Reason); err != nil {
				return fmt.Errorf("insert timeline %d: %w", e.TLI, err)
			}
		}
		return nil
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
