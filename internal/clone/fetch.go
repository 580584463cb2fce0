package clone

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/catalog"
	"github.com/jfoltran/pgcopystream/internal/filter"
	"github.com/jfoltran/pgcopystream/internal/snapshot"
)

// fetcher caches the source schema into the catalog store, one section
// stamp per entity kind. A section found done is skipped on resume; an
// unfinished one is redone from scratch.
type fetcher struct {
	sess    *snapshot.Session
	cat     *catalog.Store
	filters *filter.Filters
	logger  zerolog.Logger
}

const systemSchemas = `'pg_catalog', 'information_schema', 'pg_toast'`

// fetchAll runs every section in dependency order.
func (f *fetcher) fetchAll(ctx context.Context, jobs int) error {
	sections := []struct {
		name string
		run  func(context.Context) (int64, error)
	}{
		{"namespaces", f.fetchNamespaces},
		{"roles", f.fetchRoles},
		{"tables", f.fetchTables},
		{"indexes", f.fetchIndexes},
		{"sequences", f.fetchSequences},
		{"extensions", f.fetchExtensions},
		{"collations", f.fetchCollations},
		{"depends", f.fetchDepends},
	}
	for _, sec := range sections {
		done, err := f.cat.SectionDone(ctx, sec.name)
		if err != nil {
			return err
		}
		if done {
			f.logger.Info().Str("section", sec.name).Msg("schema section already fetched, skipping")
			continue
		}
		if err := f.cat.RegisterSectionStart(ctx, sec.name, jobs); err != nil {
			return err
		}
		count, err := sec.run(ctx)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", sec.name, err)
		}
		if err := f.cat.RegisterSectionDone(ctx, sec.name, count, 0); err != nil {
			return err
		}
		f.logger.Info().Str("section", sec.name).Int64("objects", count).Msg("schema section fetched")
	}
	return nil
}

func (f *fetcher) fetchNamespaces(ctx context.Context) (int64, error) {
	rows, err := f.sess.Query(ctx, `
		SELECT oid, nspname FROM pg_namespace
		WHERE nspname NOT IN (`+systemSchemas+`) AND nspname NOT LIKE 'pg_temp%'`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var count int64
	for rows.Next() {
		var n catalog.Namespace
		if err := rows.Scan(&n.OID, &n.Name); err != nil {
			return count, err
		}
		if err := f.cat.AddNamespace(ctx, n); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func (f *fetcher) fetchRoles(ctx context.Context) (int64, error) {
	rows, err := f.sess.Query(ctx, `
		SELECT oid, rolname FROM pg_roles WHERE rolname NOT LIKE 'pg\_%'`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var count int64
	for rows.Next() {
		var r catalog.Role
		if err := rows.Scan(&r.OID, &r.Name); err != nil {
			return count, err
		}
		if err := f.cat.AddRole(ctx, r); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func (f *fetcher) fetchTables(ctx context.Context) (int64, error) {
	rows, err := f.sess.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname,
		       GREATEST(c.reltuples::bigint, 0),
		       COALESCE(pg_table_size(c.oid), 0)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'r'
		  AND n.nspname NOT IN (`+systemSchemas+`)
		ORDER BY pg_table_size(c.oid) DESC`)
	if err != nil {
		return 0, err
	}

	type tableRow struct {
		t catalog.Table
	}
	var tables []tableRow
	for rows.Next() {
		var tr tableRow
		if err := rows.Scan(&tr.t.OID, &tr.t.Schema, &tr.t.Name, &tr.t.RowEstimate, &tr.t.Bytes); err != nil {
			rows.Close()
			return 0, err
		}
		tables = append(tables, tr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var count int64
	for i := range tables {
		t := &tables[i].t
		if f.filters.TableExcluded(t.Schema, t.Name) {
			continue
		}
		t.ExcludeData = f.filters.TableDataExcluded(t.Schema, t.Name)

		attrs, err := f.fetchAttrs(ctx, t.OID)
		if err != nil {
			return count, fmt.Errorf("attributes of %s: %w", t.QualifiedName(), err)
		}
		t.Attrs = attrs
		if err := f.cat.AddTable(ctx, *t); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (f *fetcher) fetchAttrs(ctx context.Context, oid uint32) ([]catalog.Attr, error) {
	rows, err := f.sess.Query(ctx, `
		SELECT a.attnum, a.attname, a.atttypid,
		       COALESCE(a.attnum = ANY(i.indkey), false)
		FROM pg_attribute a
		LEFT JOIN pg_index i ON i.indrelid = a.attrelid AND i.indisprimary
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, oid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attrs []catalog.Attr
	for rows.Next() {
		var a catalog.Attr
		if err := rows.Scan(&a.Num, &a.Name, &a.TypeOID, &a.IsPrimary); err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

func (f *fetcher) fetchIndexes(ctx context.Context) (int64, error) {
	rows, err := f.sess.Query(ctx, `
		SELECT i.indexrelid, i.indrelid, n.nspname, ic.relname,
		       i.indisprimary, i.indisunique,
		       pg_get_indexdef(i.indexrelid),
		       COALESCE(con.oid, 0),
		       COALESCE(con.conname, ''),
		       COALESCE(pg_get_constraintdef(con.oid), ''),
		       COALESCE((SELECT string_agg(a.attname, ',' ORDER BY k.ord)
		          FROM unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
		          JOIN pg_attribute a
		            ON a.attrelid = i.indrelid AND a.attnum = k.attnum), '')
		FROM pg_index i
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_class tc ON tc.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = tc.relnamespace
		LEFT JOIN pg_constraint con
		  ON con.conindid = i.indexrelid AND con.contype IN ('p', 'u')
		WHERE n.nspname NOT IN (`+systemSchemas+`)
		  AND tc.relkind = 'r'`)
	if err != nil {
		return 0, err
	}

	var indexes []catalog.Index
	for rows.Next() {
		var ix catalog.Index
		var cols string
		if err := rows.Scan(&ix.OID, &ix.TableOID, &ix.Schema, &ix.Name,
			&ix.IsPrimary, &ix.IsUnique, &ix.Definition,
			&ix.ConstraintOID, &ix.ConstraintName, &ix.ConstraintDef, &cols); err != nil {
			rows.Close()
			return 0, err
		}
		if cols != "" {
			ix.Columns = splitColumns(cols)
		}
		indexes = append(indexes, ix)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var count int64
	for _, ix := range indexes {
		if f.filters.IndexExcluded(ix.Schema, ix.Name) {
			continue
		}
		if err := f.cat.AddIndex(ctx, ix); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func splitColumns(s string) []string {
	return strings.Split(s, ",")
}

func (f *fetcher) fetchSequences(ctx context.Context) (int64, error) {
	rows, err := f.sess.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S'
		  AND n.nspname NOT IN (`+systemSchemas+`)`)
	if err != nil {
		return 0, err
	}
	var seqs []catalog.Sequence
	for rows.Next() {
		var sq catalog.Sequence
		if err := rows.Scan(&sq.OID, &sq.Schema, &sq.Name); err != nil {
			rows.Close()
			return 0, err
		}
		seqs = append(seqs, sq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var count int64
	for _, sq := range seqs {
		if f.filters.SchemaExcluded(sq.Schema) {
			continue
		}
		if err := f.cat.AddSequence(ctx, sq); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (f *fetcher) fetchExtensions(ctx context.Context) (int64, error) {
	rows, err := f.sess.Query(ctx, `
		SELECT e.oid, e.extname, n.nspname
		FROM pg_extension e
		JOIN pg_namespace n ON n.oid = e.extnamespace
		WHERE e.extname <> 'plpgsql'`)
	if err != nil {
		return 0, err
	}
	var exts []catalog.Extension
	for rows.Next() {
		var e catalog.Extension
		if err := rows.Scan(&e.OID, &e.Name, &e.Schema); err != nil {
			rows.Close()
			return 0, err
		}
		exts = append(exts, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for i := range exts {
		configs, err := f.fetchExtensionConfigs(ctx, exts[i].OID)
		if err != nil {
			return 0, fmt.Errorf("configs of extension %s: %w", exts[i].Name, err)
		}
		exts[i].Configs = configs
	}

	var count int64
	for _, e := range exts {
		if err := f.cat.AddExtension(ctx, e); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (f *fetcher) fetchExtensionConfigs(ctx context.Context, extOID uint32) ([]catalog.ExtensionConfig, error) {
	rows, err := f.sess.Query(ctx, `
		SELECT cfg.reloid, n.nspname, c.relname, COALESCE(cfg.condition, ''), c.relkind::text
		FROM pg_extension e,
		     LATERAL unnest(e.extconfig, e.extcondition)
		       WITH ORDINALITY AS cfg(reloid, condition, ord)
		JOIN pg_class c ON c.oid = cfg.reloid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE e.oid = $1
		ORDER BY cfg.ord`, extOID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.ExtensionConfig
	for rows.Next() {
		var c catalog.ExtensionConfig
		if err := rows.Scan(&c.RelOID, &c.Schema, &c.Name, &c.Condition, &c.RelKind); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (f *fetcher) fetchCollations(ctx context.Context) (int64, error) {
	if f.filters.SkipCollations {
		return 0, nil
	}
	rows, err := f.sess.Query(ctx, `
		SELECT c.oid, n.nspname, c.collname,
		       format('CREATE COLLATION %I.%I (provider = %s, locale = %L)',
		              n.nspname, c.collname,
		              CASE c.collprovider WHEN 'i' THEN 'icu' ELSE 'libc' END,
		              c.collcollate)
		FROM pg_collation c
		JOIN pg_namespace n ON n.oid = c.collnamespace
		WHERE n.nspname NOT IN (`+systemSchemas+`)`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var count int64
	for rows.Next() {
		var c catalog.Collation
		if err := rows.Scan(&c.OID, &c.Schema, &c.Name, &c.Definition); err != nil {
			return count, err
		}
		if err := f.cat.AddCollation(ctx, c); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func (f *fetcher) fetchDepends(ctx context.Context) (int64, error) {
	rows, err := f.sess.Query(ctx, `
		SELECT d.classid, d.objid, d.refclassid, d.refobjid, d.deptype::text
		FROM pg_depend d
		JOIN pg_class c ON c.oid = d.objid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname NOT IN (`+systemSchemas+`)
		  AND d.deptype IN ('n', 'a', 'i')`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var count int64
	for rows.Next() {
		var dep catalog.Dependency
		if err := rows.Scan(&dep.ClassID, &dep.ObjID, &dep.RefClassID, &dep.RefObjID, &dep.DepType); err != nil {
			return count, err
		}
		if err := f.cat.AddDependency(ctx, dep); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}
