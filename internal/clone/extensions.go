package clone

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/jackc/pgx/v5"

	"github.com/jfoltran/pgcopystream/internal/pgsql"
)

const extensionDataSection = "extension-data"

// copyExtensionData re-runs each extension's configuration-table SELECT
// through a COPY pipeline into the same-named target relation (phase 7).
func (o *Orchestrator) copyExtensionData(ctx context.Context) error {
	if o.cfg.Skip.Extensions || o.filters.SkipExtensions {
		return nil
	}
	done, err := o.cat.SectionDone(ctx, extensionDataSection)
	if err != nil {
		return err
	}
	if done {
		o.logger.Info().Msg("extension data already copied, skipping")
		return nil
	}
	if err := o.cat.RegisterSectionStart(ctx, extensionDataSection, 1); err != nil {
		return err
	}

	sess, err := o.snaps.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	target, err := pgsql.Connect(ctx, o.cfg.Target.DSN(), o.retry, o.logger)
	if err != nil {
		return err
	}
	defer target.Close(ctx)

	if o.cfg.RequirementsFile != "" {
		if err := o.createExtensions(ctx, target); err != nil {
			return err
		}
	}

	exts, err := o.cat.Extensions(ctx)
	if err != nil {
		return err
	}

	var objects, bytes int64
	for _, e := range exts {
		for _, c := range e.Configs {
			qualified := pgsql.QualifiedName(c.Schema, c.Name)

			if c.RelKind == "S" {
				if err := copySequenceValue(ctx, sess, target, c.Schema, c.Name); err != nil {
					return fmt.Errorf("extension %s sequence %s: %w", e.Name, qualified, err)
				}
				objects++
				continue
			}

			where := c.Condition
			copyOut := fmt.Sprintf("COPY (SELECT * FROM %s %s) TO STDOUT", qualified, where)
			copyIn := fmt.Sprintf("COPY %s FROM STDIN", qualified)

			if _, err := target.Exec(ctx, fmt.Sprintf("TRUNCATE %s", qualified)); err != nil {
				return fmt.Errorf("truncate extension config %s: %w", qualified, err)
			}
			n, err := pgsql.CopyPipeline(ctx, sess.Conn.PgConn(), target.PgConn(), copyOut, copyIn)
			if err != nil {
				return fmt.Errorf("extension %s config %s: %w", e.Name, qualified, err)
			}
			o.logger.Info().Str("extension", e.Name).Str("table", qualified).Int64("bytes", n).
				Msg("extension configuration copied")
			objects++
			bytes += n
		}
	}
	return o.cat.RegisterSectionDone(ctx, extensionDataSection, objects, bytes)
}

// requirements is the optional descriptor listing extensions to create
// on the target ahead of the data copy.
type requirements struct {
	Extensions []struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"extensions"`
}

// createExtensions issues CREATE EXTENSION IF NOT EXISTS per the
// requirements descriptor.
func (o *Orchestrator) createExtensions(ctx context.Context, target *pgx.Conn) error {
	b, err := os.ReadFile(o.cfg.RequirementsFile)
	if err != nil {
		return fmt.Errorf("requirements file: %w", err)
	}
	var reqs requirements
	if err := toml.Unmarshal(b, &reqs); err != nil {
		return fmt.Errorf("requirements file %s: %w", o.cfg.RequirementsFile, err)
	}

	for _, e := range reqs.Extensions {
		sql := fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s", pgsql.QuoteIdent(e.Name))
		if e.Version != "" {
			sql += fmt.Sprintf(" VERSION %s", pgsql.QuoteLiteral(e.Version))
		}
		sql += " CASCADE"
		o.logger.Info().Str("extension", e.Name).Msg("creating extension on target")
		if _, err := target.Exec(ctx, sql); err != nil {
			return fmt.Errorf("create extension %s: %w", e.Name, err)
		}
	}
	return nil
}
