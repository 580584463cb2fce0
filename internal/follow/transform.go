package follow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

// Marker is the metadata line preceding every SQL statement in a SQL
// segment. Marker-only lines carry keepalives, switches, and endpos.
type Marker struct {
	Action    Action        `json:"action"`
	XID       uint32        `json:"xid,omitempty"`
	LSN       pglogrepl.LSN `json:"-"`
	LSNText   string        `json:"lsn"`
	Timestamp string        `json:"timestamp,omitempty"`
}

const markerPrefix = "-- "

// renderMarker produces the `-- {...}` line.
func renderMarker(m Marker) (string, error) {
	m.LSNText = m.LSN.String()
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal marker: %w", err)
	}
	return markerPrefix + string(b), nil
}

// ParseMarker reads a marker line back.
func ParseMarker(line string) (Marker, error) {
	var m Marker
	if !strings.HasPrefix(line, markerPrefix) {
		return m, fmt.Errorf("not a marker line: %q", line)
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, markerPrefix)), &m); err != nil {
		return m, fmt.Errorf("parse marker %q: %w", line, err)
	}
	if m.LSNText != "" {
		v, err := pglogrepl.ParseLSN(m.LSNText)
		if err != nil {
			return m, fmt.Errorf("marker lsn %q: %w", m.LSNText, err)
		}
		m.LSN = v
	}
	return m, nil
}

// Transformer turns JSON segments into SQL segments: one marker line
// and one statement line per message, BEGIN/COMMIT per transaction.
type Transformer struct {
	dir    *workdir.Dir
	logger zerolog.Logger
}

// NewTransformer builds a Transformer over the CDC area.
func NewTransformer(dir *workdir.Dir, logger zerolog.Logger) *Transformer {
	return &Transformer{
		dir:    dir,
		logger: logger.With().Str("component", "transform").Logger(),
	}
}

// TransformSegment converts cdc/<wal>.json into cdc/<wal>.sql, ending
// the file with a SWITCH marker so the applier moves on. The SQL file
// is written to a temp name and renamed, so readers only ever see
// complete segments.
func (t *Transformer) TransformSegment(wal string) error {
	msgs, err := readSegment(t.dir.JSONSegment(wal))
	if err != nil {
		return err
	}

	outPath := t.dir.SQLSegment(wal)
	tmpPath := outPath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}

	w := bufio.NewWriter(f)
	if err := t.transform(msgs, w, true); err != nil {
		f.Close()
		return fmt.Errorf("transform %s: %w", wal, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}

	// Keep txn.latest.sql pointing at the newest SQL segment.
	latest := t.dir.LatestSQLFile()
	_ = os.Remove(latest)
	if err := os.Symlink(outPath, latest); err != nil {
		t.logger.Warn().Err(err).Msg("could not update txn.latest.sql")
	}

	t.logger.Info().Str("segment", wal).Int("messages", len(msgs)).Msg("segment transformed")
	return nil
}

// TransformStream converts a live JSON stream into a live SQL stream
// ("replay" mode: the receiver pipes into stdin, the applier reads
// stdout).
func (t *Transformer) TransformStream(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("replay stream: %w", err)
		}
		if err := t.transform([]Message{msg}, bw, false); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// transform renders messages. withSwitch appends the trailing SWITCH
// marker used in file mode.
func (t *Transformer) transform(msgs []Message, w *bufio.Writer, withSwitch bool) error {
	var lastLSN pglogrepl.LSN
	for _, msg := range msgs {
		if msg.LSN > lastLSN {
			lastLSN = msg.LSN
		}
		marker := Marker{
			Action: msg.Action,
			XID:    msg.XID,
			LSN:    msg.LSN,
		}
		if !msg.Timestamp.IsZero() {
			marker.Timestamp = msg.Timestamp.Format(time.RFC3339Nano)
		}
		line, err := renderMarker(marker)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}

		sql, err := statementFor(msg)
		if err != nil {
			return err
		}
		if sql != "" {
			if _, err := fmt.Fprintln(w, sql); err != nil {
				return err
			}
		}
	}

	if withSwitch {
		line, err := renderMarker(Marker{Action: ActionSwitch, LSN: lastLSN})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// statementFor renders the SQL for one message; marker-only actions
// return the empty string.
func statementFor(msg Message) (string, error) {
	switch msg.Action {
	case ActionBegin:
		return "BEGIN;", nil
	case ActionCommit:
		return "COMMIT;", nil
	case ActionInsert:
		return insertSQL(msg)
	case ActionUpdate:
		return updateSQL(msg)
	case ActionDelete:
		return deleteSQL(msg)
	case ActionTruncate:
		return fmt.Sprintf("TRUNCATE ONLY %s;", pgsql.QualifiedName(msg.Schema, msg.Table)), nil
	case ActionKeepalive, ActionSwitch, ActionEndpos:
		return "", nil
	default:
		return "", fmt.Errorf("no statement for action %q", msg.Action)
	}
}

func renderValue(v Value) string {
	if v.IsNull {
		return "NULL"
	}
	if v.IsQuoted {
		return pgsql.QuoteLiteral(v.Val)
	}
	return v.Val
}

func insertSQL(msg Message) (string, error) {
	if msg.New == nil || len(msg.New.Cols) == 0 {
		return "", fmt.Errorf("insert on %s.%s without a new tuple", msg.Schema, msg.Table)
	}
	cols := make([]string, len(msg.New.Cols))
	vals := make([]string, len(msg.New.Values))
	for i, c := range msg.New.Cols {
		cols[i] = pgsql.QuoteIdent(c)
	}
	for i, v := range msg.New.Values {
		vals[i] = renderValue(v)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		pgsql.QualifiedName(msg.Schema, msg.Table),
		strings.Join(cols, ", "),
		strings.Join(vals, ", ")), nil
}

func updateSQL(msg Message) (string, error) {
	if msg.New == nil || len(msg.New.Cols) == 0 {
		return "", fmt.Errorf("update on %s.%s without a new tuple", msg.Schema, msg.Table)
	}
	key := msg.Old
	if key == nil {
		key = msg.New
	}

	sets := make([]string, len(msg.New.Cols))
	for i, c := range msg.New.Cols {
		sets[i] = fmt.Sprintf("%s = %s", pgsql.QuoteIdent(c), renderValue(msg.New.Values[i]))
	}
	where, err := whereClauses(key)
	if err != nil {
		return "", fmt.Errorf("update on %s.%s: %w", msg.Schema, msg.Table, err)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s;",
		pgsql.QualifiedName(msg.Schema, msg.Table),
		strings.Join(sets, ", "),
		where), nil
}

func deleteSQL(msg Message) (string, error) {
	if msg.Old == nil || len(msg.Old.Cols) == 0 {
		return "", fmt.Errorf("delete on %s.%s without identity columns (REPLICA IDENTITY?)", msg.Schema, msg.Table)
	}
	where, err := whereClauses(msg.Old)
	if err != nil {
		return "", fmt.Errorf("delete on %s.%s: %w", msg.Schema, msg.Table, err)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s;",
		pgsql.QualifiedName(msg.Schema, msg.Table),
		where), nil
}

func whereClauses(t *Tuple) (string, error) {
	if t == nil || len(t.Cols) == 0 {
		return "", fmt.Errorf("no identity columns")
	}
	clauses := make([]string, len(t.Cols))
	for i, c := range t.Cols {
		v := t.Values[i]
		if v.IsNull {
			clauses[i] = fmt.Sprintf("%s IS NULL", pgsql.QuoteIdent(c))
		} else {
			clauses[i] = fmt.Sprintf("%s = %s", pgsql.QuoteIdent(c), renderValue(v))
		}
	}
	return strings.Join(clauses, " AND "), nil
}
