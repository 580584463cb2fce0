// Package follow implements the logical replication follower: a
// receiver writing durable JSON segments, a transformer producing SQL
// segments, and an applier replaying them on the target under a
// replication origin.
package follow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

// Action tags every streamed record.
type Action string

const (
	ActionBegin     Action = "B"
	ActionCommit    Action = "C"
	ActionInsert    Action = "I"
	ActionUpdate    Action = "U"
	ActionDelete    Action = "D"
	ActionTruncate  Action = "T"
	ActionKeepalive Action = "K"
	ActionSwitch    Action = "X"
	ActionEndpos    Action = "E"
)

// Value is one column value of a streamed tuple.
type Value struct {
	OID      uint32 `json:"oid,omitempty"`
	Val      string `json:"val"`
	IsNull   bool   `json:"isNull,omitempty"`
	IsQuoted bool   `json:"isQuoted,omitempty"`
}

// Tuple is the column/value description of a DML row image.
type Tuple struct {
	Cols   []string `json:"cols,omitempty"`
	Values []Value  `json:"values,omitempty"`
}

// Message is one decoded logical replication record, the line format of
// the JSON segment files.
type Message struct {
	Action    Action        `json:"action"`
	XID       uint32        `json:"xid,omitempty"`
	LSN       pglogrepl.LSN `json:"-"`
	Timestamp time.Time     `json:"timestamp,omitzero"`
	Schema    string        `json:"schema,omitempty"`
	Table     string        `json:"table,omitempty"`
	New       *Tuple        `json:"new,omitempty"`
	Old       *Tuple        `json:"old,omitempty"`
}

// MarshalJSON renders the LSN in the server's HH/LL form.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message // break the recursion
	return json.Marshal(struct {
		alias
		LSNText string `json:"lsn"`
	}{alias(m), m.LSN.String()})
}

// UnmarshalJSON parses the textual LSN back.
func (m *Message) UnmarshalJSON(b []byte) error {
	type alias Message
	aux := struct {
		*alias
		LSNText string `json:"lsn"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.LSNText == "" {
		m.LSN = lsn.InvalidLSN
		return nil
	}
	v, err := lsn.Parse(aux.LSNText)
	if err != nil {
		return err
	}
	m.LSN = v
	return nil
}

// Parser turns one logical decoding payload into messages.
type Parser interface {
	// Parse decodes one XLogData payload received at walLSN.
	Parse(data []byte, walLSN pglogrepl.LSN) ([]Message, error)
	// Plugin names the wire dialect.
	Plugin() string
}

// NewParser selects the parser for a plugin name.
func NewParser(plugin string) (Parser, error) {
	switch plugin {
	case "wal2json":
		return &wal2jsonParser{}, nil
	case "test_decoding":
		return &testDecodingParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported output plugin %q", plugin)
	}
}

// wal2jsonParser handles the JSON-only dialect (wal2json format v2):
// each payload is one well-formed JSON object carrying its own action
// and xid at top level.
type wal2jsonParser struct{}

func (p *wal2jsonParser) Plugin() string { return "wal2json" }

type wal2jsonColumn struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type wal2jsonRecord struct {
	Action    string           `json:"action"`
	XID       uint32           `json:"xid"`
	LSN       string           `json:"lsn"`
	Timestamp string           `json:"timestamp"`
	Schema    string           `json:"schema"`
	Table     string           `json:"table"`
	Columns   []wal2jsonColumn `json:"columns"`
	Identity  []wal2jsonColumn `json:"identity"`
}

func (p *wal2jsonParser) Parse(data []byte, walLSN pglogrepl.LSN) ([]Message, error) {
	var rec wal2jsonRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("wal2json payload: %w", err)
	}

	msg := Message{
		XID:    rec.XID,
		LSN:    walLSN,
		Schema: rec.Schema,
		Table:  rec.Table,
	}
	if rec.LSN != "" {
		v, err := lsn.Parse(rec.LSN)
		if err != nil {
			return nil, fmt.Errorf("wal2json lsn: %w", err)
		}
		msg.LSN = v
	}
	if rec.Timestamp != "" {
		if ts, err := time.Parse("2006-01-02 15:04:05.999999-07", rec.Timestamp); err == nil {
			msg.Timestamp = ts
		}
	}

	switch rec.Action {
	case "B":
		msg.Action = ActionBegin
	case "C":
		msg.Action = ActionCommit
	case "I":
		msg.Action = ActionInsert
		msg.New = columnsToTuple(rec.Columns)
	case "U":
		msg.Action = ActionUpdate
		msg.New = columnsToTuple(rec.Columns)
		msg.Old = columnsToTuple(rec.Identity)
	case "D":
		msg.Action = ActionDelete
		msg.Old = columnsToTuple(rec.Identity)
	case "T":
		msg.Action = ActionTruncate
	case "M":
		// logical messages carry no replayable change
		return nil, nil
	default:
		return nil, fmt.Errorf("wal2json: unknown action %q", rec.Action)
	}
	return []Message{msg}, nil
}

func columnsToTuple(cols []wal2jsonColumn) *Tuple {
	if cols == nil {
		return nil
	}
	t := &Tuple{}
	for _, c := range cols {
		v := Value{}
		raw := strings.TrimSpace(string(c.Value))
		switch {
		case raw == "" || raw == "null":
			v.IsNull = true
		case strings.HasPrefix(raw, `"`):
			var s string
			if err := json.Unmarshal(c.Value, &s); err == nil {
				v.Val = s
			}
			v.IsQuoted = true
		default:
			v.Val = raw
			v.IsQuoted = quotedType(c.Type)
		}
		t.Cols = append(t.Cols, c.Name)
		t.Values = append(t.Values, v)
	}
	return t
}

// quotedType decides whether a textual type requires SQL quoting even
// when wal2json rendered the value without JSON quotes.
func quotedType(typ string) bool {
	switch strings.ToLower(typ) {
	case "smallint", "integer", "bigint", "real", "double precision",
		"numeric", "boolean", "oid":
		return false
	}
	return !strings.HasPrefix(strings.ToLower(typ), "numeric(")
}

// testDecodingParser handles the text dialect: the first line of each
// record carries action and xid; DML lines carry a column grammar of
// the form name[type]:value.
type testDecodingParser struct{}

func (p *testDecodingParser) Plugin() string { return "test_decoding" }

func (p *testDecodingParser) Parse(data []byte, walLSN pglogrepl.LSN) ([]Message, error) {
	text := strings.TrimRight(string(data), "\n")
	switch {
	case strings.HasPrefix(text, "BEGIN "):
		xid, err := parseXID(strings.TrimPrefix(text, "BEGIN "))
		if err != nil {
			return nil, err
		}
		return []Message{{Action: ActionBegin, XID: xid, LSN: walLSN}}, nil

	case strings.HasPrefix(text, "COMMIT "):
		rest := strings.TrimPrefix(text, "COMMIT ")
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return nil, fmt.Errorf("test_decoding: malformed commit %q", text)
		}
		xid, err := parseXID(fields[0])
		if err != nil {
			return nil, err
		}
		msg := Message{Action: ActionCommit, XID: xid, LSN: walLSN}
		if i := strings.Index(rest, "(at "); i >= 0 {
			tsText := strings.TrimSuffix(rest[i+len("(at "):], ")")
			if ts, err := time.Parse("2006-01-02 15:04:05.999999-07", tsText); err == nil {
				msg.Timestamp = ts
			}
		}
		return []Message{msg}, nil

	case strings.HasPrefix(text, "table "):
		return p.parseDML(text, walLSN)

	default:
		// messages emitted by other backends (e.g. "message:") are not
		// replayable; skip them rather than failing the stream
		return nil, nil
	}
}

func parseXID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("test_decoding: bad xid %q: %w", s, err)
	}
	return uint32(v), nil
}

// parseDML handles `table <schema>.<table>: <OP>: col[type]:value ...`.
func (p *testDecodingParser) parseDML(text string, walLSN pglogrepl.LSN) ([]Message, error) {
	rest := strings.TrimPrefix(text, "table ")
	colon := strings.Index(rest, ": ")
	if colon < 0 {
		return nil, fmt.Errorf("test_decoding: malformed DML %q", text)
	}
	schema, table, err := splitRelation(rest[:colon])
	if err != nil {
		return nil, err
	}
	rest = rest[colon+2:]

	opEnd := strings.Index(rest, ":")
	if opEnd < 0 {
		return nil, fmt.Errorf("test_decoding: missing operation in %q", text)
	}
	op := rest[:opEnd]
	body := strings.TrimSpace(rest[opEnd+1:])

	msg := Message{LSN: walLSN, Schema: schema, Table: table}
	switch op {
	case "INSERT":
		msg.Action = ActionInsert
		tuple, err := parseColumns(body)
		if err != nil {
			return nil, err
		}
		msg.New = tuple
	case "UPDATE":
		msg.Action = ActionUpdate
		// old-key and new-tuple halves when REPLICA IDENTITY FULL
		if i := strings.Index(body, "new-tuple:"); i >= 0 {
			oldPart := strings.TrimSpace(strings.TrimPrefix(body[:i], "old-key:"))
			newPart := strings.TrimSpace(body[i+len("new-tuple:"):])
			if oldPart != "" {
				old, err := parseColumns(oldPart)
				if err != nil {
					return nil, err
				}
				msg.Old = old
			}
			tuple, err := parseColumns(newPart)
			if err != nil {
				return nil, err
			}
			msg.New = tuple
		} else {
			tuple, err := parseColumns(body)
			if err != nil {
				return nil, err
			}
			msg.New = tuple
		}
	case "DELETE":
		msg.Action = ActionDelete
		if body != "(no-tuple-data)" {
			tuple, err := parseColumns(body)
			if err != nil {
				return nil, err
			}
			msg.Old = tuple
		}
	case "TRUNCATE":
		msg.Action = ActionTruncate
	default:
		return nil, fmt.Errorf("test_decoding: unknown operation %q in %q", op, text)
	}
	return []Message{msg}, nil
}

// splitRelation splits schema.table, honoring quoted identifiers.
func splitRelation(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `"`) {
		end := strings.Index(s[1:], `"`)
		if end < 0 || len(s) < end+3 {
			return "", "", fmt.Errorf("test_decoding: malformed relation %q", s)
		}
		return s[1 : end+1], strings.Trim(s[end+3:], `"`), nil
	}
	dot := strings.Index(s, ".")
	if dot < 0 {
		return "", "", fmt.Errorf("test_decoding: malformed relation %q", s)
	}
	return s[:dot], strings.Trim(s[dot+1:], `"`), nil
}

// parseColumns scans the name[type]:value grammar. Values are either a
// single-quoted literal with '' escapes or a bare token.
func parseColumns(s string) (*Tuple, error) {
	t := &Tuple{}
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) {
			break
		}

		bracket := strings.Index(s[i:], "[")
		if bracket < 0 {
			return nil, fmt.Errorf("test_decoding: malformed column at %q", s[i:])
		}
		name := s[i : i+bracket]
		i += bracket + 1

		closing := strings.Index(s[i:], "]")
		if closing < 0 {
			return nil, fmt.Errorf("test_decoding: unterminated type at %q", s[i:])
		}
		typ := s[i : i+closing]
		i += closing + 1
		if i >= len(s) || s[i] != ':' {
			return nil, fmt.Errorf("test_decoding: missing value for column %s", name)
		}
		i++

		var v Value
		if i < len(s) && s[i] == '\'' {
			val, next, err := parseQuoted(s, i)
			if err != nil {
				return nil, err
			}
			v = Value{Val: val, IsQuoted: true}
			i = next
		} else {
			end := strings.IndexByte(s[i:], ' ')
			var token string
			if end < 0 {
				token = s[i:]
				i = len(s)
			} else {
				token = s[i : i+end]
				i += end
			}
			if token == "null" {
				v = Value{IsNull: true}
			} else {
				v = Value{Val: token, IsQuoted: quotedType(typ)}
			}
		}
		t.Cols = append(t.Cols, name)
		t.Values = append(t.Values, v)
	}
	if len(t.Cols) == 0 {
		return nil, fmt.Errorf("test_decoding: empty tuple %q", s)
	}
	return t, nil
}

// parseQuoted consumes a single-quoted literal starting at s[start],
// returning the unescaped value and the index past the closing quote.
func parseQuoted(s string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(s) {
		if s[i] == '\'' {
			if i+1 < len(s) && s[i+1] == '\'' {
				b.WriteByte('\'')
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(s[i])
		i++
	}
	return "", 0, fmt.Errorf("test_decoding: unterminated quoted value at %q", s[start:])
}
