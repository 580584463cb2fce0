package pgdump

import (
	"strings"
	"testing"
)

const sampleList = `;
; Archive created at 2026-07-30 11:22:33 UTC
;     dbname: app
;     TOC Entries: 12
;     Format: CUSTOM
;
; Selected TOC Entries:
;
3; 2615 2200 SCHEMA - public postgres
5; 2615 16385 SCHEMA - private postgres
215; 1259 16386 TABLE public users postgres
216; 1259 16392 TABLE private secrets postgres
217; 1259 16399 SEQUENCE public users_id_seq postgres
4215; 0 16386 TABLE DATA public users postgres
4301; 2606 16405 CONSTRAINT public users users_pkey postgres
4302; 1259 16407 INDEX public users_email_idx postgres
4400; 2606 16410 FK CONSTRAINT public orders orders_user_fkey postgres
`

func TestParseArchiveList(t *testing.T) {
	entries, err := ParseArchiveList([]byte(sampleList))
	if err != nil {
		t.Fatal(err)
	}

	var parsed []Entry
	for _, e := range entries {
		if !e.IsHeader() {
			parsed = append(parsed, e)
		}
	}
	if len(parsed) != 9 {
		t.Fatalf("expected 9 object entries, got %d", len(parsed))
	}

	users := parsed[2]
	if users.DumpID != 215 || users.CatalogOID != 1259 || users.ObjectOID != 16386 {
		t.Errorf("users ids = %d %d %d", users.DumpID, users.CatalogOID, users.ObjectOID)
	}
	if users.Desc != "TABLE" || users.Schema != "public" || users.Name != "users" || users.Owner != "postgres" {
		t.Errorf("users = %+v", users)
	}

	data := parsed[5]
	if data.Desc != "TABLE DATA" || data.Name != "users" {
		t.Errorf("table data = %+v", data)
	}

	fk := parsed[8]
	if fk.Desc != "FK CONSTRAINT" || fk.Schema != "public" || fk.Name != "orders orders_user_fkey" {
		t.Errorf("fk = %+v", fk)
	}

	schema := parsed[0]
	if schema.Desc != "SCHEMA" || schema.Schema != "" || schema.Name != "public" {
		t.Errorf("schema = %+v", schema)
	}
}

func TestRewriteListPreservesOrder(t *testing.T) {
	entries, err := ParseArchiveList([]byte(sampleList))
	if err != nil {
		t.Fatal(err)
	}

	out := RewriteList(entries, func(e Entry) bool {
		return e.Schema == "private" || e.Name == "private"
	})

	outLines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	inLines := strings.Split(strings.TrimRight(sampleList, "\n"), "\n")
	if len(outLines) != len(inLines) {
		t.Fatalf("line count changed: %d != %d", len(outLines), len(inLines))
	}

	for i, line := range outLines {
		switch {
		case strings.Contains(line, "16392") || strings.Contains(line, "SCHEMA - private"):
			if !strings.HasPrefix(line, ";") {
				t.Errorf("line %d should be commented: %q", i, line)
			}
		case strings.Contains(inLines[i], "16386 TABLE public"):
			if line != inLines[i] {
				t.Errorf("line %d modified: %q != %q", i, line, inLines[i])
			}
		}
	}
}

func TestRewriteListSkipsDoneIndexes(t *testing.T) {
	entries, err := ParseArchiveList([]byte(sampleList))
	if err != nil {
		t.Fatal(err)
	}
	done := map[uint32]bool{16407: true, 16405: true}
	out := string(RewriteList(entries, func(e Entry) bool {
		return done[e.ObjectOID]
	}))

	if !strings.Contains(out, ";4302; 1259 16407 INDEX") {
		t.Errorf("built index not commented out:\n%s", out)
	}
	if !strings.Contains(out, ";4301; 2606 16405 CONSTRAINT") {
		t.Errorf("built constraint not commented out:\n%s", out)
	}
	if strings.Contains(out, ";4400;") {
		t.Errorf("unbuilt fk constraint wrongly commented:\n%s", out)
	}
}

func TestDropTablesSQL(t *testing.T) {
	if got := DropTablesSQL(nil); got != "" {
		t.Errorf("empty input should produce empty SQL, got %q", got)
	}
	got := DropTablesSQL([]string{`"users"`, `"audit"."log"`})
	want := `DROP TABLE IF EXISTS "users", "audit"."log" CASCADE`
	if got != want {
		t.Errorf("DropTablesSQL = %q, want %q", got, want)
	}
}
