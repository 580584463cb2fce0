package pgsql

import "testing"

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"users", `"users"`},
		{"order", `"order"`},
		{`my"table`, `"my""table"`},
		{"", `""`},
		{"CamelCase", `"CamelCase"`},
	}
	for _, tt := range tests {
		if got := QuoteIdent(tt.input); got != tt.want {
			t.Errorf("QuoteIdent(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestQualifiedName(t *testing.T) {
	tests := []struct {
		schema string
		name   string
		want   string
	}{
		{"public", "users", `"users"`},
		{"", "users", `"users"`},
		{"myschema", "users", `"myschema"."users"`},
		{"my schema", "my table", `"my schema"."my table"`},
	}
	for _, tt := range tests {
		if got := QualifiedName(tt.schema, tt.name); got != tt.want {
			t.Errorf("QualifiedName(%q, %q) = %q, want %q", tt.schema, tt.name, got, tt.want)
		}
	}
}

func TestQuoteLiteral(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain", `'plain'`},
		{"o'clock", `'o''clock'`},
		{`back\slash`, `E'back\\slash'`},
		{"", `''`},
	}
	for _, tt := range tests {
		if got := QuoteLiteral(tt.input); got != tt.want {
			t.Errorf("QuoteLiteral(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
