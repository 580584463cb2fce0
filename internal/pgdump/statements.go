package pgdump

import (
	"context"
	"fmt"
	"strings"
)

// DumpRoles captures the cluster's role definitions; the output is a
// plain SQL script.
func (r *Runner) DumpRoles(ctx context.Context, sourceDSN string, noPasswords bool) (string, error) {
	args := []string{"--roles-only"}
	if noPasswords {
		args = append(args, "--no-role-passwords")
	}
	args = append(args, "--dbname", sourceDSN)
	res, err := r.run(ctx, "pg_dumpall", args...)
	if err != nil {
		return "", fmt.Errorf("dump roles: %w", err)
	}
	return string(res.Stdout), nil
}

// scanState is the lexical mode of the script scanner.
type scanState int

const (
	scanNormal scanState = iota
	scanLineComment
	scanMetaCommand
	scanSingleQuote
	scanDollarQuote
)

// SplitScript cuts a SQL script (pg_dumpall / pg_dump plain output)
// into executable statements. Semicolons only terminate a statement at
// the top level: `--` comments run to end of line, single-quoted
// literals may contain doubled quotes, and $tag$ ... $tag$ bodies are
// opaque. psql meta-command lines (leading backslash) are dropped, as
// the statements go to the server over the wire, not through psql.
func SplitScript(script string) []string {
	var stmts []string
	var buf strings.Builder

	state := scanNormal
	dollarTag := ""
	atLineStart := true

	emit := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			stmts = append(stmts, s)
		}
		buf.Reset()
	}

	for i := 0; i < len(script); i++ {
		c := script[i]

		switch state {
		case scanLineComment, scanMetaCommand:
			if c == '\n' {
				state = scanNormal
				atLineStart = true
			}
			continue

		case scanSingleQuote:
			buf.WriteByte(c)
			if c == '\'' {
				if i+1 < len(script) && script[i+1] == '\'' {
					buf.WriteByte('\'')
					i++
					continue
				}
				state = scanNormal
			}
			continue

		case scanDollarQuote:
			if c == '$' {
				if tag, width := dollarTagAt(script, i); tag == dollarTag {
					buf.WriteString(tag)
					i += width - 1
					state = scanNormal
					dollarTag = ""
					continue
				}
			}
			buf.WriteByte(c)
			continue
		}

		// scanNormal from here on.
		if atLineStart {
			if c == '\\' {
				state = scanMetaCommand
				continue
			}
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				atLineStart = false
			}
		}
		if c == '\n' {
			atLineStart = true
		}

		switch {
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			state = scanLineComment
			i++
		case c == '\'':
			state = scanSingleQuote
			buf.WriteByte(c)
		case c == '$':
			if tag, width := dollarTagAt(script, i); tag != "" {
				state = scanDollarQuote
				dollarTag = tag
				buf.WriteString(tag)
				i += width - 1
			} else {
				buf.WriteByte(c)
			}
		case c == ';':
			buf.WriteByte(c)
			emit()
			atLineStart = true
		default:
			buf.WriteByte(c)
		}
	}

	emit()
	return stmts
}

// dollarTagAt reads a dollar-quote delimiter ($$ or $word$) starting at
// script[pos], returning the delimiter text and its width, or ("", 0).
func dollarTagAt(script string, pos int) (string, int) {
	end := pos + 1
	for end < len(script) {
		c := script[end]
		if c == '$' {
			return script[pos : end+1], end + 1 - pos
		}
		if !isTagByte(c) {
			return "", 0
		}
		end++
	}
	return "", 0
}

func isTagByte(c byte) bool {
	switch {
	case '0' <= c && c <= '9', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', c == '_':
		return true
	}
	return false
}
