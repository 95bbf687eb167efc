package decode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgclone/internal/cdc/journal"
)

// unchangedToast is the placeholder test_decoding prints for a TOAST value
// the update did not touch. The column is skipped entirely; the before
// image carries the WHERE side.
const unchangedToast = "unchanged-toast-datum"

// testDecodingDecoder parses the textual dialect of the test_decoding
// plugin:
//
//	BEGIN 733
//	table public.category: INSERT: category_id[integer]:1000 name[text]:'Thriller'
//	COMMIT 733 (at 2024-03-07 12:00:00.000000+00)
type testDecodingDecoder struct{}

func newTestDecoding() *testDecodingDecoder { return &testDecodingDecoder{} }

func (d *testDecodingDecoder) Plugin() string { return "test_decoding" }

func (d *testDecodingDecoder) PluginArgs() []string {
	return []string{
		"include-xids '1'",
		"include-timestamp '1'",
	}
}

func (d *testDecodingDecoder) Decode(walData []byte, walStart pglogrepl.LSN) ([]journal.Record, error) {
	line := strings.TrimRight(string(walData), "\n")
	rec := journal.Record{LSN: walStart.String()}

	switch {
	case strings.HasPrefix(line, "BEGIN "):
		xid, err := strconv.ParseUint(strings.TrimPrefix(line, "BEGIN "), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("test_decoding BEGIN: %w", err)
		}
		rec.Action = journal.ActionBegin
		rec.XID = uint32(xid)
		return []journal.Record{rec}, nil

	case strings.HasPrefix(line, "COMMIT "):
		rest := strings.TrimPrefix(line, "COMMIT ")
		if i := strings.Index(rest, " (at "); i >= 0 {
			rec.Timestamp = strings.TrimSuffix(rest[i+len(" (at "):], ")")
			rest = rest[:i]
		}
		xid, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("test_decoding COMMIT: %w", err)
		}
		rec.Action = journal.ActionCommit
		rec.XID = uint32(xid)
		return []journal.Record{rec}, nil

	case strings.HasPrefix(line, "table "):
		return d.decodeChange(line, rec)

	default:
		// messages, sequence advances and other chatter are not replayed
		return nil, nil
	}
}

func (d *testDecodingDecoder) decodeChange(line string, rec journal.Record) ([]journal.Record, error) {
	rest := strings.TrimPrefix(line, "table ")
	colon := strings.Index(rest, ": ")
	if colon < 0 {
		return nil, fmt.Errorf("test_decoding change missing relation: %q", line)
	}
	schema, table, err := splitRelation(rest[:colon])
	if err != nil {
		return nil, err
	}
	rec.Schema = schema
	rec.Table = table
	rest = rest[colon+2:]

	opEnd := strings.Index(rest, ":")
	if opEnd < 0 {
		return nil, fmt.Errorf("test_decoding change missing operation: %q", line)
	}
	op := rest[:opEnd]
	rest = strings.TrimSpace(rest[opEnd+1:])

	switch op {
	case "INSERT":
		rec.Action = journal.ActionInsert
	case "UPDATE":
		rec.Action = journal.ActionUpdate
	case "DELETE":
		rec.Action = journal.ActionDelete
	case "TRUNCATE":
		rec.Action = journal.ActionTruncate
		return []journal.Record{rec}, nil
	default:
		return nil, fmt.Errorf("test_decoding operation %q", op)
	}

	// UPDATE with a replica identity prints "old-key: ... new-tuple: ...".
	if rec.Action == journal.ActionUpdate {
		if i := strings.Index(rest, "new-tuple:"); i >= 0 {
			oldPart := strings.TrimSpace(strings.TrimPrefix(rest[:i], "old-key:"))
			rec.Identity, err = parseTuple(oldPart)
			if err != nil {
				return nil, err
			}
			rest = strings.TrimSpace(rest[i+len("new-tuple:"):])
		}
	}

	cols, err := parseTuple(rest)
	if err != nil {
		return nil, err
	}
	if rec.Action == journal.ActionDelete {
		rec.Identity = cols
	} else {
		rec.Columns = cols
	}
	return []journal.Record{rec}, nil
}

func splitRelation(s string) (string, string, error) {
	// Identifiers may be quoted and contain dots.
	parts := splitTopLevel(s, '.')
	if len(parts) != 2 {
		return "", "", fmt.Errorf("test_decoding relation %q", s)
	}
	return unquoteIdent(parts[0]), unquoteIdent(parts[1]), nil
}

// parseTuple tokenizes a sequence of name[type]:value fields, honoring
// single-quoted values with doubled-quote escapes and quoted identifiers.
func parseTuple(s string) ([]journal.Column, error) {
	var cols []journal.Column
	i := 0
	n := len(s)
	for i < n {
		for i < n && s[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}

		nameStart := i
		var name string
		if s[i] == '"' {
			j := i + 1
			for j < n {
				if s[j] == '"' {
					if j+1 < n && s[j+1] == '"' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated identifier at %q", s[nameStart:])
			}
			name = strings.ReplaceAll(s[i+1:j], `""`, `"`)
			i = j + 1
		} else {
			for i < n && s[i] != '[' {
				i++
			}
			name = s[nameStart:i]
		}
		if i >= n || s[i] != '[' {
			return nil, fmt.Errorf("missing type for column %q", name)
		}

		typeEnd := strings.IndexByte(s[i:], ']')
		if typeEnd < 0 {
			return nil, fmt.Errorf("unterminated type for column %q", name)
		}
		colType := s[i+1 : i+typeEnd]
		i += typeEnd + 1
		if i >= n || s[i] != ':' {
			return nil, fmt.Errorf("missing value for column %q", name)
		}
		i++

		col := journal.Column{Name: name, Type: colType}
		if i < n && s[i] == '\'' {
			j := i + 1
			var sb strings.Builder
			for j < n {
				if s[j] == '\'' {
					if j+1 < n && s[j+1] == '\'' {
						sb.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				sb.WriteByte(s[j])
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated value for column %q", name)
			}
			col.Value = sb.String()
			i = j + 1
		} else {
			j := i
			for j < n && s[j] != ' ' {
				j++
			}
			raw := s[i:j]
			i = j
			switch raw {
			case "null":
				col.Null = true
			case unchangedToast:
				// skip the column; the target keeps its stored value
				continue
			default:
				col.Value = raw
			}
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// splitTopLevel splits on sep outside double-quoted identifiers.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	start := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuote = !inQuote
		case s[i] == sep && !inQuote:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func unquoteIdent(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}
