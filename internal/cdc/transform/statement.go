package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jfoltran/pgclone/internal/cdc/journal"
)

// Statement is one executable unit derived from a change record: a
// prepared-statement shape plus its argument values for this change.
type Statement struct {
	Hash string
	// SQL is the statement body with $n placeholders, suitable for
	// PREPARE <hash> AS <SQL>.
	SQL string
	// Args holds the parameter values in placeholder order; nil entries
	// are NULLs.
	Args []any
	// Plain is set instead of Hash/SQL/Args for statements that take no
	// parameters (TRUNCATE).
	Plain string
}

// BuildStatement turns one change record into its executable form.
func BuildStatement(rec journal.Record) (Statement, error) {
	switch rec.Action {
	case journal.ActionInsert:
		return buildInsert(rec), nil
	case journal.ActionUpdate:
		return buildUpdate(rec)
	case journal.ActionDelete:
		return buildDelete(rec)
	case journal.ActionTruncate:
		return Statement{Plain: "TRUNCATE ONLY " + QuoteQualified(rec.Schema, rec.Table)}, nil
	default:
		return Statement{}, fmt.Errorf("not a change record: %s", rec.Action)
	}
}

func buildInsert(rec journal.Record) Statement {
	var cols, vals []string
	var args []any
	n := 0
	for _, c := range rec.Columns {
		cols = append(cols, QuoteIdent(c.Name))
		if c.Default {
			// generated columns are recomputed by the target
			vals = append(vals, "DEFAULT")
			continue
		}
		n++
		vals = append(vals, fmt.Sprintf("$%d", n))
		args = append(args, argValue(c))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteQualified(rec.Schema, rec.Table),
		strings.Join(cols, ", "),
		strings.Join(vals, ", "))
	return Statement{
		Hash: Fingerprint(rec.Action, rec.Schema, rec.Table, rec.Columns, nil),
		SQL:  sql,
		Args: args,
	}
}

func buildUpdate(rec journal.Record) (Statement, error) {
	if len(rec.Columns) == 0 {
		return Statement{}, fmt.Errorf("update on %s.%s has no new tuple", rec.Schema, rec.Table)
	}
	identity := rec.Identity
	if identity == nil {
		// no old key decoded: the new tuple carries the identity
		identity = rec.Columns
	}

	var sets []string
	var args []any
	n := 0
	for _, c := range rec.Columns {
		if c.Default {
			sets = append(sets, fmt.Sprintf("%s = DEFAULT", QuoteIdent(c.Name)))
			continue
		}
		n++
		sets = append(sets, fmt.Sprintf("%s = $%d", QuoteIdent(c.Name), n))
		args = append(args, argValue(c))
	}

	where, whereArgs := buildWhere(identity, n)
	args = append(args, whereArgs...)

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		QuoteQualified(rec.Schema, rec.Table),
		strings.Join(sets, ", "),
		where)
	return Statement{
		Hash: Fingerprint(rec.Action, rec.Schema, rec.Table, rec.Columns, identity),
		SQL:  sql,
		Args: args,
	}, nil
}

func buildDelete(rec journal.Record) (Statement, error) {
	if len(rec.Identity) == 0 {
		return Statement{}, fmt.Errorf("delete on %s.%s has no identity", rec.Schema, rec.Table)
	}
	where, args := buildWhere(rec.Identity, 0)
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s",
		QuoteQualified(rec.Schema, rec.Table), where)
	return Statement{
		Hash: Fingerprint(rec.Action, rec.Schema, rec.Table, nil, rec.Identity),
		SQL:  sql,
		Args: args,
	}, nil
}

// buildWhere renders the identity comparison. NULL columns become IS NULL
// and consume no placeholder.
func buildWhere(identity []journal.Column, offset int) (string, []any) {
	var clauses []string
	var args []any
	n := offset
	for _, c := range identity {
		if c.Null {
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", QuoteIdent(c.Name)))
			continue
		}
		n++
		clauses = append(clauses, fmt.Sprintf("%s = $%d", QuoteIdent(c.Name), n))
		args = append(args, argValue(c))
	}
	return strings.Join(clauses, " AND "), args
}

func argValue(c journal.Column) any {
	if c.Null {
		return nil
	}
	return c.Value
}

// EncodeArgs renders the argument list as the JSON array appended to an
// EXECUTE line.
func EncodeArgs(args []any) (string, error) {
	if len(args) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode execute args: %w", err)
	}
	return string(data), nil
}

// DecodeArgs parses the JSON array of an EXECUTE line back into parameter
// values; JSON null yields a nil entry.
func DecodeArgs(s string) ([]any, error) {
	var raw []*string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decode execute args: %w", err)
	}
	args := make([]any, len(raw))
	for i, v := range raw {
		if v != nil {
			args[i] = *v
		}
	}
	return args, nil
}
