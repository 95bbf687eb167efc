package transform

import (
	"strings"
)

// QuoteIdent double-quotes an identifier, doubling embedded quotes.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteQualified renders schema.name with both parts quoted.
func QuoteQualified(schema, name string) string {
	return QuoteIdent(schema) + "." + QuoteIdent(name)
}

// QuoteLiteral renders a string value as a standard SQL literal: embedded
// single quotes doubled, backslashes preserved as-is.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// unquotedTypes lists the type names whose values pass through without
// quoting. Everything else is rendered as a quoted literal.
var unquotedTypes = map[string]struct{}{
	"smallint":         {},
	"integer":          {},
	"bigint":           {},
	"int2":             {},
	"int4":             {},
	"int8":             {},
	"oid":              {},
	"real":             {},
	"float4":           {},
	"double precision": {},
	"float8":           {},
	"numeric":          {},
	"boolean":          {},
	"bool":             {},
}

// IsUnquotedType reports whether a column type's values are emitted bare.
// Type modifiers like numeric(10,2) are ignored.
func IsUnquotedType(colType string) bool {
	base := colType
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)
	_, ok := unquotedTypes[base]
	return ok
}

// LiteralValue renders one decoded value as SQL literal text by its type:
// numerics and booleans bare, bytea already in \x hex form quoted, strings
// quoted with doubling.
func LiteralValue(colType, value string) string {
	if IsUnquotedType(colType) {
		return value
	}
	return QuoteLiteral(value)
}
