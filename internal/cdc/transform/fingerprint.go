package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/jfoltran/pgclone/internal/cdc/journal"
)

// Fingerprint derives the short stable hash naming a statement shape: the
// operation kind, the qualified relation, the target column list, and the
// identity column list with each column's null-ness (NULL comparisons
// change the WHERE clause, so they are part of the shape).
func Fingerprint(action journal.Action, schema, table string, cols, identity []journal.Column) string {
	var sb strings.Builder
	sb.WriteString(string(action))
	sb.WriteByte(0)
	sb.WriteString(schema)
	sb.WriteByte(0)
	sb.WriteString(table)
	for _, c := range cols {
		sb.WriteByte(0)
		sb.WriteString(c.Name)
		if c.Default {
			sb.WriteString("\x01d")
		}
	}
	sb.WriteString("\x00|")
	for _, c := range identity {
		sb.WriteByte(0)
		sb.WriteString(c.Name)
		if c.Null {
			sb.WriteString("\x01n")
		}
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:8])
}
