package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ArchiveEntry is one TOC line of pg_restore --list output.
type ArchiveEntry struct {
	DumpID     int
	CatalogOID uint32
	ObjectOID  uint32
	Desc       string
	Schema     string
	Name       string
	Owner      string
	Raw        string
}

// Descriptions are matched longest-first so "FK CONSTRAINT" wins over
// "CONSTRAINT" and "TABLE DATA" over "TABLE".
var tocDescriptions = []string{
	"MATERIALIZED VIEW DATA",
	"MATERIALIZED VIEW",
	"SEQUENCE OWNED BY",
	"SEQUENCE SET",
	"TABLE ATTACH",
	"TABLE DATA",
	"FK CONSTRAINT",
	"CHECK CONSTRAINT",
	"DEFAULT ACL",
	"LARGE OBJECT",
	"CONSTRAINT",
	"INDEX ATTACH",
	"INDEX",
	"TRIGGER",
	"SEQUENCE",
	"TABLE",
	"VIEW",
	"SCHEMA",
	"EXTENSION",
	"COLLATION",
	"DOMAIN",
	"TYPE",
	"FUNCTION",
	"PROCEDURE",
	"AGGREGATE",
	"OPERATOR CLASS",
	"OPERATOR FAMILY",
	"OPERATOR",
	"COMMENT",
	"DEFAULT",
	"RULE",
	"POLICY",
	"PUBLICATION TABLE",
	"PUBLICATION",
	"SUBSCRIPTION",
	"ACL",
	"BLOB",
}

// ParseArchiveList parses the text emitted by pg_restore --list. Comment
// lines (leading ';') and blanks are skipped; anything else must parse.
func ParseArchiveList(list string) ([]ArchiveEntry, error) {
	var entries []ArchiveEntry
	for lineno, line := range strings.Split(list, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") {
			continue
		}
		e, err := parseArchiveLine(trimmed)
		if err != nil {
			return nil, fmt.Errorf("archive list line %d: %w", lineno+1, err)
		}
		e.Raw = line
		entries = append(entries, e)
	}
	return entries, nil
}

// parseArchiveLine parses one TOC line of the form
// "dumpID; catalogOID objectOID DESC schema name owner".
func parseArchiveLine(line string) (ArchiveEntry, error) {
	var e ArchiveEntry

	semi := strings.Index(line, ";")
	if semi < 0 {
		return e, fmt.Errorf("missing dump id separator in %q", line)
	}
	id, err := strconv.Atoi(strings.TrimSpace(line[:semi]))
	if err != nil {
		return e, fmt.Errorf("bad dump id in %q: %w", line, err)
	}
	e.DumpID = id

	rest := strings.TrimSpace(line[semi+1:])
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 3 {
		return e, fmt.Errorf("short TOC line %q", line)
	}
	catOID, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return e, fmt.Errorf("bad catalog oid in %q: %w", line, err)
	}
	objOID, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return e, fmt.Errorf("bad object oid in %q: %w", line, err)
	}
	e.CatalogOID = uint32(catOID)
	e.ObjectOID = uint32(objOID)

	rest = fields[2]
	for _, desc := range tocDescriptions {
		if strings.HasPrefix(rest, desc+" ") || rest == desc {
			e.Desc = desc
			rest = strings.TrimSpace(strings.TrimPrefix(rest, desc))
			break
		}
	}
	if e.Desc == "" {
		return e, fmt.Errorf("unknown TOC description in %q", line)
	}
	if rest == "" {
		return e, nil
	}

	// Remainder is "schema name owner"; the name may contain spaces, so
	// take the first and last tokens around it.
	toks := strings.Fields(rest)
	switch len(toks) {
	case 1:
		e.Name = toks[0]
	case 2:
		e.Schema = toks[0]
		e.Name = toks[1]
	default:
		e.Schema = toks[0]
		e.Owner = toks[len(toks)-1]
		e.Name = strings.Join(toks[1:len(toks)-1], " ")
	}
	if e.Schema == "-" {
		e.Schema = ""
	}
	return e, nil
}

// CreatedSet names the index and constraint objects the clone engine has
// already built, keyed by "schema.name".
type CreatedSet map[string]struct{}

// Has reports membership for a schema-qualified object name.
func (c CreatedSet) Has(schema, name string) bool {
	_, ok := c[schema+"."+name]
	return ok
}

// Add records a created object.
func (c CreatedSet) Add(schema, name string) {
	c[schema+"."+name] = struct{}{}
}

// FilterPostData selects the entries pg_restore should still apply in the
// post-data section: everything except indexes and index-backed constraints
// the index workers already created. FK and check constraints always pass
// through, matching the two-phase protocol.
func FilterPostData(entries []ArchiveEntry, created CreatedSet) []ArchiveEntry {
	var keep []ArchiveEntry
	for _, e := range entries {
		switch e.Desc {
		case "INDEX", "CONSTRAINT":
			if created.Has(e.Schema, e.Name) {
				continue
			}
		}
		keep = append(keep, e)
	}
	return keep
}

// FormatList renders entries back into a file accepted by
// pg_restore --use-list.
func FormatList(entries []ArchiveEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Raw)
		sb.WriteByte('\n')
	}
	return sb.String()
}
