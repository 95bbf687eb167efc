// Package schema enumerates the source catalogs under the shared snapshot
// and populates the catalog store with the ordered work lists, deciding
// per-table partitioning along the way. It also drives the external
// pg_dump/pg_restore pair for the pre-data and post-data sections.
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/snapshot"
)

// Enumerator reads the source catalogs once per run.
type Enumerator struct {
	conn   *pgx.Conn
	store  *catalog.Store
	policy SplitPolicy
	logger zerolog.Logger
}

// NewEnumerator creates an Enumerator over an already-dialed source session.
func NewEnumerator(conn *pgx.Conn, store *catalog.Store, policy SplitPolicy, logger zerolog.Logger) *Enumerator {
	return &Enumerator{
		conn:   conn,
		store:  store,
		policy: policy,
		logger: logger.With().Str("component", "enumerator").Logger(),
	}
}

// Run enumerates every object kind and writes the work lists into the
// catalog store. Under resume, rows already marked done are preserved.
func (e *Enumerator) Run(ctx context.Context, snapshotName string, resume bool) error {
	tx, err := e.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin enumeration tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := snapshot.Attach(ctx, tx, snapshotName); err != nil {
		return err
	}

	tables, relPages, err := e.listTables(ctx, tx)
	if err != nil {
		return err
	}

	var allParts []catalog.Partition
	for i := range tables {
		t := &tables[i]
		kind, parts, err := e.planTable(ctx, tx, t, relPages[t.OID])
		if err != nil {
			return err
		}
		t.Kind = kind
		t.PartCount = len(parts)
		allParts = append(allParts, parts...)
	}

	if err := e.store.RegisterTables(tables, resume); err != nil {
		return fmt.Errorf("register tables: %w", err)
	}
	if err := e.store.RegisterPartitions(allParts, resume); err != nil {
		return fmt.Errorf("register partitions: %w", err)
	}

	oids := make([]uint32, len(tables))
	for i, t := range tables {
		oids[i] = t.OID
	}

	indexes, constraints, err := e.listIndexes(ctx, tx, oids)
	if err != nil {
		return err
	}
	if err := e.store.RegisterIndexes(indexes, resume); err != nil {
		return fmt.Errorf("register indexes: %w", err)
	}
	if err := e.store.RegisterConstraints(constraints); err != nil {
		return fmt.Errorf("register constraints: %w", err)
	}

	seqs, err := e.listSequences(ctx, tx)
	if err != nil {
		return err
	}
	if err := e.store.RegisterSequences(seqs); err != nil {
		return fmt.Errorf("register sequences: %w", err)
	}

	blobs, err := e.listLargeObjects(ctx, tx)
	if err != nil {
		return err
	}
	if err := e.store.RegisterLargeObjects(blobs, resume); err != nil {
		return fmt.Errorf("register large objects: %w", err)
	}

	exts, err := e.listExtensions(ctx, tx)
	if err != nil {
		return err
	}
	if err := e.store.RegisterExtensions(exts); err != nil {
		return fmt.Errorf("register extensions: %w", err)
	}

	colls, err := e.listCollations(ctx, tx)
	if err != nil {
		return err
	}
	if err := e.store.RegisterCollations(colls); err != nil {
		return fmt.Errorf("register collations: %w", err)
	}

	edges, err := e.listDependEdges(ctx, tx, oids)
	if err != nil {
		return err
	}
	if err := e.store.RegisterDependEdges(edges); err != nil {
		return fmt.Errorf("register depend edges: %w", err)
	}

	e.logger.Info().
		Int("tables", len(tables)).
		Int("partitions", len(allParts)).
		Int("indexes", len(indexes)).
		Int("constraints", len(constraints)).
		Int("sequences", len(seqs)).
		Int("largeobjects", len(blobs)).
		Msg("enumeration complete")

	return nil
}

// planTable decides partitioning for one table, probing the split key's
// value range when an integer split is possible.
func (e *Enumerator) planTable(ctx context.Context, tx pgx.Tx, t *catalog.Table, relPages int64) (catalog.PartitionKind, []catalog.Partition, error) {
	if e.policy.ThresholdBytes <= 0 || t.EstBytes <= e.policy.ThresholdBytes {
		kind, parts := PlanPartitions(*t, e.policy, "", KeyRange{}, relPages)
		return kind, parts, nil
	}

	key, err := e.splitKey(ctx, tx, t.OID)
	if err != nil {
		return "", nil, err
	}

	var quotedKey string
	var kr KeyRange
	if key != "" {
		quotedKey = quoteIdent(key)
		kr, err = e.keyRange(ctx, tx, *t, quotedKey)
		if err != nil {
			return "", nil, err
		}
		t.PartKey = key
	}

	kind, parts := PlanPartitions(*t, e.policy, quotedKey, kr, relPages)
	return kind, parts, nil
}

func (e *Enumerator) listTables(ctx context.Context, tx pgx.Tx) ([]catalog.Table, map[uint32]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname,
		       GREATEST(c.reltuples, 0)::bigint,
		       pg_table_size(c.oid),
		       c.relpages::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'r'
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		  AND n.nspname NOT LIKE 'pg_temp_%'
		ORDER BY pg_table_size(c.oid) DESC, c.oid`)
	if err != nil {
		return nil, nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []catalog.Table
	relPages := make(map[uint32]int64)
	for rows.Next() {
		var t catalog.Table
		var pages int64
		if err := rows.Scan(&t.OID, &t.Schema, &t.Name, &t.EstRows, &t.EstBytes, &pages); err != nil {
			return nil, nil, fmt.Errorf("scan table: %w", err)
		}
		t.RestoreName = t.Name
		relPages[t.OID] = pages
		tables = append(tables, t)
	}
	return tables, relPages, rows.Err()
}

// splitKey finds a not-null unique single-column integer key, preferring
// the primary key. Empty when the table has none.
func (e *Enumerator) splitKey(ctx context.Context, tx pgx.Tx, tableOID uint32) (string, error) {
	var key string
	err := tx.QueryRow(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = i.indkey[0]
		WHERE i.indrelid = $1
		  AND i.indisunique
		  AND i.indisvalid
		  AND i.indnkeyatts = 1
		  AND a.attnotnull
		  AND a.atttypid IN (20, 21, 23)
		ORDER BY i.indisprimary DESC, i.indexrelid
		LIMIT 1`, tableOID).Scan(&key)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find split key for %d: %w", tableOID, err)
	}
	return key, nil
}

func (e *Enumerator) keyRange(ctx context.Context, tx pgx.Tx, t catalog.Table, quotedKey string) (KeyRange, error) {
	var kr KeyRange
	q := fmt.Sprintf("SELECT COALESCE(min(%s), 0), COALESCE(max(%s), 0) FROM %s",
		quotedKey, quotedKey, quoteQualified(t.Schema, t.Name))
	if err := tx.QueryRow(ctx, q).Scan(&kr.Min, &kr.Max); err != nil {
		return kr, fmt.Errorf("key range of %s: %w", t.QualifiedName(), err)
	}
	return kr, nil
}

// oidStrings renders OIDs as text so the arrays cross the wire as text[]
// and cast cleanly to oid[] server-side.
func oidStrings(oids []uint32) []string {
	out := make([]string, len(oids))
	for i, o := range oids {
		out[i] = fmt.Sprintf("%d", o)
	}
	return out
}

func (e *Enumerator) listIndexes(ctx context.Context, tx pgx.Tx, tableOIDs []uint32) ([]catalog.Index, []catalog.Constraint, error) {
	rows, err := tx.Query(ctx, `
		SELECT i.indexrelid, i.indrelid, n.nspname, ic.relname,
		       pg_get_indexdef(i.indexrelid),
		       i.indisunique, i.indisprimary,
		       COALESCE(con.oid, 0), COALESCE(con.conname, ''),
		       COALESCE(con.contype::text, ''),
		       COALESCE(pg_get_constraintdef(con.oid), '')
		FROM pg_index i
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_class tc ON tc.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = tc.relnamespace
		LEFT JOIN pg_constraint con ON con.conindid = i.indexrelid
		     AND con.contype IN ('p', 'u', 'x')
		WHERE i.indrelid = ANY($1::oid[]) AND i.indisvalid
		ORDER BY i.indrelid, i.indexrelid`, oidStrings(tableOIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	var indexes []catalog.Index
	var constraints []catalog.Constraint
	for rows.Next() {
		var idx catalog.Index
		var conOID uint32
		var conName, conType, conDef string
		if err := rows.Scan(&idx.OID, &idx.TableOID, &idx.Schema, &idx.Name, &idx.Def,
			&idx.IsUnique, &idx.IsPrimary, &conOID, &conName, &conType, &conDef); err != nil {
			return nil, nil, fmt.Errorf("scan index: %w", err)
		}
		idx.RestoreName = idx.Name
		if conOID != 0 {
			idx.ConstraintOID = conOID
			constraints = append(constraints, catalog.Constraint{
				OID:      conOID,
				IndexOID: idx.OID,
				TableOID: idx.TableOID,
				Name:     conName,
				Kind:     catalog.ConstraintKind(conType),
				Def:      conDef,
			})
		}
		indexes = append(indexes, idx)
	}
	return indexes, constraints, rows.Err()
}

func (e *Enumerator) listSequences(ctx context.Context, tx pgx.Tx) ([]catalog.Sequence, error) {
	rows, err := tx.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S'
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.oid`)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var seqs []catalog.Sequence
	for rows.Next() {
		var s catalog.Sequence
		if err := rows.Scan(&s.OID, &s.Schema, &s.Name); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		seqs = append(seqs, s)
	}
	return seqs, rows.Err()
}

func (e *Enumerator) listLargeObjects(ctx context.Context, tx pgx.Tx) ([]catalog.LargeObject, error) {
	rows, err := tx.Query(ctx, `SELECT oid FROM pg_largeobject_metadata ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("list large objects: %w", err)
	}
	defer rows.Close()

	var blobs []catalog.LargeObject
	for rows.Next() {
		var b catalog.LargeObject
		if err := rows.Scan(&b.OID); err != nil {
			return nil, fmt.Errorf("scan large object: %w", err)
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

func (e *Enumerator) listExtensions(ctx context.Context, tx pgx.Tx) ([]catalog.Extension, error) {
	rows, err := tx.Query(ctx, `SELECT oid, extname FROM pg_extension WHERE extname <> 'plpgsql' ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	var exts []catalog.Extension
	for rows.Next() {
		var x catalog.Extension
		if err := rows.Scan(&x.OID, &x.Name); err != nil {
			return nil, fmt.Errorf("scan extension: %w", err)
		}
		exts = append(exts, x)
	}
	return exts, rows.Err()
}

func (e *Enumerator) listCollations(ctx context.Context, tx pgx.Tx) ([]catalog.Collation, error) {
	rows, err := tx.Query(ctx, `
		SELECT c.oid, n.nspname, c.collname
		FROM pg_collation c
		JOIN pg_namespace n ON n.oid = c.collnamespace
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.oid`)
	if err != nil {
		return nil, fmt.Errorf("list collations: %w", err)
	}
	defer rows.Close()

	var colls []catalog.Collation
	for rows.Next() {
		var c catalog.Collation
		if err := rows.Scan(&c.OID, &c.Schema, &c.Name); err != nil {
			return nil, fmt.Errorf("scan collation: %w", err)
		}
		colls = append(colls, c)
	}
	return colls, rows.Err()
}

func (e *Enumerator) listDependEdges(ctx context.Context, tx pgx.Tx, tableOIDs []uint32) ([]catalog.DependEdge, error) {
	rows, err := tx.Query(ctx, `
		SELECT classid, objid, refobjid, deptype::text
		FROM pg_depend
		WHERE refobjid = ANY($1::oid[]) AND deptype IN ('n', 'a', 'i')`, oidStrings(tableOIDs))
	if err != nil {
		return nil, fmt.Errorf("list depend edges: %w", err)
	}
	defer rows.Close()

	var edges []catalog.DependEdge
	for rows.Next() {
		var d catalog.DependEdge
		if err := rows.Scan(&d.ClassID, &d.ObjID, &d.RefObjID, &d.DepType); err != nil {
			return nil, fmt.Errorf("scan depend edge: %w", err)
		}
		edges = append(edges, d)
	}
	return edges, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualified(schema, name string) string {
	return quoteIdent(schema) + "." + quoteIdent(name)
}
