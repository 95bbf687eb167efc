// Package catalog is the on-disk coordination store shared by the clone
// engine and the CDC pipeline. It is a single bbolt file under the work
// directory and is the sole source of truth for per-object progress, the
// sentinel row, worker registrations, and the statement cache.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTables       = []byte("tables")
	bucketPartitions   = []byte("partitions")
	bucketIndexes      = []byte("indexes")
	bucketConstraints  = []byte("constraints")
	bucketSequences    = []byte("sequences")
	bucketLargeObjects = []byte("largeobjects")
	bucketExtensions   = []byte("extensions")
	bucketCollations   = []byte("collations")
	bucketDepends      = []byte("depends")
	bucketProcesses    = []byte("processes")
	bucketSentinel     = []byte("sentinel")
	bucketStmtCache    = []byte("stmtcache")
	bucketMeta         = []byte("meta")
)

// Store wraps the bbolt database holding all run state.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if needed) the catalog store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTables, bucketPartitions, bucketIndexes, bucketConstraints,
			bucketSequences, bucketLargeObjects, bucketExtensions,
			bucketCollations, bucketDepends, bucketProcesses,
			bucketSentinel, bucketStmtCache, bucketMeta,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk location of the store.
func (s *Store) Path() string {
	return s.path
}

func oidKey(oid uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, oid)
	return k
}

func put(tx *bolt.Tx, bucket []byte, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func get(tx *bolt.Tx, bucket []byte, key []byte, v any) (bool, error) {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// --- meta ---

// SetMeta records a run-scoped string (snapshot name, run id, timeline).
func (s *Store) SetMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), []byte(value))
	})
}

// Meta reads a run-scoped string, empty when unset.
func (s *Store) Meta(key string) (string, error) {
	var v string
	err := s.db.View(func(tx *bolt.Tx) error {
		v = string(tx.Bucket(bucketMeta).Get([]byte(key)))
		return nil
	})
	return v, err
}

// Meta keys used across components.
const (
	MetaSnapshot = "snapshot"
	MetaRunID    = "run_id"
	MetaTimeline = "timeline"
	MetaStopMark = "clean_stop"
)

// --- tables and partitions ---

// RegisterTables stores the enumerated tables. Under resume, rows already
// marked done keep their status and truncation flag.
func (s *Store) RegisterTables(tables []Table, resume bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range tables {
			t := tables[i]
			if resume {
				var prev Table
				ok, err := get(tx, bucketTables, oidKey(t.OID), &prev)
				if err != nil {
					return err
				}
				if ok && prev.Status == StatusDone {
					continue
				}
				if ok {
					t.Truncated = prev.Truncated
				}
			}
			if t.Status == "" {
				t.Status = StatusPending
			}
			if err := put(tx, bucketTables, oidKey(t.OID), t); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tables returns all tables ordered by estimated size descending, OID
// ascending on ties.
func (s *Store) Tables() ([]Table, error) {
	var tables []Table
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).ForEach(func(k, v []byte) error {
			var t Table
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tables = append(tables, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].EstBytes != tables[j].EstBytes {
			return tables[i].EstBytes > tables[j].EstBytes
		}
		return tables[i].OID < tables[j].OID
	})
	return tables, nil
}

// Table fetches one table by OID.
func (s *Store) Table(oid uint32) (Table, bool, error) {
	var t Table
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = get(tx, bucketTables, oidKey(oid), &t)
		return err
	})
	return t, found, err
}

// SetTableStatus transitions a table's lifecycle flag.
func (s *Store) SetTableStatus(oid uint32, status Status, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var t Table
		ok, err := get(tx, bucketTables, oidKey(oid), &t)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("table %d not in catalog", oid)
		}
		t.Status = status
		t.Error = errMsg
		return put(tx, bucketTables, oidKey(oid), t)
	})
}

// ClaimTruncate atomically claims the right to TRUNCATE a table. Exactly
// one partition worker per table wins; the rest copy without truncating.
func (s *Store) ClaimTruncate(oid uint32) (bool, error) {
	var claimed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		var t Table
		ok, err := get(tx, bucketTables, oidKey(oid), &t)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("table %d not in catalog", oid)
		}
		if t.Truncated {
			return nil
		}
		t.Truncated = true
		claimed = true
		return put(tx, bucketTables, oidKey(oid), t)
	})
	return claimed, err
}

// RegisterPartitions stores the copy partitions for a table. Under resume,
// partitions already done are preserved.
func (s *Store) RegisterPartitions(parts []Partition, resume bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range parts {
			p := parts[i]
			key := partitionKey(p.TableOID, p.Part)
			if resume {
				var prev Partition
				ok, err := get(tx, bucketPartitions, key, &prev)
				if err != nil {
					return err
				}
				if ok && prev.Status == StatusDone {
					continue
				}
			}
			if p.Status == "" {
				p.Status = StatusPending
			}
			if err := put(tx, bucketPartitions, key, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Partitions returns the partitions of one table ordered by part number.
func (s *Store) Partitions(tableOID uint32) ([]Partition, error) {
	var parts []Partition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).ForEach(func(k, v []byte) error {
			var p Partition
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.TableOID == tableOID {
				parts = append(parts, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Part < parts[j].Part })
	return parts, nil
}

// MarkPartition transitions one partition and records copied rows or the
// failure message.
func (s *Store) MarkPartition(tableOID uint32, part int, status Status, rows int64, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := partitionKey(tableOID, part)
		var p Partition
		ok, err := get(tx, bucketPartitions, key, &p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("partition %d/%d not in catalog", tableOID, part)
		}
		p.Status = status
		p.Rows = rows
		p.Error = errMsg
		return put(tx, bucketPartitions, key, p)
	})
}

// TryFinishTable atomically marks a table done when every one of its
// partitions has completed. Returns true for exactly one caller; the
// workers racing on the table's last partitions use this to decide who
// enqueues the index jobs.
func (s *Store) TryFinishTable(tableOID uint32) (bool, error) {
	var finished bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		var t Table
		ok, err := get(tx, bucketTables, oidKey(tableOID), &t)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("table %d not in catalog", tableOID)
		}
		if t.Status == StatusDone {
			return nil
		}

		found := 0
		err = tx.Bucket(bucketPartitions).ForEach(func(k, v []byte) error {
			var p Partition
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.TableOID != tableOID {
				return nil
			}
			found++
			if p.Status != StatusDone {
				return errPartsPending
			}
			return nil
		})
		if err == errPartsPending {
			return nil
		}
		if err != nil {
			return err
		}
		if found == 0 {
			return nil
		}

		t.Status = StatusDone
		t.Error = ""
		finished = true
		return put(tx, bucketTables, oidKey(tableOID), t)
	})
	return finished, err
}

var errPartsPending = fmt.Errorf("partitions pending")

// AllPartsDone reports whether every partition of a table has completed.
func (s *Store) AllPartsDone(tableOID uint32) (bool, error) {
	parts, err := s.Partitions(tableOID)
	if err != nil {
		return false, err
	}
	if len(parts) == 0 {
		return false, nil
	}
	for _, p := range parts {
		if p.Status != StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// --- indexes and constraints ---

// RegisterIndexes stores the enumerated indexes, preserving done rows
// under resume.
func (s *Store) RegisterIndexes(indexes []Index, resume bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range indexes {
			idx := indexes[i]
			if resume {
				var prev Index
				ok, err := get(tx, bucketIndexes, oidKey(idx.OID), &prev)
				if err != nil {
					return err
				}
				if ok && prev.Status == StatusDone {
					continue
				}
			}
			if idx.Status == "" {
				idx.Status = StatusPending
			}
			if err := put(tx, bucketIndexes, oidKey(idx.OID), idx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Indexes returns all indexes.
func (s *Store) Indexes() ([]Index, error) {
	var indexes []Index
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).ForEach(func(k, v []byte) error {
			var idx Index
			if err := json.Unmarshal(v, &idx); err != nil {
				return err
			}
			indexes = append(indexes, idx)
			return nil
		})
	})
	return indexes, err
}

// IndexesForTable returns the indexes belonging to one table.
func (s *Store) IndexesForTable(tableOID uint32) ([]Index, error) {
	all, err := s.Indexes()
	if err != nil {
		return nil, err
	}
	var out []Index
	for _, idx := range all {
		if idx.TableOID == tableOID {
			out = append(out, idx)
		}
	}
	return out, nil
}

// Index fetches one index by OID.
func (s *Store) Index(oid uint32) (Index, bool, error) {
	var idx Index
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = get(tx, bucketIndexes, oidKey(oid), &idx)
		return err
	})
	return idx, found, err
}

// MarkIndex transitions one index's lifecycle flag.
func (s *Store) MarkIndex(oid uint32, status Status, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var idx Index
		ok, err := get(tx, bucketIndexes, oidKey(oid), &idx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("index %d not in catalog", oid)
		}
		idx.Status = status
		idx.Error = errMsg
		return put(tx, bucketIndexes, oidKey(oid), idx)
	})
}

// RegisterConstraints stores the enumerated constraints.
func (s *Store) RegisterConstraints(constraints []Constraint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range constraints {
			c := constraints[i]
			if c.Status == "" {
				c.Status = StatusPending
			}
			if err := put(tx, bucketConstraints, oidKey(c.OID), c); err != nil {
				return err
			}
		}
		return nil
	})
}

// Constraint fetches one constraint by OID.
func (s *Store) Constraint(oid uint32) (Constraint, bool, error) {
	var c Constraint
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = get(tx, bucketConstraints, oidKey(oid), &c)
		return err
	})
	return c, found, err
}

// Constraints returns all constraints.
func (s *Store) Constraints() ([]Constraint, error) {
	var out []Constraint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConstraints).ForEach(func(k, v []byte) error {
			var c Constraint
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// MarkConstraint transitions one constraint's lifecycle flag.
func (s *Store) MarkConstraint(oid uint32, status Status) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var c Constraint
		ok, err := get(tx, bucketConstraints, oidKey(oid), &c)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("constraint %d not in catalog", oid)
		}
		c.Status = status
		return put(tx, bucketConstraints, oidKey(oid), c)
	})
}

// --- sequences, large objects, extensions, collations, dependencies ---

// RegisterSequences stores the enumerated sequences with snapshot values.
func (s *Store) RegisterSequences(seqs []Sequence) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range seqs {
			sq := seqs[i]
			if sq.Status == "" {
				sq.Status = StatusPending
			}
			if err := put(tx, bucketSequences, oidKey(sq.OID), sq); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sequences returns all sequences.
func (s *Store) Sequences() ([]Sequence, error) {
	var out []Sequence
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSequences).ForEach(func(k, v []byte) error {
			var sq Sequence
			if err := json.Unmarshal(v, &sq); err != nil {
				return err
			}
			out = append(out, sq)
			return nil
		})
	})
	return out, err
}

// MarkSequence transitions one sequence's lifecycle flag.
func (s *Store) MarkSequence(oid uint32, status Status) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var sq Sequence
		ok, err := get(tx, bucketSequences, oidKey(oid), &sq)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("sequence %d not in catalog", oid)
		}
		sq.Status = status
		return put(tx, bucketSequences, oidKey(oid), sq)
	})
}

// RegisterLargeObjects stores the enumerated large object OIDs, preserving
// done rows under resume.
func (s *Store) RegisterLargeObjects(blobs []LargeObject, resume bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range blobs {
			b := blobs[i]
			if resume {
				var prev LargeObject
				ok, err := get(tx, bucketLargeObjects, oidKey(b.OID), &prev)
				if err != nil {
					return err
				}
				if ok && prev.Status == StatusDone {
					continue
				}
			}
			if b.Status == "" {
				b.Status = StatusPending
			}
			if err := put(tx, bucketLargeObjects, oidKey(b.OID), b); err != nil {
				return err
			}
		}
		return nil
	})
}

// LargeObjects returns all large objects.
func (s *Store) LargeObjects() ([]LargeObject, error) {
	var out []LargeObject
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLargeObjects).ForEach(func(k, v []byte) error {
			var b LargeObject
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

// MarkLargeObject transitions one large object's lifecycle flag.
func (s *Store) MarkLargeObject(oid uint32, status Status, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var b LargeObject
		ok, err := get(tx, bucketLargeObjects, oidKey(oid), &b)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("large object %d not in catalog", oid)
		}
		b.Status = status
		b.Error = errMsg
		return put(tx, bucketLargeObjects, oidKey(oid), b)
	})
}

// RegisterExtensions stores the enumerated extensions.
func (s *Store) RegisterExtensions(exts []Extension) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range exts {
			if err := put(tx, bucketExtensions, oidKey(exts[i].OID), exts[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// RegisterCollations stores the enumerated collations.
func (s *Store) RegisterCollations(colls []Collation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range colls {
			if err := put(tx, bucketCollations, oidKey(colls[i].OID), colls[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// RegisterDependEdges stores the pg_depend edge list.
func (s *Store) RegisterDependEdges(edges []DependEdge) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDepends)
		for i := range edges {
			key := []byte(fmt.Sprintf("%d/%d/%d", edges[i].ClassID, edges[i].ObjID, edges[i].RefObjID))
			data, err := json.Marshal(edges[i])
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DependEdges returns the stored dependency edges.
func (s *Store) DependEdges() ([]DependEdge, error) {
	var out []DependEdge
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDepends).ForEach(func(k, v []byte) error {
			var e DependEdge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// --- processes ---

// RegisterProcess records a live worker. One row per pid.
func (s *Store) RegisterProcess(p Process) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketProcesses, []byte(fmt.Sprintf("%d", p.PID)), p)
	})
}

// UnregisterProcess removes a worker registration.
func (s *Store) UnregisterProcess(pid int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcesses).Delete([]byte(fmt.Sprintf("%d", pid)))
	})
}

// Processes returns all live worker registrations.
func (s *Store) Processes() ([]Process, error) {
	var out []Process
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcesses).ForEach(func(k, v []byte) error {
			var p Process
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// --- statement cache ---

// StmtPut records a content-addressed statement shape.
func (s *Store) StmtPut(hash, sql string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStmtCache).Put([]byte(hash), []byte(sql))
	})
}

// StmtGet looks up a statement by its hash.
func (s *Store) StmtGet(hash string) (string, bool, error) {
	var sql string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStmtCache).Get([]byte(hash))
		if data != nil {
			found = true
			sql = string(data)
		}
		return nil
	})
	return sql, found, err
}

// StmtAll returns the whole statement cache keyed by hash.
func (s *Store) StmtAll() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStmtCache).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}
