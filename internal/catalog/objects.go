package catalog

import (
	"fmt"
	"time"
)

// Status tracks the lifecycle of a source object through the run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// PartitionKind says how a table was split for same-table concurrency.
type PartitionKind string

const (
	// PartitionNone means the table is copied as a single job.
	PartitionNone PartitionKind = "none"
	// PartitionIntRange splits on a not-null unique integer column.
	PartitionIntRange PartitionKind = "int_range"
	// PartitionCTIDRange splits on physical row addresses.
	PartitionCTIDRange PartitionKind = "ctid_range"
)

// Table is one ordinary or partitioned table found at enumeration.
type Table struct {
	OID         uint32 `json:"oid"`
	Schema      string `json:"schema"`
	Name        string `json:"name"`
	RestoreName string `json:"restore_name"`
	EstRows     int64  `json:"est_rows"`
	EstBytes    int64  `json:"est_bytes"`

	// PartKey is the split column when Kind is int_range.
	Kind      PartitionKind `json:"part_kind"`
	PartKey   string        `json:"part_key,omitempty"`
	PartCount int           `json:"part_count"`

	// Truncated is set by the first copy worker to claim the table.
	Truncated bool   `json:"truncated"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
}

// QualifiedName returns schema.table with no quoting.
func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// Partition is one copy job slice of a table.
type Partition struct {
	TableOID  uint32 `json:"table_oid"`
	Part      int    `json:"part"`
	Total     int    `json:"total"`
	Predicate string `json:"predicate,omitempty"` // WHERE clause body, empty for whole table
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	Rows      int64  `json:"rows"`
}

// Index is one index belonging to a table.
type Index struct {
	OID         uint32 `json:"oid"`
	TableOID    uint32 `json:"table_oid"`
	Schema      string `json:"schema"`
	Name        string `json:"name"`
	RestoreName string `json:"restore_name"`
	Def         string `json:"def"` // full CREATE INDEX statement
	IsUnique    bool   `json:"is_unique"`
	IsPrimary   bool   `json:"is_primary"`

	// ConstraintOID is non-zero when the index backs a constraint.
	ConstraintOID uint32 `json:"constraint_oid,omitempty"`
	Status        Status `json:"status"`
	Error         string `json:"error,omitempty"`
}

// ConstraintKind mirrors pg_constraint.contype.
type ConstraintKind string

const (
	ConstraintPrimary   ConstraintKind = "p"
	ConstraintUnique    ConstraintKind = "u"
	ConstraintExclusion ConstraintKind = "x"
	ConstraintForeign   ConstraintKind = "f"
	ConstraintCheck     ConstraintKind = "c"
)

// Constraint is one constraint backed by an index.
type Constraint struct {
	OID      uint32         `json:"oid"`
	IndexOID uint32         `json:"index_oid"`
	TableOID uint32         `json:"table_oid"`
	Name     string         `json:"name"`
	Kind     ConstraintKind `json:"kind"`
	Def      string         `json:"def"`
	Status   Status         `json:"status"`
}

// Sequence is one sequence with its value as read under the snapshot.
type Sequence struct {
	OID       uint32 `json:"oid"`
	Schema    string `json:"schema"`
	Name      string `json:"name"`
	LastValue int64  `json:"last_value"`
	IsCalled  bool   `json:"is_called"`
	Status    Status `json:"status"`
}

// QualifiedName returns schema.sequence with no quoting.
func (s Sequence) QualifiedName() string {
	return s.Schema + "." + s.Name
}

// LargeObject is one large object to copy by OID.
type LargeObject struct {
	OID    uint32 `json:"oid"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Extension is recorded for post-data filtering; installation is delegated
// to the schema restore.
type Extension struct {
	OID  uint32 `json:"oid"`
	Name string `json:"name"`
}

// Collation is recorded for post-data filtering.
type Collation struct {
	OID    uint32 `json:"oid"`
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// DependEdge is one pg_depend edge used to filter the post-data archive.
type DependEdge struct {
	ClassID  uint32 `json:"class_id"`
	ObjID    uint32 `json:"obj_id"`
	RefObjID uint32 `json:"ref_obj_id"`
	DepType  string `json:"dep_type"`
}

// Process is a live worker registration.
type Process struct {
	PID       int       `json:"pid"`
	Role      string    `json:"role"`
	StartedAt time.Time `json:"started_at"`
}

// partitionKey builds the composite bucket key for a partition.
func partitionKey(tableOID uint32, part int) []byte {
	return []byte(fmt.Sprintf("%010d/%04d", tableOID, part))
}
