package schema

import (
	"fmt"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// SplitPolicy carries the knobs that drive same-table concurrency.
type SplitPolicy struct {
	// ThresholdBytes is the estimated table size above which splitting
	// kicks in. Zero disables splitting entirely.
	ThresholdBytes int64
	MaxParts       int
	// CTIDFallback allows physical-range splitting for tables without a
	// usable integer key.
	CTIDFallback bool
}

// KeyRange is the observed min/max of a table's split column.
type KeyRange struct {
	Min int64
	Max int64
}

// partCount returns how many partitions a table of the given size gets.
func (p SplitPolicy) partCount(estBytes int64) int {
	if p.ThresholdBytes <= 0 || estBytes <= p.ThresholdBytes {
		return 1
	}
	k := int((estBytes + p.ThresholdBytes - 1) / p.ThresholdBytes)
	if k > p.MaxParts {
		k = p.MaxParts
	}
	if k < 2 {
		k = 2
	}
	return k
}

// PlanPartitions decides how a table is sliced for copy. The returned
// partitions cover the table disjointly and totally: integer ranges over a
// not-null unique single-column key when one exists, physical ctid ranges
// when allowed, one whole-table partition otherwise. quotedKey must already
// be identifier-quoted; relPages is pg_class.relpages for the ctid split.
func PlanPartitions(t catalog.Table, policy SplitPolicy, quotedKey string, keyRange KeyRange, relPages int64) (catalog.PartitionKind, []catalog.Partition) {
	k := policy.partCount(t.EstBytes)

	if k > 1 && quotedKey != "" {
		return catalog.PartitionIntRange, intRangeParts(t.OID, k, quotedKey, keyRange)
	}
	if k > 1 && policy.CTIDFallback && relPages > 1 {
		if int64(k) > relPages {
			k = int(relPages)
		}
		return catalog.PartitionCTIDRange, ctidRangeParts(t.OID, k, relPages)
	}

	return catalog.PartitionNone, []catalog.Partition{{
		TableOID: t.OID,
		Part:     0,
		Total:    1,
	}}
}

// intRangeParts slices [min, max] into k half-open ranges. The first range
// is open below and the last open above, so rows outside the observed
// bounds at enumeration time are still covered.
func intRangeParts(tableOID uint32, k int, quotedKey string, r KeyRange) []catalog.Partition {
	span := r.Max - r.Min + 1
	if int64(k) > span {
		k = int(span)
	}
	if k < 2 {
		return []catalog.Partition{{TableOID: tableOID, Part: 0, Total: 1}}
	}

	step := span / int64(k)
	parts := make([]catalog.Partition, 0, k)
	for i := 0; i < k; i++ {
		lo := r.Min + int64(i)*step
		hi := lo + step
		var pred string
		switch {
		case i == 0:
			pred = fmt.Sprintf("%s < %d", quotedKey, hi)
		case i == k-1:
			pred = fmt.Sprintf("%s >= %d", quotedKey, lo)
		default:
			pred = fmt.Sprintf("%s >= %d AND %s < %d", quotedKey, lo, quotedKey, hi)
		}
		parts = append(parts, catalog.Partition{
			TableOID:  tableOID,
			Part:      i,
			Total:     k,
			Predicate: pred,
		})
	}
	return parts
}

// ctidRangeParts slices the physical page range into k pieces. The last
// range is open above so pages added after enumeration are still covered.
func ctidRangeParts(tableOID uint32, k int, relPages int64) []catalog.Partition {
	step := relPages / int64(k)
	if step < 1 {
		step = 1
	}
	parts := make([]catalog.Partition, 0, k)
	for i := 0; i < k; i++ {
		loPage := int64(i) * step
		hiPage := loPage + step
		var pred string
		if i == k-1 {
			pred = fmt.Sprintf("ctid >= '(%d,0)'", loPage)
		} else {
			pred = fmt.Sprintf("ctid >= '(%d,0)' AND ctid < '(%d,0)'", loPage, hiPage)
		}
		parts = append(parts, catalog.Partition{
			TableOID:  tableOID,
			Part:      i,
			Total:     k,
			Predicate: pred,
		})
	}
	return parts
}
