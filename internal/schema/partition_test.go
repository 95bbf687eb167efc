package schema

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jfoltran/pgclone/internal/catalog"
)

func TestPartCount(t *testing.T) {
	tests := []struct {
		name     string
		policy   SplitPolicy
		estBytes int64
		want     int
	}{
		{"split disabled", SplitPolicy{MaxParts: 8}, 1 << 30, 1},
		{"below threshold", SplitPolicy{ThresholdBytes: 1 << 20, MaxParts: 8}, 1 << 19, 1},
		{"just above threshold", SplitPolicy{ThresholdBytes: 1 << 20, MaxParts: 8}, 1<<20 + 1, 2},
		{"capped by max parts", SplitPolicy{ThresholdBytes: 1 << 20, MaxParts: 4}, 100 << 20, 4},
		{"rental at 200kB", SplitPolicy{ThresholdBytes: 200 * 1024, MaxParts: 8}, 1200 * 1024, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.partCount(tt.estBytes); got != tt.want {
				t.Errorf("partCount(%d) = %d, want %d", tt.estBytes, got, tt.want)
			}
		})
	}
}

func TestPlanPartitionsIntRange(t *testing.T) {
	tbl := catalog.Table{OID: 42, Schema: "public", Name: "rental", EstBytes: 1200 * 1024}
	policy := SplitPolicy{ThresholdBytes: 200 * 1024, MaxParts: 8}

	kind, parts := PlanPartitions(tbl, policy, `"rental_id"`, KeyRange{Min: 1, Max: 16000}, 150)
	if kind != catalog.PartitionIntRange {
		t.Fatalf("kind = %s, want int_range", kind)
	}
	if len(parts) < 2 {
		t.Fatalf("got %d parts, want >= 2", len(parts))
	}

	// part numbers 0-based contiguous, total consistent
	for i, p := range parts {
		if p.Part != i {
			t.Errorf("part[%d].Part = %d", i, p.Part)
		}
		if p.Total != len(parts) {
			t.Errorf("part[%d].Total = %d, want %d", i, p.Total, len(parts))
		}
		if p.TableOID != 42 {
			t.Errorf("part[%d].TableOID = %d", i, p.TableOID)
		}
	}

	// coverage: first open below, last open above, interior contiguous
	if !strings.HasPrefix(parts[0].Predicate, `"rental_id" < `) {
		t.Errorf("first predicate %q not open below", parts[0].Predicate)
	}
	last := parts[len(parts)-1].Predicate
	if strings.Contains(last, " AND ") || !strings.HasPrefix(last, `"rental_id" >= `) {
		t.Errorf("last predicate %q not open above", last)
	}
	for i := 0; i < len(parts)-1; i++ {
		var hi int64
		cur := parts[i].Predicate
		if _, err := fmt.Sscanf(cur[strings.LastIndex(cur, "< ")+2:], "%d", &hi); err != nil {
			t.Fatalf("parse upper bound of %q: %v", cur, err)
		}
		next := parts[i+1].Predicate
		wantLo := fmt.Sprintf(`"rental_id" >= %d`, hi)
		if !strings.HasPrefix(next, wantLo) {
			t.Errorf("part %d starts %q, want prefix %q (no gap, no overlap)", i+1, next, wantLo)
		}
	}
}

func TestPlanPartitionsTinyKeyRange(t *testing.T) {
	// Fewer distinct key values than requested parts collapses the plan.
	tbl := catalog.Table{OID: 1, EstBytes: 10 << 20}
	policy := SplitPolicy{ThresholdBytes: 1 << 20, MaxParts: 8}

	kind, parts := PlanPartitions(tbl, policy, `"id"`, KeyRange{Min: 5, Max: 5}, 0)
	if kind != catalog.PartitionIntRange {
		t.Fatalf("kind = %s", kind)
	}
	if len(parts) != 1 || parts[0].Predicate != "" {
		t.Errorf("single-value key range should yield one whole-table part, got %+v", parts)
	}
}

func TestPlanPartitionsCTIDFallback(t *testing.T) {
	tbl := catalog.Table{OID: 7, EstBytes: 10 << 20}
	policy := SplitPolicy{ThresholdBytes: 1 << 20, MaxParts: 4, CTIDFallback: true}

	kind, parts := PlanPartitions(tbl, policy, "", KeyRange{}, 1000)
	if kind != catalog.PartitionCTIDRange {
		t.Fatalf("kind = %s, want ctid_range", kind)
	}
	if len(parts) != 4 {
		t.Fatalf("got %d parts, want 4", len(parts))
	}
	if parts[0].Predicate != "ctid >= '(0,0)' AND ctid < '(250,0)'" {
		t.Errorf("first ctid predicate = %q", parts[0].Predicate)
	}
	if parts[3].Predicate != "ctid >= '(750,0)'" {
		t.Errorf("last ctid predicate = %q", parts[3].Predicate)
	}
}

func TestPlanPartitionsNoSplitPath(t *testing.T) {
	tbl := catalog.Table{OID: 9, EstBytes: 10 << 20}

	// no key, no ctid fallback
	kind, parts := PlanPartitions(tbl, SplitPolicy{ThresholdBytes: 1 << 20, MaxParts: 4}, "", KeyRange{}, 1000)
	if kind != catalog.PartitionNone || len(parts) != 1 {
		t.Errorf("kind=%s parts=%d, want none/1", kind, len(parts))
	}
	if parts[0].Predicate != "" {
		t.Errorf("whole-table part has predicate %q", parts[0].Predicate)
	}
}
