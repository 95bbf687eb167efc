package clone

import (
	"testing"

	"github.com/jfoltran/pgclone/internal/catalog"
)

func TestPromoteConstraintSQL(t *testing.T) {
	tests := []struct {
		name       string
		schema     string
		table      string
		constraint string
		kind       catalog.ConstraintKind
		index      string
		want       string
	}{
		{
			name:       "primary key",
			schema:     "public",
			table:      "rental",
			constraint: "rental_pkey",
			kind:       catalog.ConstraintPrimary,
			index:      "rental_pkey",
			want:       `ALTER TABLE "public"."rental" ADD CONSTRAINT "rental_pkey" PRIMARY KEY USING INDEX "rental_pkey"`,
		},
		{
			name:       "unique",
			schema:     "sales",
			table:      "invoice",
			constraint: "invoice_number_key",
			kind:       catalog.ConstraintUnique,
			index:      "invoice_number_idx",
			want:       `ALTER TABLE "sales"."invoice" ADD CONSTRAINT "invoice_number_key" UNIQUE USING INDEX "invoice_number_idx"`,
		},
		{
			name:       "quoted identifiers",
			schema:     "public",
			table:      `odd"name`,
			constraint: "c",
			kind:       catalog.ConstraintUnique,
			index:      "i",
			want:       `ALTER TABLE "public"."odd""name" ADD CONSTRAINT "c" UNIQUE USING INDEX "i"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PromoteConstraintSQL(tt.schema, tt.table, tt.constraint, tt.kind, tt.index)
			if got != tt.want {
				t.Errorf("PromoteConstraintSQL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQuoteQualified(t *testing.T) {
	if got := quoteQualified("public", "actor"); got != `"public"."actor"` {
		t.Errorf("quoteQualified = %q", got)
	}
	if got := quoteIdent(`a"b`); got != `"a""b"` {
		t.Errorf("quoteIdent = %q", got)
	}
}
