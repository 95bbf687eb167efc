package clone

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/snapshot"
)

// SequenceResetter sets every target sequence to its source value as read
// under the shared snapshot. Identity-column sequences flow through the
// same path; they are ordinary sequences in the catalog.
type SequenceResetter struct {
	store    *catalog.Store
	snapshot string
	logger   zerolog.Logger
}

// NewSequenceResetter creates a SequenceResetter.
func NewSequenceResetter(store *catalog.Store, snapshotName string, logger zerolog.Logger) *SequenceResetter {
	return &SequenceResetter{
		store:    store,
		snapshot: snapshotName,
		logger:   logger.With().Str("component", "sequences").Logger(),
	}
}

// Run reads each sequence's value on the source and applies it on the
// target. Setting is unconditional, so reruns are harmless.
func (r *SequenceResetter) Run(ctx context.Context, source, target *pgx.Conn) error {
	seqs, err := r.store.Sequences()
	if err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}

	srcTx, err := source.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin source tx: %w", err)
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	if err := snapshot.Attach(ctx, srcTx, r.snapshot); err != nil {
		return err
	}

	for _, seq := range seqs {
		qn := quoteQualified(seq.Schema, seq.Name)

		var lastValue int64
		var isCalled bool
		q := fmt.Sprintf("SELECT last_value, is_called FROM %s", qn)
		if err := srcTx.QueryRow(ctx, q).Scan(&lastValue, &isCalled); err != nil {
			return fmt.Errorf("read sequence %s: %w", seq.QualifiedName(), err)
		}

		if _, err := target.Exec(ctx, "SELECT pg_catalog.setval($1, $2, $3)",
			seq.QualifiedName(), lastValue, isCalled); err != nil {
			return fmt.Errorf("set sequence %s: %w", seq.QualifiedName(), err)
		}

		seq.LastValue = lastValue
		seq.IsCalled = isCalled
		if err := r.store.RegisterSequences([]catalog.Sequence{seq}); err != nil {
			return err
		}
		if err := r.store.MarkSequence(seq.OID, catalog.StatusDone); err != nil {
			return err
		}
		r.logger.Debug().Str("sequence", seq.QualifiedName()).Int64("value", lastValue).Msg("sequence reset")
	}

	r.logger.Info().Int("sequences", len(seqs)).Msg("sequences reset")
	return nil
}
