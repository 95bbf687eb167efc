package clone

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// VacuumAnalyze runs VACUUM ANALYZE over every copied table so the target
// starts with fresh statistics. Failures are logged and skipped; stale
// statistics are not worth failing the run over.
func VacuumAnalyze(ctx context.Context, target *pgx.Conn, store *catalog.Store, logger zerolog.Logger) error {
	log := logger.With().Str("component", "vacuum").Logger()

	tables, err := store.Tables()
	if err != nil {
		return err
	}

	done := 0
	for _, t := range tables {
		if t.Status != catalog.StatusDone {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stmt := fmt.Sprintf("VACUUM ANALYZE %s", quoteQualified(t.Schema, t.Name))
		if _, err := target.Exec(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("table", t.QualifiedName()).Msg("vacuum analyze failed")
			continue
		}
		done++
	}
	log.Info().Int("tables", done).Msg("vacuum analyze complete")
	return nil
}
