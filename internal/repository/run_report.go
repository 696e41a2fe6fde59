package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/bigkaa/usersync/internal/domain/model"
)

// RunReportRepository — архив отчётов о запусках (таблицы run_reports, run_operations).
type RunReportRepository interface {
	// Save сохраняет отчёт и результаты всех операций в одной транзакции.
	Save(ctx context.Context, report *model.RunReport) error
}

// runReportRepo — реализация RunReportRepository.
type runReportRepo struct {
	tx *TxRunner
}

// NewRunReportRepository создаёт репозиторий архива отчётов.
func NewRunReportRepository(tx *TxRunner) RunReportRepository {
	return &runReportRepo{tx: tx}
}

func (r *runReportRepo) Save(ctx context.Context, report *model.RunReport) error {
	parsed, err := uuid.Parse(report.RunID)
	if err != nil {
		return fmt.Errorf("некорректный run_id %q: %w", report.RunID, err)
	}
	runID := pgtype.UUID{Bytes: parsed, Valid: true}

	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if err := insertRunReport(ctx, tx, runID, report); err != nil {
			return err
		}
		return insertRunOperations(ctx, tx, runID, report)
	})
}

func insertRunReport(ctx context.Context, db DBTX, runID pgtype.UUID, report *model.RunReport) error {
	query := `
		INSERT INTO run_reports (
			run_id, realm, dry_run, started_at, completed_at,
			desired_count, observed_count,
			applied_count, skipped_count, failed_count,
			partial_users, aborted, abort_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	partial := make([]string, 0, len(report.Partial))
	for _, p := range report.Partial {
		partial = append(partial, p.Username)
	}

	counts := report.Counts()
	_, err := db.Exec(ctx, query,
		runID, report.Realm, report.DryRun, report.StartedAt, report.CompletedAt,
		report.DesiredCount, report.ObservedCount,
		counts.Applied, counts.Skipped, counts.Failed,
		partial, report.Aborted, nullIfEmpty(report.AbortReason),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("отчёт %s: %w", report.RunID, ErrConflict)
		}
		return fmt.Errorf("ошибка сохранения отчёта %s: %w", report.RunID, err)
	}
	return nil
}

func insertRunOperations(ctx context.Context, db DBTX, runID pgtype.UUID, report *model.RunReport) error {
	if len(report.Results) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(report.Results))
	for i, res := range report.Results {
		var errText *string
		if res.Err != nil {
			s := res.Err.Error()
			errText = &s
		}
		rows = append(rows, []any{
			runID,
			int32(i),
			res.Operation.Kind.String(),
			res.Operation.Username,
			res.Operation.Detail(),
			res.Outcome.String(),
			nullIfEmpty(res.Reason),
			errText,
			int32(res.Attempts),
		})
	}

	_, err := db.CopyFrom(ctx,
		pgx.Identifier{"run_operations"},
		[]string{"run_id", "seq", "kind", "username", "detail", "outcome", "reason", "error", "attempts"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения операций отчёта %s: %w", report.RunID, err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
