package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/usersync/internal/database"
	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/idp"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("usersync_test"),
		postgres.WithUsername("usersync"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Не удалось получить DSN контейнера: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(dsn, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func testReport() *model.RunReport {
	started := time.Now().UTC().Truncate(time.Millisecond)
	return &model.RunReport{
		RunID:         uuid.NewString(),
		Realm:         "test",
		StartedAt:     started,
		CompletedAt:   started.Add(2 * time.Second),
		DesiredCount:  2,
		ObservedCount: 3,
		Partial: []model.PartialObservation{
			{Username: "carol", Err: idp.ErrUnavailable},
		},
		Results: []model.OperationResult{
			{Operation: model.Create(model.UserRecord{Username: "alice", Enabled: true}), Outcome: model.OutcomeApplied, Attempts: 1},
			{Operation: model.GrantRole("alice", "admin"), Outcome: model.OutcomeFailed, Err: idp.ErrRejected, Attempts: 1},
			{Operation: model.Remove("bob", model.RemoveDisable), Outcome: model.OutcomeSkipped, Reason: model.SkipAlreadyInState, Attempts: 1},
		},
	}
}

// --- Тесты RunReportRepository ---

func TestRunReportSave(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRunReportRepository(NewTxRunner(pool))

	report := testReport()
	if err := repo.Save(ctx, report); err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}

	var (
		realm           string
		applied, failed int
		partial         []string
		aborted         bool
	)
	err := pool.QueryRow(ctx,
		`SELECT realm, applied_count, failed_count, partial_users, aborted
		 FROM run_reports WHERE run_id = $1`, report.RunID,
	).Scan(&realm, &applied, &failed, &partial, &aborted)
	if err != nil {
		t.Fatalf("Ошибка чтения run_reports: %v", err)
	}
	if realm != "test" || applied != 1 || failed != 1 || aborted {
		t.Errorf("неожиданная запись: realm=%s applied=%d failed=%d aborted=%t", realm, applied, failed, aborted)
	}
	if len(partial) != 1 || partial[0] != "carol" {
		t.Errorf("partial_users = %v, хотели [carol]", partial)
	}

	rows, err := pool.Query(ctx,
		`SELECT seq, kind, outcome, reason, error FROM run_operations
		 WHERE run_id = $1 ORDER BY seq`, report.RunID)
	if err != nil {
		t.Fatalf("Ошибка чтения run_operations: %v", err)
	}
	defer rows.Close()

	type opRow struct {
		seq     int
		kind    string
		outcome string
		reason  *string
		errText *string
	}
	var ops []opRow
	for rows.Next() {
		var r opRow
		if err := rows.Scan(&r.seq, &r.kind, &r.outcome, &r.reason, &r.errText); err != nil {
			t.Fatalf("Ошибка сканирования: %v", err)
		}
		ops = append(ops, r)
	}
	if len(ops) != 3 {
		t.Fatalf("ожидалось 3 операции, получено %d", len(ops))
	}
	if ops[1].kind != "grant_role" || ops[1].outcome != "failed" || ops[1].errText == nil {
		t.Errorf("неожиданная операция 1: %+v", ops[1])
	}
	if ops[2].reason == nil || *ops[2].reason != model.SkipAlreadyInState {
		t.Errorf("ожидалась причина already-in-state: %+v", ops[2])
	}
}

func TestRunReportSave_Duplicate(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRunReportRepository(NewTxRunner(pool))

	report := testReport()
	if err := repo.Save(ctx, report); err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}

	err := repo.Save(ctx, report)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("ожидалась ErrConflict, получена: %v", err)
	}
}

func TestRunReportSave_InvalidRunID(t *testing.T) {
	repo := NewRunReportRepository(nil)

	report := testReport()
	report.RunID = "not-a-uuid"
	if err := repo.Save(context.Background(), report); err == nil {
		t.Error("ожидалась ошибка для некорректного run_id")
	}
}
