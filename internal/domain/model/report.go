package model

import "time"

// Outcome — итог выполнения одной операции.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Причины пропуска операций.
const (
	SkipAlreadyInState = "already-in-state"
	SkipRunAborted     = "run-aborted"
	SkipCreateFailed   = "create-failed"
	SkipDryRun         = "dry-run"
	// SkipUnknownUser — пользователь не найден в GitLab
	SkipUnknownUser = "unknown-user"
)

// OperationResult — результат одной операции плана.
type OperationResult struct {
	Operation Operation
	Outcome   Outcome
	// Reason — причина пропуска (для OutcomeSkipped)
	Reason string
	// Err — ошибка (для OutcomeFailed)
	Err error
	// Attempts — число выполненных вызовов Identity Provider
	Attempts int
}

// RunReport — отчёт о запуске согласования.
type RunReport struct {
	// RunID — UUID запуска
	RunID string
	// Realm — управляемый realm
	Realm string
	// DryRun — план вычислен, но не применялся
	DryRun bool
	// StartedAt — время начала
	StartedAt time.Time
	// CompletedAt — время завершения
	CompletedAt time.Time
	// Results — по одному слоту на операцию плана, в порядке плана
	Results []OperationResult
	// Partial — пользователи с неполным наблюдением ролей
	Partial []PartialObservation
	// DesiredCount, ObservedCount — размеры снимков
	DesiredCount  int
	ObservedCount int
	// Aborted — запуск прерван (отмена или потеря аутентификации)
	Aborted bool
	// AbortReason — причина прерывания
	AbortReason string
	// Memberships — изменения членства в группе GitLab (если настроено)
	Memberships []MembershipResult
	// MembershipErr — не удалось получить участников группы
	MembershipErr error
}

// Counts — агрегированные итоги.
type Counts struct {
	Applied int
	Skipped int
	Failed  int
}

// Total — общее количество операций.
func (c Counts) Total() int {
	return c.Applied + c.Skipped + c.Failed
}

// Counts подсчитывает итоги по слотам.
func (r *RunReport) Counts() Counts {
	var c Counts
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeApplied:
			c.Applied++
		case OutcomeSkipped:
			c.Skipped++
		case OutcomeFailed:
			c.Failed++
		}
	}
	return c
}

// MembershipCounts подсчитывает итоги изменений членства.
func (r *RunReport) MembershipCounts() Counts {
	var c Counts
	for _, res := range r.Memberships {
		switch res.Outcome {
		case OutcomeApplied:
			c.Applied++
		case OutcomeSkipped:
			c.Skipped++
		case OutcomeFailed:
			c.Failed++
		}
	}
	return c
}

// Completed — запуск дошёл до конца (независимо от отдельных ошибок).
func (r *RunReport) Completed() bool {
	return !r.Aborted
}

// FullSuccess — нет ни одной неуспешной операции (включая членство в группе)
// и запуск не прерван.
func (r *RunReport) FullSuccess() bool {
	return r.Completed() && r.Counts().Failed == 0 &&
		r.MembershipErr == nil && r.MembershipCounts().Failed == 0
}

// Duration — длительность запуска.
func (r *RunReport) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
