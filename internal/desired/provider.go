// Пакет desired — источники желаемого состояния пользователей.
// Provider возвращает нормализованный снимок; обе реализации (файл и таблица)
// применяют одинаковые правила: username обрезается по краям пробелов,
// регистр не меняется, повторный username — ошибка.
package desired

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bigkaa/usersync/internal/domain/model"
)

// Ошибки источника желаемого состояния. Обе фатальны для запуска.
var (
	// ErrSourceUnavailable — источник недоступен (I/O, сеть).
	ErrSourceUnavailable = errors.New("источник желаемого состояния недоступен")
	// ErrSourceMalformed — нарушение схемы источника.
	ErrSourceMalformed = errors.New("источник желаемого состояния некорректен")
)

// Provider — источник желаемого состояния.
type Provider interface {
	FetchDesired(ctx context.Context) (*model.UserSnapshot, error)
}

// malformed формирует ошибку ErrSourceMalformed с контекстом.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSourceMalformed, fmt.Sprintf(format, args...))
}

// normalizeUsername обрезает пробелы по краям. Регистр сохраняется.
func normalizeUsername(s string) string {
	return strings.TrimSpace(s)
}

// addRecord добавляет запись в снимок; повторный username — ErrSourceMalformed.
func addRecord(snapshot *model.UserSnapshot, rec model.UserRecord, where string) error {
	if err := snapshot.Add(rec); err != nil {
		var dup *model.ErrDuplicateUsername
		if errors.As(err, &dup) {
			return malformed("%s: %v", where, err)
		}
		return err
	}
	return nil
}
