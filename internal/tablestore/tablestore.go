// Пакет tablestore — чтение строк из внешних табличных хранилищ:
// Nextcloud Tables, PostgreSQL, SQLite.
// Reader возвращает строки как отображение «имя колонки → значение»;
// сопоставление колонок с полями пользователя выполняет пакет desired.
package tablestore

import (
	"context"
	"fmt"
	"strconv"
)

// Row — одна строка таблицы.
// Значения нормализованы к string, bool, int64, float64, []string или nil.
type Row map[string]any

// Reader читает все строки таблицы.
type Reader interface {
	ReadRows(ctx context.Context) ([]Row, error)
	// Source — описание источника для логов
	Source() string
}

// normalizeValue приводит значение драйвера к одному из типов Row.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool, int64, float64, []string:
		return val
	case []byte:
		return string(val)
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			switch s := normalizeValue(item).(type) {
			case nil:
			case string:
				out = append(out, s)
			case int64:
				out = append(out, strconv.FormatInt(s, 10))
			default:
				out = append(out, fmt.Sprint(s))
			}
		}
		return out
	default:
		return fmt.Sprint(val)
	}
}
