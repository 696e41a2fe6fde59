// sqlite.go — чтение таблицы SQLite (драйвер modernc.org/sqlite, без cgo).
package tablestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenSQLite открывает файл базы SQLite.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("открытие SQLite %s: %w", path, err)
	}
	return db, nil
}

// SQLite — Reader для таблицы SQLite.
type SQLite struct {
	db    *sql.DB
	table string
}

// NewSQLite создаёт Reader таблицы table.
func NewSQLite(db *sql.DB, table string) *SQLite {
	return &SQLite{db: db, table: table}
}

// Source возвращает описание источника.
func (s *SQLite) Source() string {
	return "sqlite:" + s.table
}

// ReadRows читает все строки таблицы.
func (s *SQLite) ReadRows(ctx context.Context) ([]Row, error) {
	query := "SELECT * FROM " + quoteIdent(s.table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("чтение таблицы %s: %w", s.table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("колонки таблицы %s: %w", s.table, err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("чтение строки таблицы %s: %w", s.table, err)
		}
		row := make(Row, len(columns))
		for i, name := range columns {
			row[name] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("чтение таблицы %s: %w", s.table, err)
	}

	return out, nil
}

// quoteIdent экранирует идентификатор SQLite.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
