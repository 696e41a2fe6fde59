// postgres.go — чтение таблицы PostgreSQL через pgxpool.
package tablestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres — Reader для таблицы (или представления) PostgreSQL.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres создаёт Reader. table — имя таблицы, допускается schema.table.
func NewPostgres(pool *pgxpool.Pool, table string) *Postgres {
	return &Postgres{pool: pool, table: table}
}

// Source возвращает описание источника.
func (p *Postgres) Source() string {
	return "postgres:" + p.table
}

// ReadRows читает все строки таблицы.
func (p *Postgres) ReadRows(ctx context.Context) ([]Row, error) {
	ident := pgx.Identifier(strings.Split(p.table, "."))
	query := "SELECT * FROM " + ident.Sanitize()

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("чтение таблицы %s: %w", p.table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()

	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("чтение строки таблицы %s: %w", p.table, err)
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			row[f.Name] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("чтение таблицы %s: %w", p.table, err)
	}

	return out, nil
}
