// nextcloud.go — чтение таблицы Nextcloud Tables через HTTP API.
// Схема таблицы: GET /ocs/v2.php/apps/tables/api/2/tables/scheme/{id} (OCS).
// Строки: GET /index.php/apps/tables/api/1/tables/{id}/rows.
// Аутентификация — HTTP Basic (пользователь + пароль приложения).
package tablestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Типы колонок Nextcloud Tables.
const (
	columnTypeText      = "text"
	columnTypeNumber    = "number"
	columnTypeSelection = "selection"

	selectionSingle = ""
	selectionMulti  = "multi"
	selectionCheck  = "check"
)

type ocsSchemeResponse struct {
	OCS struct {
		Data tableScheme `json:"data"`
	} `json:"ocs"`
}

type tableScheme struct {
	Title   string         `json:"title"`
	Columns []columnScheme `json:"columns"`
}

type columnScheme struct {
	ID               int64             `json:"id"`
	Title            string            `json:"title"`
	Type             string            `json:"type"`
	Subtype          string            `json:"subtype"`
	SelectionOptions []selectionOption `json:"selectionOptions"`
}

type selectionOption struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

type tableRow struct {
	ID   int64       `json:"id"`
	Data []cellValue `json:"data"`
}

type cellValue struct {
	ColumnID int64           `json:"columnId"`
	Value    json.RawMessage `json:"value"`
}

// Nextcloud — Reader для Nextcloud Tables.
type Nextcloud struct {
	baseURL    string
	username   string
	password   string
	tableID    int64
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNextcloud создаёт Reader таблицы tableID на сервере baseURL.
func NewNextcloud(baseURL, username, password string, tableID int64, httpClient *http.Client, logger *slog.Logger) *Nextcloud {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Nextcloud{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		tableID:    tableID,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "nextcloud_tables")),
	}
}

// Source возвращает описание источника.
func (n *Nextcloud) Source() string {
	return fmt.Sprintf("nextcloud:%s/tables/%d", n.baseURL, n.tableID)
}

// ReadRows читает схему и строки таблицы и преобразует ячейки по типам колонок.
func (n *Nextcloud) ReadRows(ctx context.Context) ([]Row, error) {
	var scheme ocsSchemeResponse
	schemeURL := fmt.Sprintf("%s/ocs/v2.php/apps/tables/api/2/tables/scheme/%d", n.baseURL, n.tableID)
	if err := n.getJSON(ctx, schemeURL, &scheme); err != nil {
		return nil, fmt.Errorf("схема таблицы: %w", err)
	}

	var rows []tableRow
	rowsURL := fmt.Sprintf("%s/index.php/apps/tables/api/1/tables/%d/rows", n.baseURL, n.tableID)
	if err := n.getJSON(ctx, rowsURL, &rows); err != nil {
		return nil, fmt.Errorf("строки таблицы: %w", err)
	}

	columns := make(map[int64]columnScheme, len(scheme.OCS.Data.Columns))
	for _, c := range scheme.OCS.Data.Columns {
		columns[c.ID] = c
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		row := make(Row, len(r.Data))
		for _, cell := range r.Data {
			col, ok := columns[cell.ColumnID]
			if !ok {
				continue
			}
			value, ok := convertCell(col, cell.Value)
			if !ok {
				n.logger.Debug("Ячейка пропущена: неподдерживаемый тип",
					slog.Int64("row_id", r.ID),
					slog.String("column", col.Title),
					slog.String("type", col.Type+"/"+col.Subtype),
				)
				continue
			}
			row[col.Title] = value
		}
		out = append(out, row)
	}

	n.logger.Debug("Таблица Nextcloud прочитана",
		slog.String("title", scheme.OCS.Data.Title),
		slog.Int("columns", len(columns)),
		slog.Int("rows", len(out)),
	)

	return out, nil
}

// convertCell преобразует значение ячейки по схеме колонки.
// Single selection → метка варианта, multi → список меток, check → bool.
func convertCell(col columnScheme, raw json.RawMessage) (any, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}

	switch col.Type {
	case columnTypeText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		return s, true

	case columnTypeNumber:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, false
		}
		if f == float64(int64(f)) {
			return int64(f), true
		}
		return f, true

	case columnTypeSelection:
		switch col.Subtype {
		case selectionCheck:
			// Значение хранится строкой "true"/"false"
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				var b bool
				if err := json.Unmarshal(raw, &b); err != nil {
					return nil, false
				}
				return b, true
			}
			switch s {
			case "true":
				return true, true
			case "false":
				return false, true
			}
			return nil, false

		case selectionSingle:
			var id int64
			if err := json.Unmarshal(raw, &id); err != nil {
				return nil, false
			}
			label, ok := col.optionLabel(id)
			return label, ok

		case selectionMulti:
			var ids []int64
			if err := json.Unmarshal(raw, &ids); err != nil {
				return nil, false
			}
			labels := make([]string, 0, len(ids))
			for _, id := range ids {
				if label, ok := col.optionLabel(id); ok {
					labels = append(labels, label)
				}
			}
			return labels, true
		}
	}

	return nil, false
}

func (c columnScheme) optionLabel(id int64) (string, bool) {
	for _, o := range c.SelectionOptions {
		if o.ID == id {
			return o.Label, true
		}
	}
	return "", false
}

// getJSON выполняет GET с Basic-аутентификацией и декодирует JSON.
func (n *Nextcloud) getJSON(ctx context.Context, url string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	req.SetBasicAuth(n.username, n.password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OCS-APIRequest", "true")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос к Nextcloud: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("Nextcloud вернул статус %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("декодирование ответа Nextcloud: %w", err)
	}
	return nil
}
