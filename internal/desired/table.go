// table.go — TableProvider: желаемое состояние из табличного хранилища.
package desired

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/tablestore"
)

// Columns — имена колонок таблицы, сопоставляемые полям UserRecord.
type Columns struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	Enabled   string
	Roles     string
}

// DefaultColumns — контракт колонок по умолчанию.
func DefaultColumns() Columns {
	return Columns{
		Username:  "username",
		Email:     "email",
		FirstName: "first_name",
		LastName:  "last_name",
		Enabled:   "enabled",
		Roles:     "roles",
	}
}

// withDefaults заполняет незаданные имена колонок значениями по умолчанию.
func (c Columns) withDefaults() Columns {
	d := DefaultColumns()
	if c.Username == "" {
		c.Username = d.Username
	}
	if c.Email == "" {
		c.Email = d.Email
	}
	if c.FirstName == "" {
		c.FirstName = d.FirstName
	}
	if c.LastName == "" {
		c.LastName = d.LastName
	}
	if c.Enabled == "" {
		c.Enabled = d.Enabled
	}
	if c.Roles == "" {
		c.Roles = d.Roles
	}
	return c
}

// TableProvider — источник желаемого состояния из таблицы.
type TableProvider struct {
	reader      tablestore.Reader
	columns     Columns
	emailDomain string
	logger      *slog.Logger
}

// TableOption — дополнительная настройка TableProvider.
type TableOption func(*TableProvider)

// WithColumns переопределяет имена колонок.
func WithColumns(c Columns) TableOption {
	return func(p *TableProvider) {
		p.columns = c.withDefaults()
	}
}

// WithEmailDomain задаёт домен для email по умолчанию: username@domain,
// если ячейка email пуста.
func WithEmailDomain(domain string) TableOption {
	return func(p *TableProvider) {
		p.emailDomain = strings.TrimPrefix(domain, "@")
	}
}

// NewTableProvider создаёт TableProvider.
func NewTableProvider(reader tablestore.Reader, logger *slog.Logger, opts ...TableOption) *TableProvider {
	p := &TableProvider{
		reader:  reader,
		columns: DefaultColumns(),
		logger:  logger.With(slog.String("component", "table_provider")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchDesired читает строки таблицы и сопоставляет их с UserRecord.
// Строки с пустым username пропускаются с предупреждением.
func (p *TableProvider) FetchDesired(ctx context.Context) (*model.UserSnapshot, error) {
	rows, err := p.reader.ReadRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, p.reader.Source(), err)
	}

	snapshot := model.NewUserSnapshot()
	skipped := 0
	for i, row := range rows {
		where := fmt.Sprintf("%s: строка %d", p.reader.Source(), i+1)

		rec, ok, err := p.parseRow(row, where)
		if err != nil {
			return nil, err
		}
		if !ok {
			skipped++
			p.logger.Warn("Строка без username пропущена",
				slog.Int("row", i+1),
			)
			continue
		}
		if err := addRecord(snapshot, rec, where); err != nil {
			return nil, err
		}
	}

	p.logger.Info("Желаемое состояние загружено",
		slog.String("source", p.reader.Source()),
		slog.Int("users", snapshot.Len()),
		slog.Int("skipped_rows", skipped),
	)
	return snapshot, nil
}

// parseRow сопоставляет строку с UserRecord. ok=false — пустой username.
func (p *TableProvider) parseRow(row tablestore.Row, where string) (model.UserRecord, bool, error) {
	var username string
	switch v := row[p.columns.Username].(type) {
	case nil:
	case string:
		username = normalizeUsername(v)
	default:
		return model.UserRecord{}, false, malformed("%s: %s должен быть строкой, получено %v", where, p.columns.Username, v)
	}
	if username == "" {
		return model.UserRecord{}, false, nil
	}
	where = fmt.Sprintf("%s (%s)", where, username)

	rec := model.UserRecord{
		Username: username,
		Enabled:  true,
		Roles:    model.RoleSet{},
	}

	var err error
	if rec.Email, err = cellString(row, p.columns.Email, where); err != nil {
		return model.UserRecord{}, false, err
	}
	if (rec.Email == nil || *rec.Email == "") && p.emailDomain != "" {
		rec.Email = model.StringPtr(username + "@" + p.emailDomain)
	}
	if rec.FirstName, err = cellString(row, p.columns.FirstName, where); err != nil {
		return model.UserRecord{}, false, err
	}
	if rec.LastName, err = cellString(row, p.columns.LastName, where); err != nil {
		return model.UserRecord{}, false, err
	}

	if rec.Enabled, err = cellBool(row, p.columns.Enabled, where); err != nil {
		return model.UserRecord{}, false, err
	}

	if rec.Roles, err = cellRoles(row, p.columns.Roles, where); err != nil {
		return model.UserRecord{}, false, err
	}

	return rec, true, nil
}

// cellString возвращает строковую ячейку; NULL или отсутствие — nil.
func cellString(row tablestore.Row, column, where string) (*string, error) {
	switch v := row[column].(type) {
	case nil:
		return nil, nil
	case string:
		return &v, nil
	default:
		return nil, malformed("%s: %s должен быть строкой, получено %v", where, column, v)
	}
}

// cellBool разбирает ячейку enabled. Допустимы bool, 0/1 и "true"/"false";
// NULL или пустая строка — true.
func cellBool(row tablestore.Row, column, where string) (bool, error) {
	switch v := row[column].(type) {
	case nil:
		return true, nil
	case bool:
		return v, nil
	case int64:
		switch v {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "":
			return true, nil
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	}
	return false, malformed("%s: %s должен быть boolean, получено %v", where, column, row[column])
}

// cellRoles разбирает ячейку ролей: список или строка через запятую.
func cellRoles(row tablestore.Row, column, where string) (model.RoleSet, error) {
	roles := model.RoleSet{}
	switch v := row[column].(type) {
	case nil:
	case []string:
		for _, r := range v {
			if r = strings.TrimSpace(r); r != "" {
				roles.Add(r)
			}
		}
	case string:
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles.Add(r)
			}
		}
	default:
		return nil, malformed("%s: %s должен быть списком строк, получено %v", where, column, v)
	}
	return roles, nil
}
