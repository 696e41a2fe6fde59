// file.go — FileProvider: желаемое состояние из документа JSON или YAML.
//
// Формат:
//
//	users:
//	  - username: alice          # обязательный
//	    email: alice@example.org # необязательные строки
//	    firstName: Alice
//	    lastName: Liddell
//	    enabled: true            # необязательный bool, по умолчанию true
//	    roles: [admin, viewer]   # необязательный список строк
//
// JSON — подмножество YAML, поэтому оба формата читаются gopkg.in/yaml.v3.
package desired

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/bigkaa/usersync/internal/domain/model"
)

// Допустимые ключи записи пользователя.
var fileEntryKeys = map[string]bool{
	"username":  true,
	"email":     true,
	"firstName": true,
	"lastName":  true,
	"enabled":   true,
	"roles":     true,
}

// FileProvider — источник желаемого состояния из документа.
type FileProvider struct {
	doc    DocumentReader
	logger *slog.Logger
}

// NewFileProvider создаёт FileProvider.
func NewFileProvider(doc DocumentReader, logger *slog.Logger) *FileProvider {
	return &FileProvider{
		doc:    doc,
		logger: logger.With(slog.String("component", "file_provider")),
	}
}

// FetchDesired читает и проверяет документ.
func (p *FileProvider) FetchDesired(ctx context.Context) (*model.UserSnapshot, error) {
	data, err := p.doc.ReadDocument(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.doc.Location(), err)
	}

	p.logger.Info("Желаемое состояние загружено",
		slog.String("source", p.doc.Location()),
		slog.Int("users", snapshot.Len()),
	)
	return snapshot, nil
}

// ParseDocument разбирает документ желаемого состояния.
func ParseDocument(data []byte) (*model.UserSnapshot, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, malformed("разбор документа: %v", err)
	}

	for key := range doc {
		if key != "users" {
			return nil, malformed("неизвестный ключ верхнего уровня %q", key)
		}
	}

	rawUsers, ok := doc["users"]
	if !ok {
		return nil, malformed("отсутствует последовательность users")
	}
	var entries []any
	switch v := rawUsers.(type) {
	case nil:
	case []any:
		entries = v
	default:
		return nil, malformed("users должен быть последовательностью")
	}

	snapshot := model.NewUserSnapshot()
	for i, raw := range entries {
		where := fmt.Sprintf("users[%d]", i)

		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, malformed("%s: ожидался объект", where)
		}

		rec, err := parseEntry(entry, where)
		if err != nil {
			return nil, err
		}
		if err := addRecord(snapshot, rec, where); err != nil {
			return nil, err
		}
	}

	return snapshot, nil
}

// parseEntry проверяет одну запись документа.
func parseEntry(entry map[string]any, where string) (model.UserRecord, error) {
	for key := range entry {
		if !fileEntryKeys[key] {
			return model.UserRecord{}, malformed("%s: неизвестный ключ %q", where, key)
		}
	}

	rawName, ok := entry["username"].(string)
	if !ok {
		return model.UserRecord{}, malformed("%s: username отсутствует или не строка", where)
	}
	username := normalizeUsername(rawName)
	if username == "" {
		return model.UserRecord{}, malformed("%s: пустой username", where)
	}
	where = fmt.Sprintf("%s (%s)", where, username)

	rec := model.UserRecord{
		Username: username,
		Enabled:  true,
		Roles:    model.RoleSet{},
	}

	var err error
	if rec.Email, err = optionalString(entry, "email", where); err != nil {
		return model.UserRecord{}, err
	}
	if rec.FirstName, err = optionalString(entry, "firstName", where); err != nil {
		return model.UserRecord{}, err
	}
	if rec.LastName, err = optionalString(entry, "lastName", where); err != nil {
		return model.UserRecord{}, err
	}

	if raw, ok := entry["enabled"]; ok && raw != nil {
		enabled, ok := raw.(bool)
		if !ok {
			return model.UserRecord{}, malformed("%s: enabled должен быть boolean, получено %v", where, raw)
		}
		rec.Enabled = enabled
	}

	if raw, ok := entry["roles"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return model.UserRecord{}, malformed("%s: roles должен быть последовательностью строк", where)
		}
		for _, r := range list {
			role, ok := r.(string)
			if !ok {
				return model.UserRecord{}, malformed("%s: роль %v не строка", where, r)
			}
			rec.Roles.Add(role)
		}
	}

	return rec, nil
}

// optionalString возвращает строковый атрибут; отсутствие или null — nil.
func optionalString(entry map[string]any, key, where string) (*string, error) {
	raw, ok := entry[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, malformed("%s: %s должен быть строкой, получено %v", where, key, raw)
	}
	return &s, nil
}
