package model

import (
	"fmt"
	"strings"
)

// RunConfig — параметры запуска, влияющие на вычисление плана.
type RunConfig struct {
	// DeleteUsers — true: отсутствующие в желаемом состоянии пользователи удаляются,
	// false: отключаются.
	DeleteUsers bool
}

// OpKind — вид операции согласования.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpUpdateAttributes
	OpEnableOrDisable
	OpGrantRole
	OpRevokeRole
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdateAttributes:
		return "update_attributes"
	case OpEnableOrDisable:
		return "set_enabled"
	case OpGrantRole:
		return "grant_role"
	case OpRevokeRole:
		return "revoke_role"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// RemoveKind — способ удаления пользователя.
type RemoveKind int

const (
	RemoveDisable RemoveKind = iota + 1
	RemoveDelete
)

func (k RemoveKind) String() string {
	switch k {
	case RemoveDisable:
		return "disable"
	case RemoveDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// AttributeChanges — изменённые атрибуты (nil — без изменений).
type AttributeChanges struct {
	Email     *string
	FirstName *string
	LastName  *string
}

// Empty сообщает, что изменений нет.
func (c AttributeChanges) Empty() bool {
	return c.Email == nil && c.FirstName == nil && c.LastName == nil
}

// Fields возвращает имена изменённых полей.
func (c AttributeChanges) Fields() []string {
	var out []string
	if c.Email != nil {
		out = append(out, "email")
	}
	if c.FirstName != nil {
		out = append(out, "firstName")
	}
	if c.LastName != nil {
		out = append(out, "lastName")
	}
	return out
}

// Operation — одна операция плана. Заполнены только поля, относящиеся к Kind.
type Operation struct {
	Kind     OpKind
	Username string
	// Record — для OpCreate
	Record *UserRecord
	// Changes — для OpUpdateAttributes
	Changes AttributeChanges
	// Enabled — целевое значение для OpEnableOrDisable
	Enabled bool
	// RemoveKind — для OpRemove
	RemoveKind RemoveKind
	// Role — для OpGrantRole / OpRevokeRole
	Role string
}

// Create — операция создания пользователя.
func Create(u UserRecord) Operation {
	rec := u.Clone()
	return Operation{Kind: OpCreate, Username: u.Username, Record: &rec}
}

// UpdateAttributes — операция обновления атрибутов.
func UpdateAttributes(username string, changes AttributeChanges) Operation {
	return Operation{Kind: OpUpdateAttributes, Username: username, Changes: changes}
}

// EnableOrDisable — операция смены флага enabled.
func EnableOrDisable(username string, enabled bool) Operation {
	return Operation{Kind: OpEnableOrDisable, Username: username, Enabled: enabled}
}

// Remove — операция удаления (или отключения) пользователя.
func Remove(username string, kind RemoveKind) Operation {
	return Operation{Kind: OpRemove, Username: username, RemoveKind: kind}
}

// GrantRole — операция назначения роли.
func GrantRole(username, role string) Operation {
	return Operation{Kind: OpGrantRole, Username: username, Role: role}
}

// RevokeRole — операция отзыва роли.
func RevokeRole(username, role string) Operation {
	return Operation{Kind: OpRevokeRole, Username: username, Role: role}
}

// Detail — краткое описание параметров операции для логов и отчёта.
func (o Operation) Detail() string {
	switch o.Kind {
	case OpCreate:
		if o.Record != nil && !o.Record.Enabled {
			return "enabled=false"
		}
		return "enabled=true"
	case OpUpdateAttributes:
		return strings.Join(o.Changes.Fields(), ",")
	case OpEnableOrDisable:
		return fmt.Sprintf("enabled=%t", o.Enabled)
	case OpRemove:
		return o.RemoveKind.String()
	case OpGrantRole, OpRevokeRole:
		return o.Role
	default:
		return ""
	}
}

func (o Operation) String() string {
	return fmt.Sprintf("%s(%s %s)", o.Kind, o.Username, o.Detail())
}

// Plan — упорядоченная последовательность операций.
type Plan []Operation

// Empty сообщает, что план не содержит операций.
func (p Plan) Empty() bool {
	return len(p) == 0
}

// Group — операции одного пользователя с их индексами в плане.
type Group struct {
	Username string
	Indexes  []int
}

// Groups разбивает план на группы по username в порядке первого появления.
// Внутри группы сохраняется порядок плана.
func (p Plan) Groups() []Group {
	pos := make(map[string]int)
	var groups []Group
	for i, op := range p {
		gi, ok := pos[op.Username]
		if !ok {
			gi = len(groups)
			pos[op.Username] = gi
			groups = append(groups, Group{Username: op.Username})
		}
		groups[gi].Indexes = append(groups[gi].Indexes, i)
	}
	return groups
}

// CountByKind возвращает количество операций каждого вида.
func (p Plan) CountByKind() map[OpKind]int {
	out := make(map[OpKind]int)
	for _, op := range p {
		out[op.Kind]++
	}
	return out
}
