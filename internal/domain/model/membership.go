package model

import "fmt"

// AccessLevel — уровень доступа участника группы GitLab.
type AccessLevel int

// Значения совпадают с access_level GitLab API.
const (
	AccessMaintainer AccessLevel = 40
	AccessOwner      AccessLevel = 50
)

func (l AccessLevel) String() string {
	switch l {
	case AccessMaintainer:
		return "maintainer"
	case AccessOwner:
		return "owner"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// GroupMember — наблюдаемый участник группы.
type GroupMember struct {
	UserID   int
	Username string
	Level    AccessLevel
}

// MembershipOpKind — вид изменения членства.
type MembershipOpKind int

const (
	MemberAdd MembershipOpKind = iota + 1
	MemberUpdate
	MemberRemove
)

func (k MembershipOpKind) String() string {
	switch k {
	case MemberAdd:
		return "add_member"
	case MemberUpdate:
		return "update_member"
	case MemberRemove:
		return "remove_member"
	default:
		return "unknown"
	}
}

// MembershipOp — одно изменение членства в группе.
// UserID известен для участников группы; для MemberAdd определяется при применении.
type MembershipOp struct {
	Kind     MembershipOpKind
	Username string
	UserID   int
	Level    AccessLevel
}

// Detail — уровень доступа для add/update, пусто для remove.
func (o MembershipOp) Detail() string {
	if o.Kind == MemberRemove {
		return ""
	}
	return o.Level.String()
}

// MembershipResult — итог одного изменения членства.
type MembershipResult struct {
	Op       MembershipOp
	Outcome  Outcome
	Reason   string
	Err      error
	Attempts int
}
