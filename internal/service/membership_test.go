package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/idp"
)

// fakeGroup — in-memory группа GitLab.
type fakeGroup struct {
	users   map[string]int
	members []model.GroupMember
	calls   []string
	errs    map[string][]error
}

func newFakeGroup(members ...model.GroupMember) *fakeGroup {
	return &fakeGroup{
		users:   map[string]int{"alice": 1, "bob": 2, "carol": 3},
		members: members,
		errs:    map[string][]error{},
	}
}

func (g *fakeGroup) record(key string) error {
	g.calls = append(g.calls, key)
	if queue := g.errs[key]; len(queue) > 0 {
		g.errs[key] = queue[1:]
		return queue[0]
	}
	return nil
}

func (g *fakeGroup) FindUser(_ context.Context, username string) (int, error) {
	if err := g.record("find:" + username); err != nil {
		return 0, err
	}
	id, ok := g.users[username]
	if !ok {
		return 0, idp.ErrUserNotFound
	}
	return id, nil
}

func (g *fakeGroup) ListMembers(context.Context) ([]model.GroupMember, error) {
	if err := g.record("list"); err != nil {
		return nil, err
	}
	return slices.Clone(g.members), nil
}

func (g *fakeGroup) AddMember(_ context.Context, userID int, level model.AccessLevel) error {
	return g.record(fmt.Sprintf("add:%d:%s", userID, level))
}

func (g *fakeGroup) EditMember(_ context.Context, userID int, level model.AccessLevel) error {
	return g.record(fmt.Sprintf("edit:%d:%s", userID, level))
}

func (g *fakeGroup) RemoveMember(_ context.Context, userID int) error {
	return g.record(fmt.Sprintf("remove:%d", userID))
}

func testMembershipConfig() MembershipConfig {
	return MembershipConfig{
		OwnerRole:      "gitlab-owner",
		MaintainerRole: "gitlab-maintainer",
		ProtectedUsers: []string{"root"},
		Retry:          fastRetry(),
	}
}

func TestComputeMembershipDiff(t *testing.T) {
	want := snapshotOf(t,
		user("alice", true, "gitlab-owner", "gitlab-maintainer"),
		user("bob", true, "gitlab-maintainer"),
		user("carol", true, "dev"),
		user("dave", true, "gitlab-maintainer"),
	)
	members := []model.GroupMember{
		{UserID: 2, Username: "bob", Level: model.AccessOwner},
		{UserID: 3, Username: "carol", Level: model.AccessMaintainer},
		{UserID: 4, Username: "dave", Level: model.AccessMaintainer},
		{UserID: 9, Username: "root", Level: model.AccessOwner},
	}

	got := ComputeMembershipDiff(want, members, testMembershipConfig())
	expected := []model.MembershipOp{
		{Kind: model.MemberAdd, Username: "alice", Level: model.AccessOwner},
		{Kind: model.MemberUpdate, Username: "bob", UserID: 2, Level: model.AccessMaintainer},
		{Kind: model.MemberRemove, Username: "carol", UserID: 3},
	}
	if !slices.Equal(got, expected) {
		t.Errorf("изменения = %+v\nожидается %+v", got, expected)
	}
}

func TestMembershipSync_Apply(t *testing.T) {
	group := newFakeGroup(model.GroupMember{UserID: 3, Username: "carol", Level: model.AccessMaintainer})
	want := snapshotOf(t,
		user("alice", true, "gitlab-owner"),
		user("ghost", true, "gitlab-maintainer"),
	)

	results, err := NewMembershipSync(group, testMembershipConfig(), testLogger()).Sync(context.Background(), want, false)
	if err != nil {
		t.Fatalf("Ошибка Sync: %v", err)
	}

	outcomes := map[string]string{}
	for _, r := range results {
		outcomes[r.Op.Kind.String()+":"+r.Op.Username] = r.Outcome.String() + "/" + r.Reason
	}
	wantOutcomes := map[string]string{
		"add_member:alice":    "applied/",
		"add_member:ghost":    "skipped/" + model.SkipUnknownUser,
		"remove_member:carol": "applied/",
	}
	for k, v := range wantOutcomes {
		if outcomes[k] != v {
			t.Errorf("%s = %q, ожидается %q", k, outcomes[k], v)
		}
	}
	if !slices.Contains(group.calls, "add:1:owner") || !slices.Contains(group.calls, "remove:3") {
		t.Errorf("вызовы = %v", group.calls)
	}
}

// TestMembershipSync_FailureIsolation проверяет, что ошибка одного изменения
// не останавливает остальные, а ограничение частоты повторяется.
func TestMembershipSync_FailureIsolation(t *testing.T) {
	group := newFakeGroup()
	group.errs["add:1:owner"] = []error{fmt.Errorf("400: %w", idp.ErrRejected)}
	group.errs["add:2:maintainer"] = []error{errThrottled}
	want := snapshotOf(t,
		user("alice", true, "gitlab-owner"),
		user("bob", true, "gitlab-maintainer"),
	)

	results, err := NewMembershipSync(group, testMembershipConfig(), testLogger()).Sync(context.Background(), want, false)
	if err != nil {
		t.Fatalf("Ошибка Sync: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("результатов %d, ожидается 2", len(results))
	}
	if results[0].Outcome != model.OutcomeFailed || !errors.Is(results[0].Err, idp.ErrRejected) {
		t.Errorf("alice: %+v", results[0])
	}
	if results[1].Outcome != model.OutcomeApplied || results[1].Attempts != 2 {
		t.Errorf("bob: %+v, ожидается applied за 2 попытки", results[1])
	}
}

func TestMembershipSync_AuthRejectedAborts(t *testing.T) {
	group := newFakeGroup(model.GroupMember{UserID: 3, Username: "carol", Level: model.AccessMaintainer})
	group.errs["add:1:owner"] = []error{fmt.Errorf("401: %w", idp.ErrAuthRejected)}
	want := snapshotOf(t, user("alice", true, "gitlab-owner"))

	results, err := NewMembershipSync(group, testMembershipConfig(), testLogger()).Sync(context.Background(), want, false)
	if err != nil {
		t.Fatalf("Ошибка Sync: %v", err)
	}
	if results[0].Outcome != model.OutcomeFailed {
		t.Errorf("alice: %+v", results[0])
	}
	if results[1].Outcome != model.OutcomeSkipped || results[1].Reason != model.SkipRunAborted {
		t.Errorf("carol: %+v, ожидается skipped/run-aborted", results[1])
	}
	if slices.Contains(group.calls, "remove:3") {
		t.Error("после отказа аутентификации изменения выполняться не должны")
	}
}

func TestMembershipSync_DryRun(t *testing.T) {
	group := newFakeGroup(model.GroupMember{UserID: 3, Username: "carol", Level: model.AccessMaintainer})
	want := snapshotOf(t, user("alice", true, "gitlab-owner"))

	results, err := NewMembershipSync(group, testMembershipConfig(), testLogger()).Sync(context.Background(), want, true)
	if err != nil {
		t.Fatalf("Ошибка Sync: %v", err)
	}
	for _, r := range results {
		if r.Outcome != model.OutcomeSkipped || r.Reason != model.SkipDryRun {
			t.Errorf("%s: %+v, ожидается skipped/dry-run", r.Op.Username, r)
		}
	}
	if !slices.Equal(group.calls, []string{"list"}) {
		t.Errorf("в dry-run допустимо только чтение участников, вызовы: %v", group.calls)
	}
}

func TestMembershipSync_ListFailure(t *testing.T) {
	group := newFakeGroup()
	group.errs["list"] = []error{fmt.Errorf("502: %w", idp.ErrUnavailable)}

	_, err := NewMembershipSync(group, testMembershipConfig(), testLogger()).
		Sync(context.Background(), model.NewUserSnapshot(), false)
	if !errors.Is(err, idp.ErrUnavailable) {
		t.Errorf("ожидалась ErrUnavailable, получена: %v", err)
	}
}
