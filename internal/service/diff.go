// diff.go — вычисление плана согласования.
//
// ComputeDiff — чистая детерминированная функция. Для каждого пользователя
// операции идут в порядке Create → UpdateAttributes → EnableOrDisable →
// GrantRole → RevokeRole → Remove. Пользователи желаемого состояния
// обрабатываются в его порядке, удаляемые — в порядке наблюдаемого снимка.
package service

import "github.com/bigkaa/usersync/internal/domain/model"

// ComputeDiff сравнивает желаемое и наблюдаемое состояния.
func ComputeDiff(desired, observed *model.UserSnapshot, cfg model.RunConfig) model.Plan {
	var plan model.Plan

	for _, username := range desired.Usernames() {
		want, _ := desired.Get(username)
		have, exists := observed.Get(username)

		if !exists {
			plan = append(plan, model.Create(want))
			for _, role := range want.Roles.Sorted() {
				plan = append(plan, model.GrantRole(username, role))
			}
			continue
		}

		if changes := attributeChanges(want, have); !changes.Empty() {
			plan = append(plan, model.UpdateAttributes(username, changes))
		}
		if want.Enabled != have.Enabled {
			plan = append(plan, model.EnableOrDisable(username, want.Enabled))
		}

		// Роли пользователя с неполным наблюдением не сравниваются
		if observed.IsPartial(username) {
			continue
		}
		for _, role := range want.Roles.Minus(have.Roles) {
			plan = append(plan, model.GrantRole(username, role))
		}
		for _, role := range have.Roles.Minus(want.Roles) {
			plan = append(plan, model.RevokeRole(username, role))
		}
	}

	removeKind := model.RemoveDisable
	if cfg.DeleteUsers {
		removeKind = model.RemoveDelete
	}
	for _, username := range observed.Usernames() {
		if desired.Has(username) {
			continue
		}
		have, _ := observed.Get(username)
		if removeKind == model.RemoveDisable && !have.Enabled {
			continue
		}
		plan = append(plan, model.Remove(username, removeKind))
	}

	return plan
}

// attributeChanges возвращает атрибуты, отличающиеся от наблюдаемых.
// nil в желаемом состоянии — атрибут не управляется; пустая строка
// совпадает с отсутствующим значением.
func attributeChanges(want, have model.UserRecord) model.AttributeChanges {
	var changes model.AttributeChanges
	changes.Email = changedValue(want.Email, have.Email)
	changes.FirstName = changedValue(want.FirstName, have.FirstName)
	changes.LastName = changedValue(want.LastName, have.LastName)
	return changes
}

func changedValue(want, have *string) *string {
	if want == nil {
		return nil
	}
	current := ""
	if have != nil {
		current = *have
	}
	if *want == current {
		return nil
	}
	return model.StringPtr(*want)
}
