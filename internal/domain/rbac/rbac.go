// Пакет rbac — роли операторов EZID для служебной поверхности /admin.
// Роль определяется группами IdP (Bearer-токен) либо флагом
// суперпользователя учётной записи EZID (HTTP Basic).
package rbac

// Роли в порядке возрастания привилегий.
const (
	// RoleReadonly — просмотр состояния (GET /admin/status)
	RoleReadonly = "readonly"
	// RoleAdmin — управление (POST /admin/pause)
	RoleAdmin = "admin"
)

// roleWeight — вес роли для сравнения.
var roleWeight = map[string]int{
	RoleReadonly: 1,
	RoleAdmin:    2,
}

// Allows сообщает, покрывает ли роль role требуемую роль required.
// Пустая роль не покрывает ничего.
func Allows(role, required string) bool {
	w, ok := roleWeight[role]
	return ok && w >= roleWeight[required]
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	if roleWeight[a] >= roleWeight[b] {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Если набор пуст — возвращает пустую строку.
func HighestRole(roles []string) string {
	highest := ""
	for _, r := range roles {
		if IsValidRole(r) {
			highest = maxRole(highest, r)
		}
	}
	return highest
}

// MapGroupsToRole определяет роль оператора по группам IdP.
// Если ни одна группа не совпала — возвращает пустую строку.
func MapGroupsToRole(groups []string, adminGroups, readonlyGroups []string) string {
	adminSet := toSet(adminGroups)
	readonlySet := toSet(readonlyGroups)

	var roles []string
	for _, g := range groups {
		if adminSet[g] {
			roles = append(roles, RoleAdmin)
		}
		if readonlySet[g] {
			roles = append(roles, RoleReadonly)
		}
	}
	return HighestRole(roles)
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
