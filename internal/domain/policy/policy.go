// Пакет policy — политика авторизации операций над идентификаторами.
// Решения принимаются по «плоскому» представлению принципала: связи
// пользователь↔группа↔область и прокси хранятся как числовые id.
package policy

import (
	"strings"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/model"
)

// Principal — аутентифицированный вызывающий (или анонимный).
type Principal struct {
	UserID   int64
	Username string
	GroupID  int64
	RealmID  int64
	// Anonymous — запрос без аутентификации
	Anonymous            bool
	IsGroupAdministrator bool
	IsRealmAdministrator bool
	IsSuperuser          bool
	// Shoulders — эффективные префиксы плеч: собственные, унаследованные
	// от группы (при InheritGroupShoulders) и плечи пользователей,
	// для которых принципал является прокси.
	Shoulders []string
	// ProxyFor — пользователи, от имени которых принципал может действовать
	ProxyFor []int64
}

// Owner — владение идентификатором. Нулевое значение — анонимный владелец.
type Owner struct {
	UserID  int64
	GroupID int64
	RealmID int64
}

// Anonymous сообщает, что владелец не задан.
func (o Owner) Anonymous() bool { return o.UserID == 0 }

// Policy — политика с учётом тестовых плеч.
type Policy struct {
	tests identifier.TestShoulders
}

// New создаёт политику.
func New(tests identifier.TestShoulders) *Policy {
	return &Policy{tests: tests}
}

// CanView: публичные записи видны всем, кроме agent PID; прочие — тем,
// кто может их изменять. Суперпользователь видит всё.
func (p *Policy) CanView(pr *Principal, rec *model.Identifier, owner Owner) bool {
	if pr.IsSuperuser {
		return true
	}
	if rec.IsAgentPID() {
		return false
	}
	if rec.IsPublic() {
		return true
	}
	return p.CanUpdate(pr, owner)
}

// CanCreate проверяет право минтить или создавать идентификатор под
// префиксом prefix (квалифицированный идентификатор или плечо).
func (p *Policy) CanCreate(pr *Principal, prefix string) bool {
	if pr.Anonymous {
		return false
	}
	if p.tests.IsTest(prefix) {
		return true
	}
	for _, s := range pr.Shoulders {
		if strings.HasPrefix(prefix, s) {
			return true
		}
	}
	return pr.IsSuperuser
}

// CanUpdate проверяет право изменять идентификатор, принадлежащий owner
// (без смены владельца).
func (p *Policy) CanUpdate(pr *Principal, owner Owner) bool {
	if pr.Anonymous {
		return false
	}
	if pr.IsSuperuser {
		return true
	}
	if owner.Anonymous() {
		return false
	}
	return canActFor(pr, owner)
}

// CanDelete совпадает с CanUpdate; ограничение по статусу проверяет движок.
func (p *Policy) CanDelete(pr *Principal, owner Owner) bool { return p.CanUpdate(pr, owner) }

// CanChangeOwnership проверяет право передать идентификатор от current к next:
// вызывающий должен иметь право действовать за обоих.
func (p *Policy) CanChangeOwnership(pr *Principal, current, next Owner) bool {
	if current == next {
		return true
	}
	if pr.Anonymous {
		return false
	}
	if pr.IsSuperuser {
		return true
	}
	return !current.Anonymous() && !next.Anonymous() && canActFor(pr, current) && canActFor(pr, next)
}

// CanDownloadUser проверяет право выгрузить идентификаторы пользователя owner.
func (p *Policy) CanDownloadUser(pr *Principal, owner Owner) bool {
	if pr.Anonymous {
		return false
	}
	return pr.IsSuperuser || canActFor(pr, owner)
}

// CanDownloadGroup проверяет право выгрузить идентификаторы группы.
func (p *Policy) CanDownloadGroup(pr *Principal, groupID, realmID int64) bool {
	if pr.Anonymous {
		return false
	}
	if pr.IsGroupAdministrator && pr.GroupID == groupID {
		return true
	}
	if pr.IsRealmAdministrator && pr.RealmID == realmID {
		return true
	}
	return pr.IsSuperuser
}

// IsTest сообщает, что идентификатор относится к тестовому плечу.
func (p *Policy) IsTest(id string) bool { return p.tests.IsTest(id) }

func canActFor(pr *Principal, owner Owner) bool {
	if pr.UserID == owner.UserID {
		return true
	}
	for _, id := range pr.ProxyFor {
		if id == owner.UserID {
			return true
		}
	}
	if pr.IsGroupAdministrator && pr.GroupID == owner.GroupID {
		return true
	}
	return pr.IsRealmAdministrator && pr.RealmID == owner.RealmID
}
