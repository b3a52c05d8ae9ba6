package model

import "time"

// Realm — область, объединяющая группы.
type Realm struct {
	ID   int64
	Name string
}

// Group — группа пользователей. Хранится в таблице groups.
type Group struct {
	ID int64
	// PID — agent PID группы
	PID       string
	Groupname string
	// Organization — название организации
	Organization string
	RealmID      int64
	// CrossrefEnabled — группе разрешена регистрация в Crossref
	CrossrefEnabled bool
	// ShoulderIDs — плечи группы (наследуются пользователями с InheritGroupShoulders)
	ShoulderIDs []int64
	CreatedAt   time.Time
}

// User — пользователь EZID. Хранится в таблице users.
type User struct {
	ID int64
	// PID — agent PID пользователя
	PID         string
	Username    string
	DisplayName string
	Email       string
	GroupID     int64
	RealmID     int64
	// PasswordHash — хеш argon2id; пустой — вход по паролю запрещён
	PasswordHash          string
	IsGroupAdministrator  bool
	IsRealmAdministrator  bool
	IsSuperuser           bool
	InheritGroupShoulders bool
	CrossrefEnabled       bool
	// CrossrefEmail — адрес для уведомлений о предупреждениях Crossref
	CrossrefEmail string
	// ShoulderIDs — собственные плечи пользователя
	ShoulderIDs []int64
	// ProxyIDs — пользователи, которые могут действовать от имени этого
	ProxyIDs  []int64
	CreatedAt time.Time
}

// Datacenter — клиент DataCite (символ вида "CDL.BUL").
type Datacenter struct {
	ID     int64
	Symbol string
	Name   string
}

// Allocator возвращает часть символа до точки.
func (d Datacenter) Allocator() string {
	for i := 0; i < len(d.Symbol); i++ {
		if d.Symbol[i] == '.' {
			return d.Symbol[:i]
		}
	}
	return d.Symbol
}
