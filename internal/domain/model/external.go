package model

import (
	"strconv"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/profile"
)

// Зарезервированные элементы внешнего представления записи.
const (
	KeyOwner      = "_owner"
	KeyOwnerGroup = "_ownergroup"
	KeyCreated    = "_created"
	KeyUpdated    = "_updated"
	KeyStatus     = "_status"
	KeyTarget     = "_target"
	KeyProfile    = "_profile"
	KeyExport     = "_export"
	KeyDatacenter = "_datacenter"
	KeyCrossref   = "_crossref"
	KeyRole       = "_ezid_role"
	KeyShadowedBy = "_shadowedby"
)

// ProfileOf возвращает профиль метаданных записи.
func (r *Identifier) ProfileOf() profile.Profile { return profile.Lookup(r.Profile) }

// Citation возвращает ядро цитатных метаданных записи.
func (r *Identifier) Citation() profile.Citation { return r.ProfileOf().Map(r.Metadata) }

// External возвращает запись во внешнем виде, который видит клиент:
// зарезервированные элементы "_..." и затем метаданные профиля.
func (r *Identifier) External() metadata.Map {
	var m metadata.Map
	m.Set(KeyOwner, r.OwnerLabel())
	m.Set(KeyOwnerGroup, r.GroupLabel())
	m.Set(KeyCreated, strconv.FormatInt(r.CreatedAt.Unix(), 10))
	m.Set(KeyUpdated, strconv.FormatInt(r.UpdatedAt.Unix(), 10))
	m.Set(KeyProfile, r.Profile)
	m.Set(KeyStatus, r.StatusString())
	m.Set(KeyTarget, r.Target)
	if r.Exported {
		m.Set(KeyExport, "yes")
	} else {
		m.Set(KeyExport, "no")
	}
	if r.IsDatacite() && r.DatacenterSymbol != "" {
		m.Set(KeyDatacenter, r.DatacenterSymbol)
	}
	if r.IsCrossref() {
		v := "yes | " + r.CrossrefStatus.Display()
		if r.CrossrefMessage != "" {
			v += " | " + r.CrossrefMessage
		}
		m.Set(KeyCrossref, v)
	}
	switch r.AgentRole {
	case AgentRoleUser:
		m.Set(KeyRole, "user")
	case AgentRoleGroup:
		m.Set(KeyRole, "group")
	}
	if r.IsDOI() {
		if shadow, err := identifier.Shadow(r.ID); err == nil {
			m.Set(KeyShadowedBy, shadow)
		}
	}
	m.Merge(r.ProfileOf().ToExternal(r.Metadata))
	return m
}

// Legacy возвращает элементы, которые зеркалируются в binder: метаданные
// профиля и служебные элементы с короткими именами ("_o", "_t", ...).
// Для непубличной записи "_t" — цель для резолвера, а собственная цель
// сохраняется в "_t1".
func (r *Identifier) Legacy(urls identifier.URLs) metadata.Map {
	m := r.ProfileOf().ToLegacy(r.Metadata)
	m.Set("_o", orAnonymous(r.OwnerPID))
	m.Set("_g", orAnonymous(r.OwnerGroupPID))
	m.Set("_c", strconv.FormatInt(r.CreatedAt.Unix(), 10))
	m.Set("_u", strconv.FormatInt(r.UpdatedAt.Unix(), 10))
	m.Set("_p", r.Profile)
	if r.IsPublic() {
		m.Set("_t", r.Target)
	} else {
		if r.IsReserved() {
			m.Set("_is", string(StatusReserved))
		} else {
			m.Set("_is", r.StatusString())
		}
		m.Set("_t", r.ResolverTarget(urls))
		m.Set("_t1", r.Target)
	}
	if !r.Exported {
		m.Set("_x", "no")
	}
	if r.IsDatacite() && r.DatacenterSymbol != "" {
		m.Set("_d", r.DatacenterSymbol)
	}
	if r.IsCrossref() {
		v := "yes | " + r.CrossrefStatus.Display()
		if r.CrossrefMessage != "" {
			v += " | " + r.CrossrefMessage
		}
		m.Set("_cr", v)
	}
	switch r.AgentRole {
	case AgentRoleUser:
		m.Set(KeyRole, "user")
	case AgentRoleGroup:
		m.Set(KeyRole, "group")
	}
	return m
}

func orAnonymous(pid string) string {
	if pid == "" {
		return "anonymous"
	}
	return pid
}
