// Пакет model — доменные модели EZID: записи идентификаторов, плечи,
// принципалы, строки очередей и запросы выгрузки.
package model

import (
	"strings"
	"time"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
)

// Status — статус идентификатора.
type Status string

const (
	StatusReserved    Status = "reserved"
	StatusPublic      Status = "public"
	StatusUnavailable Status = "unavailable"
)

// CrossrefStatus — статус регистрации DOI в Crossref.
// Пустое значение означает, что идентификатор не регистрируется в Crossref.
type CrossrefStatus string

const (
	CrossrefNone       CrossrefStatus = ""
	CrossrefReserved   CrossrefStatus = "R"
	CrossrefWorking    CrossrefStatus = "B"
	CrossrefRegistered CrossrefStatus = "S"
	CrossrefWarning    CrossrefStatus = "W"
	CrossrefFailure    CrossrefStatus = "F"
)

var crossrefDisplay = map[CrossrefStatus]string{
	CrossrefReserved:   "awaiting status change to public",
	CrossrefWorking:    "registration in progress",
	CrossrefRegistered: "successfully registered",
	CrossrefWarning:    "registered with warning",
	CrossrefFailure:    "registration failure",
}

// Display возвращает человекочитаемое описание статуса.
func (s CrossrefStatus) Display() string { return crossrefDisplay[s] }

// IsGood сообщает, что статус не требует сообщения об ошибке.
func (s CrossrefStatus) IsGood() bool {
	return s == CrossrefReserved || s == CrossrefWorking || s == CrossrefRegistered
}

// AgentRole — роль agent PID: идентификатор, называющий пользователя или группу.
type AgentRole string

const (
	AgentRoleNone  AgentRole = ""
	AgentRoleUser  AgentRole = "U"
	AgentRoleGroup AgentRole = "G"
)

// Identifier — запись идентификатора.
// Хранится в таблице identifiers; сериализованная копия (снимок)
// кладётся в строки очередей в той же транзакции.
type Identifier struct {
	// ID — каноническая строка идентификатора (ark:/..., doi:..., uuid:...)
	ID string `json:"id"`
	// OwnerID — владелец (nil — анонимный)
	OwnerID *int64 `json:"ownerId,omitempty"`
	// OwnerGroupID — группа владельца (nil — анонимная)
	OwnerGroupID *int64 `json:"ownerGroupId,omitempty"`
	// CreatedAt и UpdatedAt хранятся с точностью до секунды
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Status    Status    `json:"status"`
	// UnavailableReason допускается только при StatusUnavailable
	UnavailableReason string `json:"unavailableReason,omitempty"`
	Exported          bool   `json:"exported"`
	Target            string `json:"target"`
	Profile           string `json:"profile"`
	// DatacenterID обязателен для DOI DataCite и пуст для остальных
	DatacenterID    *int64         `json:"datacenterId,omitempty"`
	CrossrefStatus  CrossrefStatus `json:"crossrefStatus,omitempty"`
	CrossrefMessage string         `json:"crossrefMessage,omitempty"`
	AgentRole       AgentRole      `json:"agentRole,omitempty"`
	Metadata        metadata.Map   `json:"metadata"`

	// Денормализованные поля: заполняются при чтении через JOIN
	// и входят в снимок, чтобы воркерам не перечитывать справочники.
	OwnerName        string `json:"ownerName,omitempty"`
	OwnerPID         string `json:"ownerPid,omitempty"`
	OwnerGroupName   string `json:"ownerGroupName,omitempty"`
	OwnerGroupPID    string `json:"ownerGroupPid,omitempty"`
	DatacenterSymbol string `json:"datacenterSymbol,omitempty"`
}

func (r *Identifier) IsReserved() bool    { return r.Status == StatusReserved }
func (r *Identifier) IsPublic() bool      { return r.Status == StatusPublic }
func (r *Identifier) IsUnavailable() bool { return r.Status == StatusUnavailable }
func (r *Identifier) IsDOI() bool         { return identifier.IsDOI(r.ID) }
func (r *Identifier) IsARK() bool         { return identifier.SchemeOf(r.ID) == identifier.SchemeARK }
func (r *Identifier) IsAgentPID() bool    { return r.AgentRole != AgentRoleNone }
func (r *Identifier) IsAnonymous() bool   { return r.OwnerID == nil }

// IsCrossref сообщает, что DOI регистрируется в Crossref.
func (r *Identifier) IsCrossref() bool { return r.CrossrefStatus != CrossrefNone }

// IsDatacite сообщает, что DOI регистрируется в DataCite.
func (r *Identifier) IsDatacite() bool { return r.IsDOI() && !r.IsCrossref() }

// ResolverTarget возвращает цель, которую видят резолверы: для
// зарезервированного — цель по умолчанию, для недоступного — tombstone.
func (r *Identifier) ResolverTarget(urls identifier.URLs) string {
	switch r.Status {
	case StatusReserved:
		return urls.DefaultTarget(r.ID)
	case StatusUnavailable:
		return urls.Tombstone(r.ID)
	}
	return r.Target
}

// StatusString возвращает статус во внешней форме ("unavailable | причина").
func (r *Identifier) StatusString() string {
	if r.Status == StatusUnavailable && r.UnavailableReason != "" {
		return string(r.Status) + " | " + r.UnavailableReason
	}
	return string(r.Status)
}

// Clone возвращает глубокую копию записи.
func (r *Identifier) Clone() *Identifier {
	c := *r
	c.OwnerID = cloneID(r.OwnerID)
	c.OwnerGroupID = cloneID(r.OwnerGroupID)
	c.DatacenterID = cloneID(r.DatacenterID)
	c.Metadata = r.Metadata.Clone()
	return &c
}

// Snapshot сериализует запись для строки очереди (zlib(JSON)).
func (r *Identifier) Snapshot() ([]byte, error) {
	return metadata.Compress(r)
}

// FromSnapshot восстанавливает запись из снимка строки очереди.
func FromSnapshot(blob []byte) (*Identifier, error) {
	var r Identifier
	if err := metadata.Decompress(blob, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// OwnerLabel возвращает имя владельца или "anonymous".
func (r *Identifier) OwnerLabel() string {
	if r.OwnerName == "" {
		return "anonymous"
	}
	return r.OwnerName
}

// GroupLabel возвращает имя группы или "anonymous".
func (r *Identifier) GroupLabel() string {
	if r.OwnerGroupName == "" {
		return "anonymous"
	}
	return r.OwnerGroupName
}

// ParseStatus разбирает внешнее значение _status.
// Для "unavailable | причина" возвращает причину.
func ParseStatus(s string) (Status, string, bool) {
	switch {
	case s == string(StatusReserved):
		return StatusReserved, "", true
	case s == string(StatusPublic):
		return StatusPublic, "", true
	case s == string(StatusUnavailable):
		return StatusUnavailable, "", true
	case strings.HasPrefix(s, string(StatusUnavailable)):
		rest := strings.TrimLeft(s[len(StatusUnavailable):], " ")
		if !strings.HasPrefix(rest, "|") {
			return "", "", false
		}
		return StatusUnavailable, strings.TrimSpace(rest[1:]), true
	}
	return "", "", false
}

func cloneID(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
