package model

import "time"

// ShoulderType — схема идентификаторов плеча.
type ShoulderType string

const (
	ShoulderARK  ShoulderType = "ARK"
	ShoulderDOI  ShoulderType = "DOI"
	ShoulderUUID ShoulderType = "UUID"
)

// Agency — регистрационное агентство плеча.
type Agency string

const (
	AgencyDatacite Agency = "datacite"
	AgencyCrossref Agency = "crossref"
	AgencyEZID     Agency = "ezid"
	AgencyNone     Agency = ""
)

// Shoulder — плечо: префикс, под которым минтятся идентификаторы.
// Хранится в таблице shoulders.
type Shoulder struct {
	ID int64
	// Prefix — квалифицированный префикс (ark:/99999/fk4, doi:10.5072/FK2, uuid:)
	Prefix string
	Type   ShoulderType
	Name   string
	Agency Agency
	// DatacenterID — обязателен для DOI-плеч DataCite
	DatacenterID *int64
	// DatacenterSymbol заполняется при чтении через JOIN
	DatacenterSymbol string
	// Minter — префикс минтера в таблице minters; пустой — минтинг не поддерживается
	Minter string
	Active bool
	IsTest bool
	// IsSuper — супер-плечо: создавать под ним может любой пользователь
	// с плечом, являющимся его продолжением
	IsSuper   bool
	CreatedAt time.Time
}

// IsDatacite сообщает, что плечо регистрирует DOI в DataCite.
func (s *Shoulder) IsDatacite() bool { return s.Type == ShoulderDOI && s.Agency == AgencyDatacite }

// IsCrossref сообщает, что плечо регистрирует DOI в Crossref.
func (s *Shoulder) IsCrossref() bool { return s.Type == ShoulderDOI && s.Agency == AgencyCrossref }

// Mintable сообщает, что плечо активно и имеет минтер.
func (s *Shoulder) Mintable() bool {
	return s.Active && (s.Type == ShoulderUUID || s.Minter != "")
}
