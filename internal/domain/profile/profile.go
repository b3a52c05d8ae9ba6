// Пакет profile — профили метаданных идентификаторов (erc, dc, datacite,
// crossref): отображение в ядро цитатных метаданных, проверка полей,
// формирование записей DataCite и депозитов Crossref.
package profile

import (
	"fmt"
	"strings"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
)

// Имена профилей.
const (
	NameERC      = "erc"
	NameDC       = "dc"
	NameDatacite = "datacite"
	NameCrossref = "crossref"
)

// Profile — профиль метаданных.
type Profile interface {
	// Name возвращает имя профиля.
	Name() string
	// Map отображает метаданные профиля в ядро.
	Map(m metadata.Map) Citation
	// Validate проверяет и нормализует поля профиля.
	Validate(s Subject, m *metadata.Map) error
	// ToExternal возвращает метаданные во внешнем виде для ответа клиенту.
	ToExternal(m metadata.Map) metadata.Map
	// ToLegacy возвращает элементы, зеркалируемые во внешние хранилища.
	ToLegacy(m metadata.Map) metadata.Map
	// MapForRegistry формирует запись DataCite Metadata Schema.
	MapForRegistry(id string, m metadata.Map, supplyMissing bool) (string, error)
}

// Subject — идентификатор, метаданные которого проверяются.
type Subject struct {
	ID string
	// Reserved — запись остаётся зарезервированной
	Reserved bool
	// ResolverTarget подставляется в <resource> тела Crossref
	ResolverTarget string
}

type (
	// ERC — профиль Electronic Resource Citation (erc.who/what/when).
	ERC struct{}
	// DC — профиль Dublin Core (dc.creator/title/publisher/date/type).
	DC struct{}
	// Datacite — профиль DataCite (XML datacite или datacite.*).
	Datacite struct{}
	// Crossref — профиль Crossref (XML crossref).
	Crossref struct{}
)

var registry = map[string]Profile{
	NameERC:      ERC{},
	NameDC:       DC{},
	NameDatacite: Datacite{},
	NameCrossref: Crossref{},
}

// Lookup возвращает профиль по имени. Неизвестные имена (в том числе
// пользовательские профили вроде "NCDA") отображаются как erc.
func Lookup(name string) Profile {
	if p, ok := registry[name]; ok {
		return p
	}
	return ERC{}
}

// Known сообщает, является ли имя одним из встроенных профилей.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Default возвращает профиль по умолчанию для схемы идентификатора.
func Default(id string) string {
	if identifier.IsDOI(id) {
		return NameDatacite
	}
	return NameERC
}

func (ERC) Name() string      { return NameERC }
func (DC) Name() string       { return NameDC }
func (Datacite) Name() string { return NameDatacite }
func (Crossref) Name() string { return NameCrossref }

func (ERC) Map(m metadata.Map) Citation      { return mapERC(m) }
func (DC) Map(m metadata.Map) Citation       { return mapDublinCore(m) }
func (Datacite) Map(m metadata.Map) Citation { return mapDatacite(m) }
func (Crossref) Map(m metadata.Map) Citation { return mapCrossref(m) }

func (ERC) ToExternal(m metadata.Map) metadata.Map      { return m.Clone() }
func (DC) ToExternal(m metadata.Map) metadata.Map       { return m.Clone() }
func (Datacite) ToExternal(m metadata.Map) metadata.Map { return m.Clone() }
func (Crossref) ToExternal(m metadata.Map) metadata.Map { return m.Clone() }

// ToLegacy для erc и dc возвращает все поля.
func (ERC) ToLegacy(m metadata.Map) metadata.Map { return m.Clone() }
func (DC) ToLegacy(m metadata.Map) metadata.Map  { return m.Clone() }

// ToLegacy для datacite дополняет поля отображёнными значениями
// datacite.*, если метаданные заданы только XML-записью.
func (p Datacite) ToLegacy(m metadata.Map) metadata.Map {
	out := m.Clone()
	if get(m, metadata.KeyDatacite) == "" {
		return out
	}
	c := p.Map(m)
	for _, f := range [][2]string{
		{"datacite.creator", c.Creator},
		{"datacite.title", c.Title},
		{"datacite.publisher", c.Publisher},
		{"datacite.publicationyear", c.Date},
		{"datacite.resourcetype", c.Type},
	} {
		if f[1] != "" && !out.Has(f[0]) {
			out.Set(f[0], f[1])
		}
	}
	return out
}

// ToLegacy для crossref не зеркалирует тело депозита: его владелец — Crossref.
func (Crossref) ToLegacy(m metadata.Map) metadata.Map {
	out := m.Clone()
	out.Delete(metadata.KeyCrossref)
	return out
}

func (p ERC) MapForRegistry(id string, m metadata.Map, supplyMissing bool) (string, error) {
	return FormRecord(id, m, p.Name(), supplyMissing)
}

func (p DC) MapForRegistry(id string, m metadata.Map, supplyMissing bool) (string, error) {
	return FormRecord(id, m, p.Name(), supplyMissing)
}

func (p Datacite) MapForRegistry(id string, m metadata.Map, supplyMissing bool) (string, error) {
	return FormRecord(id, m, p.Name(), supplyMissing)
}

func (p Crossref) MapForRegistry(id string, m metadata.Map, supplyMissing bool) (string, error) {
	return FormRecord(id, m, p.Name(), supplyMissing)
}

// Validate выполняет для всех профилей общие проверки полей цитатных
// метаданных: тип ресурса DataCite, XML DataCite и тело Crossref.
func (ERC) Validate(s Subject, m *metadata.Map) error { return validateCitationFields(s, m) }

func (DC) Validate(s Subject, m *metadata.Map) error { return validateCitationFields(s, m) }

func (Datacite) Validate(s Subject, m *metadata.Map) error { return validateCitationFields(s, m) }

func (Crossref) Validate(s Subject, m *metadata.Map) error { return validateCitationFields(s, m) }

// validateCitationFields проверяет и нормализует поля, которые EZID
// понимает независимо от профиля.
func validateCitationFields(s Subject, m *metadata.Map) error {
	if v := strings.TrimSpace(m.Value("datacite.resourcetype")); v != "" {
		t, err := ResourceType(v)
		if err != nil {
			return fmt.Errorf("invalid datacite.resourcetype")
		}
		m.Set("datacite.resourcetype", t)
	}
	if v := m.Value(metadata.KeyDatacite); strings.TrimSpace(v) != "" {
		r, err := ValidateDataciteRecord(s.ID, v)
		if err != nil {
			return fmt.Errorf("element 'datacite': %v", err)
		}
		m.Set(metadata.KeyDatacite, r)
	}
	if v := m.Value(metadata.KeyCrossref); strings.TrimSpace(v) != "" {
		r, err := ValidateCrossrefBody(v)
		if err != nil {
			return fmt.Errorf("element 'crossref': %v", err)
		}
		if identifier.IsDOI(s.ID) && !s.Reserved {
			r, err = ReplaceTBAs(r, s.ID[len(identifier.PrefixDOI):], s.ResolverTarget)
			if err != nil {
				return fmt.Errorf("element 'crossref': %v", err)
			}
		}
		m.Set(metadata.KeyCrossref, r)
	}
	return nil
}

// CheckDataciteRequirements проверяет, что метаданных достаточно для
// публичного DOI DataCite.
func CheckDataciteRequirements(id string, m metadata.Map, profileName string) error {
	if get(m, metadata.KeyDatacite) != "" {
		return nil
	}
	if profileName == NameCrossref && get(m, metadata.KeyCrossref) != "" {
		return nil
	}
	if _, err := FormRecord(id, m, profileName, false); err != nil {
		return fmt.Errorf("public DOI metadata requirements not satisfied: %v", err)
	}
	return nil
}

// CheckCrossrefRequirements проверяет наличие тела депозита Crossref.
func CheckCrossrefRequirements(m metadata.Map) error {
	if get(m, metadata.KeyCrossref) == "" {
		return fmt.Errorf("DOI metadata requirements not satisfied: missing Crossref metadata")
	}
	return nil
}
