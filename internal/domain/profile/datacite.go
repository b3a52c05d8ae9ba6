package profile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
)

var dataciteNamespaceRE = regexp.MustCompile(`^http://datacite\.org/schema/kernel-([^}]*)$`)

const (
	xmlDeclaration        = "<?xml version=\"1.0\"?>\n"
	xmlDeclarationEncoded = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"
)

// ValidateDataciteRecord проверяет запись DataCite Metadata Schema и
// нормализует её: убирает объявление кодировки и вписывает идентификатор
// в элемент <identifier>. Схема XSD не проверяется.
func ValidateDataciteRecord(id, record string) (string, error) {
	body, err := stripProlog(record)
	if err != nil {
		return "", err
	}
	doc, err := parseXMLDoc(body)
	if err != nil {
		return "", err
	}
	root := doc.root()
	m := dataciteNamespaceRE.FindStringSubmatch(root.name.Space)
	if root.name.Local != "resource" || m == nil {
		return "", fmt.Errorf("not a DataCite record")
	}
	switch version := m[1]; {
	case version == "2.1" || version == "2.2" || version == "3":
		return "", fmt.Errorf("DataCite schema version %s is deprecated", version)
	case version != "4" && !strings.HasPrefix(version, "4."):
		return "", fmt.Errorf("unsupported DataCite record version")
	}
	ids := doc.childrenNamed(0, "identifier")
	if len(ids) != 1 {
		return "", fmt.Errorf("malformed DataCite record: no <identifier> element")
	}
	idType, ok := doc.attr(ids[0], "identifierType")
	if !ok {
		return "", fmt.Errorf("malformed DataCite record: no <identifier> element")
	}
	wantType, idBody := idTypeAndBody(id)
	if idType != wantType {
		return "", fmt.Errorf("mismatch between identifier type and <identifier> element")
	}
	return xmlDeclaration + doc.slice(0, doc.replaceText(ids[0], idBody)), nil
}

// citationFromDatacite извлекает ядро метаданных из записи DataCite.
func citationFromDatacite(record string) (Citation, error) {
	body, err := stripProlog(record)
	if err != nil {
		return Citation{}, err
	}
	doc, err := parseXMLDoc(body)
	if err != nil {
		return Citation{}, err
	}
	if doc.root().name.Local != "resource" || !dataciteNamespaceRE.MatchString(doc.root().name.Space) {
		return Citation{}, fmt.Errorf("not a DataCite record")
	}
	var c Citation
	var creators []string
	for _, n := range doc.path(0, "creators", "creator", "creatorName") {
		if t := doc.text(n); t != "" {
			creators = append(creators, t)
		}
	}
	c.Creator = strings.Join(creators, " ; ")
	if l := doc.path(0, "titles", "title"); len(l) > 0 {
		c.Title = doc.text(l[0])
	}
	if l := doc.childrenNamed(0, "publisher"); len(l) > 0 {
		c.Publisher = doc.text(l[0])
	}
	if l := doc.childrenNamed(0, "publicationYear"); len(l) > 0 {
		c.Date = doc.text(l[0])
	}
	if l := doc.childrenNamed(0, "resourceType"); len(l) > 0 {
		if gt, _ := doc.attr(l[0], "resourceTypeGeneral"); strings.TrimSpace(gt) != "" {
			c.Type = strings.TrimSpace(gt)
			if st := doc.text(l[0]); st != "" {
				c.Type += "/" + st
			}
		}
	}
	return c, nil
}

func idTypeAndBody(id string) (string, string) {
	switch identifier.SchemeOf(id) {
	case identifier.SchemeDOI:
		return "DOI", id[len(identifier.PrefixDOI):]
	case identifier.SchemeARK:
		return "ARK", id[len(identifier.PrefixARK):]
	case identifier.SchemeUUID:
		return "UUID", id[len(identifier.PrefixUUID):]
	}
	return "", id
}

const recordTemplate = xmlDeclarationEncoded + `<resource xmlns="http://datacite.org/schema/kernel-4"
  xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
  xsi:schemaLocation="http://datacite.org/schema/kernel-4
    http://schema.datacite.org/meta/kernel-4/metadata.xsd">
  <identifier identifierType="%s">%s</identifier>
  <creators>
    <creator>
      <creatorName>%s</creatorName>
    </creator>
  </creators>
  <titles>
    <title>%s</title>
  </titles>
  <publisher>%s</publisher>
  <publicationYear>%s</publicationYear>
`

const unavailable = "(:unav)"

// FormRecord формирует запись для загрузки в DataCite. Если в метаданных
// есть XML DataCite, он возвращается как есть; для профиля crossref запись
// строится из тела Crossref; иначе используется отображение ядра с
// приоритетом полей DataCite. При supplyMissing недостающие поля
// заполняются кодом "(:unav)", иначе возвращается ошибка.
func FormRecord(id string, m metadata.Map, profile string, supplyMissing bool) (string, error) {
	if record := get(m, metadata.KeyDatacite); record != "" {
		body, err := stripProlog(record)
		if err != nil {
			return "", err
		}
		return xmlDeclarationEncoded + body, nil
	}

	var c Citation
	if profile == NameCrossref && get(m, metadata.KeyCrossref) != "" {
		c = overlay(mapCrossref(m), mapDataciteItemized(m))
	} else {
		c = withDatacitePriority(Lookup(profile).Map(m), m)
	}

	date := c.ValidatedDate()
	if !supplyMissing {
		var missing []string
		if c.Creator == "" {
			missing = append(missing, "no creator")
		}
		if c.Title == "" {
			missing = append(missing, "no title")
		}
		if c.Publisher == "" {
			missing = append(missing, "no publisher")
		}
		if date == "" {
			missing = append(missing, "no publication date")
		}
		if len(missing) > 0 {
			return "", fmt.Errorf("%s", strings.Join(missing, ", "))
		}
	}
	year := "0000"
	if len(date) >= 4 {
		year = date[:4]
	}
	idType, idBody := idTypeAndBody(id)
	r := fmt.Sprintf(recordTemplate,
		escapeXML(idType), escapeXML(idBody),
		escapeXML(orUnav(c.Creator)), escapeXML(orUnav(c.Title)), escapeXML(orUnav(c.Publisher)),
		year,
	)
	t := c.ValidatedType()
	if t == "" {
		if c.Type != "" {
			t = "Other"
		} else {
			t = "Other/" + unavailable
		}
	}
	if gt, st, ok := strings.Cut(t, "/"); ok {
		r += fmt.Sprintf("  <resourceType resourceTypeGeneral=\"%s\">%s</resourceType>\n", escapeXML(gt), escapeXML(st))
	} else {
		r += fmt.Sprintf("  <resourceType resourceTypeGeneral=\"%s\"/>\n", escapeXML(t))
	}
	return r + "</resource>\n", nil
}

// InactiveRecord возвращает запись-заглушку для деактивации DOI,
// метаданные которого никогда не загружались в DataCite.
func InactiveRecord(id string) string {
	idType, idBody := idTypeAndBody(id)
	return fmt.Sprintf(recordTemplate, idType, escapeXML(idBody), "inactive", "inactive", "inactive", "0000") +
		"  <resourceType resourceTypeGeneral=\"Other\"/>\n</resource>\n"
}

func orUnav(s string) string {
	if s == "" {
		return unavailable
	}
	return s
}
