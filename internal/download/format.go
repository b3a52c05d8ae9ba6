package download

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/model"
)

const (
	xmlProlog = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<records>"
	xmlFooter = "</records>"
)

// header возвращает начало файла выгрузки.
func header(d *model.DownloadRequest) (string, error) {
	switch d.Format {
	case model.FormatCSV:
		return csvRow(d.Columns)
	case model.FormatXML:
		return xmlProlog, nil
	}
	return "", nil
}

// writeRecord записывает одну запись. first — запись в начале файла.
func writeRecord(w io.Writer, d *model.DownloadRequest, r *model.Identifier, m metadata.Map, first bool) error {
	switch d.Format {
	case model.FormatCSV:
		c := r.Citation()
		mappedType := c.ValidatedType()
		if mappedType == "" {
			mappedType = c.Type
		}
		row := make([]string, len(d.Columns))
		for i, col := range d.Columns {
			switch col {
			case "_id":
				row[i] = r.ID
			case "_mappedCreator":
				row[i] = c.Creator
			case "_mappedTitle":
				row[i] = c.Title
			case "_mappedPublisher":
				row[i] = c.Publisher
			case "_mappedDate":
				row[i] = c.Date
			case "_mappedType":
				row[i] = mappedType
			default:
				row[i] = m.Value(col)
			}
		}
		s, err := csvRow(row)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, s)
		return err

	case model.FormatXML:
		var b strings.Builder
		b.WriteString(`<record identifier="`)
		xmlEscape(&b, r.ID)
		b.WriteString(`">`)
		m.Range(func(k, v string) bool {
			b.WriteString(`<element name="`)
			xmlEscape(&b, k)
			b.WriteString(`">`)
			if k == metadata.KeyDatacite || k == metadata.KeyCrossref {
				b.WriteString(removeXMLDeclaration(v))
			} else {
				xmlEscape(&b, v)
			}
			b.WriteString("</element>")
			return true
		})
		b.WriteString("</record>")
		_, err := io.WriteString(w, b.String())
		return err
	}
	_, err := metadata.WriteANVL(w, r.ID, m, first)
	return err
}

// recordMetadata возвращает внешнее представление записи.
func recordMetadata(r *model.Identifier, convertTimestamps bool) metadata.Map {
	m := r.External()
	if convertTimestamps {
		m.Set(model.KeyCreated, r.CreatedAt.UTC().Format(time.RFC3339))
		m.Set(model.KeyUpdated, r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return m
}

// Matches проверяет запись на соответствие ограничениям запроса.
// Верхние границы времени не включаются.
func Matches(c *model.Constraints, r *model.Identifier, tests identifier.TestShoulders) bool {
	switch {
	case c.CreatedAfter != nil && r.CreatedAt.Before(*c.CreatedAfter):
		return false
	case c.CreatedBefore != nil && !r.CreatedAt.Before(*c.CreatedBefore):
		return false
	case c.UpdatedAfter != nil && r.UpdatedAt.Before(*c.UpdatedAfter):
		return false
	case c.UpdatedBefore != nil && !r.UpdatedAt.Before(*c.UpdatedBefore):
		return false
	case c.Crossref != nil && r.IsCrossref() != *c.Crossref:
		return false
	case c.Datacite != nil && r.IsDatacite() != *c.Datacite:
		return false
	case c.Exported != nil && r.Exported != *c.Exported:
		return false
	case c.Permanence != "" && tests.IsTest(r.ID) != (c.Permanence == "test"):
		return false
	}
	if len(c.Profiles) > 0 && !contains(c.Profiles, r.Profile) {
		return false
	}
	if len(c.Statuses) > 0 && !contains(c.Statuses, r.Status) {
		return false
	}
	if len(c.Types) > 0 && !contains(c.Types, string(identifier.SchemeOf(r.ID))) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// csvRow кодирует строку CSV. Значения приводятся к одной строке.
func csvRow(fields []string) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = true
	row := make([]string, len(fields))
	for i, f := range fields {
		row[i] = oneLine(f)
	}
	if err := w.Write(row); err != nil {
		return "", err
	}
	w.Flush()
	return buf.String(), w.Error()
}

func oneLine(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}

func xmlEscape(b *strings.Builder, s string) {
	// strings.Builder не возвращает ошибок записи.
	_ = xml.EscapeText(b, []byte(s))
}

var xmlDeclarationRE = regexp.MustCompile(`^\s*<\?xml[^>]*\?>\s*`)

func removeXMLDeclaration(s string) string {
	return xmlDeclarationRE.ReplaceAllString(s, "")
}
