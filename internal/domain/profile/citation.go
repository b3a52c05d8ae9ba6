package profile

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bigkaa/goezid/internal/domain/metadata"
)

// Citation — «ядро» цитатных метаданных, общее для всех профилей.
// Пустая строка означает отсутствие значения.
type Citation struct {
	Creator   string
	Title     string
	Publisher string
	Date      string
	Type      string
	// validatedType — тип, уже приведённый к словарю DataCite
	validatedType string
}

// ValidatedDate возвращает нормализованную дату публикации или "".
func (c Citation) ValidatedDate() string {
	if c.Date == "" {
		return ""
	}
	d, err := PublicationDate(c.Date)
	if err != nil {
		return ""
	}
	return d
}

// ValidatedType возвращает тип ресурса, приведённый к словарю DataCite, или "".
func (c Citation) ValidatedType() string {
	if c.validatedType != "" {
		return c.validatedType
	}
	if c.Type == "" {
		return ""
	}
	t, err := ResourceType(c.Type)
	if err != nil {
		return ""
	}
	return t
}

// ResourceTypes — словарь общих типов ресурсов DataCite.
var ResourceTypes = []string{
	"Audiovisual", "Book", "BookChapter", "Collection", "ComputationalNotebook",
	"ConferencePaper", "ConferenceProceeding", "DataPaper", "Dataset", "Dissertation",
	"Event", "Image", "Instrument", "InteractiveResource", "Journal", "JournalArticle",
	"Model", "OutputManagementPlan", "PeerReview", "PhysicalObject", "Preprint",
	"Report", "Service", "Software", "Sound", "Standard", "StudyRegistration",
	"Text", "Workflow", "Other",
}

var resourceTypeSet = func() map[string]bool {
	m := make(map[string]bool, len(ResourceTypes))
	for _, t := range ResourceTypes {
		m[t] = true
	}
	return m
}()

// ResourceType проверяет тип вида "General[/specific]" и возвращает
// нормализованную форму.
func ResourceType(descriptor string) (string, error) {
	gt, st, _ := strings.Cut(strings.TrimSpace(descriptor), "/")
	gt, st = strings.TrimSpace(gt), strings.TrimSpace(st)
	if !resourceTypeSet[gt] {
		return "", fmt.Errorf("invalid resource type")
	}
	if st != "" {
		return gt + "/" + st, nil
	}
	return gt, nil
}

type dateSpec struct {
	minLen, maxLen int
	re             *regexp.Regexp
	layout         string
	components     int
}

var dateSpecs = []dateSpec{
	{4, 4, regexp.MustCompile(`^(\d{4})$`), "2006", 1},
	{6, 6, regexp.MustCompile(`^(\d{6})$`), "200601", 2},
	{7, 7, regexp.MustCompile(`^(\d{4}-\d\d)$`), "2006-01", 2},
	{8, 8, regexp.MustCompile(`^(\d{8})$`), "20060102", 3},
	{10, 10, regexp.MustCompile(`^(\d{4}-\d\d-\d\d)$`), "2006-01-02", 3},
	{16, 16, regexp.MustCompile(`^(\d{4}-\d\d-\d\d \d\d:\d\d)$`), "2006-01-02 15:04", 3},
	{16, 16, regexp.MustCompile(`^(\d{4}-\d\d-\d\dT\d\d:\d\d)$`), "2006-01-02T15:04", 3},
	{19, 26, regexp.MustCompile(`^(\d{4}-\d\d-\d\d \d\d:\d\d:\d\d)( ?(Z|[-+][01]\d:?(00|15|30|45)))?$`), "2006-01-02 15:04:05", 3},
	{19, 25, regexp.MustCompile(`^(\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d)(Z|[-+][01]\d:?(00|15|30|45))?$`), "2006-01-02T15:04:05", 3},
	{21, 21, regexp.MustCompile(`^(\d{4}-\d\d-\d\d \d\d:\d\d:\d\d)\.\d$`), "2006-01-02 15:04:05", 3},
	{21, 21, regexp.MustCompile(`^(\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d)\.\d$`), "2006-01-02T15:04:05", 3},
	{8, 14, regexp.MustCompile(`^([a-zA-Z]+ \d{4})$`), "January 2006", 2},
	{11, 18, regexp.MustCompile(`^([a-zA-Z]+ (\d| \d|\d\d), \d{4})$`), "January _2, 2006", 3},
}

// PublicationDate проверяет дату публикации в одном из распознаваемых
// форматов и возвращает её как YYYY, YYYY-MM или YYYY-MM-DD.
func PublicationDate(date string) (string, error) {
	for _, spec := range dateSpecs {
		if len(date) < spec.minLen || len(date) > spec.maxLen {
			continue
		}
		m := spec.re.FindStringSubmatch(date)
		if m == nil {
			continue
		}
		t, err := time.Parse(spec.layout, m[1])
		if err != nil {
			continue
		}
		switch spec.components {
		case 1:
			return fmt.Sprintf("%04d", t.Year()), nil
		case 2:
			return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month())), nil
		default:
			return fmt.Sprintf("%04d-%02d-%02d", t.Year(), int(t.Month()), t.Day()), nil
		}
	}
	return "", fmt.Errorf("invalid publication date or unrecognized date format")
}

// get возвращает первое непустое значение среди ключей.
func get(m metadata.Map, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m.Value(k)); v != "" {
			return v
		}
	}
	return ""
}

func mapERC(m metadata.Map) Citation {
	if blob := get(m, "erc"); blob != "" {
		if d, err := parseERC(blob); err == nil {
			return Citation{Creator: d["who"], Title: d["what"], Date: d["when"]}
		}
	}
	return Citation{Creator: get(m, "erc.who"), Title: get(m, "erc.what"), Date: get(m, "erc.when")}
}

var dublinCoreTypes = map[string]string{
	"collection":          "Collection",
	"dataset":             "Dataset",
	"event":               "Event",
	"image":               "Image",
	"interactiveresource": "InteractiveResource",
	"movingimage":         "Audiovisual",
	"physicalobject":      "PhysicalObject",
	"service":             "Service",
	"software":            "Software",
	"sound":               "Sound",
	"stillimage":          "Image",
	"text":                "Text",
}

func mapDublinCore(m metadata.Map) Citation {
	typ := get(m, "dc.type")
	return Citation{
		Creator:       get(m, "dc.creator"),
		Title:         get(m, "dc.title"),
		Publisher:     get(m, "dc.publisher"),
		Date:          get(m, "dc.date"),
		Type:          typ,
		validatedType: dublinCoreTypes[strings.ToLower(typ)],
	}
}

func mapDataciteItemized(m metadata.Map) Citation {
	return Citation{
		Creator:   get(m, "datacite.creator"),
		Title:     get(m, "datacite.title"),
		Publisher: get(m, "datacite.publisher"),
		Date:      get(m, "datacite.publicationyear"),
		Type:      get(m, "datacite.resourcetype"),
	}
}

func mapDatacite(m metadata.Map) Citation {
	if record := get(m, metadata.KeyDatacite); record != "" {
		if c, err := citationFromDatacite(record); err == nil {
			return c
		}
	}
	return mapDataciteItemized(m)
}

func mapCrossref(m metadata.Map) Citation {
	if body := get(m, metadata.KeyCrossref); body != "" {
		if c, err := citationFromCrossref(body); err == nil {
			return c
		}
	}
	return Citation{}
}

// withDatacitePriority накладывает поля DataCite поверх родного отображения.
func withDatacitePriority(c Citation, m metadata.Map) Citation {
	return overlay(c, mapDatacite(m))
}

// overlay заменяет поля c непустыми полями d.
func overlay(c, d Citation) Citation {
	if d.Creator != "" {
		c.Creator = d.Creator
	}
	if d.Title != "" {
		c.Title = d.Title
	}
	if d.Publisher != "" {
		c.Publisher = d.Publisher
	}
	if d.Date != "" {
		c.Date = d.Date
	}
	if d.Type != "" {
		c.Type = d.Type
		c.validatedType = ""
	}
	return c
}

var ercCodes = map[string]string{
	"sp": " ", "ex": "!", "dq": `"`, "ns": "#", "do": "$", "pe": "%", "am": "&",
	"sq": "'", "op": "(", "cp": ")", "as": "*", "pl": "+", "co": ",", "pd": ".",
	"sl": "/", "cn": ":", "sc": ";", "lt": "<", "eq": "=", "gt": ">", "qu": "?",
	"at": "@", "ox": "[", "ls": `\`, "cx": "]", "vb": "|", "nu": "\x00", "%": "%", "_": "",
}

var ercCodeRE = regexp.MustCompile(`%([a-z][a-z]|%|_)`)

// parseERC разбирает блок ERC ("erc:\nwho: ...\nwhat: ...").
// Строки продолжения начинаются с пробела.
func parseERC(blob string) (map[string]string, error) {
	result := make(map[string]string)
	var key string
	for _, line := range strings.Split(strings.ReplaceAll(blob, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if key == "" {
				return nil, fmt.Errorf("ERC continuation line without label")
			}
			result[key] += " " + strings.TrimSpace(line)
			continue
		}
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("ERC line without label: %q", line)
		}
		key = strings.ToLower(strings.TrimSpace(label))
		result[key] = strings.TrimSpace(value)
	}
	if _, ok := result["erc"]; !ok {
		return nil, fmt.Errorf("not an ERC record")
	}
	for k, v := range result {
		result[k] = ercCodeRE.ReplaceAllStringFunc(v, func(c string) string {
			if r, ok := ercCodes[c[1:]]; ok {
				return r
			}
			return c
		})
	}
	return result, nil
}
