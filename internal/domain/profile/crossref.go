package profile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var crossrefNamespaceRE = regexp.MustCompile(`^http://www\.crossref\.org/schema/(4\.[34]\.\d|5\.[34]\.\d)$`)

var crossrefRootTags = map[string]string{
	"journal":        "JournalArticle",
	"book":           "Book",
	"conference":     "ConferencePaper",
	"sa_component":   "Text",
	"dissertation":   "Dissertation",
	"report-paper":   "Report",
	"standard":       "Standard",
	"database":       "Dataset",
	"peer_review":    "PeerReview",
	"posted_content": "Preprint",
}

const (
	tba          = "(:tba)"
	withdrawnTag = "WITHDRAWN: "
)

// Depositor — сведения о депозиторе в заголовке пакета Crossref.
type Depositor struct {
	Name  string
	Email string
}

// crossrefBody — разобранный дочерний элемент <body> депозита Crossref.
type crossrefBody struct {
	doc       *xmlDoc
	root      int
	namespace string
	version   string
	doiData   int
}

func parseCrossrefBody(body string) (*crossrefBody, error) {
	body, err := stripPrologStrict(body, true)
	if err != nil {
		return nil, err
	}
	doc, err := parseXMLDoc(body)
	if err != nil {
		return nil, err
	}
	root := 0
	m := crossrefNamespaceRE.FindStringSubmatch(doc.nodes[root].name.Space)
	if m == nil {
		return nil, fmt.Errorf("not Crossref submission metadata")
	}
	if doc.nodes[root].name.Local == "doi_batch" {
		l := doc.childrenNamed(root, "body")
		if len(l) == 0 {
			return nil, fmt.Errorf("malformed Crossref submission metadata")
		}
		root = l[0]
	}
	if doc.nodes[root].name.Local == "body" {
		if len(doc.nodes[root].children) != 1 {
			return nil, fmt.Errorf("malformed Crossref submission metadata")
		}
		root = doc.nodes[root].children[0]
		if doc.nodes[root].name.Space != m[0] {
			return nil, fmt.Errorf("malformed Crossref submission metadata")
		}
	}
	if _, ok := crossrefRootTags[doc.nodes[root].name.Local]; !ok {
		return nil, fmt.Errorf("XML document root is not a Crossref <body> child element")
	}
	cb := &crossrefBody{doc: doc, root: root, namespace: m[0], version: m[1], doiData: -1}
	if l := doc.descendants(root, "doi_data"); len(l) == 1 {
		cb.doiData = l[0]
	} else {
		return nil, fmt.Errorf("XML document contains %s <doi_data> element", notOne(len(l)))
	}
	return cb, nil
}

func notOne(n int) string {
	if n == 0 {
		return "no"
	}
	return "more than one"
}

// namespaceEdit вписывает объявление пространства имён в корень тела,
// если оно было объявлено на отброшенном внешнем элементе.
func (cb *crossrefBody) namespaceEdit() []xmlEdit {
	if cb.doc.declaresNamespace(cb.root) {
		return nil
	}
	n := cb.doc.nodes[cb.root]
	prefix := cb.doc.startTagPrefix(cb.root)
	attr := fmt.Sprintf(` xmlns="%s"`, cb.namespace)
	qlen := len(n.name.Local)
	if prefix != "" {
		attr = fmt.Sprintf(` xmlns:%s="%s"`, prefix, cb.namespace)
		qlen += len(prefix) + 1
	}
	pos := n.start + 1 + qlen
	return []xmlEdit{{from: pos, to: pos, text: attr}}
}

// ValidateCrossrefBody проверяет и нормализует тело депозита Crossref:
// снимает обёртки <doi_batch>/<body>, требует ровно один <doi_data>
// с одним <doi> и одним <resource>, заменяет их значения на "(:tba)"
// и удаляет <timestamp>.
func ValidateCrossrefBody(body string) (string, error) {
	cb, err := parseCrossrefBody(body)
	if err != nil {
		return "", err
	}
	doc := cb.doc
	dois := doc.childrenNamed(cb.doiData, "doi")
	if len(dois) != 1 {
		return "", fmt.Errorf("<doi_data> element contains %s <doi> subelement", notOne(len(dois)))
	}
	resources := doc.childrenNamed(cb.doiData, "resource")
	if len(resources) != 1 {
		return "", fmt.Errorf("<doi_data> element contains %s <resource> subelement", notOne(len(resources)))
	}
	if len(doc.path(cb.doiData, "collection", "item", "doi")) > 0 {
		return "", fmt.Errorf("<doi_data> element contains more than one <doi> subelement")
	}
	edits := []xmlEdit{doc.replaceText(dois[0], tba), doc.replaceText(resources[0], tba)}
	switch ts := doc.childrenNamed(cb.doiData, "timestamp"); {
	case len(ts) > 1:
		return "", fmt.Errorf("<doi_data> element contains more than one <timestamp> subelement")
	case len(ts) == 1:
		n := doc.nodes[ts[0]]
		edits = append(edits, xmlEdit{from: n.start, to: n.end})
	}
	edits = append(edits, cb.namespaceEdit()...)
	return xmlDeclaration + doc.slice(cb.root, edits...), nil
}

// ReplaceTBAs подставляет DOI без схемы и целевой URL вместо "(:tba)"
// в нормализованное тело.
func ReplaceTBAs(body, doi, target string) (string, error) {
	cb, err := parseCrossrefBody(body)
	if err != nil {
		return "", err
	}
	edits, err := cb.doiEdits(doi, target)
	if err != nil {
		return "", err
	}
	return xmlDeclaration + cb.doc.slice(cb.root, edits...), nil
}

func (cb *crossrefBody) doiEdits(doi, target string) ([]xmlEdit, error) {
	doc := cb.doc
	dois := doc.childrenNamed(cb.doiData, "doi")
	resources := doc.childrenNamed(cb.doiData, "resource")
	if len(dois) != 1 || len(resources) != 1 {
		return nil, fmt.Errorf("malformed Crossref submission metadata")
	}
	return append([]xmlEdit{doc.replaceText(dois[0], doi), doc.replaceText(resources[0], target)},
		cb.namespaceEdit()...), nil
}

var withdrawTitlePaths = [][]string{
	{"titles", "title"},
	{"titles", "original_language_title"},
	{"proceedings_title"},
	{"full_title"},
	{"abbrev_title"},
}

// BuildDeposit собирает полный документ депозита <doi_batch> вокруг
// нормализованного тела. При withdraw заголовки записи получают
// префикс "WITHDRAWN: ".
func BuildDeposit(body, registrant, doi, target string, dep Depositor, batchID string, now time.Time, withdraw bool) (string, error) {
	cb, err := parseCrossrefBody(body)
	if err != nil {
		return "", err
	}
	edits, err := cb.doiEdits(doi, target)
	if err != nil {
		return "", err
	}
	doc := cb.doc
	if withdraw {
		parent := doc.nodes[cb.doiData].parent
		for _, p := range withdrawTitlePaths {
			for _, t := range doc.path(parent, p...) {
				if doc.nodes[t].text.Len() > 0 {
					n := doc.nodes[t]
					edits = append(edits, xmlEdit{from: n.innerStart, to: n.innerStart, text: withdrawnTag})
				}
			}
		}
	}

	depositorName := "depositor_name"
	if cb.version < "4.3.4" {
		depositorName = "name"
	}
	var b strings.Builder
	b.WriteString(xmlDeclaration)
	fmt.Fprintf(&b, `<doi_batch xmlns="%s" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" version="%s" xsi:schemaLocation="%s http://www.crossref.org/schema/deposit/crossref%s.xsd">`,
		cb.namespace, cb.version, cb.namespace, cb.version)
	b.WriteString("<head>")
	fmt.Fprintf(&b, "<doi_batch_id>%s</doi_batch_id>", escapeXML(batchID))
	fmt.Fprintf(&b, "<timestamp>%s</timestamp>", strconv.FormatInt(now.UnixMilli()/10, 10))
	fmt.Fprintf(&b, "<depositor><%s>%s</%s><email_address>%s</email_address></depositor>",
		depositorName, escapeXML(dep.Name), depositorName, escapeXML(dep.Email))
	fmt.Fprintf(&b, "<registrant>%s</registrant>", escapeXML(registrant))
	b.WriteString("</head><body>")
	b.WriteString(doc.slice(cb.root, edits...))
	b.WriteString("</body></doi_batch>")
	return b.String(), nil
}

// citationFromCrossref извлекает ядро метаданных из тела Crossref.
func citationFromCrossref(body string) (Citation, error) {
	cb, err := parseCrossrefBody(body)
	if err != nil {
		return Citation{}, err
	}
	doc := cb.doc
	c := Citation{validatedType: crossrefRootTags[doc.nodes[cb.root].name.Local]}
	c.Type = c.validatedType
	if l := doc.descendants(cb.root, "title"); len(l) > 0 {
		c.Title = doc.text(l[0])
	}
	var creators []string
	for _, p := range doc.descendants(cb.root, "person_name") {
		surname, given := "", ""
		if l := doc.childrenNamed(p, "surname"); len(l) > 0 {
			surname = doc.text(l[0])
		}
		if l := doc.childrenNamed(p, "given_name"); len(l) > 0 {
			given = doc.text(l[0])
		}
		switch {
		case surname != "" && given != "":
			creators = append(creators, surname+", "+given)
		case surname != "":
			creators = append(creators, surname)
		}
	}
	for _, o := range doc.descendants(cb.root, "organization") {
		if t := doc.text(o); t != "" {
			creators = append(creators, t)
		}
	}
	c.Creator = strings.Join(creators, " ; ")
	if l := doc.descendants(cb.root, "publisher_name"); len(l) > 0 {
		c.Publisher = doc.text(l[0])
	}
	if l := doc.descendants(cb.root, "year"); len(l) > 0 {
		c.Date = doc.text(l[0])
	}
	return c, nil
}
