package profile

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

var prologRE = regexp.MustCompile(`^<\?xml\s+version\s*=\s*['"]([-\w.:]+)["']` +
	`(\s+encoding\s*=\s*['"]([-\w.]+)["'])?` +
	`(\s+standalone\s*=\s*['"](yes|no)["'])?\s*\?>\s*`)

var utf8RE = regexp.MustCompile(`(?i)^UTF-?8$`)

// node — элемент документа с байтовыми границами в исходном тексте.
// Границы позволяют править документ точечно, не пересериализуя его.
type node struct {
	name   xml.Name
	attrs  []xml.Attr
	parent int
	// start/end — весь элемент, innerStart/innerEnd — содержимое
	start, end           int
	innerStart, innerEnd int
	text                 strings.Builder
	children             []int
}

type xmlDoc struct {
	src   string
	nodes []*node
}

type xmlEdit struct {
	from, to int
	text     string
}

// parseXMLDoc разбирает документ, проверяя корректность структуры.
func parseXMLDoc(src string) (*xmlDoc, error) {
	doc := &xmlDoc{src: src}
	dec := xml.NewDecoder(strings.NewReader(src))
	var stack []int
	for {
		offset := int(dec.InputOffset())
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("XML parse error: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name, attrs: t.Attr, parent: -1, start: offset, innerStart: int(dec.InputOffset())}
			idx := len(doc.nodes)
			if len(stack) > 0 {
				n.parent = stack[len(stack)-1]
				doc.nodes[n.parent].children = append(doc.nodes[n.parent].children, idx)
			} else if idx > 0 {
				return nil, fmt.Errorf("XML parse error: multiple root elements")
			}
			doc.nodes = append(doc.nodes, n)
			stack = append(stack, idx)
		case xml.EndElement:
			n := doc.nodes[stack[len(stack)-1]]
			n.innerEnd = offset
			n.end = int(dec.InputOffset())
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				doc.nodes[stack[len(stack)-1]].text.Write(t)
			}
		}
	}
	if len(doc.nodes) == 0 {
		return nil, fmt.Errorf("XML parse error: no root element")
	}
	return doc, nil
}

func (d *xmlDoc) root() *node { return d.nodes[0] }

// childrenNamed возвращает прямых потомков с локальным именем local
// в пространстве имён родителя.
func (d *xmlDoc) childrenNamed(i int, local string) []int {
	p := d.nodes[i]
	var out []int
	for _, c := range p.children {
		n := d.nodes[c]
		if n.name.Local == local && n.name.Space == p.name.Space {
			out = append(out, c)
		}
	}
	return out
}

// path спускается по цепочке локальных имён и возвращает все совпадения.
func (d *xmlDoc) path(i int, names ...string) []int {
	cur := []int{i}
	for _, name := range names {
		var next []int
		for _, c := range cur {
			next = append(next, d.childrenNamed(c, name)...)
		}
		cur = next
	}
	return cur
}

// descendants возвращает всех потомков i с локальным именем local.
func (d *xmlDoc) descendants(i int, local string) []int {
	var out []int
	for _, c := range d.nodes[i].children {
		if d.nodes[c].name.Local == local {
			out = append(out, c)
		}
		out = append(out, d.descendants(c, local)...)
	}
	return out
}

func (d *xmlDoc) text(i int) string { return strings.TrimSpace(d.nodes[i].text.String()) }

func (d *xmlDoc) attr(i int, local string) (string, bool) {
	for _, a := range d.nodes[i].attrs {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value, true
		}
	}
	return "", false
}

// slice возвращает исходный текст элемента i с применёнными правками,
// попадающими в его границы.
func (d *xmlDoc) slice(i int, edits ...xmlEdit) string {
	n := d.nodes[i]
	sort.Slice(edits, func(a, b int) bool { return edits[a].from > edits[b].from })
	s := d.src[n.start:n.end]
	for _, e := range edits {
		if e.from < n.start || e.to > n.end {
			continue
		}
		s = s[:e.from-n.start] + e.text + s[e.to-n.start:]
	}
	return s
}

// replaceText возвращает правку, заменяющую содержимое элемента.
func (d *xmlDoc) replaceText(i int, text string) xmlEdit {
	n := d.nodes[i]
	if n.end == n.innerStart && strings.HasSuffix(d.src[n.start:n.end], "/>") {
		// самозакрывающийся элемент раскрывается
		qname := d.src[n.start+1 : n.end]
		if end := strings.IndexAny(qname, " \t\r\n/"); end >= 0 {
			qname = qname[:end]
		}
		return xmlEdit{from: n.end - 2, to: n.end, text: ">" + escapeXML(text) + "</" + qname + ">"}
	}
	return xmlEdit{from: n.innerStart, to: n.innerEnd, text: escapeXML(text)}
}

// startTagPrefix возвращает префикс пространства имён в открывающем теге.
func (d *xmlDoc) startTagPrefix(i int) string {
	n := d.nodes[i]
	tag := d.src[n.start+1 : n.innerStart]
	end := strings.IndexAny(tag, " \t\r\n/>")
	if end >= 0 {
		tag = tag[:end]
	}
	if p, _, ok := strings.Cut(tag, ":"); ok {
		return p
	}
	return ""
}

// declaresNamespace сообщает, объявлено ли пространство имён в открывающем теге.
func (d *xmlDoc) declaresNamespace(i int) bool {
	for _, a := range d.nodes[i].attrs {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			return true
		}
	}
	return false
}

// stripProlog проверяет XML-декларацию и отрезает её.
func stripProlog(s string) (string, error) { return stripPrologStrict(s, false) }

// stripPrologStrict дополнительно требует standalone="yes", если атрибут задан.
func stripPrologStrict(s string, standalone bool) (string, error) {
	m := prologRE.FindStringSubmatch(s)
	if m == nil {
		return s, nil
	}
	if m[1] != "1.0" {
		return "", fmt.Errorf("unsupported XML version")
	}
	if m[2] != "" && !utf8RE.MatchString(m[3]) {
		return "", fmt.Errorf("XML encoding must be utf-8")
	}
	if standalone && m[4] != "" && m[5] != "yes" {
		return "", fmt.Errorf("XML document must be standalone")
	}
	return s[len(m[0]):], nil
}

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
