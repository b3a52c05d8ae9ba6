package identifier

import (
	"fmt"
	"strings"
)

// URLs — базовые адреса, от которых строятся URL-формы идентификаторов.
type URLs struct {
	// DefaultTargetBase — основа цели по умолчанию ({base}/id/{id}).
	DefaultTargetBase string
	// EZIDBase — основа tombstone-страниц ({base}/tombstone/id/{id}).
	EZIDBase string
	// ResolverARK и ResolverDOI — внешние резолверы.
	ResolverARK string
	ResolverDOI string
}

// DefaultTarget возвращает цель по умолчанию для нормализованного идентификатора.
func (u URLs) DefaultTarget(id string) string {
	return fmt.Sprintf("%s/id/%s", u.DefaultTargetBase, Quote(id))
}

// Tombstone возвращает tombstone-цель для недоступного идентификатора.
func (u URLs) Tombstone(id string) string {
	return fmt.Sprintf("%s/tombstone/id/%s", u.EZIDBase, Quote(id))
}

// ResolverURL возвращает URL идентификатора на внешнем резолвере
// или "[None]", если резолвер для схемы не задан.
func (u URLs) ResolverURL(id string) string {
	switch SchemeOf(id) {
	case SchemeDOI:
		return fmt.Sprintf("%s/%s", u.ResolverDOI, Quote(id[len(PrefixDOI):]))
	case SchemeARK:
		return fmt.Sprintf("%s/%s", u.ResolverARK, Quote(id))
	}
	return "[None]"
}

// TestShoulders — плечи тестовых идентификаторов.
type TestShoulders struct {
	ARK      string
	DOI      string
	Crossref string
}

// IsTest сообщает, является ли квалифицированный идентификатор тестовым.
func (t TestShoulders) IsTest(id string) bool {
	for _, p := range []string{t.ARK, t.DOI, t.Crossref} {
		if p != "" && strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// Quote percent-кодирует строку для подстановки в путь URL, оставляя
// буквы, цифры, "_.-~" и символы ":/" как есть.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURLSafe(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isURLSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("_.-~:/", c) >= 0
}
