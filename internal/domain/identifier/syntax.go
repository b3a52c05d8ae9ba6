// Пакет identifier — синтаксис идентификаторов ARK, DOI и UUID:
// проверка и нормализация, теневые ARK для DOI, вывод плеча,
// URL-формы (цель по умолчанию, tombstone, резолвер).
package identifier

import (
	"fmt"
	"regexp"
	"strings"
)

// Scheme — схема идентификатора.
type Scheme string

const (
	SchemeARK  Scheme = "ark"
	SchemeDOI  Scheme = "doi"
	SchemeUUID Scheme = "uuid"
)

// Префиксы квалифицированных идентификаторов.
const (
	PrefixARK  = "ark:/"
	PrefixDOI  = "doi:"
	PrefixUUID = "uuid:"
)

// MaxLength — максимальная длина квалифицированного идентификатора.
const MaxLength = 255

// MaxDatacenterSymbolLength — максимальная длина символа датацентра DataCite.
const MaxDatacenterSymbolLength = 17

var (
	doiRE         = regexp.MustCompile(`^10\.[1-9]\d{3,4}/[!"$->@-~]+$`)
	arkRE         = regexp.MustCompile(`^((?:\d{5}(?:\d{4})?|[bcdfghjkmnpqrstvwxz]\d{4})/)([!-~]+)$`)
	arkMixedRE    = regexp.MustCompile(`\./|/\.`)
	arkAdjacentRE = regexp.MustCompile(`([./])[./]+`)
	arkEdgeRE     = regexp.MustCompile(`^[./]|[./]$`)
	uuidRE        = regexp.MustCompile(`(?i)^[0-9a-f]{8}-(?:[0-9a-f]{4}-){3}[0-9a-f]{12}$`)
	datacenterRE  = regexp.MustCompile(`(?i)^([A-Z][-A-Z0-9]{0,6}[A-Z0-9])\.([A-Z][-A-Z0-9]{0,6}[A-Z0-9])$`)
	arkShoulderRE = regexp.MustCompile(`^ark:/(\d{5}(\d{4})?|[b-k]\d{4})/[0-9a-zA-Z]{0,2}`)
	doiShoulderRE = regexp.MustCompile(`^doi:10\.[1-9]\d{3,4}/[0-9A-Z]{0,2}`)
	shadowedDoiRE = regexp.MustCompile(`^ark:/[bcdfghjkmnpqrstvwxz]`)
	shadowSplitRE = regexp.MustCompile(`^([bcdfghjkmnpqrstvwxz])(.*)/(.*)$`)
	hexEscapeRE   = regexp.MustCompile(`%([0-9a-fA-F][0-9a-fA-F])`)
)

// ValidateDOI проверяет DOI без схемы (например, "10.5060/foo") и
// возвращает каноническую (верхний регистр) форму.
func ValidateDOI(doi string) (string, bool) {
	if !doiRE.MatchString(doi) {
		return "", false
	}
	if strings.Contains(doi, "//") || strings.HasSuffix(doi, "/") {
		return "", false
	}
	if len(doi) > MaxLength-4 {
		return "", false
	}
	return strings.ToUpper(doi), true
}

// ValidateARK проверяет ARK без схемы (например, "13030/foo") и
// возвращает каноническую форму: дефисы удаляются, соседние
// структурные символы схлопываются, percent-кодирование нормализуется.
func ValidateARK(ark string) (string, bool) {
	m := arkRE.FindStringSubmatch(ark)
	if m == nil {
		return "", false
	}
	p, s := m[1], m[2]
	s = strings.ReplaceAll(s, "-", "")
	if arkMixedRE.MatchString(s) {
		return "", false
	}
	s = arkAdjacentRE.ReplaceAllString(s, "${1}")
	s = arkEdgeRE.ReplaceAllString(s, "")
	if s == "" {
		return "", false
	}
	s, ok := normalizeARKPercentEncoding(s)
	if !ok {
		return "", false
	}
	if len(p)+len(s) > MaxLength-5 {
		return "", false
	}
	return p + s, true
}

// ValidateUUID проверяет UUID без схемы и возвращает его в нижнем регистре.
func ValidateUUID(id string) (string, bool) {
	if !uuidRE.MatchString(id) {
		return "", false
	}
	return strings.ToLower(id), true
}

// Validate проверяет квалифицированный идентификатор любой схемы и
// возвращает его каноническую форму.
func Validate(id string) (string, bool) {
	switch {
	case strings.HasPrefix(id, PrefixARK):
		if s, ok := ValidateARK(id[len(PrefixARK):]); ok {
			return PrefixARK + s, true
		}
	case strings.HasPrefix(id, PrefixDOI):
		if s, ok := ValidateDOI(id[len(PrefixDOI):]); ok {
			return PrefixDOI + s, true
		}
	case strings.HasPrefix(id, PrefixUUID):
		if s, ok := ValidateUUID(id[len(PrefixUUID):]); ok {
			return PrefixUUID + s, true
		}
	}
	return "", false
}

// Normalize работает как Validate, но теневой ARK заменяется
// идентификатором DOI, который он отражает.
func Normalize(id string) (string, bool) {
	id, ok := Validate(id)
	if !ok {
		return "", false
	}
	if !shadowedDoiRE.MatchString(id) {
		return id, true
	}
	shadow := id[len(PrefixARK):]
	doi, err := ShadowToDOI(shadow)
	if err != nil {
		return "", false
	}
	if _, ok := ValidateDOI(doi); !ok {
		return "", false
	}
	back, err := DOIToShadow(doi)
	if err != nil || back != shadow {
		return "", false
	}
	return PrefixDOI + doi, true
}

// SchemeOf возвращает схему квалифицированного идентификатора.
func SchemeOf(id string) Scheme {
	switch {
	case strings.HasPrefix(id, PrefixARK):
		return SchemeARK
	case strings.HasPrefix(id, PrefixDOI):
		return SchemeDOI
	case strings.HasPrefix(id, PrefixUUID):
		return SchemeUUID
	}
	return ""
}

// IsDOI сообщает, является ли идентификатор DOI.
func IsDOI(id string) bool { return strings.HasPrefix(id, PrefixDOI) }

// ValidateShoulder проверяет плечо: добавление одного символа должно
// давать синтаксически корректный идентификатор в канонической форме.
func ValidateShoulder(shoulder string) bool {
	switch {
	case strings.HasPrefix(shoulder, PrefixARK):
		id := shoulder[len(PrefixARK):] + "x"
		s, ok := ValidateARK(id)
		return ok && s == id
	case strings.HasPrefix(shoulder, PrefixDOI):
		id := shoulder[len(PrefixDOI):] + "X"
		s, ok := ValidateDOI(id)
		return ok && s == id
	case shoulder == PrefixUUID:
		return true
	}
	return false
}

// InferredShoulder выводит плечо нормализованного идентификатора:
// идентификатор до первых двух символов после разделяющего слэша.
func InferredShoulder(id string) string {
	switch {
	case strings.HasPrefix(id, PrefixARK):
		return arkShoulderRE.FindString(id)
	case strings.HasPrefix(id, PrefixDOI):
		return doiShoulderRE.FindString(id)
	}
	scheme, _, _ := strings.Cut(id, ":")
	return scheme + ":"
}

// ExplodePrefixes возвращает все префиксы нормализованного
// идентификатора, которые сами являются корректными идентификаторами.
func ExplodePrefixes(id string) []string {
	var (
		prefix    string
		validator func(string) (string, bool)
	)
	switch SchemeOf(id) {
	case SchemeARK:
		prefix, validator = PrefixARK, ValidateARK
	case SchemeDOI:
		prefix, validator = PrefixDOI, ValidateDOI
	case SchemeUUID:
		prefix, validator = PrefixUUID, ValidateUUID
	default:
		return nil
	}
	body := id[len(prefix):]
	var result []string
	for i := 1; i <= len(body); i++ {
		if s, ok := validator(body[:i]); ok && s == body[:i] {
			result = append(result, prefix+body[:i])
		}
	}
	return result
}

// ValidateDatacenter проверяет символ датацентра DataCite
// (например, "CDL.BUL") и возвращает его в верхнем регистре.
func ValidateDatacenter(symbol string) (string, bool) {
	if len(symbol) > MaxDatacenterSymbolLength || !datacenterRE.MatchString(symbol) {
		return "", false
	}
	return strings.ToUpper(symbol), true
}

const (
	arkKeepDecoded = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ=*+@_$~"
	arkKeepRaw     = arkKeepDecoded + "./"
)

func normalizeARKPercentEncoding(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' {
			if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
				return "", false
			}
			d := unhex(s[i+1])<<4 | unhex(s[i+2])
			if strings.IndexByte(arkKeepDecoded, d) >= 0 {
				b.WriteByte(d)
			} else {
				b.WriteString(strings.ToLower(s[i : i+3]))
			}
			i += 2
			continue
		}
		if strings.IndexByte(arkKeepRaw, c) >= 0 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String(), true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
