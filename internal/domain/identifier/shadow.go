package identifier

import (
	"fmt"
	"strconv"
	"strings"
)

const betaNumeric = "bcdfghjkmnpqrstvwxz"

// DOIToShadow преобразует DOI без схемы (например, "10.5060/FOO") в
// теневой ARK без схемы (например, "b5060/foo") в канонической форме.
// Символы, которые нормализация ARK удалила бы, percent-кодируются,
// поэтому разные DOI дают разные теневые ARK.
func DOIToShadow(doi string) (string, error) {
	prefix, _, found := strings.Cut(doi, "/")
	if !found || len(prefix) < 7 || !strings.HasPrefix(prefix, "10.") {
		return "", fmt.Errorf("некорректный DOI: %q", doi)
	}
	i := len(prefix) + 1
	var p string
	switch i {
	case 8:
		p = "b" + doi[3:i]
	case 9:
		p = string(betaNumeric[doi[3]-'0']) + doi[4:i]
	case 10:
		idx := int(doi[3]-'0')*10 + int(doi[4]-'0')
		if idx >= len(betaNumeric) {
			return "", fmt.Errorf("некорректный префикс DOI: %q", doi)
		}
		p = string(betaNumeric[idx]) + doi[5:i]
	default:
		return "", fmt.Errorf("некорректный префикс DOI: %q", doi)
	}

	s := strings.ToLower(strings.NewReplacer("%", "%25", "-", "%2d").Replace(doi[i:]))
	s = arkEdgeRE.ReplaceAllStringFunc(s, func(c string) string {
		return fmt.Sprintf("%%%02x", c[0])
	})
	s = arkAdjacentRE.ReplaceAllStringFunc(s, func(run string) string {
		var b strings.Builder
		b.WriteByte(run[0])
		for j := 1; j < len(run); j++ {
			fmt.Fprintf(&b, "%%%02x", run[j])
		}
		return b.String()
	})

	ark, ok := ValidateARK(p + s)
	if !ok {
		return "", fmt.Errorf("теневой ARK для %q не прошёл проверку", doi)
	}
	return ark, nil
}

// ShadowToDOI выполняет обратное преобразование теневого ARK без схемы
// в DOI без схемы. Корректность самого теневого ARK не проверяется.
func ShadowToDOI(ark string) (string, error) {
	m := shadowSplitRE.FindStringSubmatch(ark)
	if m == nil {
		return "", fmt.Errorf("некорректный теневой ARK: %q", ark)
	}
	c := ""
	if m[1] != "b" {
		c = strconv.Itoa(strings.Index(betaNumeric, m[1]))
	}
	doi := "10." + c + m[2] + "/" + m[3]
	doi = hexEscapeRE.ReplaceAllStringFunc(doi, func(esc string) string {
		return string([]byte{unhex(esc[1])<<4 | unhex(esc[2])})
	})
	return strings.ToUpper(doi), nil
}

// Shadow возвращает квалифицированный теневой ARK для квалифицированного DOI.
func Shadow(doi string) (string, error) {
	if !IsDOI(doi) {
		return "", fmt.Errorf("не DOI: %q", doi)
	}
	s, err := DOIToShadow(doi[len(PrefixDOI):])
	if err != nil {
		return "", err
	}
	return PrefixARK + s, nil
}
