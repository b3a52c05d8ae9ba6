package metadata

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// percentEncode кодирует байты, для которых escape возвращает true, как %XX.
func percentEncode(s string, escape func(c byte) bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escape(c) {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func nonGraphic(c byte) bool { return c < '!' || c > '~' }

// EncodeValue кодирует значение элемента для binder:
// дополнительно экранирует символы '"\&@|;()[]=.
func EncodeValue(s string) string {
	return percentEncode(s, func(c byte) bool {
		return nonGraphic(c) || strings.IndexByte(`%'"\&@|;()[]=`, c) >= 0
	})
}

// EncodeName кодирует идентификатор или имя элемента для binder:
// как EncodeValue, плюс ":" и "<".
func EncodeName(s string) string {
	return percentEncode(s, func(c byte) bool {
		return nonGraphic(c) || strings.IndexByte(`%'"\&@|;()[]=:<`, c) >= 0
	})
}

// Decode декодирует строку, закодированную функциями Encode*.
func Decode(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("некорректное percent-кодирование: %q", s)
		}
		var v byte
		for _, c := range []byte{s[i+1], s[i+2]} {
			var d byte
			switch {
			case '0' <= c && c <= '9':
				d = c - '0'
			case 'a' <= c && c <= 'f':
				d = c - 'a' + 10
			case 'A' <= c && c <= 'F':
				d = c - 'A' + 10
			default:
				return "", fmt.Errorf("некорректное percent-кодирование: %q", s)
			}
			v = v<<4 | d
		}
		b.WriteByte(v)
		i += 2
	}
	return b.String(), nil
}

// WriteANVL записывает запись в формате ANVL: строка ":: <id>", затем
// строки "ключ: значение". Записи, кроме первой, отделяются пустой строкой.
func WriteANVL(w io.Writer, id string, m Map, first bool) (int, error) {
	var b strings.Builder
	if !first {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, ":: %s\n", id)
	m.Range(func(k, v string) bool {
		fmt.Fprintf(&b, "%s: %s\n", encodeANVLName(k), encodeANVLValue(v))
		return true
	})
	return io.WriteString(w, b.String())
}

// WriteElements записывает строки "ключ: значение" без строки
// идентификатора (тело ответа на запрос get).
func WriteElements(w io.Writer, m Map) error {
	var b strings.Builder
	m.Range(func(k, v string) bool {
		fmt.Fprintf(&b, "%s: %s\n", encodeANVLName(k), encodeANVLValue(v))
		return true
	})
	_, err := io.WriteString(w, b.String())
	return err
}

// ParseANVL разбирает тело запроса: строки "ключ: значение" в UTF-8,
// ключи и значения percent-декодируются, пустые строки пропускаются.
// Повтор ключа — ошибка. Текст ошибки уходит клиенту как есть.
func ParseANVL(r io.Reader) (Map, error) {
	var m Map
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Map{}, fmt.Errorf("ANVL parse error: line %d: missing colon", n)
		}
		key, err := Decode(strings.TrimSpace(k))
		if err != nil {
			return Map{}, fmt.Errorf("ANVL parse error: line %d: percent-decoding error", n)
		}
		if key == "" {
			return Map{}, fmt.Errorf("ANVL parse error: line %d: empty element name", n)
		}
		value, err := Decode(strings.TrimSpace(v))
		if err != nil {
			return Map{}, fmt.Errorf("ANVL parse error: line %d: percent-decoding error", n)
		}
		if m.Has(key) {
			return Map{}, fmt.Errorf("ANVL parse error: duplicate element name: %s", key)
		}
		m.Set(key, value)
	}
	if err := sc.Err(); err != nil {
		return Map{}, fmt.Errorf("ANVL parse error: %w", err)
	}
	return m, nil
}

func encodeANVLName(s string) string {
	return percentEncode(s, func(c byte) bool {
		return c == '%' || c == ':' || c == '\n' || c == '\r'
	})
}

func encodeANVLValue(s string) string {
	return percentEncode(s, func(c byte) bool {
		return c == '%' || c == '\n' || c == '\r'
	})
}
