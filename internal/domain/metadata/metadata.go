// Пакет metadata — упорядоченная карта метаданных идентификатора и её
// каноническая форма хранения: JSON, сжатый zlib.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Зарезервированные ключи метаданных, содержащие XML-документы.
const (
	KeyDatacite = "datacite"
	KeyCrossref = "crossref"
)

// Map — упорядоченное отображение ключ → значение.
// Порядок ключей — порядок первой вставки. Нулевое значение готово к работе.
type Map struct {
	keys   []string
	values map[string]string
}

// FromPairs создаёт карту из пар ключ/значение.
func FromPairs(pairs ...string) Map {
	var m Map
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

// Len возвращает число элементов.
func (m Map) Len() int { return len(m.keys) }

// Get возвращает значение ключа.
func (m Map) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Value возвращает значение ключа или пустую строку.
func (m Map) Value(key string) string { return m.values[key] }

// Has сообщает, есть ли ключ в карте.
func (m Map) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Set устанавливает значение. Новый ключ добавляется в конец.
func (m *Map) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete удаляет ключ.
func (m *Map) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys возвращает ключи в порядке вставки.
func (m Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range вызывает fn для каждой пары в порядке вставки, пока fn возвращает true.
func (m Map) Range(fn func(key, value string) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Clone возвращает независимую копию.
func (m Map) Clone() Map {
	var c Map
	m.Range(func(k, v string) bool {
		c.Set(k, v)
		return true
	})
	return c
}

// Merge накладывает other поверх m. Пустое значение в other удаляет ключ.
func (m *Map) Merge(other Map) {
	other.Range(func(k, v string) bool {
		if v == "" {
			m.Delete(k)
		} else {
			m.Set(k, v)
		}
		return true
	})
}

// Equal сравнивает содержимое двух карт без учёта порядка.
func (m Map) Equal(other Map) bool {
	if m.Len() != other.Len() {
		return false
	}
	for k, v := range m.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Split делит карту на зарезервированные ("_"-префиксные) и
// пользовательские элементы.
func (m Map) Split() (reserved, user Map) {
	m.Range(func(k, v string) bool {
		if strings.HasPrefix(k, "_") {
			reserved.Set(k, v)
		} else {
			user.Set(k, v)
		}
		return true
	})
	return reserved, user
}

// MarshalJSON кодирует карту как JSON-объект с сохранением порядка ключей.
func (m Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON декодирует JSON-объект строк с сохранением порядка ключей.
func (m *Map) UnmarshalJSON(data []byte) error {
	*m = Map{}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("метаданные: ожидался JSON-объект")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("метаданные: некорректный ключ %v", tok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("метаданные: значение ключа %q: %w", key, err)
		}
		m.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

// Compress кодирует произвольное значение в JSON и сжимает zlib.
// Это единственная форма хранения метаданных и снимков записей.
func Compress(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ошибка кодирования JSON: %w", err)
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("ошибка сжатия: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ошибка сжатия: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress распаковывает блоб, созданный Compress, в v.
func Decompress(blob []byte, v any) error {
	r, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("ошибка распаковки: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("ошибка распаковки: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("ошибка декодирования JSON: %w", err)
	}
	return nil
}
