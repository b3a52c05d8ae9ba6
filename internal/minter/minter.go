// Пакет minter — минтер в стиле Noid: детерминированная генерация
// суффиксов идентификаторов по шаблону и счётчику плеча.
//
// Состояние (State) хранится в БД одной строкой на плечо. Минтинг —
// чистая функция от состояния: одинаковое состояние всегда даёт
// одинаковый следующий суффикс, мутирует только продвижение счётчика.
package minter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Алфавит "расширенных цифр" Noid: цифры и согласные без l.
const xdigits = "0123456789bcdfghjkmnpqrstvwxz"

const (
	alphaCount = len(xdigits)
	digitCount = 10
	// Простое число чуть больше 29*10: делитель общего объёма на счётчики.
	counterPrime = 293
	// DefaultMask — маска по умолчанию для новых плеч.
	DefaultMask = "eedk"
)

var (
	maskRE   = regexp.MustCompile(`^[def]+k?$`)
	atLastRE = regexp.MustCompile(`^add(\d)$`)
	tmplRE   = regexp.MustCompile(`\{.*\}`)
)

// ErrCorrupt — состояние минтера не согласовано и требует вмешательства оператора.
var ErrCorrupt = errors.New("состояние минтера повреждено")

// Counter — один из подсчётчиков, между которыми делится пространство маски.
type Counter struct {
	Top   int64 `json:"top"`
	Value int64 `json:"value"`
}

// State — персистентное состояние минтера одного плеча.
type State struct {
	// Template — тело плеча с маской в фигурных скобках, например "99999/fk4{eedk}".
	Template string `json:"template"`
	Mask     string `json:"mask"`
	AtLast   string `json:"atlast"`
	// BaseCount — сколько идентификаторов выпущено до последнего расширения маски.
	BaseCount int64 `json:"basecount"`
	// Counter — oacounter: число выпусков на текущей маске.
	Counter int64 `json:"oacounter"`
	// Top — oatop: предел Counter для текущей маски.
	Top        int64     `json:"oatop"`
	Total      int64     `json:"total"`
	PerCounter int64     `json:"percounter"`
	Counters   []Counter `json:"counters"`
	Active     []int     `json:"active"`
	Inactive   []int     `json:"inactive"`
}

// New создаёт минтер в начальном состоянии для тела плеча без схемы
// (например, "99999/fk4" или теневого "b5072/fk2").
func New(shoulder, mask string) (*State, error) {
	if mask == "" {
		mask = DefaultMask
	}
	if !maskRE.MatchString(mask) {
		return nil, fmt.Errorf("недопустимая маска %q: допустимы символы d, e, f и необязательный k в конце", mask)
	}
	s := &State{
		Template: shoulder + "{" + mask + "}",
		Mask:     mask,
		AtLast:   "add0",
	}
	if err := s.extend(); err != nil {
		return nil, err
	}
	s.AtLast = "add3"
	return s, nil
}

// Minted возвращает общее число выпущенных идентификаторов.
func (s *State) Minted() int64 { return s.BaseCount + s.Counter }

// Clone возвращает глубокую копию состояния.
func (s *State) Clone() *State {
	c := *s
	c.Counters = append([]Counter(nil), s.Counters...)
	c.Active = append([]int(nil), s.Active...)
	c.Inactive = append([]int(nil), s.Inactive...)
	return &c
}

// Validate проверяет согласованность состояния.
func (s *State) Validate() error {
	if !maskRE.MatchString(s.Mask) {
		return fmt.Errorf("%w: маска %q", ErrCorrupt, s.Mask)
	}
	if !atLastRE.MatchString(s.AtLast) {
		return fmt.Errorf("%w: atlast %q", ErrCorrupt, s.AtLast)
	}
	if s.Counter > s.Top {
		return fmt.Errorf("%w: oacounter=%d больше oatop=%d", ErrCorrupt, s.Counter, s.Top)
	}
	if !strings.Contains(s.Template, "{"+s.Mask+"}") {
		return fmt.Errorf("%w: маска %q не совпадает с шаблоном %q", ErrCorrupt, s.Mask, s.Template)
	}
	for _, idx := range s.Active {
		if idx < 0 || idx >= len(s.Counters) {
			return fmt.Errorf("%w: активный счётчик c%d вне диапазона", ErrCorrupt, idx)
		}
	}
	if s.Counter < s.Top && len(s.Active) == 0 {
		return fmt.Errorf("%w: нет активных счётчиков", ErrCorrupt)
	}
	return nil
}

// Mint продвигает состояние на один шаг и возвращает сгенерированную
// часть идентификатора (без тела плеча), включая контрольный символ,
// если маска оканчивается на k.
func (s *State) Mint() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if s.Counter == s.Top {
		if err := s.extend(); err != nil {
			return "", err
		}
	}
	n := s.nextState()
	s.Counter++
	x, err := s.xdig(n)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(s.Mask, "k") {
		x += string(CheckChar(tmplRE.ReplaceAllString(s.Template, "") + x))
	}
	return x, nil
}

// Preview возвращает n следующих суффиксов, не меняя состояние.
func (s *State) Preview(n int) ([]string, error) {
	c := s.Clone()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		x, err := c.Mint()
		if err != nil {
			return out, err
		}
		out = append(out, x)
	}
	return out, nil
}

// CheckChar вычисляет контрольный символ NCDA для строки.
func CheckChar(id string) byte {
	total := 0
	for i := 0; i < len(id); i++ {
		if v := strings.IndexByte(xdigits, id[i]); v >= 0 {
			total += (i + 1) * v
		}
	}
	return xdigits[total%alphaCount]
}

func (s *State) nextState() int64 {
	rnd := newDrand48(s.Counter)
	pos := int(rnd.next() * float64(len(s.Active)))
	idx := s.Active[pos]
	s.Counters[idx].Value++
	c := s.Counters[idx]
	n := c.Value + int64(idx)*s.PerCounter
	if c.Value >= c.Top {
		s.Active = append(s.Active[:pos:pos], s.Active[pos+1:]...)
		s.Inactive = append(s.Inactive, idx)
	}
	return n
}

func (s *State) xdig(n int64) (string, error) {
	out := make([]byte, 0, len(s.Mask))
	for i := len(s.Mask) - 1; i >= 0; i-- {
		var div int64
		switch c := s.Mask[i]; c {
		case 'k':
			continue
		case 'e', 'f':
			div = int64(alphaCount)
		case 'd':
			div = digitCount
		default:
			return "", fmt.Errorf("%w: неподдерживаемый символ маски %q", ErrCorrupt, c)
		}
		rem := n % div
		n /= div
		x := xdigits[rem]
		if s.Mask[i] == 'f' && x >= '0' && x <= '9' {
			return "", nil
		}
		out = append(out, x)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

// extend расширяет маску по правилу atlast, когда текущая исчерпана.
func (s *State) extend() error {
	if s.Counter != s.Top || s.Top != s.Total {
		return fmt.Errorf("%w: попытка расширить неисчерпанный минтер", ErrCorrupt)
	}
	if len(s.Active) > 0 {
		return fmt.Errorf("%w: попытка расширить минтер с активными счётчиками", ErrCorrupt)
	}
	m := atLastRE.FindStringSubmatch(s.AtLast)
	if m == nil {
		return fmt.Errorf("%w: atlast %q", ErrCorrupt, s.AtLast)
	}
	add, _ := strconv.Atoi(m[1])
	if add > len(s.Mask) {
		add = len(s.Mask)
	}

	s.BaseCount += s.Counter
	s.Counter = 0
	s.Mask = s.Mask[:add] + s.Mask
	s.Template = tmplRE.ReplaceAllLiteralString(s.Template, "{"+s.Mask+"}")

	total := int64(1)
	for i := 0; i < len(s.Mask); i++ {
		switch s.Mask[i] {
		case 'e', 'f':
			total *= int64(alphaCount)
		case 'd':
			total *= digitCount
		}
	}
	s.Total, s.Top = total, total
	s.Inactive = nil

	s.PerCounter = total/counterPrime + 1
	s.Counters = nil
	s.Active = nil
	for t, i := total, 0; t > 0; t, i = t-s.PerCounter, i+1 {
		s.Counters = append(s.Counters, Counter{Top: min(s.PerCounter, t)})
		s.Active = append(s.Active, i)
	}
	return nil
}
