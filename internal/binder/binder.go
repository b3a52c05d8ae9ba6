// Пакет binder — клиент binder (noid egg): хранилища элементов,
// по которым резолвер находит цель идентификатора.
//
// Запрос — текст из строк вида ":hx% <id>.<op> [<элемент> [<значение>]]",
// идентификатор и имя элемента кодируются EncodeName, значение — EncodeValue.
// Успех подтверждается предпоследней строкой ответа "egg-status: 0".
package binder

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/remote"
)

const okStatus = "egg-status: 0"

var boundCountRE = regexp.MustCompile(`: (\d+)$`)

// Client — клиент binder.
type Client struct {
	rc  *remote.Client
	url string
}

// New создаёт клиент binder. rc несёт учётные данные и политику повторов.
func New(rc *remote.Client, binderURL string) *Client {
	return &Client{rc: rc, url: strings.TrimRight(binderURL, "/") + "?-"}
}

// op — одна операция запроса.
type op struct {
	id      string
	name    string
	element string
	value   string
	// withValue — у операции есть значение (set)
	withValue bool
}

func (o op) line() string {
	s := ":hx% " + metadata.EncodeName(o.id) + "." + o.name
	if o.element != "" {
		s += " " + metadata.EncodeName(o.element)
	}
	if o.withValue {
		s += " " + metadata.EncodeValue(o.value)
	}
	return s
}

// issue отправляет операции и возвращает строки ответа.
func (c *Client) issue(ctx context.Context, method, opName string, ops []op) ([]string, error) {
	lines := make([]string, len(ops))
	for i, o := range ops {
		lines[i] = o.line()
	}
	resp, err := c.rc.Do(ctx, remote.Request{
		Method:      method,
		URL:         c.url,
		ContentType: "text/plain",
		Body:        []byte(strings.Join(lines, "\n")),
	})
	if err != nil {
		return nil, err
	}
	if err := remote.StatusError(c.rc.Service(), resp); err != nil {
		return nil, err
	}
	out := strings.Split(strings.TrimSuffix(string(resp.Body), "\n"), "\n")
	if len(out) < 2 || strings.TrimRight(out[len(out)-2], "\r") != okStatus {
		return nil, unexpected(opName, resp.Body)
	}
	return out, nil
}

func unexpected(opName string, body []byte) error {
	return ezerr.New(ezerr.RemoteTransient, "binder: неожиданный ответ на %q: %s", opName, strings.TrimSpace(string(body)))
}

// SetElements привязывает элементы к идентификатору. Имена и значения
// обрезаются по краям; пустое значение удаляет элемент.
func (c *Client) SetElements(ctx context.Context, id string, elements metadata.Map) error {
	var ops []op
	var bad error
	elements.Range(func(k, v string) bool {
		k = strings.TrimSpace(k)
		if k == "" {
			bad = ezerr.New(ezerr.RemotePermanent, "binder: пустое имя элемента у %s", id)
			return false
		}
		if v = strings.TrimSpace(v); v == "" {
			ops = append(ops, op{id: id, name: "rm", element: k})
		} else {
			ops = append(ops, op{id: id, name: "set", element: k, value: v, withValue: true})
		}
		return true
	})
	if bad != nil {
		return bad
	}
	if len(ops) == 0 {
		return nil
	}
	_, err := c.issue(ctx, http.MethodPost, "set/rm", ops)
	return err
}

// GetElements возвращает элементы, привязанные к идентификатору, без
// внутренних элементов noid. found=false — у идентификатора нет элементов.
func (c *Client) GetElements(ctx context.Context, id string) (elements metadata.Map, found bool, err error) {
	out, err := c.issue(ctx, http.MethodGet, "fetch", []op{{id: id, name: "fetch"}})
	if err != nil {
		return metadata.Map{}, false, err
	}
	count, err := boundCount(out)
	if err != nil {
		return metadata.Map{}, false, err
	}
	if count == 0 {
		return metadata.Map{}, false, nil
	}
	if len(out) != count+4 {
		return metadata.Map{}, false, unexpected("fetch", []byte(strings.Join(out, "\n")))
	}
	for _, l := range out[1 : len(out)-3] {
		l = strings.TrimRight(l, "\r")
		if strings.HasPrefix(l, "__") || strings.HasPrefix(l, "_.e") || strings.HasPrefix(l, "_,e") {
			continue
		}
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			return metadata.Map{}, false, unexpected("fetch", []byte(l))
		}
		dn, err := metadata.Decode(name)
		if err != nil {
			return metadata.Map{}, false, ezerr.Wrap(ezerr.RemotePermanent, err, "binder: элемент %q", name)
		}
		dv, err := metadata.Decode(strings.TrimSpace(value))
		if err != nil {
			return metadata.Map{}, false, ezerr.Wrap(ezerr.RemotePermanent, err, "binder: значение элемента %q", dn)
		}
		elements.Set(dn, dv)
	}
	if elements.Len() == 0 {
		return metadata.Map{}, false, unexpected("fetch", []byte(strings.Join(out, "\n")))
	}
	return elements, true, nil
}

// Exists сообщает, привязан ли к идентификатору хотя бы один элемент.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	out, err := c.issue(ctx, http.MethodGet, "fetch", []op{{id: id, name: "fetch"}})
	if err != nil {
		return false, err
	}
	n, err := boundCount(out)
	return n > 0, err
}

// Delete удаляет все элементы идентификатора, включая внутренние.
// Удаление несуществующего идентификатора успешно.
func (c *Client) Delete(ctx context.Context, id string) error {
	if _, err := c.issue(ctx, http.MethodPost, "purge", []op{{id: id, name: "purge"}}); err != nil {
		return err
	}
	exists, err := c.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return ezerr.New(ezerr.RemoteTransient, "binder: после purge у %s остались элементы", id)
	}
	return nil
}

// Ping проверяет доступность binder пустым запросом.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.issue(ctx, http.MethodGet, "ping", nil)
	return err
}

// boundCount разбирает число элементов из строки
// "# elements bound under <id>: N" ответа на fetch.
func boundCount(out []string) (int, error) {
	if len(out) < 4 || !strings.HasPrefix(out[0], "# id:") ||
		!strings.HasPrefix(out[len(out)-3], "# elements bound under") {
		return 0, unexpected("fetch", []byte(strings.Join(out, "\n")))
	}
	m := boundCountRE.FindStringSubmatch(strings.TrimRight(out[len(out)-3], "\r"))
	if m == nil {
		return 0, unexpected("fetch", []byte(out[len(out)-3]))
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("binder: число элементов: %w", err)
	}
	return n, nil
}

// Diff возвращает изменения, переводящие bound в want: новые и
// изменённые элементы со значениями и исчезнувшие с пустым значением.
func Diff(bound, want metadata.Map) metadata.Map {
	var d metadata.Map
	want.Range(func(k, v string) bool {
		if old, ok := bound.Get(k); !ok || old != v {
			d.Set(k, v)
		}
		return true
	})
	bound.Range(func(k, _ string) bool {
		if !want.Has(k) {
			d.Set(k, "")
		}
		return true
	})
	return d
}
