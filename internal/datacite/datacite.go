// Пакет datacite — клиент DataCite MDS: регистрация DOI и цели,
// загрузка метаданных и деактивация.
//
// Авторизация — HTTP Basic: имя пользователя — символ датацентра
// (например, CDL.BUL), пароль — пароль его аллокатора (CDL).
package datacite

import (
	"context"
	"net/http"
	"strings"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/profile"
	"github.com/bigkaa/goezid/internal/remote"
)

// InvalidTarget — цель, которую получает удалённый DOI.
const InvalidTarget = "http://datacite.org/invalidDOI"

// Client — клиент DataCite MDS.
type Client struct {
	rc          *remote.Client
	doiURL      string
	metadataURL string
	passwords   map[string]string
}

// New создаёт клиент. passwords — пароли по имени аллокатора.
func New(rc *remote.Client, doiURL, metadataURL string, passwords map[string]string) *Client {
	return &Client{
		rc:          rc,
		doiURL:      strings.TrimRight(doiURL, "/"),
		metadataURL: strings.TrimRight(metadataURL, "/"),
		passwords:   passwords,
	}
}

// credentials возвращает учётные данные датацентра.
func (c *Client) credentials(datacenter string) (string, string, error) {
	allocator, _, _ := strings.Cut(datacenter, ".")
	pw, ok := c.passwords[strings.ToUpper(allocator)]
	if !ok || datacenter == "" {
		return "", "", ezerr.New(ezerr.RemotePermanent, "datacite: no such allocator: %s", allocator)
	}
	return datacenter, pw, nil
}

// SetTarget регистрирует DOI (без схемы, "10.5072/FOO") или меняет его цель.
// Отказ DataCite принять цель — постоянная ошибка.
func (c *Client) SetTarget(ctx context.Context, doi, target, datacenter string) error {
	user, pw, err := c.credentials(datacenter)
	if err != nil {
		return err
	}
	body := "doi=" + escapeBackslash(doi) + "\nurl=" + escapeBackslash(target)
	resp, err := c.rc.Do(ctx, remote.Request{
		Method:      http.MethodPost,
		URL:         c.doiURL,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(body),
		Username:    user,
		Password:    pw,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusBadRequest && strings.HasPrefix(resp.Text(), "[url]") {
		return ezerr.New(ezerr.RemotePermanent, "%s", resp.Text())
	}
	if err := remote.StatusError(c.rc.Service(), resp); err != nil {
		return err
	}
	if resp.Text() != "OK" {
		return ezerr.New(ezerr.RemoteTransient, "datacite: неожиданный ответ на регистрацию DOI: %s", resp.Text())
	}
	return nil
}

// UploadMetadata загружает запись DataCite Metadata Schema. Отказ
// в приёме записи (400, 422) — постоянная ошибка.
func (c *Client) UploadMetadata(ctx context.Context, doi, record, datacenter string) error {
	user, pw, err := c.credentials(datacenter)
	if err != nil {
		return err
	}
	resp, err := c.rc.Do(ctx, remote.Request{
		Method:      http.MethodPost,
		URL:         c.metadataURL,
		ContentType: "application/xml; charset=utf-8",
		Body:        []byte(record),
		Username:    user,
		Password:    pw,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		return ezerr.New(ezerr.RemotePermanent, "element 'datacite': %s", resp.Text())
	}
	if err := remote.StatusError(c.rc.Service(), resp); err != nil {
		return err
	}
	if !strings.HasPrefix(resp.Text(), "OK") {
		return ezerr.New(ezerr.RemoteTransient, "datacite: неожиданный ответ на загрузку метаданных: %s", resp.Text())
	}
	return nil
}

// Deactivate убирает DOI из поискового индекса DataCite. Если у DOI
// нет метаданных (404), загружается запись-заглушка и деактивация
// повторяется.
func (c *Client) Deactivate(ctx context.Context, doi, datacenter string) error {
	status, err := c.deactivate(ctx, doi, datacenter)
	if err != nil || status != http.StatusNotFound {
		return err
	}
	if err := c.UploadMetadata(ctx, doi, profile.InactiveRecord(identifier.PrefixDOI+doi), datacenter); err != nil {
		return err
	}
	status, err = c.deactivate(ctx, doi, datacenter)
	if err == nil && status == http.StatusNotFound {
		return ezerr.New(ezerr.RemoteTransient, "datacite: DOI %s не найден после загрузки заглушки", doi)
	}
	return err
}

// deactivate выполняет DELETE /metadata/<doi>. 404 возвращается
// статусом без ошибки.
func (c *Client) deactivate(ctx context.Context, doi, datacenter string) (int, error) {
	user, pw, err := c.credentials(datacenter)
	if err != nil {
		return 0, err
	}
	resp, err := c.rc.Do(ctx, remote.Request{
		Method:   http.MethodDelete,
		URL:      remote.JoinURL(c.metadataURL, identifier.Quote(doi)),
		Username: user,
		Password: pw,
	})
	if err != nil {
		return 0, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if err := remote.StatusError(c.rc.Service(), resp); err != nil {
		return resp.StatusCode, err
	}
	if resp.Text() != "OK" {
		return resp.StatusCode, ezerr.New(ezerr.RemoteTransient, "datacite: неожиданный ответ на деактивацию: %s", resp.Text())
	}
	return resp.StatusCode, nil
}

// Target возвращает зарегистрированную цель DOI. found=false — DOI
// в DataCite не зарегистрирован.
func (c *Client) Target(ctx context.Context, doi, datacenter string) (target string, found bool, err error) {
	user, pw, err := c.credentials(datacenter)
	if err != nil {
		return "", false, err
	}
	resp, err := c.rc.Do(ctx, remote.Request{
		Method:   http.MethodGet,
		URL:      remote.JoinURL(c.doiURL, identifier.Quote(doi)),
		Username: user,
		Password: pw,
	})
	if err != nil {
		return "", false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if err := remote.StatusError(c.rc.Service(), resp); err != nil {
		return "", false, err
	}
	return resp.Text(), true, nil
}

func escapeBackslash(s string) string {
	return strings.ReplaceAll(s, `\`, `\\`)
}
