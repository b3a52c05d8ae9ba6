// Пакет indexer — поддержка поискового индекса: денормализованная
// таблица search_identifiers и, если задан URL, документ в
// OpenSearch-совместимом сервисе.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/remote"
	"github.com/bigkaa/goezid/internal/repository"
)

// Indexer обновляет поисковый индекс.
type Indexer struct {
	search repository.SearchRepository
	// rc == nil — внешний индекс не используется
	rc       *remote.Client
	indexURL string
}

// New создаёт Indexer. rc и baseURL опциональны: без них обновляется
// только таблица.
func New(search repository.SearchRepository, rc *remote.Client, baseURL, index string) *Indexer {
	ix := &Indexer{search: search}
	if rc != nil && baseURL != "" {
		ix.rc = rc
		ix.indexURL = remote.JoinURL(baseURL, index, "_doc")
	}
	return ix
}

// Index записывает строку индекса для записи r.
func (ix *Indexer) Index(ctx context.Context, r *model.Identifier, isTest bool) error {
	rec := model.NewSearchRecord(r, isTest)
	if err := ix.search.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("индекс %s: %w", r.ID, err)
	}
	if ix.rc == nil {
		return nil
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("индекс %s: %w", r.ID, err)
	}
	resp, err := ix.rc.Do(ctx, remote.Request{
		Method:      http.MethodPut,
		URL:         ix.docURL(r.ID),
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return err
	}
	return remote.StatusError(ix.rc.Service(), resp)
}

// Remove удаляет строку индекса. Отсутствие документа — не ошибка.
func (ix *Indexer) Remove(ctx context.Context, id string) error {
	if err := ix.search.Delete(ctx, id); err != nil {
		return fmt.Errorf("индекс %s: %w", id, err)
	}
	if ix.rc == nil {
		return nil
	}
	resp, err := ix.rc.Do(ctx, remote.Request{Method: http.MethodDelete, URL: ix.docURL(id)})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return remote.StatusError(ix.rc.Service(), resp)
}

// docURL — адрес документа; "/" идентификатора кодируется.
func (ix *Indexer) docURL(id string) string {
	return ix.indexURL + "/" + url.PathEscape(id)
}

// Ping проверяет доступность внешнего индекса.
func (ix *Indexer) Ping(ctx context.Context) error {
	if ix.rc == nil {
		return nil
	}
	resp, err := ix.rc.Do(ctx, remote.Request{Method: http.MethodHead, URL: ix.indexURL})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return ezerr.New(ezerr.RemoteTransient, "search: %d", resp.StatusCode)
	}
	return nil
}
