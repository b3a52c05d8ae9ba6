// identifiers.go — операции над идентификаторами:
//
//	GET    /id/{id}        — метаданные (?prefix_match=yes)
//	PUT    /id/{id}        — создание (?update_if_exists=yes)
//	POST   /id/{id}        — изменение
//	DELETE /id/{id}        — удаление
//	POST   /shoulder/{sh}  — выпуск нового идентификатора
//
// Тело запроса и ответа — ANVL (text/plain).
package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goezid/internal/api/errors"
	"github.com/bigkaa/goezid/internal/api/middleware"
	"github.com/bigkaa/goezid/internal/domain/metadata"
)

// maxBodySize — предельный размер тела запроса.
const maxBodySize = 16 << 20

// GetIdentifier возвращает метаданные идентификатора.
func (h *APIHandler) GetIdentifier(w http.ResponseWriter, r *http.Request) {
	pr := middleware.PrincipalFromContext(r.Context())
	res, err := h.ops.Get(r.Context(), pr, pathID(r), yes(r, "prefix_match"))
	if err != nil {
		writeError(w, pr, err)
		return
	}
	writeText(w, http.StatusOK, res.Status(), res.Metadata)
}

// CreateIdentifier создаёт идентификатор.
func (h *APIHandler) CreateIdentifier(w http.ResponseWriter, r *http.Request) {
	pr := middleware.PrincipalFromContext(r.Context())
	md, ok := readMetadata(w, r)
	if !ok {
		return
	}
	res, err := h.ops.Create(r.Context(), pr, pathID(r), md, yes(r, "update_if_exists"))
	if err != nil {
		writeError(w, pr, err)
		return
	}
	writeStatus(w, http.StatusCreated, res.Status())
}

// UpdateIdentifier изменяет метаданные идентификатора.
func (h *APIHandler) UpdateIdentifier(w http.ResponseWriter, r *http.Request) {
	pr := middleware.PrincipalFromContext(r.Context())
	md, ok := readMetadata(w, r)
	if !ok {
		return
	}
	res, err := h.ops.Update(r.Context(), pr, pathID(r), md)
	if err != nil {
		writeError(w, pr, err)
		return
	}
	writeStatus(w, http.StatusOK, res.Status())
}

// DeleteIdentifier удаляет идентификатор.
func (h *APIHandler) DeleteIdentifier(w http.ResponseWriter, r *http.Request) {
	pr := middleware.PrincipalFromContext(r.Context())
	res, err := h.ops.Delete(r.Context(), pr, pathID(r))
	if err != nil {
		writeError(w, pr, err)
		return
	}
	writeStatus(w, http.StatusOK, res.Status())
}

// MintIdentifier выпускает идентификатор под плечом.
func (h *APIHandler) MintIdentifier(w http.ResponseWriter, r *http.Request) {
	pr := middleware.PrincipalFromContext(r.Context())
	md, ok := readMetadata(w, r)
	if !ok {
		return
	}
	res, err := h.ops.Mint(r.Context(), pr, pathID(r), md)
	if err != nil {
		writeError(w, pr, err)
		return
	}
	writeStatus(w, http.StatusCreated, res.Status())
}

// pathID возвращает хвост пути после /id/ или /shoulder/. Идентификаторы
// содержат "/", поэтому маршруты объявлены с wildcard.
func pathID(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// readMetadata разбирает тело запроса. При ошибке ответ уже записан.
func readMetadata(w http.ResponseWriter, r *http.Request) (metadata.Map, bool) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/plain") {
		apierrors.BadRequest(w, "unsupported content type")
		return metadata.Map{}, false
	}
	md, err := metadata.ParseANVL(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		apierrors.BadRequest(w, err.Error())
		return metadata.Map{}, false
	}
	return md, true
}

func yes(r *http.Request, param string) bool {
	return strings.EqualFold(r.URL.Query().Get(param), "yes")
}
