// downloads.go — пакетные выгрузки:
//
//	POST /download_request     — постановка запроса (form-параметры)
//	GET  /s3_download/{name}   — отдача опубликованного файла
package handlers

import (
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goezid/internal/api/errors"
	"github.com/bigkaa/goezid/internal/api/middleware"
)

// DownloadRequest ставит запрос выгрузки в очередь и возвращает URL,
// по которому появится файл.
func (h *APIHandler) DownloadRequest(w http.ResponseWriter, r *http.Request) {
	pr := middleware.PrincipalFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		apierrors.BadRequest(w, "malformed form data")
		return
	}
	link, err := h.downloads.Enqueue(r.Context(), pr, r.PostForm)
	if err != nil {
		writeError(w, pr, err)
		return
	}
	writeStatus(w, http.StatusOK, "success: "+link)
}

// ServeDownload отдаёт опубликованный файл выгрузки. Имя файла —
// последний сегмент пути; вложенные пути не допускаются.
func (h *APIHandler) ServeDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || name != path.Base(name) || name == "." || name == ".." {
		apierrors.NotFound(w, "error: not found")
		return
	}
	h.objects.Serve(w, r, name)
}
