// Пакет errors — ответы с ошибками в едином формате EZID API:
// {"error": {"code": "...", "message": "..."}}, где message — строка
// результата EZID ("error: bad request - ...").
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
)

// Коды ошибок.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeConcurrencyLimit = "CONCURRENCY_LIMIT"
	CodeMinterCorrupt    = "MINTER_CORRUPT"
	CodeInternalError    = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Transaction — идентификатор транзакции внутренней ошибки
	Transaction string `json:"transaction,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — строка результата.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	writeBody(w, statusCode, errorDetail{Code: code, Message: message})
}

func writeBody(w http.ResponseWriter, statusCode int, d errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: d})
}

// FromKind возвращает HTTP-статус и код для вида ошибки.
func FromKind(kind ezerr.Kind) (int, string) {
	switch kind {
	case ezerr.Invalid, ezerr.AlreadyExists, ezerr.NotMintable:
		return http.StatusBadRequest, CodeBadRequest
	case ezerr.NotFound:
		return http.StatusBadRequest, CodeNotFound
	case ezerr.Forbidden:
		return http.StatusForbidden, CodeForbidden
	case ezerr.Busy:
		return http.StatusServiceUnavailable, CodeConcurrencyLimit
	case ezerr.MinterCorrupt:
		return http.StatusInternalServerError, CodeMinterCorrupt
	}
	return http.StatusInternalServerError, CodeInternalError
}

// Operation записывает ответ на ошибку операции. message — строка
// результата, transaction — идентификатор транзакции или "".
func Operation(w http.ResponseWriter, kind ezerr.Kind, message, transaction string) {
	status, code := FromKind(kind)
	writeBody(w, status, errorDetail{Code: code, Message: message, Transaction: transaction})
}

// --- Конструкторы для типичных ошибок ---

// BadRequest — 400 некорректный запрос.
func BadRequest(w http.ResponseWriter, reason string) {
	WriteError(w, http.StatusBadRequest, CodeBadRequest, "error: bad request - "+reason)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="EZID"`)
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "error: unauthorized")
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter) {
	WriteError(w, http.StatusForbidden, CodeForbidden, "error: forbidden")
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, transaction string) {
	writeBody(w, http.StatusInternalServerError, errorDetail{
		Code:        CodeInternalError,
		Message:     "error: internal server error",
		Transaction: transaction,
	})
}
