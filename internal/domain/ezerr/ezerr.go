// Пакет ezerr — типизированные ошибки операций над идентификаторами.
// Вид ошибки (Kind) определяет, как она доходит до вызывающего:
// Invalid/Forbidden/NotFound/AlreadyExists/Busy возвращаются клиенту,
// RemoteTransient/RemotePermanent поглощаются воркерами очередей.
package ezerr

import (
	"errors"
	"fmt"
)

// Kind — вид ошибки.
type Kind int

const (
	// Internal — непредвиденная ошибка (по умолчанию).
	Internal Kind = iota
	// Invalid — входные данные не прошли валидацию.
	Invalid
	// Forbidden — доступ запрещён политикой авторизации.
	Forbidden
	// NotFound — идентификатор, пользователь или группа не найдены.
	NotFound
	// AlreadyExists — идентификатор уже существует.
	AlreadyExists
	// Busy — отказ в допуске менеджером блокировок.
	Busy
	// NotMintable — плечо неактивно или не поддерживает минтинг.
	NotMintable
	// MinterCorrupt — состояние минтера повреждено, нужен оператор.
	MinterCorrupt
	// RemoteTransient — временная ошибка удалённого сервиса.
	RemoteTransient
	// RemotePermanent — постоянная ошибка удалённого сервиса.
	RemotePermanent
)

var kindNames = map[Kind]string{
	Internal:        "internal",
	Invalid:         "invalid",
	Forbidden:       "forbidden",
	NotFound:        "not_found",
	AlreadyExists:   "already_exists",
	Busy:            "busy",
	NotMintable:     "not_mintable",
	MinterCorrupt:   "minter_corrupt",
	RemoteTransient: "remote_transient",
	RemotePermanent: "remote_permanent",
}

// String возвращает машинное имя вида ошибки.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error — ошибка с видом и человекочитаемым сообщением.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New создаёт ошибку заданного вида.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap оборачивает err ошибкой заданного вида.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf возвращает вид ошибки. Ошибки без вида считаются Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is сообщает, имеет ли err вид kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message возвращает сообщение самой внешней типизированной ошибки
// без текста вложенной причины.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
