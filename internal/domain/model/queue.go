package model

import "time"

// Queue — имя очереди нижестоящего сервиса.
type Queue string

const (
	QueueBinder    Queue = "binder"
	QueueDatacite  Queue = "datacite"
	QueueCrossref  Queue = "crossref"
	QueueSearch    Queue = "search"
	QueueBroadcast Queue = "broadcast"
)

// Queues — все очереди идентификаторов в порядке отображения.
var Queues = []Queue{QueueBinder, QueueDatacite, QueueCrossref, QueueSearch, QueueBroadcast}

// ValidQueue проверяет имя очереди.
func ValidQueue(name string) bool {
	for _, q := range Queues {
		if string(q) == name {
			return true
		}
	}
	return false
}

// Operation — операция, записанная в очередь.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// QueueStatus — статус строки очереди.
type QueueStatus string

const (
	QueueAwaiting           QueueStatus = "awaiting"
	QueueSubmittedUnchecked QueueStatus = "submitted_unchecked"
	QueueSubmitted          QueueStatus = "submitted"
	QueueWarning            QueueStatus = "registered_with_warning"
	QueueFailed             QueueStatus = "registration_failed"
	QueueIgnored            QueueStatus = "ignored"
	QueueCompleted          QueueStatus = "completed"
)

// Terminal сообщает, что строку можно удалить из очереди.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueIgnored
}

// Settled сообщает, что обработка строки завершена с предупреждением или
// ошибкой сервиса. Строка остаётся в очереди для оператора и больше не
// выбирается воркером.
func (s QueueStatus) Settled() bool {
	return s == QueueWarning || s == QueueFailed
}

// QueueItem — строка очереди. Создаётся движком операций в транзакции
// с записью идентификатора, изменяется только воркером своей очереди.
type QueueItem struct {
	Seq        int64
	EnqueuedAt time.Time
	Identifier string
	Operation  Operation
	// Snapshot — сжатая копия записи на момент постановки в очередь
	Snapshot         []byte
	Status           QueueStatus
	Error            string
	ErrorIsPermanent bool
	// BatchID — идентификатор пакета Crossref
	BatchID     string
	SubmittedAt *time.Time
}

// QueueStats — сводка по одной очереди.
type QueueStats struct {
	Queue          Queue
	Total          int
	Awaiting       int
	Submitted      int
	TransientError int
	PermanentError int
	Settled        int
	OldestAt       *time.Time
}
