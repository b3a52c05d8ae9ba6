// admin.go — служебная поверхность операторов:
//
//	POST /admin/pause?op=on|off  — приостановка выдачи блокировок
//	GET  /admin/status           — состояние блокировок и очередей
package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goezid/internal/api/errors"
	"github.com/bigkaa/goezid/internal/api/middleware"
	"github.com/bigkaa/goezid/internal/lockmgr"
)

// pauseResponse — ответ на POST /admin/pause.
type pauseResponse struct {
	Paused bool `json:"paused"`
	// Previous — состояние до вызова
	Previous bool `json:"previous"`
}

// queueStatus — сводка по одной очереди.
type queueStatus struct {
	Queue          string  `json:"queue"`
	Total          int     `json:"total"`
	Awaiting       int     `json:"awaiting"`
	Submitted      int     `json:"submitted"`
	TransientError int     `json:"transient_errors"`
	PermanentError int     `json:"permanent_errors"`
	Settled        int     `json:"settled"`
	OldestAt       *string `json:"oldest_at,omitempty"`
}

// statusResponse — ответ на GET /admin/status.
type statusResponse struct {
	Locks     lockmgr.Snapshot `json:"locks"`
	Queues    []queueStatus    `json:"queues"`
	Downloads int              `json:"downloads"`
}

// PauseOperations включает или снимает глобальную паузу.
func (h *APIHandler) PauseOperations(w http.ResponseWriter, r *http.Request) {
	var paused bool
	switch strings.ToLower(r.URL.Query().Get("op")) {
	case "on":
		paused = true
	case "off":
		paused = false
	default:
		apierrors.BadRequest(w, "op must be on or off")
		return
	}
	prev := h.locks.Pause(paused)
	if prev != paused {
		user := ""
		if id := middleware.IdentityFromContext(r.Context()); id != nil {
			user = id.Principal.Username
		}
		h.logger.Warn("Изменена глобальная пауза операций",
			slog.Bool("paused", paused),
			slog.String("user", user),
		)
	}
	writeJSON(w, http.StatusOK, pauseResponse{Paused: paused, Previous: prev})
}

// Status возвращает состояние менеджера блокировок и сводку по очередям.
func (h *APIHandler) Status(w http.ResponseWriter, r *http.Request) {
	ov, err := h.queues.Overview(r.Context())
	if err != nil {
		tid := uuid.NewString()
		h.logger.Error("Ошибка получения сводки очередей",
			slog.String("transaction", tid),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, tid)
		return
	}

	resp := statusResponse{
		Locks:     h.locks.Status(),
		Queues:    make([]queueStatus, 0, len(ov.Queues)),
		Downloads: ov.Downloads,
	}
	for _, q := range ov.Queues {
		qs := queueStatus{
			Queue:          string(q.Queue),
			Total:          q.Total,
			Awaiting:       q.Awaiting,
			Submitted:      q.Submitted,
			TransientError: q.TransientError,
			PermanentError: q.PermanentError,
			Settled:        q.Settled,
		}
		if q.OldestAt != nil {
			s := q.OldestAt.UTC().Format(time.RFC3339)
			qs.OldestAt = &s
		}
		resp.Queues = append(resp.Queues, qs)
	}
	writeJSON(w, http.StatusOK, resp)
}
