package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goezid/internal/crossref"
	"github.com/bigkaa/goezid/internal/datacite"
	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/profile"
	"github.com/bigkaa/goezid/internal/mailer"
	"github.com/bigkaa/goezid/internal/repository"
)

// CrossrefClient — операции депозитного API Crossref.
type CrossrefClient interface {
	Submit(ctx context.Context, deposit, batchID string) error
	CheckStatus(ctx context.Context, batchID string) (*crossref.Result, error)
}

// CrossrefConfig — параметры обработчика Crossref.
type CrossrefConfig struct {
	Depositor profile.Depositor
	URLs      identifier.URLs
	// PollInterval — минимальная пауза между проверками пакета
	PollInterval time.Duration
	// PollTimeout — срок, после которого незавершённый пакет считается потерянным
	PollTimeout time.Duration
}

// CrossrefHandler отправляет депозиты Crossref и опрашивает их результат.
// Строка проходит awaiting → submitted_unchecked → submitted →
// completed | registered_with_warning | registration_failed.
type CrossrefHandler struct {
	client CrossrefClient
	store  repository.Store
	mail   mailer.Sender
	cfg    CrossrefConfig
	logger *slog.Logger

	now        func() time.Time
	newBatchID func() string
}

// NewCrossrefHandler создаёт обработчик очереди Crossref.
func NewCrossrefHandler(
	client CrossrefClient,
	store repository.Store,
	mail mailer.Sender,
	cfg CrossrefConfig,
	logger *slog.Logger,
) *CrossrefHandler {
	return &CrossrefHandler{
		client:     client,
		store:      store,
		mail:       mail,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "crossref")),
		now:        time.Now,
		newBatchID: uuid.NewString,
	}
}

func (h *CrossrefHandler) Handle(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error) {
	switch item.Status {
	case model.QueueAwaiting, "":
		return h.submit(ctx, item, rec)
	case model.QueueSubmittedUnchecked, model.QueueSubmitted:
		return h.check(ctx, item, rec)
	}
	return "", ezerr.New(ezerr.RemotePermanent, "crossref: неожиданный статус строки %q", item.Status)
}

func (h *CrossrefHandler) submit(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error) {
	if !rec.IsCrossref() || !rec.IsDOI() {
		return model.QueueIgnored, nil
	}
	// Зарезервированный DOI в Crossref не отправляется.
	if rec.IsReserved() && item.Operation != model.OpDelete {
		return model.QueueIgnored, nil
	}

	target := rec.ResolverTarget(h.cfg.URLs)
	if item.Operation == model.OpDelete {
		target = datacite.InvalidTarget
	}
	withdraw := item.Operation == model.OpDelete || rec.IsUnavailable()
	batchID := h.newBatchID()
	now := h.now()

	deposit, err := profile.BuildDeposit(
		rec.Metadata.Value(metadata.KeyCrossref),
		rec.OwnerName,
		rec.ID[len(identifier.PrefixDOI):],
		target,
		h.cfg.Depositor,
		batchID,
		now,
		withdraw,
	)
	if err != nil {
		return "", ezerr.Wrap(ezerr.RemotePermanent, err, "crossref: депозит %s", rec.ID)
	}
	if err := h.client.Submit(ctx, deposit, batchID); err != nil {
		return "", err
	}

	item.BatchID = batchID
	item.SubmittedAt = &now
	h.logger.Info("Депозит отправлен",
		slog.String("identifier", rec.ID),
		slog.String("batch_id", batchID),
	)
	return model.QueueSubmittedUnchecked, nil
}

func (h *CrossrefHandler) check(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error) {
	now := h.now()
	var elapsed time.Duration
	if item.SubmittedAt != nil {
		elapsed = now.Sub(*item.SubmittedAt)
		if elapsed < h.cfg.PollInterval {
			return item.Status, nil
		}
	}

	res, err := h.client.CheckStatus(ctx, item.BatchID)
	if err != nil {
		return "", err
	}

	var (
		status model.QueueStatus
		cs     model.CrossrefStatus
		msg    string
	)
	switch res.State {
	case crossref.StateSubmitted:
		if h.cfg.PollTimeout > 0 && elapsed > h.cfg.PollTimeout {
			return "", ezerr.New(ezerr.RemotePermanent,
				"crossref: пакет %s не обработан за %s", item.BatchID, h.cfg.PollTimeout)
		}
		if item.Status == model.QueueSubmitted {
			return item.Status, nil
		}
		status, cs = model.QueueSubmitted, model.CrossrefWorking
	case crossref.StateSuccess:
		status, cs = model.QueueCompleted, model.CrossrefRegistered
	case crossref.StateWarning:
		status, cs, msg = model.QueueWarning, model.CrossrefWarning, crossref.OneLine(res.Message)
	case crossref.StateFailure:
		status, cs, msg = model.QueueFailed, model.CrossrefFailure, crossref.OneLine(res.Message)
	default:
		return "", ezerr.New(ezerr.RemoteTransient, "crossref: неизвестное состояние пакета %q", res.State)
	}

	if item.Operation != model.OpDelete {
		err := h.store.Repos().Identifiers.SetCrossrefStatus(ctx, rec.ID, cs, msg)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("статус Crossref %s: %w", rec.ID, err)
		}
	}
	if status == model.QueueWarning || status == model.QueueFailed {
		h.logger.Warn("Crossref сообщил о проблеме",
			slog.String("identifier", rec.ID),
			slog.String("batch_id", item.BatchID),
			slog.String("message", msg),
		)
		h.notify(ctx, rec, status, res.Message)
	}
	return status, nil
}

// notify сообщает владельцу о предупреждении или ошибке регистрации.
// Сбой отправки письма не возвращает строку в очередь.
func (h *CrossrefHandler) notify(ctx context.Context, rec *model.Identifier, status model.QueueStatus, message string) {
	if rec.OwnerID == nil {
		return
	}
	u, err := h.store.Repos().Principals.GetUserByID(ctx, *rec.OwnerID)
	if err != nil {
		h.logger.Error("Владелец не найден", slog.String("identifier", rec.ID), slog.String("error", err.Error()))
		return
	}
	to := u.CrossrefEmail
	if to == "" {
		to = u.Email
	}
	if to == "" {
		return
	}
	what := "warning"
	if status == model.QueueFailed {
		what = "error"
	}
	text := fmt.Sprintf("Dear %s,\n\n"+
		"Your identifier %s was submitted to Crossref and the registration completed with %s:\n\n%s\n\n"+
		"This is an automated email. Please do not reply.\n",
		u.DisplayName, rec.ID, what, message)
	err = h.mail.Send(ctx, &mailer.Mail{
		To:      []string{to},
		Subject: "Crossref registration " + what + ": " + rec.ID,
		Text:    text,
	})
	if err != nil {
		h.logger.Error("Ошибка отправки уведомления Crossref",
			slog.String("identifier", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}
