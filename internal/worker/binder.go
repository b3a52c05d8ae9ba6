package worker

import (
	"context"
	"fmt"

	"github.com/bigkaa/goezid/internal/binder"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/model"
)

// BinderClient — операции binder, нужные обработчику.
type BinderClient interface {
	SetElements(ctx context.Context, id string, elems metadata.Map) error
	GetElements(ctx context.Context, id string) (metadata.Map, bool, error)
	Delete(ctx context.Context, id string) error
}

// BinderHandler зеркалирует записи в binder.
type BinderHandler struct {
	client BinderClient
	urls   identifier.URLs
}

// NewBinderHandler создаёт обработчик очереди binder.
func NewBinderHandler(client BinderClient, urls identifier.URLs) *BinderHandler {
	return &BinderHandler{client: client, urls: urls}
}

func (h *BinderHandler) Handle(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error) {
	switch item.Operation {
	case model.OpCreate:
		if err := h.client.SetElements(ctx, rec.ID, rec.Legacy(h.urls)); err != nil {
			return "", err
		}
	case model.OpUpdate:
		// Обновление отправляет только изменившиеся элементы; исчезнувшие
		// удаляются пустым значением.
		bound, _, err := h.client.GetElements(ctx, rec.ID)
		if err != nil {
			return "", err
		}
		diff := binder.Diff(bound, rec.Legacy(h.urls))
		if diff.Len() == 0 {
			return model.QueueCompleted, nil
		}
		if err := h.client.SetElements(ctx, rec.ID, diff); err != nil {
			return "", err
		}
	case model.OpDelete:
		if err := h.client.Delete(ctx, rec.ID); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("binder: неизвестная операция %q", item.Operation)
	}
	return model.QueueCompleted, nil
}
