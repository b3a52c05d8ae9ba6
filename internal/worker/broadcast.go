package worker

import (
	"context"

	"github.com/bigkaa/goezid/internal/broadcast"
	"github.com/bigkaa/goezid/internal/domain/model"
)

// Publisher публикует изменения подписчикам.
type Publisher interface {
	Publish(ctx context.Context, msg *broadcast.Message) error
}

// BroadcastHandler рассылает снимки изменённых записей.
type BroadcastHandler struct {
	pub Publisher
}

// NewBroadcastHandler создаёт обработчик очереди рассылки.
func NewBroadcastHandler(pub Publisher) *BroadcastHandler {
	return &BroadcastHandler{pub: pub}
}

func (h *BroadcastHandler) Handle(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error) {
	err := h.pub.Publish(ctx, &broadcast.Message{
		Seq:        item.Seq,
		Operation:  item.Operation,
		Identifier: item.Identifier,
		EnqueuedAt: item.EnqueuedAt,
		Record:     rec,
	})
	if err != nil {
		return "", err
	}
	return model.QueueCompleted, nil
}
