package worker

import (
	"context"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/model"
)

// SearchIndex — операции поискового индекса.
type SearchIndex interface {
	Index(ctx context.Context, r *model.Identifier, isTest bool) error
	Remove(ctx context.Context, id string) error
}

// SearchHandler поддерживает поисковый индекс.
type SearchHandler struct {
	index SearchIndex
	tests identifier.TestShoulders
}

// NewSearchHandler создаёт обработчик очереди индексатора.
func NewSearchHandler(index SearchIndex, tests identifier.TestShoulders) *SearchHandler {
	return &SearchHandler{index: index, tests: tests}
}

func (h *SearchHandler) Handle(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error) {
	var err error
	if item.Operation == model.OpDelete {
		err = h.index.Remove(ctx, rec.ID)
	} else {
		err = h.index.Index(ctx, rec, h.tests.IsTest(rec.ID))
	}
	if err != nil {
		return "", err
	}
	return model.QueueCompleted, nil
}
