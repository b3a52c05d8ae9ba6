package worker

import (
	"context"
	"fmt"

	"github.com/bigkaa/goezid/internal/datacite"
	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/profile"
)

// DataciteClient — операции DataCite MDS, нужные обработчику.
type DataciteClient interface {
	SetTarget(ctx context.Context, doi, target, datacenter string) error
	UploadMetadata(ctx context.Context, doi, record, datacenter string) error
	Deactivate(ctx context.Context, doi, datacenter string) error
}

// DataciteHandler регистрирует DOI DataCite.
type DataciteHandler struct {
	client DataciteClient
	urls   identifier.URLs
	tests  identifier.TestShoulders
}

// NewDataciteHandler создаёт обработчик очереди DataCite.
func NewDataciteHandler(client DataciteClient, urls identifier.URLs, tests identifier.TestShoulders) *DataciteHandler {
	return &DataciteHandler{client: client, urls: urls, tests: tests}
}

func (h *DataciteHandler) Handle(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error) {
	// Тестовые DOI в DataCite не регистрируются.
	if !rec.IsDatacite() || h.tests.IsTest(rec.ID) {
		return model.QueueIgnored, nil
	}
	doi := rec.ID[len(identifier.PrefixDOI):]
	dc := rec.DatacenterSymbol
	if dc == "" {
		return "", ezerr.New(ezerr.RemotePermanent, "datacite: у %s не задан датацентр", rec.ID)
	}

	switch item.Operation {
	case model.OpCreate, model.OpUpdate:
		record, err := profile.FormRecord(rec.ID, rec.Metadata, rec.Profile, true)
		if err != nil {
			return "", ezerr.Wrap(ezerr.RemotePermanent, err, "element 'datacite'")
		}
		if err := h.client.UploadMetadata(ctx, doi, record, dc); err != nil {
			return "", err
		}
		if err := h.client.SetTarget(ctx, doi, rec.ResolverTarget(h.urls), dc); err != nil {
			return "", err
		}
		if !rec.IsPublic() || !rec.Exported {
			if err := h.client.Deactivate(ctx, doi, dc); err != nil {
				return "", err
			}
		}
	case model.OpDelete:
		// DOI нельзя удалить: цель заменяется недействительной, а DOI
		// убирается из поиска DataCite.
		if err := h.client.SetTarget(ctx, doi, datacite.InvalidTarget, dc); err != nil {
			return "", err
		}
		if err := h.client.Deactivate(ctx, doi, dc); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("datacite: неизвестная операция %q", item.Operation)
	}
	return model.QueueCompleted, nil
}
