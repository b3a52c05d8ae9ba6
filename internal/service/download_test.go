package service

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/policy"
)

func newDownloadService(f *fixture) *DownloadService {
	return NewDownloadService(f.store, f.dir, policy.New(identifier.TestShoulders{}), "https://ezid.test/download/", testLogger())
}

func TestDownload_Enqueue(t *testing.T) {
	f := newFixture(t)
	svc := newDownloadService(f)

	params := url.Values{
		"format":        {"csv"},
		"column":        {"_id", "_owner", "erc.who"},
		"compression":   {"zip"},
		"createdAfter":  {"2024-01-01T00:00:00Z"},
		"updatedBefore": {"1700000000"},
		"exported":      {"yes"},
		"status":        {"public", "reserved"},
		"type":          {"ark"},
		"notify":        {"mailto:alice@example.org"},
	}
	link, err := svc.Enqueue(context.Background(), f.principal(t, "alice"), params)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	reqs := f.store.Downloads()
	if len(reqs) != 1 {
		t.Fatalf("запросов в очереди %d, ожидался 1", len(reqs))
	}
	req := reqs[0]
	if want := "https://ezid.test/download/" + req.CompressedName(); link != want {
		t.Errorf("ссылка = %q, ожидалась %q", link, want)
	}
	if !strings.HasSuffix(link, ".zip") || len(req.Filename) != 10 {
		t.Errorf("имя файла %q, ссылка %q", req.Filename, link)
	}
	if req.Requestor != "alice" || req.Format != model.FormatCSV || req.Compression != model.CompressionZip {
		t.Errorf("запрос = %+v", req)
	}
	if diff := cmp.Diff([]string{"_id", "_owner", "erc.who"}, req.Columns); diff != "" {
		t.Errorf("Columns (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice"}, req.ToHarvest); diff != "" {
		t.Errorf("ToHarvest (-want +got):\n%s", diff)
	}

	c := req.Constraints
	if c.CreatedAfter == nil || !c.CreatedAfter.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAfter = %v", c.CreatedAfter)
	}
	if c.UpdatedBefore == nil || c.UpdatedBefore.Unix() != 1700000000 {
		t.Errorf("UpdatedBefore = %v", c.UpdatedBefore)
	}
	if c.Exported == nil || !*c.Exported || c.Crossref != nil {
		t.Errorf("Exported = %v, Crossref = %v", c.Exported, c.Crossref)
	}
	if diff := cmp.Diff([]model.Status{model.StatusPublic, model.StatusReserved}, c.Statuses); diff != "" {
		t.Errorf("Statuses (-want +got):\n%s", diff)
	}
}

func TestDownload_ParseErrors(t *testing.T) {
	f := newFixture(t)
	svc := newDownloadService(f)
	alice := f.principal(t, "alice")

	tests := []struct {
		name    string
		params  url.Values
		wantMsg string
	}{
		{
			name:    "неизвестный параметр",
			params:  url.Values{"format": {"anvl"}, "bogus": {"1"}},
			wantMsg: "invalid parameter: bogus",
		},
		{
			name:    "повтор неповторяемого",
			params:  url.Values{"format": {"anvl", "xml"}},
			wantMsg: "parameter is not repeatable: format",
		},
		{
			name:    "пустое значение",
			params:  url.Values{"format": {"anvl"}, "profile": {" "}},
			wantMsg: "parameter 'profile': empty value",
		},
		{
			name:    "недопустимое значение",
			params:  url.Values{"format": {"json"}},
			wantMsg: "parameter 'format': invalid parameter value",
		},
		{
			name:    "нет формата",
			params:  url.Values{"type": {"ark"}},
			wantMsg: "missing required parameter: format",
		},
		{
			name:    "csv без колонок",
			params:  url.Values{"format": {"csv"}},
			wantMsg: "format 'csv' requires at least one column",
		},
		{
			name:    "колонки не для csv",
			params:  url.Values{"format": {"xml"}, "column": {"_id"}},
			wantMsg: "parameter is incompatible with format: column",
		},
		{
			name:    "некорректная дата",
			params:  url.Values{"format": {"anvl"}, "createdBefore": {"2024-01-01"}},
			wantMsg: "parameter 'createdBefore': invalid timestamp",
		},
		{
			name:    "нет владельца",
			params:  url.Values{"format": {"anvl"}, "owner": {"nobody"}},
			wantMsg: "parameter 'owner': no such user",
		},
		{
			name:    "нет группы",
			params:  url.Values{"format": {"anvl"}, "ownergroup": {"nogroup"}},
			wantMsg: "parameter 'ownergroup': no such group",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(context.Background(), alice, tt.params)
			if !ezerr.Is(err, ezerr.Invalid) {
				t.Fatalf("ошибка = %v, ожидался Invalid", err)
			}
			if got := ezerr.Message(err); got != tt.wantMsg {
				t.Errorf("сообщение = %q, ожидалось %q", got, tt.wantMsg)
			}
		})
	}
	if n := len(f.store.Downloads()); n != 0 {
		t.Errorf("после ошибок в очереди %d запросов", n)
	}
}

func TestDownload_Owners(t *testing.T) {
	f := newFixture(t)
	svc := newDownloadService(f)
	ctx := context.Background()

	tests := []struct {
		name     string
		user     string
		params   url.Values
		want     []string
		wantKind ezerr.Kind
	}{
		{
			name:   "свои идентификаторы",
			user:   "bob",
			params: url.Values{"format": {"anvl"}, "owner": {"bob"}},
			want:   []string{"bob"},
		},
		{
			name:     "чужой владелец",
			user:     "bob",
			params:   url.Values{"format": {"anvl"}, "owner": {"alice"}},
			wantKind: ezerr.Forbidden,
		},
		{
			name:     "чужая группа",
			user:     "bob",
			params:   url.Values{"format": {"anvl"}, "ownergroup": {"g1"}},
			wantKind: ezerr.Forbidden,
		},
		{
			name:   "суперпользователь и группа без повторов",
			user:   "admin",
			params: url.Values{"format": {"anvl"}, "owner": {"alice"}, "ownergroup": {"g1"}},
			want:   []string{"alice", "admin"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.store.Downloads())
			_, err := svc.Enqueue(ctx, f.principal(t, tt.user), tt.params)
			if tt.want == nil {
				if !ezerr.Is(err, tt.wantKind) {
					t.Errorf("ошибка = %v, ожидался вид %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			reqs := f.store.Downloads()
			if len(reqs) != before+1 {
				t.Fatalf("запросов %d, ожидалось %d", len(reqs), before+1)
			}
			if diff := cmp.Diff(tt.want, reqs[len(reqs)-1].ToHarvest); diff != "" {
				t.Errorf("ToHarvest (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := svc.Enqueue(ctx, Anonymous(), url.Values{"format": {"anvl"}}); !ezerr.Is(err, ezerr.Forbidden) {
		t.Errorf("аноним: ошибка = %v, ожидался Forbidden", err)
	}
}
