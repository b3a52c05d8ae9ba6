package indexer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/remote"
	"github.com/bigkaa/goezid/internal/repository/repotest"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSearch — OpenSearch в памяти: документы по экранированному пути.
type fakeSearch struct {
	mu   sync.Mutex
	docs map[string]model.SearchRecord
}

func setupMockSearch(t *testing.T) (*fakeSearch, *remote.Client, string) {
	t.Helper()
	f := &fakeSearch{docs: map[string]model.SearchRecord{}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		key := r.URL.EscapedPath()
		switch r.Method {
		case http.MethodPut:
			var rec model.SearchRecord
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &rec); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.docs[key] = rec
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			if _, ok := f.docs[key]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.docs, key)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(server.Close)

	rc, err := remote.New(remote.Options{Service: "search", Policy: remote.Policy{Attempts: 1}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return f, rc, server.URL
}

func testRecord() *model.Identifier {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &model.Identifier{
		ID:             "ark:/99999/fk4abc",
		OwnerName:      "alice",
		OwnerGroupName: "lab",
		CreatedAt:      now,
		UpdatedAt:      now,
		Status:         model.StatusPublic,
		Exported:       true,
		Target:         "https://example.org/abc",
		Profile:        "erc",
		Metadata: metadata.FromPairs(
			"erc.who", "Smith, J.",
			"erc.what", "On\tindexing",
			"erc.when", "2020",
		),
	}
}

func TestIndexer_TableOnly(t *testing.T) {
	store := repotest.New()
	ix := New(store.Repos().Search, nil, "", "")
	ctx := context.Background()

	if err := ix.Index(ctx, testRecord(), true); err != nil {
		t.Fatalf("Index: %v", err)
	}
	got := store.SearchRecord("ark:/99999/fk4abc")
	if got == nil {
		t.Fatal("строка индекса не записана")
	}
	if got.OwnerName != "alice" || got.OwnerGroupName != "lab" || !got.IsTest {
		t.Errorf("строка = %+v", got)
	}
	if got.MappedCreator != "Smith, J." || got.MappedTitle != "On\tindexing" || got.MappedDate != "2020" {
		t.Errorf("цитатные поля = %q %q %q", got.MappedCreator, got.MappedTitle, got.MappedDate)
	}
	if got.Keywords == "" {
		t.Error("keywords пусты")
	}

	if err := ix.Remove(ctx, "ark:/99999/fk4abc"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if store.SearchRecord("ark:/99999/fk4abc") != nil {
		t.Error("строка индекса не удалена")
	}
}

func TestIndexer_External(t *testing.T) {
	f, rc, url := setupMockSearch(t)
	store := repotest.New()
	ix := New(store.Repos().Search, rc, url, "ezid")
	ctx := context.Background()

	if err := ix.Index(ctx, testRecord(), false); err != nil {
		t.Fatalf("Index: %v", err)
	}
	const key = "/ezid/_doc/ark:%2F99999%2Ffk4abc"
	f.mu.Lock()
	doc, ok := f.docs[key]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("документ %s не создан: %v", key, f.docs)
	}
	if doc.Identifier != "ark:/99999/fk4abc" || doc.Status != "public" {
		t.Errorf("документ = %+v", doc)
	}

	if err := ix.Remove(ctx, "ark:/99999/fk4abc"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Повторное удаление: 404 не ошибка.
	if err := ix.Remove(ctx, "ark:/99999/fk4abc"); err != nil {
		t.Errorf("повторный Remove: %v", err)
	}
	if err := ix.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestNewSearchRecord_Keywords(t *testing.T) {
	r := testRecord()
	r.Metadata.Set("datacite", "<resource>very long xml</resource>")
	rec := model.NewSearchRecord(r, false)
	want := "ark:/99999/fk4abc alice lab Smith, J. On indexing 2020 Smith, J. On indexing 2020"
	if rec.Keywords != want {
		t.Errorf("keywords = %q, хотели %q", rec.Keywords, want)
	}
}
