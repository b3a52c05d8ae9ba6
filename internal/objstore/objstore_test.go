package objstore

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeS3 — бакет в памяти, path-style.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func setupMockS3(t *testing.T) (*fakeS3, *S3) {
	t.Helper()
	f := &fakeS3{objects: map[string][]byte{}}
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.objects[r.URL.Path] = body
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodHead:
			if _, ok := f.objects[r.URL.Path]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.Header().Set("Content-Length", "0")
			w.Header().Set("Content-Type", "application/gzip")
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(server.Close)

	u, _ := url.Parse(server.URL)
	s, err := NewS3(S3Config{
		Endpoint:  u.Host,
		Region:    "us-east-1",
		Bucket:    "ezid",
		AccessKey: "key",
		SecretKey: "secret",
		UseSSL:    true,
		Prefix:    "download",
		Transport: server.Client().Transport,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return f, s
}

func TestS3_PutExists(t *testing.T) {
	f, s := setupMockS3(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "abc.csv.gz")
	if err := os.WriteFile(src, []byte("compressed-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, src, "abc.csv.gz"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	f.mu.Lock()
	body, ok := f.objects["/ezid/download/abc.csv.gz"]
	f.mu.Unlock()
	if !ok || !strings.Contains(string(body), "compressed-bytes") {
		t.Fatalf("объект не загружен: %v", f.objects)
	}

	if ok, err := s.Exists(ctx, "abc.csv.gz"); err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	if ok, err := s.Exists(ctx, "none.csv.gz"); err != nil || ok {
		t.Errorf("Exists(none) = %v, %v", ok, err)
	}
}

func TestS3_ServeRedirects(t *testing.T) {
	_, s := setupMockS3(t)
	rec := httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, "/s3_download/abc.zip", nil), "abc.zip")
	if rec.Code != http.StatusFound {
		t.Fatalf("статус = %d, ожидался 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.Contains(loc, "/ezid/download/abc.zip") || !strings.Contains(loc, "X-Amz-Signature=") {
		t.Errorf("Location = %q", loc)
	}
}

func TestLocal(t *testing.T) {
	work, public := t.TempDir(), t.TempDir()
	l := NewLocal(public)
	ctx := context.Background()

	src := filepath.Join(work, "abc.xml.gz")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, _ := l.Exists(ctx, "abc.xml.gz"); ok {
		t.Fatal("файл опубликован до Put")
	}
	if err := l.Put(ctx, src, "abc.xml.gz"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("исходный файл остался: %v", err)
	}
	if ok, err := l.Exists(ctx, "abc.xml.gz"); err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}

	rec := httptest.NewRecorder()
	l.Serve(rec, httptest.NewRequest(http.MethodGet, "/download/abc.xml.gz", nil), "abc.xml.gz")
	if rec.Code != http.StatusOK || rec.Body.String() != "data" {
		t.Errorf("Serve: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	l.Serve(rec, httptest.NewRequest(http.MethodGet, "/download/x", nil), "../../etc/passwd")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Serve(../..): %d, ожидался 404", rec.Code)
	}
}
