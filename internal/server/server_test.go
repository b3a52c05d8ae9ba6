package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bigkaa/goezid/internal/api/handlers"
	"github.com/bigkaa/goezid/internal/api/middleware"
	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/lockmgr"
	"github.com/bigkaa/goezid/internal/objstore"
	"github.com/bigkaa/goezid/internal/service"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// call — зафиксированный вызов операции.
type call struct {
	Op     string
	ID     string
	User   string
	MD     map[string]string
	Option bool
}

// fakeOps — движок операций, возвращающий заданные результаты.
type fakeOps struct {
	calls []call
	res   *service.Result
	err   error
}

func (f *fakeOps) record(op string, pr *policy.Principal, id string, md metadata.Map, opt bool) (*service.Result, error) {
	c := call{Op: op, ID: id, User: pr.Username, Option: opt}
	if md.Len() > 0 {
		c.MD = map[string]string{}
		md.Range(func(k, v string) bool {
			c.MD[k] = v
			return true
		})
	}
	f.calls = append(f.calls, c)
	return f.res, f.err
}

func (f *fakeOps) Mint(_ context.Context, pr *policy.Principal, shoulder string, md metadata.Map) (*service.Result, error) {
	return f.record("mint", pr, shoulder, md, false)
}

func (f *fakeOps) Create(_ context.Context, pr *policy.Principal, id string, md metadata.Map, updateIfExists bool) (*service.Result, error) {
	return f.record("create", pr, id, md, updateIfExists)
}

func (f *fakeOps) Update(_ context.Context, pr *policy.Principal, id string, md metadata.Map) (*service.Result, error) {
	return f.record("update", pr, id, md, false)
}

func (f *fakeOps) Delete(_ context.Context, pr *policy.Principal, id string) (*service.Result, error) {
	return f.record("delete", pr, id, metadata.Map{}, false)
}

func (f *fakeOps) Get(_ context.Context, pr *policy.Principal, id string, prefixMatch bool) (*service.Result, error) {
	return f.record("get", pr, id, metadata.Map{}, prefixMatch)
}

type fakeDownloads struct {
	params url.Values
}

func (f *fakeDownloads) Enqueue(_ context.Context, pr *policy.Principal, params url.Values) (string, error) {
	if pr.Anonymous {
		return "", ezerr.New(ezerr.Forbidden, "forbidden")
	}
	f.params = params
	return "https://ezid.test/s3_download/abc.csv.gz", nil
}

type fakeQueues struct{}

func (fakeQueues) Overview(context.Context) (*service.QueueOverview, error) {
	oldest := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	return &service.QueueOverview{
		Queues: []*model.QueueStats{
			{Queue: model.QueueDatacite, Total: 3, Awaiting: 2, PermanentError: 1, OldestAt: &oldest},
		},
		Downloads: 4,
	}, nil
}

// fakeAccounts — один пользователь alice и суперпользователь admin.
type fakeAccounts struct{}

func (fakeAccounts) Authenticate(ctx context.Context, username, password string) (*service.Account, error) {
	if password != username+"-pw" {
		return nil, ezerr.New(ezerr.Forbidden, "unauthorized")
	}
	return fakeAccounts{}.Lookup(ctx, username)
}

func (fakeAccounts) Lookup(_ context.Context, username string) (*service.Account, error) {
	switch username {
	case "alice":
		return &service.Account{Principal: &policy.Principal{UserID: 1, Username: "alice"}}, nil
	case "admin":
		return &service.Account{Principal: &policy.Principal{UserID: 2, Username: "admin", IsSuperuser: true}}, nil
	}
	return nil, ezerr.New(ezerr.NotFound, "no such user")
}

type okChecker struct{}

func (okChecker) CheckReady() (string, string) { return "ok", "" }

type fixture struct {
	srv       *httptest.Server
	ops       *fakeOps
	downloads *fakeDownloads
	locks     *lockmgr.Manager
	public    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ops:       &fakeOps{res: &service.Result{ID: "ark:/99999/fk4x"}},
		downloads: &fakeDownloads{},
		locks:     lockmgr.New(func() lockmgr.Limits { return lockmgr.Limits{MaxConcurrent: 4, MaxThreads: 16} }),
		public:    t.TempDir(),
	}
	h := handlers.NewAPIHandler(
		handlers.NewHealthHandler(okChecker{}, nil, nil),
		f.ops, f.downloads, fakeQueues{}, f.locks, objstore.NewLocal(f.public), testLogger(),
	)
	f.srv = httptest.NewServer(NewRouter(testLogger(), h, middleware.NewAuth(fakeAccounts{}, nil, testLogger())))
	t.Cleanup(f.srv.Close)
	return f
}

// do выполняет запрос; user == "" — анонимно.
func (f *fixture) do(t *testing.T, method, path, user, contentType, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+user+"-pw")))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestRouter_IdentifierOperations(t *testing.T) {
	f := newFixture(t)
	anvl := "_target: https://example.org/\nerc.who: Smith%0AJones\n"

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
		wantCall   call
	}{
		{
			name: "создание", method: http.MethodPut, path: "/id/ark:/99999/fk4x?update_if_exists=yes", body: anvl,
			wantStatus: http.StatusCreated, wantBody: "success: ark:/99999/fk4x\n",
			wantCall: call{Op: "create", ID: "ark:/99999/fk4x", User: "alice", Option: true,
				MD: map[string]string{"_target": "https://example.org/", "erc.who": "Smith\nJones"}},
		},
		{
			name: "изменение", method: http.MethodPost, path: "/id/ark:/99999/fk4x", body: "_status: reserved\n",
			wantStatus: http.StatusOK, wantBody: "success: ark:/99999/fk4x\n",
			wantCall: call{Op: "update", ID: "ark:/99999/fk4x", User: "alice", MD: map[string]string{"_status": "reserved"}},
		},
		{
			name: "удаление", method: http.MethodDelete, path: "/id/ark:/99999/fk4x",
			wantStatus: http.StatusOK, wantBody: "success: ark:/99999/fk4x\n",
			wantCall: call{Op: "delete", ID: "ark:/99999/fk4x", User: "alice"},
		},
		{
			name: "выпуск", method: http.MethodPost, path: "/shoulder/ark:/99999/fk4", body: "erc.what: T\n",
			wantStatus: http.StatusCreated, wantBody: "success: ark:/99999/fk4x\n",
			wantCall: call{Op: "mint", ID: "ark:/99999/fk4", User: "alice", MD: map[string]string{"erc.what": "T"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.ops.calls = nil
			status, body := f.do(t, tt.method, tt.path, "alice", "text/plain; charset=UTF-8", tt.body)
			if status != tt.wantStatus || body != tt.wantBody {
				t.Fatalf("ответ = %d %q, ожидался %d %q", status, body, tt.wantStatus, tt.wantBody)
			}
			if len(f.ops.calls) != 1 {
				t.Fatalf("вызовы = %+v", f.ops.calls)
			}
			if diff := cmp.Diff(tt.wantCall, f.ops.calls[0]); diff != "" {
				t.Errorf("вызов (-хотели +получили):\n%s", diff)
			}
		})
	}
}

func TestRouter_GetAnonymous(t *testing.T) {
	f := newFixture(t)
	f.ops.res = &service.Result{
		ID:       "doi:10.5072/FK2X",
		InLieuOf: "doi:10.5072/FK2X/extra",
		Metadata: metadata.FromPairs("_status", "public", "datacite.title", "Line1\nLine2"),
	}

	status, body := f.do(t, http.MethodGet, "/id/doi:10.5072/FK2X/extra?prefix_match=yes", "", "", "")
	want := "success: doi:10.5072/FK2X in_lieu_of doi:10.5072/FK2X/extra\n_status: public\ndatacite.title: Line1%0ALine2\n"
	if status != http.StatusOK || body != want {
		t.Fatalf("ответ = %d %q, ожидался %q", status, body, want)
	}
	c := f.ops.calls[0]
	if c.User != "anonymous" || !c.Option || c.ID != "doi:10.5072/FK2X/extra" {
		t.Errorf("вызов = %+v", c)
	}
}

func TestRouter_Errors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		user        string
		body        string
		contentType string
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name: "некорректный запрос", user: "alice",
			err:        ezerr.New(ezerr.Invalid, "invalid identifier"),
			wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST", wantMessage: "error: bad request - invalid identifier",
		},
		{
			name: "нет доступа", user: "alice",
			err:        ezerr.New(ezerr.Forbidden, "forbidden"),
			wantStatus: http.StatusForbidden, wantCode: "FORBIDDEN", wantMessage: "error: forbidden",
		},
		{
			name:       "нет доступа анонимному",
			err:        ezerr.New(ezerr.Forbidden, "forbidden"),
			wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED", wantMessage: "error: unauthorized",
		},
		{
			name: "лимит параллельных операций", user: "alice",
			err:        ezerr.New(ezerr.Busy, "busy"),
			wantStatus: http.StatusServiceUnavailable, wantCode: "CONCURRENCY_LIMIT", wantMessage: "error: concurrency limit exceeded",
		},
		{
			name: "битое тело", user: "alice", body: "no colon here\n",
			wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST",
			wantMessage: "error: bad request - ANVL parse error: line 1: missing colon",
		},
		{
			name: "неверный тип содержимого", user: "alice", body: "{}", contentType: "application/json",
			wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST", wantMessage: "error: bad request - unsupported content type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ops.err = tt.err
			status, body := f.do(t, http.MethodPost, "/id/ark:/99999/fk4x", tt.user, tt.contentType, tt.body)
			if status != tt.wantStatus {
				t.Fatalf("статус = %d, ожидался %d, тело %s", status, tt.wantStatus, body)
			}
			var resp struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal([]byte(body), &resp); err != nil {
				t.Fatalf("тело не JSON: %q", body)
			}
			if resp.Error.Code != tt.wantCode || resp.Error.Message != tt.wantMessage {
				t.Errorf("ошибка = %+v", resp.Error)
			}
		})
	}
}

func TestRouter_InternalErrorCarriesTransaction(t *testing.T) {
	f := newFixture(t)
	f.ops.err = ezerr.New(ezerr.Internal, "transaction 0f8fad5b-d9cb-469f-a165-70867728950e")
	status, body := f.do(t, http.MethodDelete, "/id/ark:/99999/fk4x", "alice", "", "")
	if status != http.StatusInternalServerError {
		t.Fatalf("статус = %d", status)
	}
	if !strings.Contains(body, `"transaction":"0f8fad5b-d9cb-469f-a165-70867728950e"`) ||
		!strings.Contains(body, "error: internal server error") {
		t.Errorf("тело = %s", body)
	}
}

func TestRouter_Downloads(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/download_request", "alice",
		"application/x-www-form-urlencoded", "format=csv&column=_id&column=_mappedTitle&notify=a@example.org")
	if status != http.StatusOK || body != "success: https://ezid.test/s3_download/abc.csv.gz\n" {
		t.Fatalf("ответ = %d %q", status, body)
	}
	if got := f.downloads.params["column"]; len(got) != 2 || got[1] != "_mappedTitle" {
		t.Errorf("параметры = %v", f.downloads.params)
	}

	if status, _ := f.do(t, http.MethodPost, "/download_request", "", "application/x-www-form-urlencoded", "format=csv"); status != http.StatusUnauthorized {
		t.Errorf("анонимный запрос выгрузки: статус %d", status)
	}

	if err := os.WriteFile(filepath.Join(f.public, "abc.csv.gz"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	status, body = f.do(t, http.MethodGet, "/s3_download/abc.csv.gz", "", "", "")
	if status != http.StatusOK || body != "data" {
		t.Errorf("выгрузка = %d %q", status, body)
	}
	if status, _ := f.do(t, http.MethodGet, "/s3_download/missing.zip", "", "", ""); status != http.StatusNotFound {
		t.Errorf("отсутствующий файл: статус %d", status)
	}
}

func TestRouter_Admin(t *testing.T) {
	f := newFixture(t)

	if status, _ := f.do(t, http.MethodGet, "/admin/status", "", "", ""); status != http.StatusUnauthorized {
		t.Errorf("анонимный статус: %d", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/admin/pause?op=on", "alice", "", ""); status != http.StatusForbidden {
		t.Errorf("пауза от пользователя: %d", status)
	}

	status, body := f.do(t, http.MethodPost, "/admin/pause?op=on", "admin", "", "")
	if status != http.StatusOK || !strings.Contains(body, `"paused":true`) || !strings.Contains(body, `"previous":false`) {
		t.Fatalf("пауза = %d %s", status, body)
	}
	if !f.locks.Status().Paused {
		t.Error("менеджер блокировок не на паузе")
	}
	if status, _ := f.do(t, http.MethodPost, "/admin/pause?op=maybe", "admin", "", ""); status != http.StatusBadRequest {
		t.Errorf("неверный op: %d", status)
	}

	status, body = f.do(t, http.MethodGet, "/admin/status", "admin", "", "")
	if status != http.StatusOK {
		t.Fatalf("статус = %d", status)
	}
	var resp struct {
		Locks  lockmgr.Snapshot `json:"locks"`
		Queues []struct {
			Queue          string `json:"queue"`
			Awaiting       int    `json:"awaiting"`
			PermanentError int    `json:"permanent_errors"`
			OldestAt       string `json:"oldest_at"`
		} `json:"queues"`
		Downloads int `json:"downloads"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Locks.Paused || resp.Downloads != 4 || len(resp.Queues) != 1 {
		t.Fatalf("ответ = %s", body)
	}
	q := resp.Queues[0]
	if q.Queue != string(model.QueueDatacite) || q.Awaiting != 2 || q.PermanentError != 1 || q.OldestAt != "2020-01-02T03:04:05Z" {
		t.Errorf("очередь = %+v", q)
	}
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/health/live", "/health/ready"} {
		status, body := f.do(t, http.MethodGet, path, "", "", "")
		if status != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
			t.Errorf("%s = %d %s", path, status, body)
		}
	}
	if status, body := f.do(t, http.MethodGet, "/metrics", "", "", ""); status != http.StatusOK || !strings.Contains(body, "ezid_http_requests_total") {
		t.Errorf("/metrics = %d", status)
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := New(0, time.Second, testLogger(), http.NotFoundHandler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("сервер не остановился")
	}
}
