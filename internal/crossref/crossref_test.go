package crossref

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/remote"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	rc, err := remote.New(remote.Options{Service: "crossref", Policy: remote.Policy{Attempts: 1}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return New(rc, server.URL+"/servlet/deposit", server.URL+"/servlet/submissionDownload", "ezid", "secret")
}

func TestClient_Submit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/servlet/deposit" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		for k, want := range map[string]string{"operation": "doMDUpload", "login_id": "ezid", "login_passwd": "secret"} {
			if got := r.FormValue(k); got != want {
				t.Errorf("%s = %q, ожидалось %q", k, got, want)
			}
		}
		f, hdr, err := r.FormFile("fname")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "batch-1.xml" || string(data) != "<doi_batch/>" {
			t.Errorf("файл %q = %q", hdr.Filename, data)
		}
		io.WriteString(w, "<html><h2>SUCCESS</h2><p>Your batch submission was successfully received.</p></html>")
	})

	if err := c.Submit(context.Background(), "<doi_batch/>", "batch-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestClient_SubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ezerr.Kind
	}{
		{name: "неожиданный ответ", status: http.StatusOK, body: "<html>FAILURE</html>", want: ezerr.RemoteTransient},
		{name: "отказ в доступе", status: http.StatusForbidden, body: "login failed", want: ezerr.RemotePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			err := c.Submit(context.Background(), "<doi_batch/>", "b")
			if !ezerr.Is(err, tt.want) {
				t.Errorf("ошибка = %v, ожидался вид %s", err, tt.want)
			}
		})
	}
}

func TestClient_CheckStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("usr") != "ezid" || q.Get("pwd") != "secret" || q.Get("file_name") != "batch-2.xml" || q.Get("type") != "result" {
			t.Errorf("параметры запроса: %v", q)
		}
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><doi_batch_diagnostic status="in_process"/>`)
	})

	res, err := c.CheckStatus(context.Background(), "batch-2")
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if res.State != StateSubmitted || res.Message != "in_process" {
		t.Errorf("результат = %+v", res)
	}
}

func TestParseDiagnostic(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    State
		wantMsg string
		wantErr bool
	}{
		{
			name: "успех",
			doc:  `<doi_batch_diagnostic status="completed"><record_diagnostic status="Success"><doi>10.5072/X</doi><msg>ok</msg></record_diagnostic></doi_batch_diagnostic>`,
			want: StateSuccess,
		},
		{
			name: "предупреждение с конфликтом",
			doc: `<doi_batch_diagnostic status="completed"><record_diagnostic status="Warning">` +
				`<msg>Added with conflict</msg><conflict_id>1423608</conflict_id>` +
				`<dois_in_conflict><doi>10.5072/A</doi><doi>10.5072/B</doi></dois_in_conflict>` +
				`</record_diagnostic></doi_batch_diagnostic>`,
			want:    StateWarning,
			wantMsg: "Added with conflict\nconflict_id=1423608\nin conflict with: 10.5072/A\nin conflict with: 10.5072/B",
		},
		{
			name:    "ошибка",
			doc:     `<doi_batch_diagnostic status="completed"><record_diagnostic status="Failure"><msg>bad xml</msg></record_diagnostic></doi_batch_diagnostic>`,
			want:    StateFailure,
			wantMsg: "bad xml",
		},
		{
			name:    "нет статуса",
			doc:     `<doi_batch_diagnostic/>`,
			wantErr: true,
		},
		{
			name:    "две записи",
			doc:     `<doi_batch_diagnostic status="completed"><record_diagnostic status="Success"/><record_diagnostic status="Success"/></doi_batch_diagnostic>`,
			wantErr: true,
		},
		{
			name:    "чужой корень",
			doc:     `<html/>`,
			wantErr: true,
		},
		{
			name:    "неизвестный статус записи",
			doc:     `<doi_batch_diagnostic status="completed"><record_diagnostic status="Odd"/></doi_batch_diagnostic>`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseDiagnostic([]byte(tt.doc))
			if tt.wantErr {
				if !ezerr.Is(err, ezerr.RemoteTransient) {
					t.Errorf("ошибка = %v, ожидался RemoteTransient", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDiagnostic: %v", err)
			}
			if res.State != tt.want || res.Message != tt.wantMsg {
				t.Errorf("результат = %+v, ожидалось %s %q", res, tt.want, tt.wantMsg)
			}
		})
	}
}

func TestOneLine(t *testing.T) {
	if got := OneLine(" a\nb\tc \n"); got != "a b c" {
		t.Errorf("OneLine = %q", got)
	}
}
