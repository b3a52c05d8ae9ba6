// Пакет crossref — клиент депозитного API Crossref: отправка пакета
// <doi_batch> и опрос результата по идентификатору пакета.
package crossref

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/remote"
)

const receivedMarker = "Your batch submission was successfully received."

// State — состояние обработки пакета.
type State string

const (
	// StateSubmitted — пакет принят и ещё обрабатывается
	StateSubmitted State = "submitted"
	StateSuccess   State = "completed successfully"
	StateWarning   State = "completed with warning"
	StateFailure   State = "completed with failure"
)

// Result — результат проверки пакета.
type Result struct {
	State State
	// Message — сообщение Crossref; для конфликтов дополнено строками
	// "conflict_id=..." и "in conflict with: <doi>"
	Message string
}

// Client — клиент Crossref.
type Client struct {
	rc         *remote.Client
	depositURL string
	resultsURL string
	username   string
	password   string
}

// New создаёт клиент.
func New(rc *remote.Client, depositURL, resultsURL, username, password string) *Client {
	return &Client{
		rc:         rc,
		depositURL: depositURL,
		resultsURL: resultsURL,
		username:   username,
		password:   password,
	}
}

// Submit отправляет документ депозита как multipart-форму
// doMDUpload с файлом <batchID>.xml.
func (c *Client) Submit(ctx context.Context, deposit, batchID string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range [][2]string{
		{"operation", "doMDUpload"},
		{"login_id", c.username},
		{"login_passwd", c.password},
	} {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("crossref: поле %s: %w", f[0], err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="fname"; filename="%s.xml"`, batchID))
	h.Set("Content-Type", "application/xml; charset=utf-8")
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("crossref: файл депозита: %w", err)
	}
	if _, err := part.Write([]byte(deposit)); err != nil {
		return fmt.Errorf("crossref: файл депозита: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("crossref: multipart: %w", err)
	}

	resp, err := c.rc.Do(ctx, remote.Request{
		Method:      http.MethodPost,
		URL:         c.depositURL,
		ContentType: mw.FormDataContentType(),
		Body:        buf.Bytes(),
	})
	if err != nil {
		return err
	}
	if err := remote.StatusError(c.rc.Service(), resp); err != nil {
		return err
	}
	if !strings.Contains(string(resp.Body), receivedMarker) {
		return ezerr.New(ezerr.RemoteTransient, "crossref: unexpected return from metadata submission: %s", resp.Text())
	}
	return nil
}

// diagnostic — ответ на запрос результата пакета.
type diagnostic struct {
	XMLName xml.Name           `xml:"doi_batch_diagnostic"`
	Status  *string            `xml:"status,attr"`
	Records []recordDiagnostic `xml:"record_diagnostic"`
}

type recordDiagnostic struct {
	Status     *string  `xml:"status,attr"`
	Msgs       []string `xml:"msg"`
	ConflictID *string  `xml:"conflict_id"`
	Conflicts  []string `xml:"dois_in_conflict>doi"`
}

// CheckStatus запрашивает результат обработки пакета batchID.
func (c *Client) CheckStatus(ctx context.Context, batchID string) (*Result, error) {
	q := url.Values{
		"usr":       {c.username},
		"pwd":       {c.password},
		"file_name": {batchID + ".xml"},
		"type":      {"result"},
	}
	resp, err := c.rc.Do(ctx, remote.Request{
		Method: http.MethodGet,
		URL:    c.resultsURL + "?" + q.Encode(),
	})
	if err != nil {
		return nil, err
	}
	if err := remote.StatusError(c.rc.Service(), resp); err != nil {
		return nil, err
	}
	return ParseDiagnostic(resp.Body)
}

// ParseDiagnostic разбирает документ <doi_batch_diagnostic>.
// Нарушение структуры ответа — временная ошибка: ответ запрашивается снова.
func ParseDiagnostic(data []byte) (*Result, error) {
	var d diagnostic
	if err := xml.Unmarshal(data, &d); err != nil {
		return nil, ezerr.Wrap(ezerr.RemoteTransient, err, "crossref: XML parse error")
	}
	if d.Status == nil {
		return nil, ezerr.New(ezerr.RemoteTransient, "crossref: missing doi_batch_diagnostic/status attribute")
	}
	if *d.Status != "completed" {
		return &Result{State: StateSubmitted, Message: *d.Status}, nil
	}
	if len(d.Records) != 1 {
		return nil, ezerr.New(ezerr.RemoteTransient,
			"crossref: <doi_batch_diagnostic> element contains %s <record_diagnostic> element", notOne(len(d.Records)))
	}
	rd := d.Records[0]
	if rd.Status == nil {
		return nil, ezerr.New(ezerr.RemoteTransient, "crossref: missing record_diagnostic/status attribute")
	}
	switch *rd.Status {
	case "Success":
		return &Result{State: StateSuccess}, nil
	case "Warning", "Failure":
		if len(rd.Msgs) != 1 {
			return nil, ezerr.New(ezerr.RemoteTransient,
				"crossref: <record_diagnostic> element contains %s <msg> element", notOne(len(rd.Msgs)))
		}
		msg := rd.Msgs[0]
		if rd.ConflictID != nil {
			msg += "\nconflict_id=" + *rd.ConflictID
		}
		for _, doi := range rd.Conflicts {
			msg += "\nin conflict with: " + doi
		}
		state := StateWarning
		if *rd.Status == "Failure" {
			state = StateFailure
		}
		return &Result{State: state, Message: msg}, nil
	}
	return nil, ezerr.New(ezerr.RemoteTransient, "crossref: unexpected status value: %s", *rd.Status)
}

var whitespaceRE = regexp.MustCompile(`\s`)

// OneLine заменяет переводы строк и табуляции пробелами.
func OneLine(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

func notOne(n int) string {
	if n == 0 {
		return "no"
	}
	return "more than one"
}
