// Пакет remote — общий HTTP-клиент адаптеров внешних сервисов
// (DataCite, Crossref, binder, поисковый индекс).
// Поддерживает TLS с кастомным CA (EZ_REMOTE_CA_CERT_PATH), ограничение
// частоты запросов и повторы по политике адаптера.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"golang.org/x/time/rate"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
)

var (
	remoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezid_remote_requests_total",
		Help: "Количество HTTP-запросов к внешним сервисам по сервису и статусу.",
	}, []string{"service", "status"})
	remoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ezid_remote_request_duration_seconds",
		Help:    "Длительность HTTP-запросов к внешним сервисам.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
)

// Максимальный размер читаемого тела ответа.
const maxResponseBody = 4 << 20

// Policy — политика повторов адаптера. Паузы растут от Delay
// в Multiplier раз (0 — вдвое), но не больше MaxDelay (0 — без предела).
type Policy struct {
	Attempts   int
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Таймаут одного запроса
	Timeout time.Duration
}

// iterator создаёт итератор пауз на один вызов Do.
func (p Policy) iterator() retry.Iterator {
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   p.Delay,
			Retries: p.Attempts - 1,
		},
		MaxDelay:   p.MaxDelay,
		Multiplier: p.Multiplier,
	}
}

// Options — параметры клиента.
type Options struct {
	// Service — имя сервиса для логов и метрик
	Service    string
	CACertPath string
	// RateLimit — запросов в секунду; 0 — без ограничения
	RateLimit float64
	Policy    Policy
	// Учётные данные HTTP Basic по умолчанию
	Username string
	Password string
}

// Request — запрос к внешнему сервису. Тело хранится целиком,
// чтобы его можно было отправить повторно.
type Request struct {
	Method      string
	URL         string
	ContentType string
	Body        []byte
	Header      http.Header
	// Учётные данные, заменяющие заданные в Options
	Username string
	Password string
}

// Response — ответ внешнего сервиса.
type Response struct {
	StatusCode int
	Body       []byte
}

// Text возвращает тело ответа без концевых пробелов.
func (r *Response) Text() string {
	return strings.TrimSpace(string(r.Body))
}

// Client — HTTP-клиент внешнего сервиса.
type Client struct {
	service    string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     Policy
	username   string
	password   string
	logger     *slog.Logger
}

// New создаёт клиент.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	timeout := opts.Policy.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	if opts.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата для %s: %w", opts.Service, err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
		logger.Info("CA-сертификат добавлен в пул доверия",
			slog.String("service", opts.Service),
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	policy := opts.Policy
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	return &Client{
		service:    opts.Service,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		policy:     policy,
		username:   opts.Username,
		password:   opts.Password,
		logger:     logger.With(slog.String("component", "remote"), slog.String("service", opts.Service)),
	}, nil
}

// Service возвращает имя сервиса.
func (c *Client) Service() string { return c.service }

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// Do выполняет запрос, повторяя его при сетевых ошибках, таймаутах и
// статусах 408, 429, 5xx. Ответ с любым другим статусом возвращается
// без ошибки, его классифицирует адаптер. Если попытки исчерпаны,
// возвращается ошибка RemoteTransient и последний ответ (если был).
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var (
		resp    *Response
		attempt int
	)
	err := retry.Retry(ctx, transient.Only(c.policy.iterator), func() error {
		attempt++
		var err error
		if resp, err = c.once(ctx, req); err != nil {
			return err
		}
		if Retryable(resp.StatusCode) {
			return transient.Tag.Apply(fmt.Errorf("HTTP %d", resp.StatusCode))
		}
		return nil
	}, func(err error, wait time.Duration) {
		c.logger.Warn("Временная ошибка внешнего сервиса, повтор",
			slog.String("method", req.Method),
			slog.String("url", req.URL),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	switch {
	case err == nil:
		return resp, nil
	case !transient.Tag.In(err) && ctx.Err() == nil:
		return resp, ezerr.Wrap(ezerr.RemotePermanent, err, "%s: некорректный запрос", c.service)
	case resp != nil:
		return resp, ezerr.New(ezerr.RemoteTransient, "%s: HTTP %d: %s", c.service, resp.StatusCode, snippet(resp.Body))
	default:
		return nil, ezerr.Wrap(ezerr.RemoteTransient, err, "%s: сервис недоступен", c.service)
	}
}

// once выполняет одну попытку запроса.
func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transient.Tag.Apply(fmt.Errorf("ограничитель частоты: %w", err))
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s %s: %w", req.Method, req.URL, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	username, password := c.username, c.password
	if req.Username != "" {
		username, password = req.Username, req.Password
	}
	if username != "" {
		httpReq.SetBasicAuth(username, password)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	remoteRequestDuration.WithLabelValues(c.service).Observe(time.Since(start).Seconds())
	if err != nil {
		remoteRequestsTotal.WithLabelValues(c.service, "error").Inc()
		return nil, transient.Tag.Apply(fmt.Errorf("запрос %s %s: %w", req.Method, req.URL, err))
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	remoteRequestsTotal.WithLabelValues(c.service, strconv.Itoa(httpResp.StatusCode)).Inc()
	if err != nil {
		return nil, transient.Tag.Apply(fmt.Errorf("чтение ответа %s %s: %w", req.Method, req.URL, err))
	}
	return &Response{StatusCode: httpResp.StatusCode, Body: data}, nil
}

// Retryable сообщает, стоит ли повторять запрос с таким статусом.
func Retryable(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// StatusError классифицирует неуспешный ответ: 408, 429 и 5xx —
// RemoteTransient, прочие — RemotePermanent. Для 2xx возвращает nil.
func StatusError(service string, resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	kind := ezerr.RemotePermanent
	if Retryable(resp.StatusCode) {
		kind = ezerr.RemoteTransient
	}
	return ezerr.New(kind, "%s: HTTP %d: %s", service, resp.StatusCode, snippet(resp.Body))
}

// IsTransient сообщает, что ошибку адаптера стоит повторить позже.
// Ошибки без вида (сеть, отмена) считаются временными.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *ezerr.Error
	if !errors.As(err, &e) {
		return true
	}
	return e.Kind != ezerr.RemotePermanent
}

// JoinURL склеивает базовый адрес и путь без двойных слешей.
func JoinURL(base string, parts ...string) string {
	u := normalizeURL(base)
	for _, p := range parts {
		u += "/" + strings.TrimLeft(p, "/")
	}
	return u
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}

// snippet возвращает начало тела ответа для сообщений об ошибках.
func snippet(body []byte) string {
	const limit = 300
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
