// auth.go — аутентификация запросов EZID API.
// HTTP Basic — пользователи EZID (пароль argon2id в БД).
// Bearer — операторы через JWT внешнего IdP; подпись проверяется по JWKS.
// Запрос без заголовка Authorization выполняется от имени анонимного принципала.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goezid/internal/api/errors"
	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/domain/rbac"
	"github.com/bigkaa/goezid/internal/service"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyIdentity — Identity вызывающего в контексте запроса.
const ContextKeyIdentity contextKey = "identity"

// Способы аутентификации.
const (
	MethodAnonymous = "anonymous"
	MethodBasic     = "basic"
	MethodBearer    = "bearer"
)

// Identity — аутентифицированный вызывающий.
type Identity struct {
	// Principal — принципал для политики авторизации; для оператора
	// без учётной записи EZID — анонимный с именем из токена
	Principal *policy.Principal
	// Role — роль оператора (rbac.RoleAdmin, rbac.RoleReadonly или "")
	Role   string
	Method string
}

// Accounts — справочник учётных записей EZID.
// Реализуется service.PrincipalDirectory.
type Accounts interface {
	Authenticate(ctx context.Context, username, password string) (*service.Account, error)
	Lookup(ctx context.Context, username string) (*service.Account, error)
}

// Auth — middleware аутентификации.
type Auth struct {
	accounts Accounts
	// jwt — nil, если Bearer-аутентификация не настроена
	jwt    *JWTAuth
	logger *slog.Logger
}

// NewAuth создаёт middleware аутентификации. jwtAuth может быть nil.
func NewAuth(accounts Accounts, jwtAuth *JWTAuth, logger *slog.Logger) *Auth {
	return &Auth{
		accounts: accounts,
		jwt:      jwtAuth,
		logger:   logger.With(slog.String("component", "auth")),
	}
}

// Middleware помещает Identity вызывающего в контекст запроса.
// Неверные учётные данные — 401 без обращения к обработчику.
func (a *Auth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				id := &Identity{Principal: service.Anonymous(), Method: MethodAnonymous}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}

			scheme, _, _ := strings.Cut(header, " ")
			var (
				id  *Identity
				err error
			)
			switch {
			case strings.EqualFold(scheme, "Basic"):
				id, err = a.basic(r)
			case strings.EqualFold(scheme, "Bearer") && a.jwt != nil:
				id, err = a.bearer(r)
			default:
				apierrors.Unauthorized(w)
				return
			}
			if err != nil {
				if ezerr.Is(err, ezerr.Forbidden) {
					apierrors.Unauthorized(w)
					return
				}
				tid := uuid.NewString()
				a.logger.Error("Ошибка аутентификации",
					slog.String("transaction", tid),
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w, tid)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func (a *Auth) basic(r *http.Request) (*Identity, error) {
	username, password, ok := r.BasicAuth()
	if !ok || username == "" {
		return nil, ezerr.New(ezerr.Forbidden, "unauthorized")
	}
	acc, err := a.accounts.Authenticate(r.Context(), username, password)
	if err != nil {
		return nil, err
	}
	id := &Identity{Principal: acc.Principal, Method: MethodBasic}
	if acc.Principal.IsSuperuser {
		id.Role = rbac.RoleAdmin
	}
	return id, nil
}

func (a *Auth) bearer(r *http.Request) (*Identity, error) {
	_, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
	claims, err := a.jwt.Parse(r.Context(), strings.TrimSpace(token))
	if err != nil {
		a.logger.Debug("JWT валидация не пройдена",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		return nil, ezerr.New(ezerr.Forbidden, "unauthorized")
	}

	id := &Identity{Role: claims.Role, Method: MethodBearer}
	acc, err := a.accounts.Lookup(r.Context(), claims.Username)
	switch {
	case err == nil:
		id.Principal = acc.Principal
	case ezerr.Is(err, ezerr.NotFound):
		pr := service.Anonymous()
		pr.Username = claims.Username
		id.Principal = pr
	default:
		return nil, err
	}
	if id.Principal.IsSuperuser {
		id.Role = rbac.RoleAdmin
	}
	return id, nil
}

// RequireRole возвращает middleware, требующий роль оператора не ниже role.
// Должен использоваться ПОСЛЕ Auth.Middleware().
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if id == nil || id.Method == MethodAnonymous {
				apierrors.Unauthorized(w)
				return
			}
			if !rbac.Allows(id.Role, role) {
				apierrors.Forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Context helpers ---

// WithIdentity возвращает контекст с Identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	if h, ok := ctx.Value(contextKeyHolder).(*identityHolder); ok {
		h.id = id
	}
	return context.WithValue(ctx, ContextKeyIdentity, id)
}

// IdentityFromContext извлекает Identity из контекста запроса.
// Возвращает nil, если Identity не найдена.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ContextKeyIdentity).(*Identity)
	return id
}

// PrincipalFromContext возвращает принципал вызывающего; без Identity —
// анонимный принципал.
func PrincipalFromContext(ctx context.Context) *policy.Principal {
	if id := IdentityFromContext(ctx); id != nil && id.Principal != nil {
		return id.Principal
	}
	return service.Anonymous()
}

// --- JWT ---

// Claims — извлечённые из JWT сведения об операторе.
type Claims struct {
	Subject  string
	Username string
	Groups   []string
	// Role — роль по группам, а при их отсутствии по realm_access.roles
	Role string
}

// JWTAuth — проверка JWT операторов через JWKS.
type JWTAuth struct {
	jwks           keyfunc.Keyfunc
	logger         *slog.Logger
	groupsClaim    string
	adminGroups    []string
	readonlyGroups []string
	issuer         string
	jwtLeeway      time.Duration
}

// JWTOptions — параметры JWTAuth.
type JWTOptions struct {
	JWKSURL    string
	CACertPath string
	Issuer     string
	// GroupsClaim — имя claim со списком групп (по умолчанию "groups")
	GroupsClaim     string
	AdminGroups     []string
	ReadonlyGroups  []string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// NewJWTAuth создаёт проверку JWT с JWKS из IdP.
// Ключи обновляются в фоне; старт не требует доступности IdP.
func NewJWTAuth(opts JWTOptions, logger *slog.Logger) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: opts.ClientTimeout}
	if opts.CACertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(opts.CACertPath, opts.ClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", opts.CACertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	storage, err := jwkset.NewStorageFromHTTP(opts.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           opts.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", opts.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	j := NewJWTAuthWithKeyfunc(k, opts.Issuer, opts.GroupsClaim, opts.AdminGroups, opts.ReadonlyGroups, logger)
	j.jwtLeeway = opts.Leeway
	return j, nil
}

// httpClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: caCertPool,
			},
		},
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт проверку JWT с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(
	kf keyfunc.Keyfunc,
	issuer string,
	groupsClaim string,
	adminGroups, readonlyGroups []string,
	logger *slog.Logger,
) *JWTAuth {
	if groupsClaim == "" {
		groupsClaim = "groups"
	}
	return &JWTAuth{
		jwks:           kf,
		logger:         logger.With(slog.String("component", "jwt_auth")),
		groupsClaim:    groupsClaim,
		adminGroups:    adminGroups,
		readonlyGroups: readonlyGroups,
		issuer:         issuer,
	}
}

// Parse проверяет подпись (RS256), срок действия и issuer токена и
// извлекает Claims.
func (j *JWTAuth) Parse(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("пустой Bearer token")
	}
	raw := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.jwtLeeway),
	}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, raw, j.jwks.KeyfuncCtx(ctx), parserOpts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("невалидный токен")
	}

	subject, err := raw.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("отсутствует sub в токене")
	}
	c := &Claims{Subject: subject, Username: subject}
	if u, ok := raw["preferred_username"].(string); ok && u != "" {
		c.Username = u
	}
	c.Groups = stringList(raw[j.groupsClaim])
	c.Role = rbac.MapGroupsToRole(c.Groups, j.adminGroups, j.readonlyGroups)
	if c.Role == "" {
		if ra, ok := raw["realm_access"].(map[string]any); ok {
			c.Role = rbac.HighestRole(stringList(ra["roles"]))
		}
	}
	return c, nil
}

// stringList приводит JSON-массив строк claim к []string.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// --- ReadinessChecker для IdP ---

// JWKSReadinessChecker — проверка доступности JWKS endpoint IdP.
type JWKSReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewJWKSReadinessChecker создаёт checker доступности JWKS.
func NewJWKSReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*JWKSReadinessChecker, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath != "" {
		var err error
		client, err = httpClientWithCA(caCertPath, timeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
		}
	}
	return &JWKSReadinessChecker{jwksURL: jwksURL, client: client}, nil
}

const statusFail = "fail"

// CheckReady проверяет, что JWKS endpoint отдаёт хотя бы один ключ.
func (k *JWKSReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return statusFail, fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS: нет ключей"
	}
	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
