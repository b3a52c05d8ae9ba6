package middleware

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/domain/rbac"
	"github.com/bigkaa/goezid/internal/service"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key-ezid"

const testIssuer = "https://idp.test/realms/ezid"

// fakeAccounts — справочник учётных записей в памяти.
type fakeAccounts struct {
	passwords map[string]string
	accounts  map[string]*service.Account
	err       error
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		passwords: map[string]string{"alice": "secret", "admin": "root-pw"},
		accounts: map[string]*service.Account{
			"alice": {Principal: &policy.Principal{UserID: 1, Username: "alice"}},
			"admin": {Principal: &policy.Principal{UserID: 2, Username: "admin", IsSuperuser: true}},
		},
	}
}

func (f *fakeAccounts) Authenticate(_ context.Context, username, password string) (*service.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	if pw, ok := f.passwords[username]; !ok || pw != password {
		return nil, ezerr.New(ezerr.Forbidden, "unauthorized")
	}
	return f.accounts[username], nil
}

func (f *fakeAccounts) Lookup(_ context.Context, username string) (*service.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	acc, ok := f.accounts[username]
	if !ok {
		return nil, ezerr.New(ezerr.NotFound, "no such user")
	}
	return acc, nil
}

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestJWTAuth создаёт JWTAuth с mock JWKS.
func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, "", []string{"ezid-operators"}, []string{"ezid-viewers"}, testLogger())
}

// generateToken подписывает JWT с указанными claims поверх стандартных.
func generateToken(t *testing.T, key *rsa.PrivateKey, extra jwt.MapClaims, expired bool) string {
	t.Helper()

	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	claims := jwt.MapClaims{
		"sub": "op-1",
		"iss": testIssuer,
		"exp": jwt.NewNumericDate(exp),
		"nbf": jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		"iat": jwt.NewNumericDate(time.Now()),
	}
	for k, v := range extra {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return tokenStr
}

// serve пропускает запрос через Auth и возвращает ответ и Identity,
// увиденную обработчиком (nil, если обработчик не вызывался).
func serve(t *testing.T, a *Auth, authorization string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var got *Identity
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/id/ark:/99999/fk4x", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, got
}

func basicHeader(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

func TestAuth_Anonymous(t *testing.T) {
	rec, id := serve(t, NewAuth(newFakeAccounts(), nil, testLogger()), "")
	if rec.Code != http.StatusOK || id == nil {
		t.Fatalf("статус = %d, identity = %v", rec.Code, id)
	}
	if id.Method != MethodAnonymous || !id.Principal.Anonymous || id.Role != "" {
		t.Errorf("identity = %+v, ожидался анонимный вызывающий", id)
	}
}

func TestAuth_Basic(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
		wantRole   string
	}{
		{name: "пользователь", header: basicHeader("alice", "secret"), wantStatus: http.StatusOK, wantUser: "alice"},
		{name: "суперпользователь получает роль admin", header: basicHeader("admin", "root-pw"),
			wantStatus: http.StatusOK, wantUser: "admin", wantRole: rbac.RoleAdmin},
		{name: "неверный пароль", header: basicHeader("alice", "wrong"), wantStatus: http.StatusUnauthorized},
		{name: "неизвестный пользователь", header: basicHeader("mallory", "x"), wantStatus: http.StatusUnauthorized},
		{name: "битый base64", header: "Basic !!!", wantStatus: http.StatusUnauthorized},
		{name: "неизвестная схема", header: "Digest abc", wantStatus: http.StatusUnauthorized},
		{name: "Bearer без настроенного IdP", header: "Bearer abc", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, id := serve(t, NewAuth(newFakeAccounts(), nil, testLogger()), tt.header)
			if rec.Code != tt.wantStatus {
				t.Fatalf("статус = %d, ожидался %d, тело: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if id != nil {
					t.Error("обработчик не должен быть вызван")
				}
				if rec.Header().Get("WWW-Authenticate") == "" {
					t.Error("нет заголовка WWW-Authenticate")
				}
				return
			}
			if id.Principal.Username != tt.wantUser || id.Role != tt.wantRole || id.Method != MethodBasic {
				t.Errorf("identity = %+v, principal = %+v", id, id.Principal)
			}
		})
	}
}

func TestAuth_StoreErrorIsInternal(t *testing.T) {
	accounts := newFakeAccounts()
	accounts.err = context.DeadlineExceeded
	rec, _ := serve(t, NewAuth(accounts, nil, testLogger()), basicHeader("alice", "secret"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("статус = %d, ожидался 500", rec.Code)
	}
	var body struct {
		Error struct {
			Message     string `json:"message"`
			Transaction string `json:"transaction"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Message != "error: internal server error" || body.Error.Transaction == "" {
		t.Errorf("тело = %s", rec.Body.String())
	}
}

func TestAuth_Bearer(t *testing.T) {
	key := generateTestKey(t)

	tests := []struct {
		name       string
		claims     jwt.MapClaims
		expired    bool
		wantStatus int
		wantUser   string
		wantRole   string
		wantAnon   bool
	}{
		{
			name:       "оператор без учётной записи EZID",
			claims:     jwt.MapClaims{"preferred_username": "ops", "groups": []string{"ezid-operators"}},
			wantStatus: http.StatusOK, wantUser: "ops", wantRole: rbac.RoleAdmin, wantAnon: true,
		},
		{
			name:       "наблюдатель с учётной записью EZID",
			claims:     jwt.MapClaims{"preferred_username": "alice", "groups": []string{"ezid-viewers"}},
			wantStatus: http.StatusOK, wantUser: "alice", wantRole: rbac.RoleReadonly,
		},
		{
			name:       "роль из realm_access",
			claims:     jwt.MapClaims{"preferred_username": "ops", "realm_access": map[string]any{"roles": []string{"readonly", "offline_access"}}},
			wantStatus: http.StatusOK, wantUser: "ops", wantRole: rbac.RoleReadonly, wantAnon: true,
		},
		{
			name:       "без preferred_username используется sub",
			claims:     jwt.MapClaims{},
			wantStatus: http.StatusOK, wantUser: "op-1", wantAnon: true,
		},
		{
			name:       "просроченный токен",
			claims:     jwt.MapClaims{"preferred_username": "ops"},
			expired:    true,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "чужой issuer",
			claims:     jwt.MapClaims{"iss": "https://other.test/realms/x"},
			wantStatus: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAuth(newFakeAccounts(), newTestJWTAuth(t, key), testLogger())
			rec, id := serve(t, a, "Bearer "+generateToken(t, key, tt.claims, tt.expired))
			if rec.Code != tt.wantStatus {
				t.Fatalf("статус = %d, ожидался %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if id.Method != MethodBearer || id.Principal.Username != tt.wantUser ||
				id.Role != tt.wantRole || id.Principal.Anonymous != tt.wantAnon {
				t.Errorf("identity = %+v, principal = %+v", id, id.Principal)
			}
		})
	}
}

func TestAuth_BearerWrongKey(t *testing.T) {
	a := NewAuth(newFakeAccounts(), newTestJWTAuth(t, generateTestKey(t)), testLogger())
	rec, id := serve(t, a, "Bearer "+generateToken(t, generateTestKey(t), nil, false))
	if rec.Code != http.StatusUnauthorized || id != nil {
		t.Errorf("статус = %d, identity = %v", rec.Code, id)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		identity   *Identity
		required   string
		wantStatus int
	}{
		{name: "без identity", required: rbac.RoleReadonly, wantStatus: http.StatusUnauthorized},
		{
			name:       "анонимный",
			identity:   &Identity{Principal: service.Anonymous(), Method: MethodAnonymous},
			required:   rbac.RoleReadonly,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "пользователь без роли",
			identity:   &Identity{Principal: &policy.Principal{Username: "alice"}, Method: MethodBasic},
			required:   rbac.RoleReadonly,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "readonly на admin",
			identity:   &Identity{Principal: &policy.Principal{Username: "ops"}, Role: rbac.RoleReadonly, Method: MethodBearer},
			required:   rbac.RoleAdmin,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "admin на readonly",
			identity:   &Identity{Principal: &policy.Principal{Username: "ops"}, Role: rbac.RoleAdmin, Method: MethodBearer},
			required:   rbac.RoleReadonly,
			wantStatus: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireRole(tt.required)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
			if tt.identity != nil {
				req = req.WithContext(WithIdentity(req.Context(), tt.identity))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("статус = %d, ожидался %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestPrincipalFromContext_Default(t *testing.T) {
	if pr := PrincipalFromContext(context.Background()); !pr.Anonymous {
		t.Errorf("принципал = %+v, ожидался анонимный", pr)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	a := NewAuth(newFakeAccounts(), nil, testLogger())
	handler := RequestLogger(logger)(a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("error: bad request - x\n"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/id/ark:/99999/fk4x", nil)
	req.Header.Set("Authorization", basicHeader("alice", "secret"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	for _, want := range []string{"level=WARN", "status=400", "user=alice", "bytes=23", "method=POST"} {
		if !strings.Contains(line, want) {
			t.Errorf("в записи нет %q: %s", want, line)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health/live", "/health/live"},
		{"/admin/status", "/admin/status"},
		{"/id/ark:/99999/fk4abc", "/id/{id}"},
		{"/id/doi:10.5072/FK2X", "/id/{id}"},
		{"/shoulder/ark:/99999/fk4", "/shoulder/{shoulder}"},
		{"/s3_download/abc.csv.zip", "/s3_download/{name}"},
		{"/wp-login.php", "other"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, хотели %q", tt.path, got, tt.want)
		}
	}
}
