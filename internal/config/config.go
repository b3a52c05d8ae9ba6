// Пакет config — загрузка и валидация конфигурации EZID
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goezid/internal/domain/identifier"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит статические параметры конфигурации EZID.
// Перечитываемые на лету параметры — в Tunables.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Идентификаторы ---

	// AdminUsername — пользователь-администратор (владелец agent PID)
	AdminUsername string
	// BaseURL — публичный адрес EZID (ссылки на выгрузки, tombstone)
	BaseURL string
	// DefaultTargetBaseURL — основа цели по умолчанию
	DefaultTargetBaseURL string
	ResolverARK          string
	ResolverDOI          string
	// Тестовые плечи
	TestShoulderARK      string
	TestShoulderDOI      string
	TestShoulderCrossref string
	// AgentShoulder — плечо для agent PID пользователей и групп
	AgentShoulder string

	// --- JWT операторов (опционально) ---

	// URL JWKS endpoint; пустой — Bearer-аутентификация отключена
	JWTJWKSURL string
	JWTIssuer  string
	// Claim для групп в JWT
	JWTGroupsClaim     string
	RoleAdminGroups    []string
	RoleReadonlyGroups []string

	// --- DataCite ---

	DataciteEnabled        bool
	DataciteDOIURL         string
	DataciteMetadataURL    string
	DataciteNumAttempts    int
	DataciteReattemptDelay time.Duration
	DataciteTimeout        time.Duration
	// AllocatorPasswords — пароли аллокаторов DataCite (EZ_ALLOCATOR_<A>_PASSWORD)
	AllocatorPasswords map[string]string

	// --- Crossref ---

	CrossrefEnabled        bool
	CrossrefDepositURL     string
	CrossrefResultsURL     string
	CrossrefUsername       string
	CrossrefPassword       string
	CrossrefDepositorName  string
	CrossrefDepositorEmail string
	// Интервал опроса результата депозита
	CrossrefPollInterval time.Duration
	// Предельное время ожидания результата депозита
	CrossrefPollTimeout time.Duration
	CrossrefNumAttempts int
	CrossrefTimeout     time.Duration

	// --- Binder ---

	BinderEnabled        bool
	BinderURL            string
	BinderUsername       string
	BinderPassword       string
	BinderNumAttempts    int
	BinderReattemptDelay time.Duration
	BinderTimeout        time.Duration

	// --- Поисковый индекс ---

	// URL OpenSearch-совместимого сервиса; пустой — только таблица search_identifiers
	SearchURL   string
	SearchIndex string

	// --- Рассылка обновлений (Redis Pub/Sub) ---

	// Адрес Redis; пустой — рассылка отключена
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	BroadcastChannel string

	// --- Объектное хранилище выгрузок (S3) ---

	// Endpoint S3; пустой — выгрузки публикуются в локальный каталог
	S3Endpoint           string
	S3Bucket             string
	S3Region             string
	S3AccessKey          string
	S3SecretKey          string
	S3UseSSL             bool
	S3BucketDownloadPath string

	// --- Почта ---

	// SMTP-хост; пустой — письма только логируются
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	// --- Выгрузки ---

	DownloadWorkDir   string
	DownloadPublicDir string
	// Время жизни сгенерированных файлов
	DownloadFileLifetime time.Duration
	// Размер страницы при сборе идентификаторов
	QueryPageSize int

	// --- Прочее ---

	// Лимит запросов в секунду к каждому удалённому сервису
	RemoteRateLimit float64
	// CA-сертификат для TLS удалённых сервисов (пустая строка — системный пул)
	RemoteCACertPath string
	// Размер и TTL кеша принципалов
	PrincipalCacheSize int
	PrincipalCacheTTL  time.Duration
	// Группа в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Таймаут graceful shutdown HTTP-сервера и воркеров
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// EZ_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("EZ_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("EZ_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("EZ_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// EZ_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("EZ_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("EZ_LOG_LEVEL: %w", err)
	}

	// EZ_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("EZ_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("EZ_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("EZ_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("EZ_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("EZ_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("EZ_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("EZ_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("EZ_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("EZ_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("EZ_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Идентификаторы ---

	cfg.AdminUsername = getEnvDefault("EZ_ADMIN_USERNAME", "admin")
	if cfg.BaseURL, err = getEnvRequired("EZ_BASE_URL"); err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.DefaultTargetBaseURL = strings.TrimRight(getEnvDefault("EZ_DEFAULT_TARGET_BASE_URL", cfg.BaseURL), "/")
	cfg.ResolverARK = strings.TrimRight(getEnvDefault("EZ_RESOLVER_ARK", "https://n2t.net"), "/")
	cfg.ResolverDOI = strings.TrimRight(getEnvDefault("EZ_RESOLVER_DOI", "https://doi.org"), "/")
	cfg.TestShoulderARK = getEnvDefault("EZ_SHOULDERS_ARK_TEST", "ark:/99999/fk4")
	cfg.TestShoulderDOI = getEnvDefault("EZ_SHOULDERS_DOI_TEST", "doi:10.5072/FK2")
	cfg.TestShoulderCrossref = getEnvDefault("EZ_SHOULDERS_CROSSREF_TEST", "doi:10.15697/")
	cfg.AgentShoulder = getEnvDefault("EZ_SHOULDERS_AGENT", "ark:/99166/p3")
	for key, s := range map[string]string{
		"EZ_SHOULDERS_ARK_TEST":      cfg.TestShoulderARK,
		"EZ_SHOULDERS_DOI_TEST":      cfg.TestShoulderDOI,
		"EZ_SHOULDERS_CROSSREF_TEST": cfg.TestShoulderCrossref,
		"EZ_SHOULDERS_AGENT":         cfg.AgentShoulder,
	} {
		if !identifier.ValidateShoulder(s) {
			return nil, fmt.Errorf("%s: некорректное плечо %q", key, s)
		}
	}

	// --- JWT ---

	cfg.JWTJWKSURL = getEnvDefault("EZ_JWT_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("EZ_JWT_ISSUER", "")
	cfg.JWTGroupsClaim = getEnvDefault("EZ_JWT_GROUPS_CLAIM", "groups")
	cfg.RoleAdminGroups = parseCSV(getEnvDefault("EZ_ROLE_ADMIN_GROUPS", "ezid-admins"))
	cfg.RoleReadonlyGroups = parseCSV(getEnvDefault("EZ_ROLE_READONLY_GROUPS", "ezid-viewers"))

	// --- DataCite ---

	if cfg.DataciteEnabled, err = getEnvBool("EZ_DATACITE_ENABLED", false); err != nil {
		return nil, fmt.Errorf("EZ_DATACITE_ENABLED: %w", err)
	}
	cfg.DataciteDOIURL = getEnvDefault("EZ_DATACITE_DOI_URL", "https://mds.datacite.org/doi")
	cfg.DataciteMetadataURL = getEnvDefault("EZ_DATACITE_METADATA_URL", "https://mds.datacite.org/metadata")
	if cfg.DataciteNumAttempts, err = getEnvInt("EZ_DATACITE_NUM_ATTEMPTS", 3); err != nil {
		return nil, fmt.Errorf("EZ_DATACITE_NUM_ATTEMPTS: %w", err)
	}
	if cfg.DataciteNumAttempts < 1 {
		return nil, fmt.Errorf("EZ_DATACITE_NUM_ATTEMPTS: значение должно быть положительным")
	}
	if cfg.DataciteReattemptDelay, err = getEnvDuration("EZ_DATACITE_REATTEMPT_DELAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("EZ_DATACITE_REATTEMPT_DELAY: %w", err)
	}
	if cfg.DataciteTimeout, err = getEnvDuration("EZ_DATACITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("EZ_DATACITE_TIMEOUT: %w", err)
	}
	cfg.AllocatorPasswords = allocatorPasswords(os.Environ())
	if cfg.DataciteEnabled && len(cfg.AllocatorPasswords) == 0 {
		return nil, fmt.Errorf("EZ_DATACITE_ENABLED: не задан ни один EZ_ALLOCATOR_<A>_PASSWORD")
	}

	// --- Crossref ---

	if cfg.CrossrefEnabled, err = getEnvBool("EZ_CROSSREF_ENABLED", false); err != nil {
		return nil, fmt.Errorf("EZ_CROSSREF_ENABLED: %w", err)
	}
	cfg.CrossrefDepositURL = getEnvDefault("EZ_CROSSREF_DEPOSIT_URL", "https://doi.crossref.org/servlet/deposit")
	cfg.CrossrefResultsURL = getEnvDefault("EZ_CROSSREF_RESULTS_URL", "https://doi.crossref.org/servlet/submissionDownload")
	cfg.CrossrefUsername = getEnvDefault("EZ_CROSSREF_USERNAME", "")
	cfg.CrossrefPassword = getEnvDefault("EZ_CROSSREF_PASSWORD", "")
	cfg.CrossrefDepositorName = getEnvDefault("EZ_CROSSREF_DEPOSITOR_NAME", "EZID")
	cfg.CrossrefDepositorEmail = getEnvDefault("EZ_CROSSREF_DEPOSITOR_EMAIL", "")
	if cfg.CrossrefEnabled && (cfg.CrossrefUsername == "" || cfg.CrossrefPassword == "") {
		return nil, fmt.Errorf("EZ_CROSSREF_ENABLED: требуются EZ_CROSSREF_USERNAME и EZ_CROSSREF_PASSWORD")
	}
	if cfg.CrossrefPollInterval, err = getEnvDuration("EZ_CROSSREF_POLL_INTERVAL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("EZ_CROSSREF_POLL_INTERVAL: %w", err)
	}
	if cfg.CrossrefPollTimeout, err = getEnvDuration("EZ_CROSSREF_POLL_TIMEOUT", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("EZ_CROSSREF_POLL_TIMEOUT: %w", err)
	}
	if cfg.CrossrefNumAttempts, err = getEnvInt("EZ_CROSSREF_NUM_ATTEMPTS", 3); err != nil {
		return nil, fmt.Errorf("EZ_CROSSREF_NUM_ATTEMPTS: %w", err)
	}
	if cfg.CrossrefTimeout, err = getEnvDuration("EZ_CROSSREF_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("EZ_CROSSREF_TIMEOUT: %w", err)
	}

	// --- Binder ---

	if cfg.BinderEnabled, err = getEnvBool("EZ_BINDER_ENABLED", false); err != nil {
		return nil, fmt.Errorf("EZ_BINDER_ENABLED: %w", err)
	}
	cfg.BinderURL = strings.TrimRight(getEnvDefault("EZ_BINDER_URL", ""), "/")
	cfg.BinderUsername = getEnvDefault("EZ_BINDER_USERNAME", "")
	cfg.BinderPassword = getEnvDefault("EZ_BINDER_PASSWORD", "")
	if cfg.BinderEnabled && cfg.BinderURL == "" {
		return nil, fmt.Errorf("EZ_BINDER_ENABLED: требуется EZ_BINDER_URL")
	}
	if cfg.BinderNumAttempts, err = getEnvInt("EZ_BINDER_NUM_ATTEMPTS", 3); err != nil {
		return nil, fmt.Errorf("EZ_BINDER_NUM_ATTEMPTS: %w", err)
	}
	if cfg.BinderReattemptDelay, err = getEnvDuration("EZ_BINDER_REATTEMPT_DELAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("EZ_BINDER_REATTEMPT_DELAY: %w", err)
	}
	if cfg.BinderTimeout, err = getEnvDuration("EZ_BINDER_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("EZ_BINDER_TIMEOUT: %w", err)
	}

	// --- Поисковый индекс ---

	cfg.SearchURL = strings.TrimRight(getEnvDefault("EZ_SEARCH_URL", ""), "/")
	cfg.SearchIndex = getEnvDefault("EZ_SEARCH_INDEX", "ezid-identifiers")

	// --- Redis ---

	cfg.RedisAddr = getEnvDefault("EZ_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("EZ_REDIS_PASSWORD", "")
	if cfg.RedisDB, err = getEnvInt("EZ_REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("EZ_REDIS_DB: %w", err)
	}
	cfg.BroadcastChannel = getEnvDefault("EZ_BROADCAST_CHANNEL", "ezid:updates")

	// --- S3 ---

	cfg.S3Endpoint = getEnvDefault("EZ_S3_ENDPOINT", "")
	cfg.S3Bucket = getEnvDefault("EZ_S3_BUCKET", "")
	cfg.S3Region = getEnvDefault("EZ_S3_REGION", "us-east-1")
	cfg.S3AccessKey = getEnvDefault("EZ_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvDefault("EZ_S3_SECRET_KEY", "")
	if cfg.S3UseSSL, err = getEnvBool("EZ_S3_USE_SSL", true); err != nil {
		return nil, fmt.Errorf("EZ_S3_USE_SSL: %w", err)
	}
	cfg.S3BucketDownloadPath = strings.Trim(getEnvDefault("EZ_S3_BUCKET_DOWNLOAD_PATH", "download"), "/")
	if cfg.S3Endpoint != "" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("EZ_S3_BUCKET: обязателен при заданном EZ_S3_ENDPOINT")
	}

	// --- Почта ---

	cfg.SMTPHost = getEnvDefault("EZ_SMTP_HOST", "")
	if cfg.SMTPPort, err = getEnvInt("EZ_SMTP_PORT", 25); err != nil {
		return nil, fmt.Errorf("EZ_SMTP_PORT: %w", err)
	}
	cfg.SMTPUsername = getEnvDefault("EZ_SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvDefault("EZ_SMTP_PASSWORD", "")
	cfg.MailFrom = getEnvDefault("EZ_MAIL_FROM", "ezid@localhost")

	// --- Выгрузки ---

	cfg.DownloadWorkDir = getEnvDefault("EZ_DOWNLOAD_WORK_DIR", "/var/lib/ezid/download/work")
	cfg.DownloadPublicDir = getEnvDefault("EZ_DOWNLOAD_PUBLIC_DIR", "/var/lib/ezid/download/public")
	if cfg.DownloadFileLifetime, err = getEnvDuration("EZ_DAEMONS_DOWNLOAD_FILE_LIFETIME", 7*24*time.Hour); err != nil {
		return nil, fmt.Errorf("EZ_DAEMONS_DOWNLOAD_FILE_LIFETIME: %w", err)
	}
	if cfg.QueryPageSize, err = getEnvInt("EZ_QUERY_PAGE_SIZE", 100); err != nil {
		return nil, fmt.Errorf("EZ_QUERY_PAGE_SIZE: %w", err)
	}
	if cfg.QueryPageSize < 1 || cfg.QueryPageSize > 10000 {
		return nil, fmt.Errorf("EZ_QUERY_PAGE_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.QueryPageSize)
	}

	// --- Прочее ---

	rate := getEnvDefault("EZ_REMOTE_RATE_LIMIT", "10")
	if cfg.RemoteRateLimit, err = strconv.ParseFloat(rate, 64); err != nil || cfg.RemoteRateLimit <= 0 {
		return nil, fmt.Errorf("EZ_REMOTE_RATE_LIMIT: некорректное значение %q", rate)
	}
	cfg.RemoteCACertPath = getEnvDefault("EZ_REMOTE_CA_CERT_PATH", "")
	if cfg.PrincipalCacheSize, err = getEnvInt("EZ_PRINCIPAL_CACHE_SIZE", 1000); err != nil {
		return nil, fmt.Errorf("EZ_PRINCIPAL_CACHE_SIZE: %w", err)
	}
	if cfg.PrincipalCacheTTL, err = getEnvDuration("EZ_PRINCIPAL_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("EZ_PRINCIPAL_CACHE_TTL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("EZ_DEPHEALTH_GROUP", "ezid")
	if cfg.DephealthCheckInterval, err = getEnvDuration("EZ_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("EZ_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("EZ_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("EZ_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// databaseURL собирает адрес PostgreSQL; логин, пароль и имя БД экранируются.
func (c *Config) databaseURL(user *url.Userinfo) *url.URL {
	return &url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {c.DBSSLMode}}.Encode(),
	}
}

// DatabaseDSN возвращает адрес подключения к PostgreSQL с паролем.
func (c *Config) DatabaseDSN() string {
	return c.databaseURL(url.UserPassword(c.DBUser, c.DBPassword)).String()
}

// DatabaseURL возвращает адрес PostgreSQL без пароля (для логов и лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return c.databaseURL(url.User(c.DBUser)).String()
}

// URLs возвращает базовые адреса URL-форм идентификаторов.
func (c *Config) URLs() identifier.URLs {
	return identifier.URLs{
		DefaultTargetBase: c.DefaultTargetBaseURL,
		EZIDBase:          c.BaseURL,
		ResolverARK:       c.ResolverARK,
		ResolverDOI:       c.ResolverDOI,
	}
}

// TestShoulders возвращает тестовые плечи.
func (c *Config) TestShoulders() identifier.TestShoulders {
	return identifier.TestShoulders{
		ARK:      c.TestShoulderARK,
		DOI:      c.TestShoulderDOI,
		Crossref: c.TestShoulderCrossref,
	}
}

// BroadcastEnabled сообщает, включена ли рассылка обновлений.
func (c *Config) BroadcastEnabled() bool { return c.RedisAddr != "" }

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// allocatorPasswords собирает пароли аллокаторов DataCite из переменных
// вида EZ_ALLOCATOR_CDL_PASSWORD.
func allocatorPasswords(environ []string) map[string]string {
	result := make(map[string]string)
	for _, kv := range environ {
		key, val, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, "EZ_ALLOCATOR_") || !strings.HasSuffix(key, "_PASSWORD") || val == "" {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "EZ_ALLOCATOR_"), "_PASSWORD")
		if name != "" {
			result[strings.ToUpper(name)] = val
		}
	}
	return result
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
// Допустимы true/false, yes/no, 1/0.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	switch strings.ToLower(val) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("некорректное булево значение: %q", val)
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
