// Пакет config — загрузка и валидация конфигурации usersync
// из файла (YAML, JSON или TOML) и переменных окружения.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Типы источника желаемого состояния.
const (
	ProviderFile      = "file"
	ProviderNextcloud = "nextcloud_table"
	ProviderPostgres  = "postgres"
	ProviderSQLite    = "sqlite"
)

// ErrInvalidConfig — конфигурация не прошла валидацию.
var ErrInvalidConfig = errors.New("некорректная конфигурация")

// Config содержит все параметры запуска usersync.
type Config struct {
	// --- Keycloak ---

	// URL Keycloak (без trailing slash)
	KeycloakURL string
	// Realm, в котором аутентифицируется администратор
	AuthRealm string
	// Имя администратора
	AuthUsername string
	// Пароль администратора
	AuthPassword string
	// Публичный клиент для password grant (обычно admin-cli)
	AuthClientID string
	// Управляемый realm
	Realm string
	// Путь к CA-сертификату для TLS (опционально)
	CACertPath string
	// Таймаут одного HTTP-запроса
	HTTPTimeout time.Duration
	// Ограничение частоты запросов к Admin API (0 — без ограничения)
	RequestsPerSecond float64

	// --- Согласование ---

	// true — удалять пользователей, отсутствующих в желаемом состоянии; false — отключать
	DeleteUsers bool
	// Создавать отсутствующие роли realm при назначении
	CreateMissingRoles bool
	// Пользователи, которыми usersync никогда не управляет
	ProtectedUsers []string
	// Роли, которые не назначаются и не отзываются
	UnmanagedRoles []string
	// Число параллельных воркеров
	Workers int
	// Размер страницы списка пользователей
	PageSize int
	// Повторы при ограничении частоты
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// --- Источник желаемого состояния ---

	UsersProvider ProviderConfig

	// --- Логирование ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- Архив отчётов и метрики (опционально) ---

	// DSN PostgreSQL для архива отчётов; пусто — архив выключен
	ReportDSN string
	// URL Prometheus Pushgateway; пусто — метрики не отправляются
	PushgatewayURL string

	// --- Группа GitLab (опционально) ---

	// nil — членство в группе GitLab не согласуется
	GitLab *GitLabConfig
}

// GitLabConfig — параметры согласования членства в группе GitLab.
type GitLabConfig struct {
	// URL GitLab (без trailing slash)
	URL string
	// Access token с правом управления участниками группы
	Token string
	// ID группы
	GroupID int
	// Роль желаемого состояния, дающая уровень Owner
	OwnerRole string
	// Роль желаемого состояния, дающая уровень Maintainer
	MaintainerRole string
}

// ProviderConfig — параметры источника желаемого состояния.
type ProviderConfig struct {
	// Type — file, nextcloud_table, postgres, sqlite
	Type string

	// file: локальный путь или s3://bucket/key
	Path       string
	S3Profile  string
	S3Region   string
	S3Endpoint string

	// nextcloud_table
	URL      string
	Username string
	Password string
	TableID  int64

	// postgres
	DSN string
	// postgres, sqlite: имя таблицы; sqlite: Path — путь к файлу БД
	Table string

	// Таблицы: имена колонок (пусто — по умолчанию) и домен email
	Columns     ColumnsConfig
	EmailDomain string
}

// ColumnsConfig — переопределение имён колонок таблицы.
type ColumnsConfig struct {
	Username  string `yaml:"username" toml:"username"`
	Email     string `yaml:"email" toml:"email"`
	FirstName string `yaml:"first_name" toml:"first_name"`
	LastName  string `yaml:"last_name" toml:"last_name"`
	Enabled   string `yaml:"enabled" toml:"enabled"`
	Roles     string `yaml:"roles" toml:"roles"`
}

// fileConfig — представление конфигурационного файла.
// Длительности задаются строками в формате Go (30s, 1m).
type fileConfig struct {
	KeycloakURL          string             `yaml:"keycloak_url" toml:"keycloak_url"`
	AuthRealm            string             `yaml:"auth_realm" toml:"auth_realm"`
	AuthUsername         string             `yaml:"auth_username" toml:"auth_username"`
	AuthPassword         string             `yaml:"auth_password" toml:"auth_password"`
	AuthClientID         string             `yaml:"auth_client_id" toml:"auth_client_id"`
	Realm                string             `yaml:"realm" toml:"realm"`
	DeleteUsers          bool               `yaml:"delete_users" toml:"delete_users"`
	CreateMissingRoles   bool               `yaml:"create_missing_roles" toml:"create_missing_roles"`
	ProtectedUsers       []string           `yaml:"protected_users" toml:"protected_users"`
	UnmanagedRoles       []string           `yaml:"unmanaged_roles" toml:"unmanaged_roles"`
	Workers              int                `yaml:"workers" toml:"workers"`
	PageSize             int                `yaml:"page_size" toml:"page_size"`
	MaxAttempts          int                `yaml:"max_attempts" toml:"max_attempts"`
	RetryInitialInterval string             `yaml:"retry_initial_interval" toml:"retry_initial_interval"`
	RetryMaxInterval     string             `yaml:"retry_max_interval" toml:"retry_max_interval"`
	RequestsPerSecond    float64            `yaml:"requests_per_second" toml:"requests_per_second"`
	HTTPTimeout          string             `yaml:"http_timeout" toml:"http_timeout"`
	CACertPath           string             `yaml:"ca_cert_path" toml:"ca_cert_path"`
	EmailDomain          string             `yaml:"email_domain" toml:"email_domain"`
	LogLevel             string             `yaml:"log_level" toml:"log_level"`
	LogFormat            string             `yaml:"log_format" toml:"log_format"`
	UsersProvider        *fileProvider      `yaml:"users_provider" toml:"users_provider"`
	ReportStore          fileReportStore    `yaml:"report_store" toml:"report_store"`
	Metrics              fileMetricsSection `yaml:"metrics" toml:"metrics"`
	GitLab               *fileGitLab        `yaml:"gitlab" toml:"gitlab"`
}

type fileProvider struct {
	Type        string        `yaml:"type" toml:"type"`
	Path        string        `yaml:"path" toml:"path"`
	S3Profile   string        `yaml:"s3_profile" toml:"s3_profile"`
	S3Region    string        `yaml:"s3_region" toml:"s3_region"`
	S3Endpoint  string        `yaml:"s3_endpoint" toml:"s3_endpoint"`
	URL         string        `yaml:"url" toml:"url"`
	Username    string        `yaml:"username" toml:"username"`
	Password    string        `yaml:"password" toml:"password"`
	TableID     int64         `yaml:"table_id" toml:"table_id"`
	DSN         string        `yaml:"dsn" toml:"dsn"`
	Table       string        `yaml:"table" toml:"table"`
	Columns     ColumnsConfig `yaml:"columns" toml:"columns"`
	EmailDomain string        `yaml:"email_domain" toml:"email_domain"`
}

type fileGitLab struct {
	URL            string `yaml:"url" toml:"url"`
	Token          string `yaml:"token" toml:"token"`
	GroupID        int    `yaml:"group_id" toml:"group_id"`
	OwnerRole      string `yaml:"owner_role" toml:"owner_role"`
	MaintainerRole string `yaml:"maintainer_role" toml:"maintainer_role"`
}

type fileReportStore struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

type fileMetricsSection struct {
	PushgatewayURL string `yaml:"pushgateway_url" toml:"pushgateway_url"`
}

// Load читает конфигурационный файл, применяет переменные окружения
// (US_*, а также .env в текущем каталоге), значения по умолчанию и валидирует результат.
// usersFile — если задан, заменяет users_provider на файловый источник.
func Load(path, usersFile string) (*Config, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}

	// .env необязателен
	_ = godotenv.Load()

	cfg, err := fromFile(raw)
	if err != nil {
		return nil, err
	}

	if usersFile != "" {
		cfg.UsersProvider = ProviderConfig{Type: ProviderFile, Path: usersFile}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile декодирует файл по расширению: .toml — TOML, иначе YAML (JSON — подмножество YAML).
func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}

	var raw fileConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.Decode(string(data), &raw)
		if err != nil {
			return nil, fmt.Errorf("разбор TOML %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%s: неизвестный ключ %q: %w", path, undecoded[0].String(), ErrInvalidConfig)
		}
		return &raw, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("разбор %s: %w", path, err)
	}
	return &raw, nil
}

func fromFile(raw *fileConfig) (*Config, error) {
	cfg := &Config{
		KeycloakURL:        strings.TrimRight(strings.TrimSpace(raw.KeycloakURL), "/"),
		AuthRealm:          raw.AuthRealm,
		AuthUsername:       raw.AuthUsername,
		AuthPassword:       raw.AuthPassword,
		AuthClientID:       raw.AuthClientID,
		Realm:              raw.Realm,
		CACertPath:         raw.CACertPath,
		RequestsPerSecond:  raw.RequestsPerSecond,
		DeleteUsers:        raw.DeleteUsers,
		CreateMissingRoles: raw.CreateMissingRoles,
		ProtectedUsers:     raw.ProtectedUsers,
		UnmanagedRoles:     raw.UnmanagedRoles,
		Workers:            raw.Workers,
		PageSize:           raw.PageSize,
		MaxAttempts:        raw.MaxAttempts,
		LogFormat:          raw.LogFormat,
		ReportDSN:          raw.ReportStore.DSN,
		PushgatewayURL:     raw.Metrics.PushgatewayURL,
	}

	var err error
	if cfg.RetryInitialInterval, err = parseDuration("retry_initial_interval", raw.RetryInitialInterval); err != nil {
		return nil, err
	}
	if cfg.RetryMaxInterval, err = parseDuration("retry_max_interval", raw.RetryMaxInterval); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = parseDuration("http_timeout", raw.HTTPTimeout); err != nil {
		return nil, err
	}

	cfg.LogLevel, err = parseLogLevel(getDefault(raw.LogLevel, "info"))
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}

	if p := raw.UsersProvider; p != nil {
		cfg.UsersProvider = ProviderConfig{
			Type:        p.Type,
			Path:        p.Path,
			S3Profile:   p.S3Profile,
			S3Region:    p.S3Region,
			S3Endpoint:  p.S3Endpoint,
			URL:         strings.TrimRight(p.URL, "/"),
			Username:    p.Username,
			Password:    p.Password,
			TableID:     p.TableID,
			DSN:         p.DSN,
			Table:       p.Table,
			Columns:     p.Columns,
			EmailDomain: getDefault(p.EmailDomain, raw.EmailDomain),
		}
	}

	if g := raw.GitLab; g != nil {
		cfg.GitLab = &GitLabConfig{
			URL:            strings.TrimRight(strings.TrimSpace(g.URL), "/"),
			Token:          g.Token,
			GroupID:        g.GroupID,
			OwnerRole:      g.OwnerRole,
			MaintainerRole: g.MaintainerRole,
		}
	}
	return cfg, nil
}

// applyEnv переопределяет параметры переменными окружения.
func applyEnv(cfg *Config) error {
	var err error

	// US_AUTH_PASSWORD — пароль администратора (вместо хранения в файле)
	cfg.AuthPassword = getEnvDefault("US_AUTH_PASSWORD", cfg.AuthPassword)

	// US_NEXTCLOUD_PASSWORD — пароль приложения Nextcloud
	cfg.UsersProvider.Password = getEnvDefault("US_NEXTCLOUD_PASSWORD", cfg.UsersProvider.Password)

	// US_GITLAB_TOKEN — access token GitLab
	if cfg.GitLab != nil {
		cfg.GitLab.Token = getEnvDefault("US_GITLAB_TOKEN", cfg.GitLab.Token)
	}

	// US_LOG_LEVEL — уровень логирования
	if v := os.Getenv("US_LOG_LEVEL"); v != "" {
		cfg.LogLevel, err = parseLogLevel(v)
		if err != nil {
			return fmt.Errorf("US_LOG_LEVEL: %w", err)
		}
	}

	// US_LOG_FORMAT — формат логов
	cfg.LogFormat = getEnvDefault("US_LOG_FORMAT", cfg.LogFormat)

	// US_WORKERS — число воркеров
	cfg.Workers, err = getEnvInt("US_WORKERS", cfg.Workers)
	if err != nil {
		return fmt.Errorf("US_WORKERS: %w", err)
	}

	// US_REPORT_DSN — архив отчётов
	cfg.ReportDSN = getEnvDefault("US_REPORT_DSN", cfg.ReportDSN)

	// US_PUSHGATEWAY_URL — Pushgateway
	cfg.PushgatewayURL = getEnvDefault("US_PUSHGATEWAY_URL", cfg.PushgatewayURL)

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInitialInterval == 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}
	if cfg.RetryMaxInterval == 0 {
		cfg.RetryMaxInterval = 5 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.AuthClientID == "" {
		cfg.AuthClientID = "admin-cli"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	// Неявные роли Keycloak; явный пустой список отключает исключение
	if cfg.UnmanagedRoles == nil {
		cfg.UnmanagedRoles = []string{
			"default-roles-" + cfg.Realm,
			"offline_access",
			"uma_authorization",
		}
	}

	// Администратор в собственном realm не должен быть отключён
	if cfg.Realm != "" && cfg.Realm == cfg.AuthRealm && cfg.AuthUsername != "" &&
		!slices.Contains(cfg.ProtectedUsers, cfg.AuthUsername) {
		cfg.ProtectedUsers = append(cfg.ProtectedUsers, cfg.AuthUsername)
	}
}

func (c *Config) validate() error {
	required := []struct {
		key, val string
	}{
		{"keycloak_url", c.KeycloakURL},
		{"auth_realm", c.AuthRealm},
		{"auth_username", c.AuthUsername},
		{"auth_password", c.AuthPassword},
		{"realm", c.Realm},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return fmt.Errorf("%s: обязательный параметр не задан: %w", r.key, ErrInvalidConfig)
		}
	}

	if !strings.HasPrefix(c.KeycloakURL, "http://") && !strings.HasPrefix(c.KeycloakURL, "https://") {
		return fmt.Errorf("keycloak_url: ожидается http(s) URL, получено %q: %w", c.KeycloakURL, ErrInvalidConfig)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log_format: недопустимое значение %q, допустимые: json, text: %w", c.LogFormat, ErrInvalidConfig)
	}
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("workers: значение %d вне допустимого диапазона 1-64: %w", c.Workers, ErrInvalidConfig)
	}
	if c.PageSize < 1 || c.PageSize > 1000 {
		return fmt.Errorf("page_size: значение %d вне допустимого диапазона 1-1000: %w", c.PageSize, ErrInvalidConfig)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts: значение %d меньше 1: %w", c.MaxAttempts, ErrInvalidConfig)
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("retry_max_interval меньше retry_initial_interval: %w", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second: отрицательное значение: %w", ErrInvalidConfig)
	}

	if c.GitLab != nil {
		if err := c.GitLab.validate(); err != nil {
			return err
		}
	}

	return c.UsersProvider.validate()
}

func (g *GitLabConfig) validate() error {
	if g.URL == "" || g.Token == "" {
		return fmt.Errorf("gitlab: обязательны url, token: %w", ErrInvalidConfig)
	}
	if !strings.HasPrefix(g.URL, "http://") && !strings.HasPrefix(g.URL, "https://") {
		return fmt.Errorf("gitlab.url: ожидается http(s) URL, получено %q: %w", g.URL, ErrInvalidConfig)
	}
	if g.GroupID < 1 {
		return fmt.Errorf("gitlab.group_id: ожидается положительное число: %w", ErrInvalidConfig)
	}
	if g.OwnerRole == "" && g.MaintainerRole == "" {
		return fmt.Errorf("gitlab: не задана ни owner_role, ни maintainer_role: %w", ErrInvalidConfig)
	}
	return nil
}

func (p ProviderConfig) validate() error {
	switch p.Type {
	case "":
		return fmt.Errorf("users_provider: источник не задан (users_provider или -u): %w", ErrInvalidConfig)
	case ProviderFile:
		if p.Path == "" {
			return fmt.Errorf("users_provider.path: обязательный параметр не задан: %w", ErrInvalidConfig)
		}
	case ProviderNextcloud:
		if p.URL == "" || p.Username == "" || p.Password == "" {
			return fmt.Errorf("users_provider: для nextcloud_table обязательны url, username, password: %w", ErrInvalidConfig)
		}
		if p.TableID < 1 {
			return fmt.Errorf("users_provider.table_id: ожидается положительное число: %w", ErrInvalidConfig)
		}
	case ProviderPostgres:
		if p.DSN == "" || p.Table == "" {
			return fmt.Errorf("users_provider: для postgres обязательны dsn, table: %w", ErrInvalidConfig)
		}
	case ProviderSQLite:
		if p.Path == "" || p.Table == "" {
			return fmt.Errorf("users_provider: для sqlite обязательны path, table: %w", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("users_provider.type: недопустимое значение %q, допустимые: file, nextcloud_table, postgres, sqlite: %w",
			p.Type, ErrInvalidConfig)
	}
	return nil
}

// SetupLogger настраивает глобальный slog-логгер. Логи пишутся в stderr,
// stdout занят отчётом.
func SetupLogger(cfg *Config) *slog.Logger {
	return newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getDefault возвращает val или значение по умолчанию, если val пуст.
func getDefault(val, defaultVal string) string {
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	return getDefault(os.Getenv(key), defaultVal)
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

// parseDuration разбирает длительность; пустая строка — 0 (значение по умолчанию).
func parseDuration(key, val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return 0, fmt.Errorf("%s: некорректная длительность: %q (используйте формат Go: 500ms, 5s, 1m)", key, val)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: отрицательная длительность %q: %w", key, val, ErrInvalidConfig)
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
