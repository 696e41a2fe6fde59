package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// writeConfig записывает конфигурационный файл во временный каталог.
func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Ошибка записи конфигурации: %v", err)
	}
	return path
}

// minimalYAML — минимальный набор обязательных параметров.
const minimalYAML = `
keycloak_url: https://keycloak.example.org/
auth_realm: master
auth_username: admin
auth_password: secret
realm: staff
users_provider:
  type: file
  path: users.yaml
`

func TestLoad_MinimalConfig(t *testing.T) {
	path := writeConfig(t, "usersync.yaml", minimalYAML)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	// Проверяем значения по умолчанию
	if cfg.KeycloakURL != "https://keycloak.example.org" {
		t.Errorf("KeycloakURL = %q, ожидается без trailing slash", cfg.KeycloakURL)
	}
	if cfg.AuthClientID != "admin-cli" {
		t.Errorf("AuthClientID = %q, ожидается admin-cli", cfg.AuthClientID)
	}
	if cfg.DeleteUsers {
		t.Error("DeleteUsers = true, ожидается false")
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, ожидается 4", cfg.Workers)
	}
	if cfg.PageSize != 100 {
		t.Errorf("PageSize = %d, ожидается 100", cfg.PageSize)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, ожидается 3", cfg.MaxAttempts)
	}
	if cfg.RetryInitialInterval != 500*time.Millisecond {
		t.Errorf("RetryInitialInterval = %v, ожидается 500ms", cfg.RetryInitialInterval)
	}
	if cfg.RetryMaxInterval != 5*time.Second {
		t.Errorf("RetryMaxInterval = %v, ожидается 5s", cfg.RetryMaxInterval)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, ожидается 30s", cfg.HTTPTimeout)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, ожидается text", cfg.LogFormat)
	}
	wantRoles := []string{"default-roles-staff", "offline_access", "uma_authorization"}
	if !slices.Equal(cfg.UnmanagedRoles, wantRoles) {
		t.Errorf("UnmanagedRoles = %v, ожидается %v", cfg.UnmanagedRoles, wantRoles)
	}
	if len(cfg.ProtectedUsers) != 0 {
		t.Errorf("ProtectedUsers = %v, ожидается пусто (realm != auth_realm)", cfg.ProtectedUsers)
	}
	if cfg.UsersProvider.Type != ProviderFile || cfg.UsersProvider.Path != "users.yaml" {
		t.Errorf("UsersProvider = %+v", cfg.UsersProvider)
	}
}

func TestLoad_FullYAML(t *testing.T) {
	path := writeConfig(t, "usersync.yml", `
keycloak_url: https://keycloak.example.org
auth_realm: master
auth_username: admin
auth_password: secret
auth_client_id: usersync-cli
realm: staff
delete_users: true
create_missing_roles: true
protected_users: [service-bot]
unmanaged_roles: []
workers: 8
page_size: 250
max_attempts: 5
retry_initial_interval: 1s
retry_max_interval: 30s
requests_per_second: 15.5
http_timeout: 10s
log_level: debug
log_format: json
users_provider:
  type: nextcloud_table
  url: https://cloud.example.org/
  username: sync
  password: app-password
  table_id: 7
  columns:
    username: login
  email_domain: example.org
report_store:
  dsn: postgres://usersync@db/usersync
metrics:
  pushgateway_url: http://pushgateway:9091
`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.AuthClientID != "usersync-cli" {
		t.Errorf("AuthClientID = %q", cfg.AuthClientID)
	}
	if !cfg.DeleteUsers || !cfg.CreateMissingRoles {
		t.Error("DeleteUsers и CreateMissingRoles должны быть true")
	}
	if cfg.UnmanagedRoles == nil || len(cfg.UnmanagedRoles) != 0 {
		t.Errorf("UnmanagedRoles = %v, ожидается явный пустой список", cfg.UnmanagedRoles)
	}
	if cfg.Workers != 8 || cfg.PageSize != 250 || cfg.MaxAttempts != 5 {
		t.Errorf("Workers/PageSize/MaxAttempts = %d/%d/%d", cfg.Workers, cfg.PageSize, cfg.MaxAttempts)
	}
	if cfg.RetryInitialInterval != time.Second || cfg.RetryMaxInterval != 30*time.Second {
		t.Errorf("Retry = %v/%v", cfg.RetryInitialInterval, cfg.RetryMaxInterval)
	}
	if cfg.RequestsPerSecond != 15.5 {
		t.Errorf("RequestsPerSecond = %v", cfg.RequestsPerSecond)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "json" {
		t.Errorf("LogLevel/LogFormat = %v/%s", cfg.LogLevel, cfg.LogFormat)
	}

	p := cfg.UsersProvider
	if p.Type != ProviderNextcloud || p.URL != "https://cloud.example.org" || p.TableID != 7 {
		t.Errorf("UsersProvider = %+v", p)
	}
	if p.Columns.Username != "login" || p.EmailDomain != "example.org" {
		t.Errorf("Columns/EmailDomain = %+v/%s", p.Columns, p.EmailDomain)
	}
	if cfg.ReportDSN != "postgres://usersync@db/usersync" {
		t.Errorf("ReportDSN = %q", cfg.ReportDSN)
	}
	if cfg.PushgatewayURL != "http://pushgateway:9091" {
		t.Errorf("PushgatewayURL = %q", cfg.PushgatewayURL)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "usersync.json", `{
  "keycloak_url": "http://localhost:8080",
  "auth_realm": "master",
  "auth_username": "admin",
  "auth_password": "secret",
  "realm": "master",
  "users_provider": {"type": "sqlite", "path": "users.db", "table": "users"}
}`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	// realm == auth_realm — администратор защищён
	if !slices.Contains(cfg.ProtectedUsers, "admin") {
		t.Errorf("ProtectedUsers = %v, ожидается admin", cfg.ProtectedUsers)
	}
	if cfg.UsersProvider.Type != ProviderSQLite || cfg.UsersProvider.Table != "users" {
		t.Errorf("UsersProvider = %+v", cfg.UsersProvider)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "usersync.toml", `
keycloak_url = "https://keycloak.example.org"
auth_realm = "master"
auth_username = "admin"
auth_password = "secret"
realm = "staff"
workers = 2
protected_users = ["admin", "ops-bot"]

[users_provider]
type = "postgres"
dsn = "postgres://reader@db/hr"
table = "idm.users"

[users_provider.columns]
roles = "groups"

[metrics]
pushgateway_url = "http://pushgateway:9091"
`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, ожидается 2", cfg.Workers)
	}
	if !slices.Equal(cfg.ProtectedUsers, []string{"admin", "ops-bot"}) {
		t.Errorf("ProtectedUsers = %v", cfg.ProtectedUsers)
	}
	p := cfg.UsersProvider
	if p.Type != ProviderPostgres || p.Table != "idm.users" || p.Columns.Roles != "groups" {
		t.Errorf("UsersProvider = %+v", p)
	}
	if cfg.PushgatewayURL != "http://pushgateway:9091" {
		t.Errorf("PushgatewayURL = %q", cfg.PushgatewayURL)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "c.yaml", minimalYAML + "worker: 3\n"},
		{"toml", "c.toml", "realm = \"staff\"\nworker = 3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			if _, err := Load(path, ""); err == nil {
				t.Fatal("ожидалась ошибка для неизвестного ключа")
			}
		})
	}
}

func TestLoad_UsersFileOverride(t *testing.T) {
	path := writeConfig(t, "usersync.yaml", `
keycloak_url: https://keycloak.example.org
auth_realm: master
auth_username: admin
auth_password: secret
realm: staff
users_provider:
  type: postgres
  dsn: postgres://reader@db/hr
  table: users
`)

	cfg, err := Load(path, "s3://config/users.yaml")
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.UsersProvider.Type != ProviderFile || cfg.UsersProvider.Path != "s3://config/users.yaml" {
		t.Errorf("UsersProvider = %+v, ожидается file", cfg.UsersProvider)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "usersync.yaml", strings.Replace(minimalYAML, "auth_password: secret\n", "", 1))

	t.Setenv("US_AUTH_PASSWORD", "from-env")
	t.Setenv("US_LOG_LEVEL", "warn")
	t.Setenv("US_LOG_FORMAT", "json")
	t.Setenv("US_WORKERS", "12")
	t.Setenv("US_REPORT_DSN", "postgres://archive")
	t.Setenv("US_PUSHGATEWAY_URL", "http://gw:9091")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.AuthPassword != "from-env" {
		t.Errorf("AuthPassword = %q, ожидается from-env", cfg.AuthPassword)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, ожидается Warn", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.Workers != 12 {
		t.Errorf("Workers = %d, ожидается 12", cfg.Workers)
	}
	if cfg.ReportDSN != "postgres://archive" || cfg.PushgatewayURL != "http://gw:9091" {
		t.Errorf("ReportDSN/PushgatewayURL = %q/%q", cfg.ReportDSN, cfg.PushgatewayURL)
	}
}

func TestLoad_InvalidEnvWorkers(t *testing.T) {
	path := writeConfig(t, "usersync.yaml", minimalYAML)
	t.Setenv("US_WORKERS", "many")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("ожидалась ошибка для US_WORKERS=many")
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name  string
		patch func(string) string
	}{
		{"нет realm", func(s string) string { return strings.Replace(s, "realm: staff\n", "", 1) }},
		{"нет keycloak_url", func(s string) string {
			return strings.Replace(s, "keycloak_url: https://keycloak.example.org/\n", "", 1)
		}},
		{"keycloak_url без схемы", func(s string) string {
			return strings.Replace(s, "https://keycloak.example.org/", "keycloak.example.org", 1)
		}},
		{"нет users_provider", func(s string) string { return s[:strings.Index(s, "users_provider:")] }},
		{"неизвестный тип источника", func(s string) string { return strings.Replace(s, "type: file", "type: ldap", 1) }},
		{"workers вне диапазона", func(s string) string { return s + "workers: 100\n" }},
		{"page_size вне диапазона", func(s string) string { return s + "page_size: 5000\n" }},
		{"неверный log_format", func(s string) string { return s + "log_format: xml\n" }},
		{"неверный log_level", func(s string) string { return s + "log_level: verbose\n" }},
		{"неверная длительность", func(s string) string { return s + "retry_initial_interval: soon\n" }},
		{"max < initial", func(s string) string {
			return s + "retry_initial_interval: 10s\nretry_max_interval: 1s\n"
		}},
		{"nextcloud без table_id", func(s string) string {
			return strings.Replace(s, "  type: file\n  path: users.yaml\n",
				"  type: nextcloud_table\n  url: https://cloud\n  username: u\n  password: p\n", 1)
		}},
		{"sqlite без table", func(s string) string {
			return strings.Replace(s, "type: file", "type: sqlite", 1)
		}},
		{"gitlab без token", func(s string) string {
			return s + "gitlab:\n  url: https://gitlab.example.org\n  group_id: 7\n  owner_role: owner\n"
		}},
		{"gitlab без ролей", func(s string) string {
			return s + "gitlab:\n  url: https://gitlab.example.org\n  token: t\n  group_id: 7\n"
		}},
		{"gitlab без group_id", func(s string) string {
			return s + "gitlab:\n  url: https://gitlab.example.org\n  token: t\n  owner_role: owner\n"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "usersync.yaml", tt.patch(minimalYAML))
			if _, err := Load(path, ""); err == nil {
				t.Fatal("ожидалась ошибка валидации")
			}
		})
	}
}

func TestLoad_GitLab(t *testing.T) {
	path := writeConfig(t, "usersync.yaml", minimalYAML+`
gitlab:
  url: https://gitlab.example.org/
  token: from-file
  group_id: 42
  owner_role: gitlab-owner
  maintainer_role: gitlab-maintainer
`)
	t.Setenv("US_GITLAB_TOKEN", "from-env")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	want := GitLabConfig{
		URL:            "https://gitlab.example.org",
		Token:          "from-env",
		GroupID:        42,
		OwnerRole:      "gitlab-owner",
		MaintainerRole: "gitlab-maintainer",
	}
	if cfg.GitLab == nil || *cfg.GitLab != want {
		t.Errorf("GitLab = %+v, ожидается %+v", cfg.GitLab, want)
	}

	cfg, err = Load(writeConfig(t, "usersync.yaml", minimalYAML), "")
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.GitLab != nil {
		t.Errorf("без секции gitlab ожидается nil, получено %+v", cfg.GitLab)
	}
}

func TestLoad_ValidationSentinel(t *testing.T) {
	path := writeConfig(t, "usersync.yaml", minimalYAML+"workers: 100\n")
	_, err := Load(path, "")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("ожидалась ErrInvalidConfig, получена: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), ""); err == nil {
		t.Fatal("ожидалась ошибка для отсутствующего файла")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"DEBUG", slog.LevelDebug, false},
		{"invalid", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, ожидается %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelWarn, "json")

	logger.Info("скрыто")
	logger.Warn("видно", slog.String("realm", "staff"))

	out := buf.String()
	if strings.Contains(out, "скрыто") {
		t.Error("сообщение уровня Info не должно попасть в вывод")
	}
	if !strings.Contains(out, `"realm":"staff"`) {
		t.Errorf("ожидался JSON-вывод, получено: %s", out)
	}
}
