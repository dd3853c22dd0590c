package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"replyguard/internal/domain"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_Concurrency_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.Routing.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for concurrency=0")
	}

	cfg.Routing.Concurrency = 101
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for concurrency=101")
	}

	cfg.Routing.Concurrency = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("concurrency=1 should be valid: %v", err)
	}

	cfg.Routing.Concurrency = 100
	if err := Validate(cfg); err != nil {
		t.Fatalf("concurrency=100 should be valid: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_UnknownDefaultClassifier(t *testing.T) {
	cfg := Defaults()
	cfg.Classifier.Default = "missing"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown default classifier")
	}
	if !strings.Contains(err.Error(), "classifier.default") {
		t.Fatalf("error should name the field, got: %v", err)
	}
}

func TestValidate_UnknownFailoverClassifier(t *testing.T) {
	cfg := Defaults()
	cfg.Classifier.Failover = []string{"mock", "nope"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown failover entry")
	}
}

func TestValidate_ProviderKind(t *testing.T) {
	cfg := Defaults()
	cfg.Classifier.Providers["weird"] = ProviderConfig{Kind: "grpc"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}

	cfg = Defaults()
	cfg.Classifier.Providers["mock"] = ProviderConfig{Enabled: true, Kind: "static", Confidence: 101}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for static confidence > 100")
	}
}

func TestValidate_InlinePolicyThresholds(t *testing.T) {
	cfg := Defaults()
	cfg.Routing.Policies = map[string]domain.RoutingPolicy{
		"acme": {AutoRespondThreshold: 150, ReviewThreshold: 50},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for threshold above 100")
	}
}

func TestValidate_InvalidMaintenance(t *testing.T) {
	cfg := Defaults()
	cfg.Maintenance.MaxAgeHours = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxAgeHours=0")
	}

	cfg = Defaults()
	cfg.Maintenance.IntervalMinutes = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for intervalMinutes=0")
	}
}

func TestValidate_InvalidBroadcast(t *testing.T) {
	cfg := Defaults()
	cfg.Broadcast.MaxEventsPerSecond = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxEventsPerSecond=0")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Routing.DefaultTenant = "acme"
	original.Routing.Policies = map[string]domain.RoutingPolicy{
		"acme": {TenantID: "acme", AutoRespondThreshold: 80, ReviewThreshold: 50, AutoSendDelay: 30},
	}

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Routing.DefaultTenant != "acme" {
		t.Fatalf("expected 'acme', got %q", loaded.Routing.DefaultTenant)
	}
	p, ok := loaded.Routing.Policies["acme"]
	if !ok || p.AutoSendDelay != 30 || p.AutoRespondThreshold != 80 {
		t.Fatalf("inline policy not preserved: %+v", loaded.Routing.Policies)
	}
}

func TestSave_FileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	if err := Save(path, Defaults()); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"server": {"port": 9000}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Broadcast.MaxEventsPerSecond != 100 {
		t.Fatalf("expected default rate 100, got %d", cfg.Broadcast.MaxEventsPerSecond)
	}
	if _, ok := cfg.Classifier.Providers["mock"]; !ok {
		t.Fatal("default mock provider should survive a partial file")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"routing": {
			"concurrency": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for concurrency=0")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	os.Unsetenv("RG_DOTENV_TEST")
	t.Cleanup(func() { os.Unsetenv("RG_DOTENV_TEST") })

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("RG_DOTENV_TEST=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadDotEnv(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("RG_DOTENV_TEST"); got != "from-file" {
		t.Fatalf("expected from-file, got %q", got)
	}
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "config.json")); err != nil {
		t.Fatalf("missing .env should not fail: %v", err)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "classifier.default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "mock" {
		t.Fatalf("expected 'mock', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "routing.defaultTenant", "acme"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Routing.DefaultTenant != "acme" {
		t.Fatalf("expected 'acme', got %q", cfg.Routing.DefaultTenant)
	}
}

func TestSetByPath_EmptyValue(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.jwtSecret", ""); err != nil {
		t.Fatalf("set empty value should work: %v", err)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "maintenance.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Maintenance.Enabled {
		t.Fatal("expected maintenance.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "routing.concurrency", "50"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Routing.Concurrency != 50 {
		t.Fatalf("expected 50, got %d", cfg.Routing.Concurrency)
	}
}

func TestSetByPath_UnknownKey(t *testing.T) {
	cfg := Defaults()
	err := SetByPath(cfg, "routing.concurency", "50")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if cfg.Routing.Concurrency != Defaults().Routing.Concurrency {
		t.Fatal("config should be unchanged after a rejected set")
	}
}

func TestSetByPath_NewProvider(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "classifier.providers.lmstudio.kind", "openai"); err != nil {
		t.Fatalf("set new provider: %v", err)
	}
	if cfg.Classifier.Providers["lmstudio"].Kind != "openai" {
		t.Fatalf("provider = %+v", cfg.Classifier.Providers["lmstudio"])
	}
}

func TestGetByPath_UnknownKey(t *testing.T) {
	if _, err := GetByPath(Defaults(), "routing.nope"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Delivery.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Classifier.Providers["openai"] = ProviderConfig{
		Enabled: true,
		Kind:    "openai",
		APIBase: "https://api.openai.com/v1",
		APIKey:  "sk-1234567890abcdefghijklmnop",
	}

	sanitized := Sanitize(cfg)

	if sanitized.Delivery.Telegram.Token == cfg.Delivery.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Classifier.Providers["openai"].APIKey == cfg.Classifier.Providers["openai"].APIKey {
		t.Fatal("API key should be masked")
	}
	// Verify original is untouched
	if cfg.Delivery.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Server.JWTSecret = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Server.JWTSecret != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Server.JWTSecret)
	}
}

func TestSanitize_MasksMetaSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Delivery.Meta.AppSecret = "whatsapp-secret-12345678"
	cfg.Delivery.Meta.AccessToken = "whatsapp-token-12345678"
	cfg.Delivery.Meta.PageAccessToken = "page-token-12345678"
	sanitized := Sanitize(cfg)

	if sanitized.Delivery.Meta.AppSecret == cfg.Delivery.Meta.AppSecret {
		t.Fatal("appSecret should be masked")
	}
	if sanitized.Delivery.Meta.AccessToken == cfg.Delivery.Meta.AccessToken {
		t.Fatal("accessToken should be masked")
	}
	if sanitized.Delivery.Meta.PageAccessToken == cfg.Delivery.Meta.PageAccessToken {
		t.Fatal("pageAccessToken should be masked")
	}
}

func TestSanitize_MasksAlertTargets(t *testing.T) {
	cfg := Defaults()
	cfg.Alerts.SlackWebhookURL = "https://hooks.slack.com/services/T000/B000/XXXX"
	cfg.Alerts.Webhooks = []WebhookTarget{{URL: "https://example.com/hook", Headers: map[string]string{"Authorization": "Bearer abc"}}}
	sanitized := Sanitize(cfg)

	if sanitized.Alerts.SlackWebhookURL == cfg.Alerts.SlackWebhookURL {
		t.Fatal("slack webhook should be masked")
	}
	if sanitized.Alerts.Webhooks[0].Headers["Authorization"] != "***" {
		t.Fatal("webhook headers should be masked")
	}
	if cfg.Alerts.Webhooks[0].Headers["Authorization"] != "Bearer abc" {
		t.Fatal("original headers should not be modified")
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.logLevel", "maintenance.enabled", "broadcast.maxEventsPerSecond", "classifier.providers.mock.kind"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}

	sorted := SortedPaths(cfg)
	if len(sorted) != len(paths) {
		t.Fatalf("sorted %d paths, listed %d", len(sorted), len(paths))
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1] > sorted[i] {
			t.Fatalf("paths not sorted at %d: %q > %q", i, sorted[i-1], sorted[i])
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[0] != "hello" || list[2] != "world" {
		t.Fatal("string items mismatch")
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_PureStrings(t *testing.T) {
	input := `["a", "b", "c"]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 3 || list[0] != "a" {
		t.Fatalf("unexpected: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	err := json.Unmarshal([]byte(`not json`), &list)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_MultipleVars(t *testing.T) {
	t.Setenv("HOST", "localhost")
	t.Setenv("PORT", "3000")
	result := ExpandEnvVars(`"${HOST}:${PORT}"`)
	expected := `"localhost:3000"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_REPLYGUARD_DB", "/tmp/test-replyguard.db")
	t.Setenv("TEST_REPLYGUARD_TOKEN", "EAAG-test-token")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"database": {"path": "${TEST_REPLYGUARD_DB}"},
		"delivery": {"meta": {"accessToken": "${TEST_REPLYGUARD_TOKEN}", "ratePerSecond": 10}}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/test-replyguard.db" {
		t.Fatalf("expected db path '/tmp/test-replyguard.db', got %q", cfg.Database.Path)
	}
	if cfg.Delivery.Meta.AccessToken != "EAAG-test-token" {
		t.Fatalf("expected token substitution, got %q", cfg.Delivery.Meta.AccessToken)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if cfg == nil {
		t.Fatal("defaults returned nil")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Maintenance.MaxAgeHours != 24 || cfg.Maintenance.IntervalMinutes != 60 {
		t.Fatalf("unexpected maintenance defaults: %+v", cfg.Maintenance)
	}
	if cfg.Classifier.TimeoutSeconds != 60 || cfg.Classifier.LatencyCeilingMs != 8000 {
		t.Fatalf("unexpected classifier defaults: %+v", cfg.Classifier)
	}
}
