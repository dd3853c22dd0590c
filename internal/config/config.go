package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"replyguard/internal/domain"
)

// Config is the root configuration.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Classifier  ClassifierConfig  `json:"classifier"`
	Guardrail   GuardrailConfig   `json:"guardrail"`
	Routing     RoutingConfig     `json:"routing"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Alerts      AlertsConfig      `json:"alerts"`
	Audit       AuditConfig       `json:"audit"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
	DataDir  string `json:"dataDir"`
}

type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	JWTSecret      string   `json:"jwtSecret,omitempty"`     // empty disables operator auth
	InboundSecret  string   `json:"inboundSecret,omitempty"` // HMAC for /webhook/inbound and /webhook/receipt
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type ClassifierConfig struct {
	Default          string                    `json:"default"`
	Failover         []string                  `json:"failover,omitempty"`
	TimeoutSeconds   int                       `json:"timeoutSeconds"`
	LatencyCeilingMs int                       `json:"latencyCeilingMs"`
	Providers        map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures one classifier backend.
type ProviderConfig struct {
	Enabled     bool    `json:"enabled"`
	Kind        string  `json:"kind"` // "openai" | "anthropic" | "ollama" | "static"
	APIBase     string  `json:"apiBase,omitempty"`
	APIKey      string  `json:"apiKey,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Reply       string  `json:"reply,omitempty"`      // static only
	Confidence  int     `json:"confidence,omitempty"` // static only
}

type GuardrailConfig struct {
	ExtraSecurity []string `json:"extraSecurity,omitempty"`
	ExtraLegal    []string `json:"extraLegal,omitempty"`
	ExtraMedical  []string `json:"extraMedical,omitempty"`
}

type RoutingConfig struct {
	DefaultTenant string                          `json:"defaultTenant"`
	PolicyDir     string                          `json:"policyDir"`
	Policies      map[string]domain.RoutingPolicy `json:"policies,omitempty"`
	HistoryLimit  int                             `json:"historyLimit"`
	Concurrency   int                             `json:"concurrency"`
	BusBufferSize int                             `json:"busBufferSize"`
	OrderCurrency string                          `json:"orderCurrency"`
}

type DeliveryConfig struct {
	TimeoutSeconds int            `json:"timeoutSeconds"`
	Meta           MetaConfig     `json:"meta"`
	SMTP           SMTPConfig     `json:"smtp"`
	Telegram       TelegramConfig `json:"telegram"`
}

// MetaConfig covers WhatsApp Cloud API, Messenger and Instagram.
type MetaConfig struct {
	APIBase         string  `json:"apiBase"`
	AccessToken     string  `json:"accessToken,omitempty"`
	PhoneNumberID   string  `json:"phoneNumberId,omitempty"`
	PageAccessToken string  `json:"pageAccessToken,omitempty"`
	AppSecret       string  `json:"appSecret,omitempty"`
	VerifyToken     string  `json:"verifyToken,omitempty"`
	RatePerSecond   float64 `json:"ratePerSecond"`
	Burst           int     `json:"burst"`
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	Subject  string `json:"subject"`
}

type TelegramConfig struct {
	Token       string         `json:"token,omitempty"`
	APIEndpoint string         `json:"apiEndpoint,omitempty"`
	Listen      bool           `json:"listen"` // poll updates as an inbound channel
	AllowFrom   FlexStringList `json:"allowFrom,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type BroadcastConfig struct {
	MaxEventsPerSecond int `json:"maxEventsPerSecond"`
	HeartbeatSeconds   int `json:"heartbeatSeconds"`
	SendTimeoutSeconds int `json:"sendTimeoutSeconds"`
}

type MaintenanceConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"intervalMinutes"`
	MaxAgeHours     int  `json:"maxAgeHours"`
	RetrySeconds    int  `json:"retrySeconds"`
}

type AlertsConfig struct {
	SlackWebhookURL   string          `json:"slackWebhookUrl,omitempty"`
	DiscordWebhookURL string          `json:"discordWebhookUrl,omitempty"`
	Webhooks          []WebhookTarget `json:"webhooks,omitempty"`
}

type WebhookTarget struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type AuditConfig struct {
	JSONLPath string `json:"jsonlPath,omitempty"` // empty disables the hash-chained mirror
}

// DefaultConfigDir returns the default config directory (~/.replyguard).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".replyguard"
	}
	return filepath.Join(home, ".replyguard")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads a .env file next to the config file, if present.
// Variables already set in the environment win.
func LoadDotEnv(configPath string) error {
	path := filepath.Join(filepath.Dir(ExpandPath(configPath)), ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Routing.PolicyDir = ExpandPath(cfg.Routing.PolicyDir)
	cfg.Audit.JSONLPath = ExpandPath(cfg.Audit.JSONLPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Classifier.TimeoutSeconds < 1 {
		errs = append(errs, "classifier.timeoutSeconds must be >= 1")
	}
	if cfg.Classifier.LatencyCeilingMs < 1 {
		errs = append(errs, "classifier.latencyCeilingMs must be >= 1")
	}
	if _, ok := cfg.Classifier.Providers[cfg.Classifier.Default]; !ok {
		errs = append(errs, fmt.Sprintf("classifier.default references unknown provider: %s", cfg.Classifier.Default))
	}
	for _, name := range cfg.Classifier.Failover {
		if _, ok := cfg.Classifier.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("classifier.failover references unknown provider: %s", name))
		}
	}
	for name, pc := range cfg.Classifier.Providers {
		switch pc.Kind {
		case "openai":
			if pc.Enabled && pc.APIBase == "" {
				errs = append(errs, fmt.Sprintf("classifier.providers.%s: apiBase is required", name))
			}
		case "anthropic":
			if pc.Enabled && pc.APIKey == "" {
				errs = append(errs, fmt.Sprintf("classifier.providers.%s: apiKey is required", name))
			}
		case "ollama":
		case "static":
			if pc.Confidence < 0 || pc.Confidence > 100 {
				errs = append(errs, fmt.Sprintf("classifier.providers.%s: confidence must be between 0 and 100", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("classifier.providers.%s: kind must be openai, anthropic, ollama or static", name))
		}
	}

	if cfg.Routing.Concurrency < 1 || cfg.Routing.Concurrency > 100 {
		errs = append(errs, "routing.concurrency must be between 1 and 100")
	}
	if cfg.Routing.HistoryLimit < 0 {
		errs = append(errs, "routing.historyLimit must be >= 0")
	}
	for tenant, p := range cfg.Routing.Policies {
		if p.AutoRespondThreshold < 0 || p.AutoRespondThreshold > 100 || p.ReviewThreshold < 0 || p.ReviewThreshold > 100 {
			errs = append(errs, fmt.Sprintf("routing.policies.%s: thresholds must be between 0 and 100", tenant))
		}
	}

	if cfg.Delivery.TimeoutSeconds < 1 {
		errs = append(errs, "delivery.timeoutSeconds must be >= 1")
	}
	if cfg.Delivery.Meta.RatePerSecond <= 0 {
		errs = append(errs, "delivery.meta.ratePerSecond must be > 0")
	}

	if cfg.Broadcast.MaxEventsPerSecond < 1 {
		errs = append(errs, "broadcast.maxEventsPerSecond must be >= 1")
	}
	if cfg.Broadcast.HeartbeatSeconds < 1 {
		errs = append(errs, "broadcast.heartbeatSeconds must be >= 1")
	}

	if cfg.Maintenance.IntervalMinutes < 1 {
		errs = append(errs, "maintenance.intervalMinutes must be >= 1")
	}
	if cfg.Maintenance.MaxAgeHours < 1 {
		errs = append(errs, "maintenance.maxAgeHours must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
