package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config is the root configuration for adrelay.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Chats     ChatsConfig     `json:"chats" yaml:"chats"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Directory DirectoryConfig `json:"directory" yaml:"directory"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel" yaml:"logLevel"`
	LogFile               string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	Trigger               string `json:"trigger" yaml:"trigger"` // command prefix character
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages"`
	CommandsPerMinute     int    `json:"commandsPerMinute" yaml:"commandsPerMinute"` // per user, 0 disables
	CommandBurst          int    `json:"commandBurst" yaml:"commandBurst"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Slack    SlackConfig    `json:"slack" yaml:"slack"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	Webhook  WebhookConfig  `json:"webhook" yaml:"webhook"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Token     string `json:"token" yaml:"token"`
	ParseMode string `json:"parseMode" yaml:"parseMode"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken"`
	AppToken string `json:"appToken" yaml:"appToken"` // required for Socket Mode
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	GuildID string `json:"guildId,omitempty" yaml:"guildId,omitempty"`
}

type WebhookConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Path     string `json:"path" yaml:"path"`
	Secret   string `json:"secret,omitempty" yaml:"secret,omitempty"`     // HMAC secret for X-Signature-256
	ReplyURL string `json:"replyUrl,omitempty" yaml:"replyUrl,omitempty"` // replies are POSTed here when set
}

// ChatsConfig names the two department chats that may issue commands.
type ChatsConfig struct {
	ITChatID string `json:"itChatId" yaml:"itChatId"`
	HRChatID string `json:"hrChatId" yaml:"hrChatId"`
}

type AuthConfig struct {
	TenantID             string `json:"tenantId" yaml:"tenantId"`
	ClientID             string `json:"clientId" yaml:"clientId"`
	ClientSecret         string `json:"clientSecret" yaml:"clientSecret"`
	RedirectURL          string `json:"redirectUrl" yaml:"redirectUrl"`
	StateSecret          string `json:"stateSecret" yaml:"stateSecret"`
	GraphBaseURL         string `json:"graphBaseUrl" yaml:"graphBaseUrl"`
	SessionTimeoutSecs   int    `json:"sessionTimeoutSeconds" yaml:"sessionTimeoutSeconds"`
	SweepIntervalSeconds int    `json:"sweepIntervalSeconds" yaml:"sweepIntervalSeconds"`
}

// SessionTimeout returns the configured session lifetime.
func (a AuthConfig) SessionTimeout() time.Duration {
	return time.Duration(a.SessionTimeoutSecs) * time.Second
}

// SweepInterval returns how often expired sessions are purged.
func (a AuthConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalSeconds) * time.Second
}

type DirectoryConfig struct {
	Provider      string   `json:"provider" yaml:"provider"` // "graph" | "file"
	FilePath      string   `json:"filePath,omitempty" yaml:"filePath,omitempty"`
	Domains       []string `json:"domains" yaml:"domains"`
	DefaultDomain string   `json:"defaultDomain" yaml:"defaultDomain"`
}

type DispatchConfig struct {
	Strategy string       `json:"strategy" yaml:"strategy"` // "relay" | "direct"
	Relay    RelayConfig  `json:"relay" yaml:"relay"`
	Direct   DirectConfig `json:"direct" yaml:"direct"`
}

type RelayConfig struct {
	Channel string `json:"channel" yaml:"channel"` // telegram | slack | discord
}

type DirectConfig struct {
	BaseURL        string `json:"baseUrl" yaml:"baseUrl"`
	APIKey         string `json:"apiKey" yaml:"apiKey"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type AuditConfig struct {
	DBPath            string `json:"dbPath" yaml:"dbPath"`
	RetentionDays     int    `json:"retentionDays" yaml:"retentionDays"`
	RetentionSchedule string `json:"retentionSchedule" yaml:"retentionSchedule"` // cron expression
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"` // bearer token for /api; empty leaves it open
}

// MetricsConfig configures the Prometheus endpoint served by the HTTP surface.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.adrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".adrelay"
	}
	return filepath.Join(home, ".adrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML (by extension) config file on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Audit.DBPath = ExpandPath(cfg.Audit.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Directory.FilePath = ExpandPath(cfg.Directory.FilePath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
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

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if len([]rune(cfg.General.Trigger)) != 1 {
		errs = append(errs, "general.trigger must be a single character")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.General.CommandsPerMinute < 0 || cfg.General.CommandBurst < 0 {
		errs = append(errs, "general.commandsPerMinute and general.commandBurst must be >= 0")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Chats.ITChatID != "" && cfg.Chats.ITChatID == cfg.Chats.HRChatID {
		errs = append(errs, "chats.itChatId and chats.hrChatId must differ")
	}

	if cfg.Auth.SessionTimeoutSecs < 60 {
		errs = append(errs, "auth.sessionTimeoutSeconds must be >= 60")
	}
	if cfg.Auth.SweepIntervalSeconds < 1 {
		errs = append(errs, "auth.sweepIntervalSeconds must be >= 1")
	}

	switch cfg.Directory.Provider {
	case "graph":
	case "file":
		if cfg.Directory.FilePath == "" {
			errs = append(errs, "directory.filePath is required for the file provider")
		}
	default:
		errs = append(errs, "directory.provider must be one of: graph, file")
	}

	switch cfg.Dispatch.Strategy {
	case "relay":
		switch cfg.Dispatch.Relay.Channel {
		case "telegram", "slack", "discord":
		default:
			errs = append(errs, "dispatch.relay.channel must be one of: telegram, slack, discord")
		}
	case "direct":
		if cfg.Dispatch.Direct.BaseURL == "" {
			errs = append(errs, "dispatch.direct.baseUrl is required for the direct strategy")
		}
		if cfg.Dispatch.Direct.TimeoutSeconds < 1 {
			errs = append(errs, "dispatch.direct.timeoutSeconds must be >= 1")
		}
	default:
		errs = append(errs, "dispatch.strategy must be one of: relay, direct")
	}

	if cfg.Audit.RetentionDays < 1 {
		errs = append(errs, "audit.retentionDays must be >= 1")
	}
	if _, err := cronParser.Parse(cfg.Audit.RetentionSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("audit.retentionSchedule is not a valid cron expression: %v", err))
	}
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 0 and 65535")
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
