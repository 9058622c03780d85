package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the SMS agent. It is loaded once per
// process start and treated as an immutable snapshot by the pipeline.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Responder ResponderConfig           `json:"responder"`
	RateLimit RateLimitConfig           `json:"rateLimit"`
	Guardrail GuardrailConfig           `json:"guardrail"`
	Transport TransportConfig           `json:"transport"`
	Store     StoreConfig               `json:"store"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	// SelfNumber is the agent's own phone number. Inbound messages
	// attributed to it are never replied to.
	SelfNumber string `json:"selfNumber"`
	LogLevel   string `json:"logLevel"`
	LogFile    string `json:"logFile,omitempty"`
	// Workers is the number of concurrent pipeline workers draining the
	// inbound queue. Runs for one recipient still serialize.
	Workers   int    `json:"workers"`
	RulesPath string `json:"rulesPath,omitempty"` // default: <config dir>/rules.yaml
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type ResponderConfig struct {
	Enabled         bool    `json:"enabled"`
	DefaultProvider string  `json:"defaultProvider"`
	Temperature     float64 `json:"temperature"`
	MaxTokens       int     `json:"maxTokens"`
	TimeoutSeconds  int     `json:"timeoutSeconds"`
	// Lookback is the number of recent turns kept per recipient and fed
	// into the prompt.
	Lookback        int    `json:"lookback"`
	PersonalityPath string `json:"personalityPath,omitempty"` // default: <config dir>/personality.md
	AgentRulesPath  string `json:"agentRulesPath,omitempty"`  // default: <config dir>/agent.md
}

type RateLimitConfig struct {
	GlobalPerMinute       int `json:"globalPerMinute"`
	PerRecipientPerHour   int `json:"perRecipientPerHour"`
	PerRecipientPerDay    int `json:"perRecipientPerDay"`
	BurstPerMinute        int `json:"burstPerMinute"`
	RecipientIdleEvictMin int `json:"recipientIdleEvictMinutes,omitempty"`
}

type GuardrailConfig struct {
	MaxResponseLength int  `json:"maxResponseLength"`
	BlockPhoneNumbers bool `json:"blockPhoneNumbers"`
	BlockEmails       bool `json:"blockEmails"`
	BlockURLs         bool `json:"blockUrls"`
	BlockCreditCards  bool `json:"blockCreditCards"`
	BlockSSNs         bool `json:"blockSsns"`
	// BlockedPatterns are regexes that veto a candidate outright.
	BlockedPatterns []string `json:"blockedPatterns"`
	// BotPhrases are stock assistant phrases stripped or vetoed before send.
	BotPhrases []string `json:"botPhrases"`
	// FallbackResponses replace a hard-blocked candidate. Must be non-empty.
	FallbackResponses []string `json:"fallbackResponses"`
}

type TransportConfig struct {
	Active              string         `json:"active"` // "termux" | "telegram"
	PollIntervalSeconds int            `json:"pollIntervalSeconds"`
	Termux              TermuxConfig   `json:"termux"`
	Telegram            TelegramConfig `json:"telegram"`
}

type TermuxConfig struct {
	SendPath       string `json:"sendPath"`
	ListPath       string `json:"listPath"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	ListLimit      int    `json:"listLimit"`
}

type TelegramConfig struct {
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// DefaultConfigDir returns the default config directory (~/.smsagent).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".smsagent"
	}
	return filepath.Join(home, ".smsagent")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
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

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.RulesPath = ExpandPath(cfg.General.RulesPath)
	cfg.Responder.PersonalityPath = ExpandPath(cfg.Responder.PersonalityPath)
	cfg.Responder.AgentRulesPath = ExpandPath(cfg.Responder.AgentRulesPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
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

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.Workers < 1 || cfg.General.Workers > 64 {
		errs = append(errs, "general.workers must be between 1 and 64")
	}

	if cfg.RateLimit.GlobalPerMinute < 1 {
		errs = append(errs, "rateLimit.globalPerMinute must be >= 1")
	}
	if cfg.RateLimit.PerRecipientPerHour < 1 {
		errs = append(errs, "rateLimit.perRecipientPerHour must be >= 1")
	}
	if cfg.RateLimit.PerRecipientPerDay < 1 {
		errs = append(errs, "rateLimit.perRecipientPerDay must be >= 1")
	}
	if cfg.RateLimit.BurstPerMinute < 1 {
		errs = append(errs, "rateLimit.burstPerMinute must be >= 1")
	}

	if cfg.Guardrail.MaxResponseLength < 1 || cfg.Guardrail.MaxResponseLength > 1600 {
		errs = append(errs, "guardrail.maxResponseLength must be between 1 and 1600")
	}
	if len(cfg.Guardrail.FallbackResponses) == 0 {
		errs = append(errs, "guardrail.fallbackResponses must not be empty")
	}
	for _, p := range cfg.Guardrail.BlockedPatterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			errs = append(errs, fmt.Sprintf("guardrail.blockedPatterns: invalid regex %q: %v", p, err))
		}
	}

	if cfg.Responder.Lookback < 1 {
		errs = append(errs, "responder.lookback must be >= 1")
	}
	if cfg.Responder.TimeoutSeconds < 1 {
		errs = append(errs, "responder.timeoutSeconds must be >= 1")
	}
	if cfg.Responder.Temperature < 0 || cfg.Responder.Temperature > 2 {
		errs = append(errs, "responder.temperature must be between 0 and 2")
	}
	if cfg.Responder.Enabled {
		if _, ok := cfg.Providers[cfg.Responder.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("responder.defaultProvider references unknown provider: %s", cfg.Responder.DefaultProvider))
		}
	}

	switch cfg.Transport.Active {
	case "termux", "telegram":
	default:
		errs = append(errs, "transport.active must be one of: termux, telegram")
	}
	if cfg.Transport.PollIntervalSeconds < 1 {
		errs = append(errs, "transport.pollIntervalSeconds must be >= 1")
	}

	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" && name != "ollama" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Sanitize returns a deep copy with secrets masked, safe to print.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if pc.APIKey != "" {
			pc.APIKey = "***"
		}
		out.Providers[name] = pc
	}
	if out.Transport.Telegram.Token != "" {
		out.Transport.Telegram.Token = "***"
	}
	return &out
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
