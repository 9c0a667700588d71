// Package config holds the process-wide settings. A Config is built once at
// start-up and handed to every component constructor.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen         string        `yaml:"listen"`
	PublicBaseURL  string        `yaml:"public_base_url"`
	LogMode        string        `yaml:"log_mode"`
	LogLevel       string        `yaml:"log_level"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agent     AgentConfig     `yaml:"agent"`
	Payment   PaymentConfig   `yaml:"payment"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Coffee    CoffeeConfig    `yaml:"coffee"`
	Credit    CreditConfig    `yaml:"credit"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	GiftCard  GiftCardConfig  `yaml:"giftcard"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	DemoMode          bool   `yaml:"demo_mode"`
	DemoAdminToken    string `yaml:"demo_admin_token"`
	AgentSharedSecret string `yaml:"agent_shared_secret"`
}

type AgentConfig struct {
	HookURL string `yaml:"hook_url"`
	// HookToken authenticates us to the agent and the agent to our delivery endpoints.
	HookToken string        `yaml:"hook_token"`
	Timeout   time.Duration `yaml:"timeout"`
}

type PaymentConfig struct {
	APIBase       string        `yaml:"api_base"`
	APIKey        string        `yaml:"api_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

type LifecycleConfig struct {
	NewTTL        time.Duration `yaml:"new_ttl"`
	PaidTTL       time.Duration `yaml:"paid_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type CoffeeConfig struct {
	MaxExecutionsPerDay int `yaml:"max_executions_per_day"`
	BatchIntervalHours  int `yaml:"batch_interval_hours"`
}

type CreditConfig struct {
	TokenThreshold    int64           `yaml:"token_threshold"`
	MinBalance        decimal.Decimal `yaml:"min_balance"`
	PurchaseAmount    decimal.Decimal `yaml:"purchase_amount"`
	SponsorAmount     decimal.Decimal `yaml:"sponsor_amount"`
	OpenRouterAPIKey  string          `yaml:"openrouter_api_key"`
	OpenRouterBaseURL string          `yaml:"openrouter_base_url"`
}

type WalletConfig struct {
	RPCURL       string `yaml:"rpc_url"`
	PrivateKey   string `yaml:"private_key"`
	TokenAddress string `yaml:"token_address"`
	ChainID      int64  `yaml:"chain_id"`
	Network      string `yaml:"network"`
	ExplorerURL  string `yaml:"explorer_url"`
}

type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	OwnerChatID int64  `yaml:"owner_chat_id"`
	APIURL      string `yaml:"api_url"`
}

type GiftCardConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	Sandbox        bool   `yaml:"sandbox"`
	RecipientEmail string `yaml:"recipient_email"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Default returns a Config usable for local development.
func Default() *Config {
	return &Config{
		Listen:         "localhost:8080",
		PublicBaseURL:  "http://localhost:8080",
		LogMode:        "development",
		LogLevel:       "info",
		HandlerTimeout: 30 * time.Second,
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "agentmart.db",
		},
		Agent: AgentConfig{
			Timeout: 15 * time.Second,
		},
		Payment: PaymentConfig{
			APIBase: "https://1ly.store",
			Timeout: 15 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			NewTTL:        15 * time.Minute,
			PaidTTL:       2 * time.Hour,
			SweepSchedule: "@every 1m",
		},
		Coffee: CoffeeConfig{
			MaxExecutionsPerDay: 3,
			BatchIntervalHours:  4,
		},
		Credit: CreditConfig{
			TokenThreshold:    500,
			MinBalance:        decimal.NewFromInt(5),
			PurchaseAmount:    decimal.NewFromInt(1),
			SponsorAmount:     decimal.NewFromInt(1),
			OpenRouterBaseURL: "https://openrouter.ai",
		},
		Wallet: WalletConfig{
			RPCURL:       "https://mainnet.base.org",
			TokenAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			ChainID:      8453,
			Network:      "Base",
			ExplorerURL:  "https://basescan.org/address/",
		},
		Telegram: TelegramConfig{
			APIURL: "https://api.telegram.org",
		},
		GiftCard: GiftCardConfig{
			RecipientEmail: "owner@example.com",
		},
		RateLimit: RateLimitConfig{
			PerSecond: 2,
			Burst:     10,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = strings.EqualFold(strings.TrimSpace(v), "true")
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = i
			}
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := lookup(key); ok {
			if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				*dst = i
			}
		}
	}

	str("LISTEN_ADDR", &c.Listen)
	str("BACKEND_BASE_URL", &c.PublicBaseURL)
	str("LOG_MODE", &c.LogMode)
	str("LOG_LEVEL", &c.LogLevel)

	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_DSN", &c.Database.DSN)

	boolean("DEMO_MODE", &c.Auth.DemoMode)
	str("DEMO_ADMIN_TOKEN", &c.Auth.DemoAdminToken)
	str("AGENT_SHARED_SECRET", &c.Auth.AgentSharedSecret)

	str("AGENT_URL", &c.Agent.HookURL)
	str("AGENT_HOOK_TOKEN", &c.Agent.HookToken)

	str("ONELY_API_BASE", &c.Payment.APIBase)
	str("ONELY_API_KEY", &c.Payment.APIKey)
	str("ONELY_WEBHOOK_SECRET", &c.Payment.WebhookSecret)

	integer("MAX_SWIGGY_EXECUTIONS_PER_DAY", &c.Coffee.MaxExecutionsPerDay)
	integer("COFFEE_BATCH_INTERVAL_HOURS", &c.Coffee.BatchIntervalHours)

	str("OPENROUTER_API_KEY", &c.Credit.OpenRouterAPIKey)

	str("BASE_RPC_URL", &c.Wallet.RPCURL)
	str("AGENT_BASE_WALLET_PRIVATE_KEY", &c.Wallet.PrivateKey)

	str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	int64v("OWNER_TELEGRAM_CHAT_ID", &c.Telegram.OwnerChatID)

	str("RELOADLY_CLIENT_ID", &c.GiftCard.ClientID)
	str("RELOADLY_CLIENT_SECRET", &c.GiftCard.ClientSecret)
	boolean("RELOADLY_SANDBOX", &c.GiftCard.Sandbox)
	str("OWNER_EMAIL", &c.GiftCard.RecipientEmail)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.PublicBaseURL == "" {
		return errors.New("public base url is required")
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	if c.Auth.DemoMode && c.Auth.DemoAdminToken == "" {
		return errors.New("demo mode requires a demo admin token")
	}
	if c.Coffee.MaxExecutionsPerDay < 0 || c.Coffee.BatchIntervalHours < 0 {
		return errors.New("coffee limits must not be negative")
	}
	if c.Credit.PurchaseAmount.IsNegative() || c.Credit.SponsorAmount.IsNegative() {
		return errors.New("credit amounts must not be negative")
	}
	if c.Lifecycle.NewTTL <= 0 || c.Lifecycle.PaidTTL <= 0 {
		return errors.New("lifecycle ttls must be positive")
	}
	return nil
}

// DeliveryURL is where the agent posts the structured answer for a request.
func (c *Config) DeliveryURL(requestID string) string {
	return c.PublicBaseURL + "/json/" + requestID
}

// WebhookURL is the payment provider callback target.
func (c *Config) WebhookURL() string {
	return c.PublicBaseURL + "/payment-webhook"
}
