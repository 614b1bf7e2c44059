//nolint:lll // struct tags can't be split
package askbot

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "ASKBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "ASKBOT"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "askbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultOpenAIModel                = "gpt-3.5-turbo"
	DefaultOpenAIMaxRequestsPerSecond = 5

	DefaultSearchResultCount = 5
	DefaultSearchMode        = "active"
	DefaultSearchTimeout     = 30 * time.Second

	DefaultStorageBucket = "qrcodes"

	DefaultAskPremiumCooldown         = 2500 * time.Millisecond
	DefaultAskStandardCooldown        = 5000 * time.Millisecond
	DefaultAskPremiumMaxTokens        = 3750
	DefaultAskStandardMaxTokens       = 2500
	DefaultAskPremiumRegenerateLimit  = 5
	DefaultAskStandardRegenerateLimit = 3
	DefaultAskCollectorTimeout        = 14 * time.Minute
	DefaultAskTrialUsage              = 25

	DefaultChatMaxTokens      = 1500
	DefaultChatTemperature    = 0.9
	DefaultChatSplitThreshold = 1500
	DefaultChatAutoArchive    = 60

	DefaultCooldownBackend = cooldownBackendMemory
	DefaultCooldownPath    = "cooldowns.db"

	DefaultReadTimeout                       = 5 * time.Second
	DefaultReadHeaderTimeout                 = 5 * time.Second
	DefaultWriteTimeout                      = 10 * time.Second
	DefaultIdleTimeout                       = 30 * time.Second
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordWebhookLogLevel            = slog.LevelInfo
	DefaultDiscordLogLevel                   = slog.LevelWarn
	DefaultDiscordCustomStatus               = "/ask me anything"
	DefaultDiscordStartupMessage             = "I'm here!"
	DefaultAPIListen                         = "127.0.0.1:5000"
	DefaultAPITLSMinVersion                  = tls.VersionTLS12

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultOpenAILogLevel          = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = false
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var structValidator = validator.New()

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, in-flight interactions are abandoned.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RecoverPanic recovers panics raised while handling an interaction
	// or message, logging the stack instead of crashing the process.
	RecoverPanic bool `yaml:"recover_panic" mapstructure:"recover_panic" json:"recover_panic"`

	// Development enables gin debug mode and pprof endpoints on the API
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	OpenAI   *OpenAIConfig   `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`
	Discord  *DiscordConfig  `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Search   *SearchConfig   `yaml:"search" mapstructure:"search" json:"search" binding:"required"`
	Storage  *StorageConfig  `yaml:"storage" mapstructure:"storage" json:"storage" binding:"required"`
	Ask      *AskConfig      `yaml:"ask" mapstructure:"ask" json:"ask" binding:"required"`
	Chat     *ChatConfig     `yaml:"chat" mapstructure:"chat" json:"chat" binding:"required"`
	Cooldown *CooldownConfig `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"required"`
	API      *APIConfig      `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	LogLevel          *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set along with NotificationChannelID, this message is sent
	// to that channel every time the bot connects to the gateway.
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. The thread chat listener needs
	// MESSAGE_CONTENT, which is privileged.
	// See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the HTTP server that receives
// interactions via webhook instead of the gateway.
type DiscordWebhookServerConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Listen        string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// OpenAIConfig configures the chat completion client
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API endpoint, for OpenAI-compatible servers
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Model used for both /ask and thread chat completions
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// MaxRequestsPerSecond limits outbound completion requests across
	// all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`
}

// SearchConfig configures the web search API used by `/ask web:true`
type SearchConfig struct {
	URL         string        `yaml:"url" mapstructure:"url" json:"url"`
	Token       string        `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
	ResultCount int           `yaml:"result_count" mapstructure:"result_count" json:"result_count" binding:"min=1"`
	Mode        string        `yaml:"mode" mapstructure:"mode" json:"mode" binding:"required"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
}

// StorageConfig configures the object storage QR code images are
// uploaded to
type StorageConfig struct {
	URL    string `yaml:"url" mapstructure:"url" json:"url"`
	Token  string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
	Bucket string `yaml:"bucket" mapstructure:"bucket" json:"bucket" binding:"required"`
}

// AskConfig holds the per-tier limits for the `/ask` command.
type AskConfig struct {
	PremiumCooldown  time.Duration `yaml:"premium_cooldown" mapstructure:"premium_cooldown" json:"premium_cooldown"`
	StandardCooldown time.Duration `yaml:"standard_cooldown" mapstructure:"standard_cooldown" json:"standard_cooldown"`

	PremiumMaxTokens  int `yaml:"premium_max_tokens" mapstructure:"premium_max_tokens" json:"premium_max_tokens" binding:"min=1"`
	StandardMaxTokens int `yaml:"standard_max_tokens" mapstructure:"standard_max_tokens" json:"standard_max_tokens" binding:"min=1"`

	PremiumRegenerateLimit  int `yaml:"premium_regenerate_limit" mapstructure:"premium_regenerate_limit" json:"premium_regenerate_limit" binding:"min=0"`
	StandardRegenerateLimit int `yaml:"standard_regenerate_limit" mapstructure:"standard_regenerate_limit" json:"standard_regenerate_limit" binding:"min=0"`

	// CollectorTimeout is how long the buttons on an answer keep working.
	// 0 binds the collector to the interaction token lifespan only.
	CollectorTimeout time.Duration `yaml:"collector_timeout" mapstructure:"collector_timeout" json:"collector_timeout"`

	// TrialUsage is the number of answers a new, non-premium user gets
	TrialUsage int `yaml:"trial_usage" mapstructure:"trial_usage" json:"trial_usage" binding:"min=0"`
}

// Cooldown returns the cooldown duration for the given tier
func (c AskConfig) Cooldown(premium bool) time.Duration {
	if premium {
		return c.PremiumCooldown
	}
	return c.StandardCooldown
}

// MaxTokens returns the completion token budget for the given tier
func (c AskConfig) MaxTokens(premium bool) int {
	if premium {
		return c.PremiumMaxTokens
	}
	return c.StandardMaxTokens
}

// RegenerateLimit returns the number of regenerations allowed per
// answer for the given tier
func (c AskConfig) RegenerateLimit(premium bool) int {
	if premium {
		return c.PremiumRegenerateLimit
	}
	return c.StandardRegenerateLimit
}

// ChatConfig configures thread chat sessions started with `/chat`
type ChatConfig struct {
	MaxTokens      int     `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`
	Temperature    float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`
	SplitThreshold int     `yaml:"split_threshold" mapstructure:"split_threshold" json:"split_threshold" binding:"min=1,max=2000"`

	// AutoArchive is the thread auto-archive duration, in minutes
	AutoArchive int `yaml:"auto_archive" mapstructure:"auto_archive" json:"auto_archive" binding:"oneof=60 1440 4320 10080"`
}

// CooldownConfig selects where `/ask` cooldowns are kept
type CooldownConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=memory bolt"`

	// Path to the bolt database file, when Backend is 'bolt'
	Path string `yaml:"path" mapstructure:"path" json:"path" binding:"required_if=Backend bolt"`
}

// APIConfig configures the read-only HTTP API
type APIConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Listen        string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Token is the bearer token required for /api requests
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Enabled true"`

	SSL      SSLConfig      `yaml:"ssl" mapstructure:"ssl" json:"ssl"`
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	CORS     CORSConfig     `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// validateAskConfig checks the cross-field constraints of [AskConfig]
func validateAskConfig(sl validator.StructLevel) {
	c, ok := sl.Current().Interface().(AskConfig)
	if !ok {
		return
	}
	if c.PremiumCooldown < 0 {
		sl.ReportError(c.PremiumCooldown, "PremiumCooldown", "premium_cooldown", "gte", "0")
	}
	if c.StandardCooldown < 0 {
		sl.ReportError(c.StandardCooldown, "StandardCooldown", "standard_cooldown", "gte", "0")
	}
	if c.CollectorTimeout < 0 || c.CollectorTimeout > discordInteractionTokenLifespan {
		sl.ReportError(
			c.CollectorTimeout,
			"CollectorTimeout",
			"collector_timeout",
			"lte",
			discordInteractionTokenLifespan.String(),
		)
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	discordWebhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	discordWebhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RecoverPanic:          true,
		OpenAI: &OpenAIConfig{
			LogLevel:             openaiLogLevel,
			Model:                DefaultOpenAIModel,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
		},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          discordWebhookLogLevel,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Search: &SearchConfig{
			ResultCount: DefaultSearchResultCount,
			Mode:        DefaultSearchMode,
			Timeout:     DefaultSearchTimeout,
		},
		Storage: &StorageConfig{
			Bucket: DefaultStorageBucket,
		},
		Ask: &AskConfig{
			PremiumCooldown:         DefaultAskPremiumCooldown,
			StandardCooldown:        DefaultAskStandardCooldown,
			PremiumMaxTokens:        DefaultAskPremiumMaxTokens,
			StandardMaxTokens:       DefaultAskStandardMaxTokens,
			PremiumRegenerateLimit:  DefaultAskPremiumRegenerateLimit,
			StandardRegenerateLimit: DefaultAskStandardRegenerateLimit,
			CollectorTimeout:        DefaultAskCollectorTimeout,
			TrialUsage:              DefaultAskTrialUsage,
		},
		Chat: &ChatConfig{
			MaxTokens:      DefaultChatMaxTokens,
			Temperature:    DefaultChatTemperature,
			SplitThreshold: DefaultChatSplitThreshold,
			AutoArchive:    DefaultChatAutoArchive,
		},
		Cooldown: &CooldownConfig{
			Backend: DefaultCooldownBackend,
			Path:    DefaultCooldownPath,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateAskConfig, AskConfig{})
}
