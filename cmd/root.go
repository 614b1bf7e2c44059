package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/askbot/askbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = askbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "askbot [flags]",
	Short: "Discord bot that answers questions with a completion model or web search",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
	},
	SilenceUsage: true,
}

// LevelToStringHookFunc decodes level names (ex: 'INFO', 'debug') into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvl, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	defaults := askbot.DefaultConfig()

	viper.SetDefault("database", defaults.Database)
	viper.SetDefault("database_type", defaults.DatabaseType)
	viper.SetDefault("database_slow_threshold", defaults.DatabaseSlowThreshold)
	viper.SetDefault("database_log_level", askbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", askbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", defaults.StartupTimeout)
	viper.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)
	viper.SetDefault("recover_panic", defaults.RecoverPanic)
	viper.SetDefault("development", false)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", defaults.OpenAI.Model)
	viper.SetDefault("openai.max_requests_per_second", defaults.OpenAI.MaxRequestsPerSecond)
	viper.SetDefault("openai.log_level", askbot.DefaultOpenAILogLevel.String())

	// Web search
	viper.SetDefault("search.url", "")
	viper.SetDefault("search.token", "")
	viper.SetDefault("search.result_count", defaults.Search.ResultCount)
	viper.SetDefault("search.mode", defaults.Search.Mode)
	viper.SetDefault("search.timeout", defaults.Search.Timeout)

	// QR code storage
	viper.SetDefault("storage.url", "")
	viper.SetDefault("storage.token", "")
	viper.SetDefault("storage.bucket", defaults.Storage.Bucket)

	// /ask limits
	viper.SetDefault("ask.premium_cooldown", defaults.Ask.PremiumCooldown)
	viper.SetDefault("ask.standard_cooldown", defaults.Ask.StandardCooldown)
	viper.SetDefault("ask.premium_max_tokens", defaults.Ask.PremiumMaxTokens)
	viper.SetDefault("ask.standard_max_tokens", defaults.Ask.StandardMaxTokens)
	viper.SetDefault("ask.premium_regenerate_limit", defaults.Ask.PremiumRegenerateLimit)
	viper.SetDefault("ask.standard_regenerate_limit", defaults.Ask.StandardRegenerateLimit)
	viper.SetDefault("ask.collector_timeout", defaults.Ask.CollectorTimeout)
	viper.SetDefault("ask.trial_usage", defaults.Ask.TrialUsage)

	// /chat
	viper.SetDefault("chat.max_tokens", defaults.Chat.MaxTokens)
	viper.SetDefault("chat.temperature", defaults.Chat.Temperature)
	viper.SetDefault("chat.split_threshold", defaults.Chat.SplitThreshold)
	viper.SetDefault("chat.auto_archive", defaults.Chat.AutoArchive)

	viper.SetDefault("cooldown.backend", defaults.Cooldown.Backend)
	viper.SetDefault("cooldown.path", defaults.Cooldown.Path)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", askbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", askbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(askbot.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.startup_message", defaults.Discord.StartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", defaults.Discord.CustomStatus)

	// Discord: Webhook server
	webhook := defaults.Discord.WebhookServer
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", webhook.Listen)
	viper.SetDefault("discord.webhook_server.listen_network", webhook.ListenNetwork)
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")
	viper.SetDefault("discord.webhook_server.ssl.tls_min_version", webhook.SSL.TLSMinVersion)
	viper.SetDefault("discord.webhook_server.read_timeout", webhook.ReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", webhook.ReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", webhook.WriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", webhook.IdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		askbot.DefaultDiscordWebhookLogLevel.String(),
	)

	// API config
	api := defaults.API
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", api.Listen)
	viper.SetDefault("api.listen_network", api.ListenNetwork)
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", api.SSL.TLSMinVersion)
	viper.SetDefault("api.log_level", askbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", api.ReadTimeout)
	viper.SetDefault("api.read_header_timeout", api.ReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", api.WriteTimeout)
	viper.SetDefault("api.idle_timeout", api.IdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", askbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", askbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", askbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", askbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", askbot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(askbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = askbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// values set via env are space-separated strings
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
