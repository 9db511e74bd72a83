package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/RainyN0077/Discord-LLMs-ChatBot/chatbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = chatbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "chatbot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

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
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
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
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", chatbot.DefaultDatabase)
	viper.SetDefault("database_type", chatbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		chatbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		chatbot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", chatbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", chatbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", chatbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.trigger_words", []string{})
	viper.SetDefault("discord.allowed_channels", []string{})
	viper.SetDefault("discord.custom_status", chatbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.startup_message", chatbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.error_message", chatbot.DefaultDiscordErrorMessage)
	viper.SetDefault(
		"discord.log_level",
		chatbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		chatbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		chatbot.DefaultDiscordGatewayIntent,
	)

	// LLM config
	viper.SetDefault("llm.provider", chatbot.DefaultLLMProvider)
	viper.SetDefault("llm.model", chatbot.DefaultLLMModel)
	viper.SetDefault("llm.openai_token", "")
	viper.SetDefault("llm.openai_base_url", "")
	viper.SetDefault("llm.gemini_token", "")
	viper.SetDefault("llm.anthropic_token", "")
	viper.SetDefault("llm.system_prompt", "")
	viper.SetDefault("llm.max_response_tokens", chatbot.DefaultLLMMaxResponseTokens)
	viper.SetDefault("llm.temperature", chatbot.DefaultLLMTemperature)
	viper.SetDefault("llm.max_tool_rounds", chatbot.DefaultLLMMaxToolRounds)
	viper.SetDefault(
		"llm.max_requests_per_second",
		chatbot.DefaultLLMMaxRequestsPerSecond,
	)
	viper.SetDefault("llm.request_timeout", chatbot.DefaultLLMRequestTimeout)
	viper.SetDefault("llm.log_level", chatbot.DefaultLLMLogLevel.String())

	// Knowledge config
	viper.SetDefault(
		"knowledge.memory_dedup_threshold",
		chatbot.DefaultMemoryDedupThreshold,
	)
	viper.SetDefault(
		"knowledge.world_book_dedup_threshold",
		chatbot.DefaultWorldBookDedupThreshold,
	)
	viper.SetDefault("knowledge.history_limit", chatbot.DefaultHistoryLimit)
	viper.SetDefault(
		"knowledge.security_preamble",
		chatbot.DefaultPersonaSecurityPreamble,
	)

	// API config
	viper.SetDefault("api.listen", chatbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", chatbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", chatbot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", chatbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		chatbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", chatbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", chatbot.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		chatbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		chatbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		chatbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", chatbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		chatbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(chatbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = chatbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"discord.trigger_words",
		viper.GetStringSlice("discord.trigger_words"),
	)
	viper.Set(
		"discord.allowed_channels",
		viper.GetStringSlice("discord.allowed_channels"),
	)
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"llm.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
