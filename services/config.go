package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	BackendURL     string
	PushURL        string
	CSRFToken      string
	TickInterval   time.Duration
	ResyncDelay    time.Duration
	Addr           string
	AllowedOrigins []string
	JWTSecret      string
	DatabasePath   string
	LogLevel       string
	IssueToken     bool
}

// LoadConfig reads config.toml (optional), GYMCARDS_* environment variables
// and command line flags, in increasing order of precedence.
func LoadConfig(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("gymcards", pflag.ContinueOnError)
	flags.String("backend-url", "http://127.0.0.1:8000", "base url of the gym-card backend")
	flags.String("push-url", "", "push channel url (derived from --backend-url when empty)")
	flags.String("csrf-token", "", "initial csrftoken cookie value")
	flags.Duration("tick-interval", time.Minute, "how often expirations are re-evaluated")
	flags.Duration("resync-delay", time.Second, "delay before resyncing after the push channel drops")
	flags.String("addr", ":3001", "listen address of the local view server")
	flags.StringSlice("allowed-origins", []string{"*"}, "CORS origins allowed to call the view server")
	flags.String("jwt-secret", "", "require bearer tokens signed with this secret on the view server")
	flags.String("db", "./gymcards.db", "path of the preferences database")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("config", "", "path of a config file")
	flags.Bool("issue-token", false, "print a view server token and exit")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	bindings := map[string]string{
		"backend.url":        "backend-url",
		"backend.push_url":   "push-url",
		"backend.csrf_token": "csrf-token",
		"sync.tick_interval": "tick-interval",
		"sync.resync_delay":  "resync-delay",
		"ui.addr":            "addr",
		"ui.allowed_origins": "allowed-origins",
		"ui.jwt_secret":      "jwt-secret",
		"database.path":      "db",
		"log.level":          "log-level",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	v.SetEnvPrefix("GYMCARDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile, _ := flags.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	issueToken, _ := flags.GetBool("issue-token")
	cfg := &Config{
		BackendURL:     v.GetString("backend.url"),
		PushURL:        v.GetString("backend.push_url"),
		CSRFToken:      v.GetString("backend.csrf_token"),
		TickInterval:   v.GetDuration("sync.tick_interval"),
		ResyncDelay:    v.GetDuration("sync.resync_delay"),
		Addr:           v.GetString("ui.addr"),
		AllowedOrigins: v.GetStringSlice("ui.allowed_origins"),
		JWTSecret:      v.GetString("ui.jwt_secret"),
		DatabasePath:   v.GetString("database.path"),
		LogLevel:       v.GetString("log.level"),
		IssueToken:     issueToken,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("backend url is required")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.ResyncDelay <= 0 {
		return fmt.Errorf("resync delay must be positive, got %s", c.ResyncDelay)
	}
	if c.IssueToken && c.JWTSecret == "" {
		return errors.New("issuing a token requires a jwt secret")
	}
	return nil
}
