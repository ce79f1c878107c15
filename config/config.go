// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/notifier"
	"github.com/CrawX/go-imap-notifier/render"

	"github.com/BurntSushi/toml"
)

const (
	DedupSqlite = "sqlite"
	DedupRedis  = "redis"
	DedupMemory = "memory"
)

type Config struct {
	Database      string
	Loglevel      *string
	MetricsListen string

	Mailbox  Mailbox
	Telegram Telegram
	Template Template
	Retry    Retry
	Pipeline Pipeline
	Dedup    Dedup
	Spam     Spam
}

type Mailbox struct {
	Protocol           string
	Host               string
	Port               int
	User               string
	Password           string
	Security           string
	Folder             string
	InsecureSkipVerify bool

	PollInterval    time.Duration
	DialTimeout     time.Duration
	Compress        bool
	ProcessExisting bool
}

type Telegram struct {
	BotToken            string
	ChatID              string
	ThreadID            int64
	APIURL              string
	DisableNotification bool
}

type Template struct {
	Text       string
	TimeFormat string
	Timezone   string
	MaxBody    int
}

type Retry struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Timeout       time.Duration
	RatePerSecond float64
}

type Pipeline struct {
	DryRun       bool
	QueueDepth   int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type Dedup struct {
	Backend       string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
}

type Spam struct {
	SpamassassinHost string

	RspamdController string
	RspamdPassword   string
}

// SecretResolver turns secret references into the secret itself.
type SecretResolver interface {
	Resolve(value string) (string, error)
}

func defaultConfig() *Config {
	policy := domain.DefaultRetryPolicy()
	return &Config{
		Database: "notifier.db",
		Mailbox: Mailbox{
			Protocol: string(domain.ProtocolImap),
			Security: string(domain.SecurityTLS),
			Folder:   domain.DefaultFolder,
		},
		Template: Template{
			Text:       render.DefaultText,
			TimeFormat: render.DefaultTimeFormat,
			MaxBody:    render.DefaultMaxBody,
		},
		Retry: Retry{
			MaxAttempts:   policy.MaxAttempts,
			BackoffBase:   policy.BackoffBase,
			BackoffMax:    policy.BackoffMax,
			Timeout:       policy.Timeout,
			RatePerSecond: policy.RatePerSecond,
		},
		Pipeline: Pipeline{
			QueueDepth:   notifier.DefaultQueueDepth,
			ReconnectMin: notifier.DefaultReconnectMin,
			ReconnectMax: notifier.DefaultReconnectMax,
		},
		Dedup: Dedup{
			Backend: DedupSqlite,
		},
	}
}

func ReadConfig(filename string) (*Config, error) {
	config := defaultConfig()

	md, err := toml.DecodeFile(filename, config)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("unknown keys in config file: %s", strings.Join(keys, ", "))
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

// ResolveSecrets replaces secret references in all secret fields.
func (c *Config) ResolveSecrets(r SecretResolver) error {
	secrets := []struct {
		name  string
		value *string
	}{
		{"Mailbox.Password", &c.Mailbox.Password},
		{"Telegram.BotToken", &c.Telegram.BotToken},
		{"Dedup.RedisPassword", &c.Dedup.RedisPassword},
		{"Spam.RspamdPassword", &c.Spam.RspamdPassword},
	}

	for _, s := range secrets {
		resolved, err := r.Resolve(*s.value)
		if err != nil {
			return fmt.Errorf("could not resolve %s: %w", s.name, err)
		}
		*s.value = resolved
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Dedup.Backend {
	case DedupSqlite, DedupRedis:
		if err := validateNonEmptyStringField(c.Database, "Database must not be empty, set to a filename for the sqlite database"); err != nil {
			return err
		}
	case DedupMemory:
	default:
		return fmt.Errorf("Dedup.Backend must be one of %s, %s or %s", DedupSqlite, DedupRedis, DedupMemory)
	}

	if c.Dedup.Backend == DedupRedis {
		if err := validateNonEmptyStringField(c.Dedup.RedisAddress, "Dedup.RedisAddress must be set to host:port of the redis server"); err != nil {
			return err
		}
	}

	if err := c.Credentials().WithDefaults().Validate(); err != nil {
		return fmt.Errorf("Mailbox: %w", err)
	}

	if err := c.TelegramConfig().Validate(); err != nil {
		return fmt.Errorf("Telegram: %w", err)
	}

	if _, err := c.TemplateConfig(); err != nil {
		return fmt.Errorf("Template: %w", err)
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("Retry.MaxAttempts must be at least 1")
	}
	if c.Retry.BackoffBase <= 0 || c.Retry.BackoffMax < c.Retry.BackoffBase {
		return errors.New("Retry.BackoffBase must be positive and not above Retry.BackoffMax")
	}
	if c.Retry.Timeout <= 0 {
		return errors.New("Retry.Timeout must be positive")
	}
	if c.Retry.RatePerSecond < 0 {
		return errors.New("Retry.RatePerSecond cannot be negative")
	}

	spamassassinSet := len(strings.TrimSpace(c.Spam.SpamassassinHost)) > 0
	rspamdSet := len(strings.TrimSpace(c.Spam.RspamdController)) > 0
	if rspamdSet && spamassassinSet {
		return fmt.Errorf("Spam.SpamassassinHost and Spam.RspamdController cannot be set at the same time")
	}

	if rspamdSet {
		if err := validateNonEmptyStringField(c.Spam.RspamdPassword, "Spam.RspamdPassword must be set if Spam.RspamdController is set"); err != nil {
			return err
		}
	}

	return nil
}

func validateNonEmptyStringField(field string, err string) error {
	if len(strings.TrimSpace(field)) == 0 {
		return errors.New(err)
	}

	return nil
}

func (c *Config) Credentials() domain.MailboxCredentials {
	return domain.MailboxCredentials{
		Protocol:           domain.Protocol(strings.ToLower(c.Mailbox.Protocol)),
		Host:               c.Mailbox.Host,
		Port:               c.Mailbox.Port,
		Username:           c.Mailbox.User,
		Secret:             c.Mailbox.Password,
		Security:           domain.SecurityMode(strings.ToLower(c.Mailbox.Security)),
		Folder:             c.Mailbox.Folder,
		InsecureSkipVerify: c.Mailbox.InsecureSkipVerify,
	}
}

func (c *Config) TelegramConfig() domain.TelegramConfig {
	return domain.TelegramConfig{
		BotToken:            c.Telegram.BotToken,
		ChatID:              c.Telegram.ChatID,
		ThreadID:            c.Telegram.ThreadID,
		APIURL:              c.Telegram.APIURL,
		DisableNotification: c.Telegram.DisableNotification,
	}
}

func (c *Config) TemplateConfig() (domain.TemplateConfig, error) {
	tmpl := domain.TemplateConfig{
		Text:       c.Template.Text,
		TimeFormat: c.Template.TimeFormat,
		MaxBody:    c.Template.MaxBody,
	}

	if len(c.Template.Timezone) > 0 {
		location, err := time.LoadLocation(c.Template.Timezone)
		if err != nil {
			return tmpl, &domain.ConfigError{Field: "timezone", Reason: err.Error()}
		}
		tmpl.Location = location
	}

	if _, err := render.Parse(tmpl); err != nil {
		return tmpl, err
	}
	return tmpl, nil
}

func (c *Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:   c.Retry.MaxAttempts,
		BackoffBase:   c.Retry.BackoffBase,
		BackoffMax:    c.Retry.BackoffMax,
		Timeout:       c.Retry.Timeout,
		RatePerSecond: c.Retry.RatePerSecond,
	}
}

// NotifierConfig returns the pipeline options. The spam filter and metrics
// are added by the caller.
func (c *Config) NotifierConfig() []notifier.ConfigFunc {
	configs := []notifier.ConfigFunc{
		notifier.QueueDepth(c.Pipeline.QueueDepth),
		notifier.ReconnectBackoff(c.Pipeline.ReconnectMin, c.Pipeline.ReconnectMax),
	}
	if c.Pipeline.DryRun {
		configs = append(configs, notifier.DryRun())
	}
	return configs
}
