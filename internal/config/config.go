// Package config handles Concierge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/concierge/config.yaml, /etc/concierge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "concierge", "config.yaml"))
	}

	paths = append(paths, "/etc/concierge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Concierge configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	Provider  ProviderConfig `yaml:"provider"`
	Session   SessionConfig  `yaml:"session"`
	Agent     AgentConfig    `yaml:"agent"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Calendar  CalendarConfig `yaml:"calendar"`
	SMTP      SMTPConfig     `yaml:"smtp"`
	Business  BusinessConfig `yaml:"business"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	LogLevel  string         `yaml:"log_level"`
}

// ListenConfig defines the HTTP listen address.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ProviderConfig defines the language-model provider connection.
// Any OpenAI-compatible chat completions endpoint works.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// SessionConfig bounds session lifetime and per-origin minting.
type SessionConfig struct {
	// TTLHours is the session lifetime from creation. Default 24.
	TTLHours int `yaml:"ttl_hours"`
	// MessagesPerSession is the message quota per session. Default 25.
	MessagesPerSession int `yaml:"messages_per_session"`
	// SessionsPerOriginPerDay caps session creation per client IP. Default 10.
	SessionsPerOriginPerDay int `yaml:"sessions_per_origin_per_day"`
	// SweepMinutes is the eviction sweep interval. Default 15.
	SweepMinutes int `yaml:"sweep_minutes"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	// MaxIterations caps model calls per exchange. Default 5.
	MaxIterations int `yaml:"max_iterations"`
	// MaxTurns caps retained transcript length per conversation. Default 40.
	MaxTurns int `yaml:"max_turns"`
	// SystemPromptFile points at a text file with the system instruction.
	// If empty, a built-in prompt is used.
	SystemPromptFile string `yaml:"system_prompt_file"`
}

// KnowledgeConfig defines the knowledge base source directory.
type KnowledgeConfig struct {
	// Dir contains .md and .html documents to index at startup.
	// If empty, the knowledge search tool is not registered.
	Dir string `yaml:"dir"`
	// ExcerptChars bounds excerpt length returned to the model. Default 600.
	ExcerptChars int `yaml:"excerpt_chars"`
}

// CalendarConfig defines the CalDAV availability source.
type CalendarConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// CalendarPath is the collection path on the CalDAV server.
	CalendarPath string `yaml:"calendar_path"`
	// Timezone is an IANA zone name for rendering slots. Default "Local".
	Timezone string `yaml:"timezone"`
	// OpenHour and CloseHour bound the business day (24h clock).
	OpenHour  int `yaml:"open_hour"`
	CloseHour int `yaml:"close_hour"`
	// SlotMinutes is the minimum bookable slot length. Default 30.
	SlotMinutes int `yaml:"slot_minutes"`
}

// SMTPConfig defines the outbound mail relay for booking dispatch.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS selects STARTTLS (port 587) over implicit TLS (port 465).
	StartTLS bool `yaml:"starttls"`
	// From is the sender address for dispatched mail.
	From string `yaml:"from"`
	// BookingsTo receives booking requests raised by the assistant.
	BookingsTo string `yaml:"bookings_to"`
}

// BusinessConfig describes the business the assistant fronts.
type BusinessConfig struct {
	Name       string `yaml:"name"`
	Email      string `yaml:"email"`
	Phone      string `yaml:"phone"`
	Website    string `yaml:"website"`
	Address    string `yaml:"address"`
	BookingURL string `yaml:"booking_url"`
}

// MQTTConfig defines the optional ops notifier.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix is prepended to all published topics. Default "concierge".
	TopicPrefix string `yaml:"topic_prefix"`
	// PublishIntervalSec is the stats publish cadence. Default 60.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Load reads and parses the config file at path, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8600
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.openai.com"
	}
	if c.Session.TTLHours == 0 {
		c.Session.TTLHours = 24
	}
	if c.Session.MessagesPerSession == 0 {
		c.Session.MessagesPerSession = 25
	}
	if c.Session.SessionsPerOriginPerDay == 0 {
		c.Session.SessionsPerOriginPerDay = 10
	}
	if c.Session.SweepMinutes == 0 {
		c.Session.SweepMinutes = 15
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 5
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = 40
	}
	if c.Knowledge.ExcerptChars == 0 {
		c.Knowledge.ExcerptChars = 600
	}
	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = "Local"
	}
	if c.Calendar.OpenHour == 0 {
		c.Calendar.OpenHour = 9
	}
	if c.Calendar.CloseHour == 0 {
		c.Calendar.CloseHour = 17
	}
	if c.Calendar.SlotMinutes == 0 {
		c.Calendar.SlotMinutes = 30
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
		c.SMTP.StartTLS = true
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "concierge"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

func (c *Config) validate() error {
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	if c.Calendar.Enabled && c.Calendar.Endpoint == "" {
		return fmt.Errorf("calendar.endpoint is required when calendar is enabled")
	}
	if c.Calendar.CloseHour <= c.Calendar.OpenHour {
		return fmt.Errorf("calendar.close_hour must be after calendar.open_hour")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// SessionTTL returns the configured session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLHours) * time.Hour
}
