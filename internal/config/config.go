package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChannelConfig holds the GPT settings for a single monitored channel. Zero
// values are filled in from the gpt.defaults block at load time.
type ChannelConfig struct {
	Model           string   `yaml:"model"`
	MaxTokens       int      `yaml:"max_tokens"`
	SendMessages    *bool    `yaml:"send_messages"`
	GenerateOn      int      `yaml:"generate_on"`
	CorpusThreshold int      `yaml:"corpus_threshold"`
	AllowMentions   *bool    `yaml:"allow_mentions"`
	IgnoredUsers    []string `yaml:"ignored_users"`
}

// Config holds the application's configuration.
type Config struct {
	Twitch struct {
		Username string                    `yaml:"username"`
		OAuth    string                    `yaml:"oauth"`
		Admins   []string                  `yaml:"admins"`
		Channels map[string]*ChannelConfig `yaml:"channels"`
	} `yaml:"twitch"`
	GPT struct {
		APIBase  string        `yaml:"api_base"`
		APIKey   string        `yaml:"api_key"`
		Defaults ChannelConfig `yaml:"defaults"`
	} `yaml:"gpt"`
	BlacklistFile string `yaml:"blacklist_file"`
	DataDir       string `yaml:"data_dir"`
	MigrationsDir string `yaml:"migrations_dir"`
	Trainer       struct {
		CheckIntervalSeconds int64 `yaml:"check_interval_seconds"`
		PollIntervalSeconds  int64 `yaml:"poll_interval_seconds"`
	} `yaml:"trainer"`
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
}

// LoadConfig reads configuration from the specified YAML file, merges the
// gpt.defaults block into every channel and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "messages"
	}
	if c.MigrationsDir == "" {
		c.MigrationsDir = "migrations"
	}
	if c.GPT.APIBase == "" {
		c.GPT.APIBase = "https://api.openai.com"
	}
	if c.Trainer.CheckIntervalSeconds <= 0 {
		c.Trainer.CheckIntervalSeconds = 60
	}
	if c.Trainer.PollIntervalSeconds <= 0 {
		c.Trainer.PollIntervalSeconds = 5
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}

	d := &c.GPT.Defaults
	if d.Model == "" {
		d.Model = "ada"
	}
	if d.MaxTokens <= 0 {
		d.MaxTokens = 50
	}
	if d.GenerateOn <= 0 {
		d.GenerateOn = 75
	}
	if d.CorpusThreshold <= 0 {
		d.CorpusThreshold = 1000
	}

	for name, ch := range c.Twitch.Channels {
		if ch == nil {
			ch = &ChannelConfig{}
			c.Twitch.Channels[name] = ch
		}
		if ch.Model == "" {
			ch.Model = d.Model
		}
		if ch.MaxTokens <= 0 {
			ch.MaxTokens = d.MaxTokens
		}
		if ch.SendMessages == nil {
			ch.SendMessages = d.SendMessages
		}
		if ch.GenerateOn <= 0 {
			ch.GenerateOn = d.GenerateOn
		}
		if ch.CorpusThreshold <= 0 {
			ch.CorpusThreshold = d.CorpusThreshold
		}
		if ch.AllowMentions == nil {
			ch.AllowMentions = d.AllowMentions
		}
		if len(ch.IgnoredUsers) == 0 {
			ch.IgnoredUsers = d.IgnoredUsers
		}
	}
}

func (c *Config) validate() error {
	if c.Twitch.Username == "" {
		return fmt.Errorf("twitch.username is required")
	}
	if c.Twitch.OAuth == "" {
		return fmt.Errorf("twitch.oauth is required")
	}
	if c.GPT.APIKey == "" {
		return fmt.Errorf("gpt.api_key is required")
	}
	if len(c.Twitch.Channels) == 0 {
		return fmt.Errorf("at least one channel must be configured under twitch.channels")
	}
	return nil
}

// SendEnabled reports whether generated messages should be published for the
// channel. Unset means enabled.
func (ch *ChannelConfig) SendEnabled() bool {
	return ch.SendMessages == nil || *ch.SendMessages
}

// MentionsAllowed reports whether @-mentions may be retained in stored
// messages. Unset means disallowed.
func (ch *ChannelConfig) MentionsAllowed() bool {
	return ch.AllowMentions != nil && *ch.AllowMentions
}
