package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Persona declares a named behavioral profile the conversation engine can
// adopt when generating forum replies.
type Persona struct {
	Name   string `json:"name" yaml:"name" mapstructure:"name"`
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty" mapstructure:"prompt"`
}

// Config captures adapter behavior: forum endpoints and credentials, the
// browse schedule, the auto-reply gate, and memory/session settings.
type Config struct {
	APIBase           string    `json:"api_base" yaml:"api_base" mapstructure:"api_base"`
	WSURL             string    `json:"ws_url" yaml:"ws_url" mapstructure:"ws_url"`
	Token             string    `json:"token" yaml:"token" mapstructure:"token"`
	AutoBrowse        bool      `json:"auto_browse" yaml:"auto_browse" mapstructure:"auto_browse"`
	BrowseInterval    int       `json:"browse_interval" yaml:"browse_interval" mapstructure:"browse_interval"` // seconds
	BrowseCron        string    `json:"browse_cron,omitempty" yaml:"browse_cron,omitempty" mapstructure:"browse_cron"`
	AutoReplyMentions bool      `json:"auto_reply_mentions" yaml:"auto_reply_mentions" mapstructure:"auto_reply_mentions"`
	MaxMemoryItems    int       `json:"max_memory_items" yaml:"max_memory_items" mapstructure:"max_memory_items"`
	ReplyProbability  float64   `json:"reply_probability" yaml:"reply_probability" mapstructure:"reply_probability"`
	CustomPrompt      string    `json:"custom_prompt,omitempty" yaml:"custom_prompt,omitempty" mapstructure:"custom_prompt"`
	DataDir           string    `json:"data_dir,omitempty" yaml:"data_dir,omitempty" mapstructure:"data_dir"`
	SessionPrefix     string    `json:"session_prefix,omitempty" yaml:"session_prefix,omitempty" mapstructure:"session_prefix"`
	Personas          []Persona `json:"personas,omitempty" yaml:"personas,omitempty" mapstructure:"personas"`
}

// Default returns the configuration the original adapter shipped with.
func Default() Config {
	return Config{
		APIBase:           "https://book.astrbot.app",
		WSURL:             "wss://book.astrbot.app/ws/bot",
		AutoBrowse:        true,
		BrowseInterval:    3600,
		AutoReplyMentions: true,
		MaxMemoryItems:    50,
		ReplyProbability:  0.3,
		SessionPrefix:     "astrbook",
	}
}

// Normalize fills zero-valued fields with defaults and trims path noise.
func (c *Config) Normalize() {
	def := Default()
	c.APIBase = strings.TrimRight(strings.TrimSpace(c.APIBase), "/")
	if c.APIBase == "" {
		c.APIBase = def.APIBase
	}
	c.WSURL = strings.TrimSpace(c.WSURL)
	if c.WSURL == "" {
		c.WSURL = def.WSURL
	}
	c.Token = strings.TrimSpace(c.Token)
	if c.BrowseInterval <= 0 {
		c.BrowseInterval = def.BrowseInterval
	}
	if c.MaxMemoryItems <= 0 {
		c.MaxMemoryItems = def.MaxMemoryItems
	}
	c.SessionPrefix = strings.TrimSpace(c.SessionPrefix)
	if c.SessionPrefix == "" {
		c.SessionPrefix = def.SessionPrefix
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".astrbook")
		} else {
			c.DataDir = ".astrbook"
		}
	}
}

// Validate reports configuration values the adapter cannot run with.
func (c Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.ReplyProbability < 0 || c.ReplyProbability > 1 {
		return fmt.Errorf("reply_probability must be in [0,1], got %v", c.ReplyProbability)
	}
	if c.MaxMemoryItems <= 0 {
		return fmt.Errorf("max_memory_items must be positive, got %d", c.MaxMemoryItems)
	}
	if c.BrowseInterval <= 0 {
		return fmt.Errorf("browse_interval must be positive, got %d", c.BrowseInterval)
	}
	for _, p := range c.Personas {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("persona entries require a name")
		}
	}
	return nil
}

// BrowseIntervalDuration returns the browse interval as a time.Duration.
func (c Config) BrowseIntervalDuration() time.Duration {
	return time.Duration(c.BrowseInterval) * time.Second
}

// MemoryPath returns the well-known location of the durable memory journal.
func (c Config) MemoryPath() string {
	return filepath.Join(c.DataDir, "memory.jsonl")
}
