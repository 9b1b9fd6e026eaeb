package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the named file, or from the default search
// paths ($HOME, then the working directory) when path is empty. Environment
// variables prefixed ASTRBOOK_ override file values (ASTRBOOK_TOKEN, ...).
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("astrbook")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("ASTRBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("api_base", def.APIBase)
	v.SetDefault("ws_url", def.WSURL)
	v.SetDefault("auto_browse", def.AutoBrowse)
	v.SetDefault("browse_interval", def.BrowseInterval)
	v.SetDefault("auto_reply_mentions", def.AutoReplyMentions)
	v.SetDefault("max_memory_items", def.MaxMemoryItems)
	v.SetDefault("reply_probability", def.ReplyProbability)
	v.SetDefault("session_prefix", def.SessionPrefix)

	// AutomaticEnv only resolves keys viper already knows about, so every
	// key needs an explicit binding for the env override to reach Unmarshal.
	for _, key := range []string{
		"api_base", "ws_url", "token", "auto_browse", "browse_interval",
		"browse_cron", "auto_reply_mentions", "max_memory_items",
		"reply_probability", "custom_prompt", "data_dir", "session_prefix",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; env vars and defaults still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}
