// Package config provides configuration loading for the polarctl CLI.
//
// Settings come from an optional .polarion.yaml file in the working
// directory or in the home directory, overridden by POLARION_*
// environment variables. Command line flags take precedence over both.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the polarctl configuration.
type Config struct {
	// URL is the base URL of the Polarion web service.
	URL string `mapstructure:"url"`

	// Project is the default project id, used when --polarion-project
	// is not given.
	Project string `mapstructure:"project"`

	// User and Token authenticate the live session.
	User  string `mapstructure:"user"`
	Token string `mapstructure:"token"`

	// Insecure skips TLS certificate verification.
	Insecure bool `mapstructure:"insecure"`

	// Timeout bounds every web service request.
	Timeout time.Duration `mapstructure:"timeout"`

	// Retry holds the query and record retry schedule.
	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig holds the retry schedule for work item queries and
// record writes.
type RetryConfig struct {
	QueryAttempts  int           `mapstructure:"queryAttempts"`
	QueryDelay     time.Duration `mapstructure:"queryDelay"`
	RecordAttempts int           `mapstructure:"recordAttempts"`
	RecordDelay    time.Duration `mapstructure:"recordDelay"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
		Retry: RetryConfig{
			QueryAttempts:  5,
			QueryDelay:     300 * time.Millisecond,
			RecordAttempts: 3,
			RecordDelay:    500 * time.Millisecond,
		},
	}
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations, working directory first
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(".polarion")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("POLARION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// ValidateLive checks that everything a live Polarion session needs is
// present. Database mode needs none of it.
func (c *Config) ValidateLive() error {
	if c.URL == "" {
		return errors.New("polarion url is not set")
	}
	if c.Project == "" {
		return errors.New("polarion project name is not set")
	}
	if c.User == "" {
		return errors.New("polarion user is not set")
	}
	if c.Token == "" {
		return errors.New("polarion token is not set")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("url", "")
	v.SetDefault("project", "")
	v.SetDefault("user", "")
	v.SetDefault("token", "")
	v.SetDefault("insecure", false)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("retry.queryAttempts", 5)
	v.SetDefault("retry.queryDelay", 300*time.Millisecond)
	v.SetDefault("retry.recordAttempts", 3)
	v.SetDefault("retry.recordDelay", 500*time.Millisecond)
}
