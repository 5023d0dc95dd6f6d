// Package config loads and validates the lineardo account configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/lineardo/internal/statemap"
)

// EnvAPIKey is the environment variable consulted when an account omits its
// token in the config file.
const EnvAPIKey = "LINEAR_API_KEY"

const (
	defaultInterval = time.Minute
	minInterval     = 5 * time.Second
)

// Account configures one Linear workspace and its synchronized teams.
type Account struct {
	Name     string                `yaml:"name"`
	APIToken string                `yaml:"api_token"`
	Interval time.Duration         `yaml:"interval"`
	Teams    []statemap.TeamConfig `yaml:"teams"`
}

// Config is the root configuration document.
type Config struct {
	LogLevel string    `yaml:"log_level"`
	LogFile  string    `yaml:"log_file"`
	Database string    `yaml:"database"`
	TodoDir  string    `yaml:"todo_dir"`
	Accounts []Account `yaml:"accounts"`
}

// Load reads, parses, and validates a config file. Accounts without an
// api_token fall back to the LINEAR_API_KEY environment variable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Database == "" || c.TodoDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		if c.Database == "" {
			c.Database = filepath.Join(homeDir, ".cache", "lineardo", "lineardo.db")
		}
		if c.TodoDir == "" {
			c.TodoDir = filepath.Join(homeDir, ".local", "share", "lineardo")
		}
	}
	for i := range c.Accounts {
		if c.Accounts[i].APIToken == "" {
			c.Accounts[i].APIToken = os.Getenv(EnvAPIKey)
		}
		if c.Accounts[i].Interval == 0 {
			c.Accounts[i].Interval = defaultInterval
		}
	}
	return nil
}

// Validate checks the whole document: account identity and tokens, polling
// intervals, and every team's state-partition invariant.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config: at least one account is required")
	}

	seenAccounts := map[string]bool{}
	for _, acct := range c.Accounts {
		if acct.Name == "" {
			return fmt.Errorf("config: account missing name")
		}
		if seenAccounts[acct.Name] {
			return fmt.Errorf("config: duplicate account name %q", acct.Name)
		}
		seenAccounts[acct.Name] = true

		if acct.APIToken == "" {
			return fmt.Errorf("account %s: missing api_token (set it in the config or via %s)", acct.Name, EnvAPIKey)
		}
		if acct.Interval < minInterval {
			return fmt.Errorf("account %s: interval %s is below the minimum %s", acct.Name, acct.Interval, minInterval)
		}
		if len(acct.Teams) == 0 {
			return fmt.Errorf("account %s: at least one team is required", acct.Name)
		}

		seenIDs := map[string]bool{}
		seenKeys := map[string]bool{}
		for _, team := range acct.Teams {
			if err := team.Validate(); err != nil {
				return fmt.Errorf("account %s: %w", acct.Name, err)
			}
			if seenIDs[team.ID] {
				return fmt.Errorf("account %s: duplicate team id %q", acct.Name, team.ID)
			}
			seenIDs[team.ID] = true
			if team.Key != "" {
				if seenKeys[team.Key] {
					return fmt.Errorf("account %s: duplicate team key %q", acct.Name, team.Key)
				}
				seenKeys[team.Key] = true
			}
		}
	}
	return nil
}

// Account returns the named account, or the only account when name is empty.
func (c *Config) Account(name string) (*Account, error) {
	if name == "" {
		if len(c.Accounts) == 1 {
			return &c.Accounts[0], nil
		}
		return nil, fmt.Errorf("multiple accounts configured, specify one with --account")
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("unknown account %q", name)
}

// Team returns an account's team config by team id.
func (a *Account) Team(teamID string) (statemap.TeamConfig, bool) {
	for _, t := range a.Teams {
		if t.ID == teamID {
			return t, true
		}
	}
	return statemap.TeamConfig{}, false
}

// TeamByKey returns an account's team config by its human key.
func (a *Account) TeamByKey(key string) (statemap.TeamConfig, bool) {
	for _, t := range a.Teams {
		if t.Key == key {
			return t, true
		}
	}
	return statemap.TeamConfig{}, false
}
