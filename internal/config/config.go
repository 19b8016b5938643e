// Package config provides configuration management for herd.
package config

import (
	"errors"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/herdctl/herd/internal/herderr"
)

const (
	// ConfigFileName is the config file name without extension.
	ConfigFileName = "herd"
	// HerdDir is the herd configuration directory.
	HerdDir = ".herd"
	// EnvPrefix namespaces the environment overrides (HERD_BACKEND, ...).
	EnvPrefix = "HERD"
)

// JiraConfig holds Jira backend settings.
type JiraConfig struct {
	BaseURL           string `mapstructure:"base_url" yaml:"base_url"`
	Email             string `mapstructure:"email" yaml:"email"`
	APIToken          string `mapstructure:"api_token" yaml:"api_token"`
	IdentifierPattern string `mapstructure:"identifier_pattern" yaml:"identifier_pattern"`
}

// GitHubConfig holds GitHub backend settings.
type GitHubConfig struct {
	Token             string `mapstructure:"token" yaml:"token"`
	Owner             string `mapstructure:"owner" yaml:"owner"`
	Repo              string `mapstructure:"repo" yaml:"repo"`
	IdentifierPattern string `mapstructure:"identifier_pattern" yaml:"identifier_pattern"`
}

// GitLabConfig holds GitLab backend settings.
type GitLabConfig struct {
	Token             string `mapstructure:"token" yaml:"token"`
	BaseURL           string `mapstructure:"base_url" yaml:"base_url"`
	ProjectID         int    `mapstructure:"project_id" yaml:"project_id"`
	IdentifierPattern string `mapstructure:"identifier_pattern" yaml:"identifier_pattern"`
}

// LocalConfig holds local (SQLite) backend settings.
type LocalConfig struct {
	DBPath            string `mapstructure:"db_path" yaml:"db_path"`
	IdentifierPattern string `mapstructure:"identifier_pattern" yaml:"identifier_pattern"`
}

// Config represents the herd configuration.
type Config struct {
	// Backend selects the tracker: jira, github, gitlab or local.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// DoneStatus is the tracker status pushed on verified completion.
	DoneStatus string `mapstructure:"done_status" yaml:"done_status"`

	// Execution settings.
	MaxParallelAgents   int           `mapstructure:"max_parallel_agents" yaml:"max_parallel_agents"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxIterations       int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	AgentTimeout        time.Duration `mapstructure:"agent_timeout" yaml:"agent_timeout"`
	LockTimeout         time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	VerificationTimeout time.Duration `mapstructure:"verification_timeout" yaml:"verification_timeout"`

	// Agent settings.
	AgentCommand string `mapstructure:"agent_command" yaml:"agent_command"`
	AgentSkill   string `mapstructure:"agent_skill" yaml:"agent_skill"`

	// Git settings.
	RepoPath     string `mapstructure:"repo_path" yaml:"repo_path"`
	BranchPrefix string `mapstructure:"branch_prefix" yaml:"branch_prefix"`

	// BaseDir is the per-host state directory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`

	Jira   JiraConfig   `mapstructure:"jira" yaml:"jira"`
	GitHub GitHubConfig `mapstructure:"github" yaml:"github"`
	GitLab GitLabConfig `mapstructure:"gitlab" yaml:"gitlab"`
	Local  LocalConfig  `mapstructure:"local" yaml:"local"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", "local")
	v.SetDefault("done_status", "Done")
	v.SetDefault("max_parallel_agents", 3)
	v.SetDefault("max_retries", 2)
	v.SetDefault("max_iterations", 50)
	v.SetDefault("agent_timeout", "30m")
	v.SetDefault("lock_timeout", "30s")
	v.SetDefault("verification_timeout", "30s")
	v.SetDefault("agent_command", "claude")
	v.SetDefault("agent_skill", "")
	v.SetDefault("repo_path", ".")
	v.SetDefault("branch_prefix", "herd/")
	v.SetDefault("jira.identifier_pattern", `^[A-Z]+-[0-9]+$`)
	v.SetDefault("github.identifier_pattern", `^GH-[0-9]+$`)
	v.SetDefault("gitlab.identifier_pattern", `^GL-[0-9]+$`)
	v.SetDefault("local.identifier_pattern", `^LOC-[0-9]+$`)

	// Credential keys need defaults so environment-only values survive
	// Unmarshal.
	for _, key := range []string{
		"base_dir",
		"jira.base_url", "jira.email", "jira.api_token",
		"github.token", "github.owner", "github.repo",
		"gitlab.token", "gitlab.base_url",
		"local.db_path",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("gitlab.project_id", 0)
}

// Load reads configuration from ./.herd/herd.yaml, then $HOME/.herd/,
// then HERD_* environment overrides, then defaults. A missing file is
// fine; a malformed one is not.
func Load() (*Config, error) {
	return load("")
}

// LoadFile reads configuration from an explicit file instead of the
// search paths. The file must exist.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(HerdDir)
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/" + HerdDir)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, herderr.ErrConfigInvalid("herd.yaml", err.Error())
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, herderr.ErrConfigInvalid("herd.yaml", err.Error())
	}

	if cfg.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, herderr.ErrConfigInvalid("base_dir", "cannot resolve home directory: "+err.Error())
		}
		cfg.BaseDir = home + "/" + HerdDir
	}
	return cfg, nil
}

// IdentifierPattern returns the compiled identifier regex for the
// selected backend. Call Validate first.
func (c *Config) IdentifierPattern() *regexp.Regexp {
	return regexp.MustCompile(c.rawPattern())
}

func (c *Config) rawPattern() string {
	switch c.Backend {
	case "jira":
		return c.Jira.IdentifierPattern
	case "github":
		return c.GitHub.IdentifierPattern
	case "gitlab":
		return c.GitLab.IdentifierPattern
	default:
		return c.Local.IdentifierPattern
	}
}

// Validate checks the configuration for startup-fatal problems:
// unknown backend, broken identifier regex, missing credentials.
func (c *Config) Validate() error {
	switch c.Backend {
	case "jira", "github", "gitlab", "local":
	default:
		return herderr.ErrConfigInvalid("backend",
			"must be one of jira, github, gitlab, local; got "+c.Backend)
	}

	if c.MaxParallelAgents < 1 {
		return herderr.ErrConfigInvalid("max_parallel_agents", "must be at least 1")
	}
	if c.MaxRetries < 0 {
		return herderr.ErrConfigInvalid("max_retries", "must not be negative")
	}
	if c.MaxIterations < 1 {
		return herderr.ErrConfigInvalid("max_iterations", "must be at least 1")
	}
	if c.AgentCommand == "" {
		return herderr.ErrConfigMissing("agent_command")
	}

	if _, err := regexp.Compile(c.rawPattern()); err != nil {
		return herderr.ErrConfigInvalid("identifier_pattern", err.Error())
	}

	switch c.Backend {
	case "jira":
		if c.Jira.BaseURL == "" {
			return herderr.ErrConfigMissing("jira.base_url")
		}
		if c.Jira.Email == "" {
			return herderr.ErrConfigMissing("jira.email")
		}
		if c.Jira.APIToken == "" {
			return herderr.ErrConfigMissing("jira.api_token")
		}
	case "github":
		if c.GitHub.Token == "" {
			return herderr.ErrConfigMissing("github.token")
		}
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return herderr.ErrConfigMissing("github.owner/github.repo")
		}
	case "gitlab":
		if c.GitLab.Token == "" {
			return herderr.ErrConfigMissing("gitlab.token")
		}
		if c.GitLab.ProjectID == 0 {
			return herderr.ErrConfigMissing("gitlab.project_id")
		}
	}
	return nil
}
