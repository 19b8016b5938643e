package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herd/internal/herderr"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, HerdDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, HerdDir, "herd.yaml"), []byte(body), 0644))
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Backend)
	assert.Equal(t, "Done", cfg.DoneStatus)
	assert.Equal(t, 3, cfg.MaxParallelAgents)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 50, cfg.MaxIterations)
	assert.Equal(t, 30*time.Minute, cfg.AgentTimeout)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, 30*time.Second, cfg.VerificationTimeout)
	assert.Equal(t, "claude", cfg.AgentCommand)
	assert.Equal(t, "herd/", cfg.BranchPrefix)
	assert.Equal(t, filepath.Join(dir, HerdDir), cfg.BaseDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	writeConfig(t, `
backend: jira
done_status: Closed
max_parallel_agents: 5
agent_timeout: 10m
jira:
  base_url: https://example.atlassian.net
  email: dev@example.com
  api_token: secret
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "jira", cfg.Backend)
	assert.Equal(t, "Closed", cfg.DoneStatus)
	assert.Equal(t, 5, cfg.MaxParallelAgents)
	assert.Equal(t, 10*time.Minute, cfg.AgentTimeout)
	assert.Equal(t, "https://example.atlassian.net", cfg.Jira.BaseURL)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesFile(t *testing.T) {
	writeConfig(t, "max_retries: 1\n")
	t.Setenv("HERD_MAX_RETRIES", "4")
	t.Setenv("HERD_JIRA_API_TOKEN", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, "from-env", cfg.Jira.APIToken)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	writeConfig(t, "backend: [unclosed\n")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, herderr.HasCode(err, herderr.CodeConfigInvalid))
}

func TestValidateUnknownBackend(t *testing.T) {
	cfg := validLocal()
	cfg.Backend = "bugzilla"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, herderr.HasCode(err, herderr.CodeConfigInvalid))
}

func TestValidateMissingCredentials(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"jira token", func(c *Config) {
			c.Backend = "jira"
			c.Jira = JiraConfig{BaseURL: "https://x", Email: "a@b", IdentifierPattern: `^[A-Z]+-[0-9]+$`}
		}},
		{"github repo", func(c *Config) {
			c.Backend = "github"
			c.GitHub = GitHubConfig{Token: "t", Owner: "o", IdentifierPattern: `^GH-[0-9]+$`}
		}},
		{"gitlab project", func(c *Config) {
			c.Backend = "gitlab"
			c.GitLab = GitLabConfig{Token: "t", IdentifierPattern: `^GL-[0-9]+$`}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validLocal()
			tc.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, herderr.HasCode(err, herderr.CodeConfigMissing))
		})
	}
}

func TestValidateBrokenPattern(t *testing.T) {
	cfg := validLocal()
	cfg.Local.IdentifierPattern = "([unbalanced"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, herderr.HasCode(err, herderr.CodeConfigInvalid))
}

func TestValidateExecutionBounds(t *testing.T) {
	cfg := validLocal()
	cfg.MaxParallelAgents = 0
	assert.Error(t, cfg.Validate())

	cfg = validLocal()
	cfg.MaxRetries = -1
	assert.Error(t, cfg.Validate())

	cfg = validLocal()
	cfg.MaxIterations = 0
	assert.Error(t, cfg.Validate())

	cfg = validLocal()
	cfg.AgentCommand = ""
	assert.Error(t, cfg.Validate())
}

func TestIdentifierPatternFollowsBackend(t *testing.T) {
	cfg := validLocal()
	assert.True(t, cfg.IdentifierPattern().MatchString("LOC-42"))
	assert.False(t, cfg.IdentifierPattern().MatchString("X-42"))

	cfg.Backend = "jira"
	cfg.Jira = JiraConfig{BaseURL: "https://x", Email: "a@b", APIToken: "t", IdentifierPattern: `^[A-Z]+-[0-9]+$`}
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IdentifierPattern().MatchString("PROJ-7"))
}

func validLocal() *Config {
	return &Config{
		Backend:           "local",
		DoneStatus:        "Done",
		MaxParallelAgents: 3,
		MaxRetries:        2,
		MaxIterations:     50,
		AgentCommand:      "claude",
		Local:             LocalConfig{IdentifierPattern: `^LOC-[0-9]+$`},
	}
}
