package cfg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleConfig = `
http_server_listen_addr = ":8084"
github_webhook_endpoint = "/listener/github"
github_webhook_secret = "hush"
github_api_token = "token"
log_format = "logfmt"
log_level = "debug"

[bot]
login = "fp-bot"
name = "forwardport bot"
email = "bot@example.com"

[sweeps]
reminder_interval = "30m"

[[branch]]
name = "saas-17.1"
active = true

[[branch]]
name = "saas-17.2"
active = false

[[repository]]
name = "corp/app"
fp_remote_target = "fp-bot/app"
upstream_remote = "upstream"
fork_remote = "fork"
git_dir = "/var/lib/forwardporter/app"
`

func TestLoad(t *testing.T) {
	config, err := Load(strings.NewReader(exampleConfig))
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, ":8084", config.HTTPListenAddr)
	assert.Equal(t, "/listener/github", config.HTTPGithubWebhookEndpoint)
	assert.Equal(t, "hush", config.GithubWebHookSecret)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "fp-bot", config.Bot.Login)
	assert.Equal(t, "bot@example.com", config.Bot.Email)

	require.Len(t, config.Branches, 2)
	assert.Equal(t, "saas-17.1", config.Branches[0].Name)
	assert.True(t, config.Branches[0].Active)
	assert.False(t, config.Branches[1].Active)

	require.Len(t, config.Repositories, 1)
	repo := config.Repositories[0]
	assert.Equal(t, "corp/app", repo.Name)
	assert.Equal(t, "fp-bot/app", repo.FPRemoteTarget)
	assert.Equal(t, "/var/lib/forwardporter/app", repo.GitDir)

	assert.Equal(t, 30*time.Minute, config.ReminderInterval())
	assert.Equal(t, defBranchGCInterval, config.BranchGCInterval())
}

func TestValidate(t *testing.T) {
	load := func(t *testing.T, mutate func(*Config)) error {
		t.Helper()

		config, err := Load(strings.NewReader(exampleConfig))
		require.NoError(t, err)
		mutate(config)

		return config.Validate()
	}

	t.Run("missing bot identity", func(t *testing.T) {
		err := load(t, func(c *Config) { c.Bot.Email = "" })
		require.ErrorContains(t, err, "bot.name and bot.email")
	})

	t.Run("no branches", func(t *testing.T) {
		err := load(t, func(c *Config) { c.Branches = nil })
		require.ErrorContains(t, err, "branch")
	})

	t.Run("duplicate branch", func(t *testing.T) {
		err := load(t, func(c *Config) {
			c.Branches = append(c.Branches, &Branch{Name: "saas-17.1", Active: true})
		})
		require.ErrorContains(t, err, "more than once")
	})

	t.Run("repository name without owner", func(t *testing.T) {
		err := load(t, func(c *Config) { c.Repositories[0].Name = "app" })
		require.ErrorContains(t, err, "owner/repository")
	})

	t.Run("missing git dir", func(t *testing.T) {
		err := load(t, func(c *Config) { c.Repositories[0].GitDir = "" })
		require.ErrorContains(t, err, "git_dir")
	})

	t.Run("invalid sweep interval", func(t *testing.T) {
		err := load(t, func(c *Config) { c.Sweeps.ReminderInterval = "often" })
		require.ErrorContains(t, err, "reminder_interval")
	})

	t.Run("negative sweep interval", func(t *testing.T) {
		err := load(t, func(c *Config) { c.Sweeps.BranchGCInterval = "-1h" })
		require.ErrorContains(t, err, "positive")
	})
}
