// Package cfg loads and validates the TOML configuration file of the
// forwardporter daemon.
package cfg

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	GithubWebHookSecret       string `toml:"github_webhook_secret"`
	GithubAPIToken            string `toml:"github_api_token"`
	LogFormat                 string `toml:"log_format"`
	LogTimeKey                string `toml:"log_time_key"`
	LogLevel                  string `toml:"log_level"`

	Bot          Bot                 `toml:"bot"`
	Sweeps       Sweeps              `toml:"sweeps"`
	Branches     []*Branch           `toml:"branch"`
	Repositories []*GithubRepository `toml:"repository"`
}

// Bot is the identity used for conflict commits and for recognizing the
// daemon's own pushes and pull requests.
type Bot struct {
	Login string `toml:"login"`
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

// Sweeps configures the periodic background jobs.
// Durations are strings in time.ParseDuration notation, empty values use the
// defaults.
type Sweeps struct {
	ReminderInterval string `toml:"reminder_interval"`
	BranchGCInterval string `toml:"branch_gc_interval"`
}

// Branch is one entry of the ordered branch sequence, oldest branch first.
type Branch struct {
	Name   string `toml:"name"`
	Active bool   `toml:"active"`
}

type GithubRepository struct {
	// Name is the full upstream repository name ("owner/repository").
	Name string `toml:"name"`
	// FPRemoteTarget is the full name of the fork that port branches are
	// pushed to.
	FPRemoteTarget string `toml:"fp_remote_target"`
	// UpstreamRemote and ForkRemote are git remote names or URLs, used in
	// the local clone at GitDir.
	UpstreamRemote string `toml:"upstream_remote"`
	ForkRemote     string `toml:"fork_remote"`
	GitDir         string `toml:"git_dir"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}

// Validate returns an error describing the first problem found in the
// configuration.
func (r *Config) Validate() error {
	if r.Bot.Name == "" || r.Bot.Email == "" {
		return errors.New("bot.name and bot.email must be set")
	}

	if len(r.Branches) == 0 {
		return errors.New("at least one branch must be configured")
	}

	seen := map[string]struct{}{}
	for _, b := range r.Branches {
		if b.Name == "" {
			return errors.New("branch without a name configured")
		}

		if _, exist := seen[b.Name]; exist {
			return fmt.Errorf("branch %q is configured more than once", b.Name)
		}
		seen[b.Name] = struct{}{}
	}

	if len(r.Repositories) == 0 {
		return errors.New("at least one repository must be configured")
	}

	for _, repo := range r.Repositories {
		if err := repo.validate(); err != nil {
			return err
		}
	}

	if _, err := r.Sweeps.reminderInterval(); err != nil {
		return err
	}
	if _, err := r.Sweeps.branchGCInterval(); err != nil {
		return err
	}

	return nil
}

func (g *GithubRepository) validate() error {
	if !strings.Contains(g.Name, "/") {
		return fmt.Errorf("repository name %q is not in owner/repository notation", g.Name)
	}

	if g.FPRemoteTarget != "" && !strings.Contains(g.FPRemoteTarget, "/") {
		return fmt.Errorf("repository %q: fp_remote_target %q is not in owner/repository notation",
			g.Name, g.FPRemoteTarget)
	}

	if g.GitDir == "" {
		return fmt.Errorf("repository %q: git_dir must be set", g.Name)
	}

	if g.UpstreamRemote == "" || g.ForkRemote == "" {
		return fmt.Errorf("repository %q: upstream_remote and fork_remote must be set", g.Name)
	}

	return nil
}

const (
	defReminderInterval = time.Hour
	defBranchGCInterval = 24 * time.Hour
)

// ReminderInterval returns the configured reminder sweep interval or the
// default.
// Validate reported parse errors already, they surface as the default here.
func (r *Config) ReminderInterval() time.Duration {
	d, err := r.Sweeps.reminderInterval()
	if err != nil {
		return defReminderInterval
	}

	return d
}

// BranchGCInterval returns the configured branch deletion sweep interval or
// the default.
func (r *Config) BranchGCInterval() time.Duration {
	d, err := r.Sweeps.branchGCInterval()
	if err != nil {
		return defBranchGCInterval
	}

	return d
}

func (s *Sweeps) reminderInterval() (time.Duration, error) {
	return parseInterval("sweeps.reminder_interval", s.ReminderInterval, defReminderInterval)
}

func (s *Sweeps) branchGCInterval() (time.Duration, error) {
	return parseInterval("sweeps.branch_gc_interval", s.BranchGCInterval, defBranchGCInterval)
}

func parseInterval(key, val string, def time.Duration) (time.Duration, error) {
	if val == "" {
		return def, nil
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s: interval must be positive", key)
	}

	return d, nil
}
