package porter

import (
	"fmt"
	"strings"

	"github.com/simplesurance/forwardporter/internal/githubclt"
)

// ConflictError is the expected business-level outcome of a cherry-pick that
// could not be applied cleanly.
// It carries every commit attempted so far, oldest first, for the
// construction of the conflict commit.
type ConflictError struct {
	// FailedSHA is the id of the commit that could not be applied.
	FailedSHA string
	Stdout    string
	Stderr    string
	// Commits are the commits attempted up to and including the failed
	// one, oldest first.
	Commits []*githubclt.Commit
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cherry-pick of %s failed", e.FailedSHA)
}

// ConfigurationError reports an unsupported branch sequence change.
// It is fatal, surfaced to operators and never retried automatically.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid branch sequence change: %s", e.Reason)
}

// cleanRenameNoise filters the "inexact rename detection" progress spam out
// of git output, there is no way to silence those messages.
func cleanRenameNoise(s string) string {
	lines := strings.Split(s, "\n")
	result := lines[:0]

	for _, line := range lines {
		if strings.HasPrefix(line, "Performing inexact rename detection") {
			continue
		}
		result = append(result, line)
	}

	return strings.Join(result, "\n")
}
