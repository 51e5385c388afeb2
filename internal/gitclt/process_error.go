package gitclt

import (
	"fmt"
	"strings"
)

// ProcessError is returned when a git subprocess exits with a non-zero
// status that is not an expected business outcome.
type ProcessError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ProcessError) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "git %s exited with code %d",
		strings.Join(e.Args, " "), e.ExitCode)

	if out := strings.TrimSpace(e.Stdout); out != "" {
		fmt.Fprintf(&sb, "\nstdout: %s", out)
	}
	if errOut := strings.TrimSpace(e.Stderr); errOut != "" {
		fmt.Fprintf(&sb, "\nstderr: %s", errOut)
	}

	return sb.String()
}
