// Package gitclt executes git plumbing commands in a local repository.
//
// All operations are synchronous and idempotent given identical inputs, they
// only write objects to the local object store.
// Non-zero git exits are reported as *ProcessError carrying the captured
// stdout and stderr, except for merge-tree conflicts which are part of the
// MergeTreeResult.
package gitclt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/forwardporter/internal/logfields"
)

const loggerName = "git_client"

// Signature identifies the author or committer of a commit.
// Date is in a format accepted by git (e.g. RFC 2822 or ISO 8601), it can be
// empty for committers.
type Signature struct {
	Name  string
	Email string
	Date  string
}

// Client runs git commands in the repository at Dir.
type Client struct {
	dir    string
	params []string
	env    []string
	logger *zap.Logger
}

func New(repoDir string) *Client {
	return &Client{
		dir:    repoDir,
		logger: zap.L().Named(loggerName),
	}
}

// WithParams returns a copy of the client that passes the given
// configuration parameters (-c key=val) to every git invocation.
func (c *Client) WithParams(params ...string) *Client {
	clone := *c
	clone.params = append(append([]string{}, c.params...), params...)
	return &clone
}

func (c *Client) withEnv(env ...string) *Client {
	clone := *c
	clone.env = append(append([]string{}, c.env...), env...)
	return &clone
}

func (c *Client) run(ctx context.Context, stdin string, args ...string) (stdout, stderr string, err error) {
	argv := make([]string, 0, 2*len(c.params)+len(args))
	for _, p := range c.params {
		argv = append(argv, "-c", p)
	}
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, "git", argv...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}

		return stdout, stderr, &ProcessError{
			Args:     argv,
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
		}
	}

	c.logger.Debug(
		"git command executed",
		logfields.Event("git_command_executed"),
		zap.Strings("git.args", argv),
	)

	return stdout, stderr, nil
}

// FetchHeads fetches ref from the remote and returns the fetched head commit
// ids.
// knownAncestor is passed as negotiation tip to cut down the transferred
// history, it can be empty.
func (c *Client) FetchHeads(ctx context.Context, remote, ref, knownAncestor string) ([]string, error) {
	args := []string{"fetch", "--no-tags"}
	if knownAncestor != "" {
		args = append(args, "--negotiation-tip="+knownAncestor)
	}
	args = append(args, remote, ref)

	if _, _, err := c.run(ctx, "", args...); err != nil {
		return nil, fmt.Errorf("fetching %q from %q failed: %w", ref, remote, err)
	}

	out, _, err := c.run(ctx, "", "rev-list", "--no-walk", "FETCH_HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolving FETCH_HEAD failed: %w", err)
	}

	return splitLines(out), nil
}

// MergeTreeResult is the outcome of a merge-tree operation.
type MergeTreeResult struct {
	// TreeID is the id of the resulting tree object.
	// On conflicts the tree contains inline conflict markers.
	TreeID string
	// Clean is false when the merge produced conflicts.
	Clean bool
	// InfoMessages contains the informational conflict messages of
	// merge-tree, it is empty for clean merges.
	InfoMessages string
	// Stderr is the captured standard error output of merge-tree.
	Stderr string
	// ExitCode is the git exit status, 0 for a clean merge, 1 for
	// conflicts.
	ExitCode int
}

// MergeTree performs a tree-level three-way merge without touching a working
// copy.
// Rename detection is always enabled without a file limit and includes
// copies, extraParams can add further git configuration parameters, e.g. a
// conflict marker style.
// Conflicts are not an error, they are reported via the result.
func (c *Client) MergeTree(ctx context.Context, mergeBase, ours, theirs string, extraParams ...string) (*MergeTreeResult, error) {
	clt := c.WithParams("merge.renamelimit=0", "merge.renames=copies").
		WithParams(extraParams...)

	stdout, stderr, err := clt.run(ctx, "",
		"merge-tree", "--merge-base="+mergeBase, ours, theirs,
	)
	if err != nil {
		procErr, ok := err.(*ProcessError)
		if !ok || procErr.ExitCode != 1 {
			return nil, fmt.Errorf("merge-tree failed: %w", err)
		}

		// For merge-tree the stdout on conflict is of the form:
		//   oid of toplevel tree
		//   conflicted file info+
		//
		//   informational messages+
		//
		// Only the informational messages are useful for humans.
		return &MergeTreeResult{
			TreeID:       firstLine(procErr.Stdout),
			Clean:        false,
			InfoMessages: conflictInfoMessages(procErr.Stdout),
			Stderr:       procErr.Stderr,
			ExitCode:     procErr.ExitCode,
		}, nil
	}

	return &MergeTreeResult{
		TreeID:   firstLine(stdout),
		Clean:    true,
		Stderr:   stderr,
		ExitCode: 0,
	}, nil
}

// CommitTree creates a commit object for the tree and returns its id.
func (c *Client) CommitTree(ctx context.Context, tree string, parents []string, message string, author, committer Signature) (string, error) {
	env := []string{
		"GIT_AUTHOR_NAME=" + author.Name,
		"GIT_AUTHOR_EMAIL=" + author.Email,
		"GIT_COMMITTER_NAME=" + committer.Name,
		"GIT_COMMITTER_EMAIL=" + committer.Email,
	}
	if author.Date != "" {
		env = append(env, "GIT_AUTHOR_DATE="+author.Date)
	}
	if committer.Date != "" {
		env = append(env, "GIT_COMMITTER_DATE="+committer.Date)
	}

	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}

	stdout, _, err := c.withEnv(env...).run(ctx, message, args...)
	if err != nil {
		return "", fmt.Errorf("commit-tree failed: %w", err)
	}

	return strings.TrimSpace(stdout), nil
}

// DiffNames returns the paths changed between a and b, restricted to the
// given diff filter (e.g. "M" for modified, "A" for added files).
// When mergeBase is true the diff is computed against the merge base of a
// and b instead of a directly.
func (c *Client) DiffNames(ctx context.Context, filter string, mergeBase bool, a, b string) ([]string, error) {
	args := []string{"diff", "--diff-filter=" + filter, "--name-only"}
	if mergeBase {
		args = append(args, "--merge-base")
	}
	args = append(args, a, b)

	stdout, _, err := c.run(ctx, "", args...)
	if err != nil {
		return nil, fmt.Errorf("diff failed: %w", err)
	}

	return splitLines(stdout), nil
}

// RevParse resolves rev to an object id.
func (c *Client) RevParse(ctx context.Context, rev string) (string, error) {
	stdout, _, err := c.run(ctx, "", "rev-parse", rev)
	if err != nil {
		return "", fmt.Errorf("rev-parse %q failed: %w", rev, err)
	}

	return strings.TrimSpace(stdout), nil
}

// TreeOf returns the tree id of the given commit.
func (c *Client) TreeOf(ctx context.Context, commit string) (string, error) {
	return c.RevParse(ctx, commit+"^{tree}")
}

// RemoteHead returns the commit id of refs/heads/<branch> on the remote.
func (c *Client) RemoteHead(ctx context.Context, remote, branch string) (string, error) {
	stdout, _, err := c.run(ctx, "", "ls-remote", remote, "refs/heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("ls-remote failed: %w", err)
	}

	line := firstLine(stdout)
	if line == "" {
		return "", fmt.Errorf("remote %q has no branch %q", remote, branch)
	}

	return strings.Fields(line)[0], nil
}

// Push pushes the given refspecs to the remote.
func (c *Client) Push(ctx context.Context, remote string, refspecs ...string) error {
	args := append([]string{"push", remote}, refspecs...)
	if _, _, err := c.run(ctx, "", args...); err != nil {
		return fmt.Errorf("pushing to %q failed: %w", remote, err)
	}

	return nil
}

// DeleteRef deletes the branch on the remote, guarded by a force-with-lease
// on the expected head.
// A branch that is already gone is not an error.
func (c *Client) DeleteRef(ctx context.Context, remote, branch, expectedHead string) error {
	_, stderr, err := c.run(ctx, "",
		"push", remote,
		"--delete", branch,
		fmt.Sprintf("--force-with-lease=%s:%s", branch, expectedHead),
	)
	if err != nil {
		if strings.Contains(stderr, "remote ref does not exist") {
			return nil
		}

		return fmt.Errorf("deleting branch %q on %q failed: %w", branch, remote, err)
	}

	return nil
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	return strings.Split(s, "\n")
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}

	return s
}

// conflictInfoMessages strips the tree oid and the conflicted file list from
// merge-tree conflict output and returns only the trailing informational
// messages.
func conflictInfoMessages(stdout string) string {
	blocks := strings.Split(stdout, "\n\n")
	return blocks[len(blocks)-1]
}

// ModifyDelete rewrites the tree so that each of the given files contains
// explicit conflict markers around its content.
// It is used for modify/delete conflicts which merge-tree resolves silently
// because one side has no entry to conflict against.
func (c *Client) ModifyDelete(ctx context.Context, tree string, files []string) (string, error) {
	indexFile, err := os.CreateTemp("", "forwardporter-index-*")
	if err != nil {
		return "", fmt.Errorf("creating temporary index failed: %w", err)
	}
	indexPath := indexFile.Name()
	_ = indexFile.Close()
	_ = os.Remove(indexPath)
	defer os.Remove(indexPath)

	idxClt := c.withEnv("GIT_INDEX_FILE=" + filepath.Clean(indexPath))

	if _, _, err := idxClt.run(ctx, "", "read-tree", tree); err != nil {
		return "", fmt.Errorf("read-tree failed: %w", err)
	}

	for _, file := range files {
		content, _, err := c.run(ctx, "", "cat-file", "-p", tree+":"+file)
		if err != nil {
			return "", fmt.Errorf("reading %q from tree failed: %w", file, err)
		}

		blob, _, err := c.run(ctx, ConflictMarkerContent(content), "hash-object", "-w", "--stdin")
		if err != nil {
			return "", fmt.Errorf("writing conflict blob for %q failed: %w", file, err)
		}

		if _, _, err := idxClt.run(ctx, "",
			"update-index", "--add", "--cacheinfo",
			fmt.Sprintf("100644,%s,%s", strings.TrimSpace(blob), file),
		); err != nil {
			return "", fmt.Errorf("updating index entry for %q failed: %w", file, err)
		}
	}

	newTree, _, err := idxClt.run(ctx, "", "write-tree")
	if err != nil {
		return "", fmt.Errorf("write-tree failed: %w", err)
	}

	return strings.TrimSpace(newTree), nil
}

// ConflictMarkerContent wraps the content of a file that was deleted on one
// side and modified on the other in conflict markers.
func ConflictMarkerContent(content string) string {
	return "<<<<<<< HEAD\n" +
		"||||||| MERGE BASE\n" +
		"=======\n" +
		content +
		">>>>>>> FORWARD-PORTED\n"
}
