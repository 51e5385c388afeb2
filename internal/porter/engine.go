package porter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forwardporter/internal/genealogy"
	"github.com/simplesurance/forwardporter/internal/gitclt"
	"github.com/simplesurance/forwardporter/internal/githubclt"
	"github.com/simplesurance/forwardporter/internal/logfields"
	"github.com/simplesurance/forwardporter/internal/set"
	"github.com/simplesurance/forwardporter/internal/stringutils"
)

// GitClient is the subset of the git plumbing operations that
// forward-porting needs.
// It is implemented by gitclt.Client.
type GitClient interface {
	FetchHeads(ctx context.Context, remote, ref, knownAncestor string) ([]string, error)
	MergeTree(ctx context.Context, mergeBase, ours, theirs string, extraParams ...string) (*gitclt.MergeTreeResult, error)
	CommitTree(ctx context.Context, tree string, parents []string, message string, author, committer gitclt.Signature) (string, error)
	DiffNames(ctx context.Context, filter string, mergeBase bool, a, b string) ([]string, error)
	TreeOf(ctx context.Context, commit string) (string, error)
	RemoteHead(ctx context.Context, remote, branch string) (string, error)
	Push(ctx context.Context, remote string, refspecs ...string) error
	DeleteRef(ctx context.Context, remote, branch, expectedHead string) error
	ModifyDelete(ctx context.Context, tree string, files []string) (string, error)
}

const (
	zdiff3Param = "merge.conflictstyle=zdiff3"
	// maxGitOutputLen caps the git output embedded into conflict commit
	// messages.
	maxGitOutputLen = 8 * 1024
	shortenMarker   = "[...]"
)

// Engine copies the commits of a pull request onto another branch at the
// object level, the working copy is never touched.
type Engine struct {
	git    GitClient
	bot    genealogy.Identity
	logger *zap.Logger
}

func NewEngine(git GitClient, bot genealogy.Identity, logger *zap.Logger) *Engine {
	return &Engine{
		git:    git,
		bot:    bot,
		logger: logger.Named("engine"),
	}
}

// CherryPick applies commits, oldest first, on top of targetHead and returns
// the head of the resulting chain.
// Commit messages are rewritten to carry the id of the commit they were
// created from, translated through commitsMap to the canonical id of the
// source pull request.
//
// When a commit does not apply cleanly, or applying it results in an empty
// commit, the returned error is a *ConflictError.
func (e *Engine) CherryPick(ctx context.Context, commits []*githubclt.Commit, targetHead string, commitsMap map[string]string) (string, error) {
	head := targetHead

	for i, com := range commits {
		if len(com.Parents) != 1 {
			return "", fmt.Errorf("commit %s has %d parents, only linear histories can be forward-ported",
				com.SHA, len(com.Parents))
		}

		result, err := e.git.MergeTree(ctx, com.Parents[0], head, com.SHA)
		if err != nil {
			e.logMergeError(com.SHA, err)
			return "", err
		}

		logger := e.logger.With(
			logfields.Commit(com.SHA),
			zap.Int("git.exit_code", result.ExitCode),
		)

		if !result.Clean {
			logger.Info("cherry-pick conflicted",
				logfields.Event("cherry_pick_conflict"))

			return "", &ConflictError{
				FailedSHA: com.SHA,
				Stdout:    result.InfoMessages,
				Stderr:    cleanRenameNoise(result.Stderr),
				Commits:   commits[:i+1],
			}
		}

		parentTree, err := e.git.TreeOf(ctx, head)
		if err != nil {
			return "", err
		}

		// cherry-pick fails when a commit becomes empty, match that
		// behaviour together with its output
		if parentTree == result.TreeID {
			logger.Info("cherry-pick commit became empty",
				logfields.Event("cherry_pick_empty"))

			return "", &ConflictError{
				FailedSHA: com.SHA,
				Stdout:    fmt.Sprintf("You are currently cherry-picking commit %s.", com.SHA),
				Stderr:    "The previous cherry-pick is now empty, possibly due to conflict resolution.",
				Commits:   commits[:i+1],
			}
		}

		head, err = e.git.CommitTree(ctx,
			result.TreeID,
			[]string{head},
			portedMessage(com.Message, com.SHA, commitsMap),
			gitSignature(com.Author, true),
			gitSignature(com.Committer, false),
		)
		if err != nil {
			return "", err
		}

		logger.Debug("commit cherry-picked",
			logfields.Event("cherry_pick_commit_created"),
			zap.String("git.new_head", head),
		)
	}

	return head, nil
}

// CommitConflict creates a single commit on top of targetHead containing the
// conflicting merge of the whole pull request, with conflict markers in the
// affected files.
//
// rootHead is the head of the pull request being ported, rootTarget the
// branch it was merged into and upstreamRemote the remote it lives on, they
// are needed to detect modify/delete conflicts.
func (e *Engine) CommitConflict(ctx context.Context, cErr *ConflictError, targetHead, rootHead, upstreamRemote, rootTarget string, commitsMap map[string]string) (string, error) {
	commits := cErr.Commits

	result, err := e.git.MergeTree(ctx,
		commits[0].Parents[0], targetHead, rootHead,
		zdiff3Param,
	)
	if err != nil {
		return "", err
	}
	tree := result.TreeID

	var msg string
	if len(commits) == 1 {
		// reuse the commit's message when committing the conflict
		msg = portedMessage(commits[0].Message, commits[0].SHA, commitsMap)
	} else {
		msg = fmt.Sprintf("Cherry pick of %s failed\n\nstdout:\n%s\nstderr:\n%s\n",
			cErr.FailedSHA,
			stringutils.Shorten(cErr.Stdout, maxGitOutputLen, shortenMarker),
			stringutils.Shorten(cErr.Stderr, maxGitOutputLen, shortenMarker),
		)
	}

	// A file that is modified by the ported pull request and shows up as
	// added in the conflict tree was deleted on the target branch, a
	// modify/delete conflict that merge-tree resolves silently.
	// Rewrite the affected files with explicit conflict markers.
	base, err := e.git.RemoteHead(ctx, upstreamRemote, rootTarget)
	if err != nil {
		return "", err
	}

	originalModified, err := e.git.DiffNames(ctx, "M", true, base, rootHead)
	if err != nil {
		return "", err
	}

	conflictAdded, err := e.git.DiffNames(ctx, "A", false, targetHead, tree)
	if err != nil {
		return "", err
	}

	modified := set.From(originalModified)
	var modifyDelete []string
	for _, file := range conflictAdded {
		if modified.Contains(file) {
			modifyDelete = append(modifyDelete, file)
		}
	}

	if len(modifyDelete) > 0 {
		tree, err = e.git.ModifyDelete(ctx, tree, modifyDelete)
		if err != nil {
			return "", err
		}
	}

	author, committer := conflictSignatures(e.bot, commits)

	return e.git.CommitTree(ctx, tree, []string{targetHead}, msg, author, committer)
}

func (e *Engine) logMergeError(sha string, err error) {
	var procErr *gitclt.ProcessError

	// status 128 can indicate out of memory errors in the object store,
	// those are worth a warning
	if errors.As(err, &procErr) && procErr.ExitCode == 128 {
		e.logger.Warn("merge-tree failed",
			logfields.Event("cherry_pick_git_error"),
			logfields.Commit(sha),
			zap.Error(err),
		)

		return
	}

	e.logger.Info("merge-tree failed",
		logfields.Event("cherry_pick_git_error"),
		logfields.Commit(sha),
		zap.Error(err),
	)
}

// conflictSignatures determines the authorship of a conflict commit.
// When all attempted commits agree on an author it is kept, dated with the
// newest commit, otherwise the commit is attributed to the bot.
// The committer is determined the same way, independently and undated.
func conflictSignatures(bot genealogy.Identity, commits []*githubclt.Commit) (author, committer gitclt.Signature) {
	headCommit := commits[len(commits)-1]

	authors := set.Set[genealogy.Identity]{}
	committers := set.Set[genealogy.Identity]{}
	for _, c := range commits {
		authors.Add(genealogy.Identity{Name: c.Author.Name, Email: c.Author.Email})
		committers.Add(genealogy.Identity{Name: c.Committer.Name, Email: c.Committer.Email})
	}

	author = gitclt.Signature{Name: bot.Name, Email: bot.Email}
	if only := authors.ToSlice(); len(only) == 1 {
		author = gitclt.Signature{
			Name:  only[0].Name,
			Email: only[0].Email,
			Date:  headCommit.Author.Date.Format(time.RFC3339),
		}
	}

	committer = gitclt.Signature{Name: bot.Name, Email: bot.Email}
	if only := committers.ToSlice(); len(only) == 1 {
		committer = gitclt.Signature{Name: only[0].Name, Email: only[0].Email}
	}

	return author, committer
}

func gitSignature(sig githubclt.Signature, withDate bool) gitclt.Signature {
	result := gitclt.Signature{
		Name:  sig.Name,
		Email: sig.Email,
	}
	if withDate && !sig.Date.IsZero() {
		result.Date = sig.Date.Format(time.RFC3339)
	}

	return result
}
