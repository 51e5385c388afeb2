package porter

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forwardporter/internal/genealogy"
	"github.com/simplesurance/forwardporter/internal/logfields"
)

// defBranchGracePeriod is how long the port branch of a merged or closed
// pull request survives before it is deleted.
const defBranchGracePeriod = 7 * 24 * time.Hour

// DeleteStaleBranches removes port branches of forward-port pull requests
// that were merged or closed before the grace cutoff.
//
// Only branches on the fork the bot controls are touched: the label owner
// must match the fork owner, branches in contributor forks or the upstream
// repository are never deleted. Deletion is guarded by a force-with-lease on
// the recorded head and a branch that is already gone counts as deleted.
func (s *Service) DeleteStaleBranches(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-defBranchGracePeriod)

	var candidates []*genealogy.PullRequest

	err := s.store.View(ctx, func(tx *genealogy.Tx) error {
		candidates = tx.PRs(func(pr *genealogy.PullRequest) bool {
			switch pr.State {
			case genealogy.StateMerged:
				return !pr.MergedAt.IsZero() && pr.MergedAt.Before(cutoff)
			case genealogy.StateClosed:
				return !pr.ClosedAt.IsZero() && pr.ClosedAt.Before(cutoff)
			default:
				return false
			}
		})

		return nil
	})
	if err != nil {
		return err
	}

	for _, pr := range candidates {
		logger := s.logger.With(
			logfields.Repository(pr.Repo),
			logfields.PullRequest(pr.Number),
			logfields.Label(pr.Label),
		)

		repo, exist := s.repos[pr.Repo]
		if !exist || repo.FPRemoteTarget == "" {
			logger.Debug("skipping branch deletion, no forward-port target",
				logfields.Event("branch_gc_skipped"))
			continue
		}

		owner, branch, found := strings.Cut(pr.Label, ":")
		if !found || owner != repo.ForkOwner() {
			// branch is not in the bot's fork, leave it alone
			logger.Debug("skipping branch deletion, label owner does not match fork owner",
				logfields.Event("branch_gc_skipped"))
			continue
		}

		if err := repo.Git.DeleteRef(ctx, repo.ForkRemote, branch, pr.Head); err != nil {
			logger.Info("deleting port branch failed",
				logfields.Event("branch_gc_failed"),
				zap.Error(err),
			)
			continue
		}

		metrics.branchDeleted()
		logger.Info("port branch deleted",
			logfields.Event("branch_gc_deleted"),
			logfields.Branch(branch),
		)
	}

	return nil
}
