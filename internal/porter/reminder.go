package porter

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forwardporter/internal/genealogy"
	"github.com/simplesurance/forwardporter/internal/logfields"
)

const (
	// reminderShortBackoff is the reminder interval during the first four
	// weeks of a chain's life, reminderLongBackoff afterwards.
	reminderShortBackoff  = 7 * 24 * time.Hour
	reminderLongBackoff   = 28 * 24 * time.Hour
	reminderBackoffSwitch = 28 * 24 * time.Hour
	// escalationAge is the chain age after which reminders are
	// accompanied by digest emails to the root author and reviewer.
	escalationAge = 26 * 7 * 24 * time.Hour
)

// RemindStalled sends reminders for forward-port pull requests that wait for
// human action.
//
// Only the leaf of every chain is reminded, unblocking it is what moves the
// chain. Reminders back off from weekly to every four weeks after the first
// month. Chains older than half a year additionally produce one digest email
// per root author and reviewer, listing all their stale ports.
func (s *Service) RemindStalled(ctx context.Context, now time.Time) error {
	var (
		reminders []*Event
		digests   = map[string]map[genealogy.PRID]struct{}{}
	)

	err := s.store.Update(ctx, func(tx *genealogy.Tx) error {
		reminders = reminders[:0]

		due := tx.PRs(func(pr *genealogy.PullRequest) bool {
			return pr.SourceID != nil && pr.State.Blocked() &&
				!pr.ReminderNext.IsZero() && pr.ReminderNext.Before(now)
		})

		bySource := map[genealogy.PRID][]*genealogy.PullRequest{}
		for _, pr := range due {
			bySource[*pr.SourceID] = append(bySource[*pr.SourceID], pr)
		}

		for sourceID, prs := range bySource {
			source, err := tx.PR(sourceID)
			if err != nil {
				return err
			}

			// the schedule advances for every due link, otherwise
			// intermediate links would turn due-forever once their
			// leaf was bumped
			ages := make(map[genealogy.PRID]time.Duration, len(prs))
			for _, pr := range prs {
				age := pr.ReminderNext.Sub(pr.CreatedAt)
				ages[pr.ID()] = age

				if age < reminderBackoffSwitch {
					pr.ReminderNext = pr.ReminderNext.Add(reminderShortBackoff)
				} else {
					pr.ReminderNext = pr.ReminderNext.Add(reminderLongBackoff)
				}
			}

			for _, pr := range chainLeaves(prs) {
				if ages[pr.ID()] > escalationAge {
					for _, email := range []string{source.Author.Email, source.ReviewedBy.Email} {
						if email == "" {
							continue
						}

						if digests[email] == nil {
							digests[email] = map[genealogy.PRID]struct{}{}
						}
						for _, p := range prs {
							digests[email][p.ID()] = struct{}{}
						}
					}
				}

				reminders = append(reminders, &Event{
					Kind:   EventReminder,
					PR:     pr.ID(),
					Source: ptr(sourceID),
				})
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, event := range reminders {
		metrics.reminderSent()
		s.notify(ctx, event)
	}

	for recipient, ids := range digests {
		prs := make([]genealogy.PRID, 0, len(ids))
		for id := range ids {
			prs = append(prs, id)
		}
		sort.Slice(prs, func(i, j int) bool {
			if prs[i].Repo != prs[j].Repo {
				return prs[i].Repo < prs[j].Repo
			}
			return prs[i].Number < prs[j].Number
		})

		s.notify(ctx, &Event{
			Kind:      EventEmailDigest,
			Recipient: recipient,
			PRs:       prs,
		})

		s.logger.Info(
			"escalation digest queued",
			logfields.Event("reminder_digest_queued"),
			zap.Int("port.stale_pr_count", len(prs)),
		)
	}

	return nil
}

// chainLeaves returns the pull requests that are not the parent of any other
// one in the group.
// Reminding every link of a chain would be redundant, the leaf is what needs
// unblocking.
func chainLeaves(prs []*genealogy.PullRequest) []*genealogy.PullRequest {
	parents := map[genealogy.PRID]struct{}{}
	for _, pr := range prs {
		if pr.ParentID != nil {
			parents[*pr.ParentID] = struct{}{}
		}
	}

	var result []*genealogy.PullRequest
	for _, pr := range prs {
		if _, isParent := parents[pr.ID()]; !isParent {
			result = append(result, pr)
		}
	}

	return result
}
