package porter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/forwardporter/internal/genealogy"
)

// seedChain creates a merged source PR and open forward-ports of it, one per
// target, linked source -> ports[0] -> ports[1] -> ...
func seedChain(t *testing.T, env *testEnv, firstNr int, createdAt, reminderNext time.Time, targets ...string) []genealogy.PRID {
	t.Helper()

	sourceID := genealogy.PRID{Repo: testRepo, Number: firstNr}

	err := env.store.Update(context.Background(), func(tx *genealogy.Tx) error {
		batchID := tx.CreateBatch(&genealogy.Batch{
			Label:     "alice:feature",
			Target:    "a",
			MergeDate: createdAt,
		})

		err := tx.CreatePR(&genealogy.PullRequest{
			Repo:       sourceID.Repo,
			Number:     sourceID.Number,
			Target:     "a",
			Label:      "alice:feature",
			BatchID:    batchID,
			State:      genealogy.StateMerged,
			Author:     genealogy.Identity{Name: "alice", Email: "alice@example.com"},
			ReviewedBy: genealogy.Identity{Name: "rita", Email: "rita@example.com"},
			CreatedAt:  createdAt,
			MergedAt:   createdAt,
		})
		if err != nil {
			return err
		}

		parent := sourceID
		for i, target := range targets {
			id := genealogy.PRID{Repo: testRepo, Number: firstNr + 1 + i}
			err := tx.CreatePR(&genealogy.PullRequest{
				Repo:         id.Repo,
				Number:       id.Number,
				Target:       target,
				Label:        "fp-bot:chain-0000-fw",
				BatchID:      batchID,
				SourceID:     ptr(sourceID),
				ParentID:     ptr(parent),
				State:        genealogy.StateOpened,
				CreatedAt:    createdAt,
				ReminderNext: reminderNext,
			})
			if err != nil {
				return err
			}

			parent = id
		}

		return nil
	})
	require.NoError(t, err)

	ids := make([]genealogy.PRID, 0, len(targets))
	for i := range targets {
		ids = append(ids, genealogy.PRID{Repo: testRepo, Number: firstNr + 1 + i})
	}

	return ids
}

func (env *testEnv) reminderNextOf(t *testing.T, id genealogy.PRID) time.Time {
	t.Helper()

	var result time.Time
	err := env.store.View(context.Background(), func(tx *genealogy.Tx) error {
		pr, err := tx.PR(id)
		if err != nil {
			return err
		}

		result = pr.ReminderNext
		return nil
	})
	require.NoError(t, err)

	return result
}

func TestRemindStalledOnlyRemindsChainLeaf(t *testing.T) {
	env := newTestEnv(t, activeSequence("a", "b", "c"))

	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	due := createdAt.Add(reminderShortBackoff)
	ports := seedChain(t, env, 1, createdAt, due, "b", "c")

	now := due.Add(time.Hour)
	require.NoError(t, env.svc.RemindStalled(context.Background(), now))

	reminders := env.notifier.byKind(EventReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, ports[1], reminders[0].PR, "only the chain leaf is reminded")

	// young chains back off weekly, the whole group advances
	assert.Equal(t, due.Add(reminderShortBackoff), env.reminderNextOf(t, ports[1]))
	assert.Equal(t, due.Add(reminderShortBackoff), env.reminderNextOf(t, ports[0]))

	assert.Empty(t, env.notifier.byKind(EventEmailDigest))

	// nothing is due anymore
	require.NoError(t, env.svc.RemindStalled(context.Background(), now))
	assert.Len(t, env.notifier.byKind(EventReminder), 1)
}

func TestRemindStalledBacksOffAfterFourWeeks(t *testing.T) {
	env := newTestEnv(t, activeSequence("a", "b", "c"))

	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	due := createdAt.Add(5 * reminderShortBackoff) // five weeks in
	ports := seedChain(t, env, 1, createdAt, due, "b")

	require.NoError(t, env.svc.RemindStalled(context.Background(), due.Add(time.Hour)))

	assert.Equal(t, due.Add(reminderLongBackoff), env.reminderNextOf(t, ports[0]))
	assert.Empty(t, env.notifier.byKind(EventEmailDigest))
}

func TestRemindStalledEscalatesOldChains(t *testing.T) {
	env := newTestEnv(t, activeSequence("a", "b", "c"))

	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	due := createdAt.Add(escalationAge + reminderLongBackoff)
	ports := seedChain(t, env, 1, createdAt, due, "b", "c")

	require.NoError(t, env.svc.RemindStalled(context.Background(), due.Add(time.Hour)))

	digests := env.notifier.byKind(EventEmailDigest)
	require.Len(t, digests, 2, "author and reviewer each get one digest")

	recipients := map[string]*Event{}
	for _, d := range digests {
		recipients[d.Recipient] = d
	}
	require.Contains(t, recipients, "alice@example.com")
	require.Contains(t, recipients, "rita@example.com")

	// the digest lists every stale port of the chain, not only the leaf
	assert.Equal(t, ports, recipients["alice@example.com"].PRs)
	assert.Equal(t, ports, recipients["rita@example.com"].PRs)
}
