package porter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/forwardporter/internal/genealogy"
	"github.com/simplesurance/forwardporter/internal/logfields"
	"github.com/simplesurance/forwardporter/internal/set"
)

// OnBranchTopologyChanged applies a new branch sequence.
//
// The sequence may only grow: branches can be appended, inserted into the
// middle (one at a time) or deactivated. Removing or reordering branches is
// rejected with a *ConfigurationError and the old sequence stays in effect.
//
// A trailing insertion needs no backfill, future ports reach the new branch
// naturally. A mid-sequence insertion enqueues one insert task per affected
// label so the gap in existing chains is filled. Deactivating a branch
// triggers followup ports for chains that would otherwise stall on it.
func (s *Service) OnBranchTopologyChanged(ctx context.Context, after genealogy.Sequence) error {
	s.seqLock.Lock()
	before := s.sequence

	inserted, err := diffSequence(before, after)
	if err != nil {
		s.seqLock.Unlock()
		return err
	}

	s.sequence = after
	s.seqLock.Unlock()

	s.logger.Info(
		"branch sequence changed",
		logfields.Event("branch_sequence_changed"),
		zap.Strings("git.branches_before", before.Names()),
		zap.Strings("git.branches_after", after.Names()),
	)

	if inserted != "" {
		if err := s.backfillInsertedBranch(ctx, after, inserted); err != nil {
			return err
		}
	}

	for _, name := range deactivated(before, after) {
		if err := s.continuePastDisabledBranch(ctx, name); err != nil {
			return err
		}
	}

	return nil
}

// diffSequence validates the change from before to after and returns the
// name of the mid-sequence inserted branch, if any.
func diffSequence(before, after genealogy.Sequence) (inserted string, err error) {
	// every known branch must reappear, in the same relative order
	prev := -1
	for _, b := range before {
		idx := after.Index(b.Name)
		if idx < 0 {
			return "", &ConfigurationError{
				Reason: fmt.Sprintf("branch %q was removed, branches can only be deactivated", b.Name),
			}
		}

		if idx < prev {
			return "", &ConfigurationError{
				Reason: fmt.Sprintf("branch %q changed position, the sequence must keep its order", b.Name),
			}
		}

		prev = idx
	}

	if len(before) == 0 {
		return "", nil
	}

	lastKnown := after.Index(before[len(before)-1].Name)

	var midInserts []string
	for i, b := range after {
		if before.Index(b.Name) >= 0 {
			continue
		}

		// new branches after the previously last one need no backfill
		if i > lastKnown {
			continue
		}

		midInserts = append(midInserts, b.Name)
	}

	switch len(midInserts) {
	case 0:
		return "", nil
	case 1:
		return midInserts[0], nil
	default:
		return "", &ConfigurationError{
			Reason: fmt.Sprintf("more than one branch inserted at once: %v", midInserts),
		}
	}
}

// deactivated returns the branches that were active before and are inactive
// now.
func deactivated(before, after genealogy.Sequence) []string {
	var result []string

	activeBefore := set.From(before.ActiveNames())
	for _, b := range after {
		if !b.Active && activeBefore.Contains(b.Name) {
			result = append(result, b.Name)
		}
	}

	return result
}

// backfillInsertedBranch enqueues one insert port task per label whose chain
// jumps over the freshly inserted branch.
func (s *Service) backfillInsertedBranch(ctx context.Context, seq genealogy.Sequence, inserted string) error {
	insertedIdx := seq.Index(inserted)
	beforeSide := set.From(seq.Names()[:insertedIdx])
	afterSide := set.From(seq.Names()[insertedIdx+1:])

	// the chain member right before the gap is the port predecessor
	predecessor := ""
	for i := insertedIdx - 1; i >= 0; i-- {
		if seq[i].Active {
			predecessor = seq[i].Name
			break
		}
	}
	if predecessor == "" {
		return nil
	}

	// batch per label of chains that jump from the before side to the
	// after side
	tasks := map[string]int64{}

	err := s.store.View(ctx, func(tx *genealogy.Tx) error {
		jumping := tx.PRs(func(pr *genealogy.PullRequest) bool {
			if pr.SourceID == nil || pr.State.Terminal() {
				return false
			}
			if !afterSide.Contains(pr.Target) {
				return false
			}

			src, err := tx.PR(*pr.SourceID)
			if err != nil {
				return false
			}

			return beforeSide.Contains(src.Target)
		})

		for _, pr := range jumping {
			root, err := tx.Root(pr)
			if err != nil {
				return err
			}

			candidate := root
			if root.Target != predecessor {
				candidate = nil
				for _, member := range tx.BySource(root.ID()) {
					if member.Target == predecessor {
						candidate = member
						break
					}
				}
			}
			if candidate == nil {
				continue
			}

			batch, err := tx.Batch(candidate.BatchID)
			if err != nil {
				return err
			}

			tasks[batch.Label] = batch.ID
		}

		return nil
	})
	if err != nil {
		return err
	}

	for label, batchID := range tasks {
		s.enqueue(label, &Task{BatchID: batchID, Source: TaskSourceInsert})
	}

	return nil
}

// continuePastDisabledBranch keeps chains moving whose next step targets a
// branch that was deactivated: their unmerged forward-port batches are
// ported onwards and the affected pull requests are notified once.
func (s *Service) continuePastDisabledBranch(ctx context.Context, branch string) error {
	type followup struct {
		label   string
		batchID int64
	}

	var (
		followups []followup
		notices   []*Event
	)

	err := s.store.Update(ctx, func(tx *genealogy.Tx) error {
		followups = followups[:0]
		notices = notices[:0]

		batches := tx.Batches(func(b *genealogy.Batch) bool {
			return b.Target == branch && b.ParentID != 0 && !b.Merged() &&
				len(tx.BatchChildren(b.ID)) == 0
		})

		for _, b := range batches {
			hasNext := false
			for _, id := range b.PRs {
				pr, err := tx.PR(id)
				if err != nil {
					return err
				}

				root, err := tx.Root(pr)
				if err != nil {
					return err
				}

				if _, exist := s.nextTarget(pr, root); exist {
					hasNext = true
					break
				}
			}

			if hasNext {
				followups = append(followups, followup{label: b.Label, batchID: b.ID})
			}
		}

		affected := tx.PRs(func(pr *genealogy.PullRequest) bool {
			return pr.Target == branch && !pr.State.Terminal() &&
				!pr.TargetDisabledNotified
		})
		for _, pr := range affected {
			pr.TargetDisabledNotified = true
			notices = append(notices, &Event{
				Kind:   EventTargetDisabled,
				PR:     pr.ID(),
				Source: pr.SourceID,
				Detail: fmt.Sprintf("target branch %q was deactivated, the chain continues to the next active branch", branch),
			})
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, event := range notices {
		s.notify(ctx, event)
	}

	for _, f := range followups {
		s.enqueue(f.label, &Task{BatchID: f.batchID, Source: TaskSourceMerge})
	}

	return nil
}
