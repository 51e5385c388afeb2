// Package genealogy contains the pull request, batch and branch entities of
// the forward-port graph and the store that keeps them consistent.
//
// A forward-port chain is the source -> ... -> parent -> PR lineage produced
// by successive ports. The parent link is severed ("detached") when a PR is
// pushed to externally, when its cherry-pick conflicted or when it is closed;
// detaching ends automatic propagation from that point.
package genealogy

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a pull request.
type State string

const (
	StateOpened    State = "opened"
	StateValidated State = "validated"
	StateApproved  State = "approved"
	StateReady     State = "ready"
	StateMerged    State = "merged"
	StateClosed    State = "closed"
	StateError     State = "error"
)

// Terminal returns true when no further automatic action is taken for a PR
// in this state.
func (s State) Terminal() bool {
	return s == StateMerged || s == StateClosed
}

// Blocked returns true for states in which a forward-port PR is waiting for
// human action.
func (s State) Blocked() bool {
	switch s {
	case StateOpened, StateValidated, StateApproved, StateReady, StateError:
		return true
	default:
		return false
	}
}

// Identity identifies a person referenced by the genealogy, e.g. the author
// or reviewer of a pull request.
type Identity struct {
	Name  string
	Email string
}

// PRID identifies a pull request uniquely.
type PRID struct {
	// Repo is the full repository name, e.g. "simplesurance/forwardporter".
	Repo   string
	Number int
}

func (id PRID) String() string {
	return fmt.Sprintf("%s#%d", id.Repo, id.Number)
}

// PullRequest is the unit the forward-port engine operates on.
type PullRequest struct {
	Repo   string
	Number int

	// Head is the current tip commit id, it changes when the branch is
	// pushed to.
	Head string
	// Target is the branch the PR is opened against.
	Target string
	// Label is the cross-repository grouping key (owner:branchname)
	// batching sibling PRs that must port together.
	Label string

	BatchID int64

	// SourceID references the ultimate ancestor this PR was
	// forward-ported from, nil for original PRs.
	SourceID *PRID
	// ParentID references the immediate predecessor in the port chain,
	// nil for original or detached PRs.
	ParentID *PRID
	// DetachReason records why the parent link was severed.
	DetachReason string

	// LimitTarget is the furthest branch this chain should be ported to.
	// Empty means the final branch of the sequence.
	LimitTarget string

	State State

	Author     Identity
	ReviewedBy Identity

	// Message is the PR message (title + body).
	Message string

	// CommitsMap maps the commit ids of the PR branch to the ids the
	// commits got when the PR was merged, so ported commit messages
	// reference commits that are part of the target branch history.
	CommitsMap map[string]string

	CreatedAt time.Time
	MergedAt  time.Time
	ClosedAt  time.Time

	// ReminderNext is when the next stalled-forward-port reminder is due.
	ReminderNext time.Time
	// TargetDisabledNotified is set once a "target branch was disabled"
	// notice was sent, so reconciliation sweeps do not repeat it.
	TargetDisabledNotified bool
}

func (p *PullRequest) ID() PRID {
	return PRID{Repo: p.Repo, Number: p.Number}
}

func (p *PullRequest) DisplayName() string {
	return p.ID().String()
}

// RootID returns the id of the chain root: the source if set, the PR itself
// otherwise.
func (p *PullRequest) RootID() PRID {
	if p.SourceID != nil {
		return *p.SourceID
	}

	return p.ID()
}

// Detach severs the parent link and records why.
// Detaching an already detached PR keeps the original reason.
func (p *PullRequest) Detach(reason string) {
	if p.ParentID == nil {
		return
	}

	p.ParentID = nil
	p.DetachReason = reason
}

// Batch is the atomic unit staged and merged: the PRs across repositories
// sharing the same label and target.
type Batch struct {
	ID     int64
	Label  string
	Target string
	// ParentID references the batch this one was forward-ported from,
	// 0 for original batches.
	ParentID int64
	// MergeDate is zero until the batch's staging succeeded. A batch with
	// a merge date is immutable history.
	MergeDate time.Time

	PRs []PRID
}

func (b *Batch) Merged() bool {
	return !b.MergeDate.IsZero()
}
