package porter

import (
	"context"

	"github.com/simplesurance/forwardporter/internal/genealogy"
)

type EventKind string

const (
	// EventPorted is emitted after a pull request was forward-ported
	// cleanly and the new pull request was opened.
	EventPorted EventKind = "ported"
	// EventConflict is emitted when a forward-port pull request was
	// opened with a conflict commit that needs manual resolution.
	EventConflict EventKind = "conflict"
	// EventChainComplete is emitted when a port reached the last branch
	// of its sequence or its configured limit.
	EventChainComplete EventKind = "chain_complete"
	// EventReminder is emitted when an outstanding forward-port chain
	// leaf is overdue for attention.
	EventReminder EventKind = "reminder"
	// EventTargetDisabled is emitted for pull requests whose target
	// branch was deactivated.
	EventTargetDisabled EventKind = "target_disabled"
	// EventEmailDigest is emitted per recipient when forward-ports aged
	// past the escalation threshold.
	EventEmailDigest EventKind = "email_digest"
	// EventInconsistent is emitted when an existing chain does not line
	// up with the branch sequence anymore and porting stopped early.
	EventInconsistent EventKind = "inconsistent"
	// EventApprovalRetracted is emitted when a retracted review left a
	// chain without a single approved pull request.
	EventApprovalRetracted EventKind = "approval_retracted"
)

// Event describes a state change that is worth telling humans about.
// The engine only records what happened, rendering comments or emails is
// left to the Notifier implementation.
type Event struct {
	Kind   EventKind
	PR     genealogy.PRID
	Source *genealogy.PRID
	// NewPR is set for ported and conflict events, it identifies the
	// pull request that was opened.
	NewPR *genealogy.PRID
	// Detail carries a human-readable elaboration, for conflict events
	// the shortened git output.
	Detail string
	// Recipient and PRs are only set for email digests.
	Recipient string
	PRs       []genealogy.PRID
}

// Notifier delivers events, e.g. as github comments or emails.
// Implementations must tolerate duplicate delivery.
type Notifier interface {
	Notify(ctx context.Context, event *Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *Event) {}
