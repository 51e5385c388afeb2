// Package provider contains the event type that webhook providers deliver to
// the event loop.
package provider

import (
	"fmt"

	"go.uber.org/zap"
)

type Event struct {
	JSON     []byte
	Provider string

	// Github hook fields, if the value is not available they are empty
	// strings.
	DeliveryID string
	EventType  string
	Action     string
	// Repository is the full repository name, e.g. "simplesurance/fp".
	Repository string
	CommitID   string
	// Branch is the head branch name of the pull request.
	Branch string
	// BaseBranch is the branch the pull request targets.
	BaseBranch string
	// HeadLabel is the owner-qualified head branch ("owner:branch").
	HeadLabel string
	// PullRequestNr is 0 if it's not available
	PullRequestNr int

	Title       string
	Body        string
	AuthorLogin string
	SenderLogin string

	// Merged and MergeCommitSHA are set for closed pull_request events of
	// merged pull requests.
	Merged         bool
	MergeCommitSHA string

	// ReviewState and ReviewerLogin are set for pull_request_review
	// events.
	ReviewState   string
	ReviewerLogin string
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (deliveryID: %s)", e.EventType, e.DeliveryID)
}

func (e *Event) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 6) // cap == max. size of fields we append

	if e.DeliveryID != "" {
		fields = append(fields, zap.String("github.delivery_id", e.DeliveryID))
	}

	// EventType is not added as logfield, information is not needed

	if e.Repository != "" {
		fields = append(fields, zap.String("github.repository", e.Repository))
	}

	if e.CommitID != "" {
		fields = append(fields, zap.String("github.commit_id", e.CommitID))
	}

	if e.Branch != "" {
		fields = append(fields, zap.String("github.branch", e.Branch))
	}

	if e.PullRequestNr != 0 {
		fields = append(fields, zap.Int("github.pull_request_nr", e.PullRequestNr))
	}

	return fields
}
