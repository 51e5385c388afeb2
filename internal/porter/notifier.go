package porter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/forwardporter/internal/genealogy"
	"github.com/simplesurance/forwardporter/internal/logfields"
)

// Commenter posts a comment on a pull request.
// It is implemented by githubclt.Client.
type Commenter interface {
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
}

// CommentNotifier renders events as comments on the affected pull requests.
// Email digests have no comment target, they are only logged, delivery is
// left to an external log shipper.
type CommentNotifier struct {
	commenter Commenter
	retryer   Retryer
	logger    *zap.Logger
}

func NewCommentNotifier(commenter Commenter, retryer Retryer) *CommentNotifier {
	return &CommentNotifier{
		commenter: commenter,
		retryer:   retryer,
		logger:    zap.L().Named("notifier"),
	}
}

func (n *CommentNotifier) Notify(ctx context.Context, event *Event) {
	target, comment := n.render(event)
	logger := n.logger.With(
		zap.String("notification_kind", string(event.Kind)),
		logfields.PullRequest(event.PR.Number),
		logfields.Repository(event.PR.Repo),
	)

	if comment == "" {
		logger.Info(
			"notification recorded",
			logfields.Event("notification_recorded"),
			zap.String("recipient", event.Recipient),
			zap.Int("pull_request_cnt", len(event.PRs)),
		)

		return
	}

	owner, repo := splitFullName(target.Repo)

	err := n.retryer.Run(ctx, func(ctx context.Context) error {
		return n.commenter.CreateIssueComment(ctx, owner, repo, target.Number, comment)
	}, []zap.Field{
		logfields.Repository(target.Repo),
		logfields.PullRequest(target.Number),
	})
	if err != nil {
		logger.Error(
			"posting notification comment failed",
			logfields.Event("notification_comment_failed"),
			zap.Error(err),
		)

		return
	}

	logger.Info(
		"notification comment posted",
		logfields.Event("notification_comment_posted"),
	)
}

// render returns the pull request the comment goes to and its body.
// An empty body means the event is log-only.
func (n *CommentNotifier) render(event *Event) (genealogy.PRID, string) {
	source := event.PR
	if event.Source != nil {
		source = *event.Source
	}

	switch event.Kind {
	case EventPorted:
		return *event.NewPR, fmt.Sprintf(
			"This pull request is part of the forward-port chain of %s.\n"+
				"Further forward-ports will be created automatically once it is merged.",
			source,
		)

	case EventConflict:
		return *event.NewPR, fmt.Sprintf(
			"Cherrypicking %s onto this branch failed:\n\n```\n%s\n```\n\n"+
				"Resolve the conflicts in this pull request, the chain continues after it is merged.",
			event.PR, event.Detail,
		)

	case EventChainComplete:
		return event.PR, fmt.Sprintf(
			"This pull request is the last forward-port of %s, no further ports will be created.",
			source,
		)

	case EventReminder:
		return event.PR, fmt.Sprintf(
			"This forward-port of %s is awaiting action, it was neither merged nor closed.",
			source,
		)

	case EventApprovalRetracted:
		return event.PR, "The approval of this pull request was retracted, " +
			"its forward-port chain now has no approved pull request left."

	case EventTargetDisabled, EventInconsistent:
		return event.PR, event.Detail
	}

	// email digests and unknown kinds are log-only
	return event.PR, ""
}
