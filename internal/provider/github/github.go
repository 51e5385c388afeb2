package github

import (
	"encoding/json"
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/forwardporter/internal/logfields"
	"github.com/simplesurance/forwardporter/internal/provider"
)

const loggerName = "github-event-provider"

// Provider listens for github-webhook http-requests at a http-server handler,
// validates and converts the requests to Events and forwards them to an event
// channel.
type Provider struct {
	logging       *zap.Logger
	webhookSecret []byte
	c             chan<- *provider.Event
}

type option func(*Provider)

func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChan chan<- *provider.Event, opts ...option) *Provider {
	p := Provider{
		c: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logging == nil {
		p.logging = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	p.logging.Debug("received a http request", logfields.Event("github_event_received"))

	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		zap.String("event_provider", "github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	}

	logger := p.logging.With(logFields...)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		logger.Error(
			"could not marshal event into json",
			logfields.Event("github_json_event_marshalling_failed"),
			zap.Error(err),
		)
	}

	ev := provider.Event{
		JSON:       eventJSON,
		Provider:   "github",
		DeliveryID: deliveryID,
		EventType:  hookType,
	}

	switch event := event.(type) {
	case *github.PullRequestEvent:
		ev.Action = event.GetAction()
		ev.Repository = event.GetRepo().GetFullName()
		ev.SenderLogin = event.GetSender().GetLogin()

		if pr := event.GetPullRequest(); pr != nil {
			ev.PullRequestNr = pr.GetNumber()
			ev.Title = pr.GetTitle()
			ev.Body = pr.GetBody()
			ev.AuthorLogin = pr.GetUser().GetLogin()
			ev.Merged = pr.GetMerged()
			ev.MergeCommitSHA = pr.GetMergeCommitSHA()
			ev.BaseBranch = pr.GetBase().GetRef()

			if hb := pr.GetHead(); hb != nil {
				ev.CommitID = hb.GetSHA()
				ev.Branch = hb.GetRef()
				ev.HeadLabel = hb.GetLabel()
			}
		}

	case *github.PullRequestReviewEvent:
		ev.Action = event.GetAction()
		ev.Repository = event.GetRepo().GetFullName()
		ev.SenderLogin = event.GetSender().GetLogin()
		ev.PullRequestNr = event.GetPullRequest().GetNumber()
		ev.ReviewState = event.GetReview().GetState()
		ev.ReviewerLogin = event.GetReview().GetUser().GetLogin()

	case *github.IssueCommentEvent:
		if !event.GetIssue().IsPullRequest() {
			logger.Debug("ignoring comment, issue is not a pull request",
				logfields.Event("github_issue_comment_ignored"),
			)
			return
		}

		ev.Action = event.GetAction()
		ev.Repository = event.GetRepo().GetFullName()
		ev.SenderLogin = event.GetSender().GetLogin()
		ev.PullRequestNr = event.GetIssue().GetNumber()
		ev.Body = event.GetComment().GetBody()
		ev.AuthorLogin = event.GetComment().GetUser().GetLogin()

	case *github.PingEvent:
		logger.Debug("received ping event", logfields.Event("github_ping_received"))
		return

	default:
		logger.Debug("ignoring event, event type is unsupported",
			logfields.Event("github_unsupported_event_received"),
		)
		return
	}

	select {
	case p.c <- &ev:
		logger.Debug("event forwarded to channel",
			logfields.Event("github_event_forwarded"),
		)

	default:
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("github_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}
}
