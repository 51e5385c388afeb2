// Package githubclt provides the github API client of the forward-port bot.
package githubclt

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/forwardporter/internal/fperr"
	"github.com/simplesurance/forwardporter/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// All methods return a fperr.RetryableError when an operation can be
// retried. This is e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// CreateIssueComment creates a comment in an issue or pull request.
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// AddLabels adds labels to a pull request or issue.
func (clt *Client) AddLabels(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, labels []string) error {
	if len(labels) == 0 {
		// github removes all labels when none is provided, fail
		// instead if a bug passes an empty list
		return errors.New("no labels provided")
	}

	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, pullRequestOrIssueNumber, labels)
	return clt.wrapRetryableErrors(err)
}

// CreatePullRequest opens a pull request and returns its number.
// head must be in "owner:branch" notation.
// When an open PR for the same head and base already exists, its number is
// returned and created is false. This makes retried port tasks idempotent.
func (clt *Client) CreatePullRequest(ctx context.Context, owner, repo, base, head, title, body string) (nr int, created bool, err error) {
	existing, _, err := clt.restClt.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State:       "open",
		Head:        head,
		Base:        base,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, false, clt.wrapRetryableErrors(err)
	}

	if len(existing) > 0 {
		clt.logger.Info(
			"pull request already exists, skipping creation",
			logfields.Event("github_pull_request_exists"),
			logfields.RepositoryOwner(owner),
			logfields.Repository(repo),
			logfields.PullRequest(existing[0].GetNumber()),
		)

		return existing[0].GetNumber(), false, nil
	}

	pr, _, err := clt.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Base:  &base,
		Head:  &head,
	})
	if err != nil {
		return 0, false, clt.wrapRetryableErrors(err)
	}

	return pr.GetNumber(), true, nil
}

// DeleteBranch deletes refs/heads/<branch> in the repository.
// A branch that does not exist is not an error.
func (clt *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	_, err := clt.restClt.Git.DeleteRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) &&
			respErr.Response.StatusCode == http.StatusUnprocessableEntity {
			clt.logger.Debug(
				"deleting branch returned unprocessable entity, interpreting it as already deleted",
				logfields.RepositoryOwner(owner),
				logfields.Repository(repo),
				logfields.Branch(branch),
				zap.Error(err),
			)

			return nil
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// ReviewDecision is the aggregated review state of a pull request.
type ReviewDecision string

const (
	ReviewDecisionApproved         ReviewDecision = "APPROVED"
	ReviewDecisionChangesRequested ReviewDecision = "CHANGES_REQUESTED"
	ReviewDecisionReviewRequired   ReviewDecision = "REVIEW_REQUIRED"
)

// PRReviewDecision returns the review decision of a pull request.
func (clt *Client) PRReviewDecision(ctx context.Context, owner, repo string, prNumber int) (ReviewDecision, error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				ReviewDecision githubv4.String
			} `graphql:"pullRequest(number: $prNumber)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":    githubv4.String(owner),
		"name":     githubv4.String(repo),
		"prNumber": githubv4.Int(prNumber),
	}

	if err := clt.graphQLClt.Query(ctx, &query, vars); err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	decision := ReviewDecision(query.Repository.PullRequest.ReviewDecision)
	if decision == "" {
		// repositories without required reviews report no decision
		decision = ReviewDecisionReviewRequired
	}

	return decision, nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return fperr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return fperr.NewRetryableAnytimeError(err)
		}
	}

	return err
}
