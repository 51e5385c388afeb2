// Package evloop consumes webhook events and applies them to the forward-port
// genealogy.
//
// The loop is the single writer for externally caused state transitions:
// opened, synchronized, merged, closed and reviewed pull requests. Merged
// batches and newly linked pull requests are handed over to the porter.
package evloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forwardporter/internal/genealogy"
	"github.com/simplesurance/forwardporter/internal/logfields"
	"github.com/simplesurance/forwardporter/internal/orderedmap"
	"github.com/simplesurance/forwardporter/internal/provider"
	"github.com/simplesurance/forwardporter/internal/set"
)

const DefEventChannelBufferSize = 512

// dedupWindow is the number of delivery ids remembered for duplicate
// detection, github redelivers webhooks on timeouts.
const dedupWindow = 512

const loggerName = "event-loop"

// PortService is the part of the porter that the event loop feeds.
type PortService interface {
	OnBatchMerged(ctx context.Context, batchID int64) error
	OnPRLinked(ctx context.Context, prID genealogy.PRID) error
	OnApprovalRetracted(ctx context.Context, prID genealogy.PRID) error
	SetPortLimit(ctx context.Context, prID genealogy.PRID, branch string) error
}

// EvLoop receives events and applies them to the genealogy store.
// Porter notifications run asynchronously in go-routines, the store updates
// themselves are sequential.
type EvLoop struct {
	ch     chan *provider.Event
	logger *zap.Logger

	store    *genealogy.Store
	porter   PortService
	repos    set.Set[string]
	botLogin string

	seen *orderedmap.Map[string, string]

	loopTerminated chan struct{}
	wg             sync.WaitGroup
	routineDefer   func()
	notifyTimeout  time.Duration
}

// WithRoutineDeferFunc sets a function to be run when a go-routine that
// notifies the porter returns.
// It can be used to set a panic handler.
func WithRoutineDeferFunc(fn func()) func(*EvLoop) {
	return func(e *EvLoop) {
		e.routineDefer = fn
	}
}

// New returns an event loop that maintains the genealogy of the given
// repositories.
// Pull requests opened by botLogin are not recorded, the porter records its
// own pull requests with full chain information.
func New(store *genealogy.Store, porter PortService, repositories []string, botLogin string, opts ...func(*EvLoop)) *EvLoop {
	evl := EvLoop{
		ch:             make(chan *provider.Event, DefEventChannelBufferSize),
		store:          store,
		porter:         porter,
		repos:          set.From(repositories),
		botLogin:       botLogin,
		seen:           orderedmap.New[string, string](),
		loopTerminated: make(chan struct{}),
		notifyTimeout:  time.Hour,
	}

	for _, opt := range opts {
		opt(&evl)
	}

	if evl.logger == nil {
		evl.logger = zap.L().Named(loggerName)
	}

	return &evl
}

// C returns the event channel.
// Events sent to this channel will be processed.
// The channel is closed when Stop() is called.
func (e *EvLoop) C() chan<- *provider.Event {
	return e.ch
}

func (e *EvLoop) Start() {
	defer close(e.loopTerminated)

	ctx := context.Background()
	e.logger.Info("ready to process events", logfields.Event("eventloop_started"))

	for ev := range e.ch {
		logger := e.logger.With(ev.LogFields()...)

		if e.isDuplicate(ev) {
			logger.Debug(
				"skipping event, delivery was already processed",
				logfields.Event("event_duplicate_delivery"),
			)

			continue
		}

		logger.Debug("event received", logfields.Event("event_received"))

		var err error
		switch ev.EventType {
		case "pull_request":
			err = e.handlePullRequest(ctx, ev)
		case "pull_request_review":
			err = e.handleReview(ctx, ev)
		case "issue_comment":
			err = e.handleComment(ev)
		default:
			logger.Debug(
				"ignoring event, event type is unsupported",
				logfields.Event("event_unsupported"),
			)
		}

		if err != nil {
			logger.Error(
				"processing event failed",
				logfields.Event("event_processing_failed"),
				zap.Error(err),
			)
		}
	}

	e.logger.Info(
		"event loop terminated, event channel was closed",
		logfields.Event("eventloop_terminated"),
	)
}

// Stop stops the event loop and waits until all porter notification
// go-routines terminated.
// The event channel (EvLoop.C()) will be closed.
func (e *EvLoop) Stop() {
	e.logger.Debug("event loop terminating", logfields.Event("eventloop_terminating"))
	close(e.ch)

	// queued events still spawn notification go-routines, the loop must
	// have drained the channel before the waitgroup counter is final
	<-e.loopTerminated

	e.wg.Wait()
	e.logger.Info("event loop terminated", logfields.Event("eventloop_terminated"))
}

func (e *EvLoop) isDuplicate(ev *provider.Event) bool {
	if ev.DeliveryID == "" {
		return false
	}

	_, added := e.seen.EnqueueIfNotExist(ev.DeliveryID, ev.DeliveryID)
	if !added {
		return true
	}

	if e.seen.Len() > dedupWindow {
		e.seen.Dequeue(e.seen.First())
	}

	return false
}

// notifyAsync runs fn in a go-routine, porter notifications can block on the
// per-label task queues and must not stall event processing.
func (e *EvLoop) notifyAsync(fn func(context.Context) error, logF []zap.Field) {
	e.wg.Add(1)

	go func() {
		if e.routineDefer != nil {
			defer e.routineDefer()
		}
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			e.logger.Error(
				"notifying porter failed",
				append(logF, zap.Error(err), logfields.Event("porter_notification_failed"))...,
			)
		}
	}()
}

func (e *EvLoop) handlePullRequest(ctx context.Context, ev *provider.Event) error {
	if !e.repos.Contains(ev.Repository) {
		e.logger.Debug(
			"ignoring event, repository is not configured",
			append(ev.LogFields(), logfields.Event("event_unknown_repository"))...,
		)

		return nil
	}

	id := genealogy.PRID{Repo: ev.Repository, Number: ev.PullRequestNr}

	switch ev.Action {
	case "opened", "ready_for_review", "reopened":
		return e.prOpened(ctx, ev, id)
	case "synchronize":
		return e.prSynchronized(ctx, ev, id)
	case "edited":
		return e.prEdited(ctx, ev, id)
	case "closed":
		if ev.Merged {
			return e.prMerged(ctx, ev, id)
		}
		return e.prClosed(ctx, ev, id)
	default:
		return nil
	}
}

// prOpened records a new pull request and links it into the batch of its
// label and target.
// Reopened pull requests only transition back to opened, their reminder
// schedule resumes. Pull requests authored by the bot are recorded by the
// porter itself, with chain information webhooks do not carry.
func (e *EvLoop) prOpened(ctx context.Context, ev *provider.Event, id genealogy.PRID) error {
	if ev.AuthorLogin == e.botLogin {
		return nil
	}

	var linked bool

	err := e.store.Update(ctx, func(tx *genealogy.Tx) error {
		linked = false

		pr, err := tx.PR(id)
		if err == nil {
			pr.State = genealogy.StateOpened
			pr.ClosedAt = time.Time{}
			pr.Head = ev.CommitID

			return nil
		}
		if !errors.Is(err, genealogy.ErrNotFound) {
			return err
		}

		batch := findOpenBatch(tx, ev.HeadLabel, ev.BaseBranch)
		if batch == nil {
			batchID := tx.CreateBatch(&genealogy.Batch{
				Label:  ev.HeadLabel,
				Target: ev.BaseBranch,
			})

			batch, err = tx.Batch(batchID)
			if err != nil {
				return err
			}
		}

		err = tx.CreatePR(&genealogy.PullRequest{
			Repo:      id.Repo,
			Number:    id.Number,
			Head:      ev.CommitID,
			Target:    ev.BaseBranch,
			Label:     ev.HeadLabel,
			BatchID:   batch.ID,
			State:     genealogy.StateOpened,
			Author:    genealogy.Identity{Name: ev.AuthorLogin},
			Message:   composeMessage(ev.Title, ev.Body),
			CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}

		batch.PRs = append(batch.PRs, id)
		linked = true

		return nil
	})
	if err != nil {
		return err
	}

	if linked {
		e.notifyAsync(func(ctx context.Context) error {
			return e.porter.OnPRLinked(ctx, id)
		}, ev.LogFields())
	}

	return nil
}

// prSynchronized updates the recorded head.
// An external push to a forward-port pull request takes it out of the chain,
// the author claimed it and further automatic ports would overwrite their
// work. Ports derived from the old head are stale, attached children are
// detached as well.
func (e *EvLoop) prSynchronized(ctx context.Context, ev *provider.Event, id genealogy.PRID) error {
	return e.store.Update(ctx, func(tx *genealogy.Tx) error {
		pr, err := tx.PR(id)
		if err != nil {
			if errors.Is(err, genealogy.ErrNotFound) {
				return nil
			}
			return err
		}

		if pr.Head == ev.CommitID {
			return nil
		}

		pr.Head = ev.CommitID

		if ev.SenderLogin == e.botLogin {
			return nil
		}

		if pr.SourceID != nil {
			pr.Detach(fmt.Sprintf("head was updated externally by %q", ev.SenderLogin))
		}

		for _, child := range tx.ChildrenOf(id) {
			child.Detach(fmt.Sprintf("parent %s was updated externally", id))
		}

		return nil
	})
}

func (e *EvLoop) prEdited(ctx context.Context, ev *provider.Event, id genealogy.PRID) error {
	return e.store.Update(ctx, func(tx *genealogy.Tx) error {
		pr, err := tx.PR(id)
		if err != nil {
			if errors.Is(err, genealogy.ErrNotFound) {
				return nil
			}
			return err
		}

		// the message of original pull requests seeds future ports,
		// forward-port messages are derived and stay as created
		if pr.SourceID == nil {
			pr.Message = composeMessage(ev.Title, ev.Body)
		}

		return nil
	})
}

func (e *EvLoop) prMerged(ctx context.Context, ev *provider.Event, id genealogy.PRID) error {
	var (
		batchID int64
		merged  bool
	)

	err := e.store.Update(ctx, func(tx *genealogy.Tx) error {
		merged = false

		pr, err := tx.PR(id)
		if err != nil {
			if errors.Is(err, genealogy.ErrNotFound) {
				return nil
			}
			return err
		}

		pr.State = genealogy.StateMerged
		pr.MergedAt = time.Now()

		if ev.MergeCommitSHA != "" {
			if pr.CommitsMap == nil {
				pr.CommitsMap = map[string]string{}
			}
			pr.CommitsMap[pr.Head] = ev.MergeCommitSHA
		}

		batch, err := tx.Batch(pr.BatchID)
		if err != nil {
			return err
		}

		for _, memberID := range batch.PRs {
			member, err := tx.PR(memberID)
			if err != nil {
				return err
			}

			if member.State != genealogy.StateMerged {
				return nil
			}
		}

		if !batch.Merged() {
			batch.MergeDate = time.Now()
			batchID = batch.ID
			merged = true
		}

		return nil
	})
	if err != nil {
		return err
	}

	if merged {
		e.notifyAsync(func(ctx context.Context) error {
			return e.porter.OnBatchMerged(ctx, batchID)
		}, ev.LogFields())
	}

	return nil
}

// prClosed marks the pull request closed and detaches it and its chain
// children, closing ends automatic propagation at this link.
func (e *EvLoop) prClosed(ctx context.Context, ev *provider.Event, id genealogy.PRID) error {
	return e.store.Update(ctx, func(tx *genealogy.Tx) error {
		pr, err := tx.PR(id)
		if err != nil {
			if errors.Is(err, genealogy.ErrNotFound) {
				return nil
			}
			return err
		}

		pr.State = genealogy.StateClosed
		pr.ClosedAt = time.Now()
		pr.Detach("pull request was closed")

		for _, child := range tx.ChildrenOf(id) {
			child.Detach(fmt.Sprintf("parent %s was closed", id))
		}

		return nil
	})
}

func (e *EvLoop) handleReview(ctx context.Context, ev *provider.Event) error {
	if !e.repos.Contains(ev.Repository) {
		return nil
	}

	id := genealogy.PRID{Repo: ev.Repository, Number: ev.PullRequestNr}

	switch {
	case ev.Action == "submitted" && strings.EqualFold(ev.ReviewState, "approved"):
		return e.reviewApproved(ctx, ev, id)

	case ev.Action == "dismissed",
		ev.Action == "submitted" && strings.EqualFold(ev.ReviewState, "changes_requested"):
		return e.reviewRetracted(ctx, ev, id)

	default:
		return nil
	}
}

func (e *EvLoop) reviewApproved(ctx context.Context, ev *provider.Event, id genealogy.PRID) error {
	return e.store.Update(ctx, func(tx *genealogy.Tx) error {
		pr, err := tx.PR(id)
		if err != nil {
			if errors.Is(err, genealogy.ErrNotFound) {
				return nil
			}
			return err
		}

		pr.ReviewedBy = genealogy.Identity{Name: ev.ReviewerLogin}

		switch pr.State {
		case genealogy.StateOpened, genealogy.StateValidated:
			pr.State = genealogy.StateApproved
		}

		return nil
	})
}

// reviewRetracted clears the stored approval when an approving review was
// dismissed or a reviewer requested changes.
// Only this pull request's approval is cleared, siblings and children keep
// theirs. The porter decides afterwards whether the retraction is final and
// left the chain without any approved pull request.
func (e *EvLoop) reviewRetracted(ctx context.Context, ev *provider.Event, id genealogy.PRID) error {
	var wasApproved bool

	err := e.store.Update(ctx, func(tx *genealogy.Tx) error {
		wasApproved = false

		pr, err := tx.PR(id)
		if err != nil {
			if errors.Is(err, genealogy.ErrNotFound) {
				return nil
			}
			return err
		}

		if pr.ReviewedBy == (genealogy.Identity{}) {
			return nil
		}

		wasApproved = true
		pr.ReviewedBy = genealogy.Identity{}

		switch pr.State {
		case genealogy.StateApproved:
			pr.State = genealogy.StateOpened
		case genealogy.StateReady:
			pr.State = genealogy.StateValidated
		}

		return nil
	})
	if err != nil || !wasApproved {
		return err
	}

	e.notifyAsync(func(ctx context.Context) error {
		return e.porter.OnApprovalRetracted(ctx, id)
	}, ev.LogFields())

	return nil
}

// handleComment reacts to pull request comments that address the bot.
// The only command is "up to <branch>", it caps how far the chain of the
// pull request is forward-ported.
func (e *EvLoop) handleComment(ev *provider.Event) error {
	if !e.repos.Contains(ev.Repository) || ev.Action != "created" {
		return nil
	}

	branch, found := parseUpToCommand(ev.Body, e.botLogin)
	if !found {
		return nil
	}

	id := genealogy.PRID{Repo: ev.Repository, Number: ev.PullRequestNr}

	e.notifyAsync(func(ctx context.Context) error {
		return e.porter.SetPortLimit(ctx, id, branch)
	}, ev.LogFields())

	return nil
}

// parseUpToCommand extracts the branch from an "up to" command addressed to
// the bot, e.g. "@fp-bot up to maint-1.2".
func parseUpToCommand(body, botLogin string) (branch string, found bool) {
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || !strings.EqualFold(fields[0], "@"+botLogin) {
			continue
		}

		if fields[1] != "up" || fields[2] != "to" {
			continue
		}

		return fields[3], true
	}

	return "", false
}

func findOpenBatch(tx *genealogy.Tx, label, target string) *genealogy.Batch {
	batches := tx.Batches(func(b *genealogy.Batch) bool {
		return b.Label == label && b.Target == target && !b.Merged()
	})
	if len(batches) == 0 {
		return nil
	}

	return batches[0]
}

func composeMessage(title, body string) string {
	if body == "" {
		return title
	}

	return title + "\n\n" + body
}
