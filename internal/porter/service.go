package porter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forwardporter/internal/genealogy"
	"github.com/simplesurance/forwardporter/internal/githubclt"
	"github.com/simplesurance/forwardporter/internal/logfields"
	"github.com/simplesurance/forwardporter/internal/routines"
)

const loggerName = "porter"

const (
	labelForwardport = "forwardport"
	labelConflict    = "conflict"
)

// HostClient is the part of the pull-request hosting API that the porter
// needs.
// It is implemented by githubclt.Client.
type HostClient interface {
	ListCommits(ctx context.Context, owner, repo string, prNumber int) ([]*githubclt.Commit, error)
	CreatePullRequest(ctx context.Context, owner, repo, base, head, title, body string) (nr int, created bool, err error)
	AddLabels(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, labels []string) error
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
	PRReviewDecision(ctx context.Context, owner, repo string, prNumber int) (githubclt.ReviewDecision, error)
}

// Retryer is an interface used for running remote operations repeatedly if
// they fail with a temporary error.
type Retryer interface {
	Run(context.Context, func(context.Context) error, []zap.Field) error
	Stop()
}

// Repository is one upstream repository taking part in forward-porting.
type Repository struct {
	// Name is the full upstream repository name, e.g. "golang/go".
	Name string
	// FPRemoteTarget is the full name of the fork that port branches are
	// pushed to.
	FPRemoteTarget string
	// UpstreamRemote and ForkRemote are the git remote names or URLs used
	// for fetching from the upstream repository respectively pushing port
	// branches to the fork.
	UpstreamRemote string
	ForkRemote     string

	Git GitClient
}

// ForkOwner returns the owner of the fork that port branches live in.
func (r *Repository) ForkOwner() string {
	owner, _ := splitFullName(r.FPRemoteTarget)
	return owner
}

// TaskSource describes why a port was requested.
type TaskSource string

const (
	// TaskSourceMerge ports a batch that was just merged.
	TaskSourceMerge TaskSource = "merge"
	// TaskSourceComplete stitches a late sibling pull request through the
	// already-ported chain of its batch.
	TaskSourceComplete TaskSource = "complete"
	// TaskSourceInsert backfills the port for a branch that was inserted
	// into the middle of the sequence.
	TaskSourceInsert TaskSource = "insert"
)

// Task is a queued unit of port work, consumed exactly once.
type Task struct {
	BatchID int64
	Source  TaskSource
	// PR identifies the newly linked pull request, only set for complete
	// tasks.
	PR *genealogy.PRID
}

// Service drives forward-porting: it consumes port tasks, runs the
// cherry-pick engine, publishes the results and keeps the genealogy
// consistent.
//
// Tasks are serialized per label via queues of size 1, unrelated labels are
// processed concurrently.
type Service struct {
	store    *genealogy.Store
	host     HostClient
	notifier Notifier
	retryer  Retryer
	repos    map[string]*Repository
	bot      genealogy.Identity
	logger   *zap.Logger

	seqLock  sync.RWMutex
	sequence genealogy.Sequence

	lock   sync.Mutex
	queues map[string]*routines.Pool
}

func New(
	store *genealogy.Store,
	host HostClient,
	notifier Notifier,
	retryer Retryer,
	repos []*Repository,
	sequence genealogy.Sequence,
	bot genealogy.Identity,
) *Service {
	repoMap := make(map[string]*Repository, len(repos))
	for _, r := range repos {
		repoMap[r.Name] = r
	}

	if notifier == nil {
		notifier = NopNotifier{}
	}

	return &Service{
		store:    store,
		host:     host,
		notifier: notifier,
		retryer:  retryer,
		repos:    repoMap,
		sequence: sequence,
		bot:      bot,
		logger:   zap.L().Named(loggerName),
		queues:   map[string]*routines.Pool{},
	}
}

// Stop terminates task processing and waits until all queued tasks finished.
func (s *Service) Stop() {
	s.retryer.Stop()

	s.lock.Lock()
	pools := make([]*routines.Pool, 0, len(s.queues))
	for _, p := range s.queues {
		pools = append(pools, p)
	}
	s.lock.Unlock()

	for _, p := range pools {
		p.Wait()
	}
}

// OnBatchMerged enqueues a merge port task for the batch.
// It is idempotent, duplicate deliveries result in at most one forward-port
// pull request per label and target.
func (s *Service) OnBatchMerged(ctx context.Context, batchID int64) error {
	var label string

	err := s.store.View(ctx, func(tx *genealogy.Tx) error {
		batch, err := tx.Batch(batchID)
		if err != nil {
			return err
		}

		label = batch.Label
		return nil
	})
	if err != nil {
		return err
	}

	s.enqueue(label, &Task{BatchID: batchID, Source: TaskSourceMerge})
	return nil
}

// OnPRLinked enqueues a complete task when a pull request was linked into a
// batch that already has forward-ported siblings.
// For batches without ported descendants nothing happens, the next merge
// ports the whole batch.
func (s *Service) OnPRLinked(ctx context.Context, prID genealogy.PRID) error {
	var (
		label   string
		batchID int64
		ported  bool
	)

	err := s.store.View(ctx, func(tx *genealogy.Tx) error {
		pr, err := tx.PR(prID)
		if err != nil {
			return err
		}

		batch, err := tx.Batch(pr.BatchID)
		if err != nil {
			return err
		}

		label = batch.Label
		batchID = batch.ID
		ported = len(tx.BatchChildren(batch.ID)) > 0
		return nil
	})
	if err != nil {
		return err
	}

	if !ported {
		return nil
	}

	s.enqueue(label, &Task{
		BatchID: batchID,
		Source:  TaskSourceComplete,
		PR:      &prID,
	})

	return nil
}

// OnApprovalRetracted reconciles the stored approval state after an approving
// review on a chain member was dismissed or superseded.
// The host's aggregated review decision is authoritative: a dismissed review
// can leave other approving reviews standing, in that case the approved state
// is restored. When the retraction left the whole chain without an approved
// pull request, a notice is posted on the affected one. Chains that still
// carry another approved member stay silent.
func (s *Service) OnApprovalRetracted(ctx context.Context, prID genealogy.PRID) error {
	logF := []zap.Field{
		logfields.Repository(prID.Repo),
		logfields.PullRequest(prID.Number),
	}

	owner, repoName := splitFullName(prID.Repo)

	var decision githubclt.ReviewDecision
	err := s.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		decision, err = s.host.PRReviewDecision(ctx, owner, repoName, prID.Number)
		return err
	}, logF)
	if err != nil {
		return err
	}

	if decision == githubclt.ReviewDecisionApproved {
		return s.store.Update(ctx, func(tx *genealogy.Tx) error {
			pr, err := tx.PR(prID)
			if err != nil {
				if errors.Is(err, genealogy.ErrNotFound) {
					return nil
				}
				return err
			}

			// the identity of the remaining approver is unknown,
			// only the state is restored
			switch pr.State {
			case genealogy.StateOpened, genealogy.StateValidated:
				pr.State = genealogy.StateApproved
			}

			s.logger.Info(
				"approval kept, the pull request still has an approving review",
				append(logF, logfields.Event("port_approval_kept"))...,
			)

			return nil
		})
	}

	var otherApproved bool
	err = s.store.View(ctx, func(tx *genealogy.Tx) error {
		otherApproved = false

		pr, err := tx.PR(prID)
		if err != nil {
			return err
		}

		root, err := tx.Root(pr)
		if err != nil {
			return err
		}

		members := append(tx.BySource(root.ID()), root)
		for _, member := range members {
			if member.ID() == prID || member.State.Terminal() {
				continue
			}

			if member.ReviewedBy != (genealogy.Identity{}) {
				otherApproved = true
				return nil
			}
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, genealogy.ErrNotFound) {
			return nil
		}
		return err
	}

	if otherApproved {
		return nil
	}

	s.notify(ctx, &Event{Kind: EventApprovalRetracted, PR: prID})
	return nil
}

// SetPortLimit caps how far the chain of the pull request is forward-ported.
// The limit is recorded on the chain root, the whole chain including future
// ports honors it.
func (s *Service) SetPortLimit(ctx context.Context, prID genealogy.PRID, branch string) error {
	s.seqLock.RLock()
	known := s.sequence.Index(branch) >= 0
	s.seqLock.RUnlock()

	if !known {
		return fmt.Errorf("cannot limit porting of %s: branch %q is not part of the branch sequence", prID, branch)
	}

	err := s.store.Update(ctx, func(tx *genealogy.Tx) error {
		pr, err := tx.PR(prID)
		if err != nil {
			return err
		}

		root, err := tx.Root(pr)
		if err != nil {
			return err
		}

		root.LimitTarget = branch
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info(
		"port limit set",
		logfields.Repository(prID.Repo),
		logfields.PullRequest(prID.Number),
		logfields.TargetBranch(branch),
		logfields.Event("port_limit_set"),
	)

	return nil
}

// taskTimeout bounds the lifetime of a single port task, matching the
// give-up timeout of the retry layer.
const taskTimeout = 24 * time.Hour

// enqueue schedules the task on the serialization queue of its label.
// The caller's context only covers the enqueueing, tasks run under their own
// context: a task that pushed a branch must also open the pull request.
func (s *Service) enqueue(label string, task *Task) {
	logF := []zap.Field{
		logfields.Label(label),
		logfields.TaskSource(string(task.Source)),
		zap.Int64("port.batch_id", task.BatchID),
	}

	s.lock.Lock()
	pool, exist := s.queues[label]
	if !exist {
		pool = routines.NewPool(1)
		s.queues[label] = pool
	}
	s.lock.Unlock()

	metrics.taskEnqueued(string(task.Source))

	pool.Queue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()

		err := s.retryer.Run(ctx, func(ctx context.Context) error {
			return s.processTask(ctx, task)
		}, logF)
		if err != nil {
			metrics.taskFailed(string(task.Source))
			s.logger.Error(
				"processing port task failed",
				append(logF, zap.Error(err), logfields.Event("port_task_failed"))...,
			)

			return
		}

		metrics.taskProcessed(string(task.Source))
	})
}

func (s *Service) processTask(ctx context.Context, task *Task) error {
	if task.Source == TaskSourceComplete {
		return s.completeBatch(ctx, task)
	}

	newBatchID, err := s.portBatch(ctx, task.BatchID)
	if err != nil {
		return err
	}

	if newBatchID == 0 {
		s.logger.Info(
			"batch not ported, end of branch sequence reached",
			logfields.Event("port_end_of_sequence"),
			zap.Int64("port.batch_id", task.BatchID),
		)

		return nil
	}

	if task.Source == TaskSourceInsert {
		return s.stitchInsertedBatch(ctx, task.BatchID, newBatchID)
	}

	return nil
}

// portBatch forward-ports every pull request of the batch to the next active
// branch and groups the results into a new child batch.
// It returns 0 when the batch reached the end of its sequence.
func (s *Service) portBatch(ctx context.Context, batchID int64) (int64, error) {
	var (
		batch *genealogy.Batch
		prs   []*genealogy.PullRequest
		roots = map[genealogy.PRID]*genealogy.PullRequest{}
	)

	err := s.store.View(ctx, func(tx *genealogy.Tx) error {
		var err error

		batch, err = tx.Batch(batchID)
		if err != nil {
			return err
		}

		for _, id := range batch.PRs {
			pr, err := tx.PR(id)
			if err != nil {
				return err
			}

			root, err := tx.Root(pr)
			if err != nil {
				return err
			}

			prs = append(prs, pr)
			roots[pr.ID()] = root
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	// PRs whose chain reached its limit are done, the others must agree
	// on the next target, batches advance through the sequence as a unit.
	var (
		toPort []*genealogy.PullRequest
		next   string
	)

	for _, pr := range prs {
		prNext, exist := s.nextTarget(pr, roots[pr.ID()])
		if !exist {
			s.notify(ctx, &Event{
				Kind:   EventChainComplete,
				PR:     pr.ID(),
				Source: pr.SourceID,
			})

			continue
		}

		if next != "" && prNext != next {
			return 0, &ConfigurationError{
				Reason: fmt.Sprintf(
					"pull requests of batch %d disagree on the next target (%q vs. %q)",
					batchID, next, prNext,
				),
			}
		}

		next = prNext
		toPort = append(toPort, pr)
	}

	if len(toPort) == 0 {
		return 0, nil
	}

	// all pull requests of the batch share one port branch name, derived
	// from the branch name of the original change
	refname := portRefname(next, roots[toPort[0].ID()].Label)

	results := make([]*portResult, 0, len(toPort))
	for _, pr := range toPort {
		result, err := s.portPR(ctx, pr, roots[pr.ID()], next, refname)
		if err != nil {
			return 0, err
		}
		if result == nil { // duplicate, already ported
			continue
		}

		results = append(results, result)
	}

	if len(results) == 0 {
		return 0, nil
	}

	newBatchID, err := s.publishResults(ctx, batch, next, results, 0)
	if errors.Is(err, errStaleResult) {
		return 0, nil
	}

	return newBatchID, err
}

// portResult is the outcome of porting a single pull request, pending
// persistence.
type portResult struct {
	pred     *genealogy.PullRequest
	root     *genealogy.PullRequest
	newHead  string
	newNr    int
	refname  string
	conflict *ConflictError
}

// portPR cherry-picks the root of the pull request's chain onto the next
// branch, pushes the port branch under refname and opens the pull request.
// A nil result without error means an open port already exists and nothing
// was done.
func (s *Service) portPR(ctx context.Context, pred, root *genealogy.PullRequest, next, refname string) (*portResult, error) {
	logger := s.logger.With(
		logfields.Repository(pred.Repo),
		logfields.PullRequest(pred.Number),
		logfields.Label(pred.Label),
		logfields.TargetBranch(next),
	)

	repo, exist := s.repos[pred.Repo]
	if !exist {
		return nil, fmt.Errorf("repository %q is not configured", pred.Repo)
	}

	var duplicate bool
	err := s.store.View(ctx, func(tx *genealogy.Tx) error {
		for _, member := range tx.BySource(root.ID()) {
			if member.Target == next && !member.State.Terminal() {
				duplicate = true
				return nil
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		logger.Info(
			"skipping port, the chain already reaches the target",
			logfields.Event("port_duplicate_skipped"),
		)

		return nil, nil
	}

	targetHead, err := s.fetchTargetHead(ctx, repo, next, root.Head)
	if err != nil {
		return nil, err
	}

	rootOwner, rootRepo := splitFullName(root.Repo)
	commits, err := s.host.ListCommits(ctx, rootOwner, rootRepo, root.Number)
	if err != nil {
		return nil, err
	}

	engine := NewEngine(repo.Git, s.bot, logger)

	result := &portResult{
		pred:    pred,
		root:    root,
		refname: refname,
	}

	head, err := engine.CherryPick(ctx, commits, targetHead, root.CommitsMap)
	if err != nil {
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}

		head, err = engine.CommitConflict(ctx,
			conflict, targetHead, root.Head,
			repo.UpstreamRemote, root.Target,
			root.CommitsMap,
		)
		if err != nil {
			return nil, err
		}

		result.conflict = conflict
	}

	result.newHead = head

	if err := repo.Git.Push(ctx, repo.ForkRemote, head+":refs/heads/"+result.refname); err != nil {
		return nil, err
	}

	nr, err := s.openPullRequest(ctx, repo, pred, root, next, result.refname)
	if err != nil {
		return nil, err
	}
	result.newNr = nr

	logger.Info(
		"pull request forward-ported",
		logfields.Event("port_branch_pushed"),
		zap.Int("github.new_pull_request", nr),
		zap.Bool("port.conflict", result.conflict != nil),
	)

	return result, nil
}

// fetchTargetHead fetches the branch from the upstream remote and returns
// its head.
func (s *Service) fetchTargetHead(ctx context.Context, repo *Repository, branch, knownAncestor string) (string, error) {
	heads, err := repo.Git.FetchHeads(ctx, repo.UpstreamRemote, "refs/heads/"+branch, knownAncestor)
	if err != nil {
		return "", err
	}

	for _, h := range heads {
		if h != knownAncestor {
			return h, nil
		}
	}

	return "", fmt.Errorf("fetching %q from %q returned no head", branch, repo.UpstreamRemote)
}

// openPullRequest opens the forward-port pull request on the upstream
// repository.
// When creating it fails the pushed port branch is deleted again, so a
// retried task starts from a clean slate.
func (s *Service) openPullRequest(ctx context.Context, repo *Repository, pred, root *genealogy.PullRequest, base, refname string) (int, error) {
	title, body := splitTitleBody(root.Message)
	body = strings.TrimSpace(body + "\n\nForward-Port-Of: " + pred.DisplayName())

	owner, repoName := splitFullName(repo.Name)

	nr, created, err := s.host.CreatePullRequest(ctx,
		owner, repoName,
		base,
		repo.ForkOwner()+":"+refname,
		fwTitle(title),
		body,
	)
	if err != nil {
		forkOwner, forkRepo := splitFullName(repo.FPRemoteTarget)
		if delErr := s.host.DeleteBranch(ctx, forkOwner, forkRepo, refname); delErr != nil {
			s.logger.Warn(
				"deleting port branch after failed pull request creation failed",
				logfields.Event("port_branch_cleanup_failed"),
				logfields.Branch(refname),
				zap.Error(delErr),
			)
		}

		return 0, fmt.Errorf("creating forward-port pull request failed: %w", err)
	}

	if !created {
		s.logger.Info(
			"forward-port pull request already exists",
			logfields.Event("port_pr_exists"),
			zap.Int("github.pull_request", nr),
		)
	}

	return nr, nil
}

// publishResults persists the ported pull requests and their new batch in
// one transaction and sends the notifications.
// intoBatchID assigns the new PRs to an existing batch, 0 creates a child
// batch of the ported one.
func (s *Service) publishResults(ctx context.Context, batch *genealogy.Batch, next string, results []*portResult, intoBatchID int64) (int64, error) {
	now := time.Now()
	newBatchID := intoBatchID

	var events []*Event

	err := s.store.Update(ctx, func(tx *genealogy.Tx) error {
		events = events[:0]

		// an external push to the root while the port was running
		// makes the result stale, discard it
		for _, result := range results {
			cur, err := tx.PR(result.root.ID())
			if err != nil {
				return err
			}

			if cur.Head != result.root.Head {
				s.logger.Info(
					"discarding port result, root head changed",
					logfields.Event("port_result_stale"),
					logfields.Repository(result.root.Repo),
					logfields.PullRequest(result.root.Number),
				)

				return errStaleResult
			}
		}

		if newBatchID == 0 {
			first := results[0]
			newBatchID = tx.CreateBatch(&genealogy.Batch{
				Label:    s.repos[first.pred.Repo].ForkOwner() + ":" + first.refname,
				Target:   next,
				ParentID: batch.ID,
			})
		}

		newBatch, err := tx.Batch(newBatchID)
		if err != nil {
			return err
		}

		for _, result := range results {
			repo := s.repos[result.pred.Repo]

			newPR := &genealogy.PullRequest{
				Repo:         result.pred.Repo,
				Number:       result.newNr,
				Head:         result.newHead,
				Target:       next,
				Label:        repo.ForkOwner() + ":" + result.refname,
				BatchID:      newBatchID,
				SourceID:     ptr(result.root.ID()),
				LimitTarget:  result.pred.LimitTarget,
				State:        genealogy.StateOpened,
				Author:       result.root.Author,
				Message:      result.root.Message,
				CommitsMap:   result.root.CommitsMap,
				CreatedAt:    now,
				ReminderNext: now.Add(reminderShortBackoff),
			}

			if result.conflict == nil {
				newPR.ParentID = ptr(result.pred.ID())
			} else {
				newPR.DetachReason = strings.TrimSpace(
					result.conflict.Stdout + "\n" + result.conflict.Stderr,
				)
			}

			if err := tx.CreatePR(newPR); err != nil {
				if errors.Is(err, genealogy.ErrDuplicatePort) ||
					errors.Is(err, genealogy.ErrAlreadyExists) {
					continue
				}

				return err
			}

			newBatch.PRs = append(newBatch.PRs, newPR.ID())

			event := &Event{
				Kind:   EventPorted,
				PR:     result.pred.ID(),
				Source: ptr(result.root.ID()),
				NewPR:  ptr(newPR.ID()),
			}
			if result.conflict != nil {
				event.Kind = EventConflict
				event.Detail = newPR.DetachReason
			}
			events = append(events, event)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, result := range results {
		labels := []string{labelForwardport}
		if result.conflict != nil {
			labels = append(labels, labelConflict)
		}

		owner, repoName := splitFullName(result.pred.Repo)
		if err := s.host.AddLabels(ctx, owner, repoName, result.newNr, labels); err != nil {
			s.logger.Warn(
				"adding labels to forward-port pull request failed",
				logfields.Event("port_labels_failed"),
				logfields.Repository(result.pred.Repo),
				zap.Int("github.pull_request", result.newNr),
				zap.Error(err),
			)
		}

		metrics.ported(result.conflict != nil)
	}

	for _, event := range events {
		s.notify(ctx, event)
	}

	return newBatchID, nil
}

// errStaleResult aborts the publish transaction when a root head changed
// while its port was in flight.
var errStaleResult = errors.New("port result is stale")

// completeBatch stitches a newly linked pull request through the existing
// ported descendants of its batch, so all repositories of the label reach
// the same targets.
func (s *Service) completeBatch(ctx context.Context, task *Task) error {
	if task.PR == nil {
		s.logger.Warn(
			"cannot complete batch, task references no pull request",
			logfields.Event("port_complete_no_pr"),
			zap.Int64("port.batch_id", task.BatchID),
		)

		return nil
	}

	var (
		pr          *genealogy.PullRequest
		root        *genealogy.PullRequest
		descendants []*genealogy.Batch
	)

	err := s.store.View(ctx, func(tx *genealogy.Tx) error {
		var err error

		pr, err = tx.PR(*task.PR)
		if err != nil {
			return err
		}

		root, err = tx.Root(pr)
		if err != nil {
			return err
		}

		descendants = s.descendantBatches(tx, task.BatchID)
		return nil
	})
	if err != nil {
		return err
	}

	pred := pr
	for _, descendant := range descendants {
		next, exist := s.nextTarget(pred, root)
		if !exist {
			s.logger.Info(
				"not completing further, no next target",
				logfields.Event("port_complete_done"),
				logfields.Repository(pred.Repo),
				logfields.PullRequest(pred.Number),
			)

			return nil
		}

		if next != descendant.Target {
			s.notify(ctx, &Event{
				Kind:   EventInconsistent,
				PR:     pred.ID(),
				Source: ptr(root.ID()),
				Detail: fmt.Sprintf(
					"next target is %q but batch %d targets %q",
					next, descendant.ID, descendant.Target,
				),
			})

			return nil
		}

		// re-use the branch name of the already-ported siblings, per
		// target the whole batch shares one port branch
		result, err := s.portPR(ctx, pred, root, next, refnameOf(descendant.Label))
		if err != nil {
			return err
		}
		if result == nil { // already ported
			return nil
		}

		if _, err := s.publishResults(ctx, descendant, next, []*portResult{result}, descendant.ID); err != nil {
			if errors.Is(err, errStaleResult) {
				return nil
			}

			return err
		}

		err = s.store.View(ctx, func(tx *genealogy.Tx) error {
			var err error
			pred, err = tx.PR(genealogy.PRID{Repo: result.pred.Repo, Number: result.newNr})
			return err
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// descendantBatches returns the batches ported from the given one, ordered
// by branch sequence.
func (s *Service) descendantBatches(tx *genealogy.Tx, batchID int64) []*genealogy.Batch {
	var result []*genealogy.Batch

	pending := []int64{batchID}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]

		for _, child := range tx.BatchChildren(id) {
			result = append(result, child)
			pending = append(pending, child.ID)
		}
	}

	s.seqLock.RLock()
	defer s.seqLock.RUnlock()

	seq := s.sequence
	for i := 1; i < len(result); i++ {
		for j := i; j > 0 && seq.Precedes(result[j].Target, result[j-1].Target); j-- {
			result[j], result[j-1] = result[j-1], result[j]
		}
	}

	return result
}

// stitchInsertedBatch links a batch that was ported to a freshly inserted
// branch into the existing chain: the downstream batch is reparented onto
// the new one, reviewers of pre-existing descendants are copied over and
// their parent links are redirected unless they are detached.
func (s *Service) stitchInsertedBatch(ctx context.Context, oldBatchID, newBatchID int64) error {
	return s.store.Update(ctx, func(tx *genealogy.Tx) error {
		for _, b := range tx.BatchChildren(oldBatchID) {
			if b.ID != newBatchID {
				b.ParentID = newBatchID
			}
		}

		newBatch, err := tx.Batch(newBatchID)
		if err != nil {
			return err
		}

		for _, id := range newBatch.PRs {
			pr, err := tx.PR(id)
			if err != nil {
				return err
			}

			root, err := tx.Root(pr)
			if err != nil {
				return err
			}

			next, exist := s.nextTarget(pr, root)
			if !exist {
				continue
			}

			var descendant *genealogy.PullRequest
			for _, cand := range tx.BySource(root.ID()) {
				if cand.Target == next && cand.ID() != pr.ID() {
					descendant = cand
					break
				}
			}
			if descendant == nil {
				continue
			}

			if descendant.ReviewedBy != (genealogy.Identity{}) {
				pr.ReviewedBy = descendant.ReviewedBy
			}

			// detached descendants stay detached
			if descendant.ParentID != nil {
				descendant.ParentID = ptr(pr.ID())
			}
		}

		return nil
	})
}

// nextTarget computes the next active branch for the pull request, honoring
// its port limit.
func (s *Service) nextTarget(pr, root *genealogy.PullRequest) (string, bool) {
	limit := pr.LimitTarget
	if limit == "" && root != nil {
		limit = root.LimitTarget
	}

	s.seqLock.RLock()
	defer s.seqLock.RUnlock()

	return s.sequence.NextActive(pr.Target, limit)
}

func (s *Service) notify(ctx context.Context, event *Event) {
	s.notifier.Notify(ctx, event)
}

// portRefname generates the branch name for a new port step:
// the target branch, the ported chain's branch name and a random suffix.
func portRefname(target, label string) string {
	return fmt.Sprintf("%s-%s-%s-fw", target, refnameOf(label), randomSuffix())
}

func randomSuffix() string {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}

	return hex.EncodeToString(buf[:])
}

// refnameOf returns the branch part of a label.
func refnameOf(label string) string {
	if _, refname, found := strings.Cut(label, ":"); found {
		return refname
	}

	return label
}

func splitFullName(fullName string) (owner, repo string) {
	owner, repo, _ = strings.Cut(fullName, "/")
	return owner, repo
}

// fwTitle prefixes a pull request title for a forward-port.
func fwTitle(title string) string {
	if strings.HasPrefix(title, "[") {
		return "[FW]" + title
	}

	return "[FW] " + title
}

func ptr[T any](v T) *T {
	return &v
}
