package genealogy

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a PR with the same identity is
	// created twice.
	ErrAlreadyExists = errors.New("already exists")
	// ErrDuplicatePort is returned when an open PR for the same
	// (repository, label, target) already exists, it makes a retried port
	// task a no-op.
	ErrDuplicatePort = errors.New("open pull request for label and target already exists")
)

// Store is an in-memory, transactional genealogy database.
// It is the sole source of truth for the port orchestrator; every mutation
// runs in an Update transaction that either commits completely or leaves the
// store unchanged.
//
// Persistence is intentionally not part of this package, the store models
// the transactional read-modify-write contract any real backend must
// provide.
type Store struct {
	mu   sync.Mutex
	data *database
}

type database struct {
	prs     map[PRID]*PullRequest
	batches map[int64]*Batch
	nextID  int64
}

func NewStore() *Store {
	return &Store{
		data: &database{
			prs:     map[PRID]*PullRequest{},
			batches: map[int64]*Batch{},
			nextID:  1,
		},
	}
}

// Tx provides access to the genealogy within one transaction.
// Pointers returned by Tx methods are only valid until the transaction
// function returns.
type Tx struct {
	db *database
}

// Update runs fn in a read-write transaction.
// When fn returns an error all modifications are rolled back.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()

	if err := fn(&Tx{db: s.data}); err != nil {
		s.data = snapshot
		return err
	}

	return nil
}

// View runs fn in a read-only transaction.
// fn must not modify the returned entities.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(&Tx{db: s.data.clone()})
}

func (db *database) clone() *database {
	prs := make(map[PRID]*PullRequest, len(db.prs))
	for id, pr := range db.prs {
		prs[id] = pr.clone()
	}

	batches := make(map[int64]*Batch, len(db.batches))
	for id, b := range db.batches {
		batches[id] = b.clone()
	}

	return &database{prs: prs, batches: batches, nextID: db.nextID}
}

func (p *PullRequest) clone() *PullRequest {
	clone := *p

	if p.SourceID != nil {
		id := *p.SourceID
		clone.SourceID = &id
	}
	if p.ParentID != nil {
		id := *p.ParentID
		clone.ParentID = &id
	}
	if p.CommitsMap != nil {
		clone.CommitsMap = make(map[string]string, len(p.CommitsMap))
		for k, v := range p.CommitsMap {
			clone.CommitsMap[k] = v
		}
	}

	return &clone
}

func (b *Batch) clone() *Batch {
	clone := *b
	clone.PRs = append([]PRID{}, b.PRs...)
	return &clone
}

// CreatePR adds a new pull request.
// It fails with ErrAlreadyExists when the identity is taken and with
// ErrDuplicatePort when an open PR for the same (repository, label, target)
// exists.
func (tx *Tx) CreatePR(pr *PullRequest) error {
	if _, exist := tx.db.prs[pr.ID()]; exist {
		return fmt.Errorf("pull request %s: %w", pr.DisplayName(), ErrAlreadyExists)
	}

	if dup := tx.OpenByLabelTarget(pr.Repo, pr.Label, pr.Target); dup != nil {
		return fmt.Errorf("pull request %s for label %q targeting %q: %w",
			dup.DisplayName(), pr.Label, pr.Target, ErrDuplicatePort)
	}

	if pr.State == "" {
		pr.State = StateOpened
	}

	tx.db.prs[pr.ID()] = pr

	return nil
}

// PR returns the pull request with the given id.
func (tx *Tx) PR(id PRID) (*PullRequest, error) {
	pr, exist := tx.db.prs[id]
	if !exist {
		return nil, fmt.Errorf("pull request %s: %w", id, ErrNotFound)
	}

	return pr, nil
}

// PRs returns all pull requests matching the filter.
func (tx *Tx) PRs(filter func(*PullRequest) bool) []*PullRequest {
	var result []*PullRequest
	for _, pr := range tx.db.prs {
		if filter(pr) {
			result = append(result, pr)
		}
	}

	return result
}

// OpenByLabelTarget returns the open (non-terminal) PR of the repository for
// the given label and target, or nil.
// At most one such PR exists at a time, CreatePR enforces it.
func (tx *Tx) OpenByLabelTarget(repo, label, target string) *PullRequest {
	for _, pr := range tx.db.prs {
		if pr.Repo == repo && pr.Label == label && pr.Target == target &&
			!pr.State.Terminal() {
			return pr
		}
	}

	return nil
}

// ChildrenOf returns the PRs whose parent link points at id.
func (tx *Tx) ChildrenOf(id PRID) []*PullRequest {
	return tx.PRs(func(pr *PullRequest) bool {
		return pr.ParentID != nil && *pr.ParentID == id
	})
}

// BySource returns all PRs of the chain rooted at the given source.
func (tx *Tx) BySource(id PRID) []*PullRequest {
	return tx.PRs(func(pr *PullRequest) bool {
		return pr.SourceID != nil && *pr.SourceID == id
	})
}

// Root resolves the chain root of the pull request.
func (tx *Tx) Root(pr *PullRequest) (*PullRequest, error) {
	if pr.SourceID == nil {
		return pr, nil
	}

	return tx.PR(*pr.SourceID)
}

// CreateBatch adds a batch and assigns its id.
func (tx *Tx) CreateBatch(b *Batch) int64 {
	b.ID = tx.db.nextID
	tx.db.nextID++
	tx.db.batches[b.ID] = b

	return b.ID
}

// Batch returns the batch with the given id.
func (tx *Tx) Batch(id int64) (*Batch, error) {
	b, exist := tx.db.batches[id]
	if !exist {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}

	return b, nil
}

// Batches returns all batches matching the filter.
func (tx *Tx) Batches(filter func(*Batch) bool) []*Batch {
	var result []*Batch
	for _, b := range tx.db.batches {
		if filter(b) {
			result = append(result, b)
		}
	}

	return result
}

// BatchChildren returns the batches forward-ported from the given batch.
func (tx *Tx) BatchChildren(id int64) []*Batch {
	return tx.Batches(func(b *Batch) bool {
		return b.ParentID == id
	})
}
