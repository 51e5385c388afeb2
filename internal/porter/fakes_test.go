package porter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/simplesurance/forwardporter/internal/genealogy"
	"github.com/simplesurance/forwardporter/internal/gitclt"
	"github.com/simplesurance/forwardporter/internal/githubclt"
)

// fakeGit is an in-memory git object store implementing GitClient.
// Trees are maps of file path to content, merges are computed per file with
// three-way semantics, close enough to git merge-tree for the porting
// scenarios.
type fakeGit struct {
	mu sync.Mutex

	commits map[string]*fakeCommit
	trees   map[string]map[string]string
	treeIDs map[string]string
	remotes map[string]map[string]string // remote -> branch -> head

	nextCommit int

	pushes      []string
	deletedRefs []string
}

type fakeCommit struct {
	id        string
	tree      string
	parents   []string
	message   string
	author    gitclt.Signature
	committer gitclt.Signature
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		commits: map[string]*fakeCommit{},
		trees:   map[string]map[string]string{},
		treeIDs: map[string]string{},
		remotes: map[string]map[string]string{},
	}
}

// tree interns the file map and returns a content-addressed tree id, so
// identical trees compare equal.
func (g *fakeGit) tree(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "%s=%q;", p, files[p])
	}

	canonical := b.String()
	if id, exist := g.treeIDs[canonical]; exist {
		return id
	}

	id := fmt.Sprintf("tree-%d", len(g.treeIDs))
	g.treeIDs[canonical] = id

	copied := make(map[string]string, len(files))
	for p, c := range files {
		copied[p] = c
	}
	g.trees[id] = copied

	return id
}

func (g *fakeGit) commit(files map[string]string, parents []string, message string, author gitclt.Signature) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextCommit++
	id := fmt.Sprintf("commit-%d", g.nextCommit)
	g.commits[id] = &fakeCommit{
		id:        id,
		tree:      g.tree(files),
		parents:   parents,
		message:   message,
		author:    author,
		committer: author,
	}

	return id
}

func (g *fakeGit) setRemoteHead(remote, branch, head string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.remotes[remote] == nil {
		g.remotes[remote] = map[string]string{}
	}
	g.remotes[remote][branch] = head
}

func (g *fakeGit) files(rev string) map[string]string {
	if c, exist := g.commits[rev]; exist {
		return g.trees[c.tree]
	}
	if t, exist := g.trees[rev]; exist {
		return t
	}

	return nil
}

func (g *fakeGit) FetchHeads(_ context.Context, remote, ref, _ string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	branch := strings.TrimPrefix(ref, "refs/heads/")
	head, exist := g.remotes[remote][branch]
	if !exist {
		return nil, fmt.Errorf("remote %q has no branch %q", remote, branch)
	}

	return []string{head}, nil
}

func (g *fakeGit) MergeTree(_ context.Context, mergeBase, ours, theirs string, _ ...string) (*gitclt.MergeTreeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := g.files(mergeBase)
	ourFiles := g.files(ours)
	theirFiles := g.files(theirs)
	if base == nil || ourFiles == nil || theirFiles == nil {
		return nil, fmt.Errorf("unknown revision in merge-tree(%s, %s, %s)", mergeBase, ours, theirs)
	}

	paths := map[string]struct{}{}
	for p := range base {
		paths[p] = struct{}{}
	}
	for p := range ourFiles {
		paths[p] = struct{}{}
	}
	for p := range theirFiles {
		paths[p] = struct{}{}
	}

	result := map[string]string{}
	var conflicts []string

	for p := range paths {
		b, o, t := base[p], ourFiles[p], theirFiles[p]
		_, inOurs := ourFiles[p]
		_, inTheirs := theirFiles[p]

		switch {
		case o == t:
			if inOurs {
				result[p] = o
			}
		case o == b:
			if inTheirs {
				result[p] = t
			}
		case t == b:
			if inOurs {
				result[p] = o
			}
		case !inOurs:
			// deleted on our side, modified on theirs: the merge
			// silently re-adds the modified file
			result[p] = t
			conflicts = append(conflicts, p)
		case !inTheirs:
			result[p] = o
			conflicts = append(conflicts, p)
		default:
			result[p] = "<<<<<<< " + ours + "\n" + o + "\n=======\n" + t + "\n>>>>>>> " + theirs + "\n"
			conflicts = append(conflicts, p)
		}
	}

	treeID := g.tree(result)

	if len(conflicts) > 0 {
		sort.Strings(conflicts)

		var info strings.Builder
		for _, p := range conflicts {
			fmt.Fprintf(&info, "CONFLICT (content): Merge conflict in %s\n", p)
		}

		return &gitclt.MergeTreeResult{
			TreeID:       treeID,
			Clean:        false,
			InfoMessages: strings.TrimSpace(info.String()),
			ExitCode:     1,
		}, nil
	}

	return &gitclt.MergeTreeResult{TreeID: treeID, Clean: true}, nil
}

func (g *fakeGit) CommitTree(_ context.Context, tree string, parents []string, message string, author, committer gitclt.Signature) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exist := g.trees[tree]; !exist {
		return "", fmt.Errorf("unknown tree %q", tree)
	}

	g.nextCommit++
	id := fmt.Sprintf("commit-%d", g.nextCommit)
	g.commits[id] = &fakeCommit{
		id:        id,
		tree:      tree,
		parents:   append([]string{}, parents...),
		message:   message,
		author:    author,
		committer: committer,
	}

	return id, nil
}

func (g *fakeGit) DiffNames(_ context.Context, filter string, mergeBase bool, a, b string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	from := a
	if mergeBase {
		base, err := g.mergeBase(a, b)
		if err != nil {
			return nil, err
		}
		from = base
	}

	fromFiles := g.files(from)
	toFiles := g.files(b)
	if fromFiles == nil || toFiles == nil {
		return nil, fmt.Errorf("unknown revision in diff(%s, %s)", a, b)
	}

	var result []string
	for p, content := range toFiles {
		old, existed := fromFiles[p]

		switch filter {
		case "M":
			if existed && old != content {
				result = append(result, p)
			}
		case "A":
			if !existed {
				result = append(result, p)
			}
		default:
			return nil, fmt.Errorf("unsupported diff filter %q", filter)
		}
	}

	sort.Strings(result)
	return result, nil
}

func (g *fakeGit) mergeBase(a, b string) (string, error) {
	ancestors := map[string]struct{}{}
	for cur := a; cur != ""; {
		ancestors[cur] = struct{}{}
		c, exist := g.commits[cur]
		if !exist || len(c.parents) == 0 {
			break
		}
		cur = c.parents[0]
	}

	for cur := b; cur != ""; {
		if _, exist := ancestors[cur]; exist {
			return cur, nil
		}
		c, exist := g.commits[cur]
		if !exist || len(c.parents) == 0 {
			break
		}
		cur = c.parents[0]
	}

	return "", fmt.Errorf("no common ancestor of %q and %q", a, b)
}

func (g *fakeGit) TreeOf(_ context.Context, commit string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, exist := g.commits[commit]
	if !exist {
		return "", fmt.Errorf("unknown commit %q", commit)
	}

	return c.tree, nil
}

func (g *fakeGit) RemoteHead(_ context.Context, remote, branch string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	head, exist := g.remotes[remote][branch]
	if !exist {
		return "", fmt.Errorf("remote %q has no branch %q", remote, branch)
	}

	return head, nil
}

func (g *fakeGit) Push(_ context.Context, remote string, refspecs ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, spec := range refspecs {
		head, ref, found := strings.Cut(spec, ":")
		if !found {
			return fmt.Errorf("unsupported refspec %q", spec)
		}

		branch := strings.TrimPrefix(ref, "refs/heads/")
		if g.remotes[remote] == nil {
			g.remotes[remote] = map[string]string{}
		}
		g.remotes[remote][branch] = head
		g.pushes = append(g.pushes, remote+" "+spec)
	}

	return nil
}

func (g *fakeGit) DeleteRef(_ context.Context, remote, branch, expectedHead string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	head, exist := g.remotes[remote][branch]
	if !exist {
		return nil
	}

	if head != expectedHead {
		return fmt.Errorf("stale expected head for %q, remote is at %q", branch, head)
	}

	delete(g.remotes[remote], branch)
	g.deletedRefs = append(g.deletedRefs, remote+":"+branch)

	return nil
}

func (g *fakeGit) ModifyDelete(_ context.Context, tree string, files []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	orig, exist := g.trees[tree]
	if !exist {
		return "", fmt.Errorf("unknown tree %q", tree)
	}

	result := make(map[string]string, len(orig))
	for p, c := range orig {
		result[p] = c
	}
	for _, p := range files {
		result[p] = gitclt.ConflictMarkerContent(orig[p])
	}

	return g.tree(result), nil
}

var _ GitClient = (*fakeGit)(nil)

// fakeHost implements HostClient, PR numbers are assigned sequentially
// starting at 100.
type fakeHost struct {
	mu sync.Mutex

	commits   map[genealogy.PRID][]*githubclt.Commit
	decisions map[genealogy.PRID]githubclt.ReviewDecision

	nextNr  int
	created []*createdPR
	labels  map[genealogy.PRID][]string

	deletedBranches []string
}

type createdPR struct {
	owner, repo string
	base, head  string
	title, body string
	nr          int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		commits:   map[genealogy.PRID][]*githubclt.Commit{},
		decisions: map[genealogy.PRID]githubclt.ReviewDecision{},
		nextNr:    100,
		labels:    map[genealogy.PRID][]string{},
	}
}

func (h *fakeHost) setReviewDecision(id genealogy.PRID, decision githubclt.ReviewDecision) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.decisions[id] = decision
}

func (h *fakeHost) PRReviewDecision(_ context.Context, owner, repo string, prNumber int) (githubclt.ReviewDecision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := genealogy.PRID{Repo: owner + "/" + repo, Number: prNumber}
	if decision, exist := h.decisions[id]; exist {
		return decision, nil
	}

	return githubclt.ReviewDecisionReviewRequired, nil
}

func (h *fakeHost) setCommits(id genealogy.PRID, commits []*githubclt.Commit) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.commits[id] = commits
}

func (h *fakeHost) ListCommits(_ context.Context, owner, repo string, prNumber int) ([]*githubclt.Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := genealogy.PRID{Repo: owner + "/" + repo, Number: prNumber}
	commits, exist := h.commits[id]
	if !exist {
		return nil, fmt.Errorf("no commits configured for %s", id)
	}

	return commits, nil
}

func (h *fakeHost) CreatePullRequest(_ context.Context, owner, repo, base, head, title, body string) (int, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, pr := range h.created {
		if pr.owner == owner && pr.repo == repo && pr.base == base && pr.head == head {
			return pr.nr, false, nil
		}
	}

	h.nextNr++
	h.created = append(h.created, &createdPR{
		owner: owner, repo: repo,
		base: base, head: head,
		title: title, body: body,
		nr: h.nextNr,
	})

	return h.nextNr, true, nil
}

func (h *fakeHost) AddLabels(_ context.Context, owner, repo string, nr int, labels []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := genealogy.PRID{Repo: owner + "/" + repo, Number: nr}
	h.labels[id] = append(h.labels[id], labels...)

	return nil
}

func (h *fakeHost) DeleteBranch(_ context.Context, owner, repo, branch string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deletedBranches = append(h.deletedBranches, owner+"/"+repo+":"+branch)
	return nil
}

var _ HostClient = (*fakeHost)(nil)

// recordingNotifier captures events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []*Event
}

func (n *recordingNotifier) Notify(_ context.Context, event *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, event)
}

func (n *recordingNotifier) byKind(kind EventKind) []*Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	var result []*Event
	for _, e := range n.events {
		if e.Kind == kind {
			result = append(result, e)
		}
	}

	return result
}
