package githubclt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/philopon/go-toposort"
)

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
	Date  time.Time
}

// Commit is a commit of a pull request.
type Commit struct {
	SHA       string
	TreeSHA   string
	Message   string
	Author    Signature
	Committer Signature
	Parents   []string
}

// ListCommits returns the commits of a pull request, oldest first.
// The github API mostly returns commits in that order already, but does not
// guarantee it. The result is ordered topologically by the parent graph, ties
// between independent commits are broken by the original API order.
func (clt *Client) ListCommits(ctx context.Context, owner, repo string, prNumber int) ([]*Commit, error) {
	var result []*Commit

	opts := github.ListOptions{PerPage: 100}
	for {
		commits, resp, err := clt.restClt.PullRequests.ListCommits(ctx, owner, repo, prNumber, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, rc := range commits {
			result = append(result, fromRepositoryCommit(rc))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return sortCommitsTopologically(result)
}

func fromRepositoryCommit(rc *github.RepositoryCommit) *Commit {
	commit := rc.GetCommit()

	parents := make([]string, 0, len(rc.Parents))
	for _, p := range rc.Parents {
		parents = append(parents, p.GetSHA())
	}

	return &Commit{
		SHA:     rc.GetSHA(),
		TreeSHA: commit.GetTree().GetSHA(),
		Message: commit.GetMessage(),
		Author: Signature{
			Name:  commit.GetAuthor().GetName(),
			Email: commit.GetAuthor().GetEmail(),
			Date:  commit.GetAuthor().GetDate().Time,
		},
		Committer: Signature{
			Name:  commit.GetCommitter().GetName(),
			Email: commit.GetCommitter().GetEmail(),
			Date:  commit.GetCommitter().GetDate().Time,
		},
		Parents: parents,
	}
}

// sortCommitsTopologically orders commits so that every commit comes after
// its parents.
// Nodes are added in original order, which pins the tie-break between
// unrelated commits (e.g. disconnected rebase artifacts) to the order the
// API returned them in.
func sortCommitsTopologically(commits []*Commit) ([]*Commit, error) {
	bySHA := make(map[string]*Commit, len(commits))
	graph := toposort.NewGraph(len(commits))

	for _, c := range commits {
		bySHA[c.SHA] = c
		graph.AddNode(c.SHA)
	}

	for _, c := range commits {
		for _, parent := range c.Parents {
			if _, exist := bySHA[parent]; exist {
				graph.AddEdge(parent, c.SHA)
			}
		}
	}

	order, ok := graph.Toposort()
	if !ok {
		return nil, fmt.Errorf("commit graph of %d commits contains a cycle", len(commits))
	}

	idx := make(map[string]int, len(order))
	for i, sha := range order {
		idx[sha] = i
	}

	sorted := append([]*Commit{}, commits...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return idx[sorted[i].SHA] < idx[sorted[j].SHA]
	})

	return sorted, nil
}
