package porter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/forwardporter/internal/gitclt"
	"github.com/simplesurance/forwardporter/internal/githubclt"
)

func TestCherryPickAppliesCommitsInOrder(t *testing.T) {
	git := newFakeGit()

	base := git.commit(map[string]string{"f": "0"}, nil, "init", sigAlice)
	c1 := git.commit(map[string]string{"f": "1"}, []string{base}, "step one", sigAlice)
	c2 := git.commit(map[string]string{"f": "1", "g": "1"}, []string{c1}, "step two", sigAlice)
	target := git.commit(map[string]string{"f": "0", "h": "9"}, []string{base}, "target tip", sigAlice)

	commits := []*githubclt.Commit{
		{SHA: c1, Message: "step one", Author: ghAlice, Committer: ghAlice, Parents: []string{base}},
		{SHA: c2, Message: "step two", Author: ghAlice, Committer: ghAlice, Parents: []string{c1}},
	}

	engine := NewEngine(git, botIdentity, zaptest.NewLogger(t))

	head, err := engine.CherryPick(context.Background(), commits, target,
		map[string]string{c1: "merged-1", c2: "merged-2"})
	require.NoError(t, err)

	// both changes applied on top of the target's own content
	assert.Equal(t, map[string]string{"f": "1", "g": "1", "h": "9"}, git.files(head))

	second := git.commits[head]
	require.NotNil(t, second)
	assert.Contains(t, second.message, "step two")
	assert.Contains(t, second.message, "X-Original-Commit: merged-2")

	require.Len(t, second.parents, 1)
	first := git.commits[second.parents[0]]
	require.NotNil(t, first)
	assert.Contains(t, first.message, "X-Original-Commit: merged-1")
	assert.Equal(t, []string{target}, first.parents)

	// authorship is preserved, the author keeps the date, the committer
	// gets a fresh one
	assert.Equal(t, "alice", second.author.Name)
	assert.Equal(t, ghAlice.Date.Format(time.RFC3339), second.author.Date)
	assert.Empty(t, second.committer.Date)
}

func TestCherryPickRejectsMergeCommits(t *testing.T) {
	git := newFakeGit()
	engine := NewEngine(git, botIdentity, zaptest.NewLogger(t))

	_, err := engine.CherryPick(context.Background(), []*githubclt.Commit{
		{SHA: "m", Parents: []string{"p1", "p2"}},
	}, "head", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parents")
}

func TestConflictSignatures(t *testing.T) {
	bob := githubclt.Signature{
		Name:  "bob",
		Email: "bob@example.com",
		Date:  time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC),
	}

	t.Run("unanimous author is kept with the newest date", func(t *testing.T) {
		older := ghAlice
		newer := ghAlice
		newer.Date = ghAlice.Date.Add(time.Hour)

		author, committer := conflictSignatures(botIdentity, []*githubclt.Commit{
			{Author: older, Committer: older},
			{Author: newer, Committer: bob},
		})

		assert.Equal(t, gitclt.Signature{
			Name:  "alice",
			Email: "alice@example.com",
			Date:  newer.Date.Format(time.RFC3339),
		}, author)

		// committers disagree, the bot takes over, undated
		assert.Equal(t, gitclt.Signature{
			Name:  botIdentity.Name,
			Email: botIdentity.Email,
		}, committer)
	})

	t.Run("disagreeing authors attribute to the bot", func(t *testing.T) {
		author, committer := conflictSignatures(botIdentity, []*githubclt.Commit{
			{Author: ghAlice, Committer: ghAlice},
			{Author: bob, Committer: ghAlice},
		})

		assert.Equal(t, gitclt.Signature{
			Name:  botIdentity.Name,
			Email: botIdentity.Email,
		}, author)

		assert.Equal(t, gitclt.Signature{
			Name:  "alice",
			Email: "alice@example.com",
		}, committer)
	})
}

func TestConflictCommitMessageEmbedsGitOutput(t *testing.T) {
	git := newFakeGit()

	base := git.commit(map[string]string{"f": "0", "g": "0"}, nil, "init", sigAlice)
	c1 := git.commit(map[string]string{"f": "0", "g": "1"}, []string{base}, "step one", sigAlice)
	c2 := git.commit(map[string]string{"f": "2", "g": "1"}, []string{c1}, "step two", sigAlice)
	merged := git.commit(map[string]string{"f": "2", "g": "1"}, []string{base}, "steps (#1)", sigAlice)
	git.setRemoteHead(upstreamRemote, "a", merged)

	// the target diverged on f, the first commit applies cleanly, the
	// second one conflicts
	target := git.commit(map[string]string{"f": "x", "g": "0"}, []string{base}, "target tip", sigAlice)

	commits := []*githubclt.Commit{
		{SHA: c1, Message: "step one", Author: ghAlice, Committer: ghAlice, Parents: []string{base}},
		{SHA: c2, Message: "step two", Author: ghAlice, Committer: ghAlice, Parents: []string{c1}},
	}

	engine := NewEngine(git, botIdentity, zaptest.NewLogger(t))

	_, err := engine.CherryPick(context.Background(), commits, target, nil)
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, c2, cErr.FailedSHA)
	require.Len(t, cErr.Commits, 2)

	head, err := engine.CommitConflict(context.Background(),
		cErr, target, c2, upstreamRemote, "a", nil)
	require.NoError(t, err)

	conflictCommit := git.commits[head]
	require.NotNil(t, conflictCommit)
	assert.Equal(t, []string{target}, conflictCommit.parents)

	// multi-commit conflicts do not reuse a message, they embed what git
	// reported
	assert.Contains(t, conflictCommit.message, "Cherry pick of "+c2+" failed")
	assert.Contains(t, conflictCommit.message, "stdout:")
	assert.Contains(t, conflictCommit.message, "CONFLICT (content): Merge conflict in f")

	// the tree carries the conflict markers of the recomputed merge
	files := git.files(head)
	assert.Contains(t, files["f"], "=======")
}
