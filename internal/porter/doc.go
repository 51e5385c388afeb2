// Package porter forward-ports merged pull request batches onto the later
// branches of an ordered branch sequence.
//
// When a batch merges, every pull request of the batch is replayed onto the
// next active branch via tree-level cherry-picks, a new pull request is
// opened for the result and linked into the genealogy. The replay repeats
// when the ported pull request itself merges, until the chain reaches the
// tip branch or the configured limit.
//
// A cherry-pick that does not apply cleanly produces a conflict commit
// containing inline conflict markers. The resulting pull request is still
// opened so humans can resolve it, but it is detached from the chain: its
// parent link stays unset and automatic propagation ends at that point.
//
// # Components
//
// The Engine replays commits and constructs conflict commits. It only talks
// to a local git object store, the working copy is never used.
//
// The Service is the orchestrator: it consumes port tasks (merge, complete,
// insert), serialized per label through queues of size 1, drives the engine,
// publishes the results and persists the genealogy. It also runs the
// periodic sweeps: topology reconciliation when the branch sequence changes,
// reminders for stalled forward-ports and garbage collection of port
// branches whose pull request reached a terminal state.
//
// The package never renders user-facing text beyond git commit messages,
// notable outcomes are published as structured events through the Notifier.
package porter
