package phase_test

import (
	"io"
	"testing"
	"time"

	"skyconsole/phase"
	"skyconsole/phase/phasetest"
	"skyconsole/stream"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTracker(t *testing.T, tmpl phase.Template, opts ...phase.Option) (*phase.Tracker, *phasetest.ManualScheduler) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sched := phasetest.NewManualScheduler(epoch)
	opts = append([]phase.Option{
		phase.WithScheduler(sched),
		phase.WithClock(sched),
		phase.WithLogger(logrus.NewEntry(logger)),
	}, opts...)

	tr, err := phase.NewTracker(tmpl, opts...)
	require.NoError(t, err)
	return tr, sched
}

func blockByID(t *testing.T, snap phase.TaskSnapshot, id string) phase.Block {
	t.Helper()
	for _, b := range snap.Blocks {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("no block %q in snapshot", id)
	return phase.Block{}
}

func TestNewTrackerInitialState(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())

	snap := tr.Snapshot()
	assert.Equal(t, "research", snap.Template)
	require.Len(t, snap.Blocks, 5)
	for _, b := range snap.Blocks {
		assert.Equal(t, phase.Pending, b.Status)
		assert.False(t, b.IsExpanded)
		assert.Equal(t, 20.0, b.Weight)
		assert.Empty(t, b.Queries)
		assert.Empty(t, b.Sources)
	}
	assert.Equal(t, phase.Planning, snap.CurrentBlockID)
	assert.Equal(t, phase.RunRunning, snap.Status)
	assert.Zero(t, snap.OverallProgress)
}

func TestNewTrackerRejectsInvalidTemplate(t *testing.T) {
	_, err := phase.NewTracker(phase.Template{Name: "empty"})
	assert.Error(t, err)

	_, err = phase.NewTracker(phase.Template{Phases: []phase.PhaseSpec{
		{Phase: "a", Weight: 50},
		{Phase: "b", Weight: 40},
	}})
	assert.ErrorIs(t, err, phase.ErrInvalidWeights)
}

func TestCompletedBlockAutoCollapses(t *testing.T) {
	changes := 0
	tr, sched := newTracker(t, phase.DefaultTemplate(), phase.WithOnChange(func() { changes++ }))

	require.True(t, tr.Apply(stream.PhaseStarted{Phase: phase.Searching}))
	assert.True(t, blockByID(t, tr.Snapshot(), phase.Searching).IsExpanded)

	require.True(t, tr.Apply(stream.PhaseCompleted{Phase: phase.Searching}))
	snap := tr.Snapshot()
	assert.True(t, blockByID(t, snap, phase.Searching).IsExpanded)
	assert.Equal(t, 1, snap.PendingCollapses)

	sched.Advance(phase.DefaultCollapseDelay - time.Millisecond)
	assert.True(t, blockByID(t, tr.Snapshot(), phase.Searching).IsExpanded)
	assert.Zero(t, changes)

	sched.Advance(time.Millisecond)
	snap = tr.Snapshot()
	assert.False(t, blockByID(t, snap, phase.Searching).IsExpanded)
	assert.Zero(t, snap.PendingCollapses)
	assert.Equal(t, 1, changes)
}

func TestCollapseDelayIsConfigurable(t *testing.T) {
	tr, sched := newTracker(t, phase.DefaultTemplate(), phase.WithCollapseDelay(2*time.Second))

	tr.Apply(stream.PhaseStarted{Phase: phase.Planning})
	tr.Apply(stream.PhaseCompleted{Phase: phase.Planning})

	sched.Advance(time.Second)
	assert.True(t, blockByID(t, tr.Snapshot(), phase.Planning).IsExpanded)
	sched.Advance(time.Second)
	assert.False(t, blockByID(t, tr.Snapshot(), phase.Planning).IsExpanded)
}

func TestManualTogglePinsBlock(t *testing.T) {
	tr, sched := newTracker(t, phase.DefaultTemplate())

	tr.Apply(stream.PhaseStarted{Phase: phase.Planning})
	tr.Apply(stream.PhaseCompleted{Phase: phase.Planning})
	require.Equal(t, 1, sched.Pending())

	// Collapse then re-expand by hand before the delay runs out.
	require.NoError(t, tr.ToggleExpand(phase.Planning))
	require.NoError(t, tr.ToggleExpand(phase.Planning))
	assert.Zero(t, sched.Pending())

	sched.Advance(time.Minute)
	b := blockByID(t, tr.Snapshot(), phase.Planning)
	assert.True(t, b.IsExpanded)
	assert.True(t, b.Pinned)
}

func TestToggleUnknownBlock(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())
	assert.ErrorIs(t, tr.ToggleExpand("nope"), phase.ErrUnknownBlock)
}

func TestBulkExpandCancelsPendingCollapses(t *testing.T) {
	tr, sched := newTracker(t, phase.DefaultTemplate())

	tr.Apply(stream.PhaseCompleted{Phase: phase.Planning})
	tr.Apply(stream.PhaseCompleted{Phase: phase.Searching})
	require.Equal(t, 2, sched.Pending())

	tr.ExpandAll()
	assert.Zero(t, sched.Pending())
	sched.Advance(time.Minute)

	snap := tr.Snapshot()
	for _, b := range snap.Blocks {
		assert.True(t, b.IsExpanded, b.ID)
		assert.False(t, b.Pinned, b.ID)
	}

	tr.CollapseAll()
	for _, b := range tr.Snapshot().Blocks {
		assert.False(t, b.IsExpanded, b.ID)
	}
}

func TestTeardownCancelsCollapses(t *testing.T) {
	tr, sched := newTracker(t, phase.DefaultTemplate())

	tr.Apply(stream.PhaseStarted{Phase: phase.Planning})
	tr.Apply(stream.PhaseCompleted{Phase: phase.Planning})
	tr.Teardown()
	tr.Teardown()

	assert.Zero(t, sched.Pending())
	sched.Advance(time.Minute)
	assert.True(t, blockByID(t, tr.Snapshot(), phase.Planning).IsExpanded)

	// A torn-down run no longer changes.
	assert.False(t, tr.Apply(stream.PhaseStarted{Phase: phase.Searching}))
}

func TestStartForceCompletesRunningBlock(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())

	tr.Apply(stream.PhaseStarted{Phase: phase.Planning})
	tr.Apply(stream.PhaseProgressed{Phase: phase.Planning, Progress: 40})
	require.True(t, tr.Apply(stream.PhaseStarted{Phase: phase.Searching}))

	snap := tr.Snapshot()
	planning := blockByID(t, snap, phase.Planning)
	assert.Equal(t, phase.Completed, planning.Status)
	assert.Equal(t, 40.0, planning.Progress)
	assert.NotNil(t, planning.CompletedAt)
	assert.Equal(t, phase.Running, blockByID(t, snap, phase.Searching).Status)
	assert.Equal(t, phase.Searching, snap.CurrentBlockID)

	running := 0
	for _, b := range snap.Blocks {
		if b.Status == phase.Running {
			running++
		}
	}
	assert.Equal(t, 1, running)
}

func TestFinishedBlocksDoNotRestart(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())

	tr.Apply(stream.PhaseCompleted{Phase: phase.Planning})
	assert.False(t, tr.Apply(stream.PhaseStarted{Phase: phase.Planning}))
	assert.False(t, tr.Apply(stream.PhaseCompleted{Phase: phase.Planning}))
	assert.False(t, tr.Apply(stream.PhaseFailed{Phase: phase.Planning}))
	assert.Equal(t, phase.Completed, blockByID(t, tr.Snapshot(), phase.Planning).Status)
}

func TestProgressIsClampedAndMonotonic(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())

	// Not running yet.
	assert.False(t, tr.Apply(stream.PhaseProgressed{Phase: phase.Planning, Progress: 10}))

	tr.Apply(stream.PhaseStarted{Phase: phase.Planning})
	assert.True(t, tr.Apply(stream.PhaseProgressed{Phase: phase.Planning, Progress: 50}))
	assert.False(t, tr.Apply(stream.PhaseProgressed{Phase: phase.Planning, Progress: 30}))
	assert.True(t, tr.Apply(stream.PhaseProgressed{Phase: phase.Planning, Progress: 150}))
	assert.Equal(t, 99.0, blockByID(t, tr.Snapshot(), phase.Planning).Progress)

	tr.Apply(stream.PhaseCompleted{Phase: phase.Planning})
	assert.Equal(t, 100.0, blockByID(t, tr.Snapshot(), phase.Planning).Progress)
}

func TestOverallProgress(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())

	tr.Apply(stream.PhaseStarted{Phase: phase.Planning})
	tr.Apply(stream.PhaseCompleted{Phase: phase.Planning})
	tr.Apply(stream.PhaseStarted{Phase: phase.Searching})
	tr.Apply(stream.PhaseProgressed{Phase: phase.Searching, Progress: 50})
	assert.Equal(t, 30.0, tr.OverallProgress())

	for _, p := range []string{phase.Searching, phase.Reading, phase.Analyzing} {
		tr.Apply(stream.PhaseCompleted{Phase: p})
	}
	assert.Less(t, tr.OverallProgress(), 100.0)

	tr.Apply(stream.PhaseCompleted{Phase: phase.Writing})
	snap := tr.Snapshot()
	assert.Equal(t, 100.0, snap.OverallProgress)
	assert.Equal(t, phase.RunCompleted, snap.Status)
	assert.Empty(t, snap.CurrentBlockID)
}

func TestWeightedOverallProgress(t *testing.T) {
	tmpl := phase.Template{Name: "weighted", Phases: []phase.PhaseSpec{
		{Phase: "plan", Weight: 10},
		{Phase: "search", Weight: 30},
		{Phase: "write", Weight: 60},
	}}
	tr, _ := newTracker(t, tmpl)

	tr.Apply(stream.PhaseCompleted{Phase: "plan"})
	tr.Apply(stream.PhaseCompleted{Phase: "search"})
	tr.Apply(stream.PhaseStarted{Phase: "write"})
	tr.Apply(stream.PhaseProgressed{Phase: "write", Progress: 25})
	assert.Equal(t, 55.0, tr.OverallProgress())
}

func TestFailedBlock(t *testing.T) {
	tr, sched := newTracker(t, phase.DefaultTemplate())

	tr.Apply(stream.PhaseCompleted{Phase: phase.Planning})
	tr.Apply(stream.PhaseStarted{Phase: phase.Searching})
	tr.Apply(stream.PhaseProgressed{Phase: phase.Searching, Progress: 60})
	require.True(t, tr.Apply(stream.PhaseFailed{Phase: phase.Searching, Message: "search api down"}))

	sched.Advance(time.Minute)
	snap := tr.Snapshot()
	searching := blockByID(t, snap, phase.Searching)
	assert.Equal(t, phase.Failed, searching.Status)
	assert.Equal(t, "search api down", searching.Error)
	assert.True(t, searching.IsExpanded)
	assert.Equal(t, phase.Searching, snap.CurrentBlockID)
	assert.Equal(t, phase.RunRunning, snap.Status)
	assert.Equal(t, 20.0, snap.OverallProgress)
}

func TestPauseAndResume(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())

	assert.False(t, tr.Resume())
	assert.True(t, tr.Pause())
	assert.False(t, tr.Pause())
	assert.Equal(t, phase.RunPaused, tr.Snapshot().Status)
	assert.True(t, tr.Resume())
	assert.Equal(t, phase.RunRunning, tr.Snapshot().Status)
}

func TestEventsAddressBlocksByIDOrPhase(t *testing.T) {
	tmpl := phase.Template{Name: "two-pass", Phases: []phase.PhaseSpec{
		{ID: "search-1", Phase: phase.Searching},
		{ID: "search-2", Phase: phase.Searching},
	}}
	tr, _ := newTracker(t, tmpl)

	assert.True(t, tr.Apply(stream.PhaseStarted{Phase: "search-2"}))
	assert.Equal(t, phase.Running, blockByID(t, tr.Snapshot(), "search-2").Status)

	// A bare phase name resolves to the first block carrying it.
	assert.True(t, tr.Apply(stream.PhaseStarted{Phase: phase.Searching}))
	assert.Equal(t, phase.Running, blockByID(t, tr.Snapshot(), "search-1").Status)

	assert.False(t, tr.Apply(stream.PhaseStarted{Phase: "unknown"}))
}

func TestQueriesAttachToRunningBlock(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())

	tr.Apply(stream.PhaseStarted{Phase: phase.Searching})
	assert.True(t, tr.Apply(stream.QueryAdded{Query: "go sse"}))
	assert.True(t, tr.Apply(stream.QueryAdded{ID: "q-x", Query: "echo websocket"}))
	assert.True(t, tr.Apply(stream.QueryAdded{Query: "planned", Phase: phase.Planning}))

	snap := tr.Snapshot()
	assert.Equal(t, []phase.Query{
		{ID: "q1", Text: "go sse"},
		{ID: "q-x", Text: "echo websocket"},
	}, blockByID(t, snap, phase.Searching).Queries)
	assert.Len(t, blockByID(t, snap, phase.Planning).Queries, 1)
}

func TestSourcePolicy(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())

	// Planning is not an attach phase: sources go to the fallback.
	tr.Apply(stream.PhaseStarted{Phase: phase.Planning})
	tr.Apply(stream.SourceFound{URL: "https://a.example"})

	// Reading is: sources stay with it.
	tr.Apply(stream.PhaseStarted{Phase: phase.Reading})
	tr.Apply(stream.SourceFound{URL: "https://b.example", Title: "B"})

	// An explicit phase always wins.
	tr.Apply(stream.SourceFound{ID: "s9", URL: "https://c.example", Phase: phase.Writing})

	// Same id again replaces in place.
	assert.False(t, tr.Apply(stream.SourceFound{URL: "https://b.example", Title: "B2"}))

	snap := tr.Snapshot()
	assert.Equal(t, []phase.Source{{ID: "https://a.example", URL: "https://a.example"}},
		blockByID(t, snap, phase.Searching).Sources)
	assert.Equal(t, []phase.Source{{ID: "https://b.example", URL: "https://b.example", Title: "B2"}},
		blockByID(t, snap, phase.Reading).Sources)
	assert.Equal(t, "s9", blockByID(t, snap, phase.Writing).Sources[0].ID)
}

func TestCustomSourcePolicy(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate(), phase.WithSourcePolicy(phase.SourcePolicy{
		AttachPhases:  []string{phase.Planning},
		FallbackPhase: phase.Writing,
	}))

	tr.Apply(stream.PhaseStarted{Phase: phase.Planning})
	tr.Apply(stream.SourceFound{URL: "https://a.example"})
	tr.Apply(stream.PhaseStarted{Phase: phase.Reading})
	tr.Apply(stream.SourceFound{URL: "https://b.example"})

	snap := tr.Snapshot()
	assert.Len(t, blockByID(t, snap, phase.Planning).Sources, 1)
	assert.Len(t, blockByID(t, snap, phase.Writing).Sources, 1)
	assert.Empty(t, blockByID(t, snap, phase.Reading).Sources)
}

func TestCompletionSummary(t *testing.T) {
	tr, sched := newTracker(t, phase.DefaultTemplate())

	tr.Apply(stream.PhaseStarted{Phase: phase.Planning})
	sched.Advance(1500 * time.Millisecond)
	tr.Apply(stream.PhaseCompleted{Phase: phase.Planning})

	tr.Apply(stream.PhaseStarted{Phase: phase.Searching})
	tr.Apply(stream.QueryAdded{Query: "a"})
	tr.Apply(stream.SourceFound{URL: "https://a.example"})
	tr.Apply(stream.SourceFound{URL: "https://b.example"})
	tr.Apply(stream.PhaseCompleted{Phase: phase.Searching})

	tr.Apply(stream.PhaseCompleted{Phase: phase.Reading, Summary: "read everything"})

	snap := tr.Snapshot()
	assert.Equal(t, "completed in 1.5s", blockByID(t, snap, phase.Planning).Summary)
	assert.Equal(t, "1 query, 2 sources", blockByID(t, snap, phase.Searching).Summary)
	assert.Equal(t, "read everything", blockByID(t, snap, phase.Reading).Summary)
}

func TestSnapshotIsDetached(t *testing.T) {
	tr, _ := newTracker(t, phase.DefaultTemplate())
	tr.Apply(stream.PhaseStarted{Phase: phase.Searching})
	tr.Apply(stream.QueryAdded{Query: "a"})

	snap := tr.Snapshot()
	snap.Blocks[1].Queries[0].Text = "changed"
	*snap.Blocks[1].StartedAt = time.Time{}

	again := blockByID(t, tr.Snapshot(), phase.Searching)
	assert.Equal(t, "a", again.Queries[0].Text)
	assert.Equal(t, epoch, *again.StartedAt)
}
