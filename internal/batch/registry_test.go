package batch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddKeepsOrderAndIdentity(t *testing.T) {
	g := NewRegistry()
	_, created := g.add("runscript", "alice", []int{3, 1, 2})
	require.Len(t, created, 3)

	recs := g.ResultsFor("runscript")
	require.Len(t, recs, 3)
	for i, id := range []int{3, 1, 2} {
		assert.Equal(t, id, recs[i].WorkItemID)
		assert.Equal(t, StatePending, recs[i].State)
		assert.Equal(t, "alice", recs[i].Submitter)
	}
	assert.True(t, g.Waiting("runscript"))
	assert.True(t, g.HasPending("runscript"))
	assert.Empty(t, g.ResultsFor("other"))
	assert.False(t, g.Waiting("other"))
}

func TestRegistryAddSkipsActiveReplacesTerminal(t *testing.T) {
	g := NewRegistry()
	_, first := g.add("runscript", "alice", []int{1, 2})
	_, _, err := first[0].transition(StateRunning, "running")
	require.NoError(t, err)
	_, _, err = first[1].transition(StateRunning, "running")
	require.NoError(t, err)
	_, _, err = first[1].transition(StateSucceeded, "done")
	require.NoError(t, err)

	_, again := g.add("runscript", "bob", []int{1, 2, 3})
	require.Len(t, again, 2)
	assert.Equal(t, 2, again[0].WorkItemID())
	assert.Equal(t, 3, again[1].WorkItemID())

	recs := g.ResultsFor("runscript")
	require.Len(t, recs, 3)
	assert.Equal(t, StateRunning, recs[0].State)
	assert.Equal(t, "alice", recs[0].Submitter)
	assert.Equal(t, StatePending, recs[1].State)
	assert.Equal(t, "bob", recs[1].Submitter)

	r, ok := g.Result("runscript", 2)
	require.True(t, ok)
	assert.Equal(t, StatePending, r.State)
	_, ok = g.Result("runscript", 99)
	assert.False(t, ok)
}

func TestRegistryResultsAreCopies(t *testing.T) {
	g := NewRegistry()
	g.add("c", "u", []int{1})
	recs := g.ResultsFor("c")
	recs[0].State = StateFailed
	assert.Equal(t, StatePending, g.ResultsFor("c")[0].State)
}

func TestRegistryCancelAndCommands(t *testing.T) {
	g := NewRegistry()
	assert.False(t, g.Cancel("missing"))
	_, rs := g.add("b", "u", []int{1, 2})
	g.add("a", "u", []int{5})
	_, _, _ = rs[0].transition(StateRunning, "")

	require.True(t, g.Cancel("b"))
	assert.False(t, g.Waiting("b"))
	assert.True(t, g.Waiting("a"))

	sums := g.Commands()
	require.Len(t, sums, 2)
	assert.Equal(t, "a", sums[0].Command)
	assert.Equal(t, "b", sums[1].Command)
	assert.Equal(t, 2, sums[1].Total)
	assert.Equal(t, 1, sums[1].Counts[StateRunning])
	assert.Equal(t, 1, sums[1].Counts[StatePending])
	assert.False(t, sums[1].Waiting)

	// a new submission is a new live batch; it adopts the cancelled leftover
	_, next := g.add("b", "v", []int{1, 2, 3})
	require.Len(t, next, 2)
	assert.Equal(t, 2, next[0].WorkItemID())
	assert.Same(t, rs[1], next[0])
	assert.Equal(t, "v", next[0].Submitter())
	assert.True(t, g.Waiting("b"))
}

func TestRegistryLiveBatchKeepsItsRecords(t *testing.T) {
	g := NewRegistry()
	first, recs := g.add("c", "alice", []int{1, 2})
	require.Len(t, recs, 2)

	_, none := g.add("c", "bob", []int{1, 2})
	assert.Empty(t, none, "records of a live batch are not queued twice")
	assert.Equal(t, "alice", recs[0].Submitter())

	second, adopted := g.add("c", "bob", nil)
	assert.Empty(t, adopted)
	g.release("c", second)
	assert.True(t, g.Waiting("c"), "first batch is still live")

	g.release("c", first)
	assert.False(t, g.Waiting("c"))
	assert.True(t, g.HasPending("c"))

	third, adopted := g.add("c", "carol", []int{2, 1})
	require.Len(t, adopted, 2)
	assert.Same(t, recs[1], adopted[0])

	_, _, _, err := recs[0].claim(first, "running")
	require.Error(t, err, "a released batch cannot run an adopted record")
	from, rec, _, err := recs[0].claim(third, "running")
	require.NoError(t, err)
	assert.Equal(t, StatePending, from)
	assert.Equal(t, StateRunning, rec.State)
	assert.Equal(t, "carol", rec.Submitter)

	_, _, _, err = recs[0].claim(third, "again")
	assert.Error(t, err, "a record is claimed once")
}

func TestRegistryCancelCoversEveryLiveBatch(t *testing.T) {
	g := NewRegistry()
	t1, _ := g.add("c", "u", []int{1})
	t2, _ := g.add("c", "u", []int{2})
	require.True(t, g.Cancel("c"))
	assert.False(t, t1.live())
	assert.False(t, t2.live())
	assert.False(t, g.Waiting("c"))
	assert.False(t, g.Commands()[0].Waiting)

	t3, _ := g.add("c", "u", []int{1, 2})
	assert.True(t, t3.live())
	assert.True(t, g.Waiting("c"))
}

func TestRegistryConcurrentAddAndRead(t *testing.T) {
	g := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				g.add("c", "u", []int{w*100 + i})
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = g.ResultsFor("c")
				_ = g.Commands()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, g.ResultsFor("c"), 400)
}
