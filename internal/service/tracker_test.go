package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/branchdiff/internal/pipeline"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker()
	id, observe := tr.Begin("acme/site", "main", "pr-1", "alice")
	assert.Equal(t, 1, tr.ActiveCount())

	observe(pipeline.Event{RequestID: "req-1", Role: pipeline.RoleCandidate, State: pipeline.StateCloning})

	active := tr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
	assert.Equal(t, "req-1", active[0].RequestID)
	assert.Equal(t, pipeline.StateCloning, active[0].Jobs[pipeline.RoleCandidate])
	assert.Equal(t, pipeline.StatePending, active[0].Jobs[pipeline.RoleBaseline])

	// Snapshots are copies.
	active[0].Jobs[pipeline.RoleBaseline] = pipeline.StateDone
	assert.Equal(t, pipeline.StatePending, tr.Active()[0].Jobs[pipeline.RoleBaseline])

	tr.End(id)
	assert.Zero(t, tr.ActiveCount())
	// Late events for a finished diff are dropped.
	observe(pipeline.Event{Role: pipeline.RoleBaseline, State: pipeline.StateDone})
	assert.Empty(t, tr.Active())
}

func TestTracker_OrderedByStart(t *testing.T) {
	tr := NewTracker()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	tr.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	first, _ := tr.Begin("acme/a", "main", "x", "")
	second, _ := tr.Begin("acme/b", "main", "y", "")

	active := tr.Active()
	require.Len(t, active, 2)
	assert.Equal(t, first, active[0].ID)
	assert.Equal(t, second, active[1].ID)
}

type eventRunner struct {
	events []pipeline.Event
	svc    *Service
	seen   int
}

func (r *eventRunner) Run(_ context.Context, req pipeline.Request) *pipeline.DiffResult {
	for _, ev := range r.events {
		req.Observer(ev)
	}
	r.seen = r.svc.tracker.ActiveCount()
	return &pipeline.DiffResult{Success: true}
}

func TestDiff_ObserversAndTracking(t *testing.T) {
	runner := &eventRunner{events: []pipeline.Event{
		{Role: pipeline.RoleBaseline, State: pipeline.StateCloning},
		{Role: pipeline.RoleCandidate, State: pipeline.StateCloning},
	}}
	var global, perRequest int
	svc := New(runner, nil, Config{}, quietLogger(), WithObserver(func(pipeline.Event) { global++ }))
	runner.svc = svc

	_, err := svc.Diff(context.Background(), DiffRequest{
		Owner: "acme", Name: "site", CandidateRef: "pr-1",
		Observer: func(pipeline.Event) { perRequest++ },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, global)
	assert.Equal(t, 2, perRequest)
	assert.Equal(t, 1, runner.seen, "diff is tracked while running")
	assert.Empty(t, svc.Active(), "diff is forgotten once finished")
}
