package service

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/branchdiff/internal/pipeline"
)

// TrackedDiff is a snapshot of one in-flight diff.
type TrackedDiff struct {
	ID           string                           `json:"id"`
	RequestID    string                           `json:"requestId,omitempty"`
	Repository   string                           `json:"repository"`
	BaselineRef  string                           `json:"baselineRef"`
	CandidateRef string                           `json:"candidateRef"`
	User         string                           `json:"user,omitempty"`
	Jobs         map[pipeline.Role]pipeline.State `json:"jobs"`
	StartedAt    time.Time                        `json:"startedAt"`
	UpdatedAt    time.Time                        `json:"updatedAt"`
}

// Tracker keeps the live state of every diff currently being run. Entries
// exist only between Begin and End.
type Tracker struct {
	mu    sync.RWMutex
	diffs map[string]*TrackedDiff
	now   func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		diffs: make(map[string]*TrackedDiff),
		now:   time.Now,
	}
}

// Begin records a new diff and returns its tracking ID together with an
// observer that keeps the entry's job states current.
func (t *Tracker) Begin(repository, baseline, candidate, user string) (string, pipeline.Observer) {
	id := uuid.NewString()
	now := t.now()

	t.mu.Lock()
	t.diffs[id] = &TrackedDiff{
		ID:           id,
		Repository:   repository,
		BaselineRef:  baseline,
		CandidateRef: candidate,
		User:         user,
		Jobs: map[pipeline.Role]pipeline.State{
			pipeline.RoleBaseline:  pipeline.StatePending,
			pipeline.RoleCandidate: pipeline.StatePending,
		},
		StartedAt: now,
		UpdatedAt: now,
	}
	t.mu.Unlock()

	return id, func(ev pipeline.Event) { t.observe(id, ev) }
}

func (t *Tracker) observe(id string, ev pipeline.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.diffs[id]
	if !ok {
		return
	}
	d.RequestID = ev.RequestID
	d.Jobs[ev.Role] = ev.State
	d.UpdatedAt = t.now()
}

// End forgets a diff.
func (t *Tracker) End(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.diffs, id)
}

// Active returns copies of all in-flight diffs, oldest first.
func (t *Tracker) Active() []TrackedDiff {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TrackedDiff, 0, len(t.diffs))
	for _, d := range t.diffs {
		cp := *d
		cp.Jobs = make(map[pipeline.Role]pipeline.State, len(d.Jobs))
		for k, v := range d.Jobs {
			cp.Jobs[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of in-flight diffs.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.diffs)
}
