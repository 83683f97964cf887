package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jkaninda/branchdiff/internal/logtail"
	"github.com/jkaninda/branchdiff/internal/supervisor"
)

// State is a BuildJob's position in the pipeline.
type State string

const (
	StatePending       State = "PENDING"
	StateCloning       State = "CLONING"
	StateInstalling    State = "INSTALLING"
	StateBuilding      State = "BUILDING"
	StateStarting      State = "STARTING"
	StateAwaitingReady State = "AWAITING_READY"
	StateCaptured      State = "CAPTURED"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

var stateOrder = map[State]int{
	StatePending:       0,
	StateCloning:       1,
	StateInstalling:    2,
	StateBuilding:      3,
	StateStarting:      4,
	StateAwaitingReady: 5,
	StateCaptured:      6,
	StateDone:          7,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Role distinguishes the two jobs of a run.
type Role string

const (
	RoleBaseline  Role = "baseline"
	RoleCandidate Role = "candidate"
)

var errJobClosed = errors.New("job already torn down")

// BuildJob is one ref's journey through the pipeline. It is owned by a
// single Orchestrator.Run call and never outlives it.
type BuildJob struct {
	RequestID string
	Role      Role
	Ref       string
	WorkDir   string

	log    *logtail.Buffer
	writer io.Writer // log plus the run's combined stream
	emit   func(Event)

	mu     sync.Mutex
	state  State
	port   uint16
	handle supervisor.Handle
	err    *StageError
	closed bool
}

func newJob(requestID string, role Role, ref, workDir string, logCap int, combined io.Writer, emit func(Event)) *BuildJob {
	j := &BuildJob{
		RequestID: requestID,
		Role:      role,
		Ref:       ref,
		WorkDir:   workDir,
		log:       logtail.New(logCap),
		emit:      emit,
		state:     StatePending,
	}
	j.writer = j.log
	if combined != nil {
		j.writer = io.MultiWriter(j.log, combined)
	}
	return j
}

// State returns the current state.
func (j *BuildJob) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Port returns the allocated port, or 0 before allocation.
func (j *BuildJob) Port() uint16 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.port
}

// Err returns the failure, or nil.
func (j *BuildJob) Err() *StageError {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Log returns the retained output of this job.
func (j *BuildJob) Log() string { return j.log.String() }

// advance moves the job forward. Backward moves and moves out of a terminal
// state are ignored and reported as false.
func (j *BuildJob) advance(to State) bool {
	j.mu.Lock()
	from := j.state
	if from.Terminal() || stateOrder[to] <= stateOrder[from] {
		j.mu.Unlock()
		return false
	}
	j.state = to
	j.mu.Unlock()

	j.notify(Event{State: to, PreviousState: from})
	return true
}

// fail moves a non-terminal job to FAILED. The first failure wins.
func (j *BuildJob) fail(kind ErrorKind, err error) bool {
	j.mu.Lock()
	from := j.state
	if from.Terminal() {
		j.mu.Unlock()
		return false
	}
	se := &StageError{Kind: kind, Role: j.Role, Ref: j.Ref, State: from, Err: err}
	j.state = StateFailed
	j.err = se
	j.mu.Unlock()

	fmt.Fprintf(j.writer, "!! %s\n", se.Error())
	j.notify(Event{State: StateFailed, PreviousState: from, Kind: kind, Error: se.Error()})
	return true
}

func (j *BuildJob) setPort(port uint16) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.port = port
}

// attach records the running server. A job that is already torn down kills
// the handle on the spot.
func (j *BuildJob) attach(h supervisor.Handle) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		supervisor.Terminate(h)
		return errJobClosed
	}
	j.handle = h
	j.mu.Unlock()
	return nil
}

// close marks the job torn down and hands back its process, if any.
func (j *BuildJob) close() supervisor.Handle {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	h := j.handle
	j.handle = nil
	return h
}

func (j *BuildJob) isClosed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

func (j *BuildJob) notify(ev Event) {
	if j.emit == nil {
		return
	}
	ev.RequestID = j.RequestID
	ev.Role = j.Role
	ev.Ref = j.Ref
	ev.Time = time.Now()
	j.emit(ev)
}
