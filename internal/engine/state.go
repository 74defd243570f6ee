package engine

import (
	"time"

	"github.com/deptz/augment-sub000/internal/diag"
)

type State string

const (
	StateInit           State = "init"
	StateSpawning       State = "spawning"
	StateAwaitingReady  State = "awaiting_ready"
	StateSessionCreated State = "session_created"
	StateStreaming      State = "streaming"
	StateReadingResult  State = "reading_result"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
	StateCleanedUp      State = "cleaned_up"
)

// tracker records one job's progress through the orchestrator states and
// reports each transition to the sink.
type tracker struct {
	jobID   string
	sink    diag.Sink
	now     func() time.Time
	state   State
	entered time.Time
}

func newTracker(jobID string, sink diag.Sink, now func() time.Time) *tracker {
	return &tracker{jobID: jobID, sink: sink, now: now, state: StateInit, entered: now()}
}

func (t *tracker) enter(s State) {
	prev, since := t.state, t.now().Sub(t.entered)
	t.state = s
	t.entered = t.now()
	t.sink.Emit(diag.Event{
		JobID:    t.jobID,
		Stage:    diag.StageJob,
		Type:     diag.TypeState,
		Duration: since,
		Attrs:    map[string]any{"state": string(s), "from": string(prev)},
	})
}
