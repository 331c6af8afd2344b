package metering

import (
	"context"
	"sync"
	"time"

	"github.com/danielabrahamx/blink/internal/domain"
)

// Run is one metering session. All state changes go through its own lock so a
// run that has been replaced or abandoned cannot be written to by attempts that
// resolve late.
type Run struct {
	Config    domain.PolicyConfig
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     domain.PolicyState
	elapsed   int
	fired     int
	tally     Tally
	seen      map[int]struct{}
	abandoned bool
	discarded bool

	wg         sync.WaitGroup
	loopDone   chan struct{}
	settled    chan struct{}
	settleOnce sync.Once
}

// Snapshot is a consistent copy of a run's progress.
type Snapshot struct {
	State           domain.PolicyState      `json:"state"`
	Mode            domain.CoverageMode     `json:"mode"`
	DurationSeconds int                     `json:"duration_seconds"`
	ElapsedSeconds  int                     `json:"elapsed_seconds"`
	FiredAttempts   int                     `json:"fired_attempts"`
	Receipts        []domain.PaymentReceipt `json:"receipts"`
	Failures        []AttemptFailure        `json:"failures"`
	Abandoned       bool                    `json:"abandoned"`
}

func newRun(ctx context.Context, cancel context.CancelFunc, cfg domain.PolicyConfig, now time.Time) *Run {
	return &Run{
		Config:    cfg,
		StartedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		state:     domain.PolicyRunning,
		elapsed:   1,
		seen:      make(map[int]struct{}),
		loopDone:  make(chan struct{}),
		settled:   make(chan struct{}),
	}
}

// Settled is closed once the run is complete, every in-flight attempt has
// resolved and the closing balance refresh has finished.
func (r *Run) Settled() <-chan struct{} {
	return r.settled
}

// State returns the lifecycle state.
func (r *Run) State() domain.PolicyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot copies the run's progress.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	receipts := make([]domain.PaymentReceipt, len(r.tally.Receipts))
	copy(receipts, r.tally.Receipts)
	failures := make([]AttemptFailure, len(r.tally.Failures))
	copy(failures, r.tally.Failures)

	return Snapshot{
		State:           r.state,
		Mode:            r.Config.Mode,
		DurationSeconds: r.Config.DurationSeconds,
		ElapsedSeconds:  r.elapsed,
		FiredAttempts:   r.fired,
		Receipts:        receipts,
		Failures:        failures,
		Abandoned:       r.abandoned,
	}
}

// startAttempt registers an attempt about to be fired. It refuses once the run
// left the Running state.
func (r *Run) startAttempt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != domain.PolicyRunning || r.discarded {
		return false
	}
	r.fired++
	r.wg.Add(1)
	return true
}

// nextTick advances elapsed by one second and reports whether it was the last.
func (r *Run) nextTick() (seq int, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != domain.PolicyRunning {
		return 0, false, false
	}
	r.elapsed++
	return r.elapsed, r.elapsed >= r.Config.DurationSeconds, true
}

func (r *Run) apply(o Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.discarded {
		return false
	}
	return r.tally.add(r.seen, o)
}

func (r *Run) markComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != domain.PolicyRunning {
		return false
	}
	r.state = domain.PolicyComplete
	return true
}

// abandon tears down a running run. Outcomes arriving afterwards are dropped.
func (r *Run) abandon() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != domain.PolicyRunning {
		return false
	}
	r.state = domain.PolicyComplete
	r.abandoned = true
	r.discarded = true
	return true
}

func (r *Run) discard() {
	r.mu.Lock()
	r.discarded = true
	r.mu.Unlock()
}

func (r *Run) isDiscarded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discarded
}
