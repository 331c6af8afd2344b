package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/internal/domain"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

func (c *fakeClock) ticker(t *testing.T) *fakeTicker {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		t.Fatal("expected a ticker to be armed")
	}
	return c.tickers[len(c.tickers)-1]
}

func (c *fakeClock) tick(t *testing.T) {
	t.Helper()
	ticker := c.ticker(t)
	select {
	case ticker.ch <- c.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("ticker was not consumed")
	}
}

// stubPayer records paths and resolves each call after an optional gate.
type stubPayer struct {
	mu     sync.Mutex
	paths  []string
	failOn map[int]error
	gates  map[int]chan struct{}
	called chan int
}

func newStubPayer() *stubPayer {
	return &stubPayer{
		failOn: map[int]error{},
		gates:  map[int]chan struct{}{},
		called: make(chan int, 64),
	}
}

func (p *stubPayer) Pay(ctx context.Context, path string) (Payment, error) {
	p.mu.Lock()
	p.paths = append(p.paths, path)
	n := len(p.paths)
	gate := p.gates[n]
	err := p.failOn[n]
	p.mu.Unlock()

	p.called <- n
	if gate != nil {
		<-gate
	}
	if err != nil {
		return Payment{}, err
	}
	return Payment{Transaction: fmt.Sprintf("tx-%d", n), Amount: ""}, nil
}

func (p *stubPayer) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.paths))
	copy(out, p.paths)
	return out
}

func (p *stubPayer) waitCall(t *testing.T) int {
	t.Helper()
	select {
	case n := <-p.called:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("payment was not attempted")
		return 0
	}
}

type stubBalances struct {
	mu     sync.Mutex
	amount decimal.Decimal
	err    error
	calls  int
}

func (b *stubBalances) AvailableBalance(context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.amount, b.err
}

func (b *stubBalances) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type recordingObserver struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (o *recordingObserver) Notify(ev StatusEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) failures() []StatusEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []StatusEvent
	for _, ev := range o.events {
		if ev.Kind == EventFailure {
			out = append(out, ev)
		}
	}
	return out
}

func waitSettled(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not settle")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func activeConfig(duration int) domain.PolicyConfig {
	return domain.PolicyConfig{Mode: domain.ModeActive, DurationSeconds: duration, CoverageAmount: decimal.NewFromInt(5)}
}

func TestStart_DurationOneFiresOnceWithoutTicker(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	balances := &stubBalances{amount: decimal.RequireFromString("1.5")}
	engine := NewEngine(payer, balances, Options{Clock: clock})

	run, err := engine.Start(context.Background(), activeConfig(1))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitSettled(t, run)

	if got := len(payer.calls()); got != 1 {
		t.Fatalf("expected exactly one attempt, got %d", got)
	}
	if clock.tickerCount() != 0 {
		t.Fatal("expected no ticker for a one-second policy")
	}
	snap := run.Snapshot()
	if snap.State != domain.PolicyComplete || snap.ElapsedSeconds != 1 {
		t.Fatalf("expected complete after 1s, got %+v", snap)
	}
	if balances.callCount() != 1 {
		t.Fatalf("expected one reconciling refresh, got %d", balances.callCount())
	}
	if !engine.Balance().Projected.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("expected projected balance reconciled to 1.5, got %s", engine.Balance().Projected)
	}
}

func TestStart_DurationOneCompletesOnFailure(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	payer.failOn[1] = errors.New("insufficient gateway balance")
	engine := NewEngine(payer, nil, Options{Clock: clock})

	run, err := engine.Start(context.Background(), activeConfig(1))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitSettled(t, run)

	snap := run.Snapshot()
	if snap.State != domain.PolicyComplete {
		t.Fatalf("expected complete, got %s", snap.State)
	}
	if len(snap.Receipts) != 0 || len(snap.Failures) != 1 {
		t.Fatalf("expected one failure and no receipts, got %+v", snap)
	}
}

func TestStart_ActiveFiveSecondScenario(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	engine := NewEngine(payer, nil, Options{Clock: clock})

	run, err := engine.Start(context.Background(), activeConfig(5))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)
	if got := run.Snapshot().ElapsedSeconds; got != 1 {
		t.Fatalf("expected elapsed 1 at start, got %d", got)
	}

	for want := 2; want <= 5; want++ {
		clock.tick(t)
		payer.waitCall(t)
		if got := run.Snapshot().ElapsedSeconds; got != want {
			t.Fatalf("expected elapsed %d, got %d", want, got)
		}
	}
	waitSettled(t, run)

	for _, path := range payer.calls() {
		if path != "/api/insure/active" {
			t.Fatalf("expected active endpoint, got %q", path)
		}
	}
	if got := len(payer.calls()); got != 5 {
		t.Fatalf("expected 5 attempts, got %d", got)
	}

	snap := run.Snapshot()
	if snap.State != domain.PolicyComplete {
		t.Fatalf("expected complete, got %s", snap.State)
	}
	if len(snap.Receipts) != 5 {
		t.Fatalf("expected 5 receipts, got %d", len(snap.Receipts))
	}
	for i, r := range snap.Receipts {
		if r.Sequence != i+1 || r.Mode != domain.ModeActive || r.Amount != "0.000005" {
			t.Fatalf("unexpected receipt %d: %+v", i, r)
		}
	}
	if got := engine.Balance().Projected.StringFixed(6); got != "-0.000025" {
		t.Fatalf("expected projected balance reduced by 0.000025, got %s", got)
	}
	if !clock.ticker(t).stopped.Load() {
		t.Fatal("expected ticker to be stopped on completion")
	}
}

func TestFailedAttemptDoesNotHaltLaterTicks(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	payer.failOn[2] = errors.New("payment verification failed")
	observer := &recordingObserver{}
	engine := NewEngine(payer, nil, Options{Clock: clock, Observer: observer})

	run, err := engine.Start(context.Background(), activeConfig(4))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)
	for i := 0; i < 3; i++ {
		clock.tick(t)
		payer.waitCall(t)
	}
	waitSettled(t, run)

	snap := run.Snapshot()
	if len(payer.calls()) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(payer.calls()))
	}
	if len(snap.Receipts) != 3 {
		t.Fatalf("expected 3 receipts, got %d", len(snap.Receipts))
	}
	for _, r := range snap.Receipts {
		if r.Sequence == 2 {
			t.Fatal("expected no receipt for the failed attempt")
		}
	}
	if snap.ElapsedSeconds != 4 {
		t.Fatalf("expected elapsed 4, got %d", snap.ElapsedSeconds)
	}
	// The projection counts fired attempts, not successful ones.
	if got := engine.Balance().Projected.StringFixed(6); got != "-0.000020" {
		t.Fatalf("expected projected debit for 4 attempts, got %s", got)
	}

	failures := observer.failures()
	if len(failures) != 1 || failures[0].Message != "Payment #2 failed: payment verification failed" {
		t.Fatalf("unexpected failure events %+v", failures)
	}
}

func TestOverlappingAttemptsKeepSequenceOrder(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	gate := make(chan struct{})
	payer.gates[1] = gate
	engine := NewEngine(payer, nil, Options{Clock: clock})

	run, err := engine.Start(context.Background(), activeConfig(2))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)
	clock.tick(t)
	payer.waitCall(t)

	close(gate)
	waitSettled(t, run)

	snap := run.Snapshot()
	if len(snap.Receipts) != 2 || snap.Receipts[0].Sequence != 1 || snap.Receipts[1].Sequence != 2 {
		t.Fatalf("expected receipts ordered by sequence, got %+v", snap.Receipts)
	}
}

func TestStartWhileRunningReturnsLiveRun(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	engine := NewEngine(payer, nil, Options{Clock: clock})

	run, err := engine.Start(context.Background(), activeConfig(3))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)

	again, err := engine.Start(context.Background(), domain.PolicyConfig{Mode: domain.ModeIdle, DurationSeconds: 9})
	if err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
	if again != run {
		t.Fatal("expected the live run to be returned")
	}
	if clock.tickerCount() != 1 {
		t.Fatalf("expected a single ticker, got %d", clock.tickerCount())
	}
	engine.Stop()
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	engine := NewEngine(newStubPayer(), nil, Options{Clock: newFakeClock()})

	_, err := engine.Start(context.Background(), activeConfig(0))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if engine.State() != domain.PolicyIdle {
		t.Fatalf("expected engine to stay idle, got %s", engine.State())
	}
}

func TestStopReleasesTickerAndIgnoresLateOutcomes(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	gate := make(chan struct{})
	payer.gates[2] = gate
	engine := NewEngine(payer, nil, Options{Clock: clock})

	run, err := engine.Start(context.Background(), activeConfig(10))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)
	waitFor(t, func() bool { return len(run.Snapshot().Receipts) == 1 })
	clock.tick(t)
	payer.waitCall(t)

	engine.Stop()
	if !clock.ticker(t).stopped.Load() {
		t.Fatal("expected Stop to release the ticker")
	}

	close(gate)
	waitSettled(t, run)

	snap := run.Snapshot()
	if !snap.Abandoned || snap.State != domain.PolicyComplete {
		t.Fatalf("expected abandoned complete run, got %+v", snap)
	}
	if len(snap.Receipts) != 1 || snap.Receipts[0].Sequence != 1 {
		t.Fatalf("expected only the first receipt, got %+v", snap.Receipts)
	}
	if len(payer.calls()) != 2 {
		t.Fatalf("expected no attempts after Stop, got %d", len(payer.calls()))
	}
}

func TestContextCancellationAbandonsRun(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	engine := NewEngine(payer, nil, Options{Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	run, err := engine.Start(ctx, activeConfig(10))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)
	cancel()
	waitSettled(t, run)

	if !run.Snapshot().Abandoned {
		t.Fatal("expected run to be abandoned after cancellation")
	}
	if !clock.ticker(t).stopped.Load() {
		t.Fatal("expected ticker to be released after cancellation")
	}
}

func TestResetRequiresCompleteRun(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	balances := &stubBalances{amount: decimal.RequireFromString("0.75")}
	engine := NewEngine(payer, balances, Options{Clock: clock})

	run, err := engine.Start(context.Background(), activeConfig(2))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)

	if err := engine.Reset(context.Background()); !errors.Is(err, domain.ErrRunNotComplete) {
		t.Fatalf("expected ErrRunNotComplete, got %v", err)
	}

	clock.tick(t)
	payer.waitCall(t)
	waitSettled(t, run)

	if err := engine.Reset(context.Background()); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if engine.State() != domain.PolicyIdle || engine.Current() != nil {
		t.Fatal("expected engine to be idle with no run after reset")
	}
	if balances.callCount() != 2 {
		t.Fatalf("expected refresh on completion and on reset, got %d", balances.callCount())
	}
}

func TestStartAfterCompleteReplacesRun(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	engine := NewEngine(payer, nil, Options{Clock: clock})

	first, err := engine.Start(context.Background(), activeConfig(1))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitSettled(t, first)

	second, err := engine.Start(context.Background(), domain.PolicyConfig{Mode: domain.ModeIdle, DurationSeconds: 1})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitSettled(t, second)

	if second == first {
		t.Fatal("expected a new run")
	}
	if got := payer.calls(); len(got) != 2 || got[1] != "/api/insure/idle" {
		t.Fatalf("unexpected calls %v", got)
	}
	if got := second.Snapshot().Receipts; len(got) != 1 || got[0].Amount != "0.000010" {
		t.Fatalf("expected one idle receipt at the idle rate, got %+v", got)
	}
}

func TestRefreshFailureKeepsProjection(t *testing.T) {
	clock := newFakeClock()
	balances := &stubBalances{err: errors.New("gateway unavailable")}
	observer := &recordingObserver{}
	engine := NewEngine(newStubPayer(), balances, Options{Clock: clock, Observer: observer})

	if err := engine.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if len(observer.failures()) != 1 {
		t.Fatalf("expected a failure banner, got %+v", observer.failures())
	}
}

// gatedBalances blocks every balance lookup until the test releases a value.
type gatedBalances struct {
	entered chan struct{}
	values  chan decimal.Decimal
}

func newGatedBalances() *gatedBalances {
	return &gatedBalances{entered: make(chan struct{}), values: make(chan decimal.Decimal)}
}

func (b *gatedBalances) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	select {
	case b.entered <- struct{}{}:
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
	select {
	case v := <-b.values:
		return v, nil
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

func (b *gatedBalances) waitLookup(t *testing.T) {
	t.Helper()
	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("balance lookup was not started")
	}
}

func (b *gatedBalances) release(v decimal.Decimal) {
	b.values <- v
}

func TestClosingRefreshDoesNotEraseNextRunDebit(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	balances := newGatedBalances()
	engine := NewEngine(payer, balances, Options{Clock: clock})
	one := decimal.NewFromInt(1)

	go func() { _ = engine.Refresh(context.Background()) }()
	balances.waitLookup(t)
	balances.release(one)
	waitFor(t, func() bool { return engine.Balance().Confirmed.Equal(one) })

	first, err := engine.Start(context.Background(), activeConfig(1))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)
	balances.waitLookup(t)

	second, err := engine.Start(context.Background(), activeConfig(3))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if second == first {
		t.Fatal("expected the completed run to be replaced")
	}
	payer.waitCall(t)

	balances.release(one)
	waitSettled(t, first)

	want := one.Sub(domain.ActiveRate.Mul(decimal.NewFromInt(2)))
	if got := engine.Balance().Projected; !got.Equal(want) {
		t.Fatalf("expected projected balance %s, got %s", want, got)
	}

	engine.Stop()
	waitSettled(t, second)
}

func TestStopActsOnRunThatReplacedCompletedOne(t *testing.T) {
	clock := newFakeClock()
	payer := newStubPayer()
	engine := NewEngine(payer, nil, Options{Clock: clock})

	first, err := engine.Start(context.Background(), activeConfig(1))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)
	waitSettled(t, first)

	second, err := engine.Start(context.Background(), activeConfig(3))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	payer.waitCall(t)

	engine.Stop()
	waitSettled(t, second)

	snap := second.Snapshot()
	if snap.State != domain.PolicyComplete || !snap.Abandoned {
		t.Fatalf("expected the replacing run to be abandoned, got %+v", snap)
	}
	if !clock.ticker(t).stopped.Load() {
		t.Fatal("expected the replacing run's ticker to be stopped")
	}
	if first.Snapshot().Abandoned {
		t.Fatal("expected the completed run to stay completed, not abandoned")
	}
}
