/**
 * @description
 * The metering engine turns a policy configuration into a sequence of one-second
 * payment attempts against the paid coverage endpoint for the chosen mode.
 *
 * @notes
 * - Attempt #1 fires at start; a one-second ticker drives the rest.
 * - Each attempt runs on its own goroutine and is folded into the run by sequence
 *   number, so a slow attempt never delays the next tick.
 * - A failed attempt does not stop the run.
 */

package metering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/internal/domain"
)

// Payment is what a settled payment attempt returns.
type Payment struct {
	Transaction string
	Amount      string
	Payer       string
	Network     string
}

// Payer executes one paid request against a coverage endpoint path.
type Payer interface {
	Pay(ctx context.Context, path string) (Payment, error)
}

// BalanceSource returns the authoritative spendable gateway balance.
type BalanceSource interface {
	AvailableBalance(ctx context.Context) (decimal.Decimal, error)
}

// Options tunes an Engine. Zero values use production defaults.
type Options struct {
	Clock          Clock
	Observer       Observer
	Interval       time.Duration
	AttemptTimeout time.Duration
	RefreshTimeout time.Duration
}

// Engine drives at most one policy run at a time.
type Engine struct {
	payer          Payer
	balances       BalanceSource
	clock          Clock
	observer       Observer
	interval       time.Duration
	attemptTimeout time.Duration
	refreshTimeout time.Duration

	mu  sync.Mutex
	run *Run

	balMu   sync.Mutex
	balance Balance
	debits  uint64
}

// NewEngine creates an Engine. balances may be nil, in which case refreshes are skipped.
func NewEngine(payer Payer, balances BalanceSource, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFunc(func(StatusEvent) {})
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	return &Engine{
		payer:          payer,
		balances:       balances,
		clock:          opts.Clock,
		observer:       opts.Observer,
		interval:       opts.Interval,
		attemptTimeout: opts.AttemptTimeout,
		refreshTimeout: opts.RefreshTimeout,
	}
}

// Start begins a policy run. Starting while a run is active returns that run
// unchanged; starting after a completed run replaces it.
func (e *Engine) Start(ctx context.Context, cfg domain.PolicyConfig) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.run != nil {
		if e.run.State() == domain.PolicyRunning {
			live := e.run
			e.mu.Unlock()
			return live, nil
		}
		e.run.discard()
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(runCtx, cancel, cfg, e.clock.Now())
	e.run = run
	e.mu.Unlock()

	log.Info().Str("component", "metering").Str("mode", string(cfg.Mode)).Int("duration_seconds", cfg.DurationSeconds).
		Str("estimated_cost", domain.FormatAmount(cfg.EstimatedCost())).Msg("policy started")
	e.notify(EventInfo, 0, fmt.Sprintf("Policy started: %s coverage for %ds", cfg.Mode, cfg.DurationSeconds))

	first := e.fire(run, 1)

	if cfg.DurationSeconds == 1 {
		go func() {
			defer close(run.loopDone)
			select {
			case <-first:
				e.finish(run)
			case <-runCtx.Done():
				e.abandon(run)
			}
		}()
		return run, nil
	}

	ticker := e.clock.NewTicker(e.interval)
	go e.loop(runCtx, run, ticker)
	return run, nil
}

func (e *Engine) loop(ctx context.Context, run *Run, ticker Ticker) {
	defer close(run.loopDone)

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			e.abandon(run)
			return
		case <-ticker.C():
			seq, last, ok := run.nextTick()
			if !ok {
				ticker.Stop()
				return
			}
			e.fire(run, seq)
			if last {
				ticker.Stop()
				e.finish(run)
				return
			}
		}
	}
}

// fire launches attempt seq and debits the projected balance immediately. The
// returned channel closes when the attempt resolves.
func (e *Engine) fire(run *Run, seq int) <-chan struct{} {
	done := make(chan struct{})
	if !run.startAttempt() {
		close(done)
		return done
	}

	rate := run.Config.Rate()
	e.balMu.Lock()
	e.balance.debit(rate)
	e.debits++
	e.balMu.Unlock()

	go func() {
		defer run.wg.Done()
		defer close(done)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), e.attemptTimeout)
		defer cancel()

		outcome := e.attempt(ctx, run.Config, seq)
		if !run.apply(outcome) {
			log.Debug().Str("component", "metering").Int("seq", seq).Msg("dropping outcome for inactive run")
			return
		}
		if outcome.OK() {
			log.Debug().Str("component", "metering").Int("seq", seq).Str("transaction", outcome.Receipt.Transaction).Msg("payment settled")
			e.notify(EventSuccess, seq, fmt.Sprintf("Payment #%d settled", seq))
			return
		}
		log.Warn().Str("component", "metering").Int("seq", seq).Err(outcome.Err).Msg("payment attempt failed")
		e.notify(EventFailure, seq, fmt.Sprintf("Payment #%d failed: %s", seq, failureReason(outcome.Err)))
	}()
	return done
}

func (e *Engine) attempt(ctx context.Context, cfg domain.PolicyConfig, seq int) Outcome {
	payment, err := e.payer.Pay(ctx, cfg.Mode.Path())
	if err != nil {
		return Failure(seq, err)
	}
	amount := payment.Amount
	if amount == "" {
		amount = domain.FormatAmount(cfg.Rate())
	}
	return Success(domain.PaymentReceipt{
		Sequence:    seq,
		Mode:        cfg.Mode,
		Amount:      amount,
		Transaction: payment.Transaction,
		Timestamp:   e.clock.Now(),
	})
}

func (e *Engine) finish(run *Run) {
	defer run.cancel()
	if !run.markComplete() {
		return
	}
	snap := run.Snapshot()
	log.Info().Str("component", "metering").Int("elapsed_seconds", snap.ElapsedSeconds).
		Int("receipts", len(snap.Receipts)).Msg("policy run complete")
	e.notify(EventSuccess, 0, fmt.Sprintf("Policy complete: %ds metered", snap.ElapsedSeconds))
	e.settle(run, true)
}

func (e *Engine) abandon(run *Run) {
	if !run.abandon() {
		return
	}
	snap := run.Snapshot()
	log.Info().Str("component", "metering").Int("elapsed_seconds", snap.ElapsedSeconds).Msg("policy run abandoned")
	e.notify(EventInfo, 0, fmt.Sprintf("Policy stopped after %ds", snap.ElapsedSeconds))
	e.settle(run, false)
}

// settle closes run.Settled once in-flight attempts are done, refreshing the
// balance first when the run completed normally and is still current.
func (e *Engine) settle(run *Run, refresh bool) {
	run.settleOnce.Do(func() {
		go func() {
			defer close(run.settled)
			run.wg.Wait()
			if !refresh || run.isDiscarded() {
				return
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), e.refreshTimeout)
			defer cancel()
			_ = e.Refresh(ctx)
		}()
	})
}

// Stop abandons the active run and waits for its ticker to be released.
// Attempts already in flight still resolve but no longer change the run. The
// run is looked up and abandoned under the engine lock, so a concurrent Start
// either replaces it afterwards or is the run that gets stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	run := e.run
	if run == nil {
		e.mu.Unlock()
		return
	}
	e.abandon(run)
	run.cancel()
	e.mu.Unlock()

	<-run.loopDone
}

// Reset discards a completed run and refreshes the balance.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.run != nil {
		if e.run.State() == domain.PolicyRunning {
			e.mu.Unlock()
			return domain.ErrRunNotComplete
		}
		e.run.discard()
		e.run = nil
	}
	e.mu.Unlock()

	e.notify(EventInfo, 0, "Policy reset")
	return e.Refresh(ctx)
}

// Refresh sets both balance fields from the balance source. If an attempt
// was fired while the balance was being fetched, the fetched value may predate
// that payment and is dropped so the attempt's debit stays visible.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.balances == nil {
		return nil
	}
	e.balMu.Lock()
	generation := e.debits
	e.balMu.Unlock()

	available, err := e.balances.AvailableBalance(ctx)
	if err != nil {
		log.Warn().Str("component", "metering").Err(err).Msg("balance refresh failed")
		e.notify(EventFailure, 0, fmt.Sprintf("Balance refresh failed: %v", err))
		return fmt.Errorf("refresh balance: %w", err)
	}

	e.balMu.Lock()
	defer e.balMu.Unlock()
	if e.debits != generation {
		log.Debug().Str("component", "metering").Msg("dropping balance refresh overtaken by a new attempt")
		return nil
	}
	e.balance.reconcile(available, e.clock.Now())
	return nil
}

// State returns the engine state: Idle when there is no run.
func (e *Engine) State() domain.PolicyState {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run == nil {
		return domain.PolicyIdle
	}
	return run.State()
}

// Current returns the active or last completed run, or nil when Idle.
func (e *Engine) Current() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run
}

// Balance returns the displayed balance.
func (e *Engine) Balance() Balance {
	e.balMu.Lock()
	defer e.balMu.Unlock()
	return e.balance
}

func (e *Engine) notify(kind EventKind, seq int, message string) {
	e.observer.Notify(StatusEvent{Kind: kind, Message: message, Sequence: seq, At: e.clock.Now()})
}
