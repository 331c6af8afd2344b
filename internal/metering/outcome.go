package metering

import (
	"fmt"

	"github.com/danielabrahamx/blink/internal/domain"
)

// Outcome is the result of one payment attempt: either a receipt or a failure
// reason. Exactly one of Receipt and Err is set.
type Outcome struct {
	Sequence int
	Receipt  *domain.PaymentReceipt
	Err      error
}

// Success wraps a settled receipt.
func Success(receipt domain.PaymentReceipt) Outcome {
	return Outcome{Sequence: receipt.Sequence, Receipt: &receipt}
}

// Failure wraps a rejected or failed attempt.
func Failure(seq int, err error) Outcome {
	if err == nil {
		err = domain.ErrPaymentRejected
	}
	return Outcome{Sequence: seq, Err: err}
}

// OK reports whether the attempt produced a receipt.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Receipt != nil
}

// AttemptFailure is kept on the run for every attempt that did not settle.
type AttemptFailure struct {
	Sequence int
	Reason   string
}

// Tally summarises a sequence of outcomes. Folding never stops early: every
// outcome is counted whatever came before it.
type Tally struct {
	Receipts []domain.PaymentReceipt
	Failures []AttemptFailure
}

// Fold accumulates outcomes into a tally, ignoring repeated sequence numbers
// and keeping receipts ordered by sequence.
func Fold(outcomes []Outcome) Tally {
	var t Tally
	seen := make(map[int]struct{}, len(outcomes))
	for _, o := range outcomes {
		t.add(seen, o)
	}
	return t
}

func (t *Tally) add(seen map[int]struct{}, o Outcome) bool {
	if _, dup := seen[o.Sequence]; dup {
		return false
	}
	seen[o.Sequence] = struct{}{}

	if !o.OK() {
		t.Failures = insertFailure(t.Failures, AttemptFailure{Sequence: o.Sequence, Reason: failureReason(o.Err)})
		return true
	}
	t.Receipts = insertReceipt(t.Receipts, *o.Receipt)
	return true
}

func insertReceipt(receipts []domain.PaymentReceipt, r domain.PaymentReceipt) []domain.PaymentReceipt {
	i := len(receipts)
	for i > 0 && receipts[i-1].Sequence > r.Sequence {
		i--
	}
	receipts = append(receipts, domain.PaymentReceipt{})
	copy(receipts[i+1:], receipts[i:])
	receipts[i] = r
	return receipts
}

func insertFailure(failures []AttemptFailure, f AttemptFailure) []AttemptFailure {
	i := len(failures)
	for i > 0 && failures[i-1].Sequence > f.Sequence {
		i--
	}
	failures = append(failures, AttemptFailure{})
	copy(failures[i+1:], failures[i:])
	failures[i] = f
	return failures
}

func failureReason(err error) string {
	if err == nil {
		return "unknown error"
	}
	return fmt.Sprint(err)
}
