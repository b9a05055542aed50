// Package tx coordinates concurrent commit/decommit attempts on physical
// memory ranges.
//
// A Transaction brackets one allocation or release attempt. Before touching
// a physical range the attempt acquires it against a shared Table; if
// another in-flight transaction holds an overlapping range, the acquire
// reports contention and the whole attempt must be unwound and re-run;
// partial commits must never become visible to other threads.
//
// Transaction Protocol:
//  1. Begin() - mark the attempt as in flight
//  2. Acquire(extent) for every range the attempt will touch,
//     interleaved with the actual commit/decommit work
//  3. End(err) - release every held range; decide retry vs done
//
// Run() packages the loop. Contention is retried with an injectable
// backoff policy and never surfaces to the caller; hard failures (OS
// commit failure, exhaustion) propagate immediately and are never retried.
package tx

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/versekit/versekit/pkg/page"
)

// ErrContended reports that another in-flight transaction holds an
// overlapping physical range. It is consumed by End/Run and must not
// escape a Run loop.
var ErrContended = errors.New("tx: physical range held by concurrent transaction")

// ErrRetryBudget reports that a bounded backoff policy gave up before the
// contended range was released. The production default policy is unbounded,
// so this only occurs with an injected bound.
var ErrRetryBudget = errors.New("tx: retry budget exhausted")

// State is the lifecycle state of a transaction attempt.
type State uint8

const (
	// StateIdle: no attempt in flight (fresh, or between End and Begin).
	StateIdle State = iota
	// StateAttempting: an attempt is in flight and may hold ranges.
	StateAttempting
	// StateContended: the last attempt collided and will be retried.
	StateContended
	// StateCommitted: the last attempt completed; its effects are visible.
	StateCommitted
	// StateFailed: the last attempt hit a hard failure.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateContended:
		return "contended"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Table is the shared registry of physical ranges held by in-flight
// transactions. One table guards one sharing domain; everything that can
// exchange physical pages must go through the same table.
type Table struct {
	mu    sync.Mutex
	holds []hold
}

type hold struct {
	ext   page.Extent
	owner *Transaction
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{}
}

// acquire registers e for t, or reports contention if any other live
// transaction holds an overlapping range. Overlap with t's own holds is
// fine; the range is simply recorded again and released with the rest.
func (tb *Table) acquire(t *Transaction, e page.Extent) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, h := range tb.holds {
		if h.owner != t && h.ext.Overlaps(e) {
			return ErrContended
		}
	}
	tb.holds = append(tb.holds, hold{ext: e, owner: t})
	return nil
}

// releaseAll drops every hold owned by t.
func (tb *Table) releaseAll(t *Transaction) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	kept := tb.holds[:0]
	for _, h := range tb.holds {
		if h.owner != t {
			kept = append(kept, h)
		}
	}
	tb.holds = kept
}

// Options configures a transaction.
type Options struct {
	// Backoff builds the wait policy applied between contended attempts.
	// Nil selects the production default: exponential backoff with no
	// elapsed-time bound (unbounded retry).
	Backoff func() backoff.BackOff

	// Log receives debug events for contention and retries. Nil selects
	// the logrus standard logger.
	Log *logrus.Entry
}

func defaultBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Microsecond
	bo.MaxInterval = time.Millisecond
	bo.MaxElapsedTime = 0 // retry forever; contention is transient
	return bo
}

// Transaction is the scoped coordination object for one allocation or
// release attempt. It is stack-local to the calling path and must not be
// shared between goroutines.
type Transaction struct {
	table   *Table
	bo      backoff.BackOff
	log     *logrus.Entry
	state   State
	held    int // ranges held by the current attempt (diagnostics only)
	retries uint64
}

// New creates a transaction against the given table. opts may be nil.
func New(table *Table, opts *Options) *Transaction {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	t := &Transaction{table: table}
	if o.Backoff != nil {
		t.bo = o.Backoff()
	} else {
		t.bo = defaultBackoff()
	}
	if o.Log != nil {
		t.log = o.Log
	} else {
		t.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return t
}

// Begin starts an attempt. Calling Begin while an attempt is in flight is
// a programming error.
func (t *Transaction) Begin() {
	if t.state == StateAttempting {
		panic("tx: Begin inside an in-flight attempt")
	}
	t.state = StateAttempting
	t.held = 0
}

// State returns the transaction's lifecycle state.
func (t *Transaction) State() State {
	return t.state
}

// Retries returns how many attempts were re-run due to contention.
func (t *Transaction) Retries() uint64 {
	return t.retries
}

// Acquire registers intent to touch e. On ErrContended the caller must
// unwind any partial state from this attempt and hand the error to End.
func (t *Transaction) Acquire(e page.Extent) error {
	if t.state != StateAttempting {
		panic(fmt.Sprintf("tx: Acquire in state %s", t.state))
	}
	if e.Empty() {
		return nil
	}
	if err := t.table.acquire(t, e); err != nil {
		return err
	}
	t.held++
	return nil
}

// End closes the attempt, releasing every held range.
//
// done=false means the attempt was contended and the caller must Begin
// again and re-run the whole operation. done=true with a nil error means
// the attempt's effects are now visible atomically with respect to other
// transactions on the same table; done=true with a non-nil error is a hard
// failure.
func (t *Transaction) End(err error) (done bool, _ error) {
	if t.state != StateAttempting {
		panic(fmt.Sprintf("tx: End in state %s", t.state))
	}
	t.table.releaseAll(t)

	switch {
	case err == nil:
		t.state = StateCommitted
		return true, nil
	case errors.Is(err, ErrContended):
		t.retries++
		wait := t.bo.NextBackOff()
		if wait == backoff.Stop {
			t.state = StateFailed
			return true, fmt.Errorf("%w after %d retries", ErrRetryBudget, t.retries)
		}
		t.log.WithFields(logrus.Fields{
			"retries": t.retries,
			"wait":    wait,
		}).Debug("transaction contended; retrying")
		time.Sleep(wait)
		t.state = StateContended
		return false, nil
	default:
		t.state = StateFailed
		return true, err
	}
}

// Run executes fn under a fresh transaction, retrying the whole attempt on
// contention until it either commits or hits a hard failure. fn must
// acquire every physical range it touches through the transaction and must
// unwind its own partial state before returning ErrContended.
func Run(table *Table, opts *Options, fn func(*Transaction) error) error {
	t := New(table, opts)
	return RunWith(t, fn)
}

// RunWith is Run over a caller-supplied transaction, for callers that
// thread one transaction through a larger operation.
func RunWith(t *Transaction, fn func(*Transaction) error) error {
	for {
		t.Begin()
		done, err := t.End(fn(t))
		if done {
			return err
		}
	}
}
