package tx

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/versekit/versekit/pkg/page"
)

func chunk(addr uintptr) page.Extent {
	return page.Extent{Addr: addr, Size: page.ChunkSize}
}

// fastOpts keeps contended tests quick without changing the protocol.
func fastOpts() *Options {
	return &Options{Backoff: func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Microsecond)
	}}
}

func Test_Transaction_DisjointRangesDontContend(t *testing.T) {
	table := NewTable()

	t1 := New(table, nil)
	t1.Begin()
	require.NoError(t, t1.Acquire(chunk(0x10000)))

	t2 := New(table, nil)
	t2.Begin()
	require.NoError(t, t2.Acquire(chunk(0x20000)))

	done, err := t1.End(nil)
	require.True(t, done)
	require.NoError(t, err)
	done, err = t2.End(nil)
	require.True(t, done)
	require.NoError(t, err)

	require.Equal(t, StateCommitted, t1.State())
	require.Equal(t, StateCommitted, t2.State())
}

func Test_Transaction_OverlapContends(t *testing.T) {
	table := NewTable()

	t1 := New(table, nil)
	t1.Begin()
	require.NoError(t, t1.Acquire(page.Extent{Addr: 0x10000, Size: 4 * page.ChunkSize}))

	t2 := New(table, fastOpts())
	t2.Begin()
	require.ErrorIs(t, t2.Acquire(chunk(0x20000)), ErrContended)

	// End(ErrContended) releases and schedules a retry.
	done, err := t2.End(ErrContended)
	require.False(t, done)
	require.NoError(t, err)
	require.Equal(t, StateContended, t2.State())
	require.Equal(t, uint64(1), t2.Retries())

	// Once the holder finishes, the retry succeeds.
	done, err = t1.End(nil)
	require.True(t, done)
	require.NoError(t, err)

	t2.Begin()
	require.NoError(t, t2.Acquire(chunk(0x20000)))
	done, err = t2.End(nil)
	require.True(t, done)
	require.NoError(t, err)
}

func Test_Transaction_OwnOverlapIsFine(t *testing.T) {
	table := NewTable()
	t1 := New(table, nil)
	t1.Begin()
	require.NoError(t, t1.Acquire(chunk(0x10000)))
	require.NoError(t, t1.Acquire(chunk(0x10000)))
	done, err := t1.End(nil)
	require.True(t, done)
	require.NoError(t, err)
}

func Test_Transaction_EndReleasesEverything(t *testing.T) {
	table := NewTable()

	t1 := New(table, nil)
	t1.Begin()
	require.NoError(t, t1.Acquire(chunk(0x10000)))
	require.NoError(t, t1.Acquire(chunk(0x30000)))
	_, err := t1.End(errors.New("hard failure"))
	require.Error(t, err)
	require.Equal(t, StateFailed, t1.State())

	// Failed attempts must not leave holds behind.
	t2 := New(table, nil)
	t2.Begin()
	require.NoError(t, t2.Acquire(chunk(0x10000)))
	require.NoError(t, t2.Acquire(chunk(0x30000)))
	done, err := t2.End(nil)
	require.True(t, done)
	require.NoError(t, err)
}

func Test_Run_RetriesUntilHolderFinishes(t *testing.T) {
	table := NewTable()
	target := chunk(0x10000)

	holder := New(table, nil)
	holder.Begin()
	require.NoError(t, holder.Acquire(target))

	released := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		return Run(table, fastOpts(), func(tr *Transaction) error {
			if err := tr.Acquire(target); err != nil {
				return err
			}
			select {
			case <-released:
			default:
				return errors.New("acquired before holder released")
			}
			return nil
		})
	})

	time.Sleep(5 * time.Millisecond)
	close(released)
	_, err := holder.End(nil)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
}

func Test_Run_HardFailureNotRetried(t *testing.T) {
	table := NewTable()
	boom := errors.New("commit failed")

	var attempts atomic.Int64
	err := Run(table, fastOpts(), func(tr *Transaction) error {
		attempts.Add(1)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(1), attempts.Load(), "hard failures must not be retried")
}

func Test_Run_BoundedBackoffSurfacesBudget(t *testing.T) {
	table := NewTable()
	target := chunk(0x10000)

	holder := New(table, nil)
	holder.Begin()
	require.NoError(t, holder.Acquire(target))
	defer holder.End(nil) //nolint:errcheck // test cleanup

	bounded := &Options{Backoff: func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Microsecond), 3)
	}}
	err := Run(table, bounded, func(tr *Transaction) error {
		return tr.Acquire(target)
	})
	require.ErrorIs(t, err, ErrRetryBudget)
}

func Test_Transaction_StatePanics(t *testing.T) {
	table := NewTable()
	t1 := New(table, nil)

	require.Panics(t, func() { t1.Acquire(chunk(0x10000)) }) //nolint:errcheck // panics
	require.Panics(t, func() { t1.End(nil) })                //nolint:errcheck // panics

	t1.Begin()
	require.Panics(t, func() { t1.Begin() })
}

func Test_Run_ConcurrentOverlap_Serializes(t *testing.T) {
	table := NewTable()
	target := page.Extent{Addr: 0x100000, Size: 4 * page.ChunkSize}

	// Every worker hammers the same range; the table must admit exactly
	// one at a time.
	var inside atomic.Int64
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				err := Run(table, fastOpts(), func(tr *Transaction) error {
					if err := tr.Acquire(target); err != nil {
						return err
					}
					if n := inside.Add(1); n != 1 {
						return errors.New("two transactions inside an overlapping range")
					}
					time.Sleep(time.Microsecond)
					inside.Add(-1)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
