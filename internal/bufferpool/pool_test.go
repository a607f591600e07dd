package bufferpool

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/ingestfs/internal/domain"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	return New(DefaultConfig(), zerolog.Nop())
}

func TestAcquireReleaseAccounting(t *testing.T) {
	p := newTestPool(t)

	buf, err := p.Acquire(1024)
	require.NoError(t, err)
	require.GreaterOrEqual(t, buf.Cap(), 1024)
	require.EqualValues(t, 1, p.Stats().InUse)

	buf.Release()
	require.EqualValues(t, 0, p.Stats().InUse)
}

func TestAcquireReusesIdleBuffer(t *testing.T) {
	p := New(Config{DefaultSize: 4096, MaxBuffers: 0, MinSize: 1024, MaxSize: 1 << 20}, zerolog.Nop())

	b1, err := p.Acquire(4096)
	require.NoError(t, err)
	totalBefore := p.Stats().Total
	b1.Release()

	b2, err := p.Acquire(2048)
	require.NoError(t, err)
	require.Equal(t, totalBefore, p.Stats().Total, "should reuse the released buffer instead of allocating")
	b2.Release()
}

func TestAcquireInvalidSize(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Acquire(0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = p.Acquire(-1)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAcquireAfterCloseFails(t *testing.T) {
	p := newTestPool(t)
	p.Close()

	_, err := p.Acquire(1024)
	require.ErrorIs(t, err, domain.ErrClosed)
}

func TestReleaseAfterCloseIsIdempotent(t *testing.T) {
	p := newTestPool(t)
	buf, err := p.Acquire(1024)
	require.NoError(t, err)

	p.Close()
	require.NotPanics(t, func() { buf.Release() })
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newTestPool(t)
	p.Close()
	require.NotPanics(t, p.Close)
}

func TestConcurrentAcquireReleaseBalances(t *testing.T) {
	p := newTestPool(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				buf, err := p.Acquire(2048)
				if err != nil {
					return
				}
				buf.Release()
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 0, p.Stats().InUse)
}

func TestAllocationFailedSurfaces(t *testing.T) {
	p := New(Config{DefaultSize: 1024, MaxBuffers: 0, MinSize: 1024, MaxSize: 1 << 20}, zerolog.Nop())
	p.allocateFunc = func(size int) ([]byte, bool) { return nil, false }

	_, err := p.Acquire(1024)
	require.ErrorIs(t, err, domain.ErrAllocationFailed)
}

func TestPreAllocation(t *testing.T) {
	p := New(Config{DefaultSize: 1024, MaxBuffers: 10, MinSize: 1024, MaxSize: 1 << 20}, zerolog.Nop())
	require.EqualValues(t, 4, p.Stats().Total, "should pre-allocate min(maxBuffers/2, 4)")
}
