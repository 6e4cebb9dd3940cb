package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmatnyc/localops/internal/deployment"
)

func alwaysFree(int) bool { return true }

func TestAllocateNoPortRequested(t *testing.T) {
	r := NewRegistryWithProbe(alwaysFree)
	p, err := r.Allocate("web", 0, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, p)
}

func TestAllocateWantedPort(t *testing.T) {
	r := NewRegistryWithProbe(alwaysFree)
	p, err := r.Allocate("web", 8080, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 8080, p)

	owner, ok := r.Owner(8080)
	require.True(t, ok)
	assert.Equal(t, "web", owner)
}

func TestAllocateConflictWithoutShift(t *testing.T) {
	r := NewRegistryWithProbe(alwaysFree)
	_, err := r.Allocate("a", 8080, false, 0)
	require.NoError(t, err)

	_, err = r.Allocate("b", 8080, false, 0)
	require.Error(t, err)
	var pErr *deployment.PortConflictError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 8080, pErr.Requested)
	assert.Equal(t, []int{8080}, pErr.Tried)
}

func TestAllocateAutoShift(t *testing.T) {
	r := NewRegistryWithProbe(alwaysFree)
	_, err := r.Allocate("a", 8080, false, 0)
	require.NoError(t, err)

	p, err := r.Allocate("b", 8080, true, 10)
	require.NoError(t, err)
	assert.Equal(t, 8081, p)
}

func TestAllocateShiftExhausted(t *testing.T) {
	r := NewRegistryWithProbe(alwaysFree)
	for i := 0; i <= 2; i++ {
		_, err := r.Allocate("x", 8080+i, false, 0)
		require.NoError(t, err)
	}
	_, err := r.Allocate("b", 8080, true, 2)
	require.Error(t, err)
	var pErr *deployment.PortConflictError
	require.ErrorAs(t, err, &pErr)
	assert.Len(t, pErr.Tried, 3)
}

func TestAllocateSkipsUnbindable(t *testing.T) {
	busy := map[int]bool{8080: true, 8081: true}
	r := NewRegistryWithProbe(func(p int) bool { return !busy[p] })

	p, err := r.Allocate("web", 8080, true, 5)
	require.NoError(t, err)
	assert.Equal(t, 8082, p)
}

func TestAllocateIdempotentForOwner(t *testing.T) {
	r := NewRegistryWithProbe(alwaysFree)
	_, err := r.Allocate("web", 8080, false, 0)
	require.NoError(t, err)

	// Re-allocating for the same id keeps the reservation.
	p, err := r.Allocate("web", 8080, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 8080, p)
}

func TestRelease(t *testing.T) {
	r := NewRegistryWithProbe(alwaysFree)
	_, err := r.Allocate("web", 8080, false, 0)
	require.NoError(t, err)

	r.Release("web")
	_, ok := r.Owner(8080)
	assert.False(t, ok)

	_, err = r.Allocate("other", 8080, false, 0)
	require.NoError(t, err)
}

func TestConcurrentAllocateNeverDoubleBooks(t *testing.T) {
	r := NewRegistryWithProbe(alwaysFree)
	const n = 32
	got := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Allocate(string(rune('a'+i)), 9000, true, n)
			if err == nil {
				got[i] = p
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, p := range got {
		if p == 0 {
			continue
		}
		assert.False(t, seen[p], "port %d allocated twice", p)
		seen[p] = true
	}
}
