// SPDX-License-Identifier: MIT

package cancel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFlagSetIsIdempotent(t *testing.T) {
	f := newFlag()
	require.False(t, f.IsSet())

	f.Set()
	f.Set()
	assert.True(t, f.IsSet())

	select {
	case <-f.Done():
	default:
		t.Fatal("Done channel not closed after Set")
	}
}

func TestFlagClearReArms(t *testing.T) {
	f := newFlag()
	f.Set()
	first := f.Done()

	f.Clear()
	require.False(t, f.IsSet())

	second := f.Done()
	assert.NotEqual(t, first, second, "Clear must replace the done channel")

	select {
	case <-second:
		t.Fatal("fresh done channel must not be closed")
	default:
	}

	f.Set()
	select {
	case <-second:
	default:
		t.Fatal("re-armed flag did not close its channel on Set")
	}
}

func TestFlagClearWithoutSetIsNoOp(t *testing.T) {
	f := newFlag()
	first := f.Done()
	f.Clear()
	assert.Equal(t, first, f.Done())
}

func TestFlagDoneWakesWaiter(t *testing.T) {
	f := newFlag()
	woke := make(chan struct{})
	go func() {
		<-f.Done()
		close(woke)
	}()

	f.Set()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Set")
	}
}

func TestRegistryGetOrCreateReturnsSameFlag(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("sess-1")
	b := r.GetOrCreate("sess-1")
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySetAndIsSet(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.IsSet("sess-1"), "absent flag reads unset")
	assert.Zero(t, r.Len(), "IsSet must not insert")

	r.Set("sess-1")
	assert.True(t, r.IsSet("sess-1"))

	r.Clear("sess-1")
	assert.False(t, r.IsSet("sess-1"))
	assert.Equal(t, 1, r.Len(), "entries persist across turns")
}

func TestRegistryConcurrentAccess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Set("shared")
				_ = r.IsSet("shared")
				r.Clear("shared")
				_ = r.GetOrCreate("shared").Done()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
}
