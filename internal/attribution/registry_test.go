package attribution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextCarriesSymbol(t *testing.T) {
	ctx := context.Background()
	_, ok := FromContext(ctx)
	assert.False(t, ok)

	ctx = WithSymbol(ctx, "AAPL")
	s, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "AAPL", s)
}

func TestBindCurrentClear(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Current()
	assert.False(t, ok)

	r.Bind("NVDA")
	s, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, "NVDA", s)

	// Rebinding overwrites.
	r.Bind("MSFT")
	s, _ = r.Current()
	assert.Equal(t, "MSFT", s)

	r.Clear()
	_, ok = r.Current()
	assert.False(t, ok)
}

// N goroutines each bind a distinct symbol, wait, and read back their own
// binding. Any cross-contamination fails the test.
func TestGoroutineIsolation(t *testing.T) {
	r := NewRegistry()
	const n = 32

	var wg sync.WaitGroup
	errs := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := fmt.Sprintf("SYM%02d", i)
			<-start
			r.Bind(sym)
			defer r.Clear()
			time.Sleep(10 * time.Millisecond)
			got, ok := r.Current()
			if !ok || got != sym {
				errs <- fmt.Errorf("goroutine %d: bound %s, read back %q (ok=%v)", i, sym, got, ok)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Empty(t, r.ActiveBindings())
}

func TestResolveOrder(t *testing.T) {
	r := NewRegistry()
	r.SetSelectionFallback(func() string { return "SPY" })

	// No binding, no last-active: UI selection wins.
	s, ok := r.ResolveCurrentSymbol()
	require.True(t, ok)
	assert.Equal(t, "SPY", s)

	// A binding on another goroutine sets last-active but not our binding.
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Bind("NVDA")
		r.Clear()
	}()
	<-done
	s, ok = r.ResolveCurrentSymbol()
	require.True(t, ok)
	assert.Equal(t, "NVDA", s, "last active symbol beats UI selection")

	// Our own binding beats everything.
	r.Bind("AAPL")
	defer r.Clear()
	s, ok = r.ResolveCurrentSymbol()
	require.True(t, ok)
	assert.Equal(t, "AAPL", s)
}

func TestResolveWithNoSources(t *testing.T) {
	r := NewRegistry()
	_, ok := r.ResolveCurrentSymbol()
	assert.False(t, ok)
}
