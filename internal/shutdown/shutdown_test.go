package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloser struct {
	name  string
	err   error
	order *[]string
}

func (f *fakeCloser) Close() error {
	*f.order = append(*f.order, f.name)
	return f.err
}

func TestShutdownOrder(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())
	var order []string

	c.Register("storage", &fakeCloser{name: "storage", order: &order}, PriorityStorage)
	c.Register("http", &fakeCloser{name: "http", order: &order}, PriorityHTTPServer)
	c.RegisterFunc("scheduler", func(context.Context) error {
		order = append(order, "scheduler")
		return nil
	}, PriorityScheduler)
	c.Register("catalog", &fakeCloser{name: "catalog", order: &order}, PriorityCatalog)
	c.Register("duckdb", &fakeCloser{name: "duckdb", order: &order}, PriorityQuery)

	require.NoError(t, c.Shutdown())
	assert.Equal(t, []string{"http", "scheduler", "duckdb", "catalog", "storage"}, order)
}

func TestShutdownEqualPriorityKeepsRegistrationOrder(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		c.Register(name, &fakeCloser{name: name, order: &order}, PriorityStorage)
	}
	require.NoError(t, c.Shutdown())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())
	var order []string
	errFirst := errors.New("first")
	errSecond := errors.New("second")

	c.Register("a", &fakeCloser{name: "a", err: errFirst, order: &order}, 1)
	c.Register("b", &fakeCloser{name: "b", order: &order}, 2)
	c.Register("c", &fakeCloser{name: "c", err: errSecond, order: &order}, 3)

	err := c.Shutdown()
	assert.ErrorIs(t, err, errFirst)
	assert.ErrorIs(t, err, errSecond)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestShutdownRunsOnce(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())
	calls := 0
	c.RegisterFunc("count", func(context.Context) error {
		calls++
		return nil
	}, 1)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Shutdown()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestShutdownTimeoutSkipsRemaining(t *testing.T) {
	c := New(20*time.Millisecond, zerolog.Nop())
	ran := false
	c.RegisterFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, 1)
	c.RegisterFunc("never", func(context.Context) error {
		ran = true
		return nil
	}, 2)

	err := c.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestTrigger(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	c.Trigger()
	c.Trigger()

	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done to be closed")
	}

	done := make(chan struct{})
	go func() {
		c.WaitForSignal()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSignal did not return after Trigger")
	}

	// Shutdown after Trigger must not panic on the closed channel
	assert.NoError(t, c.Shutdown())
}
