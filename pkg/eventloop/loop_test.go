package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunsInPostOrder(t *testing.T) {
	l := New("test")
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, l.Call(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i := range got {
		require.Equal(t, i, got[i])
	}
}

func TestLoop_PostFromHandlerRunsOnNextTick(t *testing.T) {
	l := New("test")
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)

	var order []string
	require.NoError(t, l.Call(context.Background(), func() {
		l.Post(func() { order = append(order, "deferred") })
		l.Post(func() { order = append(order, "second") })
		order = append(order, "first")
	}))
	require.NoError(t, l.Call(context.Background(), func() {}))
	require.Equal(t, []string{"first", "deferred", "second"}, order)
}

func TestLoop_AfterFuncAndStop(t *testing.T) {
	l := New("test")
	require.NoError(t, l.Start(context.Background()))

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	cancelled := false
	stop := l.AfterFunc(time.Hour, func() { cancelled = true })
	require.True(t, stop())

	l.Stop()
	require.False(t, l.IsRunning())
	require.False(t, l.Post(func() {}))
	require.False(t, cancelled)

	err := l.Call(context.Background(), func() {})
	require.True(t, errors.Is(err, ErrClosed))
	require.True(t, errors.Is(l.Start(context.Background()), ErrClosed))
}

func TestLoop_RecoversFromPanickingHandler(t *testing.T) {
	l := New("test")
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Call(context.Background(), func() { ran = true }))
	require.True(t, ran)
}
