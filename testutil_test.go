package colorloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// requireFatal asserts that fn panics with a *FatalError matching target.
func requireFatal(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		v := recover()
		fe, ok := v.(*FatalError)
		require.Truef(t, ok, "expected *FatalError panic, got %#v", v)
		require.ErrorIs(t, fe, target)
	}()
	fn()
}

// startRuntime runs rt in the background, shutting it down on cleanup.
func startRuntime(t *testing.T, rt *Runtime) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("run: %v", err)
			}
		case <-ctx.Done():
			t.Error("run did not return")
		}
	})
}

// drain runs every task queued on w, on the calling goroutine. The runtime
// must not be running.
func drain(w *worker) (n int) {
	for {
		t := w.next()
		if t == nil {
			return
		}
		w.execute(t)
		n++
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", msg)
	}
}
