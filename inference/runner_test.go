package inference

import (
	"errors"
	"testing"
	"time"
)

// newIdleRunner builds a runner whose batching loop never fires a batch, so
// shutdown behavior can be tested without an ORT session.
func newIdleRunner() *runner {
	r := &runner{
		requests:  make(chan inferenceRequest, 8),
		inWidth:   2,
		outWidths: []int{1},
		batchSize: 100,
		timeout:   time.Hour,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go r.batchLoop()
	return r
}

func TestRunnerDestroyStopsLoop(t *testing.T) {
	r := newIdleRunner()

	if err := r.destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	select {
	case <-r.stopped:
	default:
		t.Fatal("batch loop still running after destroy")
	}

	if _, err := r.run([]float32{1, 2}); !errors.Is(err, errRunnerClosed) {
		t.Errorf("run after destroy: got %v, expected errRunnerClosed", err)
	}
}

func TestRunnerDestroyFailsPendingRequests(t *testing.T) {
	r := newIdleRunner()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.run([]float32{1, 2})
		errCh <- err
	}()

	// Give the request time to land in the loop's pending batch.
	time.Sleep(20 * time.Millisecond)

	if err := r.destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, errRunnerClosed) {
			t.Errorf("pending request: got %v, expected errRunnerClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request never completed after destroy")
	}
}
