package planner

import (
	"errors"
	"math"
	"testing"

	"github.com/brensch/amped/model"
)

func testNode(actions int) *Node {
	policy := make([]float32, actions)
	for i := range policy {
		policy[i] = 1 / float32(actions)
	}
	return NewNode(model.NewState([]float32{1, 2, 3}), 0.5, policy, 0)
}

func TestNodeUpdateIncrementalMean(t *testing.T) {
	n := testNode(4)

	// First update: mean is the gain itself, rescaled into [0,1] by the
	// bounds (0, 2).
	n.Update(1.0, 0, 0, 2)
	if got := n.QValue(0); got != 0.5 {
		t.Errorf("expected q 0.5 after first update, got %v", got)
	}
	if got := n.NumberVisits(0); got != 1 {
		t.Errorf("expected 1 visit, got %d", got)
	}

	// Second update mixes the stored (rescaled) value with the new gain.
	// q = (1*0.5 + 2.0) / 2 = 1.25, rescaled to 0.625.
	n.Update(2.0, 0, 0, 2)
	if got := n.QValue(0); got != 0.625 {
		t.Errorf("expected q 0.625 after second update, got %v", got)
	}
	if got := n.NumberVisits(0); got != 2 {
		t.Errorf("expected 2 visits, got %d", got)
	}
}

func TestNodeUpdateDegenerateRange(t *testing.T) {
	n := testNode(2)

	// All gains identical: bounds collapse and the rescale must be skipped,
	// not divide by zero.
	n.Update(4.0, 1, 4.0, 4.0)
	if got := n.QValue(1); got != 4.0 {
		t.Errorf("expected raw mean 4.0 with degenerate bounds, got %v", got)
	}
	n.Update(4.0, 1, 4.0, 4.0)
	if got := n.QValue(1); got != 4.0 {
		t.Errorf("expected raw mean to stay 4.0, got %v", got)
	}
}

func TestNodeTotalVisits(t *testing.T) {
	n := testNode(3)
	n.IncrementVisit(0)
	n.IncrementVisit(2)
	n.IncrementVisit(2)
	if got := n.TotalVisits(); got != 3 {
		t.Errorf("expected 3 total visits, got %d", got)
	}
	if got := n.NumberVisits(1); got != 0 {
		t.Errorf("expected 0 visits for untouched action, got %d", got)
	}
}

func TestActionDistribution(t *testing.T) {
	n := testNode(4)

	if _, err := n.ActionDistribution(); !errors.Is(err, ErrNoSimulations) {
		t.Fatalf("expected ErrNoSimulations with zero visits, got %v", err)
	}

	n.IncrementVisit(0)
	n.IncrementVisit(1)
	n.IncrementVisit(1)
	n.IncrementVisit(3)

	dist, err := n.ActionDistribution()
	if err != nil {
		t.Fatalf("ActionDistribution failed: %v", err)
	}

	sum := float64(0)
	for _, p := range dist {
		sum += float64(p)
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("distribution sums to %v, expected 1.0", sum)
	}
	if dist[1] != 0.5 {
		t.Errorf("expected 0.5 for the most visited action, got %v", dist[1])
	}
}
