package planner

import (
	"errors"

	"github.com/brensch/amped/model"
)

// ErrNoSimulations is returned when a visit distribution is requested from a
// node (or root) that no rollout has passed through yet. Callers fix this by
// running Simulate first.
var ErrNoSimulations = errors.New("no simulations recorded for this state")

// Node is a search-tree vertex: the latent state it represents, the reward
// received transitioning into it, the prior policy from the prediction
// function, and per-action visit counts and Q estimates.
//
// Q entries are only meaningful for actions with at least one visit. Nodes
// are owned by a single SearchController and never shared across goroutines.
type Node struct {
	State  model.State
	Reward float32
	Policy []float32

	// Value is the prediction function's value estimate for this state,
	// used as the bootstrap target when this node is the search frontier.
	Value float32

	qValues []float32
	visits  []int
}

// NewNode creates a node for a freshly expanded state. len(policy) sets the
// action space size.
func NewNode(state model.State, reward float32, policy []float32, value float32) *Node {
	return &Node{
		State:   state,
		Reward:  reward,
		Policy:  policy,
		Value:   value,
		qValues: make([]float32, len(policy)),
		visits:  make([]int, len(policy)),
	}
}

// NewRootNode creates the sentinel entry point for a search root. It has no
// parent and no transition reward.
func NewRootNode(state model.State, policy []float32, value float32) *Node {
	return NewNode(state, 0, policy, value)
}

// NumberVisits returns the visit count for one action, 0 if never visited.
func (n *Node) NumberVisits(action int) int {
	return n.visits[action]
}

// IncrementVisit bumps an action's visit count. No bounds check; the caller
// guarantees action is valid.
func (n *Node) IncrementVisit(action int) {
	n.visits[action]++
}

// TotalVisits is the number of rollouts that have passed through this node.
func (n *Node) TotalVisits() int {
	total := 0
	for _, v := range n.visits {
		total += v
	}
	return total
}

// QValue returns the stored (rescaled) Q estimate for an action.
func (n *Node) QValue(action int) float32 {
	return n.qValues[action]
}

// SetQValue overwrites the stored Q estimate for an action.
func (n *Node) SetQValue(q float32, action int) {
	n.qValues[action] = q
}

// Update folds a backed-up gain into the running mean for an action, rescales
// the result into [0,1] using the search-wide Q bounds, and records the
// visit.
//
// When maxQ == minQ every gain seen so far is identical; the rescale would
// divide by zero, so the raw mean is kept unchanged instead.
func (n *Node) Update(gain float32, action int, minQ, maxQ float32) {
	nA := float32(n.visits[action])
	q := (nA*n.qValues[action] + gain) / (nA + 1)
	if maxQ > minQ {
		q = (q - minQ) / (maxQ - minQ)
	}
	n.qValues[action] = q
	n.visits[action]++
}

// ActionDistribution returns visit counts normalized to sum to 1. It fails
// with ErrNoSimulations when no rollout has visited this node.
func (n *Node) ActionDistribution() ([]float32, error) {
	total := n.TotalVisits()
	if total == 0 {
		return nil, ErrNoSimulations
	}
	dist := make([]float32, len(n.visits))
	for i, v := range n.visits {
		dist[i] = float32(v) / float32(total)
	}
	return dist, nil
}
