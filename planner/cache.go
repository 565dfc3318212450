package planner

import "github.com/brensch/amped/model"

type stateAction struct {
	key    model.StateKey
	action int
}

type transition struct {
	next   model.State
	reward float32
}

// stateCache memoizes dynamics transitions and state-to-node lookups for one
// SearchController. Entries accumulate across simulations until Reset; this
// trades memory for at most one dynamics evaluation per unique
// (state, action) pair.
type stateCache struct {
	transitions map[stateAction]transition
	nodes       map[model.StateKey]*Node
}

func newStateCache() *stateCache {
	c := &stateCache{}
	c.reset()
	return c
}

func (c *stateCache) transitionFor(key model.StateKey, action int) (transition, bool) {
	tr, ok := c.transitions[stateAction{key, action}]
	return tr, ok
}

func (c *stateCache) putTransition(key model.StateKey, action int, next model.State, reward float32) {
	c.transitions[stateAction{key, action}] = transition{next: next, reward: reward}
}

func (c *stateCache) node(key model.StateKey) (*Node, bool) {
	n, ok := c.nodes[key]
	return n, ok
}

func (c *stateCache) putNode(n *Node) {
	c.nodes[n.State.Key] = n
}

func (c *stateCache) reset() {
	c.transitions = make(map[stateAction]transition)
	c.nodes = make(map[model.StateKey]*Node)
}
