// Package planner implements the MuZero-style Monte-Carlo Tree Search used
// for action planning: PUCT selection over a tree of latent states, expansion
// through the learned dynamics function, and backup of discounted n-step
// returns with min/max Q rescaling.
package planner

import (
	"errors"
	"fmt"
	"math"

	"github.com/brensch/amped/model"
)

// ErrConfig marks an invalid search configuration, detected at construction.
var ErrConfig = errors.New("invalid planner config")

// Config holds the search hyperparameters. All fields are required.
type Config struct {
	// KSims is the descent depth of a single rollout. Must be > 1.
	KSims int

	// C1 and C2 are the PUCT exploration constants. C2 must be > 0.
	C1 float64
	C2 float64

	// Gamma is the discount factor, in [0, 1).
	Gamma float64

	// ActionSpaceSize is the number of discrete actions.
	ActionSpaceSize int
}

// DefaultConfig returns the MuZero paper constants with a shallow rollout
// depth suitable for fast self-play.
func DefaultConfig(actionSpaceSize int) Config {
	return Config{
		KSims:           10,
		C1:              1.25,
		C2:              19652,
		Gamma:           0.997,
		ActionSpaceSize: actionSpaceSize,
	}
}

func (c Config) validate() error {
	if c.KSims <= 1 {
		return fmt.Errorf("%w: k_sims must be > 1, got %d", ErrConfig, c.KSims)
	}
	if c.C2 <= 0 {
		return fmt.Errorf("%w: c2 must be > 0, got %v", ErrConfig, c.C2)
	}
	if c.Gamma < 0 || c.Gamma >= 1 {
		return fmt.Errorf("%w: gamma must be in [0,1), got %v", ErrConfig, c.Gamma)
	}
	if c.ActionSpaceSize <= 0 {
		return fmt.Errorf("%w: action space size must be > 0, got %d", ErrConfig, c.ActionSpaceSize)
	}
	return nil
}

// SearchController drives repeated rollouts from a root observation and
// exposes the resulting visit distributions.
//
// A controller is single-threaded: the search loop and every model call run
// synchronously on the calling goroutine, and the caches are exclusively
// owned. Run independent controllers for parallel search.
type SearchController struct {
	cfg   Config
	model model.Model
	cache *stateCache

	// Search-wide Q bounds used for rescaling. Monotonically tightened by
	// every backed-up gain until ResetNodes.
	minQ float32
	maxQ float32
}

// NewSearchController validates the config and returns a controller bound to
// one model.
func NewSearchController(m model.Model, cfg Config) (*SearchController, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: model is required", ErrConfig)
	}
	s := &SearchController{
		cfg:   cfg,
		model: m,
		cache: newStateCache(),
	}
	s.resetBounds()
	return s, nil
}

// Config returns the controller's configuration.
func (s *SearchController) Config() Config {
	return s.cfg
}

// Simulate runs one rollout from obs at the configured descent depth.
func (s *SearchController) Simulate(obs []float32) error {
	return s.SimulateWithDepth(obs, s.cfg.KSims)
}

// SimulateWithDepth runs one rollout with an explicit descent depth k.
//
// The rollout encodes obs via the representation function, registers the root
// node, descends k steps choosing actions by PUCT score and resolving
// transitions through the cache, expands one frontier state, and then backs
// up discounted gains along the visited path.
func (s *SearchController) SimulateWithDepth(obs []float32, k int) error {
	if k <= 1 {
		return fmt.Errorf("%w: simulation depth must be > 1, got %d", ErrConfig, k)
	}

	s0, err := s.model.Representation(obs)
	if err != nil {
		return fmt.Errorf("representation: %w", err)
	}
	if !s0.Valid() {
		return fmt.Errorf("%w: representation returned empty state", model.ErrContract)
	}

	// The root is registered once per root state and reused by later
	// rollouts so visit counts accumulate into a usable distribution.
	root, ok := s.cache.node(s0.Key)
	if !ok {
		policy, value, err := s.predict(s0)
		if err != nil {
			return err
		}
		root = NewRootNode(s0, policy, value)
		s.cache.putNode(root)
	}

	type pathStep struct {
		node   *Node
		action int
	}
	path := make([]pathStep, 0, k)
	rewards := make([]float32, 0, k)

	current := root
	state := s0
	for i := 0; i < k; i++ {
		action := s.selectAction(current)
		path = append(path, pathStep{node: current, action: action})

		next, reward, err := s.resolveTransition(state, action)
		if err != nil {
			return err
		}
		rewards = append(rewards, reward)

		current, err = s.resolveNode(next, reward)
		if err != nil {
			return err
		}
		state = next
	}

	// Frontier expansion. The transition still goes through the cache so the
	// dynamics function runs at most once per unique (state, action) pair.
	leafAction := s.selectAction(current)
	leafState, leafReward, err := s.resolveTransition(state, leafAction)
	if err != nil {
		return err
	}
	leaf, err := s.resolveNode(leafState, leafReward)
	if err != nil {
		return err
	}

	// Backup in reverse. Gains are computed first so the shared Q bounds are
	// fully tightened before any rescale uses them.
	gains := make([]float32, k+1)
	for i := k; i >= 1; i-- {
		gains[i] = s.computeGain(rewards, leaf.Value, i, k)
		s.observeQ(gains[i])
	}
	for i := k; i >= 1; i-- {
		step := path[i-1]
		step.node.Update(gains[i], step.action, s.minQ, s.maxQ)
	}

	return nil
}

// RootPolicy encodes obs once and returns the visit distribution of the
// corresponding root node. It fails with ErrNoSimulations when no rollout
// has been run from this observation yet.
func (s *SearchController) RootPolicy(obs []float32) ([]float32, error) {
	s0, err := s.model.Representation(obs)
	if err != nil {
		return nil, fmt.Errorf("representation: %w", err)
	}
	node, ok := s.cache.node(s0.Key)
	if !ok {
		return nil, ErrNoSimulations
	}
	return node.ActionDistribution()
}

// Prior encodes obs and returns the prediction function's policy for the
// root state. Unlike RootPolicy it does not require any rollout to have run:
// the root node is registered on first sight and reused by later simulations.
func (s *SearchController) Prior(obs []float32) ([]float32, error) {
	s0, err := s.model.Representation(obs)
	if err != nil {
		return nil, fmt.Errorf("representation: %w", err)
	}
	if !s0.Valid() {
		return nil, fmt.Errorf("%w: representation returned empty state", model.ErrContract)
	}
	n, err := s.resolveNode(s0, 0)
	if err != nil {
		return nil, err
	}
	return n.Policy, nil
}

// Search runs sims rollouts from obs and returns the root visit
// distribution. This is the per-decision-step entry point.
func (s *SearchController) Search(obs []float32, sims int) ([]float32, error) {
	if sims <= 0 {
		sims = 1
	}
	for i := 0; i < sims; i++ {
		if err := s.Simulate(obs); err != nil {
			return nil, err
		}
	}
	return s.RootPolicy(obs)
}

// ResetNodes clears the transition cache, the node table, and the Q bounds.
// Callers invoke this between independent episodes so stale estimates from a
// different part of the trajectory do not leak in; it is never called
// implicitly.
func (s *SearchController) ResetNodes() {
	s.cache.reset()
	s.resetBounds()
}

func (s *SearchController) resetBounds() {
	s.minQ = float32(math.Inf(1))
	s.maxQ = float32(math.Inf(-1))
}

func (s *SearchController) observeQ(q float32) {
	if q < s.minQ {
		s.minQ = q
	}
	if q > s.maxQ {
		s.maxQ = q
	}
}

// selectAction returns the PUCT-maximizing action for a node, breaking ties
// by first max.
func (s *SearchController) selectAction(n *Node) int {
	total := float64(n.TotalVisits())
	term := s.cfg.C1 + math.Log(total+s.cfg.C2+1) - math.Log(s.cfg.C2)
	sqrtTotal := math.Sqrt(total)

	best := 0
	bestScore := math.Inf(-1)
	for a := 0; a < s.cfg.ActionSpaceSize; a++ {
		score := float64(n.QValue(a)) +
			float64(n.Policy[a])*term*sqrtTotal/(1+float64(n.NumberVisits(a)))
		if score > bestScore {
			bestScore = score
			best = a
		}
	}
	return best
}

// resolveTransition returns the cached (next state, reward) for a
// (state, action) pair, calling the dynamics function exactly once on a miss.
func (s *SearchController) resolveTransition(state model.State, action int) (model.State, float32, error) {
	if tr, ok := s.cache.transitionFor(state.Key, action); ok {
		return tr.next, tr.reward, nil
	}
	reward, next, err := s.model.Dynamics(state, action)
	if err != nil {
		return model.State{}, 0, fmt.Errorf("dynamics: %w", err)
	}
	if !next.Valid() {
		return model.State{}, 0, fmt.Errorf("%w: dynamics returned empty state", model.ErrContract)
	}
	s.cache.putTransition(state.Key, action, next, reward)
	return next, reward, nil
}

// resolveNode returns the node for a state, creating it via the prediction
// function on first sight.
func (s *SearchController) resolveNode(state model.State, reward float32) (*Node, error) {
	if n, ok := s.cache.node(state.Key); ok {
		return n, nil
	}
	policy, value, err := s.predict(state)
	if err != nil {
		return nil, err
	}
	n := NewNode(state, reward, policy, value)
	s.cache.putNode(n)
	return n, nil
}

func (s *SearchController) predict(state model.State) ([]float32, float32, error) {
	policy, value, err := s.model.Prediction(state)
	if err != nil {
		return nil, 0, fmt.Errorf("prediction: %w", err)
	}
	if len(policy) != s.cfg.ActionSpaceSize {
		return nil, 0, fmt.Errorf("%w: policy length %d, action space %d",
			model.ErrContract, len(policy), s.cfg.ActionSpaceSize)
	}
	return policy, value, nil
}

// computeGain returns the bootstrapped discounted return for descent step i
// of a k-step rollout: gamma^(k-i) * v_leaf plus the discounted rewards
// observed after step i.
func (s *SearchController) computeGain(rewards []float32, vLeaf float32, i, k int) float32 {
	g := float64(vLeaf) * math.Pow(s.cfg.Gamma, float64(k-i))
	for j := i + 1; j <= k; j++ {
		g += math.Pow(s.cfg.Gamma, float64(j-i-1)) * float64(rewards[j-1])
	}
	return float32(g)
}
