// Package model defines the boundary between the planner and the learned
// world model.
//
// The planner never looks inside a State; it only needs value semantics and a
// stable key for cache lookups. Any backend that can encode an observation,
// roll a (state, action) pair forward, and score a state is substitutable.
package model

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/zeebo/xxh3"
)

// ErrContract marks a model output that violates the boundary contract
// (empty latent state, policy length not matching the action space). The
// model is assumed deterministic, so these are never retried.
var ErrContract = errors.New("model contract violation")

// StateKey is a stable content hash of a latent state, safe to use as a map
// key. Raw float buffers are never used as keys directly.
type StateKey uint64

// State is an opaque latent state handle produced by the representation or
// dynamics function. Treated as an immutable value.
type State struct {
	Key    StateKey
	Latent []float32
}

// NewState wraps a latent vector with its content key. The caller must not
// mutate latent afterwards.
func NewState(latent []float32) State {
	return State{Key: keyOf(latent), Latent: latent}
}

// Valid reports whether the state carries a latent vector at all.
func (s State) Valid() bool {
	return len(s.Latent) > 0
}

func keyOf(latent []float32) StateKey {
	buf := make([]byte, len(latent)*4)
	for i, v := range latent {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return StateKey(xxh3.Hash(buf))
}

// Model is the learned world model the planner searches over. All three
// functions are pure and blocking; the planner calls them synchronously.
type Model interface {
	// Representation encodes a raw observation into the initial latent state.
	Representation(obs []float32) (State, error)

	// Dynamics rolls a latent state forward by one action, returning the
	// predicted transition reward and successor state.
	Dynamics(s State, action int) (reward float32, next State, err error)

	// Prediction returns the prior policy over actions and a value estimate
	// for a latent state.
	Prediction(s State) (policy []float32, value float32, err error)
}
