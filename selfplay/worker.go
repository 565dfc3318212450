// Package selfplay runs episodes of the platformer environment under MCTS
// control and records training rows for the trainer.
package selfplay

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/brensch/amped/planner"
	"github.com/brensch/amped/store"
	"github.com/google/uuid"
)

// Env is the external environment boundary. The actual platformer runs in
// the training orchestrator; workers only need reset/step semantics.
type Env interface {
	// Reset starts a new episode and returns the initial observation.
	Reset() ([]float32, error)

	// Step applies an action and returns the next observation, the reward,
	// and whether the episode ended.
	Step(action int) (obs []float32, reward float32, done bool, err error)
}

// EpisodeResult summarizes one completed episode.
type EpisodeResult struct {
	EpisodeID string
	Steps     int
	Return    float32
}

// Options configures episode generation.
type Options struct {
	// SearchSims is the number of MCTS rollouts per decision step.
	SearchSims int

	// SampleSteps is the number of initial steps where the action is
	// sampled from the visit distribution for exploration; afterwards the
	// most visited action is taken.
	SampleSteps int

	// MaxSteps bounds episode length. 0 means no bound.
	MaxSteps int

	// Gamma discounts episode rewards into per-step value targets.
	Gamma float64

	// Source and ModelPath are recorded on every row for provenance.
	Source    string
	ModelPath string

	Verbose bool
}

// PlayEpisode runs one episode, returning a training row per decision step.
//
// The controller's caches are reset before the first step so estimates from a
// previous episode never leak in. Value targets are the discounted returns
// computed once the episode's rewards are known.
func PlayEpisode(ctx context.Context, workerID int, ctrl *planner.SearchController, env Env, rng *rand.Rand, opts Options) ([]store.TrainingRow, EpisodeResult, error) {
	if opts.SearchSims <= 0 {
		opts.SearchSims = 1
	}
	if opts.Source == "" {
		opts.Source = "selfplay"
	}

	episodeID := uuid.NewString()
	ctrl.ResetNodes()

	obs, err := env.Reset()
	if err != nil {
		return nil, EpisodeResult{}, fmt.Errorf("env reset: %w", err)
	}

	rows := make([]store.TrainingRow, 0, 256)
	rewards := make([]float32, 0, 256)
	episodeReturn := float32(0)

	for step := 0; opts.MaxSteps == 0 || step < opts.MaxSteps; step++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil, EpisodeResult{EpisodeID: episodeID, Steps: step}, ctx.Err()
			default:
			}
		}

		policy, err := ctrl.Search(obs, opts.SearchSims)
		if err != nil {
			return nil, EpisodeResult{}, fmt.Errorf("search: %w", err)
		}

		var action int
		if step < opts.SampleSteps {
			action = sampleAction(rng, policy)
		} else {
			action = argmax(policy)
		}

		rows = append(rows, store.TrainingRow{
			EpisodeID:   episodeID,
			Step:        int32(step),
			ObsFormat:   store.ObsFormatF32LE,
			Observation: store.EncodeObservation(obs),
			Action:      int32(action),
			PolicyProbs: append([]float32(nil), policy...),
			Source:      opts.Source,
			ModelPath:   opts.ModelPath,
		})

		next, reward, done, err := env.Step(action)
		if err != nil {
			return nil, EpisodeResult{}, fmt.Errorf("env step %d: %w", step, err)
		}
		rewards = append(rewards, reward)
		episodeReturn += reward

		if opts.Verbose {
			log.Printf("[Worker %d] Step %d: action %d reward %.3f", workerID, step, action, reward)
		}

		if done {
			break
		}
		obs = next
	}

	// Assign value targets after the outcome is known: the discounted
	// return from each step onward.
	g := float64(0)
	for i := len(rewards) - 1; i >= 0; i-- {
		g = float64(rewards[i]) + opts.Gamma*g
		rows[i].Value = float32(g)
	}

	return rows, EpisodeResult{
		EpisodeID: episodeID,
		Steps:     len(rows),
		Return:    episodeReturn,
	}, nil
}

func sampleAction(rng *rand.Rand, policy []float32) int {
	r := rng.Float32()
	sum := float32(0)
	for i, p := range policy {
		sum += p
		if r < sum {
			return i
		}
	}
	return len(policy) - 1
}

func argmax(policy []float32) int {
	bestIdx := 0
	bestVal := float32(-1)
	for i, p := range policy {
		if p > bestVal {
			bestVal = p
			bestIdx = i
		}
	}
	return bestIdx
}
