package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TrainingRow is a single supervised training sample produced by self-play.
//
// Observation is the raw float32 observation encoded little-endian; trainers
// featurize it however they like. PolicyProbs is the MCTS visit distribution
// used as the policy target, Action the move actually taken, and Value the
// discounted episode return from this step.
type TrainingRow struct {
	EpisodeID   string    `parquet:"episode_id,dict"`
	Step        int32     `parquet:"step"`
	ObsFormat   string    `parquet:"obs_format,dict"`
	Observation []byte    `parquet:"observation"`
	Action      int32     `parquet:"action"`
	PolicyProbs []float32 `parquet:"policy_probs"`
	Value       float32   `parquet:"value"`
	Source      string    `parquet:"source,dict"`

	// ModelPath is the checkpoint used to generate this episode, for
	// provenance when mixing batches from different model generations.
	ModelPath string `parquet:"model_path,dict,optional"`
}

// ObsFormatF32LE is the only observation encoding currently written.
const ObsFormatF32LE = "f32le_v1"

// EncodeObservation packs a float32 observation into the row blob format.
func EncodeObservation(obs []float32) []byte {
	buf := make([]byte, len(obs)*4)
	for i, v := range obs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeObservation unpacks a row blob back into float32s.
func DecodeObservation(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("observation blob length %d is not a multiple of 4", len(blob))
	}
	obs := make([]float32, len(blob)/4)
	for i := range obs {
		obs[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return obs, nil
}
