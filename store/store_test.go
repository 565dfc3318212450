package store

import (
	"os"
	"testing"
)

func TestObservationCodec(t *testing.T) {
	obs := []float32{0, 1.5, -2.25, 3e6}
	decoded, err := DecodeObservation(EncodeObservation(obs))
	if err != nil {
		t.Fatalf("DecodeObservation: %v", err)
	}
	if len(decoded) != len(obs) {
		t.Fatalf("expected %d values, got %d", len(obs), len(decoded))
	}
	for i := range obs {
		if decoded[i] != obs[i] {
			t.Errorf("value %d: got %v, expected %v", i, decoded[i], obs[i])
		}
	}

	if _, err := DecodeObservation([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestBatchWriterFinalize(t *testing.T) {
	dir := t.TempDir()

	w, err := NewBatchWriter(dir)
	if err != nil {
		t.Fatalf("NewBatchWriter: %v", err)
	}

	rows := []TrainingRow{
		{
			EpisodeID:   "ep1",
			Step:        0,
			ObsFormat:   ObsFormatF32LE,
			Observation: EncodeObservation([]float32{1, 2}),
			Action:      1,
			PolicyProbs: []float32{0.25, 0.75},
			Value:       0.5,
			Source:      "selfplay",
		},
		{
			EpisodeID:   "ep1",
			Step:        1,
			ObsFormat:   ObsFormatF32LE,
			Observation: EncodeObservation([]float32{3, 4}),
			Action:      0,
			PolicyProbs: []float32{0.9, 0.1},
			Value:       -0.5,
			Source:      "selfplay",
		},
	}
	if err := w.AppendEpisode(rows, Episode{ID: "ep1", Steps: 2, Return: 1.0}); err != nil {
		t.Fatalf("AppendEpisode: %v", err)
	}
	if w.BufferedRows() != 2 || w.BufferedEpisodes() != 1 {
		t.Errorf("expected 2 rows / 1 episode buffered, got %d / %d",
			w.BufferedRows(), w.BufferedEpisodes())
	}

	batch, episodes, err := w.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if batch.Rows != 2 || batch.Episodes != 1 {
		t.Errorf("expected 2 rows / 1 episode, got %d / %d", batch.Rows, batch.Episodes)
	}
	if len(episodes) != 1 || episodes[0].ID != "ep1" {
		t.Fatalf("expected episode ep1 back, got %v", episodes)
	}
	if episodes[0].BatchPath != batch.Path {
		t.Errorf("episode batch path %q, expected %q", episodes[0].BatchPath, batch.Path)
	}
	if _, err := os.Stat(batch.Path); err != nil {
		t.Errorf("finalized batch missing: %v", err)
	}
	if _, err := os.Stat(w.TmpPath()); !os.IsNotExist(err) {
		t.Errorf("tmp file should be gone after finalize, stat err: %v", err)
	}
}

func TestBatchWriterEmptyFinalize(t *testing.T) {
	dir := t.TempDir()

	w, err := NewBatchWriter(dir)
	if err != nil {
		t.Fatalf("NewBatchWriter: %v", err)
	}
	if err := w.AppendEpisode(nil, Episode{ID: "empty"}); err != nil {
		t.Fatalf("AppendEpisode with no rows: %v", err)
	}

	batch, episodes, err := w.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if batch.Path != "" || batch.Rows != 0 || len(episodes) != 0 {
		t.Errorf("expected empty finalize, got batch %v episodes %v", batch, episodes)
	}
	if _, err := os.Stat(w.TmpPath()); !os.IsNotExist(err) {
		t.Errorf("tmp file should be removed on empty finalize, stat err: %v", err)
	}

	if err := w.AppendEpisode([]TrainingRow{{EpisodeID: "late"}}, Episode{ID: "late"}); err == nil {
		t.Error("expected error appending after finalize")
	}
}
