package inference

import "testing"

func TestEncodeDynamicsInput(t *testing.T) {
	latent := []float32{0.5, -1.5}

	input, err := EncodeDynamicsInput(latent, 2, 4)
	if err != nil {
		t.Fatalf("EncodeDynamicsInput: %v", err)
	}
	expected := []float32{0.5, -1.5, 0, 0, 1, 0}
	if len(input) != len(expected) {
		t.Fatalf("expected %d values, got %d", len(expected), len(input))
	}
	for i := range expected {
		if input[i] != expected[i] {
			t.Errorf("value %d: got %v, expected %v", i, input[i], expected[i])
		}
	}
}

func TestEncodeDynamicsInputBounds(t *testing.T) {
	if _, err := EncodeDynamicsInput([]float32{1}, 4, 4); err == nil {
		t.Error("expected error for action out of range")
	}
	if _, err := EncodeDynamicsInput([]float32{1}, -1, 4); err == nil {
		t.Error("expected error for negative action")
	}
}
