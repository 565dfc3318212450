package model

import "testing"

func TestStateKeyStable(t *testing.T) {
	a := NewState([]float32{0.1, -2.5, 3})
	b := NewState([]float32{0.1, -2.5, 3})
	if a.Key != b.Key {
		t.Errorf("equal latents produced different keys: %d vs %d", a.Key, b.Key)
	}

	c := NewState([]float32{0.1, -2.5, 3.0001})
	if a.Key == c.Key {
		t.Errorf("different latents produced the same key: %d", a.Key)
	}
}

func TestStateValid(t *testing.T) {
	if (State{}).Valid() {
		t.Error("zero state reported valid")
	}
	if !NewState([]float32{1}).Valid() {
		t.Error("non-empty state reported invalid")
	}
}
