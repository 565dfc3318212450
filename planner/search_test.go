package planner

import (
	"errors"
	"math"
	"testing"

	"github.com/brensch/amped/model"
)

// chainModel is a deterministic fake world model. States are single-element
// latents; taking action a from latent x leads to latent x+a+1. Rewards and
// values are scripted per latent so backup math can be checked exactly.
type chainModel struct {
	actionSize int
	rewardFor  func(latent float32) float32
	valueFor   func(latent float32) float32

	dynamicsCalls map[stateAction]int
}

func newChainModel(actions int) *chainModel {
	return &chainModel{
		actionSize:    actions,
		rewardFor:     func(latent float32) float32 { return latent * 0.1 },
		valueFor:      func(latent float32) float32 { return 1.0 },
		dynamicsCalls: make(map[stateAction]int),
	}
}

func (m *chainModel) Representation(obs []float32) (model.State, error) {
	return model.NewState([]float32{obs[0]}), nil
}

func (m *chainModel) Dynamics(s model.State, action int) (float32, model.State, error) {
	m.dynamicsCalls[stateAction{s.Key, action}]++
	next := model.NewState([]float32{s.Latent[0] + float32(action) + 1})
	return m.rewardFor(s.Latent[0]), next, nil
}

func (m *chainModel) Prediction(s model.State) ([]float32, float32, error) {
	policy := make([]float32, m.actionSize)
	for i := range policy {
		policy[i] = 1 / float32(m.actionSize)
	}
	return policy, m.valueFor(s.Latent[0]), nil
}

func testConfig(actions int) Config {
	return Config{
		KSims:           4,
		C1:              1.25,
		C2:              19652,
		Gamma:           0.9,
		ActionSpaceSize: actions,
	}
}

func TestNewSearchControllerValidation(t *testing.T) {
	m := newChainModel(4)

	cases := []struct {
		name string
		cfg  Config
	}{
		{"k_sims too small", Config{KSims: 1, C1: 1.25, C2: 19652, Gamma: 0.9, ActionSpaceSize: 4}},
		{"gamma negative", Config{KSims: 4, C1: 1.25, C2: 19652, Gamma: -0.1, ActionSpaceSize: 4}},
		{"gamma one", Config{KSims: 4, C1: 1.25, C2: 19652, Gamma: 1.0, ActionSpaceSize: 4}},
		{"zero c2", Config{KSims: 4, C1: 1.25, C2: 0, Gamma: 0.9, ActionSpaceSize: 4}},
		{"no actions", Config{KSims: 4, C1: 1.25, C2: 19652, Gamma: 0.9, ActionSpaceSize: 0}},
	}
	for _, tc := range cases {
		if _, err := NewSearchController(m, tc.cfg); !errors.Is(err, ErrConfig) {
			t.Errorf("%s: expected ErrConfig, got %v", tc.name, err)
		}
	}

	if _, err := NewSearchController(m, testConfig(4)); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestBackupGains(t *testing.T) {
	// k_sims=2, gamma=0.5, descent rewards [1.0, 2.0], leaf value 4.0:
	// gain at step 2 = 4.0, gain at step 1 = 0.5*4.0 + 2.0 = 4.0.
	m := newChainModel(2)
	m.rewardFor = func(latent float32) float32 {
		switch latent {
		case 0:
			return 1.0
		case 1:
			return 2.0
		}
		return 0
	}
	m.valueFor = func(latent float32) float32 { return 4.0 }

	cfg := testConfig(2)
	cfg.KSims = 2
	cfg.Gamma = 0.5
	s, err := NewSearchController(m, cfg)
	if err != nil {
		t.Fatalf("NewSearchController: %v", err)
	}

	obs := []float32{0}
	if err := s.Simulate(obs); err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	// With uniform priors and no prior visits the descent takes action 0
	// at every level: latents 0 -> 1 -> 2.
	root, ok := s.cache.node(model.NewState([]float32{0}).Key)
	if !ok {
		t.Fatal("root node not registered")
	}
	mid, ok := s.cache.node(model.NewState([]float32{1}).Key)
	if !ok {
		t.Fatal("depth-1 node not registered")
	}

	// Both gains are 4.0, so the bounds are degenerate and the stored Qs
	// are the unrescaled means.
	if got := root.QValue(0); got != 4.0 {
		t.Errorf("root q = %v, expected 4.0", got)
	}
	if got := mid.QValue(0); got != 4.0 {
		t.Errorf("depth-1 q = %v, expected 4.0", got)
	}
	if got := root.NumberVisits(0); got != 1 {
		t.Errorf("root visits = %d, expected 1", got)
	}
}

func TestRootVisitInvariant(t *testing.T) {
	m := newChainModel(3)
	s, err := NewSearchController(m, testConfig(3))
	if err != nil {
		t.Fatalf("NewSearchController: %v", err)
	}

	obs := []float32{0}
	sims := 50
	for i := 0; i < sims; i++ {
		if err := s.Simulate(obs); err != nil {
			t.Fatalf("Simulate %d: %v", i, err)
		}
	}

	root, ok := s.cache.node(model.NewState([]float32{0}).Key)
	if !ok {
		t.Fatal("root node not registered")
	}
	if got := root.TotalVisits(); got != sims {
		t.Errorf("root total visits = %d, expected %d", got, sims)
	}

	dist, err := s.RootPolicy(obs)
	if err != nil {
		t.Fatalf("RootPolicy: %v", err)
	}
	sum := float64(0)
	for _, p := range dist {
		sum += float64(p)
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("root distribution sums to %v, expected 1.0", sum)
	}
}

func TestDynamicsCalledOncePerPair(t *testing.T) {
	m := newChainModel(3)
	s, err := NewSearchController(m, testConfig(3))
	if err != nil {
		t.Fatalf("NewSearchController: %v", err)
	}

	obs := []float32{0}
	for i := 0; i < 80; i++ {
		if err := s.Simulate(obs); err != nil {
			t.Fatalf("Simulate %d: %v", i, err)
		}
	}

	if len(m.dynamicsCalls) == 0 {
		t.Fatal("expected dynamics calls to be recorded")
	}
	for pair, count := range m.dynamicsCalls {
		if count != 1 {
			t.Errorf("dynamics called %d times for %v, expected 1", count, pair)
		}
	}
}

func TestSearchDeterminism(t *testing.T) {
	obs := []float32{0}

	run := func() []float32 {
		m := newChainModel(3)
		s, err := NewSearchController(m, testConfig(3))
		if err != nil {
			t.Fatalf("NewSearchController: %v", err)
		}
		dist, err := s.Search(obs, 25)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		return dist
	}

	first := run()
	second := run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("distributions diverge at action %d: %v vs %v", i, first, second)
		}
	}
}

func TestPriorBeforeSimulation(t *testing.T) {
	m := newChainModel(3)
	s, err := NewSearchController(m, testConfig(3))
	if err != nil {
		t.Fatalf("NewSearchController: %v", err)
	}

	obs := []float32{0}

	// Prior works before any rollout, where RootPolicy does not.
	prior, err := s.Prior(obs)
	if err != nil {
		t.Fatalf("Prior: %v", err)
	}
	if len(prior) != 3 {
		t.Fatalf("prior length = %d, expected 3", len(prior))
	}
	for a, p := range prior {
		if p != 1.0/3 {
			t.Errorf("prior[%d] = %v, expected uniform 1/3", a, p)
		}
	}

	// The root registered by Prior is the same node the search uses.
	sims := 10
	if _, err := s.Search(obs, sims); err != nil {
		t.Fatalf("Search after Prior: %v", err)
	}
	root, ok := s.cache.node(model.NewState(obs).Key)
	if !ok {
		t.Fatal("root node not registered")
	}
	if got := root.TotalVisits(); got != sims {
		t.Errorf("root total visits = %d, expected %d", got, sims)
	}
}

func TestRootPolicyBeforeSimulation(t *testing.T) {
	m := newChainModel(3)
	s, err := NewSearchController(m, testConfig(3))
	if err != nil {
		t.Fatalf("NewSearchController: %v", err)
	}
	if _, err := s.RootPolicy([]float32{0}); !errors.Is(err, ErrNoSimulations) {
		t.Errorf("expected ErrNoSimulations before any rollout, got %v", err)
	}
}

func TestResetNodes(t *testing.T) {
	m := newChainModel(3)
	s, err := NewSearchController(m, testConfig(3))
	if err != nil {
		t.Fatalf("NewSearchController: %v", err)
	}

	obs := []float32{0}
	if _, err := s.Search(obs, 10); err != nil {
		t.Fatalf("Search: %v", err)
	}

	s.ResetNodes()

	if len(s.cache.nodes) != 0 || len(s.cache.transitions) != 0 {
		t.Error("expected empty caches after reset")
	}
	if _, err := s.RootPolicy(obs); !errors.Is(err, ErrNoSimulations) {
		t.Errorf("expected ErrNoSimulations after reset, got %v", err)
	}

	// Dynamics runs again for pairs it already saw before the reset.
	before := len(m.dynamicsCalls)
	if err := s.Simulate(obs); err != nil {
		t.Fatalf("Simulate after reset: %v", err)
	}
	for pair, count := range m.dynamicsCalls {
		if count > 2 {
			t.Errorf("dynamics called %d times for %v across one reset", count, pair)
		}
	}
	if len(m.dynamicsCalls) < before {
		t.Error("dynamics call records went missing")
	}
}

type badPolicyModel struct {
	*chainModel
}

func (m *badPolicyModel) Prediction(s model.State) ([]float32, float32, error) {
	return []float32{1.0}, 0, nil // wrong length
}

func TestModelContractViolation(t *testing.T) {
	m := &badPolicyModel{newChainModel(3)}
	s, err := NewSearchController(m, testConfig(3))
	if err != nil {
		t.Fatalf("NewSearchController: %v", err)
	}
	if err := s.Simulate([]float32{0}); !errors.Is(err, model.ErrContract) {
		t.Errorf("expected ErrContract for short policy vector, got %v", err)
	}
}
