package inference

import (
	"fmt"
	"sync/atomic"

	"github.com/brensch/amped/model"
)

// Pool fans model calls out across multiple Clients. Each client has its own
// batching loops and ORT sessions, allowing parallel inference execution on
// the GPU.
//
// Note: ORT environment initialization is process-global; Client handles that
// internally.
type Pool struct {
	clients []*Client
	rr      atomic.Uint64
}

func NewPool(checkpointDir string, sessions int, cfg Config) (*Pool, error) {
	if sessions <= 0 {
		sessions = 1
	}

	clients := make([]*Client, 0, sessions)
	for i := 0; i < sessions; i++ {
		c, err := NewClient(checkpointDir, cfg)
		if err != nil {
			for _, created := range clients {
				_ = created.Close()
			}
			return nil, fmt.Errorf("create onnx client %d/%d: %w", i+1, sessions, err)
		}
		clients = append(clients, c)
	}

	return &Pool{clients: clients}, nil
}

func (p *Pool) Close() error {
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pool) next() *Client {
	idx := int(p.rr.Add(1)-1) % len(p.clients)
	return p.clients[idx]
}

// Representation implements model.Model.
func (p *Pool) Representation(obs []float32) (model.State, error) {
	return p.next().Representation(obs)
}

// Dynamics implements model.Model.
func (p *Pool) Dynamics(s model.State, action int) (float32, model.State, error) {
	return p.next().Dynamics(s, action)
}

// Prediction implements model.Model.
func (p *Pool) Prediction(s model.State) ([]float32, float32, error) {
	return p.next().Prediction(s)
}
