// Package inference implements the learned-model boundary on top of ONNX
// Runtime. A checkpoint is a directory holding the three exported MuZero
// networks (representation.onnx, dynamics.onnx, prediction.onnx); each gets
// its own session and batching loop so many self-play workers can share one
// client while the GPU sees batched work.
package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/brensch/amped/model"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	DefaultBatchSize    = 64
	DefaultBatchTimeout = 1 * time.Millisecond
)

// Checkpoint file names inside a checkpoint directory.
const (
	RepresentationFile = "representation.onnx"
	DynamicsFile       = "dynamics.onnx"
	PredictionFile     = "prediction.onnx"
)

// Config describes the tensor shapes of an exported checkpoint plus batching
// behavior. Sizes must match the exported networks exactly.
type Config struct {
	ObservationSize int
	LatentSize      int
	ActionSize      int

	BatchSize    int
	BatchTimeout time.Duration
}

type inferenceRequest struct {
	input    []float32
	respChan chan inferenceResponse
}

type inferenceResponse struct {
	outputs [][]float32
	err     error
}

// errRunnerClosed is returned for requests arriving at or queued on a runner
// that has been destroyed.
var errRunnerClosed = errors.New("inference client closed")

// runner owns one ORT session and a batching loop for it.
type runner struct {
	session   *ort.DynamicAdvancedSession
	requests  chan inferenceRequest
	inWidth   int
	outWidths []int
	batchSize int
	timeout   time.Duration

	done    chan struct{}
	stopped chan struct{}
}

var ortInitOnce sync.Once
var ortInitErr error

// Client implements model.Model on top of a checkpoint directory.
type Client struct {
	cfg  Config
	repr *runner
	dyn  *runner
	pred *runner
}

func NewClient(checkpointDir string, cfg Config) (*Client, error) {
	if cfg.ObservationSize <= 0 || cfg.LatentSize <= 0 || cfg.ActionSize <= 0 {
		return nil, fmt.Errorf("observation, latent and action sizes are required, got %d/%d/%d",
			cfg.ObservationSize, cfg.LatentSize, cfg.ActionSize)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}

	if runtime.GOOS == "linux" {
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			candidates := []string{
				"libonnxruntime.so",
				"libonnxruntime.so.1",
			}
			for _, name := range candidates {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to init ort: %w", ortInitErr)
	}

	c := &Client{cfg: cfg}

	var err error
	c.repr, err = newRunner(
		filepath.Join(checkpointDir, RepresentationFile),
		[]string{"state"},
		cfg.ObservationSize, []int{cfg.LatentSize},
		cfg,
	)
	if err != nil {
		return nil, fmt.Errorf("representation session: %w", err)
	}
	c.dyn, err = newRunner(
		filepath.Join(checkpointDir, DynamicsFile),
		[]string{"reward", "state"},
		cfg.LatentSize+cfg.ActionSize, []int{1, cfg.LatentSize},
		cfg,
	)
	if err != nil {
		c.repr.destroy()
		return nil, fmt.Errorf("dynamics session: %w", err)
	}
	c.pred, err = newRunner(
		filepath.Join(checkpointDir, PredictionFile),
		[]string{"policy", "value"},
		cfg.LatentSize, []int{cfg.ActionSize, 1},
		cfg,
	)
	if err != nil {
		c.repr.destroy()
		c.dyn.destroy()
		return nil, fmt.Errorf("prediction session: %w", err)
	}

	return c, nil
}

func newRunner(modelPath string, outputNames []string, inWidth int, outWidths []int, cfg Config) (*runner, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	// One intra-op thread per session: parallelism comes from the worker
	// pool, not ORT's thread pool.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	if os.Getenv("AMPED_ORT_DISABLE_CUDA") == "" {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				fmt.Println("Failed to append CUDA provider:", err)
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{"input"}, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r := &runner{
		session:   session,
		requests:  make(chan inferenceRequest, cfg.BatchSize*2),
		inWidth:   inWidth,
		outWidths: outWidths,
		batchSize: cfg.BatchSize,
		timeout:   cfg.BatchTimeout,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go r.batchLoop()
	return r, nil
}

// destroy stops the batching loop, waits for it to drain, and releases the
// ORT session.
func (r *runner) destroy() error {
	close(r.done)
	<-r.stopped
	if r.session == nil {
		return nil
	}
	return r.session.Destroy()
}

func (r *runner) run(input []float32) ([][]float32, error) {
	if len(input) != r.inWidth {
		return nil, fmt.Errorf("input width %d, session expects %d", len(input), r.inWidth)
	}
	respChan := make(chan inferenceResponse, 1)
	select {
	case r.requests <- inferenceRequest{input: input, respChan: respChan}:
	case <-r.done:
		return nil, errRunnerClosed
	}
	// respChan is buffered, so the drain on shutdown can always reply; prefer
	// the response when both are ready.
	select {
	case resp := <-respChan:
		return resp.outputs, resp.err
	case <-r.stopped:
		select {
		case resp := <-respChan:
			return resp.outputs, resp.err
		default:
			return nil, errRunnerClosed
		}
	}
}

func (r *runner) batchLoop() {
	defer close(r.stopped)

	batchInput := make([]float32, 0, r.batchSize*r.inWidth)
	requests := make([]inferenceRequest, 0, r.batchSize)

	ticker := time.NewTicker(r.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			// Fail anything queued or pending so callers are not stranded.
			for {
				select {
				case req := <-r.requests:
					requests = append(requests, req)
				default:
					r.failBatch(requests, errRunnerClosed)
					return
				}
			}
		case req := <-r.requests:
			requests = append(requests, req)
			batchInput = append(batchInput, req.input...)

			if len(requests) >= r.batchSize {
				r.runBatch(requests, batchInput)
				requests = requests[:0]
				batchInput = batchInput[:0]
			}
		case <-ticker.C:
			if len(requests) > 0 {
				r.runBatch(requests, batchInput)
				requests = requests[:0]
				batchInput = batchInput[:0]
			}
		}
	}
}

func (r *runner) runBatch(requests []inferenceRequest, batchInput []float32) {
	batch := int64(len(requests))

	inputTensor, err := ort.NewTensor(ort.NewShape(batch, int64(r.inWidth)), batchInput)
	if err != nil {
		r.failBatch(requests, err)
		return
	}
	defer inputTensor.Destroy()

	outTensors := make([]ort.Value, 0, len(r.outWidths))
	for _, w := range r.outWidths {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(batch, int64(w)))
		if err != nil {
			r.failBatch(requests, err)
			return
		}
		defer t.Destroy()
		outTensors = append(outTensors, t)
	}

	if err := r.session.Run([]ort.Value{inputTensor}, outTensors); err != nil {
		r.failBatch(requests, err)
		return
	}

	for i, req := range requests {
		outputs := make([][]float32, len(r.outWidths))
		for oi, w := range r.outWidths {
			data := outTensors[oi].(*ort.Tensor[float32]).GetData()
			out := make([]float32, w)
			copy(out, data[i*w:(i+1)*w])
			outputs[oi] = out
		}
		req.respChan <- inferenceResponse{outputs: outputs}
	}
}

func (r *runner) failBatch(requests []inferenceRequest, err error) {
	for _, req := range requests {
		req.respChan <- inferenceResponse{err: err}
	}
}

func (c *Client) Close() error {
	var firstErr error
	for _, r := range []*runner{c.repr, c.dyn, c.pred} {
		if err := r.destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Representation implements model.Model.
func (c *Client) Representation(obs []float32) (model.State, error) {
	outs, err := c.repr.run(obs)
	if err != nil {
		return model.State{}, err
	}
	return model.NewState(outs[0]), nil
}

// Dynamics implements model.Model. The latent and a one-hot action encoding
// are concatenated into the network input.
func (c *Client) Dynamics(s model.State, action int) (float32, model.State, error) {
	input, err := EncodeDynamicsInput(s.Latent, action, c.cfg.ActionSize)
	if err != nil {
		return 0, model.State{}, err
	}
	outs, err := c.dyn.run(input)
	if err != nil {
		return 0, model.State{}, err
	}
	return outs[0][0], model.NewState(outs[1]), nil
}

// Prediction implements model.Model.
func (c *Client) Prediction(s model.State) ([]float32, float32, error) {
	outs, err := c.pred.run(s.Latent)
	if err != nil {
		return nil, 0, err
	}
	return outs[0], outs[1][0], nil
}

// EncodeDynamicsInput concatenates a latent state with a one-hot action
// vector, matching the exported dynamics network's input layout.
func EncodeDynamicsInput(latent []float32, action, actionSize int) ([]float32, error) {
	if action < 0 || action >= actionSize {
		return nil, fmt.Errorf("action %d out of range [0,%d)", action, actionSize)
	}
	input := make([]float32, len(latent)+actionSize)
	copy(input, latent)
	input[len(latent)+action] = 1
	return input, nil
}
