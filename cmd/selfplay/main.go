package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brensch/amped/envclient"
	"github.com/brensch/amped/inference"
	"github.com/brensch/amped/model"
	"github.com/brensch/amped/planner"
	"github.com/brensch/amped/selfplay"
	"github.com/brensch/amped/store"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"
)

var totalSteps atomic.Int64
var totalInferences atomic.Int64
var totalEpisodes atomic.Int64

// instrumentedModel counts model calls for the dashboard.
type instrumentedModel struct {
	model.Model
}

func (m *instrumentedModel) Representation(obs []float32) (model.State, error) {
	totalInferences.Add(1)
	return m.Model.Representation(obs)
}

func (m *instrumentedModel) Dynamics(s model.State, action int) (float32, model.State, error) {
	totalInferences.Add(1)
	return m.Model.Dynamics(s, action)
}

func (m *instrumentedModel) Prediction(s model.State) ([]float32, float32, error) {
	totalInferences.Add(1)
	return m.Model.Prediction(s)
}

type EpisodeUpdate struct {
	WorkerID int
	Result   selfplay.EpisodeResult
}

type episodeWriteRequest struct {
	rows   []store.TrainingRow
	result selfplay.EpisodeResult
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	statStyle  = lipgloss.NewStyle().PaddingLeft(2)
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

type dashboard struct {
	episodes    int
	totalReturn float64
	steps       int64
	inferences  int64
	startTime   time.Time
	recent      []string
	updates     chan EpisodeUpdate
}

func initialDashboard(updates chan EpisodeUpdate) dashboard {
	return dashboard{
		startTime: time.Now(),
		updates:   updates,
	}
}

type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (d dashboard) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(d.updates), tickCmd())
}

func waitForUpdate(updates chan EpisodeUpdate) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (d dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return d, tea.Quit
		}
	case TickMsg:
		d.steps = totalSteps.Load()
		d.inferences = totalInferences.Load()
		return d, tickCmd()
	case EpisodeUpdate:
		d.episodes++
		d.totalReturn += float64(msg.Result.Return)
		line := fmt.Sprintf("Worker %d: %s steps=%d return=%.2f",
			msg.WorkerID, msg.Result.EpisodeID[:8], msg.Result.Steps, msg.Result.Return)
		d.recent = append([]string{line}, d.recent...)
		if len(d.recent) > 10 {
			d.recent = d.recent[:10]
		}
		return d, waitForUpdate(d.updates)
	}
	return d, nil
}

func (d dashboard) View() string {
	duration := time.Since(d.startTime)
	epsPerSec := float64(d.episodes) / duration.Seconds()
	stepsPerSec := float64(d.steps) / duration.Seconds()
	infPerSec := float64(d.inferences) / duration.Seconds()
	avgReturn := 0.0
	if d.episodes > 0 {
		avgReturn = d.totalReturn / float64(d.episodes)
	}
	if duration.Seconds() < 1 {
		epsPerSec, stepsPerSec, infPerSec = 0, 0, 0
	}

	s := titleStyle.Render("amped self-play") + "\n\n"
	s += statStyle.Render(fmt.Sprintf("Episodes:       %d", d.episodes)) + "\n"
	s += statStyle.Render(fmt.Sprintf("Avg Return:     %.3f", avgReturn)) + "\n"
	s += statStyle.Render(fmt.Sprintf("Total Steps:    %d", d.steps)) + "\n"
	s += statStyle.Render(fmt.Sprintf("Inferences:     %d", d.inferences)) + "\n"
	s += statStyle.Render(fmt.Sprintf("Duration:       %s", duration.Round(time.Second))) + "\n"
	s += statStyle.Render(fmt.Sprintf("Episodes/Sec:   %.2f", epsPerSec)) + "\n"
	s += statStyle.Render(fmt.Sprintf("Steps/Sec:      %.2f", stepsPerSec)) + "\n"
	s += statStyle.Render(fmt.Sprintf("Inferences/Sec: %.2f", infPerSec)) + "\n\n"

	s += "Recent Episodes:\n"
	for _, line := range d.recent {
		s += statStyle.Render(line) + "\n"
	}

	s += "\n" + dimStyle.Render("Press q to quit.") + "\n"
	return s
}

func main() {
	checkpointDir := flag.String("checkpoint", "models/ckpt_latest", "Local checkpoint directory containing the three exported ONNX networks")
	envURL := flag.String("env-url", "ws://localhost:8765/env", "Environment server websocket URL")
	outDir := flag.String("out-dir", "data/generated", "Output directory for training parquet batches")
	dbPath := flag.String("db", "data/selfplay.db", "SQLite index of written batches and episodes")
	workers := flag.Int("workers", 16, "Number of self-play workers")
	episodesPerFlush := flag.Int("episodes-per-flush", 20, "Number of episodes to buffer per parquet flush")
	maxEpisodes := flag.Int64("max-episodes", 0, "If > 0, stop after this many episodes (across all workers)")
	sims := flag.Int("sims", 50, "Number of MCTS rollouts per decision step")
	kSims := flag.Int("k-sims", 10, "Descent depth per rollout")
	c1 := flag.Float64("c1", 1.25, "PUCT exploration constant c1")
	c2 := flag.Float64("c2", 19652, "PUCT exploration constant c2")
	gamma := flag.Float64("gamma", 0.997, "Discount factor")
	actions := flag.Int("actions", 7, "Action space size")
	obsSize := flag.Int("obs-size", 1024, "Observation vector size")
	latentSize := flag.Int("latent-size", 128, "Latent state vector size")
	sampleSteps := flag.Int("sample-steps", 30, "Steps to sample actions from the visit distribution before switching to argmax")
	maxSteps := flag.Int("max-steps", 2000, "Maximum steps per episode")
	onnxSessions := flag.Int("onnx-sessions", 1, "Number of ONNX Runtime sessions to run in parallel")
	onnxBatchSize := flag.Int("onnx-batch-size", inference.DefaultBatchSize, "ONNX inference batch size")
	onnxBatchTimeout := flag.Duration("onnx-batch-timeout", inference.DefaultBatchTimeout, "Max time to wait for filling an ONNX batch")
	useTUI := flag.Bool("tui", true, "Render the live dashboard (disable for plain logs)")
	flag.Parse()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	if _, err := os.Stat(*checkpointDir); os.IsNotExist(err) {
		log.Fatalf("Checkpoint directory not found: %s. Run cmd/fetchmodel first.", *checkpointDir)
	}

	pool, err := inference.NewPool(*checkpointDir, *onnxSessions, inference.Config{
		ObservationSize: *obsSize,
		LatentSize:      *latentSize,
		ActionSize:      *actions,
		BatchSize:       *onnxBatchSize,
		BatchTimeout:    *onnxBatchTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to create ONNX pool: %v", err)
	}
	defer pool.Close()

	db, err := store.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open index db: %v", err)
	}
	defer db.Close()

	m := &instrumentedModel{Model: pool}

	plannerCfg := planner.Config{
		KSims:           *kSims,
		C1:              *c1,
		C2:              *c2,
		Gamma:           *gamma,
		ActionSpaceSize: *actions,
	}

	log.Printf("Starting self-play with %d workers against %s", *workers, *envURL)

	updates := make(chan EpisodeUpdate, *workers)
	writeReqs := make(chan episodeWriteRequest, (*workers)*4)

	writerDone := make(chan struct{})
	go func() {
		parquetWriterLoop(*outDir, *checkpointDir, *episodesPerFlush, db, writeReqs)
		close(writerDone)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		workerID := i
		g.Go(func() error {
			return runWorker(gctx, cancel, workerID, m, plannerCfg, selfplay.Options{
				SearchSims:  *sims,
				SampleSteps: *sampleSteps,
				MaxSteps:    *maxSteps,
				Gamma:       *gamma,
				Source:      "selfplay",
				ModelPath:   *checkpointDir,
			}, *envURL, *maxEpisodes, updates, writeReqs)
		})
	}

	if *useTUI {
		p := tea.NewProgram(initialDashboard(updates), tea.WithAltScreen())
		go func() {
			<-gctx.Done()
			p.Quit()
		}()
		if _, err := p.Run(); err != nil {
			log.Printf("Dashboard error: %v", err)
		}
		cancel()
	} else {
		runPlainStats(gctx, updates)
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("Worker error: %v", err)
	}
	close(writeReqs)
	<-writerDone
	log.Printf("Shutdown complete: final parquet flush done (episodes=%d)", totalEpisodes.Load())
}

func runWorker(ctx context.Context, cancel context.CancelFunc, workerID int, m model.Model, cfg planner.Config, opts selfplay.Options, envURL string, maxEpisodes int64, updates chan EpisodeUpdate, writeReqs chan episodeWriteRequest) error {
	env, err := envclient.Dial(envclient.DefaultConfig(envURL))
	if err != nil {
		return fmt.Errorf("worker %d: %w", workerID, err)
	}
	defer env.Close()

	ctrl, err := planner.NewSearchController(m, cfg)
	if err != nil {
		return fmt.Errorf("worker %d: %w", workerID, err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)*1000003))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rows, result, err := selfplay.PlayEpisode(ctx, workerID, ctrl, env, rng, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[Worker %d] Episode error: %v", workerID, err)
			continue
		}

		totalSteps.Add(int64(len(rows)))

		total := totalEpisodes.Add(1)
		if maxEpisodes > 0 && total >= maxEpisodes {
			cancel()
		}

		if len(rows) > 0 {
			writeReqs <- episodeWriteRequest{rows: rows, result: result}
			select {
			case updates <- EpisodeUpdate{WorkerID: workerID, Result: result}:
			default:
			}
		}
	}
}

func runPlainStats(ctx context.Context, updates chan EpisodeUpdate) {
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-updates:
			log.Printf("Worker %d: Episode %s, Steps %d, Return %.2f",
				update.WorkerID, update.Result.EpisodeID[:8], update.Result.Steps, update.Result.Return)
		case <-ticker.C:
			duration := time.Since(startTime)
			steps := totalSteps.Load()
			inferences := totalInferences.Load()
			log.Printf("Stats: Steps/s: %.2f, Inf/s: %.2f",
				float64(steps)/duration.Seconds(), float64(inferences)/duration.Seconds())
		}
	}
}

// parquetWriterLoop streams incoming episodes through a store.BatchWriter,
// finalizing and indexing a batch every episodesPerFlush episodes. Rows hit
// the tmp parquet file as they arrive instead of accumulating in memory.
func parquetWriterLoop(outDir, modelPath string, episodesPerFlush int, db *store.DB, in <-chan episodeWriteRequest) {
	if episodesPerFlush <= 0 {
		episodesPerFlush = 20
	}

	var w *store.BatchWriter

	finalize := func() {
		if w == nil {
			return
		}
		batch, episodes, err := w.Finalize()
		w = nil
		if err != nil {
			log.Printf("Parquet flush failed: %v", err)
			return
		}
		if batch.Path == "" {
			return
		}
		log.Printf("Parquet flush ok: %s (episodes=%d rows=%d)", batch.Path, batch.Episodes, batch.Rows)
		batch.ModelPath = modelPath
		if err := db.InsertBatch(batch, episodes); err != nil {
			log.Printf("Index update failed for %s: %v", batch.Path, err)
		}
	}

	for req := range in {
		if len(req.rows) == 0 {
			continue
		}
		if w == nil {
			var err error
			w, err = store.NewBatchWriter(outDir)
			if err != nil {
				log.Printf("Failed to open batch writer, dropping episode %s: %v", req.result.EpisodeID, err)
				continue
			}
		}

		ep := store.Episode{
			ID:     req.result.EpisodeID,
			Steps:  int64(req.result.Steps),
			Return: float64(req.result.Return),
		}
		if err := w.AppendEpisode(req.rows, ep); err != nil {
			log.Printf("Parquet write failed for episode %s: %v", ep.ID, err)
			continue
		}

		if w.BufferedEpisodes() >= episodesPerFlush {
			finalize()
		}
	}

	finalize()
}
