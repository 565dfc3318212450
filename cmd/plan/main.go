// Command plan runs a single search against one observation and prints the
// resulting visit distribution. Useful for debugging a checkpoint without
// standing up the environment server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/brensch/amped/inference"
	"github.com/brensch/amped/planner"
)

func main() {
	checkpointDir := flag.String("checkpoint", filepath.Join("models", "ckpt_latest"), "Local checkpoint directory containing the three exported ONNX networks")
	obsPath := flag.String("obs", "", "Path to a JSON file holding the observation as a float array")
	sims := flag.Int("sims", 100, "Number of MCTS rollouts")
	kSims := flag.Int("k-sims", 10, "Descent depth per rollout")
	c1 := flag.Float64("c1", 1.25, "PUCT exploration constant c1")
	c2 := flag.Float64("c2", 19652, "PUCT exploration constant c2")
	gamma := flag.Float64("gamma", 0.997, "Discount factor")
	actions := flag.Int("actions", 7, "Action space size")
	latentSize := flag.Int("latent-size", 128, "Latent state vector size")
	cuda := flag.Bool("cuda", true, "Enable CUDA for inference")
	flag.Parse()

	if *obsPath == "" {
		log.Fatal("Missing required -obs flag")
	}
	if !*cuda {
		os.Setenv("AMPED_ORT_DISABLE_CUDA", "1")
	}

	data, err := os.ReadFile(*obsPath)
	if err != nil {
		log.Fatalf("Failed to read observation: %v", err)
	}
	var obs []float32
	if err := json.Unmarshal(data, &obs); err != nil {
		log.Fatalf("Failed to parse observation: %v", err)
	}
	if len(obs) == 0 {
		log.Fatal("Observation is empty")
	}

	log.Printf("Loading checkpoint: %s", *checkpointDir)
	client, err := inference.NewClient(*checkpointDir, inference.Config{
		ObservationSize: len(obs),
		LatentSize:      *latentSize,
		ActionSize:      *actions,
	})
	if err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}
	defer client.Close()

	ctrl, err := planner.NewSearchController(client, planner.Config{
		KSims:           *kSims,
		C1:              *c1,
		C2:              *c2,
		Gamma:           *gamma,
		ActionSpaceSize: *actions,
	})
	if err != nil {
		log.Fatalf("Failed to create search controller: %v", err)
	}

	prior, err := ctrl.Prior(obs)
	if err != nil {
		log.Fatalf("Prior evaluation failed: %v", err)
	}

	log.Printf("Running search with %d rollouts, depth %d", *sims, *kSims)
	dist, err := ctrl.Search(obs, *sims)
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}

	best := 0
	for a := range dist {
		if dist[a] > dist[best] {
			best = a
		}
	}

	fmt.Println()
	fmt.Printf("  %-8s %-10s %-10s\n", "action", "prior", "visits")
	for a := range dist {
		marker := " "
		if a == best {
			marker = "*"
		}
		fmt.Printf("%s %-8d %-10.4f %-10.4f\n", marker, a, prior[a], dist[a])
	}
	fmt.Println()
	fmt.Printf("Best action: %d\n", best)
}
