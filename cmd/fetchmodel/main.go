// Command fetchmodel downloads exported ONNX checkpoints from the trainer's
// checkpoint server. By default it fetches the latest checkpoint once; with
// -watch it stays connected and downloads each new checkpoint as the trainer
// announces it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/brensch/amped/checkpoints"
)

func main() {
	indexURL := flag.String("index-url", "http://localhost:8080/checkpoints/", "Checkpoint index URL on the trainer")
	eventsURL := flag.String("events-url", "ws://localhost:8080/events", "Trainer event stream URL (used with -watch)")
	destDir := flag.String("dest", "models", "Directory to download checkpoints into")
	name := flag.String("name", "", "Fetch a specific checkpoint instead of the latest")
	watch := flag.Bool("watch", false, "Keep running and fetch every newly announced checkpoint")
	flag.Parse()

	d := checkpoints.NewDiscovery(*indexURL)

	fetch := func(name string) {
		localDir, err := d.Fetch(name, *destDir)
		if err != nil {
			log.Printf("[Fetch] Failed to fetch %s: %v", name, err)
			return
		}
		log.Printf("[Fetch] Checkpoint ready: %s", localDir)
		if err := updateLatestLink(*destDir, name); err != nil {
			log.Printf("[Fetch] Could not update latest link: %v", err)
		}
	}

	if *name != "" {
		fetch(*name)
		return
	}

	latest, err := d.Latest()
	if err != nil {
		log.Fatalf("Failed to resolve latest checkpoint: %v", err)
	}
	fetch(latest)

	if !*watch {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = checkpoints.Watch(ctx, checkpoints.DefaultWatcherConfig(*eventsURL), fetch)
	if err != nil && ctx.Err() == nil {
		log.Fatalf("Watch failed: %v", err)
	}
}

// updateLatestLink points destDir/ckpt_latest at the named checkpoint so
// cmd/selfplay can use a stable path.
func updateLatestLink(destDir, name string) error {
	link := filepath.Join(destDir, "ckpt_latest")
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(name, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}
