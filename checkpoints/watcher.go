package checkpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// WatcherConfig holds checkpoint event stream configuration.
type WatcherConfig struct {
	URL            string // e.g. ws://trainer:8080/events
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig(url string) WatcherConfig {
	return WatcherConfig{
		URL:            url,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    5 * time.Minute,
		ReconnectDelay: 5 * time.Second,
	}
}

type trainerEvent struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Watch subscribes to the trainer's event stream and calls onCheckpoint with
// the checkpoint name every time a new one is announced. It reconnects on
// connection loss and returns only when ctx is cancelled.
func Watch(ctx context.Context, cfg WatcherConfig, onCheckpoint func(name string)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := watchOnce(ctx, cfg, onCheckpoint); err != nil {
			log.Printf("[Checkpoints] Event stream error: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.ReconnectDelay):
		}
	}
}

func watchOnce(ctx context.Context, cfg WatcherConfig, onCheckpoint func(name string)) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	defer conn.Close()

	// Close the socket when ctx ends so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	log.Printf("[Checkpoints] Watching %s", cfg.URL)

	for {
		if cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var ev trainerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[Checkpoints] Skipping malformed event: %v", err)
			continue
		}
		if ev.Type != "checkpoint" || ev.Name == "" {
			continue
		}

		log.Printf("[Checkpoints] New checkpoint announced: %s", ev.Name)
		onCheckpoint(ev.Name)
	}
}
