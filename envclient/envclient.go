// Package envclient connects a self-play worker to the environment server
// over a websocket. The platformer itself runs in the training orchestrator;
// this client only speaks the reset/step protocol.
package envclient

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds environment connection configuration.
type Config struct {
	URL            string // e.g. ws://localhost:8765/env
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
	}
}

type command struct {
	Cmd    string `json:"cmd"`
	Action int    `json:"action"`
}

type reply struct {
	Obs    []float32 `json:"obs"`
	Reward float32   `json:"reward"`
	Done   bool      `json:"done"`
	Error  string    `json:"error,omitempty"`
}

// Client implements selfplay.Env over one websocket connection. One
// connection serves one environment instance; workers each dial their own.
type Client struct {
	cfg  Config
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the environment server.
func Dial(cfg Config) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	conn, _, err := dialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial env %s: %w", cfg.URL, err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

func (c *Client) roundTrip(cmd command) (reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteJSON(cmd); err != nil {
		return reply{}, fmt.Errorf("send %s: %w", cmd.Cmd, err)
	}

	if c.cfg.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}

	var rep reply
	if err := c.conn.ReadJSON(&rep); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return reply{}, fmt.Errorf("env closed connection: %w", err)
		}
		return reply{}, fmt.Errorf("read %s reply: %w", cmd.Cmd, err)
	}
	if rep.Error != "" {
		return reply{}, fmt.Errorf("env error on %s: %s", cmd.Cmd, rep.Error)
	}
	return rep, nil
}

// Reset starts a new episode and returns the initial observation.
func (c *Client) Reset() ([]float32, error) {
	rep, err := c.roundTrip(command{Cmd: "reset"})
	if err != nil {
		return nil, err
	}
	if len(rep.Obs) == 0 {
		return nil, fmt.Errorf("env returned empty observation on reset")
	}
	return rep.Obs, nil
}

// Step applies an action and returns the resulting transition.
func (c *Client) Step(action int) ([]float32, float32, bool, error) {
	rep, err := c.roundTrip(command{Cmd: "step", Action: action})
	if err != nil {
		return nil, 0, false, err
	}
	return rep.Obs, rep.Reward, rep.Done, nil
}

// Close closes the websocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
