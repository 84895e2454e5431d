package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

// Envelope is one relay message. Payload and Signature are base64 in JSON.
type Envelope struct {
	Type      string `json:"type"`
	Payload   []byte `json:"payload,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	Fee       string `json:"fee,omitempty"`
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Relay streams signed price updates from a websocket endpoint into a FastFeed.
type Relay struct {
	config RelayConfig
	feed   *FastFeed
	auth   func() Authorizer
	logger log.Logger

	mu            sync.RWMutex
	conn          *websocket.Conn
	healthy       bool
	lastHeartbeat time.Time
	applied       uint64
	rejected      uint64
}

// NewRelay creates a relay. auth is resolved once per received update.
func NewRelay(config RelayConfig, feed *FastFeed, auth func() Authorizer, logger log.Logger) *Relay {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = 30 * time.Second
	}
	return &Relay{config: config, feed: feed, auth: auth, logger: logger}
}

// Run connects and processes updates until ctx is done, reconnecting with backoff.
func (r *Relay) Run(ctx context.Context) error {
	delay := r.config.ReconnectDelay
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("price relay disconnected", "url", r.config.URL, "error", err, "retry", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.config.MaxReconnectDelay {
			delay = r.config.MaxReconnectDelay
		}
	}
}

func (r *Relay) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: r.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, r.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to price relay: %w", err)
	}
	r.mu.Lock()
	r.conn = conn
	r.healthy = true
	r.lastHeartbeat = time.Now()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.healthy = false
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}
	if err := write(Envelope{Type: "subscribe"}); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(r.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := write(Envelope{Type: "heartbeat"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg Envelope
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		r.handle(ctx, msg)
	}
}

func (r *Relay) handle(ctx context.Context, msg Envelope) {
	switch msg.Type {
	case "heartbeat":
		r.mu.Lock()
		r.lastHeartbeat = time.Now()
		r.mu.Unlock()
	case "price_update":
		fee := new(big.Int)
		if msg.Fee != "" {
			if _, ok := fee.SetString(msg.Fee, 10); !ok {
				r.reject(ErrMalformedUpdate)
				return
			}
		}
		n, err := r.feed.SubmitUpdate(ctx, r.auth(), SignedUpdate{Payload: msg.Payload, Signature: msg.Signature}, fee)
		if err != nil {
			r.reject(err)
			return
		}
		r.mu.Lock()
		r.applied += uint64(n)
		r.lastHeartbeat = time.Now()
		r.mu.Unlock()
	}
}

func (r *Relay) reject(err error) {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
	r.logger.Debug("price relay update rejected", "error", err)
}

// IsHealthy reports a live connection with a recent heartbeat.
func (r *Relay) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy && time.Since(r.lastHeartbeat) <= 3*r.config.HeartbeatInterval
}

// Stats returns applied entries and rejected envelopes.
func (r *Relay) Stats() (applied, rejected uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.applied, r.rejected
}
