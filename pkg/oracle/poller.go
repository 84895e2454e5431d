package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perpvault/pkg/types"
)

// AggregatorAnswer is a Chainlink style latestRoundData response.
type AggregatorAnswer struct {
	RoundID   uint64 `json:"roundId"`
	Answer    string `json:"answer"`
	Decimals  uint8  `json:"decimals"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Price converts the answer to 30 decimals.
func (a AggregatorAnswer) Price() (*big.Int, error) {
	answer, ok := new(big.Int).SetString(a.Answer, 10)
	if !ok || answer.Sign() <= 0 {
		return nil, types.ErrInvalidPrice
	}
	return types.AdjustForDecimals(answer, a.Decimals, types.PriceDecimals), nil
}

// PollerConfig configures a ReferencePoller.
type PollerConfig struct {
	// Endpoints maps each asset to the URL returning its AggregatorAnswer.
	Endpoints    map[types.Asset]string
	PollInterval time.Duration
	Timeout      time.Duration
	MaxFailures  int
}

// ReferencePoller keeps a ReferenceFeed current from HTTP aggregator endpoints.
type ReferencePoller struct {
	config PollerConfig
	feed   *ReferenceFeed
	client *http.Client
	logger log.Logger

	mu       sync.RWMutex
	failures int
	lastPoll time.Time
	lastSeen map[types.Asset]uint64
}

// NewReferencePoller creates a poller writing into feed.
func NewReferencePoller(config PollerConfig, feed *ReferenceFeed, logger log.Logger) *ReferencePoller {
	if config.PollInterval <= 0 {
		config.PollInterval = 15 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 3
	}
	return &ReferencePoller{
		config:   config,
		feed:     feed,
		client:   &http.Client{Timeout: config.Timeout},
		logger:   logger,
		lastSeen: make(map[types.Asset]uint64),
	}
}

// Run polls until ctx is cancelled.
func (p *ReferencePoller) Run(ctx context.Context) error {
	p.PollOnce(ctx)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches every endpoint concurrently and records new rounds.
func (p *ReferencePoller) PollOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	var (
		wg     sync.WaitGroup
		failed sync.Map
	)
	for asset, url := range p.config.Endpoints {
		wg.Add(1)
		go func(asset types.Asset, url string) {
			defer wg.Done()
			if err := p.pollAsset(ctx, asset, url); err != nil {
				failed.Store(asset, err)
				p.logger.Warn("reference poll failed", "asset", asset, "error", err)
			}
		}(asset.Normalize(), url)
	}
	wg.Wait()

	anyFailed := false
	failed.Range(func(_, _ any) bool {
		anyFailed = true
		return false
	})

	p.mu.Lock()
	p.lastPoll = time.Now()
	if anyFailed {
		p.failures++
	} else {
		p.failures = 0
	}
	p.mu.Unlock()
}

func (p *ReferencePoller) pollAsset(ctx context.Context, asset types.Asset, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("aggregator returned %s", resp.Status)
	}

	var answer AggregatorAnswer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return err
	}
	price, err := answer.Price()
	if err != nil {
		return err
	}

	p.mu.Lock()
	seen := p.lastSeen[asset]
	if answer.RoundID != 0 && answer.RoundID <= seen {
		p.mu.Unlock()
		return nil
	}
	p.lastSeen[asset] = answer.RoundID
	p.mu.Unlock()

	_, err = p.feed.SubmitRound(asset, price, time.Unix(answer.UpdatedAt, 0))
	return err
}

// IsHealthy reports whether recent polls succeeded.
func (p *ReferencePoller) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures < p.config.MaxFailures
}
