package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perpvault/pkg/types"
)

func TestAggregatorAnswer_Price(t *testing.T) {
	p, err := AggregatorAnswer{Answer: "200012345678", Decimals: 8}.Price()
	require.NoError(t, err)
	assertUSD(t, "2000.12345678", p)

	_, err = AggregatorAnswer{Answer: "0", Decimals: 8}.Price()
	assert.ErrorIs(t, err, types.ErrInvalidPrice)

	_, err = AggregatorAnswer{Answer: "abc", Decimals: 8}.Price()
	assert.ErrorIs(t, err, types.ErrInvalidPrice)
}

func TestReferencePoller_RecordsNewRounds(t *testing.T) {
	var round atomic.Uint64
	round.Store(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := round.Load()
		_ = json.NewEncoder(w).Encode(AggregatorAnswer{
			RoundID:   id,
			Answer:    "200000000000",
			Decimals:  8,
			UpdatedAt: 1700000000 + int64(id),
		})
	}))
	defer srv.Close()

	feed := NewReferenceFeed()
	p := NewReferencePoller(PollerConfig{Endpoints: map[types.Asset]string{"eth": srv.URL}}, feed, testLogger())

	p.PollOnce(context.Background())
	p.PollOnce(context.Background())

	rounds, err := feed.LatestRounds(eth, 5)
	require.NoError(t, err)
	require.Len(t, rounds, 1, "a repeated round id is not recorded twice")
	assertUSD(t, "2000", rounds[0].Price)

	round.Store(2)
	p.PollOnce(context.Background())
	rounds, err = feed.LatestRounds(eth, 5)
	require.NoError(t, err)
	assert.Len(t, rounds, 2)
	assert.True(t, p.IsHealthy())
}

func TestReferencePoller_UnhealthyAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	feed := NewReferenceFeed()
	p := NewReferencePoller(PollerConfig{
		Endpoints:   map[types.Asset]string{eth: srv.URL},
		MaxFailures: 2,
	}, feed, testLogger())

	p.PollOnce(context.Background())
	assert.True(t, p.IsHealthy())
	p.PollOnce(context.Background())
	assert.False(t, p.IsHealthy())

	_, err := feed.LatestRounds(eth, 1)
	assert.ErrorIs(t, err, ErrNoRounds)
}
