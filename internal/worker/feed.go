package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"botfleet/internal/pkg/circuit"
	"botfleet/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2"
)

// PriceFeed returns the latest price for an internal symbol (BASE-QUOTE).
type PriceFeed interface {
	Price(ctx context.Context, sym string) (float64, error)
}

// SimFeed is a seeded random walk used for dry runs.
type SimFeed struct {
	mu    sync.Mutex
	rng   *rand.Rand
	price float64
	step  float64
	drift float64
}

// NewSimFeed starts the walk at start; step is the per-tick standard
// deviation as a ratio (0.002 = 0.2%).
func NewSimFeed(seed string, start, step, drift float64) *SimFeed {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	if start <= 0 {
		start = 100
	}
	if step <= 0 {
		step = 0.002
	}
	return &SimFeed{
		rng:   rand.New(rand.NewSource(int64(h.Sum64()))),
		price: start,
		step:  step,
		drift: drift,
	}
}

func (f *SimFeed) Price(ctx context.Context, _ string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price *= 1 + f.drift + f.rng.NormFloat64()*f.step
	if f.price <= 0 {
		f.price = 1e-8
	}
	return f.price, nil
}

// BinanceFeed polls the public ticker price endpoint behind a circuit
// breaker.
type BinanceFeed struct {
	client  *binance.Client
	breaker *circuit.Breaker
	timeout time.Duration
}

func NewBinanceFeed(baseURL string) *BinanceFeed {
	c := binance.NewClient("", "")
	if baseURL != "" {
		c.BaseURL = baseURL
	}
	return &BinanceFeed{
		client:  c,
		breaker: circuit.New("binance-ticker", 3, 30*time.Second),
		timeout: 10 * time.Second,
	}
}

func (f *BinanceFeed) Price(ctx context.Context, sym string) (float64, error) {
	pair := symbol.Parse(sym).Binance()
	if pair == "" {
		return 0, fmt.Errorf("binance feed: bad symbol %q", sym)
	}
	var price float64
	err := f.breaker.Do(func() error {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		prices, err := f.client.NewListPricesService().Symbol(pair).Do(cctx)
		if err != nil {
			return err
		}
		for _, p := range prices {
			if p == nil || p.Symbol != pair {
				continue
			}
			v, err := strconv.ParseFloat(p.Price, 64)
			if err != nil {
				return fmt.Errorf("parse price %q: %w", p.Price, err)
			}
			price = v
			return nil
		}
		return errors.New("symbol missing from ticker response")
	})
	if err != nil {
		return 0, fmt.Errorf("binance feed %s: %w", pair, err)
	}
	return price, nil
}
