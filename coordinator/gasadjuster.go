package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/etherscan"
	"zkrollup-node/log"
	"zkrollup-node/metric"

	"github.com/jonboulle/clockwork"
)

const (
	// gasPriceSamples is the number of network prices the limit is
	// computed from
	gasPriceSamples = 10
	// replacement txs pay at least 115% of the stuck tx price
	replacementBumpPerc = 115
)

// ErrGasPriceCapped is returned when a stuck tx can not be replaced
// because its bumped price is above the limit
var ErrGasPriceCapped = fmt.Errorf("gas price limit reached")

// GasAdjusterConfig is the configuration of the GasAdjuster
type GasAdjusterConfig struct {
	// PriceFactor multiplies the average of the sampled prices to get the
	// largest price the node pays
	PriceFactor float64
	// LimitUpdateInterval is the interval between two updates of the limit
	LimitUpdateInterval time.Duration
	// SampleInterval is the interval between two samples of the network
	// price
	SampleInterval time.Duration
}

// GasPriceSource gives the network gas price
type GasPriceSource interface {
	EthSuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasAdjuster proposes the gas prices of the L1 txs.  It keeps the last
// sampled network prices and caps the proposals at their average times a
// factor.
type GasAdjuster struct {
	cfg    GasAdjusterConfig
	source GasPriceSource
	oracle etherscan.Client
	clock  clockwork.Clock

	mu       sync.Mutex
	samples  [gasPriceSamples]*big.Int
	nSamples int
	next     int
	limit    *big.Int
	limitAt  time.Time
}

// NewGasAdjuster creates a GasAdjuster.  oracle can be nil.
func NewGasAdjuster(cfg GasAdjusterConfig, source GasPriceSource, oracle etherscan.Client,
	clock clockwork.Clock) *GasAdjuster {
	return &GasAdjuster{cfg: cfg, source: source, oracle: oracle, clock: clock}
}

// networkPrice returns the price of the node, or the oracle proposal when
// it is higher
func (g *GasAdjuster) networkPrice(ctx context.Context) (*big.Int, error) {
	price, err := g.source.EthSuggestGasPrice(ctx)
	if err != nil {
		return nil, l1Error(err)
	}
	if g.oracle == nil {
		return price, nil
	}
	res, err := g.oracle.GetGasPrice(ctx)
	if err != nil {
		log.Warnw("GasAdjuster: gas oracle", "err", err)
		return price, nil
	}
	oraclePrice, err := res.ProposeWei()
	if err != nil {
		log.Warnw("GasAdjuster: gas oracle", "err", err)
		return price, nil
	}
	if oraclePrice.Cmp(price) > 0 {
		return oraclePrice, nil
	}
	return price, nil
}

// Sample adds the current network price to the samples, updates the limit
// when it is due, and returns the price
func (g *GasAdjuster) Sample(ctx context.Context) (*big.Int, error) {
	price, err := g.networkPrice(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addSample(price)
	return price, nil
}

func (g *GasAdjuster) addSample(price *big.Int) {
	g.samples[g.next] = new(big.Int).Set(price)
	g.next = (g.next + 1) % gasPriceSamples
	if g.nSamples < gasPriceSamples {
		g.nSamples++
	}
	now := g.clock.Now()
	if g.limit == nil || now.Sub(g.limitAt) >= g.cfg.LimitUpdateInterval {
		g.updateLimit(now)
	}
	metric.GasPrice.Set(toGwei(price))
}

// Run samples the network price every SampleInterval until ctx is done.
// Failed samples are skipped.
func (g *GasAdjuster) Run(ctx context.Context) error {
	ticker := g.clock.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		if _, err := g.Sample(ctx); err != nil {
			log.Warnw("GasAdjuster: sample", "err", err)
		}
		select {
		case <-ctx.Done():
			log.Info("GasAdjuster: done")
			return nil
		case <-ticker.Chan():
		}
	}
}

func toGwei(wei *big.Int) float64 {
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64() //nolint:gomnd
	return gwei
}

func (g *GasAdjuster) updateLimit(now time.Time) {
	sum := big.NewInt(0)
	for i := 0; i < g.nSamples; i++ {
		sum.Add(sum, g.samples[i])
	}
	avg := new(big.Float).Quo(new(big.Float).SetInt(sum), big.NewFloat(float64(g.nSamples)))
	limit, _ := avg.Mul(avg, big.NewFloat(g.cfg.PriceFactor)).Int(nil)
	g.limit = limit
	g.limitAt = now
	metric.MaxGasPrice.Set(toGwei(limit))
	log.Debugw("GasAdjuster: new limit", "limit", limit, "samples", g.nSamples)
}

// MaxPrice returns the current limit, nil before the first sample
func (g *GasAdjuster) MaxPrice() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limit == nil {
		return nil
	}
	return new(big.Int).Set(g.limit)
}

// GasPrice returns the price of a new tx when stuck is nil, or of the
// replacement of a tx sent at price stuck.  A replacement pays at least 115%
// of stuck.  Prices are capped at the limit, and a replacement that does not
// fit under the limit returns ErrGasPriceCapped.  The price is only sampled
// when there is no limit yet.
func (g *GasAdjuster) GasPrice(ctx context.Context, stuck *big.Int) (*big.Int, error) {
	price, err := g.networkPrice(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	if g.limit == nil {
		g.addSample(price)
	}
	g.mu.Unlock()
	var bumped *big.Int
	if stuck != nil {
		bumped = new(big.Int).Mul(stuck, big.NewInt(replacementBumpPerc))
		bumped.Div(bumped, big.NewInt(100)) //nolint:gomnd
		if bumped.Cmp(price) > 0 {
			price = bumped
		}
	}
	limit := g.MaxPrice()
	if limit != nil && price.Cmp(limit) > 0 {
		if bumped != nil && bumped.Cmp(limit) > 0 {
			return nil, common.Wrap(fmt.Errorf("%w: replacement %s, limit %s",
				ErrGasPriceCapped, bumped, limit))
		}
		log.Warnw("GasAdjuster: price capped", "price", price, "limit", limit)
		price = limit
	}
	return price, nil
}
