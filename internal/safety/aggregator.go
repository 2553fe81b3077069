package safety

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/l0p7/coinscope/internal/market"
	"github.com/l0p7/coinscope/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	volumeCurrency = "usd"
	volumeDays     = "30"
)

// CoinData reads coin detail and chart history, typically through a cache.
type CoinData interface {
	Coin(ctx context.Context, id string) (market.CoinDetail, error)
	MarketChart(ctx context.Context, id, vsCurrency, days string) (market.MarketChart, error)
}

// PoolSource lists liquidity pools for a token.
type PoolSource interface {
	Pools(ctx context.Context, tokenAddress string) ([]Pool, error)
}

// Options wires the Aggregator to its metric sources. A nil source scores zero.
type Options struct {
	Coins     CoinData
	Liquidity PoolSource
	Commits   CommitCounter
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Aggregator computes safety scores from four independent metrics.
type Aggregator struct {
	coins     CoinData
	liquidity PoolSource
	commits   CommitCounter
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

func NewAggregator(opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Aggregator{
		coins:     opts.Coins,
		liquidity: opts.Liquidity,
		commits:   opts.Commits,
		logger:    logger.With(slog.String("agent", "safety")),
		metrics:   opts.Metrics,
	}
}

// Compute scores a coin. When both tokenAddress and repoURL are blank it
// returns the zero score without contacting any source. Each metric fails
// independently and contributes zero; a panic in any metric yields the zero
// score.
func (a *Aggregator) Compute(ctx context.Context, coinID, tokenAddress, repoURL string) SafetyScore {
	coinID = strings.TrimSpace(coinID)
	tokenAddress = strings.TrimSpace(tokenAddress)
	repoURL = strings.TrimSpace(repoURL)
	if tokenAddress == "" && repoURL == "" {
		return SafetyScore{}
	}

	var breakdown Breakdown
	var g errgroup.Group
	a.run(ctx, &g, "vesting", coinID, &breakdown.VestingScore, func(ctx context.Context) (float64, error) {
		return a.vesting(ctx, coinID)
	})
	a.run(ctx, &g, "liquidity", coinID, &breakdown.LiquidityScore, func(ctx context.Context) (float64, error) {
		return a.liquidityMetric(ctx, tokenAddress)
	})
	a.run(ctx, &g, "volume", coinID, &breakdown.VolumeScore, func(ctx context.Context) (float64, error) {
		return a.volume(ctx, coinID)
	})
	a.run(ctx, &g, "developer", coinID, &breakdown.DevScore, func(ctx context.Context) (float64, error) {
		return a.developer(ctx, repoURL)
	})
	if err := g.Wait(); err != nil {
		a.logger.Error("safety score aborted", slog.String("coin_id", coinID), slog.Any("error", err))
		return SafetyScore{}
	}

	score := Weighted(breakdown)
	a.metrics.ObserveSafetyScore(score.Score)
	a.logger.Debug("safety score computed",
		slog.String("coin_id", coinID),
		slog.Int("score", score.Score),
		slog.Float64("vesting", breakdown.VestingScore),
		slog.Float64("liquidity", breakdown.LiquidityScore),
		slog.Float64("volume", breakdown.VolumeScore),
		slog.Float64("developer", breakdown.DevScore))
	return score
}

// run schedules one metric. Ordinary errors are logged and leave *dst at
// zero; only panics reach the group.
func (a *Aggregator) run(ctx context.Context, g *errgroup.Group, name, coinID string, dst *float64, metric func(context.Context) (float64, error)) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("safety: %s metric panicked: %v", name, r)
			}
		}()
		value, metricErr := metric(ctx)
		if metricErr != nil {
			a.logger.Warn("safety metric failed",
				slog.String("metric", name),
				slog.String("coin_id", coinID),
				slog.Any("error", metricErr))
			return nil
		}
		*dst = value
		return nil
	})
}

var errNoSource = errors.New("safety: source not configured")

func (a *Aggregator) vesting(ctx context.Context, coinID string) (float64, error) {
	if coinID == "" {
		return 0, nil
	}
	if a.coins == nil {
		return 0, errNoSource
	}
	detail, err := a.coins.Coin(ctx, coinID)
	if err != nil {
		return 0, err
	}
	if detail.Tokenomics == nil || detail.Tokenomics.Vesting == nil {
		return 0, nil
	}
	return vestingScore(detail.Tokenomics.Vesting.Locked, detail.Tokenomics.Vesting.Schedule), nil
}

func (a *Aggregator) liquidityMetric(ctx context.Context, tokenAddress string) (float64, error) {
	if tokenAddress == "" {
		return 0, nil
	}
	if a.liquidity == nil {
		return 0, errNoSource
	}
	pools, err := a.liquidity.Pools(ctx, tokenAddress)
	if err != nil {
		return 0, err
	}
	return liquidityScore(pools), nil
}

func (a *Aggregator) volume(ctx context.Context, coinID string) (float64, error) {
	if coinID == "" {
		return 0, nil
	}
	if a.coins == nil {
		return 0, errNoSource
	}
	chart, err := a.coins.MarketChart(ctx, coinID, volumeCurrency, volumeDays)
	if err != nil {
		return 0, err
	}
	return volumeScore(chart.TotalVolumes), nil
}

func (a *Aggregator) developer(ctx context.Context, repoURL string) (float64, error) {
	if repoURL == "" {
		return 0, nil
	}
	if a.commits == nil {
		return 0, errNoSource
	}
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return 0, err
	}
	count, err := a.commits.CountCommits(ctx, owner, repo)
	if err != nil {
		return 0, err
	}
	return devScore(count), nil
}
