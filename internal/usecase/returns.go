package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"TWPull/internal/domain/models"
	domrepo "TWPull/internal/domain/repository"
	applogger "TWPull/pkg/logger"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var one = decimal.NewFromInt(1)

// ComputeReturns derives close_t / close_{t-1} - 1 for consecutive stored
// days. Days without a positive close break the chain.
func ComputeReturns(prices []models.PriceRecord) []models.DailyReturn {
	out := make([]models.DailyReturn, 0, len(prices))
	var prev *models.PriceRecord
	for i := range prices {
		cur := &prices[i]
		if !cur.HasPositiveClose() {
			prev = nil
			continue
		}
		if prev != nil {
			ret, _ := cur.Close.Decimal.Div(prev.Close.Decimal).Sub(one).Float64()
			out = append(out, models.DailyReturn{
				Symbol:    cur.Symbol,
				Date:      cur.Date,
				Close:     cur.Close.Decimal,
				PrevClose: prev.Close.Decimal,
				Return:    ret,
			})
		}
		prev = cur
	}
	return out
}

// ReturnsCalculator recomputes returns for many symbols on a bounded pool.
type ReturnsCalculator struct {
	prices  domrepo.PriceStore
	sink    domrepo.ReturnStore
	workers int
	l       *applogger.Logger
}

func NewReturnsCalculator(prices domrepo.PriceStore, sink domrepo.ReturnStore, workers int, l *applogger.Logger) *ReturnsCalculator {
	if workers < 1 {
		workers = 1
	}
	return &ReturnsCalculator{prices: prices, sink: sink, workers: workers, l: l}
}

// Run recomputes returns for symbols, or for every stored symbol when none
// are given. One symbol failing does not stop the others.
func (c *ReturnsCalculator) Run(ctx context.Context, symbols []string) (models.ReturnsReport, error) {
	if len(symbols) == 0 {
		all, err := c.prices.Symbols(ctx)
		if err != nil {
			return models.ReturnsReport{}, fmt.Errorf("list symbols: %w", err)
		}
		symbols = all
	}
	symbols = dedupeSymbols(symbols)

	var (
		mu  sync.Mutex
		rep = models.ReturnsReport{Symbols: len(symbols), Errors: []models.SymbolError{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, symbol := range symbols {
		g.Go(func() error {
			n, err := c.runSymbol(gctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.l.Warn("returns failed", applogger.String("symbol", symbol), applogger.Error(err))
				rep.Errors = append(rep.Errors, models.SymbolError{Symbol: symbol, Error: err.Error()})
				return nil
			}
			rep.Written += n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	sort.Slice(rep.Errors, func(i, j int) bool { return rep.Errors[i].Symbol < rep.Errors[j].Symbol })
	c.l.Info("returns computed",
		applogger.Int("symbols", rep.Symbols),
		applogger.Int("written", rep.Written),
		applogger.Int("errors", len(rep.Errors)),
	)
	return rep, nil
}

func (c *ReturnsCalculator) runSymbol(ctx context.Context, symbol string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prices, err := c.prices.ListPrices(ctx, models.SeriesFilter{Symbol: symbol})
	if err != nil {
		return 0, err
	}
	returns := ComputeReturns(prices)
	if len(returns) == 0 {
		return 0, nil
	}
	return c.sink.UpsertReturns(ctx, returns)
}
