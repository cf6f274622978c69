package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-core/internal/executor"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// The brokerage/market-data adapter is explicitly out of scope
// (spec.md §1's Non-goals), so the core defines only the seams
// (vix.DataSource, executor.BrokerAdapter, state.MarketHours) it
// consumes. These stand-ins exist so cmd/core can boot and exercise the
// full dependency graph standalone; a real deployment supplies its own
// adapters satisfying the same three interfaces.

// noopDataSource answers a fixed VIX level, used only until a real
// market-data feed is wired in.
type noopDataSource struct {
	level float64
}

func (d noopDataSource) CurrentVIX() (float64, error) {
	return d.level, nil
}

// standardMarketHours approximates US equity/index market hours
// (9:30-16:00 local, Monday-Friday) without a holiday calendar -- a
// placeholder for the real market-data adapter's calendar-aware
// IsMarketOpen.
type standardMarketHours struct {
	loc *time.Location
}

func (h standardMarketHours) IsMarketOpen(symbol string) bool {
	now := time.Now().In(h.loc)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, h.loc)
	close_ := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, h.loc)
	return !now.Before(open) && !now.After(close_)
}

// paperBroker fills every order immediately at its requested price with
// no slippage, recording it as a holding rather than routing it anywhere --
// until a real brokerage adapter satisfies executor.BrokerAdapter.
type paperBroker struct {
	holdings map[string]types.Holding
}

func newPaperBroker() *paperBroker {
	return &paperBroker{holdings: make(map[string]types.Holding)}
}

func (b *paperBroker) MarketOrder(symbol string, signedQty int, tag string) (types.OrderTicket, error) {
	return b.fill(symbol, signedQty, decimal.Zero, tag)
}

func (b *paperBroker) LimitOrder(symbol string, signedQty int, limitPrice decimal.Decimal, tag string) (types.OrderTicket, error) {
	return b.fill(symbol, signedQty, limitPrice, tag)
}

func (b *paperBroker) ComboOrder(legs []executor.Leg, tag string) (types.OrderTicket, error) {
	var last types.OrderTicket
	for _, leg := range legs {
		ticket, err := b.fill(leg.Symbol, leg.SignedQty, leg.LimitPrice, tag)
		if err != nil {
			return types.OrderTicket{}, err
		}
		last = ticket
	}
	return last, nil
}

func (b *paperBroker) fill(symbol string, signedQty int, price decimal.Decimal, tag string) (types.OrderTicket, error) {
	b.holdings[symbol] = types.Holding{
		Symbol:   symbol,
		Quantity: decimal.NewFromInt(int64(signedQty)),
		AvgPrice: price,
		IsShort:  signedQty < 0,
		IsOption: true,
	}
	return types.OrderTicket{
		OrderID:     uuid.New().String(),
		Symbol:      symbol,
		Status:      types.BrokerFilled,
		SubmittedAt: time.Now(),
	}, nil
}

func (b *paperBroker) Cancel(orderID string) error {
	return fmt.Errorf("paper broker: order %s already filled, nothing to cancel", orderID)
}

func (b *paperBroker) OpenOrders() ([]types.OrderTicket, error) {
	return nil, nil
}

func (b *paperBroker) Portfolio() (map[string]types.Holding, error) {
	return b.holdings, nil
}

func (b *paperBroker) Account() (types.Account, error) {
	return types.Account{
		PortfolioValue:  decimal.NewFromInt(100000),
		Cash:            decimal.NewFromInt(100000),
		MarginRemaining: decimal.NewFromInt(100000),
		BuyingPower:     decimal.NewFromInt(200000),
	}, nil
}
