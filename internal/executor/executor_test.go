package executor

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type stubBroker struct {
	comboErr      error
	rejectSymbol  string
	filled        map[string]int
	reverseCalls  []string
}

func newStubBroker() *stubBroker {
	return &stubBroker{filled: make(map[string]int)}
}

func (b *stubBroker) MarketOrder(symbol string, signedQty int, tag string) (types.OrderTicket, error) {
	if symbol == b.rejectSymbol {
		return types.OrderTicket{Symbol: symbol, Status: types.BrokerRejected}, nil
	}
	if tag != "" && len(tag) >= 8 && tag[len(tag)-8:] == "-reverse" {
		b.reverseCalls = append(b.reverseCalls, symbol)
	}
	b.filled[symbol] += signedQty
	return types.OrderTicket{OrderID: "ord-" + symbol, BrokerOrderID: "brk-" + symbol, Symbol: symbol, Status: types.BrokerFilled, SubmittedAt: time.Now()}, nil
}

func (b *stubBroker) LimitOrder(symbol string, signedQty int, limitPrice decimal.Decimal, tag string) (types.OrderTicket, error) {
	return b.MarketOrder(symbol, signedQty, tag)
}

func (b *stubBroker) ComboOrder(legs []Leg, tag string) (types.OrderTicket, error) {
	if b.comboErr != nil {
		return types.OrderTicket{}, b.comboErr
	}
	for _, l := range legs {
		b.filled[l.Symbol] += l.SignedQty
	}
	return types.OrderTicket{OrderID: "combo-1", BrokerOrderID: "brk-combo-1", Status: types.BrokerFilled, SubmittedAt: time.Now()}, nil
}

func (b *stubBroker) Cancel(orderID string) error                              { return nil }
func (b *stubBroker) OpenOrders() ([]types.OrderTicket, error)                  { return nil, nil }
func (b *stubBroker) Portfolio() (map[string]types.Holding, error)             { return nil, nil }
func (b *stubBroker) Account() (types.Account, error)                          { return types.Account{}, nil }

func TestExecuteAtomicComboSucceeds(t *testing.T) {
	broker := newStubBroker()
	bus := events.NewEventBus(zap.NewNop())
	ex := NewExecutor(broker, bus, DefaultExecutorConfig(), zap.NewNop())

	legs := []Leg{
		{Symbol: "SPY 447P", SignedQty: -1},
		{Symbol: "SPY 442P", SignedQty: 1},
	}
	ok := ex.ExecuteAtomic("strat-1", legs, "entry")
	if !ok {
		t.Fatalf("expected combo execution to succeed")
	}
	if broker.filled["SPY 447P"] != -1 || broker.filled["SPY 442P"] != 1 {
		t.Fatalf("unexpected fill state: %v", broker.filled)
	}
}

func TestExecuteAtomicFallsBackAndReversesOnLegFailure(t *testing.T) {
	broker := newStubBroker()
	broker.comboErr = errors.New("combo not supported")
	broker.rejectSymbol = "SPY 453C"
	bus := events.NewEventBus(zap.NewNop())
	ex := NewExecutor(broker, bus, DefaultExecutorConfig(), zap.NewNop())

	legs := []Leg{
		{Symbol: "SPY 442P", SignedQty: 1},  // protective, buy first
		{Symbol: "SPY 447P", SignedQty: -1}, // premium
		{Symbol: "SPY 453C", SignedQty: -1}, // rejected
	}
	ok := ex.ExecuteAtomic("strat-1", legs, "entry")
	if ok {
		t.Fatalf("expected atomic execution to fail")
	}
	// Buy leg filled then reversed (sold back), short leg filled then reversed (bought back).
	if broker.filled["SPY 442P"] != 0 {
		t.Fatalf("expected protective leg net zero after reversal, got %d", broker.filled["SPY 442P"])
	}
	if broker.filled["SPY 447P"] != 0 {
		t.Fatalf("expected premium leg net zero after reversal, got %d", broker.filled["SPY 447P"])
	}
	if broker.filled["SPY 453C"] != 0 {
		t.Fatalf("rejected leg should never have been filled, got %d", broker.filled["SPY 453C"])
	}
}

func TestKillSwitchBlocksExecution(t *testing.T) {
	broker := newStubBroker()
	bus := events.NewEventBus(zap.NewNop())
	ex := NewExecutor(broker, bus, DefaultExecutorConfig(), zap.NewNop())
	ex.ActivateKillSwitch()

	ok := ex.ExecuteAtomic("strat-1", []Leg{{Symbol: "SPY 447P", SignedQty: -1}}, "entry")
	if ok {
		t.Fatalf("expected kill switch to block execution")
	}
}

func TestVerifyZeroNetChange(t *testing.T) {
	legs := []Leg{{Symbol: "SPY 447P", SignedQty: -1}}
	before := map[string]types.Holding{"SPY 447P": {Quantity: decimal.NewFromInt(0)}}
	after := map[string]types.Holding{"SPY 447P": {Quantity: decimal.NewFromInt(0)}}
	if err := VerifyZeroNetChange(before, after, legs); err != nil {
		t.Fatalf("expected zero net change, got error: %v", err)
	}

	after["SPY 447P"] = types.Holding{Quantity: decimal.NewFromInt(-1)}
	if err := VerifyZeroNetChange(before, after, legs); err == nil {
		t.Fatalf("expected non-zero net change to be reported")
	}
}
