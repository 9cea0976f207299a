package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/exchange/paper"
	"github.com/quantfold/tradeflow/pkg/store/memory"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

type scriptedGateway struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (g *scriptedGateway) PlaceOrder(_ context.Context, _ exchange.OrderRequest) (exchange.OrderId, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	if g.calls <= g.failures {
		return 0, exchange.ErrRejected
	}
	return exchange.OrderId(g.calls), nil
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) record(_ context.Context, event bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) ofType(eventType bus.EventType) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []bus.Event
	for _, event := range r.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func defaultConfig() Config {
	return Config{
		Capital:         fixed.New(100000, 0),
		RiskPerTradePct: fixed.New(2, 0),
		LotSize:         1,
		Limits: common.RiskLimits{
			MaxConcurrentPositions: 10,
			MaxCapitalAtRiskPct:    fixed.New(50, 0),
			MaxDailyLossPct:        fixed.New(5, 0),
			MaxConsecutiveLosses:   5,
		},
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}
}

func buySignal() common.Signal {
	return common.Signal{
		Id:        uuid.Must(uuid.NewV7()),
		Symbol:    "X",
		Strategy:  "breakout",
		Action:    common.SignalActionBuy,
		Entry:     fixed.New(150, 0),
		StopLoss:  fixed.New(105, 0),
		Target:    fixed.New(218, 0),
		Strength:  fixed.FromFloat64(0.8),
		CreatedAt: time.Now().UTC(),
	}
}

func deliver(t *testing.T, exec *Executor, signal common.Signal) {
	t.Helper()
	if err := exec.OnSignalGenerated(context.Background(), bus.Event{}, common.SignalGenerated{Signal: signal}); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func seedClosedPosition(t *testing.T, st *memory.Store, pnl fixed.Point, closedAt time.Time) {
	t.Helper()
	created, err := st.CreatePositionIfAbsent(context.Background(), common.Position{
		Id:          uuid.Must(uuid.NewV7()),
		SignalId:    uuid.Must(uuid.NewV7()),
		Symbol:      "SEED",
		Quantity:    10,
		EntryPrice:  fixed.New(100, 0),
		CurrentStop: fixed.New(90, 0),
		Status:      common.PositionStatusClosed,
		RealizedPnL: pnl,
		ClosedAt:    closedAt,
	}, 0)
	if err != nil || !created {
		t.Fatalf("seed closed position: created=%v err=%v", created, err)
	}
}

func seedOpenPosition(t *testing.T, st *memory.Store, entry, stop fixed.Point, quantity int64) {
	t.Helper()
	created, err := st.CreatePositionIfAbsent(context.Background(), common.Position{
		Id:          uuid.Must(uuid.NewV7()),
		SignalId:    uuid.Must(uuid.NewV7()),
		Symbol:      "SEED",
		Quantity:    quantity,
		EntryPrice:  entry,
		CurrentStop: stop,
		Status:      common.PositionStatusOpen,
		OpenedAt:    time.Now().UTC(),
	}, 0)
	if err != nil || !created {
		t.Fatalf("seed open position: created=%v err=%v", created, err)
	}
}

func TestExecutorOpensPositionThroughBus(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()
	gateway := paper.NewGateway(zap.NewNop())
	recorder := &eventRecorder{}

	exec := NewExecutor(zap.NewNop(), router, st, gateway, defaultConfig())
	exec.Register()
	router.Subscribe(bus.PositionOpenedEvent, "recorder", recorder.record)

	signal := buySignal()
	event := bus.NewEvent("test", bus.PriorityHigh, common.SignalGenerated{Signal: signal})
	if err := router.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	position, err := st.GetPositionBySignal(context.Background(), signal.Id)
	if err != nil {
		t.Fatalf("position not created: %v", err)
	}
	// 2% of 100000 = 2000 at risk, stop distance 45, floor(2000/45) = 44.
	if position.Quantity != 44 {
		t.Errorf("quantity = %d, want 44", position.Quantity)
	}
	if position.Status != common.PositionStatusOpen {
		t.Errorf("status = %q, want %q", position.Status, common.PositionStatusOpen)
	}
	if position.Side != common.PositionSideLong {
		t.Errorf("side = %v, want long", position.Side)
	}
	if !position.CurrentStop.Eq(signal.StopLoss) || !position.CurrentTarget.Eq(signal.Target) {
		t.Errorf("stop/target not carried over: %+v", position)
	}

	opened := recorder.ofType(bus.PositionOpenedEvent)
	if len(opened) != 1 {
		t.Fatalf("got %d POSITION_OPENED events, want 1", len(opened))
	}
	payload := opened[0].Payload.(common.PositionOpened)
	if payload.SignalId != signal.Id || payload.Quantity != 44 {
		t.Errorf("payload mismatch: %+v", payload)
	}

	if fills := gateway.Fills(); len(fills) != 1 {
		t.Errorf("got %d fills, want 1", len(fills))
	}
}

func TestExecutorLotSizeRounding(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()

	config := defaultConfig()
	config.LotSize = 10
	exec := NewExecutor(zap.NewNop(), router, st, paper.NewGateway(zap.NewNop()), config)

	signal := buySignal()
	deliver(t, exec, signal)

	position, err := st.GetPositionBySignal(context.Background(), signal.Id)
	if err != nil {
		t.Fatalf("position not created: %v", err)
	}
	if position.Quantity != 40 {
		t.Errorf("quantity = %d, want 40 (44 rounded down to lot of 10)", position.Quantity)
	}
}

func TestExecutorDuplicateDeliveryIsNoOp(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()
	gateway := &scriptedGateway{}

	exec := NewExecutor(zap.NewNop(), router, st, gateway, defaultConfig())

	signal := buySignal()
	deliver(t, exec, signal)
	deliver(t, exec, signal)

	count, _ := st.OpenPositionCount(context.Background())
	if count != 1 {
		t.Errorf("open positions = %d, want 1", count)
	}
	if gateway.callCount() != 1 {
		t.Errorf("gateway called %d times, want 1", gateway.callCount())
	}
}

func TestExecutorRejectsMaxConcurrentPositions(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()
	recorder := &eventRecorder{}
	router.Subscribe(bus.SignalRejectedEvent, "recorder", recorder.record)

	config := defaultConfig()
	config.Limits.MaxConcurrentPositions = 3
	config.Limits.MaxCapitalAtRiskPct = fixed.Zero
	for i := 0; i < 3; i++ {
		seedOpenPosition(t, st, fixed.New(100, 0), fixed.New(95, 0), 10)
	}

	exec := NewExecutor(zap.NewNop(), router, st, &scriptedGateway{}, config)
	signal := buySignal()
	deliver(t, exec, signal)

	if _, err := st.GetPositionBySignal(context.Background(), signal.Id); err == nil {
		t.Error("position created despite concurrency limit")
	}
	rejected := recorder.ofType(bus.SignalRejectedEvent)
	if len(rejected) != 1 {
		t.Fatalf("got %d SIGNAL_REJECTED events, want 1", len(rejected))
	}
	payload := rejected[0].Payload.(common.SignalRejected)
	if payload.Reason != common.ReasonMaxConcurrentPositions {
		t.Errorf("reason = %q, want %q", payload.Reason, common.ReasonMaxConcurrentPositions)
	}
}

func TestExecutorRejectsZeroQuantity(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()
	recorder := &eventRecorder{}
	router.Subscribe(bus.SignalRejectedEvent, "recorder", recorder.record)

	config := defaultConfig()
	config.Capital = fixed.New(100, 0)
	exec := NewExecutor(zap.NewNop(), router, st, &scriptedGateway{}, config)

	deliver(t, exec, buySignal())

	rejected := recorder.ofType(bus.SignalRejectedEvent)
	if len(rejected) != 1 {
		t.Fatalf("got %d SIGNAL_REJECTED events, want 1", len(rejected))
	}
	if reason := rejected[0].Payload.(common.SignalRejected).Reason; reason != common.ReasonZeroQuantity {
		t.Errorf("reason = %q, want %q", reason, common.ReasonZeroQuantity)
	}
}

func TestExecutorRejectsConsecutiveLosses(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()
	recorder := &eventRecorder{}
	router.Subscribe(bus.SignalRejectedEvent, "recorder", recorder.record)

	config := defaultConfig()
	config.Limits.MaxConsecutiveLosses = 3
	config.Limits.MaxDailyLossPct = fixed.Zero
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		seedClosedPosition(t, st, fixed.New(-50, 0), now.Add(time.Duration(i)*time.Minute))
	}

	exec := NewExecutor(zap.NewNop(), router, st, &scriptedGateway{}, config)
	deliver(t, exec, buySignal())

	rejected := recorder.ofType(bus.SignalRejectedEvent)
	if len(rejected) != 1 {
		t.Fatalf("got %d SIGNAL_REJECTED events, want 1", len(rejected))
	}
	if reason := rejected[0].Payload.(common.SignalRejected).Reason; reason != common.ReasonMaxConsecutiveLosses {
		t.Errorf("reason = %q, want %q", reason, common.ReasonMaxConsecutiveLosses)
	}
}

func TestExecutorRejectsCapitalAtRisk(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()
	recorder := &eventRecorder{}
	router.Subscribe(bus.SignalRejectedEvent, "recorder", recorder.record)

	config := defaultConfig()
	config.Limits.MaxCapitalAtRiskPct = fixed.New(3, 0)
	// 2% already exposed: stop distance 20 x 100 units = 2000 of 100000.
	seedOpenPosition(t, st, fixed.New(120, 0), fixed.New(100, 0), 100)

	exec := NewExecutor(zap.NewNop(), router, st, &scriptedGateway{}, config)
	deliver(t, exec, buySignal())

	rejected := recorder.ofType(bus.SignalRejectedEvent)
	if len(rejected) != 1 {
		t.Fatalf("got %d SIGNAL_REJECTED events, want 1", len(rejected))
	}
	if reason := rejected[0].Payload.(common.SignalRejected).Reason; reason != common.ReasonMaxCapitalAtRisk {
		t.Errorf("reason = %q, want %q", reason, common.ReasonMaxCapitalAtRisk)
	}
}

func TestExecutorDailyLossHaltsTrading(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()
	recorder := &eventRecorder{}
	router.Subscribe(bus.SignalRejectedEvent, "recorder", recorder.record)
	router.Subscribe(bus.RiskHaltEvent, "recorder", recorder.record)

	config := defaultConfig()
	config.Limits.MaxDailyLossPct = fixed.New(5, 0)
	// 5% of 100000 = 5000 cap, seed a 6000 loss today.
	seedClosedPosition(t, st, fixed.New(-6000, 0), time.Now().UTC())

	exec := NewExecutor(zap.NewNop(), router, st, &scriptedGateway{}, config)

	deliver(t, exec, buySignal())
	deliver(t, exec, buySignal())

	if !exec.Halted() {
		t.Error("executor not halted after daily loss breach")
	}

	halts := recorder.ofType(bus.RiskHaltEvent)
	if len(halts) != 1 {
		t.Fatalf("got %d RISK_HALT events, want exactly 1", len(halts))
	}
	if halts[0].Priority != bus.PriorityCritical {
		t.Errorf("halt priority = %v, want critical", halts[0].Priority)
	}

	rejected := recorder.ofType(bus.SignalRejectedEvent)
	if len(rejected) != 2 {
		t.Fatalf("got %d SIGNAL_REJECTED events, want 2", len(rejected))
	}
	if reason := rejected[0].Payload.(common.SignalRejected).Reason; reason != common.ReasonMaxDailyLoss {
		t.Errorf("first reason = %q, want %q", reason, common.ReasonMaxDailyLoss)
	}
	if reason := rejected[1].Payload.(common.SignalRejected).Reason; reason != common.ReasonTradingHalted {
		t.Errorf("second reason = %q, want %q", reason, common.ReasonTradingHalted)
	}
}

func TestExecutorRetryExhaustionPublishesFailure(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()
	recorder := &eventRecorder{}
	router.Subscribe(bus.SignalExecutionFailedEvent, "recorder", recorder.record)

	gateway := &scriptedGateway{failures: 100}
	exec := NewExecutor(zap.NewNop(), router, st, gateway, defaultConfig())

	signal := buySignal()
	deliver(t, exec, signal)

	if gateway.callCount() != 3 {
		t.Errorf("gateway called %d times, want 3", gateway.callCount())
	}
	if _, err := st.GetPositionBySignal(context.Background(), signal.Id); err == nil {
		t.Error("position created despite gateway failure")
	}
	failed := recorder.ofType(bus.SignalExecutionFailedEvent)
	if len(failed) != 1 {
		t.Fatalf("got %d SIGNAL_EXECUTION_FAILED events, want 1", len(failed))
	}
	if payload := failed[0].Payload.(common.SignalExecutionFailed); payload.SignalId != signal.Id {
		t.Errorf("payload signal id mismatch: %+v", payload)
	}
}

func TestExecutorRetryRecovers(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()

	gateway := &scriptedGateway{failures: 2}
	exec := NewExecutor(zap.NewNop(), router, st, gateway, defaultConfig())

	signal := buySignal()
	deliver(t, exec, signal)

	if gateway.callCount() != 3 {
		t.Errorf("gateway called %d times, want 3", gateway.callCount())
	}
	if _, err := st.GetPositionBySignal(context.Background(), signal.Id); err != nil {
		t.Errorf("position not created after recovered retry: %v", err)
	}
}

func TestExecutorConcurrentDuplicatesCreateOnePosition(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()

	exec := NewExecutor(zap.NewNop(), router, st, &scriptedGateway{}, defaultConfig())
	signal := buySignal()

	const deliveries = 32
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exec.OnSignalGenerated(context.Background(), bus.Event{}, common.SignalGenerated{Signal: signal})
		}()
	}
	wg.Wait()

	count, _ := st.OpenPositionCount(context.Background())
	if count != 1 {
		t.Errorf("open positions = %d, want 1", count)
	}
}

// slowGateway widens the window between the risk check and the position
// insert so concurrent distinct signals actually race.
type slowGateway struct {
	delay time.Duration
}

func (g *slowGateway) PlaceOrder(_ context.Context, _ exchange.OrderRequest) (exchange.OrderId, error) {
	time.Sleep(g.delay)
	return 1, nil
}

func TestExecutorConcurrentSignalsHonorPositionCap(t *testing.T) {
	router := bus.NewBus(zap.NewNop())
	defer router.Close()
	st := memory.NewStore()
	recorder := &eventRecorder{}
	router.Subscribe(bus.SignalRejectedEvent, "recorder", recorder.record)

	config := defaultConfig()
	config.Limits.MaxConcurrentPositions = 3
	config.Limits.MaxCapitalAtRiskPct = fixed.Zero

	exec := NewExecutor(zap.NewNop(), router, st, &slowGateway{delay: time.Millisecond}, config)

	const signals = 50
	var wg sync.WaitGroup
	for i := 0; i < signals; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exec.OnSignalGenerated(context.Background(), bus.Event{}, common.SignalGenerated{Signal: buySignal()})
		}()
	}
	wg.Wait()

	count, err := st.OpenPositionCount(context.Background())
	if err != nil {
		t.Fatalf("OpenPositionCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("open positions = %d, want exactly 3", count)
	}

	rejected := recorder.ofType(bus.SignalRejectedEvent)
	if len(rejected) != signals-3 {
		t.Fatalf("got %d SIGNAL_REJECTED events, want %d", len(rejected), signals-3)
	}
	for _, event := range rejected {
		if reason := event.Payload.(common.SignalRejected).Reason; reason != common.ReasonMaxConcurrentPositions {
			t.Errorf("reason = %q, want %q", reason, common.ReasonMaxConcurrentPositions)
		}
	}
}
