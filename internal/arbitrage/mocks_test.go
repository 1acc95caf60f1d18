package arbitrage

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/mock"

	"arbiter/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type MockGateway struct {
	mock.Mock
	name string
	fee  float64
}

func newMockGateway(name string, fee float64) *MockGateway {
	return &MockGateway{name: name, fee: fee}
}

func (m *MockGateway) Name() string {
	return m.name
}

func (m *MockGateway) TradingFee() float64 {
	return m.fee
}

func (m *MockGateway) FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	args := m.Called(ctx, symbol, depth)
	return args.Get(0).(model.OrderBook), args.Error(1)
}

func (m *MockGateway) FetchBalance(ctx context.Context, asset string) (float64, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockGateway) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(model.OrderStatus), args.Error(1)
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

// placed lists the symbol and side of every PlaceOrder call in call order.
func (m *MockGateway) placed() []string {
	var out []string
	for _, c := range m.Calls {
		if c.Method == "PlaceOrder" {
			req := c.Arguments.Get(1).(model.OrderRequest)
			out = append(out, string(req.Side)+" "+req.Symbol)
		}
	}
	return out
}

func order(symbol string, side model.OrderSide) interface{} {
	return mock.MatchedBy(func(r model.OrderRequest) bool {
		return r.Symbol == symbol && r.Side == side
	})
}

func filled(id string, amount, price, fee float64) model.OrderStatus {
	return model.OrderStatus{ID: id, State: model.OrderClosed, Filled: amount, FillPrice: price, Fee: fee}
}

type MockAlertSink struct {
	mock.Mock
}

func (m *MockAlertSink) Notify(ctx context.Context, severity model.Severity, message string, fields map[string]string) {
	m.Called(ctx, severity, message, fields)
}

type MockBackupSink struct {
	mock.Mock
}

func (m *MockBackupSink) PersistSessionOutcome(ctx context.Context, s *model.Session) {
	m.Called(ctx, s)
}

type MockPriceFeed struct {
	mock.Mock
}

func (m *MockPriceFeed) PriceSnapshot(ctx context.Context) ([]model.PricePoint, error) {
	args := m.Called(ctx)
	points, _ := args.Get(0).([]model.PricePoint)
	return points, args.Error(1)
}

type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordScan(duration time.Duration, detected int) {
	m.Called(duration, detected)
}

func (m *MockMetrics) RecordAssessment(kind model.OpportunityKind, ra model.RiskAssessment) {
	m.Called(kind, ra)
}

func (m *MockMetrics) RecordSession(s *model.Session) {
	m.Called(s)
}

func (m *MockMetrics) RecordSkippedTick() {
	m.Called()
}

type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Error(1)
}

func (m *MockLocker) Release(ctx context.Context, key, token string) error {
	return m.Called(ctx, key, token).Error(0)
}
