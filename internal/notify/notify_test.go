package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"arbiter/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type recordingSender struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingSender) received() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func TestNotifier_FiltersBySeverity(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier(testLogger(), model.SeverityWarning, time.Second, s)

	n.Notify(context.Background(), model.SeverityInfo, "arbitrage session completed", nil)
	n.Notify(context.Background(), model.SeverityError, "arbitrage session failed", map[string]string{"status": "failed"})
	require.NoError(t, n.Close(context.Background()))

	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, "arbitrage session failed", got[0].Title)
	assert.Equal(t, model.SeverityError, got[0].Severity)
}

func TestNotifier_FailingSenderDoesNotStopOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("503")}
	good := &recordingSender{name: "good"}
	n := NewNotifier(testLogger(), model.SeverityInfo, time.Second, bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, model.SeverityInfo, "arbitrage session completed", map[string]string{
		"session_id":      "abc",
		"realized_profit": "1.74000000",
		"trades":          "3",
	})
	cancel()
	require.NoError(t, n.Close(context.Background()))

	require.Len(t, bad.received(), 1)
	got := good.received()
	require.Len(t, got, 1)
	assert.Equal(t, []Field{
		{Name: "realized_profit", Value: "1.74"},
		{Name: "session_id", Value: "abc"},
		{Name: "trades", Value: "3"},
	}, got[0].Fields)
	assert.Equal(t, "realized_profit: 1.74\nsession_id: abc\ntrades: 3", got[0].Text())
}

func TestNotifier_DropsAlertsAfterClose(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier(testLogger(), model.SeverityInfo, time.Second, s)

	n.Notify(context.Background(), model.SeverityInfo, "before close", nil)
	require.NoError(t, n.Close(context.Background()))
	n.Notify(context.Background(), model.SeverityError, "after close", nil)
	require.NoError(t, n.Close(context.Background()))

	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, "before close", got[0].Title)
}

func TestNotifier_ConcurrentNotifyAndClose(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier(testLogger(), model.SeverityInfo, time.Second, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Notify(context.Background(), model.SeverityInfo, "arbitrage session completed", nil)
		}()
	}
	require.NoError(t, n.Close(context.Background()))
	wg.Wait()
	sent := len(s.received())

	// whatever was accepted before Close has been delivered; nothing after
	require.NoError(t, n.Close(context.Background()))
	assert.Equal(t, sent, len(s.received()))
	assert.LessOrEqual(t, sent, 20)
}

type mockTelegram struct {
	mock.Mock
}

func (m *mockTelegram) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	args := m.Called(ctx, params)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func TestTelegramSender_Send(t *testing.T) {
	api := &mockTelegram{}
	api.On("SendMessage", mock.Anything, mock.MatchedBy(func(p *bot.SendMessageParams) bool {
		text := p.Text
		return p.ChatID == "-1001" &&
			p.ParseMode == models.ParseModeMarkdown &&
			strings.HasPrefix(text, "*\\[ERROR\\] arbitrage session failed*") &&
			strings.Contains(text, "rollback: 1/1 compensated")
	})).Return(&models.Message{ID: 1}, nil).Once()

	s := &TelegramSender{api: api, chatID: "-1001"}
	err := s.Send(context.Background(), Alert{
		Severity: model.SeverityError,
		Title:    "arbitrage session failed",
		Fields:   []Field{{Name: "rollback", Value: "1/1 compensated"}},
	})
	require.NoError(t, err)
	api.AssertExpectations(t)
	assert.Equal(t, "telegram", s.Name())
}

func TestTelegramSender_Error(t *testing.T) {
	api := &mockTelegram{}
	api.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("chat not found"))

	s := &TelegramSender{api: api, chatID: "1"}
	err := s.Send(context.Background(), Alert{Severity: model.SeverityInfo, Title: "x"})
	assert.ErrorContains(t, err, "chat not found")
}

type fakeWebhook struct {
	embeds []discord.Embed
}

func (f *fakeWebhook) CreateEmbeds(embeds []discord.Embed, _ ...rest.RequestOpt) (*discord.Message, error) {
	f.embeds = append(f.embeds, embeds...)
	return &discord.Message{}, nil
}

func TestDiscordSender_Send(t *testing.T) {
	hook := &fakeWebhook{}
	s := &DiscordSender{client: hook}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.Send(context.Background(), Alert{
		Severity: model.SeverityWarning,
		Title:    "session lock unavailable",
		Fields: []Field{
			{Name: "opportunity_id", Value: "triangular:kraken:USD>BTC>ETH>USD:BTC/USD,ETH/BTC,ETH/USD"},
			{Name: "status", Value: "failed"},
		},
		Time: at,
	})
	require.NoError(t, err)

	require.Len(t, hook.embeds, 1)
	e := hook.embeds[0]
	assert.Equal(t, "session lock unavailable", e.Title)
	assert.Equal(t, 0xf1c40f, e.Color)
	require.NotNil(t, e.Timestamp)
	assert.True(t, at.Equal(*e.Timestamp))
	require.Len(t, e.Fields, 2)
	assert.Equal(t, "opportunity_id", e.Fields[0].Name)
	assert.False(t, *e.Fields[0].Inline)
	assert.True(t, *e.Fields[1].Inline)
	assert.Equal(t, "discord", s.Name())
}
