package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/agentpass/agentpass/internal/config"
	"github.com/agentpass/agentpass/internal/messenger"
)

// mockBotClient records calls and replays canned responses.
type mockBotClient struct {
	mu         sync.Mutex
	sent       []*bot.SendMessageParams
	edited     []*bot.EditMessageTextParams
	answers    []*bot.AnswerCallbackQueryParams
	sendErr    error
	nextMsgID  int
	handler    bot.HandlerFunc
	started    chan struct{}
	startOnce  sync.Once
	getMeError error
}

func newMockBotClient() *mockBotClient {
	return &mockBotClient{nextMsgID: 100, started: make(chan struct{})}
}

func (m *mockBotClient) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, params)
	m.nextMsgID++
	return &models.Message{ID: m.nextMsgID}, nil
}

func (m *mockBotClient) EditMessageText(_ context.Context, params *bot.EditMessageTextParams) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edited = append(m.edited, params)
	return &models.Message{}, nil
}

func (m *mockBotClient) AnswerCallbackQuery(_ context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, params)
	return true, nil
}

func (m *mockBotClient) GetMe(context.Context) (*models.User, error) {
	if m.getMeError != nil {
		return nil, m.getMeError
	}
	return &models.User{ID: 1, Username: "agentpass_bot"}, nil
}

func (m *mockBotClient) RegisterHandler(_ bot.HandlerType, _ string, _ bot.MatchType, handler bot.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *mockBotClient) Start(ctx context.Context) {
	m.startOnce.Do(func() { close(m.started) })
	<-ctx.Done()
}

func (m *mockBotClient) lastAnswer(t *testing.T) *bot.AnswerCallbackQueryParams {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.answers) == 0 {
		t.Fatal("no callback answers recorded")
	}
	return m.answers[len(m.answers)-1]
}

func testConfig() config.TelegramConfig {
	return config.TelegramConfig{
		Token:           "12345:abc",
		ChatID:          555,
		AuthorizedUsers: []int64{777},
	}
}

func newTestAdapter(t *testing.T, client *mockBotClient, handler messenger.ResolutionHandler) *Adapter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewWithClient(testConfig(), client, logger)
	if handler != nil {
		a.OnResolution(handler)
	}
	return a
}

func TestSendApproval(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	a := newTestAdapter(t, client, nil)

	err := a.SendApproval(context.Background(), messenger.ApprovalRequest{
		RequestID: "req-1",
		ToolName:  "ha_call_service",
		Signature: "ha_call_service(light.turn_on, light.bedroom)",
		Args: map[string]string{
			"domain":    "light",
			"service":   "turn_on",
			"entity_id": "light.bedroom",
			"note":      "movie night",
		},
		ExpiresAt: time.Now().Add(15 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SendApproval() error: %v", err)
	}

	if len(client.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(client.sent))
	}
	msg := client.sent[0]
	if msg.ChatID != int64(555) {
		t.Errorf("ChatID = %v, want 555", msg.ChatID)
	}
	if !strings.Contains(msg.Text, "ha_call_service(light.turn_on, light.bedroom)") {
		t.Errorf("prompt text missing signature:\n%s", msg.Text)
	}
	// Values already visible in the signature are not repeated; others are.
	if strings.Contains(msg.Text, "entity_id:") {
		t.Errorf("prompt repeats signature-visible arg:\n%s", msg.Text)
	}
	if !strings.Contains(msg.Text, "note: movie night") {
		t.Errorf("prompt missing extra arg:\n%s", msg.Text)
	}

	markup, ok := msg.ReplyMarkup.(models.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("ReplyMarkup type = %T, want InlineKeyboardMarkup", msg.ReplyMarkup)
	}
	buttons := markup.InlineKeyboard[0]
	if len(buttons) != 2 {
		t.Fatalf("buttons = %d, want 2", len(buttons))
	}
	if buttons[0].CallbackData != "ap:allow:req-1" || buttons[1].CallbackData != "ap:deny:req-1" {
		t.Errorf("callback data = %q/%q, want ap:allow:req-1 / ap:deny:req-1",
			buttons[0].CallbackData, buttons[1].CallbackData)
	}
}

func TestSendApprovalError(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	client.sendErr = errors.New("telegram down")
	a := newTestAdapter(t, client, nil)

	err := a.SendApproval(context.Background(), messenger.ApprovalRequest{RequestID: "req-1"})
	if err == nil {
		t.Error("SendApproval() = nil, want send error")
	}
}

func TestUpdateApproval(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	a := newTestAdapter(t, client, nil)
	ctx := context.Background()

	if err := a.SendApproval(ctx, messenger.ApprovalRequest{RequestID: "req-1", ToolName: "t"}); err != nil {
		t.Fatalf("SendApproval() error: %v", err)
	}

	a.UpdateApproval(ctx, "req-1", "✅ Approved — executed", "t()")
	if len(client.edited) != 1 {
		t.Fatalf("edited %d messages, want 1", len(client.edited))
	}
	edit := client.edited[0]
	if edit.MessageID != 101 {
		t.Errorf("MessageID = %d, want the sent prompt's id", edit.MessageID)
	}
	if !strings.HasPrefix(edit.Text, "✅ Approved — executed") {
		t.Errorf("edit text = %q, want status prefix", edit.Text)
	}

	// Unknown and already-updated request ids are silent no-ops.
	a.UpdateApproval(ctx, "req-1", "again", "")
	a.UpdateApproval(ctx, "req-unknown", "status", "")
	if len(client.edited) != 1 {
		t.Errorf("edited %d messages after no-ops, want still 1", len(client.edited))
	}
}

// pressButton simulates a guardian pressing an inline button.
func pressButton(t *testing.T, a *Adapter, client *mockBotClient, userID int64, data string) {
	t.Helper()
	client.mu.Lock()
	handler := client.handler
	client.mu.Unlock()
	if handler == nil {
		t.Fatal("callback handler not registered")
	}
	handler(context.Background(), nil, &models.Update{
		CallbackQuery: &models.CallbackQuery{
			ID:   "q-1",
			From: models.User{ID: userID},
			Data: data,
		},
	})
}

func startAdapter(t *testing.T, a *Adapter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		if err := a.Stop(stopCtx); err != nil {
			t.Errorf("Stop() error: %v", err)
		}
	})
}

func TestCallbackApprove(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	var got messenger.ApprovalResult
	a := newTestAdapter(t, client, func(_ context.Context, result messenger.ApprovalResult) error {
		got = result
		return nil
	})
	startAdapter(t, a)

	pressButton(t, a, client, 777, "ap:allow:req-1")

	if got.RequestID != "req-1" || !got.Approved {
		t.Errorf("result = %+v, want approved req-1", got)
	}
	if got.UserID != "777" {
		t.Errorf("UserID = %q, want 777", got.UserID)
	}
	if ans := client.lastAnswer(t); ans.Text != "" {
		t.Errorf("answer toast = %q, want empty on success", ans.Text)
	}
}

func TestCallbackDeny(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	var got messenger.ApprovalResult
	a := newTestAdapter(t, client, func(_ context.Context, result messenger.ApprovalResult) error {
		got = result
		return nil
	})
	startAdapter(t, a)

	pressButton(t, a, client, 777, "ap:deny:req-2")

	if got.RequestID != "req-2" || got.Approved {
		t.Errorf("result = %+v, want denied req-2", got)
	}
}

func TestCallbackUnauthorizedIgnored(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	called := false
	a := newTestAdapter(t, client, func(context.Context, messenger.ApprovalResult) error {
		called = true
		return nil
	})
	startAdapter(t, a)

	pressButton(t, a, client, 999, "ap:allow:req-1")

	if called {
		t.Error("handler invoked for unauthorized user")
	}
	if len(client.answers) != 0 {
		t.Error("unauthorized press should be silently ignored")
	}
}

func TestCallbackToasts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handlerErr error
		wantToast  string
	}{
		{"already resolved", messenger.ErrAlreadyResolved, "Already resolved"},
		{"stale button", messenger.ErrUnknownRequest, "This request has expired"},
		{"internal failure", errors.New("db gone"), "Something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockBotClient()
			a := newTestAdapter(t, client, func(context.Context, messenger.ApprovalResult) error {
				return tt.handlerErr
			})
			startAdapter(t, a)

			pressButton(t, a, client, 777, "ap:allow:req-1")

			if ans := client.lastAnswer(t); ans.Text != tt.wantToast {
				t.Errorf("toast = %q, want %q", ans.Text, tt.wantToast)
			}
		})
	}
}

func TestCallbackMalformedData(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	called := false
	a := newTestAdapter(t, client, func(context.Context, messenger.ApprovalResult) error {
		called = true
		return nil
	})
	startAdapter(t, a)

	for _, data := range []string{"ap:allow:", "ap:maybe:req-1", "other:allow:req-1", "ap:"} {
		pressButton(t, a, client, 777, data)
	}

	if called {
		t.Error("handler invoked for malformed callback data")
	}
}

func TestParseCallbackData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		data       string
		wantAction string
		wantID     string
		wantOK     bool
	}{
		{"ap:allow:req-1", "allow", "req-1", true},
		{"ap:deny:550e8400-e29b-41d4-a716-446655440000", "deny", "550e8400-e29b-41d4-a716-446655440000", true},
		{"ap:allow:", "", "", false},
		{"ap:unknown:req", "", "", false},
		{"nope", "", "", false},
	}
	for _, tt := range tests {
		action, id, ok := parseCallbackData(tt.data)
		if action != tt.wantAction || id != tt.wantID || ok != tt.wantOK {
			t.Errorf("parseCallbackData(%q) = %q,%q,%v want %q,%q,%v",
				tt.data, action, id, ok, tt.wantAction, tt.wantID, tt.wantOK)
		}
	}
}

func TestStartRequiresHandler(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	a := newTestAdapter(t, client, nil)
	if err := a.Start(context.Background()); err == nil {
		t.Error("Start() without OnResolution should fail")
	}
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	a := newTestAdapter(t, client, func(context.Context, messenger.ApprovalResult) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	select {
	case <-client.started:
	case <-time.After(time.Second):
		t.Fatal("long polling never started")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	client := newMockBotClient()
	a := newTestAdapter(t, client, nil)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}

	client.getMeError = errors.New("401 unauthorized")
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() = nil, want error when GetMe fails")
	}
}
