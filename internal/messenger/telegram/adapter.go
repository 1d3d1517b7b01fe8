// Package telegram implements the messenger port with a Telegram
// guardian bot: approval prompts with inline Approve/Deny buttons,
// authorized-user filtering, and stale-button handling across restarts.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/agentpass/agentpass/internal/config"
	"github.com/agentpass/agentpass/internal/messenger"
)

// callbackPrefix namespaces this bot's callback data. The payload is
// "ap:<action>:<request_id>", kept under Telegram's 64-byte limit.
const callbackPrefix = "ap:"

const (
	actionApprove = "allow"
	actionDeny    = "deny"
)

// Adapter is the Telegram guardian adapter.
type Adapter struct {
	cfg     config.TelegramConfig
	client  BotClient
	handler messenger.ResolutionHandler
	logger  *slog.Logger

	mu         sync.Mutex
	messageIDs map[string]int // request_id -> prompt message id
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ messenger.Adapter = (*Adapter)(nil)

// New creates the adapter with a real bot client.
func New(cfg config.TelegramConfig, logger *slog.Logger) (*Adapter, error) {
	b, err := bot.New(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return NewWithClient(cfg, newRealBotClient(b), logger), nil
}

// NewWithClient creates the adapter with an injected bot client.
func NewWithClient(cfg config.TelegramConfig, client BotClient, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:        cfg,
		client:     client,
		logger:     logger.With("component", "telegram"),
		messageIDs: make(map[string]int),
	}
}

// OnResolution registers the handler invoked on guardian decisions.
func (a *Adapter) OnResolution(handler messenger.ResolutionHandler) {
	a.handler = handler
}

// SendApproval sends the approval prompt with inline buttons.
func (a *Adapter) SendApproval(ctx context.Context, req messenger.ApprovalRequest) error {
	markup := models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "✅ Approve", CallbackData: callbackPrefix + actionApprove + ":" + req.RequestID},
			{Text: "❌ Deny", CallbackData: callbackPrefix + actionDeny + ":" + req.RequestID},
		}},
	}

	msg, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      a.cfg.ChatID,
		Text:        promptText(req),
		ReplyMarkup: markup,
	})
	if err != nil {
		return fmt.Errorf("failed to send approval prompt: %w", err)
	}

	a.mu.Lock()
	a.messageIDs[req.RequestID] = msg.ID
	a.mu.Unlock()
	return nil
}

// promptText renders the approval message: tool header, signature, and
// any argument values not already visible in the signature.
func promptText(req messenger.ApprovalRequest) string {
	lines := []string{"🚨 " + req.ToolName}
	if req.Signature != "" {
		lines = append(lines, req.Signature)
	}

	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if req.Signature != "" && strings.Contains(req.Signature, req.Args[k]) {
			continue
		}
		lines = append(lines, "  "+k+": "+req.Args[k])
	}

	if !req.ExpiresAt.IsZero() {
		lines = append(lines, fmt.Sprintf("expires %s", req.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n")
}

// UpdateApproval edits the prompt to reflect a terminal state.
// Best-effort: the prompt may already be edited or deleted.
func (a *Adapter) UpdateApproval(ctx context.Context, requestID, status, detail string) {
	a.mu.Lock()
	messageID, ok := a.messageIDs[requestID]
	delete(a.messageIDs, requestID)
	a.mu.Unlock()
	if !ok {
		return
	}

	text := status
	if detail != "" {
		text += "\n\n" + detail
	}
	_, err := a.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    a.cfg.ChatID,
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		a.logger.Warn("failed to edit approval prompt", "request_id", requestID, "error", err)
	}
}

// Start registers the callback handler and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	if a.handler == nil {
		return errors.New("telegram: OnResolution must be called before Start")
	}

	a.client.RegisterHandler(bot.HandlerTypeCallbackQueryData, callbackPrefix, bot.MatchTypePrefix, a.handleCallback)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.client.Start(runCtx)
	}()
	return nil
}

// Stop cancels long polling and waits for it to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck verifies the bot can reach the Telegram API.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.client.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram unreachable: %w", err)
	}
	return nil
}

// handleCallback processes an inline button press.
func (a *Adapter) handleCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	query := update.CallbackQuery
	if query == nil {
		return
	}

	// Only configured guardians may resolve; everyone else is silently
	// ignored.
	if !a.authorized(query.From.ID) {
		a.logger.Warn("callback from unauthorized user", "user_id", query.From.ID)
		return
	}

	action, requestID, ok := parseCallbackData(query.Data)
	if !ok {
		a.answer(ctx, query.ID, "Invalid button")
		return
	}

	result := messenger.ApprovalResult{
		RequestID: requestID,
		Approved:  action == actionApprove,
		UserID:    fmt.Sprintf("%d", query.From.ID),
		Timestamp: time.Now(),
	}

	err := a.handler(ctx, result)
	switch {
	case errors.Is(err, messenger.ErrAlreadyResolved):
		a.answer(ctx, query.ID, "Already resolved")
	case errors.Is(err, messenger.ErrUnknownRequest):
		// Button survived a restart or expiry sweep.
		a.answer(ctx, query.ID, "This request has expired")
	case err != nil:
		a.logger.Error("resolution handler failed", "request_id", requestID, "error", err)
		a.answer(ctx, query.ID, "Something went wrong")
	default:
		a.answer(ctx, query.ID, "")
	}
}

// authorized reports whether a Telegram user may resolve approvals.
func (a *Adapter) authorized(userID int64) bool {
	for _, id := range a.cfg.AuthorizedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// answer acknowledges a callback query, optionally with a toast.
func (a *Adapter) answer(ctx context.Context, queryID, text string) {
	_, err := a.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: queryID,
		Text:            text,
	})
	if err != nil {
		a.logger.Warn("failed to answer callback query", "error", err)
	}
}

// parseCallbackData splits "ap:<action>:<request_id>".
func parseCallbackData(data string) (action, requestID string, ok bool) {
	rest, found := strings.CutPrefix(data, callbackPrefix)
	if !found {
		return "", "", false
	}
	action, requestID, found = strings.Cut(rest, ":")
	if !found || requestID == "" {
		return "", "", false
	}
	if action != actionApprove && action != actionDeny {
		return "", "", false
	}
	return action, requestID, true
}
