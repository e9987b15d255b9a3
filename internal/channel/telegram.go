package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"randreply/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram delivers and receives messages through the Bot API (long polling).
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	logger    *slog.Logger

	bot *tgbotapi.BotAPI
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, in Inbound, ready func()) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	ready()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg, ok := t.convert(update, bot.Self); ok {
				in(ctx, msg)
			}
		}
	}
}

// convert maps an update to an IncomingMessage. Updates without a message,
// sender or chat are dropped, as are senders outside the allow list.
func (t *Telegram) convert(update tgbotapi.Update, self tgbotapi.User) (domain.IncomingMessage, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return domain.IncomingMessage{}, false
	}
	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		return domain.IncomingMessage{}, false
	}

	text := m.Text
	contentType := domain.ContentText
	if text == "" {
		text = m.Caption
		contentType = domain.ContentOther
	}

	msg := domain.IncomingMessage{
		Channel:     "telegram",
		MessageID:   strconv.Itoa(m.MessageID),
		IsGroup:     m.Chat.IsGroup() || m.Chat.IsSuperGroup(),
		ContentType: contentType,
		Content:     text,
		GroupID:     strconv.FormatInt(m.Chat.ID, 10),
		GroupName:   m.Chat.Title,
		UserID:      strconv.FormatInt(m.From.ID, 10),
		UserName:    telegramDisplayName(m.From),
		Mentioned:   telegramMentions(m, self),
		Timestamp:   time.Unix(int64(m.Date), 0),
	}
	if !msg.IsGroup {
		msg.GroupName = msg.UserName
	}
	return msg, true
}

func telegramDisplayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// telegramMentions reports whether m @-mentions the bot or replies to it.
func telegramMentions(m *tgbotapi.Message, self tgbotapi.User) bool {
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == self.ID {
		return true
	}
	if self.UserName == "" {
		return false
	}
	handle := "@" + strings.ToLower(self.UserName)
	for _, e := range m.Entities {
		if e.Type != "mention" {
			continue
		}
		if strings.ToLower(entityText(m.Text, e.Offset, e.Length)) == handle {
			return true
		}
	}
	return false
}

// entityText slices text by Telegram's UTF-16 offsets.
func entityText(text string, offset, length int) string {
	units := utf16.Encode([]rune(text))
	if offset < 0 || length < 0 || offset+length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset : offset+length]))
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// Send delivers reply to req.ReceiverID, splitting long text.
func (t *Telegram) Send(ctx context.Context, reply domain.OutgoingReply, req domain.OutboundRequest) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: %w", domain.ErrNoTransport)
	}
	chatID, err := strconv.ParseInt(req.ReceiverID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", req.ReceiverID, err)
	}
	for _, chunk := range splitMessage(reply.Content, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends one chunk, backing off on rate limits and transient errors.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return nil
		}
		lastErr = err

		backoff := time.Duration(attempt+1) * time.Second
		if errStr := err.Error(); strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}
		if attempt == telegramMaxSendRetries {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}
