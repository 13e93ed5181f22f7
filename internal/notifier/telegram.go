package notifier

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"casewatch/internal/core"
	"casewatch/internal/task/retry"
	logx "casewatch/pkg/logx"
)

const telegramTextLimit = 4000

type TelegramConfig struct {
	Token string
	// Offline skips the getMe handshake at construction.
	Offline bool
	Timeout time.Duration
}

// telegramAPI is the part of *tele.Bot the sender uses.
type telegramAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type TelegramSender struct {
	bot telegramAPI
	log logx.Logger
}

func NewTelegramSender(cfg TelegramConfig, log logx.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return newTelegramSender(b, log), nil
}

func newTelegramSender(bot telegramAPI, log logx.Logger) *TelegramSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramSender{bot: bot, log: log}
}

func (s *TelegramSender) Channel() core.Channel { return core.ChannelTelegram }
func (s *TelegramSender) Retryable() bool       { return true }

// Send posts the subject and body as plain text. Recipient is "<chat_id>" or
// "<chat_id>:<thread_id>". Long messages are split; a failure part-way
// through returns the error and the retry resends from the first chunk.
func (s *TelegramSender) Send(ctx context.Context, m Message) error {
	chatID, threadID, err := parseChatTarget(m.Recipient)
	if err != nil {
		return retry.NoRetry(err)
	}
	text := m.Body
	if m.Subject != "" {
		text = m.Subject + "\n\n" + m.Body
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true, ThreadID: threadID}); err != nil {
			return classifyTelegram(err)
		}
	}
	return nil
}

func parseChatTarget(s string) (int64, int, error) {
	s = strings.TrimSpace(s)
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, errors.New("telegram: invalid chat id")
	}
	if !hasThread {
		return chatID, 0, nil
	}
	threadID, err := strconv.Atoi(threadPart)
	if err != nil || threadID < 0 {
		return 0, 0, errors.New("telegram: invalid thread id")
	}
	return chatID, threadID, nil
}

// classifyTelegram marks errors that will not improve on retry.
func classifyTelegram(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return retry.RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 && te.Code != 429 {
		return retry.NoRetry(err)
	}
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries in the last two thirds of each window.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
