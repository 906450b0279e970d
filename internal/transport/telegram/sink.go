package telegram

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"runrelay/internal/transport"
	"runrelay/pkg/logx"
)

// TextLimit is Telegram's maximum message length in characters.
const TextLimit = 4096

type Config struct {
	Token      string
	APIURL     string // empty = api.telegram.org
	APITimeout time.Duration
	RatePerSec float64
	// LogChat receives operator log lines via SendLog. Empty disables it.
	LogChat string
}

// Sink publishes notifications through the Telegram Bot API.
//
// A channel is either a numeric chat id or an @username. Create returns the
// numeric chat id Telegram resolved, so later edits never depend on the alias.
type Sink struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.APITimeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sink{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec))),
	}, nil
}

// recipient lets @usernames and numeric ids share one code path.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func (s *Sink) Publish(ctx context.Context, h transport.Handle, c transport.Content) (transport.Handle, error) {
	channel := strings.TrimSpace(h.Channel)
	if channel == "" {
		return h, errors.New("telegram: empty channel")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return h, err
	}
	text := truncate(c.Text, TextLimit)
	opts := &tele.SendOptions{
		ParseMode:             c.ParseMode,
		DisableWebPagePreview: c.DisablePreview,
		ThreadID:              h.ThreadID,
	}

	if !h.Created() {
		msg, err := s.bot.Send(recipient(channel), text, opts)
		if err != nil {
			return h, classify(err)
		}
		out := h
		out.MessageID = strconv.Itoa(msg.ID)
		if msg.Chat != nil && msg.Chat.ID != 0 {
			out.Channel = strconv.FormatInt(msg.Chat.ID, 10)
		}
		s.log.Debug("message created", logx.String("handle", out.String()))
		return out, nil
	}

	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return h, errors.New("telegram: update needs a numeric chat id, got " + channel)
	}
	opts.ThreadID = 0
	_, err = s.bot.Edit(tele.StoredMessage{MessageID: h.MessageID, ChatID: chatID}, text, opts)
	if err != nil && !notModified(err) {
		return h, classify(err)
	}
	return h, nil
}

// SendLog forwards an operator log line to LogChat.
func (s *Sink) SendLog(ctx context.Context, text string) error {
	if strings.TrimSpace(s.cfg.LogChat) == "" {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := s.bot.Send(recipient(s.cfg.LogChat), truncate(text, TextLimit), &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return classify(err)
	}
	return nil
}

func notModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

// classify keeps network failures as they are and turns every error Telegram
// reported in its response body into a RemoteApplicationError.
func classify(err error) error {
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	rae := &transport.RemoteApplicationError{Service: "telegram", Description: err.Error()}
	var te *tele.Error
	if errors.As(err, &te) {
		rae.Code = te.Code
		rae.Description = te.Description
	}
	return rae
}

// truncate cuts s to at most limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit-1]) + "…"
}
