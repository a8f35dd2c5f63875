// Package telegram implements the transport surface against the Bot API via
// telebot, plus a small HTTP client for the message-stats sidecar.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"telecast/internal/domain"
	"telecast/internal/transport"
	logx "telecast/pkg/logx"
)

// maxPhotoBytes is the Bot API ceiling for sendPhoto uploads. Anything
// larger goes out as a document instead of failing the send.
const maxPhotoBytes = 10 << 20

const missingMediaNote = "(Error: Media file not found)"

type Config struct {
	Token string
	// StatsURL points at the stats sidecar that exposes per-message view
	// counters the Bot API itself does not. Empty disables metrics fetching.
	StatsURL string
	// HTTPTimeout bounds stats requests (default 8s).
	HTTPTimeout time.Duration
}

type Client struct {
	cfg  Config
	bot  *tele.Bot
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, transport.ErrMissingCredentials
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("creating bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{cfg: cfg, bot: b, http: &http.Client{Timeout: timeout}, log: log}, nil
}

// chatRecipient adapts a raw chat identifier (numeric ID or @username) to
// telebot's Recipient.
type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

func (c *Client) Send(ctx context.Context, recipientID string, typ domain.TaskType, content domain.Content) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}

	to := chatRecipient(recipientID)
	var (
		msg *tele.Message
		err error
	)
	switch typ {
	case domain.TypePoll:
		msg, err = c.bot.Send(to, quizPoll(content))
	default:
		msg, err = c.sendMessage(to, content)
	}
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{RecipientID: recipientID, MessageID: msg.ID}, nil
}

// htmlOpts enables HTML parse mode. All outgoing text and captions carry it
// so stored <b>/<i>/<a> markup renders instead of arriving as literal tags.
func htmlOpts() *tele.SendOptions {
	return &tele.SendOptions{ParseMode: tele.ModeHTML}
}

func (c *Client) sendMessage(to tele.Recipient, content domain.Content) (*tele.Message, error) {
	if content.MediaPath == "" {
		return c.bot.Send(to, content.Text, htmlOpts())
	}

	info, err := os.Stat(content.MediaPath)
	if err != nil {
		// The text still goes out; the annotation tells the operator what
		// was lost.
		c.log.Warn("media file missing, sending text only", logx.String("path", content.MediaPath), logx.Err(err))
		text := strings.TrimSpace(content.Text + "\n\n" + missingMediaNote)
		return c.bot.Send(to, text, htmlOpts())
	}

	file := tele.FromDisk(content.MediaPath)
	switch mediaKind(content.MediaPath, info.Size()) {
	case kindPhoto:
		return c.bot.Send(to, &tele.Photo{File: file, Caption: content.Text}, htmlOpts())
	case kindVideo:
		return c.bot.Send(to, &tele.Video{File: file, Caption: content.Text}, htmlOpts())
	}
	return c.bot.Send(to, &tele.Document{
		File:     file,
		FileName: filepath.Base(content.MediaPath),
		Caption:  content.Text,
	}, htmlOpts())
}

type mediaClass int

const (
	kindDocument mediaClass = iota
	kindPhoto
	kindVideo
)

// mediaKind classifies an attachment by extension. Photos over the Bot API
// upload ceiling are demoted to documents so the send still goes through.
func mediaKind(path string, size int64) mediaClass {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		if size > maxPhotoBytes {
			return kindDocument
		}
		return kindPhoto
	case ".mp4", ".mov", ".avi":
		return kindVideo
	}
	return kindDocument
}

func quizPoll(content domain.Content) *tele.Poll {
	p := &tele.Poll{
		Type:          tele.PollQuiz,
		Question:      content.PollQuestion,
		CorrectOption: content.CorrectOption,
		Explanation:   content.PollExplanation,
		Anonymous:     true,
	}
	for _, opt := range content.PollOptions {
		p.Options = append(p.Options, tele.PollOption{Text: opt})
	}
	return p
}

func (c *Client) Delete(ctx context.Context, recipientID string, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("cannot delete in chat %q: numeric chat id required", recipientID)
	}
	return c.bot.Delete(tele.StoredMessage{
		MessageID: strconv.Itoa(messageID),
		ChatID:    chatID,
	})
}

// MessageStats queries the stats sidecar for one message's counters.
// The Bot API exposes no view counts, so a separate MTProto-backed service
// provides them.
func (c *Client) MessageStats(ctx context.Context, recipientID string, messageID int) (domain.Metrics, error) {
	if strings.TrimSpace(c.cfg.StatsURL) == "" {
		return domain.Metrics{}, errors.New("stats source is not configured")
	}

	u, err := url.Parse(c.cfg.StatsURL)
	if err != nil {
		return domain.Metrics{}, fmt.Errorf("invalid stats url: %w", err)
	}
	q := u.Query()
	q.Set("chat_id", recipientID)
	q.Set("message_id", strconv.Itoa(messageID))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.Metrics{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Metrics{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.Metrics{}, transport.ErrStatsNotFound
	}
	if resp.StatusCode/100 != 2 {
		return domain.Metrics{}, fmt.Errorf("stats fetch failed: http=%d", resp.StatusCode)
	}

	var out struct {
		Views     int `json:"views"`
		Forwards  int `json:"forwards"`
		Replies   int `json:"replies"`
		Reactions int `json:"reactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Metrics{}, fmt.Errorf("decoding stats response: %w", err)
	}
	return domain.Metrics{
		Views:     out.Views,
		Forwards:  out.Forwards,
		Replies:   out.Replies,
		Reactions: out.Reactions,
	}, nil
}

var _ transport.Client = (*Client)(nil)
