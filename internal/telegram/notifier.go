// Package telegram pushes violence alerts to a Telegram chat. Sends are
// rate-limited per stream so a sustained event cannot flood the channel.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"vigil/internal/log"
	"vigil/internal/store"
)

const defaultBaseURL = "https://api.telegram.org"

// Config holds the bot credentials and send policy.
type Config struct {
	BotToken string
	ChatID   string
	Enabled  bool
	Cooldown time.Duration
	BaseURL  string // override for tests; defaults to the Telegram API
}

// Notifier is a one-way client to the Telegram bot API.
type Notifier struct {
	cfg    Config
	client *resty.Client
	lg     zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New builds a notifier. A disabled or unconfigured notifier is valid;
// every send becomes a no-op.
func New(cfg Config) *Notifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Notifier{
		cfg:      cfg,
		client:   resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(15 * time.Second),
		lg:       log.WithComponent("telegram"),
		lastSent: make(map[string]time.Time),
	}
}

// Enabled reports whether sends will actually go out.
func (n *Notifier) Enabled() bool {
	return n.cfg.Enabled && n.cfg.BotToken != "" && n.cfg.ChatID != ""
}

// Alert announces a high-confidence detection. One message per stream per
// cooldown window; suppressed sends are not an error.
func (n *Notifier) Alert(ctx context.Context, ev *store.Event, confidence float64) error {
	if !n.Enabled() {
		return nil
	}
	if !n.take(ev.StreamID) {
		n.lg.Debug().Str("stream_id", ev.StreamID).Msg("alert suppressed by cooldown")
		return nil
	}

	text := fmt.Sprintf(
		"🚨 <b>Violence detected</b>\nStream: %s\nConfidence: %.0f%%\nSeverity: %s\nEvent: <code>%s</code>",
		html.EscapeString(ev.StreamName), confidence*100, ev.Severity, ev.ID,
	)
	return n.call(ctx, "sendMessage", map[string]string{
		"chat_id":    n.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	}, nil)
}

// EventEnded posts the event summary with its thumbnail, if one exists.
// Not rate-limited: finalizations are already bounded by the cooldown of
// the detector.
func (n *Notifier) EventEnded(ctx context.Context, ev *store.Event, thumbnail []byte) error {
	if !n.Enabled() {
		return nil
	}

	duration := 0.0
	if ev.DurationSeconds != nil {
		duration = *ev.DurationSeconds
	}
	caption := fmt.Sprintf(
		"Event ended on %s\nPeak confidence: %.0f%%\nDuration: %.1fs\nSeverity: %s",
		html.EscapeString(ev.StreamName), ev.MaxConfidence*100, duration, ev.Severity,
	)

	if len(thumbnail) == 0 {
		return n.call(ctx, "sendMessage", map[string]string{
			"chat_id": n.cfg.ChatID,
			"text":    caption,
		}, nil)
	}
	return n.call(ctx, "sendPhoto", map[string]string{
		"chat_id": n.cfg.ChatID,
		"caption": caption,
	}, thumbnail)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (n *Notifier) call(ctx context.Context, method string, fields map[string]string, photo []byte) error {
	var out apiResponse
	req := n.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out)

	if photo != nil {
		req.SetFileReader("photo", "event.jpg", bytes.NewReader(photo)).
			SetFormData(fields)
	} else {
		req.SetBody(fields)
	}

	resp, err := req.Post(fmt.Sprintf("/bot%s/%s", n.cfg.BotToken, method))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram %s: %s", method, out.Description)
	}
	return nil
}

// take consumes the cooldown slot for a stream if it is free.
func (n *Notifier) take(streamID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if last, ok := n.lastSent[streamID]; ok && now.Sub(last) < n.cfg.Cooldown {
		return false
	}
	n.lastSent[streamID] = now
	return true
}
