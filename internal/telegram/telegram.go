package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"velomarket/server/internal/fmv"
	"velomarket/server/internal/models"
)

const defaultBaseURL = "https://api.telegram.org"

type Service struct {
	logger  *logrus.Logger
	client  *http.Client
	config  *models.TelegramConfig
	baseURL string
}

func NewService(config *models.TelegramConfig, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Service{
		logger: logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		config:  config,
		baseURL: defaultBaseURL,
	}
}

func (s *Service) UpdateConfig(config *models.TelegramConfig) {
	s.config = config
}

// Enabled reports whether messages will actually be sent
func (s *Service) Enabled() bool {
	return s.config.Ready()
}

// SendMessage sends a message to the configured Telegram chat
func (s *Service) SendMessage(ctx context.Context, message string) error {
	if s.config == nil || !s.config.IsEnabled {
		return nil
	}

	if s.config.BotToken == "" {
		return errors.New("Telegram bot token is not configured")
	}

	if s.config.ChatID == "" {
		return errors.New("Telegram chat ID is not configured")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.config.BotToken)
	payload := map[string]interface{}{
		"chat_id":                  s.config.ChatID,
		"text":                     message,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to Telegram API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return errors.New("invalid bot token - please check your token from @BotFather")
		case http.StatusBadRequest:
			return fmt.Errorf("invalid chat ID or message format: %s", string(body))
		case http.StatusForbidden:
			return errors.New("bot was blocked by the user or chat")
		case http.StatusNotFound:
			return errors.New("bot not found - please check your token from @BotFather")
		default:
			return fmt.Errorf("Telegram API error (status %d): %s", resp.StatusCode, string(body))
		}
	}

	return nil
}

// NotifyGem announces a listing priced below its fair market value
func (s *Service) NotifyGem(ctx context.Context, listing *models.CatalogListing, verdict fmv.Verdict) error {
	if !s.Enabled() {
		return nil
	}
	return s.SendMessage(ctx, FormatGem(listing, verdict))
}

// NotifyBountyMatch tells the buyer desk an observation fits an open bounty
func (s *Service) NotifyBountyMatch(ctx context.Context, obs *models.Observation, bounty *models.Bounty) error {
	if !s.Enabled() {
		return nil
	}
	return s.SendMessage(ctx, FormatBountyMatch(obs, bounty))
}

func FormatGem(listing *models.CatalogListing, verdict fmv.Verdict) string {
	est := verdict.Estimate

	title := "<b>💎 Gem found!</b>"
	if est.YearAgnostic {
		title = "<b>💎 Gem found (all years)</b>"
	}

	year := "N/A"
	if listing.Year != nil {
		year = fmt.Sprintf("%d", *listing.Year)
	}
	size := "N/A"
	if listing.FrameSize != nil {
		size = *listing.FrameSize
	}

	discount := "N/A"
	if est.Estimate.IsPositive() {
		pct := est.Estimate.Sub(listing.Price).Div(est.Estimate).Mul(decimalHundred)
		discount = pct.StringFixed(1) + "%"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", title)
	fmt.Fprintf(&b, "🚲 %s %s\n", html.EscapeString(listing.Brand), html.EscapeString(listing.Model))
	fmt.Fprintf(&b, "📅 Year: %s | 📐 Size: %s\n", year, size)
	fmt.Fprintf(&b, "💰 €%s\n", listing.Price.StringFixed(0))
	fmt.Fprintf(&b, "📊 FMV €%s (%d samples, %s)\n", est.Estimate.StringFixed(0), est.SampleSize, est.Confidence)
	fmt.Fprintf(&b, "📉 %s below market\n", discount)
	if listing.SourceURL != "" {
		fmt.Fprintf(&b, "\n🔗 <a href=\"%s\">View on %s</a>", html.EscapeString(listing.SourceURL), listing.Platform)
	}
	return b.String()
}

func FormatBountyMatch(obs *models.Observation, bounty *models.Bounty) string {
	name := html.EscapeString(obs.Title)
	if obs.HasIdentity() {
		name = html.EscapeString(*obs.Brand + " " + *obs.Model)
	}

	var b strings.Builder
	b.WriteString("<b>🎯 Bounty match</b>\n\n")
	fmt.Fprintf(&b, "🚲 %s\n", name)
	fmt.Fprintf(&b, "🏷️ %s up to €%s\n", html.EscapeString(bounty.Category), bounty.MaxPrice.StringFixed(0))
	fmt.Fprintf(&b, "💰 €%s\n", obs.Price.StringFixed(0))
	if bounty.Note != "" {
		fmt.Fprintf(&b, "📝 %s\n", html.EscapeString(bounty.Note))
	}
	if obs.SourceURL != "" {
		fmt.Fprintf(&b, "\n🔗 <a href=\"%s\">View listing</a>", html.EscapeString(obs.SourceURL))
	}
	return b.String()
}

var decimalHundred = decimal.NewFromInt(100)
