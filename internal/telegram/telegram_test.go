package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"velomarket/server/internal/fmv"
	"velomarket/server/internal/models"
)

func newTestService(t *testing.T, status int) (*Service, *[]map[string]interface{}) {
	t.Helper()
	var received []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received = append(received, payload)
		w.WriteHeader(status)
		w.Write([]byte(`{"ok":false,"description":"nope"}`))
	}))
	t.Cleanup(server.Close)

	service := NewService(&models.TelegramConfig{IsEnabled: true, BotToken: "TOKEN", ChatID: "42"}, logrus.New())
	service.baseURL = server.URL
	return service, &received
}

func gemFixture() (*models.CatalogListing, fmv.Verdict) {
	year := 2021
	size := "L"
	listing := &models.CatalogListing{
		Platform:  models.PlatformKleinanzeigen,
		Brand:     "Canyon",
		Model:     "Torque",
		Year:      &year,
		FrameSize: &size,
		Price:     decimal.NewFromInt(680),
		SourceURL: "https://www.kleinanzeigen.de/s-anzeige/1?a=1&b=2",
	}
	verdict := fmv.Verdict{
		Estimate: fmv.Estimate{Estimate: decimal.NewFromInt(1000), SampleSize: 10, Confidence: fmv.ConfidenceMedium},
		Price:    listing.Price,
		IsGem:    true,
	}
	return listing, verdict
}

func TestSendMessage(t *testing.T) {
	service, received := newTestService(t, http.StatusOK)

	require.NoError(t, service.SendMessage(context.Background(), "<b>hi</b>"))
	require.Len(t, *received, 1)
	assert.Equal(t, "42", (*received)[0]["chat_id"])
	assert.Equal(t, "HTML", (*received)[0]["parse_mode"])
	assert.Equal(t, "<b>hi</b>", (*received)[0]["text"])
}

func TestSendMessage_StatusErrors(t *testing.T) {
	tests := []struct {
		status   int
		contains string
	}{
		{http.StatusUnauthorized, "invalid bot token"},
		{http.StatusBadRequest, "invalid chat ID"},
		{http.StatusForbidden, "blocked"},
		{http.StatusNotFound, "bot not found"},
		{http.StatusTooManyRequests, "status 429"},
	}

	for _, tt := range tests {
		service, _ := newTestService(t, tt.status)
		err := service.SendMessage(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), tt.contains)
	}
}

func TestSendMessage_Disabled(t *testing.T) {
	service := NewService(&models.TelegramConfig{}, logrus.New())
	assert.NoError(t, service.SendMessage(context.Background(), "x"))
	assert.False(t, service.Enabled())

	service.UpdateConfig(&models.TelegramConfig{IsEnabled: true, ChatID: "1"})
	assert.Error(t, service.SendMessage(context.Background(), "x"))
}

func TestNotifyGem(t *testing.T) {
	service, received := newTestService(t, http.StatusOK)
	listing, verdict := gemFixture()

	require.NoError(t, service.NotifyGem(context.Background(), listing, verdict))
	require.Len(t, *received, 1)

	text := (*received)[0]["text"].(string)
	assert.Contains(t, text, "Canyon Torque")
	assert.Contains(t, text, "€680")
	assert.Contains(t, text, "FMV €1000 (10 samples, MEDIUM)")
	assert.Contains(t, text, "32.0% below market")
	assert.Contains(t, text, "a=1&amp;b=2")
}

func TestFormatGem_YearAgnostic(t *testing.T) {
	listing, verdict := gemFixture()
	verdict.Estimate.YearAgnostic = true
	listing.Year = nil

	text := FormatGem(listing, verdict)
	assert.Contains(t, text, "all years")
	assert.Contains(t, text, "Year: N/A")
}

func TestNotifyBountyMatch(t *testing.T) {
	service, received := newTestService(t, http.StatusOK)
	brand, model := "Cube", "Stereo Hybrid"
	obs := &models.Observation{Title: "Cube Stereo Hybrid <E-Bike>", Brand: &brand, Model: &model, Price: decimal.NewFromInt(2400)}
	bounty := &models.Bounty{Category: "emtb", MaxPrice: decimal.NewFromInt(2500), Note: "size M"}

	require.NoError(t, service.NotifyBountyMatch(context.Background(), obs, bounty))
	text := (*received)[0]["text"].(string)
	assert.Contains(t, text, "Cube Stereo Hybrid")
	assert.Contains(t, text, "emtb up to €2500")
	assert.Contains(t, text, "size M")

	obs.Brand = nil
	assert.Contains(t, FormatBountyMatch(obs, bounty), "&lt;E-Bike&gt;")
}
