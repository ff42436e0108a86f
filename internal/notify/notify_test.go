package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewjhunter/kleinwatch/internal/extract"
	"github.com/matthewjhunter/kleinwatch/internal/logger"
)

var testToken = "123456789:" + strings.Repeat("A", 35)

func TestFormatListing(t *testing.T) {
	msg := FormatListing(extract.ListingDetails{
		ID:         "111",
		URL:        "https://www.kleinanzeigen.de/s-anzeige/bmw/111-1",
		Title:      "BMW 320d",
		Brand:      "BMW",
		Year:       "2015",
		Price:      "12.500 €",
		Location:   "Sachsen - Chemnitz",
		PostalCode: "09111",
	})

	assert.Equal(t, "🚗 <b>BMW 320d</b>\n"+
		"📅 Year: 2015\n"+
		"📍 Sachsen - Chemnitz\n"+
		"🏷 PLZ: 09111\n"+
		"💶 Price: 12.500 €\n"+
		"\n🔗 https://www.kleinanzeigen.de/s-anzeige/bmw/111-1", msg)
}

func TestFormatListingFallsBackToBrand(t *testing.T) {
	d := extract.PartialDetails(extract.ListingPreview{ID: "1", URL: "https://x/1"})
	d.Brand = "Volvo"
	msg := FormatListing(d)
	assert.True(t, strings.HasPrefix(msg, "🚗 <b>Volvo</b>\n"), msg)
	assert.Contains(t, msg, "Year: —")
}

func TestFormatListingStripsMarkup(t *testing.T) {
	msg := FormatListing(extract.ListingDetails{
		Title:    `<script>alert(1)</script>Golf <i>GTI</i>`,
		Location: "A & B",
	})
	assert.NotContains(t, msg, "<script>")
	assert.NotContains(t, msg, "<i>")
	assert.Contains(t, msg, "Golf GTI")
	assert.Contains(t, msg, "A &amp; B")
}

func TestTelegramSendMessage(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/sendMessage"), r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	bot, err := NewBot(testToken, srv.URL, logger.NewNop())
	require.NoError(t, err)

	tg := NewTelegram(bot, time.Second, logger.NewNop())
	assert.True(t, tg.SendMessage(context.Background(), 42, "hello"))
	assert.Contains(t, body, `"chat_id":42`)
	assert.Contains(t, body, `"parse_mode":"HTML"`)
}

func TestTelegramSendMessageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	}))
	defer srv.Close()

	bot, err := NewBot(testToken, srv.URL, logger.NewNop())
	require.NoError(t, err)

	tg := NewTelegram(bot, time.Second, logger.NewNop())
	assert.False(t, tg.SendMessage(context.Background(), 42, "hello"))
}

func TestNewBotRejectsMalformedToken(t *testing.T) {
	_, err := NewBot("not-a-token", "", logger.NewNop())
	assert.Error(t, err)
}
