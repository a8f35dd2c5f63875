package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"telecast/internal/domain"
	"telecast/internal/transport"
	logx "telecast/pkg/logx"
)

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	require.ErrorIs(t, err, transport.ErrMissingCredentials)
}

func TestQuizPoll(t *testing.T) {
	p := quizPoll(domain.Content{
		PollQuestion:    "capital of France?",
		PollOptions:     []string{"Paris", "Lyon"},
		CorrectOption:   0,
		PollExplanation: "it is Paris",
	})
	require.Equal(t, tele.PollQuiz, p.Type)
	require.True(t, p.Anonymous)
	require.Len(t, p.Options, 2)
	require.Equal(t, "Paris", p.Options[0].Text)
	require.Equal(t, "it is Paris", p.Explanation)
}

func TestHTMLParseModeOnSends(t *testing.T) {
	require.Equal(t, tele.ModeHTML, htmlOpts().ParseMode)
}

func TestMediaKind(t *testing.T) {
	cases := []struct {
		path string
		size int64
		want mediaClass
	}{
		{"pic.jpg", 1 << 10, kindPhoto},
		{"pic.JPEG", 1 << 10, kindPhoto},
		{"pic.png", 1 << 10, kindPhoto},
		{"anim.gif", 1 << 10, kindPhoto},
		{"sticker.webp", 1 << 10, kindPhoto},
		{"huge.png", maxPhotoBytes + 1, kindDocument},
		{"clip.mp4", 1 << 20, kindVideo},
		{"clip.mov", 1 << 20, kindVideo},
		{"clip.AVI", 1 << 20, kindVideo},
		{"report.pdf", 1 << 10, kindDocument},
		{"noext", 1 << 10, kindDocument},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, mediaKind(tc.path, tc.size), "path=%s size=%d", tc.path, tc.size)
	}
}

func TestChatRecipient(t *testing.T) {
	require.Equal(t, "-1001234", chatRecipient("-1001234").Recipient())
	require.Equal(t, "@news", chatRecipient("@news").Recipient())
}

func statsClient(statsURL string) *Client {
	return &Client{
		cfg:  Config{Token: "x", StatsURL: statsURL},
		http: &http.Client{},
		log:  logx.Nop(),
	}
}

func TestMessageStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "-100777", r.URL.Query().Get("chat_id"))
		require.Equal(t, "42", r.URL.Query().Get("message_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"views":120,"forwards":4,"replies":2,"reactions":9}`))
	}))
	defer srv.Close()

	m, err := statsClient(srv.URL).MessageStats(context.Background(), "-100777", 42)
	require.NoError(t, err)
	require.Equal(t, domain.Metrics{Views: 120, Forwards: 4, Replies: 2, Reactions: 9}, m)
}

func TestMessageStatsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := statsClient(srv.URL).MessageStats(context.Background(), "-100777", 42)
	require.ErrorIs(t, err, transport.ErrStatsNotFound)
}

func TestMessageStatsUnconfigured(t *testing.T) {
	_, err := statsClient("").MessageStats(context.Background(), "-100777", 42)
	require.Error(t, err)
}
