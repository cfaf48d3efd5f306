package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errand/internal/config"
	"errand/internal/types"
)

type recordingSender struct {
	sent []string
	to   []string
}

func (r *recordingSender) Send(_ context.Context, _, destination, text string) error {
	r.sent = append(r.sent, text)
	r.to = append(r.to, destination)
	return nil
}

type failingSender struct{ calls int }

func (f *failingSender) Send(context.Context, string, string, string) error {
	f.calls++
	return assert.AnError
}

func TestWebhookSenderPostsPayload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := &WebhookSender{URL: srv.URL, Client: srv.Client()}
	require.NoError(t, s.Send(context.Background(), "owner-1", "ana@example.com", "all done"))

	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, "ana@example.com", got.Destination)
	assert.Equal(t, "all done", got.Text)
}

func TestWebhookSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := &WebhookSender{URL: srv.URL, Client: srv.Client()}
	err := s.Send(context.Background(), "owner-1", "dest", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestOutboxSenderWritesFile(t *testing.T) {
	dir := t.TempDir()
	s := &OutboxSender{Dir: dir, Channel: types.ChannelEmail}
	require.NoError(t, s.Send(context.Background(), "owner-1", "ana@example.com", "result body"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "To: ana@example.com")
	assert.Contains(t, string(data), "result body")
}

func TestSendTruncatesConstrainedChannels(t *testing.T) {
	sms := &recordingSender{}
	d := NewDispatcher(map[types.Channel]ChannelSender{types.ChannelSMS: sms}, types.ChannelEmail)

	long := strings.Repeat("line of findings\n", 100)
	require.NoError(t, d.Send(context.Background(), types.ChannelSMS, "owner-1", "+15550100", long))

	require.Len(t, sms.sent, 1)
	assert.Less(t, len(sms.sent[0]), len(long))
	assert.Contains(t, sms.sent[0], "full result sent to your inbox")
}

func TestSendShortMessageUntouched(t *testing.T) {
	sms := &recordingSender{}
	d := NewDispatcher(map[types.Channel]ChannelSender{types.ChannelSMS: sms}, types.ChannelEmail)

	require.NoError(t, d.Send(context.Background(), types.ChannelSMS, "owner-1", "+15550100", "done"))
	require.Len(t, sms.sent, 1)
	assert.Equal(t, "done", sms.sent[0])
}

func TestSendUnknownChannelDropsQuietly(t *testing.T) {
	d := NewDispatcher(map[types.Channel]ChannelSender{}, types.ChannelEmail)
	assert.NoError(t, d.Send(context.Background(), types.ChannelVoice, "owner-1", "dest", "text"))
}

func TestSendFailureIsSwallowed(t *testing.T) {
	f := &failingSender{}
	d := NewDispatcher(map[types.Channel]ChannelSender{types.ChannelEmail: f}, types.ChannelEmail)

	assert.NoError(t, d.Send(context.Background(), types.ChannelEmail, "owner-1", "dest", "text"))
	assert.Equal(t, 1, f.calls, "dispatch must not retry")
}

func TestDeliverMirrorsFullResultToOwnerInbox(t *testing.T) {
	sms := &recordingSender{}
	email := &recordingSender{}
	d := NewDispatcher(map[types.Channel]ChannelSender{
		types.ChannelSMS:   sms,
		types.ChannelEmail: email,
	}, types.ChannelEmail)
	d.RegisterOwner("owner-1", types.ChannelEmail, "ana@example.com")

	long := strings.Repeat("comparison table row\n", 80)
	task := &types.Task{
		ID:           "t1",
		OwnerID:      "owner-1",
		Channel:      types.ChannelSMS,
		Origin:       "+15550100",
		ResponseText: long,
	}
	d.Deliver(context.Background(), task)

	require.Len(t, sms.sent, 1)
	require.Len(t, email.sent, 1)
	assert.Contains(t, sms.sent[0], "full result sent")
	assert.Equal(t, "+15550100", sms.to[0])
	assert.Equal(t, long, email.sent[0])
	assert.Equal(t, "ana@example.com", email.to[0], "mirror goes to the inbox, not the phone number")
}

func TestDeliverSkipsMirrorWithoutOwnerAddress(t *testing.T) {
	sms := &recordingSender{}
	email := &recordingSender{}
	d := NewDispatcher(map[types.Channel]ChannelSender{
		types.ChannelSMS:   sms,
		types.ChannelEmail: email,
	}, types.ChannelEmail)

	task := &types.Task{
		ID:           "t1",
		OwnerID:      "owner-unknown",
		Channel:      types.ChannelSMS,
		Origin:       "+15550100",
		ResponseText: strings.Repeat("row\n", 200),
	}
	d.Deliver(context.Background(), task)

	require.Len(t, sms.sent, 1)
	assert.Empty(t, email.sent)
}

func TestDeliverUnconstrainedChannelNoMirror(t *testing.T) {
	email := &recordingSender{}
	d := NewDispatcher(map[types.Channel]ChannelSender{types.ChannelEmail: email}, types.ChannelEmail)

	task := &types.Task{
		ID:           "t1",
		OwnerID:      "owner-1",
		Channel:      types.ChannelEmail,
		Origin:       "ana@example.com",
		ResponseText: "short answer",
	}
	d.Deliver(context.Background(), task)

	require.Len(t, email.sent, 1)
	assert.Equal(t, "short answer", email.sent[0])
}

func TestFromConfigFallsBackToOutbox(t *testing.T) {
	ws := t.TempDir()
	users := []config.UserConfig{{ID: "owner-1", DefaultChannel: "email", DefaultAddress: "ana@example.com"}}
	d := FromConfig(config.DispatchConfig{OutboxDir: "outbox", DefaultChannel: "email"}, users, ws)

	require.NoError(t, d.Send(context.Background(), types.ChannelEmail, "owner-1", "ana@example.com", "hi"))

	entries, err := os.ReadDir(filepath.Join(ws, "outbox"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
