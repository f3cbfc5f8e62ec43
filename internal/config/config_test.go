package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MI_USER", "100001")
	t.Setenv("MI_PASS", "hunter2")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "cn", cfg.MiRegion)
	assert.Equal(t, time.Second, cfg.Heartbeat)
	assert.Equal(t, 10, cfg.PollPageSize)
	assert.Equal(t, 3, cfg.PollMaxPages)
	assert.False(t, cfg.KeepAlive)
	assert.Equal(t, []string{"让我想想", "请稍等"}, cfg.OnAsking)
	assert.NotEmpty(t, cfg.OnError)
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoadMissingCredentials(t *testing.T) {
	// t.Setenv registers restoration; the vars must be absent, not empty,
	// for the required check to trip.
	t.Setenv("MI_USER", "x")
	t.Setenv("MI_PASS", "x")
	os.Unsetenv("MI_USER")
	os.Unsetenv("MI_PASS")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsTooFastHeartbeat(t *testing.T) {
	setRequired(t)
	t.Setenv("HEARTBEAT", "10ms")

	_, err := Load()
	assert.ErrorContains(t, err, "HEARTBEAT")
}

func TestLoadRejectsTinyPollPage(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_PAGE_SIZE", "1")

	_, err := Load()
	assert.ErrorContains(t, err, "POLL_PAGE_SIZE")
}

func TestPhraseListSeparator(t *testing.T) {
	setRequired(t)
	t.Setenv("ON_ASKING", "thinking|one moment")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"thinking", "one moment"}, cfg.OnAsking)
}

func TestTelegramEnabledNeedsBothValues(t *testing.T) {
	setRequired(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.TelegramEnabled())

	t.Setenv("TELEGRAM_CHAT_ID", "42")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.TelegramEnabled())
}
