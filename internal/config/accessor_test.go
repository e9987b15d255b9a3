package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	v, err := GetByPath(cfg, "trigger.minLength")
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	_, err = GetByPath(cfg, "trigger.nothing")
	assert.Error(t, err)
}

func TestSetByPath_ParsesScalars(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, SetByPath(cfg, "trigger.probability", "120"))
	require.NoError(t, SetByPath(cfg, "trigger.enabled", "false"))
	assert.Equal(t, PerMille(120), cfg.Trigger.Probability)
	assert.False(t, cfg.Trigger.Enabled)
}

func TestSetByPath_ClampsProbability(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, SetByPath(cfg, "trigger.probability", "99999"))
	assert.Equal(t, MaxPerMille, cfg.Trigger.Probability)
}

func TestSetByPath_ParsesLists(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, SetByPath(cfg, "trigger.blacklistGroups", `["g1", 42]`))
	assert.Equal(t, FlexStringList{"g1", "42"}, cfg.Trigger.BlacklistGroups)
}

func TestSanitize_MasksTokens(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Token = "1234567890:ABCDEFGHIJ"
	cfg.Channels.Slack.AppToken = "short"

	masked := Sanitize(cfg)
	assert.Equal(t, "1234****GHIJ", masked.Channels.Telegram.Token)
	assert.Equal(t, "***", masked.Channels.Slack.AppToken)
	assert.Equal(t, "", masked.Channels.Discord.Token)
	// original untouched
	assert.Equal(t, "1234567890:ABCDEFGHIJ", cfg.Channels.Telegram.Token)
}

func TestListPaths_Flattens(t *testing.T) {
	paths := ListPaths(Defaults())
	assert.Contains(t, paths, "trigger.probability")
	assert.Contains(t, paths, "pipeline.sendWindowSeconds")
}
