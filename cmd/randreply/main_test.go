package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"randreply/internal/config"
	"randreply/internal/trigger"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedSource int

func (f fixedSource) IntN(n int) int { return int(f) }

func snapshotWith(t *testing.T, mutate func(*config.Config)) *config.Snapshot {
	t.Helper()
	cfg := config.Defaults()
	cfg.Trigger.ExternalKeywordsPath = ""
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()
	return config.NewStaticStore(cfg, logger).Snapshot()
}

// --- check ---

func TestRunCheck_Rejected(t *testing.T) {
	snap := snapshotWith(t, nil)
	msg := checkOptions{groupID: "g", groupName: "G", userID: "u", userName: "n"}.message("hi")

	r := runCheck(snap, &msg, 100, fixedSource(0), logger)
	assert.False(t, r.Passed)
	assert.Equal(t, trigger.ReasonTooShort, r.Reason)
	assert.Zero(t, r.Trials)
}

func TestRunCheck_KeywordAlwaysForwards(t *testing.T) {
	snap := snapshotWith(t, func(c *config.Config) {
		c.Trigger.Keywords = []string{"pizza"}
		c.Trigger.Probability = 0
	})
	msg := checkOptions{groupID: "g", groupName: "G", userID: "u", userName: "n"}.message("pizza")

	r := runCheck(snap, &msg, 50, fixedSource(999), logger)
	require.True(t, r.Passed)
	assert.True(t, r.Forward)
	assert.Equal(t, trigger.CauseKeyword, r.Cause)
	assert.Equal(t, "pizza", r.Keyword)
	assert.Equal(t, 50, r.Forwarded)
	assert.Equal(t, 1.0, r.Rate)
}

func TestRunCheck_TrialsUseSampler(t *testing.T) {
	snap := snapshotWith(t, func(c *config.Config) { c.Trigger.Probability = 500 })
	msg := checkOptions{groupID: "g", groupName: "G", userID: "u", userName: "n"}.message("an ordinary sentence")

	// draw = IntN+1 = 500 <= 500
	r := runCheck(snap, &msg, 10, fixedSource(499), logger)
	require.True(t, r.Passed)
	assert.True(t, r.Forward)
	assert.Equal(t, 500, r.Draw)
	assert.Equal(t, 10, r.Forwarded)
	assert.Equal(t, 0.5, r.Configured)

	r = runCheck(snap, &msg, 10, fixedSource(500), logger)
	assert.False(t, r.Forward)
	assert.Equal(t, trigger.CauseRandomMiss, r.Cause)
	assert.Zero(t, r.Forwarded)
}

func TestCheckOptions_Message(t *testing.T) {
	msg := checkOptions{private: true, mention: true, other: true}.message("x")
	assert.False(t, msg.IsGroup)
	assert.True(t, msg.Mentioned)
	assert.EqualValues(t, "other", msg.ContentType)
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, checkReport{Passed: false, Reason: trigger.ReasonMentioned}, false))
	assert.Equal(t, "rejected: mentioned\n", buf.String())

	buf.Reset()
	require.NoError(t, printReport(&buf, checkReport{Passed: true, Forward: true, Cause: trigger.CauseRandomHit, Draw: 3, Trials: 4, Forwarded: 1, Rate: 0.25, Configured: 0.005}, false))
	assert.Contains(t, buf.String(), "forward (random_hit, draw 3)")
	assert.Contains(t, buf.String(), "rate: 0.2500")

	buf.Reset()
	require.NoError(t, printReport(&buf, checkReport{Passed: true, Cause: trigger.CauseRandomMiss}, true))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "random_miss", decoded["cause"])
}

// --- commands ---

func runCommand(t *testing.T, cmd *cobra.Command, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestSanitizeCmd(t *testing.T) {
	out := runCommand(t, sanitizeCmd(), "", "--max-length", "10", `{"content":"  hello there world  "}`)
	assert.Equal(t, "hello t...\n", out)

	out = runCommand(t, sanitizeCmd(), "\"quoted\"\n", "--max-length", "50")
	assert.Equal(t, "quoted\n", out)
}

func TestInitAndConfigCommands(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.json")
	t.Cleanup(func() { configPath = "" })

	runCommand(t, initCmd(), "")
	_, err := os.Stat(configPath)
	require.NoError(t, err)

	cmd := initCmd()
	cmd.SetArgs(nil)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute(), "init must not overwrite without --force")

	runCommand(t, configCmd(), "", "set", "trigger.probability", "250")
	out := runCommand(t, configCmd(), "", "get", "trigger.probability")
	assert.Equal(t, "250\n", out)

	out = runCommand(t, configCmd(), "", "paths")
	assert.Contains(t, out, "trigger.minLength = 5")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestRenderUnit(t *testing.T) {
	out := renderUnit(systemdTemplate, map[string]string{"EXEC": "/bin/rr", "CONFIG": "/etc/rr.json"})
	assert.Contains(t, out, "ExecStart=/bin/rr serve --config /etc/rr.json")
	assert.NotContains(t, out, "{{")
}
