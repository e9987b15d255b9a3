package trigger

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"randreply/internal/config"
	"randreply/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshotWith(t *testing.T, mutate func(c *config.Config)) *config.Snapshot {
	t.Helper()
	cfg := config.Defaults()
	cfg.Trigger.UseExternalKeywords = false
	if mutate != nil {
		mutate(cfg)
	}
	return config.NewStaticStore(cfg, testLogger()).Snapshot()
}

func groupMessage(content string) *domain.IncomingMessage {
	return &domain.IncomingMessage{
		Channel:     "telegram",
		IsGroup:     true,
		ContentType: domain.ContentText,
		Content:     content,
		GroupID:     "g-1",
		GroupName:   "Friends",
		UserID:      "u-1",
		UserName:    "alice",
	}
}

// --- Chain order ---

func TestGateChain_Order(t *testing.T) {
	g := NewGateChain(testLogger())
	assert.Equal(t, []string{
		"loop", "chat_kind", "content", "keyword", "length",
		"enabled", "identity", "blacklist", "prefix", "mention",
	}, g.Checks())
}

func TestGateChain_PassesEligibleMessage(t *testing.T) {
	g := NewGateChain(testLogger())
	res := g.Evaluate(groupMessage("hello there"), snapshotWith(t, nil))
	assert.True(t, res.Passed())
	assert.False(t, res.KeywordTriggered)
}

func TestGateChain_NilInputs(t *testing.T) {
	g := NewGateChain(testLogger())
	assert.Equal(t, ReasonNilMessage, g.Evaluate(nil, snapshotWith(t, nil)).Reason)
	assert.Equal(t, ReasonNilMessage, g.Evaluate(groupMessage("hello there"), nil).Reason)
}

// --- Individual checks ---

func TestGateChain_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutCfg func(c *config.Config)
		mutMsg func(m *domain.IncomingMessage)
		want   Reason
	}{
		{
			name:   "already forwarded",
			mutMsg: func(m *domain.IncomingMessage) { m.ForwardedByEngine = true },
			want:   ReasonAlreadyForwarded,
		},
		{
			name:   "private protected",
			mutMsg: func(m *domain.IncomingMessage) { m.IsGroup = false },
			want:   ReasonPrivateProtected,
		},
		{
			name:   "not text",
			mutMsg: func(m *domain.IncomingMessage) { m.ContentType = domain.ContentOther },
			want:   ReasonNotText,
		},
		{
			name:   "empty",
			mutMsg: func(m *domain.IncomingMessage) { m.Content = "" },
			want:   ReasonEmptyContent,
		},
		{
			name:   "too short",
			mutMsg: func(m *domain.IncomingMessage) { m.Content = "hey" },
			want:   ReasonTooShort,
		},
		{
			name:   "whitespace does not count toward length",
			mutMsg: func(m *domain.IncomingMessage) { m.Content = "  hey   " },
			want:   ReasonTooShort,
		},
		{
			name:   "disabled",
			mutCfg: func(c *config.Config) { c.Trigger.Enabled = false },
			want:   ReasonDisabled,
		},
		{
			name:   "missing user name",
			mutMsg: func(m *domain.IncomingMessage) { m.UserName = "" },
			want:   ReasonIncompleteIdentity,
		},
		{
			name:   "missing group id",
			mutMsg: func(m *domain.IncomingMessage) { m.GroupID = "" },
			want:   ReasonIncompleteIdentity,
		},
		{
			name:   "blacklisted group",
			mutCfg: func(c *config.Config) { c.Trigger.BlacklistGroups = config.FlexStringList{"g-1"} },
			want:   ReasonBlacklistedGroup,
		},
		{
			name:   "blacklisted user",
			mutCfg: func(c *config.Config) { c.Trigger.BlacklistUsers = config.FlexStringList{"u-1"} },
			want:   ReasonBlacklistedUser,
		},
		{
			name:   "explicit prefix",
			mutMsg: func(m *domain.IncomingMessage) { m.Content = "@bot what time is it" },
			want:   ReasonExplicitPrefix,
		},
		{
			name:   "mentioned",
			mutMsg: func(m *domain.IncomingMessage) { m.Mentioned = true },
			want:   ReasonMentioned,
		},
	}

	g := NewGateChain(testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := groupMessage("hello there")
			if tt.mutMsg != nil {
				tt.mutMsg(msg)
			}
			res := g.Evaluate(msg, snapshotWith(t, tt.mutCfg))
			assert.False(t, res.Passed())
			assert.Equal(t, tt.want, res.Reason)
		})
	}
}

func TestGateChain_FirstFailureWins(t *testing.T) {
	g := NewGateChain(testLogger())
	msg := groupMessage("hey")
	msg.ForwardedByEngine = true
	msg.Mentioned = true
	msg.UserID = ""

	res := g.Evaluate(msg, snapshotWith(t, func(c *config.Config) { c.Trigger.Enabled = false }))
	assert.Equal(t, ReasonAlreadyForwarded, res.Reason)
}

func TestGateChain_PrivateAllowedWhenUnprotected(t *testing.T) {
	g := NewGateChain(testLogger())
	msg := groupMessage("hello there")
	msg.IsGroup = false
	msg.GroupID = msg.UserID
	msg.GroupName = msg.UserName

	res := g.Evaluate(msg, snapshotWith(t, func(c *config.Config) { c.Trigger.ProtectPrivateMessages = false }))
	assert.True(t, res.Passed())
}

func TestGateChain_KeywordBypassesLength(t *testing.T) {
	g := NewGateChain(testLogger())
	snap := snapshotWith(t, func(c *config.Config) { c.Trigger.Keywords = []string{"hi"} })

	res := g.Evaluate(groupMessage("hi"), snap)
	require.True(t, res.Passed())
	assert.True(t, res.KeywordTriggered)
	assert.Equal(t, "hi", res.Keyword)

	res = g.Evaluate(groupMessage("hi you"), snap)
	require.True(t, res.Passed())
	assert.True(t, res.KeywordTriggered)
}

func TestGateChain_KeywordDoesNotBypassLaterChecks(t *testing.T) {
	g := NewGateChain(testLogger())
	snap := snapshotWith(t, func(c *config.Config) {
		c.Trigger.Keywords = []string{"ping"}
		c.Trigger.BlacklistUsers = config.FlexStringList{"u-1"}
	})

	res := g.Evaluate(groupMessage("ping"), snap)
	assert.Equal(t, ReasonBlacklistedUser, res.Reason)
	assert.True(t, res.KeywordTriggered)
}

func TestGateChain_LengthCountsRunes(t *testing.T) {
	g := NewGateChain(testLogger())
	snap := snapshotWith(t, func(c *config.Config) { c.Trigger.MinLength = 5 })

	// five code points, fifteen bytes
	assert.True(t, g.Evaluate(groupMessage("你好世界啊"), snap).Passed())
	assert.Equal(t, ReasonTooShort, g.Evaluate(groupMessage("你好世界"), snap).Reason)
}

func TestGateChain_PrefixUsesRawContent(t *testing.T) {
	g := NewGateChain(testLogger())
	snap := snapshotWith(t, nil)

	// leading whitespace means the message did not use the prefix
	assert.True(t, g.Evaluate(groupMessage("  @bot hello"), snap).Passed())
}

func TestGateChain_EmptyPrefixIgnored(t *testing.T) {
	g := NewGateChain(testLogger())
	snap := snapshotWith(t, func(c *config.Config) { c.Pipeline.GroupChatPrefix = []string{""} })
	assert.True(t, g.Evaluate(groupMessage("hello there"), snap).Passed())
}

// --- Properties ---

func TestGateChain_PrivateNeverPassesWhenProtected(t *testing.T) {
	g := NewGateChain(testLogger())
	snap := snapshotWith(t, func(c *config.Config) {
		c.Trigger.Keywords = []string{"ping"}
		c.Trigger.Probability = config.MaxPerMille
	})
	for _, content := range []string{"ping", "hello there", "a much longer private message", "x"} {
		msg := groupMessage(content)
		msg.IsGroup = false
		assert.False(t, g.Evaluate(msg, snap).Passed(), content)
	}
}

func TestHasExplicitPrefix(t *testing.T) {
	assert.True(t, HasExplicitPrefix("/ask x", []string{"@bot", "/ask"}))
	assert.False(t, HasExplicitPrefix("ask x", []string{"@bot", "/ask"}))
	assert.False(t, HasExplicitPrefix("anything", nil))
}
