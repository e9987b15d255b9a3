// Package trigger decides which incoming messages the engine forwards on its
// own: an ordered gate chain filters, then a sampler draws.
package trigger

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"randreply/internal/config"
	"randreply/internal/domain"
)

// Reason names the check that rejected a message.
type Reason string

const (
	ReasonNilMessage         Reason = "nil_message"
	ReasonAlreadyForwarded   Reason = "already_forwarded"
	ReasonPrivateProtected   Reason = "private_protected"
	ReasonNotText            Reason = "not_text"
	ReasonEmptyContent       Reason = "empty_content"
	ReasonTooShort           Reason = "too_short"
	ReasonDisabled           Reason = "disabled"
	ReasonIncompleteIdentity Reason = "incomplete_identity"
	ReasonBlacklistedGroup   Reason = "blacklisted_group"
	ReasonBlacklistedUser    Reason = "blacklisted_user"
	ReasonExplicitPrefix     Reason = "explicit_prefix"
	ReasonMentioned          Reason = "mentioned"
)

// GateResult is the outcome of a chain run. A zero Reason means Pass.
type GateResult struct {
	Reason           Reason
	KeywordTriggered bool
	Keyword          string
}

// Passed reports whether every check accepted the message.
func (r GateResult) Passed() bool { return r.Reason == "" }

// Eval is the state threaded through one chain run.
type Eval struct {
	Msg              *domain.IncomingMessage
	Snap             *config.Snapshot
	KeywordTriggered bool
	Keyword          string
}

// Check inspects one aspect of a message. Run returns "" to pass.
type Check struct {
	Name string
	Run  func(e *Eval) Reason
}

// GateChain runs its checks in order and stops at the first rejection.
type GateChain struct {
	checks []Check
	logger *slog.Logger
}

// NewGateChain returns the standard chain. Later checks rely on earlier ones
// having passed, so the order is fixed.
func NewGateChain(logger *slog.Logger) *GateChain {
	return &GateChain{
		logger: logger,
		checks: []Check{
			{"loop", checkNotForwarded},
			{"chat_kind", checkChatKind},
			{"content", checkContent},
			{"keyword", evalKeyword},
			{"length", checkLength},
			{"enabled", checkEnabled},
			{"identity", checkIdentity},
			{"blacklist", checkBlacklist},
			{"prefix", checkPrefix},
			{"mention", checkMention},
		},
	}
}

// Checks returns the check names in evaluation order.
func (g *GateChain) Checks() []string {
	names := make([]string, len(g.checks))
	for i, c := range g.checks {
		names[i] = c.Name
	}
	return names
}

// Evaluate runs the chain against msg using the given snapshot.
func (g *GateChain) Evaluate(msg *domain.IncomingMessage, snap *config.Snapshot) GateResult {
	if msg == nil || snap == nil || snap.Config == nil {
		g.logger.Warn("gate: missing message or config snapshot")
		return GateResult{Reason: ReasonNilMessage}
	}

	e := &Eval{Msg: msg, Snap: snap}
	for _, c := range g.checks {
		if reason := c.Run(e); reason != "" {
			if reason == ReasonIncompleteIdentity {
				g.logger.Warn("gate: message lacks identity fields",
					"channel", msg.Channel,
					"group_id", msg.GroupID,
					"user_id", msg.UserID,
				)
			} else {
				g.logger.Debug("gate rejected", "check", c.Name, "reason", reason, "channel", msg.Channel, "user_id", msg.UserID)
			}
			return GateResult{Reason: reason, KeywordTriggered: e.KeywordTriggered, Keyword: e.Keyword}
		}
	}
	return GateResult{KeywordTriggered: e.KeywordTriggered, Keyword: e.Keyword}
}

func checkNotForwarded(e *Eval) Reason {
	if e.Msg.ForwardedByEngine {
		return ReasonAlreadyForwarded
	}
	return ""
}

func checkChatKind(e *Eval) Reason {
	if !e.Msg.IsGroup && e.Snap.Config.Trigger.ProtectPrivateMessages {
		return ReasonPrivateProtected
	}
	return ""
}

func checkContent(e *Eval) Reason {
	if e.Msg.ContentType != domain.ContentText {
		return ReasonNotText
	}
	if e.Msg.Content == "" {
		return ReasonEmptyContent
	}
	return ""
}

// evalKeyword never rejects; it records whether the keyword override applies.
func evalKeyword(e *Eval) Reason {
	if kw, _, ok := e.Snap.Keywords.Match(e.Msg.Content); ok {
		e.KeywordTriggered = true
		e.Keyword = kw
	}
	return ""
}

func checkLength(e *Eval) Reason {
	if e.KeywordTriggered {
		return ""
	}
	if utf8.RuneCountInString(strings.TrimSpace(e.Msg.Content)) < e.Snap.Config.Trigger.MinLength {
		return ReasonTooShort
	}
	return ""
}

func checkEnabled(e *Eval) Reason {
	if !e.Snap.Config.Trigger.Enabled {
		return ReasonDisabled
	}
	return ""
}

func checkIdentity(e *Eval) Reason {
	m := e.Msg
	if m.UserID == "" || m.UserName == "" || m.GroupID == "" || m.GroupName == "" {
		return ReasonIncompleteIdentity
	}
	return ""
}

func checkBlacklist(e *Eval) Reason {
	t := e.Snap.Config.Trigger
	if t.BlacklistGroups.Contains(e.Msg.GroupID) {
		return ReasonBlacklistedGroup
	}
	if t.BlacklistUsers.Contains(e.Msg.UserID) {
		return ReasonBlacklistedUser
	}
	return ""
}

func checkPrefix(e *Eval) Reason {
	if HasExplicitPrefix(e.Msg.Content, e.Snap.Config.Pipeline.GroupChatPrefix) {
		return ReasonExplicitPrefix
	}
	return ""
}

func checkMention(e *Eval) Reason {
	if e.Msg.Mentioned {
		return ReasonMentioned
	}
	return ""
}

// HasExplicitPrefix reports whether content starts with any non-empty prefix.
func HasExplicitPrefix(content string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(content, p) {
			return true
		}
	}
	return false
}
