package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"randreply/internal/domain"
)

const discordMaxMsgLen = 2000

// Discord receives guild and direct messages over the gateway.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start opens the gateway connection and blocks until ctx is done.
func (d *Discord) Start(ctx context.Context, in Inbound, ready func()) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || s.State.User == nil || m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}
		in(ctx, d.convert(s, m))
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	ready()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) convert(s *discordgo.Session, m *discordgo.MessageCreate) domain.IncomingMessage {
	contentType := domain.ContentText
	if m.Content == "" && len(m.Attachments) > 0 {
		contentType = domain.ContentOther
	}

	msg := domain.IncomingMessage{
		Channel:     "discord",
		MessageID:   m.ID,
		IsGroup:     m.GuildID != "",
		ContentType: contentType,
		Content:     m.Content,
		GroupID:     m.ChannelID,
		GroupName:   m.ChannelID,
		UserID:      m.Author.ID,
		UserName:    m.Author.Username,
		Mentioned:   discordMentions(m.Mentions, s.State.User.ID),
		Timestamp:   m.Timestamp,
	}
	if ch, err := s.State.Channel(m.ChannelID); err == nil && ch.Name != "" {
		msg.GroupName = ch.Name
	}
	if !msg.IsGroup {
		msg.GroupName = msg.UserName
	}
	return msg
}

func discordMentions(mentions []*discordgo.User, selfID string) bool {
	for _, u := range mentions {
		if u != nil && u.ID == selfID {
			return true
		}
	}
	return false
}

// Send posts reply to the channel in req.ReceiverID.
func (d *Discord) Send(ctx context.Context, reply domain.OutgoingReply, req domain.OutboundRequest) error {
	if d.session == nil {
		return fmt.Errorf("discord: %w", domain.ErrNoTransport)
	}
	for _, chunk := range splitMessage(reply.Content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(req.ReceiverID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send to %s: %w", req.ReceiverID, err)
		}
	}
	return nil
}

// splitMessage splits a message into chunks of at most maxLen bytes,
// preferring newline boundaries and never cutting inside a UTF-8 sequence.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		for cut > 0 && !isRuneStart(msg[cut]) {
			cut--
		}
		if idx := strings.LastIndex(msg[:cut], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
