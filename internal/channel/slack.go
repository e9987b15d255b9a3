package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"randreply/internal/domain"
)

const slackMaxMsgLen = 4000

// Slack receives channel and direct messages through Socket Mode.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	logger   *slog.Logger
	botUID   string

	namesMu sync.Mutex
	names   map[string]string // user or conversation id -> display name
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
		names:    make(map[string]string),
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects via Socket Mode and blocks until ctx is done.
func (s *Slack) Start(ctx context.Context, in Inbound, ready func()) error {
	api := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeConnected:
				ready()
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				if msg, ok := s.convert(ctx, eventsAPIEvent); ok {
					in(ctx, msg)
				}
			default:
				// Unacknowledged requests make Socket Mode disconnect.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) convert(ctx context.Context, event slackevents.EventsAPIEvent) (domain.IncomingMessage, bool) {
	if event.Type != slackevents.CallbackEvent {
		return domain.IncomingMessage{}, false
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return domain.IncomingMessage{}, false
	}
	// Own messages and edits/joins/bot posts are not conversation input.
	if ev.User == "" || ev.User == s.botUID || ev.SubType != "" {
		return domain.IncomingMessage{}, false
	}

	isGroup := ev.ChannelType != "im"
	msg := domain.IncomingMessage{
		Channel:     "slack",
		MessageID:   ev.TimeStamp,
		IsGroup:     isGroup,
		ContentType: domain.ContentText,
		Content:     ev.Text,
		GroupID:     ev.Channel,
		UserID:      ev.User,
		UserName:    s.userName(ctx, ev.User),
		Mentioned:   s.botUID != "" && strings.Contains(ev.Text, "<@"+s.botUID+">"),
		Timestamp:   time.Now(),
	}
	if isGroup {
		msg.GroupName = s.conversationName(ctx, ev.Channel)
	} else {
		msg.GroupName = msg.UserName
	}
	return msg, true
}

func (s *Slack) userName(ctx context.Context, id string) string {
	return s.cachedName("u:"+id, id, func() (string, error) {
		u, err := s.client.GetUserInfoContext(ctx, id)
		if err != nil {
			return "", err
		}
		if u.Profile.DisplayName != "" {
			return u.Profile.DisplayName, nil
		}
		return u.Name, nil
	})
}

func (s *Slack) conversationName(ctx context.Context, id string) string {
	return s.cachedName("c:"+id, id, func() (string, error) {
		c, err := s.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
		if err != nil {
			return "", err
		}
		return c.Name, nil
	})
}

// cachedName resolves a display name once; lookups that fail fall back to the id.
func (s *Slack) cachedName(key, fallback string, lookup func() (string, error)) string {
	s.namesMu.Lock()
	name, ok := s.names[key]
	s.namesMu.Unlock()
	if ok {
		return name
	}

	name, err := lookup()
	if err != nil || name == "" {
		s.logger.Debug("slack name lookup failed", "key", key, "err", err)
		return fallback
	}
	s.namesMu.Lock()
	s.names[key] = name
	s.namesMu.Unlock()
	return name
}

// Send posts reply to the conversation in req.ReceiverID.
func (s *Slack) Send(ctx context.Context, reply domain.OutgoingReply, req domain.OutboundRequest) error {
	if s.client == nil {
		return fmt.Errorf("slack: %w", domain.ErrNoTransport)
	}
	for _, chunk := range splitMessage(reply.Content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessageContext(ctx, req.ReceiverID, slack.MsgOptionText(chunk, false))
		if err != nil {
			return fmt.Errorf("slack send to %s: %w", req.ReceiverID, err)
		}
	}
	return nil
}
