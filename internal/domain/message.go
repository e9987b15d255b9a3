package domain

import "time"

// ContentType classifies an inbound message payload.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentOther ContentType = "other"
)

// IncomingMessage is a single chat message as delivered by a channel.
// It is never mutated after the channel hands it to the pipeline.
type IncomingMessage struct {
	Channel           string
	MessageID         string
	IsGroup           bool
	ContentType       ContentType
	Content           string
	GroupID           string // source id: the group, or the private chat with the sender
	GroupName         string
	UserID            string // actual sender
	UserName          string
	Mentioned         bool
	ForwardedByEngine bool
	Metadata          map[string]string
	Timestamp         time.Time
}

// SessionID returns the conversation the message belongs to.
func (m IncomingMessage) SessionID() string {
	if m.IsGroup {
		return m.GroupID
	}
	return m.UserID
}

// OutboundRequest asks the host pipeline to produce and deliver a reply.
// Ownership passes to the dispatcher on Submit.
type OutboundRequest struct {
	ID               string
	Channel          string
	Content          string
	SessionID        string
	ReceiverID       string
	GroupName        string
	UserID           string
	UserName         string
	IsGroup          bool
	PrefixMatched    bool // lets the request bypass the host's prefix routing
	NeedReply        bool
	NoMention        bool
	EngineOriginated bool
	Metadata         map[string]string
	CreatedAt        time.Time
}

// ReplyKind classifies an outgoing reply.
type ReplyKind string

const (
	ReplyText  ReplyKind = "text"
	ReplyOther ReplyKind = "other"
)

// OutgoingReply is a generated reply about to be decorated and delivered.
type OutgoingReply struct {
	Kind    ReplyKind
	Content string
}
