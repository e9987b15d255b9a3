package domain

import "time"

// DecisionRecord is one persisted engine decision.
type DecisionRecord struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"` // event type, e.g. decision.forwarded
	Channel   string    `json:"channel"`
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
