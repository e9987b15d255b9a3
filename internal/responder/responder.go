// Package responder produces replies for outbound requests.
package responder

import (
	"context"
	"fmt"
	"strings"

	"randreply/internal/domain"
)

// Echo answers every request locally. Unprompted requests get a short remark
// quoting the message; direct requests get the message echoed back.
type Echo struct{}

func (Echo) Respond(ctx context.Context, req domain.OutboundRequest) (domain.OutgoingReply, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutgoingReply{}, err
	}
	content := strings.TrimSpace(req.Content)
	if req.EngineOriginated {
		who := req.UserName
		if who == "" {
			who = "someone"
		}
		content = fmt.Sprintf("%q, %s said? Interesting.", content, who)
	}
	return domain.OutgoingReply{Kind: domain.ReplyText, Content: content}, nil
}
